// Package trigger evaluates repayment trigger rules. Evaluation is pure: the
// same rule, activation and prior occurrence always yield the same date.
package trigger

import (
	"fmt"
	"time"

	"github.com/mattyonweb/tbsm/pkg/contracts"
)

// Day is the granularity of every trigger offset.
const Day = 24 * time.Hour

// Occurrence is the next time a rule fires.
type Occurrence struct {
	At time.Time
	// Index is the 1-based occurrence number of At.
	Index int
	// Due reports whether At is not after the reference time.
	Due bool
}

// Next computes the occurrence that follows prior, or the first one when prior
// is nil. ok is false once the rule has no further occurrences.
func Next(rule contracts.TriggerRule, reference, activation time.Time, prior *time.Time) (Occurrence, bool, error) {
	var (
		at    time.Time
		index int
	)
	switch r := rule.(type) {
	case contracts.Recurring:
		if r.IntervalDays <= 0 {
			return Occurrence{}, false, fmt.Errorf("recurring interval must be positive, got %d", r.IntervalDays)
		}
		interval := days(r.IntervalDays)
		first := activation.Add(days(r.StartAfterDays) + interval)
		if prior == nil {
			at, index = first, 1
		} else {
			if prior.Before(first) {
				return Occurrence{}, false, fmt.Errorf("prior occurrence %s precedes first occurrence %s", prior.Format(time.RFC3339), first.Format(time.RFC3339))
			}
			at = prior.Add(interval)
			index = int(prior.Sub(first)/interval) + 2
		}
		if r.MaxOccurrences > 0 && index > r.MaxOccurrences {
			return Occurrence{}, false, nil
		}
		if r.Until != nil && at.After(*r.Until) {
			return Occurrence{}, false, nil
		}
	case contracts.RelativeOffset:
		if prior != nil {
			return Occurrence{}, false, nil
		}
		at, index = activation.Add(days(r.Days)), 1
	case contracts.AbsoluteDate:
		if r.Date.Before(activation) {
			return Occurrence{}, false, fmt.Errorf("absolute date %s precedes activation %s", r.Date.Format(time.RFC3339), activation.Format(time.RFC3339))
		}
		if prior != nil {
			return Occurrence{}, false, nil
		}
		at, index = r.Date, 1
	default:
		return Occurrence{}, false, fmt.Errorf("unsupported trigger rule %T", rule)
	}
	return Occurrence{At: at, Index: index, Due: !at.After(reference)}, true, nil
}

// Exhausted reports whether the rule can fire again after prior.
func Exhausted(rule contracts.TriggerRule, activation time.Time, prior *time.Time) (bool, error) {
	_, ok, err := Next(rule, activation, activation, prior)
	if err != nil {
		return false, err
	}
	return !ok, nil
}

func days(n int) time.Duration { return time.Duration(n) * Day }
