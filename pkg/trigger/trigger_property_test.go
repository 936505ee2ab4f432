//go:build property
// +build property

package trigger_test

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/mattyonweb/tbsm/pkg/contracts"
	"github.com/mattyonweb/tbsm/pkg/trigger"
)

// TestRecurringOccurrenceCount verifies a bounded recurring rule fires exactly
// MaxOccurrences times, each IntervalDays apart.
func TestRecurringOccurrenceCount(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	activation := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	properties.Property("recurring rule fires MaxOccurrences times", prop.ForAll(
		func(interval, start, max int) bool {
			rule := contracts.Recurring{IntervalDays: interval, StartAfterDays: start, MaxOccurrences: max}
			var prior *time.Time
			count := 0
			for {
				occ, ok, err := trigger.Next(rule, activation, activation, prior)
				if err != nil {
					return false
				}
				if !ok {
					break
				}
				count++
				if occ.Index != count {
					return false
				}
				if prior != nil && occ.At.Sub(*prior) != time.Duration(interval)*trigger.Day {
					return false
				}
				p := occ.At
				prior = &p
				if count > max {
					return false
				}
			}
			return count == max
		},
		gen.IntRange(1, 400),
		gen.IntRange(0, 60),
		gen.IntRange(1, 24),
	))

	properties.Property("evaluation is deterministic", prop.ForAll(
		func(interval, offset int) bool {
			rule := contracts.Recurring{IntervalDays: interval}
			prior := activation.Add(time.Duration(interval+offset*interval) * trigger.Day)
			a, okA, errA := trigger.Next(rule, prior, activation, &prior)
			b, okB, errB := trigger.Next(rule, prior, activation, &prior)
			return a == b && okA == okB && (errA == nil) == (errB == nil)
		},
		gen.IntRange(1, 90),
		gen.IntRange(0, 50),
	))

	properties.TestingRun(t)
}
