package contracts

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// TriggerKind tags a TriggerRule variant.
type TriggerKind string

const (
	TriggerRecurring      TriggerKind = "recurring"
	TriggerRelativeOffset TriggerKind = "relative_offset"
	TriggerAbsoluteDate   TriggerKind = "absolute_date"
)

// TriggerRule (a "timely action") describes when a repayment falls due.
// Rules are pure descriptions and hold no mutable state.
type TriggerRule interface {
	Kind() TriggerKind
	isTriggerRule()
}

// Recurring fires every IntervalDays, the first time IntervalDays after
// activation (plus an optional StartAfterDays delay). MaxOccurrences and Until
// are optional end conditions; zero values mean unbounded.
type Recurring struct {
	IntervalDays   int        `json:"interval_days"`
	StartAfterDays int        `json:"start_after_days,omitempty"`
	MaxOccurrences int        `json:"max_occurrences,omitempty"`
	Until          *time.Time `json:"until,omitempty"`
}

func (Recurring) Kind() TriggerKind { return TriggerRecurring }
func (Recurring) isTriggerRule()    {}

// RelativeOffset fires once, Days after activation.
type RelativeOffset struct {
	Days int `json:"days"`
}

func (RelativeOffset) Kind() TriggerKind { return TriggerRelativeOffset }
func (RelativeOffset) isTriggerRule()    {}

// AbsoluteDate fires once at Date.
type AbsoluteDate struct {
	Date time.Time `json:"date"`
}

func (AbsoluteDate) Kind() TriggerKind { return TriggerAbsoluteDate }
func (AbsoluteDate) isTriggerRule()    {}

// ValidateTrigger rejects rules that can never be evaluated.
func ValidateTrigger(rule TriggerRule) error {
	switch r := rule.(type) {
	case Recurring:
		if r.IntervalDays <= 0 {
			return fmt.Errorf("recurring trigger needs a positive interval, got %d", r.IntervalDays)
		}
		if r.StartAfterDays < 0 || r.MaxOccurrences < 0 {
			return fmt.Errorf("recurring trigger has negative bounds")
		}
	case RelativeOffset:
		if r.Days < 0 {
			return fmt.Errorf("relative offset must not be negative, got %d", r.Days)
		}
	case AbsoluteDate:
		if r.Date.IsZero() {
			return fmt.Errorf("absolute trigger has no date")
		}
	case nil:
		return fmt.Errorf("trigger rule is required")
	default:
		return fmt.Errorf("unknown trigger rule %T", rule)
	}
	return nil
}

// EncodeTrigger returns the kind tag and JSON body for storage.
func EncodeTrigger(rule TriggerRule) (TriggerKind, []byte, error) {
	if rule == nil {
		return "", nil, fmt.Errorf("trigger rule is required")
	}
	data, err := json.Marshal(rule)
	if err != nil {
		return "", nil, err
	}
	return rule.Kind(), data, nil
}

// DecodeTrigger is the inverse of EncodeTrigger.
func DecodeTrigger(kind TriggerKind, data []byte) (TriggerRule, error) {
	switch kind {
	case TriggerRecurring:
		var r Recurring
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("decode recurring trigger: %w", err)
		}
		return r, nil
	case TriggerRelativeOffset:
		var r RelativeOffset
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("decode relative trigger: %w", err)
		}
		return r, nil
	case TriggerAbsoluteDate:
		var r AbsoluteDate
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("decode absolute trigger: %w", err)
		}
		return r, nil
	default:
		return nil, fmt.Errorf("unknown trigger kind %q", kind)
	}
}

// AmountKind tags an AmountRule variant.
type AmountKind string

const (
	AmountFixed   AmountKind = "fixed"
	AmountPercent AmountKind = "percent"
	AmountFormula AmountKind = "formula"
)

// AmountRule decides how much each occurrence of a template is worth.
type AmountRule interface {
	Kind() AmountKind
	isAmountRule()
}

// Fixed pays the same quantity every occurrence.
type Fixed struct {
	Quantity decimal.Decimal `json:"quantity"`
}

func (Fixed) Kind() AmountKind { return AmountFixed }
func (Fixed) isAmountRule()    {}

// PercentOfPrincipal pays Rate percent of the contract principal.
type PercentOfPrincipal struct {
	Rate decimal.Decimal `json:"rate"`
}

func (PercentOfPrincipal) Kind() AmountKind { return AmountPercent }
func (PercentOfPrincipal) isAmountRule()    {}

// Formula computes the percentage rate per occurrence from a CEL expression.
type Formula struct {
	Expr string `json:"expr"`
}

func (Formula) Kind() AmountKind { return AmountFormula }
func (Formula) isAmountRule()    {}

// ValidateAmount rejects negative fixed amounts and rates.
func ValidateAmount(rule AmountRule) error {
	switch r := rule.(type) {
	case Fixed:
		if r.Quantity.IsNegative() {
			return fmt.Errorf("%w: fixed amount %s", ErrInvalidAmount, r.Quantity)
		}
	case PercentOfPrincipal:
		if r.Rate.IsNegative() {
			return fmt.Errorf("%w: rate %s", ErrInvalidAmount, r.Rate)
		}
	case Formula:
		if r.Expr == "" {
			return fmt.Errorf("formula amount has no expression")
		}
	case nil:
		return fmt.Errorf("amount rule is required")
	default:
		return fmt.Errorf("unknown amount rule %T", rule)
	}
	return nil
}

// EncodeAmount returns the kind tag and JSON body for storage.
func EncodeAmount(rule AmountRule) (AmountKind, []byte, error) {
	if rule == nil {
		return "", nil, fmt.Errorf("amount rule is required")
	}
	data, err := json.Marshal(rule)
	if err != nil {
		return "", nil, err
	}
	return rule.Kind(), data, nil
}

// DecodeAmount is the inverse of EncodeAmount.
func DecodeAmount(kind AmountKind, data []byte) (AmountRule, error) {
	switch kind {
	case AmountFixed:
		var r Fixed
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("decode fixed amount: %w", err)
		}
		return r, nil
	case AmountPercent:
		var r PercentOfPrincipal
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("decode percent amount: %w", err)
		}
		return r, nil
	case AmountFormula:
		var r Formula
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("decode formula amount: %w", err)
		}
		return r, nil
	default:
		return nil, fmt.Errorf("unknown amount kind %q", kind)
	}
}
