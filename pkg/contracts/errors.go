package contracts

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidAmount is returned for negative or malformed quantities.
	// It is always a caller bug and is raised before any mutation.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInsufficientFunds is the expected business outcome of a transfer the
	// payer cannot cover. It drives the default path and is never fatal.
	ErrInsufficientFunds = errors.New("insufficient funds")
)

// InsufficientFundsError carries the shortfall of a failed transfer.
type InsufficientFundsError struct {
	Owner     string
	AssetID   string
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: %s holds %s of %s, %s requested",
		e.Owner, e.Available, e.AssetID, e.Requested)
}

func (e *InsufficientFundsError) Unwrap() error { return ErrInsufficientFunds }

// ActivationError is returned when a contract cannot be activated.
// The contract is left unchanged.
type ActivationError struct {
	ContractID string
	Reason     string
	Err        error
}

func (e *ActivationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("activate contract %s: %s: %v", e.ContractID, e.Reason, e.Err)
	}
	return fmt.Sprintf("activate contract %s: %s", e.ContractID, e.Reason)
}

func (e *ActivationError) Unwrap() error { return e.Err }

// MaterializationError reports a template whose trigger or amount rule cannot
// produce a valid obligation. Sweeps log it and skip the template.
type MaterializationError struct {
	ContractID string
	TemplateID string
	Reason     string
	Err        error
}

func (e *MaterializationError) Error() string {
	msg := fmt.Sprintf("materialize template %s of contract %s: %s", e.TemplateID, e.ContractID, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *MaterializationError) Unwrap() error { return e.Err }

// ConsistencyViolation means persisted state breaks the lifecycle rules.
// It aborts the enclosing transaction and halts a sweep; it is never corrected
// silently.
type ConsistencyViolation struct {
	Entity string
	ID     string
	Detail string
}

func (e *ConsistencyViolation) Error() string {
	return fmt.Sprintf("consistency violation on %s %s: %s", e.Entity, e.ID, e.Detail)
}

// IsConsistencyViolation reports whether err wraps a ConsistencyViolation.
func IsConsistencyViolation(err error) bool {
	var cv *ConsistencyViolation
	return errors.As(err, &cv)
}
