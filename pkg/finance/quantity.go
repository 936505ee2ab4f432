// Package finance holds the quantity arithmetic shared by the ledger and the
// schedule: validation of transferable amounts and the percentage helper.
package finance

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/mattyonweb/tbsm/pkg/contracts"
)

// MaxScale is the number of fractional digits a quantity may carry.
const MaxScale = 10

var hundred = decimal.NewFromInt(100)

// ParseQuantity parses a decimal string such as "1000" or "12.50".
func ParseQuantity(s string) (decimal.Decimal, error) {
	q, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", contracts.ErrInvalidAmount, s)
	}
	if err := ValidateQuantity(q, true); err != nil {
		return decimal.Zero, err
	}
	return q, nil
}

// ValidateQuantity rejects negative quantities, quantities finer than
// MaxScale, and fractional quantities of non-fungible assets.
func ValidateQuantity(q decimal.Decimal, fungible bool) error {
	if q.IsNegative() {
		return fmt.Errorf("%w: negative quantity %s", contracts.ErrInvalidAmount, q)
	}
	if q.Exponent() < -MaxScale && !q.Equal(q.Truncate(MaxScale)) {
		return fmt.Errorf("%w: %s has more than %d decimals", contracts.ErrInvalidAmount, q, MaxScale)
	}
	if !fungible && !q.Equal(q.Truncate(0)) {
		return fmt.Errorf("%w: non-fungible asset moves in whole units, got %s", contracts.ErrInvalidAmount, q)
	}
	return nil
}

// Percent returns rate percent of amount, rounded half-even to cents.
func Percent(amount, rate decimal.Decimal) decimal.Decimal {
	return amount.Mul(rate).Div(hundred).RoundBank(2)
}

// Sum adds up quantities.
func Sum(qs ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, q := range qs {
		total = total.Add(q)
	}
	return total
}
