// Package bonds builds draft bond contracts: an optional run of recurring
// coupons plus the principal repaid at maturity, both paid by the issuer to
// the holder.
package bonds

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/mattyonweb/tbsm/pkg/contracts"
)

// DefaultCouponDays is the coupon period used when none is given.
const DefaultCouponDays = 30

var daysPerYear = decimal.NewFromInt(365)

// Params describes a bond. Coupons are paid only when CouponAmount,
// CouponEveryDays and Coupons are all set.
type Params struct {
	ID           string
	IssuerID     string
	HolderID     string
	AssetID      string
	Principal    decimal.Decimal
	MaturityDays int

	CouponAmount    decimal.Decimal
	CouponEveryDays int
	Coupons         int
}

// New returns a draft contract for p. The contract still has to be created
// and activated through the engine.
func New(p Params) (contracts.Contract, error) {
	if p.IssuerID == "" || p.AssetID == "" {
		return contracts.Contract{}, fmt.Errorf("bond: issuer and asset are required")
	}
	if !p.Principal.IsPositive() {
		return contracts.Contract{}, fmt.Errorf("bond: %w: principal %s", contracts.ErrInvalidAmount, p.Principal)
	}
	if p.MaturityDays <= 0 {
		return contracts.Contract{}, fmt.Errorf("bond: maturity must be positive, got %d days", p.MaturityDays)
	}

	var templates []contracts.RepaymentTemplate
	if p.CouponAmount.IsPositive() && p.CouponEveryDays > 0 && p.Coupons > 0 {
		templates = append(templates, template(
			contracts.Recurring{IntervalDays: p.CouponEveryDays, MaxOccurrences: p.Coupons},
			contracts.Fixed{Quantity: p.CouponAmount},
			p.AssetID,
			fmt.Sprintf("%d coupons of %s every %d days", p.Coupons, p.CouponAmount, p.CouponEveryDays),
		))
	}
	templates = append(templates, template(
		contracts.RelativeOffset{Days: p.MaturityDays},
		contracts.Fixed{Quantity: p.Principal},
		p.AssetID,
		"principal at maturity",
	))

	return contracts.Contract{
		ID:             p.ID,
		Principal:      p.Principal,
		IssuerID:       p.IssuerID,
		CounterpartyID: p.HolderID,
		State:          contracts.ContractDraft,
		Templates:      templates,
	}, nil
}

// ZeroCoupon pays only the principal, at maturity.
func ZeroCoupon(issuer, holder, asset string, principal decimal.Decimal, maturityDays int) (contracts.Contract, error) {
	return New(Params{
		IssuerID:     issuer,
		HolderID:     holder,
		AssetID:      asset,
		Principal:    principal,
		MaturityDays: maturityDays,
	})
}

// Coupon pays principal × annualRate × everyDays/365 every everyDays until
// maturity, then the principal. annualRate is a fraction: 0.05 is 5%.
func Coupon(issuer, holder, asset string, principal decimal.Decimal, maturityDays int, annualRate decimal.Decimal, everyDays int) (contracts.Contract, error) {
	if everyDays <= 0 {
		everyDays = DefaultCouponDays
	}
	if annualRate.IsNegative() {
		return contracts.Contract{}, fmt.Errorf("bond: %w: rate %s", contracts.ErrInvalidAmount, annualRate)
	}
	return New(Params{
		IssuerID:        issuer,
		HolderID:        holder,
		AssetID:         asset,
		Principal:       principal,
		MaturityDays:    maturityDays,
		CouponAmount:    CouponAmount(principal, annualRate, everyDays),
		CouponEveryDays: everyDays,
		Coupons:         maturityDays / everyDays,
	})
}

// CouponAmount is the share of the annual coupon falling in one period,
// rounded to cents.
func CouponAmount(principal, annualRate decimal.Decimal, everyDays int) decimal.Decimal {
	period := decimal.NewFromInt(int64(everyDays)).Div(daysPerYear)
	return principal.Mul(annualRate).Mul(period).RoundBank(2)
}

// StepUp pays a coupon whose percentage rate starts at initialRate and grows
// by step each period. Rates here are percentages: 2.5 is 2.5%.
func StepUp(issuer, holder, asset string, principal decimal.Decimal, everyDays, coupons int, initialRate, step decimal.Decimal) (contracts.Contract, error) {
	if everyDays <= 0 || coupons <= 0 {
		return contracts.Contract{}, fmt.Errorf("bond: step-up needs a positive period and coupon count")
	}
	c, err := New(Params{
		IssuerID:     issuer,
		HolderID:     holder,
		AssetID:      asset,
		Principal:    principal,
		MaturityDays: everyDays * coupons,
	})
	if err != nil {
		return contracts.Contract{}, err
	}
	expr := fmt.Sprintf("%s + %s * double(occurrence - 1)", floatLiteral(initialRate), floatLiteral(step))
	coupon := template(
		contracts.Recurring{IntervalDays: everyDays, MaxOccurrences: coupons},
		contracts.Formula{Expr: expr},
		asset,
		"step-up coupon",
	)
	c.Templates = append([]contracts.RepaymentTemplate{coupon}, c.Templates...)
	return c, nil
}

func template(trigger contracts.TriggerRule, amount contracts.AmountRule, asset, note string) contracts.RepaymentTemplate {
	return contracts.RepaymentTemplate{
		Trigger: trigger,
		Payer:   contracts.RoleSeller,
		Payee:   contracts.RoleBuyer,
		AssetID: asset,
		Amount:  amount,
		Note:    note,
	}
}

// floatLiteral renders d so that CEL parses it as a double.
func floatLiteral(d decimal.Decimal) string {
	s := d.String()
	if strings.Contains(s, ".") {
		return s
	}
	return s + ".0"
}
