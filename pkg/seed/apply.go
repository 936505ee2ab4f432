package seed

import (
	"context"
	"fmt"
	"time"

	"github.com/mattyonweb/tbsm/pkg/bonds"
	"github.com/mattyonweb/tbsm/pkg/contracts"
	"github.com/mattyonweb/tbsm/pkg/engine"
)

// Summary counts what a seed created.
type Summary struct {
	Participants int `json:"participants"`
	Assets       int `json:"assets"`
	Holdings     int `json:"holdings"`
	Contracts    int `json:"contracts"`
	Activated    int `json:"activated"`
}

// Apply writes the document through the engine, in order: participants,
// assets, holdings, contracts, bonds. It stops at the first error; entities
// written before it stay. now is used when the document has no time of its
// own.
func Apply(ctx context.Context, e *engine.Engine, doc *Document, now time.Time) (Summary, error) {
	var sum Summary
	if doc.Now != nil {
		now = *doc.Now
	}

	for _, p := range doc.Participants {
		if _, err := e.CreateParticipant(ctx, contracts.Participant{ID: p.ID, Name: p.Name, Ticker: p.Ticker}); err != nil {
			return sum, fmt.Errorf("participant %s: %w", p.ID, err)
		}
		sum.Participants++
	}
	for _, a := range doc.Assets {
		payload, err := a.payload()
		if err != nil {
			return sum, err
		}
		if _, err := e.CreateAsset(ctx, a.ID, payload); err != nil {
			return sum, fmt.Errorf("asset %s: %w", a.ID, err)
		}
		sum.Assets++
	}
	for _, h := range doc.Holdings {
		if _, err := e.Issue(ctx, h.Owner, h.Asset, h.Quantity); err != nil {
			return sum, fmt.Errorf("holding %s/%s: %w", h.Owner, h.Asset, err)
		}
		sum.Holdings++
	}

	for _, c := range doc.Contracts {
		def, err := c.contract()
		if err != nil {
			return sum, err
		}
		if err := create(ctx, e, def, c.Activate, c.ActivatedAt, now, &sum); err != nil {
			return sum, err
		}
	}
	for _, b := range doc.Bonds {
		def, err := b.contract()
		if err != nil {
			return sum, fmt.Errorf("bond %s: %w", b.ID, err)
		}
		def.ID = b.ID
		if err := create(ctx, e, def, b.Activate, b.ActivatedAt, now, &sum); err != nil {
			return sum, err
		}
	}
	return sum, nil
}

func create(ctx context.Context, e *engine.Engine, def contracts.Contract, activate bool, activatedAt *time.Time, now time.Time, sum *Summary) error {
	if _, err := e.CreateContract(ctx, def, now); err != nil {
		return fmt.Errorf("contract %s: %w", def.ID, err)
	}
	sum.Contracts++
	if !activate {
		return nil
	}
	at := now
	if activatedAt != nil {
		at = *activatedAt
	}
	if err := e.ActivateContract(ctx, def.ID, at); err != nil {
		return err
	}
	sum.Activated++
	return nil
}

func (a Asset) payload() (contracts.AssetPayload, error) {
	switch a.Kind {
	case "currency":
		return contracts.Currency{Unit: a.Unit}, nil
	case "material":
		return contracts.Material{Name: a.Name, Ticker: a.Ticker, Fungible: a.Fungible}, nil
	case "contract":
		return contracts.ContractRef{ContractID: a.ContractID}, nil
	}
	return nil, fmt.Errorf("asset %s: unknown kind %q", a.ID, a.Kind)
}

func (c Contract) contract() (contracts.Contract, error) {
	out := contracts.Contract{
		ID:             c.ID,
		Principal:      c.Principal,
		IssuerID:       c.Issuer,
		CounterpartyID: c.Counterparty,
	}
	for i, t := range c.Templates {
		trigger, err := t.Trigger.rule()
		if err != nil {
			return contracts.Contract{}, fmt.Errorf("contract %s template %d: %w", c.ID, i, err)
		}
		amount, err := t.Amount.rule()
		if err != nil {
			return contracts.Contract{}, fmt.Errorf("contract %s template %d: %w", c.ID, i, err)
		}
		out.Templates = append(out.Templates, contracts.RepaymentTemplate{
			ID:      t.ID,
			Trigger: trigger,
			Payer:   contracts.Role(t.Payer),
			Payee:   contracts.Role(t.Payee),
			AssetID: t.Asset,
			Amount:  amount,
			Note:    t.Note,
		})
	}
	return out, nil
}

func (t Trigger) rule() (contracts.TriggerRule, error) {
	switch contracts.TriggerKind(t.Kind) {
	case contracts.TriggerRecurring:
		return contracts.Recurring{
			IntervalDays:   t.IntervalDays,
			StartAfterDays: t.StartAfterDays,
			MaxOccurrences: t.MaxOccurrences,
			Until:          t.Until,
		}, nil
	case contracts.TriggerRelativeOffset:
		return contracts.RelativeOffset{Days: t.Days}, nil
	case contracts.TriggerAbsoluteDate:
		if t.Date == nil {
			return nil, fmt.Errorf("absolute_date trigger needs a date")
		}
		return contracts.AbsoluteDate{Date: *t.Date}, nil
	}
	return nil, fmt.Errorf("unknown trigger kind %q", t.Kind)
}

func (a Amount) rule() (contracts.AmountRule, error) {
	switch contracts.AmountKind(a.Kind) {
	case contracts.AmountFixed:
		return contracts.Fixed{Quantity: a.Quantity}, nil
	case contracts.AmountPercent:
		return contracts.PercentOfPrincipal{Rate: a.Rate}, nil
	case contracts.AmountFormula:
		return contracts.Formula{Expr: a.Expr}, nil
	}
	return nil, fmt.Errorf("unknown amount kind %q", a.Kind)
}

func (b Bond) contract() (contracts.Contract, error) {
	switch b.Kind {
	case "zero_coupon":
		return bonds.ZeroCoupon(b.Issuer, b.Holder, b.Asset, b.Principal, b.MaturityDays)
	case "coupon":
		return bonds.Coupon(b.Issuer, b.Holder, b.Asset, b.Principal, b.MaturityDays, b.AnnualRate, b.EveryDays)
	case "step_up":
		return bonds.StepUp(b.Issuer, b.Holder, b.Asset, b.Principal, b.EveryDays, b.Coupons, b.InitialRate, b.Step)
	}
	return contracts.Contract{}, fmt.Errorf("unknown bond kind %q", b.Kind)
}
