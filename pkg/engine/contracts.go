package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"github.com/mattyonweb/tbsm/pkg/contracts"
	"github.com/mattyonweb/tbsm/pkg/store"
)

// CreateParticipant stores a new solvent participant. An empty ID is filled in.
func (e *Engine) CreateParticipant(ctx context.Context, p contracts.Participant) (*contracts.Participant, error) {
	if p.Name == "" {
		return nil, fmt.Errorf("participant name is required")
	}
	if p.ID == "" {
		p.ID = e.newID()
	}
	p.InsolventSince = nil
	err := e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		_, err := tx.GetParticipant(ctx, p.ID)
		if err == nil {
			return fmt.Errorf("participant %s: %w", p.ID, store.ErrConflict)
		}
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		return tx.PutParticipant(ctx, &p)
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// CreateAsset stores an immutable asset.
func (e *Engine) CreateAsset(ctx context.Context, id string, payload contracts.AssetPayload) (*contracts.Asset, error) {
	a, err := contracts.NewAsset(id, payload)
	if err != nil {
		return nil, err
	}
	err = e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.CreateAsset(ctx, &a)
	})
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// Issue mints qty units of an asset to a participant.
func (e *Engine) Issue(ctx context.Context, ownerID, assetID string, qty decimal.Decimal) (contracts.Holding, error) {
	var h contracts.Holding
	err := e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.GetParticipant(ctx, ownerID); err != nil {
			return err
		}
		asset, err := tx.GetAsset(ctx, assetID)
		if err != nil {
			return err
		}
		h, err = e.ledger.Issue(ctx, tx, ownerID, asset, qty)
		return err
	})
	return h, err
}

// CreateContract stores a draft contract. Template ids, contract ids and
// positions are assigned here; formulas are compiled so that a broken
// expression is rejected before activation.
func (e *Engine) CreateContract(ctx context.Context, c contracts.Contract, at time.Time) (*contracts.Contract, error) {
	if c.ID == "" {
		c.ID = e.newID()
	}
	if c.Principal.IsNegative() {
		return nil, fmt.Errorf("contract %s: %w: principal %s", c.ID, contracts.ErrInvalidAmount, c.Principal)
	}
	if c.IssuerID == "" {
		return nil, fmt.Errorf("contract %s: issuer is required", c.ID)
	}
	c.State = contracts.ContractDraft
	c.ActivatedAt = nil
	c.CreatedAt = at
	c.UpdatedAt = at

	templates := make([]contracts.RepaymentTemplate, len(c.Templates))
	for i, t := range c.Templates {
		if t.ID == "" {
			t.ID = e.newID()
		}
		t.ContractID = c.ID
		t.Position = i
		if err := t.Validate(); err != nil {
			return nil, fmt.Errorf("contract %s: %w", c.ID, err)
		}
		if f, ok := t.Amount.(contracts.Formula); ok {
			if err := e.formulas.Check(f.Expr); err != nil {
				return nil, fmt.Errorf("contract %s: template %s: %w", c.ID, t.ID, err)
			}
		}
		templates[i] = t
	}
	c.Templates = templates

	err := e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		for _, id := range []string{c.IssuerID, c.CounterpartyID} {
			if id == "" {
				continue
			}
			if _, err := tx.GetParticipant(ctx, id); err != nil {
				return err
			}
		}
		for _, t := range c.Templates {
			if _, err := tx.GetAsset(ctx, t.AssetID); err != nil {
				return fmt.Errorf("template %s: %w", t.ID, err)
			}
		}
		return tx.CreateContract(ctx, &c)
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// SetCounterparty assigns the counterparty of a draft contract.
func (e *Engine) SetCounterparty(ctx context.Context, contractID, participantID string, at time.Time) error {
	return e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		c, err := tx.GetContract(ctx, contractID)
		if err != nil {
			return err
		}
		if c.State != contracts.ContractDraft {
			return fmt.Errorf("contract %s is %s, counterparty is fixed", c.ID, c.State)
		}
		if _, err := tx.GetParticipant(ctx, participantID); err != nil {
			return err
		}
		c.CounterpartyID = participantID
		c.UpdatedAt = at
		return tx.UpdateContract(ctx, c)
	})
}

// ActivateContract moves a draft contract to active and materializes the
// first obligation of every template. Nothing changes if any template cannot
// produce its first obligation.
func (e *Engine) ActivateContract(ctx context.Context, id string, at time.Time) (err error) {
	ctx, done := e.track(ctx, "activate_contract", attribute.String("contract_id", id))
	defer func() { done(err) }()

	var created int
	err = e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		c, err := tx.GetContract(ctx, id)
		if err != nil {
			return err
		}
		refuse := func(reason string, cause error) error {
			return &contracts.ActivationError{ContractID: id, Reason: reason, Err: cause}
		}
		if c.State != contracts.ContractDraft {
			return refuse(fmt.Sprintf("contract is %s", c.State), nil)
		}
		if len(c.Templates) == 0 {
			return refuse("contract has no repayment templates", nil)
		}
		if c.CounterpartyID == "" {
			return refuse("contract has no counterparty", nil)
		}
		if _, err := tx.GetParticipant(ctx, c.CounterpartyID); err != nil {
			return refuse("counterparty does not exist", err)
		}

		activated := at
		c.ActivatedAt = &activated
		if err := c.Transition(contracts.ContractActive, at); err != nil {
			return err
		}
		if err := tx.UpdateContract(ctx, c); err != nil {
			return err
		}

		first, err := e.schedule.EnsureAll(ctx, tx, c, at)
		if err != nil {
			return refuse("template cannot materialize", err)
		}
		fired := make(map[string]bool, len(first))
		for _, o := range first {
			fired[o.TemplateID] = true
		}
		for _, t := range c.Templates {
			if !fired[t.ID] {
				return refuse(fmt.Sprintf("template %s can never fire", t.ID), nil)
			}
		}
		created = len(first)
		return nil
	})
	if err != nil {
		return err
	}
	e.logger.InfoContext(ctx, "contract activated", "contract_id", id, "obligations", created)
	return nil
}
