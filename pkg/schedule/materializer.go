// Package schedule turns repayment templates into dated obligations. It is
// lazy: only the next occurrence of a template is ever materialized, computed
// from the latest obligation already stored.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mattyonweb/tbsm/pkg/contracts"
	"github.com/mattyonweb/tbsm/pkg/finance"
	"github.com/mattyonweb/tbsm/pkg/formula"
	"github.com/mattyonweb/tbsm/pkg/store"
	"github.com/mattyonweb/tbsm/pkg/trigger"
)

// IDFunc generates obligation identifiers.
type IDFunc func() string

// Materializer creates the next obligation of a template.
type Materializer struct {
	formulas *formula.Evaluator
	newID    IDFunc
	logger   *slog.Logger
}

// Option configures a Materializer.
type Option func(*Materializer)

// WithIDFunc replaces the default UUID generator.
func WithIDFunc(f IDFunc) Option {
	return func(m *Materializer) { m.newID = f }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Materializer) { m.logger = l }
}

// WithFormulas shares a formula evaluator with other components.
func WithFormulas(e *formula.Evaluator) Option {
	return func(m *Materializer) { m.formulas = e }
}

// New creates a Materializer.
func New(opts ...Option) (*Materializer, error) {
	m := &Materializer{
		newID:  uuid.NewString,
		logger: slog.Default().With("component", "schedule"),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.formulas == nil {
		ev, err := formula.NewEvaluator()
		if err != nil {
			return nil, err
		}
		m.formulas = ev
	}
	return m, nil
}

// EnsureNext makes sure the template has its next obligation. It returns the
// template's current pending obligation, the one it just created, or nil when
// the contract is not active or the trigger is exhausted. Calling it again
// with the same state never creates a second obligation for an occurrence.
// Failures of the trigger or amount rule are *contracts.MaterializationError.
func (m *Materializer) EnsureNext(ctx context.Context, tx store.Tx, c *contracts.Contract, t contracts.RepaymentTemplate, at time.Time) (*contracts.Obligation, error) {
	if c.State != contracts.ContractActive || c.ActivatedAt == nil {
		return nil, nil
	}

	latest, err := m.latest(ctx, tx, t.ID)
	if err != nil {
		return nil, err
	}
	if latest != nil && latest.Status == contracts.StatusPending {
		return latest, nil
	}

	var prior *time.Time
	if latest != nil {
		prior = &latest.DueAt
	}
	occ, ok, err := trigger.Next(t.Trigger, at, *c.ActivatedAt, prior)
	if err != nil {
		return nil, materializationError(c, t, "trigger", err)
	}
	if !ok {
		return nil, nil
	}

	// a Postgres insert failure aborts the whole tx, so look before inserting
	existing, err := tx.ListObligations(ctx, store.ObligationFilter{TemplateID: t.ID})
	if err != nil {
		return nil, err
	}
	for _, o := range existing {
		if o.DueAt.Equal(occ.At) {
			return nil, nil
		}
	}

	amount, err := m.Amount(ctx, c, t, occ.Index)
	if err != nil {
		return nil, materializationError(c, t, "amount", err)
	}
	asset, err := tx.GetAsset(ctx, t.AssetID)
	if err != nil {
		return nil, materializationError(c, t, "asset", err)
	}
	if err := finance.ValidateQuantity(amount, asset.Fungible()); err != nil {
		return nil, materializationError(c, t, "amount", err)
	}
	payer, err := c.Party(t.Payer)
	if err != nil {
		return nil, materializationError(c, t, "payer", err)
	}
	payee, err := c.Party(t.Payee)
	if err != nil {
		return nil, materializationError(c, t, "payee", err)
	}

	o := &contracts.Obligation{
		ID:         m.newID(),
		ContractID: c.ID,
		TemplateID: t.ID,
		Sequence:   occ.Index,
		DueAt:      occ.At,
		Amount:     amount,
		AssetID:    t.AssetID,
		PayerID:    payer,
		PayeeID:    payee,
		Status:     contracts.StatusPending,
		CreatedAt:  at,
	}
	if err := tx.CreateObligation(ctx, o); err != nil {
		return nil, fmt.Errorf("create obligation for template %s: %w", t.ID, err)
	}
	m.logger.DebugContext(ctx, "obligation materialized",
		"obligation_id", o.ID,
		"contract_id", c.ID,
		"template_id", t.ID,
		"sequence", o.Sequence,
		"due_at", o.DueAt,
		"amount", o.Amount.String(),
	)
	return o, nil
}

// EnsureAll runs EnsureNext for every template of the contract. Templates that
// fail to materialize are logged and skipped; their errors are returned
// together with the obligations that could be ensured.
func (m *Materializer) EnsureAll(ctx context.Context, tx store.Tx, c *contracts.Contract, at time.Time) ([]*contracts.Obligation, error) {
	var (
		out  []*contracts.Obligation
		errs []error
	)
	for _, t := range c.Templates {
		o, err := m.EnsureNext(ctx, tx, c, t, at)
		var me *contracts.MaterializationError
		switch {
		case errors.As(err, &me):
			m.logger.WarnContext(ctx, "template skipped",
				"contract_id", c.ID,
				"template_id", t.ID,
				"error", err,
			)
			errs = append(errs, err)
		case err != nil:
			return out, err
		case o != nil:
			out = append(out, o)
		}
	}
	return out, errors.Join(errs...)
}

// Amount resolves the amount rule of a template for one occurrence.
func (m *Materializer) Amount(ctx context.Context, c *contracts.Contract, t contracts.RepaymentTemplate, occurrence int) (decimal.Decimal, error) {
	switch r := t.Amount.(type) {
	case contracts.Fixed:
		return r.Quantity, nil
	case contracts.PercentOfPrincipal:
		return finance.Percent(c.Principal, r.Rate), nil
	case contracts.Formula:
		rate, err := m.formulas.Rate(ctx, r.Expr, c.Principal, occurrence)
		if err != nil {
			return decimal.Zero, err
		}
		return finance.Percent(c.Principal, rate), nil
	default:
		return decimal.Zero, fmt.Errorf("unsupported amount rule %T", t.Amount)
	}
}

// Exhausted reports whether the template will produce no further occurrence.
func (m *Materializer) Exhausted(ctx context.Context, tx store.Tx, c *contracts.Contract, t contracts.RepaymentTemplate) (bool, error) {
	if c.ActivatedAt == nil {
		return false, nil
	}
	latest, err := m.latest(ctx, tx, t.ID)
	if err != nil {
		return false, err
	}
	var prior *time.Time
	if latest != nil {
		prior = &latest.DueAt
	}
	done, err := trigger.Exhausted(t.Trigger, *c.ActivatedAt, prior)
	if err != nil {
		return false, materializationError(c, t, "trigger", err)
	}
	return done, nil
}

// RefreshState moves an active contract to defaulted once any obligation has
// defaulted, or to completed once every template is exhausted and nothing is
// left pending. It reports whether the state changed.
func (m *Materializer) RefreshState(ctx context.Context, tx store.Tx, c *contracts.Contract, at time.Time) (bool, error) {
	if c.State != contracts.ContractActive {
		return false, nil
	}
	obligations, err := tx.ListObligations(ctx, store.ObligationFilter{ContractID: c.ID})
	if err != nil {
		return false, err
	}
	var defaulted, pending bool
	for _, o := range obligations {
		switch o.Status {
		case contracts.StatusDefaulted:
			defaulted = true
		case contracts.StatusPending:
			pending = true
		}
	}

	next := contracts.ContractDefaulted
	if !defaulted {
		if pending {
			return false, nil
		}
		next = contracts.ContractCompleted
		for _, t := range c.Templates {
			done, err := m.Exhausted(ctx, tx, c, t)
			if err != nil {
				return false, err
			}
			if !done {
				return false, nil
			}
		}
	}

	if err := c.Transition(next, at); err != nil {
		return false, err
	}
	if err := tx.UpdateContract(ctx, c); err != nil {
		return false, fmt.Errorf("update contract %s: %w", c.ID, err)
	}
	m.logger.InfoContext(ctx, "contract state changed", "contract_id", c.ID, "state", c.State)
	return true, nil
}

func (m *Materializer) latest(ctx context.Context, tx store.Tx, templateID string) (*contracts.Obligation, error) {
	o, err := tx.LatestObligation(ctx, templateID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return o, nil
}

func materializationError(c *contracts.Contract, t contracts.RepaymentTemplate, reason string, err error) error {
	return &contracts.MaterializationError{
		ContractID: c.ID,
		TemplateID: t.ID,
		Reason:     reason,
		Err:        err,
	}
}
