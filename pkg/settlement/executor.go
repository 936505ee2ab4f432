// Package settlement settles one due obligation at a time. Each settlement is
// a single store transaction covering the ledger transfer, the status write,
// the default cascade, the journal entry, the payer's rating, the contract
// state and the next materialized obligation.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mattyonweb/tbsm/pkg/contracts"
	"github.com/mattyonweb/tbsm/pkg/insolvency"
	"github.com/mattyonweb/tbsm/pkg/journal"
	"github.com/mattyonweb/tbsm/pkg/ledger"
	"github.com/mattyonweb/tbsm/pkg/rating"
	"github.com/mattyonweb/tbsm/pkg/schedule"
	"github.com/mattyonweb/tbsm/pkg/store"
)

// Outcome is what happened to an obligation.
type Outcome string

const (
	OutcomeSettled   Outcome = "settled"
	OutcomeDefaulted Outcome = "defaulted"
	OutcomeWaived    Outcome = "waived"
	// OutcomeSkipped means the obligation was not pending or not yet due.
	OutcomeSkipped Outcome = "skipped"
)

// Result reports a single settlement.
type Result struct {
	Obligation    *contracts.Obligation   `json:"obligation"`
	Outcome       Outcome                 `json:"outcome"`
	Journal       *journal.Entry          `json:"journal,omitempty"`
	Insolvency    *insolvency.Result      `json:"insolvency,omitempty"`
	Next          *contracts.Obligation   `json:"next,omitempty"`
	ContractState contracts.ContractState `json:"contract_state,omitempty"`

	// Cascaded lists obligations defaulted along with this one because its
	// payer was already insolvent.
	Cascaded []*contracts.Obligation `json:"cascaded,omitempty"`
}

// Executor settles obligations against a store.
type Executor struct {
	store      store.Store
	ledger     *ledger.Ledger
	schedule   *schedule.Materializer
	insolvency *insolvency.Handler
	newID      func() string
	logger     *slog.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithIDFunc sets the generator for journal entry ids.
func WithIDFunc(f func() string) Option {
	return func(e *Executor) { e.newID = f }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// WithInsolvencyHandler shares the default cascade with other callers.
func WithInsolvencyHandler(h *insolvency.Handler) Option {
	return func(e *Executor) { e.insolvency = h }
}

func New(s store.Store, m *schedule.Materializer, opts ...Option) *Executor {
	e := &Executor{
		store:    s,
		ledger:   ledger.New(),
		schedule: m,
		newID:    uuid.NewString,
		logger:   slog.Default().With("component", "settlement"),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.insolvency == nil {
		e.insolvency = insolvency.New(insolvency.WithIDFunc(e.newID), insolvency.WithLogger(e.logger))
	}
	return e
}

// Settle settles one obligation in its own transaction. An obligation that is
// no longer pending is skipped, so retries are harmless. Insufficient funds is
// an ordinary outcome and is not returned as an error; a
// *contracts.ConsistencyViolation is, and nothing is committed.
func (e *Executor) Settle(ctx context.Context, obligationID string, now time.Time) (Result, error) {
	var res Result
	err := e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		res, err = e.SettleTx(ctx, tx, obligationID, now)
		return err
	})
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

// SettleTx is Settle inside a caller-owned transaction.
func (e *Executor) SettleTx(ctx context.Context, tx store.Tx, obligationID string, now time.Time) (Result, error) {
	o, err := tx.GetObligation(ctx, obligationID)
	if err != nil {
		return Result{}, err
	}
	if o.Status != contracts.StatusPending || o.DueAt.After(now) {
		return Result{Obligation: o, Outcome: OutcomeSkipped}, nil
	}

	c, tpl, err := e.load(ctx, tx, o)
	if err != nil {
		return Result{}, err
	}
	payer, err := tx.GetParticipant(ctx, o.PayerID)
	if err != nil {
		return Result{}, fmt.Errorf("load payer: %w", err)
	}
	if _, err := tx.GetParticipant(ctx, o.PayeeID); err != nil {
		return Result{}, fmt.Errorf("load payee: %w", err)
	}
	asset, err := tx.GetAsset(ctx, o.AssetID)
	if err != nil {
		return Result{}, fmt.Errorf("load asset: %w", err)
	}

	res := Result{Obligation: o}
	entry := journal.Entry{
		ID:           e.newID(),
		ObligationID: o.ID,
		ContractID:   o.ContractID,
		GiverID:      o.PayerID,
		TakerID:      o.PayeeID,
		AssetID:      o.AssetID,
		Scheduled:    o.Amount,
		Given:        decimal.Zero,
		At:           now,
	}

	var shortfall *contracts.InsufficientFundsError
	if payer.IsInsolvent() {
		entry.Causal = "payer insolvent"
	} else {
		err := e.ledger.Transfer(ctx, tx, o.PayerID, o.PayeeID, asset, o.Amount)
		switch {
		case errors.As(err, &shortfall):
			entry.Causal = shortfall.Error()
		case err != nil:
			return Result{}, fmt.Errorf("transfer for obligation %s: %w", o.ID, err)
		default:
			entry.Causal = "settled"
			entry.Given = o.Amount
			res.Outcome = OutcomeSettled
		}
	}

	if res.Outcome == OutcomeSettled {
		if err := e.resolve(ctx, tx, o, contracts.StatusSettled, now); err != nil {
			return Result{}, err
		}
		remaining, err := e.ledger.Balance(ctx, tx, o.PayerID, o.AssetID)
		if err != nil {
			return Result{}, err
		}
		if _, err := rating.Settled(ctx, tx, o.PayerID, o.ID, o.Amount, remaining, now); err != nil {
			return Result{}, err
		}
	} else {
		res.Outcome = OutcomeDefaulted
		// resolved before the cascade, which defaults whatever is still pending
		if err := e.resolve(ctx, tx, o, contracts.StatusDefaulted, now); err != nil {
			return Result{}, err
		}
		if _, err := rating.Defaulted(ctx, tx, o.PayerID, o.ID, now); err != nil {
			return Result{}, err
		}
		if shortfall != nil {
			ir, err := e.insolvency.DeclareInsolvent(ctx, tx, o.PayerID, now)
			if err != nil {
				return Result{}, err
			}
			res.Insolvency = &ir
		} else if c.State == contracts.ContractActive {
			// the declaration that made the payer insolvent predates this
			// contract's activation, so its cascade never reached it
			if res.Cascaded, err = e.insolvency.DefaultContract(ctx, tx, c, now); err != nil {
				return Result{}, err
			}
		}
	}

	recorded, err := journal.Record(ctx, tx, entry)
	if err != nil {
		return Result{}, err
	}
	res.Journal = &recorded

	if res.Next, err = e.advance(ctx, tx, c.ID, tpl, now); err != nil {
		return Result{}, err
	}
	if c, err = tx.GetContract(ctx, c.ID); err != nil {
		return Result{}, err
	}
	res.ContractState = c.State

	e.logger.InfoContext(ctx, "obligation resolved",
		"obligation_id", o.ID,
		"contract_id", o.ContractID,
		"payer_id", o.PayerID,
		"outcome", res.Outcome,
		"amount", o.Amount.String(),
		"contract_state", c.State,
	)
	return res, nil
}

// Waive resolves a pending obligation to waived. It is an administrative
// action; a terminal obligation cannot be waived.
func (e *Executor) Waive(ctx context.Context, obligationID string, at time.Time) (Result, error) {
	var res Result
	err := e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		o, err := tx.GetObligation(ctx, obligationID)
		if err != nil {
			return err
		}
		c, tpl, err := e.load(ctx, tx, o)
		if err != nil {
			return err
		}
		if err := e.resolve(ctx, tx, o, contracts.StatusWaived, at); err != nil {
			return err
		}
		next, err := e.advance(ctx, tx, c.ID, tpl, at)
		if err != nil {
			return err
		}
		if c, err = tx.GetContract(ctx, c.ID); err != nil {
			return err
		}
		res = Result{Obligation: o, Outcome: OutcomeWaived, Next: next, ContractState: c.State}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	e.logger.InfoContext(ctx, "obligation waived", "obligation_id", obligationID)
	return res, nil
}

// load resolves the contract and template of a pending obligation and checks
// that they agree with it.
func (e *Executor) load(ctx context.Context, tx store.Tx, o *contracts.Obligation) (*contracts.Contract, contracts.RepaymentTemplate, error) {
	c, err := tx.GetContract(ctx, o.ContractID)
	if err != nil {
		return nil, contracts.RepaymentTemplate{}, fmt.Errorf("load contract: %w", err)
	}
	violation := func(detail string) error {
		return &contracts.ConsistencyViolation{Entity: "obligation", ID: o.ID, Detail: detail}
	}
	if o.Status == contracts.StatusPending && c.State != contracts.ContractActive {
		return nil, contracts.RepaymentTemplate{}, violation(fmt.Sprintf("pending under %s contract %s", c.State, c.ID))
	}
	tpl, ok := c.Template(o.TemplateID)
	if !ok {
		return nil, contracts.RepaymentTemplate{}, violation(fmt.Sprintf("template %s not in contract %s", o.TemplateID, c.ID))
	}
	payer, err := c.Party(tpl.Payer)
	if err != nil {
		return nil, contracts.RepaymentTemplate{}, violation(err.Error())
	}
	payee, err := c.Party(tpl.Payee)
	if err != nil {
		return nil, contracts.RepaymentTemplate{}, violation(err.Error())
	}
	if payer != o.PayerID || payee != o.PayeeID || tpl.AssetID != o.AssetID {
		return nil, contracts.RepaymentTemplate{}, violation("parties or asset differ from template")
	}
	return c, tpl, nil
}

func (e *Executor) resolve(ctx context.Context, tx store.Tx, o *contracts.Obligation, status contracts.ObligationStatus, at time.Time) error {
	if err := o.Resolve(status, at); err != nil {
		return err
	}
	if err := tx.UpdateObligation(ctx, o); err != nil {
		return fmt.Errorf("update obligation %s: %w", o.ID, err)
	}
	return nil
}

// advance refreshes the contract state and, while it stays active,
// materializes the template's next occurrence. A template that cannot
// materialize is logged and skipped.
func (e *Executor) advance(ctx context.Context, tx store.Tx, contractID string, tpl contracts.RepaymentTemplate, at time.Time) (*contracts.Obligation, error) {
	c, err := tx.GetContract(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if _, err := e.schedule.RefreshState(ctx, tx, c, at); err != nil {
		return nil, e.skipMaterialization(ctx, c, tpl, err)
	}
	if c.State != contracts.ContractActive {
		return nil, nil
	}
	next, err := e.schedule.EnsureNext(ctx, tx, c, tpl, at)
	if err != nil {
		return nil, e.skipMaterialization(ctx, c, tpl, err)
	}
	return next, nil
}

// skipMaterialization swallows materialization errors after logging them.
func (e *Executor) skipMaterialization(ctx context.Context, c *contracts.Contract, tpl contracts.RepaymentTemplate, err error) error {
	var me *contracts.MaterializationError
	if !errors.As(err, &me) {
		return err
	}
	e.logger.WarnContext(ctx, "template skipped",
		"contract_id", c.ID,
		"template_id", tpl.ID,
		"error", err,
	)
	return nil
}
