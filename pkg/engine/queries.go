package engine

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mattyonweb/tbsm/pkg/contracts"
	"github.com/mattyonweb/tbsm/pkg/journal"
	"github.com/mattyonweb/tbsm/pkg/rating"
	"github.com/mattyonweb/tbsm/pkg/store"
)

func (e *Engine) Participant(ctx context.Context, id string) (p *contracts.Participant, err error) {
	err = e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		p, err = tx.GetParticipant(ctx, id)
		return err
	})
	return p, err
}

func (e *Engine) Asset(ctx context.Context, id string) (a *contracts.Asset, err error) {
	err = e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		a, err = tx.GetAsset(ctx, id)
		return err
	})
	return a, err
}

func (e *Engine) Contract(ctx context.Context, id string) (c *contracts.Contract, err error) {
	err = e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		c, err = tx.GetContract(ctx, id)
		return err
	})
	return c, err
}

// Contracts lists contracts in a state, or all of them when state is empty.
func (e *Engine) Contracts(ctx context.Context, state contracts.ContractState) (cs []*contracts.Contract, err error) {
	err = e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		cs, err = tx.ListContracts(ctx, state)
		return err
	})
	return cs, err
}

func (e *Engine) Obligation(ctx context.Context, id string) (o *contracts.Obligation, err error) {
	err = e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		o, err = tx.GetObligation(ctx, id)
		return err
	})
	return o, err
}

func (e *Engine) Obligations(ctx context.Context, f store.ObligationFilter) (list []*contracts.Obligation, err error) {
	err = e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		list, err = tx.ListObligations(ctx, f)
		return err
	})
	return list, err
}

// Due lists the obligations a sweep at now would settle.
func (e *Engine) Due(ctx context.Context, now time.Time) ([]*contracts.Obligation, error) {
	return e.store.DueObligations(ctx, now)
}

func (e *Engine) Holdings(ctx context.Context, f store.HoldingFilter) (hs []contracts.Holding, err error) {
	err = e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		hs, err = tx.ListHoldings(ctx, f)
		return err
	})
	return hs, err
}

// Balance returns zero for an owner without a holding.
func (e *Engine) Balance(ctx context.Context, ownerID, assetID string) (q decimal.Decimal, err error) {
	err = e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		q, err = e.ledger.Balance(ctx, tx, ownerID, assetID)
		return err
	})
	return q, err
}

// Supply is the total quantity of an asset across all holders.
func (e *Engine) Supply(ctx context.Context, assetID string) (q decimal.Decimal, err error) {
	err = e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		q, err = e.ledger.Supply(ctx, tx, assetID)
		return err
	})
	return q, err
}

func (e *Engine) Journal(ctx context.Context, obligationID string) (es []journal.Entry, err error) {
	err = e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		es, err = tx.ListJournal(ctx, obligationID)
		return err
	})
	return es, err
}

// Rating returns the participant's credit rating. A participant that was
// never rated has the initial rating.
func (e *Engine) Rating(ctx context.Context, participantID string) (r rating.Rating, err error) {
	err = e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		p, err := tx.GetParticipant(ctx, participantID)
		if err != nil {
			return err
		}
		r, err = tx.GetRating(ctx, p.ID)
		if errors.Is(err, rating.ErrNotFound) {
			r = rating.New(p.ID, time.Time{})
			return nil
		}
		return err
	})
	return r, err
}

func (e *Engine) RatingLog(ctx context.Context, participantID string) (log []rating.LogEntry, err error) {
	err = e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.GetParticipant(ctx, participantID); err != nil {
			return err
		}
		log, err = tx.ListRatingLog(ctx, participantID)
		return err
	})
	return log, err
}
