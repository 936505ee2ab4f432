// Package insolvency declares participants insolvent and defaults the
// contracts they can no longer pay.
package insolvency

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mattyonweb/tbsm/pkg/contracts"
	"github.com/mattyonweb/tbsm/pkg/journal"
	"github.com/mattyonweb/tbsm/pkg/store"
)

// Result describes what a declaration changed.
type Result struct {
	ParticipantID  string    `json:"participant_id"`
	InsolventSince time.Time `json:"insolvent_since"`
	// AlreadyInsolvent is set when the declaration was a no-op.
	AlreadyInsolvent     bool                    `json:"already_insolvent"`
	DefaultedContracts   []string                `json:"defaulted_contracts,omitempty"`
	DefaultedObligations []*contracts.Obligation `json:"defaulted_obligations,omitempty"`
}

// Handler runs the default cascade.
type Handler struct {
	newID  func() string
	logger *slog.Logger
}

// Option configures a Handler.
type Option func(*Handler)

// WithIDFunc sets the generator for journal entry ids.
func WithIDFunc(f func() string) Option {
	return func(h *Handler) { h.newID = f }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.logger = l }
}

func New(opts ...Option) *Handler {
	h := &Handler{
		newID:  uuid.NewString,
		logger: slog.Default().With("component", "insolvency"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// DeclareInsolvent marks the participant insolvent at the given time. Every
// active contract where it pays under some template is defaulted together
// with all of its pending obligations. Contracts where the participant only
// receives are left alone. A second declaration is a no-op.
func (h *Handler) DeclareInsolvent(ctx context.Context, tx store.Tx, participantID string, at time.Time) (Result, error) {
	p, err := tx.GetParticipant(ctx, participantID)
	if err != nil {
		return Result{}, fmt.Errorf("load participant %s: %w", participantID, err)
	}
	if p.IsInsolvent() {
		return Result{
			ParticipantID:    participantID,
			InsolventSince:   *p.InsolventSince,
			AlreadyInsolvent: true,
		}, nil
	}

	since := at
	p.InsolventSince = &since
	if err := tx.PutParticipant(ctx, p); err != nil {
		return Result{}, fmt.Errorf("save participant %s: %w", participantID, err)
	}
	res := Result{ParticipantID: participantID, InsolventSince: at}

	active, err := tx.ContractsByParty(ctx, participantID, contracts.ContractActive)
	if err != nil {
		return Result{}, err
	}
	for _, c := range active {
		if !slices.Contains(c.PayerIDs(), participantID) {
			continue
		}
		defaulted, err := h.DefaultContract(ctx, tx, c, at)
		if err != nil {
			return Result{}, err
		}
		res.DefaultedContracts = append(res.DefaultedContracts, c.ID)
		res.DefaultedObligations = append(res.DefaultedObligations, defaulted...)
	}

	h.logger.InfoContext(ctx, "participant declared insolvent",
		"participant_id", participantID,
		"contracts", len(res.DefaultedContracts),
		"obligations", len(res.DefaultedObligations),
	)
	return res, nil
}

// DefaultContract moves an active contract to defaulted and defaults every
// obligation still pending under it, journaling each with nothing given.
func (h *Handler) DefaultContract(ctx context.Context, tx store.Tx, c *contracts.Contract, at time.Time) ([]*contracts.Obligation, error) {
	pending, err := tx.ListObligations(ctx, store.ObligationFilter{
		ContractID: c.ID,
		Status:     contracts.StatusPending,
	})
	if err != nil {
		return nil, err
	}
	for _, o := range pending {
		if err := o.Resolve(contracts.StatusDefaulted, at); err != nil {
			return nil, err
		}
		if err := tx.UpdateObligation(ctx, o); err != nil {
			return nil, fmt.Errorf("default obligation %s: %w", o.ID, err)
		}
		_, err := journal.Record(ctx, tx, journal.Entry{
			ID:           h.newID(),
			ObligationID: o.ID,
			ContractID:   o.ContractID,
			GiverID:      o.PayerID,
			TakerID:      o.PayeeID,
			AssetID:      o.AssetID,
			Scheduled:    o.Amount,
			Given:        decimal.Zero,
			Causal:       "contract defaulted: payer insolvent",
			At:           at,
		})
		if err != nil {
			return nil, err
		}
	}
	if err := c.Transition(contracts.ContractDefaulted, at); err != nil {
		return nil, err
	}
	if err := tx.UpdateContract(ctx, c); err != nil {
		return nil, fmt.Errorf("default contract %s: %w", c.ID, err)
	}
	return pending, nil
}
