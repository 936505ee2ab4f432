// Package store persists the engine's entities. Every mutation happens inside
// a transaction obtained from Store.WithTx; the transaction commits only when
// the callback returns nil.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mattyonweb/tbsm/pkg/contracts"
	"github.com/mattyonweb/tbsm/pkg/journal"
	"github.com/mattyonweb/tbsm/pkg/rating"
)

// ErrNotFound is returned when an entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when an insert collides with an existing entity.
var ErrConflict = errors.New("already exists")

// Store opens transactions and answers the sweep's due query.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	// DueObligations lists pending obligations due at or before t, ordered by
	// due date then id.
	DueObligations(ctx context.Context, t time.Time) ([]*contracts.Obligation, error)
	Close() error
}

// ObligationFilter narrows ListObligations. Zero fields match everything.
type ObligationFilter struct {
	ContractID string
	TemplateID string
	PayerID    string
	Status     contracts.ObligationStatus
	DueBefore  *time.Time
}

// HoldingFilter narrows ListHoldings. Zero fields match everything.
type HoldingFilter struct {
	OwnerID string
	AssetID string
}

// Tx is the unit of work. Getters on SQL stores lock the rows they read until
// the transaction ends.
type Tx interface {
	GetParticipant(ctx context.Context, id string) (*contracts.Participant, error)
	PutParticipant(ctx context.Context, p *contracts.Participant) error

	GetAsset(ctx context.Context, id string) (*contracts.Asset, error)
	CreateAsset(ctx context.Context, a *contracts.Asset) error

	// GetHolding returns a zero holding when the owner has none.
	GetHolding(ctx context.Context, ownerID, assetID string) (contracts.Holding, error)
	PutHolding(ctx context.Context, h contracts.Holding) error
	// CreditHolding adds qty to the holding, creating it if needed, and
	// returns the new balance.
	CreditHolding(ctx context.Context, ownerID, assetID string, qty decimal.Decimal) (contracts.Holding, error)
	DeleteHolding(ctx context.Context, ownerID, assetID string) error
	ListHoldings(ctx context.Context, f HoldingFilter) ([]contracts.Holding, error)

	GetContract(ctx context.Context, id string) (*contracts.Contract, error)
	CreateContract(ctx context.Context, c *contracts.Contract) error
	UpdateContract(ctx context.Context, c *contracts.Contract) error
	// ContractsByParty lists contracts where the participant is issuer or
	// counterparty, optionally restricted to one state.
	ContractsByParty(ctx context.Context, participantID string, state contracts.ContractState) ([]*contracts.Contract, error)
	// ListContracts lists contracts in one state, or all when state is empty.
	ListContracts(ctx context.Context, state contracts.ContractState) ([]*contracts.Contract, error)

	GetObligation(ctx context.Context, id string) (*contracts.Obligation, error)
	CreateObligation(ctx context.Context, o *contracts.Obligation) error
	UpdateObligation(ctx context.Context, o *contracts.Obligation) error
	// LatestObligation returns the obligation of a template with the latest due date.
	LatestObligation(ctx context.Context, templateID string) (*contracts.Obligation, error)
	ListObligations(ctx context.Context, f ObligationFilter) ([]*contracts.Obligation, error)

	journal.Sink
	ListJournal(ctx context.Context, obligationID string) ([]journal.Entry, error)

	rating.Repository
	ListRatingLog(ctx context.Context, participantID string) ([]rating.LogEntry, error)
}
