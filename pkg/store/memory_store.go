package store

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mattyonweb/tbsm/pkg/contracts"
	"github.com/mattyonweb/tbsm/pkg/journal"
	"github.com/mattyonweb/tbsm/pkg/rating"
)

// MemoryStore implements Store in memory. Transactions are serialized by a
// single writer mutex and work on a copy of the state that replaces the
// committed state only when the callback succeeds. WithTx must not be called
// from inside a transaction callback.
type MemoryStore struct {
	mu    sync.RWMutex
	state *memState
}

type holdingKey struct{ owner, asset string }

type memState struct {
	participants map[string]contracts.Participant
	assets       map[string]contracts.Asset
	holdings     map[holdingKey]contracts.Holding
	contracts    map[string]contracts.Contract
	obligations  map[string]contracts.Obligation
	ratings      map[string]rating.Rating
	journal      []journal.Entry
	ratingLog    []rating.LogEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: &memState{
		participants: make(map[string]contracts.Participant),
		assets:       make(map[string]contracts.Asset),
		holdings:     make(map[holdingKey]contracts.Holding),
		contracts:    make(map[string]contracts.Contract),
		obligations:  make(map[string]contracts.Obligation),
		ratings:      make(map[string]rating.Rating),
	}}
}

func (st *memState) clone() *memState {
	return &memState{
		participants: cloneMap(st.participants),
		assets:       cloneMap(st.assets),
		holdings:     cloneMap(st.holdings),
		contracts:    cloneMap(st.contracts),
		obligations:  cloneMap(st.obligations),
		ratings:      cloneMap(st.ratings),
		// append-only: a rolled back tx leaves its entries past len, unseen
		journal:   st.journal,
		ratingLog: st.ratingLog,
	}
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (s *MemoryStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.state.clone()
	if err := fn(ctx, &memTx{st: work}); err != nil {
		return err
	}
	s.state = work
	return nil
}

func (s *MemoryStore) DueObligations(ctx context.Context, t time.Time) ([]*contracts.Obligation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tx := &memTx{st: s.state}
	return tx.ListObligations(ctx, ObligationFilter{Status: contracts.StatusPending, DueBefore: &t})
}

func (s *MemoryStore) Close() error { return nil }

type memTx struct {
	st *memState
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func (tx *memTx) GetParticipant(_ context.Context, id string) (*contracts.Participant, error) {
	p, ok := tx.st.participants[id]
	if !ok {
		return nil, fmt.Errorf("participant %s: %w", id, ErrNotFound)
	}
	p.InsolventSince = copyTime(p.InsolventSince)
	return &p, nil
}

func (tx *memTx) PutParticipant(_ context.Context, p *contracts.Participant) error {
	val := *p
	val.InsolventSince = copyTime(p.InsolventSince)
	tx.st.participants[p.ID] = val
	return nil
}

func (tx *memTx) GetAsset(_ context.Context, id string) (*contracts.Asset, error) {
	a, ok := tx.st.assets[id]
	if !ok {
		return nil, fmt.Errorf("asset %s: %w", id, ErrNotFound)
	}
	return &a, nil
}

func (tx *memTx) CreateAsset(_ context.Context, a *contracts.Asset) error {
	if _, ok := tx.st.assets[a.ID]; ok {
		return fmt.Errorf("asset %s: %w", a.ID, ErrConflict)
	}
	tx.st.assets[a.ID] = *a
	return nil
}

func (tx *memTx) GetHolding(_ context.Context, ownerID, assetID string) (contracts.Holding, error) {
	if h, ok := tx.st.holdings[holdingKey{ownerID, assetID}]; ok {
		return h, nil
	}
	return contracts.Holding{OwnerID: ownerID, AssetID: assetID}, nil
}

func (tx *memTx) PutHolding(_ context.Context, h contracts.Holding) error {
	tx.st.holdings[holdingKey{h.OwnerID, h.AssetID}] = h
	return nil
}

func (tx *memTx) CreditHolding(_ context.Context, ownerID, assetID string, qty decimal.Decimal) (contracts.Holding, error) {
	key := holdingKey{ownerID, assetID}
	h, ok := tx.st.holdings[key]
	if !ok {
		h = contracts.Holding{OwnerID: ownerID, AssetID: assetID}
	}
	h.Quantity = h.Quantity.Add(qty)
	tx.st.holdings[key] = h
	return h, nil
}

func (tx *memTx) DeleteHolding(_ context.Context, ownerID, assetID string) error {
	delete(tx.st.holdings, holdingKey{ownerID, assetID})
	return nil
}

func (tx *memTx) ListHoldings(_ context.Context, f HoldingFilter) ([]contracts.Holding, error) {
	out := make([]contracts.Holding, 0)
	for _, h := range tx.st.holdings {
		if f.OwnerID != "" && h.OwnerID != f.OwnerID {
			continue
		}
		if f.AssetID != "" && h.AssetID != f.AssetID {
			continue
		}
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OwnerID != out[j].OwnerID {
			return out[i].OwnerID < out[j].OwnerID
		}
		return out[i].AssetID < out[j].AssetID
	})
	return out, nil
}

func (tx *memTx) contractCopy(c contracts.Contract) *contracts.Contract {
	c.ActivatedAt = copyTime(c.ActivatedAt)
	c.Templates = slices.Clone(c.Templates)
	return &c
}

func (tx *memTx) GetContract(_ context.Context, id string) (*contracts.Contract, error) {
	c, ok := tx.st.contracts[id]
	if !ok {
		return nil, fmt.Errorf("contract %s: %w", id, ErrNotFound)
	}
	return tx.contractCopy(c), nil
}

func (tx *memTx) CreateContract(_ context.Context, c *contracts.Contract) error {
	if _, ok := tx.st.contracts[c.ID]; ok {
		return fmt.Errorf("contract %s: %w", c.ID, ErrConflict)
	}
	tx.st.contracts[c.ID] = *tx.contractCopy(*c)
	return nil
}

func (tx *memTx) UpdateContract(_ context.Context, c *contracts.Contract) error {
	cur, ok := tx.st.contracts[c.ID]
	if !ok {
		return fmt.Errorf("contract %s: %w", c.ID, ErrNotFound)
	}
	// templates are fixed at creation
	next := *tx.contractCopy(*c)
	next.Templates = cur.Templates
	tx.st.contracts[c.ID] = next
	return nil
}

func (tx *memTx) ContractsByParty(_ context.Context, participantID string, state contracts.ContractState) ([]*contracts.Contract, error) {
	out := make([]*contracts.Contract, 0)
	for _, c := range tx.st.contracts {
		if c.IssuerID != participantID && c.CounterpartyID != participantID {
			continue
		}
		if state != "" && c.State != state {
			continue
		}
		out = append(out, tx.contractCopy(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (tx *memTx) ListContracts(_ context.Context, state contracts.ContractState) ([]*contracts.Contract, error) {
	out := make([]*contracts.Contract, 0, len(tx.st.contracts))
	for _, c := range tx.st.contracts {
		if state != "" && c.State != state {
			continue
		}
		out = append(out, tx.contractCopy(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (tx *memTx) GetObligation(_ context.Context, id string) (*contracts.Obligation, error) {
	o, ok := tx.st.obligations[id]
	if !ok {
		return nil, fmt.Errorf("obligation %s: %w", id, ErrNotFound)
	}
	o.ResolvedAt = copyTime(o.ResolvedAt)
	return &o, nil
}

func (tx *memTx) CreateObligation(_ context.Context, o *contracts.Obligation) error {
	if _, ok := tx.st.obligations[o.ID]; ok {
		return fmt.Errorf("obligation %s: %w", o.ID, ErrConflict)
	}
	for _, other := range tx.st.obligations {
		if other.TemplateID == o.TemplateID && other.DueAt.Equal(o.DueAt) {
			return fmt.Errorf("obligation for template %s due %s: %w", o.TemplateID, o.DueAt, ErrConflict)
		}
	}
	val := *o
	val.ResolvedAt = copyTime(o.ResolvedAt)
	tx.st.obligations[o.ID] = val
	return nil
}

func (tx *memTx) UpdateObligation(_ context.Context, o *contracts.Obligation) error {
	if _, ok := tx.st.obligations[o.ID]; !ok {
		return fmt.Errorf("obligation %s: %w", o.ID, ErrNotFound)
	}
	val := *o
	val.ResolvedAt = copyTime(o.ResolvedAt)
	tx.st.obligations[o.ID] = val
	return nil
}

func (tx *memTx) LatestObligation(_ context.Context, templateID string) (*contracts.Obligation, error) {
	var latest *contracts.Obligation
	for _, o := range tx.st.obligations {
		if o.TemplateID != templateID {
			continue
		}
		if latest == nil || o.DueAt.After(latest.DueAt) {
			val := o
			latest = &val
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("obligations of template %s: %w", templateID, ErrNotFound)
	}
	latest.ResolvedAt = copyTime(latest.ResolvedAt)
	return latest, nil
}

func (tx *memTx) ListObligations(_ context.Context, f ObligationFilter) ([]*contracts.Obligation, error) {
	out := make([]*contracts.Obligation, 0)
	for _, o := range tx.st.obligations {
		if f.ContractID != "" && o.ContractID != f.ContractID {
			continue
		}
		if f.TemplateID != "" && o.TemplateID != f.TemplateID {
			continue
		}
		if f.PayerID != "" && o.PayerID != f.PayerID {
			continue
		}
		if f.Status != "" && o.Status != f.Status {
			continue
		}
		if f.DueBefore != nil && o.DueAt.After(*f.DueBefore) {
			continue
		}
		val := o
		val.ResolvedAt = copyTime(o.ResolvedAt)
		out = append(out, &val)
	}
	slices.SortFunc(out, contracts.DueOrder)
	return out, nil
}

func (tx *memTx) AppendJournal(_ context.Context, e journal.Entry) error {
	tx.st.journal = append(tx.st.journal, e)
	return nil
}

func (tx *memTx) ListJournal(_ context.Context, obligationID string) ([]journal.Entry, error) {
	out := make([]journal.Entry, 0)
	for _, e := range tx.st.journal {
		if obligationID == "" || e.ObligationID == obligationID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (tx *memTx) GetRating(_ context.Context, participantID string) (rating.Rating, error) {
	r, ok := tx.st.ratings[participantID]
	if !ok {
		return rating.Rating{}, rating.ErrNotFound
	}
	return r, nil
}

func (tx *memTx) PutRating(_ context.Context, r rating.Rating) error {
	tx.st.ratings[r.ParticipantID] = r
	return nil
}

func (tx *memTx) AppendRatingLog(_ context.Context, e rating.LogEntry) error {
	tx.st.ratingLog = append(tx.st.ratingLog, e)
	return nil
}

func (tx *memTx) ListRatingLog(_ context.Context, participantID string) ([]rating.LogEntry, error) {
	out := make([]rating.LogEntry, 0)
	for _, e := range tx.st.ratingLog {
		if participantID == "" || e.ParticipantID == participantID {
			out = append(out, e)
		}
	}
	return out, nil
}
