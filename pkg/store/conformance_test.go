package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattyonweb/tbsm/pkg/contracts"
	"github.com/mattyonweb/tbsm/pkg/journal"
	"github.com/mattyonweb/tbsm/pkg/rating"
)

var day0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func ratingEntry(participant string) rating.LogEntry {
	return rating.LogEntry{
		ParticipantID: participant,
		ObligationID:  "o1",
		Delta:         decimal.NewFromInt(2),
		Value:         decimal.NewFromInt(87),
		At:            day0,
	}
}

func newSQLiteStore(t *testing.T) *SQLStore {
	t.Helper()
	s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "tbsm.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStoreConformance(t *testing.T) {
	backends := map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemoryStore() },
		"sqlite": func(t *testing.T) Store { return newSQLiteStore(t) },
	}
	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			t.Run("participants", func(t *testing.T) { testParticipants(t, open(t)) })
			t.Run("assets", func(t *testing.T) { testAssets(t, open(t)) })
			t.Run("holdings", func(t *testing.T) { testHoldings(t, open(t)) })
			t.Run("contracts", func(t *testing.T) { testContracts(t, open(t)) })
			t.Run("obligations", func(t *testing.T) { testObligations(t, open(t)) })
			t.Run("journal", func(t *testing.T) { testJournal(t, open(t)) })
			t.Run("ratings", func(t *testing.T) { testRatings(t, open(t)) })
		})
	}
}

func inTx(t *testing.T, s Store, fn func(ctx context.Context, tx Tx)) {
	t.Helper()
	require.NoError(t, s.WithTx(context.Background(), func(ctx context.Context, tx Tx) error {
		fn(ctx, tx)
		return nil
	}))
}

func testParticipants(t *testing.T, s Store) {
	inTx(t, s, func(ctx context.Context, tx Tx) {
		require.NoError(t, tx.PutParticipant(ctx, &contracts.Participant{ID: "acme", Name: "Acme", Ticker: "ACM"}))
	})
	insolvent := day0.Add(31 * 24 * time.Hour)
	inTx(t, s, func(ctx context.Context, tx Tx) {
		p, err := tx.GetParticipant(ctx, "acme")
		require.NoError(t, err)
		assert.Equal(t, "ACM", p.Ticker)
		assert.False(t, p.IsInsolvent())
		p.InsolventSince = &insolvent
		require.NoError(t, tx.PutParticipant(ctx, p))
	})
	inTx(t, s, func(ctx context.Context, tx Tx) {
		p, err := tx.GetParticipant(ctx, "acme")
		require.NoError(t, err)
		require.True(t, p.IsInsolvent())
		assert.True(t, p.InsolventSince.Equal(insolvent))

		_, err = tx.GetParticipant(ctx, "ghost")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func testAssets(t *testing.T, s Store) {
	gold, err := contracts.NewAsset("gold", contracts.Material{Name: "Gold", Ticker: "XAU", Fungible: true})
	require.NoError(t, err)
	inTx(t, s, func(ctx context.Context, tx Tx) {
		require.NoError(t, tx.CreateAsset(ctx, &gold))
		assert.ErrorIs(t, tx.CreateAsset(ctx, &gold), ErrConflict)
	})
	inTx(t, s, func(ctx context.Context, tx Tx) {
		a, err := tx.GetAsset(ctx, "gold")
		require.NoError(t, err)
		assert.Equal(t, gold, *a)
		assert.True(t, a.Fungible())
	})
}

func testHoldings(t *testing.T, s Store) {
	inTx(t, s, func(ctx context.Context, tx Tx) {
		h, err := tx.CreditHolding(ctx, "acme", "eur", decimal.RequireFromString("100.25"))
		require.NoError(t, err)
		assert.Equal(t, "100.25", h.Quantity.String())
		h, err = tx.CreditHolding(ctx, "acme", "eur", decimal.RequireFromString("0.75"))
		require.NoError(t, err)
		assert.Equal(t, "101", h.Quantity.String())
		require.NoError(t, tx.PutHolding(ctx, contracts.Holding{OwnerID: "bank", AssetID: "eur", Quantity: decimal.NewFromInt(5)}))
	})
	inTx(t, s, func(ctx context.Context, tx Tx) {
		all, err := tx.ListHoldings(ctx, HoldingFilter{AssetID: "eur"})
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, "acme", all[0].OwnerID)

		require.NoError(t, tx.DeleteHolding(ctx, "bank", "eur"))
		h, err := tx.GetHolding(ctx, "bank", "eur")
		require.NoError(t, err)
		assert.True(t, h.Quantity.IsZero())
	})
}

func sampleContract() *contracts.Contract {
	until := day0.AddDate(1, 0, 0)
	return &contracts.Contract{
		ID:             "c1",
		Principal:      decimal.NewFromInt(1000),
		IssuerID:       "acme",
		CounterpartyID: "bank",
		State:          contracts.ContractDraft,
		CreatedAt:      day0,
		UpdatedAt:      day0,
		Templates: []contracts.RepaymentTemplate{
			{
				ID:         "t-coupon",
				ContractID: "c1",
				Position:   0,
				Trigger:    contracts.Recurring{IntervalDays: 30, MaxOccurrences: 4, Until: &until},
				Payer:      contracts.RoleSeller,
				Payee:      contracts.RoleBuyer,
				AssetID:    "eur",
				Amount:     contracts.PercentOfPrincipal{Rate: decimal.RequireFromString("2.5")},
			},
			{
				ID:         "t-maturity",
				ContractID: "c1",
				Position:   1,
				Trigger:    contracts.RelativeOffset{Days: 120},
				Payer:      contracts.RoleSeller,
				Payee:      contracts.RoleBuyer,
				AssetID:    "eur",
				Amount:     contracts.Fixed{Quantity: decimal.NewFromInt(1000)},
			},
		},
	}
}

func testContracts(t *testing.T, s Store) {
	c := sampleContract()
	inTx(t, s, func(ctx context.Context, tx Tx) {
		require.NoError(t, tx.CreateContract(ctx, c))
	})
	activated := day0.Add(time.Hour)
	inTx(t, s, func(ctx context.Context, tx Tx) {
		got, err := tx.GetContract(ctx, "c1")
		require.NoError(t, err)
		require.Len(t, got.Templates, 2)
		assert.Equal(t, "t-coupon", got.Templates[0].ID)
		rec, ok := got.Templates[0].Trigger.(contracts.Recurring)
		require.True(t, ok)
		assert.Equal(t, 4, rec.MaxOccurrences)
		pct, ok := got.Templates[0].Amount.(contracts.PercentOfPrincipal)
		require.True(t, ok)
		assert.Equal(t, "2.5", pct.Rate.String())
		assert.True(t, got.Principal.Equal(decimal.NewFromInt(1000)))

		got.ActivatedAt = &activated
		require.NoError(t, got.Transition(contracts.ContractActive, activated))
		require.NoError(t, tx.UpdateContract(ctx, got))
	})
	inTx(t, s, func(ctx context.Context, tx Tx) {
		active, err := tx.ContractsByParty(ctx, "bank", contracts.ContractActive)
		require.NoError(t, err)
		require.Len(t, active, 1)
		assert.True(t, active[0].ActivatedAt.Equal(activated))
		assert.Len(t, active[0].Templates, 2)

		none, err := tx.ContractsByParty(ctx, "bank", contracts.ContractDraft)
		require.NoError(t, err)
		assert.Empty(t, none)

		all, err := tx.ListContracts(ctx, "")
		require.NoError(t, err)
		require.Len(t, all, 1)
		assert.Equal(t, "c1", all[0].ID)
		completed, err := tx.ListContracts(ctx, contracts.ContractCompleted)
		require.NoError(t, err)
		assert.Empty(t, completed)

		err = tx.UpdateContract(ctx, &contracts.Contract{ID: "ghost", State: contracts.ContractActive})
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func couponObligation(id string, seq int) *contracts.Obligation {
	return &contracts.Obligation{
		ID:         id,
		ContractID: "c1",
		TemplateID: "t-coupon",
		Sequence:   seq,
		DueAt:      day0.AddDate(0, 0, 30*seq),
		Amount:     decimal.NewFromInt(25),
		AssetID:    "eur",
		PayerID:    "acme",
		PayeeID:    "bank",
		Status:     contracts.StatusPending,
		CreatedAt:  day0,
	}
}

func testObligations(t *testing.T, s Store) {
	inTx(t, s, func(ctx context.Context, tx Tx) {
		require.NoError(t, tx.CreateContract(ctx, sampleContract()))
		for i, id := range []string{"o1", "o2"} {
			require.NoError(t, tx.CreateObligation(ctx, couponObligation(id, i+1)))
		}
		dup := couponObligation("dup", 1)
		err := tx.CreateObligation(ctx, dup)
		assert.ErrorIs(t, err, ErrConflict)
	})

	due, err := s.DueObligations(context.Background(), day0.AddDate(0, 0, 45))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "o1", due[0].ID)
	assert.Equal(t, "25", due[0].Amount.String())

	resolved := day0.AddDate(0, 0, 31)
	inTx(t, s, func(ctx context.Context, tx Tx) {
		o, err := tx.GetObligation(ctx, "o1")
		require.NoError(t, err)
		require.NoError(t, o.Resolve(contracts.StatusSettled, resolved))
		require.NoError(t, tx.UpdateObligation(ctx, o))
	})
	inTx(t, s, func(ctx context.Context, tx Tx) {
		latest, err := tx.LatestObligation(ctx, "t-coupon")
		require.NoError(t, err)
		assert.Equal(t, "o2", latest.ID)

		settled, err := tx.ListObligations(ctx, ObligationFilter{ContractID: "c1", Status: contracts.StatusSettled})
		require.NoError(t, err)
		require.Len(t, settled, 1)
		require.NotNil(t, settled[0].ResolvedAt)
		assert.True(t, settled[0].ResolvedAt.Equal(resolved))

		byPayer, err := tx.ListObligations(ctx, ObligationFilter{PayerID: "acme"})
		require.NoError(t, err)
		assert.Len(t, byPayer, 2)
	})
	due, err = s.DueObligations(context.Background(), day0.AddDate(0, 0, 45))
	require.NoError(t, err)
	assert.Empty(t, due)
}

func testJournal(t *testing.T, s Store) {
	inTx(t, s, func(ctx context.Context, tx Tx) {
		_, err := journal.Record(ctx, tx, journal.Entry{
			ID:           "j1",
			ObligationID: "o1",
			ContractID:   "c1",
			GiverID:      "acme",
			TakerID:      "bank",
			AssetID:      "eur",
			Scheduled:    decimal.NewFromInt(25),
			Given:        decimal.NewFromInt(25),
			Causal:       "coupon",
			At:           day0,
		})
		require.NoError(t, err)
	})
	inTx(t, s, func(ctx context.Context, tx Tx) {
		entries, err := tx.ListJournal(ctx, "o1")
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.NoError(t, journal.Verify(entries[0]))
	})
}

func testRatings(t *testing.T, s Store) {
	inTx(t, s, func(ctx context.Context, tx Tx) {
		_, err := tx.GetRating(ctx, "acme")
		assert.ErrorIs(t, err, rating.ErrNotFound)
		_, err = rating.Settled(ctx, tx, "acme", "o1", decimal.NewFromInt(100), decimal.Zero, day0)
		require.NoError(t, err)
	})
	inTx(t, s, func(ctx context.Context, tx Tx) {
		r, err := tx.GetRating(ctx, "acme")
		require.NoError(t, err)
		assert.Equal(t, "87", r.Value.String())
		assert.False(t, r.Newbie)

		log, err := tx.ListRatingLog(ctx, "acme")
		require.NoError(t, err)
		require.Len(t, log, 1)
		assert.Equal(t, "2", log[0].Delta.String())
	})
}
