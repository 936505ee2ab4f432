package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattyonweb/tbsm/pkg/contracts"
)

func TestMemoryStore_RollbackOnError(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		require.NoError(t, tx.PutParticipant(ctx, &contracts.Participant{ID: "acme", Name: "Acme"}))
		_, err := tx.CreditHolding(ctx, "acme", "eur", decimal.NewFromInt(10))
		require.NoError(t, err)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	err = s.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		_, err := tx.GetParticipant(ctx, "acme")
		assert.ErrorIs(t, err, ErrNotFound)
		h, err := tx.GetHolding(ctx, "acme", "eur")
		require.NoError(t, err)
		assert.True(t, h.Quantity.IsZero())
		return nil
	})
	require.NoError(t, err)
}

func TestMemoryStore_CopiesOnRead(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.PutParticipant(ctx, &contracts.Participant{ID: "acme", Name: "Acme"})
	}))
	require.NoError(t, s.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		p, err := tx.GetParticipant(ctx, "acme")
		require.NoError(t, err)
		p.InsolventSince = &at // not saved
		return nil
	}))
	require.NoError(t, s.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		p, err := tx.GetParticipant(ctx, "acme")
		require.NoError(t, err)
		assert.False(t, p.IsInsolvent())
		return nil
	}))
}

func TestMemoryStore_ObligationUniquePerDueDate(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	due := time.Date(2024, 1, 11, 0, 0, 0, 0, time.UTC)

	err := s.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		require.NoError(t, tx.CreateObligation(ctx, &contracts.Obligation{ID: "o1", TemplateID: "t1", DueAt: due, Status: contracts.StatusPending}))
		return tx.CreateObligation(ctx, &contracts.Obligation{ID: "o2", TemplateID: "t1", DueAt: due, Status: contracts.StatusPending})
	})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestMemoryStore_DueObligationsOrder(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	day := time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		for _, o := range []*contracts.Obligation{
			{ID: "b", TemplateID: "t1", DueAt: day, Status: contracts.StatusPending},
			{ID: "a", TemplateID: "t2", DueAt: day, Status: contracts.StatusPending},
			{ID: "0", TemplateID: "t3", DueAt: day.Add(time.Hour), Status: contracts.StatusPending},
			{ID: "c", TemplateID: "t4", DueAt: day.Add(-time.Hour), Status: contracts.StatusSettled},
		} {
			if err := tx.CreateObligation(ctx, o); err != nil {
				return err
			}
		}
		return nil
	}))

	due, err := s.DueObligations(ctx, day)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "a", due[0].ID)
	assert.Equal(t, "b", due[1].ID)
}

func TestMemoryStore_LatestObligation(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	day := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		_, err := tx.LatestObligation(ctx, "t1")
		assert.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, tx.CreateObligation(ctx, &contracts.Obligation{ID: "o1", TemplateID: "t1", DueAt: day.AddDate(0, 0, 10)}))
		require.NoError(t, tx.CreateObligation(ctx, &contracts.Obligation{ID: "o2", TemplateID: "t1", DueAt: day.AddDate(0, 0, 20)}))
		latest, err := tx.LatestObligation(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, "o2", latest.ID)
		return nil
	}))
}

func TestMemoryStore_UpdateContractKeepsTemplates(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	tpl := contracts.RepaymentTemplate{ID: "t1", Trigger: contracts.RelativeOffset{Days: 1}, Amount: contracts.Fixed{Quantity: decimal.NewFromInt(1)}}

	require.NoError(t, s.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.CreateContract(ctx, &contracts.Contract{ID: "c1", State: contracts.ContractDraft, Templates: []contracts.RepaymentTemplate{tpl}})
	}))
	require.NoError(t, s.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.UpdateContract(ctx, &contracts.Contract{ID: "c1", State: contracts.ContractActive})
	}))
	require.NoError(t, s.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		c, err := tx.GetContract(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, contracts.ContractActive, c.State)
		assert.Len(t, c.Templates, 1)
		return nil
	}))
}

func TestMemoryStore_JournalRollbackInvisible(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_ = s.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		_ = tx.AppendRatingLog(ctx, ratingEntry("p1"))
		return errors.New("abort")
	})
	require.NoError(t, s.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		entries, err := tx.ListRatingLog(ctx, "")
		require.NoError(t, err)
		assert.Empty(t, entries)
		return nil
	}))
}
