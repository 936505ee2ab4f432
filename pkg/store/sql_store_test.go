package store

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattyonweb/tbsm/pkg/contracts"
)

func TestDialect_Rebind(t *testing.T) {
	q := "SELECT 1 FROM t WHERE a = ? AND b = ?"
	assert.Equal(t, "SELECT 1 FROM t WHERE a = $1 AND b = $2", Postgres.rebind(q))
	assert.Equal(t, q, SQLite.rebind(q))
}

func TestSchema_Dialects(t *testing.T) {
	pg := Schema(Postgres)
	assert.Contains(t, pg, "quantity NUMERIC NOT NULL")
	assert.Contains(t, pg, "seq BIGSERIAL PRIMARY KEY")
	assert.NotContains(t, pg, "{{")

	lite := Schema(SQLite)
	assert.Contains(t, lite, "quantity TEXT NOT NULL")
	assert.Contains(t, lite, "newbie INTEGER NOT NULL")
}

func newMockStore(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewSQLStore(db, Postgres), mock
}

func TestSQLStore_GetObligationLocksRow(t *testing.T) {
	s, mock := newMockStore(t)
	due := time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT (.+) FROM tbsm_obligations WHERE id = \$1 FOR UPDATE`).
		WithArgs("o1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "contract_id", "template_id", "sequence", "due_at", "amount", "asset_id",
			"payer_id", "payee_id", "status", "resolved_at", "created_at",
		}).AddRow("o1", "c1", "t1", 1, due.UnixMicro(), []byte("1000"), "eur",
			"acme", "bank", "pending", nil, due.UnixMicro()))
	mock.ExpectCommit()

	err := s.WithTx(context.Background(), func(ctx context.Context, tx Tx) error {
		o, err := tx.GetObligation(ctx, "o1")
		if err != nil {
			return err
		}
		assert.Equal(t, contracts.StatusPending, o.Status)
		assert.Equal(t, "1000", o.Amount.String())
		assert.True(t, o.DueAt.Equal(due))
		assert.Nil(t, o.ResolvedAt)
		return nil
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_CreditHoldingLocksBeforeIncrement(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO tbsm_holdings \(owner_id, asset_id, quantity\) VALUES \(\$1, \$2, \$3\)\s+ON CONFLICT \(owner_id, asset_id\) DO NOTHING`).
		WithArgs("bank", "eur", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT quantity FROM tbsm_holdings WHERE owner_id = $1 AND asset_id = $2 FOR UPDATE`)).
		WithArgs("bank", "eur").
		WillReturnRows(sqlmock.NewRows([]string{"quantity"}).AddRow([]byte("40")))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE tbsm_holdings SET quantity = $1 WHERE owner_id = $2 AND asset_id = $3`)).
		WithArgs(sqlmock.AnyArg(), "bank", "eur").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.WithTx(context.Background(), func(ctx context.Context, tx Tx) error {
		h, err := tx.CreditHolding(ctx, "bank", "eur", decimal.NewFromInt(60))
		if err != nil {
			return err
		}
		assert.Equal(t, "100", h.Quantity.String(), "the credit adds to the locked balance")
		return nil
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_RollbackOnError(t *testing.T) {
	s, mock := newMockStore(t)
	boom := errors.New("boom")

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM tbsm_holdings WHERE owner_id = $1 AND asset_id = $2`)).
		WithArgs("acme", "eur").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectRollback()

	err := s.WithTx(context.Background(), func(ctx context.Context, tx Tx) error {
		if err := tx.DeleteHolding(ctx, "acme", "eur"); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_UpdateObligationMissing(t *testing.T) {
	s, mock := newMockStore(t)
	resolved := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE tbsm_obligations SET status = $1, resolved_at = $2 WHERE id = $3`)).
		WithArgs("settled", resolved.UnixMicro(), "ghost").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := s.WithTx(context.Background(), func(ctx context.Context, tx Tx) error {
		return tx.UpdateObligation(ctx, &contracts.Obligation{ID: "ghost", Status: contracts.StatusSettled, ResolvedAt: &resolved})
	})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_DuplicateObligation(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO tbsm_obligations`).
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value"})
	mock.ExpectRollback()

	err := s.WithTx(context.Background(), func(ctx context.Context, tx Tx) error {
		return tx.CreateObligation(ctx, &contracts.Obligation{ID: "o1", TemplateID: "t1", Status: contracts.StatusPending})
	})
	assert.ErrorIs(t, err, ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_DueObligations(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT (.+) FROM tbsm_obligations\s+WHERE status = \$1 AND due_at <= \$2 ORDER BY due_at, id`).
		WithArgs("pending", now.UnixMicro()).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "contract_id", "template_id", "sequence", "due_at", "amount", "asset_id",
			"payer_id", "payee_id", "status", "resolved_at", "created_at",
		}))

	due, err := s.DueObligations(context.Background(), now)
	require.NoError(t, err)
	assert.Empty(t, due)
	assert.NoError(t, mock.ExpectationsWereMet())
}
