package settlement

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattyonweb/tbsm/pkg/contracts"
	"github.com/mattyonweb/tbsm/pkg/journal"
	"github.com/mattyonweb/tbsm/pkg/ledger"
	"github.com/mattyonweb/tbsm/pkg/rating"
	"github.com/mattyonweb/tbsm/pkg/schedule"
	"github.com/mattyonweb/tbsm/pkg/store"
	"github.com/mattyonweb/tbsm/pkg/trigger"
)

var day0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func at(d int) time.Time { return day0.Add(time.Duration(d) * trigger.Day) }

func counter(prefix string) func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("%s-%03d", prefix, n)
	}
}

type harness struct {
	store *store.MemoryStore
	exec  *Executor
	sched *schedule.Materializer
	c     *contracts.Contract
}

// newHarness activates a contract in which acme pays bank under tpl and
// funds acme with the given euros. The first obligation is materialized.
func newHarness(t *testing.T, tpl contracts.RepaymentTemplate, funds int64) *harness {
	t.Helper()
	s := store.NewMemoryStore()
	sched, err := schedule.New(schedule.WithIDFunc(counter("ob")))
	require.NoError(t, err)
	h := &harness{store: s, sched: sched, exec: New(s, sched, WithIDFunc(counter("j")))}

	activated := day0
	tpl.ContractID = "c1"
	tpl.Payer, tpl.Payee = contracts.RoleSeller, contracts.RoleBuyer
	tpl.AssetID = "eur"
	h.c = &contracts.Contract{
		ID:             "c1",
		Principal:      decimal.NewFromInt(1000),
		IssuerID:       "acme",
		CounterpartyID: "bank",
		ActivatedAt:    &activated,
		State:          contracts.ContractActive,
		Templates:      []contracts.RepaymentTemplate{tpl},
	}

	h.inTx(t, func(ctx context.Context, tx store.Tx) {
		for _, id := range []string{"acme", "bank"} {
			require.NoError(t, tx.PutParticipant(ctx, &contracts.Participant{ID: id, Name: id}))
		}
		eur, err := contracts.NewAsset("eur", contracts.Currency{Unit: "EUR"})
		require.NoError(t, err)
		require.NoError(t, tx.CreateAsset(ctx, &eur))
		if funds > 0 {
			_, err = ledger.New().Issue(ctx, tx, "acme", &eur, decimal.NewFromInt(funds))
			require.NoError(t, err)
		}
		require.NoError(t, tx.CreateContract(ctx, h.c))
		_, err = sched.EnsureAll(ctx, tx, h.c, day0)
		require.NoError(t, err)
	})
	return h
}

func (h *harness) inTx(t *testing.T, fn func(ctx context.Context, tx store.Tx)) {
	t.Helper()
	require.NoError(t, h.store.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		fn(ctx, tx)
		return nil
	}))
}

func (h *harness) balance(t *testing.T, owner string) string {
	t.Helper()
	var out string
	h.inTx(t, func(ctx context.Context, tx store.Tx) {
		q, err := ledger.New().Balance(ctx, tx, owner, "eur")
		require.NoError(t, err)
		out = q.String()
	})
	return out
}

func fullRepayment() contracts.RepaymentTemplate {
	return contracts.RepaymentTemplate{
		ID:      "t1",
		Trigger: contracts.RelativeOffset{Days: 30},
		Amount:  contracts.PercentOfPrincipal{Rate: decimal.NewFromInt(100)},
	}
}

func TestSettle_Success(t *testing.T) {
	h := newHarness(t, fullRepayment(), 1000)

	res, err := h.exec.Settle(context.Background(), "ob-001", at(31))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSettled, res.Outcome)
	assert.Equal(t, contracts.StatusSettled, res.Obligation.Status)
	assert.Equal(t, contracts.ContractCompleted, res.ContractState)
	assert.Nil(t, res.Next)
	require.NotNil(t, res.Journal)
	assert.Equal(t, "1000", res.Journal.Given.String())
	assert.NoError(t, journal.Verify(*res.Journal))

	assert.Equal(t, "0", h.balance(t, "acme"))
	assert.Equal(t, "1000", h.balance(t, "bank"))

	h.inTx(t, func(ctx context.Context, tx store.Tx) {
		r, err := tx.GetRating(ctx, "acme")
		require.NoError(t, err)
		assert.Equal(t, "87", r.Value.String(), "nothing left over earns the full gain")
		assert.False(t, r.Newbie)
	})
}

func TestSettle_InsufficientFundsDefaults(t *testing.T) {
	h := newHarness(t, fullRepayment(), 400)

	res, err := h.exec.Settle(context.Background(), "ob-001", at(31))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDefaulted, res.Outcome)
	assert.Equal(t, contracts.ContractDefaulted, res.ContractState)
	require.NotNil(t, res.Insolvency)
	assert.Equal(t, []string{"c1"}, res.Insolvency.DefaultedContracts)
	assert.True(t, res.Journal.Defaulted())

	assert.Equal(t, "400", h.balance(t, "acme"), "no partial transfer")
	assert.Equal(t, "0", h.balance(t, "bank"))

	h.inTx(t, func(ctx context.Context, tx store.Tx) {
		p, err := tx.GetParticipant(ctx, "acme")
		require.NoError(t, err)
		assert.True(t, p.IsInsolvent())

		r, err := tx.GetRating(ctx, "acme")
		require.NoError(t, err)
		assert.Equal(t, "75", r.Value.String())
	})
}

func TestSettle_InsolventPayerDefaultsWithoutTransfer(t *testing.T) {
	h := newHarness(t, fullRepayment(), 1000)
	h.inTx(t, func(ctx context.Context, tx store.Tx) {
		p, err := tx.GetParticipant(ctx, "acme")
		require.NoError(t, err)
		since := at(1)
		p.InsolventSince = &since
		require.NoError(t, tx.PutParticipant(ctx, p))
	})

	res, err := h.exec.Settle(context.Background(), "ob-001", at(31))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDefaulted, res.Outcome)
	assert.Nil(t, res.Insolvency)
	assert.Equal(t, "payer insolvent", res.Journal.Causal)
	assert.Empty(t, res.Cascaded)
	assert.Equal(t, contracts.ContractDefaulted, res.ContractState)
	assert.Equal(t, "1000", h.balance(t, "acme"))
}

func TestSettle_SkipsResolvedAndEarly(t *testing.T) {
	h := newHarness(t, fullRepayment(), 1000)

	early, err := h.exec.Settle(context.Background(), "ob-001", at(29))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, early.Outcome)

	_, err = h.exec.Settle(context.Background(), "ob-001", at(31))
	require.NoError(t, err)
	again, err := h.exec.Settle(context.Background(), "ob-001", at(32))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, again.Outcome)
	assert.Equal(t, "1000", h.balance(t, "bank"), "settled once")
}

func TestSettle_RecurringMaterializesNext(t *testing.T) {
	tpl := contracts.RepaymentTemplate{
		ID:      "t1",
		Trigger: contracts.Recurring{IntervalDays: 10, MaxOccurrences: 3},
		Amount:  contracts.Fixed{Quantity: decimal.NewFromInt(100)},
	}
	h := newHarness(t, tpl, 1000)

	res, err := h.exec.Settle(context.Background(), "ob-001", at(10))
	require.NoError(t, err)
	require.NotNil(t, res.Next)
	assert.Equal(t, "ob-002", res.Next.ID)
	assert.True(t, res.Next.DueAt.Equal(at(20)))
	assert.Equal(t, 2, res.Next.Sequence)
	assert.Equal(t, contracts.ContractActive, res.ContractState)

	h.inTx(t, func(ctx context.Context, tx store.Tx) {
		log, err := tx.ListRatingLog(ctx, "acme")
		require.NoError(t, err)
		require.Len(t, log, 1)
		// 2 * 100 / 900, quantized to 4 places
		assert.Equal(t, "0.2222", log[0].Delta.String())
	})
}

func TestSettle_PendingUnderInactiveContractIsViolation(t *testing.T) {
	h := newHarness(t, fullRepayment(), 1000)
	h.inTx(t, func(ctx context.Context, tx store.Tx) {
		c, err := tx.GetContract(ctx, "c1")
		require.NoError(t, err)
		c.State = contracts.ContractCompleted
		require.NoError(t, tx.UpdateContract(ctx, c))
	})

	_, err := h.exec.Settle(context.Background(), "ob-001", at(31))
	require.Error(t, err)
	assert.True(t, contracts.IsConsistencyViolation(err))
	assert.Equal(t, "1000", h.balance(t, "acme"), "nothing committed")
}

func TestWaive(t *testing.T) {
	tpl := contracts.RepaymentTemplate{
		ID:      "t1",
		Trigger: contracts.Recurring{IntervalDays: 10, MaxOccurrences: 2},
		Amount:  contracts.Fixed{Quantity: decimal.NewFromInt(100)},
	}
	h := newHarness(t, tpl, 0)

	res, err := h.exec.Waive(context.Background(), "ob-001", at(5))
	require.NoError(t, err)
	assert.Equal(t, OutcomeWaived, res.Outcome)
	require.NotNil(t, res.Next, "waiving an occurrence keeps the schedule going")
	assert.True(t, res.Next.DueAt.Equal(at(20)))

	res, err = h.exec.Waive(context.Background(), "ob-002", at(6))
	require.NoError(t, err)
	assert.Equal(t, contracts.ContractCompleted, res.ContractState)

	_, err = h.exec.Waive(context.Background(), "ob-001", at(7))
	assert.True(t, contracts.IsConsistencyViolation(err))

	h.inTx(t, func(ctx context.Context, tx store.Tx) {
		_, err := tx.GetRating(ctx, "acme")
		assert.ErrorIs(t, err, rating.ErrNotFound, "waivers do not rate")
	})
}
