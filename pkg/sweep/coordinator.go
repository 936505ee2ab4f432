// Package sweep drives settlement of every obligation that is due. A sweep is
// pull-based: it is started by an external clock tick and returns when nothing
// due is left.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/mattyonweb/tbsm/pkg/contracts"
	"github.com/mattyonweb/tbsm/pkg/lock"
	"github.com/mattyonweb/tbsm/pkg/observability"
	"github.com/mattyonweb/tbsm/pkg/schedule"
	"github.com/mattyonweb/tbsm/pkg/settlement"
	"github.com/mattyonweb/tbsm/pkg/store"
)

// ErrSweepInProgress is returned when another sweep holds the sweep lock.
var ErrSweepInProgress = errors.New("sweep already in progress")

const lockName = "sweep"

// Failure is an obligation whose settlement failed for a reason other than a
// business outcome. Its lane stopped there; other lanes went on.
type Failure struct {
	ObligationID string `json:"obligation_id"`
	Error        string `json:"error"`
}

// Report lists what one sweep did.
type Report struct {
	Now     time.Time               `json:"now"`
	Settled []*contracts.Obligation `json:"settled"`
	// Defaulted holds every obligation the sweep moved to defaulted, whether
	// its own transfer failed or it went down with its contract.
	Defaulted []*contracts.Obligation `json:"defaulted"`
	// Cascaded is the part of Defaulted that went down with a contract
	// because the payer was or became insolvent.
	Cascaded     []*contracts.Obligation `json:"cascaded,omitempty"`
	Insolvent    []string                `json:"insolvent,omitempty"`
	Materialized []*contracts.Obligation `json:"materialized,omitempty"`
	Skipped      []string                `json:"skipped,omitempty"`
	Failed       []Failure               `json:"failed,omitempty"`
	Passes       int                     `json:"passes"`
	// ArchiveRef is set once the report has been archived.
	ArchiveRef string `json:"archive_ref,omitempty"`
}

// Empty reports whether nothing was settled or defaulted.
func (r *Report) Empty() bool {
	return len(r.Settled) == 0 && len(r.Defaulted) == 0
}

// Coordinator runs sweeps.
type Coordinator struct {
	store     store.Store
	exec      *settlement.Executor
	sched     *schedule.Materializer
	locker    lock.Locker
	lockTTL   time.Duration
	limiter   *rate.Limiter
	obs       *observability.Provider
	workers   int
	maxPasses int
	logger    *slog.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithWorkers bounds the number of lanes settled in parallel.
func WithWorkers(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.workers = n
		}
	}
}

// WithLimiter throttles settlements.
func WithLimiter(l *rate.Limiter) Option {
	return func(c *Coordinator) { c.limiter = l }
}

// WithLocker makes sweeps exclusive across everything sharing the locker.
func WithLocker(l lock.Locker, ttl time.Duration) Option {
	return func(c *Coordinator) {
		c.locker = l
		c.lockTTL = ttl
	}
}

// WithObservability records spans and outcome metrics.
func WithObservability(p *observability.Provider) Option {
	return func(c *Coordinator) { c.obs = p }
}

// WithMaxPasses bounds the catch-up passes of one sweep.
func WithMaxPasses(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.maxPasses = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

func New(s store.Store, exec *settlement.Executor, sched *schedule.Materializer, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:     s,
		exec:      exec,
		sched:     sched,
		lockTTL:   5 * time.Minute,
		workers:   4,
		maxPasses: 32,
		logger:    slog.Default().With("component", "sweep"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run settles every pending obligation due at or before now. Obligations are
// grouped into lanes of shared participants or contracts; a lane is settled
// sequentially in due order, lanes run in parallel. Obligations that become
// due through materialization during the sweep are settled by further passes.
//
// A ConsistencyViolation halts the sweep and is returned together with the
// partial report. Running Run twice for the same now settles nothing new.
func (c *Coordinator) Run(ctx context.Context, now time.Time) (report *Report, err error) {
	if c.locker != nil {
		release, err := c.locker.TryAcquire(ctx, lockName, c.lockTTL)
		if errors.Is(err, lock.ErrHeld) {
			return nil, ErrSweepInProgress
		}
		if err != nil {
			return nil, fmt.Errorf("acquire sweep lock: %w", err)
		}
		defer func() {
			if rerr := release(context.WithoutCancel(ctx)); rerr != nil {
				c.logger.WarnContext(ctx, "release sweep lock", "error", rerr)
			}
		}()
	}
	if c.obs != nil {
		var done func(error)
		ctx, done = c.obs.TrackOperation(ctx, "sweep", attribute.Int("workers", c.workers))
		defer func() { done(err) }()
	}

	report = &Report{Now: now}
	if err := c.reconcile(ctx, now, report); err != nil {
		return report, err
	}

	attempted := make(map[string]bool)
	for {
		due, err := c.store.DueObligations(ctx, now)
		if err != nil {
			return report, fmt.Errorf("list due obligations: %w", err)
		}
		due = slices.DeleteFunc(due, func(o *contracts.Obligation) bool { return attempted[o.ID] })
		if len(due) == 0 {
			break
		}
		if report.Passes == c.maxPasses {
			c.logger.WarnContext(ctx, "sweep stopped at pass limit", "passes", report.Passes, "left", len(due))
			break
		}
		report.Passes++
		if err := c.pass(ctx, now, due, attempted, report); err != nil {
			report.sort()
			return report, err
		}
	}

	report.sort()
	c.logger.InfoContext(ctx, "sweep finished",
		"now", now,
		"passes", report.Passes,
		"settled", len(report.Settled),
		"defaulted", len(report.Defaulted),
		"cascaded", len(report.Cascaded),
		"failed", len(report.Failed),
	)
	return report, nil
}

// reconcile materializes the next obligation of every template of every
// active contract that lacks one, so templates skipped by an earlier failure
// are picked up again.
func (c *Coordinator) reconcile(ctx context.Context, now time.Time, report *Report) error {
	var ids []string
	err := c.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		active, err := tx.ListContracts(ctx, contracts.ContractActive)
		if err != nil {
			return err
		}
		for _, ct := range active {
			ids = append(ids, ct.ID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("list active contracts: %w", err)
	}

	for _, id := range ids {
		var created []*contracts.Obligation
		err := c.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
			ct, err := tx.GetContract(ctx, id)
			if err != nil {
				return err
			}
			before := make(map[string]bool)
			pending, err := tx.ListObligations(ctx, store.ObligationFilter{ContractID: id, Status: contracts.StatusPending})
			if err != nil {
				return err
			}
			for _, o := range pending {
				before[o.ID] = true
			}
			ensured, err := c.sched.EnsureAll(ctx, tx, ct, now)
			var me *contracts.MaterializationError
			if err != nil && !errors.As(err, &me) {
				return err
			}
			for _, o := range ensured {
				if !before[o.ID] {
					created = append(created, o)
				}
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("reconcile contract %s: %w", id, err)
		}
		report.Materialized = append(report.Materialized, created...)
	}
	return nil
}

// pass settles the due obligations lane by lane. A lane stops early when a
// settlement materializes an obligation that is already due and sorts before
// the rest of the lane; the next pass lists it with the remainder, so each
// lane is settled in due order across passes. Obligations handed to the
// executor are added to attempted, as is whatever a failure leaves behind.
func (c *Coordinator) pass(ctx context.Context, now time.Time, due []*contracts.Obligation, attempted map[string]bool, report *Report) error {
	var mu sync.Mutex
	mark := func(list ...*contracts.Obligation) {
		mu.Lock()
		defer mu.Unlock()
		for _, o := range list {
			attempted[o.ID] = true
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)

	for _, lane := range lanes(due) {
		g.Go(func() error {
			var earliest *contracts.Obligation
			for i, o := range lane {
				if earliest != nil && contracts.DueOrder(earliest, o) < 0 {
					return nil
				}
				if err := gctx.Err(); err != nil {
					return err
				}
				if c.limiter != nil {
					if err := c.limiter.Wait(gctx); err != nil {
						return err
					}
				}
				mark(o)
				res, err := c.exec.Settle(gctx, o.ID, now)
				if err != nil {
					if contracts.IsConsistencyViolation(err) || gctx.Err() != nil {
						return err
					}
					c.logger.ErrorContext(gctx, "settlement failed", "obligation_id", o.ID, "error", err)
					// later obligations of this lane must not overtake this one
					mark(lane[i+1:]...)
					mu.Lock()
					report.Failed = append(report.Failed, Failure{ObligationID: o.ID, Error: err.Error()})
					mu.Unlock()
					return nil
				}
				mu.Lock()
				report.add(res)
				mu.Unlock()
				if c.obs != nil {
					c.obs.RecordOutcome(gctx, string(res.Outcome), o.AssetID, res.Obligation.Amount.InexactFloat64())
				}
				if next := res.Next; next != nil && !next.DueAt.After(now) {
					if earliest == nil || contracts.DueOrder(next, earliest) < 0 {
						earliest = next
					}
				}
			}
			return nil
		})
	}
	return g.Wait()
}

func (r *Report) add(res settlement.Result) {
	switch res.Outcome {
	case settlement.OutcomeSettled:
		r.Settled = append(r.Settled, res.Obligation)
	case settlement.OutcomeDefaulted:
		r.Defaulted = append(r.Defaulted, res.Obligation)
	case settlement.OutcomeSkipped:
		r.Skipped = append(r.Skipped, res.Obligation.ID)
	}
	var cascaded []*contracts.Obligation
	if res.Insolvency != nil && !res.Insolvency.AlreadyInsolvent {
		r.Insolvent = append(r.Insolvent, res.Insolvency.ParticipantID)
		cascaded = append(cascaded, res.Insolvency.DefaultedObligations...)
	}
	cascaded = append(cascaded, res.Cascaded...)
	r.Cascaded = append(r.Cascaded, cascaded...)
	r.Defaulted = append(r.Defaulted, cascaded...)
	if res.Next != nil {
		r.Materialized = append(r.Materialized, res.Next)
	}
}

func (r *Report) sort() {
	for _, list := range [][]*contracts.Obligation{r.Settled, r.Defaulted, r.Cascaded, r.Materialized} {
		slices.SortFunc(list, contracts.DueOrder)
	}
	slices.Sort(r.Insolvent)
	slices.Sort(r.Skipped)
	slices.SortFunc(r.Failed, func(a, b Failure) int {
		switch {
		case a.ObligationID < b.ObligationID:
			return -1
		case a.ObligationID > b.ObligationID:
			return 1
		}
		return 0
	})
}
