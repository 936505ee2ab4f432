// Package engine is the entry point to contract scheduling and settlement. It
// wires the store, ledger, materializer, settlement executor, insolvency
// handler and sweep coordinator together and exposes the operations the API
// and the CLI call.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/mattyonweb/tbsm/pkg/archive"
	"github.com/mattyonweb/tbsm/pkg/formula"
	"github.com/mattyonweb/tbsm/pkg/insolvency"
	"github.com/mattyonweb/tbsm/pkg/ledger"
	"github.com/mattyonweb/tbsm/pkg/lock"
	"github.com/mattyonweb/tbsm/pkg/observability"
	"github.com/mattyonweb/tbsm/pkg/schedule"
	"github.com/mattyonweb/tbsm/pkg/settlement"
	"github.com/mattyonweb/tbsm/pkg/store"
	"github.com/mattyonweb/tbsm/pkg/sweep"
)

// Engine runs contracts against one store.
type Engine struct {
	store      store.Store
	ledger     *ledger.Ledger
	formulas   *formula.Evaluator
	schedule   *schedule.Materializer
	insolvency *insolvency.Handler
	exec       *settlement.Executor
	sweeper    *sweep.Coordinator

	archive archive.Store
	obs     *observability.Provider
	newID   func() string
	logger  *slog.Logger
}

type options struct {
	newID     func() string
	logger    *slog.Logger
	archive   archive.Store
	obs       *observability.Provider
	locker    lock.Locker
	lockTTL   time.Duration
	limiter   *rate.Limiter
	workers   int
	maxPasses int
}

// Option configures an Engine.
type Option func(*options)

// WithIDFunc replaces the uuid generator used for every new entity.
func WithIDFunc(f func() string) Option {
	return func(o *options) { o.newID = f }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithArchive stores every non-empty sweep report.
func WithArchive(s archive.Store) Option {
	return func(o *options) { o.archive = s }
}

func WithObservability(p *observability.Provider) Option {
	return func(o *options) { o.obs = p }
}

// WithSweepLock makes sweeps exclusive across processes sharing l.
func WithSweepLock(l lock.Locker, ttl time.Duration) Option {
	return func(o *options) {
		o.locker = l
		o.lockTTL = ttl
	}
}

// WithSettleRate throttles settlements during a sweep.
func WithSettleRate(l *rate.Limiter) Option {
	return func(o *options) { o.limiter = l }
}

func WithSweepWorkers(n int) Option {
	return func(o *options) { o.workers = n }
}

func WithMaxPasses(n int) Option {
	return func(o *options) { o.maxPasses = n }
}

// New builds an engine over s.
func New(s store.Store, opts ...Option) (*Engine, error) {
	o := options{
		newID:  uuid.NewString,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	formulas, err := formula.NewEvaluator()
	if err != nil {
		return nil, err
	}
	sched, err := schedule.New(
		schedule.WithIDFunc(o.newID),
		schedule.WithFormulas(formulas),
		schedule.WithLogger(o.logger.With("component", "schedule")),
	)
	if err != nil {
		return nil, err
	}
	handler := insolvency.New(
		insolvency.WithIDFunc(o.newID),
		insolvency.WithLogger(o.logger.With("component", "insolvency")),
	)
	exec := settlement.New(s, sched,
		settlement.WithIDFunc(o.newID),
		settlement.WithInsolvencyHandler(handler),
		settlement.WithLogger(o.logger.With("component", "settlement")),
	)

	sweepOpts := []sweep.Option{
		sweep.WithWorkers(o.workers),
		sweep.WithMaxPasses(o.maxPasses),
		sweep.WithLogger(o.logger.With("component", "sweep")),
	}
	if o.locker != nil {
		sweepOpts = append(sweepOpts, sweep.WithLocker(o.locker, o.lockTTL))
	}
	if o.limiter != nil {
		sweepOpts = append(sweepOpts, sweep.WithLimiter(o.limiter))
	}
	if o.obs != nil {
		sweepOpts = append(sweepOpts, sweep.WithObservability(o.obs))
	}

	return &Engine{
		store:      s,
		ledger:     ledger.New(),
		formulas:   formulas,
		schedule:   sched,
		insolvency: handler,
		exec:       exec,
		sweeper:    sweep.New(s, exec, sched, sweepOpts...),
		archive:    o.archive,
		obs:        o.obs,
		newID:      o.newID,
		logger:     o.logger.With("component", "engine"),
	}, nil
}

// Store returns the underlying store.
func (e *Engine) Store() store.Store { return e.store }

// RunSweep settles everything due at or before now. A non-empty report is
// archived when an archive is configured; archiving failures are logged and
// do not fail the sweep.
func (e *Engine) RunSweep(ctx context.Context, now time.Time) (*sweep.Report, error) {
	report, err := e.sweeper.Run(ctx, now)
	if report == nil || e.archive == nil || (report.Empty() && err == nil) {
		return report, err
	}
	ref, aerr := archive.PutJSON(ctx, e.archive, report)
	if aerr != nil {
		e.logger.WarnContext(ctx, "archive sweep report", "error", aerr)
		return report, err
	}
	report.ArchiveRef = ref
	e.logger.InfoContext(ctx, "sweep report archived", "ref", ref)
	return report, err
}

// Settle settles a single obligation outside a sweep.
func (e *Engine) Settle(ctx context.Context, obligationID string, now time.Time) (settlement.Result, error) {
	return e.exec.Settle(ctx, obligationID, now)
}

// Waive resolves a pending obligation to waived.
func (e *Engine) Waive(ctx context.Context, obligationID string, at time.Time) error {
	_, err := e.exec.Waive(ctx, obligationID, at)
	return err
}

// DeclareInsolvent marks a participant insolvent and defaults every active
// contract it pays under.
func (e *Engine) DeclareInsolvent(ctx context.Context, participantID string, at time.Time) (res insolvency.Result, err error) {
	ctx, done := e.track(ctx, "declare_insolvent", attribute.String("participant_id", participantID))
	defer func() { done(err) }()

	err = e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		res, err = e.insolvency.DeclareInsolvent(ctx, tx, participantID, at)
		return err
	})
	return res, err
}

func (e *Engine) track(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	if e.obs == nil {
		return ctx, func(error) {}
	}
	return e.obs.TrackOperation(ctx, name, attrs...)
}

// IsNotFound reports whether err means an entity does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
