package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/time/rate"

	"github.com/mattyonweb/tbsm/pkg/archive"
	"github.com/mattyonweb/tbsm/pkg/config"
	"github.com/mattyonweb/tbsm/pkg/engine"
	"github.com/mattyonweb/tbsm/pkg/lock"
	"github.com/mattyonweb/tbsm/pkg/observability"
	"github.com/mattyonweb/tbsm/pkg/store"
)

// app is an engine together with everything it holds open.
type app struct {
	cfg    *config.Config
	engine *engine.Engine
	store  store.Store
	logger *slog.Logger
	close  []func(context.Context) error
}

func loadConfig(g *globalFlags) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if g.configPath != "" {
		cfg, err = config.LoadFile(g.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if g.logLevel != "" {
		cfg.LogLevel = g.logLevel
	}
	return cfg, nil
}

func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.DBDriver {
	case "memory":
		return store.NewMemoryStore(), nil
	case "postgres":
		return store.OpenPostgres(ctx, cfg.DatabaseURL)
	case "sqlite":
		if dir := filepath.Dir(cfg.SQLitePath); dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("create sqlite dir: %w", err)
			}
		}
		return store.OpenSQLite(ctx, cfg.SQLitePath)
	}
	return nil, fmt.Errorf("unknown db driver %q", cfg.DBDriver)
}

// openApp wires the engine from configuration. Logs go to stderr so that
// command output on stdout stays machine readable.
func openApp(ctx context.Context, g *globalFlags, stderr io.Writer) (*app, error) {
	cfg, err := loadConfig(g)
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg, stderr)
	slog.SetDefault(logger)

	a := &app{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			_ = a.Close(ctx)
		}
	}()

	s, err := openStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.store = s
	a.close = append(a.close, func(context.Context) error { return s.Close() })

	opts := []engine.Option{
		engine.WithLogger(logger),
		engine.WithSweepWorkers(cfg.SweepWorkers),
		engine.WithMaxPasses(cfg.MaxPasses),
	}

	if cfg.RedisAddr != "" {
		rl, err := lock.DialRedis(ctx, cfg.RedisAddr, os.Getenv("REDIS_PASSWORD"), 0)
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		a.close = append(a.close, func(context.Context) error { return rl.Close() })
		opts = append(opts, engine.WithSweepLock(rl, cfg.LockTTL))
	} else {
		opts = append(opts, engine.WithSweepLock(lock.NewLocal(), cfg.LockTTL))
	}

	if cfg.SettleRate > 0 {
		burst := max(1, int(cfg.SettleRate))
		opts = append(opts, engine.WithSettleRate(rate.NewLimiter(rate.Limit(cfg.SettleRate), burst)))
	}

	arch, err := archive.Open(ctx, archive.Config{
		Type:     archive.Type(cfg.Archive.Type),
		Dir:      cfg.Archive.Dir,
		Bucket:   cfg.Archive.Bucket,
		Region:   cfg.Archive.Region,
		Endpoint: cfg.Archive.Endpoint,
		Prefix:   cfg.Archive.Prefix,
	})
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	if arch != nil {
		if c, ok := arch.(io.Closer); ok {
			a.close = append(a.close, func(context.Context) error { return c.Close() })
		}
		opts = append(opts, engine.WithArchive(arch))
	}

	obsCfg := observability.DefaultConfig()
	obsCfg.Enabled = cfg.OTelEnabled
	obsCfg.OTLPEndpoint = cfg.OTelEndpoint
	obsCfg.ServiceVersion = Version
	obs, err := observability.New(ctx, obsCfg)
	if err != nil {
		return nil, fmt.Errorf("init observability: %w", err)
	}
	a.close = append(a.close, obs.Shutdown)
	opts = append(opts, engine.WithObservability(obs))

	e, err := engine.New(s, opts...)
	if err != nil {
		return nil, err
	}
	a.engine = e
	ok = true
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.close) - 1; i >= 0; i-- {
		if err := a.close[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.close = nil
	return errors.Join(errs...)
}

// withApp opens the app for the duration of fn.
func withApp(ctx context.Context, g *globalFlags, stderr io.Writer, fn func(*app) error) (err error) {
	a, err := openApp(ctx, g, stderr)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(context.WithoutCancel(ctx)); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(a)
}
