package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mattyonweb/tbsm/pkg/api"
)

type serveFlags struct {
	addr      string
	every     time.Duration
	clientRPS float64
}

func serveCmd(g *globalFlags) *cobra.Command {
	var f serveFlags
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API, optionally sweeping on an interval",
		Long: `Start the HTTP API.

Examples:
  tbsm serve
  tbsm serve --addr :9090 --sweep-every 1m`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return withApp(ctx, g, cmd.ErrOrStderr(), func(a *app) error {
				return serve(ctx, a, f)
			})
		},
	}
	cmd.Flags().StringVar(&f.addr, "addr", "", "listen address, defaults to :$PORT")
	cmd.Flags().DurationVar(&f.every, "sweep-every", 0, "run a sweep on this interval, 0 disables")
	cmd.Flags().Float64Var(&f.clientRPS, "client-rps", 0, "per-client request rate limit, 0 disables")
	return cmd
}

func serve(ctx context.Context, a *app, f serveFlags) error {
	addr := f.addr
	if addr == "" {
		addr = net.JoinHostPort("", a.cfg.Port)
	}

	opts := []api.Option{api.WithLogger(a.logger.With("component", "api"))}
	if f.clientRPS > 0 {
		cl := api.NewClientLimiter(f.clientRPS, max(1, int(f.clientRPS)))
		go cl.Run(ctx)
		opts = append(opts, api.WithClientLimiter(cl))
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           api.NewServer(a.engine, opts...).Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	if f.every > 0 {
		go sweepLoop(ctx, a, f.every)
	}

	errc := make(chan error, 1)
	go func() {
		a.logger.InfoContext(ctx, "listening", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	a.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// sweepLoop sweeps at every tick until ctx is done. Failures are logged; the
// next tick retries.
func sweepLoop(ctx context.Context, a *app, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			report, err := a.engine.RunSweep(ctx, now.UTC())
			if err != nil {
				a.logger.ErrorContext(ctx, "scheduled sweep failed", "error", err)
				continue
			}
			if !report.Empty() {
				a.logger.InfoContext(ctx, "scheduled sweep",
					"settled", len(report.Settled),
					"defaulted", len(report.Defaulted),
					"passes", report.Passes,
				)
			}
		}
	}
}
