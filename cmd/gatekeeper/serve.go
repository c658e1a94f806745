// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/holomush/gatekeeper/internal/auth"
	"github.com/holomush/gatekeeper/internal/config"
	"github.com/holomush/gatekeeper/internal/pool"
	"github.com/holomush/gatekeeper/internal/query"
	"github.com/holomush/gatekeeper/pkg/errutil"
)

// shutdownTimeout bounds how long servers get to stop.
const shutdownTimeout = 5 * time.Second

func newServeCmd(deps *Deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gatekeeper process",
		Long: `Run the long-lived gatekeeper process: connection pool maintenance,
revocation and login-attempt pruning, and the metrics/health endpoint.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cmd, cfg, deps)
		},
	}

	cmd.Flags().String("metrics-addr", "", "metrics/health HTTP address (empty = disabled)")
	config.BindFlag(cmd.Flags(), "metrics-addr", "metrics.addr")

	return cmd
}

// runServe runs until ctx is done or the observability server fails.
func runServe(ctx context.Context, cmd *cobra.Command, cfg *config.Config, deps *Deps) error {
	a, err := newApp(cfg, deps)
	if err != nil {
		return err
	}
	defer a.Close()

	a.logger.Info("starting gatekeeper",
		"version", version,
		"revocation_backend", cfg.Revocation.Backend,
		"max_pool_size", cfg.Database.MaxSize,
	)

	if err := a.pool.Ping(ctx); err != nil {
		return oops.Code("DB_CONNECT_FAILED").With("operation", "ping database").Wrap(err)
	}
	a.logger.Info("connected to database")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var obsServer ObservabilityServer
	if cfg.Metrics.Addr != "" {
		obsServer = deps.ObservabilityServerFactory(cfg.Metrics.Addr, a.pool.Ping, a.logger)
		reg := obsServer.Registry()
		auth.RegisterMetrics(reg)
		query.RegisterMetrics(reg)
		reg.MustRegister(pool.NewCollector(a.pool))

		obsErrChan, err := obsServer.Start()
		if err != nil {
			return oops.Code("OBSERVABILITY_START_FAILED").With("addr", cfg.Metrics.Addr).Wrap(err)
		}
		go monitorServerErrors(ctx, cancel, obsErrChan, "observability", a.logger)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.pool.Run(gctx)
		return nil
	})
	g.Go(func() error {
		a.limiter.Run(gctx, cfg.Login.PruneInterval)
		return nil
	})
	g.Go(func() error {
		auth.RunRevocationPruner(gctx, a.revocations, cfg.Revocation.PruneInterval, a.logger)
		return nil
	})

	cmd.Println("Gatekeeper started")
	a.logger.Info("gatekeeper ready")

	<-ctx.Done()
	a.logger.Info("shutting down...")

	if obsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if err := obsServer.Stop(shutdownCtx); err != nil {
			errutil.LogError(a.logger, "error stopping observability server", err)
		}
	}

	_ = g.Wait()
	a.logger.Info("shutdown complete")
	return nil
}

// monitorServerErrors cancels the process context when a server reports an
// error. It exits when an error arrives, the channel closes or ctx is done.
func monitorServerErrors(ctx context.Context, cancel context.CancelFunc, errCh <-chan error, serverName string, logger *slog.Logger) {
	select {
	case err, ok := <-errCh:
		if !ok {
			return
		}
		if err != nil {
			logger.Error("server error, triggering shutdown",
				"server", serverName,
				"error", err,
			)
			cancel()
		}
	case <-ctx.Done():
	}
}
