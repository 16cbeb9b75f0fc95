package main

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/joao-brasil/txpool/internal/health"
	"github.com/joao-brasil/txpool/internal/pool"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the pools, recover in-doubt branches and serve health and metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context())
		},
	}
}

func serve(ctx context.Context) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()
	log := a.log

	log.Info("starting txpoold",
		zap.String("server-id", a.cfg.Server.ID),
		zap.Int("pools", len(a.cfg.Pools)))
	for _, pc := range a.cfg.Pools {
		log.Info("pool configured",
			zap.String("pool", pc.Name),
			zap.String("driver", pc.DataSource.Driver),
			zap.String("addr", pc.DataSource.Addr()),
			zap.Int("max-connections", pc.Pool.MaxConnections))
	}

	// ─── Pools ─────────────────────────────────────────────────────────
	specs, err := a.poolOptions()
	if err != nil {
		return err
	}
	pools, err := pool.NewManager(ctx, a.tm, specs)
	if err != nil {
		return fmt.Errorf("initializing pools: %w", err)
	}
	defer func() {
		log.Info("closing pools")
		if err := pools.Close(); err != nil {
			log.Warn("pool close error", zap.Error(err))
		}
	}()

	// ─── Health, stats and metrics ────────────────────────────────────
	checker := health.NewChecker(a.cfg.Server.ID, a.xalog, pools)
	addr := net.JoinHostPort(a.cfg.Server.ListenAddr, strconv.Itoa(a.cfg.Server.ListenPort))
	server := checker.Serve(addr)

	report := checker.Check(ctx)
	for _, comp := range report.Components {
		log.Info("initial health check",
			zap.String("component", comp.Name),
			zap.String("status", string(comp.Status)),
			zap.String("message", comp.Message),
			zap.String("latency", comp.Latency))
	}

	// ─── Graceful shutdown ─────────────────────────────────────────────
	log.Info("txpoold ready, waiting for shutdown signal")
	<-ctx.Done()
	log.Info("shutting down", zap.Duration("timeout", a.cfg.Server.ShutdownTimeout))

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP server shutdown error", zap.Error(err))
	}
	log.Info("shutdown complete")
	return nil
}
