package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"fleet-orchestrator/internal/app"
	"fleet-orchestrator/internal/config"
	"fleet-orchestrator/internal/logging"
	"fleet-orchestrator/internal/maintenance"
	"fleet-orchestrator/internal/telemetry"
)

func main() {
	cfg := config.Load()
	log := logging.New(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stack, err := app.Open(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("startup failed")
	}
	defer stack.Close()

	tasks := maintenance.DefaultTasks(cfg, stack.Orch.Retry(), stack.Orch.Queue(), stack.Metrics, log.WithField("component", "maintenance"))
	sched, err := maintenance.New(log.WithField("component", "maintenance"), tasks...)
	if err != nil {
		log.WithError(err).Fatal("maintenance schedule")
	}

	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler()}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Warn("metrics server stopped")
		}
	}()
	defer metricsServer.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return stack.Monitor.Run(gctx) })
	g.Go(func() error { return sched.Run(gctx) })
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Error("monitor stopped")
	}
}
