package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"fleet-orchestrator/internal/app"
	"fleet-orchestrator/internal/config"
	"fleet-orchestrator/internal/logging"
	"fleet-orchestrator/internal/telemetry"
	"fleet-orchestrator/internal/worker"
)

func main() {
	cfg := config.Load()
	log := logging.New(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.OperationsBaseURL == "" {
		log.Fatal("OPERATIONS_BASE_URL is required")
	}

	stack, err := app.Open(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("startup failed")
	}
	defer stack.Close()

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	reg := worker.NewRegistry()
	worker.RegisterForwarding(reg, worker.NewForwardHandler(cfg.OperationsBaseURL, cfg.VisibilityTimeout))
	processor := worker.NewProcessorWithID(cfg, stack.Orch, reg, log, workerID)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.WithError(err).Warn("metrics server stopped")
		}
	}()

	log.WithFields(logrus.Fields{
		"visibility":   cfg.VisibilityTimeout.String(),
		"backoff_base": cfg.BackoffBase.String(),
		"operations":   len(reg.Operations()),
	}).Info("worker starting")
	if err := processor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Error("worker stopped")
	}
}
