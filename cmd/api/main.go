package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fleet-orchestrator/internal/alert"
	"fleet-orchestrator/internal/api"
	"fleet-orchestrator/internal/app"
	"fleet-orchestrator/internal/config"
	"fleet-orchestrator/internal/logging"
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

	deps := stack.APIDeps(ctx)
	hub := alert.NewHub(log.WithField("component", "hub"))
	defer hub.Close()
	go func() {
		if err := hub.Relay(ctx, stack.Redis, cfg.KeyPrefix); err != nil {
			log.WithError(err).Error("alert relay stopped")
		}
	}()
	deps.AlertHub = hub

	server := api.New(cfg, stack.Orch, deps)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.WithField("port", cfg.HTTPPort).Info("api listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("listen")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
