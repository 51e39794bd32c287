package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Guizzs26/go-offline-sync/internal/broker"
	"github.com/Guizzs26/go-offline-sync/internal/config"
	"github.com/Guizzs26/go-offline-sync/internal/db"
	"github.com/Guizzs26/go-offline-sync/internal/server"
	"github.com/Guizzs26/go-offline-sync/pkg/infra"
)

const publisherDialAttempts = 5

func main() {
	cfg := config.Load()
	logger := infra.SetupLogger(cfg)
	slog.SetDefault(logger)
	defer infra.CloseLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var st server.Store
	if cfg.DatabaseURL != "" {
		pg, err := db.NewPostgresStore(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			logger.Error("Fatal error connecting to Postgres", "error", err)
			os.Exit(1)
		}
		defer pg.Close()
		st = pg
	} else {
		logger.Warn("DATABASE_URL not set, serving from an in-memory store")
		st = server.NewMemoryStore()
	}

	var opts []server.Option
	if cfg.RabbitMQURL != "" {
		if pub := connectPublisher(ctx, cfg.RabbitMQURL, logger); pub != nil {
			defer pub.Close()
			opts = append(opts, server.WithPublisher(pub))
		}
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.New(st, logger, opts...).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		slog.Info("👋 Shutting down sync server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Graceful shutdown failed", "error", err)
		}
	}()

	slog.Info("🚀 Sync server started", "addr", cfg.ListenAddr, "pid", os.Getpid())
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Sync server failed", "error", err)
		os.Exit(1)
	}
	slog.Info("✅ Shutdown complete")
}

// connectPublisher dials the broker with backoff. Change notices are an
// optimization, so the server starts without them when the broker stays down.
func connectPublisher(ctx context.Context, url string, logger *slog.Logger) *broker.Publisher {
	backoff := infra.NewBackoff(1*time.Second, 15*time.Second, 2.0)
	for {
		pub, err := broker.NewPublisher(url, logger)
		if err == nil {
			return pub
		}
		if backoff.Attempts() >= publisherDialAttempts {
			logger.Error("RabbitMQ unreachable, change notices disabled", "error", err)
			return nil
		}
		wait := backoff.Next()
		logger.Error("RabbitMQ link failure, retrying", "wait", wait, "error", err)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil
		}
	}
}
