package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Guizzs26/go-offline-sync/internal/broker"
	"github.com/Guizzs26/go-offline-sync/internal/cli"
	"github.com/Guizzs26/go-offline-sync/internal/config"
	"github.com/Guizzs26/go-offline-sync/internal/db"
	"github.com/Guizzs26/go-offline-sync/internal/service"
	"github.com/Guizzs26/go-offline-sync/internal/transport"
	"github.com/Guizzs26/go-offline-sync/pkg/infra"
	"github.com/Guizzs26/go-offline-sync/pkg/metrics"
)

func main() {
	cfg := config.Load()
	logger := infra.SetupLogger(cfg)
	slog.SetDefault(logger)
	defer infra.CloseLogger()

	// Graceful Shutdown Context
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("🔥 Sync daemon initializing...",
		"device_id", cfg.DeviceID,
		"server_url", cfg.ServerURL,
	)

	st, err := db.OpenSQLite(cfg.DeviceDBPath, logger)
	if err != nil {
		logger.Error("CRITICAL: device database unavailable", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	tr := transport.New(cfg.ServerURL, logger,
		transport.WithDeviceID(cfg.DeviceID),
		transport.WithAuthToken(cfg.AuthToken),
	)
	manager := service.NewManager(st, tr, logger, cli.ManagerOptions(cfg)...)

	if err := manager.Restore(ctx); err != nil {
		logger.Error("CRITICAL: could not restore tenants", "error", err)
		os.Exit(1)
	}
	for _, tenantID := range cfg.Tenants {
		if _, err := manager.Login(ctx, tenantID); err != nil {
			logger.Error("CRITICAL: could not log tenant in", "tenant_id", tenantID, "error", err)
			os.Exit(1)
		}
	}
	logger.Info("Tenants registered", "tenants", manager.Tenants())

	go startObservabilityServer(cfg.MetricsPort, logger)

	janitorDone := make(chan struct{})
	go runMaintenance(ctx, manager, cfg, janitorDone)

	if cfg.RabbitMQURL != "" {
		go runChangeListener(ctx, manager, cfg, logger)
	} else {
		logger.Warn("RABBITMQ_URL not set, relying on the periodic sync only")
	}

	if err := manager.Run(ctx); err != nil {
		logger.Error("Sync loop stopped", "error", err)
	}
	<-janitorDone
	logger.Info("✅ Shutdown complete")
}

// runChangeListener keeps a change listener connected, reconnecting with backoff
func runChangeListener(ctx context.Context, manager *service.Manager, cfg *config.Config, logger *slog.Logger) {
	connBackoff := infra.NewBackoff(1*time.Second, 60*time.Second, 2.0)
	connected := false

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		listener, err := broker.NewChangeListener(cfg.RabbitMQURL, cfg.DeviceID, manager.Tenants(), manager, logger)
		if err != nil {
			wait := connBackoff.Next()
			logger.Error("RabbitMQ connection failed, retrying...",
				"wait_duration", wait,
				"error", err,
			)

			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
				continue
			}
		}

		if connected {
			metrics.BrokerReconnections.Inc()
		}
		connected = true
		connBackoff.Reset()
		logger.Info("✅ Connected to Broker. Listening for change notices...")

		if err := listener.Listen(ctx); err != nil {
			logger.Error("⚠️ Change listener connection lost", "error", err)
		}
		listener.Close()
	}
}

func runMaintenance(ctx context.Context, manager *service.Manager, cfg *config.Config, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(cfg.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := manager.Purge(ctx, cfg.Retention); err != nil {
				slog.Error("Janitor: purge failed", "error", err)
			}
		case <-ctx.Done():
			slog.Info("🛑 Janitor: Stopping maintenance goroutine")
			return
		}
	}
}

func startObservabilityServer(port string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("SYNC DAEMON ALIVE"))
	})

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	logger.Info("📊 Observability server online", "url", "http://localhost:"+port+"/metrics")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("Observability server failed", "error", err)
	}
}
