package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/netsentry/netsentry/internal/alert"
	"github.com/netsentry/netsentry/internal/api"
	"github.com/netsentry/netsentry/internal/behavior"
	"github.com/netsentry/netsentry/internal/broadcast"
	"github.com/netsentry/netsentry/internal/config"
	"github.com/netsentry/netsentry/internal/detect"
	"github.com/netsentry/netsentry/internal/firewall"
	"github.com/netsentry/netsentry/internal/ingest"
	"github.com/netsentry/netsentry/internal/metrics"
	"github.com/netsentry/netsentry/internal/reputation"
	"github.com/netsentry/netsentry/internal/signature"
	"github.com/netsentry/netsentry/internal/vault"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	logger.Info("Starting NetSentry Detection Service")

	cfg := config.FromEnv()
	logger.Info("Configuration loaded",
		"http_addr", cfg.HTTPAddr,
		"nats_url", cfg.NATSURL,
		"signatures_dir", cfg.SignaturesDir,
		"data_dir", cfg.DataDir,
		"flood_threshold", cfg.FloodThreshold,
		"alert_history_cap", cfg.AlertHistoryCap,
		"risk_alert_threshold", cfg.RiskAlertThreshold)

	if cfg.UsingDefaultSecret() {
		logger.Warn("Vault is running on built-in credentials, set NETSENTRY_VAULT_SECRET and NETSENTRY_VAULT_SALT in production")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	nc, err := nats.Connect(cfg.NATSURL)
	if err != nil {
		logger.Error("Failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer nc.Close()
	logger.Info("Connected to NATS")

	prometheusMetrics := metrics.NewMetrics()
	prometheusMetrics.SetNatsConnected(true)

	store, err := vault.NewStore(cfg.DataDir, cfg.VaultSecret, cfg.VaultSalt, logger)
	if err != nil {
		logger.Error("Failed to initialize vault", "error", err)
		os.Exit(1)
	}

	firewallManager := firewall.NewManager(store, firewall.NopEnforcer{}, prometheusMetrics, logger)
	if !firewallManager.VerifyIntegrity() {
		logger.Warn("Firewall records failed integrity verification")
	}

	signatureEngine := signature.NewEngine(cfg.SignaturesDir, logger)
	if err := signatureEngine.Reload(); err != nil {
		logger.Warn("Failed to load signature overrides, continuing with built-ins", "error", err)
	}
	prometheusMetrics.SignaturesLoaded.Set(float64(len(signatureEngine.Signatures())))

	behaviorAnalyzer := behavior.NewAnalyzer(cfg.FloodThreshold)
	reputationEngine := reputation.NewEngine(logger)

	detector := detect.NewDetector(signatureEngine, behaviorAnalyzer, reputationEngine, cfg.RiskAlertThreshold, prometheusMetrics, logger)

	broadcaster := broadcast.NewBroadcaster(prometheusMetrics, logger)
	broadcaster.Attach(broadcast.NewNATSSink(nc, logger))

	alertManager := alert.NewManager(cfg.AlertHistoryCap, firewallManager, broadcaster, prometheusMetrics, logger)
	detector.SetAlerter(alertManager)

	subscriber := ingest.NewSubscriber(nc, detector, behaviorAnalyzer, reputationEngine, "netsentry", broadcaster, prometheusMetrics, logger)
	go func() {
		logger.Info("Starting traffic subscriber")
		if err := subscriber.Subscribe(ctx); err != nil {
			logger.Error("Traffic subscriber error", "error", err)
		}
	}()

	httpAPI := api.NewHTTPAPI(detector, alertManager, firewallManager, reputationEngine, signatureEngine, prometheusMetrics, nc)
	mux := http.NewServeMux()
	httpAPI.SetupRoutes(mux)

	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: mux,
	}

	go func() {
		logger.Info("Starting HTTP server", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("NetSentry service started successfully")
	<-sigChan

	logger.Info("Shutting down NetSentry service...")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	logger.Info("NetSentry service stopped")
}
