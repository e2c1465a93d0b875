package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/defi-threat-sentinel/internal/authz"
	"github.com/invisible-tech/defi-threat-sentinel/internal/config"
	"github.com/invisible-tech/defi-threat-sentinel/internal/execution"
	"github.com/invisible-tech/defi-threat-sentinel/internal/execution/kv"
	"github.com/invisible-tech/defi-threat-sentinel/internal/judgment"
	"github.com/invisible-tech/defi-threat-sentinel/internal/registry"
	"github.com/invisible-tech/defi-threat-sentinel/internal/sentinel"
	"github.com/invisible-tech/defi-threat-sentinel/internal/server"
	"github.com/invisible-tech/defi-threat-sentinel/internal/version"
	"github.com/invisible-tech/defi-threat-sentinel/pkg/relay"
	"github.com/invisible-tech/defi-threat-sentinel/pkg/telemetry"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	cfg := config.DefaultSentinelConfig()
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	if err := cfg.Validate(); err != nil {
		log.WithError(err).Fatal("Invalid configuration")
	}
	log.WithField("version", version.String()).Info("Starting DeFi threat sentinel")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := openStore(cfg)
	if err != nil {
		log.WithError(err).Fatal("Failed to open state store")
	}
	defer store.Close()

	policy := ""
	if cfg.PolicyFile != "" {
		b, err := os.ReadFile(cfg.PolicyFile)
		if err != nil {
			log.WithError(err).Fatal("Failed to read authorization policy")
		}
		policy = string(b)
	}
	az, err := authz.New(ctx, policy, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to load authorization policy")
	}

	var execOpts []execution.Option
	var relayNotifier *sentinel.RelayNotifier
	if cfg.RelayEnabled {
		rc := relay.NewClient(relay.Config{
			Endpoint:     cfg.RelayEndpoint,
			APIKey:       cfg.RelayAPIKey,
			Timeout:      cfg.RelayTimeout,
			Destinations: cfg.RelayDestinations,
		}, log)
		if err := rc.HealthCheck(ctx); err != nil {
			log.WithError(err).Warn("Relay health check failed")
		}
		relayNotifier = sentinel.NewRelayNotifier(rc, cfg.RelayTimeout, log)
		execOpts = append(execOpts, execution.WithNotifier(relayNotifier))
	}

	exec := execution.NewExecutor(execution.Config{
		ConfidenceThresholdBps: cfg.ConfidenceThresholdBps,
		EpochDuration:          cfg.EpochDuration,
		ActionBudgetPerEpoch:   cfg.ActionBudgetPerEpoch,
	}, store, az, log, execOpts...)

	applyRegistry := func(snap *registry.Snapshot) {
		exec.SyncRegistry(snap)
		az.SetRoles(snap.Guardians, snap.Operators)
		log.WithFields(logrus.Fields{
			"agents":    len(snap.ActiveAgents()),
			"protocols": len(snap.ActiveProtocols()),
			"digest":    snap.Digest,
		}).Info("Registry applied")
	}
	watcher, err := registry.NewWatcher(cfg.RegistryPath, log, applyRegistry)
	if err != nil {
		log.WithError(err).Fatal("Failed to load registry")
	}
	applyRegistry(watcher.Current())
	go watcher.Start(ctx)

	evaluators := make([]sentinel.Assessor, 0, cfg.Evaluators)
	for i := 0; i < cfg.Evaluators; i++ {
		a, err := judgment.NewAdapter(judgment.Config{
			Primary:    providerConfig("primary", cfg.JudgmentPrimary, cfg),
			Secondary:  providerConfig("secondary", cfg.JudgmentSecondary, cfg),
			MaxRetries: cfg.JudgmentMaxRetries,
		}, log)
		if err != nil {
			log.WithError(err).Fatal("Failed to create judgment adapter")
		}
		evaluators = append(evaluators, a)
	}

	tc := telemetry.NewClient(telemetry.Config{
		Endpoint:    cfg.TelemetryEndpoint,
		APIKey:      cfg.TelemetryAPIKey,
		Timeout:     cfg.TelemetryTimeout,
		MaxAttempts: cfg.TelemetryMaxAttempts,
	}, log)
	if err := tc.HealthCheck(ctx); err != nil {
		log.WithError(err).Warn("Telemetry health check failed")
	}

	svc := sentinel.New(sentinel.Config{
		AgentID:   cfg.AgentID,
		Interval:  cfg.CycleInterval,
		Retention: cfg.CycleRetention,
	}, log, tc, evaluators, exec, watcher)
	go svc.Start(ctx)

	srv := server.New(cfg, svc, exec, log)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("Sentinel server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info("Shutting down sentinel")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	if relayNotifier != nil {
		relayNotifier.Wait()
	}
}

func openStore(cfg config.SentinelConfig) (execution.Store, error) {
	if cfg.DataDir == "" {
		return execution.NewMemoryStore(), nil
	}
	return kv.NewKVStore(cfg.DataDir)
}

func providerConfig(name string, p config.ProviderConfig, cfg config.SentinelConfig) judgment.ProviderConfig {
	return judgment.ProviderConfig{
		Name:     name,
		Endpoint: p.Endpoint,
		APIKey:   p.APIKey,
		Model:    p.Model,
		Timeout:  cfg.JudgmentTimeout,
	}
}
