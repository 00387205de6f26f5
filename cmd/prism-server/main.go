package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"prism/internal/cache"
	"prism/internal/config"
	"prism/internal/conversation"
	"prism/internal/logging"
	"prism/internal/observability"
	"prism/internal/orchestrator"
	"prism/internal/policy"
	"prism/internal/provider"
	"prism/internal/quantum"
	"prism/internal/routing"
	serverhttp "prism/internal/server/http"
)

const (
	healthSweepInterval  = 30 * time.Second
	healthCheckTimeout   = 5 * time.Second
	sessionSweepInterval = 5 * time.Minute
	shutdownTimeout      = 10 * time.Second
)

func main() {
	configPath := flag.String("config", "", "path to a prism config file (defaults to ./prism.yaml)")
	flag.Parse()

	logger := logging.NewComponentLogger("main")
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "prism-server: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("%v", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger logging.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	telemetry, err := observability.NewMetricsCollector(cfg.Observability, reg)
	if err != nil {
		return err
	}
	tracer, err := observability.NewTracerProvider(cfg.Observability)
	if err != nil {
		return err
	}

	manifest := routing.DefaultManifest()
	if cfg.Router.ManifestPath != "" {
		manifest, err = routing.LoadManifest(cfg.Router.ManifestPath)
		if err != nil {
			return err
		}
		logger.Info("model manifest loaded from %s", cfg.Router.ManifestPath)
	}

	router := routing.NewRouter(manifest, routing.Config{
		HistorySize:            cfg.Router.HistorySize,
		CostWeight:             cfg.Router.CostWeight,
		LatencyWeight:          cfg.Router.LatencyWeight,
		AgentOverrideThreshold: cfg.Router.AgentOverrideThreshold,
		DefaultPersona:         cfg.Router.DefaultPersona,
	})
	agent, err := policy.NewAgent(cfg.DQN, policy.WithAgentLogger(logging.NewComponentLogger("policy")))
	if err != nil {
		return err
	}

	registry := provider.BuildRegistry(cfg.Providers, manifest,
		logging.NewComponentLogger("provider"), provider.WithCallRecorder(telemetry))
	executor := quantum.NewExecutor(cfg.Quantum, registry,
		quantum.WithLogger(logging.NewComponentLogger("quantum")))
	conversations := conversation.NewManager(cfg.Context.MaxTokens, cfg.Context.SessionTimeout(),
		conversation.WithLogger(logging.NewComponentLogger("conversation")))

	results := cache.NewResultCache(cfg.Cache.Enabled, cfg.Cache.MaxEntries, cfg.Cache.ResultTTL())
	decisions := cache.NewDecisionCache(cfg.Cache.Enabled, cfg.Cache.MaxEntries, cfg.Cache.DecisionTTL())
	caches := cache.NewRegistry()
	results.Register(caches)
	decisions.Register(caches)

	metrics := orchestrator.MustNewMetrics(reg)
	reg.MustRegister(observability.NewStatsCollector(caches, conversations, executor, agent))

	coord, err := orchestrator.NewCoordinator(orchestrator.Deps{
		Config:        *cfg,
		Router:        router,
		Agent:         agent,
		Providers:     registry,
		Executor:      executor,
		Conversations: conversations,
		Results:       results,
		Decisions:     decisions,
		Metrics:       metrics,
		Logger:        logging.NewComponentLogger("orchestrator"),
	})
	if err != nil {
		return err
	}

	srv, err := serverhttp.NewServer(cfg.Server, serverhttp.Deps{
		Coordinator:   coord,
		Router:        router,
		Providers:     registry,
		Caches:        caches,
		Conversations: conversations,
		Executor:      executor,
		Agent:         agent,
		Gatherer:      reg,
		Telemetry:     telemetry,
		Tracer:        tracer,
		Logger:        logging.NewComponentLogger("http"),
	})
	if err != nil {
		return err
	}

	go sweepSessions(ctx, conversations, logger)
	go sweepHealth(ctx, registry, router, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()
	logger.Info("prism server listening on %s (providers: %v)", cfg.Server.Addr(), registry.Providers())

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown: %v", err)
	}
	if cfg.DQN.CheckpointPath != "" {
		if err := agent.Save(cfg.DQN.CheckpointPath); err != nil {
			logger.Warn("policy checkpoint not saved: %v", err)
		} else {
			logger.Info("policy checkpoint saved to %s", cfg.DQN.CheckpointPath)
		}
	}
	if err := telemetry.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics shutdown: %v", err)
	}
	if err := tracer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("tracer shutdown: %v", err)
	}
	logger.Info("server stopped")
	return nil
}

// sweepSessions evicts idle conversations on a fixed cadence.
func sweepSessions(ctx context.Context, conversations *conversation.Manager, logger logging.Logger) {
	ticker := time.NewTicker(sessionSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := conversations.CleanupExpired(); n > 0 {
				logger.Info("expired %d idle conversations", n)
			}
		}
	}
}

// sweepHealth probes every registered provider and feeds the result to the
// router, which drops unhealthy providers from eligibility until they recover.
func sweepHealth(ctx context.Context, registry *provider.StaticRegistry, router *routing.Router, logger logging.Logger) {
	probe := func() {
		for _, name := range registry.Providers() {
			probeCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
			err := registry.HealthCheck(probeCtx, name)
			cancel()
			healthy := err == nil
			router.SetProviderHealth(name, healthy)
			if !healthy {
				logger.Warn("provider %s failed health probe: %v", name, err)
			}
		}
	}
	probe()
	ticker := time.NewTicker(healthSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			probe()
		}
	}
}
