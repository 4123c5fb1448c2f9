// The supervisor service: the customer-facing front door that classifies
// each turn, serves cache hits, and dispatches everything else to a
// specialist agent over A2A.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/finvault/fabric/pkg/a2a"
	"github.com/finvault/fabric/pkg/cache"
	"github.com/finvault/fabric/pkg/config"
	"github.com/finvault/fabric/pkg/llm"
	"github.com/finvault/fabric/pkg/logger"
	"github.com/finvault/fabric/pkg/observability"
	"github.com/finvault/fabric/pkg/registry"
	"github.com/finvault/fabric/pkg/supervisor"
	"github.com/finvault/fabric/pkg/telemetry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "supervisor:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	level, err := logger.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	logger.Init(level, os.Stderr, cfg.Logging.Format)
	log := logger.GetLogger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracer, err := observability.NewTracer(ctx, &cfg.Tracing)
	if err != nil {
		return err
	}
	defer tracer.Shutdown(context.Background())

	metrics, err := observability.NewMetrics()
	if err != nil {
		return err
	}
	defer metrics.Shutdown(context.Background())

	sink, err := telemetry.NewFileSink(cfg.Telemetry.Dir)
	if err != nil {
		return err
	}
	defer sink.Close()

	cacheManager, err := cache.NewManager(cfg.Cache.CacheDir, cfg.Cache.TTL())
	if err != nil {
		return err
	}
	go cacheManager.RunCleanup(ctx, cfg.Cache.CleanupAge(), cfg.Cache.CleanupAge())

	chatClient := llm.NewClient(llm.Config{
		BaseURL: cfg.LLM.Endpoint,
		APIKey:  cfg.LLM.APIKey,
		Model:   cfg.LLM.MiniDeployment,
		Timeout: time.Duration(cfg.LLM.TimeoutSeconds) * time.Second,
	})
	classifier := llm.NewClassifier(chatClient)
	formatter := llm.NewFormatter(chatClient)

	registryClient := registry.NewClient(cfg.Supervisor.RegistryURL)
	var discoverer a2a.Discoverer = registry.NewDiscoverer(registryClient)
	if cfg.Supervisor.EnableA2APerAgent && len(cfg.Supervisor.AgentA2AURLs) > 0 {
		discoverer = &a2a.StaticEndpoints{
			Endpoints: cfg.Supervisor.AgentA2AURLs,
			Fallback:  discoverer,
		}
	}

	a2aClient := a2a.NewClient(
		a2a.AgentIdentifier{AgentID: "supervisor", AgentName: "Supervisor"},
		discoverer,
		a2a.ClientConfig{
			TimeoutSeconds:      cfg.A2A.TimeoutSeconds,
			MaxRetries:          cfg.A2A.MaxRetries,
			RetryBackoffSeconds: cfg.A2A.RetryBackoffSeconds,
			Breaker: a2a.BreakerConfig{
				FailureThreshold: cfg.A2A.CircuitBreakerThreshold,
				Timeout:          time.Duration(cfg.A2A.CircuitBreakerTimeoutSeconds) * time.Second,
			},
			EnableTracing: cfg.A2A.EnableTracing,
		},
		a2a.WithTransitionFunc(func(target string, from, to a2a.BreakerState) {
			metrics.RecordBreakerTransition(context.Background(), target, string(from), string(to))
			sink.Error(context.Background(), telemetry.ErrorEvent{
				Type:    "circuit_breaker_transition",
				Message: fmt.Sprintf("breaker for %s moved %s -> %s", target, from, to),
				Details: map[string]any{"target": target, "from": string(from), "to": string(to)},
			})
		}),
	)

	conversations, err := supervisor.NewConversationStore(cfg.Supervisor.ConversationLogDir)
	if err != nil {
		return err
	}
	defer conversations.Close()

	router := supervisor.NewRouter(conversations, cacheManager, classifier, formatter, a2aClient, sink, supervisor.RouterConfig{
		MaxConcurrentTurns: cfg.Supervisor.MaxConcurrentTurns,
	})
	go router.RunCleanup(ctx, supervisor.DefaultSessionSweepInterval, supervisor.DefaultSessionMaxAge)
	api := supervisor.NewAPI(router)

	root := chi.NewRouter()
	root.Mount("/", api.Router())
	root.Handle("/metrics", metrics.Handler())

	server := &http.Server{
		Addr:              cfg.Supervisor.ListenAddr,
		Handler:           root,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("supervisor listening", "addr", cfg.Supervisor.ListenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
