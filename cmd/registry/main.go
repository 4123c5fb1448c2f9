// The registry service: agent registration, discovery and health
// monitoring over a redis hot index with a sqlite durable tier.
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
	"github.com/redis/go-redis/v9"

	"github.com/finvault/fabric/pkg/auth"
	"github.com/finvault/fabric/pkg/config"
	"github.com/finvault/fabric/pkg/logger"
	"github.com/finvault/fabric/pkg/observability"
	"github.com/finvault/fabric/pkg/registry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "registry:", err)
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

	redisOpts, err := redis.ParseURL(cfg.Registry.RedisURL)
	if err != nil {
		return fmt.Errorf("invalid redis url: %w", err)
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()

	hot := registry.NewHotStore(redisClient, time.Duration(cfg.Registry.RedisTTLSeconds)*time.Second)

	var durable registry.Store
	if cfg.Registry.DurablePath != "" {
		ds, err := registry.OpenDurableStore(cfg.Registry.DurablePath)
		if err != nil {
			return err
		}
		defer ds.Close()
		durable = ds
	}

	store, err := registry.NewTieredStore(hot, durable)
	if err != nil {
		return err
	}
	if err := store.RestoreHot(ctx); err != nil {
		log.Warn("failed to restore hot index from durable store", "error", err)
	}

	var tokens *auth.TokenService
	if cfg.Registry.AuthEnabled {
		tokens, err = auth.NewTokenService(auth.Config{
			Secret:            cfg.Registry.JWTSecret,
			Algorithm:         cfg.Registry.JWTAlgorithm,
			ExpirationSeconds: cfg.Registry.JWTExpirationSeconds,
		})
		if err != nil {
			return err
		}
	}

	service := registry.NewService(store, tokens)

	if cfg.Registry.HealthCheckEnabled {
		monitor := registry.NewMonitor(service, registry.MonitorConfig{
			CheckInterval:  time.Duration(cfg.Registry.HealthCheckIntervalSeconds) * time.Second,
			StaleThreshold: time.Duration(cfg.Registry.StaleAgentThresholdMinutes) * time.Minute,
		})
		go monitor.Run(ctx)
	}

	api := registry.NewAPI(service, tokens, registry.APIConfig{AuthEnabled: cfg.Registry.AuthEnabled})

	root := chi.NewRouter()
	root.Mount("/", api.Router())
	root.Handle("/prometheus", metrics.Handler())

	server := &http.Server{
		Addr:              cfg.Registry.ListenAddr,
		Handler:           root,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("registry listening", "addr", cfg.Registry.ListenAddr)
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
