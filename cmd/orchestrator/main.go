// Command orchestrator runs the frame buffer orchestrator: it consumes
// frame metadata from the ingress stream, routes frames to registered
// processors, and serves the control-plane HTTP API.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/framefabric/backend/internal/api"
	"github.com/framefabric/backend/internal/backpressure"
	"github.com/framefabric/backend/internal/circuitbreaker"
	"github.com/framefabric/backend/internal/config"
	"github.com/framefabric/backend/internal/events"
	"github.com/framefabric/backend/internal/monitoring"
	"github.com/framefabric/backend/internal/pqueue"
	"github.com/framefabric/backend/internal/registry"
	"github.com/framefabric/backend/internal/router"
	"github.com/framefabric/backend/internal/store"
	"github.com/framefabric/backend/internal/websocket"
)

func main() {
	configPath := flag.String("config", "", "optional YAML config file")
	flag.Parse()

	// Missing .env is fine; env vars may come from the deployment instead.
	_ = godotenv.Load()

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("[Main] Configuration invalid", "error", err)
		os.Exit(1)
	}

	st, err := store.NewRedisStreamStoreFromURL(cfg.Store.URL, cfg.Store.PoolSize)
	if err != nil {
		slog.Error("[Main] Stream store unavailable", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	bus := events.NewLocalBus()
	defer bus.Close()

	metrics := monitoring.NewMetrics()

	reg := registry.New(registry.Options{
		LivenessCheckInterval: cfg.Registry.LivenessCheckInterval,
		LivenessTimeout:       cfg.Registry.LivenessTimeout,
		EvictedRetention:      cfg.Registry.EvictedRetention,
		SnapshotKey:           cfg.Registry.SnapshotKey,
	}, bus, st)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := reg.Restore(ctx); err != nil {
		slog.Warn("[Main] Registry snapshot restore failed, starting empty", "error", err)
	}

	breakers := circuitbreaker.NewManager(circuitbreaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		RecoveryTimeout:  cfg.Breaker.RecoveryTimeout,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
		HalfOpenMaxCalls: cfg.Breaker.HalfOpenMaxCalls,
		CallTimeout:      cfg.Breaker.CallTimeout,
		ExcludedErrors:   []error{context.Canceled},
	}, bus)

	pressure := backpressure.New(backpressure.Options{
		CheckInterval:     cfg.Backpressure.CheckInterval,
		EgressPrefix:      cfg.Streams.EgressPrefix,
		LowThreshold:      cfg.Backpressure.LowThreshold,
		HighThreshold:     cfg.Backpressure.HighThreshold,
		CriticalThreshold: cfg.Backpressure.CriticalThreshold,
		Adaptive:          cfg.Backpressure.Adaptive,
		AlertCooldown:     cfg.Backpressure.AlertCooldown,
	}, st, reg, bus)

	retryQ := pqueue.New(pqueue.Options{}, bus)

	rt := router.New(router.Options{
		IngressStream:     cfg.Streams.Ingress,
		DLQStream:         cfg.Streams.DLQ,
		ConsumerGroup:     cfg.Streams.ConsumerGroup,
		EgressPrefix:      cfg.Streams.EgressPrefix,
		BatchSize:         int64(cfg.Router.BatchSize),
		Block:             cfg.Router.Block,
		BaseInterval:      cfg.Router.BaseInterval,
		MaxRetries:        cfg.Router.MaxRetries,
		RetryBackoff:      cfg.Router.RetryBackoff,
		DefaultCapability: cfg.Router.DefaultCapability,
		HighPriorityWait:  cfg.Router.HighPriorityWait,
		DedupTTL:          cfg.Router.DedupTTL,
	}, st, reg, breakers, pressure, retryQ, bus, metrics)

	collector := monitoring.NewCollector(metrics)
	unobserve := collector.Observe(bus)
	defer unobserve()

	hub := websocket.NewEventHub(bus)
	srv := api.NewServer(reg, rt, breakers, pressure, st, hub, metrics, cfg.Streams.DLQ)

	var wg sync.WaitGroup
	run := func(name string, fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
			slog.Info("[Main] Loop stopped", "loop", name)
		}()
	}

	run("registry", reg.Run)
	run("backpressure", pressure.Run)
	run("retry", rt.RunRetryLoop)
	run("retention", rt.RunRetentionLoop)
	run("events", hub.Run)
	run("metrics", func(ctx context.Context) {
		collector.Poll(ctx, reg, pressure, cfg.Backpressure.CheckInterval)
	})
	run("router", func(ctx context.Context) {
		if err := rt.Run(ctx); err != nil && ctx.Err() == nil {
			slog.Error("[Main] Router exited", "error", err)
			cancel()
		}
	})

	wg.Add(1)
	go func() {
		defer wg.Done()
		port, err := strconv.Atoi(cfg.Server.Port)
		if err != nil || port <= 0 {
			port = 8080
		}
		if err := srv.Start(port); err != nil {
			slog.Error("[Main] API server exited", "error", err)
			cancel()
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		slog.Info("[Main] Shutting down", "signal", sig.String())
	case <-ctx.Done():
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("[Main] API shutdown incomplete", "error", err)
	}
	wg.Wait()
	slog.Info("[Main] Orchestrator stopped")
}
