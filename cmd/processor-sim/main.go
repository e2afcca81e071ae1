// Command processor-sim is a demo processor: it registers with the
// orchestrator, consumes its egress stream, and simulates per-frame work
// with a configurable latency and failure rate. Useful for exercising
// routing, backpressure, and breaker behavior without real inference.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/framefabric/backend/internal/client"
	"github.com/framefabric/backend/internal/config"
	"github.com/framefabric/backend/internal/frame"
	"github.com/framefabric/backend/internal/store"
)

func main() {
	id := flag.String("id", "sim-1", "processor id")
	capabilities := flag.String("capabilities", "detection", "comma-separated capabilities")
	capacity := flag.Int("capacity", 4, "max concurrent frames")
	latency := flag.Duration("latency", 50*time.Millisecond, "simulated processing time")
	failRate := flag.Float64("fail-rate", 0, "fraction of frames that fail")
	results := flag.String("results", "frames:results", "result stream, empty to disable")
	flag.Parse()

	_ = godotenv.Load()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, nil)))

	cfg, err := config.Load("")
	if err != nil {
		slog.Error("[ProcessorSim] Configuration invalid", "error", err)
		os.Exit(1)
	}

	st, err := store.NewRedisStreamStoreFromURL(cfg.Store.URL, cfg.Store.PoolSize)
	if err != nil {
		slog.Error("[ProcessorSim] Stream store unavailable", "error", err)
		os.Exit(1)
	}

	process := func(ctx context.Context, f *frame.FrameRef) (map[string]interface{}, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(*latency):
		}
		if rand.Float64() < *failRate {
			return nil, fmt.Errorf("simulated failure for frame %s", f.FrameID)
		}
		return map[string]interface{}{
			"detections": rand.Intn(5),
			"confidence": rand.Float64(),
		}, nil
	}

	c, err := client.New(client.Options{
		ID:                *id,
		Capabilities:      strings.Split(*capabilities, ","),
		Capacity:          *capacity,
		OrchestratorURL:   cfg.Client.OrchestratorURL,
		ResultStream:      *results,
		EgressPrefix:      cfg.Streams.EgressPrefix,
		DLQStream:         cfg.Streams.DLQ,
		HeartbeatInterval: cfg.Client.HeartbeatInterval,
		DrainTimeout:      cfg.Client.DrainTimeout,
		MaxRetries:        cfg.Client.MaxRetries,
		ClaimThreshold:    cfg.Client.ClaimThreshold,
	}, st, process)
	if err != nil {
		slog.Error("[ProcessorSim] Client setup failed", "error", err)
		os.Exit(1)
	}
	defer c.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	slog.Info("[ProcessorSim] Starting",
		"processor_id", *id, "capabilities", *capabilities, "capacity", *capacity)
	if err := c.Run(ctx); err != nil && ctx.Err() == nil {
		slog.Error("[ProcessorSim] Client exited", "error", err)
		os.Exit(1)
	}
}
