// Command framegen is a load generator: it appends synthetic frame
// metadata to the ingress stream at a configurable rate so the fabric can
// be exercised end to end without a real camera pipeline.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/framefabric/backend/internal/config"
	"github.com/framefabric/backend/internal/frame"
	"github.com/framefabric/backend/internal/store"
)

func main() {
	rate := flag.Int("rate", 10, "frames per second")
	cameras := flag.Int("cameras", 4, "number of simulated cameras")
	capability := flag.String("capability", "detection", "required capability stamped on each frame")
	highRatio := flag.Float64("high-ratio", 0.1, "fraction of frames at priority 9")
	flag.Parse()

	_ = godotenv.Load()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, nil)))

	cfg, err := config.Load("")
	if err != nil {
		slog.Error("[FrameGen] Configuration invalid", "error", err)
		os.Exit(1)
	}

	st, err := store.NewRedisStreamStoreFromURL(cfg.Store.URL, cfg.Store.PoolSize)
	if err != nil {
		slog.Error("[FrameGen] Stream store unavailable", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if *rate <= 0 {
		*rate = 1
	}
	interval := time.Second / time.Duration(*rate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("[FrameGen] Generating",
		"stream", cfg.Streams.Ingress, "rate", *rate, "cameras", *cameras)

	sent := 0
	for {
		select {
		case <-ctx.Done():
			slog.Info("[FrameGen] Stopped", "frames_sent", sent)
			return
		case <-ticker.C:
		}

		cam := fmt.Sprintf("cam-%02d", rand.Intn(*cameras)+1)
		priority := 5
		if rand.Float64() < *highRatio {
			priority = 9
		}

		f := &frame.FrameRef{
			FrameID:   frame.NewFrameID("framegen", cam),
			CameraID:  cam,
			Timestamp: time.Now().UTC(),
			Width:     1920,
			Height:    1080,
			Format:    "h264",
			SizeBytes: int64(200_000 + rand.Intn(600_000)),
			Priority:  priority,
			Metadata: map[string]string{
				"capability": *capability,
			},
		}

		if _, err := st.Append(ctx, cfg.Streams.Ingress, f.Fields()); err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("[FrameGen] Append failed", "error", err)
			continue
		}
		sent++
		if sent%100 == 0 {
			slog.Info("[FrameGen] Progress", "frames_sent", sent)
		}
	}
}
