// Package backpressure watches egress queue depths and converts the worst
// utilization into a discrete pressure level and a global consumption-rate
// multiplier for the router. Thresholds optionally adapt to sustained load.
package backpressure

import (
	"context"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/framefabric/backend/internal/events"
	"github.com/framefabric/backend/internal/registry"
	"github.com/framefabric/backend/internal/store"
)

// Level is the discrete pressure bucket. Ordered: NORMAL < LOW < HIGH < CRITICAL.
type Level int

const (
	LevelNormal Level = iota
	LevelLow
	LevelHigh
	LevelCritical
)

func (l Level) String() string {
	switch l {
	case LevelNormal:
		return "NORMAL"
	case LevelLow:
		return "LOW"
	case LevelHigh:
		return "HIGH"
	case LevelCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// Rate returns the consumption-rate multiplier for the level.
func (l Level) Rate() float64 {
	switch l {
	case LevelNormal:
		return 1.0
	case LevelLow:
		return 0.8
	case LevelHigh:
		return 0.5
	default:
		return 0.0
	}
}

// QueueStats describes one egress stream at sample time.
type QueueStats struct {
	Stream      string        `json:"stream"`
	ProcessorID string        `json:"processor_id"`
	Length      int64         `json:"length"`
	Pending     int64         `json:"pending"`
	Consumers   int           `json:"consumers"`
	Utilization float64       `json:"utilization"`
	OldestAge   time.Duration `json:"oldest_message_age"`
}

// Options tunes the controller.
type Options struct {
	CheckInterval     time.Duration
	EgressPrefix      string
	LowThreshold      float64
	HighThreshold     float64
	CriticalThreshold float64
	Adaptive          bool
	AlertCooldown     time.Duration
}

// Adaptive-threshold tuning constants. Adjustments need at least
// minSamples observations and adjustInterval spacing; factors shrink the
// HIGH/CRITICAL thresholds under sustained pressure and relax them when
// pressure is rare.
const (
	minSamples        = 50
	adjustInterval    = 60 * time.Second
	shrinkHighFactor  = 0.95
	shrinkCritFactor  = 0.97
	growHighFactor    = 1.05
	growCritFactor    = 1.02
	highThresholdCap  = 0.85
	critThresholdCap  = 0.98
	highThresholdMin  = 0.5
	critThresholdMin  = 0.6
	pressureRatioHigh = 0.6
	pressureRatioLow  = 0.1
	sampleWindow      = 100
)

// Controller is safe for concurrent readers; Run owns the sampling loop.
type Controller struct {
	mu sync.RWMutex

	level         Level
	rate          float64
	queues        map[string]QueueStats
	samples       []Level
	lastAdjust    time.Time
	lastAlert     time.Time
	throttleSince time.Time

	opts Options
	st   store.StreamStore
	reg  *registry.Registry
	bus  events.Bus
}

// New creates a controller over all egress streams under opts.EgressPrefix.
func New(opts Options, st store.StreamStore, reg *registry.Registry, bus events.Bus) *Controller {
	if opts.CheckInterval == 0 {
		opts.CheckInterval = 5 * time.Second
	}
	if opts.LowThreshold == 0 {
		opts.LowThreshold = 0.6
	}
	if opts.HighThreshold == 0 {
		opts.HighThreshold = 0.8
	}
	if opts.CriticalThreshold == 0 {
		opts.CriticalThreshold = 0.95
	}
	if opts.AlertCooldown == 0 {
		opts.AlertCooldown = 5 * time.Minute
	}
	if opts.EgressPrefix == "" {
		opts.EgressPrefix = "frames:ready:"
	}
	return &Controller{
		level:      LevelNormal,
		rate:       1.0,
		queues:     make(map[string]QueueStats),
		lastAdjust: time.Now(),
		opts:       opts,
		st:         st,
		reg:        reg,
		bus:        bus,
	}
}

// Level returns the current pressure level.
func (c *Controller) Level() Level {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.level
}

// ConsumptionRate returns the router's rate multiplier in [0,1].
func (c *Controller) ConsumptionRate() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rate
}

// Paused reports whether the router must stop reading ingress.
func (c *Controller) Paused() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.level == LevelCritical
}

// Throttle returns the per-processor consumption share for a queue of the
// given frame priority: higher-priority queues are throttled less.
func (c *Controller) Throttle(priority int) float64 {
	base := c.ConsumptionRate()
	if priority < 1 {
		priority = 1
	}
	// base_for_level / max(1, priority) is the *reduction*, not the rate:
	// priority 10 at HIGH keeps 0.95 of full speed, priority 1 keeps 0.5.
	reduction := (1 - base) / float64(priority)
	return 1 - reduction
}

// QueueStats returns the latest sample for every egress stream.
func (c *Controller) QueueStats() []QueueStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]QueueStats, 0, len(c.queues))
	for _, qs := range c.queues {
		out = append(out, qs)
	}
	return out
}

// Thresholds returns the current (possibly adapted) thresholds.
func (c *Controller) Thresholds() (low, high, critical float64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.opts.LowThreshold, c.opts.HighThreshold, c.opts.CriticalThreshold
}

// Run samples until ctx is canceled.
func (c *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(c.opts.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sample(ctx)
		}
	}
}

// Sample runs one observation cycle. Exposed for tests and for forcing a
// refresh from the API.
func (c *Controller) Sample(ctx context.Context) {
	c.sample(ctx)
}

func (c *Controller) sample(ctx context.Context) {
	streams, err := c.st.ScanStreams(ctx, c.opts.EgressPrefix+"*")
	if err != nil {
		// Transient store errors keep the previous view; never crash.
		slog.Warn("[Backpressure] Stream scan failed, keeping previous view", "error", err)
		return
	}

	queues := make(map[string]QueueStats, len(streams))
	maxUtil := 0.0
	for _, stream := range streams {
		id := strings.TrimPrefix(stream, c.opts.EgressPrefix)
		length, err := c.st.Length(ctx, stream)
		if err != nil {
			slog.Warn("[Backpressure] Queue length failed", "stream", stream, "error", err)
			continue
		}

		capacity := 1
		if entry, ok := c.reg.ByID(id); ok {
			capacity = entry.Registration.Capacity
		}
		util := float64(length) / math.Max(1, float64(capacity))

		qs := QueueStats{
			Stream:      stream,
			ProcessorID: id,
			Length:      length,
			Utilization: util,
		}
		if p, err := c.st.Pending(ctx, stream, id+"-group"); err == nil {
			qs.Pending = p.Count
			qs.Consumers = len(p.Consumers)
		}
		queues[stream] = qs
		if util > maxUtil {
			maxUtil = util
		}
	}

	c.apply(ctx, queues, maxUtil)
}

func (c *Controller) apply(ctx context.Context, queues map[string]QueueStats, maxUtil float64) {
	c.mu.Lock()

	level := c.levelForLocked(maxUtil)
	prev := c.level
	c.level = level
	c.rate = level.Rate()
	c.queues = queues

	c.samples = append(c.samples, level)
	if len(c.samples) > sampleWindow {
		c.samples = c.samples[len(c.samples)-sampleWindow:]
	}
	if c.opts.Adaptive {
		c.adaptLocked()
	}

	var throttledFor time.Duration
	if prev == LevelNormal && level != LevelNormal {
		c.throttleSince = time.Now()
	}
	if prev != LevelNormal && level == LevelNormal && !c.throttleSince.IsZero() {
		throttledFor = time.Since(c.throttleSince)
		c.throttleSince = time.Time{}
	}

	alert := false
	if level == LevelCritical && prev != LevelCritical && time.Since(c.lastAlert) >= c.opts.AlertCooldown {
		c.lastAlert = time.Now()
		alert = true
	}
	c.mu.Unlock()

	if level != prev {
		slog.Info("[Backpressure] Pressure level changed",
			"from", prev.String(), "to", level.String(),
			"max_utilization", maxUtil, "rate", level.Rate())
		c.publish(ctx, events.EventPressureChanged, map[string]interface{}{
			"from":            prev.String(),
			"to":              level.String(),
			"max_utilization": maxUtil,
			"rate":            level.Rate(),
		})
	}
	if throttledFor > 0 {
		slog.Info("[Backpressure] Pressure resolved", "throttled_for", throttledFor.String())
	}
	if alert {
		slog.Error("[Backpressure] CRITICAL pressure, router paused", "max_utilization", maxUtil)
		c.publish(ctx, events.EventAlertFired, map[string]interface{}{
			"severity":        "critical",
			"reason":          "backpressure_critical",
			"max_utilization": maxUtil,
		})
	}
}

func (c *Controller) levelForLocked(maxUtil float64) Level {
	switch {
	case maxUtil >= c.opts.CriticalThreshold:
		return LevelCritical
	case maxUtil >= c.opts.HighThreshold:
		return LevelHigh
	case maxUtil >= c.opts.LowThreshold:
		return LevelLow
	default:
		return LevelNormal
	}
}

// adaptLocked nudges the HIGH/CRITICAL thresholds toward the observed load
// profile: sustained pressure lowers them (throttle earlier), rare pressure
// relaxes them.
func (c *Controller) adaptLocked() {
	if len(c.samples) < minSamples || time.Since(c.lastAdjust) < adjustInterval {
		return
	}

	pressured := 0
	for _, s := range c.samples {
		if s >= LevelHigh {
			pressured++
		}
	}
	ratio := float64(pressured) / float64(len(c.samples))

	switch {
	case ratio > pressureRatioHigh:
		c.opts.HighThreshold = math.Max(highThresholdMin, c.opts.HighThreshold*shrinkHighFactor)
		c.opts.CriticalThreshold = math.Max(critThresholdMin, c.opts.CriticalThreshold*shrinkCritFactor)
	case ratio < pressureRatioLow:
		c.opts.HighThreshold = math.Min(highThresholdCap, c.opts.HighThreshold*growHighFactor)
		c.opts.CriticalThreshold = math.Min(critThresholdCap, c.opts.CriticalThreshold*growCritFactor)
	default:
		return
	}
	c.lastAdjust = time.Now()
	slog.Info("[Backpressure] Adapted thresholds",
		"high", c.opts.HighThreshold, "critical", c.opts.CriticalThreshold,
		"pressure_ratio", ratio)
}

func (c *Controller) publish(ctx context.Context, t events.EventType, payload map[string]interface{}) {
	if c.bus == nil {
		return
	}
	_ = c.bus.Publish(ctx, &events.Event{Type: t, Source: "backpressure", Payload: payload})
}
