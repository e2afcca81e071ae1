package monitoring

import (
	"context"
	"time"

	"github.com/framefabric/backend/internal/backpressure"
	"github.com/framefabric/backend/internal/events"
	"github.com/framefabric/backend/internal/registry"
)

// Collector feeds the gauges and counters that are driven by domain events
// or by periodic snapshots rather than by inline call sites.
type Collector struct {
	m *Metrics
}

func NewCollector(m *Metrics) *Collector {
	return &Collector{m: m}
}

// Observe subscribes to the bus and mirrors component state changes into
// the collectors. The returned func unsubscribes.
func (c *Collector) Observe(bus events.Bus) func() {
	return bus.SubscribeAll(func(_ context.Context, e *events.Event) error {
		switch e.Type {
		case events.EventPressureChanged:
			if to, ok := e.Payload["to"].(string); ok {
				c.m.PressureLevel.Set(pressureLevelValue(to))
			}
			if rate, ok := e.Payload["rate"].(float64); ok {
				c.m.ConsumptionRate.Set(rate)
			}
		case events.EventBreakerStateChanged:
			id, _ := e.Payload["processor_id"].(string)
			to, _ := e.Payload["to"].(string)
			if id != "" && to != "" {
				c.m.BreakerState.WithLabelValues(id).Set(breakerStateValue(to))
				c.m.BreakerTransitions.WithLabelValues(id, to).Inc()
			}
		case events.EventProcessorEvicted:
			c.m.Evictions.Inc()
		case events.EventStarvationPrevented:
			if reason, ok := e.Payload["reason"].(string); ok {
				c.m.StarvationEvents.WithLabelValues(reason).Inc()
			}
		}
		return nil
	})
}

// Poll snapshots the registry and queue gauges until ctx is canceled.
func (c *Collector) Poll(ctx context.Context, reg *registry.Registry, pressure *backpressure.Controller, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Snapshot(reg, pressure)
		}
	}
}

// Snapshot records one observation of the polled gauges.
func (c *Collector) Snapshot(reg *registry.Registry, pressure *backpressure.Controller) {
	c.m.ActiveProcessors.Set(float64(reg.ActiveCount()))
	for _, qs := range pressure.QueueStats() {
		c.m.QueueLength.WithLabelValues(qs.ProcessorID).Set(float64(qs.Length))
		c.m.QueuePending.WithLabelValues(qs.ProcessorID).Set(float64(qs.Pending))
	}
}

func pressureLevelValue(level string) float64 {
	switch level {
	case "NORMAL":
		return 0
	case "LOW":
		return 1
	case "HIGH":
		return 2
	case "CRITICAL":
		return 3
	default:
		return -1
	}
}

func breakerStateValue(state string) float64 {
	switch state {
	case "CLOSED":
		return 0
	case "OPEN":
		return 1
	case "HALF_OPEN":
		return 2
	default:
		return -1
	}
}
