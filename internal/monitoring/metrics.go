package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the frame fabric.
type Metrics struct {
	// Routing metrics
	FramesRouted    *prometheus.CounterVec
	FramesDropped   *prometheus.CounterVec
	FramesDLQ       *prometheus.CounterVec
	RoutingDuration prometheus.Histogram
	RoutingRetries  prometheus.Counter

	// Backpressure metrics
	PressureLevel   prometheus.Gauge
	ConsumptionRate prometheus.Gauge
	QueueLength     *prometheus.GaugeVec
	QueuePending    *prometheus.GaugeVec

	// Breaker metrics
	BreakerState       *prometheus.GaugeVec
	BreakerTransitions *prometheus.CounterVec

	// Registry metrics
	ActiveProcessors prometheus.Gauge
	Evictions        prometheus.Counter

	// Priority queue metrics
	RetryQueueDepth  prometheus.Gauge
	StarvationEvents *prometheus.CounterVec

	// Processor metrics, fed from heartbeat self-reports
	FramesProcessed  *prometheus.GaugeVec
	ProcessingErrors *prometheus.GaugeVec
}

// NewMetrics creates and registers all collectors on the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers all collectors on r. Tests pass a fresh registry
// to avoid duplicate registration panics.
func NewMetricsWith(r prometheus.Registerer) *Metrics {
	factory := promauto.With(r)
	return &Metrics{
		FramesRouted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "framefabric_frames_routed_total",
				Help: "Frames appended to an egress stream, by processor",
			},
			[]string{"processor_id"},
		),
		FramesDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "framefabric_frames_dropped_total",
				Help: "Frames dropped by the router, by reason",
			},
			[]string{"reason"},
		),
		FramesDLQ: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "framefabric_frames_dlq_total",
				Help: "Frames sent to the dead-letter stream, by reason",
			},
			[]string{"reason"},
		),
		RoutingDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "framefabric_routing_duration_seconds",
				Help:    "Time from ingress read to egress append per frame",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
			},
		),
		RoutingRetries: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "framefabric_routing_retries_total",
				Help: "Egress append retries",
			},
		),
		PressureLevel: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "framefabric_pressure_level",
				Help: "Current pressure level: 0 NORMAL, 1 LOW, 2 HIGH, 3 CRITICAL",
			},
		),
		ConsumptionRate: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "framefabric_consumption_rate",
				Help: "Router consumption-rate multiplier in [0,1]",
			},
		),
		QueueLength: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "framefabric_queue_length",
				Help: "Egress stream length, by processor",
			},
			[]string{"processor_id"},
		),
		QueuePending: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "framefabric_queue_pending",
				Help: "Delivered-but-unacked entries, by processor",
			},
			[]string{"processor_id"},
		),
		BreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "framefabric_breaker_state",
				Help: "Breaker state per processor: 0 CLOSED, 1 OPEN, 2 HALF_OPEN",
			},
			[]string{"processor_id"},
		),
		BreakerTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "framefabric_breaker_transitions_total",
				Help: "Breaker state transitions, by processor and target state",
			},
			[]string{"processor_id", "to"},
		),
		ActiveProcessors: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "framefabric_active_processors",
				Help: "Routable processors currently registered",
			},
		),
		Evictions: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "framefabric_processor_evictions_total",
				Help: "Processors evicted after liveness timeout",
			},
		),
		RetryQueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "framefabric_retry_queue_depth",
				Help: "Frames parked in the priority retry queue",
			},
		),
		StarvationEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "framefabric_starvation_events_total",
				Help: "Starvation-prevention activations, by rule",
			},
			[]string{"reason"},
		),
		FramesProcessed: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "framefabric_processor_frames_processed",
				Help: "Lifetime frames processed as self-reported via heartbeat, by processor",
			},
			[]string{"processor_id"},
		),
		ProcessingErrors: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "framefabric_processor_errors_last_minute",
				Help: "User-code failures in the trailing minute as self-reported via heartbeat, by processor",
			},
			[]string{"processor_id"},
		),
	}
}
