// Package router implements the frame buffer orchestrator's core loop: it
// consumes the ingress stream through a consumer group, selects a target
// processor per frame, appends to that processor's egress stream, and only
// then acknowledges the ingress entry. Delivery is at-least-once; the
// egress side deduplicates on frame_id.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/framefabric/backend/internal/backpressure"
	"github.com/framefabric/backend/internal/circuitbreaker"
	"github.com/framefabric/backend/internal/events"
	"github.com/framefabric/backend/internal/frame"
	"github.com/framefabric/backend/internal/monitoring"
	"github.com/framefabric/backend/internal/pqueue"
	"github.com/framefabric/backend/internal/registry"
	"github.com/framefabric/backend/internal/store"
)

// dedupKeyPrefix namespaces the egress dedup claims in the store.
const dedupKeyPrefix = "framefabric:routed:"

// highPriorityFloor is the frame priority at or above which a frame with no
// candidate is parked for retry instead of dropped.
const highPriorityFloor = 8

// Options configures the router.
type Options struct {
	IngressStream     string
	DLQStream         string
	ConsumerGroup     string
	Consumer          string
	EgressPrefix      string
	BatchSize         int64
	Block             time.Duration
	BaseInterval      time.Duration
	MaxRetries        int
	RetryBackoff      time.Duration
	DefaultCapability string
	HighPriorityWait  time.Duration
	DedupTTL          time.Duration
	// VisibilityTimeout is how long an ingress entry may stay pending on a
	// consumer before the reclaim pass adopts it.
	VisibilityTimeout time.Duration
	// ClaimThreshold is the delivery count beyond which a reclaimed entry
	// goes to the DLQ instead of being re-routed.
	ClaimThreshold int64
	// RetentionMaxLen bounds the ingress and DLQ streams; older entries are
	// trimmed by the retention loop.
	RetentionMaxLen   int64
	RetentionInterval time.Duration
}

// State is the orchestrator status snapshot served by the HTTP API.
type State struct {
	IsPaused          bool    `json:"is_paused"`
	ConsumptionRate   float64 `json:"consumption_rate"`
	PressureLevel     string  `json:"current_pressure_level"`
	ActiveProcessors  int     `json:"active_processors"`
	TotalFramesRouted int64   `json:"total_frames_routed"`
	FramesDropped     int64   `json:"frames_dropped"`
	RetryQueueDepth   int64   `json:"retry_queue_depth"`
}

// retryMeta remembers the ingress position of a parked high-priority frame
// so it can be acked once routed, and bounds its wait.
type retryMeta struct {
	ingressID string
	deadline  time.Time
	attempts  int
}

// Router is the orchestrator core. Run and RunRetryLoop are long-lived;
// everything else is safe for concurrent use.
type Router struct {
	opts     Options
	st       store.StreamStore
	reg      *registry.Registry
	breakers *circuitbreaker.Manager
	pressure *backpressure.Controller
	retryQ   *pqueue.Queue
	bus      events.Bus
	metrics  *monitoring.Metrics

	totalRouted   atomic.Int64
	framesDropped atomic.Int64

	retryMu  sync.Mutex
	retryIdx map[string]retryMeta
}

// New assembles a router over its collaborators. metrics may be nil.
func New(opts Options, st store.StreamStore, reg *registry.Registry,
	breakers *circuitbreaker.Manager, pressure *backpressure.Controller,
	retryQ *pqueue.Queue, bus events.Bus, metrics *monitoring.Metrics) *Router {

	if opts.BatchSize == 0 {
		opts.BatchSize = 10
	}
	if opts.Block == 0 {
		opts.Block = time.Second
	}
	if opts.BaseInterval == 0 {
		opts.BaseInterval = 100 * time.Millisecond
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	if opts.RetryBackoff == 0 {
		opts.RetryBackoff = 200 * time.Millisecond
	}
	if opts.HighPriorityWait == 0 {
		opts.HighPriorityWait = 5 * time.Second
	}
	if opts.DedupTTL == 0 {
		opts.DedupTTL = 10 * time.Minute
	}
	// A stable consumer name keeps pending entries attributable across
	// restarts; the reclaim loop adopts whatever a dead incarnation left.
	if opts.Consumer == "" {
		opts.Consumer = "router-1"
	}
	if opts.VisibilityTimeout == 0 {
		opts.VisibilityTimeout = 30 * time.Second
	}
	if opts.ClaimThreshold == 0 {
		opts.ClaimThreshold = 3
	}
	if opts.RetentionMaxLen == 0 {
		opts.RetentionMaxLen = 100_000
	}
	if opts.RetentionInterval == 0 {
		opts.RetentionInterval = time.Minute
	}
	return &Router{
		opts:     opts,
		st:       st,
		reg:      reg,
		breakers: breakers,
		pressure: pressure,
		retryQ:   retryQ,
		bus:      bus,
		metrics:  metrics,
		retryIdx: make(map[string]retryMeta),
	}
}

// State returns the current orchestrator snapshot.
func (r *Router) State() State {
	return State{
		IsPaused:          r.pressure.Paused(),
		ConsumptionRate:   r.pressure.ConsumptionRate(),
		PressureLevel:     r.pressure.Level().String(),
		ActiveProcessors:  r.reg.ActiveCount(),
		TotalFramesRouted: r.totalRouted.Load(),
		FramesDropped:     r.framesDropped.Load(),
		RetryQueueDepth:   r.retryQ.Len(),
	}
}

// Run consumes the ingress stream until ctx is canceled. It creates the
// consumer group idempotently before the first read.
func (r *Router) Run(ctx context.Context) error {
	if err := r.st.CreateGroup(ctx, r.opts.IngressStream, r.opts.ConsumerGroup, "0"); err != nil {
		return fmt.Errorf("router: create ingress group: %w", err)
	}
	slog.Info("[Router] Consuming ingress",
		"stream", r.opts.IngressStream, "group", r.opts.ConsumerGroup, "consumer", r.opts.Consumer)

	go r.reclaimLoop(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if r.pressure.Paused() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.opts.BaseInterval):
			}
			continue
		}

		entries, err := r.st.ReadGroup(ctx, r.opts.IngressStream, r.opts.ConsumerGroup,
			r.opts.Consumer, r.opts.BatchSize, r.opts.Block)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Warn("[Router] Ingress read failed", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.opts.RetryBackoff):
			}
			continue
		}

		for _, entry := range entries {
			r.routeEntry(ctx, entry)
		}

		// Throttled consumption: sleep proportionally to the missing rate.
		if rate := r.pressure.ConsumptionRate(); rate < 1 {
			delay := time.Duration((1 - rate) * float64(r.opts.BaseInterval))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}
}

// reclaimLoop adopts ingress entries left pending by dead router
// incarnations. The first pass runs immediately so a restart picks up the
// previous incarnation's backlog without waiting a full timeout.
func (r *Router) reclaimLoop(ctx context.Context) {
	for {
		r.reclaimPending(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(r.opts.VisibilityTimeout):
		}
	}
}

// reclaimPending claims entries idle past the visibility timeout and routes
// them afresh. Entries already redelivered past ClaimThreshold go to the
// DLQ instead; something about them keeps defeating routing.
func (r *Router) reclaimPending(ctx context.Context) {
	pending, err := r.st.PendingEntries(ctx, r.opts.IngressStream, r.opts.ConsumerGroup, 100)
	if err != nil {
		slog.Warn("[Router] Pending inspection failed", "error", err)
		return
	}
	exhausted := exhaustedDeliveries(pending, r.opts.ClaimThreshold, r.opts.VisibilityTimeout)

	entries, err := r.st.AutoClaim(ctx, r.opts.IngressStream, r.opts.ConsumerGroup,
		r.opts.Consumer, r.opts.VisibilityTimeout, 100)
	if err != nil {
		slog.Warn("[Router] Ingress claim failed", "error", err)
		return
	}
	for _, entry := range entries {
		if attempts, ok := exhausted[entry.ID]; ok {
			r.toDLQ(ctx, toIface(entry.Fields), "max_redeliveries", int(attempts))
			r.ackIngress(ctx, entry.ID)
			continue
		}
		slog.Info("[Router] Reclaimed pending ingress entry", "entry_id", entry.ID)
		r.routeEntry(ctx, entry)
	}
}

// exhaustedDeliveries maps entry id to delivery count for entries that have
// been redelivered past threshold and sat idle past the visibility timeout.
func exhaustedDeliveries(pending []store.PendingEntry, threshold int64, minIdle time.Duration) map[string]int64 {
	out := make(map[string]int64)
	for _, p := range pending {
		if p.RetryCount > threshold && p.Idle >= minIdle {
			out[p.ID] = p.RetryCount
		}
	}
	return out
}

// RunRetentionLoop trims the ingress and DLQ streams to the configured
// retention length until ctx is canceled. Egress streams are not trimmed
// here; their entries disappear through consumer acks.
func (r *Router) RunRetentionLoop(ctx context.Context) {
	ticker := time.NewTicker(r.opts.RetentionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for _, stream := range []string{r.opts.IngressStream, r.opts.DLQStream} {
			if err := r.st.Trim(ctx, stream, r.opts.RetentionMaxLen); err != nil {
				slog.Warn("[Router] Retention trim failed", "stream", stream, "error", err)
			}
		}
	}
}

// routeEntry handles one ingress entry end to end.
func (r *Router) routeEntry(ctx context.Context, entry store.Entry) {
	start := time.Now()

	f, err := frame.FromFields(entry.Fields)
	if err != nil {
		// Protocol errors are never retried: ack and record in the DLQ.
		r.toDLQ(ctx, toIface(entry.Fields), "decode_error", 1)
		r.ackIngress(ctx, entry.ID)
		slog.Warn("[Router] Frame decode failed", "entry_id", entry.ID, "error", err)
		return
	}

	switch outcome := r.routeFrame(ctx, f, entry.ID); outcome {
	case routed:
		r.ackIngress(ctx, entry.ID)
		if r.metrics != nil {
			r.metrics.RoutingDuration.Observe(time.Since(start).Seconds())
		}
	case parked:
		// Ack happens when the retry loop delivers or expires the frame.
	case dropped:
		r.ackIngress(ctx, entry.ID)
	case failed:
		// Leave unacked; the pending entry redelivers after the
		// visibility timeout.
	}
}

type routeOutcome int

const (
	routed routeOutcome = iota
	parked
	dropped
	failed
)

// routeFrame selects a processor and appends to its egress stream.
func (r *Router) routeFrame(ctx context.Context, f *frame.FrameRef, ingressID string) routeOutcome {
	// Dedup on frame_id: a replayed ingress entry whose egress append
	// already happened must not be appended twice. The marker is written
	// only after a durable append, so a crash between the two can at worst
	// duplicate a frame, never lose one.
	switch _, err := r.st.Get(ctx, dedupKeyPrefix+f.FrameID); {
	case err == nil:
		slog.Debug("[Router] Duplicate frame suppressed", "frame_id", f.FrameID)
		return routed
	case !errors.Is(err, store.ErrNotFound):
		slog.Warn("[Router] Dedup lookup failed", "frame_id", f.FrameID, "error", err)
		return failed
	}

	ranked := selectProcessors(f, r.reg, r.breakers, r.opts.DefaultCapability)
	if len(ranked) == 0 {
		return r.handleNoCandidate(ctx, f, ingressID)
	}

	for _, entry := range ranked {
		id := entry.Registration.ID
		stream := entry.Registration.Queue
		if stream == "" {
			stream = registry.QueueName(r.opts.EgressPrefix, id)
		}

		if r.appendWithRetry(ctx, id, stream, f) {
			if _, err := r.st.ClaimOnce(ctx, dedupKeyPrefix+f.FrameID, r.opts.DedupTTL); err != nil {
				slog.Warn("[Router] Dedup mark failed", "frame_id", f.FrameID, "error", err)
			}
			r.totalRouted.Add(1)
			if r.metrics != nil {
				r.metrics.FramesRouted.WithLabelValues(id).Inc()
			}
			return routed
		}
		// Append failed and the breaker recorded it; try the next candidate.
	}

	// Every candidate failed. No dedup marker was written, so the
	// redelivered entry routes again from scratch.
	return failed
}

// appendWithRetry appends the frame under the processor's breaker with
// exponential backoff. Returns false when the append could not be made
// durable.
func (r *Router) appendWithRetry(ctx context.Context, processorID, stream string, f *frame.FrameRef) bool {
	fields := f.Fields()
	fields["routed_at"] = time.Now().UTC().Format(time.RFC3339Nano)
	fields["route_reason"] = "capability:" + f.Capability(r.opts.DefaultCapability)

	backoff := r.opts.RetryBackoff
	for attempt := 1; attempt <= r.opts.MaxRetries; attempt++ {
		err := r.breakers.Do(ctx, processorID, func(callCtx context.Context) error {
			_, appendErr := r.st.Append(callCtx, stream, fields)
			return appendErr
		}, nil)
		if err == nil {
			return true
		}
		if errors.Is(err, circuitbreaker.ErrBreakerOpen) || errors.Is(err, circuitbreaker.ErrTooManyProbes) {
			return false // not attributable to this attempt; re-route
		}
		if ctx.Err() != nil {
			return false
		}

		slog.Warn("[Router] Egress append failed",
			"processor_id", processorID, "stream", stream,
			"frame_id", f.FrameID, "attempt", attempt, "error", err)
		if r.metrics != nil {
			r.metrics.RoutingRetries.Inc()
		}
		if attempt < r.opts.MaxRetries {
			select {
			case <-ctx.Done():
				return false
			case <-time.After(backoff):
			}
			backoff *= 2
		}
	}
	return false
}

// handleNoCandidate applies the priority split: high-priority frames are
// parked for a bounded retry window, the rest are dropped to the DLQ.
func (r *Router) handleNoCandidate(ctx context.Context, f *frame.FrameRef, ingressID string) routeOutcome {
	if f.Priority >= highPriorityFloor && r.retryQ != nil {
		// A frame re-parked from the retry loop keeps its original
		// deadline; the wait window is bounded, not sliding.
		r.withRetryIndex(func() {
			if _, parked := r.retryIdx[f.FrameID]; !parked {
				r.retryIdx[f.FrameID] = retryMeta{
					ingressID: ingressID,
					deadline:  time.Now().Add(r.opts.HighPriorityWait),
				}
			}
		})
		r.retryQ.Enqueue(f)
		if r.metrics != nil {
			r.metrics.RetryQueueDepth.Set(float64(r.retryQ.Len()))
		}
		return parked
	}

	r.framesDropped.Add(1)
	r.toDLQ(ctx, f.Fields(), "no_candidate", 1)
	if r.metrics != nil {
		r.metrics.FramesDropped.WithLabelValues("no_candidate").Inc()
	}
	r.publishDrop(ctx, f, "no_candidate")
	return dropped
}

// RunRetryLoop drains parked high-priority frames until ctx is canceled.
func (r *Router) RunRetryLoop(ctx context.Context) {
	for {
		f, err := r.retryQ.Dequeue(ctx)
		if err != nil {
			return
		}

		var meta retryMeta
		var known bool
		r.withRetryIndex(func() {
			meta, known = r.retryIdx[f.FrameID]
		})
		if !known {
			continue
		}

		if time.Now().After(meta.deadline) {
			r.expireParked(ctx, f, meta)
			continue
		}

		ranked := selectProcessors(f, r.reg, r.breakers, r.opts.DefaultCapability)
		if len(ranked) == 0 {
			// Still no candidate: back off briefly, then requeue unless
			// the wait window lapsed meanwhile.
			select {
			case <-ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
			if time.Now().After(meta.deadline) {
				r.expireParked(ctx, f, meta)
			} else {
				r.retryQ.Enqueue(f)
			}
			continue
		}

		switch r.routeFrame(ctx, f, meta.ingressID) {
		case routed:
			r.withRetryIndex(func() { delete(r.retryIdx, f.FrameID) })
			r.ackIngress(ctx, meta.ingressID)
		case failed:
			// Unacked; the reclaim pass will route it afresh.
			r.withRetryIndex(func() { delete(r.retryIdx, f.FrameID) })
		case parked:
			// Candidates vanished again between selection and routing; the
			// frame is re-parked under its original deadline.
		case dropped:
			// Unreachable: parked frames are all high priority.
		}
		if r.metrics != nil {
			r.metrics.RetryQueueDepth.Set(float64(r.retryQ.Len()))
		}
	}
}

// expireParked declares a parked frame undeliverable.
func (r *Router) expireParked(ctx context.Context, f *frame.FrameRef, meta retryMeta) {
	r.withRetryIndex(func() { delete(r.retryIdx, f.FrameID) })
	r.framesDropped.Add(1)
	r.toDLQ(ctx, f.Fields(), "no_candidate", meta.attempts+1)
	r.ackIngress(ctx, meta.ingressID)
	if r.metrics != nil {
		r.metrics.FramesDropped.WithLabelValues("no_candidate").Inc()
		r.metrics.RetryQueueDepth.Set(float64(r.retryQ.Len()))
	}
	r.publishDrop(ctx, f, "no_candidate")
	slog.Warn("[Router] High-priority frame undeliverable",
		"frame_id", f.FrameID, "priority", f.Priority)
}

// toDLQ records a frame in the dead-letter stream. DLQ failures are logged
// and swallowed: losing the DLQ record must not stall routing.
func (r *Router) toDLQ(ctx context.Context, fields map[string]interface{}, reason string, attempts int) {
	fields["reason"] = reason
	fields["failed_at"] = time.Now().UTC().Format(time.RFC3339Nano)
	fields["attempts"] = fmt.Sprint(attempts)
	if _, err := r.st.Append(ctx, r.opts.DLQStream, fields); err != nil {
		slog.Error("[Router] DLQ append failed", "reason", reason, "error", err)
		return
	}
	if r.metrics != nil {
		r.metrics.FramesDLQ.WithLabelValues(reason).Inc()
	}
}

func (r *Router) ackIngress(ctx context.Context, id string) {
	if err := r.st.Ack(ctx, r.opts.IngressStream, r.opts.ConsumerGroup, id); err != nil {
		slog.Warn("[Router] Ingress ack failed", "entry_id", id, "error", err)
	}
}

func (r *Router) publishDrop(ctx context.Context, f *frame.FrameRef, reason string) {
	if r.bus == nil {
		return
	}
	_ = r.bus.Publish(ctx, &events.Event{
		Type:   events.EventFrameDropped,
		Source: "router",
		Payload: map[string]interface{}{
			"frame_id": f.FrameID,
			"reason":   reason,
			"priority": f.Priority,
		},
	})
}

// withRetryIndex serializes access to the parked-frame index.
func (r *Router) withRetryIndex(fn func()) {
	r.retryMu.Lock()
	defer r.retryMu.Unlock()
	fn()
}

// toIface widens decoded stream fields back to the append value type.
func toIface(fields map[string]string) map[string]interface{} {
	out := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}
