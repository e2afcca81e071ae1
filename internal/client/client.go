// Package client implements the processor-side library: it registers with
// the orchestrator, consumes its egress stream through a consumer group,
// dispatches frames to user code over a bounded worker pool, publishes
// optional results, heartbeats, and drains cleanly on shutdown.
//
// Delivery is at-least-once. User code MUST be idempotent on frame_id: a
// crash between processing and ack redelivers the frame.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/framefabric/backend/internal/frame"
	"github.com/framefabric/backend/internal/registry"
	"github.com/framefabric/backend/internal/store"
)

// ProcessFunc is the user-supplied frame handler. The returned map, when
// non-nil, is published to the configured result stream. Returning an error
// leaves the frame unacked so it redelivers.
type ProcessFunc func(ctx context.Context, f *frame.FrameRef) (map[string]interface{}, error)

// traceContextKey carries the frame's propagation headers through ctx.
type traceContextKey struct{}

// TraceContext extracts the propagation headers attached by the dispatcher.
func TraceContext(ctx context.Context) map[string]string {
	tc, _ := ctx.Value(traceContextKey{}).(map[string]string)
	return tc
}

// ErrRegistrationConflict is returned when the orchestrator holds a live
// registration for this id.
var ErrRegistrationConflict = errors.New("client: processor id already registered and live")

// degradedErrorFloor is the errors-last-minute count at which the client
// reports degraded instead of healthy.
const degradedErrorFloor = 5

// Options configures a processor client.
type Options struct {
	ID              string
	Capabilities    []string
	Capacity        int
	OrchestratorURL string
	ResultStream    string
	Priority        float64
	Metadata        map[string]string

	EgressPrefix      string
	DLQStream         string
	BatchSize         int64
	HeartbeatInterval time.Duration
	DrainTimeout      time.Duration
	MaxRetries        int
	RetryBackoff      time.Duration
	// VisibilityTimeout is how long a delivered entry may stay pending on
	// another consumer before this client reclaims it.
	VisibilityTimeout time.Duration
	// ClaimThreshold is the delivery count beyond which a reclaimed entry
	// goes to the DLQ instead of being reprocessed.
	ClaimThreshold int64
}

// Client is a processor's connection to the fabric.
type Client struct {
	opts    Options
	st      store.StreamStore
	httpc   *http.Client
	process ProcessFunc

	stream   string
	group    string
	consumer string

	active          atomic.Int64
	framesProcessed atomic.Int64
	errWindow       errorWindow

	sem chan struct{}
	wg  sync.WaitGroup
}

// New builds a client. The store connection is owned by the caller and
// closed by Close.
func New(opts Options, st store.StreamStore, process ProcessFunc) (*Client, error) {
	if opts.ID == "" {
		return nil, fmt.Errorf("client: id is required")
	}
	if opts.Capacity <= 0 {
		return nil, fmt.Errorf("client: capacity must be positive, got %d", opts.Capacity)
	}
	if process == nil {
		return nil, fmt.Errorf("client: process func is required")
	}
	if opts.EgressPrefix == "" {
		opts.EgressPrefix = "frames:ready:"
	}
	if opts.DLQStream == "" {
		opts.DLQStream = "frames:dlq"
	}
	if opts.BatchSize == 0 {
		opts.BatchSize = 10
	}
	if opts.HeartbeatInterval == 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.DrainTimeout == 0 {
		opts.DrainTimeout = 30 * time.Second
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	if opts.RetryBackoff == 0 {
		opts.RetryBackoff = time.Second
	}
	if opts.VisibilityTimeout == 0 {
		opts.VisibilityTimeout = 30 * time.Second
	}
	if opts.ClaimThreshold == 0 {
		opts.ClaimThreshold = 3
	}

	return &Client{
		opts:     opts,
		st:       st,
		httpc:    &http.Client{Timeout: 10 * time.Second},
		process:  process,
		stream:   opts.EgressPrefix + opts.ID,
		group:    opts.ID + "-group",
		consumer: opts.ID + "-1",
		sem:      make(chan struct{}, opts.Capacity),
	}, nil
}

// Run registers, consumes, and heartbeats until ctx is canceled, then
// drains and unregisters.
func (c *Client) Run(ctx context.Context) error {
	if err := c.register(ctx); err != nil {
		return err
	}
	if err := c.st.CreateGroup(ctx, c.stream, c.group, "0"); err != nil {
		return fmt.Errorf("client: create group: %w", err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var loops sync.WaitGroup
	loops.Add(2)
	go func() {
		defer loops.Done()
		c.heartbeatLoop(loopCtx)
	}()
	go func() {
		defer loops.Done()
		c.claimLoop(loopCtx)
	}()

	c.consumeLoop(loopCtx)
	cancel()
	loops.Wait()

	c.drain()
	c.unregister()
	return ctx.Err()
}

// Close releases the store connection.
func (c *Client) Close() error {
	c.httpc.CloseIdleConnections()
	return c.st.Close()
}

// Active returns the number of frames currently being processed.
func (c *Client) Active() int64 { return c.active.Load() }

// consumeLoop reads batches sized to the free pool capacity. The block
// timeout adapts: short while busy so acks flow, long while idle.
func (c *Client) consumeLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		free := int64(c.opts.Capacity) - c.active.Load()
		if free <= 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}

		count := c.opts.BatchSize
		if free < count {
			count = free
		}
		block := 5 * time.Second
		if c.active.Load() > 0 {
			block = 100 * time.Millisecond
		}

		entries, err := c.st.ReadGroup(ctx, c.stream, c.group, c.consumer, count, block)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("[Client] Read failed", "processor_id", c.opts.ID, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.opts.RetryBackoff):
			}
			continue
		}

		for _, entry := range entries {
			c.dispatch(ctx, entry)
		}
	}
}

// dispatch hands one entry to the worker pool. The semaphore bounds
// in-flight work at the declared capacity.
func (c *Client) dispatch(ctx context.Context, entry store.Entry) {
	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		return
	}

	c.active.Add(1)
	c.wg.Add(1)
	// Dispatched work is detached from the run context so a shutdown lets
	// in-flight frames finish within the drain window.
	workCtx := context.WithoutCancel(ctx)
	go func() {
		defer func() {
			c.active.Add(-1)
			<-c.sem
			c.wg.Done()
		}()
		c.handle(workCtx, entry)
	}()
}

// handle runs one frame through user code and acks on success.
func (c *Client) handle(ctx context.Context, entry store.Entry) {
	f, err := frame.FromFields(entry.Fields)
	if err != nil {
		// Protocol error: not retriable, record and ack.
		c.toDLQ(ctx, entry, "decode_error", 1)
		c.ack(ctx, entry.ID)
		return
	}

	procCtx := ctx
	if len(f.TraceContext) > 0 {
		procCtx = context.WithValue(ctx, traceContextKey{}, f.TraceContext)
	}

	result, err := c.process(procCtx, f)
	if err != nil {
		// No ack: the visibility timeout redelivers the frame.
		c.errWindow.record()
		slog.Warn("[Client] Frame processing failed",
			"processor_id", c.opts.ID, "frame_id", f.FrameID, "error", err)
		return
	}

	if result != nil && c.opts.ResultStream != "" {
		c.publishResult(ctx, f, result)
	}
	c.ack(ctx, entry.ID)
	c.framesProcessed.Add(1)
}

// publishResult appends the user result with identity fields attached.
// Non-scalar values are serialized as JSON.
func (c *Client) publishResult(ctx context.Context, f *frame.FrameRef, result map[string]interface{}) {
	fields := make(map[string]interface{}, len(result)+3)
	for k, v := range result {
		switch v.(type) {
		case string, int, int32, int64, uint, uint32, uint64, float32, float64, bool:
			fields[k] = v
		default:
			b, err := json.Marshal(v)
			if err != nil {
				slog.Warn("[Client] Result field not serializable",
					"processor_id", c.opts.ID, "field", k, "error", err)
				continue
			}
			fields[k] = string(b)
		}
	}
	fields["frame_id"] = f.FrameID
	fields["processor_id"] = c.opts.ID
	fields["processed_at"] = time.Now().UTC().Format(time.RFC3339Nano)

	if _, err := c.st.Append(ctx, c.opts.ResultStream, fields); err != nil {
		slog.Warn("[Client] Result publish failed",
			"processor_id", c.opts.ID, "frame_id", f.FrameID, "error", err)
	}
}

// claimLoop reclaims entries stuck pending on dead consumers. Entries
// redelivered more than ClaimThreshold times go to the DLQ.
func (c *Client) claimLoop(ctx context.Context) {
	ticker := time.NewTicker(c.opts.VisibilityTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		pending, err := c.st.PendingEntries(ctx, c.stream, c.group, 100)
		if err != nil {
			slog.Warn("[Client] Pending inspection failed", "processor_id", c.opts.ID, "error", err)
			continue
		}
		exhausted := make(map[string]int64)
		for _, p := range pending {
			if p.RetryCount > c.opts.ClaimThreshold && p.Idle >= c.opts.VisibilityTimeout {
				exhausted[p.ID] = p.RetryCount
			}
		}

		entries, err := c.st.AutoClaim(ctx, c.stream, c.group, c.consumer, c.opts.VisibilityTimeout, 100)
		if err != nil {
			slog.Warn("[Client] Claim failed", "processor_id", c.opts.ID, "error", err)
			continue
		}
		for _, entry := range entries {
			if attempts, ok := exhausted[entry.ID]; ok {
				c.toDLQ(ctx, entry, "max_redeliveries", attempts)
				c.ack(ctx, entry.ID)
				continue
			}
			c.dispatch(ctx, entry)
		}
	}
}

// heartbeatLoop reports health until ctx is canceled. A 404 means the
// registry evicted us; re-register under a fresh epoch.
func (c *Client) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		status, err := c.sendHeartbeat(ctx)
		if err != nil {
			slog.Warn("[Client] Heartbeat failed", "processor_id", c.opts.ID, "error", err)
			continue
		}
		if status == http.StatusNotFound {
			slog.Info("[Client] Registry lost us, re-registering", "processor_id", c.opts.ID)
			if err := c.register(ctx); err != nil {
				slog.Warn("[Client] Re-registration failed", "processor_id", c.opts.ID, "error", err)
			}
		}
	}
}

func (c *Client) sendHeartbeat(ctx context.Context) (int, error) {
	errs := c.errWindow.count()
	status := registry.StatusHealthy
	if errs >= degradedErrorFloor {
		status = registry.StatusDegraded
	}

	body, err := json.Marshal(map[string]interface{}{
		"id":                 c.opts.ID,
		"status":             status,
		"capacity_used":      float64(c.active.Load()) / float64(c.opts.Capacity),
		"frames_processed":   c.framesProcessed.Load(),
		"errors_last_minute": errs,
	})
	if err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.opts.OrchestratorURL+"/processors/heartbeat", bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}

// register POSTs the registration with exponential backoff. 503s retry;
// a 409 is surfaced immediately (another live process holds the id).
func (c *Client) register(ctx context.Context) error {
	reg := registry.Registration{
		ID:           c.opts.ID,
		Capabilities: c.opts.Capabilities,
		Capacity:     c.opts.Capacity,
		Queue:        c.stream,
		ResultStream: c.opts.ResultStream,
		Priority:     c.opts.Priority,
		Metadata:     c.opts.Metadata,
	}
	body, err := json.Marshal(reg)
	if err != nil {
		return fmt.Errorf("client: marshal registration: %w", err)
	}

	backoff := c.opts.RetryBackoff
	var lastErr error
	for attempt := 1; attempt <= c.opts.MaxRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			c.opts.OrchestratorURL+"/processors/register", bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpc.Do(req)
		if err == nil {
			code := resp.StatusCode
			resp.Body.Close()
			switch {
			case code == http.StatusCreated || code == http.StatusOK:
				slog.Info("[Client] Registered", "processor_id", c.opts.ID, "queue", c.stream)
				return nil
			case code == http.StatusConflict:
				return ErrRegistrationConflict
			case code >= 500:
				lastErr = fmt.Errorf("client: register: orchestrator returned %d", code)
			default:
				return fmt.Errorf("client: register rejected with %d", code)
			}
		} else {
			lastErr = err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return fmt.Errorf("client: register failed after %d attempts: %w", c.opts.MaxRetries, lastErr)
}

// drain waits for in-flight work up to DrainTimeout; remaining frames stay
// unacked and will redeliver.
func (c *Client) drain() {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("[Client] Drained cleanly", "processor_id", c.opts.ID)
	case <-time.After(c.opts.DrainTimeout):
		slog.Warn("[Client] Drain timeout, abandoning in-flight frames",
			"processor_id", c.opts.ID, "active", c.active.Load())
	}
}

// unregister tells the orchestrator we are gone. Runs on a fresh context:
// the run context is already canceled during shutdown.
func (c *Client) unregister() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		c.opts.OrchestratorURL+"/processors/"+c.opts.ID, nil)
	if err != nil {
		return
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		slog.Warn("[Client] Unregister failed", "processor_id", c.opts.ID, "error", err)
		return
	}
	resp.Body.Close()
	slog.Info("[Client] Unregistered", "processor_id", c.opts.ID)
}

func (c *Client) toDLQ(ctx context.Context, entry store.Entry, reason string, attempts int64) {
	fields := make(map[string]interface{}, len(entry.Fields)+3)
	for k, v := range entry.Fields {
		fields[k] = v
	}
	fields["reason"] = reason
	fields["failed_at"] = time.Now().UTC().Format(time.RFC3339Nano)
	fields["attempts"] = fmt.Sprint(attempts)
	if _, err := c.st.Append(ctx, c.opts.DLQStream, fields); err != nil {
		slog.Error("[Client] DLQ append failed", "processor_id", c.opts.ID, "error", err)
	}
}

func (c *Client) ack(ctx context.Context, id string) {
	if err := c.st.Ack(ctx, c.stream, c.group, id); err != nil {
		slog.Warn("[Client] Ack failed", "processor_id", c.opts.ID, "entry_id", id, "error", err)
	}
}

// errorWindow counts failures within the trailing minute.
type errorWindow struct {
	mu    sync.Mutex
	times []time.Time
}

func (w *errorWindow) record() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.times = append(w.times, time.Now())
	w.pruneLocked()
}

func (w *errorWindow) count() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneLocked()
	return int64(len(w.times))
}

func (w *errorWindow) pruneLocked() {
	cutoff := time.Now().Add(-time.Minute)
	i := 0
	for i < len(w.times) && w.times[i].Before(cutoff) {
		i++
	}
	w.times = w.times[i:]
}
