// Package registry maintains the authoritative set of live processors and
// answers capability queries for the router. Records are kept in-memory
// with a capability index; an optional JSON snapshot is persisted to the
// stream store on every mutation so a restarted orchestrator can restore
// its view before the first heartbeats arrive.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/framefabric/backend/internal/events"
	"github.com/framefabric/backend/internal/store"
)

// HealthStatus classifies a processor's self-reported condition.
type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusDegraded  HealthStatus = "degraded"
	StatusUnhealthy HealthStatus = "unhealthy"
)

// Registration describes one processor as declared at registration time.
type Registration struct {
	ID           string            `json:"id"`
	Capabilities []string          `json:"capabilities"`
	Capacity     int               `json:"capacity"`
	Queue        string            `json:"queue"`
	Endpoint     string            `json:"endpoint,omitempty"`
	ResultStream string            `json:"result_stream,omitempty"`
	// Priority is an optional multiplicative boost applied during selection
	// scoring. Frame priority remains authoritative for queue ordering.
	Priority float64           `json:"priority,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Health is the mutable, heartbeat-driven half of a processor record.
type Health struct {
	Status           HealthStatus `json:"status"`
	CapacityUsed     float64      `json:"capacity_used"`
	FramesProcessed  int64        `json:"frames_processed"`
	ErrorsLastMinute int64        `json:"errors_last_minute"`
	LastHealthCheck  time.Time    `json:"last_health_check"`
}

// Entry is the registry's full view of one processor.
type Entry struct {
	Registration Registration `json:"registration"`
	Health       Health       `json:"health"`
	Epoch        int64        `json:"epoch"`
	RegisteredAt time.Time    `json:"registered_at"`
	Evicted      bool         `json:"evicted"`
	EvictedAt    time.Time    `json:"evicted_at,omitempty"`
}

// Patch carries partial updates for an existing registration.
type Patch struct {
	Capabilities []string          `json:"capabilities,omitempty"`
	Capacity     *int              `json:"capacity,omitempty"`
	Priority     *float64          `json:"priority,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

var (
	// ErrConflict is returned when a live registration with the same id exists.
	ErrConflict = errors.New("registry: processor id already registered and live")
	// ErrUnknownProcessor is returned for operations on ids the registry
	// does not hold. Clients react by re-registering.
	ErrUnknownProcessor = errors.New("registry: unknown processor")
)

// Options tunes registry liveness behavior.
type Options struct {
	LivenessCheckInterval time.Duration
	LivenessTimeout       time.Duration
	EvictedRetention      time.Duration
	SnapshotKey           string
}

// Registry is safe for concurrent use.
type Registry struct {
	mu              sync.RWMutex
	entries         map[string]*Entry
	capabilityIndex map[string][]string
	epoch           int64

	opts  Options
	bus   events.Bus
	store store.StreamStore // optional; nil disables snapshots
}

// New creates a registry. bus may not be nil; st may be nil to disable
// snapshot persistence.
func New(opts Options, bus events.Bus, st store.StreamStore) *Registry {
	if opts.LivenessCheckInterval == 0 {
		opts.LivenessCheckInterval = 10 * time.Second
	}
	if opts.LivenessTimeout == 0 {
		opts.LivenessTimeout = 60 * time.Second
	}
	if opts.EvictedRetention == 0 {
		opts.EvictedRetention = 5 * time.Minute
	}
	if opts.SnapshotKey == "" {
		opts.SnapshotKey = "orchestrator:registry"
	}
	return &Registry{
		entries:         make(map[string]*Entry),
		capabilityIndex: make(map[string][]string),
		opts:            opts,
		bus:             bus,
		store:           st,
	}
}

// QueueName derives the canonical egress stream for a processor id.
func QueueName(prefix, id string) string {
	return prefix + id
}

// Register adds a processor. It conflicts when an active entry with the
// same id has heartbeated within the liveness window; an evicted or stale
// entry is replaced under a new epoch.
func (r *Registry) Register(ctx context.Context, reg Registration) (*Entry, error) {
	if reg.ID == "" {
		return nil, fmt.Errorf("registry: id is required")
	}
	if reg.Capacity <= 0 {
		return nil, fmt.Errorf("registry: capacity must be positive, got %d", reg.Capacity)
	}

	r.mu.Lock()
	if existing, ok := r.entries[reg.ID]; ok && !existing.Evicted &&
		time.Since(existing.Health.LastHealthCheck) < r.opts.LivenessTimeout {
		r.mu.Unlock()
		return nil, ErrConflict
	}

	r.epoch++
	now := time.Now()
	entry := &Entry{
		Registration: reg,
		Health: Health{
			Status:          StatusHealthy,
			LastHealthCheck: now,
		},
		Epoch:        r.epoch,
		RegisteredAt: now,
	}

	if old, ok := r.entries[reg.ID]; ok {
		r.dropFromIndexLocked(old)
	}
	r.entries[reg.ID] = entry
	for _, cap := range reg.Capabilities {
		r.capabilityIndex[cap] = append(r.capabilityIndex[cap], reg.ID)
	}
	snapshot := r.snapshotLocked()
	r.mu.Unlock()

	slog.Info("[Registry] Registered processor",
		"processor_id", reg.ID, "capabilities", reg.Capabilities, "capacity", reg.Capacity)
	r.publish(ctx, events.EventProcessorRegistered, map[string]interface{}{
		"processor_id": reg.ID,
		"epoch":        entry.Epoch,
	})
	r.persistSnapshot(ctx, snapshot)
	return entry, nil
}

// Heartbeat refreshes a processor's health and resets its liveness timer.
// A heartbeat against an evicted or unknown id fails so the client
// re-registers under a fresh epoch.
func (r *Registry) Heartbeat(ctx context.Context, id string, h Health) error {
	r.mu.Lock()
	entry, ok := r.entries[id]
	if !ok || entry.Evicted {
		r.mu.Unlock()
		return ErrUnknownProcessor
	}

	if h.Status == "" {
		h.Status = StatusHealthy
	}
	entry.Health = Health{
		Status:           h.Status,
		CapacityUsed:     clamp01(h.CapacityUsed),
		FramesProcessed:  h.FramesProcessed,
		ErrorsLastMinute: h.ErrorsLastMinute,
		LastHealthCheck:  time.Now(),
	}
	snapshot := r.snapshotLocked()
	r.mu.Unlock()

	r.persistSnapshot(ctx, snapshot)
	return nil
}

// Unregister removes a processor entirely.
func (r *Registry) Unregister(ctx context.Context, id string) error {
	r.mu.Lock()
	entry, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return ErrUnknownProcessor
	}
	r.dropFromIndexLocked(entry)
	delete(r.entries, id)
	snapshot := r.snapshotLocked()
	r.mu.Unlock()

	slog.Info("[Registry] Unregistered processor", "processor_id", id)
	r.persistSnapshot(ctx, snapshot)
	return nil
}

// Update applies a partial change to an existing registration.
func (r *Registry) Update(ctx context.Context, id string, patch Patch) (*Entry, error) {
	r.mu.Lock()
	entry, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return nil, ErrUnknownProcessor
	}

	if patch.Capabilities != nil {
		r.dropFromIndexLocked(entry)
		entry.Registration.Capabilities = patch.Capabilities
		for _, cap := range patch.Capabilities {
			r.capabilityIndex[cap] = append(r.capabilityIndex[cap], id)
		}
	}
	if patch.Capacity != nil {
		if *patch.Capacity <= 0 {
			r.mu.Unlock()
			return nil, fmt.Errorf("registry: capacity must be positive")
		}
		entry.Registration.Capacity = *patch.Capacity
	}
	if patch.Priority != nil {
		entry.Registration.Priority = *patch.Priority
	}
	if patch.Metadata != nil {
		entry.Registration.Metadata = patch.Metadata
	}
	updated := *entry
	snapshot := r.snapshotLocked()
	r.mu.Unlock()

	r.persistSnapshot(ctx, snapshot)
	return &updated, nil
}

// Candidates returns routable processors exposing the capability. Routable
// means: not evicted, status healthy or degraded, heartbeat within the
// liveness window. Breaker availability is the router's concern.
func (r *Registry) Candidates(capability string) []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.capabilityIndex[capability]
	out := make([]*Entry, 0, len(ids))
	for _, id := range ids {
		entry, ok := r.entries[id]
		if !ok || !r.routableLocked(entry) {
			continue
		}
		copied := *entry
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Registration.ID < out[j].Registration.ID
	})
	return out
}

// All returns a snapshot of every entry, evicted records included.
func (r *Registry) All() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Entry, 0, len(r.entries))
	for _, entry := range r.entries {
		copied := *entry
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Registration.ID < out[j].Registration.ID
	})
	return out
}

// ByID returns a copy of one entry.
func (r *Registry) ByID(id string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	copied := *entry
	return &copied, true
}

// ActiveCount returns the number of routable processors.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, entry := range r.entries {
		if r.routableLocked(entry) {
			n++
		}
	}
	return n
}

// Run drives the liveness sweep until ctx is canceled.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.opts.LivenessCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

// sweep marks stale processors unhealthy and evicts them softly; records
// past the retention window are purged.
func (r *Registry) sweep(ctx context.Context) {
	now := time.Now()
	var evicted []string

	r.mu.Lock()
	for id, entry := range r.entries {
		if entry.Evicted {
			if now.Sub(entry.EvictedAt) > r.opts.EvictedRetention {
				r.dropFromIndexLocked(entry)
				delete(r.entries, id)
			}
			continue
		}
		if now.Sub(entry.Health.LastHealthCheck) > r.opts.LivenessTimeout {
			entry.Health.Status = StatusUnhealthy
			entry.Evicted = true
			entry.EvictedAt = now
			evicted = append(evicted, id)
		}
	}
	var snapshot []byte
	if len(evicted) > 0 {
		snapshot = r.snapshotLocked()
	}
	r.mu.Unlock()

	for _, id := range evicted {
		slog.Warn("[Registry] Evicted processor after liveness timeout", "processor_id", id)
		r.publish(ctx, events.EventProcessorEvicted, map[string]interface{}{
			"processor_id": id,
			"reason":       "liveness_timeout",
		})
	}
	if snapshot != nil {
		r.persistSnapshot(ctx, snapshot)
	}
}

// Restore loads the persisted snapshot, if any. Entries are restored as
// evicted so they become routable again only after a fresh heartbeat or
// re-registration.
func (r *Registry) Restore(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	data, err := r.store.Get(ctx, r.opts.SnapshotKey)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("registry: load snapshot: %w", err)
	}

	var entries []*Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("registry: decode snapshot: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, entry := range entries {
		entry.Evicted = true
		entry.EvictedAt = time.Now()
		entry.Health.Status = StatusUnhealthy
		r.entries[entry.Registration.ID] = entry
		for _, cap := range entry.Registration.Capabilities {
			r.capabilityIndex[cap] = append(r.capabilityIndex[cap], entry.Registration.ID)
		}
		if entry.Epoch > r.epoch {
			r.epoch = entry.Epoch
		}
	}
	slog.Info("[Registry] Restored snapshot", "entries", len(entries))
	return nil
}

func (r *Registry) routableLocked(entry *Entry) bool {
	if entry.Evicted {
		return false
	}
	if entry.Health.Status != StatusHealthy && entry.Health.Status != StatusDegraded {
		return false
	}
	return time.Since(entry.Health.LastHealthCheck) <= r.opts.LivenessTimeout
}

func (r *Registry) dropFromIndexLocked(entry *Entry) {
	id := entry.Registration.ID
	for _, cap := range entry.Registration.Capabilities {
		ids := r.capabilityIndex[cap]
		for i, v := range ids {
			if v == id {
				r.capabilityIndex[cap] = append(ids[:i], ids[i+1:]...)
				break
			}
		}
		if len(r.capabilityIndex[cap]) == 0 {
			delete(r.capabilityIndex, cap)
		}
	}
}

func (r *Registry) snapshotLocked() []byte {
	entries := make([]*Entry, 0, len(r.entries))
	for _, entry := range r.entries {
		copied := *entry
		entries = append(entries, &copied)
	}
	data, err := json.Marshal(entries)
	if err != nil {
		slog.Warn("[Registry] Snapshot marshal failed", "error", err)
		return nil
	}
	return data
}

func (r *Registry) persistSnapshot(ctx context.Context, snapshot []byte) {
	if r.store == nil || snapshot == nil {
		return
	}
	if err := r.store.Set(ctx, r.opts.SnapshotKey, snapshot, 0); err != nil {
		slog.Warn("[Registry] Snapshot persist failed", "error", err)
	}
}

func (r *Registry) publish(ctx context.Context, t events.EventType, payload map[string]interface{}) {
	if r.bus == nil {
		return
	}
	_ = r.bus.Publish(ctx, &events.Event{Type: t, Source: "registry", Payload: payload})
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
