// Package circuitbreaker isolates faulty processors from the router. One
// breaker exists per processor id, created lazily; an OPEN breaker removes
// the processor from routing until the recovery timeout admits probe calls.
package circuitbreaker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/framefabric/backend/internal/events"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // normal operation, calls pass through
	StateOpen                  // failure threshold exceeded, calls blocked
	StateHalfOpen              // probing whether the processor recovered
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

var (
	// ErrBreakerOpen is returned without invoking the operation while the
	// breaker is open.
	ErrBreakerOpen = errors.New("circuit breaker is open")
	// ErrTooManyProbes is returned when the half-open admission budget is
	// exhausted.
	ErrTooManyProbes = errors.New("too many calls in half-open state")
	// ErrCallTimeout marks an operation that exceeded the per-call timeout.
	// It counts as a breaker failure.
	ErrCallTimeout = errors.New("breaker call timed out")
)

// Config holds breaker parameters shared by all processors.
type Config struct {
	// FailureThreshold is the consecutive-failure count that trips CLOSED -> OPEN.
	FailureThreshold int
	// RecoveryTimeout is how long OPEN lasts before a call attempt moves
	// the breaker to HALF_OPEN.
	RecoveryTimeout time.Duration
	// SuccessThreshold is the consecutive successes in HALF_OPEN needed to close.
	SuccessThreshold int
	// HalfOpenMaxCalls bounds concurrent admissions while half-open.
	HalfOpenMaxCalls int
	// CallTimeout bounds each guarded operation; exceeding it is a failure.
	CallTimeout time.Duration
	// ExcludedErrors are failure kinds that must not count against the
	// breaker (e.g. caller cancellation).
	ExcludedErrors []error
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
		SuccessThreshold: 3,
		HalfOpenMaxCalls: 3,
		CallTimeout:      10 * time.Second,
		ExcludedErrors:   []error{context.Canceled},
	}
}

// Counts tracks call outcomes within the current generation.
type Counts struct {
	Calls                int
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
}

// Breaker is one processor's state machine.
type Breaker struct {
	id  string
	cfg Config

	mu         sync.Mutex
	state      State
	generation uint64
	counts     Counts
	openedAt   time.Time

	onStateChange func(id string, from, to State)
}

func newBreaker(id string, cfg Config, onStateChange func(string, State, State)) *Breaker {
	return &Breaker{id: id, cfg: cfg, onStateChange: onStateChange}
}

// State returns the current state, applying the OPEN -> HALF_OPEN timer.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, _ := b.currentStateLocked(time.Now())
	return s
}

// Snapshot returns the state together with counters for diagnostics.
func (b *Breaker) Snapshot() (State, Counts, time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, _ := b.currentStateLocked(time.Now())
	return s, b.counts, b.openedAt
}

// allow admits or rejects a call and returns the generation token.
func (b *Breaker) allow() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state, gen := b.currentStateLocked(now)

	switch state {
	case StateOpen:
		return gen, ErrBreakerOpen
	case StateHalfOpen:
		if b.counts.Calls >= b.cfg.HalfOpenMaxCalls {
			return gen, ErrTooManyProbes
		}
	}
	b.counts.Calls++
	return gen, nil
}

// record applies a call outcome. Outcomes from a previous generation are
// discarded: the state already moved on.
func (b *Breaker) record(gen uint64, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state, current := b.currentStateLocked(now)
	if gen != current {
		return
	}

	if success {
		b.counts.ConsecutiveSuccesses++
		b.counts.ConsecutiveFailures = 0
		if state == StateHalfOpen && b.counts.ConsecutiveSuccesses >= b.cfg.SuccessThreshold {
			b.setStateLocked(StateClosed, now)
		}
		return
	}

	b.counts.ConsecutiveFailures++
	b.counts.ConsecutiveSuccesses = 0
	switch state {
	case StateClosed:
		if b.counts.ConsecutiveFailures >= b.cfg.FailureThreshold {
			b.setStateLocked(StateOpen, now)
		}
	case StateHalfOpen:
		b.setStateLocked(StateOpen, now)
	}
}

func (b *Breaker) currentStateLocked(now time.Time) (State, uint64) {
	if b.state == StateOpen && now.Sub(b.openedAt) >= b.cfg.RecoveryTimeout {
		b.setStateLocked(StateHalfOpen, now)
	}
	return b.state, b.generation
}

func (b *Breaker) setStateLocked(state State, now time.Time) {
	if b.state == state {
		return
	}
	prev := b.state
	b.state = state
	b.generation++
	b.counts = Counts{}
	if state == StateOpen {
		b.openedAt = now
	}
	if b.onStateChange != nil {
		b.onStateChange(b.id, prev, state)
	}
}

// Manager owns one breaker per processor id.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	cfg      Config
	bus      events.Bus
}

// NewManager creates a manager. bus may be nil to disable state events.
func NewManager(cfg Config, bus events.Bus) *Manager {
	if cfg.FailureThreshold == 0 {
		cfg = DefaultConfig()
	}
	return &Manager{
		breakers: make(map[string]*Breaker),
		cfg:      cfg,
		bus:      bus,
	}
}

// Get returns the breaker for a processor, creating it lazily.
func (m *Manager) Get(id string) *Breaker {
	m.mu.RLock()
	b, ok := m.breakers[id]
	m.mu.RUnlock()
	if ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok = m.breakers[id]; ok {
		return b
	}
	b = newBreaker(id, m.cfg, m.stateChanged)
	m.breakers[id] = b
	return b
}

// Remove drops a breaker, typically after unregistration.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.breakers, id)
}

// IsAvailable reports whether calls to the processor are currently admitted.
func (m *Manager) IsAvailable(id string) bool {
	m.mu.RLock()
	b, ok := m.breakers[id]
	m.mu.RUnlock()
	if !ok {
		return true // no breaker yet means no recorded failures
	}
	return b.State() != StateOpen
}

// AvailableSubset filters ids down to those whose breaker admits calls.
func (m *Manager) AvailableSubset(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if m.IsAvailable(id) {
			out = append(out, id)
		}
	}
	return out
}

// Do runs op for the processor under the breaker and its call timeout.
// When the breaker rejects the call and a fallback is supplied, the
// fallback runs instead; otherwise the rejection error is returned.
func (m *Manager) Do(ctx context.Context, id string, op func(context.Context) error, fallback func(error) error) error {
	b := m.Get(id)
	gen, err := b.allow()
	if err != nil {
		if fallback != nil {
			return fallback(err)
		}
		return err
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if b.cfg.CallTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, b.cfg.CallTimeout)
		defer cancel()
	}

	opErr := op(callCtx)
	if opErr != nil && callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		opErr = errors.Join(ErrCallTimeout, opErr)
	}

	b.record(gen, opErr == nil || m.excluded(opErr))
	return opErr
}

// RecordSuccess and RecordFailure let the router report outcomes observed
// outside Do, e.g. egress append results.
func (m *Manager) RecordSuccess(id string) {
	b := m.Get(id)
	gen, err := b.allow()
	if err != nil {
		return
	}
	b.record(gen, true)
}

func (m *Manager) RecordFailure(id string, opErr error) {
	if m.excluded(opErr) {
		return
	}
	b := m.Get(id)
	gen, err := b.allow()
	if err != nil {
		return
	}
	b.record(gen, false)
}

// States returns the state of every known breaker.
func (m *Manager) States() map[string]State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]State, len(m.breakers))
	for id, b := range m.breakers {
		out[id] = b.State()
	}
	return out
}

func (m *Manager) excluded(err error) bool {
	if err == nil {
		return false
	}
	for _, ex := range m.cfg.ExcludedErrors {
		if errors.Is(err, ex) {
			return true
		}
	}
	return false
}

func (m *Manager) stateChanged(id string, from, to State) {
	slog.Warn("[CircuitBreaker] State change",
		"processor_id", id, "from", from.String(), "to", to.String())
	if m.bus == nil {
		return
	}
	_ = m.bus.Publish(context.Background(), &events.Event{
		Type:   events.EventBreakerStateChanged,
		Source: "circuitbreaker",
		Payload: map[string]interface{}{
			"processor_id": id,
			"from":         from.String(),
			"to":           to.String(),
		},
	})
}
