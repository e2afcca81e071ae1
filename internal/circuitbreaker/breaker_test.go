package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		FailureThreshold: 3,
		RecoveryTimeout:  50 * time.Millisecond,
		SuccessThreshold: 2,
		HalfOpenMaxCalls: 2,
		CallTimeout:      time.Second,
	}
}

var errBoom = errors.New("boom")

func failN(m *Manager, id string, n int) {
	for i := 0; i < n; i++ {
		_ = m.Do(context.Background(), id, func(context.Context) error {
			return errBoom
		}, nil)
	}
}

func succeedN(m *Manager, id string, n int) {
	for i := 0; i < n; i++ {
		_ = m.Do(context.Background(), id, func(context.Context) error {
			return nil
		}, nil)
	}
}

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	m := NewManager(testConfig(), nil)

	failN(m, "p-1", 2)
	assert.Equal(t, StateClosed, m.Get("p-1").State())

	failN(m, "p-1", 1)
	assert.Equal(t, StateOpen, m.Get("p-1").State())
	assert.False(t, m.IsAvailable("p-1"))
}

func TestSuccessResetsFailureStreak(t *testing.T) {
	m := NewManager(testConfig(), nil)

	failN(m, "p-1", 2)
	succeedN(m, "p-1", 1)
	failN(m, "p-1", 2)
	assert.Equal(t, StateClosed, m.Get("p-1").State())
}

func TestOpenRejectsWithoutInvoking(t *testing.T) {
	m := NewManager(testConfig(), nil)
	failN(m, "p-1", 3)

	invoked := false
	err := m.Do(context.Background(), "p-1", func(context.Context) error {
		invoked = true
		return nil
	}, nil)

	require.ErrorIs(t, err, ErrBreakerOpen)
	assert.False(t, invoked)
}

func TestFallbackRunsWhenOpen(t *testing.T) {
	m := NewManager(testConfig(), nil)
	failN(m, "p-1", 3)

	fallbackErr := errors.New("rerouted")
	err := m.Do(context.Background(), "p-1", func(context.Context) error {
		return nil
	}, func(cause error) error {
		assert.ErrorIs(t, cause, ErrBreakerOpen)
		return fallbackErr
	})
	assert.ErrorIs(t, err, fallbackErr)
}

func TestHalfOpenAfterRecoveryTimeout(t *testing.T) {
	m := NewManager(testConfig(), nil)
	failN(m, "p-1", 3)
	require.Equal(t, StateOpen, m.Get("p-1").State())

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, m.Get("p-1").State())
	assert.True(t, m.IsAvailable("p-1"))
}

func TestHalfOpenClosesAfterSuccessThreshold(t *testing.T) {
	m := NewManager(testConfig(), nil)
	failN(m, "p-1", 3)
	time.Sleep(60 * time.Millisecond)

	succeedN(m, "p-1", 2)
	assert.Equal(t, StateClosed, m.Get("p-1").State())
}

func TestHalfOpenFailureReopens(t *testing.T) {
	m := NewManager(testConfig(), nil)
	failN(m, "p-1", 3)
	time.Sleep(60 * time.Millisecond)

	failN(m, "p-1", 1)
	assert.Equal(t, StateOpen, m.Get("p-1").State())
}

func TestHalfOpenProbeBudget(t *testing.T) {
	cfg := testConfig()
	cfg.HalfOpenMaxCalls = 1
	m := NewManager(cfg, nil)
	failN(m, "p-1", 3)
	time.Sleep(60 * time.Millisecond)

	b := m.Get("p-1")
	_, err := b.allow()
	require.NoError(t, err)
	_, err = b.allow()
	assert.ErrorIs(t, err, ErrTooManyProbes)
}

func TestExcludedErrorsDoNotTrip(t *testing.T) {
	cfg := testConfig()
	cfg.ExcludedErrors = []error{context.Canceled}
	m := NewManager(cfg, nil)

	for i := 0; i < 10; i++ {
		_ = m.Do(context.Background(), "p-1", func(context.Context) error {
			return context.Canceled
		}, nil)
	}
	assert.Equal(t, StateClosed, m.Get("p-1").State())
}

func TestCallTimeoutCountsAsFailure(t *testing.T) {
	cfg := testConfig()
	cfg.CallTimeout = 10 * time.Millisecond
	m := NewManager(cfg, nil)

	err := m.Do(context.Background(), "p-1", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, nil)

	require.ErrorIs(t, err, ErrCallTimeout)
	_, counts, _ := m.Get("p-1").Snapshot()
	assert.Equal(t, 1, counts.ConsecutiveFailures)
}

func TestAvailableSubsetFiltersOpen(t *testing.T) {
	m := NewManager(testConfig(), nil)
	failN(m, "bad", 3)
	succeedN(m, "good", 1)

	subset := m.AvailableSubset([]string{"bad", "good", "unseen"})
	assert.Equal(t, []string{"good", "unseen"}, subset)
}

func TestUnknownProcessorIsAvailable(t *testing.T) {
	m := NewManager(testConfig(), nil)
	assert.True(t, m.IsAvailable("never-seen"))
}

func TestRecordedOutcomesFeedBreaker(t *testing.T) {
	m := NewManager(testConfig(), nil)

	m.RecordFailure("p-1", errBoom)
	m.RecordFailure("p-1", errBoom)
	m.RecordFailure("p-1", errBoom)
	assert.Equal(t, StateOpen, m.Get("p-1").State())

	// Excluded failures are ignored entirely.
	m2 := NewManager(Config{
		FailureThreshold: 1,
		RecoveryTimeout:  time.Minute,
		SuccessThreshold: 1,
		HalfOpenMaxCalls: 1,
		ExcludedErrors:   []error{context.Canceled},
	}, nil)
	m2.RecordFailure("p-2", context.Canceled)
	assert.Equal(t, StateClosed, m2.Get("p-2").State())
}

func TestRemoveForgetsState(t *testing.T) {
	m := NewManager(testConfig(), nil)
	failN(m, "p-1", 3)
	require.False(t, m.IsAvailable("p-1"))

	m.Remove("p-1")
	assert.True(t, m.IsAvailable("p-1"))
}

func TestStatesSnapshot(t *testing.T) {
	m := NewManager(testConfig(), nil)
	succeedN(m, "a", 1)
	failN(m, "b", 3)

	states := m.States()
	assert.Equal(t, StateClosed, states["a"])
	assert.Equal(t, StateOpen, states["b"])
}
