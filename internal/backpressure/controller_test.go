package backpressure

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/framefabric/backend/internal/registry"
	"github.com/framefabric/backend/internal/store"
)

func testSetup(t *testing.T) (*Controller, store.StreamStore, *registry.Registry) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := store.NewRedisStreamStoreFromClient(rdb)
	t.Cleanup(func() { st.Close() })

	reg := registry.New(registry.Options{LivenessTimeout: time.Minute}, nil, nil)
	c := New(Options{
		EgressPrefix:      "frames:ready:",
		LowThreshold:      0.6,
		HighThreshold:     0.8,
		CriticalThreshold: 0.95,
	}, st, reg, nil)
	return c, st, reg
}

func registerWithCapacity(t *testing.T, reg *registry.Registry, id string, capacity int) {
	t.Helper()
	_, err := reg.Register(context.Background(), registry.Registration{
		ID:           id,
		Capabilities: []string{"detection"},
		Capacity:     capacity,
	})
	require.NoError(t, err)
}

func fillQueue(t *testing.T, st store.StreamStore, stream string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := st.Append(context.Background(), stream, map[string]interface{}{"n": i})
		require.NoError(t, err)
	}
}

func TestLevelRates(t *testing.T) {
	assert.Equal(t, 1.0, LevelNormal.Rate())
	assert.Equal(t, 0.8, LevelLow.Rate())
	assert.Equal(t, 0.5, LevelHigh.Rate())
	assert.Equal(t, 0.0, LevelCritical.Rate())
}

func TestSampleComputesLevels(t *testing.T) {
	cases := []struct {
		name   string
		frames int
		want   Level
	}{
		{"normal", 2, LevelNormal},
		{"low", 7, LevelLow},
		{"high", 8, LevelHigh},
		{"critical", 10, LevelCritical},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, st, reg := testSetup(t)
			registerWithCapacity(t, reg, "p-1", 10)
			fillQueue(t, st, "frames:ready:p-1", tc.frames)

			c.Sample(context.Background())
			assert.Equal(t, tc.want, c.Level())
			assert.Equal(t, tc.want.Rate(), c.ConsumptionRate())
		})
	}
}

func TestWorstQueueDominates(t *testing.T) {
	c, st, reg := testSetup(t)
	registerWithCapacity(t, reg, "idle", 10)
	registerWithCapacity(t, reg, "swamped", 10)
	fillQueue(t, st, "frames:ready:idle", 1)
	fillQueue(t, st, "frames:ready:swamped", 10)

	c.Sample(context.Background())
	assert.Equal(t, LevelCritical, c.Level())
	assert.True(t, c.Paused())
}

func TestUnknownProcessorDefaultsCapacityOne(t *testing.T) {
	c, st, _ := testSetup(t)
	fillQueue(t, st, "frames:ready:stranger", 2)

	c.Sample(context.Background())
	// 2 entries against capacity 1 is utilization 2.0: critical.
	assert.Equal(t, LevelCritical, c.Level())
}

func TestQueueStatsExposed(t *testing.T) {
	c, st, reg := testSetup(t)
	registerWithCapacity(t, reg, "p-1", 10)
	fillQueue(t, st, "frames:ready:p-1", 3)

	c.Sample(context.Background())
	stats := c.QueueStats()
	require.Len(t, stats, 1)
	assert.Equal(t, "p-1", stats[0].ProcessorID)
	assert.Equal(t, int64(3), stats[0].Length)
	assert.InDelta(t, 0.3, stats[0].Utilization, 0.001)
}

func TestPressureClearsWhenDrained(t *testing.T) {
	c, st, reg := testSetup(t)
	registerWithCapacity(t, reg, "p-1", 10)
	fillQueue(t, st, "frames:ready:p-1", 10)

	ctx := context.Background()
	c.Sample(ctx)
	require.Equal(t, LevelCritical, c.Level())

	require.NoError(t, st.Trim(ctx, "frames:ready:p-1", 0))
	c.Sample(ctx)
	assert.Equal(t, LevelNormal, c.Level())
	assert.False(t, c.Paused())
}

func TestThrottleScalesWithPriority(t *testing.T) {
	c, _, _ := testSetup(t)
	c.mu.Lock()
	c.level = LevelHigh
	c.rate = LevelHigh.Rate()
	c.mu.Unlock()

	// Higher priority keeps more of its consumption share.
	p1 := c.Throttle(1)
	p10 := c.Throttle(10)
	assert.InDelta(t, 0.5, p1, 0.001)
	assert.InDelta(t, 0.95, p10, 0.001)
	assert.Greater(t, p10, p1)

	// Zero and negative priorities are treated as 1.
	assert.Equal(t, p1, c.Throttle(0))
}

func TestAdaptiveShrinksUnderSustainedPressure(t *testing.T) {
	c, _, _ := testSetup(t)
	c.opts.Adaptive = true

	c.mu.Lock()
	for i := 0; i < minSamples; i++ {
		c.samples = append(c.samples, LevelHigh)
	}
	c.lastAdjust = time.Now().Add(-2 * adjustInterval)
	c.adaptLocked()
	high, critical := c.opts.HighThreshold, c.opts.CriticalThreshold
	c.mu.Unlock()

	assert.Less(t, high, 0.8)
	assert.Less(t, critical, 0.95)
}

func TestAdaptiveRelaxesWhenPressureRare(t *testing.T) {
	c, _, _ := testSetup(t)
	c.opts.Adaptive = true

	c.mu.Lock()
	for i := 0; i < minSamples; i++ {
		c.samples = append(c.samples, LevelNormal)
	}
	c.lastAdjust = time.Now().Add(-2 * adjustInterval)
	c.adaptLocked()
	high, critical := c.opts.HighThreshold, c.opts.CriticalThreshold
	c.mu.Unlock()

	assert.Greater(t, high, 0.8)
	assert.Greater(t, critical, 0.95)
	assert.LessOrEqual(t, high, highThresholdCap)
	assert.LessOrEqual(t, critical, critThresholdCap)
}

func TestAdaptiveNeedsEnoughSamples(t *testing.T) {
	c, _, _ := testSetup(t)
	c.opts.Adaptive = true

	c.mu.Lock()
	c.samples = []Level{LevelHigh, LevelHigh}
	c.lastAdjust = time.Now().Add(-2 * adjustInterval)
	c.adaptLocked()
	high := c.opts.HighThreshold
	c.mu.Unlock()

	assert.Equal(t, 0.8, high)
}
