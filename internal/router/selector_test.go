package router

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/framefabric/backend/internal/circuitbreaker"
	"github.com/framefabric/backend/internal/frame"
	"github.com/framefabric/backend/internal/registry"
)

func selectorFixture(t *testing.T) (*registry.Registry, *circuitbreaker.Manager) {
	t.Helper()
	reg := registry.New(registry.Options{LivenessTimeout: time.Minute}, nil, nil)
	breakers := circuitbreaker.NewManager(circuitbreaker.Config{
		FailureThreshold: 2,
		RecoveryTimeout:  time.Minute,
		SuccessThreshold: 1,
		HalfOpenMaxCalls: 1,
	}, nil)
	return reg, breakers
}

func addProcessor(t *testing.T, reg *registry.Registry, id string, priority float64) {
	t.Helper()
	_, err := reg.Register(context.Background(), registry.Registration{
		ID:           id,
		Capabilities: []string{"detection"},
		Capacity:     4,
		Priority:     priority,
	})
	require.NoError(t, err)
}

func ids(entries []*registry.Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Registration.ID
	}
	return out
}

func TestSelectorRanksAllCandidates(t *testing.T) {
	reg, breakers := selectorFixture(t)
	addProcessor(t, reg, "a", 0)
	addProcessor(t, reg, "b", 0)

	ranked := selectProcessors(&frame.FrameRef{FrameID: "f-1"}, reg, breakers, "detection")
	assert.Len(t, ranked, 2)
}

func TestSelectorTieBreaksOnID(t *testing.T) {
	reg, breakers := selectorFixture(t)
	addProcessor(t, reg, "zeta", 0)
	addProcessor(t, reg, "alpha", 0)

	// Identical scores and capacity: lexicographic id order decides,
	// keeping selection deterministic across restarts.
	ranked := selectProcessors(&frame.FrameRef{FrameID: "f-1"}, reg, breakers, "detection")
	assert.Equal(t, []string{"alpha", "zeta"}, ids(ranked))
}

func TestSelectorPriorityBoost(t *testing.T) {
	reg, breakers := selectorFixture(t)
	addProcessor(t, reg, "plain", 0)
	addProcessor(t, reg, "boosted", 3.0)

	ranked := selectProcessors(&frame.FrameRef{FrameID: "f-1"}, reg, breakers, "detection")
	require.NotEmpty(t, ranked)
	assert.Equal(t, "boosted", ranked[0].Registration.ID)
}

func TestSelectorPenalizesRecentErrors(t *testing.T) {
	reg, breakers := selectorFixture(t)
	addProcessor(t, reg, "clean", 0)
	addProcessor(t, reg, "flaky", 0)
	require.NoError(t, reg.Heartbeat(context.Background(), "flaky", registry.Health{
		Status:           registry.StatusHealthy,
		ErrorsLastMinute: 30,
	}))

	ranked := selectProcessors(&frame.FrameRef{FrameID: "f-1"}, reg, breakers, "detection")
	require.Len(t, ranked, 2)
	assert.Equal(t, "clean", ranked[0].Registration.ID)
}

func TestSelectorSkipsWrongCapability(t *testing.T) {
	reg, breakers := selectorFixture(t)
	addProcessor(t, reg, "detector", 0)

	f := &frame.FrameRef{FrameID: "f-1", Metadata: map[string]string{"capability": "ocr"}}
	ranked := selectProcessors(f, reg, breakers, "detection")
	assert.Empty(t, ranked)
}

func TestSelectorSkipsOpenBreaker(t *testing.T) {
	reg, breakers := selectorFixture(t)
	addProcessor(t, reg, "dark", 0)
	breakers.RecordFailure("dark", assert.AnError)
	breakers.RecordFailure("dark", assert.AnError)

	ranked := selectProcessors(&frame.FrameRef{FrameID: "f-1"}, reg, breakers, "detection")
	assert.Empty(t, ranked)
}
