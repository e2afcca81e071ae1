package registry

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/framefabric/backend/internal/store"
)

func testRegistry(t *testing.T, opts Options) *Registry {
	t.Helper()
	return New(opts, nil, nil)
}

func testRegistration(id string) Registration {
	return Registration{
		ID:           id,
		Capabilities: []string{"detection"},
		Capacity:     4,
		Queue:        "frames:ready:" + id,
	}
}

func TestRegisterAndLookup(t *testing.T) {
	r := testRegistry(t, Options{})
	ctx := context.Background()

	entry, err := r.Register(ctx, testRegistration("p-1"))
	require.NoError(t, err)
	assert.Equal(t, StatusHealthy, entry.Health.Status)
	assert.Equal(t, int64(1), entry.Epoch)

	got, ok := r.ByID("p-1")
	require.True(t, ok)
	assert.Equal(t, "p-1", got.Registration.ID)
	assert.Equal(t, 1, r.ActiveCount())
}

func TestRegisterRejectsInvalid(t *testing.T) {
	r := testRegistry(t, Options{})
	ctx := context.Background()

	_, err := r.Register(ctx, Registration{Capacity: 4})
	assert.Error(t, err)

	_, err = r.Register(ctx, Registration{ID: "p-1", Capacity: 0})
	assert.Error(t, err)
}

func TestRegisterConflictWhileLive(t *testing.T) {
	r := testRegistry(t, Options{LivenessTimeout: time.Minute})
	ctx := context.Background()

	_, err := r.Register(ctx, testRegistration("p-1"))
	require.NoError(t, err)

	_, err = r.Register(ctx, testRegistration("p-1"))
	assert.ErrorIs(t, err, ErrConflict)
}

func TestReRegisterAfterEvictionBumpsEpoch(t *testing.T) {
	r := testRegistry(t, Options{
		LivenessCheckInterval: time.Hour,
		LivenessTimeout:       10 * time.Millisecond,
		EvictedRetention:      time.Hour,
	})
	ctx := context.Background()

	first, err := r.Register(ctx, testRegistration("p-1"))
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	r.sweep(ctx)

	entry, ok := r.ByID("p-1")
	require.True(t, ok)
	assert.True(t, entry.Evicted)
	assert.Equal(t, 0, r.ActiveCount())

	second, err := r.Register(ctx, testRegistration("p-1"))
	require.NoError(t, err)
	assert.Greater(t, second.Epoch, first.Epoch)
	assert.False(t, second.Evicted)
}

func TestHeartbeatRefreshesHealth(t *testing.T) {
	r := testRegistry(t, Options{LivenessTimeout: time.Minute})
	ctx := context.Background()

	_, err := r.Register(ctx, testRegistration("p-1"))
	require.NoError(t, err)

	err = r.Heartbeat(ctx, "p-1", Health{
		Status:           StatusDegraded,
		CapacityUsed:     0.75,
		FramesProcessed:  120,
		ErrorsLastMinute: 2,
	})
	require.NoError(t, err)

	entry, _ := r.ByID("p-1")
	assert.Equal(t, StatusDegraded, entry.Health.Status)
	assert.Equal(t, 0.75, entry.Health.CapacityUsed)
	assert.Equal(t, int64(120), entry.Health.FramesProcessed)
}

func TestHeartbeatClampsCapacityUsed(t *testing.T) {
	r := testRegistry(t, Options{})
	ctx := context.Background()

	_, err := r.Register(ctx, testRegistration("p-1"))
	require.NoError(t, err)

	require.NoError(t, r.Heartbeat(ctx, "p-1", Health{CapacityUsed: 3.5}))
	entry, _ := r.ByID("p-1")
	assert.Equal(t, 1.0, entry.Health.CapacityUsed)
}

func TestHeartbeatUnknownOrEvicted(t *testing.T) {
	r := testRegistry(t, Options{
		LivenessCheckInterval: time.Hour,
		LivenessTimeout:       10 * time.Millisecond,
		EvictedRetention:      time.Hour,
	})
	ctx := context.Background()

	assert.ErrorIs(t, r.Heartbeat(ctx, "ghost", Health{}), ErrUnknownProcessor)

	_, err := r.Register(ctx, testRegistration("p-1"))
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	r.sweep(ctx)

	// An evicted processor must re-register, not heartbeat.
	assert.ErrorIs(t, r.Heartbeat(ctx, "p-1", Health{}), ErrUnknownProcessor)
}

func TestUnregister(t *testing.T) {
	r := testRegistry(t, Options{})
	ctx := context.Background()

	_, err := r.Register(ctx, testRegistration("p-1"))
	require.NoError(t, err)

	require.NoError(t, r.Unregister(ctx, "p-1"))
	_, ok := r.ByID("p-1")
	assert.False(t, ok)
	assert.Empty(t, r.Candidates("detection"))

	assert.ErrorIs(t, r.Unregister(ctx, "p-1"), ErrUnknownProcessor)
}

func TestUpdatePatchesRegistration(t *testing.T) {
	r := testRegistry(t, Options{})
	ctx := context.Background()

	_, err := r.Register(ctx, testRegistration("p-1"))
	require.NoError(t, err)

	capacity := 8
	priority := 2.0
	entry, err := r.Update(ctx, "p-1", Patch{
		Capabilities: []string{"ocr"},
		Capacity:     &capacity,
		Priority:     &priority,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"ocr"}, entry.Registration.Capabilities)
	assert.Equal(t, 8, entry.Registration.Capacity)
	assert.Equal(t, 2.0, entry.Registration.Priority)

	// The capability index follows the patch.
	assert.Empty(t, r.Candidates("detection"))
	assert.Len(t, r.Candidates("ocr"), 1)
}

func TestCandidatesFilterUnroutable(t *testing.T) {
	r := testRegistry(t, Options{LivenessTimeout: time.Minute})
	ctx := context.Background()

	_, err := r.Register(ctx, testRegistration("healthy"))
	require.NoError(t, err)
	_, err = r.Register(ctx, testRegistration("degraded"))
	require.NoError(t, err)
	_, err = r.Register(ctx, testRegistration("unhealthy"))
	require.NoError(t, err)

	require.NoError(t, r.Heartbeat(ctx, "degraded", Health{Status: StatusDegraded}))
	require.NoError(t, r.Heartbeat(ctx, "unhealthy", Health{Status: StatusUnhealthy}))

	ids := []string{}
	for _, e := range r.Candidates("detection") {
		ids = append(ids, e.Registration.ID)
	}
	// Degraded stays routable, unhealthy does not.
	assert.Equal(t, []string{"degraded", "healthy"}, ids)
}

func TestEvictedRecordsPurgedAfterRetention(t *testing.T) {
	r := testRegistry(t, Options{
		LivenessCheckInterval: time.Hour,
		LivenessTimeout:       5 * time.Millisecond,
		EvictedRetention:      5 * time.Millisecond,
	})
	ctx := context.Background()

	_, err := r.Register(ctx, testRegistration("p-1"))
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	r.sweep(ctx) // evicts
	time.Sleep(10 * time.Millisecond)
	r.sweep(ctx) // purges

	_, ok := r.ByID("p-1")
	assert.False(t, ok)
}

func TestSnapshotRestore(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := store.NewRedisStreamStoreFromClient(rdb)
	t.Cleanup(func() { st.Close() })
	ctx := context.Background()

	r1 := New(Options{SnapshotKey: "test:registry"}, nil, st)
	_, err := r1.Register(ctx, testRegistration("p-1"))
	require.NoError(t, err)
	_, err = r1.Register(ctx, testRegistration("p-2"))
	require.NoError(t, err)

	// A fresh registry restores the snapshot with entries marked evicted:
	// they only become routable after a new registration or heartbeat.
	r2 := New(Options{SnapshotKey: "test:registry"}, nil, st)
	require.NoError(t, r2.Restore(ctx))

	entry, ok := r2.ByID("p-1")
	require.True(t, ok)
	assert.True(t, entry.Evicted)
	assert.Equal(t, 0, r2.ActiveCount())

	// Re-registration revives the processor under a higher epoch.
	revived, err := r2.Register(ctx, testRegistration("p-1"))
	require.NoError(t, err)
	assert.Greater(t, revived.Epoch, entry.Epoch)
	assert.Equal(t, 1, r2.ActiveCount())
}

func TestRestoreWithoutSnapshotIsNoOp(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := store.NewRedisStreamStoreFromClient(rdb)
	t.Cleanup(func() { st.Close() })

	r := New(Options{SnapshotKey: "test:empty"}, nil, st)
	assert.NoError(t, r.Restore(context.Background()))
}
