package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/framefabric/backend/internal/backpressure"
	"github.com/framefabric/backend/internal/circuitbreaker"
	"github.com/framefabric/backend/internal/monitoring"
	"github.com/framefabric/backend/internal/pqueue"
	"github.com/framefabric/backend/internal/registry"
	"github.com/framefabric/backend/internal/router"
	"github.com/framefabric/backend/internal/store"
)

func testServer(t *testing.T) (*Server, *registry.Registry, *circuitbreaker.Manager, store.StreamStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := store.NewRedisStreamStoreFromClient(rdb)
	t.Cleanup(func() { st.Close() })

	reg := registry.New(registry.Options{LivenessTimeout: time.Minute}, nil, nil)
	breakers := circuitbreaker.NewManager(circuitbreaker.Config{
		FailureThreshold: 3,
		RecoveryTimeout:  time.Minute,
		SuccessThreshold: 1,
		HalfOpenMaxCalls: 1,
	}, nil)
	pressure := backpressure.New(backpressure.Options{EgressPrefix: "frames:ready:"}, st, reg, nil)
	retryQ := pqueue.New(pqueue.Options{}, nil)
	rt := router.New(router.Options{
		IngressStream: "frames:metadata",
		DLQStream:     "frames:dlq",
		ConsumerGroup: "frame-buffer-group",
		EgressPrefix:  "frames:ready:",
	}, st, reg, breakers, pressure, retryQ, nil, nil)

	metrics := monitoring.NewMetricsWith(prometheus.NewRegistry())
	return NewServer(reg, rt, breakers, pressure, st, nil, metrics, "frames:dlq"), reg, breakers, st
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func registration(id string) map[string]interface{} {
	return map[string]interface{}{
		"id":           id,
		"capabilities": []string{"detection"},
		"capacity":     4,
	}
}

func TestRegisterEndpoint(t *testing.T) {
	srv, _, _, _ := testServer(t)
	routes := srv.Routes()

	rec := doJSON(t, routes, http.MethodPost, "/processors/register", registration("p-1"))
	require.Equal(t, http.StatusCreated, rec.Code)

	var entry registry.Entry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entry))
	assert.Equal(t, "p-1", entry.Registration.ID)
	assert.Equal(t, registry.StatusHealthy, entry.Health.Status)
}

func TestRegisterConflict(t *testing.T) {
	srv, _, _, _ := testServer(t)
	routes := srv.Routes()

	require.Equal(t, http.StatusCreated,
		doJSON(t, routes, http.MethodPost, "/processors/register", registration("p-1")).Code)

	rec := doJSON(t, routes, http.MethodPost, "/processors/register", registration("p-1"))
	require.Equal(t, http.StatusConflict, rec.Code)

	var errResp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
	assert.Equal(t, "id_conflict", errResp["reason"])
}

func TestRegisterInvalidBody(t *testing.T) {
	srv, _, _, _ := testServer(t)
	routes := srv.Routes()

	req := httptest.NewRequest(http.MethodPost, "/processors/register", bytes.NewBufferString("{broken"))
	rec := httptest.NewRecorder()
	routes.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHeartbeatEndpoint(t *testing.T) {
	srv, reg, _, _ := testServer(t)
	routes := srv.Routes()

	require.Equal(t, http.StatusCreated,
		doJSON(t, routes, http.MethodPost, "/processors/register", registration("p-1")).Code)

	rec := doJSON(t, routes, http.MethodPost, "/processors/heartbeat", map[string]interface{}{
		"id":            "p-1",
		"status":        "degraded",
		"capacity_used": 0.5,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	entry, ok := reg.ByID("p-1")
	require.True(t, ok)
	assert.Equal(t, registry.StatusDegraded, entry.Health.Status)
	assert.Equal(t, 0.5, entry.Health.CapacityUsed)
}

func TestHeartbeatUnknownReturns404(t *testing.T) {
	srv, _, _, _ := testServer(t)
	routes := srv.Routes()

	rec := doJSON(t, routes, http.MethodPost, "/processors/heartbeat", map[string]interface{}{
		"id": "ghost",
	})
	require.Equal(t, http.StatusNotFound, rec.Code)

	var errResp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
	assert.Equal(t, "unknown_processor", errResp["reason"])
}

func TestHeartbeatErrorsFeedBreaker(t *testing.T) {
	srv, _, breakers, _ := testServer(t)
	routes := srv.Routes()

	require.Equal(t, http.StatusCreated,
		doJSON(t, routes, http.MethodPost, "/processors/register", registration("p-1")).Code)

	for i := 0; i < 3; i++ {
		rec := doJSON(t, routes, http.MethodPost, "/processors/heartbeat", map[string]interface{}{
			"id":                 "p-1",
			"errors_last_minute": 12,
		})
		require.Equal(t, http.StatusOK, rec.Code)
	}

	assert.Equal(t, circuitbreaker.StateOpen, breakers.Get("p-1").State())
}

func TestHeartbeatFeedsProcessorGauges(t *testing.T) {
	srv, _, _, _ := testServer(t)
	routes := srv.Routes()

	require.Equal(t, http.StatusCreated,
		doJSON(t, routes, http.MethodPost, "/processors/register", registration("p-1")).Code)

	rec := doJSON(t, routes, http.MethodPost, "/processors/heartbeat", map[string]interface{}{
		"id":                 "p-1",
		"frames_processed":   42,
		"errors_last_minute": 3,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, float64(42), testutil.ToFloat64(srv.metrics.FramesProcessed.WithLabelValues("p-1")))
	assert.Equal(t, float64(3), testutil.ToFloat64(srv.metrics.ProcessingErrors.WithLabelValues("p-1")))
}

func TestUpdateEndpoint(t *testing.T) {
	srv, _, _, _ := testServer(t)
	routes := srv.Routes()

	require.Equal(t, http.StatusCreated,
		doJSON(t, routes, http.MethodPost, "/processors/register", registration("p-1")).Code)

	rec := doJSON(t, routes, http.MethodPut, "/processors/p-1", map[string]interface{}{
		"capacity": 16,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var entry registry.Entry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entry))
	assert.Equal(t, 16, entry.Registration.Capacity)

	assert.Equal(t, http.StatusNotFound,
		doJSON(t, routes, http.MethodPut, "/processors/ghost", map[string]interface{}{}).Code)
}

func TestUnregisterEndpoint(t *testing.T) {
	srv, reg, _, _ := testServer(t)
	routes := srv.Routes()

	require.Equal(t, http.StatusCreated,
		doJSON(t, routes, http.MethodPost, "/processors/register", registration("p-1")).Code)

	rec := doJSON(t, routes, http.MethodDelete, "/processors/p-1", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	_, ok := reg.ByID("p-1")
	assert.False(t, ok)

	assert.Equal(t, http.StatusNotFound,
		doJSON(t, routes, http.MethodDelete, "/processors/p-1", nil).Code)
}

func TestListProcessors(t *testing.T) {
	srv, _, breakers, _ := testServer(t)
	routes := srv.Routes()

	require.Equal(t, http.StatusCreated,
		doJSON(t, routes, http.MethodPost, "/processors/register", registration("p-1")).Code)
	breakers.RecordFailure("p-1", assert.AnError)
	breakers.RecordFailure("p-1", assert.AnError)
	breakers.RecordFailure("p-1", assert.AnError)

	rec := doJSON(t, routes, http.MethodGet, "/processors", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var list []map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "OPEN", list[0]["breaker_state"])
}

func TestStatusEndpoint(t *testing.T) {
	srv, _, _, _ := testServer(t)
	routes := srv.Routes()

	rec := doJSON(t, routes, http.MethodGet, "/orchestrator/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var status map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	orch, ok := status["orchestrator"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, false, orch["is_paused"])
	assert.Equal(t, "NORMAL", orch["current_pressure_level"])
	assert.Contains(t, status, "thresholds")
}

func TestHealthEndpoint(t *testing.T) {
	srv, _, _, _ := testServer(t)
	routes := srv.Routes()

	rec := doJSON(t, routes, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var health map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health["status"])
}

func TestDLQStatsEndpoint(t *testing.T) {
	srv, _, _, st := testServer(t)
	routes := srv.Routes()

	for i := 0; i < 3; i++ {
		_, err := st.Append(context.Background(), "frames:dlq", map[string]interface{}{"reason": "decode_error"})
		require.NoError(t, err)
	}

	rec := doJSON(t, routes, http.MethodGet, "/dlq/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var stats map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, "frames:dlq", stats["stream"])
	assert.Equal(t, float64(3), stats["length"])
}

func TestMetricsEndpointServes(t *testing.T) {
	srv, _, _, _ := testServer(t)
	routes := srv.Routes()

	rec := doJSON(t, routes, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
