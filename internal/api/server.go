// Package api exposes the orchestrator's HTTP surface: processor lifecycle,
// status, health, metrics, DLQ triage, and the live event stream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/framefabric/backend/internal/backpressure"
	"github.com/framefabric/backend/internal/circuitbreaker"
	"github.com/framefabric/backend/internal/middleware"
	"github.com/framefabric/backend/internal/monitoring"
	"github.com/framefabric/backend/internal/registry"
	"github.com/framefabric/backend/internal/router"
	"github.com/framefabric/backend/internal/store"
	"github.com/framefabric/backend/internal/websocket"
)

// Server wires the orchestrator components behind REST/JSON.
type Server struct {
	reg      *registry.Registry
	rt       *router.Router
	breakers *circuitbreaker.Manager
	pressure *backpressure.Controller
	st       store.StreamStore
	hub      *websocket.EventHub
	limiter  *middleware.RateLimiter
	metrics  *monitoring.Metrics

	dlqStream string
	httpSrv   *http.Server
}

// NewServer builds the API server. hub and metrics may be nil to disable
// /ws/events and heartbeat gauges respectively.
func NewServer(reg *registry.Registry, rt *router.Router, breakers *circuitbreaker.Manager,
	pressure *backpressure.Controller, st store.StreamStore, hub *websocket.EventHub,
	metrics *monitoring.Metrics, dlqStream string) *Server {

	return &Server{
		reg:      reg,
		rt:       rt,
		breakers: breakers,
		pressure: pressure,
		st:       st,
		hub:      hub,
		metrics:  metrics,
		limiter: middleware.NewRateLimiter(middleware.RateLimitConfig{
			MaxCallsPerMinute: 120,
		}),
		dlqStream: dlqStream,
	}
}

// Routes returns the configured mux router, exposed for tests.
func (s *Server) Routes() *mux.Router {
	r := mux.NewRouter()

	limited := s.limiter.Middleware

	r.Handle("/processors/register",
		limited(http.HandlerFunc(s.handleRegister))).Methods(http.MethodPost)
	r.Handle("/processors/heartbeat",
		limited(http.HandlerFunc(s.handleHeartbeat))).Methods(http.MethodPost)
	r.HandleFunc("/processors/{id}", s.handleUpdate).Methods(http.MethodPut)
	r.HandleFunc("/processors/{id}", s.handleUnregister).Methods(http.MethodDelete)
	r.HandleFunc("/processors", s.handleList).Methods(http.MethodGet)

	r.HandleFunc("/orchestrator/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/dlq/stats", s.handleDLQStats).Methods(http.MethodGet)

	if s.hub != nil {
		r.HandleFunc("/ws/events", s.hub.HandleWebSocket)
	}
	return r
}

// Start serves until Shutdown is called.
func (s *Server) Start(port int) error {
	s.httpSrv = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	slog.Info("[API] Listening", "addr", s.httpSrv.Addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var reg registry.Registration
	if err := json.NewDecoder(r.Body).Decode(&reg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}

	entry, err := s.reg.Register(r.Context(), reg)
	if err != nil {
		if errors.Is(err, registry.ErrConflict) {
			writeError(w, http.StatusConflict, "id_conflict",
				"processor id is already registered and live")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_registration", err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, entry)
}

// heartbeatRequest is the processor's periodic health report.
type heartbeatRequest struct {
	ID               string                `json:"id"`
	Status           registry.HealthStatus `json:"status"`
	CapacityUsed     float64               `json:"capacity_used"`
	FramesProcessed  int64                 `json:"frames_processed"`
	ErrorsLastMinute int64                 `json:"errors_last_minute"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var hb heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&hb); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	if hb.ID == "" {
		writeError(w, http.StatusBadRequest, "missing_id", "heartbeat requires a processor id")
		return
	}

	err := s.reg.Heartbeat(r.Context(), hb.ID, registry.Health{
		Status:           hb.Status,
		CapacityUsed:     hb.CapacityUsed,
		FramesProcessed:  hb.FramesProcessed,
		ErrorsLastMinute: hb.ErrorsLastMinute,
	})
	if err != nil {
		if errors.Is(err, registry.ErrUnknownProcessor) {
			writeError(w, http.StatusNotFound, "unknown_processor",
				"processor is not registered; re-register")
			return
		}
		writeError(w, http.StatusInternalServerError, "heartbeat_failed", err.Error())
		return
	}

	if s.metrics != nil {
		s.metrics.FramesProcessed.WithLabelValues(hb.ID).Set(float64(hb.FramesProcessed))
		s.metrics.ProcessingErrors.WithLabelValues(hb.ID).Set(float64(hb.ErrorsLastMinute))
	}

	// Feed self-reported outcomes into the breaker so a processor that is
	// failing user code, not just egress appends, eventually trips it.
	if hb.ErrorsLastMinute > 0 {
		s.breakers.RecordFailure(hb.ID,
			fmt.Errorf("processor reported %d errors in the last minute", hb.ErrorsLastMinute))
	} else {
		s.breakers.RecordSuccess(hb.ID)
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var patch registry.Patch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}

	entry, err := s.reg.Update(r.Context(), id, patch)
	if err != nil {
		if errors.Is(err, registry.ErrUnknownProcessor) {
			writeError(w, http.StatusNotFound, "unknown_processor", "no such processor")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_patch", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleUnregister(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if err := s.reg.Unregister(r.Context(), id); err != nil {
		if errors.Is(err, registry.ErrUnknownProcessor) {
			writeError(w, http.StatusNotFound, "unknown_processor", "no such processor")
			return
		}
		writeError(w, http.StatusInternalServerError, "unregister_failed", err.Error())
		return
	}
	s.breakers.Remove(id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	entries := s.reg.All()
	states := s.breakers.States()

	type processorView struct {
		*registry.Entry
		BreakerState string `json:"breaker_state"`
	}
	out := make([]processorView, 0, len(entries))
	for _, e := range entries {
		state := circuitbreaker.StateClosed
		if st, ok := states[e.Registration.ID]; ok {
			state = st
		}
		out = append(out, processorView{Entry: e, BreakerState: state.String()})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	low, high, critical := s.pressure.Thresholds()
	breakers := make(map[string]string)
	for id, st := range s.breakers.States() {
		breakers[id] = st.String()
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"orchestrator": s.rt.State(),
		"queues":       s.pressure.QueueStats(),
		"breakers":     breakers,
		"thresholds": map[string]float64{
			"low":      low,
			"high":     high,
			"critical": critical,
		},
		"rate_limiter": s.limiter.Stats(),
	})
}

// handleHealth reports liveness. The store round-trip makes it a readiness
// probe too: a dead store means the fabric cannot route.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if _, err := s.st.Length(ctx, s.dlqStream); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "unhealthy",
			"reason": "store_unreachable",
			"error":  err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":            "healthy",
		"active_processors": s.reg.ActiveCount(),
		"pressure_level":    s.pressure.Level().String(),
	})
}

func (s *Server) handleDLQStats(w http.ResponseWriter, r *http.Request) {
	length, err := s.st.Length(r.Context(), s.dlqStream)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"stream": s.dlqStream,
		"length": length,
	})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("[API] Response encode failed", "error", err)
	}
}

// writeError emits the machine-readable error envelope. reason is a stable
// token callers can branch on; error is human-oriented.
func writeError(w http.ResponseWriter, code int, reason, msg string) {
	writeJSON(w, code, map[string]string{
		"error":  msg,
		"reason": reason,
	})
}
