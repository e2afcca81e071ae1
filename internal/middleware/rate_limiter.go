// Package middleware holds HTTP middleware for the orchestrator API.
package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"
)

// RateLimiter enforces per-caller limits on the registration and heartbeat
// endpoints so a misbehaving processor cannot flood the registry.
//
// Sliding-window counters per key, garbage-collected in the background.
type RateLimiter struct {
	mu       sync.RWMutex
	windows  map[string]*window
	defaults RateLimitConfig
}

// RateLimitConfig defines the rate limiting thresholds.
type RateLimitConfig struct {
	MaxCallsPerMinute int
	BurstSize         int
}

type window struct {
	count       int
	windowStart time.Time
}

// NewRateLimiter creates a rate limiter with the given defaults and starts
// its cleanup loop.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	if cfg.MaxCallsPerMinute == 0 {
		cfg.MaxCallsPerMinute = 60
	}
	if cfg.BurstSize == 0 {
		cfg.BurstSize = cfg.MaxCallsPerMinute * 2
	}

	rl := &RateLimiter{
		windows:  make(map[string]*window),
		defaults: cfg,
	}
	go rl.cleanup()
	return rl
}

// Allow reports whether a request under key is within limits.
//
// Read-first: existing-window checks hold only the read lock. The count
// increment under RLock can race, which is acceptable for a soft limit.
func (rl *RateLimiter) Allow(key string) bool {
	now := time.Now()

	rl.mu.RLock()
	w, exists := rl.windows[key]
	if exists && now.Sub(w.windowStart) <= time.Minute {
		w.count++
		count := w.count
		rl.mu.RUnlock()

		if count > rl.defaults.BurstSize {
			slog.Warn("[RateLimit] Burst limit exceeded",
				"key", key, "count", count, "limit", rl.defaults.BurstSize)
			return false
		}
		if count > rl.defaults.MaxCallsPerMinute {
			slog.Warn("[RateLimit] Limit exceeded",
				"key", key, "count", count, "limit", rl.defaults.MaxCallsPerMinute)
			return false
		}
		return true
	}
	rl.mu.RUnlock()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	// Another goroutine may have created the window meanwhile.
	w, exists = rl.windows[key]
	if exists && now.Sub(w.windowStart) <= time.Minute {
		w.count++
		return w.count <= rl.defaults.BurstSize
	}

	rl.windows[key] = &window{count: 1, windowStart: now}
	return true
}

// Middleware limits by processor id when the X-Processor-ID header is set,
// falling back to the caller's address.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-Processor-ID")
		if key == "" {
			host, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				host = r.RemoteAddr
			}
			key = host
		}

		if !rl.Allow(key) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "60")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":"rate limit exceeded","reason":"rate_limited","retry_after_seconds":60}`))
			return
		}

		next.ServeHTTP(w, r)
	})
}

// cleanup removes expired windows so the map does not grow unbounded.
func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		rl.mu.Lock()
		now := time.Now()
		for key, w := range rl.windows {
			if now.Sub(w.windowStart) > 2*time.Minute {
				delete(rl.windows, key)
			}
		}
		rl.mu.Unlock()
	}
}

// Stats returns current limiter counters for the status endpoint.
func (rl *RateLimiter) Stats() map[string]interface{} {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	return map[string]interface{}{
		"active_windows":    len(rl.windows),
		"max_calls_per_min": rl.defaults.MaxCallsPerMinute,
		"burst_size":        rl.defaults.BurstSize,
	}
}
