// Copyright 2026 The OpenAuth Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package http

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/meywd/openauth-sub002/internal/observability/logger"
)

// CounterStore holds windowed request counters. Implementations must be
// safe for concurrent use.
type CounterStore interface {
	// Incr bumps the counter for the window starting at windowStart and
	// returns the new count. The entry may be dropped after ttl.
	Incr(ctx context.Context, key string, windowStart int64, ttl time.Duration) (int64, error)
	// Count returns the counter for the window without bumping it
	Count(ctx context.Context, key string, windowStart int64) (int64, error)
}

// RateLimiter enforces a sliding-window request limit per caller. The
// window slides by weighting the previous fixed window with its remaining
// overlap, so a burst right before a window boundary cannot double the
// allowance.
type RateLimiter struct {
	store    CounterStore
	requests int
	window   time.Duration
	now      func() time.Time
}

// NewRateLimiter builds a limiter allowing requests per window, counting
// in store. A nil store gets an in-memory one.
func NewRateLimiter(store CounterStore, requests int, window time.Duration) *RateLimiter {
	if store == nil {
		store = NewMemoryCounters()
	}
	if requests <= 0 {
		requests = 60
	}
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{store: store, requests: requests, window: window, now: time.Now}
}

// Middleware enforces the limiter's default allowance
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return l.limit("default", l.requests, l.window)(next)
}

// Limit returns a route-scoped override sharing the limiter's store. The
// name keeps the override's counters separate from other routes.
func (l *RateLimiter) Limit(name string, requests int, window time.Duration) func(http.Handler) http.Handler {
	return l.limit(name, requests, window)
}

func (l *RateLimiter) limit(name string, requests int, window time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := fmt.Sprintf("%s|%s", name, callerKey(r))
			allowed, retryAfter, err := l.allow(r.Context(), key, requests, window)
			if err != nil {
				// Counter store failure: fail open
				slog.WarnContext(r.Context(), "rate limit check failed", logger.Error(err))
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				respondError(w, http.StatusTooManyRequests, "rate_limit_exceeded",
					"too many requests, slow down")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (l *RateLimiter) allow(ctx context.Context, key string, requests int, window time.Duration) (bool, int, error) {
	now := l.now()
	start := now.Truncate(window)
	elapsed := now.Sub(start)

	curr, err := l.store.Incr(ctx, key, start.Unix(), 2*window)
	if err != nil {
		return true, 0, err
	}
	prev, err := l.store.Count(ctx, key, start.Add(-window).Unix())
	if err != nil {
		return true, 0, err
	}

	weight := 1 - float64(elapsed)/float64(window)
	effective := float64(prev)*weight + float64(curr)
	if effective > float64(requests) {
		retryAfter := int((window - elapsed).Seconds()) + 1
		return false, retryAfter, nil
	}
	return true, 0, nil
}

// callerKey identifies who is being limited: token subject first, then
// client id, then the remote address.
func callerKey(r *http.Request) string {
	if info := AuthFromContext(r.Context()); info != nil {
		if info.Subject != "" {
			return "sub:" + info.Subject
		}
		if info.ClientID != "" {
			return "client:" + info.ClientID
		}
	}
	if r.Method == http.MethodPost {
		if ct := r.Header.Get("Content-Type"); strings.HasPrefix(ct, "application/x-www-form-urlencoded") {
			if err := r.ParseForm(); err == nil {
				if id := r.PostForm.Get("client_id"); id != "" {
					return "client:" + id
				}
			}
		}
	}
	return "ip:" + requestIP(r)
}

// MemoryCounters is the in-process CounterStore
type MemoryCounters struct {
	mu      sync.Mutex
	entries map[string]*counterEntry
	ops     int
}

type counterEntry struct {
	count   int64
	expires time.Time
}

func NewMemoryCounters() *MemoryCounters {
	return &MemoryCounters{entries: make(map[string]*counterEntry)}
}

func (m *MemoryCounters) Incr(_ context.Context, key string, windowStart int64, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ops++
	if m.ops%1000 == 0 {
		m.sweep()
	}

	k := counterKey(key, windowStart)
	e, ok := m.entries[k]
	if !ok || time.Now().After(e.expires) {
		e = &counterEntry{expires: time.Now().Add(ttl)}
		m.entries[k] = e
	}
	e.count++
	return e.count, nil
}

func (m *MemoryCounters) Count(_ context.Context, key string, windowStart int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[counterKey(key, windowStart)]
	if !ok || time.Now().After(e.expires) {
		return 0, nil
	}
	return e.count, nil
}

// sweep drops expired windows; caller holds the lock
func (m *MemoryCounters) sweep() {
	now := time.Now()
	for k, e := range m.entries {
		if now.After(e.expires) {
			delete(m.entries, k)
		}
	}
}

func counterKey(key string, windowStart int64) string {
	return key + "@" + strconv.FormatInt(windowStart, 10)
}
