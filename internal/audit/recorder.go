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

package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/meywd/openauth-sub002/internal/observability/metrics"
)

const (
	failureRateThreshold = 0.10
	failureRateMinOps    = 100
	warnInterval         = time.Minute
	appendTimeout        = 5 * time.Second
)

// Recorder writes token events without ever failing the operation that
// produced them. Append errors are swallowed, counted, and surfaced through
// metrics and a throttled warning once the failure rate crosses 10 percent
// over at least 100 attempts.
type Recorder struct {
	store   *Store
	success metric.Int64Counter
	failure metric.Int64Counter

	mu          sync.Mutex
	attempts    uint64
	failures    uint64
	lastFailure time.Time
	lastWarn    time.Time

	now func() time.Time
}

// Stats is a snapshot of recorder health
type Stats struct {
	Attempts    uint64
	Failures    uint64
	FailureRate float64
	LastFailure time.Time
}

// NewRecorder creates a recorder writing to the given region store
func NewRecorder(store *Store, meter *metrics.Meter) *Recorder {
	r := &Recorder{store: store, now: time.Now}
	if meter != nil {
		r.success, _ = meter.CreateCounter("audit_events_total", "Token audit events persisted")
		r.failure, _ = meter.CreateCounter("audit_failures_total", "Token audit events that failed to persist")
	}
	return r
}

// Record persists the event, fire-and-forget. The write runs on a context
// detached from the request so cancellation after a completed operation
// cannot lose the trail.
func (r *Recorder) Record(ctx context.Context, ev *Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = r.now().UTC()
	}

	detached, cancel := context.WithTimeout(context.WithoutCancel(ctx), appendTimeout)
	defer cancel()

	err := r.store.Append(detached, ev)

	if err == nil {
		if r.success != nil {
			r.success.Add(detached, 1, metric.WithAttributes(attribute.String("event_type", ev.EventType)))
		}
		r.mu.Lock()
		r.attempts++
		r.mu.Unlock()
		return
	}

	if r.failure != nil {
		r.failure.Add(detached, 1, metric.WithAttributes(attribute.String("event_type", ev.EventType)))
	}
	slog.ErrorContext(ctx, "audit append failed",
		slog.String("event_type", ev.EventType),
		slog.String("token_id", ev.TokenID),
		slog.String("tenant_id", ev.TenantID),
		slog.String("error", err.Error()))

	r.mu.Lock()
	r.attempts++
	r.failures++
	r.lastFailure = r.now()
	r.maybeWarnLocked(ctx)
	r.mu.Unlock()
}

// maybeWarnLocked emits the failure-rate warning at most once per interval.
// Caller holds r.mu.
func (r *Recorder) maybeWarnLocked(ctx context.Context) {
	if r.attempts < failureRateMinOps {
		return
	}
	rate := float64(r.failures) / float64(r.attempts)
	if rate <= failureRateThreshold {
		return
	}
	if r.now().Sub(r.lastWarn) < warnInterval {
		return
	}
	r.lastWarn = r.now()
	slog.WarnContext(ctx, "audit failure rate above threshold",
		slog.Float64("failure_rate", rate),
		slog.Uint64("attempts", r.attempts),
		slog.Uint64("failures", r.failures),
		slog.Time("last_failure", r.lastFailure))
}

// Stats returns a snapshot of recorder health
func (r *Recorder) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Stats{
		Attempts:    r.attempts,
		Failures:    r.failures,
		LastFailure: r.lastFailure,
	}
	if r.attempts > 0 {
		s.FailureRate = float64(r.failures) / float64(r.attempts)
	}
	return s
}
