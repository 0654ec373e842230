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

// Package resilience provides the circuit breaker and retry policy wrapped
// around the client registry's relational adapter and other fallible
// dependencies.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrCircuitOpen is returned without invoking the operation while the
// breaker is open or a half-open probe slot is unavailable. Idempotent read
// callers degrade to empty results; write callers surface the failure.
var ErrCircuitOpen = errors.New("resilience: circuit breaker is open")

// State is the breaker state machine position.
type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes the failure-counting state machine.
type BreakerConfig struct {
	// FailureThreshold is the failure rate over the sliding window above
	// which the breaker trips. Strictly greater-than.
	FailureThreshold float64
	// MinimumRequests is the number of observed outcomes required before
	// the threshold is evaluated.
	MinimumRequests int
	// WindowSize bounds the sliding outcome window.
	WindowSize int
	// Cooldown is how long the breaker stays open before admitting probes.
	Cooldown time.Duration
	// SuccessThreshold is the number of consecutive half-open successes
	// that reclose the circuit.
	SuccessThreshold int
	// ProbeInterval paces half-open probe admission.
	ProbeInterval time.Duration
	// OnStateChange, when set, observes every transition.
	OnStateChange func(name string, from, to State)
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 0.5
	}
	if c.MinimumRequests <= 0 {
		c.MinimumRequests = 3
	}
	if c.WindowSize <= 0 {
		c.WindowSize = 10
	}
	if c.Cooldown <= 0 {
		c.Cooldown = time.Second
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = 100 * time.Millisecond
	}
	return c
}

// Breaker is a closed/open/half-open circuit breaker with a sliding outcome
// window. Safe for concurrent use.
type Breaker struct {
	name string
	cfg  BreakerConfig

	mu                sync.Mutex
	state             State
	window            []bool // true = failure
	windowNext        int
	windowFilled      int
	openedAt          time.Time
	halfOpenSuccesses int
	probes            *rate.Limiter

	now func() time.Time // test hook
}

// NewBreaker builds a breaker; name shows up in logs and metrics.
func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	cfg = cfg.withDefaults()
	return &Breaker{
		name:   name,
		cfg:    cfg,
		state:  StateClosed,
		window: make([]bool, cfg.WindowSize),
		probes: rate.NewLimiter(rate.Every(cfg.ProbeInterval), 1),
		now:    time.Now,
	}
}

// Execute runs fn if the breaker admits the call and records the outcome.
// Outcomes of canceled attempts are recorded as neither success nor failure.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}
	err := fn(ctx)
	b.record(ctx, err)
	return err
}

// State reports the current position, applying a pending cooldown expiry.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.Cooldown {
		b.transition(StateHalfOpen)
	}
	return b.state
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cfg.Cooldown {
			return ErrCircuitOpen
		}
		b.transition(StateHalfOpen)
		fallthrough
	case StateHalfOpen:
		if !b.probes.Allow() {
			return ErrCircuitOpen
		}
		return nil
	default:
		return nil
	}
}

func (b *Breaker) record(ctx context.Context, err error) {
	// A canceled caller tells us nothing about the dependency's health.
	if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return
	}
	failed := err != nil

	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateClosed:
		b.window[b.windowNext] = failed
		b.windowNext = (b.windowNext + 1) % len(b.window)
		if b.windowFilled < len(b.window) {
			b.windowFilled++
		}
		if b.windowFilled >= b.cfg.MinimumRequests && b.failureRate() > b.cfg.FailureThreshold {
			b.trip()
		}
	case StateHalfOpen:
		if failed {
			b.trip()
			return
		}
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.cfg.SuccessThreshold {
			b.reset()
		}
	case StateOpen:
		// Result of a call admitted before the trip; the window was
		// already discarded.
	}
}

func (b *Breaker) failureRate() float64 {
	failures := 0
	for i := 0; i < b.windowFilled; i++ {
		if b.window[i] {
			failures++
		}
	}
	return float64(failures) / float64(b.windowFilled)
}

func (b *Breaker) trip() {
	b.openedAt = b.now()
	b.halfOpenSuccesses = 0
	b.clearWindow()
	b.transition(StateOpen)
	slog.Warn("circuit breaker opened",
		slog.String("breaker", b.name),
		slog.Duration("cooldown", b.cfg.Cooldown),
	)
}

func (b *Breaker) reset() {
	b.halfOpenSuccesses = 0
	b.clearWindow()
	b.transition(StateClosed)
	slog.Info("circuit breaker closed", slog.String("breaker", b.name))
}

func (b *Breaker) clearWindow() {
	for i := range b.window {
		b.window[i] = false
	}
	b.windowNext = 0
	b.windowFilled = 0
}

func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.name, from, to)
	}
}
