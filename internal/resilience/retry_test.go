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

package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fastRetry = RetryConfig{
	MaxAttempts:  3,
	InitialDelay: time.Millisecond,
	MaxDelay:     4 * time.Millisecond,
	Multiplier:   2,
}

// TestPurpose: Validates transient errors are retried up to MaxAttempts and the last error is surfaced.
// Scope: Unit Test
// Expected: Exactly 3 attempts for a persistently transient error; success mid-schedule stops retrying.
// Test Case ID: RES-06
func TestResilience_Retry_TransientExhaustion(t *testing.T) {
	ctx := context.Background()
	transient := func(error) bool { return true }

	attempts := 0
	err := Retry(ctx, fastRetry, transient, func(context.Context) error {
		attempts++
		return errBackend
	})
	require.ErrorIs(t, err, errBackend)
	assert.Equal(t, 3, attempts)

	attempts = 0
	err = Retry(ctx, fastRetry, transient, func(context.Context) error {
		attempts++
		if attempts < 2 {
			return errBackend
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

// TestPurpose: Validates permanent errors short-circuit the schedule after one attempt.
// Scope: Unit Test
// Expected: A non-retryable error is returned immediately and unwrapped.
// Test Case ID: RES-07
func TestResilience_Retry_PermanentNoRetry(t *testing.T) {
	ctx := context.Background()
	errConstraint := errors.New("unique violation")
	onlyTimeouts := func(err error) bool { return !errors.Is(err, errConstraint) }

	attempts := 0
	err := Retry(ctx, fastRetry, onlyTimeouts, func(context.Context) error {
		attempts++
		return errConstraint
	})
	require.ErrorIs(t, err, errConstraint)
	assert.Equal(t, 1, attempts)
}

// TestPurpose: Validates cancellation stops the retry schedule.
// Scope: Unit Test
// Expected: No further attempts after the context is canceled; the attempt's error is surfaced.
// Test Case ID: RES-08
func TestResilience_Retry_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	transient := func(error) bool { return true }

	attempts := 0
	err := Retry(ctx, fastRetry, transient, func(context.Context) error {
		attempts++
		cancel()
		return errBackend
	})
	require.ErrorIs(t, err, errBackend)
	assert.Equal(t, 1, attempts)
}

// TestPurpose: Validates a nil classifier treats every error as transient.
// Scope: Unit Test
// Expected: All attempts are consumed when no classifier is supplied.
// Test Case ID: RES-09
func TestResilience_Retry_NilClassifier(t *testing.T) {
	ctx := context.Background()
	attempts := 0
	err := Retry(ctx, fastRetry, nil, func(context.Context) error {
		attempts++
		return errBackend
	})
	require.ErrorIs(t, err, errBackend)
	assert.Equal(t, 3, attempts)
}
