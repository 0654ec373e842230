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
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryConfig describes the exponential backoff schedule for transient
// failures.
type RetryConfig struct {
	// MaxAttempts counts the first attempt plus retries.
	MaxAttempts int
	// InitialDelay is the first backoff interval.
	InitialDelay time.Duration
	// MaxDelay caps the interval growth.
	MaxDelay time.Duration
	// Multiplier grows the interval between attempts.
	Multiplier float64
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = 100 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 2 * time.Second
	}
	if c.Multiplier <= 1 {
		c.Multiplier = 2
	}
	return c
}

// Classify reports whether an error is transient and worth retrying.
// Permanent errors (constraint violations, malformed input) and domain
// errors must classify as false so they surface immediately.
type Classify func(error) bool

// Retry runs op under cfg, retrying errors that retryable classifies as
// transient. The original error is returned unwrapped when attempts are
// exhausted or the error is permanent. Context cancellation stops the
// schedule between attempts and is honored mid-attempt by op itself.
func Retry(ctx context.Context, cfg RetryConfig, retryable Classify, op func(context.Context) error) error {
	cfg = cfg.withDefaults()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.InitialDelay
	bo.MaxInterval = cfg.MaxDelay
	bo.Multiplier = cfg.Multiplier
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()

	return backoff.Retry(func() error {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			// The caller is gone; another attempt cannot help.
			return backoff.Permanent(err)
		}
		if retryable != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(cfg.MaxAttempts-1)), ctx))
}
