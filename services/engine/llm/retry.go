// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrRetriesExhausted is returned when every attempt of a retried
// operation failed. The last attempt's error is wrapped alongside it.
var ErrRetriesExhausted = errors.New("llm: retries exhausted")

// RetryPolicy is the single retry configuration shared by every call
// site that talks to the generation capability: rollout generation,
// fusion, and experience extraction. Fixed delay, no backoff.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	// Values below 1 are treated as 1.
	MaxAttempts int

	// Delay is the fixed pause between attempts.
	Delay time.Duration

	// Timeout bounds each individual attempt. Zero disables the bound.
	Timeout time.Duration
}

// DefaultRetryPolicy matches the engine's usual operating point.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Delay:       2 * time.Second,
		Timeout:     120 * time.Second,
	}
}

// Do runs fn under the policy.
//
// Description:
//
//	Each attempt gets its own timeout-bounded context. On failure the
//	policy sleeps for the fixed delay (abandoned early if the parent
//	context is cancelled) and tries again. Attempt numbers are 1-based
//	and passed to fn so callers can log them.
//
// Outputs:
//
//	error - nil on the first success; otherwise ErrRetriesExhausted
//	wrapping the final attempt's error, or the parent context's error
//	if it was cancelled mid-wait.
//
// Thread Safety: Safe for concurrent use; the policy is a value object.
func (p RetryPolicy) Do(ctx context.Context, op string, fn func(ctx context.Context, attempt int) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		attemptCtx := ctx
		var cancel context.CancelFunc
		if p.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, p.Timeout)
		}
		err := fn(attemptCtx, attempt)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			return nil
		}
		lastErr = err

		if attempt < attempts {
			slog.Debug("retrying operation",
				"op", op,
				"attempt", attempt,
				"max_attempts", attempts,
				"error", err.Error(),
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.Delay):
			}
		}
	}
	return fmt.Errorf("%w: %s: %w", ErrRetriesExhausted, op, lastErr)
}
