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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryPolicy_SucceedsFirstAttempt(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 3, Delay: time.Millisecond}

	attempts := 0
	err := policy.Do(context.Background(), "test", func(ctx context.Context, attempt int) error {
		attempts = attempt
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
}

func TestRetryPolicy_RecoversAfterFailures(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 3, Delay: time.Millisecond}

	attempts := 0
	err := policy.Do(context.Background(), "test", func(ctx context.Context, attempt int) error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryPolicy_Exhaustion(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 2, Delay: time.Millisecond}

	boom := errors.New("boom")
	err := policy.Do(context.Background(), "test", func(ctx context.Context, attempt int) error {
		return boom
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRetriesExhausted))
	assert.True(t, errors.Is(err, boom))
}

func TestRetryPolicy_ZeroAttemptsTreatedAsOne(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 0}

	attempts := 0
	_ = policy.Do(context.Background(), "test", func(ctx context.Context, attempt int) error {
		attempts++
		return errors.New("nope")
	})
	assert.Equal(t, 1, attempts)
}

func TestRetryPolicy_CancelledDuringDelay(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 5, Delay: time.Minute}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := policy.Do(ctx, "test", func(ctx context.Context, attempt int) error {
		return errors.New("always fails")
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestRetryPolicy_PerAttemptTimeout(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 1, Timeout: 10 * time.Millisecond}

	err := policy.Do(context.Background(), "test", func(ctx context.Context, attempt int) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
			return nil
		}
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestScriptedClient_QueueAndRules(t *testing.T) {
	client := NewScriptedClient().
		Respond("fusion", "fused result").
		Enqueue("first").
		EnqueueError(errors.New("transient"))

	got, err := client.Generate(context.Background(), "a fusion prompt", GenerationParams{})
	require.NoError(t, err)
	assert.Equal(t, "fused result", got)

	got, err = client.Generate(context.Background(), "anything", GenerationParams{})
	require.NoError(t, err)
	assert.Equal(t, "first", got)

	_, err = client.Generate(context.Background(), "anything", GenerationParams{})
	require.Error(t, err)

	_, err = client.Generate(context.Background(), "drained", GenerationParams{})
	assert.True(t, errors.Is(err, ErrEmptyCompletion))

	assert.Equal(t, 4, client.Calls())
	assert.Len(t, client.Prompts(), 4)
}

func TestRateLimitedClient_Delegates(t *testing.T) {
	inner := NewScriptedClient().Enqueue("ok")
	limited := NewRateLimitedClient(inner, 100, 1)

	got, err := limited.Generate(context.Background(), "p", GenerationParams{Temperature: Temp(0.7)})
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
}
