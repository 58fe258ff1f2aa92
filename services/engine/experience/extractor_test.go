// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package experience

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/kodiak/services/engine/knowledge"
	"github.com/AleutianAI/kodiak/services/engine/llm"
	"github.com/AleutianAI/kodiak/services/engine/prompts"
	"github.com/AleutianAI/kodiak/services/engine/reward"
)

func outcomesWithTotals(totals ...float64) []Outcome {
	out := make([]Outcome, len(totals))
	for i, total := range totals {
		out[i] = Outcome{
			ID:     GeneratorRole(1) + "-r" + string(rune('1'+i)),
			Reward: reward.Vector{Total: total},
		}
	}
	return out
}

func newTestExtractor(t *testing.T, client llm.Client, cfg ExtractorConfig) (*Extractor, *Store) {
	t.Helper()
	provider, err := prompts.NewFileProvider("")
	require.NoError(t, err)
	t.Cleanup(func() { provider.Close() })

	store := openTestStore(t)
	x, err := NewExtractor(client, provider, store, cfg)
	require.NoError(t, err)
	return x, store
}

func TestMaybeExtract_ZeroVarianceSkipsWithoutModelCall(t *testing.T) {
	client := llm.NewScriptedClient()
	x, store := newTestExtractor(t, client, ExtractorConfig{Tau: TauOf(0.05)})

	result, err := x.MaybeExtract(context.Background(), "generator_1", "p", "42",
		outcomesWithTotals(0.7, 0.7, 0.7))
	require.NoError(t, err)
	assert.True(t, result.Skipped)
	assert.Equal(t, SkipLowVariance, result.Reason)
	assert.Equal(t, 0.0, result.StdDev)
	assert.Equal(t, 0, client.Calls())

	list, err := store.Load(context.Background(), "generator_1")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestMaybeExtract_LowVarianceBelowTauSkips(t *testing.T) {
	client := llm.NewScriptedClient()
	x, _ := newTestExtractor(t, client, ExtractorConfig{Tau: TauOf(0.05)})

	// σ ≈ 0.021 for {0.90, 0.85, 0.88}.
	result, err := x.MaybeExtract(context.Background(), "generator_1", "p", "42",
		outcomesWithTotals(0.90, 0.85, 0.88))
	require.NoError(t, err)
	assert.True(t, result.Skipped)
	assert.Equal(t, 0, client.Calls())
}

func TestMaybeExtract_NilTauUsesDefaultThreshold(t *testing.T) {
	client := llm.NewScriptedClient()
	x, _ := newTestExtractor(t, client, ExtractorConfig{})

	require.Equal(t, DefaultVarianceThreshold, x.Tau())

	// σ ≈ 0.021 sits below the default gate.
	result, err := x.MaybeExtract(context.Background(), "generator_1", "p", "42",
		outcomesWithTotals(0.90, 0.85, 0.88))
	require.NoError(t, err)
	assert.True(t, result.Skipped)
	assert.Equal(t, 0, client.Calls())
}

func TestMaybeExtract_ExplicitZeroTauOpensGateForAnySpread(t *testing.T) {
	client := llm.NewScriptedClient().Enqueue(
		`[{"op": "add", "content": "restate the question before planning"}]`)
	x, store := newTestExtractor(t, client, ExtractorConfig{Tau: TauOf(0)})

	require.Equal(t, 0.0, x.Tau())

	// σ ≈ 0.005 would skip under the default threshold.
	result, err := x.MaybeExtract(context.Background(), "generator_1", "p", "42",
		outcomesWithTotals(0.90, 0.89))
	require.NoError(t, err)
	assert.False(t, result.Skipped)
	assert.Equal(t, 1, client.Calls())

	list, err := store.Load(context.Background(), "generator_1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestNewExtractor_RejectsNegativeTau(t *testing.T) {
	provider, err := prompts.NewFileProvider("")
	require.NoError(t, err)
	t.Cleanup(func() { provider.Close() })

	_, err = NewExtractor(llm.NewScriptedClient(), provider, openTestStore(t), ExtractorConfig{Tau: TauOf(-0.1)})
	require.Error(t, err)
}

func TestMaybeExtract_HighVarianceCallsModelExactlyOnce(t *testing.T) {
	client := llm.NewScriptedClient().Enqueue(
		`[{"op": "add", "content": "decompose before computing", "category": "planning"}]`)
	x, store := newTestExtractor(t, client, ExtractorConfig{Tau: TauOf(0.05)})

	// σ ≈ 0.35 for {0.95, 0.10, 0.60}.
	result, err := x.MaybeExtract(context.Background(), "generator_2", "p", "42",
		outcomesWithTotals(0.95, 0.10, 0.60))
	require.NoError(t, err)
	assert.False(t, result.Skipped)
	assert.Equal(t, 1, client.Calls())
	assert.Equal(t, 1, result.Applied)

	list, err := store.Load(context.Background(), "generator_2")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "generator_2-0001", list[0].ID)
}

func TestMaybeExtract_OperationsScopedToRoleStore(t *testing.T) {
	// Modify/delete of ids absent from this role's store are no-ops.
	client := llm.NewScriptedClient().Enqueue(`[
		{"op": "add", "content": "new lesson"},
		{"op": "modify", "experience_id": "generator_9-0001", "new_content": "x"},
		{"op": "delete", "experience_id": "generator_9-0002"}
	]`)
	x, store := newTestExtractor(t, client, ExtractorConfig{Tau: TauOf(0.05)})

	result, err := x.MaybeExtract(context.Background(), "generator_1", "p", "42",
		outcomesWithTotals(0.9, 0.1))
	require.NoError(t, err)
	assert.Equal(t, 1, result.Applied)
	assert.Equal(t, 2, result.SkippedOps)

	list, err := store.Load(context.Background(), "generator_1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "generator_1-0001", list[0].ID)
}

func TestMaybeExtract_UnparsableOperationsSkipSilently(t *testing.T) {
	client := llm.NewScriptedClient().Enqueue("I have no structured updates to offer.")
	x, store := newTestExtractor(t, client, ExtractorConfig{Tau: TauOf(0.05)})

	result, err := x.MaybeExtract(context.Background(), "critic", "p", "42",
		outcomesWithTotals(0.9, 0.1))
	require.NoError(t, err)
	assert.True(t, result.Skipped)
	assert.Equal(t, SkipExtractionFailed, result.Reason)

	list, err := store.Load(context.Background(), "critic")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestMaybeExtract_EmptyGroupSkips(t *testing.T) {
	client := llm.NewScriptedClient()
	x, _ := newTestExtractor(t, client, ExtractorConfig{})

	result, err := x.MaybeExtract(context.Background(), "generator_1", "p", "42", nil)
	require.NoError(t, err)
	assert.True(t, result.Skipped)
	assert.Equal(t, SkipNoOutcomes, result.Reason)
}

func TestMaybeExtract_DeduperDropsDuplicateAdds(t *testing.T) {
	client := llm.NewScriptedClient().
		Respond("short lessons", `[{"op": "add", "content": "check the units again"}]`).
		Respond("similar in meaning", "0.95")

	provider, err := prompts.NewFileProvider("")
	require.NoError(t, err)
	t.Cleanup(func() { provider.Close() })

	store := openTestStore(t)
	_, _, err = store.Apply(context.Background(), "generator_1", "p0", []Operation{
		{Op: OpAdd, Content: "always check units"},
	})
	require.NoError(t, err)

	deduper := knowledge.NewDeduper(client, provider, knowledge.DefaultExperienceDedupThreshold)
	x, err := NewExtractor(client, provider, store, ExtractorConfig{Tau: TauOf(0.05), Deduper: deduper})
	require.NoError(t, err)

	result, err := x.MaybeExtract(context.Background(), "generator_1", "p1", "42",
		outcomesWithTotals(0.9, 0.1))
	require.NoError(t, err)
	assert.False(t, result.Skipped)
	assert.Empty(t, result.Operations)

	list, err := store.Load(context.Background(), "generator_1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestPopStdDev(t *testing.T) {
	mean := meanOf([]float64{0.95, 0.10, 0.60})
	sigma := popStdDev([]float64{0.95, 0.10, 0.60}, mean)
	assert.InDelta(t, 0.3488, sigma, 0.001)
	assert.Equal(t, 0.0, popStdDev(nil, 0))
}
