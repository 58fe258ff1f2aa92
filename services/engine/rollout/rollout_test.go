// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package rollout

import (
	"context"
	"sync"
	"testing"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/kodiak/services/engine/artifact"
	"github.com/AleutianAI/kodiak/services/engine/experience"
	"github.com/AleutianAI/kodiak/services/engine/llm"
	"github.com/AleutianAI/kodiak/services/engine/prompts"
	"github.com/AleutianAI/kodiak/services/engine/reward"
)

const validPlanJSON = `{
  "target_variable": "total_cost",
  "expected_answer_type": "numeric",
  "knowns": {"unit_price": 4.5, "quantity": 12},
  "causal_links": [
    {"causes": ["unit_price", "quantity"], "effect": "total_cost", "rationale": "cost scales with quantity"}
  ],
  "computation_steps": [
    {"id": "step_1", "target": "total_cost", "inputs": ["unit_price", "quantity"], "description": "multiply"}
  ]
}`

func testProblem() Problem {
	return Problem{ID: "p1", Text: "What is the total cost of 12 units at 4.50 each?", GroundTruth: "54"}
}

func testStore(t *testing.T) *experience.Store {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store, err := experience.NewStore(db)
	require.NoError(t, err)
	return store
}

func testProvider(t *testing.T) *prompts.FileProvider {
	t.Helper()
	provider, err := prompts.NewFileProvider("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = provider.Close() })
	return provider
}

func fastRetry(attempts int) llm.RetryPolicy {
	return llm.RetryPolicy{MaxAttempts: attempts, Delay: time.Millisecond, Timeout: time.Second}
}

func validRecord(rolloutID int, total float64) Record {
	art, err := artifact.ParseArtifact(validPlanJSON)
	if err != nil {
		panic(err)
	}
	return Record{
		GeneratorID: "generator_1",
		RolloutID:   rolloutID,
		Artifact:    art,
		Answer:      "54",
		Reward:      reward.Vector{Total: total},
	}
}

// ====== generator pool ======

func TestGenerateRollouts_FullGroup(t *testing.T) {
	client := llm.NewScriptedClient().SetDefault(func(string) (string, error) {
		return validPlanJSON, nil
	})
	pool, err := NewPool(client, testProvider(t), testStore(t), nil, nil, PoolConfig{
		Rollouts: 3,
		Retry:    fastRetry(1),
	})
	require.NoError(t, err)

	records, err := pool.GenerateRollouts(context.Background(), testProblem(), GeneratorSpec{Role: "generator_1", Temperature: 0.8})
	require.NoError(t, err)
	require.Len(t, records, 3)

	for i, rec := range records {
		assert.Equal(t, "generator_1", rec.GeneratorID)
		assert.Equal(t, i+1, rec.RolloutID)
		require.NotNil(t, rec.Artifact)
		assert.Equal(t, "total_cost", rec.Artifact.TargetVariable)
	}
	assert.Equal(t, 3, client.Calls())
}

func TestGenerateRollouts_FailedRolloutKeepsSlot(t *testing.T) {
	client := llm.NewScriptedClient().
		Enqueue(validPlanJSON).
		Enqueue("I could not devise a plan for this one.").
		Enqueue(validPlanJSON)
	pool, err := NewPool(client, testProvider(t), testStore(t), nil, nil, PoolConfig{
		Rollouts: 3,
		Retry:    fastRetry(1),
	})
	require.NoError(t, err)

	records, err := pool.GenerateRollouts(context.Background(), testProblem(), GeneratorSpec{Role: "generator_1", Temperature: 0.8})
	require.NoError(t, err)
	require.Len(t, records, 3)

	assert.True(t, records[0].Valid())
	assert.False(t, records[1].Valid())
	assert.NotEmpty(t, records[1].Error)
	assert.True(t, records[2].Valid())
}

func TestGenerateRollouts_RetriesParseFailure(t *testing.T) {
	client := llm.NewScriptedClient().
		Enqueue("no JSON here at all").
		Enqueue(validPlanJSON)
	pool, err := NewPool(client, testProvider(t), testStore(t), nil, nil, PoolConfig{
		Rollouts: 1,
		Retry:    fastRetry(3),
	})
	require.NoError(t, err)

	records, err := pool.GenerateRollouts(context.Background(), testProblem(), GeneratorSpec{Role: "generator_1", Temperature: 0.8})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.True(t, records[0].Valid())
	assert.Equal(t, 2, client.Calls())
}

func TestGenerateRollouts_PromptCarriesExperiences(t *testing.T) {
	store := testStore(t)
	_, _, err := store.Apply(context.Background(), "generator_1", "p0", []experience.Operation{
		{Op: experience.OpAdd, Content: "always check unit conversions", Category: "arithmetic"},
	})
	require.NoError(t, err)

	client := llm.NewScriptedClient().SetDefault(func(string) (string, error) {
		return validPlanJSON, nil
	})
	pool, err := NewPool(client, testProvider(t), store, nil, nil, PoolConfig{
		Rollouts: 1,
		Retry:    fastRetry(1),
	})
	require.NoError(t, err)

	records, err := pool.GenerateRollouts(context.Background(), testProblem(), GeneratorSpec{Role: "generator_1", Temperature: 0.8})
	require.NoError(t, err)
	require.Len(t, client.Prompts(), 1)
	assert.Contains(t, client.Prompts()[0], "always check unit conversions")
	assert.Equal(t, []string{"generator_1-0001"}, records[0].ExperienceIDs)
}

func TestGenerateRollouts_ComputesAnswer(t *testing.T) {
	client := llm.NewScriptedClient().
		Respond("You are solving", validPlanJSON).
		Respond("only the final value", "  54  ")
	provider := testProvider(t)
	answerer, err := NewModelAnswerer(client, provider)
	require.NoError(t, err)

	pool, err := NewPool(client, provider, testStore(t), nil, answerer, PoolConfig{
		Rollouts: 1,
		Retry:    fastRetry(1),
	})
	require.NoError(t, err)

	records, err := pool.GenerateRollouts(context.Background(), testProblem(), GeneratorSpec{Role: "generator_1", Temperature: 0.8})
	require.NoError(t, err)
	assert.Equal(t, "54", records[0].Answer)
}

// ====== fusion ======

func TestFuse_NoValidProposals(t *testing.T) {
	client := llm.NewScriptedClient()
	fuser, err := NewFuser(client, testProvider(t), testStore(t), nil, nil, fastRetry(1))
	require.NoError(t, err)

	records := []Record{
		{GeneratorID: "generator_1", RolloutID: 1, Error: "parse failed"},
		{GeneratorID: "generator_1", RolloutID: 2, Error: "parse failed"},
	}
	out, err := fuser.Fuse(context.Background(), testProblem(), "generator_1", records)
	require.NoError(t, err)
	assert.True(t, out.Failed)
	assert.Nil(t, out.Artifact)
	assert.Equal(t, 0, client.Calls())
}

func TestFuse_SingleProposalPassesThroughUnchanged(t *testing.T) {
	client := llm.NewScriptedClient()
	fuser, err := NewFuser(client, testProvider(t), testStore(t), nil, nil, fastRetry(1))
	require.NoError(t, err)

	only := validRecord(2, 0.7)
	records := []Record{{GeneratorID: "generator_1", RolloutID: 1}, only}

	out, err := fuser.Fuse(context.Background(), testProblem(), "generator_1", records)
	require.NoError(t, err)
	assert.False(t, out.Failed)
	assert.False(t, out.Fallback)
	assert.Same(t, only.Artifact, out.Artifact)
	assert.Equal(t, "54", out.Answer)
	assert.Equal(t, []int{2}, out.SourceRolloutIDs)
	assert.Equal(t, 0, client.Calls())
}

func TestFuse_MergesMultipleProposals(t *testing.T) {
	client := llm.NewScriptedClient().SetDefault(func(string) (string, error) {
		return validPlanJSON, nil
	})
	fuser, err := NewFuser(client, testProvider(t), testStore(t), nil, nil, fastRetry(1))
	require.NoError(t, err)

	records := []Record{validRecord(1, 0.4), validRecord(2, 0.9), validRecord(3, 0.6)}
	out, err := fuser.Fuse(context.Background(), testProblem(), "generator_1", records)
	require.NoError(t, err)
	require.NotNil(t, out.Artifact)
	assert.False(t, out.Fallback)
	assert.Equal(t, 1, client.Calls())
	assert.Equal(t, []int{2, 3, 1}, out.SourceRolloutIDs)

	require.Len(t, client.Prompts(), 1)
	assert.Contains(t, client.Prompts()[0], "You are the critic")
}

func TestFuse_PadsMissingSlots(t *testing.T) {
	client := llm.NewScriptedClient().SetDefault(func(string) (string, error) {
		return validPlanJSON, nil
	})
	fuser, err := NewFuser(client, testProvider(t), testStore(t), nil, nil, fastRetry(1))
	require.NoError(t, err)

	records := []Record{validRecord(1, 0.5), validRecord(2, 0.5)}
	_, err = fuser.Fuse(context.Background(), testProblem(), "generator_1", records)
	require.NoError(t, err)

	require.Len(t, client.Prompts(), 1)
	assert.Contains(t, client.Prompts()[0], "Candidate 3:\n{}")
}

func TestFuse_FallsBackToBestProposal(t *testing.T) {
	client := llm.NewScriptedClient().SetDefault(func(string) (string, error) {
		return "definitely not a causal plan", nil
	})
	fuser, err := NewFuser(client, testProvider(t), testStore(t), nil, nil, fastRetry(2))
	require.NoError(t, err)

	best := validRecord(3, 0.9)
	records := []Record{validRecord(1, 0.4), validRecord(2, 0.6), best}

	out, err := fuser.Fuse(context.Background(), testProblem(), "generator_1", records)
	require.NoError(t, err)
	assert.True(t, out.Fallback)
	assert.Same(t, best.Artifact, out.Artifact)
	assert.Equal(t, "54", out.Answer)
	assert.Equal(t, 2, client.Calls())
}

func TestFuse_FallbackTieBreaksOnLowestRolloutID(t *testing.T) {
	client := llm.NewScriptedClient().SetDefault(func(string) (string, error) {
		return "still not a plan", nil
	})
	fuser, err := NewFuser(client, testProvider(t), testStore(t), nil, nil, fastRetry(1))
	require.NoError(t, err)

	first := validRecord(1, 0.8)
	records := []Record{validRecord(3, 0.8), first, validRecord(2, 0.8)}

	out, err := fuser.Fuse(context.Background(), testProblem(), "generator_1", records)
	require.NoError(t, err)
	assert.True(t, out.Fallback)
	assert.Same(t, first.Artifact, out.Artifact)
}

func TestRankByReward(t *testing.T) {
	records := []Record{validRecord(2, 0.5), validRecord(1, 0.5), validRecord(3, 0.9)}
	ranked := rankByReward(records)
	assert.Equal(t, 3, ranked[0].RolloutID)
	assert.Equal(t, 1, ranked[1].RolloutID)
	assert.Equal(t, 2, ranked[2].RolloutID)
}

// ====== fan-out ======

func TestFanOut_SerialPreservesOrder(t *testing.T) {
	var order []int
	err := FanOut(context.Background(), 4, false, func(ctx context.Context, i int) error {
		order = append(order, i)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 3}, order)
}

func TestFanOut_ParallelRunsAll(t *testing.T) {
	var mu sync.Mutex
	seen := make(map[int]bool)
	err := FanOut(context.Background(), 8, true, func(ctx context.Context, i int) error {
		mu.Lock()
		seen[i] = true
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	assert.Len(t, seen, 8)
}
