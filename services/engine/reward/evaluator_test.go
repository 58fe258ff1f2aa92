// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package reward

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/kodiak/services/engine/artifact"
	"github.com/AleutianAI/kodiak/services/engine/llm"
	"github.com/AleutianAI/kodiak/services/engine/prompts"
)

func testPlan() *artifact.Artifact {
	return &artifact.Artifact{
		TargetVariable:     "total_cost",
		ExpectedAnswerType: artifact.AnswerNumeric,
		Knowns:             map[string]any{"unit_price": 4.5, "quantity": 12},
		CausalLinks: []artifact.CausalLink{
			{Causes: []string{"unit_price", "quantity"}, Effect: "total_cost", Rationale: "cost scales with quantity"},
		},
		ComputationSteps: []artifact.ComputationStep{
			{ID: "step_1", Target: "total_cost", Inputs: []string{"unit_price", "quantity"}, Description: "multiply"},
		},
	}
}

func newTestEvaluator(t *testing.T, client llm.Client, weights Weights) *Evaluator {
	t.Helper()
	provider, err := prompts.NewFileProvider("")
	require.NoError(t, err)
	t.Cleanup(func() { provider.Close() })

	e, err := NewEvaluator(client, provider, weights)
	require.NoError(t, err)
	return e
}

func TestWeights_Validate(t *testing.T) {
	require.NoError(t, GeneratorWeights().Validate(false))
	require.NoError(t, CriticWeights().Validate(true))

	bad := Weights{Answer: 0.5, Logic: 0.5, Graph: 0.5}
	require.Error(t, bad.Validate(false))

	// A fusion weight in a context without a fusion component is a
	// misconfiguration, not a silent renormalization.
	require.Error(t, CriticWeights().Validate(false))
}

func TestEvaluate_ExactMatchNeedsNoAnswerJudge(t *testing.T) {
	// Only the logic judge should be consulted.
	client := llm.NewScriptedClient().Enqueue("0.8")
	e := newTestEvaluator(t, client, GeneratorWeights())

	v := e.Evaluate(context.Background(), testPlan(), "problem", "54.0", "54")
	require.NotNil(t, v.Answer)
	assert.Equal(t, 1.0, *v.Answer)
	assert.Equal(t, 1, client.Calls())
}

func TestEvaluate_TotalIsWeightedSum(t *testing.T) {
	client := llm.NewScriptedClient().Enqueue("0.8")
	e := newTestEvaluator(t, client, GeneratorWeights())

	v := e.Evaluate(context.Background(), testPlan(), "problem", "54", "54")
	require.NotNil(t, v.Answer)
	require.NotNil(t, v.Logic)
	require.NotNil(t, v.Graph)
	assert.Nil(t, v.Fusion)

	want := 0.5**v.Answer + 0.25**v.Logic + 0.25**v.Graph
	assert.InDelta(t, want, v.Total, 1e-6)

	for _, c := range []*float64{v.Answer, v.Logic, v.Graph} {
		assert.GreaterOrEqual(t, *c, 0.0)
		assert.LessOrEqual(t, *c, 1.0)
	}
}

func TestEvaluate_JudgeFailuresUseNeutralDefaults(t *testing.T) {
	client := llm.NewScriptedClient().
		RespondError("equivalent", errors.New("judge down")).
		RespondError("reasoning", errors.New("judge down"))
	e := newTestEvaluator(t, client, GeneratorWeights())

	v := e.Evaluate(context.Background(), testPlan(), "problem", "55", "54")
	assert.Equal(t, 0.0, *v.Answer)
	assert.Equal(t, 0.5, *v.Logic)
}

func TestEvaluate_NilArtifactScoresZero(t *testing.T) {
	client := llm.NewScriptedClient()
	e := newTestEvaluator(t, client, GeneratorWeights())

	v := e.Evaluate(context.Background(), nil, "problem", "", "54")
	assert.Equal(t, 0.0, v.Total)
	assert.Equal(t, 0, client.Calls())
}

func TestGraphScore_FullMarks(t *testing.T) {
	// Acyclic, full coverage, every link has a rationale, connected.
	assert.InDelta(t, 1.0, GraphScore(testPlan()), 1e-6)
}

func TestGraphScore_MissingRationale(t *testing.T) {
	a := testPlan()
	a.CausalLinks[0].Rationale = ""
	assert.InDelta(t, 0.6, GraphScore(a), 1e-6)
}

func TestGraphScore_NilArtifact(t *testing.T) {
	assert.Equal(t, 0.0, GraphScore(nil))
}

func TestFusionScore_Defaults(t *testing.T) {
	assert.Equal(t, 0.0, FusionScore(nil, []*artifact.Artifact{testPlan()}))
	assert.Equal(t, 0.0, FusionScore(testPlan(), nil))
}

func TestFusionScore_FullCoverage(t *testing.T) {
	fused := testPlan()
	sources := []*artifact.Artifact{testPlan(), testPlan()}
	// The fused plan preserves every source node and matches the best
	// source graph score.
	assert.InDelta(t, 1.0, FusionScore(fused, sources), 1e-6)
}

func TestEvaluateFused_IncludesFusionComponent(t *testing.T) {
	client := llm.NewScriptedClient().Enqueue("0.9")
	e := newTestEvaluator(t, client, CriticWeights())

	sources := []*artifact.Artifact{testPlan()}
	v := e.EvaluateFused(context.Background(), testPlan(), sources, "problem", "54", "54")
	require.NotNil(t, v.Fusion)

	want := 0.3**v.Answer + 0.2**v.Logic + 0.2**v.Graph + 0.3**v.Fusion
	assert.InDelta(t, want, v.Total, 1e-6)
}

func TestAnswersMatch(t *testing.T) {
	cases := []struct {
		a, b string
		want bool
	}{
		{"54", "54", true},
		{"54.0", "54", true},
		{" 54 ", "54.", true},
		{"$1,200", "1200", true},
		{"YES", "yes", true},
		{"54.1", "54", false},
		{"", "", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, AnswersMatch(tc.a, tc.b), "%q vs %q", tc.a, tc.b)
	}
}
