// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package reward

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"strings"

	"github.com/AleutianAI/kodiak/services/engine/artifact"
	"github.com/AleutianAI/kodiak/services/engine/llm"
	"github.com/AleutianAI/kodiak/services/engine/prompts"
)

// Deterministic graph-axis weights: acyclicity, coverage, rationale,
// connectivity.
const (
	graphAcyclicWeight   = 0.3
	graphCoverageWeight  = 0.2
	graphRationaleWeight = 0.4
	graphConnectedWeight = 0.1
)

// Neutral defaults when a model-judged axis errors out.
const (
	defaultAnswerOnError = 0.0
	defaultLogicOnError  = 0.5
)

// Evaluator scores artifacts for one evaluation context.
//
// Thread Safety: Safe for concurrent use; evaluations share no state
// beyond the (thread-safe) client and prompt provider.
type Evaluator struct {
	client   llm.Client
	provider prompts.Provider
	weights  Weights
}

// NewEvaluator creates an evaluator with the given context weights.
func NewEvaluator(client llm.Client, provider prompts.Provider, weights Weights) (*Evaluator, error) {
	if client == nil {
		return nil, errors.New("client must not be nil")
	}
	if provider == nil {
		return nil, errors.New("provider must not be nil")
	}
	return &Evaluator{client: client, provider: provider, weights: weights}, nil
}

// Weights returns the evaluator's configured weights.
func (e *Evaluator) Weights() Weights {
	return e.weights
}

// Evaluate scores a rollout artifact on the answer, logic, and graph axes.
//
// Description:
//
//	answer: 1.0 on exact normalized match with the ground truth,
//	otherwise a model equivalence judgment clamped to {0,1}; 0.0 if the
//	judge errors. logic: model-judged score in [0,1]; 0.5 if the judge
//	errors. graph: fully deterministic, no model call. The total is the
//	weighted sum over the computed components.
//
//	A nil artifact scores zero on every axis; it represents a rollout
//	whose generation failed outright.
//
// Thread Safety: Safe for concurrent use.
func (e *Evaluator) Evaluate(ctx context.Context, art *artifact.Artifact, problem, computedAnswer, groundTruth string) Vector {
	v := Vector{}
	if art == nil {
		v.Answer = score(0)
		v.Logic = score(0)
		v.Graph = score(0)
		v.Total = 0
		return v
	}

	v.Answer = score(e.answerScore(ctx, problem, computedAnswer, groundTruth))
	v.Logic = score(e.logicScore(ctx, problem, art))
	v.Graph = score(GraphScore(art))
	v.Total = e.weights.combine(&v)
	return v
}

// EvaluateFused scores a fused artifact, adding the fusion axis.
//
// The fusion component compares the fused plan against its source
// proposals; it defaults to 0.0 when the fused artifact or the source
// list is missing.
func (e *Evaluator) EvaluateFused(ctx context.Context, fused *artifact.Artifact, sources []*artifact.Artifact, problem, computedAnswer, groundTruth string) Vector {
	v := e.Evaluate(ctx, fused, problem, computedAnswer, groundTruth)
	v.Fusion = score(FusionScore(fused, sources))
	v.Total = e.weights.combine(&v)
	return v
}

// answerScore implements the answer axis.
func (e *Evaluator) answerScore(ctx context.Context, problem, computed, truth string) float64 {
	if computed == "" {
		return 0
	}
	if AnswersMatch(computed, truth) {
		return 1
	}

	prompt, err := e.provider.Render("judge", prompts.TemplateAnswer, map[string]string{
		"problem_text":    problem,
		"ground_truth":    truth,
		"computed_answer": computed,
	})
	if err != nil {
		slog.Warn("answer judge prompt failed", "error", err.Error())
		return defaultAnswerOnError
	}
	raw, err := e.client.Generate(ctx, prompt, llm.GenerationParams{Temperature: llm.Temp(0)})
	if err != nil {
		slog.Warn("answer judge call failed", "error", err.Error())
		return defaultAnswerOnError
	}

	if strings.Contains(strings.ToUpper(raw), "EQUIVALENT") &&
		!strings.Contains(strings.ToUpper(raw), "NOT EQUIVALENT") {
		return 1
	}
	return 0
}

// logicScore implements the logic axis.
func (e *Evaluator) logicScore(ctx context.Context, problem string, art *artifact.Artifact) float64 {
	artJSON, err := json.Marshal(art)
	if err != nil {
		return defaultLogicOnError
	}
	prompt, err := e.provider.Render("judge", prompts.TemplateLogic, map[string]string{
		"problem_text": problem,
		"artifact":     string(artJSON),
	})
	if err != nil {
		slog.Warn("logic judge prompt failed", "error", err.Error())
		return defaultLogicOnError
	}
	raw, err := e.client.Generate(ctx, prompt, llm.GenerationParams{Temperature: llm.Temp(0)})
	if err != nil {
		slog.Warn("logic judge call failed", "error", err.Error())
		return defaultLogicOnError
	}
	s, err := llm.ParseScore(raw)
	if err != nil {
		slog.Warn("logic judge returned no score", "error", err.Error())
		return defaultLogicOnError
	}
	return clamp01(s)
}

// GraphScore computes the deterministic graph axis.
//
// Description:
//
//	Weighted combination of four structural signals:
//	  acyclicity   (0.3) - binary, link set induces no cycle
//	  coverage     (0.2) - fraction of knowns ∪ {target} among graph nodes
//	  rationale    (0.4) - fraction of links carrying a non-empty rationale
//	  connectivity (0.1) - binary, graph is weakly connected
//
//	An artifact with no links earns nothing on the rationale axis; its
//	precondition (links exist) is unmet.
func GraphScore(art *artifact.Artifact) float64 {
	if art == nil {
		return 0
	}

	acyclic := 0.0
	if art.IsAcyclic() {
		acyclic = 1
	}

	nodes := art.Nodes()
	expected := len(art.Knowns) + 1
	covered := 0
	for k := range art.Knowns {
		if nodes[k] {
			covered++
		}
	}
	if nodes[art.TargetVariable] {
		covered++
	}
	coverage := float64(covered) / float64(expected)

	rationale := 0.0
	if len(art.CausalLinks) > 0 {
		withRationale := 0
		for _, link := range art.CausalLinks {
			if strings.TrimSpace(link.Rationale) != "" {
				withRationale++
			}
		}
		rationale = float64(withRationale) / float64(len(art.CausalLinks))
	}

	connected := 0.0
	if art.IsWeaklyConnected() {
		connected = 1
	}

	return clamp01(graphAcyclicWeight*acyclic +
		graphCoverageWeight*coverage +
		graphRationaleWeight*rationale +
		graphConnectedWeight*connected)
}

// FusionScore compares a fused artifact against its source proposals.
//
// Description:
//
//	Deterministic: 0.6 × node coverage (fraction of the union of source
//	graph nodes preserved in the fused graph) plus 0.4 × improvement
//	(binary, the fused graph score is at least the best source's).
//	Returns 0.0 when the fused artifact or source list is missing.
func FusionScore(fused *artifact.Artifact, sources []*artifact.Artifact) float64 {
	if fused == nil || len(sources) == 0 {
		return 0
	}

	fusedNodes := fused.Nodes()
	union := make(map[string]bool)
	for _, src := range sources {
		if src == nil {
			continue
		}
		for n := range src.Nodes() {
			union[n] = true
		}
	}
	if len(union) == 0 {
		return 0
	}

	preserved := 0
	for n := range union {
		if fusedNodes[n] {
			preserved++
		}
	}
	coverage := float64(preserved) / float64(len(union))

	improvement := 0.0
	best := 0.0
	for _, src := range sources {
		if s := GraphScore(src); s > best {
			best = s
		}
	}
	if GraphScore(fused) >= best {
		improvement = 1
	}

	return clamp01(0.6*coverage + 0.4*improvement)
}

// AnswersMatch reports whether two answers match after normalization.
//
// Normalization lowercases, trims whitespace and trailing punctuation,
// and compares numerically when both sides parse as numbers.
func AnswersMatch(a, b string) bool {
	na, nb := normalizeAnswer(a), normalizeAnswer(b)
	if na == nb && na != "" {
		return true
	}
	fa, errA := strconv.ParseFloat(na, 64)
	fb, errB := strconv.ParseFloat(nb, 64)
	if errA == nil && errB == nil {
		diff := fa - fb
		if diff < 0 {
			diff = -diff
		}
		scale := 1.0
		if fb != 0 {
			if fb < 0 {
				scale = -fb
			} else {
				scale = fb
			}
		}
		return diff <= 1e-6*scale
	}
	return false
}

func normalizeAnswer(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimRight(s, ".!,;")
	s = strings.TrimSpace(strings.TrimPrefix(s, "$"))
	s = strings.ReplaceAll(s, ",", "")
	return s
}
