// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package experience

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/AleutianAI/kodiak/services/engine/knowledge"
	"github.com/AleutianAI/kodiak/services/engine/llm"
	"github.com/AleutianAI/kodiak/services/engine/prompts"
)

// DefaultVarianceThreshold is the default τ: outcome groups whose reward
// standard deviation is at or below it carry no learning signal.
const DefaultVarianceThreshold = 0.05

// Skip reasons reported in Result.
const (
	SkipLowVariance      = "low-variance"
	SkipExtractionFailed = "extraction-failed"
	SkipNoOutcomes       = "no-outcomes"
)

// Result reports what one extraction attempt did.
type Result struct {
	// Skipped is true when no mutation was attempted.
	Skipped bool

	// Reason is set when Skipped ("low-variance", "extraction-failed",
	// "no-outcomes").
	Reason string

	// Mean and StdDev are the reward statistics of the outcome group.
	Mean   float64
	StdDev float64

	// Operations are the parsed operations (empty when skipped).
	Operations []Operation

	// Applied and SkippedOps count effective and no-op operations.
	Applied    int
	SkippedOps int
}

// Extractor curates a role's experience store from outcome groups.
//
// This is the training-free GRPO update rule: learning signal exists
// only when rewards within a group differ meaningfully, so the gate
// compares the group's population standard deviation against τ before
// spending a model call.
type Extractor struct {
	client   llm.Client
	provider prompts.Provider
	store    *Store
	deduper  *knowledge.Deduper
	tau      float64
	retry    llm.RetryPolicy
}

// TauOf is a convenience for an explicit threshold literal.
func TauOf(v float64) *float64 { return &v }

// ExtractorConfig configures an Extractor.
type ExtractorConfig struct {
	// Tau is the variance threshold. Nil selects
	// DefaultVarianceThreshold. An explicit zero is honored: the gate
	// then opens for any reward spread at all.
	Tau *float64

	// Retry bounds the extraction model call. Only transient call
	// failures are retried; unparsable operations are never retried.
	Retry llm.RetryPolicy

	// Deduper, when set, drops add operations semantically duplicating
	// an existing lesson. Tuned with the experience threshold, not the
	// knowledge one.
	Deduper *knowledge.Deduper
}

// NewExtractor creates an extractor bound to a store.
func NewExtractor(client llm.Client, provider prompts.Provider, store *Store, cfg ExtractorConfig) (*Extractor, error) {
	if client == nil {
		return nil, errors.New("client must not be nil")
	}
	if provider == nil {
		return nil, errors.New("provider must not be nil")
	}
	if store == nil {
		return nil, errors.New("store must not be nil")
	}
	tau := DefaultVarianceThreshold
	if cfg.Tau != nil {
		if *cfg.Tau < 0 {
			return nil, fmt.Errorf("tau must not be negative, got %v", *cfg.Tau)
		}
		tau = *cfg.Tau
	}
	return &Extractor{
		client:   client,
		provider: provider,
		store:    store,
		deduper:  cfg.Deduper,
		tau:      tau,
		retry:    cfg.Retry,
	}, nil
}

// MaybeExtract runs the gated extraction for one (role, problem) pair.
//
// Description:
//
//	Computes mean and population standard deviation of reward totals
//	across the outcome group. σ ≤ τ skips without any model call or
//	store mutation. Otherwise the extraction prompt is rendered with
//	the problem, ground truth, outcomes, and the role's current list;
//	the model is called once (transient failures retried under the
//	policy); the operations are parsed and applied in order. An
//	unparsable response skips silently, store unchanged: extraction is
//	opportunistic, not required.
//
// Outputs:
//
//	Result - What happened, including the gate statistics.
//	error - Non-nil only for persistence failures, which are fatal for
//	the role's epoch.
//
// Thread Safety: Safe for concurrent use across roles. The store
// serializes same-role mutation.
func (x *Extractor) MaybeExtract(ctx context.Context, role, problem, groundTruth string, outcomes []Outcome) (Result, error) {
	if len(outcomes) == 0 {
		return Result{Skipped: true, Reason: SkipNoOutcomes}, nil
	}

	totals := make([]float64, len(outcomes))
	for i, o := range outcomes {
		totals[i] = o.Reward.Total
	}
	mean := meanOf(totals)
	sigma := popStdDev(totals, mean)
	result := Result{Mean: mean, StdDev: sigma}

	if sigma <= x.tau {
		slog.Debug("extraction gate: no learning signal",
			"role", role,
			"sigma", sigma,
			"tau", x.tau,
		)
		result.Skipped = true
		result.Reason = SkipLowVariance
		return result, nil
	}

	current, err := x.store.Load(ctx, role)
	if err != nil {
		return result, err
	}

	prompt, err := x.provider.Render(role, prompts.TemplateExtraction, map[string]string{
		"role":                role,
		"problem_text":        problem,
		"ground_truth":        groundTruth,
		"outcomes":            formatOutcomes(outcomes),
		"current_experiences": FormatExperiences(current),
	})
	if err != nil {
		slog.Warn("extraction prompt failed, skipping", "role", role, "error", err.Error())
		result.Skipped = true
		result.Reason = SkipExtractionFailed
		return result, nil
	}

	var raw string
	err = x.retry.Do(ctx, "extract:"+role, func(ctx context.Context, attempt int) error {
		var callErr error
		raw, callErr = x.client.Generate(ctx, prompt, llm.GenerationParams{Temperature: llm.Temp(0)})
		return callErr
	})
	if err != nil {
		slog.Warn("extraction call failed, skipping", "role", role, "error", err.Error())
		result.Skipped = true
		result.Reason = SkipExtractionFailed
		return result, nil
	}

	ops, err := ParseOperations(raw)
	if err != nil {
		slog.Warn("extraction operations unparsable, skipping", "role", role, "error", err.Error())
		result.Skipped = true
		result.Reason = SkipExtractionFailed
		return result, nil
	}
	ops = x.dropDuplicateAdds(ctx, current, ops)
	result.Operations = ops

	applied, skippedOps, err := x.store.Apply(ctx, role, problem, ops)
	result.Applied = applied
	result.SkippedOps = skippedOps
	if err != nil {
		return result, err
	}

	slog.Info("experience store updated",
		"role", role,
		"sigma", sigma,
		"operations", len(ops),
		"applied", applied,
		"noop", skippedOps,
	)
	return result, nil
}

// Tau returns the configured variance threshold.
func (x *Extractor) Tau() float64 {
	return x.tau
}

// dropDuplicateAdds filters adds that duplicate an existing lesson.
func (x *Extractor) dropDuplicateAdds(ctx context.Context, current []Experience, ops []Operation) []Operation {
	if x.deduper == nil {
		return ops
	}
	existing := make([]string, len(current))
	for i, e := range current {
		existing[i] = e.Content
	}

	kept := ops[:0]
	for _, op := range ops {
		if op.Op == OpAdd && x.deduper.IsDuplicateOfAny(ctx, existing, op.Content) {
			slog.Debug("dropping duplicate experience add", "content", op.Content)
			continue
		}
		kept = append(kept, op)
	}
	return kept
}

// FormatExperiences renders a lesson list for a prompt slot.
func FormatExperiences(list []Experience) string {
	if len(list) == 0 {
		return "none"
	}
	var b strings.Builder
	for i, e := range list {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "[%s] (%s) %s", e.ID, e.Category, e.Content)
	}
	return b.String()
}

// formatOutcomes renders the outcome group for the extraction prompt.
func formatOutcomes(outcomes []Outcome) string {
	var b strings.Builder
	for i, o := range outcomes {
		if i > 0 {
			b.WriteString("\n")
		}
		artJSON := "null"
		if o.Artifact != nil {
			if data, err := json.Marshal(o.Artifact); err == nil {
				artJSON = string(data)
			}
		}
		fmt.Fprintf(&b, "outcome %s: answer=%q correct=%t reward=%.3f artifact=%s",
			o.ID, o.Answer, o.Correct, o.Reward.Total, artJSON)
	}
	return b.String()
}

// meanOf is the arithmetic mean; zero for an empty slice.
func meanOf(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// popStdDev is the population standard deviation about a known mean.
func popStdDev(values []float64, mean float64) float64 {
	if len(values) == 0 {
		return 0
	}
	ss := 0.0
	for _, v := range values {
		d := v - mean
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(values)))
}
