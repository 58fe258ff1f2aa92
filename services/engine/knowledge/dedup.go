// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package knowledge

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/AleutianAI/kodiak/services/engine/llm"
	"github.com/AleutianAI/kodiak/services/engine/prompts"
)

// Dedup thresholds are independent policy constants: knowledge entries
// tolerate more overlap than experience lessons, so the two call sites
// are tuned separately rather than sharing one canonical value.
const (
	// DefaultKnowledgeDedupThreshold applies when ingesting knowledge.
	DefaultKnowledgeDedupThreshold = 0.60

	// DefaultExperienceDedupThreshold applies when adding experiences.
	DefaultExperienceDedupThreshold = 0.85
)

// Deduper judges semantic similarity between two texts with the
// generation capability and compares it against a threshold.
type Deduper struct {
	client    llm.Client
	provider  prompts.Provider
	threshold float64
}

// NewDeduper creates a deduper with the given similarity threshold.
func NewDeduper(client llm.Client, provider prompts.Provider, threshold float64) *Deduper {
	return &Deduper{client: client, provider: provider, threshold: threshold}
}

// Threshold returns the configured similarity threshold.
func (d *Deduper) Threshold() float64 {
	return d.threshold
}

// IsDuplicate reports whether candidate is semantically close enough to
// existing to be considered a duplicate.
//
// Description:
//
//	Renders the similarity judge prompt, calls the model at temperature
//	zero, and parses a score in [0,1]. A judge failure is treated as
//	"not a duplicate": dedup is opportunistic and must never block an
//	insert.
func (d *Deduper) IsDuplicate(ctx context.Context, existing, candidate string) bool {
	prompt, err := d.provider.Render("judge", prompts.TemplateSimilarity, map[string]string{
		"text_a": existing,
		"text_b": candidate,
	})
	if err != nil {
		slog.Warn("similarity judge prompt failed", "error", err.Error())
		return false
	}

	raw, err := d.client.Generate(ctx, prompt, llm.GenerationParams{Temperature: llm.Temp(0)})
	if err != nil {
		slog.Warn("similarity judge call failed", "error", err.Error())
		return false
	}

	score, err := llm.ParseScore(raw)
	if err != nil {
		slog.Warn("similarity judge returned no score", "error", err.Error())
		return false
	}
	return score >= d.threshold
}

// IsDuplicateOfAny checks candidate against every existing text.
func (d *Deduper) IsDuplicateOfAny(ctx context.Context, existing []string, candidate string) bool {
	for _, text := range existing {
		if d.IsDuplicate(ctx, text, candidate) {
			return true
		}
	}
	return false
}

// String describes the deduper for logs.
func (d *Deduper) String() string {
	return fmt.Sprintf("deduper(threshold=%.2f)", d.threshold)
}
