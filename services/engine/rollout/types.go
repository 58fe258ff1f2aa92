// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package rollout implements the proposal-generation and fusion
// pipeline: N generator roles each produce R sampled causal plans per
// problem, and a fusion pass merges each generator's group into one
// refined plan.
//
// Two independent fan-out axes exist (across generators, across one
// generator's rollouts); each is configurable as parallel or serial.
// Fusion for a generator strictly follows completion of all of that
// generator's rollouts. A single rollout's or fusion's failure never
// aborts its siblings.
package rollout

import (
	"time"

	"github.com/AleutianAI/kodiak/services/engine/artifact"
	"github.com/AleutianAI/kodiak/services/engine/reward"
)

// Problem is one training problem. Dataset loading is a collaborator;
// the engine only consumes this projection.
type Problem struct {
	ID          string `json:"id"`
	Text        string `json:"text"`
	GroundTruth string `json:"ground_truth"`
}

// GeneratorSpec configures one generator role.
type GeneratorSpec struct {
	// Role is the generator's role name ("generator_1").
	Role string `json:"role"`

	// Temperature is the sampling temperature, non-zero and tuned for
	// diversity across the pool.
	Temperature float32 `json:"temperature"`
}

// Record is the retained projection of one rollout. A nil Artifact
// means generation failed after all retries; such records are excluded
// from fusion input.
type Record struct {
	GeneratorID string             `json:"generator_id"`
	RolloutID   int                `json:"rollout_id"`
	Artifact    *artifact.Artifact `json:"artifact,omitempty"`
	Answer      string             `json:"computed_answer,omitempty"`
	Correct     bool               `json:"is_correct"`
	Reward      reward.Vector      `json:"reward"`

	// ExperienceIDs are the lessons injected into this rollout's prompt,
	// kept for usage accounting.
	ExperienceIDs []string `json:"experience_ids,omitempty"`

	// Error describes the generation failure when Artifact is nil.
	Error string `json:"error,omitempty"`

	// CreatedAt timestamps the record for the audit log.
	CreatedAt time.Time `json:"created_at"`
}

// Valid reports whether the rollout produced a usable artifact.
func (r *Record) Valid() bool {
	return r != nil && r.Artifact != nil
}

// FusionRecord is the retained projection of one generator's fusion.
type FusionRecord struct {
	GeneratorID string             `json:"generator_id"`
	Artifact    *artifact.Artifact `json:"artifact,omitempty"`
	Answer      string             `json:"computed_answer,omitempty"`
	Correct     bool               `json:"is_correct"`
	Reward      reward.Vector      `json:"reward"`

	// Fallback is true when the fused output was invalid after retries
	// and the best input proposal was used instead.
	Fallback bool `json:"fallback"`

	// Failed is true when no valid proposal existed at all; Artifact is
	// nil in that case.
	Failed bool `json:"failed"`

	// SourceRolloutIDs are the rollouts slotted into the fusion prompt.
	SourceRolloutIDs []int `json:"source_rollout_ids,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}
