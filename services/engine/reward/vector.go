// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package reward scores artifacts along independent axes and combines
// them into a weighted total.
//
// Three axes apply to every outcome: answer (did the plan reach the
// right answer), logic (model-judged reasoning quality), and graph
// (deterministic structural quality of the causal graph). Fused results
// additionally get a fusion axis comparing the fused plan against its
// source proposals. Every per-axis failure degrades to a neutral default
// instead of aborting evaluation.
package reward

import (
	"fmt"
	"math"
)

// Vector holds the per-axis components and the weighted total.
// Nil components were not computed for this outcome.
type Vector struct {
	Answer *float64 `json:"answer,omitempty"`
	Logic  *float64 `json:"logic,omitempty"`
	Graph  *float64 `json:"graph,omitempty"`
	Fusion *float64 `json:"fusion,omitempty"`
	Total  float64  `json:"total"`
}

// Weights configures the per-axis weights for one evaluation context.
// Weights must sum to 1 over the components that context computes.
type Weights struct {
	Answer float64 `yaml:"answer"`
	Logic  float64 `yaml:"logic"`
	Graph  float64 `yaml:"graph"`
	Fusion float64 `yaml:"fusion"`
}

// GeneratorWeights is the default weighting for generator rollouts,
// which have no fusion component.
func GeneratorWeights() Weights {
	return Weights{Answer: 0.5, Logic: 0.25, Graph: 0.25}
}

// CriticWeights is the default weighting for fused results.
func CriticWeights() Weights {
	return Weights{Answer: 0.3, Logic: 0.2, Graph: 0.2, Fusion: 0.3}
}

// Validate checks that the weights over the computed components sum to 1.
func (w Weights) Validate(withFusion bool) error {
	sum := w.Answer + w.Logic + w.Graph
	if withFusion {
		sum += w.Fusion
	} else if w.Fusion != 0 {
		return fmt.Errorf("fusion weight %.3f set for a context without a fusion component", w.Fusion)
	}
	if math.Abs(sum-1.0) > 1e-6 {
		return fmt.Errorf("weights sum to %.6f, want 1", sum)
	}
	return nil
}

// combine computes the weighted total over present components.
func (w Weights) combine(v *Vector) float64 {
	total := 0.0
	if v.Answer != nil {
		total += w.Answer * *v.Answer
	}
	if v.Logic != nil {
		total += w.Logic * *v.Logic
	}
	if v.Graph != nil {
		total += w.Graph * *v.Graph
	}
	if v.Fusion != nil {
		total += w.Fusion * *v.Fusion
	}
	return total
}

// score is a convenience for building component pointers.
func score(v float64) *float64 { return &v }

// clamp01 bounds a component into [0,1].
func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
