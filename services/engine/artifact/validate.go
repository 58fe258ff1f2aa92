// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package artifact

import (
	"errors"
	"fmt"
)

// ErrInvalidArtifact is the sentinel wrapped by every ValidationError.
var ErrInvalidArtifact = errors.New("invalid artifact")

// ValidationError describes why an artifact was rejected.
type ValidationError struct {
	// Field is the offending part of the artifact ("causal_links[2]").
	Field string

	// Reason is a human-readable explanation.
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid artifact: %s: %s", e.Field, e.Reason)
}

// Unwrap allows errors.Is(err, ErrInvalidArtifact).
func (e *ValidationError) Unwrap() error {
	return ErrInvalidArtifact
}

// Validate checks the structural invariants of an artifact.
//
// Description:
//
//	Enforces, in order:
//	 1. target_variable is non-empty and expected_answer_type is known.
//	 2. At least one computation step exists and the final step's target
//	    is the target variable.
//	 3. Every cause of every causal link resolves to a knowns key, the
//	    effect of an earlier link, or the target of an earlier step.
//	 4. Every step input resolves to a knowns key, an earlier link's
//	    effect, an earlier step's ID, or an earlier step's target.
//	 5. The link set induces no cycle.
//
//	Callers must not pass artifacts past this boundary unvalidated.
//
// Outputs:
//
//	error - nil if valid, otherwise a *ValidationError wrapping
//	ErrInvalidArtifact describing the first violation found.
//
// Thread Safety: Safe for concurrent use.
func (a *Artifact) Validate() error {
	if a.TargetVariable == "" {
		return &ValidationError{Field: "target_variable", Reason: "must not be empty"}
	}
	if !a.ExpectedAnswerType.IsValid() {
		return &ValidationError{
			Field:  "expected_answer_type",
			Reason: fmt.Sprintf("unknown answer type %q", a.ExpectedAnswerType),
		}
	}
	if len(a.ComputationSteps) == 0 {
		return &ValidationError{Field: "computation_steps", Reason: "must not be empty"}
	}

	final := a.ComputationSteps[len(a.ComputationSteps)-1]
	if final.Target != a.TargetVariable {
		return &ValidationError{
			Field: "computation_steps",
			Reason: fmt.Sprintf("final step targets %q, want target variable %q",
				final.Target, a.TargetVariable),
		}
	}

	// resolved accumulates everything a later reference may point at.
	resolved := make(map[string]bool, len(a.Knowns))
	for k := range a.Knowns {
		resolved[k] = true
	}

	// Causal links resolve against knowns and earlier links/steps. Links
	// and steps advance together: link i may reference effects of links
	// before it, steps resolve against all link effects plus earlier steps.
	for i, link := range a.CausalLinks {
		if link.Effect == "" {
			return &ValidationError{
				Field:  fmt.Sprintf("causal_links[%d]", i),
				Reason: "effect must not be empty",
			}
		}
		if len(link.Causes) == 0 {
			return &ValidationError{
				Field:  fmt.Sprintf("causal_links[%d]", i),
				Reason: "causes must not be empty",
			}
		}
		for _, c := range link.Causes {
			if !resolved[c] {
				return &ValidationError{
					Field:  fmt.Sprintf("causal_links[%d]", i),
					Reason: fmt.Sprintf("cause %q does not resolve to a known or earlier effect", c),
				}
			}
		}
		resolved[link.Effect] = true
	}

	seenIDs := make(map[string]bool, len(a.ComputationSteps))
	for i, step := range a.ComputationSteps {
		if step.ID == "" {
			return &ValidationError{
				Field:  fmt.Sprintf("computation_steps[%d]", i),
				Reason: "id must not be empty",
			}
		}
		if seenIDs[step.ID] {
			return &ValidationError{
				Field:  fmt.Sprintf("computation_steps[%d]", i),
				Reason: fmt.Sprintf("duplicate step id %q", step.ID),
			}
		}
		if step.Target == "" {
			return &ValidationError{
				Field:  fmt.Sprintf("computation_steps[%d]", i),
				Reason: "target must not be empty",
			}
		}
		for _, in := range step.Inputs {
			if !resolved[in] && !seenIDs[in] {
				return &ValidationError{
					Field: fmt.Sprintf("computation_steps[%d]", i),
					Reason: fmt.Sprintf("input %q does not resolve to a known, earlier effect, or earlier step",
						in),
				}
			}
		}
		seenIDs[step.ID] = true
		resolved[step.Target] = true
	}

	if !a.IsAcyclic() {
		return &ValidationError{Field: "causal_links", Reason: "link set induces a cycle"}
	}

	return nil
}
