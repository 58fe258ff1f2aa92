// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package experience implements the training-free learning loop: a
// durable, per-role store of short natural-language lessons, and the
// variance-gated extractor that curates it.
//
// Each role (generator_1..N, critic, shared) owns one ordered list of
// experiences. Generators read the shared list in addition to their own.
// The extractor is the only writer: per (role, problem) it moves through
// Idle → Loaded → (Gate-Skipped | Extracting → Applied) → Persisted,
// and persistence for a role completes before the next problem's load
// for that role begins.
package experience

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/AleutianAI/kodiak/services/engine/artifact"
	"github.com/AleutianAI/kodiak/services/engine/reward"
)

// Well-known roles. Generator roles are minted with GeneratorRole.
const (
	RoleCritic = "critic"
	RoleShared = "shared"
)

// GeneratorRole returns the role name of the i-th generator (1-based).
func GeneratorRole(i int) string {
	return fmt.Sprintf("generator_%d", i)
}

// OwnerRole returns the role that minted an experience id, the prefix
// before the sequence suffix ("generator_2-0007" → "generator_2"). An
// id without a suffix is returned unchanged.
func OwnerRole(id string) string {
	if i := strings.LastIndex(id, "-"); i > 0 {
		return id[:i]
	}
	return id
}

// Experience is one short textual lesson owned by a role.
type Experience struct {
	// ID is role-prefixed and monotonic within the role
	// ("generator_2-0007"). Minted by the store, never by callers.
	ID string `json:"id"`

	// Content is the lesson text.
	Content string `json:"content"`

	// Category groups lessons ("planning", "units", ...).
	Category string `json:"category"`

	// UsageCount counts how many prompts this lesson was injected into.
	UsageCount int `json:"usage_count"`

	// SuccessCount counts injections whose consuming rollout was correct.
	SuccessCount int `json:"success_count"`

	// CreatedAt is when the lesson was minted.
	CreatedAt time.Time `json:"created_at"`

	// SourceProblem identifies the problem that produced the lesson.
	SourceProblem string `json:"source_problem"`
}

// Operation kinds produced by the extractor.
const (
	OpAdd    = "add"
	OpModify = "modify"
	OpDelete = "delete"
)

// Operation is one store mutation proposed by the extraction model.
// Each operation is independently safe: modify and delete of an unknown
// id are no-ops.
type Operation struct {
	Op           string `json:"op"`
	Content      string `json:"content,omitempty"`
	Category     string `json:"category,omitempty"`
	ExperienceID string `json:"experience_id,omitempty"`
	NewContent   string `json:"new_content,omitempty"`
}

// Validate checks the operation's shape.
func (o Operation) Validate() error {
	switch o.Op {
	case OpAdd:
		if strings.TrimSpace(o.Content) == "" {
			return fmt.Errorf("add operation with empty content")
		}
	case OpModify:
		if o.ExperienceID == "" {
			return fmt.Errorf("modify operation without experience_id")
		}
		if strings.TrimSpace(o.NewContent) == "" {
			return fmt.Errorf("modify operation with empty new_content")
		}
	case OpDelete:
		if o.ExperienceID == "" {
			return fmt.Errorf("delete operation without experience_id")
		}
	default:
		return fmt.Errorf("unknown operation %q", o.Op)
	}
	return nil
}

// ParseOperations turns raw model output into a validated operation list.
//
// Description:
//
//	Tolerates prose and code fences around the payload. Accepts either a
//	bare JSON array or an object with an "operations" field. Every
//	operation must validate; one malformed entry rejects the batch,
//	because a partially understood extraction is worse than none.
//
// Outputs:
//
//	[]Operation - The validated operations (possibly empty).
//	error - Non-nil if no parseable, fully valid list was found.
func ParseOperations(raw string) ([]Operation, error) {
	jsonText, err := artifact.ExtractJSON(raw)
	if err != nil {
		return nil, err
	}

	var ops []Operation
	if err := json.Unmarshal([]byte(jsonText), &ops); err != nil {
		var wrapper struct {
			Operations []Operation `json:"operations"`
		}
		if err2 := json.Unmarshal([]byte(jsonText), &wrapper); err2 != nil {
			return nil, fmt.Errorf("unmarshal operations: %w", err)
		}
		ops = wrapper.Operations
	}

	for i, op := range ops {
		if err := op.Validate(); err != nil {
			return nil, fmt.Errorf("operation %d: %w", i, err)
		}
	}
	return ops, nil
}

// Outcome is one scored result fed to the variance gate. It is the
// projection of a rollout or fusion record the extractor needs.
type Outcome struct {
	ID       string             `json:"id"`
	Artifact *artifact.Artifact `json:"artifact,omitempty"`
	Answer   string             `json:"answer"`
	Correct  bool               `json:"correct"`
	Reward   reward.Vector      `json:"reward"`
}
