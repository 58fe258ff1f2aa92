// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package prompts renders named prompt templates for the engine.
//
// The engine itself never embeds prompt wording; it asks a Provider to
// render a named template with named variable slots (problem_text,
// retrieved_knowledge, prior_experiences, proposal_1..3, ground_truth,
// and so on). Default templates ship embedded; an override directory can
// shadow any of them and is hot-reloaded on change.
package prompts

import (
	"errors"
	"fmt"
)

// Template names used by the engine.
const (
	TemplateRollout       = "rollout"
	TemplateFusion        = "fusion"
	TemplateExtraction    = "extraction"
	TemplateAnswerExtract = "answer_extract"
	TemplateAnswer        = "answer_judge"
	TemplateLogic         = "logic_judge"
	TemplateSimilarity    = "similarity_judge"
)

// ErrTemplateNotFound is returned when neither the override directory
// nor the embedded defaults contain the requested template.
var ErrTemplateNotFound = errors.New("prompts: template not found")

// Provider renders a named template for a role.
//
// Role-specific overrides are looked up first ("critic/fusion" before
// "fusion"), so a deployment can specialize wording per role without
// touching the engine.
type Provider interface {
	Render(role, name string, vars map[string]string) (string, error)
}

// notFound builds a template lookup error.
func notFound(role, name string) error {
	return fmt.Errorf("%w: role=%s name=%s", ErrTemplateNotFound, role, name)
}
