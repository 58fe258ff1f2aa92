// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package rollout

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/AleutianAI/kodiak/services/engine/artifact"
	"github.com/AleutianAI/kodiak/services/engine/llm"
	"github.com/AleutianAI/kodiak/services/engine/prompts"
)

// Answerer computes the final answer of an executed causal plan.
// Answer normalization and equivalence live in the reward package;
// this boundary only produces a raw answer string.
type Answerer interface {
	Answer(ctx context.Context, problemText string, art *artifact.Artifact) (string, error)
}

// ModelAnswerer asks the model to carry out the plan and report the
// target variable's value. It runs at temperature zero so the same
// plan yields the same answer.
type ModelAnswerer struct {
	client   llm.Client
	provider prompts.Provider
}

func NewModelAnswerer(client llm.Client, provider prompts.Provider) (*ModelAnswerer, error) {
	if client == nil || provider == nil {
		return nil, fmt.Errorf("rollout: ModelAnswerer requires a client and a provider")
	}
	return &ModelAnswerer{client: client, provider: provider}, nil
}

func (a *ModelAnswerer) Answer(ctx context.Context, problemText string, art *artifact.Artifact) (string, error) {
	if art == nil {
		return "", fmt.Errorf("rollout: cannot answer from a nil artifact")
	}
	encoded, err := json.Marshal(art)
	if err != nil {
		return "", fmt.Errorf("rollout: encode artifact: %w", err)
	}
	prompt, err := a.provider.Render("", prompts.TemplateAnswerExtract, map[string]string{
		"problem_text":  problemText,
		"artifact_json": string(encoded),
	})
	if err != nil {
		return "", err
	}
	raw, err := a.client.Generate(ctx, prompt, llm.GenerationParams{Temperature: llm.Temp(0)})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(raw), nil
}
