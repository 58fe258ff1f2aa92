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
	"log/slog"
	"sort"
	"time"

	"github.com/AleutianAI/kodiak/services/engine/artifact"
	"github.com/AleutianAI/kodiak/services/engine/experience"
	"github.com/AleutianAI/kodiak/services/engine/knowledge"
	"github.com/AleutianAI/kodiak/services/engine/llm"
	"github.com/AleutianAI/kodiak/services/engine/prompts"
)

// fusionSlots is the fixed candidate count in the fusion prompt.
// Groups with fewer valid proposals pad the remaining slots.
const fusionSlots = 3

// emptySlot fills unused candidate positions so the template always
// renders the same shape.
const emptySlot = "{}"

// Fuser merges one generator's valid rollouts into a single refined
// plan. It acts in the critic role: its prompt overrides and its
// experience snapshot come from the critic, not from the generator
// whose group it is fusing.
type Fuser struct {
	client    llm.Client
	provider  prompts.Provider
	store     *experience.Store
	retriever knowledge.Retriever
	answerer  Answerer
	retry     llm.RetryPolicy
}

func NewFuser(client llm.Client, provider prompts.Provider, store *experience.Store, retriever knowledge.Retriever, answerer Answerer, retry llm.RetryPolicy) (*Fuser, error) {
	if client == nil || provider == nil || store == nil {
		return nil, fmt.Errorf("rollout: fuser requires a client, a provider, and a store")
	}
	if retry.MaxAttempts == 0 {
		retry = llm.DefaultRetryPolicy()
	}
	return &Fuser{
		client:    client,
		provider:  provider,
		store:     store,
		retriever: retriever,
		answerer:  answerer,
		retry:     retry,
	}, nil
}

// Fuse applies the fusion policy to one generator's rollout group:
//
//   - no valid proposals: a failed record with a nil plan, zero
//     generation calls;
//   - exactly one valid proposal: that plan passes through unchanged,
//     zero generation calls;
//   - two or more: the top proposals by reward total are slotted into
//     the fusion prompt and merged at temperature zero. If the merged
//     output stays invalid after retries, the single best input
//     proposal is used instead, breaking reward ties toward the lowest
//     rollout ID.
//
// records may contain null-plan entries; they are skipped, not errors.
func (f *Fuser) Fuse(ctx context.Context, problem Problem, generatorID string, records []Record) (FusionRecord, error) {
	out := FusionRecord{
		GeneratorID: generatorID,
		CreatedAt:   time.Now().UTC(),
	}

	valid := make([]Record, 0, len(records))
	for _, r := range records {
		if r.Valid() {
			valid = append(valid, r)
		}
	}

	switch len(valid) {
	case 0:
		slog.Warn("no valid proposals to fuse", "generator", generatorID)
		out.Failed = true
		return out, nil
	case 1:
		out.Artifact = valid[0].Artifact
		out.Answer = valid[0].Answer
		out.SourceRolloutIDs = []int{valid[0].RolloutID}
		return out, nil
	}

	slotted := rankByReward(valid)
	if len(slotted) > fusionSlots {
		slotted = slotted[:fusionSlots]
	}
	for _, r := range slotted {
		out.SourceRolloutIDs = append(out.SourceRolloutIDs, r.RolloutID)
	}

	prompt, err := f.buildPrompt(ctx, problem, slotted)
	if err != nil {
		return out, fmt.Errorf("rollout: build fusion prompt for %s: %w", generatorID, err)
	}

	var fused *artifact.Artifact
	fuseErr := f.retry.Do(ctx, fmt.Sprintf("%s fusion", generatorID), func(ctx context.Context, attempt int) error {
		raw, genErr := f.client.Generate(ctx, prompt, llm.GenerationParams{
			Temperature: llm.Temp(0),
		})
		if genErr != nil {
			return genErr
		}
		parsed, parseErr := artifact.ParseArtifact(raw)
		if parseErr != nil {
			return parseErr
		}
		fused = parsed
		return nil
	})
	if fuseErr != nil {
		best := slotted[0]
		slog.Warn("fusion failed, falling back to best proposal",
			"generator", generatorID, "rollout", best.RolloutID, "error", fuseErr)
		out.Fallback = true
		out.Artifact = best.Artifact
		out.Answer = best.Answer
		return out, nil
	}

	out.Artifact = fused
	if f.answerer != nil {
		answer, ansErr := f.answerer.Answer(ctx, problem.Text, fused)
		if ansErr != nil {
			slog.Warn("fused answer computation failed", "generator", generatorID, "error", ansErr)
		} else {
			out.Answer = answer
		}
	}
	return out, nil
}

// buildPrompt renders the fusion template in the critic role with the
// critic's own experience snapshot.
func (f *Fuser) buildPrompt(ctx context.Context, problem Problem, slotted []Record) (string, error) {
	snapshot, err := f.store.Snapshot(ctx, experience.RoleCritic)
	if err != nil {
		return "", err
	}

	var retrieved []knowledge.Entry
	if f.retriever != nil {
		retrieved, err = f.retriever.Retrieve(ctx, problem.Text, fusionSlots)
		if err != nil {
			slog.Warn("knowledge retrieval failed for fusion, proceeding without background", "error", err)
			retrieved = nil
		}
	}

	vars := map[string]string{
		"problem_text":        problem.Text,
		"retrieved_knowledge": knowledge.FormatEntries(retrieved),
		"prior_experiences":   experience.FormatExperiences(snapshot),
	}
	for i := 0; i < fusionSlots; i++ {
		slot := emptySlot
		if i < len(slotted) {
			encoded, encErr := json.Marshal(slotted[i].Artifact)
			if encErr != nil {
				return "", fmt.Errorf("encode proposal %d: %w", slotted[i].RolloutID, encErr)
			}
			slot = string(encoded)
		}
		vars[fmt.Sprintf("proposal_%d", i+1)] = slot
	}
	return f.provider.Render(experience.RoleCritic, prompts.TemplateFusion, vars)
}

// rankByReward orders records by reward total, best first, breaking
// ties toward the lowest rollout ID.
func rankByReward(records []Record) []Record {
	ranked := make([]Record, len(records))
	copy(ranked, records)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Reward.Total != ranked[j].Reward.Total {
			return ranked[i].Reward.Total > ranked[j].Reward.Total
		}
		return ranked[i].RolloutID < ranked[j].RolloutID
	})
	return ranked
}
