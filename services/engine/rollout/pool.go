// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package rollout

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/kodiak/services/engine/artifact"
	"github.com/AleutianAI/kodiak/services/engine/experience"
	"github.com/AleutianAI/kodiak/services/engine/knowledge"
	"github.com/AleutianAI/kodiak/services/engine/llm"
	"github.com/AleutianAI/kodiak/services/engine/prompts"
)

// PoolConfig tunes the generator pool.
type PoolConfig struct {
	// Rollouts is R, the number of sampled plans per generator per
	// problem.
	Rollouts int

	// ParallelRollouts selects the rollout fan-out axis mode.
	ParallelRollouts bool

	// KnowledgeLimit bounds retrieved background entries per prompt.
	KnowledgeLimit int

	// Retry bounds each rollout's generate-and-parse attempts.
	Retry llm.RetryPolicy
}

// Pool produces rollouts for generator roles. It reads experience
// snapshots but never mutates any store; score-keeping and learning
// happen downstream.
type Pool struct {
	client    llm.Client
	provider  prompts.Provider
	store     *experience.Store
	retriever knowledge.Retriever
	answerer  Answerer
	cfg       PoolConfig
}

// NewPool wires a generator pool.
//
// Description:
//
//	The pool owns the rollout fan-out axis only. Callers fan out across
//	generators themselves, typically through FanOut, so the two axes
//	stay independently configurable.
//
// Inputs:
//   - client: generation backend shared by every generator role.
//   - provider: prompt templates, consulted per role for overrides.
//   - store: experience store, snapshotted once per GenerateRollouts.
//   - retriever: background knowledge source; may be nil.
//   - answerer: computes each valid plan's final answer; may be nil,
//     in which case answers stay empty.
//
// Thread Safety: safe for concurrent use across generator roles.
func NewPool(client llm.Client, provider prompts.Provider, store *experience.Store, retriever knowledge.Retriever, answerer Answerer, cfg PoolConfig) (*Pool, error) {
	if client == nil || provider == nil || store == nil {
		return nil, fmt.Errorf("rollout: pool requires a client, a provider, and a store")
	}
	if cfg.Rollouts < 1 {
		return nil, fmt.Errorf("rollout: rollouts must be at least 1, got %d", cfg.Rollouts)
	}
	if cfg.KnowledgeLimit <= 0 {
		cfg.KnowledgeLimit = 5
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = llm.DefaultRetryPolicy()
	}
	return &Pool{
		client:    client,
		provider:  provider,
		store:     store,
		retriever: retriever,
		answerer:  answerer,
		cfg:       cfg,
	}, nil
}

// GenerateRollouts produces the full rollout group for one generator
// on one problem. The returned slice always has exactly cfg.Rollouts
// records in rollout-ID order; a failed rollout occupies its slot with
// a nil artifact rather than shrinking the group.
//
// The experience snapshot and retrieved knowledge are loaded once and
// shared by all rollouts of the group, so every sibling sees the same
// lesson list regardless of fan-out mode.
func (p *Pool) GenerateRollouts(ctx context.Context, problem Problem, gen GeneratorSpec) ([]Record, error) {
	snapshot, err := p.store.Snapshot(ctx, gen.Role)
	if err != nil {
		return nil, fmt.Errorf("rollout: snapshot for %s: %w", gen.Role, err)
	}
	experienceIDs := make([]string, 0, len(snapshot))
	for _, exp := range snapshot {
		experienceIDs = append(experienceIDs, exp.ID)
	}

	retrieved := p.retrieve(ctx, problem.Text)

	prompt, err := p.provider.Render(gen.Role, prompts.TemplateRollout, map[string]string{
		"problem_text":        problem.Text,
		"retrieved_knowledge": knowledge.FormatEntries(retrieved),
		"prior_experiences":   experience.FormatExperiences(snapshot),
	})
	if err != nil {
		return nil, fmt.Errorf("rollout: render prompt for %s: %w", gen.Role, err)
	}

	records := make([]Record, p.cfg.Rollouts)
	runErr := FanOut(ctx, p.cfg.Rollouts, p.cfg.ParallelRollouts, func(ctx context.Context, i int) error {
		records[i] = p.runOne(ctx, problem, gen, prompt, experienceIDs, i+1)
		return nil
	})
	if runErr != nil {
		return nil, runErr
	}
	return records, nil
}

// runOne performs one sampled generation attempt chain. Generation and
// parse failures are retried together; exhaustion yields a null-plan
// record, never an error.
func (p *Pool) runOne(ctx context.Context, problem Problem, gen GeneratorSpec, prompt string, experienceIDs []string, rolloutID int) Record {
	rec := Record{
		GeneratorID:   gen.Role,
		RolloutID:     rolloutID,
		ExperienceIDs: experienceIDs,
		CreatedAt:     time.Now().UTC(),
	}

	var art *artifact.Artifact
	op := fmt.Sprintf("%s rollout %d", gen.Role, rolloutID)
	err := p.cfg.Retry.Do(ctx, op, func(ctx context.Context, attempt int) error {
		raw, genErr := p.client.Generate(ctx, prompt, llm.GenerationParams{
			Temperature: llm.Temp(gen.Temperature),
		})
		if genErr != nil {
			return genErr
		}
		parsed, parseErr := artifact.ParseArtifact(raw)
		if parseErr != nil {
			return parseErr
		}
		art = parsed
		return nil
	})
	if err != nil {
		slog.Warn("rollout generation failed, recording null plan",
			"generator", gen.Role, "rollout", rolloutID, "error", err)
		rec.Error = err.Error()
		return rec
	}
	rec.Artifact = art

	if p.answerer != nil {
		answer, ansErr := p.answerer.Answer(ctx, problem.Text, art)
		if ansErr != nil {
			slog.Warn("answer computation failed",
				"generator", gen.Role, "rollout", rolloutID, "error", ansErr)
		} else {
			rec.Answer = answer
		}
	}
	return rec
}

func (p *Pool) retrieve(ctx context.Context, problemText string) []knowledge.Entry {
	if p.retriever == nil {
		return nil
	}
	entries, err := p.retriever.Retrieve(ctx, problemText, p.cfg.KnowledgeLimit)
	if err != nil {
		slog.Warn("knowledge retrieval failed, proceeding without background", "error", err)
		return nil
	}
	return entries
}
