// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package trainer runs the training loop: for each problem, fan out
// across the generator pool, fuse each group, score everything, then
// let each role update its experience list through the variance gate.
// Problems within an epoch are strictly sequential so later problems
// see the lessons of earlier ones.
package trainer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/kodiak/services/engine/artifact"
	"github.com/AleutianAI/kodiak/services/engine/experience"
	"github.com/AleutianAI/kodiak/services/engine/reward"
	"github.com/AleutianAI/kodiak/services/engine/rollout"
)

var (
	tracer = otel.Tracer("kodiak.trainer")
	meter  = otel.Meter("kodiak.trainer")
)

// Options configures a training run.
type Options struct {
	// Generators defines the pool, one spec per generator role.
	Generators []rollout.GeneratorSpec

	// ParallelGenerators selects the generator fan-out axis mode.
	ParallelGenerators bool

	// Epochs is the number of passes over the problem list.
	Epochs int

	// CheckpointDir receives per-role snapshots after each epoch.
	// Empty disables checkpointing.
	CheckpointDir string
}

// RoleStats aggregates one role's results within an epoch.
type RoleStats struct {
	Rollouts        int `json:"rollouts"`
	Valid           int `json:"valid"`
	Correct         int `json:"correct"`
	FusionFallbacks int `json:"fusion_fallbacks"`
	FusionFailures  int `json:"fusion_failures"`
	Extractions     int `json:"extractions"`
	SkippedGates    int `json:"skipped_gates"`
}

// EpochSummary aggregates one epoch.
type EpochSummary struct {
	Epoch    int                   `json:"epoch"`
	Problems int                   `json:"problems"`
	Roles    map[string]*RoleStats `json:"roles"`

	// FailedProblems counts problems where no generator produced a
	// valid proposal, so nothing downstream had anything to score.
	FailedProblems int `json:"failed_problems"`
}

// RunReport is the result of a completed run.
type RunReport struct {
	RunID  string         `json:"run_id"`
	Epochs []EpochSummary `json:"epochs"`
}

// Trainer owns the full pipeline for one run.
//
// Thread Safety: a Trainer runs one Run at a time; concurrent Run
// calls on the same Trainer are not supported because they would
// interleave experience updates.
type Trainer struct {
	pool       *rollout.Pool
	fuser      *rollout.Fuser
	genEval    *reward.Evaluator
	criticEval *reward.Evaluator
	extractor  *experience.Extractor
	store      *experience.Store
	audit      *AuditLog
	logger     *slog.Logger
	opts       Options

	// Metrics (initialized lazily)
	metricsOnce     sync.Once
	problemLatency  metric.Float64Histogram
	rolloutOutcomes metric.Int64Counter
	fusionFallbacks metric.Int64Counter
	extractionRuns  metric.Int64Counter
}

// New wires a Trainer.
//
// Inputs:
//   - pool: generator pool.
//   - fuser: fusion coordinator.
//   - genEval: evaluator with generator-context weights, applied to
//     individual rollouts.
//   - criticEval: evaluator with critic-context weights, applied to
//     fused plans.
//   - extractor: variance-gated experience extractor.
//   - store: experience store shared with pool and extractor.
//   - audit: JSONL trail; may be nil to disable.
//   - logger: run logger. If nil, uses slog.Default().
func New(pool *rollout.Pool, fuser *rollout.Fuser, genEval, criticEval *reward.Evaluator, extractor *experience.Extractor, store *experience.Store, audit *AuditLog, logger *slog.Logger, opts Options) (*Trainer, error) {
	if pool == nil || fuser == nil || genEval == nil || criticEval == nil || extractor == nil || store == nil {
		return nil, fmt.Errorf("trainer: all pipeline stages are required")
	}
	if len(opts.Generators) == 0 {
		return nil, fmt.Errorf("trainer: at least one generator is required")
	}
	if opts.Epochs < 1 {
		opts.Epochs = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Trainer{
		pool:       pool,
		fuser:      fuser,
		genEval:    genEval,
		criticEval: criticEval,
		extractor:  extractor,
		store:      store,
		audit:      audit,
		logger:     logger,
		opts:       opts,
	}, nil
}

// initMetrics lazily initializes metrics.
// Logs errors if metric creation fails but continues execution (graceful degradation).
func (t *Trainer) initMetrics() {
	t.metricsOnce.Do(func() {
		var initErrors []string

		var err error
		t.problemLatency, err = meter.Float64Histogram("trainer_problem_duration_seconds",
			metric.WithDescription("Wall time spent per training problem"),
			metric.WithUnit("s"),
		)
		if err != nil {
			initErrors = append(initErrors, "problem_latency: "+err.Error())
		}

		t.rolloutOutcomes, err = meter.Int64Counter("trainer_rollouts_total",
			metric.WithDescription("Rollouts produced, labeled by outcome"),
		)
		if err != nil {
			initErrors = append(initErrors, "rollout_outcomes: "+err.Error())
		}

		t.fusionFallbacks, err = meter.Int64Counter("trainer_fusion_fallback_total",
			metric.WithDescription("Fusions that fell back to the best input proposal"),
		)
		if err != nil {
			initErrors = append(initErrors, "fusion_fallbacks: "+err.Error())
		}

		t.extractionRuns, err = meter.Int64Counter("trainer_extractions_total",
			metric.WithDescription("Experience extraction attempts, labeled by result"),
		)
		if err != nil {
			initErrors = append(initErrors, "extraction_runs: "+err.Error())
		}

		if len(initErrors) > 0 {
			t.logger.Error("failed to initialize some trainer metrics (observability degraded)",
				slog.Int("failed_count", len(initErrors)),
				slog.Any("errors", initErrors),
			)
		}
	})
}

// Run executes the configured number of epochs over problems.
//
// Store write failures and audit write failures abort the run; every
// other failure is absorbed into the affected record so siblings keep
// going.
func (t *Trainer) Run(ctx context.Context, problems []rollout.Problem) (*RunReport, error) {
	if len(problems) == 0 {
		return nil, fmt.Errorf("trainer: no problems to train on")
	}
	t.initMetrics()

	runID := uuid.NewString()
	report := &RunReport{RunID: runID}

	if err := t.audit.Append(runID, "run_start", map[string]any{
		"generators": len(t.opts.Generators),
		"epochs":     t.opts.Epochs,
		"problems":   len(problems),
	}); err != nil {
		return nil, err
	}

	t.logger.Info("training run started",
		slog.String("run_id", runID),
		slog.Int("epochs", t.opts.Epochs),
		slog.Int("problems", len(problems)),
		slog.Int("generators", len(t.opts.Generators)),
	)

	for epoch := 1; epoch <= t.opts.Epochs; epoch++ {
		summary := EpochSummary{Epoch: epoch, Problems: len(problems), Roles: map[string]*RoleStats{}}

		for _, problem := range problems {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			if err := t.runProblem(ctx, runID, problem, &summary); err != nil {
				return report, fmt.Errorf("trainer: problem %s: %w", problem.ID, err)
			}
		}

		if t.opts.CheckpointDir != "" {
			if err := t.store.Checkpoint(ctx, t.opts.CheckpointDir); err != nil {
				return report, fmt.Errorf("trainer: checkpoint epoch %d: %w", epoch, err)
			}
		}
		if err := t.audit.Append(runID, "epoch_summary", summary); err != nil {
			return report, err
		}
		t.logEpoch(summary)
		report.Epochs = append(report.Epochs, summary)
	}

	if err := t.audit.Append(runID, "run_end", nil); err != nil {
		return report, err
	}
	return report, nil
}

// runProblem drives one problem through generation, fusion, scoring,
// and learning. Generation and fusion fan out across generators; the
// learning phase is sequential and starts only after every group has
// joined.
func (t *Trainer) runProblem(ctx context.Context, runID string, problem rollout.Problem, summary *EpochSummary) error {
	ctx, span := tracer.Start(ctx, "trainer.Problem",
		trace.WithAttributes(
			attribute.String("problem.id", problem.ID),
			attribute.Int("pool.generators", len(t.opts.Generators)),
		),
	)
	defer span.End()
	start := time.Now()

	n := len(t.opts.Generators)
	groups := make([][]rollout.Record, n)
	fused := make([]rollout.FusionRecord, n)

	err := rollout.FanOut(ctx, n, t.opts.ParallelGenerators, func(ctx context.Context, i int) error {
		gen := t.opts.Generators[i]

		records, genErr := t.pool.GenerateRollouts(ctx, problem, gen)
		if genErr != nil {
			return genErr
		}
		for j := range records {
			if !records[j].Valid() {
				continue
			}
			records[j].Reward = t.genEval.Evaluate(ctx, records[j].Artifact, problem.Text, records[j].Answer, problem.GroundTruth)
			records[j].Correct = isCorrect(records[j].Reward)
		}
		groups[i] = records

		frec, fuseErr := t.fuser.Fuse(ctx, problem, gen.Role, records)
		if fuseErr != nil {
			return fuseErr
		}
		if frec.Artifact != nil {
			sources := sourceArtifacts(records)
			frec.Reward = t.criticEval.EvaluateFused(ctx, frec.Artifact, sources, problem.Text, frec.Answer, problem.GroundTruth)
			frec.Correct = isCorrect(frec.Reward)
		}
		fused[i] = frec
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if allFusionsFailed(fused) {
		summary.FailedProblems++
		span.SetStatus(codes.Error, "no valid proposal from any generator")
		t.logger.Error("problem failed: no generator produced a valid proposal",
			slog.String("problem_id", problem.ID),
			slog.Int("generators", n),
		)
		if err := t.audit.Append(runID, "problem_failure", map[string]any{
			"problem_id": problem.ID,
			"generators": n,
		}); err != nil {
			return err
		}
	}

	if err := t.recordResults(ctx, runID, problem, groups, fused, summary); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if err := t.learn(ctx, runID, problem, groups, fused, summary); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if t.problemLatency != nil {
		t.problemLatency.Record(ctx, time.Since(start).Seconds())
	}
	return nil
}

// recordResults accounts experience usage, updates metrics, and writes
// the audit trail for one problem.
func (t *Trainer) recordResults(ctx context.Context, runID string, problem rollout.Problem, groups [][]rollout.Record, fused []rollout.FusionRecord, summary *EpochSummary) error {
	for i, gen := range t.opts.Generators {
		stats := summary.role(gen.Role)
		for _, rec := range groups[i] {
			stats.Rollouts++
			outcome := "failed"
			if rec.Valid() {
				stats.Valid++
				outcome = "valid"
				if rec.Correct {
					stats.Correct++
					outcome = "correct"
				}
			}
			if t.rolloutOutcomes != nil {
				t.rolloutOutcomes.Add(ctx, 1, metric.WithAttributes(
					attribute.String("role", gen.Role),
					attribute.String("outcome", outcome),
				))
			}
			// A rollout prompt carries shared lessons alongside the
			// generator's own, so credit each lesson's owning role.
			for role, ids := range usageByRole(rec.ExperienceIDs) {
				if err := t.store.RecordUsage(ctx, role, ids, rec.Correct); err != nil {
					return err
				}
			}
			if err := t.audit.Append(runID, "rollout", rec); err != nil {
				return err
			}
		}

		frec := fused[i]
		switch {
		case frec.Failed:
			stats.FusionFailures++
		case frec.Fallback:
			stats.FusionFallbacks++
			if t.fusionFallbacks != nil {
				t.fusionFallbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("role", gen.Role)))
			}
		}
		if err := t.audit.Append(runID, "fusion", frec); err != nil {
			return err
		}
	}
	return nil
}

// learn runs the variance-gated extraction for every generator role
// and then for the critic, strictly in that order. The critic's
// outcome group is the fused plan of each generator.
func (t *Trainer) learn(ctx context.Context, runID string, problem rollout.Problem, groups [][]rollout.Record, fused []rollout.FusionRecord, summary *EpochSummary) error {
	for i, gen := range t.opts.Generators {
		outcomes := rolloutOutcomes(groups[i])
		if err := t.extractFor(ctx, runID, gen.Role, problem, outcomes, summary); err != nil {
			return err
		}
	}

	criticOutcomes := make([]experience.Outcome, 0, len(fused))
	for i, frec := range fused {
		criticOutcomes = append(criticOutcomes, experience.Outcome{
			ID:       t.opts.Generators[i].Role,
			Artifact: frec.Artifact,
			Answer:   frec.Answer,
			Correct:  frec.Correct,
			Reward:   frec.Reward,
		})
	}
	return t.extractFor(ctx, runID, experience.RoleCritic, problem, criticOutcomes, summary)
}

func (t *Trainer) extractFor(ctx context.Context, runID, role string, problem rollout.Problem, outcomes []experience.Outcome, summary *EpochSummary) error {
	res, err := t.extractor.MaybeExtract(ctx, role, problem.Text, problem.GroundTruth, outcomes)
	if err != nil {
		return err
	}

	stats := summary.role(role)
	result := "applied"
	if res.Skipped {
		stats.SkippedGates++
		result = res.Reason
	} else {
		stats.Extractions++
	}
	if t.extractionRuns != nil {
		t.extractionRuns.Add(ctx, 1, metric.WithAttributes(
			attribute.String("role", role),
			attribute.String("result", result),
		))
	}

	return t.audit.Append(runID, "extraction", map[string]any{
		"role":       role,
		"problem_id": problem.ID,
		"skipped":    res.Skipped,
		"reason":     res.Reason,
		"mean":       res.Mean,
		"std_dev":    res.StdDev,
		"applied":    res.Applied,
	})
}

func (t *Trainer) logEpoch(summary EpochSummary) {
	if summary.FailedProblems > 0 {
		t.logger.Warn("epoch had failed problems",
			slog.Int("epoch", summary.Epoch),
			slog.Int("failed_problems", summary.FailedProblems),
		)
	}
	for role, stats := range summary.Roles {
		t.logger.Info("epoch role summary",
			slog.Int("epoch", summary.Epoch),
			slog.String("role", role),
			slog.Int("rollouts", stats.Rollouts),
			slog.Int("valid", stats.Valid),
			slog.Int("correct", stats.Correct),
			slog.Int("fusion_fallbacks", stats.FusionFallbacks),
			slog.Int("fusion_failures", stats.FusionFailures),
			slog.Int("extractions", stats.Extractions),
			slog.Int("skipped_gates", stats.SkippedGates),
		)
	}
}

func (s *EpochSummary) role(name string) *RoleStats {
	stats, ok := s.Roles[name]
	if !ok {
		stats = &RoleStats{}
		s.Roles[name] = stats
	}
	return stats
}

// isCorrect treats a full answer score as a correct outcome.
func isCorrect(v reward.Vector) bool {
	return v.Answer != nil && *v.Answer >= 0.999
}

// allFusionsFailed reports whether every generator's group came back
// without a usable plan.
func allFusionsFailed(fused []rollout.FusionRecord) bool {
	for _, frec := range fused {
		if !frec.Failed {
			return false
		}
	}
	return true
}

// usageByRole splits injected experience ids by the role that owns
// them, so shared lessons are credited in the shared list.
func usageByRole(ids []string) map[string][]string {
	if len(ids) == 0 {
		return nil
	}
	grouped := make(map[string][]string, 2)
	for _, id := range ids {
		role := experience.OwnerRole(id)
		grouped[role] = append(grouped[role], id)
	}
	return grouped
}

func sourceArtifacts(records []rollout.Record) []*artifact.Artifact {
	var sources []*artifact.Artifact
	for _, r := range records {
		if r.Valid() {
			sources = append(sources, r.Artifact)
		}
	}
	return sources
}

func rolloutOutcomes(records []rollout.Record) []experience.Outcome {
	outcomes := make([]experience.Outcome, 0, len(records))
	for _, r := range records {
		outcomes = append(outcomes, experience.Outcome{
			ID:       fmt.Sprintf("rollout_%d", r.RolloutID),
			Artifact: r.Artifact,
			Answer:   r.Answer,
			Correct:  r.Correct,
			Reward:   r.Reward,
		})
	}
	return outcomes
}
