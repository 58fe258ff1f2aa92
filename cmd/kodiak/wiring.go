// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"

	"github.com/AleutianAI/kodiak/services/engine/config"
	"github.com/AleutianAI/kodiak/services/engine/experience"
	"github.com/AleutianAI/kodiak/services/engine/knowledge"
	"github.com/AleutianAI/kodiak/services/engine/llm"
	"github.com/AleutianAI/kodiak/services/engine/prompts"
	"github.com/AleutianAI/kodiak/services/engine/reward"
	"github.com/AleutianAI/kodiak/services/engine/rollout"
	"github.com/AleutianAI/kodiak/services/engine/trainer"
)

// engine bundles the wired pipeline and its cleanup handles.
type engine struct {
	trainer  *trainer.Trainer
	store    *experience.Store
	db       *badger.DB
	provider *prompts.FileProvider
	audit    *trainer.AuditLog
}

func (e *engine) Close() {
	if e.audit != nil {
		_ = e.audit.Close()
	}
	if e.provider != nil {
		_ = e.provider.Close()
	}
	if e.db != nil {
		_ = e.db.Close()
	}
}

// buildEngine wires every pipeline stage from config.
func buildEngine(ctx context.Context, cfg config.Config) (*engine, error) {
	client, err := buildClient(cfg.Backend)
	if err != nil {
		return nil, err
	}

	provider, err := prompts.NewFileProvider(cfg.Paths.PromptOverrides)
	if err != nil {
		return nil, fmt.Errorf("prompt provider: %w", err)
	}

	db, err := openStoreDB(cfg.Paths.StoreDir)
	if err != nil {
		_ = provider.Close()
		return nil, err
	}
	store, err := experience.NewStore(db)
	if err != nil {
		_ = provider.Close()
		_ = db.Close()
		return nil, err
	}

	retriever, err := buildRetriever(ctx, cfg.Knowledge)
	if err != nil {
		_ = provider.Close()
		_ = db.Close()
		return nil, err
	}

	retry := llm.RetryPolicy{
		MaxAttempts: cfg.Training.MaxRetries,
		Delay:       cfg.Training.RetryDelay,
		Timeout:     llm.DefaultRetryPolicy().Timeout,
	}

	answerer, err := rollout.NewModelAnswerer(client, provider)
	if err != nil {
		_ = provider.Close()
		_ = db.Close()
		return nil, err
	}

	pool, err := rollout.NewPool(client, provider, store, retriever, answerer, rollout.PoolConfig{
		Rollouts:         cfg.Pool.Rollouts,
		ParallelRollouts: cfg.Pool.ParallelRollouts,
		KnowledgeLimit:   cfg.Knowledge.Limit,
		Retry:            retry,
	})
	if err != nil {
		_ = provider.Close()
		_ = db.Close()
		return nil, err
	}

	fuser, err := rollout.NewFuser(client, provider, store, retriever, answerer, retry)
	if err != nil {
		_ = provider.Close()
		_ = db.Close()
		return nil, err
	}

	genEval, err := reward.NewEvaluator(client, provider, reward.GeneratorWeights())
	if err != nil {
		_ = provider.Close()
		_ = db.Close()
		return nil, err
	}
	criticEval, err := reward.NewEvaluator(client, provider, reward.CriticWeights())
	if err != nil {
		_ = provider.Close()
		_ = db.Close()
		return nil, err
	}

	extractor, err := experience.NewExtractor(client, provider, store, experience.ExtractorConfig{
		Tau:     experience.TauOf(cfg.Training.VarianceThreshold),
		Retry:   retry,
		Deduper: knowledge.NewDeduper(client, provider, cfg.Training.DedupThreshold),
	})
	if err != nil {
		_ = provider.Close()
		_ = db.Close()
		return nil, err
	}

	audit, err := trainer.OpenAuditLog(cfg.Paths.AuditLog)
	if err != nil {
		_ = provider.Close()
		_ = db.Close()
		return nil, err
	}

	generators := make([]rollout.GeneratorSpec, cfg.Pool.Generators)
	for i := range generators {
		generators[i] = rollout.GeneratorSpec{
			Role:        experience.GeneratorRole(i + 1),
			Temperature: cfg.Pool.Temperature(i),
		}
	}

	var slogger *slog.Logger
	if logger != nil {
		slogger = logger.Slog()
	}
	tr, err := trainer.New(pool, fuser, genEval, criticEval, extractor, store, audit, slogger, trainer.Options{
		Generators:         generators,
		ParallelGenerators: cfg.Pool.ParallelGenerators,
		Epochs:             cfg.Training.Epochs,
		CheckpointDir:      cfg.Paths.CheckpointDir,
	})
	if err != nil {
		_ = audit.Close()
		_ = provider.Close()
		_ = db.Close()
		return nil, err
	}

	return &engine{trainer: tr, store: store, db: db, provider: provider, audit: audit}, nil
}

func buildClient(cfg config.BackendConfig) (llm.Client, error) {
	var (
		client llm.Client
		err    error
	)
	switch cfg.Provider {
	case "openai":
		client, err = llm.NewOpenAIClient()
	case "ollama":
		client, err = llm.NewOllamaClient()
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	if cfg.RequestsPerSecond > 0 {
		client = llm.NewRateLimitedClient(client, cfg.RequestsPerSecond, 1)
	}
	return client, nil
}

// openStoreDB opens the experience database. An empty dir selects an
// in-memory database for throwaway runs.
func openStoreDB(dir string) (*badger.DB, error) {
	var opts badger.Options
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(dir)
	}
	db, err := badger.Open(opts.WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("open experience store: %w", err)
	}
	return db, nil
}

func buildRetriever(ctx context.Context, cfg config.KnowledgeConfig) (knowledge.Retriever, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	client, err := weaviate.NewClient(weaviate.Config{
		Scheme: cfg.Scheme,
		Host:   cfg.Host,
	})
	if err != nil {
		return nil, fmt.Errorf("weaviate client: %w", err)
	}
	retriever, err := knowledge.NewWeaviateRetriever(client)
	if err != nil {
		return nil, err
	}
	schemaCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := retriever.EnsureSchema(schemaCtx); err != nil {
		return nil, err
	}
	return retriever, nil
}
