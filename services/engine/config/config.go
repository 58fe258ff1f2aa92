// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config loads the engine's run configuration with priority
// env > file > defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/kodiak/services/engine/experience"
	"github.com/AleutianAI/kodiak/services/engine/knowledge"
)

// configValidate is the shared validator instance for config structs.
var configValidate = validator.New()

// Config is the full run configuration.
//
// Thread Safety: Safe to read concurrently. Not safe to modify after
// creation.
type Config struct {
	// Pool contains generator pool settings.
	Pool PoolConfig `json:"pool" yaml:"pool"`

	// Training contains loop and learning settings.
	Training TrainingConfig `json:"training" yaml:"training"`

	// Backend contains model backend settings.
	Backend BackendConfig `json:"backend" yaml:"backend"`

	// Knowledge contains background retrieval settings.
	Knowledge KnowledgeConfig `json:"knowledge" yaml:"knowledge"`

	// Paths contains filesystem locations.
	Paths PathsConfig `json:"paths" yaml:"paths"`
}

// PoolConfig contains generator pool settings.
type PoolConfig struct {
	// Generators is N, the number of generator roles.
	Generators int `json:"generators" yaml:"generators" validate:"min=1,max=16"`

	// Temperatures holds each generator's sampling temperature. When
	// shorter than Generators the last value repeats; when empty every
	// generator samples at 0.8.
	Temperatures []float32 `json:"temperatures" yaml:"temperatures" validate:"dive,gte=0,lte=2"`

	// Rollouts is R, the sampled plans per generator per problem.
	Rollouts int `json:"rollouts" yaml:"rollouts" validate:"min=1,max=32"`

	// ParallelGenerators selects the generator fan-out axis mode.
	ParallelGenerators bool `json:"parallel_generators" yaml:"parallel_generators"`

	// ParallelRollouts selects the rollout fan-out axis mode.
	ParallelRollouts bool `json:"parallel_rollouts" yaml:"parallel_rollouts"`
}

// TrainingConfig contains loop and learning settings.
type TrainingConfig struct {
	Epochs int `json:"epochs" yaml:"epochs" validate:"min=1"`

	// VarianceThreshold is tau, the population standard deviation gate
	// below which experience extraction is skipped.
	VarianceThreshold float64 `json:"variance_threshold" yaml:"variance_threshold" validate:"gte=0,lte=1"`

	// DedupThreshold gates duplicate lessons during extraction.
	DedupThreshold float64 `json:"dedup_threshold" yaml:"dedup_threshold" validate:"gte=0,lte=1"`

	MaxRetries int           `json:"max_retries" yaml:"max_retries" validate:"min=1,max=10"`
	RetryDelay time.Duration `json:"retry_delay" yaml:"retry_delay"`
}

// BackendConfig contains model backend settings.
type BackendConfig struct {
	// Provider selects the generation backend.
	Provider string `json:"provider" yaml:"provider" validate:"oneof=openai ollama"`

	// RequestsPerSecond rate-limits outbound calls; zero disables the
	// limiter.
	RequestsPerSecond float64 `json:"requests_per_second" yaml:"requests_per_second" validate:"gte=0"`
}

// KnowledgeConfig contains background retrieval settings.
type KnowledgeConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Scheme and Host locate the vector store when Enabled.
	Scheme string `json:"scheme" yaml:"scheme" validate:"omitempty,oneof=http https"`
	Host   string `json:"host" yaml:"host"`

	// Limit bounds retrieved entries per prompt.
	Limit int `json:"limit" yaml:"limit" validate:"min=1,max=20"`

	// DedupThreshold gates duplicate entries when loading knowledge.
	DedupThreshold float64 `json:"dedup_threshold" yaml:"dedup_threshold" validate:"gte=0,lte=1"`
}

// PathsConfig contains filesystem locations.
type PathsConfig struct {
	// StoreDir is the experience database directory. Empty selects an
	// in-memory database, which does not survive the process.
	StoreDir string `json:"store_dir" yaml:"store_dir"`

	// CheckpointDir receives end-of-epoch per-role JSON snapshots.
	CheckpointDir string `json:"checkpoint_dir" yaml:"checkpoint_dir"`

	// AuditLog is the JSONL audit trail path. Empty disables it.
	AuditLog string `json:"audit_log" yaml:"audit_log"`

	// PromptOverrides is a directory of template overrides.
	PromptOverrides string `json:"prompt_overrides" yaml:"prompt_overrides"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		Pool: PoolConfig{
			Generators:         3,
			Temperatures:       []float32{0.7, 0.9, 1.1},
			Rollouts:           3,
			ParallelGenerators: true,
			ParallelRollouts:   false,
		},
		Training: TrainingConfig{
			Epochs:            1,
			VarianceThreshold: experience.DefaultVarianceThreshold,
			DedupThreshold:    knowledge.DefaultExperienceDedupThreshold,
			MaxRetries:        3,
			RetryDelay:        2 * time.Second,
		},
		Backend: BackendConfig{
			Provider:          "ollama",
			RequestsPerSecond: 0,
		},
		Knowledge: KnowledgeConfig{
			Enabled:        false,
			Scheme:         "http",
			Host:           "localhost:8080",
			Limit:          5,
			DedupThreshold: knowledge.DefaultKnowledgeDedupThreshold,
		},
		Paths: PathsConfig{
			StoreDir:      "data/experience",
			CheckpointDir: "data/checkpoints",
			AuditLog:      "data/audit.jsonl",
		},
	}
}

// Temperature returns generator i's sampling temperature, repeating
// the last configured value when the list is shorter than the pool.
func (p PoolConfig) Temperature(i int) float32 {
	if len(p.Temperatures) == 0 {
		return 0.8
	}
	if i >= len(p.Temperatures) {
		return p.Temperatures[len(p.Temperatures)-1]
	}
	return p.Temperatures[i]
}

// Validate checks the configuration's structural constraints.
func (c Config) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Load loads configuration with priority env > file > defaults.
//
// Inputs:
//   - configPath: Path to a YAML or JSON config file. Optional; a
//     missing file falls back to defaults silently.
//
// Outputs:
//   - Config: Merged configuration.
//   - error: Non-nil if the file exists but is invalid, or if the
//     merged result fails validation.
func Load(configPath string) (Config, error) {
	cfg := Default()

	if configPath != "" {
		if err := loadFile(configPath, &cfg); err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
	}

	loadEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	// Try YAML first, then JSON
	if err := yaml.Unmarshal(data, cfg); err != nil {
		if jsonErr := json.Unmarshal(data, cfg); jsonErr != nil {
			return fmt.Errorf("parse config (tried YAML and JSON): YAML error: %v, JSON error: %w", err, jsonErr)
		}
	}
	return nil
}

func loadEnv(cfg *Config) {
	if v := os.Getenv("KODIAK_GENERATORS"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Pool.Generators = i
		}
	}
	if v := os.Getenv("KODIAK_ROLLOUTS"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Pool.Rollouts = i
		}
	}
	if v := os.Getenv("KODIAK_EPOCHS"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Training.Epochs = i
		}
	}
	if v := os.Getenv("KODIAK_VARIANCE_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Training.VarianceThreshold = f
		}
	}
	if v := os.Getenv("KODIAK_MAX_RETRIES"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Training.MaxRetries = i
		}
	}
	if v := os.Getenv("KODIAK_RETRY_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Training.RetryDelay = d
		}
	}
	if v := os.Getenv("KODIAK_BACKEND"); v != "" {
		cfg.Backend.Provider = v
	}
	if v := os.Getenv("KODIAK_RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Backend.RequestsPerSecond = f
		}
	}
	if v := os.Getenv("KODIAK_STORE_DIR"); v != "" {
		cfg.Paths.StoreDir = v
	}
	if v := os.Getenv("KODIAK_CHECKPOINT_DIR"); v != "" {
		cfg.Paths.CheckpointDir = v
	}
	if v := os.Getenv("KODIAK_AUDIT_LOG"); v != "" {
		cfg.Paths.AuditLog = v
	}
	if v := os.Getenv("KODIAK_PROMPT_OVERRIDES"); v != "" {
		cfg.Paths.PromptOverrides = v
	}
	if v := os.Getenv("KODIAK_WEAVIATE_HOST"); v != "" {
		cfg.Knowledge.Host = v
		cfg.Knowledge.Enabled = true
	}
}
