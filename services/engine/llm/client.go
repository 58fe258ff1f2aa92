// Package llm is the boundary to the opaque text-generation capability.
//
// Everything above this package treats generation as a single call:
// prompt in, text out, possibly failing transiently. Backends for OpenAI
// and Ollama are provided, plus a scripted client for tests.
package llm

import (
	"context"
	"errors"
)

// ErrEmptyCompletion is returned when a backend produces no text.
var ErrEmptyCompletion = errors.New("llm: empty completion")

// GenerationParams are the per-call sampling knobs. Nil fields fall back
// to the backend's defaults.
type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`
}

// Client defines the standard interface for any LLM backend.
type Client interface {
	Generate(ctx context.Context, prompt string, params GenerationParams) (string, error)
}

// Temp returns a pointer to t, for building GenerationParams inline.
func Temp(t float32) *float32 { return &t }
