// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package knowledge retrieves domain background for a problem.
//
// Retrieved entries are rendered into generation and fusion prompts as
// the retrieved_knowledge slot. The Weaviate-backed retriever does
// semantic search; the static retriever serves a fixed list and is what
// tests and offline runs use.
package knowledge

import (
	"context"
	"strings"
)

// Entry is one retrieved piece of domain knowledge.
type Entry struct {
	// Content is the knowledge text.
	Content string `json:"content"`

	// Topic groups related entries.
	Topic string `json:"topic"`

	// Source records provenance ("textbook", "curated", ...).
	Source string `json:"source"`
}

// Retriever fetches knowledge relevant to a problem.
type Retriever interface {
	Retrieve(ctx context.Context, problem string, limit int) ([]Entry, error)
}

// FormatEntries renders entries for a prompt slot. Empty input renders
// a literal "none" so templates never see a blank slot.
func FormatEntries(entries []Entry) string {
	if len(entries) == 0 {
		return "none"
	}
	var b strings.Builder
	for i, e := range entries {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString("- ")
		b.WriteString(e.Content)
	}
	return b.String()
}

// StaticRetriever serves a fixed entry list regardless of the problem.
type StaticRetriever struct {
	entries []Entry
}

// NewStaticRetriever creates a retriever over a fixed list. A nil or
// empty list is valid and retrieves nothing.
func NewStaticRetriever(entries []Entry) *StaticRetriever {
	return &StaticRetriever{entries: entries}
}

// Retrieve implements the Retriever interface.
func (r *StaticRetriever) Retrieve(ctx context.Context, problem string, limit int) ([]Entry, error) {
	if limit <= 0 || limit > len(r.entries) {
		limit = len(r.entries)
	}
	out := make([]Entry, limit)
	copy(out, r.entries[:limit])
	return out, nil
}
