// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package knowledge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
)

// ClassName is the Weaviate class holding domain knowledge entries.
const ClassName = "DomainKnowledge"

// WeaviateRetriever does semantic retrieval against a Weaviate instance.
type WeaviateRetriever struct {
	client *weaviate.Client
}

// NewWeaviateRetriever creates a retriever over an existing client.
//
// Inputs:
//
//	client - Weaviate client. Must not be nil.
//
// Thread Safety: Retrieve is safe for concurrent use.
func NewWeaviateRetriever(client *weaviate.Client) (*WeaviateRetriever, error) {
	if client == nil {
		return nil, errors.New("client must not be nil")
	}
	return &WeaviateRetriever{client: client}, nil
}

// EnsureSchema creates the DomainKnowledge class if it does not exist.
func (r *WeaviateRetriever) EnsureSchema(ctx context.Context) error {
	exists, err := r.client.Schema().ClassExistenceChecker().WithClassName(ClassName).Do(ctx)
	if err != nil {
		return fmt.Errorf("check knowledge schema: %w", err)
	}
	if exists {
		return nil
	}

	class := &models.Class{
		Class:       ClassName,
		Description: "Domain background knowledge injected into generation prompts",
		Properties: []*models.Property{
			{Name: "content", DataType: []string{"text"}},
			{Name: "topic", DataType: []string{"text"}},
			{Name: "source", DataType: []string{"text"}},
		},
	}
	if err := r.client.Schema().ClassCreator().WithClass(class).Do(ctx); err != nil {
		return fmt.Errorf("create knowledge schema: %w", err)
	}
	slog.Info("Created knowledge class", "class", ClassName)
	return nil
}

// Retrieve implements the Retriever interface with a nearText query.
func (r *WeaviateRetriever) Retrieve(ctx context.Context, problem string, limit int) ([]Entry, error) {
	if problem == "" {
		return nil, errors.New("problem must not be empty")
	}
	if limit <= 0 {
		limit = 5
	}

	nearText := r.client.GraphQL().NearTextArgBuilder().
		WithConcepts([]string{problem})

	fields := []graphql.Field{
		{Name: "content"},
		{Name: "topic"},
		{Name: "source"},
	}

	result, err := r.client.GraphQL().Get().
		WithClassName(ClassName).
		WithFields(fields...).
		WithNearText(nearText).
		WithLimit(limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("knowledge search: %w", err)
	}
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("knowledge search error: %s", result.Errors[0].Message)
	}

	return parseEntries(result.Data)
}

// parseEntries unpacks the GraphQL response payload.
func parseEntries(data map[string]models.JSONObject) ([]Entry, error) {
	get, ok := data["Get"].(map[string]any)
	if !ok {
		return nil, nil
	}
	rows, ok := get[ClassName].([]any)
	if !ok {
		return nil, nil
	}

	entries := make([]Entry, 0, len(rows))
	for _, row := range rows {
		obj, ok := row.(map[string]any)
		if !ok {
			continue
		}
		entry := Entry{}
		if v, ok := obj["content"].(string); ok {
			entry.Content = v
		}
		if v, ok := obj["topic"].(string); ok {
			entry.Topic = v
		}
		if v, ok := obj["source"].(string); ok {
			entry.Source = v
		}
		if entry.Content != "" {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}
