// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeProblems(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "problems.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadProblems(t *testing.T) {
	path := writeProblems(t, `
# arithmetic warmups
{"id": "p1", "text": "12 units at 4.50 each", "ground_truth": "54"}

{"text": "no id on this one", "ground_truth": "7"}
`)
	problems, err := loadProblems(path)
	require.NoError(t, err)
	require.Len(t, problems, 2)
	assert.Equal(t, "p1", problems[0].ID)
	assert.Equal(t, "54", problems[0].GroundTruth)
	assert.Equal(t, "problem_2", problems[1].ID)
}

func TestLoadProblems_RejectsMissingText(t *testing.T) {
	path := writeProblems(t, `{"id": "p1", "ground_truth": "54"}`)
	_, err := loadProblems(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "text is required")
}

func TestLoadProblems_RejectsBadJSON(t *testing.T) {
	path := writeProblems(t, `{"id": "p1",`)
	_, err := loadProblems(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 1")
}

func TestLoadProblems_EmptyFile(t *testing.T) {
	path := writeProblems(t, "\n# nothing here\n")
	_, err := loadProblems(path)
	require.Error(t, err)
}

func TestLoadProblems_MissingFile(t *testing.T) {
	_, err := loadProblems(filepath.Join(t.TempDir(), "nope.jsonl"))
	require.Error(t, err)
}
