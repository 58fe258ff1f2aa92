// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/AleutianAI/kodiak/services/engine/rollout"
)

// loadProblems reads a JSONL problem file: one object per line with
// id, text, and ground_truth. Blank lines and # comments are skipped.
// Problems missing an id get a positional one.
func loadProblems(path string) ([]rollout.Problem, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open problems file: %w", err)
	}
	defer f.Close()

	var problems []rollout.Problem
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		var p rollout.Problem
		if err := json.Unmarshal([]byte(line), &p); err != nil {
			return nil, fmt.Errorf("problems file line %d: %w", lineNo, err)
		}
		if p.Text == "" {
			return nil, fmt.Errorf("problems file line %d: text is required", lineNo)
		}
		if p.ID == "" {
			p.ID = fmt.Sprintf("problem_%d", len(problems)+1)
		}
		problems = append(problems, p)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read problems file: %w", err)
	}
	if len(problems) == 0 {
		return nil, fmt.Errorf("problems file %s contains no problems", path)
	}
	return problems, nil
}
