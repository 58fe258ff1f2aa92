// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package artifact

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrParse is the sentinel wrapped by every ParseError.
var ErrParse = errors.New("artifact parse error")

// ParseError describes why raw model output could not be parsed.
type ParseError struct {
	// Reason is a human-readable explanation.
	Reason string

	// Snippet is a truncated excerpt of the offending text.
	Snippet string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error: %s", e.Reason)
}

// Unwrap allows errors.Is(err, ErrParse).
func (e *ParseError) Unwrap() error {
	return ErrParse
}

// fencePattern matches a fenced code block, with or without a language tag.
// Uses (?s) so the body may span lines.
var fencePattern = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*(.*?)```")

// ExtractJSON pulls the first JSON object or array out of model output.
//
// Description:
//
//	Model responses routinely wrap the payload in prose and markdown code
//	fences. This function first unwraps a fenced block if one is present,
//	then scans for the first balanced {...} or [...] region, honoring
//	string literals and escapes.
//
// Inputs:
//
//	text - Raw model output.
//
// Outputs:
//
//	string - The extracted JSON text.
//	error - *ParseError if no balanced JSON region is found.
//
// Thread Safety: Safe for concurrent use.
func ExtractJSON(text string) (string, error) {
	if m := fencePattern.FindStringSubmatch(text); len(m) > 1 {
		text = m[1]
	}

	start := -1
	var open, close byte
	for i := 0; i < len(text); i++ {
		if text[i] == '{' || text[i] == '[' {
			start = i
			open = text[i]
			if open == '{' {
				close = '}'
			} else {
				close = ']'
			}
			break
		}
	}
	if start < 0 {
		return "", &ParseError{Reason: "no JSON object found", Snippet: snippet(text)}
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
			// Brackets inside strings are payload, not structure.
		case c == open:
			depth++
		case c == close:
			depth--
			if depth == 0 {
				return text[start : i+1], nil
			}
		}
	}
	return "", &ParseError{Reason: "unbalanced JSON object", Snippet: snippet(text)}
}

// ParseArtifact turns raw model output into a validated Artifact.
//
// Description:
//
//	Extracts the first JSON object from the text, unmarshals it, and runs
//	full structural validation. A nil error guarantees the artifact obeys
//	every invariant checked by Validate.
//
// Inputs:
//
//	raw - Raw model output, possibly wrapped in prose or code fences.
//
// Outputs:
//
//	*Artifact - The validated artifact.
//	error - *ParseError on extraction/unmarshal failure, *ValidationError
//	on invariant violation.
//
// Thread Safety: Safe for concurrent use.
func ParseArtifact(raw string) (*Artifact, error) {
	jsonText, err := ExtractJSON(raw)
	if err != nil {
		return nil, err
	}

	var a Artifact
	if err := json.Unmarshal([]byte(jsonText), &a); err != nil {
		return nil, &ParseError{
			Reason:  fmt.Sprintf("unmarshal artifact: %v", err),
			Snippet: snippet(jsonText),
		}
	}

	// Accept a missing answer type when the rest of the plan is sound; the
	// generator templates predate the field.
	if a.ExpectedAnswerType == "" {
		a.ExpectedAnswerType = AnswerNumeric
	}

	if err := a.Validate(); err != nil {
		return nil, err
	}
	return &a, nil
}

// snippet truncates text for inclusion in error messages.
func snippet(text string) string {
	text = strings.TrimSpace(text)
	if len(text) > 160 {
		return text[:160] + "..."
	}
	return text
}
