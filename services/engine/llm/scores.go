package llm

import (
	"fmt"
	"regexp"
	"strconv"
)

// scorePattern matches the first decimal number in model output.
var scorePattern = regexp.MustCompile(`-?\d+(?:\.\d+)?`)

// ParseScore extracts a numeric score in [0,1] from model output.
//
// Judge prompts ask for a bare number, but models routinely wrap it in
// prose ("I would rate this 0.8 because..."). The first number found is
// used and clamped into [0,1].
func ParseScore(text string) (float64, error) {
	m := scorePattern.FindString(text)
	if m == "" {
		return 0, fmt.Errorf("no numeric score in %q", snippetForScore(text))
	}
	v, err := strconv.ParseFloat(m, 64)
	if err != nil {
		return 0, fmt.Errorf("parse score %q: %w", m, err)
	}
	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	return v, nil
}

func snippetForScore(text string) string {
	if len(text) > 80 {
		return text[:80] + "..."
	}
	return text
}
