// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package artifact defines the causal plan produced by generator roles and
// the parsing/validation boundary between raw model output and the rest of
// the engine.
//
// An Artifact is the structured, machine-checkable representation of a
// proposed solution method: the known quantities, the causal links between
// them, and an ordered list of computation steps ending at the target
// variable. Nothing past this package ever sees an unvalidated structure.
package artifact

// AnswerType classifies the expected final answer of an artifact.
type AnswerType string

const (
	// AnswerNumeric expects a number, possibly with units.
	AnswerNumeric AnswerType = "numeric"

	// AnswerBoolean expects a yes/no style answer.
	AnswerBoolean AnswerType = "boolean"

	// AnswerCategorical expects one of a closed set of labels.
	AnswerCategorical AnswerType = "categorical"

	// AnswerText expects free text.
	AnswerText AnswerType = "text"
)

// IsValid returns true if the answer type is one of the known values.
func (t AnswerType) IsValid() bool {
	switch t {
	case AnswerNumeric, AnswerBoolean, AnswerCategorical, AnswerText:
		return true
	}
	return false
}

// CausalLink asserts that a set of causes determines an effect.
type CausalLink struct {
	// Causes are the variables this link depends on. Each must resolve to
	// a known, an earlier link's effect, or an earlier step's target.
	Causes []string `json:"causes"`

	// Effect is the variable this link produces.
	Effect string `json:"effect"`

	// Rationale is a short natural-language justification for the link.
	// Links with an empty rationale are penalized by the graph reward.
	Rationale string `json:"rationale"`
}

// ComputationStep is one ordered step of the plan's computation.
type ComputationStep struct {
	// ID identifies the step within the artifact (e.g. "step_1").
	ID string `json:"id"`

	// Target is the variable this step computes.
	Target string `json:"target"`

	// Inputs are variable names, knowns keys, or IDs of earlier steps.
	Inputs []string `json:"inputs"`

	// Description explains the step in natural language.
	Description string `json:"description"`
}

// Artifact is a complete causal plan.
//
// Thread Safety: Artifacts are treated as immutable once validated.
type Artifact struct {
	TargetVariable     string            `json:"target_variable"`
	ExpectedAnswerType AnswerType        `json:"expected_answer_type"`
	Knowns             map[string]any    `json:"knowns"`
	CausalLinks        []CausalLink      `json:"causal_links"`
	ComputationSteps   []ComputationStep `json:"computation_steps"`
}

// Nodes returns the set of variables appearing anywhere in the causal
// graph: causes, effects, step targets, and step inputs. Step IDs are not
// nodes; an input naming a step ID contributes that step's target instead.
func (a *Artifact) Nodes() map[string]bool {
	steps := make(map[string]string, len(a.ComputationSteps))
	for _, s := range a.ComputationSteps {
		steps[s.ID] = s.Target
	}

	nodes := make(map[string]bool)
	for _, link := range a.CausalLinks {
		for _, c := range link.Causes {
			nodes[c] = true
		}
		if link.Effect != "" {
			nodes[link.Effect] = true
		}
	}
	for _, step := range a.ComputationSteps {
		if step.Target != "" {
			nodes[step.Target] = true
		}
		for _, in := range step.Inputs {
			if target, ok := steps[in]; ok {
				nodes[target] = true
			} else {
				nodes[in] = true
			}
		}
	}
	return nodes
}

// IsAcyclic reports whether the causal link set induces no cycle.
//
// Description:
//
//	Builds a directed graph cause→effect over all links and runs a
//	three-color DFS. An artifact with no links is trivially acyclic.
//
// Thread Safety: Safe for concurrent use on an immutable artifact.
func (a *Artifact) IsAcyclic() bool {
	adj := make(map[string][]string)
	for _, link := range a.CausalLinks {
		for _, c := range link.Causes {
			adj[c] = append(adj[c], link.Effect)
		}
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int)

	var visit func(n string) bool
	visit = func(n string) bool {
		color[n] = gray
		for _, next := range adj[n] {
			switch color[next] {
			case gray:
				return false
			case white:
				if !visit(next) {
					return false
				}
			}
		}
		color[n] = black
		return true
	}

	for n := range adj {
		if color[n] == white {
			if !visit(n) {
				return false
			}
		}
	}
	return true
}

// IsWeaklyConnected reports whether the causal graph is connected when
// edge direction is ignored. Graphs with fewer than two nodes are
// considered connected.
func (a *Artifact) IsWeaklyConnected() bool {
	adj := make(map[string][]string)
	nodes := make(map[string]bool)
	addEdge := func(from, to string) {
		adj[from] = append(adj[from], to)
		adj[to] = append(adj[to], from)
		nodes[from] = true
		nodes[to] = true
	}
	for _, link := range a.CausalLinks {
		for _, c := range link.Causes {
			addEdge(c, link.Effect)
		}
	}
	if len(nodes) < 2 {
		return true
	}

	var start string
	for n := range nodes {
		start = n
		break
	}
	seen := map[string]bool{start: true}
	queue := []string{start}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		for _, next := range adj[n] {
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	return len(seen) == len(nodes)
}
