// Package process implements the event-sourced process manager: an
// immutable step graph per process type, built once at startup, and a
// manager that advances instances on command replies, fans out parallel
// branches and compensates completed work in reverse order on failure.
package process

import (
	"fmt"
	"strings"
)

// Predicate selects a conditional branch from instance data.
type Predicate func(data map[string]any) bool

// nextKind discriminates a node's outgoing edge.
type nextKind int

const (
	nextTerminal nextKind = iota
	nextDirect
	nextConditional
	nextParallel
)

// forkPrefix names the synthetic fan-out node in front of a join step.
const forkPrefix = "__fork__:"

// node is one step in the graph with its outgoing edge and optional
// compensation step.
type node struct {
	name         string
	compensation string

	kind      nextKind
	next      string
	pred      Predicate
	whenTrue  string
	whenFalse string
	branches  []string
	join      string
}

// Graph is the immutable step graph for one process type.
type Graph struct {
	processType string
	initial     string
	nodes       map[string]*node
}

// ProcessType returns the process type the graph belongs to.
func (g *Graph) ProcessType() string { return g.processType }

// InitialStep returns the first step to execute.
func (g *Graph) InitialStep() string { return g.initial }

// NextStep resolves the step to execute after current completes, or false
// when current is terminal. Conditional edges are evaluated against data.
func (g *Graph) NextStep(current string, data map[string]any) (string, bool) {
	n, ok := g.nodes[current]
	if !ok {
		return "", false
	}
	switch n.kind {
	case nextDirect, nextParallel:
		// A parallel fan-out is reached through its synthetic fork node.
		return n.next, n.next != ""
	case nextConditional:
		if n.pred(data) {
			return n.whenTrue, true
		}
		if n.whenFalse != "" {
			return n.whenFalse, true
		}
		// Missing whenFalse skips to the step after the conditional.
		return g.NextStep(n.whenTrue, data)
	default:
		return "", false
	}
}

// IsParallel reports whether step is a fan-out point.
func (g *Graph) IsParallel(step string) bool {
	return strings.HasPrefix(step, forkPrefix)
}

// ParallelBranches returns the branch set of a fan-out step.
func (g *Graph) ParallelBranches(step string) []string {
	n, ok := g.nodes[step]
	if !ok {
		return nil
	}
	return append([]string(nil), n.branches...)
}

// JoinStep returns the join step of a fan-out step.
func (g *Graph) JoinStep(step string) string {
	n, ok := g.nodes[step]
	if !ok {
		return ""
	}
	return n.join
}

// RequiresCompensation reports whether step has a compensation mapping.
func (g *Graph) RequiresCompensation(step string) bool {
	n, ok := g.nodes[step]
	return ok && n.compensation != ""
}

// CompensationStep returns the compensation step for a forward step, or the
// empty string.
func (g *Graph) CompensationStep(step string) string {
	n, ok := g.nodes[step]
	if !ok {
		return ""
	}
	return n.compensation
}

// validate checks reachability bookkeeping and rejects cycles.
func (g *Graph) validate() error {
	if g.initial == "" {
		return fmt.Errorf("process %s has no initial step", g.processType)
	}

	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(g.nodes))

	var walk func(name string) error
	walk = func(name string) error {
		if name == "" {
			return nil
		}
		switch state[name] {
		case visiting:
			return fmt.Errorf("process %s has a cycle through step %s", g.processType, name)
		case done:
			return nil
		}
		state[name] = visiting
		n, ok := g.nodes[name]
		if !ok {
			return fmt.Errorf("process %s references undefined step %s", g.processType, name)
		}
		var targets []string
		switch n.kind {
		case nextDirect, nextParallel:
			targets = []string{n.next}
		case nextConditional:
			targets = []string{n.whenTrue, n.whenFalse, n.next}
		}
		if n.kind == nextParallel {
			targets = append(targets, n.branches...)
			targets = append(targets, n.join)
		}
		for _, target := range targets {
			if err := walk(target); err != nil {
				return err
			}
		}
		state[name] = done
		return nil
	}
	return walk(g.initial)
}
