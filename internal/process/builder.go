package process

import (
	"errors"
	"fmt"
)

// Builder errors
var (
	ErrDuplicateStep = errors.New("duplicate step")
	ErrEmptyProcess  = errors.New("process has no steps")
)

// Builder assembles a process graph. Steps chain in definition order;
// WithCompensation attaches to the most recently defined forward step,
// including branches.
type Builder struct {
	graph    *Graph
	last     *node
	buildErr error
}

// NewBuilder starts a graph definition for a process type.
func NewBuilder(processType string) *Builder {
	return &Builder{
		graph: &Graph{
			processType: processType,
			nodes:       make(map[string]*node),
		},
	}
}

func (b *Builder) fail(err error) {
	if b.buildErr == nil {
		b.buildErr = err
	}
}

func (b *Builder) define(name string) *node {
	if name == "" {
		b.fail(fmt.Errorf("step name cannot be empty"))
		return &node{}
	}
	if _, exists := b.graph.nodes[name]; exists {
		b.fail(fmt.Errorf("%w: %s", ErrDuplicateStep, name))
		return b.graph.nodes[name]
	}
	n := &node{name: name}
	b.graph.nodes[name] = n
	return n
}

// link points every open edge at the freshly defined step.
func (b *Builder) link(name string) {
	if b.last != nil {
		switch b.last.kind {
		case nextConditional:
			// Both conditional arms converge on the next sequential step.
			if t := b.graph.nodes[b.last.whenTrue]; t != nil && t.next == "" && t.kind == nextTerminal {
				t.kind = nextDirect
				t.next = name
			}
			if f := b.graph.nodes[b.last.whenFalse]; f != nil && f.next == "" && f.kind == nextTerminal {
				f.kind = nextDirect
				f.next = name
			}
		default:
			b.last.kind = nextDirect
			b.last.next = name
		}
	}
}

// StartWith defines the initial step.
func (b *Builder) StartWith(name string) *Builder {
	if b.graph.initial != "" {
		b.fail(fmt.Errorf("initial step already defined"))
		return b
	}
	n := b.define(name)
	b.graph.initial = name
	b.last = n
	return b
}

// Then appends a sequential step.
func (b *Builder) Then(name string) *Builder {
	n := b.define(name)
	b.link(name)
	b.last = n
	return b
}

// WithCompensation attaches a compensation step to the most recently
// defined forward step.
func (b *Builder) WithCompensation(name string) *Builder {
	if b.last == nil {
		b.fail(fmt.Errorf("no step to compensate"))
		return b
	}
	b.last.compensation = name
	return b
}

// ThenIf starts a conditional edge on the preceding step.
func (b *Builder) ThenIf(pred Predicate) *ConditionalBuilder {
	if b.last == nil {
		b.fail(fmt.Errorf("conditional requires a preceding step"))
		return &ConditionalBuilder{Builder: b}
	}
	if pred == nil {
		b.fail(fmt.Errorf("conditional predicate cannot be nil"))
	}
	owner := b.last
	owner.kind = nextConditional
	owner.pred = pred
	return &ConditionalBuilder{Builder: b, owner: owner}
}

// ConditionalBuilder closes a ThenIf edge. WhenFalse is optional; when
// omitted the false branch skips to the next sequential step.
type ConditionalBuilder struct {
	*Builder
	owner *node
}

// WhenTrue defines the step taken when the predicate holds.
func (c *ConditionalBuilder) WhenTrue(name string) *ConditionalBuilder {
	if c.owner == nil {
		return c
	}
	c.define(name)
	c.owner.whenTrue = name
	c.last = c.owner
	return c
}

// WhenFalse defines the step taken when the predicate does not hold.
func (c *ConditionalBuilder) WhenFalse(name string) *ConditionalBuilder {
	if c.owner == nil {
		return c
	}
	if c.owner.whenTrue == "" {
		c.fail(fmt.Errorf("whenFalse before whenTrue"))
		return c
	}
	c.define(name)
	c.owner.whenFalse = name
	return c
}

// ThenParallel opens a parallel section after the preceding step.
func (b *Builder) ThenParallel() *ParallelBuilder {
	if b.last == nil {
		b.fail(fmt.Errorf("parallel section requires a preceding step"))
		return &ParallelBuilder{builder: b}
	}
	fork := &node{kind: nextParallel}
	return &ParallelBuilder{builder: b, fork: fork}
}

// ParallelBuilder collects branches until JoinAt closes the section.
type ParallelBuilder struct {
	builder *Builder
	fork    *node
	last    *node
}

// Branch adds a concurrent branch step.
func (p *ParallelBuilder) Branch(name string) *ParallelBuilder {
	if p.fork == nil {
		return p
	}
	n := p.builder.define(name)
	p.fork.branches = append(p.fork.branches, name)
	p.last = n
	return p
}

// WithCompensation attaches a compensation step to the most recent branch.
func (p *ParallelBuilder) WithCompensation(name string) *ParallelBuilder {
	if p.last == nil {
		p.builder.fail(fmt.Errorf("no branch to compensate"))
		return p
	}
	p.last.compensation = name
	return p
}

// JoinAt defines the join step and closes the parallel section. The join
// step runs after every branch completed.
func (p *ParallelBuilder) JoinAt(join string) *Builder {
	b := p.builder
	if p.fork == nil {
		return b
	}
	if len(p.fork.branches) == 0 {
		b.fail(fmt.Errorf("parallel section has no branches"))
		return b
	}

	p.fork.name = forkPrefix + join
	p.fork.join = join
	p.fork.next = join
	if _, exists := b.graph.nodes[p.fork.name]; exists {
		b.fail(fmt.Errorf("%w: %s", ErrDuplicateStep, p.fork.name))
		return b
	}
	b.graph.nodes[p.fork.name] = p.fork

	joinNode := b.define(join)
	// Branches converge on the join.
	for _, branch := range p.fork.branches {
		n := b.graph.nodes[branch]
		n.kind = nextDirect
		n.next = join
	}
	b.link(p.fork.name)
	b.last = joinNode
	return b
}

// End marks the last step terminal and returns the validated graph.
func (b *Builder) End() (*Graph, error) {
	if b.buildErr != nil {
		return nil, b.buildErr
	}
	if b.last == nil {
		return nil, fmt.Errorf("%w: %s", ErrEmptyProcess, b.graph.processType)
	}
	if err := b.graph.validate(); err != nil {
		return nil, err
	}
	return b.graph, nil
}
