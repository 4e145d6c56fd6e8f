package pipeline

import (
	"context"
	"fmt"
	"strings"
)

// Validator checks a frozen graph before execution starts.
type Validator interface {
	Validate(ctx context.Context, g *Graph) error
}

// ValidatorFunc adapts a function to the Validator interface.
type ValidatorFunc func(ctx context.Context, g *Graph) error

// Validate calls f.
func (f ValidatorFunc) Validate(ctx context.Context, g *Graph) error {
	return f(ctx, g)
}

// Validators runs each validator in order and returns the first error.
type Validators []Validator

// Validate implements Validator.
func (vs Validators) Validate(ctx context.Context, g *Graph) error {
	for _, v := range vs {
		if v == nil {
			continue
		}
		if err := v.Validate(ctx, g); err != nil {
			return err
		}
	}
	return nil
}

// ValidationError lists every structural problem found in a graph.
type ValidationError struct {
	Problems []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if len(e.Problems) == 1 {
		return "invalid graph: " + e.Problems[0]
	}
	return fmt.Sprintf("invalid graph (%d problems): %s", len(e.Problems), strings.Join(e.Problems, "; "))
}

// StructuralValidator rejects graphs the engine cannot drive to completion: graphs without
// a source or sink, with an unconnected input socket, or with a cycle.
type StructuralValidator struct{}

// Validate implements Validator.
func (StructuralValidator) Validate(_ context.Context, g *Graph) error {
	var problems []string

	if g.Len() == 0 {
		return &ValidationError{Problems: []string{"graph has no stages"}}
	}

	if len(g.Sources()) == 0 {
		problems = append(problems, "graph has no source stage")
	}
	if len(g.Sinks()) == 0 {
		problems = append(problems, "graph has no sink stage")
	}

	for id := 0; id < g.Len(); id++ {
		sid := StageID(id)
		for idx, sock := range g.Stage(sid).Inputs() {
			if len(g.Incoming(sid, idx)) == 0 {
				problems = append(problems,
					fmt.Sprintf("input socket %s.%s is not connected", g.Name(sid), sock.ID))
			}
		}
	}

	if _, err := g.Levels(); err != nil {
		problems = append(problems, err.Error())
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}
