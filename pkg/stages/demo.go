package stages

import (
	"fmt"
	"time"

	"github.com/conveyor/conveyor/pkg/pipeline"
)

// DemoOptions shapes the demo pipeline.
type DemoOptions struct {
	Items    int
	Branches int
	Delay    time.Duration

	// Script is optional Starlark source applied between the generator and the branches.
	Script string
}

// Demo is a frozen demo graph and handles on its endpoints.
type Demo struct {
	Graph     *pipeline.Graph
	Generator *Generator
	Collector *Collector
}

// BuildDemo wires generator -> [script] -> N pass-through branches -> collector.
// The collector has one input socket per branch.
func BuildDemo(opts DemoOptions) (*Demo, error) {
	if opts.Items < 0 {
		return nil, fmt.Errorf("items must not be negative, got %d", opts.Items)
	}
	if opts.Branches < 1 {
		return nil, fmt.Errorf("at least one branch is required, got %d", opts.Branches)
	}

	b := pipeline.NewBuilder()
	gen := NewGenerator("generator", opts.Items)
	if err := b.AddStage(gen); err != nil {
		return nil, err
	}

	upstream := gen.Name()
	if opts.Script != "" {
		script, err := NewScript("script", opts.Script)
		if err != nil {
			return nil, err
		}
		if err := b.AddStage(script); err != nil {
			return nil, err
		}
		if err := b.Connect(upstream, "out", script.Name(), "in"); err != nil {
			return nil, err
		}
		upstream = script.Name()
	}

	sockets := make([]string, opts.Branches)
	for i := range sockets {
		sockets[i] = fmt.Sprintf("in-%d", i)
	}
	sink := NewCollector("collector", sockets...)
	if err := b.AddStage(sink); err != nil {
		return nil, err
	}

	for i := 0; i < opts.Branches; i++ {
		branch := NewPassthrough(fmt.Sprintf("branch-%d", i), opts.Delay)
		if err := b.AddStage(branch); err != nil {
			return nil, err
		}
		if err := b.Connect(upstream, "out", branch.Name(), "in"); err != nil {
			return nil, err
		}
		if err := b.Connect(branch.Name(), "out", sink.Name(), sockets[i]); err != nil {
			return nil, err
		}
	}

	g, err := b.Freeze()
	if err != nil {
		return nil, err
	}
	return &Demo{Graph: g, Generator: gen, Collector: sink}, nil
}
