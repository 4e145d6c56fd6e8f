package stages

import (
	"context"
	"time"

	"github.com/conveyor/conveyor/pkg/pipeline"
)

// ViaKey is the metadata key Passthrough stamps with its own name.
const ViaKey = "via"

// Passthrough forwards every input item unchanged apart from a "via" tag,
// optionally sleeping first to simulate work.
type Passthrough struct {
	name  string
	delay time.Duration
}

// NewPassthrough creates a pass-through stage.
func NewPassthrough(name string, delay time.Duration) *Passthrough {
	return &Passthrough{name: name, delay: delay}
}

func (p *Passthrough) Name() string               { return p.name }
func (p *Passthrough) Inputs() []pipeline.Socket  { return inSocket }
func (p *Passthrough) Outputs() []pipeline.Socket { return outSocket }

func (p *Passthrough) Execute(ctx context.Context, in pipeline.Inputs) (pipeline.Outputs, error) {
	if p.delay > 0 {
		timer := time.NewTimer(p.delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	out := pipeline.Outputs{}
	for _, it := range in["in"] {
		if m, ok := it.(mutableItem); ok {
			m.Set(ViaKey, p.name)
		}
		out.Add("out", it)
	}
	return out, nil
}
