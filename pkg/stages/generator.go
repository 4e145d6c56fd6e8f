package stages

import (
	"context"
	"fmt"
	"sync"

	"github.com/conveyor/conveyor/pkg/pipeline"
)

// Generator emits total numbered items, at most its shipment size per
// invocation. Each item carries "seq" and "source" metadata.
type Generator struct {
	name  string
	total int

	mu      sync.Mutex
	size    int
	emitted int
}

var _ pipeline.ShipmentSource = (*Generator)(nil)

// NewGenerator creates a generator of total items.
func NewGenerator(name string, total int) *Generator {
	return &Generator{name: name, total: total}
}

func (g *Generator) Name() string               { return g.name }
func (g *Generator) Inputs() []pipeline.Socket  { return nil }
func (g *Generator) Outputs() []pipeline.Socket { return outSocket }

// MaxShipmentSize returns the per-invocation cap.
func (g *Generator) MaxShipmentSize() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.size
}

// SetMaxShipmentSize sets the per-invocation cap.
func (g *Generator) SetMaxShipmentSize(n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.size = n
}

// Emitted returns the number of items produced so far.
func (g *Generator) Emitted() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.emitted
}

func (g *Generator) Execute(ctx context.Context, _ pipeline.Inputs) (pipeline.Outputs, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	size := g.size
	if size <= 0 {
		size = g.total - g.emitted
	}

	out := pipeline.Outputs{}
	for i := 0; i < size && g.emitted < g.total; i++ {
		payload := []byte(fmt.Sprintf("%s-%d", g.name, g.emitted))
		out.Add("out", pipeline.NewItem(payload, pipeline.Metadata{
			"seq":    g.emitted,
			"source": g.name,
		}))
		g.emitted++
	}
	return out, nil
}
