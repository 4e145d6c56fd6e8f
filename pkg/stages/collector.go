package stages

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/conveyor/conveyor/pkg/pipeline"
)

// Collector is a sink that counts what reaches it. Items are released by
// the engine after Execute, so only tallies are kept.
type Collector struct {
	name   string
	inputs []pipeline.Socket

	mu    sync.Mutex
	count int
	bytes int64
	tags  map[string]map[string]int
}

// NewCollector creates a sink with the given input sockets, "in" if none.
func NewCollector(name string, inputs ...string) *Collector {
	if len(inputs) == 0 {
		inputs = []string{"in"}
	}
	sockets := make([]pipeline.Socket, len(inputs))
	for i, id := range inputs {
		sockets[i] = pipeline.Socket{ID: id}
	}
	return &Collector{
		name:   name,
		inputs: sockets,
		tags:   make(map[string]map[string]int),
	}
}

func (c *Collector) Name() string               { return c.name }
func (c *Collector) Inputs() []pipeline.Socket  { return c.inputs }
func (c *Collector) Outputs() []pipeline.Socket { return nil }

func (c *Collector) Execute(ctx context.Context, in pipeline.Inputs) (pipeline.Outputs, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, it := range in.All(c.inputs) {
		c.count++
		c.bytes += it.SizeBytes()
		for k, v := range it.Metadata() {
			byValue, ok := c.tags[k]
			if !ok {
				byValue = make(map[string]int)
				c.tags[k] = byValue
			}
			byValue[fmt.Sprint(v)]++
		}
	}
	return nil, nil
}

// Count returns the number of items collected.
func (c *Collector) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// Bytes returns the summed SizeBytes of collected items.
func (c *Collector) Bytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytes
}

// ByTag returns how many collected items carried each value of key.
func (c *Collector) ByTag(key string) map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int, len(c.tags[key]))
	for v, n := range c.tags[key] {
		out[v] = n
	}
	return out
}

// Tags returns the metadata keys seen, sorted.
func (c *Collector) Tags() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.tags))
	for k := range c.tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
