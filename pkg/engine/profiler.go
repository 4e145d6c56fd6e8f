package engine

import (
	"sync"
	"time"

	"github.com/conveyor/conveyor/pkg/pipeline"
)

// CostProfiler keeps a rolling window of invocation durations per stage and derives an
// exponential moving average from it. It is safe for concurrent use.
type CostProfiler struct {
	mu      sync.Mutex
	window  int
	alpha   float64
	samples map[pipeline.StageID]*ring
}

type ring struct {
	buf  []time.Duration
	next int
	full bool
}

func (r *ring) add(d time.Duration) {
	r.buf[r.next] = d
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

// ordered returns the samples oldest first.
func (r *ring) ordered() []time.Duration {
	if !r.full {
		return r.buf[:r.next]
	}
	out := make([]time.Duration, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	return append(out, r.buf[:r.next]...)
}

// NewCostProfiler creates a profiler with the given window size and smoothing factor.
func NewCostProfiler(window int, alpha float64) *CostProfiler {
	if window <= 0 {
		window = 1
	}
	if alpha <= 0 || alpha > 1 {
		alpha = 1
	}
	return &CostProfiler{
		window:  window,
		alpha:   alpha,
		samples: make(map[pipeline.StageID]*ring),
	}
}

// Observe records one invocation duration.
func (p *CostProfiler) Observe(id pipeline.StageID, d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.samples[id]
	if !ok {
		r = &ring{buf: make([]time.Duration, p.window)}
		p.samples[id] = r
	}
	r.add(d)
}

// Cost returns the smoothed cost of a stage, or false if it was never observed.
func (p *CostProfiler) Cost(id pipeline.StageID) (time.Duration, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.costLocked(id)
}

func (p *CostProfiler) costLocked(id pipeline.StageID) (time.Duration, bool) {
	r, ok := p.samples[id]
	if !ok {
		return 0, false
	}
	samples := r.ordered()
	if len(samples) == 0 {
		return 0, false
	}
	ema := float64(samples[0])
	for _, s := range samples[1:] {
		ema = p.alpha*float64(s) + (1-p.alpha)*ema
	}
	return time.Duration(ema), true
}

// Mean returns the average smoothed cost over all observed stages, or false if none were.
func (p *CostProfiler) Mean() (time.Duration, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.samples) == 0 {
		return 0, false
	}
	var total time.Duration
	n := 0
	for id := range p.samples {
		if c, ok := p.costLocked(id); ok {
			total += c
			n++
		}
	}
	if n == 0 {
		return 0, false
	}
	return total / time.Duration(n), true
}
