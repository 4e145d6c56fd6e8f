package engine

import (
	"sort"
	"sync"
	"time"

	"github.com/conveyor/conveyor/pkg/pipeline"
)

// defaultStageCost is assumed for stages before any stage has been profiled.
const defaultStageCost = time.Millisecond

// AdaptiveScheduler prioritises Ready stages by the remaining cost of the longest chain of
// unfinished stages below them. Stages on the current critical path get an extra boost.
//
// Costs are exponential moving averages of observed invocation durations. The critical
// path is recomputed every CriticalPathRecomputeInterval dequeues and at each cycle start.
type AdaptiveScheduler struct {
	mu sync.Mutex

	cfg      Config
	profiler *CostProfiler

	dispatched dispatchSet
	batch      []pipeline.StageID
	dequeues   int

	bottom   []time.Duration
	critical []bool
}

// NewAdaptiveScheduler creates the adaptive scheduler reading stage costs from costs.
// A nil profiler gets a private one.
func NewAdaptiveScheduler(cfg Config, costs *CostProfiler) *AdaptiveScheduler {
	if costs == nil {
		costs = NewCostProfiler(cfg.ProfilingWindowSize, cfg.CostEmaAlpha)
	}
	return &AdaptiveScheduler{
		cfg:        cfg,
		profiler:   costs,
		dispatched: make(dispatchSet),
	}
}

// Initialize implements Scheduler.
func (s *AdaptiveScheduler) Initialize(rc *RunContext) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := rc.Graph().Len()
	s.bottom = make([]time.Duration, n)
	s.critical = make([]bool, n)
	s.recomputeLocked(rc)
}

// TryDequeue implements Scheduler.
func (s *AdaptiveScheduler) TryDequeue(rc *RunContext) (pipeline.StageID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for attempt := 0; attempt < 2; attempt++ {
		for len(s.batch) > 0 {
			id := s.batch[0]
			s.batch = s.batch[1:]
			if s.dispatched[id] || rc.State(id) != StageReady {
				continue
			}
			s.dispatched[id] = true
			s.dequeues++
			if s.dequeues%s.cfg.CriticalPathRecomputeInterval == 0 {
				s.recomputeLocked(rc)
			}
			return id, true
		}
		s.refillLocked(rc)
	}
	return 0, false
}

// NotifyCompleted implements Scheduler.
func (s *AdaptiveScheduler) NotifyCompleted(id pipeline.StageID, _ *RunContext) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.dispatched, id)
}

// NotifyBlocked implements Scheduler.
func (s *AdaptiveScheduler) NotifyBlocked(id pipeline.StageID, _ *RunContext) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.dispatched, id)
}

// BeginNextShipmentCycle implements Scheduler.
func (s *AdaptiveScheduler) BeginNextShipmentCycle(rc *RunContext) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batch = nil
	s.dispatched = make(dispatchSet)
	s.recomputeLocked(rc)
}

// HasPendingWork implements Scheduler.
func (s *AdaptiveScheduler) HasPendingWork(rc *RunContext) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.dispatched.pending(rc)) > 0
}

// Profiler exposes the cost profiler the scheduler ranks by.
func (s *AdaptiveScheduler) Profiler() *CostProfiler {
	return s.profiler
}

// OnCriticalPath reports whether a stage was on the critical path at the last recompute.
func (s *AdaptiveScheduler) OnCriticalPath(id pipeline.StageID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int(id) < len(s.critical) && s.critical[id]
}

// refillLocked ranks the pending Ready stages and keeps the best BatchSize of them.
func (s *AdaptiveScheduler) refillLocked(rc *RunContext) {
	candidates := s.dispatched.pending(rc)
	if len(candidates) == 0 {
		s.batch = nil
		return
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		pa, pb := s.priorityLocked(a), s.priorityLocked(b)
		if pa != pb {
			return pa > pb
		}
		if la, lb := rc.Level(a), rc.Level(b); la != lb {
			return la < lb
		}
		return a < b
	})

	if len(candidates) > s.cfg.BatchSize {
		candidates = candidates[:s.cfg.BatchSize]
	}
	s.batch = candidates
}

func (s *AdaptiveScheduler) priorityLocked(id pipeline.StageID) float64 {
	p := float64(s.bottom[id])
	if s.critical[id] {
		p *= s.cfg.CriticalPathBoost
	}
	return p
}

// recomputeLocked derives the bottom level of every stage (its own cost plus the costliest
// chain of unfinished stages below it) and marks the critical path.
func (s *AdaptiveScheduler) recomputeLocked(rc *RunContext) {
	g := rc.Graph()
	order := rc.TopologicalOrder()

	fallback, ok := s.profiler.Mean()
	if !ok {
		fallback = defaultStageCost
	}

	terminal := make([]bool, g.Len())
	for _, id := range order {
		terminal[id] = rc.IsTerminal(id)
	}

	next := make([]pipeline.StageID, g.Len())
	for i := range next {
		next[i] = -1
	}
	for i := len(order) - 1; i >= 0; i-- {
		id := order[i]
		s.critical[id] = false
		if terminal[id] {
			s.bottom[id] = 0
			continue
		}
		cost, ok := s.profiler.Cost(id)
		if !ok {
			cost = fallback
		}
		var best time.Duration
		for _, child := range g.Downstream(id) {
			if terminal[child] {
				continue
			}
			if next[id] < 0 || s.bottom[child] > best || (s.bottom[child] == best && child < next[id]) {
				best = s.bottom[child]
				next[id] = child
			}
		}
		s.bottom[id] = cost + best
	}

	start := pipeline.StageID(-1)
	for _, id := range order {
		if terminal[id] {
			continue
		}
		if start < 0 || s.bottom[id] > s.bottom[start] {
			start = id
		}
	}
	for id := start; id >= 0; id = next[id] {
		s.critical[id] = true
	}
}
