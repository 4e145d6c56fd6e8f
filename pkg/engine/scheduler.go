package engine

import (
	"fmt"
	"sort"
	"sync"

	"github.com/conveyor/conveyor/pkg/pipeline"
)

// Built-in scheduler names.
const (
	ModeAdaptive  = "adaptive"
	ModeSimpleDFS = "simple-dfs"
)

// Scheduler decides which Ready stage runs next.
//
// TryDequeue is called concurrently by every worker and must never hand out a stage that
// is already dispatched. A scheduler reads the RunContext but never mutates it; it keeps
// its own bookkeeping of what it has dispatched and clears it on NotifyCompleted and
// NotifyBlocked.
type Scheduler interface {
	// Initialize is called once before the first shipment cycle.
	Initialize(rc *RunContext)

	// TryDequeue returns the next stage to run, or false if none is available now.
	TryDequeue(rc *RunContext) (pipeline.StageID, bool)

	// NotifyCompleted is called after an invocation finished, successfully or not.
	NotifyCompleted(id pipeline.StageID, rc *RunContext)

	// NotifyBlocked is called when a stage became Blocked.
	NotifyBlocked(id pipeline.StageID, rc *RunContext)

	// BeginNextShipmentCycle is called before every cycle after the first.
	BeginNextShipmentCycle(rc *RunContext)

	// HasPendingWork reports whether some Ready stage has not been dispatched yet.
	HasPendingWork(rc *RunContext) bool
}

// Factory creates a scheduler for one run. costs is the run's profiler; the executor feeds
// it one sample per invocation and a scheduler only reads from it.
type Factory func(cfg Config, costs *CostProfiler) Scheduler

// Registry maps execution mode names to scheduler factories. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// DefaultRegistry creates a registry holding the built-in schedulers.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	_ = r.Register(ModeAdaptive, func(cfg Config, costs *CostProfiler) Scheduler {
		return NewAdaptiveScheduler(cfg, costs)
	})
	_ = r.Register(ModeSimpleDFS, func(Config, *CostProfiler) Scheduler { return NewPressureScheduler() })
	return r
}

// Register adds a factory under name. Names must be unique.
func (r *Registry) Register(name string, f Factory) error {
	if name == "" {
		return fmt.Errorf("scheduler name is empty")
	}
	if f == nil {
		return fmt.Errorf("scheduler %s: factory is nil", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("scheduler %s already registered", name)
	}
	r.factories[name] = f
	return nil
}

// Create instantiates the scheduler registered under name.
func (r *Registry) Create(name string, cfg Config, costs *CostProfiler) (Scheduler, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, NewValidationError(fmt.Sprintf("unknown execution mode %q", name), nil).
			WithCode(ErrCodeUnknownMode).
			WithDetail("available", r.Names())
	}
	return f(cfg, costs), nil
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// dispatchSet tracks which stages a scheduler has handed out. Callers hold their own lock.
type dispatchSet map[pipeline.StageID]bool

// pending returns the Ready stages not yet dispatched.
func (d dispatchSet) pending(rc *RunContext) []pipeline.StageID {
	ready := rc.ReadyStages()
	out := ready[:0]
	for _, id := range ready {
		if !d[id] {
			out = append(out, id)
		}
	}
	return out
}
