package engine

import (
	"sync"

	"github.com/conveyor/conveyor/pkg/pipeline"
)

// PressureScheduler runs the Ready stage holding the most buffered bytes first. Ties go to
// the stage with more buffered items, then to the deeper stage, so buffered items drain
// depth-first. It is registered as "simple-dfs".
type PressureScheduler struct {
	mu         sync.Mutex
	dispatched dispatchSet
}

// NewPressureScheduler creates the completion-pressure scheduler.
func NewPressureScheduler() *PressureScheduler {
	return &PressureScheduler{dispatched: make(dispatchSet)}
}

// Initialize implements Scheduler.
func (s *PressureScheduler) Initialize(*RunContext) {}

// TryDequeue implements Scheduler.
func (s *PressureScheduler) TryDequeue(rc *RunContext) (pipeline.StageID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	best := pipeline.StageID(-1)
	var bestBytes int64
	var bestItems int
	for _, id := range s.dispatched.pending(rc) {
		b, n := rc.BufferedBytes(id), rc.BufferedItems(id)
		switch {
		case best < 0,
			b > bestBytes,
			b == bestBytes && n > bestItems,
			b == bestBytes && n == bestItems && rc.Level(id) > rc.Level(best):
			best, bestBytes, bestItems = id, b, n
		}
	}
	if best < 0 {
		return 0, false
	}
	s.dispatched[best] = true
	return best, true
}

// NotifyCompleted implements Scheduler.
func (s *PressureScheduler) NotifyCompleted(id pipeline.StageID, _ *RunContext) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.dispatched, id)
}

// NotifyBlocked implements Scheduler.
func (s *PressureScheduler) NotifyBlocked(id pipeline.StageID, _ *RunContext) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.dispatched, id)
}

// BeginNextShipmentCycle implements Scheduler.
func (s *PressureScheduler) BeginNextShipmentCycle(*RunContext) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dispatched = make(dispatchSet)
}

// HasPendingWork implements Scheduler.
func (s *PressureScheduler) HasPendingWork(rc *RunContext) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.dispatched.pending(rc)) > 0
}
