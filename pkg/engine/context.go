package engine

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/conveyor/conveyor/pkg/pipeline"
)

// stageRuntime is the mutable per-run state of one stage.
type stageRuntime struct {
	state         StageState
	invocations   int
	itemsIn       int
	itemsOut      int
	totalDuration time.Duration
	err           *EngineError
}

// delivery is a batch of items routed to one input socket.
type delivery struct {
	to     pipeline.StageID
	socket int
	items  []pipeline.WorkItem
}

// RunContext is the execution state of one run: stage lifecycle, input buffers, the cycle
// counter and the accumulated failures.
//
// Schedulers only read it. Every mutation is made by the executor under the context lock,
// and each mutation wakes the goroutines waiting on Changed.
type RunContext struct {
	mu sync.Mutex

	runID string
	graph *pipeline.Graph
	cfg   Config
	order []pipeline.StageID
	level []int

	stages        []stageRuntime
	buffers       [][][]pipeline.WorkItem
	stageBytes    []int64
	bufferedItems int
	bufferedBytes int64

	running  int
	cycle    int
	failures []*EngineError

	changed chan struct{}
}

func newRunContext(runID string, g *pipeline.Graph, cfg Config) (*RunContext, error) {
	levels, err := g.Levels()
	if err != nil {
		return nil, err
	}
	order, err := g.TopologicalOrder()
	if err != nil {
		return nil, err
	}

	n := g.Len()
	rc := &RunContext{
		runID:      runID,
		graph:      g,
		cfg:        cfg,
		order:      order,
		level:      make([]int, n),
		stages:     make([]stageRuntime, n),
		buffers:    make([][][]pipeline.WorkItem, n),
		stageBytes: make([]int64, n),
		changed:    make(chan struct{}),
	}
	for l, ids := range levels {
		for _, id := range ids {
			rc.level[id] = l
		}
	}
	for i := 0; i < n; i++ {
		rc.stages[i].state = StageIdle
		rc.buffers[i] = make([][]pipeline.WorkItem, len(g.Stage(pipeline.StageID(i)).Inputs()))
	}
	return rc, nil
}

// RunID returns the identifier of the run.
func (rc *RunContext) RunID() string { return rc.runID }

// Graph returns the graph being executed.
func (rc *RunContext) Graph() *pipeline.Graph { return rc.graph }

// Config returns the configuration the run was started with.
func (rc *RunContext) Config() Config { return rc.cfg }

// TopologicalOrder returns the stage ids in dependency order.
func (rc *RunContext) TopologicalOrder() []pipeline.StageID {
	return append([]pipeline.StageID(nil), rc.order...)
}

// Level returns the topological depth of a stage. Sources are level 0.
func (rc *RunContext) Level(id pipeline.StageID) int { return rc.level[id] }

// Cycle returns the current shipment cycle, starting at 1.
func (rc *RunContext) Cycle() int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.cycle
}

// State returns the lifecycle state of a stage.
func (rc *RunContext) State(id pipeline.StageID) StageState {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.stages[id].state
}

// IsTerminal reports whether a stage can never be dispatched again.
func (rc *RunContext) IsTerminal(id pipeline.StageID) bool {
	return rc.State(id).IsTerminal()
}

// ReadyStages returns the ids of all Ready stages in ascending order.
func (rc *RunContext) ReadyStages() []pipeline.StageID {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	var ready []pipeline.StageID
	for i := range rc.stages {
		if rc.stages[i].state == StageReady {
			ready = append(ready, pipeline.StageID(i))
		}
	}
	return ready
}

// BufferedItems returns the number of items waiting on a stage's input sockets.
func (rc *RunContext) BufferedItems(id pipeline.StageID) int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	n := 0
	for _, buf := range rc.buffers[id] {
		n += len(buf)
	}
	return n
}

// BufferedBytes returns the approximate size of the items waiting on a stage's inputs.
func (rc *RunContext) BufferedBytes(id pipeline.StageID) int64 {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.stageBytes[id]
}

// TotalBuffered returns the number and approximate size of all buffered items.
func (rc *RunContext) TotalBuffered() (int, int64) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.bufferedItems, rc.bufferedBytes
}

// Invocations returns how many times a stage has been invoked.
func (rc *RunContext) Invocations(id pipeline.StageID) int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.stages[id].invocations
}

// Running returns the number of invocations in flight.
func (rc *RunContext) Running() int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.running
}

// Failures returns a copy of the failures recorded so far.
func (rc *RunContext) Failures() []*EngineError {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return append([]*EngineError(nil), rc.failures...)
}

// Changed returns a channel that is closed on the next state change.
func (rc *RunContext) Changed() <-chan struct{} {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.changed
}

// broadcast wakes every waiter. Caller must not hold the lock.
func (rc *RunContext) broadcast() {
	rc.mu.Lock()
	rc.broadcastLocked()
	rc.mu.Unlock()
}

func (rc *RunContext) broadcastLocked() {
	close(rc.changed)
	rc.changed = make(chan struct{})
}

// quiescent reports whether nothing is running and nothing can be dispatched.
func (rc *RunContext) quiescent() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.running > 0 {
		return false
	}
	for i := range rc.stages {
		if rc.stages[i].state == StageReady {
			return false
		}
	}
	return true
}

// anySourceLive reports whether some source may still produce.
func (rc *RunContext) anySourceLive() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	for i := range rc.stages {
		id := pipeline.StageID(i)
		if rc.graph.IsSource(id) && !rc.stages[i].state.IsTerminal() {
			return true
		}
	}
	return false
}

// beginCycle advances the cycle counter and readies every live source.
func (rc *RunContext) beginCycle() int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.cycle++
	for i := range rc.stages {
		if rc.graph.IsSource(pipeline.StageID(i)) && rc.stages[i].state == StageIdle {
			rc.stages[i].state = StageReady
		}
	}
	rc.broadcastLocked()
	return rc.cycle
}

// claim moves a Ready stage to Running and hands over its buffered inputs.
func (rc *RunContext) claim(id pipeline.StageID) (pipeline.Inputs, bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	st := &rc.stages[id]
	if st.state != StageReady {
		return nil, false
	}
	st.state = StageRunning
	st.invocations++
	rc.running++

	sockets := rc.graph.Stage(id).Inputs()
	in := make(pipeline.Inputs, len(sockets))
	for idx, sock := range sockets {
		buf := rc.buffers[id][idx]
		if len(buf) == 0 {
			continue
		}
		in[sock.ID] = buf
		rc.buffers[id][idx] = nil
		st.itemsIn += len(buf)
		rc.bufferedItems -= len(buf)
	}
	rc.bufferedBytes -= rc.stageBytes[id]
	rc.stageBytes[id] = 0
	return in, true
}

// complete records a successful invocation, delivers its routed outputs and re-evaluates
// readiness. It returns the stages that became Blocked as a result.
func (rc *RunContext) complete(id pipeline.StageID, out []delivery, itemsOut int, exhausted bool, d time.Duration) []pipeline.StageID {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	st := &rc.stages[id]
	st.itemsOut += itemsOut
	st.totalDuration += d
	rc.running--

	for _, dl := range out {
		if rc.stages[dl.to].state.IsTerminal() {
			pipeline.ReleaseAll(dl.items)
			continue
		}
		rc.buffers[dl.to][dl.socket] = append(rc.buffers[dl.to][dl.socket], dl.items...)
		for _, it := range dl.items {
			sz := it.SizeBytes()
			rc.stageBytes[dl.to] += sz
			rc.bufferedBytes += sz
		}
		rc.bufferedItems += len(dl.items)
	}

	if exhausted {
		st.state = StageCompleted
	} else {
		st.state = StageIdle
	}

	blocked := rc.evaluateLocked()
	rc.broadcastLocked()
	return blocked
}

// fail records a failed invocation. The stage never runs again.
func (rc *RunContext) fail(id pipeline.StageID, err *EngineError, d time.Duration) []pipeline.StageID {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	st := &rc.stages[id]
	st.state = StageFailed
	st.err = err
	st.totalDuration += d
	rc.running--
	rc.failures = append(rc.failures, err)
	rc.releaseBuffersLocked(id)

	blocked := rc.evaluateLocked()
	rc.broadcastLocked()
	return blocked
}

// cancel marks a running stage that stopped because the run was cancelled.
func (rc *RunContext) cancel(id pipeline.StageID, d time.Duration) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	st := &rc.stages[id]
	st.state = StageCancelled
	st.totalDuration += d
	rc.running--
	rc.releaseBuffersLocked(id)
	rc.broadcastLocked()
}

// cancelRemaining marks every non-terminal stage Cancelled and releases all buffers.
func (rc *RunContext) cancelRemaining() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	for i := range rc.stages {
		if !rc.stages[i].state.IsTerminal() {
			rc.stages[i].state = StageCancelled
		}
		rc.releaseBuffersLocked(pipeline.StageID(i))
	}
	rc.broadcastLocked()
}

// recordFailure adds a failure that is not tied to an invocation.
func (rc *RunContext) recordFailure(err *EngineError) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.failures = append(rc.failures, err)
}

// stuckStages returns the non-terminal stages, failing each with a deadlock error.
func (rc *RunContext) stuckStages() []string {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	var stuck []string
	for _, id := range rc.order {
		st := &rc.stages[id]
		if st.state.IsTerminal() {
			continue
		}
		name := rc.graph.Name(id)
		stuck = append(stuck, name)
		st.state = StageBlocked
		st.err = NewInternalError("stage can never become ready", nil).
			WithCode(ErrCodeDeadlock).WithStage(name, rc.cycle)
		rc.releaseBuffersLocked(id)
	}
	return stuck
}

func (rc *RunContext) releaseBuffersLocked(id pipeline.StageID) {
	for idx, buf := range rc.buffers[id] {
		pipeline.ReleaseAll(buf)
		rc.bufferedItems -= len(buf)
		rc.buffers[id][idx] = nil
	}
	rc.bufferedBytes -= rc.stageBytes[id]
	rc.stageBytes[id] = 0
}

// evaluateLocked re-derives readiness of every idle non-source stage in topological order,
// so a block propagates downstream within one pass.
//
// A stage is Ready when every input socket holds at least one item. An empty socket whose
// suppliers are all terminal is dead, and so is a socket nothing is connected to. A stage
// with a dead socket is Blocked when it still holds stranded items, when a supplier failed
// or was blocked, or when it never received an item; otherwise it is Completed.
func (rc *RunContext) evaluateLocked() []pipeline.StageID {
	var blocked []pipeline.StageID
	for _, id := range rc.order {
		st := &rc.stages[id]
		if st.state != StageIdle || rc.graph.IsSource(id) {
			continue
		}

		filled := true
		dead := false
		starved := false
		for idx := range rc.buffers[id] {
			if len(rc.buffers[id][idx]) > 0 {
				continue
			}
			filled = false
			edges := rc.graph.Incoming(id, idx)
			if len(edges) == 0 {
				dead = true
				continue
			}

			live := false
			for _, e := range edges {
				from := rc.stages[e.From].state
				if !from.IsTerminal() {
					live = true
					break
				}
			}
			if live {
				continue
			}
			dead = true
			for _, e := range edges {
				switch rc.stages[e.From].state {
				case StageFailed, StageBlocked, StageCancelled:
					starved = true
				}
			}
		}

		switch {
		case filled:
			st.state = StageReady
		case dead && (starved || st.itemsIn == 0 || rc.hasBufferedLocked(id)):
			st.state = StageBlocked
			rc.releaseBuffersLocked(id)
			blocked = append(blocked, id)
		case dead:
			st.state = StageCompleted
		}
	}
	return blocked
}

func (rc *RunContext) hasBufferedLocked(id pipeline.StageID) bool {
	for _, buf := range rc.buffers[id] {
		if len(buf) > 0 {
			return true
		}
	}
	return false
}

// snapshot returns a copy of every stage's runtime state.
func (rc *RunContext) snapshot() []stageRuntime {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return append([]stageRuntime(nil), rc.stages...)
}

// String renders the lifecycle state of every stage, for debugging.
func (rc *RunContext) String() string {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	parts := make([]string, 0, len(rc.stages))
	for i := range rc.stages {
		parts = append(parts, fmt.Sprintf("%s=%s", rc.graph.Name(pipeline.StageID(i)), rc.stages[i].state))
	}
	sort.Strings(parts)
	return fmt.Sprintf("run %s cycle %d: %v", rc.runID, rc.cycle, parts)
}
