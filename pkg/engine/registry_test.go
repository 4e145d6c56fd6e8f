package engine

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/conveyor/conveyor/pkg/pipeline"
)

func TestDefaultRegistry(t *testing.T) {
	r := DefaultRegistry()
	if diff := cmp.Diff([]string{ModeAdaptive, ModeSimpleDFS}, r.Names()); diff != "" {
		t.Errorf("unexpected names (-want +got):\n%s", diff)
	}

	s, err := r.Create(ModeAdaptive, DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if _, ok := s.(*AdaptiveScheduler); !ok {
		t.Errorf("expected *AdaptiveScheduler, got %T", s)
	}
}

func TestRegistry_Register(t *testing.T) {
	r := NewRegistry()
	factory := func(Config, *CostProfiler) Scheduler { return NewPressureScheduler() }

	if err := r.Register("", factory); err == nil {
		t.Error("expected error for empty name")
	}
	if err := r.Register("custom", nil); err == nil {
		t.Error("expected error for nil factory")
	}
	if err := r.Register("custom", factory); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if err := r.Register("custom", factory); err == nil {
		t.Error("expected error for duplicate name")
	}
	if _, err := r.Create("missing", DefaultConfig(), nil); !IsValidation(err) {
		t.Errorf("expected validation error for unknown name, got %v", err)
	}
}

// countingScheduler wraps another scheduler and counts dequeues.
type countingScheduler struct {
	Scheduler
	dequeues atomic.Int64
}

func (c *countingScheduler) TryDequeue(rc *RunContext) (pipeline.StageID, bool) {
	id, ok := c.Scheduler.TryDequeue(rc)
	if ok {
		c.dequeues.Add(1)
	}
	return id, ok
}

func TestRegistry_CustomSchedulerDrivesRun(t *testing.T) {
	counting := &countingScheduler{}
	var shared *CostProfiler
	r := DefaultRegistry()
	err := r.Register("counting", func(cfg Config, costs *CostProfiler) Scheduler {
		shared = costs
		counting.Scheduler = NewAdaptiveScheduler(cfg, costs)
		return counting
	})
	if err != nil {
		t.Fatalf("failed to register: %v", err)
	}

	cfg := testConfig()
	cfg.ExecutionMode = "counting"
	cfg.MaxShipmentSize = 5
	exec, err := NewExecutor(cfg, Options{Registry: r})
	if err != nil {
		t.Fatalf("failed to create executor: %v", err)
	}

	sink := newCollector("sink")
	g := buildGraph(t, []pipeline.Stage{newMockSource("source", 12), sink}, link("source", "sink"))
	report, err := exec.Run(context.Background(), g)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if sink.count() != 12 {
		t.Errorf("expected 12 items, got %d", sink.count())
	}

	var invocations int
	for _, s := range report.Stages {
		invocations += s.Invocations
	}
	if got := counting.dequeues.Load(); got != int64(invocations) {
		t.Errorf("expected %d dequeues, got %d", invocations, got)
	}

	if shared == nil {
		t.Fatal("expected the factory to receive the run's profiler")
	}
	for _, name := range []string{"source", "sink"} {
		id, _ := g.Lookup(name)
		if _, ok := shared.Cost(id); !ok {
			t.Errorf("expected the executor to record %s in the shared profiler", name)
		}
	}
}
