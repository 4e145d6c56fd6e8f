package engine

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/conveyor/conveyor/pkg/pipeline"
)

func TestNewWatchdog_GraceIsClamped(t *testing.T) {
	tests := []struct {
		timeout time.Duration
		grace   time.Duration
	}{
		{10 * time.Millisecond, minGrace},
		{time.Second, 100 * time.Millisecond},
		{time.Hour, maxGrace},
	}
	for _, tt := range tests {
		if got := newWatchdog(tt.timeout).grace; got != tt.grace {
			t.Errorf("timeout %v: expected grace %v, got %v", tt.timeout, tt.grace, got)
		}
	}
}

func TestWatchdog_ReturnsResult(t *testing.T) {
	it := pipeline.NewItem([]byte("x"), nil)
	res := newWatchdog(time.Second).invoke(context.Background(), &passStage{name: "p"}, pipeline.Inputs{"in": {it}})
	if res.err != nil || res.timedOut {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(res.out["out"]) != 1 {
		t.Errorf("expected 1 output, got %d", len(res.out["out"]))
	}
}

func TestWatchdog_RecoversPanic(t *testing.T) {
	res := newWatchdog(time.Second).invoke(context.Background(), &panicStage{name: "p"}, nil)
	if !res.panicked || res.err == nil || !strings.Contains(res.err.Error(), "bad stage") {
		t.Errorf("expected recovered panic, got %+v", res)
	}
}

func TestWatchdog_AbandonsStubbornStage(t *testing.T) {
	it := pipeline.NewItem([]byte("x"), nil)
	stage := &sleepStage{name: "s", delay: 100 * time.Millisecond, stubborn: true}

	res := newWatchdog(10*time.Millisecond).invoke(context.Background(), stage, pipeline.Inputs{"in": {it}})
	if !res.timedOut || !res.abandoned {
		t.Fatalf("expected abandoned timeout, got %+v", res)
	}

	deadline := time.Now().Add(2 * time.Second)
	for !it.Released() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !it.Released() {
		t.Error("expected the reaper to release items once the stage returned")
	}
}
