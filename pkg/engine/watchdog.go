package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/conveyor/conveyor/pkg/pipeline"
)

const (
	minGrace = 10 * time.Millisecond
	maxGrace = 2 * time.Second
)

// invocation is the result of running one stage once.
type invocation struct {
	out      pipeline.Outputs
	err      error
	panicked bool
	// timedOut is set when the watchdog fired before the stage returned.
	timedOut bool
	// abandoned is set when the stage ignored cancellation past the grace period. Its
	// items are released by a reaper once it finally returns.
	abandoned bool
}

// watchdog bounds the wall time of a stage invocation.
type watchdog struct {
	timeout time.Duration
	grace   time.Duration
}

func newWatchdog(timeout time.Duration) watchdog {
	grace := timeout / 10
	if grace < minGrace {
		grace = minGrace
	}
	if grace > maxGrace {
		grace = maxGrace
	}
	return watchdog{timeout: timeout, grace: grace}
}

// invoke runs the stage under the watchdog. When the timeout elapses the stage context is
// cancelled; a stage that still has not returned after the grace period is abandoned.
func (w watchdog) invoke(ctx context.Context, stage pipeline.Stage, in pipeline.Inputs) invocation {
	stageCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan invocation, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- invocation{
					err:      fmt.Errorf("panic: %v\n%s", r, debug.Stack()),
					panicked: true,
				}
			}
		}()
		out, err := stage.Execute(stageCtx, in)
		done <- invocation{out: out, err: err}
	}()

	timer := time.NewTimer(w.timeout)
	defer timer.Stop()

	select {
	case res := <-done:
		return res
	case <-timer.C:
	}

	cancel()
	grace := time.NewTimer(w.grace)
	defer grace.Stop()

	select {
	case res := <-done:
		res.timedOut = true
		return res
	case <-grace.C:
	}

	go func() {
		res := <-done
		releaseInvocation(in, res.out)
	}()
	return invocation{timedOut: true, abandoned: true}
}
