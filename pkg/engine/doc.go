// Package engine executes pipeline graphs in shipment cycles.
//
// # Overview
//
// A run repeats shipment cycles until every source is exhausted:
//
//  1. Every live source becomes Ready and is invoked once, producing at most
//     MaxShipmentSize items.
//  2. Items percolate downstream. A stage is Ready when each of its connected input
//     sockets holds at least one item; it then receives everything buffered for it.
//  3. When nothing is running and nothing is Ready the cycle is quiescent. If some
//     source is still live the next cycle starts, otherwise the run finishes.
//
// A source that produces fewer items than its cap in one invocation is exhausted.
// The final partial shipment is delivered like any other.
//
// # Stage Lifecycle
//
//   - Idle: waiting for input or for the next cycle
//   - Ready: dispatchable
//   - Running: an invocation is in flight
//   - Completed: drained normally, will not run again
//   - Blocked: an input socket can never be supplied again because an upstream
//     stage failed or was blocked; buffered items are released
//   - Failed: an invocation returned an error, panicked or timed out
//   - Cancelled: the run was cancelled first
//
// # Scheduling
//
// Workers pull stages from a Scheduler selected by Config.ExecutionMode from a
// Registry. Built-in modes:
//
//   - adaptive: ranks Ready stages by the EMA-weighted cost of the longest chain of
//     unfinished stages below them, boosting the critical path
//   - simple-dfs: runs the stage with the most buffered input bytes first
//
// Custom schedulers are added with Registry.Register.
//
// # Errors
//
// Stage failures never stop unrelated work. They are collected and returned together:
//
//	report, err := exec.Run(ctx, graph)
//	var runErr *engine.RunError
//	if errors.As(err, &runErr) {
//	    for _, f := range runErr.Failures() {
//	        log.Printf("%s failed in cycle %d: %v", f.Stage, f.Cycle, f.Err)
//	    }
//	}
//
// A cancelled run returns an error matching ErrRunCancelled. A graph rejected by the
// validator fails with an ErrorClassValidation error before any stage runs.
//
// # Item Ownership
//
// Items handed to a stage are released after the invocation unless the stage returns
// the same item. When one output socket feeds several connections, the last connection
// receives the original items and every other connection receives clones.
package engine
