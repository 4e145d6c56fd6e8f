package engine

import (
	"context"
	"time"

	"github.com/conveyor/conveyor/pkg/pipeline"
)

// StageReport summarises one stage after a run.
type StageReport struct {
	Name        string        `json:"name"`
	State       StageState    `json:"state"`
	Invocations int           `json:"invocations"`
	ItemsIn     int           `json:"items_in"`
	ItemsOut    int           `json:"items_out"`
	Duration    time.Duration `json:"duration"`
	Cost        time.Duration `json:"cost"`
	Error       string        `json:"error,omitempty"`
}

// RunReport summarises a finished run.
type RunReport struct {
	RunID      string        `json:"run_id"`
	Mode       string        `json:"mode"`
	Status     RunStatus     `json:"status"`
	Cycles     int           `json:"cycles"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Stages     []StageReport `json:"stages"`
}

// Duration returns the wall time of the run.
func (r *RunReport) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Stage returns the report of the named stage.
func (r *RunReport) Stage(name string) (StageReport, bool) {
	for _, s := range r.Stages {
		if s.Name == name {
			return s, true
		}
	}
	return StageReport{}, false
}

// RunRecorder persists run reports.
type RunRecorder interface {
	RecordRun(ctx context.Context, report *RunReport) error
}

type nopRecorder struct{}

func (nopRecorder) RecordRun(context.Context, *RunReport) error { return nil }

// buildReport assembles the report from the final run state.
func buildReport(rc *RunContext, mode string, status RunStatus, started time.Time, costs *CostProfiler) *RunReport {
	g := rc.Graph()
	snap := rc.snapshot()
	report := &RunReport{
		RunID:      rc.RunID(),
		Mode:       mode,
		Status:     status,
		Cycles:     rc.Cycle(),
		StartedAt:  started,
		FinishedAt: time.Now(),
		Stages:     make([]StageReport, len(snap)),
	}
	for i, st := range snap {
		id := pipeline.StageID(i)
		cost, _ := costs.Cost(id)
		sr := StageReport{
			Name:        g.Name(id),
			State:       st.state,
			Invocations: st.invocations,
			ItemsIn:     st.itemsIn,
			ItemsOut:    st.itemsOut,
			Duration:    st.totalDuration,
			Cost:        cost,
		}
		if st.err != nil {
			sr.Error = st.err.Error()
		}
		report.Stages[i] = sr
	}
	return report
}

// runStatus derives the outcome of a run that was not cancelled.
func runStatus(rc *RunContext, failures int) RunStatus {
	if failures == 0 {
		return RunStatusSucceeded
	}
	g := rc.Graph()
	for _, id := range g.Sinks() {
		if rc.Invocations(id) > 0 {
			return RunStatusPartial
		}
	}
	return RunStatusFailed
}
