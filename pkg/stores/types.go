package stores

import (
	"context"
	"time"

	"github.com/conveyor/conveyor/pkg/engine"
)

// Run is a persisted run summary.
type Run struct {
	ID         string           `json:"id"`
	Mode       string           `json:"mode"`
	Status     engine.RunStatus `json:"status"`
	Cycles     int              `json:"cycles"`
	Failures   int              `json:"failures"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
	CreatedAt  time.Time        `json:"created_at"`
}

// Duration returns the wall time of the run.
func (r *Run) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// StageResult is the persisted outcome of one stage within a run.
type StageResult struct {
	RunID       string            `json:"run_id"`
	Name        string            `json:"name"`
	State       engine.StageState `json:"state"`
	Invocations int               `json:"invocations"`
	ItemsIn     int               `json:"items_in"`
	ItemsOut    int               `json:"items_out"`
	Duration    time.Duration     `json:"duration"`
	Cost        time.Duration     `json:"cost"`
	Error       *string           `json:"error,omitempty"`
}

// Event is an append-only log entry attached to a run.
type Event struct {
	ID        int64     `json:"id"`
	EventID   string    `json:"event_id"`
	RunID     string    `json:"run_id"`
	Type      string    `json:"type"`
	Level     string    `json:"level"`
	Stage     *string   `json:"stage,omitempty"`
	Cycle     int       `json:"cycle"`
	Message   string    `json:"message"`
	Data      *string   `json:"data,omitempty"` // JSON blob
	Timestamp time.Time `json:"timestamp"`
}

// Store defines the interface for run history persistence.
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error
	HealthCheck(ctx context.Context) error

	// Runs
	RecordRun(ctx context.Context, report *engine.RunReport) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, limit int) ([]*Run, error)
	DeleteRun(ctx context.Context, id string) error

	// Stage results
	ListStageResults(ctx context.Context, runID string) ([]*StageResult, error)

	// Events
	AppendEvent(ctx context.Context, event *Event) error
	ListEvents(ctx context.Context, runID string, eventType *string) ([]*Event, error)
}

var _ Store = (*SQLiteStore)(nil)
var _ engine.RunRecorder = (*SQLiteStore)(nil)
