package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/conveyor/conveyor/pkg/engine"
	"github.com/conveyor/conveyor/pkg/telemetry"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

const memoryPath = ":memory:"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string        `yaml:"path" json:"path"`
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Every connection to :memory: opens a separate database.
	if cfg.Path == memoryPath {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Init opens the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := s.cfg.Path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_txlock=immediate"
	if s.cfg.Path != memoryPath {
		dsn += "&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database connection is alive
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

// RecordRun persists a run report and its stage results in one transaction.
func (s *SQLiteStore) RecordRun(ctx context.Context, report *engine.RunReport) error {
	if report == nil {
		return fmt.Errorf("run report is nil")
	}

	failures := 0
	for _, st := range report.Stages {
		if st.Error != "" {
			failures++
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, mode, status, cycles, failures, started_at, finished_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, report.RunID, report.Mode, string(report.Status), report.Cycles, failures,
		report.StartedAt.UTC(), report.FinishedAt.UTC(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO stage_results (run_id, name, state, invocations, items_in, items_out, duration_ns, cost_ns, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare stage insert: %w", err)
	}
	defer stmt.Close()

	for _, st := range report.Stages {
		var errMsg *string
		if st.Error != "" {
			msg := st.Error
			errMsg = &msg
		}
		_, err := stmt.ExecContext(ctx, report.RunID, st.Name, string(st.State), st.Invocations,
			st.ItemsIn, st.ItemsOut, int64(st.Duration), int64(st.Cost), errMsg)
		if err != nil {
			return fmt.Errorf("failed to insert stage result %s: %w", st.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, mode, status, cycles, failures, started_at, finished_at, created_at
		FROM runs
		WHERE id = ?
	`, id)

	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns returns the most recent runs, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, mode, status, cycles, failures, started_at, finished_at, created_at
		FROM runs
		ORDER BY started_at DESC, id
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}

// DeleteRun removes a run; stage results cascade.
func (s *SQLiteStore) DeleteRun(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM runs WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM run_events WHERE run_id = ?", id); err != nil {
		return fmt.Errorf("failed to delete run events: %w", err)
	}
	return nil
}

// ListStageResults returns the stage results of a run ordered by name.
func (s *SQLiteStore) ListStageResults(ctx context.Context, runID string) ([]*StageResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, name, state, invocations, items_in, items_out, duration_ns, cost_ns, error
		FROM stage_results
		WHERE run_id = ?
		ORDER BY name
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list stage results: %w", err)
	}
	defer rows.Close()

	results := []*StageResult{}
	for rows.Next() {
		r := &StageResult{}
		var duration, cost int64
		err := rows.Scan(
			&r.RunID,
			&r.Name,
			&r.State,
			&r.Invocations,
			&r.ItemsIn,
			&r.ItemsOut,
			&duration,
			&cost,
			&r.Error,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan stage result: %w", err)
		}
		r.Duration = time.Duration(duration)
		r.Cost = time.Duration(cost)
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating stage results: %w", err)
	}
	return results, nil
}

// AppendEvent appends an event to the log
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO run_events (event_id, run_id, type, level, stage, cycle, message, data, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, event.EventID, event.RunID, event.Type, event.Level, event.Stage, event.Cycle,
		event.Message, event.Data, event.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get event ID: %w", err)
	}
	event.ID = id
	return nil
}

// ListEvents returns the events of a run in append order, optionally
// filtered by type.
func (s *SQLiteStore) ListEvents(ctx context.Context, runID string, eventType *string) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_id, run_id, type, level, stage, cycle, message, data, timestamp
		FROM run_events
		WHERE run_id = ?
		  AND (? IS NULL OR type = ?)
		ORDER BY id
	`, runID, eventType, eventType)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := []*Event{}
	for rows.Next() {
		e := &Event{}
		err := rows.Scan(
			&e.ID,
			&e.EventID,
			&e.RunID,
			&e.Type,
			&e.Level,
			&e.Stage,
			&e.Cycle,
			&e.Message,
			&e.Data,
			&e.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}

// EventSubscriber returns a telemetry subscriber that appends every published
// event to the log. Write failures are logged and otherwise dropped.
func (s *SQLiteStore) EventSubscriber(logger *telemetry.Logger) telemetry.EventSubscriber {
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	logger = logger.NewComponentLogger("stores")

	return func(te telemetry.Event) {
		event, err := FromTelemetryEvent(te)
		if err != nil {
			logger.WithError(err).Warn("Failed to encode event data")
		}
		if err := s.AppendEvent(context.Background(), event); err != nil {
			logger.WithError(err).WithRunID(te.RunID).Warn("Failed to persist event")
		}
	}
}

// FromTelemetryEvent converts a published event into its stored form. The
// event is returned without data when the payload cannot be encoded.
func FromTelemetryEvent(te telemetry.Event) (*Event, error) {
	event := &Event{
		EventID:   te.ID,
		RunID:     te.RunID,
		Type:      te.Type,
		Level:     te.Level,
		Cycle:     te.Cycle,
		Message:   te.Message,
		Timestamp: te.Timestamp,
	}
	if te.Stage != "" {
		stage := te.Stage
		event.Stage = &stage
	}
	if len(te.Data) == 0 {
		return event, nil
	}
	raw, err := json.Marshal(te.Data)
	if err != nil {
		return event, fmt.Errorf("failed to marshal event data: %w", err)
	}
	data := string(raw)
	event.Data = &data
	return event, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	run := &Run{}
	err := row.Scan(
		&run.ID,
		&run.Mode,
		&run.Status,
		&run.Cycles,
		&run.Failures,
		&run.StartedAt,
		&run.FinishedAt,
		&run.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return run, nil
}
