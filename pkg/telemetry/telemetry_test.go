package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"default", func(*Config) {}, false},
		{"empty service", func(c *Config) { c.ServiceName = "" }, true},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, true},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, true},
		{"bad exporter", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.Exporter = "zipkin" }, true},
		{"bad sampling", func(c *Config) { c.Tracing.SamplingRate = 2 }, true},
		{"missing listen address", func(c *Config) { c.Metrics.ListenAddress = "" }, true},
		{"zero event buffer", func(c *Config) { c.Events.BufferSize = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr && err == nil {
				t.Error("expected error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("expected no error, got %v", err)
			}
		})
	}
}

func TestProfileConfig(t *testing.T) {
	tests := []struct {
		profile   string
		wantLevel string
		wantEnv   string
		wantErr   bool
	}{
		{"", "info", "development", false},
		{"default", "info", "development", false},
		{"development", "debug", "development", false},
		{"production", "info", "production", false},
		{"staging", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.profile, func(t *testing.T) {
			cfg, err := ProfileConfig(tt.profile)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
			if cfg.Logging.Level != tt.wantLevel {
				t.Errorf("expected level %s, got %s", tt.wantLevel, cfg.Logging.Level)
			}
			if cfg.Environment != tt.wantEnv {
				t.Errorf("expected environment %s, got %s", tt.wantEnv, cfg.Environment)
			}
			if err := cfg.Validate(); err != nil {
				t.Errorf("expected profile to validate, got %v", err)
			}
		})
	}

	dev := DevelopmentConfig()
	if !dev.Logging.EnableCaller {
		t.Error("expected development profile to log callers")
	}
	prod := ProductionConfig()
	if prod.Logging.Format != "json" || !prod.Events.EnableAsync {
		t.Errorf("expected production profile to log json with async events, got %+v", prod.Logging)
	}
}

func TestLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(&buf, LoggingConfig{Level: "debug", Format: "json"})

	logger.NewComponentLogger("executor").WithRunID("run-1").WithStage("resize").WithCycle(3).Info("hello")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to decode log line %q: %v", buf.String(), err)
	}
	want := map[string]interface{}{
		"component": "executor",
		"run_id":    "run-1",
		"stage":     "resize",
		"cycle":     float64(3),
		"message":   "hello",
	}
	for k, v := range want {
		if entry[k] != v {
			t.Errorf("expected %s=%v, got %v", k, v, entry[k])
		}
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(&buf, LoggingConfig{Level: "warn", Format: "json"})

	logger.Debug("hidden")
	logger.Info("hidden")
	logger.Warn("shown")

	if strings.Contains(buf.String(), "hidden") {
		t.Errorf("expected debug/info to be filtered, got %q", buf.String())
	}
	if !strings.Contains(buf.String(), "shown") {
		t.Errorf("expected warn to be logged, got %q", buf.String())
	}
}

func TestFromContextDefaultsToNop(t *testing.T) {
	logger := FromContext(context.Background())
	if logger == nil {
		t.Fatal("expected a logger")
	}
	logger.Info("discarded")
}

func TestMetricsRecording(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: true, Namespace: "test"})
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}

	m.RecordRunStarted("adaptive")
	m.RecordCycle("adaptive")
	m.RecordCycle("adaptive")
	m.RecordStageInvocation("resize", "succeeded", 10*time.Millisecond, 4)
	m.RecordStageInvocation("resize", "failed", time.Millisecond, 0)
	m.RecordError("stage", "STAGE_FAILED")
	m.SetBuffered(7, 700)
	m.RecordRunCompleted("partial", time.Second)

	if got := testutil.ToFloat64(m.cycles.WithLabelValues("adaptive")); got != 2 {
		t.Errorf("expected 2 cycles, got %v", got)
	}
	if got := testutil.ToFloat64(m.itemsProduced.WithLabelValues("resize")); got != 4 {
		t.Errorf("expected 4 items produced, got %v", got)
	}
	if got := testutil.ToFloat64(m.stageInvocations.WithLabelValues("resize", "failed")); got != 1 {
		t.Errorf("expected 1 failed invocation, got %v", got)
	}
	if got := testutil.ToFloat64(m.errorsByCode.WithLabelValues("STAGE_FAILED")); got != 1 {
		t.Errorf("expected 1 STAGE_FAILED error, got %v", got)
	}
	if got := testutil.ToFloat64(m.bufferedItems); got != 7 {
		t.Errorf("expected 7 buffered items, got %v", got)
	}
	if got := testutil.ToFloat64(m.activeRuns); got != 0 {
		t.Errorf("expected 0 active runs, got %v", got)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "test_shipment_cycles_total") {
		t.Error("expected handler to expose shipment cycle counter")
	}
}

func TestDisabledMetricsAreNoop(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}

	m.RecordRunStarted("adaptive")
	m.RecordStageInvocation("x", "succeeded", time.Millisecond, 1)
	m.RecordStageBlocked("x")
	m.RecordWatchdogTimeout("x")
	m.RecordThrottleWait()
	m.SetRunningStages(3)
	m.SetBuffered(1, 1)
	m.RecordRunCompleted("succeeded", time.Second)

	if m.Registry() != nil {
		t.Error("expected no registry for disabled metrics")
	}
	if err := m.StartMetricsServer(context.Background(), NopLogger()); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestEventPublisherSync(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 10})
	if err != nil {
		t.Fatalf("failed to create publisher: %v", err)
	}

	var got []Event
	ep.Subscribe(func(e Event) { got = append(got, e) }, FilterByRunID("run-1"))

	_ = ep.PublishRunStarted("run-1", "adaptive")
	_ = ep.PublishRunStarted("run-2", "adaptive")
	_ = ep.PublishStageBlocked("run-1", "merge", 2)

	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if got[1].Type != EventTypeStageBlocked || got[1].Stage != "merge" || got[1].Cycle != 2 {
		t.Errorf("unexpected event: %+v", got[1])
	}
	if got[0].ID == "" || got[0].Timestamp.IsZero() {
		t.Error("expected ID and timestamp to be filled in")
	}
}

func TestLogSubscriberFollowsOneStage(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(&buf, LoggingConfig{Level: "info", Format: "json"})

	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 10})
	if err != nil {
		t.Fatalf("failed to create publisher: %v", err)
	}
	ep.Subscribe(LogSubscriber(logger), FilterByStage("merge"))

	_ = ep.PublishStageFailed("run-1", "resize", 1, "boom")
	_ = ep.PublishStageFailed("run-1", "merge", 2, "bad input")
	_ = ep.PublishCycleStarted("run-1", 3)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 log line, got %d: %q", len(lines), buf.String())
	}
	var entry map[string]interface{}
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("failed to decode log line %q: %v", lines[0], err)
	}
	want := map[string]interface{}{
		"event":  EventTypeStageFailed,
		"run_id": "run-1",
		"stage":  "merge",
		"cycle":  float64(2),
		"reason": "bad input",
		"level":  "info",
	}
	for k, v := range want {
		if entry[k] != v {
			t.Errorf("expected %s=%v, got %v", k, v, entry[k])
		}
	}
	if msg, _ := entry["message"].(string); !strings.HasPrefix(msg, "[error] Stage merge failed") {
		t.Errorf("expected message to carry the event level and text, got %q", msg)
	}
}

func TestEventPublisherAsyncDrainsOnShutdown(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 100, MaxBatchSize: 10, EnableAsync: true})
	if err != nil {
		t.Fatalf("failed to create publisher: %v", err)
	}

	var mu sync.Mutex
	count := 0
	ep.Subscribe(func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	}, nil)
	ep.AddFilter(FilterByLevel(EventLevelWarning))

	for i := 0; i < 20; i++ {
		_ = ep.PublishCycleStarted("run", i)
		_ = ep.PublishStageFailed("run", "s", i, "boom")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ep.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if count != 20 {
		t.Errorf("expected 20 warning-or-higher events, got %d", count)
	}
}

func TestNopTelemetry(t *testing.T) {
	tel := Nop()
	ctx := tel.WithContext(context.Background())
	if FromTelemetryContext(ctx) != tel {
		t.Error("expected telemetry to round-trip through context")
	}

	ctx, span := tel.Tracer.StartRunSpan(ctx, "run-1", "adaptive")
	RecordSuccess(span)
	span.End()
	if TraceID(ctx) != "" {
		t.Error("expected no trace id from the no-op tracer")
	}

	if err := tel.Shutdown(context.Background()); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}
