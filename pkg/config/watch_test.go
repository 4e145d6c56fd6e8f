package config

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/conveyor/conveyor/pkg/engine"
)

func TestWatch_ReloadsOnChange(t *testing.T) {
	path := writeFile(t, t.TempDir(), "conveyor.yaml", "executor:\n  execution_mode: adaptive\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan *Config, 4)
	w, err := NewLoader().watch(ctx, path, nil, func(cfg *Config) { changes <- cfg }, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("failed to watch: %v", err)
	}
	defer w.Close()

	if w.Current().Executor.ExecutionMode != engine.ModeAdaptive {
		t.Fatalf("expected initial mode adaptive, got %s", w.Current().Executor.ExecutionMode)
	}

	if err := os.WriteFile(path, []byte("executor:\n  execution_mode: simple-dfs\n"), 0o644); err != nil {
		t.Fatalf("failed to rewrite config: %v", err)
	}

	timeout := time.After(5 * time.Second)
	for reloaded := false; !reloaded; {
		select {
		case cfg := <-changes:
			reloaded = cfg.Executor.ExecutionMode == engine.ModeSimpleDFS
		case <-timeout:
			t.Fatal("timed out waiting for reload")
		}
	}

	if w.Current().Executor.ExecutionMode != engine.ModeSimpleDFS {
		t.Errorf("expected current config to be updated")
	}
}

func TestWatch_KeepsPreviousOnInvalidFile(t *testing.T) {
	path := writeFile(t, t.TempDir(), "conveyor.yaml", "executor:\n  batch_size: 7\n")

	w, err := NewLoader().watch(context.Background(), path, nil, nil, time.Millisecond)
	if err != nil {
		t.Fatalf("failed to watch: %v", err)
	}
	defer w.Close()

	if err := os.WriteFile(path, []byte("executor:\n  batch_size: 0\n"), 0o644); err != nil {
		t.Fatalf("failed to rewrite config: %v", err)
	}
	w.reload()

	if w.Current().Executor.BatchSize != 7 {
		t.Errorf("expected previous batch size 7, got %d", w.Current().Executor.BatchSize)
	}
}

func TestWatch_InvalidInitialFile(t *testing.T) {
	path := writeFile(t, t.TempDir(), "conveyor.yaml", "executor:\n  batch_size: 0\n")
	if _, err := NewLoader().Watch(context.Background(), path, nil, nil); err == nil {
		t.Error("expected error for invalid initial config")
	}
}
