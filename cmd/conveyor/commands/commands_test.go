package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCommand("test", "none", "today")
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestSchedulersCommand(t *testing.T) {
	out, err := execute(t, "schedulers")
	if err != nil {
		t.Fatalf("schedulers failed: %v", err)
	}
	if !strings.Contains(out, "* adaptive") {
		t.Errorf("expected adaptive marked as default, got %q", out)
	}
	if !strings.Contains(out, "simple-dfs") {
		t.Errorf("expected simple-dfs listed, got %q", out)
	}
}

func TestPoliciesCommand(t *testing.T) {
	out, err := execute(t, "policies", "--json")
	if err != nil {
		t.Fatalf("policies failed: %v", err)
	}
	var policies []struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal([]byte(out), &policies); err != nil {
		t.Fatalf("failed to decode output: %v", err)
	}
	if len(policies) != 5 {
		t.Errorf("expected 5 built-in policies, got %d", len(policies))
	}
}

func TestValidateConfigCommand(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.yaml")
	if err := os.WriteFile(good, []byte("executor:\n  execution_mode: simple-dfs\n  max_shipment_size: 8\n"), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("executor:\n  max_shipment_size: 0\n"), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	out, err := execute(t, "validate-config", good)
	if err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
	if !strings.Contains(out, "mode=simple-dfs") || !strings.Contains(out, "shipment size=8") {
		t.Errorf("unexpected output %q", out)
	}

	if _, err := execute(t, "validate-config", bad); err == nil {
		t.Error("expected error for invalid config")
	}
}

func TestRunAndHistory(t *testing.T) {
	db := filepath.Join(t.TempDir(), "history.db")

	out, err := execute(t, "run", "--items", "12", "--branches", "2", "--shipment-size", "5", "--history-db", db, "--json")
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	var report struct {
		RunID     string         `json:"run_id"`
		Status    string         `json:"status"`
		Cycles    int            `json:"cycles"`
		Collected int            `json:"collected"`
		ByBranch  map[string]int `json:"by_branch"`
	}
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("failed to decode report %q: %v", out, err)
	}
	if report.Status != "succeeded" {
		t.Errorf("expected succeeded, got %s", report.Status)
	}
	if report.Collected != 24 {
		t.Errorf("expected 24 collected, got %d", report.Collected)
	}
	if report.ByBranch["branch-0"] != 12 || report.ByBranch["branch-1"] != 12 {
		t.Errorf("expected 12 items per branch, got %v", report.ByBranch)
	}

	out, err = execute(t, "history", "--db", db)
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	if !strings.Contains(out, report.RunID) {
		t.Errorf("expected run %s in history, got %q", report.RunID, out)
	}

	out, err = execute(t, "history", "--db", db, report.RunID)
	if err != nil {
		t.Fatalf("history show failed: %v", err)
	}
	for _, want := range []string{"generator", "branch-0", "branch-1", "collector"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected stage %s in output %q", want, out)
		}
	}
}

func TestRunScript(t *testing.T) {
	script := filepath.Join(t.TempDir(), "drop.star")
	src := "def transform(item):\n    if item[\"metadata\"][\"seq\"] >= 4:\n        return None\n    return {}\n"
	if err := os.WriteFile(script, []byte(src), 0o600); err != nil {
		t.Fatalf("failed to write script: %v", err)
	}

	out, err := execute(t, "run", "--items", "10", "--branches", "1", "--script", script, "--mode", "simple-dfs")
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if !strings.Contains(out, "collected 4 items") {
		t.Errorf("expected 4 collected items, got %q", out)
	}
}

func TestRunTelemetryProfileAndFollowStage(t *testing.T) {
	out, err := execute(t, "run", "--items", "6", "--branches", "2",
		"--telemetry-profile", "development", "--follow-stage", "collector")
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if !strings.Contains(out, "collected 12 items") {
		t.Errorf("expected 12 collected items, got %q", out)
	}

	if _, err := execute(t, "run", "--items", "1", "--telemetry-profile", "staging"); err == nil {
		t.Error("expected error for unknown telemetry profile")
	}
	if _, err := execute(t, "run", "--items", "1", "--follow-stage", "nope"); err == nil {
		t.Error("expected error for unknown stage")
	}
}

func TestRunUnknownMode(t *testing.T) {
	if _, err := execute(t, "run", "--items", "1", "--mode", "nope"); err == nil {
		t.Error("expected error for unknown scheduler")
	}
}
