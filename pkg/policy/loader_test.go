package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

const regoFile = `# Rejects stages named "map".
# severity: error
package custom.nomap

import rego.v1

deny contains msg if {
	some stage in input.graph.stages
	stage.name == "map"
	msg := "map stages are not allowed"
}
`

func writePolicy(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

func TestLoadFromFile_Rego(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	path := writePolicy(t, t.TempDir(), "no-map.rego", regoFile)

	policy, err := loader.loadFromFile(context.Background(), path)
	if err != nil {
		t.Fatalf("failed to load policy: %v", err)
	}
	if policy.Name != "no-map" {
		t.Errorf("expected name no-map, got %s", policy.Name)
	}
	if policy.Description != `Rejects stages named "map".` {
		t.Errorf("unexpected description: %q", policy.Description)
	}
	if policy.Severity != SeverityError {
		t.Errorf("expected severity error, got %s", policy.Severity)
	}
	if policy.Source != path {
		t.Errorf("expected source %s, got %s", path, policy.Source)
	}
}

func TestLoadFromFile_JSON(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	path := writePolicy(t, t.TempDir(), "policy.json", `{"name": "json-policy", "rego": "package j\n", "enabled": true}`)

	policy, err := loader.loadFromFile(context.Background(), path)
	if err != nil {
		t.Fatalf("failed to load policy: %v", err)
	}
	if policy.Name != "json-policy" {
		t.Errorf("expected name json-policy, got %s", policy.Name)
	}
	if policy.Severity != SeverityWarning {
		t.Errorf("expected default severity warning, got %s", policy.Severity)
	}

	bad := writePolicy(t, t.TempDir(), "bad.json", `{`)
	if _, err := loader.loadFromFile(context.Background(), bad); err == nil {
		t.Error("expected error for malformed JSON")
	}
}

func TestLoadFromPaths_Directory(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	dir := t.TempDir()
	writePolicy(t, dir, "a.rego", regoFile)
	writePolicy(t, dir, "b.rego", regoFile)
	writePolicy(t, dir, "notes.txt", "ignored")

	policies, err := loader.LoadFromPaths(context.Background(), []string{dir})
	if err != nil {
		t.Fatalf("failed to load: %v", err)
	}
	if len(policies) != 2 {
		t.Errorf("expected 2 policies, got %d", len(policies))
	}

	if _, err := loader.LoadFromPaths(context.Background(), []string{filepath.Join(dir, "missing")}); err == nil {
		t.Error("expected error for missing path")
	}
}

func TestEngine_LoadPolicies(t *testing.T) {
	e := newTestEngine(t, true)
	dir := t.TempDir()
	writePolicy(t, dir, "no-map.rego", regoFile)

	ctx := context.Background()
	if err := e.LoadPolicies(ctx, []string{dir}); err != nil {
		t.Fatalf("failed to load policies: %v", err)
	}
	if _, err := e.GetPolicy("no-map"); err != nil {
		t.Fatalf("expected loaded policy: %v", err)
	}
	if err := e.Validate(ctx, linear(t)); err == nil {
		t.Error("expected loaded policy to reject the graph")
	}

	// Reloading from an empty directory drops file policies but keeps built-ins.
	if err := e.LoadPolicies(ctx, []string{t.TempDir()}); err != nil {
		t.Fatalf("failed to reload: %v", err)
	}
	if _, err := e.GetPolicy("no-map"); err == nil {
		t.Error("expected file policy to be dropped")
	}
	if _, err := e.GetPolicy("stage-naming"); err != nil {
		t.Errorf("expected built-in to remain: %v", err)
	}
}

func TestEngine_Watch(t *testing.T) {
	e := newTestEngine(t, false)
	dir := t.TempDir()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := e.Watch(ctx, []string{dir}); err != nil {
		t.Fatalf("failed to watch: %v", err)
	}

	writePolicy(t, dir, "no-map.rego", regoFile)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := e.GetPolicy("no-map"); err == nil {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("expected watched policy to be loaded")
}

func TestLoadFromFile_ReparsesChangedFile(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	path := writePolicy(t, t.TempDir(), "no-map.rego", regoFile)

	first, err := loader.loadFromFile(context.Background(), path)
	if err != nil {
		t.Fatalf("failed to load policy: %v", err)
	}
	if first.Severity != SeverityError {
		t.Fatalf("expected severity error, got %s", first.Severity)
	}

	writePolicy(t, filepath.Dir(path), "no-map.rego", "# severity: info\npackage custom.nomap\n")
	later := time.Now().Add(time.Minute)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatalf("failed to touch policy: %v", err)
	}

	second, err := loader.loadFromFile(context.Background(), path)
	if err != nil {
		t.Fatalf("failed to reload policy: %v", err)
	}
	if second.Severity != SeverityInfo {
		t.Errorf("expected severity info after change, got %s", second.Severity)
	}
}

func TestLoadFromPaths_ExplicitFileErrors(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	dir := t.TempDir()
	bad := writePolicy(t, dir, "bad.json", `{`)
	writePolicy(t, dir, "good.rego", regoFile)

	// Inside a directory a broken file is skipped.
	policies, err := loader.LoadFromPaths(context.Background(), []string{dir})
	if err != nil {
		t.Fatalf("failed to load directory: %v", err)
	}
	if len(policies) != 1 {
		t.Errorf("expected 1 policy, got %d", len(policies))
	}

	// Named explicitly it is an error.
	if _, err := loader.LoadFromPaths(context.Background(), []string{bad}); err == nil {
		t.Error("expected error for explicitly named broken file")
	}
}
