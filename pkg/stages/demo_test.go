package stages

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/conveyor/conveyor/pkg/engine"
)

const evenScript = `
def transform(item):
    if item["metadata"]["seq"] % 2 == 1:
        return None
    return {"parity": "even"}
`

func TestBuildDemo_Invalid(t *testing.T) {
	tests := []struct {
		name string
		opts DemoOptions
	}{
		{"no branches", DemoOptions{Items: 1}},
		{"negative items", DemoOptions{Items: -1, Branches: 1}},
		{"bad script", DemoOptions{Items: 1, Branches: 1, Script: "x = 1\n"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := BuildDemo(tt.opts); err == nil {
				t.Errorf("expected error for %s", tt.name)
			}
		})
	}
}

func TestBuildDemo_Run(t *testing.T) {
	for _, mode := range []string{engine.ModeAdaptive, engine.ModeSimpleDFS} {
		t.Run(mode, func(t *testing.T) {
			demo, err := BuildDemo(DemoOptions{Items: 25, Branches: 3, Script: evenScript})
			if err != nil {
				t.Fatalf("failed to build demo: %v", err)
			}
			if demo.Graph.Len() != 6 {
				t.Fatalf("expected 6 stages, got %d", demo.Graph.Len())
			}

			cfg := engine.DefaultConfig()
			cfg.ExecutionMode = mode
			cfg.MaxShipmentSize = 10
			cfg.MaxDegreeOfParallelism = 4
			cfg.EnableGcThrottling = false

			exec, err := engine.NewExecutor(cfg, engine.Options{})
			if err != nil {
				t.Fatalf("failed to create executor: %v", err)
			}
			report, err := exec.Run(context.Background(), demo.Graph)
			if err != nil {
				t.Fatalf("run failed: %v", err)
			}

			if report.Status != engine.RunStatusSucceeded {
				t.Errorf("expected status succeeded, got %s", report.Status)
			}
			if demo.Generator.Emitted() != 25 {
				t.Errorf("expected 25 generated, got %d", demo.Generator.Emitted())
			}
			// 13 even sequence numbers in [0,25), one copy per branch.
			if demo.Collector.Count() != 39 {
				t.Errorf("expected 39 collected, got %d", demo.Collector.Count())
			}
			want := map[string]int{"branch-0": 13, "branch-1": 13, "branch-2": 13}
			if diff := cmp.Diff(want, demo.Collector.ByTag(ViaKey)); diff != "" {
				t.Errorf("branch tally mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(map[string]int{"even": 39}, demo.Collector.ByTag("parity")); diff != "" {
				t.Errorf("parity tally mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
