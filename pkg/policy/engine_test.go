package policy

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"

	"github.com/conveyor/conveyor/pkg/pipeline"
)

// testStage is a stage with fixed sockets; Execute is never called.
type testStage struct {
	name     string
	inputs   []pipeline.Socket
	outputs  []pipeline.Socket
	shipment bool
}

func (s *testStage) Name() string               { return s.name }
func (s *testStage) Inputs() []pipeline.Socket  { return s.inputs }
func (s *testStage) Outputs() []pipeline.Socket { return s.outputs }
func (s *testStage) Execute(context.Context, pipeline.Inputs) (pipeline.Outputs, error) {
	return nil, nil
}

// shipmentStage additionally accepts a shipment size.
type shipmentStage struct {
	testStage
	size int
}

func (s *shipmentStage) MaxShipmentSize() int     { return s.size }
func (s *shipmentStage) SetMaxShipmentSize(n int) { s.size = n }

func source(name string) pipeline.Stage {
	return &shipmentStage{testStage: testStage{name: name, outputs: []pipeline.Socket{{ID: "out"}}}}
}

func pass(name string) pipeline.Stage {
	return &testStage{name: name, inputs: []pipeline.Socket{{ID: "in"}}, outputs: []pipeline.Socket{{ID: "out"}}}
}

func sink(name string) pipeline.Stage {
	return &testStage{name: name, inputs: []pipeline.Socket{{ID: "in"}}}
}

func buildGraph(t *testing.T, stages []pipeline.Stage, conns ...[4]string) *pipeline.Graph {
	t.Helper()
	b := pipeline.NewBuilder()
	for _, s := range stages {
		if err := b.AddStage(s); err != nil {
			t.Fatalf("failed to add stage: %v", err)
		}
	}
	for _, c := range conns {
		if err := b.Connect(c[0], c[1], c[2], c[3]); err != nil {
			t.Fatalf("failed to connect: %v", err)
		}
	}
	g, err := b.Freeze()
	if err != nil {
		t.Fatalf("failed to freeze graph: %v", err)
	}
	return g
}

func linear(t *testing.T) *pipeline.Graph {
	return buildGraph(t,
		[]pipeline.Stage{source("src"), pass("map"), sink("sink")},
		[4]string{"src", "out", "map", "in"},
		[4]string{"map", "out", "sink", "in"},
	)
}

func newTestEngine(t *testing.T, builtins bool) *Engine {
	t.Helper()
	e, err := NewEngine(zerolog.Nop(), builtins)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	return e
}

func TestNewEngine_Builtins(t *testing.T) {
	e := newTestEngine(t, true)

	var names []string
	for _, p := range e.ListPolicies() {
		names = append(names, p.Name)
	}
	want := []string{"dangling-outputs", "fan-out", "graph-limits", "shipment-source", "stage-naming"}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Errorf("built-in policies mismatch (-want +got):\n%s", diff)
	}

	if len(newTestEngine(t, false).ListPolicies()) != 0 {
		t.Error("expected no policies without built-ins")
	}
}

func TestEvaluate_CleanGraph(t *testing.T) {
	e := newTestEngine(t, true)

	result, err := e.Evaluate(context.Background(), linear(t), "run")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Allowed {
		t.Errorf("expected clean graph to be allowed, got %v", result.Violations)
	}
	if len(result.Warnings) != 0 {
		t.Errorf("expected no warnings, got %v", result.Warnings)
	}
	if len(result.EvaluatedPolicies) != 5 {
		t.Errorf("expected 5 evaluated policies, got %d", len(result.EvaluatedPolicies))
	}
}

func TestEvaluate_BuiltinWarnings(t *testing.T) {
	e := newTestEngine(t, true)

	// A plain source, an upper-case name and an unconnected output socket.
	plain := &testStage{name: "Src", outputs: []pipeline.Socket{{ID: "out"}, {ID: "debug"}}}
	g := buildGraph(t,
		[]pipeline.Stage{plain, sink("sink")},
		[4]string{"Src", "out", "sink", "in"},
	)

	result, err := e.Evaluate(context.Background(), g, "run")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Allowed {
		t.Errorf("expected warnings not to block, got %v", result.Violations)
	}

	got := map[string]Severity{}
	for _, w := range result.Warnings {
		if w.Stage != "Src" {
			t.Errorf("expected finding on stage Src, got %q", w.Stage)
		}
		got[w.Policy] = w.Severity
	}
	want := map[string]Severity{
		"stage-naming":     SeverityWarning,
		"shipment-source":  SeverityWarning,
		"dangling-outputs": SeverityInfo,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("warnings mismatch (-want +got):\n%s", diff)
	}
}

func TestEvaluate_FanOut(t *testing.T) {
	e := newTestEngine(t, true)

	stages := []pipeline.Stage{source("src")}
	var conns [][4]string
	for i := 0; i < 33; i++ {
		name := "sink-" + string(rune('a'+i%26)) + string(rune('a'+i/26))
		stages = append(stages, sink(name))
		conns = append(conns, [4]string{"src", "out", name, "in"})
	}
	g := buildGraph(t, stages, conns...)

	result, err := e.Evaluate(context.Background(), g, "run")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Warnings) != 1 || result.Warnings[0].Policy != "fan-out" {
		t.Errorf("expected one fan-out warning, got %v", result.Warnings)
	}
}

const denyMapPolicy = `package test.nomap

import rego.v1

deny contains violation if {
	some stage in input.graph.stages
	stage.name == "map"
	violation := {"message": "map stages are not allowed", "stage": stage.name}
}
`

func TestValidate_Enforcing(t *testing.T) {
	e := newTestEngine(t, false)
	if err := e.AddPolicy(context.Background(), Policy{Name: "no-map", Rego: denyMapPolicy, Severity: SeverityError, Enabled: true}); err != nil {
		t.Fatalf("failed to add policy: %v", err)
	}

	err := e.Validate(context.Background(), linear(t))
	var rejected *RejectedError
	if !errors.As(err, &rejected) {
		t.Fatalf("expected RejectedError, got %v", err)
	}
	if len(rejected.Violations) != 1 || rejected.Violations[0].Stage != "map" {
		t.Errorf("unexpected violations: %v", rejected.Violations)
	}
	if !strings.Contains(err.Error(), "map stages are not allowed") {
		t.Errorf("expected message in error, got %q", err.Error())
	}
}

func TestValidate_Advisory(t *testing.T) {
	e := newTestEngine(t, false)
	if err := e.AddPolicy(context.Background(), Policy{Name: "no-map", Rego: denyMapPolicy, Severity: SeverityError, Enabled: true}); err != nil {
		t.Fatalf("failed to add policy: %v", err)
	}
	if err := e.SetMode(ModeAdvisory); err != nil {
		t.Fatalf("failed to set mode: %v", err)
	}

	if err := e.Validate(context.Background(), linear(t)); err != nil {
		t.Errorf("expected advisory mode to admit the graph, got %v", err)
	}
	if err := e.SetMode("strict"); err == nil {
		t.Error("expected invalid mode to be rejected")
	}
}

func TestValidate_ComposesWithStructural(t *testing.T) {
	e := newTestEngine(t, true)
	v := pipeline.Validators{pipeline.StructuralValidator{}, e}

	if err := v.Validate(context.Background(), linear(t)); err != nil {
		t.Errorf("expected graph to be admitted, got %v", err)
	}
}

func TestEnableDisablePolicy(t *testing.T) {
	e := newTestEngine(t, false)
	ctx := context.Background()
	if err := e.AddPolicy(ctx, Policy{Name: "no-map", Rego: denyMapPolicy, Severity: SeverityError, Enabled: true}); err != nil {
		t.Fatalf("failed to add policy: %v", err)
	}

	if err := e.DisablePolicy("no-map"); err != nil {
		t.Fatalf("failed to disable: %v", err)
	}
	if err := e.Validate(ctx, linear(t)); err != nil {
		t.Errorf("expected disabled policy to be skipped, got %v", err)
	}

	if err := e.EnablePolicy("no-map"); err != nil {
		t.Fatalf("failed to enable: %v", err)
	}
	if err := e.Validate(ctx, linear(t)); err == nil {
		t.Error("expected enabled policy to reject")
	}

	if err := e.EnablePolicy("missing"); err == nil {
		t.Error("expected error for unknown policy")
	}
}

func TestAddPolicy_Invalid(t *testing.T) {
	e := newTestEngine(t, false)
	ctx := context.Background()

	tests := []struct {
		name   string
		policy Policy
	}{
		{"empty name", Policy{Rego: denyMapPolicy}},
		{"syntax error", Policy{Name: "bad", Rego: "package x\n\ndeny contains"}},
		{"bad severity", Policy{Name: "sev", Rego: denyMapPolicy, Severity: "fatal"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := e.AddPolicy(ctx, tt.policy); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestCreateViolation(t *testing.T) {
	p := &Policy{Name: "p", Severity: SeverityWarning}

	v := createViolation(p, "plain message")
	if v.Message != "plain message" || v.Severity != SeverityWarning {
		t.Errorf("unexpected violation: %+v", v)
	}

	v = createViolation(p, map[string]interface{}{"message": "m", "stage": "s", "severity": "error"})
	want := Violation{Policy: "p", Stage: "s", Message: "m", Severity: SeverityError}
	if v != want {
		t.Errorf("expected %+v, got %+v", want, v)
	}
}

func TestSummarize(t *testing.T) {
	s, err := Summarize(linear(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.StageCount != 3 || s.Depth != 3 {
		t.Errorf("expected 3 stages over 3 levels, got %d over %d", s.StageCount, s.Depth)
	}
	src := s.Stages[0]
	if !src.Source || !src.ShipmentSource || src.Level != 0 || src.FanOut != 1 {
		t.Errorf("unexpected source summary: %+v", src)
	}
	if !s.Stages[2].Sink || s.Stages[2].Level != 2 {
		t.Errorf("unexpected sink summary: %+v", s.Stages[2])
	}
	if len(s.Connections) != 2 {
		t.Errorf("expected 2 connections, got %d", len(s.Connections))
	}
}
