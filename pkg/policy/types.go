package policy

import (
	"fmt"
	"strings"
	"time"

	"github.com/conveyor/conveyor/pkg/pipeline"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for findings that should be reviewed but never block a run.
	SeverityWarning Severity = "warning"

	// SeverityError is for violations that reject the graph in enforcing mode.
	SeverityError Severity = "error"
)

// Mode controls what happens to a graph that violates an error-severity policy.
type Mode string

const (
	// ModeEnforcing rejects the graph.
	ModeEnforcing Mode = "enforcing"

	// ModeAdvisory logs the violations and lets the run start.
	ModeAdvisory Mode = "advisory"
)

// Policy represents a policy rule with its Rego code.
//
// The Rego module must define a set rule "deny" whose members are either
// strings or objects with "message", "stage" and optionally "severity".
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Source is the file the policy was loaded from, empty for built-ins.
	Source string `json:"source,omitempty"`
}

// Violation represents a single policy violation.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Stage is the offending stage, empty for graph-wide findings.
	Stage string `json:"stage,omitempty"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`
}

func (v Violation) String() string {
	if v.Stage == "" {
		return fmt.Sprintf("[%s] %s: %s", v.Severity, v.Policy, v.Message)
	}
	return fmt.Sprintf("[%s] %s (stage=%s): %s", v.Severity, v.Policy, v.Stage, v.Message)
}

// Result represents the result of policy evaluation.
type Result struct {
	// Allowed is false when any violation has error severity.
	Allowed bool `json:"allowed"`

	// Violations lists error-severity findings.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists findings that never block a run.
	Warnings []Violation `json:"warnings,omitempty"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// EvaluatedAt is when the policy was evaluated.
	EvaluatedAt time.Time `json:"evaluated_at"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// RejectedError is returned by Engine.Validate when a graph violates an
// error-severity policy in enforcing mode.
type RejectedError struct {
	Violations []Violation
}

func (e *RejectedError) Error() string {
	msgs := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		msgs[i] = v.String()
	}
	return fmt.Sprintf("graph rejected by %d policy violation(s): %s", len(e.Violations), strings.Join(msgs, "; "))
}

// Input is the document policies are evaluated against, available as
// "input" in Rego.
type Input struct {
	Graph   GraphSummary `json:"graph"`
	Context Context      `json:"context"`
}

// Context provides context information for policy evaluation.
type Context struct {
	// Timestamp is when the evaluation is occurring.
	Timestamp time.Time `json:"timestamp"`

	// Operation is the operation being admitted, e.g. "run".
	Operation string `json:"operation"`

	// Metadata contains additional context metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// GraphSummary is a serializable view of a frozen pipeline graph.
type GraphSummary struct {
	StageCount  int                   `json:"stage_count"`
	Depth       int                   `json:"depth"`
	Stages      []StageSummary        `json:"stages"`
	Connections []pipeline.Connection `json:"connections"`
}

// StageSummary describes one stage of a graph.
type StageSummary struct {
	Name           string   `json:"name"`
	Inputs         []string `json:"inputs"`
	Outputs        []string `json:"outputs"`
	Source         bool     `json:"source"`
	Sink           bool     `json:"sink"`
	ShipmentSource bool     `json:"shipment_source"`
	Level          int      `json:"level"`
	FanOut         int      `json:"fan_out"`
}

// Summarize builds the policy view of g.
func Summarize(g *pipeline.Graph) (GraphSummary, error) {
	levels, err := g.Levels()
	if err != nil {
		return GraphSummary{}, fmt.Errorf("failed to compute graph levels: %w", err)
	}

	levelOf := make([]int, g.Len())
	for lvl, ids := range levels {
		for _, id := range ids {
			levelOf[id] = lvl
		}
	}

	summary := GraphSummary{
		StageCount:  g.Len(),
		Depth:       len(levels),
		Stages:      make([]StageSummary, g.Len()),
		Connections: g.Connections(),
	}

	for i := 0; i < g.Len(); i++ {
		id := pipeline.StageID(i)
		stage := g.Stage(id)
		_, shipment := stage.(pipeline.ShipmentSource)

		ss := StageSummary{
			Name:           g.Name(id),
			Inputs:         socketIDs(stage.Inputs()),
			Outputs:        socketIDs(stage.Outputs()),
			Source:         g.IsSource(id),
			Sink:           g.IsSink(id),
			ShipmentSource: shipment,
			Level:          levelOf[id],
		}
		for idx := range stage.Outputs() {
			if n := len(g.Outgoing(id, idx)); n > ss.FanOut {
				ss.FanOut = n
			}
		}
		summary.Stages[i] = ss
	}

	return summary, nil
}

func socketIDs(sockets []pipeline.Socket) []string {
	ids := make([]string, len(sockets))
	for i, s := range sockets {
		ids[i] = s.ID
	}
	return ids
}
