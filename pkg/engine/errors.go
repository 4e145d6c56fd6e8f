package engine

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/hashicorp/go-multierror"
)

// ErrorClass classifies engine errors.
type ErrorClass string

const (
	// ErrorClassStage is a stage invocation that returned an error or panicked.
	ErrorClassStage ErrorClass = "stage"

	// ErrorClassTimeout is a stage invocation failed by the watchdog.
	ErrorClassTimeout ErrorClass = "timeout"

	// ErrorClassCancelled is a run stopped by its caller.
	ErrorClassCancelled ErrorClass = "cancelled"

	// ErrorClassValidation is a graph or configuration rejected before execution.
	ErrorClassValidation ErrorClass = "validation"

	// ErrorClassInternal is an engine invariant violation, such as a deadlock.
	ErrorClassInternal ErrorClass = "internal"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Stage is the name of the stage that caused the error, if any.
	Stage string `json:"stage,omitempty"`

	// Cycle is the shipment cycle in which the error occurred.
	Cycle int `json:"cycle,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("[%s] %s", e.Class, e.Message))
	if e.Stage != "" {
		sb.WriteString(fmt.Sprintf(" (stage=%s, cycle=%d)", e.Stage, e.Cycle))
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is matches another *EngineError with the same class and code.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewStageError creates an error for a failed stage invocation.
func NewStageError(stage string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassStage,
		Message: "stage failed",
		Code:    ErrCodeStageFailed,
		Stage:   stage,
		Err:     err,
	}
}

// NewTimeoutError creates an error for a stage invocation failed by the watchdog.
func NewTimeoutError(stage string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassTimeout,
		Message: "stage exceeded watchdog timeout",
		Code:    ErrCodeTimeout,
		Stage:   stage,
		Err:     err,
	}
}

// NewCancelledError creates the run cancellation error.
func NewCancelledError(err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassCancelled,
		Message: "run cancelled",
		Code:    ErrCodeCancelled,
		Err:     err,
	}
}

// NewValidationError creates a validation error.
func NewValidationError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassValidation,
		Message: message,
		Code:    ErrCodeValidation,
		Err:     err,
	}
}

// NewInternalError creates an internal error.
func NewInternalError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassInternal,
		Message: message,
		Code:    ErrCodeInternal,
		Err:     err,
	}
}

// WithStage adds stage context to an error.
func (e *EngineError) WithStage(stage string, cycle int) *EngineError {
	e.Stage = stage
	e.Cycle = cycle
	return e
}

// WithCode sets the error code.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ErrRunCancelled matches, via errors.Is, the error returned by a cancelled run.
var ErrRunCancelled = &EngineError{Class: ErrorClassCancelled, Code: ErrCodeCancelled}

// ErrStageTimeout is the cause attached to watchdog failures.
var ErrStageTimeout = errors.New("watchdog timeout")

// IsCancelled returns true if the error is a run cancellation.
func IsCancelled(err error) bool {
	return classOf(err) == ErrorClassCancelled
}

// IsValidation returns true if the error was raised before execution started.
func IsValidation(err error) bool {
	return classOf(err) == ErrorClassValidation
}

// IsTimeout returns true if the error is a watchdog failure.
func IsTimeout(err error) bool {
	return classOf(err) == ErrorClassTimeout
}

func classOf(err error) ErrorClass {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class
	}
	return ""
}

// RunError aggregates every stage failure recorded during a run.
type RunError struct {
	RunID string
	merr  *multierror.Error
}

// newRunError builds the aggregate from failures, ordered by cycle then stage name.
func newRunError(runID string, failures []*EngineError) *RunError {
	sorted := append([]*EngineError(nil), failures...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Cycle != sorted[j].Cycle {
			return sorted[i].Cycle < sorted[j].Cycle
		}
		return sorted[i].Stage < sorted[j].Stage
	})

	var merr *multierror.Error
	for _, f := range sorted {
		merr = multierror.Append(merr, f)
	}
	merr.ErrorFormat = func(errs []error) string {
		lines := make([]string, len(errs))
		for i, err := range errs {
			lines[i] = "\t* " + err.Error()
		}
		return fmt.Sprintf("run %s failed with %d stage error(s):\n%s", runID, len(errs), strings.Join(lines, "\n"))
	}

	return &RunError{RunID: runID, merr: merr}
}

// Error implements the error interface.
func (e *RunError) Error() string {
	return e.merr.Error()
}

// Unwrap exposes the individual failures to errors.Is and errors.As.
func (e *RunError) Unwrap() []error {
	return e.merr.WrappedErrors()
}

// Failures returns the recorded stage failures.
func (e *RunError) Failures() []*EngineError {
	errs := e.merr.WrappedErrors()
	out := make([]*EngineError, 0, len(errs))
	for _, err := range errs {
		var ee *EngineError
		if errors.As(err, &ee) {
			out = append(out, ee)
		}
	}
	return out
}

// Common error codes.
const (
	ErrCodeValidation  = "VALIDATION_ERROR"
	ErrCodeStageFailed = "STAGE_FAILED"
	ErrCodeStagePanic  = "STAGE_PANIC"
	ErrCodeTimeout     = "TIMEOUT"
	ErrCodeCancelled   = "CANCELLED"
	ErrCodeDeadlock    = "DEADLOCK"
	ErrCodeInternal    = "INTERNAL_ERROR"
	ErrCodeUnknownMode = "UNKNOWN_SCHEDULER"
)
