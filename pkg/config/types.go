package config

import (
	"fmt"
	"strings"

	"github.com/conveyor/conveyor/pkg/engine"
	"github.com/conveyor/conveyor/pkg/telemetry"
)

// Format identifies the encoding of a configuration file.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
	FormatCUE  Format = "cue"
)

// Config is the complete conveyor configuration.
type Config struct {
	// Executor configures the shipment-cycle executor.
	Executor engine.Config `yaml:"executor" json:"executor"`

	// Telemetry configures logging, tracing, metrics and events.
	Telemetry telemetry.Config `yaml:"telemetry" json:"telemetry"`

	// Store configures the run history database.
	Store StoreConfig `yaml:"store" json:"store"`

	// Policy configures admission policies for pipeline graphs.
	Policy PolicyConfig `yaml:"policy" json:"policy"`
}

// StoreConfig configures run history persistence.
type StoreConfig struct {
	// Enabled records every run report in the store.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Path is the SQLite database file.
	Path string `yaml:"path" json:"path" validate:"required_if=Enabled true"`
}

// PolicyConfig configures graph admission policies.
type PolicyConfig struct {
	// Enabled turns admission checks on.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Builtin loads the policies shipped with conveyor.
	Builtin bool `yaml:"builtin" json:"builtin"`

	// Paths lists .rego files or directories of them.
	Paths []string `yaml:"paths" json:"paths"`

	// Mode is "enforcing" (violations reject the graph) or "advisory" (violations are logged).
	Mode string `yaml:"mode" json:"mode" validate:"oneof=advisory enforcing"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Executor:  engine.DefaultConfig(),
		Telemetry: *telemetry.DefaultConfig(),
		Store: StoreConfig{
			Enabled: false,
			Path:    "conveyor.db",
		},
		Policy: PolicyConfig{
			Enabled: true,
			Builtin: true,
			Mode:    "enforcing",
		},
	}
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if err := c.Executor.Validate(); err != nil {
		return err
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry config: %w", err)
	}
	if err := validate.Struct(c.Store); err != nil {
		return fmt.Errorf("invalid store config: %w", err)
	}
	if err := validate.Struct(c.Policy); err != nil {
		return fmt.Errorf("invalid policy config: %w", err)
	}
	return nil
}

// ValidationError represents a validation error with location information.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the CUE path to the error (e.g., "executor.batch_size").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	var b strings.Builder
	if e.File != "" {
		fmt.Fprintf(&b, "%s:%d:%d: ", e.File, e.Line, e.Column)
	}
	if e.Path != "" {
		fmt.Fprintf(&b, "%s: ", e.Path)
	}
	b.WriteString(e.Message)
	return b.String()
}

// ValidationErrors collects every problem found in one file.
type ValidationErrors []ValidationError

func (errs ValidationErrors) Error() string {
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.Error()
	}
	return fmt.Sprintf("%d configuration error(s): %s", len(errs), strings.Join(msgs, "; "))
}
