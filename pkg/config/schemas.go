package config

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaRegistry manages CUE schemas for validation.
//
// A cue.Context is not safe for concurrent use, so every operation that
// touches CUE values holds the registry lock.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.Mutex
}

// NewSchemaRegistry creates a new schema registry with built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}

	sr.registerBuiltInSchemas()

	return sr
}

func (sr *SchemaRegistry) registerBuiltInSchemas() {
	if err := sr.RegisterSchema("config", builtinConfigSchema, "#Config"); err != nil {
		panic(err)
	}
	if err := sr.RegisterSchema("executor", builtinConfigSchema, "#Executor"); err != nil {
		panic(err)
	}
}

// RegisterSchema compiles a CUE source and registers the named definition
// within it under name.
func (sr *SchemaRegistry) RegisterSchema(name, source, definition string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(source, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	def := val.LookupPath(cue.ParsePath(definition))
	if !def.Exists() {
		return fmt.Errorf("schema %s does not define %s", name, definition)
	}

	sr.schemas[name] = def
	return nil
}

// HasSchema reports whether a schema is registered under name.
func (sr *SchemaRegistry) HasSchema(name string) bool {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	_, ok := sr.schemas[name]
	return ok
}

// ValidateAgainstSchema validates Go data against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(_ context.Context, schemaName string, data interface{}) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	schema, ok := sr.schemas[schemaName]
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}

	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	unified := schema.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return convertCUEErrors(err)
	}

	return nil
}

// CompileAndValidate compiles CUE source, unifies it with the named schema
// and returns the result as JSON.
func (sr *SchemaRegistry) CompileAndValidate(schemaName string, src []byte, filename string) ([]byte, error) {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	schema, ok := sr.schemas[schemaName]
	if !ok {
		return nil, fmt.Errorf("schema %s not found", schemaName)
	}

	val := sr.ctx.CompileBytes(src, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return nil, convertCUEErrors(err)
	}

	unified := schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, convertCUEErrors(err)
	}

	data, err := unified.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("failed to export %s: %w", filename, err)
	}
	return data, nil
}

// ListSchemas returns all registered schema names.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

const builtinConfigSchema = `
#Executor: {
	max_shipment_size?:                int & >=1
	max_degree_of_parallelism?:        int & >=1
	watchdog_timeout_seconds?:         number & >0
	profiling_window_size?:            int & >=1
	cost_ema_alpha?:                   number & >0 & <=1
	critical_path_recompute_interval?: int & >=1
	critical_path_boost?:              number & >=1
	batch_size?:                       int & >=1
	execution_mode?:                   string & !=""
	enable_gc_throttling?:             bool
	memory_high_watermark_bytes?:      int & >=0
}

#Logging: {
	level?:  "trace" | "debug" | "info" | "warn" | "error" | "fatal" | "disabled"
	format?: "console" | "json"
	...
}

#Telemetry: {
	service_name?: string & !=""
	logging?:      #Logging
	tracing?: {
		exporter?:      "otlp" | "stdout" | "none"
		sampling_rate?: number & >=0 & <=1
		...
	}
	metrics?: {
		enabled?:        bool
		listen_address?: string
		...
	}
	...
}

#Store: {
	enabled?: bool
	path?:    string
}

#Policy: {
	enabled?: bool
	builtin?: bool
	paths?: [...string]
	mode?: "advisory" | "enforcing"
}

#Config: {
	executor?:  #Executor
	telemetry?: #Telemetry
	store?:     #Store
	policy?:    #Policy
}
`
