package tool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"

	"github.com/nadir/stride/internal/observability"
)

// Parameter declares a single tool argument.
type Parameter struct {
	Name        string      `json:"name"`
	Type        string      `json:"type"`
	Description string      `json:"description"`
	Required    bool        `json:"required"`
	Default     interface{} `json:"default,omitempty"`
}

// Handler is the function signature for tool execution.
type Handler func(ctx context.Context, args map[string]interface{}) (interface{}, error)

// Definition describes a tool's metadata and handler.
type Definition struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Parameters  []Parameter `json:"parameters"`
	Handler     Handler     `json:"-"`
}

// InputSchema returns the tool's parameter declarations as a JSON Schema
// document suitable for a model provider's tool description.
func (d Definition) InputSchema() map[string]interface{} {
	properties := make(map[string]interface{})
	required := []string{}

	for _, param := range d.Parameters {
		paramSchema := map[string]interface{}{
			"type":        param.Type,
			"description": param.Description,
		}
		if param.Default != nil {
			paramSchema["default"] = param.Default
		}
		properties[param.Name] = paramSchema

		if param.Required {
			required = append(required, param.Name)
		}
	}

	schema := map[string]interface{}{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// Registry holds the tools available to a run. It is populated at
// construction time and read-only during the run.
type Registry struct {
	tools   map[string]*Definition
	schemas map[string]*gojsonschema.Schema
	mu      sync.RWMutex
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]*Definition),
		schemas: make(map[string]*gojsonschema.Schema),
	}
}

// Register validates and registers a tool definition.
func (r *Registry) Register(def Definition) error {
	if err := validateDefinition(def); err != nil {
		return fmt.Errorf("invalid tool definition: %w", err)
	}

	schema, err := compileSchema(def)
	if err != nil {
		return fmt.Errorf("failed to compile schema for %s: %w", def.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[def.Name]; exists {
		return fmt.Errorf("tool already registered: %s", def.Name)
	}

	r.tools[def.Name] = &def
	r.schemas[def.Name] = schema

	log.Debug().Str("tool", def.Name).Msg("Tool registered")

	return nil
}

// Get returns a tool definition by name, or nil if unknown.
func (r *Registry) Get(name string) *Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.tools[name]
}

// List returns all registered tool definitions.
func (r *Registry) List() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]Definition, 0, len(r.tools))
	for _, def := range r.tools {
		defs = append(defs, *def)
	}
	return defs
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.tools)
}

// Execute runs a single tool call and always returns a Result. Handler
// errors, panics, unknown tools, and invalid arguments become
// StatusError results; a lapsed timeout becomes StatusTimedOut. The
// handler observes cancellation through ctx.
func (r *Registry) Execute(ctx context.Context, call Call, timeout time.Duration) Result {
	start := time.Now()

	r.mu.RLock()
	def := r.tools[call.Name]
	schema := r.schemas[call.Name]
	r.mu.RUnlock()

	if def == nil {
		return errorResult(call, start, fmt.Sprintf("tool not found: %s", call.Name))
	}

	if err := validateArguments(schema, call.Arguments); err != nil {
		return errorResult(call, start, fmt.Sprintf("argument validation failed: %v", err))
	}

	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resultChan := make(chan interface{}, 1)
	errChan := make(chan error, 1)

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				errChan <- fmt.Errorf("tool panicked: %v", rec)
			}
		}()
		output, err := def.Handler(execCtx, call.Arguments)
		if err != nil {
			errChan <- err
		} else {
			resultChan <- output
		}
	}()

	select {
	case output := <-resultChan:
		duration := time.Since(start)
		text, truncated := truncateOutput(output)

		log.Debug().
			Str("tool", call.Name).
			Str("callId", call.ID).
			Dur("duration", duration).
			Bool("truncated", truncated).
			Msg("Tool execution completed")

		observability.RecordToolExecution(call.Name, duration, true)

		return Result{
			CallID:   call.ID,
			Status:   StatusOk,
			Output:   text,
			Duration: duration,
		}

	case err := <-errChan:
		duration := time.Since(start)

		log.Error().
			Str("tool", call.Name).
			Str("callId", call.ID).
			Dur("duration", duration).
			Err(err).
			Msg("Tool execution failed")

		observability.RecordToolExecution(call.Name, duration, false)

		return Result{
			CallID:   call.ID,
			Status:   StatusError,
			Error:    err.Error(),
			Duration: duration,
		}

	case <-execCtx.Done():
		duration := time.Since(start)

		// The parent context being cancelled means the batch was aborted,
		// not that this call's own timeout lapsed. Both are surfaced the
		// same way; the late handler result, if any, is discarded.
		log.Warn().
			Str("tool", call.Name).
			Str("callId", call.ID).
			Dur("duration", duration).
			Msg("Tool execution timed out")

		observability.RecordToolExecution(call.Name, duration, false)

		return Result{
			CallID:   call.ID,
			Status:   StatusTimedOut,
			Error:    fmt.Sprintf("tool execution timed out after %v", timeout),
			Duration: duration,
		}
	}
}

func errorResult(call Call, start time.Time, msg string) Result {
	log.Error().Str("tool", call.Name).Str("callId", call.ID).Msg(msg)
	observability.RecordToolExecution(call.Name, time.Since(start), false)
	return Result{
		CallID:   call.ID,
		Status:   StatusError,
		Error:    msg,
		Duration: time.Since(start),
	}
}

func validateDefinition(def Definition) error {
	if def.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if def.Description == "" {
		return fmt.Errorf("tool description cannot be empty")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool handler cannot be nil")
	}

	validTypes := map[string]bool{
		"string": true, "number": true, "boolean": true,
		"object": true, "array": true, "integer": true,
	}
	for _, param := range def.Parameters {
		if param.Name == "" {
			return fmt.Errorf("parameter name cannot be empty")
		}
		if !validTypes[param.Type] {
			return fmt.Errorf("invalid parameter type %s for %s", param.Type, param.Name)
		}
		if param.Description == "" {
			return fmt.Errorf("parameter description cannot be empty for %s", param.Name)
		}
	}

	return nil
}

func compileSchema(def Definition) (*gojsonschema.Schema, error) {
	schemaMap := def.InputSchema()
	schemaMap["additionalProperties"] = false

	return gojsonschema.NewSchema(gojsonschema.NewGoLoader(schemaMap))
}

func validateArguments(schema *gojsonschema.Schema, args map[string]interface{}) error {
	if schema == nil {
		return nil
	}
	if args == nil {
		args = map[string]interface{}{}
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return err
	}

	if !result.Valid() {
		errors := []string{}
		for _, verr := range result.Errors() {
			errors = append(errors, verr.String())
		}
		return fmt.Errorf("validation errors: %v", errors)
	}

	return nil
}

// truncateOutput caps handler output so a single tool cannot flood the
// model context or the trajectory file.
func truncateOutput(output interface{}) (string, bool) {
	const maxSize = 10 * 1024 // 10KB

	str := fmt.Sprintf("%v", output)
	if len(str) <= maxSize {
		return str, false
	}

	log.Warn().
		Int("original", len(str)).
		Int("truncated", maxSize).
		Msg("Tool output truncated")

	return str[:maxSize] + "\n... [output truncated]", true
}
