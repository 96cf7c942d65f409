package tools

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"
)

// DefaultTimeout bounds a tool call whose context carries no deadline.
const DefaultTimeout = 30 * time.Second

const maxOutputSize = 10 * 1024

// Parameter defines a parameter for a tool
type Parameter struct {
	Name        string      `json:"name"`
	Type        string      `json:"type"`
	Description string      `json:"description"`
	Required    bool        `json:"required"`
	Default     interface{} `json:"default,omitempty"`
	Enum        []string    `json:"enum,omitempty"`
}

// Handler is the function signature for tool execution. The returned
// value must be JSON-serializable.
type Handler func(ctx context.Context, args map[string]interface{}) (interface{}, error)

// Definition describes a tool and its callable.
type Definition struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Parameters  []Parameter `json:"parameters"`
	Handler     Handler     `json:"-"`
}

// InputSchema renders the parameters as a JSON schema object, the form
// inference backends expect in their tool declarations.
func (d Definition) InputSchema() map[string]interface{} {
	properties := make(map[string]interface{}, len(d.Parameters))
	required := []string{}

	for _, param := range d.Parameters {
		prop := map[string]interface{}{
			"type":        param.Type,
			"description": param.Description,
		}
		if param.Default != nil {
			prop["default"] = param.Default
		}
		if len(param.Enum) > 0 {
			prop["enum"] = param.Enum
		}
		properties[param.Name] = prop
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

// Registry maps tool names to definitions. It is safe for concurrent use
// and is meant to be constructed per process (or per test) and passed in.
type Registry struct {
	tools   map[string]*Definition
	schemas map[string]*gojsonschema.Schema
	order   []string
	timeout time.Duration
	mu      sync.RWMutex
}

// Option configures a Registry.
type Option func(*Registry)

// WithTimeout sets the fallback per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		tools:   make(map[string]*Definition),
		schemas: make(map[string]*gojsonschema.Schema),
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a tool. It fails with *DuplicateToolError if the name is taken.
func (r *Registry) Register(def Definition) error {
	if err := validateDefinition(def); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}

	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(strictSchema(def)))
	if err != nil {
		return fmt.Errorf("%w: schema for %s: %v", ErrInvalidDefinition, def.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[def.Name]; exists {
		return &DuplicateToolError{Name: def.Name}
	}

	r.tools[def.Name] = &def
	r.schemas[def.Name] = schema
	r.order = append(r.order, def.Name)

	log.Debug().Str("tool", def.Name).Msg("Tool registered")

	return nil
}

// Get returns a tool definition by name
func (r *Registry) Get(name string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.tools[name]
	return def, ok
}

// Names returns registered tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return append([]string(nil), r.order...)
}

// Invoke validates args and runs the named tool. The handler runs on its own
// goroutine so a handler that ignores ctx still cannot hold the caller past
// the deadline; a panic inside it is recovered into *ToolExecutionError.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]interface{}) (interface{}, error) {
	r.mu.RLock()
	tool := r.tools[name]
	schema := r.schemas[name]
	timeout := r.timeout
	r.mu.RUnlock()

	if tool == nil {
		return nil, &ToolNotFoundError{Name: name}
	}

	if args == nil {
		args = map[string]interface{}{}
	}

	if err := validateArguments(schema, args); err != nil {
		return nil, &ToolExecutionError{Tool: name, Err: err}
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type outcome struct {
		value interface{}
		err   error
		panic bool
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				log.Error().
					Str("tool", name).
					Interface("panic", rec).
					Bytes("stack", debug.Stack()).
					Msg("Tool handler panicked")
				done <- outcome{err: fmt.Errorf("%v", rec), panic: true}
			}
		}()
		value, err := tool.Handler(ctx, args)
		done <- outcome{value: value, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			return nil, &ToolExecutionError{Tool: name, Err: out.err, Panic: out.panic}
		}
		return truncateOutput(name, out.value), nil
	case <-ctx.Done():
		return nil, &ToolExecutionError{Tool: name, Err: ctx.Err(), Timeout: ctx.Err() == context.DeadlineExceeded}
	}
}

// Select resolves names into a ToolSet. Unknown names fail with *ToolNotFoundError.
func (r *Registry) Select(names []string) (*ToolSet, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool, len(names))
	defs := make([]Definition, 0, len(names))
	for _, name := range names {
		if seen[name] {
			continue
		}
		def, ok := r.tools[name]
		if !ok {
			return nil, &ToolNotFoundError{Name: name}
		}
		seen[name] = true
		defs = append(defs, *def)
	}

	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })

	return &ToolSet{registry: r, defs: defs}, nil
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
		if param.Description == "" {
			return fmt.Errorf("parameter description cannot be empty for %s", param.Name)
		}
		if !validTypes[param.Type] {
			return fmt.Errorf("invalid parameter type %q for %s", param.Type, param.Name)
		}
	}

	return nil
}

// strictSchema is InputSchema plus additionalProperties=false, used only for
// validation so the model sees a lenient schema but stray keys are rejected.
func strictSchema(def Definition) map[string]interface{} {
	schema := def.InputSchema()
	schema["additionalProperties"] = false
	return schema
}

func validateArguments(schema *gojsonschema.Schema, args map[string]interface{}) error {
	if schema == nil {
		return nil
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return err
	}

	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("invalid arguments: %s", strings.Join(msgs, "; "))
	}

	return nil
}

func truncateOutput(tool string, output interface{}) interface{} {
	str, ok := output.(string)
	if !ok || len(str) <= maxOutputSize {
		return output
	}

	log.Warn().
		Str("tool", tool).
		Int("original", len(str)).
		Int("truncated", maxOutputSize).
		Msg("Output truncated")

	return str[:maxOutputSize] + "\n... [output truncated]"
}
