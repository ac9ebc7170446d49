// Package dispatch defines the uniform invocation contract between the
// orchestrator-facing surfaces (HTTP, MCP) and the backend-specific adapters:
// every adapter exposes a set of named operations behind one
// invoke(name, params) entry point with shared lifecycle and error semantics.
package dispatch

import (
	"context"
	"time"
)

// Params is the parameter bag of one invocation, decoded from JSON.
type Params map[string]interface{}

// Result is the normalized result of one invocation, encodable to JSON.
type Result map[string]interface{}

// String returns the named parameter as a string. Numeric values are not
// coerced; absent or non-string values report ok=false.
func (p Params) String(key string) (string, bool) {
	v, ok := p[key].(string)
	return v, ok
}

// StringOr returns the named string parameter or def when absent.
func (p Params) StringOr(key, def string) string {
	if v, ok := p.String(key); ok && v != "" {
		return v
	}
	return def
}

// Float returns the named parameter as a float64. JSON numbers always decode
// to float64; ints are accepted for programmatic callers.
func (p Params) Float(key string) (float64, bool) {
	switch v := p[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

// Int returns the named parameter as an int, truncating JSON floats.
func (p Params) Int(key string) (int, bool) {
	f, ok := p.Float(key)
	return int(f), ok
}

// Bool returns the named parameter as a bool.
func (p Params) Bool(key string) (bool, bool) {
	v, ok := p[key].(bool)
	return v, ok
}

// Slice returns the named parameter as a []interface{}.
func (p Params) Slice(key string) ([]interface{}, bool) {
	v, ok := p[key].([]interface{})
	return v, ok
}

// Handler executes one named operation against an adapter's backend.
type Handler func(ctx context.Context, params Params) (Result, error)

// ParamSpec describes one parameter of an operation, for discovery surfaces.
type ParamSpec struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Required    bool   `json:"required"`
	Description string `json:"description,omitempty"`
}

// ToolDefinition describes one invokable operation. Definitions are created at
// adapter registration and immutable until process shutdown.
type ToolDefinition struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Adapter     string      `json:"adapter"`
	Params      []ParamSpec `json:"params,omitempty"`
}

// AdapterHealth is the outcome of one adapter health probe. Never persisted.
type AdapterHealth struct {
	Adapter     string    `json:"adapter"`
	Healthy     bool      `json:"healthy"`
	LastChecked time.Time `json:"last_checked"`
}

// ModuleAdapter is the capability set every backend adapter implements.
//
// Initialize acquires the adapter's backend connection pool and is called once
// per process lifetime; it reports ErrConfiguration when the backend is
// unreachable at startup. HealthCheck performs a lightweight probe and never
// returns an error: any failure is false. Shutdown releases the pool and must
// be safe to call even after a failed Initialize.
type ModuleAdapter interface {
	Name() string
	Initialize(ctx context.Context) error
	HealthCheck(ctx context.Context) bool
	Operations() []ToolDefinition
	Invoke(ctx context.Context, name string, params Params) (Result, error)
	Shutdown(ctx context.Context) error
}

// OperationTable is the per-adapter operation lookup each adapter embeds.
// Adapters register their handlers during construction; lookups at invoke
// time are read-only.
type OperationTable struct {
	defs     []ToolDefinition
	handlers map[string]Handler
}

// NewOperationTable returns an empty operation table.
func NewOperationTable() *OperationTable {
	return &OperationTable{handlers: make(map[string]Handler)}
}

// Register adds one operation. Registering a duplicate name panics: operation
// tables are wired in constructors and a collision is a programming error.
func (t *OperationTable) Register(def ToolDefinition, h Handler) {
	if _, exists := t.handlers[def.Name]; exists {
		panic("dispatch: duplicate operation " + def.Name)
	}
	t.defs = append(t.defs, def)
	t.handlers[def.Name] = h
}

// Definitions returns the registered operations in registration order.
func (t *OperationTable) Definitions() []ToolDefinition {
	out := make([]ToolDefinition, len(t.defs))
	copy(out, t.defs)
	return out
}

// Invoke routes to the named handler, or reports ErrUnknownOperation.
func (t *OperationTable) Invoke(ctx context.Context, name string, params Params) (Result, error) {
	h, ok := t.handlers[name]
	if !ok {
		return nil, Errorf(ErrUnknownOperation, "operation %q is not registered", name)
	}
	return h(ctx, params)
}
