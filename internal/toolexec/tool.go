package toolexec

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Result is what a Tool's Execute returns on success. Content is the raw
// text/JSON the provider will see as a tool_result block; large Content is
// blob-stored transparently once persisted through the Event Context, the
// same as any other event payload.
type Result struct {
	Content json.RawMessage
	IsError bool
}

// Tool is one callable tool implementation.
type Tool interface {
	Name() string
	// Schema returns the tool's JSON Schema for its input, or nil if the
	// tool accepts arbitrary input.
	Schema() json.RawMessage
	Execute(ctx context.Context, input json.RawMessage) (Result, error)
}

// Registry holds the set of tools available to a session, and caches each
// tool's compiled JSON Schema.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema
}

// NewRegistry returns an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Register adds or replaces a tool, compiling its schema eagerly so a bad
// schema fails at startup rather than on first call.
func (r *Registry) Register(t Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if raw := t.Schema(); len(raw) > 0 {
		compiled, err := compileSchema(t.Name(), raw)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrSchemaInvalid, t.Name(), err)
		}
		r.schemas[t.Name()] = compiled
	}
	r.tools[t.Name()] = t
	return nil
}

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	url := "tool://" + name
	if err := c.AddResource(url, strings.NewReader(string(raw))); err != nil {
		return nil, err
	}
	return c.Compile(url)
}

// Get returns the named tool, or false if unregistered.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

func (r *Registry) schemaFor(name string) (*jsonschema.Schema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schemas[name]
	return s, ok
}

// Names returns the registered tool names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	return names
}
