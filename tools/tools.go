// Package tools defines the tool abstraction the suspension engine executes:
// a named operation with a reflected argument schema and a handler that may
// pause for external input through the Elicitor capability.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/invopop/jsonschema"

	"github.com/lolzy2026/mcp-elicitation/elicit"
)

// ErrUnknownTool is returned when a registry lookup misses.
var ErrUnknownTool = errors.New("unknown tool")

// Handler runs one tool invocation. raw is the JSON object of call arguments;
// el is the suspension capability bound to the owning session. The returned
// value is JSON-marshaled into the result event.
type Handler func(ctx context.Context, el Elicitor, raw json.RawMessage) (any, error)

// Tool pairs a descriptor with its handler.
type Tool struct {
	Name        string
	Description string

	// InputSchema is the reflected JSON schema of the argument struct,
	// served by tool listings.
	InputSchema *jsonschema.Schema

	// CompletionMessage and Completion describe the fields a stateless
	// re-entry invocation must carry to complete; empty for tools that are
	// complete from their declared arguments alone.
	CompletionMessage string
	Completion        []elicit.Field

	Handler Handler
}

// Call decodes nothing itself; it simply runs the handler. Argument decoding
// policy lives in the constructor wrappers.
func (t Tool) Call(ctx context.Context, el Elicitor, raw json.RawMessage) (any, error) {
	if t.Handler == nil {
		return nil, fmt.Errorf("tool %q has no handler", t.Name)
	}
	return t.Handler(ctx, el, raw)
}

// ToolOption configures New.
type ToolOption func(*toolConfig)

type toolConfig struct {
	description       string
	completionMessage string
	completion        []elicit.Field
	allowUnknownKeys  bool
}

// WithDescription sets the tool description used in listings.
func WithDescription(desc string) ToolOption {
	return func(c *toolConfig) { c.description = desc }
}

// WithCompletion declares the fields a re-entry invocation needs to complete,
// and the prompt shown when some are missing.
func WithCompletion(message string, fields ...elicit.Field) ToolOption {
	return func(c *toolConfig) {
		c.completionMessage = message
		c.completion = fields
	}
}

// WithUnknownKeys switches argument decoding from strict to lenient.
func WithUnknownKeys() ToolOption {
	return func(c *toolConfig) { c.allowUnknownKeys = true }
}

// New constructs a Tool with a typed argument struct A. The argument schema
// is reflected from A; decoding is strict unless WithUnknownKeys is given.
func New[A any](name string, fn func(ctx context.Context, el Elicitor, args A) (any, error), opts ...ToolOption) Tool {
	cfg := toolConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	schema := reflectInputSchema[A](cfg.allowUnknownKeys)

	handler := func(ctx context.Context, el Elicitor, raw json.RawMessage) (any, error) {
		var a A
		if len(raw) > 0 {
			dec := json.NewDecoder(bytes.NewReader(raw))
			if !cfg.allowUnknownKeys {
				dec.DisallowUnknownFields()
			}
			if err := dec.Decode(&a); err != nil {
				return nil, fmt.Errorf("invalid arguments: %w", err)
			}
		}
		return fn(ctx, el, a)
	}

	return Tool{
		Name:              name,
		Description:       cfg.description,
		InputSchema:       schema,
		CompletionMessage: cfg.completionMessage,
		Completion:        cfg.completion,
		Handler:           handler,
	}
}

// reflectInputSchema reflects the argument struct into an inlined object
// schema. Non-object shapes degrade to an open empty object.
func reflectInputSchema[A any](allowUnknown bool) *jsonschema.Schema {
	r := &jsonschema.Reflector{
		DoNotReference:            true,
		ExpandedStruct:            true,
		AllowAdditionalProperties: allowUnknown,
	}
	s := r.Reflect(new(A))
	if s == nil || s.Type != "object" {
		s = &jsonschema.Schema{Type: "object"}
	}
	return s
}

// Registry is a concurrency-safe, ordered tool container.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]Tool
	order  []string
}

func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Tool)}
}

// Register adds t; a duplicate name is an error.
func (r *Registry) Register(t Tool) error {
	if t.Name == "" {
		return errors.New("tools: empty tool name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.byName[t.Name]; dup {
		return fmt.Errorf("tools: duplicate tool %q", t.Name)
	}
	r.byName[t.Name] = t
	r.order = append(r.order, t.Name)
	return nil
}

// MustRegister panics on a registration error.
func (r *Registry) MustRegister(ts ...Tool) {
	for _, t := range ts {
		if err := r.Register(t); err != nil {
			panic(err)
		}
	}
}

// Get looks up a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byName[name]
	return t, ok
}

// List returns every tool in registration order.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.byName[name])
	}
	return out
}

// Names returns the sorted tool names; handy for diagnostics.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := append([]string(nil), r.order...)
	sort.Strings(names)
	return names
}
