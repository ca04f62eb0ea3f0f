// Package legacy implements the stateless re-entry boundary: an invocation
// with incomplete arguments yields a descriptor of the missing fields, and a
// later invocation carrying the full argument set runs as a fresh call. No
// session, no correlation token, and no server-side memory are involved; the
// caller alone carries arguments across calls.
package legacy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/lolzy2026/mcp-elicitation/elicit"
	"github.com/lolzy2026/mcp-elicitation/tools"
)

// Outcome is the result of one re-entry invocation: exactly one of Result and
// Elicitation is set.
type Outcome struct {
	Result      any                `json:"result,omitempty"`
	Elicitation *elicit.Descriptor `json:"elicitation,omitempty"`
}

// Adapter evaluates re-entry invocations against a tool registry.
type Adapter struct {
	reg *tools.Registry
	log *slog.Logger
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Adapter) {
		if l != nil {
			a.log = l
		}
	}
}

// New returns an Adapter over reg.
func New(reg *tools.Registry, opts ...Option) *Adapter {
	a := &Adapter{reg: reg, log: slog.Default()}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Invoke runs one stateless invocation of toolName with args.
//
// The contract for incomplete calls: the caller must re-send the union of the
// original and the elicited arguments. A still-missing required field yields
// a fresh descriptor listing exactly the missing fields, never a default.
// Tools may also return a descriptor themselves (the url-flow tools do) and
// it is passed through unchanged.
func (a *Adapter) Invoke(ctx context.Context, toolName string, args map[string]any) (*Outcome, error) {
	t, ok := a.reg.Get(toolName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", tools.ErrUnknownTool, toolName)
	}

	if missing := missingFields(t.Completion, args); len(missing) > 0 {
		a.log.Debug("legacy.invoke.incomplete",
			slog.String("tool", toolName),
			slog.Int("missing", len(missing)))
		d := elicit.Descriptor{Kind: elicit.KindForm, Message: t.CompletionMessage, Fields: missing}
		return &Outcome{Elicitation: &d}, nil
	}

	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("marshal arguments: %w", err)
	}
	res, err := t.Call(ctx, tools.NoSuspend{}, raw)
	if err != nil {
		return nil, err
	}
	if d, ok := res.(*elicit.Descriptor); ok {
		return &Outcome{Elicitation: d}, nil
	}
	return &Outcome{Result: res}, nil
}

// missingFields returns the completion fields absent (or empty) in args.
func missingFields(completion []elicit.Field, args map[string]any) []elicit.Field {
	var missing []elicit.Field
	for _, f := range completion {
		v, ok := args[f.Name]
		if !ok || v == nil {
			missing = append(missing, f)
			continue
		}
		if s, isStr := v.(string); isStr && s == "" {
			missing = append(missing, f)
		}
	}
	return missing
}
