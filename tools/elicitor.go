package tools

import (
	"context"
	"errors"

	"github.com/lolzy2026/mcp-elicitation/elicit"
)

// ErrElicitationUnsupported is returned by elicitors that cannot suspend,
// such as the one backing the stateless re-entry boundary.
var ErrElicitationUnsupported = errors.New("elicitation not supported on this invocation path")

// Elicitor is the capability a handler uses to pause its invocation for
// external input. Both methods block until the input arrives, the elicitation
// expires, or ctx ends.
type Elicitor interface {
	// Form asks the caller to fill schema and returns the validated payload.
	Form(ctx context.Context, message string, schema elicit.Schema) (map[string]any, error)

	// URL asks the caller to visit target out-of-band. The correlation state
	// parameter is appended to target before delivery; the returned map holds
	// the parameters of the inbound callback.
	URL(ctx context.Context, message, target string) (map[string]any, error)
}

// ElicitForm derives a form schema from the shape of T, suspends on el, and
// decodes the submission into a new *T.
func ElicitForm[T any](ctx context.Context, el Elicitor, message string) (*T, error) {
	if el == nil {
		return nil, ErrElicitationUnsupported
	}
	ptr := new(T)
	dec, err := elicit.BindStruct(ptr)
	if err != nil {
		return nil, err
	}
	schema, err := dec.Schema()
	if err != nil {
		return nil, err
	}
	raw, err := el.Form(ctx, message, schema)
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(raw, nil); err != nil {
		return nil, err
	}
	return ptr, nil
}

// NoSuspend is an Elicitor for invocation paths that cannot pause; every
// elicitation attempt fails with ErrElicitationUnsupported.
type NoSuspend struct{}

var _ Elicitor = NoSuspend{}

func (NoSuspend) Form(ctx context.Context, message string, schema elicit.Schema) (map[string]any, error) {
	return nil, ErrElicitationUnsupported
}

func (NoSuspend) URL(ctx context.Context, message, target string) (map[string]any, error) {
	return nil, ErrElicitationUnsupported
}
