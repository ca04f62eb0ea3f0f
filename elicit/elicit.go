// Package elicit models requests for external input: flat form schemas the
// caller renders as structured input, and URL targets the caller opens
// out-of-band. It separates schema construction (what to ask for) from value
// decoding (how to hydrate and validate the returned payload) so a compiled
// schema can be reused with different decode strategies.
package elicit

// Kind discriminates the two elicitation shapes.
type Kind string

const (
	// KindForm asks the caller to fill a flat object of primitive fields.
	KindForm Kind = "form"
	// KindURL asks the caller to visit a target URL; the answer arrives via
	// an out-of-band callback carrying the correlation state parameter.
	KindURL Kind = "url"
)

// Field is the wire description of one form property. The supported subset is
// deliberately small (flat primitives, string enums) to keep client rendering
// cheap.
type Field struct {
	Name        string   `json:"name"`
	Type        string   `json:"type"` // string|number|boolean
	Description string   `json:"description,omitempty"`
	Enum        []string `json:"enum,omitempty"`
	Required    bool     `json:"required"`
}

// Descriptor is the transport-level description of one outstanding
// elicitation, delivered to the calling party so it can gather input.
type Descriptor struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message,omitempty"`

	// Form elicitations.
	Fields []Field `json:"fields,omitempty"`

	// URL elicitations: the redirect target and the name of the query
	// parameter that carries the correlation state on the way back.
	Target     string `json:"target,omitempty"`
	StateParam string `json:"state_param,omitempty"`
}

// Schema is an immutable in-memory form schema. Marshaled form is canonical
// (stable key ordering) so Fingerprint stays stable across processes.
type Schema interface {
	// MarshalJSON returns the canonical JSON bytes for this schema.
	MarshalJSON() ([]byte, error)
	// Fingerprint returns a stable identifier (hex SHA-256 of the canonical
	// JSON) usable for caching or change detection.
	Fingerprint() string
	// Fields returns the schema's properties in declaration order.
	Fields() []Field
	// Validate checks a raw payload against the schema without decoding it:
	// required presence, type correctness, enum membership and the length
	// and range constraints. Unknown keys are ignored.
	Validate(raw map[string]any) error
}

// SchemaProvider provides (or lazily constructs) a Schema. Implementations
// must be safe for concurrent use.
type SchemaProvider interface {
	Schema() (Schema, error)
}

// ValueDecoder consumes the raw JSON object the caller returned and hydrates
// a destination value, enforcing the schema's validation rules. dst may be
// nil when the decoder was bound to a destination at construction time.
// Implementations must not mutate the destination on failure.
type ValueDecoder interface {
	Decode(raw map[string]any, dst any) error
}

// SchemaDecoder composes SchemaProvider and ValueDecoder; this is what tool
// code passes to an Elicitor.
type SchemaDecoder interface {
	SchemaProvider
	ValueDecoder
}

// FormDescriptor builds a form Descriptor from a schema and a prompt.
func FormDescriptor(message string, s Schema) Descriptor {
	return Descriptor{Kind: KindForm, Message: message, Fields: s.Fields()}
}

// URLDescriptor builds a url Descriptor. stateParam names the callback query
// parameter carrying the correlation state embedded in target.
func URLDescriptor(message, target, stateParam string) Descriptor {
	return Descriptor{Kind: KindURL, Message: message, Target: target, StateParam: stateParam}
}
