package elicit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
)

// Builder constructs a flat object schema programmatically.
//
//	b := elicit.NewBuilder().
//	    String("reporter_name", elicit.Required(), elicit.Description("Name of the reporter")).
//	    EnumString("priority", []string{"low", "medium", "high"}, elicit.Required())
//	dec := b.MustBind(&dst)
//
// The surface mirrors the struct reflection path: flat primitives only.
type Builder struct {
	mu    sync.Mutex
	props map[string]*property
	order []string
	built bool
}

type property struct {
	name        string
	ptype       string // string|number|boolean
	required    bool
	description string
	enumVals    []string
	minLength   *int
	maxLength   *int
	minimum     *float64
	maximum     *float64
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder { return &Builder{props: make(map[string]*property)} }

// String adds a string property.
func (b *Builder) String(name string, opts ...PropOption) *Builder {
	return b.add(name, "string", opts...)
}

// Number adds a number property.
func (b *Builder) Number(name string, opts ...PropOption) *Builder {
	return b.add(name, "number", opts...)
}

// Boolean adds a boolean property.
func (b *Builder) Boolean(name string, opts ...PropOption) *Builder {
	return b.add(name, "boolean", opts...)
}

// EnumString adds a string property constrained to the given values.
func (b *Builder) EnumString(name string, values []string, opts ...PropOption) *Builder {
	p := b.ensure(name)
	p.ptype = "string"
	p.enumVals = append([]string(nil), values...)
	for _, o := range opts {
		if o != nil {
			o(p)
		}
	}
	return b
}

func (b *Builder) add(name, ptype string, opts ...PropOption) *Builder {
	p := b.ensure(name)
	p.ptype = ptype
	for _, o := range opts {
		if o != nil {
			o(p)
		}
	}
	return b
}

func (b *Builder) ensure(name string) *property {
	if strings.TrimSpace(name) == "" {
		panic("elicit: empty property name")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.props[name] == nil {
		b.props[name] = &property{name: name}
		b.order = append(b.order, name)
	}
	return b.props[name]
}

// PropOption mutates a property configuration.
type PropOption func(*property)

// Required marks the property required.
func Required() PropOption { return func(p *property) { p.required = true } }

// Optional marks the property optional.
func Optional() PropOption { return func(p *property) { p.required = false } }

// Description attaches a human-readable description.
func Description(desc string) PropOption { return func(p *property) { p.description = desc } }

// MinLength sets a string minimum length.
func MinLength(n int) PropOption { return func(p *property) { p.minLength = &n } }

// MaxLength sets a string maximum length.
func MaxLength(n int) PropOption { return func(p *property) { p.maxLength = &n } }

// Minimum sets a numeric minimum.
func Minimum(f float64) PropOption { return func(p *property) { p.minimum = &f } }

// Maximum sets a numeric maximum.
func Maximum(f float64) PropOption { return func(p *property) { p.maximum = &f } }

// Build finalizes the builder into an immutable Schema. The builder cannot be
// reused afterwards.
func (b *Builder) Build() (Schema, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.built {
		return nil, errors.New("elicit: builder reused after Build")
	}

	names := append([]string(nil), b.order...)
	sort.Strings(names)

	propsObj := make(map[string]any, len(names))
	var required []string
	for _, name := range names {
		p := b.props[name]
		if p.ptype == "" {
			return nil, fmt.Errorf("elicit: property %s missing type", name)
		}
		m := map[string]any{}
		if len(p.enumVals) > 0 {
			m["enum"] = append([]string(nil), p.enumVals...)
		} else {
			m["type"] = p.ptype
		}
		if p.description != "" {
			m["description"] = p.description
		}
		if p.minLength != nil {
			m["minLength"] = *p.minLength
		}
		if p.maxLength != nil {
			m["maxLength"] = *p.maxLength
		}
		if p.minimum != nil {
			m["minimum"] = *p.minimum
		}
		if p.maximum != nil {
			m["maximum"] = *p.maximum
		}
		propsObj[name] = m
		if p.required {
			required = append(required, name)
		}
	}
	root := map[string]any{"type": "object", "properties": propsObj}
	if len(required) > 0 {
		root["required"] = required
	}
	jsonBytes, err := json.Marshal(root)
	if err != nil {
		return nil, fmt.Errorf("elicit: marshal schema: %w", err)
	}

	s := &objectSchema{
		jsonBytes:   jsonBytes,
		fingerprint: fingerprint(jsonBytes),
		props:       b.props,
		order:       append([]string(nil), b.order...),
		requiredSet: make(map[string]struct{}, len(required)),
	}
	for _, r := range required {
		s.requiredSet[r] = struct{}{}
	}
	b.built = true
	return s, nil
}

// MustBuild panics on error.
func (b *Builder) MustBuild() Schema {
	s, err := b.Build()
	if err != nil {
		panic(err)
	}
	return s
}

// Bind finalizes the builder and returns a SchemaDecoder whose decode target
// is dst, a *map[string]any.
func (b *Builder) Bind(dst *map[string]any) (SchemaDecoder, error) {
	s, err := b.Build()
	if err != nil {
		return nil, err
	}
	if dst == nil {
		return nil, errors.New("elicit: nil destination in Bind")
	}
	return &mapDecoder{schema: s.(*objectSchema), dst: dst}, nil
}

// MustBind panics on error.
func (b *Builder) MustBind(dst *map[string]any) SchemaDecoder {
	d, err := b.Bind(dst)
	if err != nil {
		panic(err)
	}
	return d
}

// objectSchema implements Schema for builder- and reflection-produced schemas.
type objectSchema struct {
	jsonBytes   []byte
	fingerprint string
	props       map[string]*property
	order       []string
	requiredSet map[string]struct{}
}

var _ Schema = (*objectSchema)(nil)

func (s *objectSchema) MarshalJSON() ([]byte, error) {
	return append([]byte(nil), s.jsonBytes...), nil
}

func (s *objectSchema) Fingerprint() string { return s.fingerprint }

func (s *objectSchema) Validate(raw map[string]any) error { return s.validate(raw) }

func (s *objectSchema) Fields() []Field {
	fields := make([]Field, 0, len(s.order))
	for _, name := range s.order {
		p := s.props[name]
		fields = append(fields, Field{
			Name:        p.name,
			Type:        p.ptype,
			Description: p.description,
			Enum:        append([]string(nil), p.enumVals...),
			Required:    p.required,
		})
	}
	return fields
}

// validate checks raw against the schema: required presence, type
// correctness, enum membership, length and range constraints.
func (s *objectSchema) validate(raw map[string]any) error {
	var missing []string
	for r := range s.requiredSet {
		if _, ok := raw[r]; !ok {
			missing = append(missing, r)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("missing required fields: %s", strings.Join(missing, ","))
	}
	for name, val := range raw {
		p := s.props[name]
		if p == nil {
			continue // unknown keys are the caller's concern
		}
		if err := p.validate(val); err != nil {
			return fmt.Errorf("field %s: %w", name, err)
		}
	}
	return nil
}

func (p *property) validate(val any) error {
	if val == nil {
		return errors.New("null value")
	}
	if len(p.enumVals) > 0 {
		vs, ok := val.(string)
		if !ok {
			return errors.New("enum expects string value")
		}
		for _, ev := range p.enumVals {
			if ev == vs {
				return nil
			}
		}
		return fmt.Errorf("value %q not in enum", vs)
	}
	switch p.ptype {
	case "string":
		vs, ok := val.(string)
		if !ok {
			return typeErr("string", val)
		}
		if p.minLength != nil && len(vs) < *p.minLength {
			return fmt.Errorf("minLength violation (%d)", *p.minLength)
		}
		if p.maxLength != nil && len(vs) > *p.maxLength {
			return fmt.Errorf("maxLength violation (%d)", *p.maxLength)
		}
	case "number":
		f, ok := val.(float64)
		if !ok {
			return typeErr("number", val)
		}
		if p.minimum != nil && f < *p.minimum {
			return fmt.Errorf("minimum violation (%g)", *p.minimum)
		}
		if p.maximum != nil && f > *p.maximum {
			return fmt.Errorf("maximum violation (%g)", *p.maximum)
		}
	case "boolean":
		if _, ok := val.(bool); !ok {
			return typeErr("boolean", val)
		}
	default:
		return fmt.Errorf("unsupported type %s", p.ptype)
	}
	return nil
}

func typeErr(want string, got any) error {
	return fmt.Errorf("expected %s, got %s", want, reflect.TypeOf(got))
}

// mapDecoder decodes into a *map[string]any destination.
type mapDecoder struct {
	schema *objectSchema
	dst    *map[string]any
}

var _ SchemaDecoder = (*mapDecoder)(nil)

func (d *mapDecoder) Schema() (Schema, error) { return d.schema, nil }

func (d *mapDecoder) Decode(raw map[string]any, dst any) error {
	target := d.dst
	if dst != nil {
		mp, ok := dst.(*map[string]any)
		if !ok || mp == nil {
			return errors.New("elicit: map decode expects *map[string]any destination")
		}
		target = mp
	}
	if err := d.schema.validate(raw); err != nil {
		return err
	}
	cp := make(map[string]any, len(raw))
	for k, v := range raw {
		cp[k] = v
	}
	*target = cp
	return nil
}

func fingerprint(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
