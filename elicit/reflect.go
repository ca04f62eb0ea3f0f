package elicit

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"sync"
)

// BindStruct derives a flat object schema from the concrete struct type
// pointed to by ptr and returns a SchemaDecoder bound to that destination.
//
// Rules:
//   - ptr must be a non-nil pointer to a struct; only exported fields count
//   - the property name comes from the `json` tag (first segment) or the
//     lower-camel field name; json:"-" skips the field
//   - pointer fields are optional, value fields are required
//   - the `jsonschema` tag supports a tiny subset:
//     description=...,enum=a|b|c,minLength=N,maxLength=N,minimum=F,maximum=F
//
// Nested objects, arrays and composition are rejected: the elicitation
// contract is flat primitives so clients stay cheap to implement.
func BindStruct(ptr any) (SchemaDecoder, error) {
	if ptr == nil {
		return nil, errors.New("elicit: nil pointer passed to BindStruct")
	}
	rv := reflect.ValueOf(ptr)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return nil, errors.New("elicit: BindStruct expects a non-nil pointer to struct")
	}
	if rv.Elem().Kind() != reflect.Struct {
		return nil, errors.New("elicit: BindStruct expects a pointer to struct")
	}

	proj, err := projectType(rv.Elem().Type())
	if err != nil {
		return nil, err
	}
	return &structDecoder{schema: proj.schema, bindings: proj.bindings, dst: rv}, nil
}

// MustBindStruct panics on error.
func MustBindStruct(ptr any) SchemaDecoder {
	d, err := BindStruct(ptr)
	if err != nil {
		panic(err)
	}
	return d
}

type fieldBinding struct {
	index int
	typ   reflect.Type
	isPtr bool
}

type projection struct {
	schema   *objectSchema
	bindings map[string]fieldBinding
}

// projCache memoizes projections per struct type; schemas are immutable.
var projCache sync.Map // reflect.Type -> *projection

func projectType(rt reflect.Type) (*projection, error) {
	if v, ok := projCache.Load(rt); ok {
		return v.(*projection), nil
	}

	b := NewBuilder()
	bindings := make(map[string]fieldBinding)

	for i := 0; i < rt.NumField(); i++ {
		f := rt.Field(i)
		if f.PkgPath != "" { // unexported
			continue
		}
		name := jsonName(f)
		if name == "" {
			continue
		}

		ft := f.Type
		isPtr := ft.Kind() == reflect.Pointer
		if isPtr {
			ft = ft.Elem()
		}
		ptype, err := primitiveType(ft.Kind())
		if err != nil {
			return nil, fmt.Errorf("elicit: field %s: %w", f.Name, err)
		}

		opts := []PropOption{Optional()}
		if !isPtr {
			opts[0] = Required()
		}
		var enumVals []string
		for _, tok := range strings.Split(f.Tag.Get("jsonschema"), ",") {
			k, v, found := strings.Cut(tok, "=")
			if !found {
				continue
			}
			switch k {
			case "description":
				opts = append(opts, Description(v))
			case "enum":
				enumVals = strings.Split(v, "|")
			case "minLength":
				if n, err := strconv.Atoi(v); err == nil {
					opts = append(opts, MinLength(n))
				}
			case "maxLength":
				if n, err := strconv.Atoi(v); err == nil {
					opts = append(opts, MaxLength(n))
				}
			case "minimum":
				if fv, err := strconv.ParseFloat(v, 64); err == nil {
					opts = append(opts, Minimum(fv))
				}
			case "maximum":
				if fv, err := strconv.ParseFloat(v, 64); err == nil {
					opts = append(opts, Maximum(fv))
				}
			}
		}

		if len(enumVals) > 0 {
			if ptype != "string" {
				return nil, fmt.Errorf("elicit: field %s: enum requires a string field", f.Name)
			}
			b.EnumString(name, enumVals, opts...)
		} else {
			b.add(name, ptype, opts...)
		}
		bindings[name] = fieldBinding{index: i, typ: f.Type, isPtr: isPtr}
	}

	s, err := b.Build()
	if err != nil {
		return nil, err
	}
	proj := &projection{schema: s.(*objectSchema), bindings: bindings}
	actual, _ := projCache.LoadOrStore(rt, proj)
	return actual.(*projection), nil
}

func jsonName(f reflect.StructField) string {
	tag := f.Tag.Get("json")
	if tag == "" {
		return lowerCamel(f.Name)
	}
	seg := strings.Split(tag, ",")[0]
	if seg == "-" {
		return ""
	}
	if seg == "" {
		return lowerCamel(f.Name)
	}
	return seg
}

func lowerCamel(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}

func primitiveType(k reflect.Kind) (string, error) {
	switch k {
	case reflect.String:
		return "string", nil
	case reflect.Bool:
		return "boolean", nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return "number", nil
	default:
		return "", fmt.Errorf("unsupported kind %s", k)
	}
}

// structDecoder decodes into a struct destination with precomputed bindings.
type structDecoder struct {
	schema   *objectSchema
	bindings map[string]fieldBinding
	dst      reflect.Value // pointer to struct
}

var _ SchemaDecoder = (*structDecoder)(nil)

func (d *structDecoder) Schema() (Schema, error) { return d.schema, nil }

func (d *structDecoder) Decode(raw map[string]any, dst any) error {
	target := d.dst
	if dst != nil {
		v := reflect.ValueOf(dst)
		if v.Kind() != reflect.Pointer || v.IsNil() || v.Elem().Type() != d.dst.Elem().Type() {
			return errors.New("elicit: typed decode destination mismatch")
		}
		target = v
	}

	if err := d.schema.validate(raw); err != nil {
		return err
	}

	// Populate a fresh value so the destination stays untouched on failure.
	fresh := reflect.New(target.Elem().Type()).Elem()
	for name, val := range raw {
		fb, ok := d.bindings[name]
		if !ok {
			continue
		}
		p := d.schema.props[name]
		if p == nil {
			continue
		}
		field := fresh.Field(fb.index)
		if fb.isPtr {
			field.Set(reflect.New(field.Type().Elem()))
			field = field.Elem()
		}
		assignPrimitive(field, val, p.ptype)
	}
	target.Elem().Set(fresh)
	return nil
}

func assignPrimitive(dst reflect.Value, val any, ptype string) {
	switch ptype {
	case "number":
		f := val.(float64)
		switch dst.Kind() {
		case reflect.Float32, reflect.Float64:
			dst.SetFloat(f)
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			dst.SetInt(int64(f))
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			if f < 0 {
				f = 0
			}
			dst.SetUint(uint64(f))
		}
	case "boolean":
		dst.SetBool(val.(bool))
	default: // string, including enums
		dst.SetString(val.(string))
	}
}
