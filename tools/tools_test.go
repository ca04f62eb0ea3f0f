package tools

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/lolzy2026/mcp-elicitation/elicit"
)

type echoArgs struct {
	Message string `json:"message"`
}

func TestNewReflectsSchemaAndDecodes(t *testing.T) {
	tool := New("echo", func(ctx context.Context, el Elicitor, args echoArgs) (any, error) {
		return "got: " + args.Message, nil
	}, WithDescription("echoes the message"))

	if tool.Name != "echo" || tool.Description != "echoes the message" {
		t.Fatalf("descriptor mismatch: %+v", tool)
	}
	if tool.InputSchema == nil || tool.InputSchema.Type != "object" {
		t.Fatalf("expected reflected object schema")
	}
	if _, ok := tool.InputSchema.Properties.Get("message"); !ok {
		t.Fatalf("schema missing message property")
	}

	res, err := tool.Call(context.Background(), NoSuspend{}, json.RawMessage(`{"message":"hi"}`))
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if res != "got: hi" {
		t.Fatalf("unexpected result %v", res)
	}
}

func TestStrictArgumentDecoding(t *testing.T) {
	tool := New("echo", func(ctx context.Context, el Elicitor, args echoArgs) (any, error) {
		return args.Message, nil
	})
	if _, err := tool.Call(context.Background(), NoSuspend{}, json.RawMessage(`{"message":"hi","extra":1}`)); err == nil {
		t.Fatal("unknown key must be rejected under strict decoding")
	}

	lenient := New("echo2", func(ctx context.Context, el Elicitor, args echoArgs) (any, error) {
		return args.Message, nil
	}, WithUnknownKeys())
	if _, err := lenient.Call(context.Background(), NoSuspend{}, json.RawMessage(`{"message":"hi","extra":1}`)); err != nil {
		t.Fatalf("lenient decoding rejected unknown key: %v", err)
	}
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	a := New("a", func(ctx context.Context, el Elicitor, args struct{}) (any, error) { return nil, nil })
	b := New("b", func(ctx context.Context, el Elicitor, args struct{}) (any, error) { return nil, nil })
	reg.MustRegister(b, a)

	if err := reg.Register(a); err == nil {
		t.Fatal("duplicate registration must fail")
	}
	if _, ok := reg.Get("a"); !ok {
		t.Fatal("lookup failed")
	}
	if _, ok := reg.Get("missing"); ok {
		t.Fatal("unexpected hit")
	}
	list := reg.List()
	if len(list) != 2 || list[0].Name != "b" || list[1].Name != "a" {
		t.Fatalf("List must preserve registration order, got %v", list)
	}
}

type nameModel struct {
	Name string `json:"name"`
}

type captureElicitor struct {
	message string
	schema  elicit.Schema
	reply   map[string]any
	err     error
}

func (c *captureElicitor) Form(ctx context.Context, message string, schema elicit.Schema) (map[string]any, error) {
	c.message = message
	c.schema = schema
	return c.reply, c.err
}

func (c *captureElicitor) URL(ctx context.Context, message, target string) (map[string]any, error) {
	return nil, errors.New("unused")
}

func TestElicitForm(t *testing.T) {
	el := &captureElicitor{reply: map[string]any{"name": "Alice"}}
	got, err := ElicitForm[nameModel](context.Background(), el, "What is the patient's name?")
	if err != nil {
		t.Fatalf("elicit: %v", err)
	}
	if got.Name != "Alice" {
		t.Fatalf("decode mismatch: %+v", got)
	}
	if el.message != "What is the patient's name?" {
		t.Fatalf("message not forwarded: %q", el.message)
	}
	fields := el.schema.Fields()
	if len(fields) != 1 || fields[0].Name != "name" || !fields[0].Required {
		t.Fatalf("unexpected schema fields %+v", fields)
	}
}

func TestElicitFormValidatesSubmission(t *testing.T) {
	el := &captureElicitor{reply: map[string]any{}}
	if _, err := ElicitForm[nameModel](context.Background(), el, "name?"); err == nil {
		t.Fatal("missing required field must fail decode")
	}
}

func TestNoSuspend(t *testing.T) {
	var el Elicitor = NoSuspend{}
	if _, err := el.Form(context.Background(), "m", nil); !errors.Is(err, ErrElicitationUnsupported) {
		t.Fatalf("expected ErrElicitationUnsupported, got %v", err)
	}
	if _, err := el.URL(context.Background(), "m", "t"); !errors.Is(err, ErrElicitationUnsupported) {
		t.Fatalf("expected ErrElicitationUnsupported, got %v", err)
	}
}
