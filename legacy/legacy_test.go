package legacy_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/lolzy2026/mcp-elicitation/elicit"
	"github.com/lolzy2026/mcp-elicitation/legacy"
	"github.com/lolzy2026/mcp-elicitation/tools"
	"github.com/lolzy2026/mcp-elicitation/tools/helpdesk"
)

func newTestAdapter(t *testing.T) (*legacy.Adapter, *legacy.CodeStash) {
	t.Helper()
	reg := tools.NewRegistry()
	stash := legacy.NewCodeStash(time.Minute)
	helpdesk.New("http://auth.example", "http://server.example/callback", stash).Register(reg)
	return legacy.New(reg), stash
}

func TestInvokeCompleteTool(t *testing.T) {
	a, _ := newTestAdapter(t)

	out, err := a.Invoke(context.Background(), "simple_tool", map[string]any{"message": "ping"})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if out.Elicitation != nil {
		t.Fatalf("unexpected elicitation %+v", out.Elicitation)
	}
	if msg, _ := out.Result.(string); msg != "Processed: ping" {
		t.Fatalf("unexpected result %v", out.Result)
	}
}

func TestInvokeUnknownTool(t *testing.T) {
	a, _ := newTestAdapter(t)
	_, err := a.Invoke(context.Background(), "nope", nil)
	if !errors.Is(err, tools.ErrUnknownTool) {
		t.Fatalf("expected ErrUnknownTool, got %v", err)
	}
}

func TestIncompleteInvocationDescribesMissingFields(t *testing.T) {
	a, _ := newTestAdapter(t)

	out, err := a.Invoke(context.Background(), "create_ticket", map[string]any{"initial_description": "no sound"})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if out.Elicitation == nil || out.Elicitation.Kind != elicit.KindForm {
		t.Fatalf("expected a form descriptor, got %+v", out)
	}
	if out.Elicitation.Message != "Please provide ticket details" {
		t.Fatalf("unexpected message %q", out.Elicitation.Message)
	}
	var names []string
	for _, f := range out.Elicitation.Fields {
		names = append(names, f.Name)
	}
	if got := strings.Join(names, ","); got != "reporter_name,priority,description" {
		t.Fatalf("unexpected missing fields %q", got)
	}
}

func TestPartialResendListsOnlyStillMissing(t *testing.T) {
	a, _ := newTestAdapter(t)

	out, err := a.Invoke(context.Background(), "create_ticket", map[string]any{
		"initial_description": "no sound",
		"reporter_name":       "Carol",
		// Empty strings count as missing.
		"priority": "",
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if out.Elicitation == nil {
		t.Fatalf("expected a descriptor, got %+v", out)
	}
	var names []string
	for _, f := range out.Elicitation.Fields {
		names = append(names, f.Name)
	}
	if got := strings.Join(names, ","); got != "priority,description" {
		t.Fatalf("unexpected missing fields %q", got)
	}
}

func TestUnionResendCompletes(t *testing.T) {
	a, _ := newTestAdapter(t)

	args := map[string]any{
		"initial_description": "no sound",
		"reporter_name":       "Carol",
		"priority":            "medium",
		"description":         "speakers muted after update",
	}
	out, err := a.Invoke(context.Background(), "create_ticket", args)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if out.Elicitation != nil {
		t.Fatalf("unexpected elicitation %+v", out.Elicitation)
	}
	ticket, ok := out.Result.(helpdesk.Ticket)
	if !ok {
		t.Fatalf("unexpected result %T", out.Result)
	}
	if !strings.HasPrefix(ticket.ID, "TICKET-") || ticket.ReporterName != "Carol" {
		t.Fatalf("unexpected ticket %+v", ticket)
	}

	// No server-side memory: the same full invocation runs again as a fresh
	// call and yields a distinct ticket.
	again, err := a.Invoke(context.Background(), "create_ticket", args)
	if err != nil {
		t.Fatalf("second invoke: %v", err)
	}
	second := again.Result.(helpdesk.Ticket)
	if second.ID == ticket.ID {
		t.Fatalf("expected a fresh ticket ID, got %q twice", ticket.ID)
	}
}

func TestOAuthURLPassThrough(t *testing.T) {
	a, stash := newTestAdapter(t)

	out, err := a.Invoke(context.Background(), "oauth_auth", map[string]any{})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if out.Elicitation == nil || out.Elicitation.Kind != elicit.KindURL {
		t.Fatalf("expected a url descriptor, got %+v", out)
	}
	if out.Elicitation.StateParam != "state" {
		t.Fatalf("unexpected state param %q", out.Elicitation.StateParam)
	}

	// The tool issued the state embedded in the target; banking a code for it
	// lets the re-invocation complete.
	target := out.Elicitation.Target
	idx := strings.Index(target, "state=")
	if idx < 0 {
		t.Fatalf("expected a state parameter in %q", target)
	}
	state := target[idx+len("state="):]
	if err := stash.Put(state, "AUTH-CODE-ABC"); err != nil {
		t.Fatalf("put code: %v", err)
	}

	done, err := a.Invoke(context.Background(), "oauth_auth", map[string]any{"state": state})
	if err != nil {
		t.Fatalf("re-invoke: %v", err)
	}
	if msg, _ := done.Result.(string); !strings.HasPrefix(msg, "Authentication successful!") {
		t.Fatalf("unexpected result %v", done.Result)
	}

	// The banked code is single-use.
	replay, err := a.Invoke(context.Background(), "oauth_auth", map[string]any{"state": state})
	if err != nil {
		t.Fatalf("replay invoke: %v", err)
	}
	if msg, _ := replay.Result.(string); !strings.HasPrefix(msg, "Authentication failed") {
		t.Fatalf("expected the replay to fail, got %v", replay.Result)
	}
}

func TestSuspendingToolRejectedOnLegacyBoundary(t *testing.T) {
	a, _ := newTestAdapter(t)
	_, err := a.Invoke(context.Background(), "login_v2", map[string]any{})
	if !errors.Is(err, tools.ErrElicitationUnsupported) {
		t.Fatalf("expected ErrElicitationUnsupported, got %v", err)
	}
}
