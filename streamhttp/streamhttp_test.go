package streamhttp

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/lolzy2026/mcp-elicitation/elicit"
	"github.com/lolzy2026/mcp-elicitation/engine"
	"github.com/lolzy2026/mcp-elicitation/legacy"
	"github.com/lolzy2026/mcp-elicitation/sessions"
	"github.com/lolzy2026/mcp-elicitation/sessions/memoryhost"
	"github.com/lolzy2026/mcp-elicitation/tools"
	"github.com/lolzy2026/mcp-elicitation/tools/helpdesk"
)

func newTestServer(t *testing.T, opts ...Option) *httptest.Server {
	t.Helper()
	reg := sessions.NewRegistry()
	host := memoryhost.New()
	stash := legacy.NewCodeStash(time.Minute)

	toolReg := tools.NewRegistry()
	helpdesk.New("http://auth.example", "http://server.example/callback", stash).Register(toolReg)

	eng := engine.New(reg, host, toolReg,
		engine.WithRetireAfter(time.Hour),
		engine.WithSweepInterval(50*time.Millisecond))
	t.Cleanup(eng.Close)

	base := []Option{
		WithLegacy(legacy.New(toolReg)),
		WithCodeStash(stash),
	}
	h := New(eng, host, toolReg, append(base, opts...)...)
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, ts *httptest.Server, path string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	resp, err := ts.Client().Post(ts.URL+path, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, dst any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		t.Fatalf("decode response body: %v", err)
	}
}

func invoke(t *testing.T, ts *httptest.Server, tool string, args any) string {
	t.Helper()
	resp := postJSON(t, ts, "/invoke", map[string]any{"tool": tool, "arguments": args})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202 from /invoke, got %d", resp.StatusCode)
	}
	var ack struct {
		Session string `json:"session"`
	}
	decodeBody(t, resp, &ack)
	if ack.Session == "" {
		t.Fatal("expected a session token in the invoke ack")
	}
	return ack.Session
}

type sseFrame struct {
	id    string
	event string
	data  []byte
}

// streamFrames attaches to a session's event stream and forwards parsed SSE
// frames. The channel closes when the server ends the stream.
func streamFrames(t *testing.T, ts *httptest.Server, sessionToken, lastEventID string) <-chan sseFrame {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, ts.URL+"/sessions/"+url.PathEscape(sessionToken)+"/events", nil)
	if err != nil {
		t.Fatalf("build stream request: %v", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		t.Fatalf("expected 200 from event stream, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		resp.Body.Close()
		t.Fatalf("expected an event-stream content type, got %q", ct)
	}

	ch := make(chan sseFrame, 16)
	go func() {
		defer close(ch)
		defer resp.Body.Close()
		var frame sseFrame
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			line := sc.Text()
			switch {
			case line == "":
				if len(frame.data) > 0 {
					ch <- frame
				}
				frame = sseFrame{}
			case strings.HasPrefix(line, "id: "):
				frame.id = strings.TrimPrefix(line, "id: ")
			case strings.HasPrefix(line, "event: "):
				frame.event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				frame.data = append(frame.data, strings.TrimPrefix(line, "data: ")...)
			}
		}
	}()
	return ch
}

func waitFrame(t *testing.T, ch <-chan sseFrame, wantEvent string) engine.Event {
	t.Helper()
	select {
	case frame, ok := <-ch:
		if !ok {
			t.Fatalf("stream closed while waiting for %s frame", wantEvent)
		}
		if frame.event != wantEvent {
			t.Fatalf("expected %s frame, got %q (%s)", wantEvent, frame.event, frame.data)
		}
		if frame.id == "" {
			t.Fatal("expected a frame ID")
		}
		var ev engine.Event
		if err := json.Unmarshal(frame.data, &ev); err != nil {
			t.Fatalf("unmarshal frame data: %v", err)
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s frame", wantEvent)
		return engine.Event{}
	}
}

func expectErrorBody(t *testing.T, resp *http.Response, wantStatus int, wantCode any) {
	t.Helper()
	if resp.StatusCode != wantStatus {
		t.Fatalf("expected status %d, got %d", wantStatus, resp.StatusCode)
	}
	var body struct {
		Error struct {
			Code    any    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	decodeBody(t, resp, &body)
	got := fmt.Sprintf("%v", body.Error.Code)
	if got != fmt.Sprintf("%v", wantCode) {
		t.Fatalf("expected error code %v, got %v (%s)", wantCode, body.Error.Code, body.Error.Message)
	}
}

func TestInvokeAckAndResultStream(t *testing.T) {
	ts := newTestServer(t)

	tok := invoke(t, ts, "simple_tool", map[string]any{"message": "hi"})
	frames := streamFrames(t, ts, tok, "")

	ev := waitFrame(t, frames, engine.EventResult)
	res, ok := ev.Result.(string)
	if !ok || res != "Processed: hi" {
		t.Fatalf("unexpected result %v", ev.Result)
	}
	if _, more := <-frames; more {
		t.Fatal("expected the stream to end after the result event")
	}
}

func TestInvokeInlineStream(t *testing.T) {
	ts := newTestServer(t)

	raw, _ := json.Marshal(map[string]any{"tool": "simple_tool", "arguments": map[string]any{"message": "now"}})
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/invoke", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("POST /invoke: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if resp.Header.Get(sessionTokenHeader) == "" {
		t.Fatal("expected the session token header on an inline stream")
	}
	body := new(bytes.Buffer)
	if _, err := body.ReadFrom(resp.Body); err != nil {
		t.Fatalf("read stream: %v", err)
	}
	if !strings.Contains(body.String(), "event: result") || !strings.Contains(body.String(), "Processed: now") {
		t.Fatalf("unexpected stream body:\n%s", body.String())
	}
}

func TestInvokeUnknownTool(t *testing.T) {
	ts := newTestServer(t)
	resp := postJSON(t, ts, "/invoke", map[string]any{"tool": "nope"})
	expectErrorBody(t, resp, http.StatusNotFound, http.StatusNotFound)
}

func TestFormSubmissionRoundTrip(t *testing.T) {
	ts := newTestServer(t)

	tok := invoke(t, ts, "create_ticket_v2", map[string]any{"initial_description": "printer is on fire"})
	frames := streamFrames(t, ts, tok, "")

	ev := waitFrame(t, frames, engine.EventElicitation)
	if ev.Token == "" || ev.Elicitation == nil || ev.Elicitation.Kind != elicit.KindForm {
		t.Fatalf("unexpected elicitation event %+v", ev)
	}
	if len(ev.Elicitation.Fields) != 3 {
		t.Fatalf("expected 3 form fields, got %v", ev.Elicitation.Fields)
	}

	// Unknown token.
	resp := postJSON(t, ts, "/submit", map[string]any{"token": "bogus", "payload": map[string]any{}})
	expectErrorBody(t, resp, http.StatusNotFound, "session_not_found")

	// Invalid payload leaves the elicitation pending.
	resp = postJSON(t, ts, "/submit", map[string]any{
		"token":   ev.Token,
		"payload": map[string]any{"reporter_name": "Alice"},
	})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for an invalid payload, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = postJSON(t, ts, "/submit", map[string]any{
		"token": ev.Token,
		"payload": map[string]any{
			"reporter_name": "Alice",
			"priority":      "high",
			"description":   "paper tray jammed",
		},
	})
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204 from /submit, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	res := waitFrame(t, frames, engine.EventResult)
	ticket, ok := res.Result.(map[string]any)
	if !ok {
		t.Fatalf("unexpected result %v", res.Result)
	}
	if id, _ := ticket["id"].(string); !strings.HasPrefix(id, "TICKET-V2-") {
		t.Fatalf("unexpected ticket ID %v", ticket["id"])
	}

	// Replay is rejected.
	resp = postJSON(t, ts, "/submit", map[string]any{
		"token":   ev.Token,
		"payload": map[string]any{"reporter_name": "Alice", "priority": "high", "description": "again"},
	})
	expectErrorBody(t, resp, http.StatusConflict, "already_resolved")
}

func TestURLCallbackRoundTrip(t *testing.T) {
	ts := newTestServer(t)

	tok := invoke(t, ts, "login_v2", map[string]any{})
	frames := streamFrames(t, ts, tok, "")

	ev := waitFrame(t, frames, engine.EventElicitation)
	if ev.Elicitation == nil || ev.Elicitation.Kind != elicit.KindURL {
		t.Fatalf("unexpected elicitation event %+v", ev)
	}
	if !strings.Contains(ev.Elicitation.Target, "state="+url.QueryEscape(ev.Token)) {
		t.Fatalf("expected the target to carry the state token, got %q", ev.Elicitation.Target)
	}

	// A state nobody issued is rejected.
	resp, err := ts.Client().Get(ts.URL + "/callback?state=bogus&code=AUTH-1")
	if err != nil {
		t.Fatalf("GET /callback: %v", err)
	}
	expectErrorBody(t, resp, http.StatusBadRequest, "invalid_callback_state")

	resp, err = ts.Client().Get(ts.URL + "/callback?state=" + url.QueryEscape(ev.Token) + "&code=AUTH-2")
	if err != nil {
		t.Fatalf("GET /callback: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from /callback, got %d", resp.StatusCode)
	}
	page := new(bytes.Buffer)
	if _, err := page.ReadFrom(resp.Body); err != nil {
		t.Fatalf("read callback page: %v", err)
	}
	if !strings.Contains(page.String(), "Authentication Successful") {
		t.Fatalf("unexpected callback page:\n%s", page.String())
	}

	res := waitFrame(t, frames, engine.EventResult)
	if msg, _ := res.Result.(string); !strings.Contains(msg, "Authentication successful (v2)") {
		t.Fatalf("unexpected result %v", res.Result)
	}
}

func TestCallbackMissingParams(t *testing.T) {
	ts := newTestServer(t)
	resp, err := ts.Client().Get(ts.URL + "/callback?state=only-state")
	if err != nil {
		t.Fatalf("GET /callback: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestLegacyReentry(t *testing.T) {
	ts := newTestServer(t)

	resp := postJSON(t, ts, "/legacy/invoke", map[string]any{
		"tool":      "create_ticket",
		"arguments": map[string]any{"initial_description": "toner out"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var out legacy.Outcome
	decodeBody(t, resp, &out)
	if out.Elicitation == nil || len(out.Elicitation.Fields) != 3 {
		t.Fatalf("expected a descriptor with 3 missing fields, got %+v", out.Elicitation)
	}

	resp = postJSON(t, ts, "/legacy/invoke", map[string]any{
		"tool": "create_ticket",
		"arguments": map[string]any{
			"initial_description": "toner out",
			"reporter_name":       "Bob",
			"priority":            "low",
			"description":         "replace cartridge",
		},
	})
	var done legacy.Outcome
	decodeBody(t, resp, &done)
	if done.Elicitation != nil {
		t.Fatalf("expected a result, got another elicitation %+v", done.Elicitation)
	}
	ticket, ok := done.Result.(map[string]any)
	if !ok {
		t.Fatalf("unexpected result %v", done.Result)
	}
	if id, _ := ticket["id"].(string); !strings.HasPrefix(id, "TICKET-") {
		t.Fatalf("unexpected ticket ID %v", ticket["id"])
	}
}

func TestLegacyOAuthCodeStash(t *testing.T) {
	ts := newTestServer(t)

	resp := postJSON(t, ts, "/legacy/invoke", map[string]any{"tool": "oauth_auth", "arguments": map[string]any{}})
	var out legacy.Outcome
	decodeBody(t, resp, &out)
	if out.Elicitation == nil || out.Elicitation.Kind != elicit.KindURL {
		t.Fatalf("expected a url descriptor, got %+v", out)
	}
	target, err := url.Parse(out.Elicitation.Target)
	if err != nil {
		t.Fatalf("parse target: %v", err)
	}
	state := target.Query().Get("state")
	if state == "" {
		t.Fatalf("expected a state parameter in %q", out.Elicitation.Target)
	}

	cbResp, err := ts.Client().Get(ts.URL + "/callback?state=" + url.QueryEscape(state) + "&code=AUTH-CODE-123")
	if err != nil {
		t.Fatalf("GET /callback: %v", err)
	}
	cbResp.Body.Close()
	if cbResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from /callback, got %d", cbResp.StatusCode)
	}

	resp = postJSON(t, ts, "/legacy/invoke", map[string]any{
		"tool":      "oauth_auth",
		"arguments": map[string]any{"state": state},
	})
	var done legacy.Outcome
	decodeBody(t, resp, &done)
	if msg, _ := done.Result.(string); !strings.Contains(msg, "Authentication successful!") {
		t.Fatalf("unexpected result %v", done.Result)
	}
}

func TestToolsListing(t *testing.T) {
	ts := newTestServer(t)
	resp, err := ts.Client().Get(ts.URL + "/tools")
	if err != nil {
		t.Fatalf("GET /tools: %v", err)
	}
	var body struct {
		Tools []struct {
			Name        string `json:"name"`
			InputSchema any    `json:"input_schema"`
		} `json:"tools"`
	}
	decodeBody(t, resp, &body)
	names := make(map[string]bool, len(body.Tools))
	for _, tl := range body.Tools {
		names[tl.Name] = true
	}
	for _, want := range []string{"simple_tool", "create_ticket", "oauth_auth", "create_ticket_v2", "login_v2", "book_appointment_v2"} {
		if !names[want] {
			t.Fatalf("expected tool %q in listing, got %v", want, names)
		}
	}
}

func TestSignedSessionTokens(t *testing.T) {
	st, err := NewSessionTokens(WithTokenIssuer("elicitd"), WithTokenTTL(time.Hour))
	if err != nil {
		t.Fatalf("new session tokens: %v", err)
	}
	ts := newTestServer(t, WithSessionTokens(st))

	tok := invoke(t, ts, "simple_tool", map[string]any{"message": "signed"})
	if strings.Count(tok, ".") != 2 {
		t.Fatalf("expected a compact JWS session token, got %q", tok)
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/sessions/garbage/events", nil)
	req.Header.Set("Accept", "text/event-stream")
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a garbage session token, got %d", resp.StatusCode)
	}

	frames := streamFrames(t, ts, tok, "")
	ev := waitFrame(t, frames, engine.EventResult)
	if msg, _ := ev.Result.(string); msg != "Processed: signed" {
		t.Fatalf("unexpected result %v", ev.Result)
	}
}
