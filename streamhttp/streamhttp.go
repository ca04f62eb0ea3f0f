// Package streamhttp is the HTTP transport bridge: it accepts tool
// invocations, streams each session's ordered events over SSE, and forwards
// submissions and redirect callbacks to the suspension engine. The legacy
// re-entry boundary is served alongside under /legacy.
package streamhttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"

	"github.com/lolzy2026/mcp-elicitation/engine"
	"github.com/lolzy2026/mcp-elicitation/internal/logctx"
	"github.com/lolzy2026/mcp-elicitation/legacy"
	"github.com/lolzy2026/mcp-elicitation/sessions"
	"github.com/lolzy2026/mcp-elicitation/tools"
)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	acceptableMediaTypes  = []contenttype.MediaType{jsonMediaType, eventStreamMediaType}
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

const (
	lastEventIDHeader   = "Last-Event-ID"
	sessionTokenHeader  = "Elicit-Session"
	callbackSuccessHTML = "<html><body><h1>Authentication Successful</h1><p>You can close this tab and return to the chat.</p></body></html>"
)

// Handler is the HTTP surface over one engine instance.
//
// Routes:
//
//	POST /invoke            start a tool invocation (JSON ack or inline SSE)
//	GET  /sessions/{token}/events   (re)attach to a session's event stream
//	POST /submit            resolve a form elicitation
//	GET  /callback          resolve a url elicitation from a redirect
//	POST /legacy/invoke     stateless re-entry invocation
//	GET  /tools             tool listing
type Handler struct {
	eng     *engine.Engine
	host    sessions.Host
	toolReg *tools.Registry
	adapter *legacy.Adapter
	stash   *legacy.CodeStash
	tokens  *SessionTokens
	log     *slog.Logger
	mux     *http.ServeMux
}

var _ http.Handler = (*Handler)(nil)

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.log = l
		}
	}
}

// WithLegacy serves the stateless re-entry boundary through adapter.
func WithLegacy(adapter *legacy.Adapter) Option {
	return func(h *Handler) { h.adapter = adapter }
}

// WithCodeStash lets the callback endpoint bank authorization codes for
// re-entry states the engine does not know.
func WithCodeStash(stash *legacy.CodeStash) Option {
	return func(h *Handler) { h.stash = stash }
}

// WithSessionTokens wraps session IDs in signed tokens on the wire.
func WithSessionTokens(st *SessionTokens) Option {
	return func(h *Handler) { h.tokens = st }
}

// New builds the HTTP handler over eng.
func New(eng *engine.Engine, host sessions.Host, toolReg *tools.Registry, opts ...Option) *Handler {
	h := &Handler{
		eng:     eng,
		host:    host,
		toolReg: toolReg,
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /invoke", h.handleInvoke)
	mux.HandleFunc("GET /sessions/{token}/events", h.handleEvents)
	mux.HandleFunc("POST /submit", h.handleSubmit)
	mux.HandleFunc("GET /callback", h.handleCallback)
	mux.HandleFunc("POST /legacy/invoke", h.handleLegacyInvoke)
	mux.HandleFunc("GET /tools", h.handleTools)
	h.mux = mux
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})
	h.mux.ServeHTTP(w, r.WithContext(ctx))
}

// mintSession wraps a registry ID for the wire.
func (h *Handler) mintSession(sessionID string) (string, error) {
	if h.tokens == nil {
		return sessionID, nil
	}
	return h.tokens.Mint(sessionID)
}

// resolveSession inverts mintSession.
func (h *Handler) resolveSession(wireToken string) (string, error) {
	if h.tokens == nil {
		return wireToken, nil
	}
	return h.tokens.SessionID(wireToken)
}

type invokeRequest struct {
	Tool      string          `json:"tool"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

func (h *Handler) handleInvoke(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()

	var req invokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.Tool == "" {
		writeJSONError(w, http.StatusBadRequest, "missing tool name")
		return
	}

	accepted, _, negErr := contenttype.GetAcceptableMediaType(r, acceptableMediaTypes)

	sessionID, err := h.eng.Invoke(ctx, req.Tool, req.Arguments)
	if err != nil {
		if errors.Is(err, tools.ErrUnknownTool) {
			writeJSONError(w, http.StatusNotFound, err.Error())
			return
		}
		h.writeProtocolError(w, err)
		return
	}
	wireToken, err := h.mintSession(sessionID)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to mint session token")
		return
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessionID})
	h.log.InfoContext(ctx, "invoke.accept",
		slog.String("tool", req.Tool),
		slog.Duration("dur", time.Since(start)))

	if negErr == nil && accepted.Type == "text" && accepted.Subtype == "event-stream" {
		w.Header().Set(sessionTokenHeader, wireToken)
		h.streamSession(w, r, sessionID, "")
		return
	}

	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]any{"session": wireToken})
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		w.WriteHeader(http.StatusUnsupportedMediaType)
		return
	}
	sessionID, err := h.resolveSession(r.PathValue("token"))
	if err != nil {
		writeJSONError(w, http.StatusUnauthorized, "invalid session token")
		return
	}
	h.streamSession(w, r, sessionID, r.Header.Get(lastEventIDHeader))
}

// errStreamDone stops the subscription after a terminal event was delivered.
var errStreamDone = errors.New("stream done")

// streamSession writes the session's events as SSE until the session reaches
// a terminal event or the client goes away.
func (h *Handler) streamSession(w http.ResponseWriter, r *http.Request, sessionID, lastEventID string) {
	ctx := logctx.WithSessionData(r.Context(), &logctx.SessionData{SessionID: sessionID})
	f, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}
	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	wf.Flush()

	h.log.InfoContext(ctx, "sse.stream.start")

	err := h.host.SubscribeSession(ctx, sessionID, lastEventID, func(cbCtx context.Context, eventID string, data []byte) error {
		var ev engine.Event
		if uerr := json.Unmarshal(data, &ev); uerr != nil {
			h.log.WarnContext(cbCtx, "sse.event.malformed", slog.String("err", uerr.Error()))
			return nil
		}
		if werr := writeSSEEvent(wf, eventID, ev.Type, data); werr != nil {
			return werr
		}
		switch ev.Type {
		case engine.EventResult, engine.EventError, engine.EventExpired:
			return errStreamDone
		}
		return nil
	})
	switch {
	case err == nil, errors.Is(err, errStreamDone), errors.Is(err, context.Canceled):
		h.log.InfoContext(ctx, "sse.stream.end")
	default:
		h.log.WarnContext(ctx, "sse.stream.fail", slog.String("err", err.Error()))
	}
}

type submitRequest struct {
	Token   string         `json:"token"`
	Payload map[string]any `json:"payload"`
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.Token == "" {
		writeJSONError(w, http.StatusBadRequest, "missing correlation token")
		return
	}
	if err := h.eng.Submit(ctx, req.Token, req.Payload); err != nil {
		var pe *sessions.ProtocolError
		if !errors.As(err, &pe) {
			// Validation failure: the elicitation stays pending.
			writeJSONError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		h.writeProtocolError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()
	state := q.Get("state")
	code := q.Get("code")
	if state == "" || code == "" {
		http.Error(w, "Missing code or state", http.StatusBadRequest)
		return
	}

	params := make(map[string]any, len(q))
	for k := range q {
		params[k] = q.Get(k)
	}

	err := h.eng.Callback(ctx, state, params)
	if err != nil && errors.Is(err, sessions.ErrInvalidCallbackState) && h.stash != nil {
		// Not a suspended session's state: try the stateless re-entry flow,
		// which banks the code until the tool is invoked again.
		err = h.stash.Put(state, code)
	}
	if err != nil {
		h.log.WarnContext(ctx, "callback.reject", slog.String("err", err.Error()))
		h.writeProtocolError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = io.WriteString(w, callbackSuccessHTML)
}

func (h *Handler) handleLegacyInvoke(w http.ResponseWriter, r *http.Request) {
	if h.adapter == nil {
		writeJSONError(w, http.StatusNotFound, "legacy boundary not enabled")
		return
	}
	ctx := r.Context()
	var req struct {
		Tool      string         `json:"tool"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	outcome, err := h.adapter.Invoke(ctx, req.Tool, req.Arguments)
	if err != nil {
		if errors.Is(err, tools.ErrUnknownTool) {
			writeJSONError(w, http.StatusNotFound, err.Error())
			return
		}
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", jsonMediaType.String())
	_ = json.NewEncoder(w).Encode(outcome)
}

type toolListing struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	InputSchema any    `json:"input_schema,omitempty"`
}

func (h *Handler) handleTools(w http.ResponseWriter, r *http.Request) {
	list := h.toolReg.List()
	out := make([]toolListing, 0, len(list))
	for _, t := range list {
		out = append(out, toolListing{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema})
	}
	w.Header().Set("Content-Type", jsonMediaType.String())
	_ = json.NewEncoder(w).Encode(map[string]any{"tools": out})
}

// writeProtocolError maps the stable error taxonomy onto HTTP statuses,
// surfacing the code verbatim.
func (h *Handler) writeProtocolError(w http.ResponseWriter, err error) {
	var pe *sessions.ProtocolError
	if !errors.As(err, &pe) {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	status := http.StatusInternalServerError
	switch pe.Code {
	case sessions.ErrSessionNotFound.Code:
		status = http.StatusNotFound
	case sessions.ErrInvalidStateTransition.Code, sessions.ErrAlreadyResolved.Code:
		status = http.StatusConflict
	case sessions.ErrExpired.Code:
		status = http.StatusGone
	case sessions.ErrInvalidCallbackState.Code:
		status = http.StatusBadRequest
	case sessions.ErrDeliveryUnavailable.Code:
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": pe.Code, "message": pe.Message}})
}

// writeJSONError emits a minimal JSON body for transport-level rejections.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

// lockedWriteFlusher serializes concurrent writes/flushes and avoids writing
// after ctx is canceled.
type lockedWriteFlusher struct {
	io.Writer
	http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

func (l *lockedWriteFlusher) Write(p []byte) (int, error) {
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	return l.Writer.Write(p)
}

func (l *lockedWriteFlusher) Flush() {
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.Flusher.Flush()
}

// writeSSEEvent writes one Server-Sent Event frame.
func writeSSEEvent(wf *lockedWriteFlusher, eventID, eventType string, payload []byte) error {
	if eventID != "" {
		if _, err := fmt.Fprintf(wf, "id: %s\n", eventID); err != nil {
			return fmt.Errorf("failed to write SSE event ID: %w", err)
		}
	}
	if eventType != "" {
		if _, err := fmt.Fprintf(wf, "event: %s\n", eventType); err != nil {
			return fmt.Errorf("failed to write SSE event type: %w", err)
		}
	}
	if _, err := wf.Write([]byte("data: ")); err != nil {
		return fmt.Errorf("failed to write SSE data prefix: %w", err)
	}
	if _, err := wf.Write(payload); err != nil {
		return fmt.Errorf("failed to write SSE payload: %w", err)
	}
	if _, err := wf.Write([]byte("\n\n")); err != nil {
		return fmt.Errorf("failed to write SSE frame terminator: %w", err)
	}
	wf.Flush()
	return nil
}
