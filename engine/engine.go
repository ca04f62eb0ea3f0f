// Package engine is the suspension engine: it executes tool invocations,
// pauses them at elicitation points, and resumes them when the correlated
// submission or callback arrives.
//
// Each invocation runs on its own goroutine. A suspension registers a
// correlation token, parks the session in the registry, publishes the
// descriptor on the session's event stream, and blocks on a one-shot host
// rendezvous. The blocked goroutine plus the cancel handle the engine keeps
// for it form the continuation: it is woken exactly once, either by a
// resolution or by expiry.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/lolzy2026/mcp-elicitation/elicit"
	"github.com/lolzy2026/mcp-elicitation/internal/correlation"
	"github.com/lolzy2026/mcp-elicitation/internal/logctx"
	"github.com/lolzy2026/mcp-elicitation/metrics"
	"github.com/lolzy2026/mcp-elicitation/sessions"
	"github.com/lolzy2026/mcp-elicitation/tools"
)

const (
	defaultElicitationTTL = 5 * time.Minute
	defaultSessionIdle    = 30 * time.Minute
	defaultSweepInterval  = 5 * time.Second
	defaultRetireAfter    = 30 * time.Second
)

// stateParamName is the callback query parameter carrying the correlation
// state for url elicitations.
const stateParamName = "state"

// Engine coordinates the session registry, the correlation table and the
// transport host to run suspendable tool invocations.
type Engine struct {
	registry *sessions.Registry
	table    *correlation.Table
	host     sessions.Host
	tools    *tools.Registry
	met      *metrics.Metrics
	log      *slog.Logger

	elicitTTL   time.Duration
	sessionIdle time.Duration
	sweepEvery  time.Duration
	retireAfter time.Duration

	mu      sync.Mutex
	cancels map[string]context.CancelCauseFunc
	pending map[string]pendingRecord // token -> record
	closed  bool

	wg   sync.WaitGroup
	done chan struct{}
}

// pendingRecord lets the boundary validate a submission before the token is
// consumed, so a malformed payload is rejected while the elicitation stays
// pending.
type pendingRecord struct {
	sessionID string
	kind      elicit.Kind
	schema    elicit.Schema // nil for url elicitations
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithMetrics sets a shared metrics collector.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		if m != nil {
			e.met = m
		}
	}
}

// WithElicitationTTL bounds how long one elicitation may stay pending.
func WithElicitationTTL(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.elicitTTL = d
		}
	}
}

// WithSessionIdleTTL bounds how long an inactive session survives.
func WithSessionIdleTTL(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.sessionIdle = d
		}
	}
}

// WithSweepInterval sets the expiry sweep period.
func WithSweepInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.sweepEvery = d
		}
	}
}

// WithRetireAfter sets the grace between a session reaching a terminal state
// and its registry eviction plus host cleanup, leaving the final event
// readable by a late subscriber.
func WithRetireAfter(d time.Duration) Option {
	return func(e *Engine) {
		if d >= 0 {
			e.retireAfter = d
		}
	}
}

// New wires an Engine and starts its background sweep. The correlation
// table is owned by the engine; nothing else resolves tokens directly.
func New(reg *sessions.Registry, host sessions.Host, toolReg *tools.Registry, opts ...Option) *Engine {
	e := &Engine{
		registry:    reg,
		host:        host,
		tools:       toolReg,
		met:         metrics.New(),
		log:         slog.Default(),
		elicitTTL:   defaultElicitationTTL,
		sessionIdle: defaultSessionIdle,
		sweepEvery:  defaultSweepInterval,
		retireAfter: defaultRetireAfter,
		cancels:     make(map[string]context.CancelCauseFunc),
		pending:     make(map[string]pendingRecord),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.table = correlation.NewTable(correlation.WithTableLogger(e.log))
	e.wg.Add(1)
	go e.sweepLoop()
	return e
}

// Close stops the sweep, cancels every running invocation and waits for them
// to unwind.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	cancels := make([]context.CancelCauseFunc, 0, len(e.cancels))
	for _, c := range e.cancels {
		cancels = append(cancels, c)
	}
	e.mu.Unlock()

	close(e.done)
	for _, c := range cancels {
		c(context.Canceled)
	}
	e.wg.Wait()
}

// Invoke creates a session and starts toolName on its own goroutine. The
// invocation outlives the calling request; its progress is reported on the
// session's event stream.
func (e *Engine) Invoke(ctx context.Context, toolName string, raw json.RawMessage) (string, error) {
	t, ok := e.tools.Get(toolName)
	if !ok {
		return "", fmt.Errorf("%w: %s", tools.ErrUnknownTool, toolName)
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return "", errors.New("engine closed")
	}
	sessionID := e.registry.Create()
	runCtx, cancel := context.WithCancelCause(context.Background())
	e.cancels[sessionID] = cancel
	e.wg.Add(1)
	e.mu.Unlock()

	e.met.SessionsCreated.Inc()
	e.met.SessionsActive.Inc()

	go e.run(runCtx, sessionID, t, raw)
	return sessionID, nil
}

func (e *Engine) run(ctx context.Context, sessionID string, t tools.Tool, raw json.RawMessage) {
	defer e.wg.Done()
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessionID})
	ctx = logctx.WithToolCallData(ctx, &logctx.ToolCallData{ToolName: t.Name})

	start := time.Now()
	el := &sessionElicitor{eng: e, sessionID: sessionID}
	res, err := t.Call(ctx, el, raw)
	e.met.InvocationDurations.WithLabelValues(t.Name).Observe(time.Since(start).Seconds())
	e.finish(ctx, sessionID, t.Name, res, err)
}

func (e *Engine) finish(ctx context.Context, sessionID, toolName string, res any, err error) {
	defer e.release(sessionID)

	switch {
	case err == nil:
		if terr := e.registry.Transition(sessionID, sessions.StateCompleted, sessions.StateInitial, sessions.StateResuming); terr != nil {
			// The session already reached a terminal state (idle sweep,
			// concurrent expiry); still tear its stream down.
			e.log.WarnContext(ctx, "engine.complete.err", slog.String("err", terr.Error()))
			e.retire(sessionID)
			return
		}
		e.publish(sessionID, Event{Type: EventResult, Tool: toolName, Result: res})
		e.met.ToolInvocations.WithLabelValues(toolName, "completed").Inc()
		e.retire(sessionID)

	case errors.Is(err, sessions.ErrExpired):
		// The expiry path already transitioned the session and published
		// the expired event. Guard the narrow race where a resolution won
		// the token but its payload missed the waiter.
		if s, gerr := e.registry.Get(sessionID); gerr == nil && !s.State.Terminal() {
			_ = e.registry.Fail(sessionID)
			e.publish(sessionID, Event{Type: EventError, Tool: toolName, Code: sessions.ErrExpired.Code, Message: sessions.ErrExpired.Message})
		}
		e.met.ToolInvocations.WithLabelValues(toolName, "expired").Inc()
		e.retire(sessionID)

	case errors.Is(err, context.Canceled):
		e.log.InfoContext(ctx, "engine.invocation.canceled")
		e.met.ToolInvocations.WithLabelValues(toolName, "canceled").Inc()

	default:
		if ferr := e.registry.Fail(sessionID); ferr != nil {
			e.log.WarnContext(ctx, "engine.fail.err", slog.String("err", ferr.Error()))
		}
		e.publish(sessionID, Event{Type: EventError, Tool: toolName, Code: sessions.ErrToolFailure.Code, Message: err.Error()})
		e.log.ErrorContext(ctx, "engine.invocation.failed", slog.String("err", err.Error()))
		e.met.ToolInvocations.WithLabelValues(toolName, "failed").Inc()
		e.retire(sessionID)
	}
}

// release drops the continuation handle for sessionID.
func (e *Engine) release(sessionID string) {
	e.mu.Lock()
	cancel := e.cancels[sessionID]
	delete(e.cancels, sessionID)
	e.mu.Unlock()
	if cancel != nil {
		cancel(context.Canceled)
	}
}

// retire evicts the session and tears down its host stream after a grace
// period, so the terminal event stays observable briefly.
func (e *Engine) retire(sessionID string) {
	time.AfterFunc(e.retireAfter, func() {
		if err := e.registry.Evict(sessionID); err == nil {
			e.met.SessionsEvicted.Inc()
			e.met.SessionsActive.Dec()
		}
		if err := e.host.CleanupSession(context.Background(), sessionID); err != nil {
			e.log.Warn("engine.retire.cleanup_err",
				slog.String("session_id", sessionID),
				slog.String("err", err.Error()))
		}
	})
}

// suspend is the single elicitation primitive: register, park, deliver,
// block. Returns the resolution payload.
func (e *Engine) suspend(ctx context.Context, sessionID string, d elicit.Descriptor, schema elicit.Schema) (map[string]any, error) {
	token, err := e.table.Register(sessionID, d.Kind, e.elicitTTL)
	if err != nil {
		return nil, err
	}
	if d.Kind == elicit.KindURL {
		sep := "?"
		if strings.Contains(d.Target, "?") {
			sep = "&"
		}
		d.Target += sep + d.StateParam + "=" + url.QueryEscape(token)
	}
	deadline := time.Now().Add(e.elicitTTL)

	awaiter, err := e.host.BeginAwait(ctx, sessionID, token, e.elicitTTL)
	if err != nil {
		e.table.Drop(token)
		return nil, fmt.Errorf("begin await: %w", err)
	}

	e.mu.Lock()
	e.pending[token] = pendingRecord{sessionID: sessionID, kind: d.Kind, schema: schema}
	e.mu.Unlock()

	if err := e.registry.Suspend(sessionID, sessions.PendingElicitation{Token: token, Kind: d.Kind, Deadline: deadline}); err != nil {
		_ = awaiter.Cancel(ctx)
		e.table.Drop(token)
		e.dropPending(token)
		return nil, err
	}

	e.publish(sessionID, Event{Type: EventElicitation, Token: token, Elicitation: &d})
	e.met.Elicitations.WithLabelValues(string(d.Kind)).Inc()
	if n, serr := e.host.ActiveSubscribers(ctx, sessionID); serr == nil && n == 0 {
		// No channel bound right now. The descriptor stays buffered for
		// replay until the TTL, so this is reported, not fatal.
		e.log.WarnContext(ctx, "elicit.push.undelivered",
			slog.String("code", sessions.ErrDeliveryUnavailable.Code),
			slog.String("token", token))
	}

	data, err := awaiter.Recv(ctx)
	if err != nil {
		e.dropPending(token)
		if cause := context.Cause(ctx); cause != nil && errors.Is(cause, sessions.ErrExpired) {
			return nil, sessions.ErrExpired
		}
		if ctx.Err() != nil {
			return nil, context.Cause(ctx)
		}
		// The awaiter's TTL elapsed before the sweep got there.
		if expErr := e.registry.Expire(sessionID, token); expErr == nil {
			e.publish(sessionID, Event{Type: EventExpired, Token: token, Code: sessions.ErrExpired.Code, Message: sessions.ErrExpired.Message})
		}
		return nil, sessions.ErrExpired
	}

	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("decode resolution payload: %w", err)
	}
	return payload, nil
}

// Submit resolves a form elicitation by its correlation token. The payload is
// validated against the pending schema before the token is consumed; a
// malformed payload leaves the elicitation pending.
func (e *Engine) Submit(ctx context.Context, token string, payload map[string]any) error {
	e.mu.Lock()
	rec, ok := e.pending[token]
	e.mu.Unlock()
	if ok && rec.schema != nil {
		if err := rec.schema.Validate(payload); err != nil {
			return fmt.Errorf("invalid submission: %w", err)
		}
	}
	return e.resolve(ctx, token, payload, false)
}

// Callback resolves a url elicitation from an inbound redirect: the state
// value is the correlation token embedded in the outbound target.
func (e *Engine) Callback(ctx context.Context, stateValue string, params map[string]any) error {
	return e.resolve(ctx, stateValue, params, true)
}

func (e *Engine) resolve(ctx context.Context, token string, payload map[string]any, callback bool) error {
	var (
		sessionID string
		err       error
	)
	if callback {
		sessionID, _, err = e.table.ResolveCallback(token)
	} else {
		sessionID, _, err = e.table.Resolve(token)
	}
	if err != nil {
		e.met.Resolutions.WithLabelValues(resolutionOutcome(err)).Inc()
		return err
	}
	e.dropPending(token)

	if _, err := e.registry.Resume(sessionID, token); err != nil {
		e.met.Resolutions.WithLabelValues(metrics.OutcomeInvalidState).Inc()
		return err
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal resolution payload: %w", err)
	}
	delivered, err := e.host.Fulfill(ctx, sessionID, token, data)
	if err != nil {
		return fmt.Errorf("fulfill: %w", err)
	}
	if !delivered {
		// The waiter is gone: its TTL fired between the table's lazy
		// deadline check and delivery. The invocation cannot continue.
		_ = e.registry.Fail(sessionID)
		e.met.Resolutions.WithLabelValues(metrics.OutcomeExpired).Inc()
		return sessions.ErrExpired
	}
	e.met.Resolutions.WithLabelValues(metrics.OutcomeResolved).Inc()
	e.log.InfoContext(ctx, "elicit.resolve",
		slog.String("session_id", sessionID),
		slog.String("token", token),
		slog.Bool("callback", callback))
	return nil
}

func resolutionOutcome(err error) string {
	switch {
	case errors.Is(err, sessions.ErrAlreadyResolved):
		return metrics.OutcomeAlreadyResolved
	case errors.Is(err, sessions.ErrExpired):
		return metrics.OutcomeExpired
	case errors.Is(err, sessions.ErrInvalidCallbackState):
		return metrics.OutcomeInvalidState
	default:
		return metrics.OutcomeNotFound
	}
}

func (e *Engine) dropPending(token string) {
	e.mu.Lock()
	delete(e.pending, token)
	e.mu.Unlock()
}

func (e *Engine) publish(sessionID string, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		e.log.Error("engine.publish.marshal_err", slog.String("err", err.Error()))
		return
	}
	if _, err := e.host.PublishSession(context.Background(), sessionID, data); err != nil {
		e.log.Warn("engine.publish.err",
			slog.String("session_id", sessionID),
			slog.String("err", err.Error()))
	}
}

func (e *Engine) sweepLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-e.done:
			return
		case <-ticker.C:
			e.sweepOnce()
		}
	}
}

func (e *Engine) sweepOnce() {
	for _, exp := range e.table.ExpireSweep() {
		if err := e.registry.Expire(exp.SessionID, exp.Token); err == nil {
			e.publish(exp.SessionID, Event{Type: EventExpired, Token: exp.Token, Code: sessions.ErrExpired.Code, Message: sessions.ErrExpired.Message})
			e.log.Info("elicit.expire",
				slog.String("session_id", exp.SessionID),
				slog.String("token", exp.Token),
				slog.String("kind", string(exp.Kind)))
		}
		e.dropPending(exp.Token)
		e.cancelSession(exp.SessionID, sessions.ErrExpired)
	}

	for _, s := range e.registry.SweepIdle(e.sessionIdle) {
		if s.Pending != nil {
			e.table.Drop(s.Pending.Token)
			e.dropPending(s.Pending.Token)
		}
		e.cancelSession(s.ID, context.Canceled)
		if err := e.host.CleanupSession(context.Background(), s.ID); err != nil {
			e.log.Warn("engine.idle.cleanup_err", slog.String("session_id", s.ID), slog.String("err", err.Error()))
		}
		e.met.SessionsEvicted.Inc()
		e.met.SessionsActive.Dec()
		e.log.Info("session.idle_evict", slog.String("session_id", s.ID), slog.String("state", string(s.State)))
	}
}

func (e *Engine) cancelSession(sessionID string, cause error) {
	e.mu.Lock()
	cancel := e.cancels[sessionID]
	e.mu.Unlock()
	if cancel != nil {
		cancel(cause)
	}
}

// sessionElicitor binds the Elicitor capability to one running invocation.
type sessionElicitor struct {
	eng       *Engine
	sessionID string
}

var _ tools.Elicitor = (*sessionElicitor)(nil)

func (s *sessionElicitor) Form(ctx context.Context, message string, schema elicit.Schema) (map[string]any, error) {
	d := elicit.FormDescriptor(message, schema)
	return s.eng.suspend(ctx, s.sessionID, d, schema)
}

func (s *sessionElicitor) URL(ctx context.Context, message, target string) (map[string]any, error) {
	d := elicit.URLDescriptor(message, target, stateParamName)
	return s.eng.suspend(ctx, s.sessionID, d, nil)
}
