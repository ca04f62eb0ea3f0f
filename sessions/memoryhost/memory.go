// Package memoryhost provides an in-memory sessions.Host backed by Go
// channels. Suitable for single-process deployments and tests; state is local
// to the process.
package memoryhost

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lolzy2026/mcp-elicitation/sessions"
)

// Host implements sessions.Host with per-session buffered streams and
// channel-backed awaits.
type Host struct {
	mu      sync.Mutex
	streams map[string]*stream
	counter atomic.Int64
}

type stream struct {
	mu          sync.Mutex
	events      []event
	subscribers map[*subscriber]struct{}
	awaits      map[string]*await
	closed      bool
}

type event struct {
	id   string
	data []byte
}

type subscriber struct {
	ch     chan event
	cancel context.CancelFunc
}

type await struct {
	ch   chan []byte
	done bool
}

func (a *await) cancelLocked() {
	if !a.done {
		a.done = true
		close(a.ch)
	}
}

// New returns an empty in-memory host.
func New() *Host {
	return &Host{streams: make(map[string]*stream)}
}

var _ sessions.Host = (*Host)(nil)

func (h *Host) ensure(sessionID string) *stream {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.streams[sessionID]
	if !ok {
		st = &stream{
			subscribers: make(map[*subscriber]struct{}),
			awaits:      make(map[string]*await),
		}
		h.streams[sessionID] = st
	}
	return st
}

// --- Messaging ---

func (h *Host) PublishSession(ctx context.Context, sessionID string, data []byte) (string, error) {
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	st := h.ensure(sessionID)
	ev := event{id: strconv.FormatInt(h.counter.Add(1), 10), data: append([]byte(nil), data...)}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return "", fmt.Errorf("memoryhost: session %q cleaned up", sessionID)
	}
	st.events = append(st.events, ev)
	for sub := range st.subscribers {
		select {
		case sub.ch <- ev:
		default:
			// Slow consumer: drop the live delivery. The event stays in the
			// buffer and a reattach with Last-Event-ID replays it.
		}
	}
	return ev.id, nil
}

func (h *Host) SubscribeSession(ctx context.Context, sessionID string, lastEventID string, handler sessions.MessageHandlerFunc) error {
	st := h.ensure(sessionID)
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	sub := &subscriber{ch: make(chan event, 64), cancel: cancel}

	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return fmt.Errorf("memoryhost: session %q cleaned up", sessionID)
	}
	startIdx := 0
	if lastEventID == "" {
		// Attach from the beginning so descriptors pushed before the channel
		// was bound are redelivered.
		startIdx = 0
	} else {
		found := false
		for i := range st.events {
			if st.events[i].id == lastEventID {
				startIdx = i + 1
				found = true
				break
			}
		}
		if !found {
			st.mu.Unlock()
			return fmt.Errorf("memoryhost: last event id %s not found", lastEventID)
		}
	}
	replay := make([]event, len(st.events)-startIdx)
	copy(replay, st.events[startIdx:])
	st.subscribers[sub] = struct{}{}
	st.mu.Unlock()

	defer func() {
		st.mu.Lock()
		delete(st.subscribers, sub)
		st.mu.Unlock()
	}()

	// Registration and the replay snapshot happen under the same lock, so an
	// event is either in the snapshot or arrives on the channel, never both.
	for _, ev := range replay {
		if err := handler(subCtx, ev.id, ev.data); err != nil {
			return err
		}
	}

	for {
		select {
		case <-subCtx.Done():
			return subCtx.Err()
		case ev := <-sub.ch:
			if err := handler(subCtx, ev.id, ev.data); err != nil {
				return err
			}
		}
	}
}

func (h *Host) ActiveSubscribers(ctx context.Context, sessionID string) (int, error) {
	h.mu.Lock()
	st, ok := h.streams[sessionID]
	h.mu.Unlock()
	if !ok {
		return 0, nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.subscribers), nil
}

func (h *Host) CleanupSession(ctx context.Context, sessionID string) error {
	h.mu.Lock()
	st, ok := h.streams[sessionID]
	if ok {
		delete(h.streams, sessionID)
	}
	h.mu.Unlock()
	if !ok {
		return nil
	}
	st.mu.Lock()
	st.closed = true
	for sub := range st.subscribers {
		sub.cancel()
	}
	st.subscribers = make(map[*subscriber]struct{})
	for _, a := range st.awaits {
		a.cancelLocked()
	}
	st.awaits = make(map[string]*await)
	st.mu.Unlock()
	return nil
}

// --- Await/Fulfill ---

type awaiter struct {
	h             *Host
	sessionID     string
	correlationID string
	st            *await
}

func (a *awaiter) Recv(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		_ = a.Cancel(context.WithoutCancel(ctx))
		return nil, ctx.Err()
	case data, ok := <-a.st.ch:
		if !ok {
			return nil, sessions.ErrAwaitCanceled
		}
		return data, nil
	}
}

func (a *awaiter) Cancel(ctx context.Context) error {
	st := a.h.ensure(a.sessionID)
	st.mu.Lock()
	if cur, ok := st.awaits[a.correlationID]; ok && cur == a.st {
		cur.cancelLocked()
		delete(st.awaits, a.correlationID)
	}
	st.mu.Unlock()
	return nil
}

func (h *Host) BeginAwait(ctx context.Context, sessionID, correlationID string, ttl time.Duration) (sessions.Awaiter, error) {
	st := h.ensure(sessionID)
	st.mu.Lock()
	if _, exists := st.awaits[correlationID]; exists {
		st.mu.Unlock()
		return nil, sessions.ErrAwaitExists
	}
	a := &await{ch: make(chan []byte, 1)}
	st.awaits[correlationID] = a
	st.mu.Unlock()

	if ttl > 0 {
		time.AfterFunc(ttl, func() {
			st.mu.Lock()
			if cur, ok := st.awaits[correlationID]; ok && cur == a {
				cur.cancelLocked()
				delete(st.awaits, correlationID)
			}
			st.mu.Unlock()
		})
	}

	return &awaiter{h: h, sessionID: sessionID, correlationID: correlationID, st: a}, nil
}

func (h *Host) Fulfill(ctx context.Context, sessionID, correlationID string, data []byte) (bool, error) {
	st := h.ensure(sessionID)
	st.mu.Lock()
	a, ok := st.awaits[correlationID]
	if !ok || a.done {
		delete(st.awaits, correlationID)
		st.mu.Unlock()
		return false, nil
	}
	a.done = true
	delete(st.awaits, correlationID)
	ch := a.ch
	st.mu.Unlock()

	ch <- append([]byte(nil), data...) // capacity 1, single fulfiller
	close(ch)
	return true, nil
}
