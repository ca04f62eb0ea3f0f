package sessions

import (
	"context"
	"errors"
	"time"
)

// MessageHandlerFunc receives one event from a session's ordered stream.
// Returning an error stops the subscription and propagates out of
// SubscribeSession.
type MessageHandlerFunc func(ctx context.Context, eventID string, data []byte) error

// Awaiter is a one-shot receive for a specific (sessionID, correlationID)
// pair. Only one awaiter may exist per key at a time.
//
// Semantics:
//   - Recv blocks until the await is fulfilled, canceled, times out, or the
//     context ends.
//   - Cancel makes any current or future Recv return ErrAwaitCanceled.
//   - BeginAwait must happen-before the corresponding descriptor is pushed so
//     a fast resolution cannot race ahead of the waiter.
type Awaiter interface {
	Recv(ctx context.Context) ([]byte, error)
	Cancel(ctx context.Context) error
}

var (
	// ErrAwaitExists indicates a waiter is already registered for the key.
	ErrAwaitExists = errors.New("await already registered")
	// ErrAwaitCanceled is returned from Recv when the await was canceled,
	// timed out, or the session was cleaned up.
	ErrAwaitCanceled = errors.New("await canceled")
)

// Host is the transport substrate the suspension engine runs on. It combines
// per-session ordered event delivery (the delivery channel bound to each
// session) with the one-shot rendezvous suspended invocations block on.
// Implementations must key everything by session ID so sessions never share a
// channel, and must be safe for concurrent use.
type Host interface {
	// PublishSession appends data to the session's ordered event stream and
	// returns the generated event ID. Events are retained for replay so a
	// subscriber attaching later (or resuming from lastEventID) still
	// receives them; this is the redelivery path for descriptors pushed
	// while no channel was bound.
	PublishSession(ctx context.Context, sessionID string, data []byte) (eventID string, err error)

	// SubscribeSession streams the session's events through handler, starting
	// after lastEventID (or from the beginning when empty), until ctx ends,
	// handler errors, or the session is cleaned up. Subscribing binds a
	// delivery channel to the session.
	SubscribeSession(ctx context.Context, sessionID string, lastEventID string, handler MessageHandlerFunc) error

	// ActiveSubscribers reports how many delivery channels are currently
	// bound to the session. Zero means a push cannot be observed right now
	// and will only be seen via replay.
	ActiveSubscribers(ctx context.Context, sessionID string) (int, error)

	// CleanupSession tears down the session's stream, bindings and pending
	// awaits. Called on eviction.
	CleanupSession(ctx context.Context, sessionID string) error

	// BeginAwait registers the single waiter for (sessionID, correlationID)
	// with a TTL for automatic cleanup. The registration must be visible
	// before BeginAwait returns.
	BeginAwait(ctx context.Context, sessionID, correlationID string, ttl time.Duration) (Awaiter, error)

	// Fulfill delivers payload to the registered waiter, reporting whether a
	// waiter received it. A missing waiter (expired, canceled, never begun)
	// is not an error; the payload is dropped.
	Fulfill(ctx context.Context, sessionID, correlationID string, data []byte) (delivered bool, err error)
}
