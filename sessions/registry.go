package sessions

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Registry is the keyed store of session state. All mutations are atomic with
// respect to concurrent access; different sessions never block each other
// beyond the short critical section of the shared map.
//
// The registry is pure state: no I/O, no timers. Expiry is driven externally
// by SweepIdle.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	log      *slog.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryLogger sets a custom logger.
func WithRegistryLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if l != nil {
			r.log = l
		}
	}
}

// NewRegistry returns an empty Registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		sessions: make(map[string]*Session),
		log:      slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Create registers a new session in StateInitial and returns its ID.
func (r *Registry) Create() string {
	id := uuid.NewString()
	now := time.Now()
	r.mu.Lock()
	r.sessions[id] = &Session{ID: id, State: StateInitial, CreatedAt: now, LastActiveAt: now}
	r.mu.Unlock()
	r.log.Debug("session.create", slog.String("session_id", id))
	return id
}

// Get returns a snapshot of the session or ErrSessionNotFound.
func (r *Registry) Get(id string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return snapshot(s), nil
}

// Transition atomically checks that the session's current state is one of
// from and moves it to to. Transitions into or out of StateSuspended must go
// through Suspend, Resume, Expire or Fail so the pending invariant holds;
// Transition rejects them.
func (r *Registry) Transition(id string, to State, from ...State) error {
	if to == StateSuspended {
		return ErrInvalidStateTransition
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if s.State == StateSuspended || !stateIn(s.State, from) {
		return ErrInvalidStateTransition
	}
	r.setState(s, to)
	return nil
}

// Suspend moves a running session (StateInitial or StateResuming) into
// StateSuspended with the given pending elicitation. A session can hold at
// most one pending elicitation.
func (r *Registry) Suspend(id string, p PendingElicitation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if !stateIn(s.State, []State{StateInitial, StateResuming}) || s.Pending != nil {
		return ErrInvalidStateTransition
	}
	cp := p
	s.Pending = &cp
	r.setState(s, StateSuspended)
	return nil
}

// Resume moves a suspended session into StateResuming, clearing and returning
// its pending elicitation. token must match the pending token; a stale or
// foreign token is rejected without touching the session.
func (r *Registry) Resume(id, token string) (PendingElicitation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return PendingElicitation{}, ErrSessionNotFound
	}
	if s.State != StateSuspended || s.Pending == nil {
		return PendingElicitation{}, ErrInvalidStateTransition
	}
	if s.Pending.Token != token {
		return PendingElicitation{}, ErrInvalidStateTransition
	}
	p := *s.Pending
	s.Pending = nil
	r.setState(s, StateResuming)
	return p, nil
}

// Expire moves a suspended session holding the given token into StateExpired,
// releasing its pending elicitation. Expiry is final.
func (r *Registry) Expire(id, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if s.State != StateSuspended || s.Pending == nil || s.Pending.Token != token {
		return ErrInvalidStateTransition
	}
	s.Pending = nil
	r.setState(s, StateExpired)
	return nil
}

// Fail moves any non-terminal session into StateFailed, releasing any pending
// elicitation.
func (r *Registry) Fail(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if s.State.Terminal() {
		return ErrInvalidStateTransition
	}
	s.Pending = nil
	r.setState(s, StateFailed)
	return nil
}

// Evict removes the session. Missing sessions are reported so callers can
// distinguish double eviction.
func (r *Registry) Evict(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return ErrSessionNotFound
	}
	delete(r.sessions, id)
	r.log.Debug("session.evict", slog.String("session_id", id))
	return nil
}

// SweepIdle evicts sessions whose last activity is older than maxIdle and
// returns their final snapshots so the caller can abandon any in-flight
// continuation and notify the transport.
func (r *Registry) SweepIdle(maxIdle time.Duration) []Session {
	cutoff := time.Now().Add(-maxIdle)
	r.mu.Lock()
	defer r.mu.Unlock()
	var evicted []Session
	for id, s := range r.sessions {
		if s.LastActiveAt.Before(cutoff) {
			evicted = append(evicted, snapshot(s))
			delete(r.sessions, id)
		}
	}
	return evicted
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Registry) setState(s *Session, to State) {
	from := s.State
	s.State = to
	s.LastActiveAt = time.Now()
	r.log.Debug("session.transition",
		slog.String("session_id", s.ID),
		slog.String("from", string(from)),
		slog.String("to", string(to)))
}

func snapshot(s *Session) Session {
	cp := *s
	if s.Pending != nil {
		p := *s.Pending
		cp.Pending = &p
	}
	return cp
}

func stateIn(s State, set []State) bool {
	for _, c := range set {
		if s == c {
			return true
		}
	}
	return false
}
