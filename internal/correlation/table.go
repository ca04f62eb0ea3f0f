// Package correlation tracks outstanding correlation tokens for suspended
// elicitations and matches inbound resolutions (client submissions and
// redirect callbacks) to the session waiting on them.
package correlation

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lolzy2026/mcp-elicitation/elicit"
	"github.com/lolzy2026/mcp-elicitation/sessions"
)

// tokenBytes sizes tokens so guessing is infeasible (256 bits).
const tokenBytes = 32

// defaultTombstoneTTL is how long a resolved or expired entry is remembered
// so duplicate and late resolutions get a precise rejection instead of a
// generic unknown-token error. The precise rejection only holds inside this
// retention window: a duplicate arriving after the tombstone is pruned gets
// the unknown-token error. The token still never resolves twice.
const defaultTombstoneTTL = 10 * time.Minute

type entryState int

const (
	statePending entryState = iota
	stateResolved
	stateExpired
)

type entry struct {
	sessionID string
	kind      elicit.Kind
	deadline  time.Time
	state     entryState
}

// Expiry identifies one elicitation whose TTL elapsed during a sweep.
type Expiry struct {
	Token     string
	SessionID string
	Kind      elicit.Kind
}

// Table maps outstanding correlation tokens to the waiting suspension. All
// operations are atomic per token; distinct tokens never contend beyond the
// shared map's critical section.
type Table struct {
	mu           sync.Mutex
	entries      map[string]*entry
	tombstoneTTL time.Duration
	log          *slog.Logger
}

// TableOption configures a Table.
type TableOption func(*Table)

// WithTableLogger sets a custom logger.
func WithTableLogger(l *slog.Logger) TableOption {
	return func(t *Table) {
		if l != nil {
			t.log = l
		}
	}
}

// WithTombstoneTTL overrides the retention window for resolved and expired
// entries.
func WithTombstoneTTL(d time.Duration) TableOption {
	return func(t *Table) {
		if d > 0 {
			t.tombstoneTTL = d
		}
	}
}

// NewTable returns an empty Table.
func NewTable(opts ...TableOption) *Table {
	t := &Table{
		entries:      make(map[string]*entry),
		tombstoneTTL: defaultTombstoneTTL,
		log:          slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t
}

// Register issues a fresh unguessable token for an elicitation owned by
// sessionID. A generation collision is retried, never silently ignored.
func (t *Table) Register(sessionID string, kind elicit.Kind, ttl time.Duration) (string, error) {
	deadline := time.Now().Add(ttl)
	t.mu.Lock()
	defer t.mu.Unlock()
	for attempt := 0; attempt < 5; attempt++ {
		token, err := newToken()
		if err != nil {
			return "", err
		}
		if _, taken := t.entries[token]; taken {
			t.log.Warn("correlation.token.collision", slog.String("session_id", sessionID))
			continue
		}
		t.entries[token] = &entry{sessionID: sessionID, kind: kind, deadline: deadline}
		return token, nil
	}
	return "", errors.New("correlation: token generation kept colliding")
}

// Resolve consumes the token exactly once and returns the owning session.
// A second resolution attempt is rejected with ErrAlreadyResolved; a token
// past its deadline with ErrExpired; an unknown token with
// ErrSessionNotFound (nothing is waiting for it). The ErrAlreadyResolved and
// ErrExpired rejections hold for the tombstone retention window; after the
// tombstone is pruned the token reads as unknown.
func (t *Table) Resolve(token string) (string, elicit.Kind, error) {
	return t.resolve(token, false)
}

// ResolveCallback is Resolve specialized for redirect callbacks: the token is
// the opaque state value embedded in the outbound URL. Unknown state values
// and state values that do not belong to a url elicitation are rejected with
// ErrInvalidCallbackState and resolve nothing.
func (t *Table) ResolveCallback(stateValue string) (string, elicit.Kind, error) {
	return t.resolve(stateValue, true)
}

func (t *Table) resolve(token string, callback bool) (string, elicit.Kind, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[token]
	if !ok {
		if callback {
			return "", "", sessions.ErrInvalidCallbackState
		}
		return "", "", sessions.ErrSessionNotFound
	}
	if callback && e.kind != elicit.KindURL {
		return "", "", sessions.ErrInvalidCallbackState
	}
	switch e.state {
	case stateResolved:
		return "", "", sessions.ErrAlreadyResolved
	case stateExpired:
		return "", "", sessions.ErrExpired
	}
	if time.Now().After(e.deadline) {
		e.state = stateExpired
		return "", "", sessions.ErrExpired
	}
	e.state = stateResolved
	return e.sessionID, e.kind, nil
}

// ExpireSweep marks every pending entry past its deadline as expired and
// returns them so the caller can fail the owning sessions and notify the
// transport. Tombstones older than their retention window are pruned.
func (t *Table) ExpireSweep() []Expiry {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	var expired []Expiry
	for token, e := range t.entries {
		switch e.state {
		case statePending:
			if now.After(e.deadline) {
				e.state = stateExpired
				expired = append(expired, Expiry{Token: token, SessionID: e.sessionID, Kind: e.kind})
			}
		default:
			if now.After(e.deadline.Add(t.tombstoneTTL)) {
				delete(t.entries, token)
			}
		}
	}
	return expired
}

// Drop removes an entry outright, used when the owning session is evicted
// while its elicitation is still pending.
func (t *Table) Drop(token string) {
	t.mu.Lock()
	delete(t.entries, token)
	t.mu.Unlock()
}

// Len reports the number of tracked entries, tombstones included.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func newToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("correlation: read random: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
