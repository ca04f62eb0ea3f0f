package legacy

import (
	"sync"
	"time"

	"github.com/lolzy2026/mcp-elicitation/sessions"
)

// CodeStash holds authorization codes delivered by redirect callbacks for the
// stateless legacy flow, keyed by the state value the server issued. Unlike
// a suspended elicitation there is no waiting invocation: the legacy caller
// re-invokes the tool with the state value and collects the code then.
//
// Only states this server issued are accepted; an unsolicited callback is
// rejected rather than stored. States the caller abandons are pruned
// opportunistically on the next mutation once a TTL interval has passed, so
// the stash stays bounded without a background goroutine.
type CodeStash struct {
	mu        sync.Mutex
	issued    map[string]time.Time // state -> expiry
	codes     map[string]string    // state -> code
	ttl       time.Duration
	nextSweep time.Time
}

// NewCodeStash returns a stash whose issued states live for ttl.
func NewCodeStash(ttl time.Duration) *CodeStash {
	return &CodeStash{
		issued:    make(map[string]time.Time),
		codes:     make(map[string]string),
		ttl:       ttl,
		nextSweep: time.Now().Add(ttl),
	}
}

// Issue records that the server handed out state in a redirect target.
func (s *CodeStash) Issue(state string) {
	now := time.Now()
	s.mu.Lock()
	s.maybeSweepLocked(now)
	s.issued[state] = now.Add(s.ttl)
	s.mu.Unlock()
}

// Put stores the code delivered for an issued state. Unknown or expired
// states are rejected with ErrInvalidCallbackState.
func (s *CodeStash) Put(state, code string) error {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maybeSweepLocked(now)
	exp, ok := s.issued[state]
	if !ok {
		return sessions.ErrInvalidCallbackState
	}
	if now.After(exp) {
		delete(s.issued, state)
		delete(s.codes, state)
		return sessions.ErrExpired
	}
	s.codes[state] = code
	return nil
}

// Take consumes and returns the code stored for state, if any. The state is
// retired either way: one verification attempt per issued state.
func (s *CodeStash) Take(state string) (string, bool) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maybeSweepLocked(now)
	exp, issued := s.issued[state]
	code, got := s.codes[state]
	delete(s.issued, state)
	delete(s.codes, state)
	if !issued || now.After(exp) || !got {
		return "", false
	}
	return code, true
}

// Sweep drops expired states immediately.
func (s *CodeStash) Sweep() {
	s.mu.Lock()
	s.sweepLocked(time.Now())
	s.mu.Unlock()
}

// maybeSweepLocked prunes at most once per TTL interval.
func (s *CodeStash) maybeSweepLocked(now time.Time) {
	if now.Before(s.nextSweep) {
		return
	}
	s.sweepLocked(now)
	s.nextSweep = now.Add(s.ttl)
}

func (s *CodeStash) sweepLocked(now time.Time) {
	for state, exp := range s.issued {
		if now.After(exp) {
			delete(s.issued, state)
			delete(s.codes, state)
		}
	}
}
