package legacy

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/lolzy2026/mcp-elicitation/sessions"
)

func TestCodeStash(t *testing.T) {
	stash := NewCodeStash(time.Minute)

	if err := stash.Put("unsolicited", "CODE"); !errors.Is(err, sessions.ErrInvalidCallbackState) {
		t.Fatalf("unsolicited state must be rejected, got %v", err)
	}

	stash.Issue("state-1")
	if err := stash.Put("state-1", "AUTH-CODE-X"); err != nil {
		t.Fatalf("put: %v", err)
	}
	code, ok := stash.Take("state-1")
	if !ok || code != "AUTH-CODE-X" {
		t.Fatalf("take: ok=%v code=%q", ok, code)
	}
	if _, ok := stash.Take("state-1"); ok {
		t.Fatal("state must be consumed by Take")
	}
}

func TestCodeStashExpiry(t *testing.T) {
	stash := NewCodeStash(10 * time.Millisecond)
	stash.Issue("state-1")
	time.Sleep(25 * time.Millisecond)
	if err := stash.Put("state-1", "CODE"); !errors.Is(err, sessions.ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
	stash.Issue("state-2")
	time.Sleep(25 * time.Millisecond)
	stash.Sweep()
	if _, ok := stash.Take("state-2"); ok {
		t.Fatal("swept state must be gone")
	}
}

func TestCodeStashPrunesAbandonedStates(t *testing.T) {
	stash := NewCodeStash(10 * time.Millisecond)
	for i := 0; i < 8; i++ {
		stash.Issue(fmt.Sprintf("abandoned-%d", i))
	}
	time.Sleep(25 * time.Millisecond)

	// The next mutation prunes everything past its TTL without anyone
	// calling Sweep.
	stash.Issue("fresh")

	stash.mu.Lock()
	issued := len(stash.issued)
	codes := len(stash.codes)
	stash.mu.Unlock()
	if issued != 1 || codes != 0 {
		t.Fatalf("abandoned states must be pruned, have issued=%d codes=%d", issued, codes)
	}
	if _, ok := stash.Take("abandoned-3"); ok {
		t.Fatal("pruned state must not yield a code")
	}
}
