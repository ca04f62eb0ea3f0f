package correlation

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lolzy2026/mcp-elicitation/elicit"
	"github.com/lolzy2026/mcp-elicitation/sessions"
)

func TestResolveExactlyOnce(t *testing.T) {
	tbl := NewTable()
	token, err := tbl.Register("sess-1", elicit.KindForm, time.Minute)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if len(token) < 40 {
		t.Fatalf("token too short to be unguessable: %q", token)
	}

	sessID, kind, err := tbl.Resolve(token)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if sessID != "sess-1" || kind != elicit.KindForm {
		t.Fatalf("unexpected resolution: %s %s", sessID, kind)
	}

	if _, _, err := tbl.Resolve(token); !errors.Is(err, sessions.ErrAlreadyResolved) {
		t.Fatalf("second resolve must fail with ErrAlreadyResolved, got %v", err)
	}
}

func TestResolveUnknownToken(t *testing.T) {
	tbl := NewTable()
	if _, _, err := tbl.Resolve("no-such-token"); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestResolveAfterDeadline(t *testing.T) {
	tbl := NewTable()
	token, err := tbl.Register("sess-1", elicit.KindForm, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	time.Sleep(25 * time.Millisecond)

	if _, _, err := tbl.Resolve(token); !errors.Is(err, sessions.ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
	// And again: expiry is final, not AlreadyResolved.
	if _, _, err := tbl.Resolve(token); !errors.Is(err, sessions.ErrExpired) {
		t.Fatalf("expected ErrExpired on retry, got %v", err)
	}
}

func TestExpireSweep(t *testing.T) {
	tbl := NewTable()
	short, _ := tbl.Register("sess-short", elicit.KindForm, 10*time.Millisecond)
	long, _ := tbl.Register("sess-long", elicit.KindURL, time.Minute)

	time.Sleep(25 * time.Millisecond)
	expired := tbl.ExpireSweep()
	if len(expired) != 1 {
		t.Fatalf("expected one expiry, got %+v", expired)
	}
	if expired[0].Token != short || expired[0].SessionID != "sess-short" {
		t.Fatalf("wrong expiry reported: %+v", expired[0])
	}

	if _, _, err := tbl.Resolve(short); !errors.Is(err, sessions.ErrExpired) {
		t.Fatalf("expected ErrExpired after sweep, got %v", err)
	}
	if _, _, err := tbl.Resolve(long); err != nil {
		t.Fatalf("unexpired token must stay resolvable: %v", err)
	}
}

func TestResolveCallback(t *testing.T) {
	tbl := NewTable()
	state, _ := tbl.Register("sess-url", elicit.KindURL, time.Minute)
	formTok, _ := tbl.Register("sess-form", elicit.KindForm, time.Minute)

	if _, _, err := tbl.ResolveCallback("bogus-state"); !errors.Is(err, sessions.ErrInvalidCallbackState) {
		t.Fatalf("unknown state must fail with ErrInvalidCallbackState, got %v", err)
	}
	if _, _, err := tbl.ResolveCallback(formTok); !errors.Is(err, sessions.ErrInvalidCallbackState) {
		t.Fatalf("form token presented as callback state must be rejected, got %v", err)
	}
	// The form elicitation is untouched by the rejected callback.
	if _, _, err := tbl.Resolve(formTok); err != nil {
		t.Fatalf("form token should still resolve: %v", err)
	}

	sessID, kind, err := tbl.ResolveCallback(state)
	if err != nil {
		t.Fatalf("callback resolve: %v", err)
	}
	if sessID != "sess-url" || kind != elicit.KindURL {
		t.Fatalf("unexpected resolution: %s %s", sessID, kind)
	}
	if _, _, err := tbl.ResolveCallback(state); !errors.Is(err, sessions.ErrAlreadyResolved) {
		t.Fatalf("replayed callback must fail with ErrAlreadyResolved, got %v", err)
	}
}

func TestTombstoneRetentionWindow(t *testing.T) {
	tbl := NewTable(WithTombstoneTTL(10 * time.Millisecond))
	token, err := tbl.Register("sess-1", elicit.KindForm, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, _, err := tbl.Resolve(token); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	// Inside the window the duplicate is named precisely.
	if _, _, err := tbl.Resolve(token); !errors.Is(err, sessions.ErrAlreadyResolved) {
		t.Fatalf("expected ErrAlreadyResolved inside the window, got %v", err)
	}

	time.Sleep(30 * time.Millisecond)
	if expired := tbl.ExpireSweep(); len(expired) != 0 {
		t.Fatalf("nothing pending should expire, got %+v", expired)
	}
	if tbl.Len() != 0 {
		t.Fatalf("tombstone should be pruned, %d entries remain", tbl.Len())
	}

	// Past the window the token reads as unknown, and still never resolves.
	if _, _, err := tbl.Resolve(token); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound after pruning, got %v", err)
	}
}

func TestConcurrentResolveSingleWinner(t *testing.T) {
	tbl := NewTable()
	token, _ := tbl.Register("sess-1", elicit.KindForm, time.Minute)

	const n = 32
	var wg sync.WaitGroup
	wins := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := tbl.Resolve(token); err == nil {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)
	count := 0
	for range wins {
		count++
	}
	if count != 1 {
		t.Fatalf("exactly one concurrent resolve must win, got %d", count)
	}
}
