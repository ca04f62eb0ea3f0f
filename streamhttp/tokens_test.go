package streamhttp

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestSessionTokensRoundTrip(t *testing.T) {
	st, err := NewSessionTokens(WithTokenIssuer("elicitd"), WithTokenTTL(time.Hour))
	if err != nil {
		t.Fatalf("NewSessionTokens: %v", err)
	}

	token, err := st.Mint("sess-123")
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if strings.Count(token, ".") != 2 {
		t.Fatalf("expected compact JWS, got %q", token)
	}

	sid, err := st.SessionID(token)
	if err != nil {
		t.Fatalf("SessionID: %v", err)
	}
	if sid != "sess-123" {
		t.Fatalf("expected sess-123, got %q", sid)
	}
}

func TestSessionTokensRejectForeignKey(t *testing.T) {
	a, err := NewSessionTokens()
	if err != nil {
		t.Fatalf("NewSessionTokens: %v", err)
	}
	b, err := NewSessionTokens()
	if err != nil {
		t.Fatalf("NewSessionTokens: %v", err)
	}

	token, err := a.Mint("sess-123")
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if _, err := b.SessionID(token); err == nil {
		t.Fatal("expected verification failure for foreign token")
	}
}

func TestSessionTokensExpiry(t *testing.T) {
	st, err := NewSessionTokens(WithTokenTTL(-time.Minute))
	if err != nil {
		t.Fatalf("NewSessionTokens: %v", err)
	}

	token, err := st.Mint("sess-123")
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if _, err := st.SessionID(token); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}

func TestSessionTokensIssuerMismatch(t *testing.T) {
	st, err := NewSessionTokens(WithTokenIssuer("elicitd"))
	if err != nil {
		t.Fatalf("NewSessionTokens: %v", err)
	}

	token, err := st.Mint("sess-123")
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	st.issuer = "other"
	if _, err := st.SessionID(token); err == nil {
		t.Fatal("expected issuer mismatch failure")
	}
}
