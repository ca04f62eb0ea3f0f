package sessions

import (
	"time"

	"github.com/lolzy2026/mcp-elicitation/elicit"
)

// State is the lifecycle state of a session.
type State string

const (
	// StateInitial is a freshly created session whose invocation is running
	// and has not yet suspended.
	StateInitial State = "initial"
	// StateSuspended means the invocation yielded at a suspension point and
	// is waiting for external input.
	StateSuspended State = "suspended"
	// StateResuming means a resolution arrived and the invocation is being
	// resumed with it.
	StateResuming State = "resuming"
	// StateCompleted is terminal: the invocation finished normally.
	StateCompleted State = "completed"
	// StateExpired is terminal: a pending elicitation outlived its TTL.
	StateExpired State = "expired"
	// StateFailed is terminal: the invocation raised an unrecoverable error.
	StateFailed State = "failed"
)

// Terminal reports whether no further transitions are possible from s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateExpired || s == StateFailed
}

// PendingElicitation is the registry's record of the single outstanding
// elicitation a suspended session owns.
type PendingElicitation struct {
	// Token is the correlation token the resolution must present.
	Token string
	// Kind is the elicitation shape (form or url).
	Kind elicit.Kind
	// Deadline is the absolute expiry time.
	Deadline time.Time
}

// Session is a point-in-time snapshot of one logical caller interaction.
// Registry methods return copies; mutating a snapshot has no effect.
type Session struct {
	ID           string
	State        State
	Pending      *PendingElicitation
	CreatedAt    time.Time
	LastActiveAt time.Time
}
