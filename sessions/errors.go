package sessions

// ProtocolError is a stable, code-carrying error for protocol-level failures.
// Codes are part of the wire contract: transport layers surface them verbatim
// so callers can render a specific message instead of a generic failure.
type ProtocolError struct {
	// Code is a stable machine-readable identifier.
	Code string
	// Message is a human-readable default description.
	Message string
}

func (e *ProtocolError) Error() string { return e.Code + ": " + e.Message }

var (
	// ErrSessionNotFound is returned when looking up a missing or already
	// evicted session.
	ErrSessionNotFound = &ProtocolError{Code: "session_not_found", Message: "session not found"}

	// ErrInvalidStateTransition is returned when a session mutation finds the
	// session in a state the mutation does not accept. It indicates protocol
	// misuse and is never coerced into a different outcome.
	ErrInvalidStateTransition = &ProtocolError{Code: "invalid_state_transition", Message: "session is not in a valid state for this operation"}

	// ErrAlreadyResolved is returned on a second resolution attempt for the
	// same correlation token. Duplicate or late submissions must never resume
	// an operation twice.
	ErrAlreadyResolved = &ProtocolError{Code: "already_resolved", Message: "correlation token already resolved"}

	// ErrExpired is returned when resolving an elicitation whose TTL elapsed.
	// Recoverable at the protocol level: the caller may be offered a fresh
	// elicitation.
	ErrExpired = &ProtocolError{Code: "expired", Message: "elicitation expired"}

	// ErrInvalidCallbackState is returned when an inbound callback carries a
	// state value that matches no waiting elicitation.
	ErrInvalidCallbackState = &ProtocolError{Code: "invalid_callback_state", Message: "callback state matches no pending elicitation"}

	// ErrDeliveryUnavailable is returned when an elicitation descriptor could
	// not be delivered because no channel is bound to the session. The
	// elicitation stays pending until redelivery succeeds or the TTL expires.
	ErrDeliveryUnavailable = &ProtocolError{Code: "delivery_unavailable", Message: "no delivery channel bound to session"}

	// ErrToolFailure wraps an unrecoverable error raised by tool code. The
	// owning session ends in StateFailed.
	ErrToolFailure = &ProtocolError{Code: "tool_failure", Message: "tool execution failed"}
)
