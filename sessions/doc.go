// Package sessions holds the session model for suspended tool invocations:
// the state machine each logical caller interaction moves through, the
// in-memory Registry that owns session lifecycle and expiry, the protocol
// error taxonomy, and the Host contract that supplies per-session ordered
// messaging plus the one-shot await/fulfill rendezvous the suspension engine
// blocks on.
//
// A session is strictly sequential: at most one elicitation is outstanding at
// a time, and the registry enforces the invariant that a session is in
// StateSuspended exactly when it has a pending elicitation.
//
// Host implementations live in subpackages: memoryhost for single-process
// deployments and tests, redishost for multi-instance deployments where the
// rendezvous must be visible across processes.
package sessions
