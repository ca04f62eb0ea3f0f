package engine

import (
	"github.com/lolzy2026/mcp-elicitation/elicit"
)

// Event types published on a session's stream.
const (
	EventElicitation = "elicitation"
	EventResult      = "result"
	EventError       = "error"
	EventExpired     = "expired"
)

// Event is one entry on a session's ordered event stream. Type selects which
// of the optional fields are set.
type Event struct {
	Type  string `json:"type"`
	Tool  string `json:"tool,omitempty"`
	Token string `json:"token,omitempty"`

	// Elicitation events.
	Elicitation *elicit.Descriptor `json:"elicitation,omitempty"`

	// Result events.
	Result any `json:"result,omitempty"`

	// Error and expired events.
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}
