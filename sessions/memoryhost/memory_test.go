package memoryhost

import (
	"testing"

	"github.com/lolzy2026/mcp-elicitation/sessions"
	"github.com/lolzy2026/mcp-elicitation/sessions/hosttest"
)

func TestMemoryHost(t *testing.T) {
	hosttest.RunHostTests(t, func(t *testing.T) sessions.Host {
		return New()
	})
}
