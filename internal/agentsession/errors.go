package agentsession

import (
	"fmt"
	"strings"
)

// SpawnFailure means the subprocess pipes could not be established.
type SpawnFailure struct {
	Reason string
}

func (e *SpawnFailure) Error() string {
	return fmt.Sprintf("agent session: spawn failed: %s", e.Reason)
}

// HandshakeFailure means the initialize/newSession exchange did not
// complete.
type HandshakeFailure struct {
	Reason string
}

func (e *HandshakeFailure) Error() string {
	return fmt.Sprintf("agent session: handshake failed: %s", e.Reason)
}

// PromptTimeout means the activity-idle watchdog fired: no
// server-initiated traffic arrived for the configured window.
type PromptTimeout struct {
	TimeoutSeconds float64
}

func (e *PromptTimeout) Error() string {
	return fmt.Sprintf("agent session: prompt went silent for %.0fs", e.TimeoutSeconds)
}

// ProcessExited means the subprocess died before the prompt response
// arrived.
type ProcessExited struct {
	Code   int
	Signal string
}

func (e *ProcessExited) Error() string {
	if e.Signal != "" {
		return fmt.Sprintf("agent session: process exited (signal %s)", e.Signal)
	}
	return fmt.Sprintf("agent session: process exited (code %d)", e.Code)
}

// RPCError wraps a JSON-RPC error surfaced by the agent.
type RPCError struct {
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("agent session: rpc error: %s", e.Message)
}

// invalidHistorySentinel is the distinguished substring the bridge's
// recovery state machine matches on.
const invalidHistorySentinel = "invalid conversation history"

// IsInvalidHistory reports whether err (or its message) names the
// sentinel invalid-history condition.
func IsInvalidHistory(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), invalidHistorySentinel)
}
