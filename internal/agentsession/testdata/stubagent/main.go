// Command stubagent is a minimal ACP-speaking subprocess used only by
// agentsession's tests. It understands just enough of the
// newline-delimited JSON-RPC wire protocol (initialize, newSession,
// prompt) to exercise the gateway's handshake and prompt-racing logic
// without a real agent binary. Its behavior is selected by the
// STUBAGENT_MODE environment variable.
package main

import (
	"bufio"
	"encoding/json"
	"os"
	"time"
)

type rpcMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   json.RawMessage `json:"error,omitempty"`
}

func main() {
	mode := os.Getenv("STUBAGENT_MODE")
	if mode == "" {
		mode = "hello"
	}

	out := bufio.NewWriter(os.Stdout)
	send := func(v any) {
		data, _ := json.Marshal(v)
		out.Write(data)
		out.WriteByte('\n')
		out.Flush()
	}

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	sessionID := "stub-session-1"

	for scanner.Scan() {
		var msg rpcMessage
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			continue
		}

		switch msg.Method {
		case "initialize":
			send(map[string]any{
				"jsonrpc": "2.0",
				"id":      msg.ID,
				"result": map[string]any{
					"protocolVersion": 1,
					"agentCapabilities": map[string]any{
						"loadSession": false,
					},
				},
			})
		case "newSession":
			send(map[string]any{
				"jsonrpc": "2.0",
				"id":      msg.ID,
				"result": map[string]any{
					"sessionId": sessionID,
				},
			})
		case "prompt":
			handlePrompt(mode, send, msg, sessionID)
		}
	}
}

func handlePrompt(mode string, send func(v any), msg rpcMessage, sessionID string) {
	switch mode {
	case "crash":
		os.Exit(1)
	case "silent":
		// Never responds; caller relies on its own short timeout.
		select {}
	case "invalid_history":
		send(map[string]any{
			"jsonrpc": "2.0",
			"id":      msg.ID,
			"error": map[string]any{
				"code":    -32000,
				"message": "invalid conversation history received",
			},
		})
	case "context_critical":
		emitChunk(send, sessionID, "working...")
		send(map[string]any{
			"jsonrpc": "2.0",
			"method":  "kirogate/contextUsage",
			"params":  map[string]any{"contextUsagePercentage": 96},
		})
		time.Sleep(10 * time.Millisecond)
		emitChunk(send, sessionID, "done")
		send(map[string]any{
			"jsonrpc": "2.0",
			"id":      msg.ID,
			"result":  map[string]any{"stopReason": "end_turn"},
		})
	default: // "hello"
		emitChunk(send, sessionID, "Hello!")
		send(map[string]any{
			"jsonrpc": "2.0",
			"id":      msg.ID,
			"result":  map[string]any{"stopReason": "end_turn"},
		})
	}
}

func emitChunk(send func(v any), sessionID, text string) {
	send(map[string]any{
		"jsonrpc": "2.0",
		"method":  "session/update",
		"params": map[string]any{
			"sessionId": sessionID,
			"update": map[string]any{
				"sessionUpdate": "agent_message_chunk",
				"content": map[string]any{
					"type": "text",
					"text": text,
				},
			},
		},
	})
}
