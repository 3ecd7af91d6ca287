package agentsession

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	acpsdk "github.com/coder/acp-go-sdk"
)

// allowedPermissionKinds are the permission-option kinds this gateway
// auto-approves. Anything else is answered "cancelled" — there is no
// TTY behind this process to prompt a human.
var allowedPermissionKinds = map[string]bool{
	"allow_once":   true,
	"allow_always": true,
}

// sessionClient implements the acp-go-sdk Client interface on behalf
// of one AgentSession. The chunk callback is swapped in per prompt by
// the owning session; both callbacks are guarded by mu since
// SessionUpdate notifications arrive on the SDK's own read goroutine.
type sessionClient struct {
	mu         sync.RWMutex
	onChunk    func(string)
	onActivity func()
	log        *slog.Logger
}

func (c *sessionClient) setChunkHandler(fn func(string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChunk = fn
}

func (c *sessionClient) touch() {
	c.mu.RLock()
	onActivity := c.onActivity
	c.mu.RUnlock()
	if onActivity != nil {
		onActivity()
	}
}

func (c *sessionClient) emitChunk(text string) {
	c.mu.RLock()
	onChunk := c.onChunk
	c.mu.RUnlock()
	if onChunk != nil && text != "" {
		onChunk(text)
	}
}

// sessionUpdateShape captures the subset of the session/update
// discriminated union this gateway acts on. The ACP wire protocol tags
// each update with a "sessionUpdate" field; re-marshaling the SDK's
// decoded Update value and parsing this shape out of it avoids coupling
// this gateway to the SDK's internal Go representation of every update
// variant, only the two kinds spec'd for this gateway.
type sessionUpdateShape struct {
	SessionUpdate string `json:"sessionUpdate"`
	Content       struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Title  string `json:"title"`
	Status string `json:"status"`
}

// SessionUpdate handles the two update kinds this gateway acts on:
// agent_message_chunk (forwarded to the active prompt's chunk
// callback) and tool_call (logged as an activity beacon). Every update,
// recognized or not, bumps the activity timestamp.
func (c *sessionClient) SessionUpdate(_ context.Context, params acpsdk.SessionNotification) error {
	c.touch()

	raw, err := json.Marshal(params.Update)
	if err != nil {
		return nil
	}
	var shape sessionUpdateShape
	if err := json.Unmarshal(raw, &shape); err != nil {
		return nil
	}

	switch shape.SessionUpdate {
	case "agent_message_chunk":
		if shape.Content.Type == "text" {
			c.emitChunk(shape.Content.Text)
		}
	case "tool_call":
		c.log.Debug("tool call", "title", shape.Title, "status", shape.Status)
	}
	return nil
}

// RequestPermission auto-selects the first allow_once/allow_always
// option. No interactive prompt is ever issued: there is no TTY behind
// this process.
func (c *sessionClient) RequestPermission(_ context.Context, params acpsdk.RequestPermissionRequest) (acpsdk.RequestPermissionResponse, error) {
	c.touch()
	for _, opt := range params.Options {
		if allowedPermissionKinds[string(opt.Kind)] {
			return acpsdk.RequestPermissionResponse{
				Outcome: acpsdk.NewRequestPermissionOutcomeSelected(opt.OptionId),
			}, nil
		}
	}
	return acpsdk.RequestPermissionResponse{
		Outcome: acpsdk.NewRequestPermissionOutcomeCancelled(),
	}, nil
}

// The remaining Client methods are filesystem/terminal capabilities
// this gateway never advertises in ClientCapabilities; an agent that
// calls them anyway gets a clear rejection rather than a hang.

func (c *sessionClient) ReadTextFile(_ context.Context, _ acpsdk.ReadTextFileRequest) (acpsdk.ReadTextFileResponse, error) {
	return acpsdk.ReadTextFileResponse{}, fmt.Errorf("ReadTextFile not supported")
}

func (c *sessionClient) WriteTextFile(_ context.Context, _ acpsdk.WriteTextFileRequest) (acpsdk.WriteTextFileResponse, error) {
	return acpsdk.WriteTextFileResponse{}, fmt.Errorf("WriteTextFile not supported")
}

func (c *sessionClient) CreateTerminal(_ context.Context, _ acpsdk.CreateTerminalRequest) (acpsdk.CreateTerminalResponse, error) {
	return acpsdk.CreateTerminalResponse{}, fmt.Errorf("CreateTerminal not supported")
}

func (c *sessionClient) KillTerminalCommand(_ context.Context, _ acpsdk.KillTerminalCommandRequest) (acpsdk.KillTerminalCommandResponse, error) {
	return acpsdk.KillTerminalCommandResponse{}, fmt.Errorf("KillTerminalCommand not supported")
}

func (c *sessionClient) TerminalOutput(_ context.Context, _ acpsdk.TerminalOutputRequest) (acpsdk.TerminalOutputResponse, error) {
	return acpsdk.TerminalOutputResponse{}, fmt.Errorf("TerminalOutput not supported")
}

func (c *sessionClient) ReleaseTerminal(_ context.Context, _ acpsdk.ReleaseTerminalRequest) (acpsdk.ReleaseTerminalResponse, error) {
	return acpsdk.ReleaseTerminalResponse{}, fmt.Errorf("ReleaseTerminal not supported")
}

func (c *sessionClient) WaitForTerminalExit(_ context.Context, _ acpsdk.WaitForTerminalExitRequest) (acpsdk.WaitForTerminalExitResponse, error) {
	return acpsdk.WaitForTerminalExitResponse{}, fmt.Errorf("WaitForTerminalExit not supported")
}
