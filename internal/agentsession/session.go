// Package agentsession spawns and speaks Agent Client Protocol to a
// single long-lived agent subprocess, turning its line-oriented
// JSON-RPC stdio into a prompt/streaming-chunk interface the pool can
// drive one turn at a time.
package agentsession

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	acpsdk "github.com/coder/acp-go-sdk"
)

// DefaultPromptTimeout is the activity-idle watchdog window: how long
// the prompt waits for *any* server-initiated traffic before declaring
// the subprocess gone silent.
const DefaultPromptTimeout = 5 * time.Minute

// watchdogPoll is how often Prompt checks the activity timestamp
// against the timeout.
const watchdogPoll = 1 * time.Second

// Options configures a spawned agent subprocess.
type Options struct {
	Command       string
	Args          []string
	Cwd           string
	PromptTimeout time.Duration
}

// Events are callbacks an AgentSession fires. OnActivity fires when a
// prompt starts; OnContextUsage fires as each context-usage extension
// notification arrives. Both are optional.
type Events struct {
	OnActivity     func()
	OnContextUsage func(pct float64)
}

// AgentSession owns one spawned subprocess, its ACP connection, and
// the bookkeeping needed to race a prompt against subprocess death and
// silence.
type AgentSession struct {
	opts   Options
	events Events
	log    *slog.Logger

	proc      *process
	conn      *acpsdk.ClientSideConnection
	client    *sessionClient
	tap       *extTap
	tapClosed chan struct{}

	id acpsdk.SessionId

	lastTouchNano atomic.Int64

	mu             sync.Mutex
	lastContextPct float64

	closeOnce sync.Once
}

// New spawns the configured executable, performs the ACP handshake,
// and returns a ready session bound to the agent-assigned session id.
func New(ctx context.Context, opts Options, events Events) (*AgentSession, error) {
	if opts.PromptTimeout <= 0 {
		opts.PromptTimeout = DefaultPromptTimeout
	}

	proc, err := spawnProcess(opts.Command, opts.Args, opts.Cwd)
	if err != nil {
		return nil, err
	}

	s := &AgentSession{
		opts:      opts,
		events:    events,
		log:       slog.Default().With("cmd", opts.Command, "cwd", opts.Cwd),
		proc:      proc,
		tapClosed: make(chan struct{}),
	}
	s.touch()

	s.client = &sessionClient{log: s.log}
	s.client.onActivity = s.touch

	s.tap = newExtTap(proc.stdout)
	go s.tap.watch(s.handleContextUsage, s.tapClosed)

	s.conn = acpsdk.NewClientSideConnection(s.client, proc.stdin, s.tap)

	initResp, err := s.conn.Initialize(ctx, acpsdk.InitializeRequest{
		ProtocolVersion: acpsdk.ProtocolVersionNumber,
		ClientCapabilities: acpsdk.ClientCapabilities{
			Fs: acpsdk.FileSystemCapability{ReadTextFile: false, WriteTextFile: false},
		},
	})
	if err != nil {
		s.Close()
		return nil, &HandshakeFailure{Reason: "initialize: " + err.Error()}
	}
	s.log.Debug("acp initialize ok", "loadSession", initResp.AgentCapabilities.LoadSession)

	sessResp, err := s.conn.NewSession(ctx, acpsdk.NewSessionRequest{
		Cwd:        opts.Cwd,
		McpServers: []acpsdk.McpServer{},
	})
	if err != nil {
		s.Close()
		return nil, &HandshakeFailure{Reason: "newSession: " + err.Error()}
	}
	s.id = sessResp.SessionId

	return s, nil
}

// ID is the agent-assigned ACP session id.
func (s *AgentSession) ID() string {
	return string(s.id)
}

// Uptime reports how long the subprocess has been running.
func (s *AgentSession) Uptime() time.Duration {
	return s.proc.Uptime()
}

// RSS reports the subprocess's resident set size in bytes, best effort.
func (s *AgentSession) RSS() int64 {
	return s.proc.rss()
}

// LastContextPct returns the most recently reported context-usage
// percentage, or -1 if none has been reported yet.
func (s *AgentSession) LastContextPct() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastContextPct
}

// Dead reports whether the subprocess has already exited.
func (s *AgentSession) Dead() bool {
	select {
	case <-s.proc.Done():
		return true
	default:
		return false
	}
}

func (s *AgentSession) touch() {
	s.lastTouchNano.Store(time.Now().UnixNano())
}

func (s *AgentSession) lastTouch() time.Time {
	return time.Unix(0, s.lastTouchNano.Load())
}

func (s *AgentSession) handleContextUsage(pct float64) {
	s.mu.Lock()
	s.lastContextPct = pct
	s.mu.Unlock()
	s.touch()
	if s.events.OnContextUsage != nil {
		s.events.OnContextUsage(pct)
	}
}

// Prompt sends text as the sole content block of a `prompt` request and
// streams text deltas to onChunk as agent_message_chunk updates arrive.
// It races the RPC response against the subprocess dying and against an
// activity-idle timeout, returning whichever resolves first.
func (s *AgentSession) Prompt(ctx context.Context, text string, onChunk func(string)) (string, error) {
	s.client.setChunkHandler(onChunk)
	defer s.client.setChunkHandler(nil)

	s.touch()
	if s.events.OnActivity != nil {
		s.events.OnActivity()
	}

	type promptResult struct {
		resp acpsdk.PromptResponse
		err  error
	}
	resultCh := make(chan promptResult, 1)
	go func() {
		resp, err := s.conn.Prompt(ctx, acpsdk.PromptRequest{
			SessionId: s.id,
			Prompt:    []acpsdk.ContentBlock{acpsdk.TextBlock(text)},
		})
		resultCh <- promptResult{resp: resp, err: err}
	}()

	ticker := time.NewTicker(watchdogPoll)
	defer ticker.Stop()

	for {
		select {
		case r := <-resultCh:
			if r.err != nil {
				return "", &RPCError{Message: r.err.Error()}
			}
			return string(r.resp.StopReason), nil
		case <-s.proc.Done():
			code, sig := s.proc.exitInfo()
			return "", &ProcessExited{Code: code, Signal: sig}
		case <-ticker.C:
			if idle := time.Since(s.lastTouch()); idle >= s.opts.PromptTimeout {
				return "", &PromptTimeout{TimeoutSeconds: s.opts.PromptTimeout.Seconds()}
			}
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// Close kills the subprocess via the two-stage SIGTERM/SIGKILL sequence
// and stops the extension-notification watcher. Safe to call more than
// once and safe to call concurrently with Prompt.
func (s *AgentSession) Close() {
	s.closeOnce.Do(func() {
		s.proc.Kill()
		close(s.tapClosed)
	})
}
