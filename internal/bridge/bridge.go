// Package bridge wires the HTTP facade to the session pool: request
// parsing already done by httpapi, session-key resolution, delta
// computation already done by the pool, and the turn's recovery state
// machine (timeout, invalid history, consecutive errors, context
// pressure) shared by the streaming and blocking response paths.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Veraticus/kirogate/internal/agentsession"
	"github.com/Veraticus/kirogate/internal/fingerprint"
	"github.com/Veraticus/kirogate/internal/httpapi"
	"github.com/Veraticus/kirogate/internal/message"
	"github.com/Veraticus/kirogate/internal/pool"
)

const (
	maxConsecutiveErrors = 3
	sizeWarnChars        = 500_000
	sizeInfoChars        = 200_000

	contextWarnPct     = 80.0
	contextCriticalPct = 90.0
)

const (
	msgPromptIdleTimeout = "⚠️ The session went silent for too long (no tool activity). It has been reset — please resend your message."
	msgConsecutiveErrors = "⚠️ Multiple consecutive errors detected. The session has been reset — please resend your message."
	msgHistoryCorrupted  = "⚠️ Session history became corrupted and auto-recovery failed. Please send /new to reset this conversation."
)

func contextWarnChunk(pct float64) string {
	return fmt.Sprintf("\n\n⚠️ Context window at %.0f%%. Send /new soon to reset before it fills up.", pct)
}

func contextCriticalChunk(pct float64) string {
	return fmt.Sprintf("\n\n🚨 Context window at %.0f%% — approaching auto-reset threshold (95%%). Send /new now to avoid losing your session mid-task.", pct)
}

// Handler implements httpapi.CompletionsHandler: the POST
// /v1/chat/completions endpoint.
type Handler struct {
	pool *pool.Pool
	log  *slog.Logger
	now  func() time.Time

	// onPromptDuration, if set, is called with each prompt's
	// wall-clock duration in seconds. Wired to internal/metrics'
	// histogram by the gateway at startup.
	onPromptDuration func(seconds float64)
}

// NewHandler builds the completions handler against p.
func NewHandler(p *pool.Pool) *Handler {
	return &Handler{pool: p, log: slog.Default().With("component", "bridge"), now: time.Now}
}

// WithPromptDurationHook sets the callback invoked after every prompt
// call with its wall-clock duration.
func (h *Handler) WithPromptDurationHook(fn func(seconds float64)) *Handler {
	h.onPromptDuration = fn
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		httpapi.WriteJSONError(w, http.StatusBadRequest, "invalid_request_error", "could not read request body")
		return
	}

	req, err := httpapi.ParseChatCompletionRequest(body)
	if err != nil {
		httpapi.WriteJSONError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}

	key := h.resolveKey(r, req)
	channelKey := r.Header.Get("X-Openclaw-Session-Key")

	h.logSize(key, req.Messages)

	ms, deltaText, err := h.pool.GetOrCreate(r.Context(), key, req.Messages, channelKey)
	if err != nil {
		h.log.Error("session creation failed", "key", keyPrefix(key), "error", err)
		httpapi.WriteJSONError(w, http.StatusServiceUnavailable, "service_unavailable_error", "could not start agent session")
		return
	}
	defer ms.Release()

	if strings.TrimSpace(deltaText) == "" {
		h.writeEmptyCompletion(w, req)
		return
	}

	if req.WantsStream() {
		h.serveStreaming(r.Context(), w, req, ms, deltaText, key)
		return
	}
	h.serveBlocking(r.Context(), w, req, ms, deltaText, key)
}

func (h *Handler) serveStreaming(ctx context.Context, w http.ResponseWriter, req httpapi.ChatCompletionRequest, ms *pool.ManagedSession, deltaText, key string) {
	sse, ok := httpapi.NewSSEWriter(w)
	if !ok {
		httpapi.WriteJSONError(w, http.StatusInternalServerError, "server_error", "streaming unsupported by this connection")
		return
	}

	id := completionID()
	created := h.now().Unix()

	_ = sse.WriteChunk(httpapi.ChatCompletionChunk{
		ID: id, Object: "chat.completion.chunk", Created: created, Model: httpapi.SyntheticModelID,
		Choices: []httpapi.ChunkChoice{{Index: 0, Delta: httpapi.Delta{Role: "assistant"}}},
	})

	emit := func(text string) {
		_ = sse.WriteChunk(httpapi.ChatCompletionChunk{
			ID: id, Object: "chat.completion.chunk", Created: created, Model: httpapi.SyntheticModelID,
			Choices: []httpapi.ChunkChoice{{Index: 0, Delta: httpapi.Delta{Content: text}}},
		})
	}

	outcome := h.runTurn(ctx, ms, key, req.Messages, deltaText, emit)

	if outcome.text == "" {
		if pct := ms.LastContextPct(); pct >= contextCriticalPct {
			emit(contextCriticalChunk(pct))
		} else if pct >= contextWarnPct {
			emit(contextWarnChunk(pct))
		}
	} else {
		emit(outcome.text)
	}

	stop := "stop"
	_ = sse.WriteChunk(httpapi.ChatCompletionChunk{
		ID: id, Object: "chat.completion.chunk", Created: created, Model: httpapi.SyntheticModelID,
		Choices: []httpapi.ChunkChoice{{Index: 0, Delta: httpapi.Delta{}, FinishReason: &stop}},
	})
	_ = sse.WriteDone()
}

func (h *Handler) serveBlocking(ctx context.Context, w http.ResponseWriter, req httpapi.ChatCompletionRequest, ms *pool.ManagedSession, deltaText, key string) {
	var b strings.Builder
	emit := func(text string) { b.WriteString(text) }

	outcome := h.runTurn(ctx, ms, key, req.Messages, deltaText, emit)

	if outcome.httpStatus != 0 {
		httpapi.WriteJSONError(w, outcome.httpStatus, outcome.errType, outcome.text)
		return
	}

	if pct := ms.LastContextPct(); pct >= contextCriticalPct {
		b.WriteString(contextCriticalChunk(pct))
	} else if pct >= contextWarnPct {
		b.WriteString(contextWarnChunk(pct))
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(httpapi.ChatCompletionResponse{
		ID:      completionID(),
		Object:  "chat.completion",
		Created: h.now().Unix(),
		Model:   httpapi.SyntheticModelID,
		Choices: []httpapi.CompletionChoice{{
			Index:        0,
			Message:      httpapi.CompletionMessage{Role: "assistant", Content: b.String()},
			FinishReason: "stop",
		}},
	})
}

// resolveKey implements §4.4 step 2's precedence: X-Kiro-Session-Id,
// then the opaque chat-platform header, then the body's user field,
// then the conversation fingerprint.
func (h *Handler) resolveKey(r *http.Request, req httpapi.ChatCompletionRequest) string {
	explicit := r.Header.Get("X-Kiro-Session-Id")
	if strings.TrimSpace(explicit) == "" {
		explicit = r.Header.Get("X-Openclaw-Session-Key")
	}
	if strings.TrimSpace(explicit) == "" {
		explicit = req.User
	}
	return fingerprint.ResolveKey(req.Messages, explicit)
}

func (h *Handler) logSize(key string, messages []message.Message) {
	total := message.TotalChars(messages)
	switch {
	case total > sizeWarnChars:
		h.log.Warn("large conversation payload", "key", keyPrefix(key), "chars", total)
	case total > sizeInfoChars:
		h.log.Info("sizable conversation payload", "key", keyPrefix(key), "chars", total)
	}
}

func (h *Handler) writeEmptyCompletion(w http.ResponseWriter, req httpapi.ChatCompletionRequest) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(httpapi.ChatCompletionResponse{
		ID:      completionID(),
		Object:  "chat.completion",
		Created: h.now().Unix(),
		Model:   httpapi.SyntheticModelID,
		Choices: []httpapi.CompletionChoice{{
			Index:        0,
			Message:      httpapi.CompletionMessage{Role: "assistant", Content: ""},
			FinishReason: "stop",
		}},
	})
}

func completionID() string {
	return fmt.Sprintf("chatcmpl-%d", time.Now().UnixNano())
}

func keyPrefix(key string) string {
	const n = 8
	if len(key) <= n {
		return key
	}
	return key[:n]
}

// turnOutcome is what the recovery state machine decided happened,
// shared by both response paths so they emit identical user-visible
// text. Every streamed response and every successful blocking response
// finishes with finish_reason "stop"; a blocking failure is a JSON error
// body instead. The agent subprocess's own stop reason is not surfaced
// on the wire.
type turnOutcome struct {
	text       string
	httpStatus int
	errType    string
}

// runTurn drives one prompt through the recovery state machine
// described in §4.4. emit is called zero or more times with streamed
// text as it arrives (for the blocking path the caller just
// accumulates instead of writing to the wire).
func (h *Handler) runTurn(ctx context.Context, ms *pool.ManagedSession, key string, allMessages []message.Message, text string, emit func(string)) turnOutcome {
	start := h.now()
	_, err := ms.Agent().Prompt(ctx, text, emit)
	if h.onPromptDuration != nil {
		h.onPromptDuration(h.now().Sub(start).Seconds())
	}
	if err == nil {
		ms.RecordSuccess()
		return turnOutcome{}
	}

	var timeoutErr *agentsession.PromptTimeout
	switch {
	case errors.As(err, &timeoutErr):
		h.pool.ResetSession(key, "prompt-idle-timeout")
		return turnOutcome{text: msgPromptIdleTimeout, httpStatus: http.StatusGatewayTimeout, errType: "timeout"}

	case agentsession.IsInvalidHistory(err):
		return h.recoverInvalidHistory(ctx, key, allMessages, emit)

	default:
		n := ms.RecordError()
		if n >= maxConsecutiveErrors {
			h.pool.ResetSession(key, fmt.Sprintf("consecutive-errors-%d", n))
			return turnOutcome{text: msgConsecutiveErrors, httpStatus: http.StatusInternalServerError, errType: "server_error"}
		}
		h.log.Warn("prompt failed", "key", keyPrefix(key), "error", err)
		return turnOutcome{httpStatus: http.StatusInternalServerError, errType: "server_error"}
	}
}

// recoverInvalidHistory implements the one-shot recovery retry: reset,
// spawn fresh with the full message history already seeded as sent,
// then resend only the latest user message.
func (h *Handler) recoverInvalidHistory(ctx context.Context, key string, allMessages []message.Message, emit func(string)) turnOutcome {
	h.pool.ResetSession(key, "invalid-conversation-history")

	recoveryText := strings.TrimSpace(lastUserText(allMessages))
	if recoveryText == "" {
		return turnOutcome{text: msgHistoryCorrupted, httpStatus: http.StatusInternalServerError, errType: "server_error"}
	}

	fresh, _, err := h.pool.GetOrCreate(ctx, key, allMessages, "")
	if err != nil {
		return turnOutcome{text: msgHistoryCorrupted, httpStatus: http.StatusInternalServerError, errType: "server_error"}
	}
	defer fresh.Release()

	_, err = fresh.Agent().Prompt(ctx, recoveryText, emit)
	if err != nil {
		h.log.Warn("invalid-history recovery retry failed", "key", keyPrefix(key), "error", err)
		return turnOutcome{text: msgHistoryCorrupted, httpStatus: http.StatusInternalServerError, errType: "server_error"}
	}
	fresh.RecordSuccess()
	return turnOutcome{}
}

// lastUserText returns the most recent user message's text, the text
// resent on a one-shot invalid-history recovery retry.
func lastUserText(messages []message.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == message.RoleUser {
			return messages[i].Content.Text()
		}
	}
	return ""
}
