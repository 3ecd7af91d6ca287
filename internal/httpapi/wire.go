// Package httpapi implements the OpenAI-compatible chat-completions
// HTTP surface: request parsing, SSE and blocking response emission,
// route dispatch, and CORS.
package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/Veraticus/kirogate/internal/message"
)

// ChatCompletionRequest is the subset of the OpenAI chat-completions
// request body this gateway accepts. Model, temperature, and
// max_tokens are accepted and ignored; the session is always driven by
// a single synthetic model id.
type ChatCompletionRequest struct {
	Model       string            `json:"model"`
	Messages    []message.Message `json:"messages"`
	Stream      *bool             `json:"stream"`
	User        string            `json:"user"`
	Temperature *float64          `json:"temperature"`
	MaxTokens   *int              `json:"max_tokens"`
}

// WantsStream reports whether the caller asked for SSE streaming.
// Defaults to true when the field is absent, per the OpenAI-subset
// contract.
func (r ChatCompletionRequest) WantsStream() bool {
	if r.Stream == nil {
		return true
	}
	return *r.Stream
}

// ParseChatCompletionRequest decodes and minimally validates a
// completions request body.
func ParseChatCompletionRequest(body []byte) (ChatCompletionRequest, error) {
	var req ChatCompletionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return ChatCompletionRequest{}, fmt.Errorf("invalid JSON body: %w", err)
	}
	if len(req.Messages) == 0 {
		return ChatCompletionRequest{}, fmt.Errorf("messages must be a non-empty array")
	}
	return req, nil
}

// Delta is one streamed chunk's incremental content.
type Delta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// ChunkChoice is one entry of a streaming chunk's choices array.
type ChunkChoice struct {
	Index        int     `json:"index"`
	Delta        Delta   `json:"delta"`
	FinishReason *string `json:"finish_reason"`
}

// ChatCompletionChunk is one SSE frame's JSON payload.
type ChatCompletionChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
}

// CompletionMessage is the blocking response's single message.
type CompletionMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionChoice is one entry of a blocking response's choices array.
type CompletionChoice struct {
	Index        int               `json:"index"`
	Message      CompletionMessage `json:"message"`
	FinishReason string            `json:"finish_reason"`
}

// Usage is always zeroed: this gateway has no token accounting for the
// subprocess it fronts.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatCompletionResponse is the blocking-mode response body.
type ChatCompletionResponse struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []CompletionChoice `json:"choices"`
	Usage   Usage              `json:"usage"`
}

// ErrorBody is the nested error object every JSON error response
// carries.
type ErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// ErrorResponse is the JSON body of every non-2xx response this
// gateway returns.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// WriteJSONError writes a JSON error body with the given status code.
func WriteJSONError(w http.ResponseWriter, status int, errType, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: ErrorBody{Message: message, Type: errType}})
}
