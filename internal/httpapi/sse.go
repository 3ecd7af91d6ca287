package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// SSEWriter emits `data: <json>\n\n` frames and flushes after each one
// so the client sees them as they're produced, not buffered until the
// handler returns.
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewSSEWriter sets the streaming response headers and returns a writer
// for the frames that follow. ok is false if the underlying
// ResponseWriter cannot flush incrementally.
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	return &SSEWriter{w: w, flusher: flusher}, true
}

// WriteChunk marshals chunk and writes it as one SSE data frame.
func (s *SSEWriter) WriteChunk(chunk ChatCompletionChunk) error {
	data, err := json.Marshal(chunk)
	if err != nil {
		return fmt.Errorf("marshaling chunk: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// WriteDone writes the terminal `data: [DONE]` frame.
func (s *SSEWriter) WriteDone() error {
	if _, err := fmt.Fprint(s.w, "data: [DONE]\n\n"); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
