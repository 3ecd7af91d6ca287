// Package message defines the conversation data model shared by the
// HTTP facade, the bridge, and the session pool: OpenAI-shaped chat
// messages in, plain prompt text out.
package message

import (
	"encoding/json"
	"strings"
	"unicode/utf8"
)

// Role identifies who authored a message. Unknown roles are preserved
// through fingerprinting but never forwarded to an agent subprocess.
type Role string

// Recognized roles.
const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of an OpenAI-style chat-completions conversation.
// Content arrives as either a bare string or an ordered list of typed
// parts; only parts tagged "text" contribute to prompt text.
type Message struct {
	Role    Role    `json:"role"`
	Content Content `json:"content"`
}

// ContentPart is one element of a multi-part message body. Types other
// than "text" (e.g. "image_url") are accepted but ignored.
type ContentPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Content holds a message body that may be a plain string or a list of
// typed parts on the wire. It implements json.Unmarshaler/Marshaler so
// callers never have to special-case the two shapes.
type Content struct {
	text  string
	Parts []ContentPart
	multi bool
}

// NewTextContent builds a plain-string Content, mainly for tests.
func NewTextContent(text string) Content {
	return Content{text: text}
}

// UnmarshalJSON accepts either a JSON string or an array of content
// parts, matching the OpenAI chat-completions request schema.
func (c *Content) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		c.text = s
		c.Parts = nil
		c.multi = false
		return nil
	}

	var parts []ContentPart
	if err := json.Unmarshal(data, &parts); err != nil {
		return err
	}
	c.Parts = parts
	c.multi = true
	return nil
}

// MarshalJSON round-trips whichever shape was parsed.
func (c Content) MarshalJSON() ([]byte, error) {
	if c.multi {
		return json.Marshal(c.Parts)
	}
	return json.Marshal(c.text)
}

// Text returns the concatenation of all text-bearing content: the bare
// string form verbatim, or every part tagged "text" joined with no
// separator (OpenAI clients rarely split a single logical sentence
// across parts, but when they do this preserves reading order).
func (c Content) Text() string {
	if !c.multi {
		return c.text
	}
	var b strings.Builder
	for _, p := range c.Parts {
		if p.Type == "text" {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// TotalChars returns the character count across every message's text,
// used for the pre-flight size logging in the bridge.
func TotalChars(messages []Message) int {
	total := 0
	for _, m := range messages {
		total += utf8.RuneCountInString(m.Content.Text())
	}
	return total
}

// UserText renders the text of every user message, joined by a blank
// line, per the drop-system rendering policy.
func UserText(messages []Message) string {
	var parts []string
	for _, m := range messages {
		if m.Role != RoleUser {
			continue
		}
		if t := strings.TrimSpace(m.Content.Text()); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.TrimSpace(strings.Join(parts, "\n\n"))
}
