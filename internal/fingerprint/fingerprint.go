// Package fingerprint derives a stable 32-hex-character session key
// from a conversation so that the same logical conversation routes to
// the same agent subprocess turn after turn, even when the caller
// never supplies one explicitly.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/Veraticus/kirogate/internal/message"
)

// anchorContentLimit caps each anchor field before hashing so that
// near-identical long messages (e.g. a pasted log with one changed
// line) still collapse onto the same key.
const anchorContentLimit = 512

// messageIDPattern strips an embedded JSON message-id field so that
// chat-platform adapters that re-stamp the id on each send still hash
// to the same key.
var messageIDPattern = regexp.MustCompile(`"message_id"\s*:\s*"[^"]*"`)

// timestampPattern strips a bracketed human-readable timestamp of the
// shape "[<prefix> Weekday YYYY-MM-DD HH:MM TZ]".
var timestampPattern = regexp.MustCompile(
	`\[[^\[\]]*(?:Mon|Tue|Wed|Thu|Fri|Sat|Sun)[a-z]*\s+\d{4}-\d{2}-\d{2}\s+\d{2}:\d{2}\s+[A-Za-z0-9/+_-]+\]`,
)

// ResolveKey returns explicitKey verbatim (after trimming whitespace)
// when non-blank, otherwise the fingerprint of messages.
func ResolveKey(messages []message.Message, explicitKey string) string {
	if trimmed := strings.TrimSpace(explicitKey); trimmed != "" {
		return trimmed
	}
	return Fingerprint(messages)
}

// Fingerprint computes the low 128 bits (32 hex chars) of SHA-256 over
// the conversation anchor: the first system message plus the first
// user message, or just the first user message if no system message
// precedes it.
func Fingerprint(messages []message.Message) string {
	anchor := buildAnchor(messages)
	sum := sha256.Sum256([]byte(anchor))
	return hex.EncodeToString(sum[:16])
}

func buildAnchor(messages []message.Message) string {
	var systemText, userText string
	haveSystem, haveUser := false, false

	for _, m := range messages {
		switch {
		case m.Role == message.RoleSystem && !haveSystem && !haveUser:
			systemText = m.Content.Text()
			haveSystem = true
		case m.Role == message.RoleUser && !haveUser:
			userText = m.Content.Text()
			haveUser = true
		}
		if haveSystem && haveUser {
			break
		}
	}

	var b strings.Builder
	if haveSystem {
		b.WriteString("role:")
		b.WriteString(truncate(stripNoise(systemText), anchorContentLimit))
	}
	b.WriteString("role:")
	b.WriteString(truncate(stripNoise(userText), anchorContentLimit))
	return b.String()
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}

func stripNoise(s string) string {
	s = messageIDPattern.ReplaceAllString(s, "")
	s = timestampPattern.ReplaceAllString(s, "")
	return s
}
