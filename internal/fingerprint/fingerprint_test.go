package fingerprint_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Veraticus/kirogate/internal/fingerprint"
	"github.com/Veraticus/kirogate/internal/message"
)

func user(text string) message.Message {
	return message.Message{Role: message.RoleUser, Content: message.NewTextContent(text)}
}

func system(text string) message.Message {
	return message.Message{Role: message.RoleSystem, Content: message.NewTextContent(text)}
}

func assistant(text string) message.Message {
	return message.Message{Role: message.RoleAssistant, Content: message.NewTextContent(text)}
}

func TestResolveKey_ExplicitKeyWins(t *testing.T) {
	msgs := []message.Message{user("hi")}
	key := fingerprint.ResolveKey(msgs, "  caller-supplied-key  ")
	assert.Equal(t, "caller-supplied-key", key)
}

func TestResolveKey_BlankFallsBackToFingerprint(t *testing.T) {
	msgs := []message.Message{user("hi")}
	key := fingerprint.ResolveKey(msgs, "   ")
	assert.Len(t, key, 32)
	assert.Regexp(t, "^[0-9a-f]{32}$", key)
}

func TestFingerprint_StableAcrossGrowingHistory(t *testing.T) {
	base := []message.Message{system("you are helpful"), user("first question")}
	key1 := fingerprint.Fingerprint(base)

	extended := append(append([]message.Message{}, base...),
		assistant("an answer"), user("a follow up"))
	key2 := fingerprint.Fingerprint(extended)

	assert.Equal(t, key1, key2)
}

func TestFingerprint_DiffersOnFirstUserContent(t *testing.T) {
	a := fingerprint.Fingerprint([]message.Message{user("question A")})
	b := fingerprint.Fingerprint([]message.Message{user("question B")})
	assert.NotEqual(t, a, b)
}

func TestFingerprint_SystemPresenceChangesKey(t *testing.T) {
	withSystem := fingerprint.Fingerprint([]message.Message{system("persona"), user("hi")})
	withoutSystem := fingerprint.Fingerprint([]message.Message{user("hi")})
	assert.NotEqual(t, withSystem, withoutSystem)
}

func TestFingerprint_TruncationAgreesAfterNoiseStrip(t *testing.T) {
	long := strings.Repeat("a", 600)
	msgsA := []message.Message{user(long + " tail-one")}
	msgsB := []message.Message{user(long + " tail-two")}

	assert.Equal(t, fingerprint.Fingerprint(msgsA), fingerprint.Fingerprint(msgsB))
}

func TestFingerprint_NoiseStrippingIgnoresMessageIDAndTimestamp(t *testing.T) {
	a := fingerprint.Fingerprint([]message.Message{
		user(`[Discord Mon 2026-08-03 10:15 UTC] {"message_id":"111"} hello there`),
	})
	b := fingerprint.Fingerprint([]message.Message{
		user(`[Discord Wed 2026-08-05 22:40 PST] {"message_id":"999"} hello there`),
	})
	assert.Equal(t, a, b)
}
