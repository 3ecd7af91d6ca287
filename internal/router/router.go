// Package router maps an opaque chat-platform channel id, embedded in
// a session key, to a working-directory/extra-args override for the
// agent subprocess spawned for that channel.
package router

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
)

// channelPattern extracts a Discord channel id from a session key of
// the shape "discord:channel:<id>".
var channelPattern = regexp.MustCompile(`discord:channel:(\d+)`)

// Route is one entry of the route table: the working directory (and
// optionally extra CLI args) to use for the agent subprocess spawned
// for a given channel.
type Route struct {
	Cwd       string   `json:"cwd"`
	ExtraArgs []string `json:"kiroArgs,omitempty"`
}

// Table is the route table loaded once at startup from a JSON file of
// shape {"<channelId>": {"cwd": "...", "kiroArgs"?: [...]}}.
type Table struct {
	routes map[string]Route
}

// LoadTable reads and parses the route table at path.
func LoadTable(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("router: reading route table %q: %w", path, err)
	}
	var routes map[string]Route
	if err := json.Unmarshal(data, &routes); err != nil {
		return nil, fmt.Errorf("router: parsing route table %q: %w", path, err)
	}
	return &Table{routes: routes}, nil
}

// DetectChannelID extracts the channel id embedded in sessionKey, if
// any.
func DetectChannelID(sessionKey string) (string, bool) {
	m := channelPattern.FindStringSubmatch(sessionKey)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// Resolve returns the route configured for the channel id embedded in
// sessionKey, if the key names a channel and that channel appears in
// the table. A nil Table always misses.
func (t *Table) Resolve(sessionKey string) (Route, bool) {
	if t == nil {
		return Route{}, false
	}
	channelID, ok := DetectChannelID(sessionKey)
	if !ok {
		return Route{}, false
	}
	route, ok := t.routes[channelID]
	return route, ok
}
