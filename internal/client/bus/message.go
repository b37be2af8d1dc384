package bus

import "encoding/json"

// EventType names a session lifecycle event.
type EventType string

const (
	EventLogin          EventType = "login"
	EventLogout         EventType = "logout"
	EventTokenExpired   EventType = "token-expired"
	EventTokenRefreshed EventType = "token-refreshed"
	EventSessionUpdate  EventType = "session-update"
)

// Events lists every event type in a stable order.
var Events = []EventType{EventLogin, EventLogout, EventTokenExpired, EventTokenRefreshed, EventSessionUpdate}

// Message is the wire form of a broadcast. Timestamp is Unix milliseconds
// at the sender.
type Message struct {
	Type      EventType       `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Origin    string          `json:"origin"`
	Timestamp int64           `json:"timestamp"`
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}

// dedupKey identifies structurally identical messages regardless of
// sender or send time.
func (m Message) dedupKey() string {
	return string(m.Type) + "\x00" + string(m.Payload)
}
