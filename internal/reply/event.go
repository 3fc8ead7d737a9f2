// Package reply reconstructs a bot reply from the chat backend's event
// stream: text runs and inline markdown images become ordered segments.
package reply

import "encoding/json"

// Event types emitted by the chat backend.
const (
	TypeProgress       = "chat-response-progress"
	TypeFinished       = "chat-response-finished"
	TypeError          = "error"
	TypeReady          = "ready"
	TypeContactOptions = "contact-options"
	TypeAck            = "ack"
)

// DoneSentinel terminates an event stream.
const DoneSentinel = "[DONE]"

// Event is one JSON payload from the backend. Data and Message are kept raw
// because only string values carry reply text.
type Event struct {
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message json.RawMessage `json:"message,omitempty"`
}

// IsTerminal reports whether the event ends a chat turn.
func (e Event) IsTerminal() bool { return e.Type == TypeFinished }

// DataString returns Data when it is a JSON string.
func (e Event) DataString() (string, bool) { return rawString(e.Data) }

// MessageString returns Message when it is a JSON string.
func (e Event) MessageString() (string, bool) { return rawString(e.Message) }

func rawString(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 || raw[0] != '"' {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}
