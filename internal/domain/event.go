package domain

import "encoding/json"

// EventType discriminates events written to the client stream.
type EventType string

const (
	EventDelta    EventType = "delta"
	EventMetadata EventType = "metadata"
	EventError    EventType = "error"
)

// StreamEvent is one normalized event for the client.
//
// Delta events are written as the upstream record verbatim (Raw) so clients
// keep reading the same text field they always have. Text carries the
// extracted fragment for server-side accumulation.
type StreamEvent struct {
	Type           EventType
	Text           string
	Raw            json.RawMessage
	SessionID      string
	ConversationID string
	MessageID      string
	Error          string
}

type deltaPayload struct {
	Output deltaOutput `json:"output"`
}

type deltaOutput struct {
	Text string `json:"text"`
}

type metadataPayload struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`
	ChatID    string    `json:"chat_id"`
	MessageID string    `json:"message_id,omitempty"`
}

type errorPayload struct {
	Type  EventType `json:"type"`
	Error string    `json:"error"`
}

// MarshalJSON renders the client-facing shape for each event type.
func (e StreamEvent) MarshalJSON() ([]byte, error) {
	switch e.Type {
	case EventDelta:
		if len(e.Raw) > 0 {
			return e.Raw, nil
		}
		return json.Marshal(deltaPayload{Output: deltaOutput{Text: e.Text}})
	case EventMetadata:
		return json.Marshal(metadataPayload{
			Type:      EventMetadata,
			SessionID: e.SessionID,
			ChatID:    e.ConversationID,
			MessageID: e.MessageID,
		})
	default:
		return json.Marshal(errorPayload{Type: EventError, Error: e.Error})
	}
}
