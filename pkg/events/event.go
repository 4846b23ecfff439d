package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// Topics of the client state events. The event type doubles as the topic.
const (
	TopicConnection = "docchat.connection"
	TopicMessages   = "docchat.messages"
	TopicStreaming  = "docchat.streaming"
	TopicMetadata   = "docchat.metadata"
)

// AllTopics lists every topic a watcher may subscribe to.
var AllTopics = []string{TopicConnection, TopicMessages, TopicStreaming, TopicMetadata}

// Event defines the contract for all state events.
type Event interface {
	// EventType returns the topic of the event (e.g. "docchat.messages").
	EventType() string

	// Payload returns the data associated with the event.
	Payload() map[string]interface{}

	// Timestamp returns when the event occurred.
	Timestamp() time.Time
}

type BaseEvent struct {
	Type       string                 `json:"type"`
	Data       map[string]interface{} `json:"data"`
	OccurredAt time.Time              `json:"occurred_at"`
}

func New(eventType string, data map[string]interface{}) BaseEvent {
	return BaseEvent{Type: eventType, Data: data, OccurredAt: time.Now().UTC()}
}

func (e BaseEvent) EventType() string {
	return e.Type
}

func (e BaseEvent) Payload() map[string]interface{} {
	return e.Data
}

func (e BaseEvent) Timestamp() time.Time {
	return e.OccurredAt
}

// Marshal encodes any Event as the envelope every bus carries.
func Marshal(e Event) ([]byte, error) {
	data, err := json.Marshal(BaseEvent{Type: e.EventType(), Data: e.Payload(), OccurredAt: e.Timestamp()})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event %s: %w", e.EventType(), err)
	}
	return data, nil
}

func Unmarshal(data []byte) (BaseEvent, error) {
	var e BaseEvent
	if err := json.Unmarshal(data, &e); err != nil {
		return BaseEvent{}, fmt.Errorf("failed to unmarshal event: %w", err)
	}
	if e.Type == "" {
		return BaseEvent{}, fmt.Errorf("failed to unmarshal event: missing type")
	}
	return e, nil
}
