package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// TestType is the event type carried by connectivity probes
const TestType = "webhook.test"

/* Envelope is the body POSTed to every subscriber matched by an event.
 * The same serialized envelope is shared by all deliveries of one event.
 */
type Envelope struct {
	Event    EnvelopeEvent   `json:"event"`
	Data     json.RawMessage `json:"data"`
	Metadata json.RawMessage `json:"metadata"`
}

// EnvelopeEvent identifies the platform event inside the envelope
type EnvelopeEvent struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}

// NewEnvelope wraps a platform event for outbound delivery
func NewEnvelope(e PlatformEvent) Envelope {
	return Envelope{
		Event: EnvelopeEvent{
			ID:        e.ID,
			Type:      e.Type,
			Source:    e.Source,
			Timestamp: e.CreatedAt,
		},
		Data:     orNull(e.Payload),
		Metadata: orNull(e.Metadata),
	}
}

// MarshalJSON renders the timestamp with nanosecond precision in UTC
func (e EnvelopeEvent) MarshalJSON() ([]byte, error) {
	type Alias EnvelopeEvent
	return json.Marshal(&struct {
		Timestamp string `json:"timestamp"`
		*Alias
	}{
		Timestamp: e.Timestamp.UTC().Format(time.RFC3339Nano),
		Alias:     (*Alias)(&e),
	})
}

// Bytes returns the minified JSON body sent to subscribers
func (e Envelope) Bytes() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshaling envelope: %w", err)
	}
	return b, nil
}

// NewTestEnvelope builds the synthetic payload used to probe a subscriber
func NewTestEnvelope(id string, now time.Time) Envelope {
	return NewEnvelope(PlatformEvent{
		ID:        id,
		Type:      TestType,
		Source:    "webhook-dispatcher",
		Payload:   json.RawMessage(`{"message":"This is a test webhook"}`),
		Metadata:  json.RawMessage(`{"test":true}`),
		CreatedAt: now,
	})
}

func orNull(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	return raw
}
