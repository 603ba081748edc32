package event

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Topic is the bus topic the platform publishes its events on
const Topic = "platform.event"

// typePattern validates event types: hierarchical, full-stop delimited, [a-zA-Z0-9_.]
var typePattern = regexp.MustCompile(`^[a-zA-Z0-9_]+(\.[a-zA-Z0-9_]+)*$`)

/* PlatformEvent is an internal domain occurrence published by the platform
 * (e.g. "event.created", "certificate.issued"). Consumers treat it as read-only.
 */
type PlatformEvent struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Source    string          `json:"source"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Validate checks that the event carries what the dispatcher needs
func (e PlatformEvent) Validate() error {
	if strings.TrimSpace(e.ID) == "" {
		return fmt.Errorf("id is required")
	}
	if err := ValidateType(e.Type); err != nil {
		return err
	}
	if e.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}
	if len(e.Payload) > 0 && !json.Valid(e.Payload) {
		return fmt.Errorf("payload must be valid JSON")
	}
	if len(e.Metadata) > 0 && !json.Valid(e.Metadata) {
		return fmt.Errorf("metadata must be valid JSON")
	}
	return nil
}

// ValidateType validates an event type format
func ValidateType(eventType string) error {
	if eventType == "" {
		return fmt.Errorf("event type cannot be empty")
	}
	if !typePattern.MatchString(eventType) {
		return fmt.Errorf("event type must be hierarchical and contain only [a-zA-Z0-9_.]: %s", eventType)
	}
	return nil
}

// Parse decodes a bus message into a PlatformEvent and validates it
func Parse(data []byte) (PlatformEvent, error) {
	var evt PlatformEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return PlatformEvent{}, fmt.Errorf("unmarshaling event: %w", err)
	}
	if err := evt.Validate(); err != nil {
		return PlatformEvent{}, fmt.Errorf("validating event: %w", err)
	}
	return evt, nil
}

// Bytes returns the JSON encoding used on the bus
func (e PlatformEvent) Bytes() ([]byte, error) {
	return json.Marshal(e)
}
