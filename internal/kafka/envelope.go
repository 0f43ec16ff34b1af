package kafka

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidEnvelope is returned when a record value is not a usable envelope.
var ErrInvalidEnvelope = errors.New("invalid event envelope")

// Target addresses an event to clients. The most specific non-empty field wins:
// connection, then user, then room. An empty target, or Broadcast, reaches everyone.
type Target struct {
	ConnectionID        string `json:"connection_id,omitempty"`
	UserID              string `json:"user_id,omitempty"`
	RoomID              string `json:"room_id,omitempty"`
	ExcludeConnectionID string `json:"exclude_connection_id,omitempty"`
	Broadcast           bool   `json:"broadcast,omitempty"`
}

// Envelope wraps every message on the bus.
type Envelope struct {
	EventType     string          `json:"event_type"`
	Key           string          `json:"key,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`

	// Set on commands published by the gateway.
	ConnectionID string `json:"connection_id,omitempty"`
	UserID       string `json:"user_id,omitempty"`
	RoomID       string `json:"room_id,omitempty"`

	// Set on events addressed to clients.
	Target *Target `json:"target,omitempty"`
}

// NewEnvelope builds an envelope stamped with the current time.
func NewEnvelope(eventType, key string, payload json.RawMessage) *Envelope {
	return &Envelope{
		EventType: eventType,
		Key:       key,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// Marshal encodes the envelope as JSON.
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalEnvelope decodes a record value. An envelope without event_type is rejected.
func UnmarshalEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if env.EventType == "" {
		return nil, fmt.Errorf("%w: missing event_type", ErrInvalidEnvelope)
	}
	return &env, nil
}
