package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/luciancaetano/kephasgate"
)

// DefaultMaxMessageSize is used when Decode is given a non-positive limit.
const DefaultMaxMessageSize = 64 * 1024

var (
	ErrMessageTooLarge = errors.New(kephasgate.ErrMessageTooLarge)
	ErrInvalidMessage  = errors.New(kephasgate.ErrInvalidMessageFormat)
)

// ClientMessage is a frame sent by a client.
type ClientMessage struct {
	Type          string          `json:"type"`
	Token         string          `json:"token,omitempty"`
	RoomID        string          `json:"room_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// ServerMessage is a frame sent by the gateway.
type ServerMessage struct {
	Type          string          `json:"type"`
	ConnectionID  string          `json:"connection_id,omitempty"`
	UserID        string          `json:"user_id,omitempty"`
	RoomID        string          `json:"room_id,omitempty"`
	EventType     string          `json:"event_type,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Code          string          `json:"code,omitempty"`
	Message       string          `json:"message,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Timestamp     int64           `json:"timestamp,omitempty"`
}

// Decode parses a client frame, rejecting frames larger than maxSize bytes.
func Decode(data []byte, maxSize int) (*ClientMessage, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxMessageSize
	}
	if len(data) > maxSize {
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrMessageTooLarge, len(data), maxSize)
	}

	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	msg.Type = strings.TrimSpace(msg.Type)
	if msg.Type == "" {
		return nil, fmt.Errorf("%w: %s", ErrInvalidMessage, kephasgate.ErrMissingType)
	}
	return &msg, nil
}

// Encode serializes a gateway frame.
func Encode(msg *ServerMessage) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", kephasgate.ErrFailedToEncode, err)
	}
	return data, nil
}

// RequiresAuth reports whether a client frame type may only be sent by an
// authenticated connection.
func RequiresAuth(msgType string) bool {
	switch msgType {
	case kephasgate.TypeAuth, kephasgate.TypePing:
		return false
	}
	return true
}

// IsControl reports whether a frame type is handled by the gateway itself
// instead of being published as a command.
func IsControl(msgType string) bool {
	switch msgType {
	case kephasgate.TypeAuth, kephasgate.TypePing, kephasgate.TypeJoinRoom, kephasgate.TypeLeaveRoom:
		return true
	}
	return false
}

// Error builds an "error" frame.
func Error(code, message string) *ServerMessage {
	return &ServerMessage{Type: kephasgate.TypeError, Code: code, Message: message, Timestamp: now()}
}

// Connected builds the frame sent right after the upgrade.
func Connected(connID, userID string) *ServerMessage {
	return &ServerMessage{Type: kephasgate.TypeConnected, ConnectionID: connID, UserID: userID, Timestamp: now()}
}

// Event builds the frame delivering a bus event to a client.
func Event(eventType, correlationID string, payload json.RawMessage, ts time.Time) *ServerMessage {
	return &ServerMessage{
		Type:          kephasgate.TypeEvent,
		EventType:     eventType,
		CorrelationID: correlationID,
		Payload:       payload,
		Timestamp:     ts.UnixMilli(),
	}
}

func now() int64 { return time.Now().UnixMilli() }
