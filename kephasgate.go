package kephasgate

import "context"

// Gateway defines the WebSocket gateway that sits between connected clients
// and the Kafka event bus.
//
// Client frames are JSON encoded. Frames whose type is a domain command
// (for example "chat.send_message") are published to Kafka; events consumed
// from Kafka are addressed back to clients by connection, user or room.
//
// Example usage:
//
//	import "github.com/luciancaetano/kephasgate/ws"
//
//	gateway := ws.New(ws.NewConfig(":9998", manager, validator, producer, consumer, logger))
//	if err := gateway.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer gateway.Stop(context.Background())
type Gateway interface {
	// Start starts the WebSocket listener and the event router.
	// The gateway keeps running until Stop is called or the context is cancelled.
	//
	// Returns an error if the gateway is already running or if there's a problem
	// binding to the network address.
	Start(ctx context.Context) error

	// Stop stops accepting new connections, lets existing connections flush
	// their queued frames and waits for them to close or for ctx to expire.
	Stop(ctx context.Context) error

	// GetClient returns the connected client with the given connection id.
	GetClient(id string) (Client, bool)

	// Stats returns the current connection, user and room counts.
	Stats() Stats
}

// Stats is a point-in-time snapshot of the connection registry.
type Stats struct {
	TotalConnections int `json:"total_connections"`
	UniqueUsers      int `json:"unique_users"`
	ActiveRooms      int `json:"active_rooms"`
}

// Client represents a connected WebSocket client.
//
// Each client has a unique identifier generated at accept time. The client's
// context is cancelled when the connection closes.
type Client interface {
	// ID returns the connection id (a UUID string).
	ID() string

	// RemoteAddr returns the client's remote network address.
	RemoteAddr() string

	// UserID returns the authenticated user id, or "" while anonymous.
	UserID() string

	// Context returns the client's lifecycle context.
	Context() context.Context

	// Send queues an already encoded frame for delivery. It never blocks and
	// returns false if the connection is closed or its queue is full.
	Send(data []byte) bool

	// Close closes the connection with websocket.CloseNormalClosure.
	Close(ctx context.Context) error

	// CloseWithCode closes the connection with a specific WebSocket close code and reason.
	//
	// Common close codes:
	//   - 1000 (websocket.CloseNormalClosure): Normal closure
	//   - 1001 (websocket.CloseGoingAway): Endpoint going away
	//   - 1008 (websocket.ClosePolicyViolation): Policy violation
	//   - 1009 (websocket.CloseMessageTooBig): Frame larger than the limit
	CloseWithCode(ctx context.Context, code int, reason string) error

	// IsAlive returns true if the connection is still active.
	IsAlive() bool
}
