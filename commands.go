package kephasgate

// Client to gateway frame types. Any other type is treated as a domain
// command and published to Kafka.
const (
	TypeAuth      = "auth"
	TypePing      = "ping"
	TypeJoinRoom  = "join_room"
	TypeLeaveRoom = "leave_room"
)

// Gateway to client frame types.
const (
	TypeConnected   = "connected"
	TypeAuthSuccess = "auth_success"
	TypePong        = "pong"
	TypeRoomJoined  = "room_joined"
	TypeRoomLeft    = "room_left"
	TypeAck         = "ack"
	TypeEvent       = "event"
	TypeError       = "error"
)

// Error codes carried by "error" frames.
const (
	CodeInvalidMessage = "invalid_message"
	CodeRateLimited    = "rate_limited"
	CodeAuthRequired   = "auth_required"
	CodeAuthFailed     = "auth_failed"
	CodePublishFailed  = "publish_failed"
	CodeInvalidRoom    = "invalid_room"
)

// Standard error messages
const (
	// Protocol errors
	ErrInvalidMessageFormat = "invalid message format"
	ErrMessageTooLarge      = "message exceeds maximum size"
	ErrMissingType          = "message type is required"
	ErrRateLimitExceeded    = "rate limit exceeded"
	ErrAuthRequired         = "authentication required"
	ErrPublishFailed        = "failed to publish command"
	ErrMissingRoomID        = "room_id is required"

	// Connection errors
	ErrClientNotFound       = "client not found"
	ErrConnectionClosed     = "client connection is closed"
	ErrFailedToEncode       = "failed to encode message"
	ErrServerAlreadyRunning = "server already running"
)
