package ws

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/luciancaetano/kephasgate"
	"github.com/luciancaetano/kephasgate/internal/connmgr"
	"github.com/luciancaetano/kephasgate/internal/kafka"
	"github.com/luciancaetano/kephasgate/internal/ratelimit"
	"github.com/luciancaetano/kephasgate/internal/websocket"
)

// RateLimitConfig configures the per-connection token bucket.
type RateLimitConfig = ratelimit.Config

// ConnectionConfig holds per-connection heartbeat, queue and rate limit settings.
type ConnectionConfig = websocket.ConnectionConfig

// CheckOriginFn validates the Origin of an upgrade request.
type CheckOriginFn = websocket.CheckOriginFn

// OnConnectFn is called for each accepted client.
type OnConnectFn = websocket.OnConnectFn

// OnDisconnectFn is called once for each client that goes away.
type OnDisconnectFn = websocket.OnClientDisconnectFn

// TokenValidator validates bearer tokens presented by clients.
type TokenValidator = websocket.TokenValidator

// ServerConfig wires the gateway's collaborators.
type ServerConfig = *websocket.ServerConfig

// New creates a gateway from cfg.
//
// Example:
//
//	cfg := ws.NewConfig(":9998", manager, validator, producer, consumer, logger)
//	cfg.Presence = tracker
//	gateway := ws.New(cfg)
func New(cfg ServerConfig) kephasgate.Gateway {
	return websocket.New(cfg)
}

// NewConfig returns a config with the required collaborators set and
// DefaultConnectionConfig applied. Optional fields (presence, metrics,
// callbacks, origin policy) can be set on the result.
//
// events may be nil, in which case no bus events are routed to clients.
func NewConfig(addr string, manager *connmgr.Manager, validator TokenValidator, publisher kafka.Publisher, events kafka.EventSource, logger *zap.Logger) ServerConfig {
	return &websocket.ServerConfig{
		Addr:       addr,
		Connection: DefaultConnectionConfig(),
		Manager:    manager,
		Validator:  validator,
		Publisher:  publisher,
		Events:     events,
		Logger:     logger,
	}
}

// AllOrigins returns the default checkOrigin function that allows all origins
func AllOrigins() CheckOriginFn {
	return func(r *http.Request) bool {
		return true
	}
}

// DefaultConnectionConfig returns the per-connection defaults.
func DefaultConnectionConfig() ConnectionConfig {
	return websocket.DefaultConnectionConfig()
}

// DefaultRateLimitConfig returns the default rate limit configuration
// Allows 50 messages per second with burst of 100
func DefaultRateLimitConfig() RateLimitConfig {
	return ratelimit.DefaultConfig()
}

// NoRateLimit returns a configuration with rate limiting disabled
func NoRateLimit() RateLimitConfig {
	return ratelimit.Disabled()
}
