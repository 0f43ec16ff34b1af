package websocket

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/luciancaetano/kephasgate"
	"github.com/luciancaetano/kephasgate/internal/auth"
	"github.com/luciancaetano/kephasgate/internal/protocol"
	"github.com/luciancaetano/kephasgate/internal/ratelimit"
)

// ErrConnectionClosed is returned by operations on a closed connection.
var ErrConnectionClosed = errors.New(kephasgate.ErrConnectionClosed)

// State is the connection's position in Anonymous → Authenticated → Closed.
type State int32

const (
	StateAnonymous State = iota
	StateAuthenticated
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAnonymous:
		return "anonymous"
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// ConnectionConfig holds per-connection tunables.
type ConnectionConfig struct {
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	WriteTimeout      time.Duration
	SendQueueSize     int
	RateLimit         ratelimit.Config
}

// DefaultConnectionConfig returns the gateway defaults: ping every 15s,
// drop after 45s of silence, 256 queued frames, 50 msg/s with burst 100.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		HeartbeatInterval: 15 * time.Second,
		HeartbeatTimeout:  45 * time.Second,
		WriteTimeout:      10 * time.Second,
		SendQueueSize:     256,
		RateLimit:         ratelimit.DefaultConfig(),
	}
}

func (c *ConnectionConfig) withDefaults() ConnectionConfig {
	d := DefaultConnectionConfig()
	out := *c
	if out.HeartbeatInterval <= 0 {
		out.HeartbeatInterval = d.HeartbeatInterval
	}
	if out.HeartbeatTimeout <= 0 {
		out.HeartbeatTimeout = d.HeartbeatTimeout
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = d.WriteTimeout
	}
	if out.SendQueueSize <= 0 {
		out.SendQueueSize = d.SendQueueSize
	}
	return out
}

// Connection is one client session. Session fields are driven by the
// connection's own read loop; Send and Close are safe from any goroutine.
type Connection struct {
	id          string
	conn        *websocket.Conn
	remoteAddr  string
	ctx         context.Context
	cancel      context.CancelFunc
	sendCh      chan []byte
	done        chan struct{}
	pumping     atomic.Bool
	config      ConnectionConfig
	rateLimiter *ratelimit.Limiter
	logger      *zap.Logger

	mu          sync.RWMutex
	state       State
	user        *auth.AuthenticatedUser
	rooms       map[string]struct{}
	closeCode   int
	closeReason string

	connectedAt  time.Time
	lastActivity atomic.Int64

	// rateLimitNotified suppresses repeated rate_limited frames within one streak.
	rateLimitNotified bool
}

var _ kephasgate.Client = (*Connection)(nil)

// NewConnection creates an anonymous connection. conn may be nil in tests;
// the write pump is started by Run.
func NewConnection(conn *websocket.Conn, remoteAddr string, cfg ConnectionConfig, logger *zap.Logger) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	id := uuid.New().String()
	now := time.Now()
	c := &Connection{
		id:          id,
		conn:        conn,
		remoteAddr:  remoteAddr,
		ctx:         ctx,
		cancel:      cancel,
		sendCh:      make(chan []byte, cfg.SendQueueSize),
		done:        make(chan struct{}),
		config:      cfg,
		rateLimiter: ratelimit.New(cfg.RateLimit),
		logger:      logger.With(zap.String("conn_id", id), zap.String("remote_addr", remoteAddr)),
		state:       StateAnonymous,
		rooms:       make(map[string]struct{}),
		closeCode:   websocket.CloseNormalClosure,
		connectedAt: now,
	}
	c.lastActivity.Store(now.UnixNano())
	return c
}

// ID returns the connection id
func (c *Connection) ID() string {
	return c.id
}

// RemoteAddr returns the client's remote network address
func (c *Connection) RemoteAddr() string {
	return c.remoteAddr
}

// Context returns the client's lifecycle context
func (c *Connection) Context() context.Context {
	return c.ctx
}

// State returns the current session state.
func (c *Connection) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// IsAuthenticated reports whether the connection carries a validated user.
func (c *Connection) IsAuthenticated() bool {
	return c.State() == StateAuthenticated
}

// User returns the authenticated user, or nil.
func (c *Connection) User() *auth.AuthenticatedUser {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.user
}

// UserID returns the authenticated user id, or "".
func (c *Connection) UserID() string {
	if u := c.User(); u != nil {
		return u.UserID
	}
	return ""
}

// Authenticate moves the connection to Authenticated. Calling it again
// replaces the user (token refresh). It fails once the connection is closed.
func (c *Connection) Authenticate(user *auth.AuthenticatedUser) error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return ErrConnectionClosed
	}
	c.state = StateAuthenticated
	c.user = user
	c.mu.Unlock()

	c.Touch()
	return nil
}

// Touch records inbound activity.
func (c *Connection) Touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// ConnectedAt returns when the connection was accepted.
func (c *Connection) ConnectedAt() time.Time {
	return c.connectedAt
}

// LastActivity returns the time of the last processed frame or pong.
func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// CheckRateLimit checks if the client has exceeded the rate limit
// Returns true if the message is allowed, false if rate limited
func (c *Connection) CheckRateLimit() bool {
	return c.rateLimiter.TryConsume()
}

// JoinRoom records a room locally. The connection manager holds the
// authoritative membership; this copy answers InRoom without it.
func (c *Connection) JoinRoom(roomID string) {
	c.mu.Lock()
	c.rooms[roomID] = struct{}{}
	c.mu.Unlock()
}

// LeaveRoom forgets a room locally.
func (c *Connection) LeaveRoom(roomID string) {
	c.mu.Lock()
	delete(c.rooms, roomID)
	c.mu.Unlock()
}

// InRoom reports local membership.
func (c *Connection) InRoom(roomID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.rooms[roomID]
	return ok
}

// Rooms returns the locally recorded rooms.
func (c *Connection) Rooms() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.rooms))
	for r := range c.rooms {
		out = append(out, r)
	}
	return out
}

// Send queues an encoded frame without blocking. It returns false if the
// connection is closed or its queue is full; a full queue also closes the
// connection because the client is not keeping up.
func (c *Connection) Send(data []byte) bool {
	c.mu.RLock()
	if c.state == StateClosed || c.ctx.Err() != nil {
		c.mu.RUnlock()
		return false
	}
	select {
	case c.sendCh <- data:
		c.mu.RUnlock()
		return true
	default:
	}
	c.mu.RUnlock()

	c.logger.Warn("send queue full, closing slow connection", zap.Int("queue_size", cap(c.sendCh)))
	go c.abort(websocket.ClosePolicyViolation, "send queue full")
	return false
}

// SendMessage encodes and queues a gateway frame.
func (c *Connection) SendMessage(msg *protocol.ServerMessage) bool {
	data, err := protocol.Encode(msg)
	if err != nil {
		c.logger.Error("failed to encode frame", zap.String("type", msg.Type), zap.Error(err))
		return false
	}
	return c.Send(data)
}

// Close closes the client connection
func (c *Connection) Close(ctx context.Context) error {
	return c.CloseWithCode(ctx, websocket.CloseNormalClosure, "")
}

// CloseWithCode closes the connection after the write pump flushed the
// frames already queued, then sends a close frame with code and reason.
// It waits for the flush until ctx is done.
func (c *Connection) CloseWithCode(ctx context.Context, code int, reason string) error {
	if !c.markClosed(code, reason) {
		return nil
	}

	if c.pumping.Load() {
		select {
		case <-c.done:
		case <-ctx.Done():
			c.logger.Debug("close flush interrupted", zap.Error(ctx.Err()))
		}
	}
	c.cancel()
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// abort closes immediately. Frames still queued are discarded; the write
// pump checks the context before writing each one.
func (c *Connection) abort(code int, reason string) {
	if !c.markClosed(code, reason) {
		return
	}
	c.cancel()
}

func (c *Connection) markClosed(code int, reason string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return false
	}
	c.state = StateClosed
	c.closeCode = code
	c.closeReason = reason
	close(c.sendCh)
	return true
}

func (c *Connection) closeStatus() (int, string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closeCode, c.closeReason
}

// IsAlive returns true if the connection is still active
func (c *Connection) IsAlive() bool {
	return c.State() != StateClosed && c.ctx.Err() == nil
}

// Run starts the write pump.
func (c *Connection) Run() {
	c.pumping.Store(true)
	go c.writePump()
}

// writePump pumps messages from the send channel to the websocket connection
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer func() {
		ticker.Stop()
		c.cancel()
		c.conn.Close()
		close(c.done)
	}()

	for {
		select {
		case message, ok := <-c.sendCh:
			if !ok || c.ctx.Err() != nil {
				c.writeClose()
				return
			}

			c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Debug("write failed", zap.Error(err))
				return
			}

		case <-ticker.C:
			// Send ping to keep connection alive
			deadline := time.Now().Add(c.config.WriteTimeout)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.logger.Debug("ping failed", zap.Error(err))
				return
			}

		case <-c.ctx.Done():
			c.writeClose()
			return
		}
	}
}

func (c *Connection) writeClose() {
	code, reason := c.closeStatus()
	message := websocket.FormatCloseMessage(code, reason)
	c.conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(time.Second))
}

// armReadDeadline extends the heartbeat deadline and records activity on pong.
func (c *Connection) armReadDeadline() {
	c.conn.SetReadDeadline(time.Now().Add(c.config.HeartbeatTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.Touch()
		return c.conn.SetReadDeadline(time.Now().Add(c.config.HeartbeatTimeout))
	})
}

func (c *Connection) extendReadDeadline() {
	c.conn.SetReadDeadline(time.Now().Add(c.config.HeartbeatTimeout))
}
