package websocket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/luciancaetano/kephasgate"
	"github.com/luciancaetano/kephasgate/internal/auth"
	"github.com/luciancaetano/kephasgate/internal/connmgr"
	"github.com/luciancaetano/kephasgate/internal/kafka"
	"github.com/luciancaetano/kephasgate/internal/metrics"
	"github.com/luciancaetano/kephasgate/internal/presence"
	"github.com/luciancaetano/kephasgate/internal/protocol"
)

// CheckOriginFn is a function that validates the origin of a WebSocket connection request.
// It receives the HTTP request and returns true if the origin is allowed, false otherwise.
type CheckOriginFn = func(r *http.Request) bool

// OnConnectFn is called after the handshake completes, the connection is
// registered and the "connected" frame is queued, before the read loop starts.
//
// Note: This function is called synchronously during connection setup.
// Avoid long-running operations that could block new connections.
type OnConnectFn = func(client kephasgate.Client)

// OnClientDisconnectFn is a callback type invoked when a connected client disconnects from the server.
// The function receives the disconnected client and a boolean that is true when the disconnect was
// initiated by the client (voluntary), and false for unexpected or server-initiated disconnects.
type OnClientDisconnectFn = func(client kephasgate.Client, voluntary bool)

// TokenValidator validates bearer tokens.
type TokenValidator interface {
	Validate(token string) (*auth.AuthenticatedUser, error)
}

// ServerConfig wires the gateway's collaborators. Manager, Validator and
// Publisher are required; Events, Presence and Metrics are optional.
type ServerConfig struct {
	Addr               string
	Path               string
	MaxMessageSize     int
	Connection         ConnectionConfig
	Manager            *connmgr.Manager
	Validator          TokenValidator
	Publisher          kafka.Publisher
	Events             kafka.EventSource
	Presence           *presence.Tracker
	Metrics            *metrics.Metrics
	Logger             *zap.Logger
	CheckOrigin        CheckOriginFn
	OnConnect          OnConnectFn
	OnClientDisconnect OnClientDisconnectFn
}

// Server terminates client WebSockets and routes frames between clients and Kafka.
type Server struct {
	addr           string
	path           string
	server         *http.Server
	clients        sync.Map // map[string]*Connection
	maxMessageSize int
	connConfig     ConnectionConfig

	manager   *connmgr.Manager
	validator TokenValidator
	publisher kafka.Publisher
	events    kafka.EventSource
	presence  *presence.Tracker
	metrics   *metrics.Metrics
	logger    *zap.Logger

	mu       sync.RWMutex
	running  bool
	upgrader websocket.Upgrader
	sessions sync.WaitGroup
	router   *router

	onConnect    OnConnectFn
	onDisconnect OnClientDisconnectFn
}

var _ kephasgate.Gateway = (*Server)(nil)

// New creates a new gateway server from cfg.
func New(cfg *ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	manager := cfg.Manager
	if manager == nil {
		manager = connmgr.New(logger)
	}
	path := cfg.Path
	if path == "" {
		path = "/ws"
	}
	maxSize := cfg.MaxMessageSize
	if maxSize <= 0 {
		maxSize = protocol.DefaultMaxMessageSize
	}
	return &Server{
		addr:           cfg.Addr,
		path:           path,
		maxMessageSize: maxSize,
		connConfig:     cfg.Connection.withDefaults(),
		manager:        manager,
		validator:      cfg.Validator,
		publisher:      cfg.Publisher,
		events:         cfg.Events,
		presence:       cfg.Presence,
		metrics:        cfg.Metrics,
		logger:         logger.With(zap.String("component", "gateway")),
		onConnect:      cfg.OnConnect,
		onDisconnect:   cfg.OnClientDisconnect,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     cfg.CheckOrigin,
		},
	}
}

// Handler returns the HTTP handler serving the WebSocket endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.path, s.handleWebSocket)
	return mux
}

// Start starts the event router and the WebSocket listener.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New(kephasgate.ErrServerAlreadyRunning)
	}
	s.running = true
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Unlock()

	s.startRouter()

	errChan := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Check for immediate startup errors with a small timeout
	select {
	case err := <-errChan:
		s.stopRouter()
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return err
	case <-ctx.Done():
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Stop(stopCtx)
	case <-time.After(100 * time.Millisecond):
		s.logger.Info("gateway listening", zap.String("addr", s.addr), zap.String("path", s.path))
		return nil
	}
}

// Stop stops accepting connections, closes every client with "going away"
// after its queued frames are flushed and waits for the sessions to end.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	var errs []error
	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown listener: %w", err))
		}
	}
	s.stopRouter()

	var closing sync.WaitGroup
	s.clients.Range(func(_, value any) bool {
		client := value.(*Connection)
		closing.Add(1)
		go func() {
			defer closing.Done()
			client.CloseWithCode(ctx, websocket.CloseGoingAway, "server shutting down")
		}()
		return true
	})
	closing.Wait()

	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("drain sessions: %w", ctx.Err()))
	}

	s.logger.Info("gateway stopped")
	return errors.Join(errs...)
}

// GetClient returns a client by ID
func (s *Server) GetClient(id string) (kephasgate.Client, bool) {
	if client, ok := s.clients.Load(id); ok {
		return client.(*Connection), true
	}
	return nil, false
}

// Stats returns the connection registry counts.
func (s *Server) Stats() kephasgate.Stats {
	return s.manager.Stats()
}

// Manager returns the connection registry.
func (s *Server) Manager() *connmgr.Manager {
	return s.manager
}

// handshakeToken reads an optional token from the Authorization header or
// the "token" query parameter.
func handshakeToken(r *http.Request) string {
	if token := auth.ExtractBearer(r.Header.Get("Authorization")); token != "" {
		return token
	}
	return r.URL.Query().Get("token")
}

// handleWebSocket handles incoming WebSocket connections
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	var user *auth.AuthenticatedUser
	if token := handshakeToken(r); token != "" {
		u, err := s.validateToken(token)
		if err != nil {
			s.logger.Info("handshake token rejected", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
			http.Error(w, kephasgate.ErrAuthRequired, http.StatusUnauthorized)
			return
		}
		user = u
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client.
		s.logger.Debug("upgrade failed", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		return
	}
	conn.SetReadLimit(int64(s.maxMessageSize))

	client := NewConnection(conn, r.RemoteAddr, s.connConfig, s.logger)
	if user != nil {
		client.Authenticate(user)
	}

	// Queue "connected" before registering so it precedes any routed event.
	client.SendMessage(protocol.Connected(client.ID(), client.UserID()))
	if !s.admit(client) {
		s.logger.Debug("rejecting connection during shutdown", zap.String("remote_addr", r.RemoteAddr))
		message := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
		conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(time.Second))
		client.abort(websocket.CloseGoingAway, "server shutting down")
		conn.Close()
		return
	}
	s.manager.Register(client.ID(), client.UserID(), client)
	client.Run()
	if user != nil {
		s.presence.Online(client.Context(), user.UserID, client.ID())
	}

	s.logger.Debug("client connected",
		zap.String("conn_id", client.ID()),
		zap.String("remote_addr", client.RemoteAddr()),
		zap.Bool("authenticated", user != nil))

	go s.handleClient(client)
}

// admit records client as a live session unless Stop has begun. Stop flips
// running under the write lock before it snapshots clients, so an admitted
// client is always seen by Stop.
func (s *Server) admit(client *Connection) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.running {
		return false
	}
	s.sessions.Add(1)
	s.clients.Store(client.ID(), client)
	return true
}

// handleClient runs the read loop. Its deferred teardown is the only place a
// connection leaves the registry.
func (s *Server) handleClient(client *Connection) {
	reason := "closed"
	voluntary := false
	defer func() {
		userID := client.UserID()
		s.manager.Unregister(client.ID(), userID)
		s.clients.Delete(client.ID())

		closeCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		client.Close(closeCtx)
		cancel()

		if userID != "" {
			s.presence.Offline(context.Background(), userID, client.ID())
		}
		s.metrics.Disconnect(reason)
		if s.onDisconnect != nil {
			s.onDisconnect(client, voluntary)
		}
		s.logger.Debug("client disconnected",
			zap.String("conn_id", client.ID()),
			zap.String("user_id", userID),
			zap.String("reason", reason))
		s.sessions.Done()
	}()

	client.armReadDeadline()

	if s.onConnect != nil {
		s.onConnect(client)
	}

	for {
		_, data, err := client.conn.ReadMessage()
		if err != nil {
			reason, voluntary = classifyReadError(err, client)
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) && client.IsAlive() {
				s.logger.Info("unexpected websocket close", zap.String("conn_id", client.ID()), zap.Error(err))
			}
			return
		}

		client.extendReadDeadline()
		s.handleFrame(client, data)
	}
}

func classifyReadError(err error, client *Connection) (string, bool) {
	var closeErr *websocket.CloseError
	switch {
	case !client.IsAlive():
		return "server_close", false
	case errors.As(err, &closeErr):
		return "client_close", true
	case errors.Is(err, websocket.ErrReadLimit):
		return "message_too_large", false
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "heartbeat_timeout", false
	}
	return "read_error", false
}

// handleFrame applies the inbound pipeline: rate limit, decode, auth gate
// and dispatch. Every frame costs a token, including frames that fail to
// decode. Frames of one connection are handled in arrival order.
func (s *Server) handleFrame(client *Connection, data []byte) {
	if !client.CheckRateLimit() {
		s.metrics.Frame(metrics.FrameRateLimited)
		if !client.rateLimitNotified {
			client.rateLimitNotified = true
			client.SendMessage(protocol.Error(kephasgate.CodeRateLimited, kephasgate.ErrRateLimitExceeded))
		}
		return
	}
	client.rateLimitNotified = false

	msg, err := protocol.Decode(data, s.maxMessageSize)
	if err != nil {
		s.metrics.Frame(metrics.FrameInvalid)
		client.SendMessage(protocol.Error(kephasgate.CodeInvalidMessage, err.Error()))
		return
	}

	if protocol.RequiresAuth(msg.Type) && !client.IsAuthenticated() {
		s.metrics.Frame(metrics.FrameAuthRequired)
		reply := protocol.Error(kephasgate.CodeAuthRequired, kephasgate.ErrAuthRequired)
		reply.CorrelationID = msg.CorrelationID
		client.SendMessage(reply)
		return
	}

	s.metrics.Frame(metrics.FrameAccepted)
	switch msg.Type {
	case kephasgate.TypeAuth:
		s.handleAuth(client, msg)
	case kephasgate.TypePing:
		client.SendMessage(&protocol.ServerMessage{
			Type:          kephasgate.TypePong,
			CorrelationID: msg.CorrelationID,
			Timestamp:     time.Now().UnixMilli(),
		})
	case kephasgate.TypeJoinRoom:
		s.handleJoinRoom(client, msg)
	case kephasgate.TypeLeaveRoom:
		s.handleLeaveRoom(client, msg)
	default:
		s.handleCommand(client, msg)
	}
	client.Touch()
}

func (s *Server) validateToken(token string) (*auth.AuthenticatedUser, error) {
	if s.validator == nil {
		return nil, &auth.AuthError{Reason: auth.ReasonInvalid, Err: auth.ErrNoKeyMaterial}
	}
	return s.validator.Validate(token)
}

func (s *Server) handleAuth(client *Connection, msg *protocol.ClientMessage) {
	user, err := s.validateToken(msg.Token)
	if err != nil {
		reason := auth.ReasonInvalid
		var authErr *auth.AuthError
		if errors.As(err, &authErr) {
			reason = authErr.Reason
		}
		s.logger.Debug("auth frame rejected", zap.String("conn_id", client.ID()), zap.String("reason", reason))
		reply := protocol.Error(kephasgate.CodeAuthFailed, reason)
		reply.CorrelationID = msg.CorrelationID
		client.SendMessage(reply)
		return
	}

	previous := client.UserID()
	if err := client.Authenticate(user); err != nil {
		return
	}
	s.manager.SetUser(client.ID(), user.UserID)
	if previous != user.UserID {
		if previous != "" {
			s.presence.Offline(client.Context(), previous, client.ID())
		}
		s.presence.Online(client.Context(), user.UserID, client.ID())
	}

	client.SendMessage(&protocol.ServerMessage{
		Type:          kephasgate.TypeAuthSuccess,
		ConnectionID:  client.ID(),
		UserID:        user.UserID,
		CorrelationID: msg.CorrelationID,
		Timestamp:     time.Now().UnixMilli(),
	})
}

func (s *Server) handleJoinRoom(client *Connection, msg *protocol.ClientMessage) {
	if msg.RoomID == "" {
		reply := protocol.Error(kephasgate.CodeInvalidRoom, kephasgate.ErrMissingRoomID)
		reply.CorrelationID = msg.CorrelationID
		client.SendMessage(reply)
		return
	}
	if !s.manager.JoinRoom(client.ID(), msg.RoomID) {
		return
	}
	client.JoinRoom(msg.RoomID)
	s.presence.RoomJoined(client.Context(), client.UserID(), client.ID(), msg.RoomID)

	client.SendMessage(&protocol.ServerMessage{
		Type:          kephasgate.TypeRoomJoined,
		RoomID:        msg.RoomID,
		CorrelationID: msg.CorrelationID,
		Timestamp:     time.Now().UnixMilli(),
	})
}

func (s *Server) handleLeaveRoom(client *Connection, msg *protocol.ClientMessage) {
	if msg.RoomID == "" {
		reply := protocol.Error(kephasgate.CodeInvalidRoom, kephasgate.ErrMissingRoomID)
		reply.CorrelationID = msg.CorrelationID
		client.SendMessage(reply)
		return
	}
	s.manager.LeaveRoom(client.ID(), msg.RoomID)
	client.LeaveRoom(msg.RoomID)
	s.presence.RoomLeft(client.Context(), client.UserID(), client.ID(), msg.RoomID)

	client.SendMessage(&protocol.ServerMessage{
		Type:          kephasgate.TypeRoomLeft,
		RoomID:        msg.RoomID,
		CorrelationID: msg.CorrelationID,
		Timestamp:     time.Now().UnixMilli(),
	})
}

// handleCommand publishes a domain command keyed by room, or by user when
// the frame names no room, and acknowledges it once Kafka accepted it.
func (s *Server) handleCommand(client *Connection, msg *protocol.ClientMessage) {
	correlationID := msg.CorrelationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	key := msg.RoomID
	if key == "" {
		key = client.UserID()
	}

	env := kafka.NewEnvelope(msg.Type, key, msg.Payload)
	env.CorrelationID = correlationID
	env.ConnectionID = client.ID()
	env.UserID = client.UserID()
	env.RoomID = msg.RoomID

	if s.publisher == nil {
		s.replyPublishFailed(client, msg.Type, correlationID)
		return
	}
	topic, err := s.publisher.PublishCommand(client.Context(), key, env)
	if err != nil {
		s.metrics.PublishFailure(topic)
		s.logger.Warn("command publish failed",
			zap.String("conn_id", client.ID()),
			zap.String("event_type", msg.Type),
			zap.String("topic", topic),
			zap.Error(err))
		s.replyPublishFailed(client, msg.Type, correlationID)
		return
	}

	client.SendMessage(&protocol.ServerMessage{
		Type:          kephasgate.TypeAck,
		EventType:     msg.Type,
		RoomID:        msg.RoomID,
		CorrelationID: correlationID,
		Timestamp:     time.Now().UnixMilli(),
	})
}

func (s *Server) replyPublishFailed(client *Connection, eventType, correlationID string) {
	reply := protocol.Error(kephasgate.CodePublishFailed, kephasgate.ErrPublishFailed)
	reply.EventType = eventType
	reply.CorrelationID = correlationID
	client.SendMessage(reply)
}
