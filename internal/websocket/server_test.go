package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/luciancaetano/kephasgate"
	"github.com/luciancaetano/kephasgate/internal/auth"
	"github.com/luciancaetano/kephasgate/internal/connmgr"
	"github.com/luciancaetano/kephasgate/internal/kafka"
	"github.com/luciancaetano/kephasgate/internal/metrics"
	"github.com/luciancaetano/kephasgate/internal/protocol"
	"github.com/luciancaetano/kephasgate/internal/ratelimit"
)

const testSecret = "gateway-test-secret"

type published struct {
	topic string
	key   string
	env   *kafka.Envelope
}

type fakePublisher struct {
	mu   sync.Mutex
	sent []published
	err  error
}

func (f *fakePublisher) Publish(_ context.Context, topic, key string, env *kafka.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, published{topic: topic, key: key, env: env})
	return nil
}

func (f *fakePublisher) PublishCommand(ctx context.Context, key string, env *kafka.Envelope) (string, error) {
	topic := kafka.CommandTopic(env.EventType)
	return topic, f.Publish(ctx, topic, key, env)
}

func (f *fakePublisher) PublishPresence(ctx context.Context, userID string, env *kafka.Envelope) error {
	return f.Publish(ctx, kafka.TopicPresence, userID, env)
}

func (f *fakePublisher) commands() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []published
	for _, p := range f.sent {
		if p.topic != kafka.TopicPresence {
			out = append(out, p)
		}
	}
	return out
}

type testGateway struct {
	server    *Server
	http      *httptest.Server
	url       string
	publisher *fakePublisher
	events    *kafka.Broadcaster[*kafka.Envelope]
}

func newTestGateway(t *testing.T, tweak func(*ServerConfig)) *testGateway {
	t.Helper()

	validator, err := auth.NewHMACValidator([]byte(testSecret))
	require.NoError(t, err)

	logger := zaptest.NewLogger(t)
	pub := &fakePublisher{}
	events := kafka.NewBroadcaster[*kafka.Envelope](16)
	cfg := &ServerConfig{
		Connection: ConnectionConfig{
			HeartbeatInterval: time.Second,
			HeartbeatTimeout:  5 * time.Second,
			SendQueueSize:     64,
			RateLimit:         ratelimit.DefaultConfig(),
		},
		Manager:     connmgr.New(logger),
		Validator:   validator,
		Publisher:   pub,
		Events:      events,
		Logger:      logger,
		CheckOrigin: func(*http.Request) bool { return true },
	}
	if tweak != nil {
		tweak(cfg)
	}

	srv := New(cfg)
	srv.running = true
	srv.startRouter()
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Stop(ctx)
		hs.Close()
	})

	return &testGateway{
		server:    srv,
		http:      hs,
		url:       "ws" + strings.TrimPrefix(hs.URL, "http") + "/ws",
		publisher: pub,
		events:    events,
	}
}

func signToken(t *testing.T, subject string, ttl time.Duration) string {
	t.Helper()
	claims := auth.Claims{
		Username: subject + "-name",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return token
}

type testClient struct {
	t    *testing.T
	conn *websocket.Conn
	id   string
}

// dial connects and consumes the "connected" frame.
func (g *testGateway) dial(t *testing.T, header http.Header) *testClient {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(g.url, header)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })

	c := &testClient{t: t, conn: conn}
	hello := c.read()
	require.Equal(t, kephasgate.TypeConnected, hello.Type)
	require.NotEmpty(t, hello.ConnectionID)
	c.id = hello.ConnectionID
	return c
}

func (c *testClient) send(frame map[string]any) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteJSON(frame))
}

func (c *testClient) read() protocol.ServerMessage {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg protocol.ServerMessage
	require.NoError(c.t, c.conn.ReadJSON(&msg))
	return msg
}

func (c *testClient) authenticate(userID string) {
	c.t.Helper()
	c.send(map[string]any{"type": "auth", "token": signToken(c.t, userID, time.Hour)})
	reply := c.read()
	require.Equal(c.t, kephasgate.TypeAuthSuccess, reply.Type, "reply: %+v", reply)
	require.Equal(c.t, userID, reply.UserID)
}

func TestConnectedFrameOnUpgrade(t *testing.T) {
	t.Parallel()
	g := newTestGateway(t, nil)

	c := g.dial(t, nil)

	require.Eventually(t, func() bool { return g.server.manager.IsConnected(c.id) }, time.Second, 5*time.Millisecond)
	client, ok := g.server.GetClient(c.id)
	require.True(t, ok)
	assert.Empty(t, client.UserID())
	assert.Equal(t, 1, g.server.Stats().TotalConnections)
}

func TestPingWorksAnonymously(t *testing.T) {
	t.Parallel()
	g := newTestGateway(t, nil)
	c := g.dial(t, nil)

	c.send(map[string]any{"type": "ping", "correlation_id": "p-1"})
	reply := c.read()
	assert.Equal(t, kephasgate.TypePong, reply.Type)
	assert.Equal(t, "p-1", reply.CorrelationID)
}

func TestAnonymousCommandRequiresAuth(t *testing.T) {
	t.Parallel()
	g := newTestGateway(t, nil)
	c := g.dial(t, nil)

	c.send(map[string]any{"type": "chat.send_message", "room_id": "r1", "correlation_id": "c-1"})
	reply := c.read()
	assert.Equal(t, kephasgate.TypeError, reply.Type)
	assert.Equal(t, kephasgate.CodeAuthRequired, reply.Code)
	assert.Equal(t, "c-1", reply.CorrelationID)

	c.send(map[string]any{"type": "join_room", "room_id": "r1"})
	assert.Equal(t, kephasgate.CodeAuthRequired, c.read().Code)

	assert.Empty(t, g.publisher.commands())
}

func TestAuthenticatedCommandIsPublished(t *testing.T) {
	t.Parallel()
	g := newTestGateway(t, nil)
	c := g.dial(t, nil)

	c.authenticate("u1")
	assert.True(t, g.server.manager.IsUserConnected("u1"))

	c.send(map[string]any{
		"type":           "chat.send_message",
		"room_id":        "r1",
		"correlation_id": "c-42",
		"payload":        map[string]any{"text": "hi"},
	})
	ack := c.read()
	require.Equal(t, kephasgate.TypeAck, ack.Type, "reply: %+v", ack)
	assert.Equal(t, "c-42", ack.CorrelationID)
	assert.Equal(t, "chat.send_message", ack.EventType)

	cmds := g.publisher.commands()
	require.Len(t, cmds, 1)
	assert.Equal(t, kafka.TopicChatCommands, cmds[0].topic)
	assert.Equal(t, "r1", cmds[0].key)
	assert.Equal(t, "u1", cmds[0].env.UserID)
	assert.Equal(t, c.id, cmds[0].env.ConnectionID)
	assert.Equal(t, "c-42", cmds[0].env.CorrelationID)
	assert.JSONEq(t, `{"text":"hi"}`, string(cmds[0].env.Payload))
}

func TestCommandWithoutRoomIsKeyedByUser(t *testing.T) {
	t.Parallel()
	g := newTestGateway(t, nil)
	c := g.dial(t, nil)
	c.authenticate("u7")

	c.send(map[string]any{"type": "games.make_move"})
	ack := c.read()
	require.Equal(t, kephasgate.TypeAck, ack.Type)
	assert.NotEmpty(t, ack.CorrelationID)

	cmds := g.publisher.commands()
	require.Len(t, cmds, 1)
	assert.Equal(t, kafka.TopicGamesCommands, cmds[0].topic)
	assert.Equal(t, "u7", cmds[0].key)
	assert.Equal(t, ack.CorrelationID, cmds[0].env.CorrelationID)
}

func TestPublishFailureIsReported(t *testing.T) {
	t.Parallel()
	g := newTestGateway(t, nil)
	c := g.dial(t, nil)
	c.authenticate("u1")

	g.publisher.mu.Lock()
	g.publisher.err = errors.New("broker unavailable")
	g.publisher.mu.Unlock()

	c.send(map[string]any{"type": "chat.send_message", "correlation_id": "c-9"})
	reply := c.read()
	assert.Equal(t, kephasgate.TypeError, reply.Type)
	assert.Equal(t, kephasgate.CodePublishFailed, reply.Code)
	assert.Equal(t, "c-9", reply.CorrelationID)

	// The connection survives.
	c.send(map[string]any{"type": "ping"})
	assert.Equal(t, kephasgate.TypePong, c.read().Type)
}

func TestAuthFailureKeepsConnectionAnonymous(t *testing.T) {
	t.Parallel()
	g := newTestGateway(t, nil)
	c := g.dial(t, nil)

	c.send(map[string]any{"type": "auth", "token": signToken(t, "u1", -time.Minute)})
	reply := c.read()
	assert.Equal(t, kephasgate.CodeAuthFailed, reply.Code)
	assert.Equal(t, auth.ReasonExpired, reply.Message)

	c.send(map[string]any{"type": "auth", "token": "garbage"})
	assert.Equal(t, kephasgate.CodeAuthFailed, c.read().Code)

	c.send(map[string]any{"type": "chat.send_message"})
	assert.Equal(t, kephasgate.CodeAuthRequired, c.read().Code)
	assert.False(t, g.server.manager.IsUserConnected("u1"))
}

func TestHandshakeToken(t *testing.T) {
	t.Parallel()
	g := newTestGateway(t, nil)

	t.Run("bearer header authenticates", func(t *testing.T) {
		header := http.Header{"Authorization": []string{"Bearer " + signToken(t, "u5", time.Hour)}}
		conn, _, err := websocket.DefaultDialer.Dial(g.url, header)
		require.NoError(t, err)
		defer conn.Close()

		var hello protocol.ServerMessage
		require.NoError(t, conn.ReadJSON(&hello))
		assert.Equal(t, kephasgate.TypeConnected, hello.Type)
		assert.Equal(t, "u5", hello.UserID)
		assert.True(t, g.server.manager.IsUserConnected("u5"))
	})

	t.Run("query token authenticates", func(t *testing.T) {
		conn, _, err := websocket.DefaultDialer.Dial(g.url+"?token="+signToken(t, "u6", time.Hour), nil)
		require.NoError(t, err)
		defer conn.Close()

		var hello protocol.ServerMessage
		require.NoError(t, conn.ReadJSON(&hello))
		assert.Equal(t, "u6", hello.UserID)
	})

	t.Run("invalid token is refused", func(t *testing.T) {
		_, resp, err := websocket.DefaultDialer.Dial(g.url+"?token=bogus", nil)
		require.Error(t, err)
		require.NotNil(t, resp)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})
}

func TestInvalidFrameKeepsConnection(t *testing.T) {
	t.Parallel()
	g := newTestGateway(t, nil)
	c := g.dial(t, nil)

	require.NoError(t, c.conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	reply := c.read()
	assert.Equal(t, kephasgate.CodeInvalidMessage, reply.Code)

	c.send(map[string]any{"payload": 1})
	assert.Equal(t, kephasgate.CodeInvalidMessage, c.read().Code)

	c.send(map[string]any{"type": "ping"})
	assert.Equal(t, kephasgate.TypePong, c.read().Type)
}

func TestRateLimitedFramesAreDropped(t *testing.T) {
	t.Parallel()
	g := newTestGateway(t, func(cfg *ServerConfig) {
		cfg.Connection.RateLimit = ratelimit.Config{RefillRate: 0.001, MaxTokens: 3, Enabled: true}
	})
	c := g.dial(t, nil)

	for i := 0; i < 6; i++ {
		c.send(map[string]any{"type": "ping"})
	}

	for i := 0; i < 3; i++ {
		assert.Equal(t, kephasgate.TypePong, c.read().Type, "frame %d", i)
	}
	limited := c.read()
	assert.Equal(t, kephasgate.TypeError, limited.Type)
	assert.Equal(t, kephasgate.CodeRateLimited, limited.Code)

	// Rejections are notified once per streak and never disconnect.
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err := c.conn.ReadMessage()
	var netErr interface{ Timeout() bool }
	require.ErrorAs(t, err, &netErr)
	assert.True(t, netErr.Timeout())
	assert.True(t, g.server.manager.IsConnected(c.id))
}

func TestMalformedFramesAreRateLimited(t *testing.T) {
	t.Parallel()
	g := newTestGateway(t, func(cfg *ServerConfig) {
		cfg.Connection.RateLimit = ratelimit.Config{RefillRate: 0.001, MaxTokens: 3, Enabled: true}
	})
	c := g.dial(t, nil)

	for i := 0; i < 20; i++ {
		require.NoError(t, c.conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	}

	for i := 0; i < 3; i++ {
		assert.Equal(t, kephasgate.CodeInvalidMessage, c.read().Code, "frame %d", i)
	}
	assert.Equal(t, kephasgate.CodeRateLimited, c.read().Code)

	// The remaining frames are dropped without a reply.
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err := c.conn.ReadMessage()
	var netErr interface{ Timeout() bool }
	require.ErrorAs(t, err, &netErr)
	assert.True(t, netErr.Timeout())
	assert.True(t, g.server.manager.IsConnected(c.id))
}

func TestIdleClientIsDropped(t *testing.T) {
	t.Parallel()

	m := metrics.New(metrics.Sources{})
	var (
		mu        sync.Mutex
		gone      bool
		voluntary = true
	)
	g := newTestGateway(t, func(cfg *ServerConfig) {
		cfg.Connection.HeartbeatInterval = 200 * time.Millisecond
		cfg.Connection.HeartbeatTimeout = 600 * time.Millisecond
		cfg.Metrics = m
		cfg.OnClientDisconnect = func(_ kephasgate.Client, v bool) {
			mu.Lock()
			defer mu.Unlock()
			gone = true
			voluntary = v
		}
	})

	// The client stops reading after "connected", so pings go unanswered.
	c := g.dial(t, nil)
	require.True(t, g.server.manager.IsConnected(c.id))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return gone
	}, 3*time.Second, 20*time.Millisecond)

	mu.Lock()
	assert.False(t, voluntary)
	mu.Unlock()
	assert.False(t, g.server.manager.IsConnected(c.id))
	assert.Zero(t, g.server.Stats().TotalConnections)
	assert.Equal(t, 1.0, disconnects(t, m, "heartbeat_timeout"))
}

// disconnects reads the disconnect counter for reason from m's registry.
func disconnects(t *testing.T, m *metrics.Metrics, reason string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != "ws_gateway_disconnects_total" {
			continue
		}
		for _, metric := range f.GetMetric() {
			for _, l := range metric.GetLabel() {
				if l.GetName() == "reason" && l.GetValue() == reason {
					return metric.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestConnectionAfterStopIsRefused(t *testing.T) {
	t.Parallel()
	g := newTestGateway(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, g.server.Stop(ctx))

	// httptest keeps serving, so the upgrade succeeds and is closed at once.
	conn, _, err := websocket.DefaultDialer.Dial(g.url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
	assert.Zero(t, g.server.Stats().TotalConnections)

	n := 0
	g.server.clients.Range(func(_, _ any) bool { n++; return true })
	assert.Zero(t, n)
}

func TestRoomsAndRoutedEvents(t *testing.T) {
	t.Parallel()
	g := newTestGateway(t, nil)

	alice := g.dial(t, nil)
	alice.authenticate("alice")
	bob := g.dial(t, nil)
	bob.authenticate("bob")

	for _, c := range []*testClient{alice, bob} {
		c.send(map[string]any{"type": "join_room", "room_id": "lobby", "correlation_id": "j"})
		joined := c.read()
		require.Equal(t, kephasgate.TypeRoomJoined, joined.Type)
		assert.Equal(t, "lobby", joined.RoomID)
	}
	assert.Equal(t, 2, g.server.manager.RoomConnectionCount("lobby"))

	env := kafka.NewEnvelope("chat.message_sent", "lobby", json.RawMessage(`{"text":"hello"}`))
	env.Target = &kafka.Target{RoomID: "lobby", ExcludeConnectionID: alice.id}
	g.events.Send(env)

	direct := kafka.NewEnvelope("chat.direct", "alice", json.RawMessage(`{"n":1}`))
	direct.Target = &kafka.Target{UserID: "alice"}
	g.events.Send(direct)

	got := bob.read()
	assert.Equal(t, kephasgate.TypeEvent, got.Type)
	assert.Equal(t, "chat.message_sent", got.EventType)
	assert.Equal(t, "lobby", got.RoomID)
	assert.JSONEq(t, `{"text":"hello"}`, string(got.Payload))

	// Alice was excluded from the room event, so the direct event comes first.
	got = alice.read()
	assert.Equal(t, "chat.direct", got.EventType)

	alice.send(map[string]any{"type": "leave_room", "room_id": "lobby"})
	assert.Equal(t, kephasgate.TypeRoomLeft, alice.read().Type)
	assert.Equal(t, 1, g.server.manager.RoomConnectionCount("lobby"))

	alice.send(map[string]any{"type": "join_room"})
	assert.Equal(t, kephasgate.CodeInvalidRoom, alice.read().Code)
}

func TestDisconnectUnregisters(t *testing.T) {
	t.Parallel()

	var (
		mu        sync.Mutex
		gone      []string
		voluntary bool
	)
	g := newTestGateway(t, func(cfg *ServerConfig) {
		cfg.OnClientDisconnect = func(client kephasgate.Client, v bool) {
			mu.Lock()
			defer mu.Unlock()
			gone = append(gone, client.ID())
			voluntary = v
		}
	})

	c := g.dial(t, nil)
	c.authenticate("u1")
	c.send(map[string]any{"type": "join_room", "room_id": "r1"})
	c.read()

	require.NoError(t, c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")))

	require.Eventually(t, func() bool {
		return g.server.Stats() == kephasgate.Stats{}
	}, 2*time.Second, 10*time.Millisecond)
	assert.False(t, g.server.manager.IsUserConnected("u1"))
	_, ok := g.server.GetClient(c.id)
	assert.False(t, ok)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(gone) == 1
	}, time.Second, 10*time.Millisecond)
	mu.Lock()
	assert.Equal(t, c.id, gone[0])
	assert.True(t, voluntary)
	mu.Unlock()
}

func TestStopClosesClientsGoingAway(t *testing.T) {
	t.Parallel()
	g := newTestGateway(t, nil)
	c := g.dial(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, g.server.Stop(ctx))

	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := c.conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
	assert.Zero(t, g.server.Stats().TotalConnections)

	// Stopping twice is fine.
	assert.NoError(t, g.server.Stop(ctx))
}

func TestStartRejectsSecondStart(t *testing.T) {
	t.Parallel()

	srv := New(&ServerConfig{Addr: "127.0.0.1:0", Logger: zaptest.NewLogger(t)})
	require.NoError(t, srv.Start(context.Background()))
	defer srv.Stop(context.Background())

	err := srv.Start(context.Background())
	assert.EqualError(t, err, kephasgate.ErrServerAlreadyRunning)
}
