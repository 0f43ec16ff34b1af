// Package presence records which users are online through the gateway and
// announces presence changes on the bus.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/luciancaetano/kephasgate/internal/kafka"
)

// Presence event types published to the presence topic.
const (
	EventOnline     = "presence.online"
	EventOffline    = "presence.offline"
	EventRoomJoined = "presence.room_joined"
	EventRoomLeft   = "presence.room_left"
)

const (
	keyPrefix  = "gateway:presence:"
	defaultTTL = 2 * time.Minute
)

// Store keeps the set of connection ids per user in an external store.
type Store interface {
	Add(ctx context.Context, userID, connID string) error
	Remove(ctx context.Context, userID, connID string) (remaining int64, err error)
	Count(ctx context.Context, userID string) (int64, error)
}

// RedisStore keeps a set per user with a sliding TTL so entries of a crashed
// gateway expire on their own.
type RedisStore struct {
	client redis.UniversalClient
	ttl    time.Duration
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore wraps an existing client.
func NewRedisStore(client redis.UniversalClient, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &RedisStore{client: client, ttl: ttl}
}

func userKey(userID string) string {
	return keyPrefix + userID
}

// Add records connID under userID and refreshes the TTL.
func (s *RedisStore) Add(ctx context.Context, userID, connID string) error {
	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, userKey(userID), connID)
	pipe.Expire(ctx, userKey(userID), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence add %s: %w", userID, err)
	}
	return nil
}

// Remove drops connID and returns how many connections the user still has.
func (s *RedisStore) Remove(ctx context.Context, userID, connID string) (int64, error) {
	pipe := s.client.TxPipeline()
	pipe.SRem(ctx, userKey(userID), connID)
	card := pipe.SCard(ctx, userKey(userID))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("presence remove %s: %w", userID, err)
	}
	return card.Val(), nil
}

// Count returns how many connections the user has across gateways.
func (s *RedisStore) Count(ctx context.Context, userID string) (int64, error) {
	n, err := s.client.SCard(ctx, userKey(userID)).Result()
	if err != nil {
		return 0, fmt.Errorf("presence count %s: %w", userID, err)
	}
	return n, nil
}

// Tracker combines the store with presence announcements. Every failure is
// logged and swallowed: presence is best effort and must not affect the
// connection that triggered it.
type Tracker struct {
	store     Store
	publisher kafka.Publisher
	timeout   time.Duration
	logger    *zap.Logger
}

// NewTracker creates a tracker. store and publisher may each be nil.
func NewTracker(store Store, publisher kafka.Publisher, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		store:     store,
		publisher: publisher,
		timeout:   2 * time.Second,
		logger:    logger.With(zap.String("component", "presence")),
	}
}

type presencePayload struct {
	ConnectionID string `json:"connection_id"`
	RoomID       string `json:"room_id,omitempty"`
	Connections  int64  `json:"connections,omitempty"`
}

// Online records an authenticated connection.
func (t *Tracker) Online(ctx context.Context, userID, connID string) {
	if t == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	var count int64
	if t.store != nil {
		if err := t.store.Add(ctx, userID, connID); err != nil {
			t.logger.Warn("presence store update failed", zap.String("user_id", userID), zap.Error(err))
		} else if n, err := t.store.Count(ctx, userID); err == nil {
			count = n
		}
	}
	t.announce(ctx, EventOnline, userID, presencePayload{ConnectionID: connID, Connections: count})
}

// Offline records a closed authenticated connection.
func (t *Tracker) Offline(ctx context.Context, userID, connID string) {
	if t == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	var remaining int64
	if t.store != nil {
		n, err := t.store.Remove(ctx, userID, connID)
		if err != nil {
			t.logger.Warn("presence store update failed", zap.String("user_id", userID), zap.Error(err))
		}
		remaining = n
	}
	t.announce(ctx, EventOffline, userID, presencePayload{ConnectionID: connID, Connections: remaining})
}

// RoomJoined announces a room join.
func (t *Tracker) RoomJoined(ctx context.Context, userID, connID, roomID string) {
	if t == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	t.announce(ctx, EventRoomJoined, userID, presencePayload{ConnectionID: connID, RoomID: roomID})
}

// RoomLeft announces a room leave.
func (t *Tracker) RoomLeft(ctx context.Context, userID, connID, roomID string) {
	if t == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	t.announce(ctx, EventRoomLeft, userID, presencePayload{ConnectionID: connID, RoomID: roomID})
}

func (t *Tracker) announce(ctx context.Context, eventType, userID string, p presencePayload) {
	if t.publisher == nil {
		return
	}
	payload, err := json.Marshal(p)
	if err != nil {
		t.logger.Error("encode presence payload", zap.Error(err))
		return
	}
	env := kafka.NewEnvelope(eventType, userID, payload)
	env.UserID = userID
	env.ConnectionID = p.ConnectionID
	env.RoomID = p.RoomID
	if err := t.publisher.PublishPresence(ctx, userID, env); err != nil {
		t.logger.Warn("presence publish failed",
			zap.String("event_type", eventType),
			zap.String("user_id", userID),
			zap.Error(err),
		)
	}
}

// RedisOptions is the connection information for the presence store.
type RedisOptions struct {
	URL      string
	Host     string
	Port     int
	User     string
	Password string
	DB       int
}

// NewRedisClient builds a client from a URL when one is given, otherwise
// from the individual components.
func NewRedisClient(o RedisOptions) (*redis.Client, error) {
	if o.URL != "" {
		opts, err := redis.ParseURL(o.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return redis.NewClient(opts), nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", o.Host, o.Port),
		Username: o.User,
		Password: o.Password,
		DB:       o.DB,
	}), nil
}
