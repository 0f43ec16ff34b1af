// Package kafka bridges the gateway to the Kafka event bus: a keyed producer
// for client commands and presence, and a consumer that fans bus events out
// to in-process subscribers.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// ErrNoBrokers is returned when no bootstrap servers are configured.
var ErrNoBrokers = errors.New("no kafka brokers configured")

const headerEventType = "event_type"

// Config holds the client settings shared by the producer and consumer.
type Config struct {
	Brokers        []string
	ConsumerGroup  string
	ClientID       string
	PublishTimeout time.Duration
}

// Publisher is the producer surface used by the gateway router.
type Publisher interface {
	// Publish sends env to topic keyed by key.
	Publish(ctx context.Context, topic, key string, env *Envelope) error
	// PublishCommand routes env by its event type prefix and returns the topic used.
	PublishCommand(ctx context.Context, key string, env *Envelope) (string, error)
	// PublishPresence sends env to the presence topic keyed by user id.
	PublishPresence(ctx context.Context, userID string, env *Envelope) error
}

type recordProducer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

// Producer publishes JSON envelopes. It is safe for concurrent use.
type Producer struct {
	client  recordProducer
	timeout time.Duration
	logger  *zap.Logger
}

var _ Publisher = (*Producer)(nil)

// NewProducer connects a producer that waits for the partition leader only (acks=1).
func NewProducer(cfg Config, logger *zap.Logger) (*Producer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, ErrNoBrokers
	}
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.RequiredAcks(kgo.LeaderAck()),
		kgo.DisableIdempotentWrite(),
	}
	if cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.ClientID))
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return newProducer(client, cfg.PublishTimeout, logger), nil
}

func newProducer(client recordProducer, timeout time.Duration, logger *zap.Logger) *Producer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Producer{
		client:  client,
		timeout: timeout,
		logger:  logger.With(zap.String("component", "kafka_producer")),
	}
}

// Publish serializes env and produces it synchronously. Failures are returned
// to the caller, which decides whether to retry, drop or notify the client.
func (p *Producer) Publish(ctx context.Context, topic, key string, env *Envelope) error {
	value, err := env.Marshal()
	if err != nil {
		return fmt.Errorf("encode envelope %s: %w", env.EventType, err)
	}

	rec := &kgo.Record{
		Topic:     topic,
		Key:       []byte(key),
		Value:     value,
		Timestamp: env.Timestamp,
		Headers:   []kgo.RecordHeader{{Key: headerEventType, Value: []byte(env.EventType)}},
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		p.logger.Warn("publish failed",
			zap.String("topic", topic),
			zap.String("key", key),
			zap.String("event_type", env.EventType),
			zap.Error(err),
		)
		return fmt.Errorf("publish %s to %s: %w", env.EventType, topic, err)
	}
	return nil
}

// PublishCommand publishes env to CommandTopic(env.EventType).
func (p *Producer) PublishCommand(ctx context.Context, key string, env *Envelope) (string, error) {
	topic := CommandTopic(env.EventType)
	return topic, p.Publish(ctx, topic, key, env)
}

// PublishPresence publishes env to the presence topic keyed by user id.
func (p *Producer) PublishPresence(ctx context.Context, userID string, env *Envelope) error {
	return p.Publish(ctx, TopicPresence, userID, env)
}

// Close releases the underlying client.
func (p *Producer) Close() {
	p.client.Close()
}
