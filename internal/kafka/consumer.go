package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// EventSource hands out subscriptions to consumed envelopes.
type EventSource interface {
	Subscribe() *Subscription[*Envelope]
}

type fetchPoller interface {
	PollFetches(ctx context.Context) kgo.Fetches
	Close()
}

// Consumer reads the event topics in a consumer group with auto-commit and
// broadcasts every decoded envelope.
type Consumer struct {
	client  fetchPoller
	admin   *kadm.Client
	group   string
	topics  []string
	events  *Broadcaster[*Envelope]
	logger  *zap.Logger
	invalid atomic.Uint64
}

var _ EventSource = (*Consumer)(nil)

// NewConsumer joins cfg.ConsumerGroup and subscribes to EventTopics.
func NewConsumer(cfg Config, capacity int, logger *zap.Logger) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, ErrNoBrokers
	}
	if cfg.ConsumerGroup == "" {
		return nil, errors.New("kafka consumer group is required")
	}
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.ConsumerGroup),
		kgo.ConsumeTopics(EventTopics...),
	}
	if cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.ClientID))
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer: %w", err)
	}
	c := newConsumer(client, cfg.ConsumerGroup, capacity, logger)
	c.admin = kadm.NewClient(client)
	return c, nil
}

func newConsumer(client fetchPoller, group string, capacity int, logger *zap.Logger) *Consumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{
		client: client,
		group:  group,
		topics: EventTopics,
		events: NewBroadcaster[*Envelope](capacity),
		logger: logger.With(zap.String("component", "kafka_consumer"), zap.String("group", group)),
	}
}

// Subscribe returns a new receiver of consumed envelopes. A receiver that
// falls more than the broadcast capacity behind misses envelopes.
func (c *Consumer) Subscribe() *Subscription[*Envelope] {
	return c.events.Subscribe()
}

// Dropped returns how many deliveries to slow subscribers were skipped.
func (c *Consumer) Dropped() uint64 {
	return c.events.Dropped()
}

// Malformed returns how many records were dropped as undecodable.
func (c *Consumer) Malformed() uint64 {
	return c.invalid.Load()
}

// Run polls until ctx is cancelled or the client is closed. Fetch errors and
// malformed records are logged and skipped.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("consumer started", zap.Strings("topics", c.topics))
	defer c.events.Close()

	for {
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			c.logger.Info("consumer client closed")
			return nil
		}
		if ctx.Err() != nil {
			c.logger.Info("consumer stopped")
			return nil
		}

		fetches.EachError(func(topic string, partition int32, err error) {
			c.logger.Warn("fetch error",
				zap.String("topic", topic),
				zap.Int32("partition", partition),
				zap.Error(err),
			)
		})
		fetches.EachRecord(c.handleRecord)
	}
}

func (c *Consumer) handleRecord(rec *kgo.Record) {
	env, err := UnmarshalEnvelope(rec.Value)
	if err != nil {
		c.invalid.Add(1)
		c.logger.Warn("dropping malformed event",
			zap.String("topic", rec.Topic),
			zap.Int32("partition", rec.Partition),
			zap.Int64("offset", rec.Offset),
			zap.Error(err),
		)
		return
	}
	if env.Key == "" && len(rec.Key) > 0 {
		env.Key = string(rec.Key)
	}
	if env.Timestamp.IsZero() {
		env.Timestamp = rec.Timestamp
	}

	if n := c.events.Send(env); n == 0 {
		c.logger.Debug("event had no listeners",
			zap.String("topic", rec.Topic),
			zap.String("event_type", env.EventType),
		)
	}
}

// PartitionLag is the consumer group lag on one partition.
type PartitionLag struct {
	Topic     string
	Partition int32
	Committed int64
	End       int64
	Lag       int64
}

// Lag reports per-partition lag of the consumer group. It talks to the
// brokers and is meant for observability, not the hot path.
func (c *Consumer) Lag(ctx context.Context) ([]PartitionLag, error) {
	if c.admin == nil {
		return nil, errors.New("lag inspection unavailable")
	}

	ends, err := c.admin.ListEndOffsets(ctx, c.topics...)
	if err != nil {
		return nil, fmt.Errorf("list end offsets: %w", err)
	}
	committed, err := c.admin.FetchOffsets(ctx, c.group)
	if err != nil {
		return nil, fmt.Errorf("fetch committed offsets for %s: %w", c.group, err)
	}

	var lags []PartitionLag
	ends.Each(func(lo kadm.ListedOffset) {
		if lo.Err != nil {
			c.logger.Debug("end offset unavailable",
				zap.String("topic", lo.Topic),
				zap.Int32("partition", lo.Partition),
				zap.Error(lo.Err),
			)
			return
		}
		pl := PartitionLag{Topic: lo.Topic, Partition: lo.Partition, End: lo.Offset}
		if or, ok := committed.Lookup(lo.Topic, lo.Partition); ok && or.Err == nil && or.At >= 0 {
			pl.Committed = or.At
		}
		pl.Lag = computeLag(pl.Committed, pl.End)
		lags = append(lags, pl)
	})
	return lags, nil
}

func computeLag(committed, end int64) int64 {
	if end <= committed {
		return 0
	}
	return end - committed
}

// Close leaves the group and releases the client.
func (c *Consumer) Close() {
	c.client.Close()
}
