// Command gateway runs the WebSocket gateway between clients and Kafka.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/luciancaetano/kephasgate/internal/auth"
	"github.com/luciancaetano/kephasgate/internal/config"
	"github.com/luciancaetano/kephasgate/internal/connmgr"
	"github.com/luciancaetano/kephasgate/internal/health"
	"github.com/luciancaetano/kephasgate/internal/kafka"
	"github.com/luciancaetano/kephasgate/internal/logging"
	"github.com/luciancaetano/kephasgate/internal/metrics"
	"github.com/luciancaetano/kephasgate/internal/presence"
	"github.com/luciancaetano/kephasgate/ws"
)

const (
	publishTimeout = 5 * time.Second
	lagInterval    = 30 * time.Second
	presenceTTL    = 24 * time.Hour
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "gateway:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := pflag.NewFlagSet("gateway", pflag.ContinueOnError)
	configFile := flags.StringP("config", "c", "", "path to a YAML configuration file")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	bootLogger, err := logging.New("info", "json")
	if err != nil {
		return err
	}
	cfg, err := config.Load(bootLogger, *configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer logger.Sync()

	validator, err := auth.NewFromConfig(cfg.JWT.PublicKeyPath, cfg.JWT.Secret)
	if err != nil {
		return fmt.Errorf("load jwt key: %w", err)
	}
	logger.Info("jwt validator ready", zap.String("algorithm", validator.Algorithm()))

	kafkaCfg := kafka.Config{
		Brokers:        cfg.Kafka.BrokerList(),
		ConsumerGroup:  cfg.Kafka.ConsumerGroup,
		ClientID:       cfg.Kafka.ClientID,
		PublishTimeout: publishTimeout,
	}
	producer, err := kafka.NewProducer(kafkaCfg, logger)
	if err != nil {
		return err
	}
	defer producer.Close()

	consumer, err := kafka.NewConsumer(kafkaCfg, kafka.DefaultBroadcastCapacity, logger)
	if err != nil {
		return err
	}
	defer consumer.Close()

	redisClient, err := presence.NewRedisClient(presence.RedisOptions{
		URL:      cfg.Redis.URL,
		Host:     cfg.Redis.Host,
		Port:     cfg.Redis.Port,
		User:     cfg.Redis.User,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		return err
	}
	defer redisClient.Close()
	tracker := presence.NewTracker(presence.NewRedisStore(redisClient, presenceTTL), producer, logger)

	manager := connmgr.New(logger)
	m := metrics.New(metrics.Sources{Stats: manager.Stats, BroadcastDrops: consumer.Dropped})

	gwCfg := ws.NewConfig(cfg.Addr(), manager, validator, producer, consumer, logger)
	gwCfg.MaxMessageSize = cfg.WebSocket.MaxMessageSize
	gwCfg.Connection = ws.ConnectionConfig{
		HeartbeatInterval: cfg.WebSocket.HeartbeatInterval(),
		HeartbeatTimeout:  cfg.WebSocket.HeartbeatTimeout(),
		SendQueueSize:     cfg.WebSocket.SendQueueSize,
		RateLimit: ws.RateLimitConfig{
			RefillRate: float64(cfg.WebSocket.RateLimitPerSec),
			MaxTokens:  cfg.WebSocket.RateLimitBurst,
			Enabled:    true,
		},
	}
	gwCfg.CheckOrigin = ws.AllOrigins()
	gwCfg.Presence = tracker
	gwCfg.Metrics = m
	gateway := ws.New(gwCfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return consumer.Run(gctx)
	})
	g.Go(func() error {
		return health.New(cfg.HealthAddr(), manager.Stats, m.Handler(), logger).Run(gctx)
	})
	g.Go(func() error {
		if err := gateway.Start(gctx); err != nil {
			return fmt.Errorf("start gateway: %w", err)
		}
		<-gctx.Done()

		logger.Info("shutting down", zap.Duration("timeout", cfg.WebSocket.ShutdownTimeout()))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.WebSocket.ShutdownTimeout())
		defer cancel()
		return gateway.Stop(shutdownCtx)
	})
	g.Go(func() error {
		reportLag(gctx, consumer, logger)
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("gateway exited", zap.Error(err))
		return err
	}
	logger.Info("gateway exited")
	return nil
}

// reportLag logs consumer group lag periodically.
func reportLag(ctx context.Context, consumer *kafka.Consumer, logger *zap.Logger) {
	ticker := time.NewTicker(lagInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		lags, err := consumer.Lag(ctx)
		if err != nil {
			logger.Debug("consumer lag unavailable", zap.Error(err))
			continue
		}
		var total int64
		for _, l := range lags {
			total += l.Lag
		}
		logger.Info("consumer lag", zap.Int64("total", total), zap.Int("partitions", len(lags)))
	}
}
