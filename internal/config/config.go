// Package config loads gateway settings from defaults, an optional YAML
// file and environment variables.
package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Config is the complete gateway configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	WebSocket WebSocketConfig `mapstructure:"websocket"`
	JWT       JWTConfig       `mapstructure:"jwt"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Log       LogConfig       `mapstructure:"log"`
}

// ServerConfig holds the listen addresses.
type ServerConfig struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	HealthPort int    `mapstructure:"health_port"`
}

// WebSocketConfig holds the per-connection tunables.
type WebSocketConfig struct {
	HeartbeatIntervalSecs int `mapstructure:"heartbeat_interval_secs"`
	HeartbeatTimeoutSecs  int `mapstructure:"heartbeat_timeout_secs"`
	MaxMessageSize        int `mapstructure:"max_message_size"`
	RateLimitPerSec       int `mapstructure:"rate_limit_per_sec"`
	RateLimitBurst        int `mapstructure:"rate_limit_burst"`
	SendQueueSize         int `mapstructure:"send_queue_size"`
	ShutdownTimeoutSecs   int `mapstructure:"shutdown_timeout_secs"`
}

// JWTConfig selects the token key material. A public key path wins over a secret.
type JWTConfig struct {
	PublicKeyPath string `mapstructure:"public_key_path"`
	Secret        string `mapstructure:"secret"`
}

// KafkaConfig holds the bootstrap servers and consumer group.
type KafkaConfig struct {
	Brokers       string `mapstructure:"brokers"`
	Host          string `mapstructure:"host"`
	Port          int    `mapstructure:"port"`
	ConsumerGroup string `mapstructure:"consumer_group"`
	ClientID      string `mapstructure:"client_id"`
}

// RedisConfig locates the presence store. URL wins over the individual fields.
type RedisConfig struct {
	URL      string `mapstructure:"url"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// LogConfig selects the log level and encoding.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// envBindings maps config keys to the environment variables operators set.
var envBindings = map[string]string{
	"server.host":                       "WS_HOST",
	"server.port":                       "WS_PORT",
	"server.health_port":                "HEALTH_PORT",
	"websocket.heartbeat_interval_secs": "WS_HEARTBEAT_INTERVAL_SECS",
	"websocket.heartbeat_timeout_secs":  "WS_HEARTBEAT_TIMEOUT_SECS",
	"websocket.max_message_size":        "WS_MAX_MESSAGE_SIZE",
	"websocket.rate_limit_per_sec":      "WS_RATE_LIMIT_PER_SEC",
	"websocket.rate_limit_burst":        "WS_RATE_LIMIT_BURST",
	"websocket.send_queue_size":         "WS_SEND_QUEUE_SIZE",
	"websocket.shutdown_timeout_secs":   "WS_SHUTDOWN_TIMEOUT_SECS",
	"jwt.public_key_path":               "JWT_PUBLIC_KEY_PATH",
	"jwt.secret":                        "JWT_SECRET",
	"kafka.brokers":                     "KAFKA_BROKERS",
	"kafka.host":                        "KAFKA_HOST",
	"kafka.port":                        "KAFKA_PORT",
	"kafka.consumer_group":              "KAFKA_CONSUMER_GROUP",
	"kafka.client_id":                   "KAFKA_CLIENT_ID",
	"redis.url":                         "REDIS_URL",
	"redis.host":                        "REDIS_HOST",
	"redis.port":                        "REDIS_PORT",
	"redis.user":                        "REDIS_USER",
	"redis.password":                    "REDIS_PASSWORD",
	"redis.db":                          "REDIS_DB",
	"log.level":                         "LOG_LEVEL",
	"log.format":                        "LOG_FORMAT",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 9998)
	v.SetDefault("server.health_port", 9997)
	v.SetDefault("websocket.heartbeat_interval_secs", 15)
	v.SetDefault("websocket.heartbeat_timeout_secs", 45)
	v.SetDefault("websocket.max_message_size", 65536)
	v.SetDefault("websocket.rate_limit_per_sec", 50)
	v.SetDefault("websocket.rate_limit_burst", 100)
	v.SetDefault("websocket.send_queue_size", 256)
	v.SetDefault("websocket.shutdown_timeout_secs", 10)
	v.SetDefault("jwt.public_key_path", "")
	v.SetDefault("jwt.secret", "")
	v.SetDefault("kafka.brokers", "")
	v.SetDefault("kafka.host", "localhost")
	v.SetDefault("kafka.port", 9092)
	v.SetDefault("kafka.consumer_group", "ws-gateway")
	v.SetDefault("kafka.client_id", "ws-gateway")
	v.SetDefault("redis.url", "")
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.user", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Load reads configuration. configFile may be empty; a named file that
// cannot be read is an error.
func Load(logger *zap.Logger, configFile string) (*Config, error) {
	return load(viper.New(), logger, configFile)
}

func load(v *viper.Viper, logger *zap.Logger, configFile string) (*Config, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	setDefaults(v)

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
		logger.Info("configuration file loaded", zap.String("path", configFile))
	} else {
		logger.Debug("no configuration file given, relying on defaults and environment")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the gateway cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if c.JWT.PublicKeyPath == "" && c.JWT.Secret == "" {
		errs = append(errs, errors.New("one of JWT_PUBLIC_KEY_PATH or JWT_SECRET must be set"))
	}
	positive := map[string]int{
		"WS_PORT":                    c.Server.Port,
		"HEALTH_PORT":                c.Server.HealthPort,
		"WS_HEARTBEAT_INTERVAL_SECS": c.WebSocket.HeartbeatIntervalSecs,
		"WS_HEARTBEAT_TIMEOUT_SECS":  c.WebSocket.HeartbeatTimeoutSecs,
		"WS_MAX_MESSAGE_SIZE":        c.WebSocket.MaxMessageSize,
		"WS_RATE_LIMIT_PER_SEC":      c.WebSocket.RateLimitPerSec,
		"WS_RATE_LIMIT_BURST":        c.WebSocket.RateLimitBurst,
		"WS_SEND_QUEUE_SIZE":         c.WebSocket.SendQueueSize,
	}
	for name, val := range positive {
		if val <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, val))
		}
	}
	if c.WebSocket.HeartbeatTimeoutSecs > 0 && c.WebSocket.HeartbeatTimeoutSecs <= c.WebSocket.HeartbeatIntervalSecs {
		errs = append(errs, fmt.Errorf("WS_HEARTBEAT_TIMEOUT_SECS (%d) must exceed WS_HEARTBEAT_INTERVAL_SECS (%d)",
			c.WebSocket.HeartbeatTimeoutSecs, c.WebSocket.HeartbeatIntervalSecs))
	}
	if len(c.Kafka.BrokerList()) == 0 {
		errs = append(errs, errors.New("KAFKA_BROKERS or KAFKA_HOST/KAFKA_PORT must be set"))
	}
	return errors.Join(errs...)
}

// Addr is the WebSocket listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

// HealthAddr is the health endpoint listen address.
func (c *Config) HealthAddr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.HealthPort))
}

// HeartbeatInterval is the ping period.
func (w WebSocketConfig) HeartbeatInterval() time.Duration {
	return time.Duration(w.HeartbeatIntervalSecs) * time.Second
}

// HeartbeatTimeout is how long a silent connection is kept.
func (w WebSocketConfig) HeartbeatTimeout() time.Duration {
	return time.Duration(w.HeartbeatTimeoutSecs) * time.Second
}

// ShutdownTimeout bounds the graceful drain on shutdown.
func (w WebSocketConfig) ShutdownTimeout() time.Duration {
	return time.Duration(w.ShutdownTimeoutSecs) * time.Second
}

// BrokerList splits KAFKA_BROKERS on commas, falling back to host:port.
func (k KafkaConfig) BrokerList() []string {
	var out []string
	for _, b := range strings.Split(k.Brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	if len(out) == 0 && k.Host != "" && k.Port > 0 {
		out = append(out, net.JoinHostPort(k.Host, strconv.Itoa(k.Port)))
	}
	return out
}
