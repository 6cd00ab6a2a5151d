package mcphost

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the host configuration file.
type Config struct {
	Servers   []ServerConfig  `yaml:"servers"`
	Bridge    BridgeConfig    `yaml:"bridge"`
	Retry     RetryPolicy     `yaml:"retry"`
	Mediator  MediatorConfig  `yaml:"mediator"`
	Lifecycle LifecycleConfig `yaml:"lifecycle"`
	Audit     AuditConfig     `yaml:"audit"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig declares one remote server and how to reach it.
type ServerConfig struct {
	Name      string `yaml:"name"`
	Transport string `yaml:"transport"`

	// stdio
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	Env     []string `yaml:"env"`
	Dir     string   `yaml:"dir"`

	// sse and websocket
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`

	Pipelined     *bool         `yaml:"pipelined"`
	CallTimeout   time.Duration `yaml:"callTimeout"`
	ReadOnlyTools []string      `yaml:"readOnlyTools"`
}

// BridgeConfig tunes the Bridge.
type BridgeConfig struct {
	CallTimeout    time.Duration `yaml:"callTimeout"`
	ConnectTimeout time.Duration `yaml:"connectTimeout"`
	WriteTimeout   time.Duration `yaml:"writeTimeout"`
	PingInterval   time.Duration `yaml:"pingInterval"`
	PingThreshold  int           `yaml:"pingThreshold"`
}

// MediatorConfig tunes the Mediator.
type MediatorConfig struct {
	ConfirmTimeout time.Duration `yaml:"confirmTimeout"`
}

// LifecycleConfig tunes the LifecycleManager.
type LifecycleConfig struct {
	InitTimeout      time.Duration `yaml:"initTimeout"`
	TeardownDeadline time.Duration `yaml:"teardownDeadline"`
	RefreshTimeout   time.Duration `yaml:"refreshTimeout"`
}

// AuditConfig selects where audit records are written. Sinks without configuration are
// disabled; the log sink is used when nothing else is enabled.
type AuditConfig struct {
	Enabled       bool          `yaml:"enabled"`
	BufferSize    int           `yaml:"bufferSize"`
	BatchSize     int           `yaml:"batchSize"`
	FlushInterval time.Duration `yaml:"flushInterval"`

	Postgres *PostgresAuditConfig `yaml:"postgres"`
	Kafka    *KafkaAuditConfig    `yaml:"kafka"`
	Redis    *RedisAuditConfig    `yaml:"redis"`
	MQTT     *MQTTAuditConfig     `yaml:"mqtt"`
}

// PostgresAuditConfig configures the Postgres audit sink.
type PostgresAuditConfig struct {
	DSN   string `yaml:"dsn"`
	Table string `yaml:"table"`
}

// KafkaAuditConfig configures the Kafka audit sink.
type KafkaAuditConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// RedisAuditConfig configures the Redis stream audit sink.
type RedisAuditConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Stream   string `yaml:"stream"`
	MaxLen   int64  `yaml:"maxLen"`
}

// MQTTAuditConfig configures the MQTT audit sink.
type MQTTAuditConfig struct {
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"clientId"`
	Topic    string `yaml:"topic"`
	QoS      byte   `yaml:"qos"`
}

// LoggingConfig configures the host logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Transports accepted in ServerConfig.Transport.
const (
	TransportStdio     = "stdio"
	TransportSSE       = "sse"
	TransportWebSocket = "websocket"
)

// LoadConfig reads and validates the configuration file at path.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses and validates a YAML configuration.
func ParseConfig(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every problem of the configuration.
func (c Config) Validate() error {
	var errs []error
	seen := make(map[string]struct{}, len(c.Servers))
	for i, s := range c.Servers {
		if s.Name == "" {
			errs = append(errs, fmt.Errorf("servers[%d]: missing name", i))
			continue
		}
		if _, dup := seen[s.Name]; dup {
			errs = append(errs, fmt.Errorf("servers[%d]: duplicate name %s", i, s.Name))
		}
		seen[s.Name] = struct{}{}

		switch s.Transport {
		case TransportStdio, "":
			if s.Command == "" {
				errs = append(errs, fmt.Errorf("server %s: stdio transport requires a command", s.Name))
			}
		case TransportSSE, TransportWebSocket:
			if s.URL == "" {
				errs = append(errs, fmt.Errorf("server %s: %s transport requires a url", s.Name, s.Transport))
			}
		default:
			errs = append(errs, fmt.Errorf("server %s: unknown transport %q", s.Name, s.Transport))
		}
		if s.CallTimeout < 0 {
			errs = append(errs, fmt.Errorf("server %s: negative call timeout", s.Name))
		}
	}

	if c.Retry.MaxAttempts > maxRetryAttempts {
		errs = append(errs, fmt.Errorf("retry: maxAttempts %d exceeds %d", c.Retry.MaxAttempts, maxRetryAttempts))
	}
	if c.Audit.Postgres != nil && c.Audit.Postgres.DSN == "" {
		errs = append(errs, errors.New("audit.postgres: missing dsn"))
	}
	if c.Audit.Kafka != nil && (len(c.Audit.Kafka.Brokers) == 0 || c.Audit.Kafka.Topic == "") {
		errs = append(errs, errors.New("audit.kafka: brokers and topic are required"))
	}
	if c.Audit.Redis != nil && c.Audit.Redis.Addr == "" {
		errs = append(errs, errors.New("audit.redis: missing addr"))
	}
	if c.Audit.MQTT != nil && (c.Audit.MQTT.Broker == "" || c.Audit.MQTT.Topic == "") {
		errs = append(errs, errors.New("audit.mqtt: broker and topic are required"))
	}
	if c.Audit.MQTT != nil && c.Audit.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("audit.mqtt: invalid qos %d", c.Audit.MQTT.QoS))
	}
	if _, err := parseLevel(c.Logging.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging: unknown format %q", c.Logging.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Dialer builds the transports of every configured server.
func (c Config) Dialer(logger *slog.Logger) TransportDialer {
	d := make(TransportDialer, len(c.Servers))
	for _, s := range c.Servers {
		switch s.Transport {
		case TransportSSE:
			opts := []SSEClientOption{WithSSEClientLogger(logger)}
			for k, v := range s.Headers {
				opts = append(opts, WithSSEClientHeader(k, v))
			}
			d[s.Name] = NewSSEClient(s.URL, http.DefaultClient, opts...)
		case TransportWebSocket:
			opts := []WebSocketClientOption{WithWebSocketLogger(logger)}
			for k, v := range s.Headers {
				opts = append(opts, WithWebSocketHeader(k, v))
			}
			d[s.Name] = NewWebSocketClient(s.URL, opts...)
		default:
			opts := []CommandOption{WithCommandLogger(logger)}
			if len(s.Env) > 0 {
				opts = append(opts, WithCommandEnv(s.Env...))
			}
			if s.Dir != "" {
				opts = append(opts, WithCommandDir(s.Dir))
			}
			d[s.Name] = NewCommand(s.Command, s.Args, opts...)
		}
	}
	return d
}

// BridgeOptions converts the configuration into Bridge options.
func (c Config) BridgeOptions(logger *slog.Logger) []BridgeOption {
	opts := []BridgeOption{
		WithBridgeLogger(logger),
		WithCallTimeout(c.Bridge.CallTimeout),
		WithConnectTimeout(c.Bridge.ConnectTimeout),
		WithWriteTimeout(c.Bridge.WriteTimeout),
		WithPingInterval(c.Bridge.PingInterval),
		WithPingTimeoutThreshold(c.Bridge.PingThreshold),
	}
	for _, s := range c.Servers {
		// Stdio servers read requests one line at a time but answer in any order, so only an
		// explicit setting turns pipelining off.
		sequential := s.Pipelined != nil && !*s.Pipelined
		opts = append(opts, WithServerOptions(s.Name, ServerOptions{
			Sequential:    sequential,
			CallTimeout:   s.CallTimeout,
			ReadOnlyTools: s.ReadOnlyTools,
		}))
	}
	return opts
}

// MediatorOptions converts the configuration into Mediator options.
func (c Config) MediatorOptions(logger *slog.Logger) []MediatorOption {
	return []MediatorOption{
		WithMediatorLogger(logger),
		WithConfirmTimeout(c.Mediator.ConfirmTimeout),
	}
}

// LifecycleOptions converts the configuration into LifecycleManager options.
func (c Config) LifecycleOptions(logger *slog.Logger) []LifecycleOption {
	return []LifecycleOption{
		WithLifecycleLogger(logger),
		WithInitTimeout(c.Lifecycle.InitTimeout),
		WithTeardownDeadline(c.Lifecycle.TeardownDeadline),
		WithRefreshTimeout(c.Lifecycle.RefreshTimeout),
	}
}

// Logger builds the host logger, writing to stderr.
func (c LoggingConfig) Logger() *slog.Logger {
	level, _ := parseLevel(c.Level)
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func parseLevel(s string) (slog.Level, error) {
	if s == "" {
		return slog.LevelInfo, nil
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("logging: unknown level %q", s)
	}
	return level, nil
}
