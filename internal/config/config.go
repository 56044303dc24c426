package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds runtime configuration values for the chat core.
type Config struct {
	AppName  string
	AppEnv   string
	AppPort  string
	LogLevel string

	DatabaseDriver       string
	DatabaseURL          string
	DatabaseMaxOpenConns int
	RedisURL             string
	MaxTxRetries         int

	EventBus EventBusConfig
	Outbox   OutboxConfig
	Group    GroupConfig
	Verifier VerifierConfig
	Admin    AdminConfig
}

// EventBusConfig selects and configures the broker the outbox drains into.
type EventBusConfig struct {
	Kind           string
	NATSURL        string
	NATSSubject    string
	NATSStream     string
	RabbitURL      string
	RabbitQueue    string
	PublishTimeout time.Duration
}

// OutboxConfig tunes the outbox dispatcher.
type OutboxConfig struct {
	BatchSize    int
	Workers      int
	PollInterval time.Duration
	Lease        time.Duration
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
	MaxAttempts  int
}

// GroupConfig tunes idempotent group creation.
type GroupConfig struct {
	PendingTimeout time.Duration
	PendingWait    time.Duration
}

// VerifierConfig configures the bounded-retry secret verifier.
type VerifierConfig struct {
	HMACKey      string
	DefaultTries int
	TTL          time.Duration
}

// AdminConfig guards the operator endpoints. An empty JWTSecret leaves them unmounted.
type AdminConfig struct {
	JWTSecret  string
	RateLimit  int
	RateWindow time.Duration
}

// HTTPAddress returns the address the operator HTTP server should listen on.
func (c Config) HTTPAddress() string {
	if strings.HasPrefix(c.AppPort, ":") {
		return c.AppPort
	}

	return fmt.Sprintf(":%s", c.AppPort)
}

// Load reads configuration values from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("COUNTERPOINT")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	return fromViper(v)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "counterpoint")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")
	v.SetDefault("log.level", "info")

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("tx.max_retries", 3)

	v.SetDefault("eventbus.kind", "log")
	v.SetDefault("eventbus.nats.subject", "counterpoint.events")
	v.SetDefault("eventbus.nats.stream", "COUNTERPOINT_EVENTS")
	v.SetDefault("eventbus.rabbit.queue", "counterpoint.events")
	v.SetDefault("eventbus.publish_timeout", "5s")

	v.SetDefault("outbox.batch_size", 256)
	v.SetDefault("outbox.workers", 2)
	v.SetDefault("outbox.poll_interval", "200ms")
	v.SetDefault("outbox.lease", "30s")
	v.SetDefault("outbox.base_backoff", "1s")
	v.SetDefault("outbox.max_backoff", "5m")
	v.SetDefault("outbox.max_attempts", 10)

	v.SetDefault("group.pending_timeout", "30s")
	v.SetDefault("group.pending_wait", "5s")

	v.SetDefault("verifier.default_tries", 3)
	v.SetDefault("verifier.ttl", "5m")

	v.SetDefault("admin.rate_limit", 60)
	v.SetDefault("admin.rate_window", "1m")
}

func fromViper(v *viper.Viper) (Config, error) {
	durations := map[string]time.Duration{}
	for _, key := range []string{
		"eventbus.publish_timeout",
		"outbox.poll_interval",
		"outbox.lease",
		"outbox.base_backoff",
		"outbox.max_backoff",
		"group.pending_timeout",
		"group.pending_wait",
		"verifier.ttl",
		"admin.rate_window",
	} {
		d, err := time.ParseDuration(v.GetString(key))
		if err != nil {
			return Config{}, fmt.Errorf("invalid duration for %s: %w", key, err)
		}
		if d <= 0 {
			return Config{}, fmt.Errorf("%s must be positive", key)
		}
		durations[key] = d
	}

	cfg := Config{
		AppName:              v.GetString("app.name"),
		AppEnv:               v.GetString("app.env"),
		AppPort:              v.GetString("app.port"),
		LogLevel:             strings.ToLower(v.GetString("log.level")),
		DatabaseDriver:       strings.ToLower(v.GetString("database.driver")),
		DatabaseURL:          v.GetString("database.url"),
		DatabaseMaxOpenConns: v.GetInt("database.max_open_conns"),
		RedisURL:             v.GetString("redis.url"),
		MaxTxRetries:         v.GetInt("tx.max_retries"),
		EventBus: EventBusConfig{
			Kind:           strings.ToLower(v.GetString("eventbus.kind")),
			NATSURL:        v.GetString("eventbus.nats.url"),
			NATSSubject:    v.GetString("eventbus.nats.subject"),
			NATSStream:     v.GetString("eventbus.nats.stream"),
			RabbitURL:      v.GetString("eventbus.rabbit.url"),
			RabbitQueue:    v.GetString("eventbus.rabbit.queue"),
			PublishTimeout: durations["eventbus.publish_timeout"],
		},
		Outbox: OutboxConfig{
			BatchSize:    v.GetInt("outbox.batch_size"),
			Workers:      v.GetInt("outbox.workers"),
			PollInterval: durations["outbox.poll_interval"],
			Lease:        durations["outbox.lease"],
			BaseBackoff:  durations["outbox.base_backoff"],
			MaxBackoff:   durations["outbox.max_backoff"],
			MaxAttempts:  v.GetInt("outbox.max_attempts"),
		},
		Group: GroupConfig{
			PendingTimeout: durations["group.pending_timeout"],
			PendingWait:    durations["group.pending_wait"],
		},
		Verifier: VerifierConfig{
			HMACKey:      v.GetString("verifier.hmac_key"),
			DefaultTries: v.GetInt("verifier.default_tries"),
			TTL:          durations["verifier.ttl"],
		},
		Admin: AdminConfig{
			JWTSecret:  v.GetString("admin.jwt_secret"),
			RateLimit:  v.GetInt("admin.rate_limit"),
			RateWindow: durations["admin.rate_window"],
		},
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c Config) validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("database url must be provided")
	}
	if c.Verifier.HMACKey == "" {
		return fmt.Errorf("verifier hmac key must be provided")
	}
	if c.MaxTxRetries < 0 {
		return fmt.Errorf("tx max retries must not be negative")
	}
	if c.Outbox.BatchSize <= 0 || c.Outbox.Workers <= 0 || c.Outbox.MaxAttempts <= 0 {
		return fmt.Errorf("outbox batch size, workers and max attempts must be positive")
	}
	if c.Outbox.MaxBackoff < c.Outbox.BaseBackoff {
		return fmt.Errorf("outbox max backoff must not be below base backoff")
	}
	if c.Verifier.DefaultTries <= 0 {
		return fmt.Errorf("verifier default tries must be positive")
	}
	if c.Admin.RateLimit <= 0 {
		return fmt.Errorf("admin rate limit must be positive")
	}

	switch c.EventBus.Kind {
	case "log":
	case "nats":
		if c.EventBus.NATSURL == "" {
			return fmt.Errorf("nats url must be provided for the nats event bus")
		}
	case "rabbitmq":
		if c.EventBus.RabbitURL == "" {
			return fmt.Errorf("rabbitmq url must be provided for the rabbitmq event bus")
		}
	default:
		return fmt.Errorf("unsupported event bus %q", c.EventBus.Kind)
	}

	return nil
}
