package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Store backends. Badger is the default because it persists across CLI
// invocations without an external service. The memory store loses all state
// when the process exits and is meant for tests.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
	StoreBadger   = "badger"
)

// Config is the process configuration, loaded from SORTITION_* variables.
type Config struct {
	Store       string        `env:"STORE" envDefault:"badger"`
	MetricsAddr string        `env:"METRICS_ADDR" envDefault:":9090"`
	TxTimeout   time.Duration `env:"TX_TIMEOUT" envDefault:"5s"`

	Log      LogConfig      `envPrefix:"LOG_"`
	Postgres PostgresConfig `envPrefix:"POSTGRES_"`
	Redis    RedisConfig    `envPrefix:"REDIS_"`
	Badger   BadgerConfig   `envPrefix:"BADGER_"`
	Kafka    KafkaConfig    `envPrefix:"KAFKA_"`
	Relay    RelayConfig    `envPrefix:"RELAY_"`
	Tracing  TracingConfig  `envPrefix:"OTEL_"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `env:"LEVEL" envDefault:"info"`
	Format string `env:"FORMAT" envDefault:"json"`
}

// PostgresConfig configures the SQL store.
type PostgresConfig struct {
	URL             string        `env:"URL"`
	MaxOpenConns    int           `env:"MAX_OPEN_CONNS" envDefault:"20"`
	MaxIdleConns    int           `env:"MAX_IDLE_CONNS" envDefault:"5"`
	ConnMaxLifetime time.Duration `env:"CONN_MAX_LIFETIME" envDefault:"30m"`
}

// RedisConfig configures the redis store and balance cache.
type RedisConfig struct {
	URL          string        `env:"URL"`
	PoolSize     int           `env:"POOL_SIZE" envDefault:"10"`
	MinIdleConns int           `env:"MIN_IDLE_CONNS" envDefault:"2"`
	DialTimeout  time.Duration `env:"DIAL_TIMEOUT" envDefault:"5s"`
	ReadTimeout  time.Duration `env:"READ_TIMEOUT" envDefault:"3s"`
	WriteTimeout time.Duration `env:"WRITE_TIMEOUT" envDefault:"3s"`
	KeyPrefix    string        `env:"KEY_PREFIX" envDefault:"sortition"`
}

// BadgerConfig configures the embedded store.
type BadgerConfig struct {
	Path       string `env:"PATH" envDefault:"./data/badger"`
	InMemory   bool   `env:"IN_MEMORY" envDefault:"false"`
	SyncWrites bool   `env:"SYNC_WRITES" envDefault:"true"`

	GCInterval     time.Duration `env:"GC_INTERVAL" envDefault:"5m"`
	GCDiscardRatio float64       `env:"GC_DISCARD_RATIO" envDefault:"0.5"`
}

// KafkaConfig configures the event bus the relay publishes to.
type KafkaConfig struct {
	Brokers    []string `env:"BROKERS" envSeparator:"," envDefault:"localhost:9092"`
	Topic      string   `env:"TOPIC" envDefault:"governance.citizens"`
	Partitions int32    `env:"PARTITIONS" envDefault:"6"`
	ClientID   string   `env:"CLIENT_ID" envDefault:"sortition-relay"`
}

// RelayConfig tunes the outbox relay loop.
type RelayConfig struct {
	Interval  time.Duration `env:"INTERVAL" envDefault:"1s"`
	BatchSize int           `env:"BATCH_SIZE" envDefault:"100"`

	BreakerCooldown time.Duration `env:"BREAKER_COOLDOWN" envDefault:"30s"`
}

// TracingConfig enables OTLP span export. An empty endpoint disables export.
type TracingConfig struct {
	Endpoint    string `env:"ENDPOINT"`
	ServiceName string `env:"SERVICE_NAME" envDefault:"sortition"`
}

// FromEnv loads Config from the environment.
func FromEnv() (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "SORTITION_"}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field requirements env tags cannot express.
func (c Config) Validate() error {
	switch c.Store {
	case StoreMemory:
	case StoreBadger:
		if !c.Badger.InMemory && c.Badger.Path == "" {
			return fmt.Errorf("SORTITION_BADGER_PATH is required unless SORTITION_BADGER_IN_MEMORY is set")
		}
	case StorePostgres:
		if c.Postgres.URL == "" {
			return fmt.Errorf("SORTITION_POSTGRES_URL is required for the postgres store")
		}
	case StoreRedis:
		if c.Redis.URL == "" {
			return fmt.Errorf("SORTITION_REDIS_URL is required for the redis store")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store)
	}
	if c.Badger.GCDiscardRatio < 0 || c.Badger.GCDiscardRatio > 1 {
		return fmt.Errorf("badger GC discard ratio must be between 0 and 1")
	}
	if c.Relay.BatchSize <= 0 {
		return fmt.Errorf("relay batch size must be positive")
	}
	return nil
}
