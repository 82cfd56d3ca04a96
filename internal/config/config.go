package config

import (
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

// Config holds everything the server needs, loaded from the environment.
type Config struct {
	Symbol      string `env:"SYMBOL" envDefault:"AAPL"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	HTTP      HTTPConfig      `envPrefix:"HTTP_"`
	Journal   JournalConfig   `envPrefix:"JOURNAL_"`
	Outbox    OutboxConfig    `envPrefix:"OUTBOX_"`
	Kafka     KafkaConfig     `envPrefix:"KAFKA_"`
	Redis     RedisConfig     `envPrefix:"REDIS_"`
	NATS      NATSConfig      `envPrefix:"NATS_"`
	Market    MarketConfig    `envPrefix:"MARKET_"`
	Log       LogConfig       `envPrefix:"LOG_"`
	Telemetry TelemetryConfig `envPrefix:"OTEL_"`
}

// HTTPConfig configures the API server.
type HTTPConfig struct {
	Addr            string        `env:"ADDR" envDefault:":8080"`
	MetricsAddr     string        `env:"METRICS_ADDR" envDefault:":9090"`
	ReadTimeout     time.Duration `env:"READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout    time.Duration `env:"WRITE_TIMEOUT" envDefault:"10s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// JournalConfig configures the operation journal.
type JournalConfig struct {
	Enabled bool   `env:"ENABLED" envDefault:"true"`
	Path    string `env:"PATH" envDefault:"data/ops.journal"`
}

// OutboxConfig configures the durable report outbox.
type OutboxConfig struct {
	Dir             string        `env:"DIR" envDefault:"data/outbox"`
	DrainInterval   time.Duration `env:"DRAIN_INTERVAL" envDefault:"250ms"`
	BatchSize       int           `env:"BATCH_SIZE" envDefault:"256"`
	CompactInterval time.Duration `env:"COMPACT_INTERVAL" envDefault:"1m"`
}

// KafkaConfig configures the execution report feed.
type KafkaConfig struct {
	Enabled bool     `env:"ENABLED" envDefault:"false"`
	Brokers []string `env:"BROKERS" envDefault:"localhost:9092"`
	Topic   string   `env:"TOPIC" envDefault:"executions"`
}

// RedisConfig configures the depth snapshot cache.
type RedisConfig struct {
	Enabled     bool          `env:"ENABLED" envDefault:"false"`
	Addr        string        `env:"ADDR" envDefault:"localhost:6379"`
	Password    string        `env:"PASSWORD" envDefault:""`
	DB          int           `env:"DB" envDefault:"0"`
	SnapshotTTL time.Duration `env:"SNAPSHOT_TTL" envDefault:"0"`
}

// NATSConfig configures the order gateway.
type NATSConfig struct {
	Enabled bool   `env:"ENABLED" envDefault:"false"`
	URL     string `env:"URL" envDefault:"nats://localhost:4222"`
	Subject string `env:"SUBJECT" envDefault:"orders.requests"`
}

// MarketConfig configures market data aggregation.
type MarketConfig struct {
	TapeCapacity   int           `env:"TAPE_CAPACITY" envDefault:"1000"`
	CandleInterval time.Duration `env:"CANDLE_INTERVAL" envDefault:"1m"`
	DepthInterval  time.Duration `env:"DEPTH_INTERVAL" envDefault:"500ms"`
	DepthLevels    int           `env:"DEPTH_LEVELS" envDefault:"20"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level       string `env:"LEVEL" envDefault:"info"`
	Development bool   `env:"DEVELOPMENT" envDefault:"false"`
}

// TelemetryConfig configures tracing. An empty endpoint disables export.
type TelemetryConfig struct {
	Endpoint string `env:"EXPORTER_OTLP_ENDPOINT" envDefault:""`
}

// Load reads configuration from the environment. A .env file in the working
// directory is applied first when present, for local runs.
func Load() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "parse environment")
	}
	return cfg, nil
}
