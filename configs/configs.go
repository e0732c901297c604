// Package configs provides application configuration loaded from environment variables.
// All configuration is externalized via environment variables for 12-factor app compliance.
package configs

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// AppConfig holds all application configuration.
// Load it once at startup using AppLoad().
type AppConfig struct {
	// DatabaseDSN is the Postgres connection string for the preset store.
	DatabaseDSN string

	// ClickHouseDSN is the ClickHouse connection string for the candle archive.
	ClickHouseDSN string

	// TelegramToken is the bot token used by the notification sender.
	TelegramToken string

	// Stream contains exchange streaming settings.
	Stream StreamConfig

	// Normalizer contains settings for the candle normalizer worker pool.
	Normalizer NormalizerConfig

	// Registry contains subscription registry limits.
	Registry RegistryConfig

	// Dispatch contains alert dispatcher settings.
	Dispatch DispatchConfig

	// Kafka contains Kafka connection settings for the candle-event mirror.
	Kafka KafkaConfig

	// Archiver contains settings for the Kafka-to-ClickHouse archiver.
	Archiver ArchiverConfig

	// OpsAddr is the listen address of the health/metrics HTTP server.
	OpsAddr string
}

// StreamConfig holds exchange streaming connection settings.
type StreamConfig struct {
	// WSURL is the exchange websocket endpoint.
	WSURL string

	// APIURL is the exchange REST endpoint (symbol universe lookup).
	APIURL string

	// ChannelCap is the provider's maximum channel count per connection.
	ChannelCap int

	// SubscribeBatchSize is the maximum params per SUBSCRIBE frame.
	SubscribeBatchSize int

	// SubscribePerSecond paces SUBSCRIBE frames to the provider limit.
	SubscribePerSecond float64

	// ReconnectBase and ReconnectMax bound the reconnect backoff.
	ReconnectBase time.Duration
	ReconnectMax  time.Duration

	// FrameBuffer is the capacity of the raw-frame hand-off channel.
	FrameBuffer int

	// EnqueueTimeout bounds how long a shard reader may block on a full
	// hand-off channel before the drop-oldest policy kicks in.
	EnqueueTimeout time.Duration

	// FullUniverse subscribes every supported pair instead of only the
	// channels required by active presets.
	FullUniverse bool
}

// NormalizerConfig holds settings for the normalizer worker pool.
type NormalizerConfig struct {
	// WorkerCount is the fixed size of the worker pool.
	WorkerCount int

	// BatchSize is the maximum frames drained per micro-batch.
	BatchSize int

	// BatchTimeout flushes a partial micro-batch.
	BatchTimeout time.Duration

	// EventBuffer is the capacity of the candle-event channel.
	EventBuffer int
}

// RegistryConfig holds subscription registry limits.
type RegistryConfig struct {
	// MaxPresetsPerUser caps presets owned by a single user.
	MaxPresetsPerUser int

	// MaxPairsPerPreset caps symbols per preset.
	MaxPairsPerPreset int
}

// DispatchConfig holds alert dispatcher settings.
type DispatchConfig struct {
	// GlobalPerSecond is the shared outbound token-bucket rate.
	GlobalPerSecond float64

	// UserPerMinute is the optional per-user pacing limit (0 disables).
	UserPerMinute int

	// Tick is the dispatcher loop interval.
	Tick time.Duration

	// PayloadBatchSize caps alerts collapsed into one outbound payload.
	PayloadBatchSize int

	// QueueDepthLimit triggers lowest-priority shedding per user queue.
	QueueDepthLimit int

	// RetryAttempts bounds retries on a throttled delivery.
	RetryAttempts int

	// RetryBase is the initial retry backoff.
	RetryBase time.Duration

	// DedupTTL is how long a dispatched dedup key suppresses duplicates.
	DedupTTL time.Duration
}

// KafkaConfig holds Kafka connection settings for candle events.
type KafkaConfig struct {
	// Broker is the Kafka broker address (e.g., "localhost:9092").
	Broker string

	// Topic is the Kafka topic for normalized candle events.
	Topic string

	// GroupID is the consumer group ID for the archiver.
	GroupID string

	// Enabled toggles the candle-event mirror.
	Enabled bool
}

// ArchiverConfig holds settings for archive batch processing.
type ArchiverConfig struct {
	// BatchSize is the maximum number of candles to accumulate before flushing.
	BatchSize int

	// BatchTimeout is the maximum time to wait before flushing, even if batch isn't full.
	BatchTimeout time.Duration
}

// SupportedIntervals is the fixed set of candle intervals the engine accepts.
var SupportedIntervals = []string{"1m", "5m", "15m", "30m", "1h", "4h"}

// AppLoad reads configuration from the environment.
// A missing .env file is not an error; real environments export directly.
func AppLoad() *AppConfig {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	return &AppConfig{
		DatabaseDSN:   getDatabaseDSN(),
		ClickHouseDSN: getClickHouseDSN(),
		TelegramToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		OpsAddr:       getEnv("OPS_ADDR", ":8080"),
		Stream: StreamConfig{
			WSURL:              getEnv("BINANCE_WS_URL", "wss://fstream.binance.com/ws"),
			APIURL:             getEnv("BINANCE_API_URL", "https://fapi.binance.com"),
			ChannelCap:         getEnvAsInt("STREAM_CHANNEL_CAP", 1024),
			SubscribeBatchSize: getEnvAsInt("STREAM_SUBSCRIBE_BATCH", 100),
			SubscribePerSecond: getEnvAsFloat("STREAM_SUBSCRIBE_RATE", 4),
			ReconnectBase:      getEnvAsDuration("STREAM_RECONNECT_BASE", time.Second),
			ReconnectMax:       getEnvAsDuration("STREAM_RECONNECT_MAX", 30*time.Second),
			FrameBuffer:        getEnvAsInt("STREAM_FRAME_BUFFER", 10000),
			EnqueueTimeout:     getEnvAsDuration("STREAM_ENQUEUE_TIMEOUT", 100*time.Millisecond),
			FullUniverse:       getEnvAsBool("STREAM_FULL_UNIVERSE", false),
		},
		Normalizer: NormalizerConfig{
			WorkerCount:  getEnvAsInt("NORMALIZER_WORKERS", 4),
			BatchSize:    getEnvAsInt("NORMALIZER_BATCH_SIZE", 500),
			BatchTimeout: getEnvAsDuration("NORMALIZER_BATCH_TIMEOUT", 50*time.Millisecond),
			EventBuffer:  getEnvAsInt("NORMALIZER_EVENT_BUFFER", 10000),
		},
		Registry: RegistryConfig{
			MaxPresetsPerUser: getEnvAsInt("MAX_PRESETS_PER_USER", 10),
			MaxPairsPerPreset: getEnvAsInt("MAX_PAIRS_PER_PRESET", 50),
		},
		Dispatch: DispatchConfig{
			GlobalPerSecond:  getEnvAsFloat("DISPATCH_GLOBAL_RATE", 30),
			UserPerMinute:    getEnvAsInt("DISPATCH_USER_PER_MINUTE", 5),
			Tick:             getEnvAsDuration("DISPATCH_TICK", 250*time.Millisecond),
			PayloadBatchSize: getEnvAsInt("DISPATCH_PAYLOAD_BATCH", 50),
			QueueDepthLimit:  getEnvAsInt("DISPATCH_QUEUE_DEPTH", 200),
			RetryAttempts:    getEnvAsInt("DISPATCH_RETRY_ATTEMPTS", 3),
			RetryBase:        getEnvAsDuration("DISPATCH_RETRY_BASE", 500*time.Millisecond),
			DedupTTL:         getEnvAsDuration("DISPATCH_DEDUP_TTL", 5*time.Minute),
		},
		Kafka: KafkaConfig{
			Broker:  getEnv("KAFKA_BROKER", "localhost:9092"),
			Topic:   getEnv("KAFKA_TOPIC", "candle_events"),
			GroupID: getEnv("KAFKA_GROUP_ID", "candle-archiver"),
			Enabled: getEnvAsBool("KAFKA_MIRROR_ENABLED", false),
		},
		Archiver: ArchiverConfig{
			BatchSize:    getEnvAsInt("ARCHIVER_BATCH_SIZE", 1000),
			BatchTimeout: getEnvAsDuration("ARCHIVER_BATCH_TIMEOUT", 5*time.Second),
		},
	}
}

// getDatabaseDSN constructs the Postgres DSN from environment variables.
func getDatabaseDSN() string {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		return dsn
	}

	dbUser := getEnv("POSTGRES_USER", "postgres")
	dbPassword := getEnv("POSTGRES_PASSWORD", "postgres")
	dbHost := getEnv("POSTGRES_HOST", "localhost")
	dbPort := getEnv("POSTGRES_PORT", "5432")
	dbName := getEnv("POSTGRES_DB", "tradebot")

	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=disable",
		dbUser, dbPassword, dbHost, dbPort, dbName,
	)
}

// getClickHouseDSN constructs the ClickHouse DSN from environment variables.
func getClickHouseDSN() string {
	dbUser := getEnv("CLICKHOUSE_USER", "default")
	dbPassword := getEnv("CLICKHOUSE_PASSWORD", "")
	dbHost := getEnv("CLICKHOUSE_HOST", "localhost")
	dbPort := getEnv("CLICKHOUSE_TCP_PORT", "9000")
	dbName := getEnv("CLICKHOUSE_DB", "default")

	return fmt.Sprintf(
		"clickhouse://%s:%s@%s:%s/%s?dial_timeout=10s&read_timeout=20s",
		dbUser, dbPassword, dbHost, dbPort, dbName,
	)
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		slog.Warn("Invalid integer in environment, using fallback", "key", key, "value", value)
		return fallback
	}
	return parsed
}

func getEnvAsFloat(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		slog.Warn("Invalid float in environment, using fallback", "key", key, "value", value)
		return fallback
	}
	return parsed
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		slog.Warn("Invalid duration in environment, using fallback", "key", key, "value", value)
		return fallback
	}
	return parsed
}

func getEnvAsBool(key string, fallback bool) bool {
	value := strings.ToLower(os.Getenv(key))
	switch value {
	case "":
		return fallback
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
