package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config holds all configuration fields for the relay process.
type Config struct {
	Address  string
	Port     string
	DBDriver string
	DBURL    string

	AdminToken    string
	WebhookSecret string

	ProviderBaseURL string
	ProviderTimeout time.Duration

	DedupWindow time.Duration
	EchoWindow  int

	GlobalWebhook      string
	RabbitURL          string
	RabbitQueue        string
	RabbitQueuePrefix  string
	DeliveryMaxRetries int
	DeliveryRetryDelay time.Duration
	DeliveryTimeout    time.Duration

	// RabbitSpecificEvents get a queue of their own instead of the shared one.
	RabbitSpecificEvents []string

	S3Endpoint  string
	S3Region    string
	S3Bucket    string
	S3AccessKey string
	S3SecretKey string
	S3PathStyle bool
	S3PublicURL string

	SendRatePerSec float64
	SendBurst      int

	LogLevel  string
	LogFormat string
}

// LoadConfig loads configuration from environment variables.
// It attempts to load a .env file if present.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("No .env file found, relying on environment variables")
	} else {
		log.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{
		Address:  envOr("ADDRESS", "0.0.0.0"),
		Port:     envOr("PORT", "8080"),
		DBDriver: envOr("DB_DRIVER", "sqlite"),
		DBURL:    envOr("DATABASE_URL", "file:relay.db?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"),

		AdminToken:    os.Getenv("ADMIN_TOKEN"),
		WebhookSecret: os.Getenv("WEBHOOK_SECRET"),

		ProviderBaseURL: os.Getenv("PROVIDER_BASE_URL"),
		ProviderTimeout: durationEnv("PROVIDER_TIMEOUT", 30*time.Second),

		DedupWindow: durationEnv("DEDUP_WINDOW", 72*time.Hour),
		EchoWindow:  intEnv("ECHO_WINDOW", 20),

		GlobalWebhook:      os.Getenv("GLOBAL_WEBHOOK"),
		RabbitURL:          os.Getenv("RABBITMQ_URL"),
		RabbitQueue:        envOr("RABBITMQ_QUEUE", "message_events"),
		RabbitQueuePrefix:  envOr("RABBITMQ_QUEUE_PREFIX", "relay"),
		DeliveryMaxRetries: intEnv("DELIVERY_MAX_RETRIES", 3),
		DeliveryRetryDelay: durationEnv("DELIVERY_RETRY_BACKOFF", 2*time.Second),
		DeliveryTimeout:    durationEnv("DELIVERY_TIMEOUT", 10*time.Second),

		RabbitSpecificEvents: listEnv("AMQP_SPECIFIC_EVENTS"),

		S3Endpoint:  os.Getenv("S3_ENDPOINT"),
		S3Region:    envOr("S3_REGION", "us-east-1"),
		S3Bucket:    os.Getenv("S3_BUCKET"),
		S3AccessKey: os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey: os.Getenv("S3_SECRET_KEY"),
		S3PathStyle: boolEnv("S3_PATH_STYLE", false),
		S3PublicURL: os.Getenv("S3_PUBLIC_URL"),

		SendRatePerSec: floatEnv("SEND_RATE_PER_SEC", 5),
		SendBurst:      intEnv("SEND_BURST", 10),

		LogLevel:  envOr("LOG_LEVEL", "info"),
		LogFormat: envOr("LOG_FORMAT", "console"),
	}

	if cfg.DBDriver != "postgres" && cfg.DBDriver != "sqlite" {
		log.Warn().Str("driver", cfg.DBDriver).Msg("Unsupported DB_DRIVER, using sqlite")
		cfg.DBDriver = "sqlite"
	}
	if cfg.EchoWindow <= 0 {
		cfg.EchoWindow = 20
	}

	return cfg, nil
}

func (c *Config) S3Enabled() bool {
	return c.S3Bucket != ""
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Warn().Str("name", name).Str("value", raw).Int("fallback", fallback).Msg("Invalid integer, using fallback")
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Warn().Str("name", name).Str("value", raw).Float64("fallback", fallback).Msg("Invalid number, using fallback")
		return fallback
	}
	return value
}

func boolEnv(name string, fallback bool) bool {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		log.Warn().Str("name", name).Str("value", raw).Bool("fallback", fallback).Msg("Invalid boolean, using fallback")
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Warn().Str("name", name).Str("value", raw).Dur("fallback", fallback).Msg("Invalid duration, using fallback")
		return fallback
	}
	return value
}

// listEnv splits a comma separated variable, dropping empty items.
func listEnv(name string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(name), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
