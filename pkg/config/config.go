package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds server configuration.
type Config struct {
	Port        string
	LogLevel    string
	Environment string

	DrainInterval     time.Duration
	ProactiveInterval time.Duration
	ModalDelay        time.Duration
	ChatDelay         time.Duration

	// InsightDriver is "sqlite" or "postgres"; empty disables the insight
	// store.
	InsightDriver string
	InsightDSN    string

	// RedisAddr selects the shared ingest limiter; empty keeps buckets in
	// memory.
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	IngestRPS     float64
	IngestBurst   int
	ClientRPS     float64
	ClientBurst   int

	SchemaVersions string
	RulesFile      string

	IdempotencyTTL time.Duration

	OTelEnabled  bool
	OTelInsecure bool
	OTLPEndpoint string
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:           getenv("PORT", "8080"),
		LogLevel:       getenv("LOG_LEVEL", "INFO"),
		Environment:    getenv("PULSE_ENV", "development"),
		InsightDriver:  getenv("INSIGHT_DRIVER", "sqlite"),
		InsightDSN:     getenv("INSIGHT_DSN", "file:pulse.db?_pragma=busy_timeout(5000)"),
		RedisAddr:      os.Getenv("REDIS_ADDR"),
		RedisPassword:  os.Getenv("REDIS_PASSWORD"),
		SchemaVersions: getenv("PULSE_SCHEMA_VERSIONS", ">=1.0.0, <2.0.0"),
		RulesFile:      os.Getenv("PULSE_RULES_FILE"),

		OTelEnabled:  os.Getenv("OTEL_ENABLED") == "true",
		OTelInsecure: os.Getenv("OTEL_INSECURE") == "true",
		OTLPEndpoint: getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
	}
	if os.Getenv("INSIGHT_DRIVER") == "none" {
		cfg.InsightDriver = ""
	}

	var err error
	if cfg.DrainInterval, err = durationEnv("PULSE_DRAIN_INTERVAL", 500*time.Millisecond); err != nil {
		return nil, err
	}
	if cfg.ProactiveInterval, err = durationEnv("PULSE_PROACTIVE_INTERVAL", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.ModalDelay, err = durationEnv("PULSE_MODAL_DELAY", 2*time.Second); err != nil {
		return nil, err
	}
	if cfg.ChatDelay, err = durationEnv("PULSE_CHAT_DELAY", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.IdempotencyTTL, err = durationEnv("PULSE_IDEMPOTENCY_TTL", 24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.RedisDB, err = intEnv("REDIS_DB", 0); err != nil {
		return nil, err
	}
	if cfg.IngestBurst, err = intEnv("PULSE_INGEST_BURST", 100); err != nil {
		return nil, err
	}
	if cfg.IngestRPS, err = floatEnv("PULSE_INGEST_RPS", 50); err != nil {
		return nil, err
	}
	if cfg.ClientBurst, err = intEnv("PULSE_CLIENT_BURST", 200); err != nil {
		return nil, err
	}
	if cfg.ClientRPS, err = floatEnv("PULSE_CLIENT_RPS", 100); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Addr is the listen address for the HTTP server.
func (c *Config) Addr() string { return ":" + c.Port }

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("config: %s must be positive, got %s", key, v)
	}
	return d, nil
}

func intEnv(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return n, nil
}

func floatEnv(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return f, nil
}
