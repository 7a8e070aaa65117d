package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"marketfeed/internal/model"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// Instrument
	Symbol   string
	Interval string

	// Feed
	HistorySize    int
	ReconnectDelay time.Duration
	RESTURL        string
	StreamURL      string

	// Serving
	HTTPAddr    string
	MetricsAddr string

	// Infrastructure
	RedisAddr     string
	RedisPassword string
	SQLiteDSN     string

	LogLevel string

	// StagingMode points both feed URLs at a local barserver.
	StagingMode bool
	BarServer   string
}

// Load reads configuration from a .env file (if present) and environment
// variables with sensible defaults.
func Load() (*Config, error) {
	// Missing .env is fine; the environment alone is enough.
	_ = godotenv.Load()

	cfg := &Config{
		Symbol:   strings.ToUpper(getEnv("FEED_SYMBOL", "PAXGUSDT")),
		Interval: getEnv("FEED_INTERVAL", "1m"),

		HistorySize:    getEnvInt("FEED_HISTORY", 100),
		ReconnectDelay: getEnvDuration("FEED_RECONNECT_DELAY", 5*time.Second),
		RESTURL:        getEnv("BINANCE_REST_URL", "https://api.binance.com"),
		StreamURL:      getEnv("BINANCE_WS_URL", "wss://stream.binance.com:9443"),

		HTTPAddr:    getEnv("HTTP_ADDR", ":8080"),
		MetricsAddr: getEnv("METRICS_ADDR", ":9090"),

		// Redis publishing is off unless an address is given.
		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		// Session-scoped archive; nothing survives a restart by default.
		SQLiteDSN: getEnv("SQLITE_DSN", "file:marketfeed?mode=memory&cache=shared"),

		LogLevel: getEnv("LOG_LEVEL", "info"),

		StagingMode: getEnvBool("STAGING_MODE", false),
		BarServer:   getEnv("BARSERVER_ADDR", "localhost:9001"),
	}

	if cfg.StagingMode {
		cfg.RESTURL = "http://" + cfg.BarServer
		cfg.StreamURL = "ws://" + cfg.BarServer
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that would make the feed misbehave.
func (c *Config) Validate() error {
	if c.Symbol == "" {
		return fmt.Errorf("config: FEED_SYMBOL is empty")
	}
	if _, err := IntervalDuration(c.Interval); err != nil {
		return fmt.Errorf("config: FEED_INTERVAL: %w", err)
	}
	if c.HistorySize < 1 {
		return fmt.Errorf("config: FEED_HISTORY must be positive, got %d", c.HistorySize)
	}
	if c.ReconnectDelay <= 0 {
		return fmt.Errorf("config: FEED_RECONNECT_DELAY must be positive, got %s", c.ReconnectDelay)
	}
	return nil
}

// Instrument returns the configured instrument.
func (c *Config) Instrument() model.Instrument {
	return model.Instrument{Symbol: c.Symbol, Interval: c.Interval}
}

// IntervalDuration parses an exchange interval such as "1m", "4h" or "1d".
func IntervalDuration(interval string) (time.Duration, error) {
	if len(interval) < 2 {
		return 0, fmt.Errorf("invalid interval %q", interval)
	}
	n, err := strconv.Atoi(interval[:len(interval)-1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid interval %q", interval)
	}
	var unit time.Duration
	switch interval[len(interval)-1] {
	case 's':
		unit = time.Second
	case 'm':
		unit = time.Minute
	case 'h':
		unit = time.Hour
	case 'd':
		unit = 24 * time.Hour
	case 'w':
		unit = 7 * 24 * time.Hour
	default:
		return 0, fmt.Errorf("invalid interval %q", interval)
	}
	return time.Duration(n) * unit, nil
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// getEnvDuration accepts Go durations ("5s") or bare milliseconds ("5000").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return fallback
}
