// Package config loads environment-driven settings for the orchestrator.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings.
type Config struct {
	Port string

	// Venue connection
	Venue          string
	StreamURL      string
	RestURL        string
	APIKey         string
	APISecret      string
	UseMockVenue   bool
	TradingEnabled bool // when true, a failed connector init is fatal at startup
	Pairs          []string
	FallbackPair   string
	QuoteAsset     string

	// Scheduling
	TickInterval     time.Duration
	HousekeepEvery   int
	TrackerInterval  time.Duration
	SnapshotTTL      time.Duration
	SyncInterval     time.Duration
	StaleOrderMaxAge time.Duration

	// Risk limits
	MinQuoteBalance     float64
	MaxNetExposurePct   float64
	MaxGrossExposurePct float64
	MaxDrawdownPct      float64
	MaxOrderSizePct     float64
	MaxOpenOrders       int
	MaxStrategies       int
	RiskInterval        time.Duration

	// Central reporting (optional)
	ReportURL         string
	HeartbeatInterval time.Duration

	// Persistence
	DBPath string

	// Strategy seed file (optional)
	SeedStrategiesPath string

	// Remote engine endpoint (optional, gRPC)
	RemoteEngineAddr string

	// Auth
	AuthSecret string

	// Mock venue simulation
	MockQuoteBalance float64

	LogLevel string
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	return &Config{
		Port:           getEnv("PORT", "8080"),
		Venue:          getEnv("VENUE", "mock"),
		StreamURL:      getEnv("VENUE_STREAM_URL", ""),
		RestURL:        getEnv("VENUE_REST_URL", ""),
		APIKey:         os.Getenv("VENUE_API_KEY"),
		APISecret:      os.Getenv("VENUE_API_SECRET"),
		UseMockVenue:   getEnv("USE_MOCK_VENUE", "true") == "true",
		TradingEnabled: getEnv("TRADING_ENABLED", "false") == "true",
		Pairs:          splitAndTrim(getEnv("PAIRS", "BTC-USD")),
		FallbackPair:   getEnv("FALLBACK_PAIR", "BTC-USD"),
		QuoteAsset:     getEnv("QUOTE_ASSET", "USD"),

		TickInterval:     getEnvDuration("TICK_INTERVAL", time.Second),
		HousekeepEvery:   getEnvInt("HOUSEKEEP_EVERY_TICKS", 30),
		TrackerInterval:  getEnvDuration("TRACKER_INTERVAL", 30*time.Second),
		SnapshotTTL:      getEnvDuration("SNAPSHOT_TTL", 5*time.Minute),
		SyncInterval:     getEnvDuration("SYNC_INTERVAL", time.Minute),
		StaleOrderMaxAge: getEnvDuration("STALE_ORDER_MAX_AGE", 10*time.Minute),

		MinQuoteBalance:     getEnvFloat("RISK_MIN_QUOTE_BALANCE", 100),
		MaxNetExposurePct:   getEnvFloat("RISK_MAX_NET_EXPOSURE_PCT", 50),
		MaxGrossExposurePct: getEnvFloat("RISK_MAX_GROSS_EXPOSURE_PCT", 150),
		MaxDrawdownPct:      getEnvFloat("RISK_MAX_DRAWDOWN_PCT", 20),
		MaxOrderSizePct:     getEnvFloat("RISK_MAX_ORDER_SIZE_PCT", 10),
		MaxOpenOrders:       getEnvInt("RISK_MAX_OPEN_ORDERS", 50),
		MaxStrategies:       getEnvInt("RISK_MAX_STRATEGIES", 20),
		RiskInterval:        getEnvDuration("RISK_INTERVAL", 10*time.Second),

		ReportURL:         getEnv("REPORT_URL", ""),
		HeartbeatInterval: getEnvDuration("HEARTBEAT_INTERVAL", time.Minute),

		DBPath:             getEnv("DB_PATH", "./data/orchestrator.db"),
		SeedStrategiesPath: getEnv("SEED_STRATEGIES_PATH", ""),
		RemoteEngineAddr:   getEnv("REMOTE_ENGINE_ADDR", ""),
		AuthSecret:         getEnv("AUTH_SECRET", "dev-secret"),
		MockQuoteBalance:   getEnvFloat("MOCK_QUOTE_BALANCE", 10000),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return def
}
