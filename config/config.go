// Package config loads the ingestion daemon's configuration from
// environment variables: a flat Config struct, a Load() constructor
// with mustEnv/getEnv helpers, and small parse methods for the
// comma-separated list fields.
package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/marketdata/ingestd/internal/model"
)

// Config holds all application configuration loaded from environment
// variables.
type Config struct {
	// Storage
	DatabaseURL string
	PoolSize    int32
	MaxOverflow int32

	// Observability
	MetricsAddr string
	LogLevel    string

	// API
	APIAddr string

	// Universe: symbols and timeframes to ingest
	Symbols    string // comma-separated, e.g. "BTCUSD,ETHUSD"
	Timeframes string // comma-separated, e.g. "1m,5m,1h,1d"

	// Backfill
	BackfillOnStartup bool
	BackfillDays      int

	// Rate limiting against the upstream exchange
	RequestDelay   time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	MinBackoff     time.Duration
	MaxRetries     int

	// WebSocket ingestion
	WSIngestionEnabled            bool
	MaxSubscriptionsPerConnection int
	WSReconnectInitialBackoff     time.Duration
	WSReconnectMaxBackoff         time.Duration
	WSSaveBatchSize               int
	WSSaveFlushSeconds            time.Duration
	WSCatchupLookbackMinutes      int

	// Incremental REST top-up, the fallback/safety-net path used when
	// WS ingestion is disabled (or alongside it, at low frequency).
	RestUpdateEnabled bool
	UpdateInterval    time.Duration

	// Retention, comma-separated "timeframe:days" pairs, e.g. "1m:30,1h:365"
	RetentionDays string

	// Gap maintenance cadence. gap_detection_interval_minutes is
	// accepted for configuration-surface completeness but detection
	// and repair run together on GapCheckInterval (derived from
	// gap_repair_interval_minutes): run_maintenance performs both in
	// one pass, so a separate detection-only timer would just redo the
	// same scan.
	GapCheckInterval          time.Duration
	GapDetectionInterval      time.Duration
	GapRepairMaxRepairsPerRun int
}

// Load reads configuration from environment variables with sensible
// defaults. Only DatabaseURL is required; everything else falls back
// to a usable default so the daemon can run against a fresh database
// with no other configuration.
func Load() *Config {
	return &Config{
		DatabaseURL: mustEnv("DATABASE_URL"),
		PoolSize:    int32(getEnvInt("DB_POOL_SIZE", 5)),
		MaxOverflow: int32(getEnvInt("DB_MAX_OVERFLOW", 10)),

		MetricsAddr: getEnv("METRICS_ADDR", ":9090"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),

		APIAddr: getEnv("API_ADDR", ":8080"),

		Symbols:    getEnv("SYMBOLS", "BTCUSD,ETHUSD"),
		Timeframes: getEnv("TIMEFRAMES", "1m,5m,15m,1h,1d"),

		BackfillOnStartup: getEnvBool("BACKFILL_ON_STARTUP", true),
		BackfillDays:      getEnvInt("BACKFILL_DAYS", 730),

		RequestDelay:   getEnvDuration("RATE_LIMIT_REQUEST_DELAY", 6*time.Second),
		InitialBackoff: getEnvDuration("RATE_LIMIT_INITIAL_BACKOFF", 2*time.Second),
		MaxBackoff:     getEnvDuration("RATE_LIMIT_MAX_BACKOFF", 120*time.Second),
		MinBackoff:     getEnvDuration("RATE_LIMIT_MIN_BACKOFF", 10*time.Second),
		MaxRetries:     getEnvInt("RATE_LIMIT_MAX_RETRIES", 5),

		WSIngestionEnabled:            getEnvBool("WS_INGESTION_ENABLED", true),
		MaxSubscriptionsPerConnection: getEnvInt("MAX_SUBSCRIPTIONS_PER_CONNECTION", 25),
		WSReconnectInitialBackoff:     getEnvDuration("WS_RECONNECT_INITIAL_BACKOFF", time.Second),
		WSReconnectMaxBackoff:         getEnvDuration("WS_RECONNECT_MAX_BACKOFF", 60*time.Second),
		WSSaveBatchSize:               getEnvInt("WS_SAVE_BATCH_SIZE", 200),
		WSSaveFlushSeconds:            getEnvDuration("WS_SAVE_FLUSH_SECONDS", 2*time.Second),
		WSCatchupLookbackMinutes:      getEnvInt("WS_CATCHUP_LOOKBACK_MINUTES", 15),

		RestUpdateEnabled: getEnvBool("REST_UPDATE_ENABLED", false),
		UpdateInterval:    getEnvDuration("UPDATE_INTERVAL_SECONDS", 60*time.Second),

		RetentionDays: getEnv("RETENTION_DAYS", "1m:30,5m:90,15m:180,1h:730,1d:3650"),

		GapCheckInterval:          getEnvDuration("GAP_REPAIR_INTERVAL_MINUTES", time.Hour),
		GapDetectionInterval:      getEnvDuration("GAP_DETECTION_INTERVAL_MINUTES", time.Hour),
		GapRepairMaxRepairsPerRun: getEnvInt("GAP_REPAIR_MAX_REPAIRS_PER_RUN", 0),
	}
}

// ParseSymbols splits the comma-separated Symbols field into a
// normalized, deduplicated slice.
func (c *Config) ParseSymbols() []string {
	parts := strings.Split(c.Symbols, ",")
	out := make([]string, 0, len(parts))
	seen := make(map[string]bool, len(parts))
	for _, p := range parts {
		p = strings.ToUpper(strings.TrimSpace(p))
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

// ParseTimeframes splits the comma-separated Timeframes field into the
// known Timeframe set, skipping and logging anything unrecognized.
func (c *Config) ParseTimeframes() []model.Timeframe {
	parts := strings.Split(c.Timeframes, ",")
	out := make([]model.Timeframe, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		tf, err := model.ParseTimeframe(p)
		if err != nil {
			log.Printf("[config] skipping invalid timeframe: %q", p)
			continue
		}
		out = append(out, tf)
	}
	return out
}

// ParseRetentionDays parses the "timeframe:days" pairs in RetentionDays
// into a map, skipping and logging anything malformed.
func (c *Config) ParseRetentionDays() map[model.Timeframe]int {
	out := make(map[model.Timeframe]int)
	for _, pair := range strings.Split(c.RetentionDays, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		kv := strings.SplitN(pair, ":", 2)
		if len(kv) != 2 {
			log.Printf("[config] skipping malformed retention entry: %q", pair)
			continue
		}
		tf, err := model.ParseTimeframe(strings.TrimSpace(kv[0]))
		if err != nil {
			log.Printf("[config] skipping retention entry with unknown timeframe: %q", pair)
			continue
		}
		days, err := strconv.Atoi(strings.TrimSpace(kv[1]))
		if err != nil || days <= 0 {
			log.Printf("[config] skipping retention entry with invalid days: %q", pair)
			continue
		}
		out[tf] = days
	}
	return out
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		log.Fatalf("[config] required env var %s not set", key)
	}
	return v
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("[config] invalid int for %s=%q, using default %d", key, v, fallback)
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Printf("[config] invalid bool for %s=%q, using default %t", key, v, fallback)
		return fallback
	}
	return b
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("[config] invalid duration for %s=%q, using default %s", key, v, fallback)
		return fallback
	}
	return d
}
