package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	NodeID      int64

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	Redis     RedisConfig
	Lock      LockConfig
	Cache     CacheConfig
	Sync      SyncConfig
	Scheduler SchedulerConfig
	TopUp     TopUpConfig

	Observability ObservabilityConfig
}

type RedisConfig struct {
	Addr     string
	Username string
	Password string
	DB       int
	PoolSize int
}

// LockConfig bounds customer lock acquisition.
type LockConfig struct {
	TTL           time.Duration
	RetryInterval time.Duration
	MaxWait       time.Duration
}

// CacheConfig tunes the balance cache.
type CacheConfig struct {
	TTL         time.Duration
	CallTimeout time.Duration
	// WriteRetries bounds store-path retries after a row version conflict.
	WriteRetries int
}

// SyncConfig tunes the reconciler queue.
type SyncConfig struct {
	QueueKey        string
	Visibility      time.Duration
	BatchSize       int
	PollInterval    time.Duration
	ConflictRetries int
}

type SchedulerConfig struct {
	RunInterval  time.Duration
	ResetBatch   int
	RolloverScan int
	JobTimeout   time.Duration
	// EnabledJobs limits a run to the named jobs; empty runs all of them.
	EnabledJobs []string
}

type TopUpConfig struct {
	Enabled       bool
	QueueKey      string
	DedupeWindow  time.Duration
	RuleCacheSize int
	RuleCacheTTL  time.Duration
}

// ObservabilityConfig selects log output and the OTLP exporter.
type ObservabilityConfig struct {
	LogLevel      string
	LogFormat     string
	OtelEnabled   bool
	OtelEndpoint  string
	OtelProtocol  string
	SamplingRatio float64
	// SlowQuery is the statement duration the gorm logger reports as slow.
	SlowQuery time.Duration
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:           getenv("APP_SERVICE", "entitlements"),
		AppVersion:        getenv("APP_VERSION", "0.1.0"),
		Environment:       getenv("ENVIRONMENT", "development"),
		NodeID:            getenvInt64("SNOWFLAKE_NODE_ID", 1),
		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "entitlements"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 10),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 50),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),
		Redis: RedisConfig{
			Addr:     getenv("REDIS_ADDR", "localhost:6379"),
			Username: strings.TrimSpace(getenv("REDIS_USERNAME", "")),
			Password: getenv("REDIS_PASSWORD", ""),
			DB:       getenvInt("REDIS_DB", 0),
			PoolSize: getenvInt("REDIS_POOL_SIZE", 0),
		},
		Lock: LockConfig{
			TTL:           getenvDuration("LOCK_TTL", 10*time.Second),
			RetryInterval: getenvDuration("LOCK_RETRY_INTERVAL", 25*time.Millisecond),
			MaxWait:       getenvDuration("LOCK_MAX_WAIT", 3*time.Second),
		},
		Cache: CacheConfig{
			TTL:          getenvDuration("BALANCE_CACHE_TTL", 24*time.Hour),
			CallTimeout:  getenvDuration("BALANCE_CACHE_TIMEOUT", 500*time.Millisecond),
			WriteRetries: getenvInt("BALANCE_WRITE_RETRIES", 3),
		},
		Sync: SyncConfig{
			QueueKey:        getenv("SYNC_QUEUE_KEY", "entitlements:sync"),
			Visibility:      getenvDuration("SYNC_VISIBILITY_TIMEOUT", 30*time.Second),
			BatchSize:       getenvInt("SYNC_BATCH_SIZE", 100),
			PollInterval:    getenvDuration("SYNC_POLL_INTERVAL", time.Second),
			ConflictRetries: getenvInt("SYNC_CONFLICT_RETRIES", 5),
		},
		Scheduler: SchedulerConfig{
			RunInterval:  getenvDuration("SCHEDULER_RUN_INTERVAL", time.Minute),
			ResetBatch:   getenvInt("SCHEDULER_RESET_BATCH", 200),
			RolloverScan: getenvInt("SCHEDULER_ROLLOVER_BATCH", 500),
			JobTimeout:   getenvDuration("SCHEDULER_JOB_TIMEOUT", 2*time.Minute),
			EnabledJobs:  getenvList("SCHEDULER_JOBS"),
		},
		TopUp: TopUpConfig{
			Enabled:       getenvBool("TOPUP_ENABLED", true),
			QueueKey:      getenv("TOPUP_QUEUE_KEY", "entitlements:topup"),
			DedupeWindow:  getenvDuration("TOPUP_DEDUPE_WINDOW", 5*time.Minute),
			RuleCacheSize: getenvInt("TOPUP_RULE_CACHE_SIZE", 10_000),
			RuleCacheTTL:  getenvDuration("TOPUP_RULE_CACHE_TTL", time.Minute),
		},
		Observability: ObservabilityConfig{
			LogLevel:      strings.ToLower(strings.TrimSpace(getenv("LOG_LEVEL", "info"))),
			LogFormat:     strings.ToLower(strings.TrimSpace(getenv("LOG_FORMAT", "json"))),
			OtelEnabled:   getenvBool("OTEL_ENABLED", true),
			OtelEndpoint:  strings.TrimSpace(getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317")),
			OtelProtocol:  strings.ToLower(strings.TrimSpace(getenv("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc"))),
			SamplingRatio: getenvFloat("OTEL_SAMPLING_RATIO", 0.1),
			SlowQuery:     getenvDuration("DATABASE_SLOW_QUERY", 100*time.Millisecond),
		},
	}

	return cfg
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvInt(key string, def int) int {
	return int(getenvInt64(key, int64(def)))
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}
