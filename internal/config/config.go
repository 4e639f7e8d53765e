// Package config loads server configuration from environment variables.
//
// Required variables:
//   - DATABASE_URL: PostgreSQL connection string for the Durable Store.
//
// Optional variables cover the HTTP evaluate surface, the Remote Store
// (Redis), the Local Store TTL, the Circuit Breaker, the Metrics Pipeline,
// and invalidation debounce — see each field's default below.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultHTTPAddr                   = ":8080"
	defaultStreamPollInterval         = time.Second
	defaultAuthRateLimit              = 10
	defaultMaxJSONBodySize      int64 = 1 << 20 // 1MB
	defaultEventBatchSize             = 1000
	defaultCacheResyncInterval        = time.Minute
	defaultRedisNamespace             = "magick:features"
	defaultRedisDB                    = 1
	defaultLocalStoreTTL              = time.Hour
	defaultBreakerThreshold           = 5
	defaultBreakerTimeout             = 60 * time.Second
	defaultMetricsBatchSize           = 100
	defaultMetricsFlushInterval       = 60 * time.Second
	defaultInvalidationDebounce       = 100 * time.Millisecond
)

// Config holds the runtime configuration for the warden server.
type Config struct {
	DatabaseURL         string
	HTTPAddr            string
	StreamPollInterval  time.Duration
	LogLevel            string
	AuthRateLimit       int
	SessionSecret       string
	MaxJSONBodySize     int64
	EventBatchSize      int
	CacheResyncInterval time.Duration

	RedisURL       string
	RedisNamespace string
	RedisDB        int

	LocalStoreTTL time.Duration

	CircuitBreakerThreshold int
	CircuitBreakerTimeout   time.Duration

	AsyncUpdates bool

	MetricsEnabled       bool
	MetricsBatchSize     int
	MetricsFlushInterval time.Duration

	WarnOnDeprecated     bool
	InvalidationDebounce time.Duration
}

// Load reads configuration from environment variables, applying defaults
// where appropriate. It returns an error if required variables are
// missing or if optional values fail validation.
func Load() (Config, error) {
	databaseURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if databaseURL == "" {
		return Config{}, errors.New("DATABASE_URL is required")
	}

	streamPollInterval, err := durationOrDefault("STREAM_POLL_INTERVAL", defaultStreamPollInterval)
	if err != nil {
		return Config{}, err
	}

	authRateLimit := defaultAuthRateLimit
	if value := strings.TrimSpace(os.Getenv("AUTH_RATE_LIMIT")); value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse AUTH_RATE_LIMIT: %w", err)
		}
		if parsed <= 0 {
			return Config{}, errors.New("AUTH_RATE_LIMIT must be > 0")
		}
		authRateLimit = parsed
	}

	maxJSONBodySize := defaultMaxJSONBodySize
	if v := strings.TrimSpace(os.Getenv("MAX_JSON_BODY_SIZE")); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 1 {
			return Config{}, errors.New("MAX_JSON_BODY_SIZE must be a positive integer (bytes)")
		}
		maxJSONBodySize = n
	}

	eventBatchSize := defaultEventBatchSize
	if v := strings.TrimSpace(os.Getenv("EVENT_BATCH_SIZE")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return Config{}, errors.New("EVENT_BATCH_SIZE must be a positive integer")
		}
		eventBatchSize = n
	}

	cacheResyncInterval, err := durationOrDefault("CACHE_RESYNC_INTERVAL", defaultCacheResyncInterval)
	if err != nil {
		return Config{}, err
	}

	localStoreTTL, err := durationOrDefault("LOCAL_STORE_TTL", defaultLocalStoreTTL)
	if err != nil {
		return Config{}, err
	}

	breakerThreshold := defaultBreakerThreshold
	if v := strings.TrimSpace(os.Getenv("CIRCUIT_BREAKER_THRESHOLD")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return Config{}, errors.New("CIRCUIT_BREAKER_THRESHOLD must be a positive integer")
		}
		breakerThreshold = n
	}

	breakerTimeout, err := durationOrDefault("CIRCUIT_BREAKER_TIMEOUT", defaultBreakerTimeout)
	if err != nil {
		return Config{}, err
	}

	asyncUpdates, err := boolOrDefault("ASYNC_UPDATES", false)
	if err != nil {
		return Config{}, err
	}

	metricsEnabled, err := boolOrDefault("METRICS_ENABLED", true)
	if err != nil {
		return Config{}, err
	}

	metricsBatchSize := defaultMetricsBatchSize
	if v := strings.TrimSpace(os.Getenv("METRICS_BATCH_SIZE")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return Config{}, errors.New("METRICS_BATCH_SIZE must be a positive integer")
		}
		metricsBatchSize = n
	}

	metricsFlushInterval, err := durationOrDefault("METRICS_FLUSH_INTERVAL", defaultMetricsFlushInterval)
	if err != nil {
		return Config{}, err
	}

	warnOnDeprecated, err := boolOrDefault("WARN_ON_DEPRECATED", true)
	if err != nil {
		return Config{}, err
	}

	invalidationDebounce, err := durationOrDefault("INVALIDATION_DEBOUNCE", defaultInvalidationDebounce)
	if err != nil {
		return Config{}, err
	}

	redisDB := defaultRedisDB
	if v := strings.TrimSpace(os.Getenv("REDIS_DB")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return Config{}, errors.New("REDIS_DB must be a non-negative integer")
		}
		redisDB = n
	}

	return Config{
		DatabaseURL:         databaseURL,
		HTTPAddr:            envOrDefault("HTTP_ADDR", defaultHTTPAddr),
		StreamPollInterval:  streamPollInterval,
		LogLevel:            envOrDefault("LOG_LEVEL", "info"),
		AuthRateLimit:       authRateLimit,
		SessionSecret:       strings.TrimSpace(os.Getenv("SESSION_SECRET")),
		MaxJSONBodySize:     maxJSONBodySize,
		EventBatchSize:      eventBatchSize,
		CacheResyncInterval: cacheResyncInterval,

		RedisURL:       strings.TrimSpace(os.Getenv("REDIS_URL")),
		RedisNamespace: envOrDefault("REDIS_NAMESPACE", defaultRedisNamespace),
		RedisDB:        redisDB,

		LocalStoreTTL: localStoreTTL,

		CircuitBreakerThreshold: breakerThreshold,
		CircuitBreakerTimeout:   breakerTimeout,

		AsyncUpdates: asyncUpdates,

		MetricsEnabled:       metricsEnabled,
		MetricsBatchSize:     metricsBatchSize,
		MetricsFlushInterval: metricsFlushInterval,

		WarnOnDeprecated:     warnOnDeprecated,
		InvalidationDebounce: invalidationDebounce,
	}, nil
}

func envOrDefault(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func durationOrDefault(key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("%s must be > 0", key)
	}
	return parsed, nil
}

func boolOrDefault(key string, fallback bool) (bool, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("parse %s: %w", key, err)
	}
	return parsed, nil
}
