package store

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// InvalidateChannel is the pub/sub topic every process subscribes to for
// cross-process cache invalidation (spec.md §4.2, §6).
const InvalidateChannel = "magick:cache:invalidate"

// RemoteConfig configures the Remote Store (C2).
type RemoteConfig struct {
	URL             string
	Namespace       string // default "magick:features"
	DB              int    // default 1, distinct from general app cache
	TLSEnabled      bool
	DialTimeout     time.Duration
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	PoolSize        int
	PingMaxRetries  int
	PingBackoff     time.Duration
}

// DefaultRemoteConfig fills in spec.md §6's defaults.
func DefaultRemoteConfig(url string) RemoteConfig {
	return RemoteConfig{
		URL:            url,
		Namespace:      "magick:features",
		DB:             1,
		DialTimeout:    5 * time.Second,
		ReadTimeout:    3 * time.Second,
		WriteTimeout:   3 * time.Second,
		PoolSize:       10,
		PingMaxRetries: 3,
		PingBackoff:    200 * time.Millisecond,
	}
}

// Remote is the hash-per-flag adapter over Redis, plus the invalidation
// pub/sub channel (C2). A nil *Remote is a valid "unconfigured" value —
// the Registry treats it as always-failing and falls through to Durable.
type Remote struct {
	client    *redis.Client
	namespace string
}

// NewRemote dials Redis with a fail-fast ping-with-retry, following the
// connection-setup shape of a networked key/value client.
func NewRemote(ctx context.Context, cfg RemoteConfig, log *slog.Logger) (*Remote, error) {
	if cfg.URL == "" {
		return nil, nil
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		opts = &redis.Options{Addr: cfg.URL}
	}
	opts.DB = cfg.DB
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	if cfg.ReadTimeout > 0 {
		opts.ReadTimeout = cfg.ReadTimeout
	}
	if cfg.WriteTimeout > 0 {
		opts.WriteTimeout = cfg.WriteTimeout
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	client := redis.NewClient(opts)

	maxRetries := cfg.PingMaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	backoff := cfg.PingBackoff
	if backoff <= 0 {
		backoff = 200 * time.Millisecond
	}

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		lastErr = client.Ping(pingCtx).Err()
		cancel()
		if lastErr == nil {
			namespace := cfg.Namespace
			if namespace == "" {
				namespace = "magick:features"
			}
			return &Remote{client: client, namespace: namespace}, nil
		}
		if log != nil {
			log.Warn("remote store ping failed", "attempt", attempt, "error", lastErr)
		}
		if attempt < maxRetries {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	return nil, adapterErr("remote", "connect", lastErr)
}

func (r *Remote) key(flagName string) string {
	return fmt.Sprintf("%s:%s", r.namespace, flagName)
}

// GetAll reads every attribute field of a flag's hash.
func (r *Remote) GetAll(ctx context.Context, flagName string) (map[string]any, error) {
	if r == nil {
		return nil, adapterErr("remote", "get", fmt.Errorf("remote store not configured"))
	}
	fields, err := r.client.HGetAll(ctx, r.key(flagName)).Result()
	if err != nil {
		return nil, adapterErr("remote", "get", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out, nil
}

// SetAll writes every attribute of a flag as hash fields (HSET). Scalars
// serialize through go-redis's built-in encoding; composite values (the
// caller is expected to have JSON-encoded them already) travel as strings.
func (r *Remote) SetAll(ctx context.Context, flagName string, attrs map[string]any) error {
	if r == nil {
		return adapterErr("remote", "set", fmt.Errorf("remote store not configured"))
	}
	if len(attrs) == 0 {
		return nil
	}
	if err := r.client.HSet(ctx, r.key(flagName), attrs).Err(); err != nil {
		return adapterErr("remote", "set", err)
	}
	return nil
}

// Delete removes a flag's hash entirely (used by delete(name)).
func (r *Remote) Delete(ctx context.Context, flagName string) error {
	if r == nil {
		return adapterErr("remote", "delete", fmt.Errorf("remote store not configured"))
	}
	if err := r.client.Del(ctx, r.key(flagName)).Err(); err != nil {
		return adapterErr("remote", "delete", err)
	}
	return nil
}

// Publish broadcasts a flag name on the invalidation channel.
func (r *Remote) Publish(ctx context.Context, flagName string) error {
	if r == nil {
		return adapterErr("remote", "publish", fmt.Errorf("remote store not configured"))
	}
	if err := r.client.Publish(ctx, InvalidateChannel, flagName).Err(); err != nil {
		return adapterErr("remote", "publish", err)
	}
	return nil
}

// Subscribe returns a long-lived subscription to the invalidation channel.
// The caller owns the returned PubSub and must Close it on shutdown.
func (r *Remote) Subscribe(ctx context.Context) (*redis.PubSub, error) {
	if r == nil {
		return nil, adapterErr("remote", "subscribe", fmt.Errorf("remote store not configured"))
	}
	sub := r.client.Subscribe(ctx, InvalidateChannel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, adapterErr("remote", "subscribe", err)
	}
	return sub, nil
}

// IncrCount increments a metrics counter key and sets its TTL, per §4.8's
// flush policy.
func (r *Remote) IncrCount(ctx context.Context, key string, delta int64, ttl time.Duration) error {
	if r == nil {
		return adapterErr("remote", "incr", fmt.Errorf("remote store not configured"))
	}
	pipe := r.client.TxPipeline()
	pipe.IncrBy(ctx, key, delta)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return adapterErr("remote", "incr", err)
	}
	return nil
}

// IncrFloat increments a float metrics counter key and sets its TTL.
func (r *Remote) IncrFloat(ctx context.Context, key string, delta float64, ttl time.Duration) error {
	if r == nil {
		return adapterErr("remote", "incrfloat", fmt.Errorf("remote store not configured"))
	}
	pipe := r.client.TxPipeline()
	pipe.IncrByFloat(ctx, key, delta)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return adapterErr("remote", "incrfloat", err)
	}
	return nil
}

// Get reads a single metrics key as a string (used by the query path).
func (r *Remote) Get(ctx context.Context, key string) (string, error) {
	if r == nil {
		return "", adapterErr("remote", "get_key", fmt.Errorf("remote store not configured"))
	}
	v, err := r.client.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return "", nil
		}
		return "", adapterErr("remote", "get_key", err)
	}
	return v, nil
}

// Keys lists keys matching a prefix pattern (used by most_used_features).
func (r *Remote) Keys(ctx context.Context, pattern string) ([]string, error) {
	if r == nil {
		return nil, adapterErr("remote", "keys", fmt.Errorf("remote store not configured"))
	}
	keys, err := r.client.Keys(ctx, pattern).Result()
	if err != nil {
		return nil, adapterErr("remote", "keys", err)
	}
	return keys, nil
}

// HealthCheck pings Redis.
func (r *Remote) HealthCheck(ctx context.Context) error {
	if r == nil {
		return adapterErr("remote", "ping", fmt.Errorf("remote store not configured"))
	}
	if err := r.client.Ping(ctx).Err(); err != nil {
		return adapterErr("remote", "ping", err)
	}
	return nil
}

// Close terminates the connection.
func (r *Remote) Close() error {
	if r == nil {
		return nil
	}
	return r.client.Close()
}

// Configured reports whether a real Redis connection backs this store.
func (r *Remote) Configured() bool { return r != nil }
