// Package ratelimit caches the soonest known rate-limit reset time per
// (provider, api key), so concurrent requests sharing a key see a vendor's
// 429 without each paying for a wasted round trip (spec §4.C). This does
// not cache responses, only rate-limit metadata, so it does not contradict
// the proxy's no-response-caching stance.
//
// Grounded on the teacher's internal/cache.Manager Redis wrapper: same
// Config shape and connection lifecycle, narrowed to the single Get/Set
// pair this use case needs.
package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/dimfeld/chronicle-proxy/internal/metrics"
)

// Config configures the Redis connection backing a Cache.
type Config struct {
	Addr         string        `yaml:"addr" json:"addr"`
	Password     string        `yaml:"password" json:"password"`
	DB           int           `yaml:"db" json:"db"`
	MaxRetries   int           `yaml:"max_retries" json:"max_retries"`
	PoolSize     int           `yaml:"pool_size" json:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns" json:"min_idle_conns"`
	DialTimeout  time.Duration `yaml:"dial_timeout" json:"dial_timeout"`
}

// DefaultConfig mirrors internal/cache.DefaultConfig's pool sizing.
func DefaultConfig() Config {
	return Config{
		Addr:         "localhost:6379",
		MaxRetries:   3,
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
	}
}

// Cache stores rate-limit reset times in Redis, keyed by provider and a
// hash of the API key so the key material itself never appears in Redis
// key names or logs.
type Cache struct {
	client    *redis.Client
	keyPrefix string
	logger    *zap.Logger
	collector *metrics.Collector
	sf        singleflight.Group
}

// New connects to Redis per cfg. It pings once so construction fails fast
// if Redis is unreachable, the same contract internal/cache.NewManager
// gives callers.
func New(cfg Config, logger *zap.Logger) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   cfg.MaxRetries,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to rate-limit cache redis: %w", err)
	}

	return NewWithClient(client, logger), nil
}

// NewWithClient wraps an already-constructed *redis.Client, letting tests
// point a Cache at miniredis without going through New's Ping-on-construct
// path.
func NewWithClient(client *redis.Client, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		client:    client,
		keyPrefix: "chronicle:ratelimit:",
		logger:    logger.With(zap.String("component", "ratelimit_cache")),
	}
}

// WithCollector attaches a metrics.Collector that ResetAt records hits and
// misses against. Returns c for chaining.
func (c *Cache) WithCollector(collector *metrics.Collector) *Cache {
	c.collector = collector
	return c
}

func (c *Cache) key(provider, apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return c.keyPrefix + provider + ":" + hex.EncodeToString(sum[:8])
}

type resetAtResult struct {
	at time.Time
	ok bool
}

// ResetAt reports the soonest time the given (provider, apiKey) pair is
// known to be rate limited until. ok is false if nothing is cached, meaning
// the caller should proceed with the request as normal.
//
// Concurrent calls for the same (provider, apiKey) share a single Redis
// round trip via singleflight.Group: every candidate attempt made while a
// provider is rate limited asks the same question at once, and there is no
// reason to pay for N identical GETs when one answer serves all of them.
func (c *Cache) ResetAt(ctx context.Context, provider, apiKey string) (resetAt time.Time, ok bool, err error) {
	key := c.key(provider, apiKey)

	v, err, _ := c.sf.Do(key, func() (interface{}, error) {
		return c.fetchResetAt(ctx, key, provider)
	})
	if err != nil {
		return time.Time{}, false, err
	}
	res := v.(resetAtResult)
	return res.at, res.ok, nil
}

func (c *Cache) fetchResetAt(ctx context.Context, key, provider string) (resetAtResult, error) {
	val, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		c.recordMiss(provider)
		return resetAtResult{}, nil
	}
	if err != nil {
		c.recordMiss(provider)
		return resetAtResult{}, fmt.Errorf("rate-limit cache get: %w", err)
	}

	t, err := time.Parse(time.RFC3339Nano, val)
	if err != nil {
		c.recordMiss(provider)
		return resetAtResult{}, fmt.Errorf("rate-limit cache parse: %w", err)
	}
	if !t.After(time.Now()) {
		c.recordMiss(provider)
		return resetAtResult{}, nil
	}

	c.recordHit(provider)
	return resetAtResult{at: t, ok: true}, nil
}

// SetResetAt records that provider/apiKey is rate limited until resetAt.
// The Redis key's own TTL matches the remaining time so a stale entry never
// outlives what it describes.
func (c *Cache) SetResetAt(ctx context.Context, provider, apiKey string, resetAt time.Time) error {
	ttl := time.Until(resetAt)
	if ttl <= 0 {
		return nil
	}
	err := c.client.Set(ctx, c.key(provider, apiKey), resetAt.Format(time.RFC3339Nano), ttl).Err()
	if err != nil {
		return fmt.Errorf("rate-limit cache set: %w", err)
	}
	return nil
}

func (c *Cache) recordHit(provider string) {
	if c.collector != nil {
		c.collector.RecordRateLimitCacheHit(provider)
	}
}

func (c *Cache) recordMiss(provider string) {
	if c.collector != nil {
		c.collector.RecordRateLimitCacheMiss(provider)
	}
}

// Close releases the underlying Redis connection pool.
func (c *Cache) Close() error {
	return c.client.Close()
}
