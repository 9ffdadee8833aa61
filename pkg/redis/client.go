package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/angelmondragon/voucherz-backend/pkg/config"
	"github.com/angelmondragon/voucherz-backend/pkg/logger"
)

const (
	defaultNamespace  = "vz"
	idempotencyPrefix = "idempotency"
	lockPrefix        = "lock"
)

// ErrNil is returned by Get when the key is absent.
var ErrNil = redis.Nil

var errNotInitialized = errors.New("redis client not initialized")

// deleteIfValue removes KEYS[1] only while it still holds ARGV[1].
const deleteIfValue = `if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

type cmdable interface {
	Ping(context.Context) *redis.StatusCmd
	Get(context.Context, string) *redis.StringCmd
	SetNX(context.Context, string, any, time.Duration) *redis.BoolCmd
	Del(context.Context, ...string) *redis.IntCmd
	Eval(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd
}

// Client backs the webhook guard, admin idempotency replay and the
// maintenance lock. Every key it builds lives under one namespace so several
// environments can share a Redis.
type Client struct {
	store     cmdable
	raw       *redis.Client
	namespace string
}

// IdempotencyStore is the surface the payment webhook guard needs.
type IdempotencyStore interface {
	Get(context.Context, string) (string, error)
	SetNX(context.Context, string, any, time.Duration) (bool, error)
	IdempotencyKey(scope, id string) string
}

// New dials Redis and verifies connectivity before returning.
func New(ctx context.Context, cfg config.RedisConfig, logg *logger.Logger) (*Client, error) {
	opts, err := optionsFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	raw := redis.NewClient(opts)
	if err := raw.Ping(ctx).Err(); err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	if logg != nil {
		logg.Info(logg.WithFields(ctx, map[string]any{"redis_db": opts.DB, "namespace": cfg.KeyPrefix}), "redis connection established")
	}
	return &Client{store: raw, raw: raw, namespace: cfg.KeyPrefix}, nil
}

func optionsFromConfig(cfg config.RedisConfig) (*redis.Options, error) {
	var opts *redis.Options
	switch {
	case cfg.URL != "":
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parsing redis url: %w", err)
		}
		opts = parsed
	case cfg.Address != "":
		opts = &redis.Options{Addr: cfg.Address, Password: cfg.Password, DB: cfg.DB}
	default:
		return nil, errors.New("redis url or address is required")
	}

	if opts.DB == 0 {
		opts.DB = cfg.DB
	}
	opts.PoolSize = firstPositive(opts.PoolSize, cfg.PoolSize)
	opts.MinIdleConns = firstPositive(opts.MinIdleConns, cfg.MinIdleConns)
	opts.DialTimeout = firstPositive(opts.DialTimeout, cfg.DialTimeout)
	opts.ReadTimeout = firstPositive(opts.ReadTimeout, cfg.ReadTimeout)
	opts.WriteTimeout = firstPositive(opts.WriteTimeout, cfg.WriteTimeout)
	return opts, nil
}

func firstPositive[T int | time.Duration](current, fallback T) T {
	if current > 0 {
		return current
	}
	return fallback
}

func (c *Client) Get(ctx context.Context, key string) (string, error) {
	if c.store == nil {
		return "", errNotInitialized
	}
	return c.store.Get(ctx, key).Result()
}

// SetNX sets a value only if the key does not exist yet.
func (c *Client) SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error) {
	if c.store == nil {
		return false, errNotInitialized
	}
	return c.store.SetNX(ctx, key, value, ttl).Result()
}

func (c *Client) Del(ctx context.Context, keys ...string) error {
	if c.store == nil {
		return errNotInitialized
	}
	return c.store.Del(ctx, keys...).Err()
}

// DeleteIfValue deletes key atomically when it still holds value. It reports
// whether the key was removed.
func (c *Client) DeleteIfValue(ctx context.Context, key, value string) (bool, error) {
	if c.store == nil {
		return false, errNotInitialized
	}
	n, err := c.store.Eval(ctx, deleteIfValue, []string{key}, value).Int64()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (c *Client) IdempotencyKey(scope, id string) string {
	return c.buildKey(idempotencyPrefix, scope, id)
}

func (c *Client) LockKey(name string) string {
	return c.buildKey(lockPrefix, name)
}

func (c *Client) Ping(ctx context.Context) error {
	if c.store == nil {
		return errNotInitialized
	}
	return c.store.Ping(ctx).Err()
}

func (c *Client) Close() error {
	if c.raw == nil {
		return nil
	}
	return c.raw.Close()
}

func (c *Client) buildKey(parts ...string) string {
	ns := strings.TrimSpace(c.namespace)
	if ns == "" {
		ns = defaultNamespace
	}
	clean := []string{ns}
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			clean = append(clean, part)
		}
	}
	return strings.Join(clean, ":")
}
