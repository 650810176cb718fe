package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pnl-tracker/internal/config"
	"github.com/redis/go-redis/v9"
)

// RedisCache wraps the Redis client
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a new Redis cache connection
func NewRedisCache(cfg *config.RedisConfig) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.MaxConnections,
		MinIdleConns: 2,
		MaxRetries:   2,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
		PoolTimeout:  2 * time.Second,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisCache{client: client}, nil
}

// NewRedisCacheFromClient wraps an existing client
func NewRedisCacheFromClient(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// Close closes the Redis connection
func (r *RedisCache) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// Client returns the underlying Redis client
func (r *RedisCache) Client() *redis.Client {
	return r.client
}

// Ping checks if Redis is reachable
func (r *RedisCache) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Get retrieves a value by key. A missing key returns ErrCacheMiss.
func (r *RedisCache) Get(ctx context.Context, key string) (string, error) {
	val, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrCacheMiss
	}
	return val, err
}

// setIfGenerationScript writes KEYS[2] only while KEYS[1] still holds ARGV[1].
// A missing generation counts as 0; ARGV[3] is the TTL in milliseconds, 0 for none.
var setIfGenerationScript = redis.NewScript(`
local gen = redis.call('GET', KEYS[1]) or '0'
if gen ~= ARGV[1] then
	return 0
end
if ARGV[3] == '0' then
	redis.call('SET', KEYS[2], ARGV[2])
else
	redis.call('SET', KEYS[2], ARGV[2], 'PX', ARGV[3])
end
return 1
`)

// SetIfGeneration sets key to value unless genKey has moved past gen.
// It reports whether the value was written.
func (r *RedisCache) SetIfGeneration(ctx context.Context, genKey, key string, gen int64, value []byte, ttl time.Duration) (bool, error) {
	written, err := setIfGenerationScript.Run(ctx, r.client, []string{genKey, key}, gen, value, ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return written == 1, nil
}

// BumpGeneration increments genKey and deletes keys in one transaction
func (r *RedisCache) BumpGeneration(ctx context.Context, genKey string, keys ...string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, genKey)
		pipe.Del(ctx, keys...)
		return nil
	})
	return err
}

// ErrCacheMiss is returned by Get for absent keys
var ErrCacheMiss = errors.New("cache miss")
