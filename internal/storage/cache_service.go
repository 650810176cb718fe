package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/pnl-tracker/internal/circuitbreaker"
	"github.com/pnl-tracker/internal/models"
)

// CacheService caches per-owner read models (latest snapshot and stats).
// Calls go through a circuit breaker so a dead Redis costs one fast error.
//
// Each owner has a generation counter bumped by InvalidateOwner. Readers take
// the generation before loading from the store and pass it to SetLatest or
// SetStats, which write nothing once the generation has moved on.
type CacheService struct {
	redis   *RedisCache
	ttl     time.Duration
	breaker *circuitbreaker.CircuitBreaker
}

// NewCacheService creates a new cache service
func NewCacheService(redis *RedisCache, ttl time.Duration) *CacheService {
	return &CacheService{
		redis:   redis,
		ttl:     ttl,
		breaker: circuitbreaker.NewCircuitBreaker(circuitbreaker.DefaultConfig("redis-cache")),
	}
}

// CacheKeyType represents different types of cache keys
type CacheKeyType string

const (
	// CacheKeyLatest is for an owner's latest snapshot
	CacheKeyLatest CacheKeyType = "latest"
	// CacheKeyStats is for an owner's stats
	CacheKeyStats CacheKeyType = "stats"
	// CacheKeyGeneration holds an owner's invalidation counter
	CacheKeyGeneration CacheKeyType = "gen"
)

// cacheKeyPrefix namespaces every key this service writes
const cacheKeyPrefix = "pnl"

// GenerateOwnerKey generates a cache key for an owner
// Format: pnl:<owner>:<type>
func (c *CacheService) GenerateOwnerKey(ownerID string, keyType CacheKeyType) string {
	return fmt.Sprintf("%s:%s:%s", cacheKeyPrefix, ownerID, keyType)
}

// GetLatest returns the cached latest snapshot; found is false on a miss
func (c *CacheService) GetLatest(ctx context.Context, ownerID string) (*models.Snapshot, bool, error) {
	var snapshot models.Snapshot
	found, err := c.get(ctx, c.GenerateOwnerKey(ownerID, CacheKeyLatest), &snapshot)
	if err != nil || !found {
		return nil, false, err
	}
	return &snapshot, true, nil
}

// Generation returns the owner's current cache generation, 0 if never invalidated
func (c *CacheService) Generation(ctx context.Context, ownerID string) (int64, error) {
	var gen int64
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		data, err := c.redis.Get(ctx, c.GenerateOwnerKey(ownerID, CacheKeyGeneration))
		if errors.Is(err, ErrCacheMiss) {
			return nil
		}
		if err != nil {
			return err
		}
		gen, err = strconv.ParseInt(data, 10, 64)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to read cache generation: %w", err)
	}
	return gen, nil
}

// SetLatest caches the owner's latest snapshot if gen is still current
func (c *CacheService) SetLatest(ctx context.Context, ownerID string, gen int64, snapshot *models.Snapshot) error {
	return c.set(ctx, ownerID, CacheKeyLatest, gen, snapshot)
}

// GetStats returns the cached stats; found is false on a miss
func (c *CacheService) GetStats(ctx context.Context, ownerID string) (*models.PortfolioStats, bool, error) {
	var stats models.PortfolioStats
	found, err := c.get(ctx, c.GenerateOwnerKey(ownerID, CacheKeyStats), &stats)
	if err != nil || !found {
		return nil, false, err
	}
	return &stats, true, nil
}

// SetStats caches the owner's stats if gen is still current
func (c *CacheService) SetStats(ctx context.Context, ownerID string, gen int64, stats *models.PortfolioStats) error {
	return c.set(ctx, ownerID, CacheKeyStats, gen, stats)
}

// InvalidateOwner bumps the owner's generation and removes every cached read model
func (c *CacheService) InvalidateOwner(ctx context.Context, ownerID string) error {
	return c.breaker.Execute(ctx, func(ctx context.Context) error {
		return c.redis.BumpGeneration(ctx,
			c.GenerateOwnerKey(ownerID, CacheKeyGeneration),
			c.GenerateOwnerKey(ownerID, CacheKeyLatest),
			c.GenerateOwnerKey(ownerID, CacheKeyStats),
		)
	})
}

// CheckBreaker reports an error while the cache circuit is open
func (c *CacheService) CheckBreaker(ctx context.Context) error {
	if c.breaker.GetState() == circuitbreaker.StateOpen {
		return circuitbreaker.ErrCircuitOpen
	}
	return nil
}

// GetTTL returns the configured TTL for this cache service
func (c *CacheService) GetTTL() time.Duration {
	return c.ttl
}

func (c *CacheService) set(ctx context.Context, ownerID string, keyType CacheKeyType, gen int64, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}

	return c.breaker.Execute(ctx, func(ctx context.Context) error {
		_, err := c.redis.SetIfGeneration(ctx,
			c.GenerateOwnerKey(ownerID, CacheKeyGeneration),
			c.GenerateOwnerKey(ownerID, keyType),
			gen, data, c.ttl)
		return err
	})
}

func (c *CacheService) get(ctx context.Context, key string, dest interface{}) (bool, error) {
	var data string
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		var getErr error
		data, getErr = c.redis.Get(ctx, key)
		if errors.Is(getErr, ErrCacheMiss) {
			// a miss is a healthy answer
			return nil
		}
		return getErr
	})
	if err != nil {
		return false, fmt.Errorf("failed to get from cache: %w", err)
	}
	if data == "" {
		return false, nil
	}

	if err := json.Unmarshal([]byte(data), dest); err != nil {
		return false, fmt.Errorf("failed to unmarshal cached value: %w", err)
	}

	return true, nil
}
