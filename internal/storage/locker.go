package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pnl-tracker/internal/logging"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock only if it still holds our token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// extendScript resets the lock's TTL (ARGV[2], milliseconds) only if it still holds our token
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker serializes mutations per owner across processes.
// The lock expires after ttl so a crashed holder cannot wedge an owner;
// a live holder extends it every ttl/3 until it unlocks.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
	poll   time.Duration
	renew  time.Duration
}

// NewRedisLocker creates a locker on top of the cache connection
func NewRedisLocker(cache *RedisCache, ttl time.Duration) *RedisLocker {
	return &RedisLocker{
		client: cache.Client(),
		ttl:    ttl,
		poll:   25 * time.Millisecond,
		renew:  ttl / 3,
	}
}

func lockKey(ownerID string) string {
	return fmt.Sprintf("%s:%s:lock", cacheKeyPrefix, ownerID)
}

// Lock blocks until the owner's lock is acquired or ctx ends
func (l *RedisLocker) Lock(ctx context.Context, ownerID string) (func(), error) {
	key := lockKey(ownerID)
	token := uuid.New().String()

	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to acquire owner lock: %w", err)
		}
		if ok {
			break
		}

		timer := time.NewTimer(l.poll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("failed to acquire owner lock: %w", ctx.Err())
		case <-timer.C:
		}
	}

	logger := logging.ForOwner(ctx, ownerID)
	done := make(chan struct{})
	var wg sync.WaitGroup
	if l.renew > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.keepAlive(key, token, done, logger)
		}()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			wg.Wait()

			// release with a fresh context: the request context may already be done
			releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			released, err := releaseScript.Run(releaseCtx, l.client, []string{key}, token).Int()
			if err != nil {
				logger.WithError(err).Error("Failed to release owner lock")
				return
			}
			if released == 0 {
				logger.Warn("Owner lock expired before release")
			}
		})
	}, nil
}

// keepAlive extends the lock until done closes or the lock is no longer ours
func (l *RedisLocker) keepAlive(key, token string, done <-chan struct{}, logger *logging.Logger) {
	ticker := time.NewTicker(l.renew)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), l.renew)
		extended, err := extendScript.Run(ctx, l.client, []string{key}, token, l.ttl.Milliseconds()).Int()
		cancel()
		if err != nil {
			logger.WithError(err).Warn("Failed to extend owner lock")
			continue
		}
		if extended == 0 {
			logger.Error("Owner lock lost while held")
			return
		}
	}
}
