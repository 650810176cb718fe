package storage

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisLockerExcludesSameOwner(t *testing.T) {
	_, redisCache := newTestRedis(t)
	locker := NewRedisLocker(redisCache, 5*time.Second)
	locker.poll = time.Millisecond

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := locker.Lock(testContext(t), "owner-1")
			if !assert.NoError(t, err) {
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside)
}

func TestRedisLockerOwnersAreIndependent(t *testing.T) {
	ctx := testContext(t)
	_, redisCache := newTestRedis(t)
	locker := NewRedisLocker(redisCache, 5*time.Second)

	unlockA, err := locker.Lock(ctx, "owner-a")
	require.NoError(t, err)
	defer unlockA()

	unlockB, err := locker.Lock(ctx, "owner-b")
	require.NoError(t, err)
	unlockB()
}

func TestRedisLockerHonoursDeadline(t *testing.T) {
	_, redisCache := newTestRedis(t)
	locker := NewRedisLocker(redisCache, 5*time.Second)
	locker.poll = time.Millisecond

	unlock, err := locker.Lock(testContext(t), "owner-1")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = locker.Lock(ctx, "owner-1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRedisLockerReleaseKeepsForeignLock(t *testing.T) {
	ctx := testContext(t)
	mr, redisCache := newTestRedis(t)
	locker := NewRedisLocker(redisCache, 5*time.Second)

	unlock, err := locker.Lock(ctx, "owner-1")
	require.NoError(t, err)

	// lock expired and was taken by someone else
	require.NoError(t, mr.Set("pnl:owner-1:lock", "someone-else"))
	unlock()

	got, err := mr.Get("pnl:owner-1:lock")
	require.NoError(t, err)
	assert.Equal(t, "someone-else", got)
}

func TestRedisLockerExtendsHeldLock(t *testing.T) {
	ctx := testContext(t)
	mr, redisCache := newTestRedis(t)
	locker := NewRedisLocker(redisCache, 300*time.Millisecond)
	locker.renew = 10 * time.Millisecond

	unlock, err := locker.Lock(ctx, "owner-1")
	require.NoError(t, err)

	// most of the TTL passes while a long pass still holds the lock
	mr.FastForward(250 * time.Millisecond)
	assert.Eventually(t, func() bool {
		return mr.TTL("pnl:owner-1:lock") > 250*time.Millisecond
	}, time.Second, 5*time.Millisecond)

	unlock()
	assert.False(t, mr.Exists("pnl:owner-1:lock"))
	unlock()
}

func TestRedisLockerStopsExtendingForeignLock(t *testing.T) {
	ctx := testContext(t)
	mr, redisCache := newTestRedis(t)
	locker := NewRedisLocker(redisCache, 300*time.Millisecond)
	locker.renew = 5 * time.Millisecond

	unlock, err := locker.Lock(ctx, "owner-1")
	require.NoError(t, err)
	defer unlock()

	require.NoError(t, mr.Set("pnl:owner-1:lock", "someone-else"))
	time.Sleep(30 * time.Millisecond)

	got, err := mr.Get("pnl:owner-1:lock")
	require.NoError(t, err)
	assert.Equal(t, "someone-else", got)
}
