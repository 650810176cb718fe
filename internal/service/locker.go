package service

import (
	"context"
	"sync"

	apperrors "github.com/pnl-tracker/internal/errors"
)

// LocalLocker is an in-process OwnerLocker: one mutex per owner, dropped when unused
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*ownerLock
}

type ownerLock struct {
	ch   chan struct{} // holds one token while locked
	refs int
}

// NewLocalLocker creates an in-process locker
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]*ownerLock)}
}

// Lock blocks until the owner's lock is held or ctx ends
func (l *LocalLocker) Lock(ctx context.Context, ownerID string) (func(), error) {
	l.mu.Lock()
	lock, ok := l.locks[ownerID]
	if !ok {
		lock = &ownerLock{ch: make(chan struct{}, 1)}
		l.locks[ownerID] = lock
	}
	lock.refs++
	l.mu.Unlock()

	select {
	case lock.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(ownerID, lock)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-lock.ch
			l.release(ownerID, lock)
		})
	}, nil
}

func (l *LocalLocker) release(ownerID string, lock *ownerLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock.refs--
	if lock.refs == 0 {
		delete(l.locks, ownerID)
	}
}

// held reports how many owners have a live lock entry
func (l *LocalLocker) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

// lockOwner takes the owner's lock, reporting a failure to do so as StoreUnavailable
func lockOwner(ctx context.Context, locker OwnerLocker, ownerID string) (func(), error) {
	unlock, err := locker.Lock(ctx, ownerID)
	if err != nil {
		return nil, apperrors.NewStoreUnavailableError("lock owner", err)
	}
	return unlock, nil
}
