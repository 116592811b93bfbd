// Package lock provides per-channel locking so that all membership and
// contest mutations touching one channel's rows are serialized, while
// unrelated channels proceed concurrently.
package lock

import (
	"sync"
)

// chanMutex wraps a mutex with reference counting for reuse via the pool.
type chanMutex struct {
	mu       sync.Mutex
	refCount int
}

// ChannelLock provides per-channel mutual exclusion keyed by channel id.
type ChannelLock struct {
	locks sync.Map // map[int64]*chanMutex
	pool  sync.Pool
}

// NewChannelLock creates a new ChannelLock instance.
func NewChannelLock() *ChannelLock {
	return &ChannelLock{
		pool: sync.Pool{
			New: func() any {
				return &chanMutex{}
			},
		},
	}
}

// getLock retrieves or creates a mutex for the given channel ID.
func (cl *ChannelLock) getLock(channelID int64) *chanMutex {
	if v, ok := cl.locks.Load(channelID); ok {
		return v.(*chanMutex)
	}

	newLock := cl.pool.Get().(*chanMutex)
	newLock.refCount = 0

	actual, loaded := cl.locks.LoadOrStore(channelID, newLock)
	if loaded {
		// Another goroutine created the lock first, return ours to pool
		cl.pool.Put(newLock)
	}
	return actual.(*chanMutex)
}

// Lock acquires the lock for a channel. Must be called before any
// operation that mutates the channel's memberships or contests.
func (cl *ChannelLock) Lock(channelID int64) {
	lock := cl.getLock(channelID)
	lock.mu.Lock()
	lock.refCount++
}

// Unlock releases the lock for a channel.
func (cl *ChannelLock) Unlock(channelID int64) {
	if v, ok := cl.locks.Load(channelID); ok {
		lock := v.(*chanMutex)
		lock.refCount--
		lock.mu.Unlock()
	}
}

// TryLock attempts to acquire the lock without blocking.
// Returns true if the lock was acquired, false otherwise.
func (cl *ChannelLock) TryLock(channelID int64) bool {
	lock := cl.getLock(channelID)
	if lock.mu.TryLock() {
		lock.refCount++
		return true
	}
	return false
}

// WithLock executes a function while holding the channel's lock.
func (cl *ChannelLock) WithLock(channelID int64, fn func() error) error {
	cl.Lock(channelID)
	defer cl.Unlock(channelID)
	return fn()
}
