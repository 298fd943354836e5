// Package syncutil holds the per-key locking used to serialize work for one
// actor without a global lock.
package syncutil

import (
	"context"
	"hash/fnv"
)

// DefaultShards is the shard count used by NewKeyedMutex.
const DefaultShards = 256

// KeyedMutex is a fixed pool of channel-backed locks addressed by key hash.
// Memory stays bounded no matter how many keys are seen; two keys landing on
// the same shard simply serialize with each other.
type KeyedMutex struct {
	shards []chan struct{}
}

// NewKeyedMutex returns a KeyedMutex with DefaultShards shards.
func NewKeyedMutex() *KeyedMutex {
	return NewKeyedMutexShards(DefaultShards)
}

// NewKeyedMutexShards returns a KeyedMutex with n shards (minimum 1).
func NewKeyedMutexShards(n int) *KeyedMutex {
	if n < 1 {
		n = 1
	}
	m := &KeyedMutex{shards: make([]chan struct{}, n)}
	for i := range m.shards {
		m.shards[i] = make(chan struct{}, 1)
	}
	return m
}

// Lock blocks until key's shard is free or ctx is done. On success the
// returned func releases the lock and must be called exactly once.
func (m *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	ch := m.shards[m.shard(key)]
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryLock acquires key's shard only if it is free right now.
func (m *KeyedMutex) TryLock(key string) (func(), bool) {
	ch := m.shards[m.shard(key)]
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, true
	default:
		return nil, false
	}
}

func (m *KeyedMutex) shard(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % uint32(len(m.shards))
}
