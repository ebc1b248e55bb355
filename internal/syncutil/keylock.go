// Package syncutil provides bounded per-key locking.
package syncutil

import (
	"context"
	"hash/fnv"
)

const shardCount = 256

// KeyedMutex is a fixed pool of channel-based mutexes keyed by string.
// Memory is bounded regardless of how many keys are seen, at the cost of
// occasional false sharing between keys that hash to the same shard.
// The zero value is not usable; call NewKeyedMutex.
type KeyedMutex struct {
	shards [shardCount]chan struct{}
}

// NewKeyedMutex creates a KeyedMutex with every shard unlocked.
func NewKeyedMutex() *KeyedMutex {
	m := &KeyedMutex{}
	for i := range m.shards {
		m.shards[i] = make(chan struct{}, 1)
		m.shards[i] <- struct{}{}
	}
	return m
}

// Lock blocks until the mutex for key is held and returns its unlock func.
func (m *KeyedMutex) Lock(key string) func() {
	ch := m.shards[shardIdx(key)]
	<-ch
	return func() { ch <- struct{}{} }
}

// LockContext acquires the mutex for key, giving up when ctx is done.
// On success the caller MUST call the returned unlock func.
func (m *KeyedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	ch := m.shards[shardIdx(key)]
	select {
	case <-ch:
		return func() { ch <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func shardIdx(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}
