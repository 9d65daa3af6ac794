// Package syncutil holds small concurrency helpers.
package syncutil

import (
	"context"
	"hash/fnv"
	"sync"
)

const shardCount = 256

// KeyedMutex serialises work per string key using a fixed pool of
// channel-backed locks. Memory stays bounded however many keys are seen;
// two keys hashing to the same shard share a lock.
type KeyedMutex struct {
	once   sync.Once
	shards [shardCount]chan struct{}
}

// NewKeyedMutex returns a ready KeyedMutex. The zero value is also usable.
func NewKeyedMutex() *KeyedMutex {
	m := &KeyedMutex{}
	m.init()
	return m
}

func (m *KeyedMutex) init() {
	m.once.Do(func() {
		for i := range m.shards {
			m.shards[i] = make(chan struct{}, 1)
		}
	})
}

// Lock blocks until key's shard is free and returns the unlock func.
func (m *KeyedMutex) Lock(key string) func() {
	unlock, _ := m.LockContext(context.Background(), key)
	return unlock
}

// LockContext acquires key's shard or gives up when ctx is done.
// On success the caller must call the returned unlock func exactly once.
func (m *KeyedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	m.init()
	ch := m.shards[shardOf(key)]

	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func shardOf(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}
