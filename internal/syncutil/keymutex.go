// Package syncutil provides keyed locking primitives.
package syncutil

import (
	"context"
	"hash/fnv"
	"sync"
)

const shardCount = 256

// CtxKeyMutex is a keyed mutex with a fixed-size shard pool, so memory use
// is bounded regardless of how many keys are seen, at the cost of occasional
// false sharing between keys that hash to the same shard. Acquisition
// respects context cancellation: each shard is a buffered channel so waiters
// can select against ctx.Done().
type CtxKeyMutex struct {
	shards [shardCount]chan struct{}
	once   sync.Once
}

func (m *CtxKeyMutex) init() {
	m.once.Do(func() {
		for i := range m.shards {
			m.shards[i] = make(chan struct{}, 1)
			m.shards[i] <- struct{}{} // start unlocked
		}
	})
}

// Lock acquires the mutex for the given key, or returns the context error if
// ctx is cancelled while waiting. On success the returned unlock function
// must be called.
func (m *CtxKeyMutex) Lock(ctx context.Context, key string) (func(), error) {
	m.init()
	shard := m.shards[shardIdx(key)]
	select {
	case <-shard:
		return func() { shard <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func shardIdx(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}
