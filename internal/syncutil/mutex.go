// Package syncutil provides keyed locks.
//
// KeyedMutex gives every key its own lock and forgets it once nobody holds
// or waits for it. ContextShardedMutex hashes keys onto a fixed pool of
// shards, so unrelated keys may contend; use it only for short critical
// sections.
package syncutil

import (
	"context"
	"hash/fnv"
	"sync"
)

const shardCount = 256

func shardOf(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}

// KeyedMutex serializes work per key. Distinct keys never block each other.
// The zero value is usable.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	token chan struct{}
	refs  int
}

// NewKeyedMutex returns an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyedLock)}
}

// LockContext acquires the lock for key. The caller must invoke the
// returned unlock exactly once. On cancellation it returns ctx.Err().
func (m *KeyedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	m.mu.Lock()
	if m.locks == nil {
		m.locks = make(map[string]*keyedLock)
	}
	l, ok := m.locks[key]
	if !ok {
		l = &keyedLock{token: make(chan struct{}, 1)}
		l.token <- struct{}{}
		m.locks[key] = l
	}
	l.refs++
	m.mu.Unlock()

	select {
	case <-l.token:
		var once sync.Once
		return func() {
			once.Do(func() {
				l.token <- struct{}{}
				m.release(key, l)
			})
		}, nil
	case <-ctx.Done():
		m.release(key, l)
		return nil, ctx.Err()
	}
}

func (m *KeyedMutex) release(key string, l *keyedLock) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(m.locks, key)
	}
}

// Len reports how many keys are currently held or awaited.
func (m *KeyedMutex) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

// ContextShardedMutex serializes work per shard of keys. Waiters can give
// up when their context ends. Each shard is a one-slot channel holding the
// token.
type ContextShardedMutex struct {
	once   sync.Once
	tokens [shardCount]chan struct{}
}

// NewContextShardedMutex returns a ready ContextShardedMutex.
// The zero value is also usable.
func NewContextShardedMutex() *ContextShardedMutex {
	m := &ContextShardedMutex{}
	m.init()
	return m
}

func (m *ContextShardedMutex) init() {
	m.once.Do(func() {
		for i := range m.tokens {
			m.tokens[i] = make(chan struct{}, 1)
			m.tokens[i] <- struct{}{}
		}
	})
}

// LockContext acquires the lock for key. The caller must invoke the
// returned unlock exactly once. On cancellation it returns ctx.Err().
func (m *ContextShardedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	m.init()
	token := m.tokens[shardOf(key)]

	select {
	case <-token:
		return func() { token <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
