package connmgr

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

const defaultShardCount = 32

// shardedMap is a string keyed map split across independently locked shards.
type shardedMap[V any] struct {
	shards []*shard[V]
}

type shard[V any] struct {
	mu    sync.RWMutex
	items map[string]V
}

func newShardedMap[V any](n int) *shardedMap[V] {
	if n <= 0 {
		n = defaultShardCount
	}
	m := &shardedMap[V]{shards: make([]*shard[V], n)}
	for i := range m.shards {
		m.shards[i] = &shard[V]{items: make(map[string]V)}
	}
	return m
}

func (m *shardedMap[V]) shardFor(key string) *shard[V] {
	return m.shards[xxhash.Sum64String(key)%uint64(len(m.shards))]
}

func (m *shardedMap[V]) get(key string) (V, bool) {
	s := m.shardFor(key)
	s.mu.RLock()
	v, ok := s.items[key]
	s.mu.RUnlock()
	return v, ok
}

func (m *shardedMap[V]) set(key string, v V) {
	s := m.shardFor(key)
	s.mu.Lock()
	s.items[key] = v
	s.mu.Unlock()
}

func (m *shardedMap[V]) remove(key string) (V, bool) {
	s := m.shardFor(key)
	s.mu.Lock()
	v, ok := s.items[key]
	delete(s.items, key)
	s.mu.Unlock()
	return v, ok
}

// update runs fn under the shard's write lock. fn returns the new value and
// whether to keep it; returning false deletes the key.
func (m *shardedMap[V]) update(key string, fn func(v V, ok bool) (V, bool)) {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.items[key]
	next, keep := fn(cur, ok)
	if keep {
		s.items[key] = next
	} else if ok {
		delete(s.items, key)
	}
}

// view runs fn under the shard's read lock.
func (m *shardedMap[V]) view(key string, fn func(v V, ok bool)) {
	s := m.shardFor(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.items[key]
	fn(v, ok)
}

// each visits every shard under its write lock in turn.
func (m *shardedMap[V]) each(fn func(items map[string]V)) {
	for _, s := range m.shards {
		s.mu.Lock()
		fn(s.items)
		s.mu.Unlock()
	}
}

// rangeRead visits entries under read locks until fn returns false.
func (m *shardedMap[V]) rangeRead(fn func(key string, v V) bool) {
	for _, s := range m.shards {
		s.mu.RLock()
		for k, v := range s.items {
			if !fn(k, v) {
				s.mu.RUnlock()
				return
			}
		}
		s.mu.RUnlock()
	}
}

func (m *shardedMap[V]) len() int {
	n := 0
	for _, s := range m.shards {
		s.mu.RLock()
		n += len(s.items)
		s.mu.RUnlock()
	}
	return n
}
