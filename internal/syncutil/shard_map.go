// Package syncutil contains concurrent containers.
package syncutil

import (
	"fmt"
	"hash/fnv"
	"iter"
	"maps"
	"sync"
)

// ShardMap is a thread-safe map that uses sharding to reduce lock contention.
// Readers of a shard never block each other.
type ShardMap[K comparable, V any] struct {
	shards     []*shard[K, V]
	shardCount uint32
	hash       func(K) uint32
}

type shard[K comparable, V any] struct {
	sync.RWMutex
	items map[K]V
}

// ShardsNum is an option of [NewShardMap] that sets the number of shards.
type ShardsNum uint

// HashFunc is an option of [NewShardMap] that sets the key hash function.
type HashFunc[K comparable] func(K) uint32

const defShardsNum ShardsNum = 32

// NewShardMap creates a new [ShardMap].
// Accepted options are [ShardsNum] (default 32) and [HashFunc].
// Without a hash function keys are hashed by their fmt representation with FNV-1a.
func NewShardMap[K comparable, V any](opts ...any) *ShardMap[K, V] {
	var (
		shardsNum ShardsNum
		hash      func(K) uint32
	)
	for _, o := range opts {
		switch v := o.(type) {
		case ShardsNum:
			shardsNum = v
		case HashFunc[K]:
			hash = v
		case func(K) uint32:
			hash = v
		}
	}

	if shardsNum == 0 {
		shardsNum = defShardsNum
	}
	if hash == nil {
		hash = fmtHash[K]
	}

	shards := make([]*shard[K, V], shardsNum)
	for i := range shards {
		shards[i] = &shard[K, V]{items: make(map[K]V)}
	}

	return &ShardMap[K, V]{
		shards:     shards,
		shardCount: uint32(shardsNum),
		hash:       hash,
	}
}

func fmtHash[K comparable](key K) uint32 {
	h := fnv.New32a()
	fmt.Fprint(h, key)
	return h.Sum32()
}

func (m *ShardMap[K, V]) getShard(key K) *shard[K, V] {
	return m.shards[m.hash(key)%m.shardCount]
}

// Get retrieves a value by key.
func (m *ShardMap[K, V]) Get(key K) (V, bool) {
	s := m.getShard(key)
	s.RLock()
	defer s.RUnlock()
	val, ok := s.items[key]
	return val, ok
}

// GetOrInsert returns the value stored under the key or,
// if there is none, calls newVal and stores its result.
// The check and the insertion happen under the shard write lock,
// so among concurrent callers with the same key only one runs newVal
// and observes inserted = true.
// If newVal fails nothing is stored and the error is returned.
func (m *ShardMap[K, V]) GetOrInsert(key K, newVal func() (V, error)) (val V, inserted bool, err error) {
	s := m.getShard(key)

	s.RLock()
	val, ok := s.items[key]
	s.RUnlock()
	if ok {
		return val, false, nil
	}

	s.Lock()
	defer s.Unlock()
	if val, ok = s.items[key]; ok {
		return val, false, nil
	}
	if val, err = newVal(); err != nil {
		var zero V
		return zero, false, err //errtrace:skip
	}
	s.items[key] = val
	return val, true, nil
}

// DelFunc removes the key if the stored value satisfies pred.
// It returns the stored value, whether the key was present and whether it was removed.
func (m *ShardMap[K, V]) DelFunc(key K, pred func(V) bool) (val V, found, deleted bool) {
	s := m.getShard(key)
	s.Lock()
	defer s.Unlock()
	val, found = s.items[key]
	if !found || !pred(val) {
		return val, found, false
	}
	delete(s.items, key)
	return val, true, true
}

// Size returns the total number of items in the map.
func (m *ShardMap[K, V]) Size() int {
	size := 0
	for _, s := range m.shards {
		s.RLock()
		size += len(s.items)
		s.RUnlock()
	}
	return size
}

// Items returns an iterator over a snapshot of every shard.
func (m *ShardMap[K, V]) Items() iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		for _, s := range m.shards {
			s.RLock()
			items := maps.Clone(s.items)
			s.RUnlock()

			for k, v := range items {
				if !yield(k, v) {
					return
				}
			}
		}
	}
}
