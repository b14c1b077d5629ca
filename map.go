package phmap

import (
	uatomic "go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
)

// Map is a concurrent, sharded, open-hashing key/value map: S
// independent subMap shards share one pagingPool, routed by the low
// bits of a pluggable 64-bit hash. Insert, Find and Erase each have a
// "Lockless" sibling with identical semantics that omits its own
// locking, for callers that already provide mutual exclusion; Rekey,
// Clear, Reserve, Size and ForEach have none.
//
// Grounded on original_source/src/custom_hashmap/hash_map.h's HashMap,
// styled after the teacher's functional-options Map construction in
// mapof.go.
type Map[K comparable, V any] struct {
	shards     []*subMap[K, V]
	shardMask  uint32
	pool       *pagingPool[K, V]
	totalCount uatomic.Int64
	hashFn     func(K) uint64
}

// New constructs a Map. Defaults: 4 shards, 64-slot pages, and
// defaultHash64 as the hash function.
func New[K comparable, V any](opts ...Option[K, V]) *Map[K, V] {
	cfg := defaultConfig[K, V]()
	for _, opt := range opts {
		opt(cfg)
	}
	m := &Map[K, V]{
		hashFn:    cfg.hashFn,
		shardMask: cfg.shardCount - 1,
	}
	m.pool = newPagingPool[K, V](cfg.pageSize)
	m.shards = make([]*subMap[K, V], cfg.shardCount)
	for i := range m.shards {
		m.shards[i] = newSubMap[K, V](initialBucketCount, m.pool, m.hashFn)
	}
	return m
}

const initialBucketCount = 8

func (m *Map[K, V]) shardIndex(hash uint64) uint32 {
	return uint32(hash) & m.shardMask
}

// Insert creates key -> value if key is not already present. It
// returns true if a new entry was created; on a duplicate key it
// returns false and the value already stored under key, without
// modifying it.
func (m *Map[K, V]) Insert(key K, value V) (inserted bool, actual V) {
	hash := m.hashFn(key)
	shard := m.shards[m.shardIndex(hash)]
	inserted, actual = shard.Insert(key, value, hash)
	if inserted {
		m.totalCount.Inc()
	}
	return inserted, actual
}

// InsertLockless is Insert's lockless sibling.
func (m *Map[K, V]) InsertLockless(key K, value V) (inserted bool, actual V) {
	hash := m.hashFn(key)
	shard := m.shards[m.shardIndex(hash)]
	inserted, actual = shard.InsertLockless(key, value, hash)
	if inserted {
		m.totalCount.Inc()
	}
	return inserted, actual
}

// Find returns the value stored under key, if present.
func (m *Map[K, V]) Find(key K) (V, bool) {
	hash := m.hashFn(key)
	return m.shards[m.shardIndex(hash)].Find(key, hash)
}

// FindLockless is Find's lockless sibling.
func (m *Map[K, V]) FindLockless(key K) (V, bool) {
	hash := m.hashFn(key)
	return m.shards[m.shardIndex(hash)].FindLockless(key, hash)
}

// Erase removes key if present, returning whether it was present.
func (m *Map[K, V]) Erase(key K) bool {
	hash := m.hashFn(key)
	erased := m.shards[m.shardIndex(hash)].Erase(key, hash)
	if erased {
		m.totalCount.Dec()
	}
	return erased
}

// EraseLockless is Erase's lockless sibling.
func (m *Map[K, V]) EraseLockless(key K) bool {
	hash := m.hashFn(key)
	erased := m.shards[m.shardIndex(hash)].EraseLockless(key, hash)
	if erased {
		m.totalCount.Dec()
	}
	return erased
}

// Rekey changes the key under which a value is indexed, preserving the
// value. It returns true iff keyOld was present and keyNew was not. If
// keyOld and keyNew hash to the same shard the move happens entirely
// under that shard's write lock; otherwise the node is marked
// reassigning for the duration of the cross-shard move so a concurrent
// erase on either shard cannot destroy it, at the cost of readers being
// able to transiently observe the key as absent from both shards during
// the move window (see design notes).
func (m *Map[K, V]) Rekey(keyOld, keyNew K) bool {
	hashOld := m.hashFn(keyOld)
	hashNew := m.hashFn(keyNew)
	shardOldIdx := m.shardIndex(hashOld)
	shardNewIdx := m.shardIndex(hashNew)

	if shardOldIdx == shardNewIdx {
		return m.shards[shardOldIdx].RekeySameShard(keyOld, keyNew, hashOld, hashNew)
	}

	oldShard := m.shards[shardOldIdx]
	newShard := m.shards[shardNewIdx]

	n := oldShard.DetachForRekey(keyOld, hashOld)
	if n == nil {
		return false
	}
	if newShard.AdoptRekeyedNode(n, keyNew, hashNew) {
		return true
	}
	oldShard.ReattachAfterFailedRekey(n, hashOld)
	return false
}

// Clear removes every entry from the map and drops every pool page,
// leaving the pool empty. Intended for single-threaded use.
func (m *Map[K, V]) Clear() {
	for _, shard := range m.shards {
		shard.Clear()
	}
	m.pool.Clear()
	m.totalCount.Store(0)
}

// Reserve pre-sizes every shard's bucket table to hold roughly n/S
// entries per shard without further resize, and pre-allocates enough
// pool pages for n entries overall. Per-shard resizing fans out across
// goroutines since each shard's write lock is independent.
func (m *Map[K, V]) Reserve(n uint32) {
	shardCount := uint32(len(m.shards))
	perShard := n / shardCount
	if n%shardCount != 0 {
		perShard++
	}

	var g errgroup.Group
	for _, shard := range m.shards {
		shard := shard
		g.Go(func() error {
			shard.Reserve(perShard)
			return nil
		})
	}
	_ = g.Wait()

	m.pool.PreallocateSpace(n)
}

// Size returns the total number of live entries.
func (m *Map[K, V]) Size() int64 {
	return m.totalCount.Load()
}

// ForEach invokes fn once per live (key, value) pair by walking the
// shared pool directly, so every node is visited exactly once
// regardless of which shard or bucket currently holds it. Order is
// unspecified; not stable under concurrent mutation.
func (m *Map[K, V]) ForEach(fn func(key K, value V)) {
	it := m.pool.Iterator()
	for !it.Done() {
		n := it.Next()
		if n == nil {
			continue
		}
		if n.loadBucket() == bucketReassigning || n.loadBucket() == bucketInvalid {
			continue
		}
		fn(n.key, n.value)
	}
}
