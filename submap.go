package phmap

import (
	"sync/atomic"
	"unsafe"
)

// subMap is one shard of the Map: an independent bucket table with its
// own lock, its own live count, and a shared reference to the paging
// pool every shard draws nodes from.
//
// Grounded on original_source/src/custom_hashmap/hash_map.h's InnerMap.
type subMap[K comparable, V any] struct {
	lock CountingSpinlock // multi-reader/writer discipline
	_    [CacheLineSize - unsafe.Sizeof(CountingSpinlock{})]byte

	buckets      []nodeList[K, V]
	count        atomic.Uint32
	fillCapacity uint32

	pool   *pagingPool[K, V]
	hashFn func(K) uint64
}

func newSubMap[K comparable, V any](initialBuckets uint32, pool *pagingPool[K, V], hashFn func(K) uint64) *subMap[K, V] {
	if initialBuckets == 0 || initialBuckets&(initialBuckets-1) != 0 {
		panic("phmap: subMap bucket count must be a power of two")
	}
	s := &subMap[K, V]{
		buckets: make([]nodeList[K, V], initialBuckets),
		pool:    pool,
		hashFn:  hashFn,
	}
	s.fillCapacity = fillCapacityFor(initialBuckets)
	return s
}

func fillCapacityFor(buckets uint32) uint32 {
	return (7 * buckets) / 8
}

// nextPowerOfTwoAbove returns the smallest power of two strictly
// greater than n.
func nextPowerOfTwoAbove(n uint32) uint32 {
	p := uint32(1)
	for p <= n {
		p <<= 1
	}
	return p
}

func keysEqual[K comparable](a, b K) bool { return a == b }

func (s *subMap[K, V]) bucketIndex(hash uint64) uint32 {
	return uint32(hash) & uint32(len(s.buckets)-1)
}

func (s *subMap[K, V]) Size() uint32 {
	return s.count.Load()
}

// Insert acquires the shard's write lock, resizes if the fill capacity
// would be exceeded, and either returns false and the existing value for
// a duplicate key or reserves a fresh node from the pool and splices it
// into the target bucket's head.
func (s *subMap[K, V]) Insert(key K, value V, hash uint64) (inserted bool, actual V) {
	g := NewMRWWriteGuard(&s.lock)
	defer g.Release()
	return s.insertLocked(key, value, hash)
}

// InsertLockless is Insert's lockless sibling; the caller must already
// hold exclusive access to this shard.
func (s *subMap[K, V]) InsertLockless(key K, value V, hash uint64) (inserted bool, actual V) {
	return s.insertLocked(key, value, hash)
}

func (s *subMap[K, V]) insertLocked(key K, value V, hash uint64) (bool, V) {
	if s.count.Load()+1 > s.fillCapacity {
		s.resizeLocked(nextPowerOfTwoAbove(2 * (s.count.Load() + 1)))
	}
	idx := s.bucketIndex(hash)
	bucket := &s.buckets[idx]
	if existing := bucket.FindUnsafe(key, keysEqual[K]); existing != nil {
		return false, existing.value
	}
	n := s.pool.Reserve()
	if n == nil {
		var zero V
		return false, zero
	}
	n.key = key
	n.value = value
	n.storeBucket(idx)
	bucket.InsertUnsafe(n)
	s.count.Add(1)
	return true, value
}

// Resize replaces the bucket array with one of newSize slots, relinking
// every existing node at its recomputed bucket without reallocating the
// node itself. Resize takes the shard's write lock itself; callers that
// already hold it use resizeLocked.
func (s *subMap[K, V]) Resize(newSize uint32) {
	g := NewMRWWriteGuard(&s.lock)
	defer g.Release()
	s.resizeLocked(newSize)
}

func (s *subMap[K, V]) resizeLocked(newSize uint32) {
	if newSize <= uint32(len(s.buckets)) {
		return
	}
	old := s.buckets
	next := make([]nodeList[K, V], newSize)
	mask := newSize - 1
	for i := range old {
		cur := old[i].head
		for cur != nil {
			nxt := cur.next
			newIdx := uint32(s.hashFn(cur.key)) & mask
			cur.next = nil
			next[newIdx].InsertUnsafe(cur)
			cur.storeBucket(newIdx)
			cur = nxt
		}
	}
	s.buckets = next
	s.fillCapacity = fillCapacityFor(newSize)
}

// Find hashes to a bucket under a read lock and does a lockless list
// walk, since concurrent list reads never need the bucket's own lock.
func (s *subMap[K, V]) Find(key K, hash uint64) (V, bool) {
	g := NewMRWReadGuard(&s.lock)
	defer g.Release()
	return s.findLocked(key, hash)
}

func (s *subMap[K, V]) FindLockless(key K, hash uint64) (V, bool) {
	return s.findLocked(key, hash)
}

func (s *subMap[K, V]) findLocked(key K, hash uint64) (V, bool) {
	idx := s.bucketIndex(hash)
	n := s.buckets[idx].FindUnsafe(key, keysEqual[K])
	if n == nil {
		var zero V
		return zero, false
	}
	return n.value, true
}

// Erase removes the node matching key, under the write lock. A node
// carrying bucketReassigning is mid-rekey and is never released here —
// the rekey protocol owns its lifetime until the move completes.
func (s *subMap[K, V]) Erase(key K, hash uint64) bool {
	g := NewMRWWriteGuard(&s.lock)
	defer g.Release()
	return s.eraseLocked(key, hash)
}

func (s *subMap[K, V]) EraseLockless(key K, hash uint64) bool {
	return s.eraseLocked(key, hash)
}

func (s *subMap[K, V]) eraseLocked(key K, hash uint64) bool {
	idx := s.bucketIndex(hash)
	n := s.buckets[idx].EraseUnsafe(key, keysEqual[K])
	if n == nil {
		return false
	}
	s.count.Add(^uint32(0))
	if n.loadBucket() != bucketReassigning {
		n.storeBucket(bucketInvalid)
		s.pool.Release(n)
	}
	return true
}

// RekeySameShard handles a rekey whose old and new keys hash into this
// same shard. When the target bucket is unchanged, the key field is
// rewritten in place; otherwise the node is unlinked, marked
// reassigning so a concurrent erase cannot destroy it mid-move, and
// relinked into the new bucket.
func (s *subMap[K, V]) RekeySameShard(oldKey, newKey K, hashOld, hashNew uint64) bool {
	g := NewMRWWriteGuard(&s.lock)
	defer g.Release()

	oldIdx := s.bucketIndex(hashOld)
	newIdx := s.bucketIndex(hashNew)

	if oldIdx == newIdx {
		n := s.buckets[oldIdx].FindUnsafe(oldKey, keysEqual[K])
		if n == nil {
			return false
		}
		if s.buckets[oldIdx].FindUnsafe(newKey, keysEqual[K]) != nil && !keysEqual(oldKey, newKey) {
			return false
		}
		n.key = newKey
		return true
	}

	if s.buckets[newIdx].FindUnsafe(newKey, keysEqual[K]) != nil {
		return false
	}
	n := s.buckets[oldIdx].FindUnsafe(oldKey, keysEqual[K])
	if n == nil {
		return false
	}
	n.storeBucket(bucketReassigning)
	removed := s.buckets[oldIdx].EraseNodeUnsafe(n)
	assertInvariant(removed == n, "subMap: rekey could not unlink node from its source bucket")
	n.key = newKey
	s.buckets[newIdx].InsertUnsafe(n)
	n.storeBucket(newIdx)
	return true
}

// DetachForRekey is the first half of a cross-shard rekey: it marks the
// node reassigning, unlinks it from its current bucket, decrements this
// shard's count, and hands the still-live node to the caller, which is
// responsible for handing it to AdoptRekeyedNode or restoring it via
// ReattachAfterFailedRekey.
func (s *subMap[K, V]) DetachForRekey(key K, hash uint64) *node[K, V] {
	g := NewMRWWriteGuard(&s.lock)
	defer g.Release()
	idx := s.bucketIndex(hash)
	n := s.buckets[idx].FindUnsafe(key, keysEqual[K])
	if n == nil {
		return nil
	}
	n.storeBucket(bucketReassigning)
	removed := s.buckets[idx].EraseNodeUnsafe(n)
	assertInvariant(removed == n, "subMap: detach-for-rekey could not unlink node")
	s.count.Add(^uint32(0))
	return n
}

// AdoptRekeyedNode is the second half of a cross-shard rekey: it
// rewrites n's key and splices the already-live node into this shard at
// its new bucket, without going through the pool (the node is not
// new). Returns false, leaving n untouched, if newKey is already
// present.
func (s *subMap[K, V]) AdoptRekeyedNode(n *node[K, V], newKey K, hashNew uint64) bool {
	g := NewMRWWriteGuard(&s.lock)
	defer g.Release()
	if s.count.Load()+1 > s.fillCapacity {
		s.resizeLocked(nextPowerOfTwoAbove(2 * (s.count.Load() + 1)))
	}
	idx := s.bucketIndex(hashNew)
	if s.buckets[idx].FindUnsafe(newKey, keysEqual[K]) != nil {
		return false
	}
	n.key = newKey
	s.buckets[idx].InsertUnsafe(n)
	n.storeBucket(idx)
	s.count.Add(1)
	return true
}

// ReattachAfterFailedRekey restores a node detached by DetachForRekey
// back to its original shard and bucket after an aborted cross-shard
// rekey, so the node is never lost.
func (s *subMap[K, V]) ReattachAfterFailedRekey(n *node[K, V], hashOld uint64) {
	g := NewMRWWriteGuard(&s.lock)
	defer g.Release()
	idx := s.bucketIndex(hashOld)
	s.buckets[idx].InsertUnsafe(n)
	n.storeBucket(idx)
	s.count.Add(1)
}

// Clear empties this shard's bucket array and count without touching
// the shared pool; the caller is responsible for clearing the pool
// itself once every shard has been cleared.
func (s *subMap[K, V]) Clear() {
	g := NewMRWWriteGuard(&s.lock)
	defer g.Release()
	for i := range s.buckets {
		s.buckets[i].ResetUnsafe()
	}
	s.count.Store(0)
}

// Reserve pre-sizes this shard's bucket table so it can hold n entries
// at the standard 7/8 fill factor without further resize.
func (s *subMap[K, V]) Reserve(n uint32) {
	needed := nextPowerOfTwoAbove((n * 8) / 7)
	s.Resize(needed)
}

// ForEach invokes fn once per node currently linked in this shard's
// buckets. Not stable under concurrent mutation. The Map's ForEach walks
// the shared pool instead and is likewise not stable under concurrent
// mutation.
func (s *subMap[K, V]) ForEach(fn func(key K, value V)) {
	g := NewMRWReadGuard(&s.lock)
	defer g.Release()
	for i := range s.buckets {
		for cur := s.buckets[i].head; cur != nil; cur = cur.next {
			fn(cur.key, cur.value)
		}
	}
}
