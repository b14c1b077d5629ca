package phmap

// bucketTag is the node's backpointer into the shard that holds it, or
// one of two reserved sentinels. It is a tagged discriminant rather
// than a bare integer: the common variant (a real bucket index) shares
// the 32-bit range with two out-of-band values.
//
// Grounded on original_source/src/custom_hashmap/hash_map.h's Node
// (c_invalidBucket / c_reassigningBucket).
type bucketTag = uint32

const (
	// bucketInvalid marks a node that is unlinked or pending insert.
	bucketInvalid bucketTag = 0xFFFFFFFF
	// bucketReassigning marks a node mid-move during a rekey: it is
	// logically out of the index and must not be destroyed by a
	// concurrent erase.
	bucketReassigning bucketTag = 0xFFFFFFFE
)

// node is the Map's allocated record. Nodes live in slots owned by the
// shared pagingPool; their storage is never individually freed, only
// recycled via fixedPool.Release/pagingPool.Release.
//
// bucket is a plain uint32 rather than an atomic.Uint32 wrapper: node is
// the T instantiated into fixedPool[T]'s inline slab, and
// fixedPool.Reserve/Release/Clear zero a slot by assigning a whole T by
// value — legal only if T carries no noCopy-tagged field. Atomicity
// comes from loadU32/storeU32 (atomic_util.go) operating on &n.bucket,
// not from the field's type.
type node[K comparable, V any] struct {
	key     K
	value   V
	next    *node[K, V]
	bucket  uint32 // bucketTag, accessed via loadU32/storeU32
	pageIdx uint32 // backpointer into the owning pagingPool page
}

func (n *node[K, V]) loadBucket() bucketTag   { return loadU32(&n.bucket) }
func (n *node[K, V]) storeBucket(b bucketTag) { storeU32(&n.bucket, b) }
