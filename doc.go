// Package phmap implements a concurrent, sharded, open-hashing key/value
// map built on two substrates: a reader-writer counting spinlock
// (CountingSpinlock) and a paged, slab-style object pool with a
// lock-free free-page list (pagingPool). The map shards its key space
// across independent sub-maps, each owning a bucket table, a lock, and
// nodes drawn from one pool shared across all shards.
//
// Insert, Find and Erase each have a concurrent form, safe under
// arbitrary multi-threaded access, and a "Lockless" sibling that
// assumes the caller provides external mutual exclusion. Rekey, Clear,
// Reserve, Size and ForEach have no Lockless sibling.
package phmap
