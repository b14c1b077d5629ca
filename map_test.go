package phmap

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// S1: literal small insert/find/erase scenario.
func TestMapScenarioS1(t *testing.T) {
	m := New[int, int]()
	keys := []int{1, 2, 3, 4}
	values := []int{2, 4, 6, 8}
	for i, k := range keys {
		if inserted, _ := m.Insert(k, values[i]); !inserted {
			t.Fatalf("insert %d failed", k)
		}
	}
	if m.Size() != 4 {
		t.Fatalf("size = %d, want 4", m.Size())
	}
	if v, ok := m.Find(3); !ok || v != 6 {
		t.Fatalf("find(3) = (%v, %v), want (6, true)", v, ok)
	}
	if !m.Erase(2) {
		t.Fatal("expected erase(2) to succeed")
	}
	if m.Size() != 3 {
		t.Fatalf("size = %d after erase, want 3", m.Size())
	}
	if _, ok := m.Find(2); ok {
		t.Fatal("expected find(2) to fail after erase")
	}
}

// S2: 10,000 sequential keys inserted from 16 threads, sharded by key
// mod 16, then verified in full.
func TestMapScenarioS2(t *testing.T) {
	m := New[int, int](WithShardCount[int, int](16))
	const n = 10000
	const threads = 16

	var eg errgroup.Group
	for t := 0; t < threads; t++ {
		t := t
		eg.Go(func() error {
			for k := t; k < n; k += threads {
				m.Insert(k, k*2)
			}
			return nil
		})
	}
	require.NoError(t, eg.Wait())

	require.EqualValues(t, n, m.Size())
	for k := 0; k < n; k++ {
		v, ok := m.Find(k)
		require.True(t, ok, "find(%d)", k)
		require.Equal(t, k*2, v)
	}
}

// S3 / L3: rekey every key in 1..1024 to key+10_000_000 and verify the
// old key is gone and the new key holds the old value.
func TestMapScenarioS3RekeyEquivalence(t *testing.T) {
	m := New[int, int]()
	for i := 1; i <= 1024; i++ {
		m.Insert(i, i*2)
	}
	for i := 1; i <= 1024; i++ {
		if !m.Rekey(i, i+10_000_000) {
			t.Fatalf("rekey(%d) failed", i)
		}
	}
	if m.Size() != 1024 {
		t.Fatalf("size = %d after rekeying all, want 1024", m.Size())
	}
	for i := 1; i <= 1024; i++ {
		if _, ok := m.Find(i); ok {
			t.Fatalf("find(%d) should fail after rekey", i)
		}
		v, ok := m.Find(i + 10_000_000)
		if !ok || v != i*2 {
			t.Fatalf("find(%d) = (%v, %v), want (%d, true)", i+10_000_000, v, ok, i*2)
		}
	}
}

// S4: 90% find / 10% insert on a preloaded 10,000-key set from 16
// threads; no node leaks afterward (P5).
func TestMapScenarioS4ReadHeavyWorkloadNoLeaks(t *testing.T) {
	m := New[int, int](WithShardCount[int, int](16))
	const preloaded = 10000
	for i := 0; i < preloaded; i++ {
		m.Insert(i, i)
	}

	const threads = 16
	const opsPerThread = 2000 // scaled down from the spec's 100,000 for test runtime
	var insertedNew int64
	var mu sync.Mutex
	var wg sync.WaitGroup

	for t := 0; t < threads; t++ {
		t := t
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := 0
			for i := 0; i < opsPerThread; i++ {
				key := (t*opsPerThread + i) % (preloaded * 2)
				if i%10 == 0 {
					if inserted, _ := m.Insert(key, key); inserted && key >= preloaded {
						local++
					}
				} else {
					m.Find(key)
				}
			}
			mu.Lock()
			insertedNew += int64(local)
			mu.Unlock()
		}()
	}
	wg.Wait()

	size := m.Size()
	if size < preloaded || size > preloaded+insertedNew {
		t.Fatalf("size = %d, want in [%d, %d]", size, preloaded, preloaded+insertedNew)
	}
	if uint32(size) != m.pool.Size() {
		t.Fatalf("pool.count = %d, size = %d: node leak detected", m.pool.Size(), size)
	}
}

// S5: contended inserts over a small key space from 16 threads; final
// size is bounded by the key space and every successfully inserted key
// remains findable.
func TestMapScenarioS5ContendedSmallKeySpace(t *testing.T) {
	m := New[int, int]()
	const threads = 16
	const keySpace = 100

	var mu sync.Mutex
	successful := map[int]bool{}
	var wg sync.WaitGroup
	for t := 0; t < threads; t++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for k := 0; k < keySpace; k++ {
				if inserted, _ := m.Insert(k, k); inserted {
					mu.Lock()
					successful[k] = true
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	if m.Size() > keySpace {
		t.Fatalf("size = %d, want <= %d", m.Size(), keySpace)
	}
	for k := range successful {
		if _, ok := m.Find(k); !ok {
			t.Fatalf("key %d was successfully inserted but is not findable", k)
		}
	}
}

// S6 / P4: iteration over {7, 42, 99} yields exactly those keys, once
// each.
func TestMapScenarioS6Iteration(t *testing.T) {
	m := New[int, int]()
	want := []int{7, 42, 99}
	for _, k := range want {
		m.Insert(k, k)
	}
	seen := map[int]int{}
	m.ForEach(func(k, v int) {
		seen[k]++
	})
	if len(seen) != len(want) {
		t.Fatalf("saw %d distinct keys, want %d", len(seen), len(want))
	}
	for _, k := range want {
		if seen[k] != 1 {
			t.Fatalf("key %d visited %d times, want exactly once", k, seen[k])
		}
	}
}

// L1: erase is idempotent.
func TestMapLawL1EraseIdempotent(t *testing.T) {
	m := New[int, int]()
	m.Insert(1, 1)
	if !m.Erase(1) {
		t.Fatal("first erase should succeed")
	}
	sizeAfterFirst := m.Size()
	if m.Erase(1) {
		t.Fatal("second erase of the same key should return false")
	}
	if m.Size() != sizeAfterFirst {
		t.Fatalf("size changed on a no-op erase: %d != %d", m.Size(), sizeAfterFirst)
	}
}

// L2: round-trip insert/erase of n distinct keys returns the map (and
// its pool) to empty.
func TestMapLawL2RoundTripInsertErase(t *testing.T) {
	m := New[int, int]()
	const n = 500
	for i := 0; i < n; i++ {
		m.Insert(i, i)
	}
	for i := 0; i < n; i++ {
		if !m.Erase(i) {
			t.Fatalf("erase(%d) failed", i)
		}
	}
	if m.Size() != 0 {
		t.Fatalf("size = %d after round trip, want 0", m.Size())
	}
	if m.pool.Size() != 0 {
		t.Fatalf("pool.count = %d after round trip, want 0", m.pool.Size())
	}
}

// L4: sharding is a pure function of the key.
func TestMapLawL4ShardingIsStable(t *testing.T) {
	m := New[int, int]()
	for k := 0; k < 1000; k++ {
		hash := m.hashFn(k)
		idx1 := m.shardIndex(hash)
		idx2 := m.shardIndex(m.hashFn(k))
		if idx1 != idx2 {
			t.Fatalf("key %d routed to different shards on repeated hashing: %d != %d", k, idx1, idx2)
		}
	}
}

// P1/P2/P3/P5: after a mixed sequence of inserts and erases, every
// surviving key is findable with its last-written value, size matches
// the reference count, and the pool's live count matches size.
func TestMapPropertiesAfterMixedWorkload(t *testing.T) {
	m := New[int, int]()
	shadow := map[int]int{}

	for i := 0; i < 2000; i++ {
		key := i % 300
		if i%3 == 0 && shadow[key] != 0 {
			m.Erase(key)
			delete(shadow, key)
			continue
		}
		if inserted, _ := m.Insert(key, i); inserted {
			shadow[key] = i
		}
	}

	if int(m.Size()) != len(shadow) {
		t.Fatalf("size = %d, want %d", m.Size(), len(shadow))
	}
	for k, v := range shadow {
		got, ok := m.Find(k)
		if !ok || got != v {
			t.Fatalf("find(%d) = (%v, %v), want (%d, true)", k, got, ok, v)
		}
	}
	if uint32(m.Size()) != m.pool.Size() {
		t.Fatalf("pool.count = %d, size = %d", m.pool.Size(), m.Size())
	}

	var shardTotal uint32
	for _, shard := range m.shards {
		shardTotal += shard.Size()
	}
	if int64(shardTotal) != m.Size() {
		t.Fatalf("sum of shard counts = %d, map size = %d", shardTotal, m.Size())
	}
}

func TestMapClearEmptiesEverything(t *testing.T) {
	m := New[int, int]()
	for i := 0; i < 100; i++ {
		m.Insert(i, i)
	}
	m.Clear()
	if m.Size() != 0 {
		t.Fatalf("size = %d after Clear, want 0", m.Size())
	}
	if m.pool.Size() != 0 {
		t.Fatalf("pool.count = %d after Clear, want 0", m.pool.Size())
	}
	if inserted, _ := m.Insert(1, 1); !inserted {
		t.Fatal("expected map to be usable again after Clear")
	}
}

func TestMapReservePreSizesShards(t *testing.T) {
	m := New[int, int](WithShardCount[int, int](4))
	m.Reserve(1000)
	for _, shard := range m.shards {
		if shard.fillCapacity < 1000/4 {
			t.Fatalf("shard fill capacity %d too small after Reserve(1000)", shard.fillCapacity)
		}
	}
	for i := 0; i < 1000; i++ {
		if inserted, _ := m.Insert(i, i); !inserted {
			t.Fatalf("insert %d failed after Reserve", i)
		}
	}
	if m.Size() != 1000 {
		t.Fatalf("size = %d, want 1000", m.Size())
	}
}

func TestMapWithHasherOption(t *testing.T) {
	calls := 0
	m := New[int, int](WithHasher[int, int](func(k int) uint64 {
		calls++
		return uint64(k)
	}))
	m.Insert(5, 50)
	if v, ok := m.Find(5); !ok || v != 50 {
		t.Fatalf("find(5) = (%v, %v), want (50, true)", v, ok)
	}
	if calls == 0 {
		t.Fatal("expected the custom hasher to have been invoked")
	}
}
