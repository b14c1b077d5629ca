package phmap

import uatomic "go.uber.org/atomic"

// pagingPool is a grow-only pool of fixed-capacity pages sharing one
// lock-free free-page list. It never frees an individual page; pages
// are only reclaimed in bulk by Clear or when the pool itself is
// dropped.
//
// Grounded on original_source/src/custom_hashmap/paging_object_pool.h.
// numPages, count and freeListHead use go.uber.org/atomic's typed
// counters (grounded on grafana-loki/go.mod); these types carry no
// cache-line padding, so the fields share cache lines with each other.
type pagingPool[K comparable, V any] struct {
	pageSize uint32

	pageListLock CountingSpinlock // multi-reader/writer discipline
	pages        []*page[K, V]
	numPages     uatomic.Uint32 // incremented under pageListLock's write guard; loaded atomically without the lock
	pageCapacity uint32

	count        uatomic.Uint32
	freeListHead uatomic.Uint64
}

type page[K comparable, V any] struct {
	slots         *fixedPool[node[K, V]]
	pageIndex     uint32
	nextFreeIndex uatomic.Uint32

	// pad prevents false sharing between adjacent pages' nextFreeIndex
	// words, which the free-page list CASes independently per page.
	pad [CacheLineSize]byte
}

func newPagingPool[K comparable, V any](pageSize uint32) *pagingPool[K, V] {
	if pageSize == 0 || pageSize&(pageSize-1) != 0 {
		panic("phmap: pagingPool page size must be a power of two")
	}
	p := &pagingPool[K, V]{pageSize: pageSize}
	p.freeListHead.Store(emptyFreeListHead)
	return p
}

// pushFreePage enqueues pPage onto the free list. Double-push is
// prevented by first transitioning its nextFreeIndex from invalidPage
// to swappingPage via CAS; if that fails, the page is already enqueued.
func (p *pagingPool[K, V]) pushFreePage(pg *page[K, V]) {
	if pg == nil {
		return
	}
	spins := 0
	setSwapping := false
	for pg.nextFreeIndex.Load() == invalidPage && !setSwapping {
		setSwapping = pg.nextFreeIndex.CompareAndSwap(invalidPage, swappingPage)
		if !setSwapping {
			spinWait(&spins)
		}
	}
	if !setSwapping {
		return
	}

	for {
		cur := p.freeListHead.Load()
		curHeadIdx, _, counter := unpackFreeListHead(cur)

		nextHeadIdx := pg.pageIndex
		nextNextIdx := curHeadIdx
		nextCounter := counter + 1

		pg.nextFreeIndex.Store(curHeadIdx)
		candidate := packFreeListHead(nextHeadIdx, nextNextIdx, nextCounter)
		if p.freeListHead.CompareAndSwap(cur, candidate) {
			return
		}
	}
}

// popFreePage dequeues a page with at least one free slot, or nil if
// the free list is empty.
func (p *pagingPool[K, V]) popFreePage() *page[K, V] {
	for {
		cur := p.freeListHead.Load()
		curHeadIdx, curNextIdx, counter := unpackFreeListHead(cur)

		if curHeadIdx == tailPage {
			return nil
		}

		var nextOfNext uint32 = tailPage
		var nextPage *page[K, V]
		if curNextIdx < p.loadNumPages() {
			g := NewMRWReadGuard(&p.pageListLock)
			nextPage = p.pages[curNextIdx]
			g.Release()
		}
		if nextPage != nil {
			nextOfNext = nextPage.nextFreeIndex.Load()
		}
		if nextOfNext == invalidPage || nextOfNext == swappingPage {
			// Concurrent push in progress on the list tail; retry.
			continue
		}

		candidate := packFreeListHead(curNextIdx, nextOfNext, counter+1)
		if p.freeListHead.CompareAndSwap(cur, candidate) {
			g := NewMRWReadGuard(&p.pageListLock)
			popped := p.pages[curHeadIdx]
			g.Release()
			popped.nextFreeIndex.Store(invalidPage)
			return popped
		}
	}
}

func (p *pagingPool[K, V]) loadNumPages() uint32 {
	return p.numPages.Load()
}

const initialPageCapacity = 4

// allocateNewPage grows the page vector and publishes the new page onto
// the free list. Every mutation of the page vector — the capacity grow
// and the append that publishes the new page — happens under a single
// write-guard hold; nothing downgrades to a read lock until the vector
// is in its final, consistent state. Two concurrent allocateNewPage
// calls would otherwise be able to race on the same append under only a
// read guard, corrupting the slice header.
func (p *pagingPool[K, V]) allocateNewPage() *page[K, V] {
	newPage := &page[K, V]{slots: newFixedPool[node[K, V]](p.pageSize)}
	newPage.nextFreeIndex.Store(invalidPage)

	writeGuard := NewMRWWriteGuard(&p.pageListLock)
	newNumPages := p.numPages.Inc()
	if newNumPages > p.pageCapacity {
		newCapacity := p.pageCapacity * 2
		if newCapacity == 0 {
			newCapacity = initialPageCapacity
		}
		if newCapacity < newNumPages {
			newCapacity = newNumPages * 2
		}
		grown := make([]*page[K, V], newNumPages-1, newCapacity)
		copy(grown, p.pages)
		p.pages = grown
		p.pageCapacity = newCapacity
	}

	newIndex := newNumPages - 1
	newPage.pageIndex = newIndex
	p.pages = append(p.pages[:newIndex], newPage)
	writeGuard.Release()

	p.pushFreePage(newPage)
	return newPage
}

// Reserve claims a node slot from any page with space, allocating a new
// page if none has room, and returns the reserved node's pointer. The
// owning page's index is stored in the node's pageIdx for Release.
func (p *pagingPool[K, V]) Reserve() *node[K, V] {
	for {
		pg := p.popFreePage()
		if pg == nil {
			p.allocateNewPage()
			continue
		}
		n, _, ok := pg.slots.Reserve()
		if !ok {
			// Lost the race for the last slot; this page is already
			// full from another goroutine's perspective, try again.
			continue
		}
		n.pageIdx = pg.pageIndex
		p.count.Inc()
		if !pg.slots.IsFull() {
			p.pushFreePage(pg)
		}
		return n
	}
}

// Release returns n's slot to its owning page and re-enqueues that page
// on the free list (it now has at least one free slot).
func (p *pagingPool[K, V]) Release(n *node[K, V]) bool {
	pageIdx := n.pageIdx
	if pageIdx >= p.loadNumPages() {
		return false
	}
	g := NewMRWReadGuard(&p.pageListLock)
	pg := p.pages[pageIdx]
	g.Release()

	released := pg.slots.Release(n)
	if released {
		p.count.Dec()
	}
	p.pushFreePage(pg)
	return released
}

// PreallocateSpace ensures the pool has enough pages for numObjects
// without further page growth.
func (p *pagingPool[K, V]) PreallocateSpace(numObjects uint32) {
	pagesNeeded := (numObjects + p.pageSize - 1) / p.pageSize
	for i := uint32(0); i < pagesNeeded; i++ {
		p.allocateNewPage()
	}
}

func (p *pagingPool[K, V]) Size() uint32 {
	return p.count.Load()
}

func (p *pagingPool[K, V]) Capacity() uint32 {
	return p.loadNumPages() * p.pageSize
}

// Clear drops every page, resetting the pool to empty.
func (p *pagingPool[K, V]) Clear() {
	g := NewMRWWriteGuard(&p.pageListLock)
	p.pages = nil
	p.numPages.Store(0)
	p.pageCapacity = 0
	g.Release()
	p.freeListHead.Store(emptyFreeListHead)
	p.count.Store(0)
}

// pagingPoolIterator walks pages in order, yielding live nodes from
// each page's internal slot iterator. Not stable under mutation.
type pagingPoolIterator[K comparable, V any] struct {
	pool      *pagingPool[K, V]
	pageIdx   uint32
	pageIter  *fixedPoolIterator[node[K, V]]
}

func (p *pagingPool[K, V]) Iterator() *pagingPoolIterator[K, V] {
	it := &pagingPoolIterator[K, V]{pool: p}
	it.advanceToLive()
	return it
}

func (it *pagingPoolIterator[K, V]) advanceToLive() {
	numPages := it.pool.loadNumPages()
	for it.pageIter == nil || it.pageIter.Done() {
		if it.pageIdx >= numPages {
			it.pageIter = nil
			return
		}
		g := NewMRWReadGuard(&it.pool.pageListLock)
		pg := it.pool.pages[it.pageIdx]
		g.Release()
		it.pageIter = pg.slots.Iterator()
		it.pageIdx++
	}
}

func (it *pagingPoolIterator[K, V]) Done() bool {
	return it.pageIter == nil
}

func (it *pagingPoolIterator[K, V]) Next() *node[K, V] {
	if it.Done() {
		return nil
	}
	v := it.pageIter.Next()
	it.advanceToLive()
	return v
}
