package phmap

import (
	"time"
	_ "unsafe" // for go:linkname
)

// CountingSpinlock packs reader/writer state into a single 32-bit word.
// Two incompatible encodings share the same word, selected by which
// discipline's methods the call site uses:
//
//   - standard: bit 31 is a single-writer bit, bits 0..30 are a reader
//     count (AcquireRead / AcquireWrite / Convert*).
//   - multi-reader/writer: low 16 bits are a reader count, high 16 bits
//     are a writer count in units of 0x10000 (AcquireMRWRead /
//     AcquireMRWWrite / Convert*). Used by shards and the paging pool's
//     page-vector lock.
//   - write-priority: same layout as multi-reader/writer, but a reader
//     that observes a pending writer backs out its increment and waits,
//     starving readers in favor of writer forward progress
//     (AcquireWPRead / AcquireWPWrite / Convert*).
//
// A given lock must only be exercised under one discipline per
// call-site convention; the word's bit layout is not self-describing.
//
// word is a plain uint32, not an atomic.Uint32: all access goes through
// atomic_util.go's loadU32/fetchAddU32/fetchOrU32/fetchAndU32 so that
// CountingSpinlock itself carries no noCopy-tagged field (see node.go's
// bucket field for why that matters to fixedPool's slab).
type CountingSpinlock struct {
	word uint32
}

const (
	writeLockBit = 0x80000000

	mrwWriteIncrement = 0x10000
	mrwWriteMask      = 0xFFFF0000
	mrwReadMask       = 0x0000FFFF
)

// watchdogBudget bounds every acquisition loop purely as a debugging
// signal: exhausting it is logged, never fatal, and the acquisition
// keeps spinning afterward. Real contention resolves in far fewer
// iterations; this exists to surface livelock during development.
const watchdogBudget = 1 << 20

// spinWait backs off a caller stuck in an acquire loop. It mirrors the
// teacher's bucket-lock backoff (mapof.go's delay/runtime_canSpin/
// runtime_doSpin): spin with a CPU pause hint while the runtime thinks
// spinning is profitable, then fall back to a short sleep.
func spinWait(spins *int) {
	if runtime_canSpin(*spins) {
		runtime_doSpin()
		*spins++
		return
	}
	time.Sleep(500 * time.Microsecond)
	*spins = 0
}

func watchdog(iter int, where string) {
	if iter == watchdogBudget {
		logInvariant("lock watchdog exhausted", "where", where)
	}
}

//go:linkname runtime_canSpin sync.runtime_canSpin
//go:nosplit
func runtime_canSpin(i int) bool

//go:linkname runtime_doSpin sync.runtime_doSpin
//go:nosplit
func runtime_doSpin()

// ---- standard discipline ----

// AcquireRead increments the reader count. If a writer holds the lock,
// it spins until the writer bit clears; the increment is never undone
// while waiting, so readers never starve each other.
func (l *CountingSpinlock) AcquireRead() {
	spins := 0
	for i := 0; ; i++ {
		watchdog(i, "AcquireRead")
		prev := fetchAddU32(&l.word, 1)
		if prev&writeLockBit == 0 {
			return
		}
		for loadU32(&l.word)&writeLockBit != 0 {
			spinWait(&spins)
		}
		return
	}
}

// ReleaseReadOnlyAccess decrements the reader count.
func (l *CountingSpinlock) ReleaseReadOnlyAccess() {
	fetchAddU32(&l.word, ^uint32(0))
}

// AcquireWrite sets the writer bit, retrying if another writer already
// holds it, then waits until no readers remain.
func (l *CountingSpinlock) AcquireWrite() {
	spins := 0
	for i := 0; ; i++ {
		watchdog(i, "AcquireWrite")
		prev := fetchOrU32(&l.word, writeLockBit)
		if prev&writeLockBit != 0 {
			// Someone else already owns the writer bit; back off and retry.
			spinWait(&spins)
			continue
		}
		for loadU32(&l.word)&^writeLockBit != 0 {
			spinWait(&spins)
		}
		return
	}
}

// ReleaseReadAndWriteAccess clears the writer bit.
func (l *CountingSpinlock) ReleaseReadAndWriteAccess() {
	fetchAndU32(&l.word, ^uint32(writeLockBit))
}

// ConvertFromReadToWriteLock upgrades a held read lock to a write lock
// in place: release our read count, then wait for exclusive ownership.
func (l *CountingSpinlock) ConvertFromReadToWriteLock() {
	fetchAddU32(&l.word, ^uint32(0))
	l.AcquireWrite()
}

// ConvertFromWriteToReadLock downgrades a held write lock to a read
// lock in place.
func (l *CountingSpinlock) ConvertFromWriteToReadLock() {
	fetchAddU32(&l.word, 1)
	fetchAndU32(&l.word, ^uint32(writeLockBit))
}

// ---- multi-reader/writer discipline ----

// AcquireMRWRead increments the low 16 bits unconditionally (reader
// priority: the increment is never undone), then waits for any
// in-progress writer to finish.
func (l *CountingSpinlock) AcquireMRWRead() {
	spins := 0
	fetchAddU32(&l.word, 1)
	for i := 0; loadU32(&l.word)&mrwWriteMask != 0; i++ {
		watchdog(i, "AcquireMRWRead")
		spinWait(&spins)
	}
}

// ReleaseMRWReadAccess decrements the reader count.
func (l *CountingSpinlock) ReleaseMRWReadAccess() {
	fetchAddU32(&l.word, ^uint32(0))
}

// AcquireMRWWrite adds a writer increment; success requires observing
// exactly our own increment (no readers, no other writer), otherwise it
// undoes the increment and spins until the word is fully clear before
// retrying.
func (l *CountingSpinlock) AcquireMRWWrite() {
	spins := 0
	for i := 0; ; i++ {
		watchdog(i, "AcquireMRWWrite")
		old := fetchAddU32(&l.word, mrwWriteIncrement)
		if old == 0 {
			return
		}
		fetchAddU32(&l.word, ^uint32(mrwWriteIncrement-1))
		for loadU32(&l.word) != 0 {
			spinWait(&spins)
		}
	}
}

// ReleaseMRWWriteAccess subtracts our writer increment.
func (l *CountingSpinlock) ReleaseMRWWriteAccess() {
	fetchAddU32(&l.word, ^uint32(mrwWriteIncrement-1))
}

// ConvertFromMRWReadToWriteLock optimistically adds the writer
// increment and removes our reader increment; if other readers remain,
// it undoes both and falls back to a clean write acquisition.
func (l *CountingSpinlock) ConvertFromMRWReadToWriteLock() {
	fetchAddU32(&l.word, mrwWriteIncrement)
	fetchAddU32(&l.word, ^uint32(0))
	if loadU32(&l.word)&mrwReadMask != 0 {
		fetchAddU32(&l.word, ^uint32(mrwWriteIncrement-1))
		spins := 0
		for i := 0; ; i++ {
			watchdog(i, "ConvertFromMRWReadToWriteLock-fallback")
			old := fetchAddU32(&l.word, mrwWriteIncrement)
			if old == 0 {
				return
			}
			fetchAddU32(&l.word, ^uint32(mrwWriteIncrement-1))
			for loadU32(&l.word) != 0 {
				spinWait(&spins)
			}
		}
	}
}

// ConvertFromMRWWriteToReadLock downgrades: add a reader, remove our
// writer increment.
func (l *CountingSpinlock) ConvertFromMRWWriteToReadLock() {
	fetchAddU32(&l.word, 1)
	fetchAddU32(&l.word, ^uint32(mrwWriteIncrement-1))
}

// ---- write-priority discipline ----
// Same word layout as multi-reader/writer, but a reader that observes a
// pending writer undoes its increment and waits, rather than holding
// its place — starving readers in favor of writer forward progress.

func (l *CountingSpinlock) AcquireWPRead() {
	spins := 0
	for i := 0; ; i++ {
		watchdog(i, "AcquireWPRead")
		fetchAddU32(&l.word, 1)
		if loadU32(&l.word)&mrwWriteMask == 0 {
			return
		}
		fetchAddU32(&l.word, ^uint32(0))
		for loadU32(&l.word)&mrwWriteMask != 0 {
			spinWait(&spins)
		}
	}
}

func (l *CountingSpinlock) ReleaseWPReadAccess() {
	fetchAddU32(&l.word, ^uint32(0))
}

func (l *CountingSpinlock) AcquireWPWrite() {
	// Identical acquisition rule to the multi-reader/writer discipline;
	// the write-priority behavior lives entirely on the reader side.
	l.AcquireMRWWrite()
}

func (l *CountingSpinlock) ReleaseWPWriteAccess() {
	l.ReleaseMRWWriteAccess()
}

func (l *CountingSpinlock) ConvertFromWPReadToWriteLock() {
	l.ConvertFromMRWReadToWriteLock()
}

func (l *CountingSpinlock) ConvertFromWPWriteToReadLock() {
	l.ConvertFromMRWWriteToReadLock()
}
