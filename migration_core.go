package lfmap

import "sync/atomic"

// migrationSource is one table being drained by a migration: its size
// (a power of two) and the cursor workers fetchAdd to claim disjoint
// migrationUnitSize ranges of it.
type migrationSource struct {
	size   uint64
	cursor atomic.Uint64
}

// migrationCore implements the worker-count/end-flag protocol shared
// verbatim by Linear, Leapfrog, and Grampa table migrations (and, with
// units counted in leaf pointers rather than cells, FlatTree migrations): any
// number of goroutines may call run concurrently; all but the very
// last one to leave return immediately once the sources are exhausted,
// an overflow is detected, or the unit count reaches zero.
type migrationCore struct {
	sources        []*migrationSource
	workerStatus   atomic.Uint64 // worker count in bits 1.., end flag in bit 0
	overflowed     atomic.Bool
	unitsRemaining atomic.Int64
}

func newMigrationCore(sizes []uint64, unitSize uint64) *migrationCore {
	c := &migrationCore{}
	units := int64(0)
	for _, sz := range sizes {
		c.sources = append(c.sources, &migrationSource{size: sz})
		units += int64((sz-1)/unitSize) + 1
	}
	c.unitsRemaining.Store(units)
	return c
}

// run drives the shared protocol. migrateRange must migrate one unit
// starting at the given offset within the given source index and
// report success. onLastWorker is invoked exactly once, by whichever
// goroutine turns out to be the last worker to leave, with the final
// overflowed flag.
func (c *migrationCore) run(unitSize uint64, migrateRange func(sourceIdx int, start uint64) bool, onLastWorker func(overflowed bool)) {
	for {
		status := c.workerStatus.Load()
		if status&1 != 0 {
			return
		}
		if c.workerStatus.CompareAndSwap(status, status+2) {
			break
		}
	}

sourcesLoop:
	for si, src := range c.sources {
		for {
			if c.workerStatus.Load()&1 != 0 {
				break sourcesLoop
			}
			start := src.cursor.Add(unitSize) - unitSize
			if start >= src.size {
				break // exhausted this source; move to the next one
			}
			if !migrateRange(si, start) {
				c.overflowed.Store(true)
				fetchOrUint64(&c.workerStatus, 1)
				break sourcesLoop
			}
			if c.unitsRemaining.Add(-1) == 0 {
				fetchOrUint64(&c.workerStatus, 1)
				break sourcesLoop
			}
		}
	}

	// workerStatus.Add returns the value after subtracting; add 2 back
	// to recover the value just before this worker left, matching the
	// "last worker observes status==3" condition from the protocol.
	newStatus := c.workerStatus.Add(^uint64(1))
	if newStatus+2 >= 4 {
		return
	}
	onLastWorker(c.overflowed.Load())
}

// fetchOrUint64 atomically ORs bit into *a and returns the prior value,
// for targets compiled against a Go version predating atomic.Uint64.Or.
func fetchOrUint64(a *atomic.Uint64, bit uint64) uint64 {
	for {
		old := a.Load()
		if old&bit == bit {
			return old
		}
		if a.CompareAndSwap(old, old|bit) {
			return old
		}
	}
}
