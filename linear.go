package lfmap

import (
	"sync"
	"sync/atomic"
)

const (
	linearInitialSize    = 8
	migrationUnitSize    = 32
	cellsInUseSampleSize = 256
)

// linearTable is the single-array, linearly-probed table core used by
// LinearMap. cellsRemaining bounds the load factor at 75%: once it
// reaches zero no further cell may be reserved, forcing the caller to
// grow into a new table instead of probing forever.
type linearTable struct {
	cells          []cell
	sizeMask       uint64
	cellsRemaining atomic.Int64
	mu             sync.Mutex // guards double-checked creation of a migration
	coord          *JobCoordinator
}

func newLinearTable(size int) *linearTable {
	t := &linearTable{
		cells:    make([]cell, size),
		sizeMask: uint64(size - 1),
		coord:    NewJobCoordinator(),
	}
	t.cellsRemaining.Store(int64(float64(size) * 0.75))
	return t
}

func (t *linearTable) numMigrationUnits() int {
	return int(t.sizeMask/migrationUnitSize) + 1
}

// find returns the cell holding hash, or nil if no such cell exists in
// this table (the probe terminated at an empty slot).
func (t *linearTable) find(hash uint64) *cell {
	idx := hash & t.sizeMask
	for {
		c := &t.cells[idx]
		h := c.hash.Load()
		if h == hash {
			return c
		}
		if h == NullHash {
			return nil
		}
		idx = (idx + 1) & t.sizeMask
	}
}

// insertOrFind locates hash's cell, reserving a new one if necessary.
// See spec §4.1 for the exact CAS-race resolution this encodes.
func (t *linearTable) insertOrFind(hash uint64) (*cell, probeOutcome) {
	idx := hash & t.sizeMask
	for {
		c := &t.cells[idx]
		h := c.hash.Load()
		if h == hash {
			return c, outcomeAlreadyPresent
		}
		if h == NullHash {
			if t.cellsRemaining.Add(-1) <= 0 {
				t.cellsRemaining.Add(1)
				return nil, outcomeOverflow
			}
			if c.hash.CompareAndSwap(NullHash, hash) {
				return c, outcomeInserted
			}
			t.cellsRemaining.Add(1)
			if c.hash.Load() == hash {
				return c, outcomeAlreadyPresent
			}
			// Lost the race to a different hash; the cell is occupied now,
			// so move on to the next slot without revisiting this one.
		}
		idx = (idx + 1) & t.sizeMask
	}
}

// linearMigration copies every live cell out of one or more source
// linearTables into a single, larger destination. It implements Job so
// any number of goroutines can drive it via JobCoordinator.Participate.
// The worker-count/end-flag protocol itself lives in migrationCore,
// shared with the Leapfrog and Grampa migrations.
type linearMigration struct {
	shell  *LinearMap
	tables []*linearTable // parallel to core.sources, for retire/locking
	dest   *linearTable
	core   *migrationCore
}

func newLinearMigration(shell *LinearMap, sources []*linearTable, dest *linearTable) *linearMigration {
	sizes := make([]uint64, len(sources))
	for i, s := range sources {
		sizes[i] = s.sizeMask + 1
	}
	return &linearMigration{
		shell:  shell,
		tables: sources,
		dest:   dest,
		core:   newMigrationCore(sizes, migrationUnitSize),
	}
}

// migrateRange drains one migrationUnitSize-sized unit of the source
// table at sourceIdx starting at startIdx (mod its size) into m.dest.
// It returns false if a live cell's destination insert overflowed.
func (m *linearMigration) migrateRange(sourceIdx int, startIdx uint64) bool {
	srcTable := m.tables[sourceIdx]
	sizeMask := srcTable.sizeMask
	end := startIdx + migrationUnitSize
	if end > sizeMask+1 {
		end = sizeMask + 1
	}
	insertDest := func(hash uint64) (*cell, probeOutcome) {
		return m.dest.insertOrFind(hash)
	}
	for idx := startIdx; idx < end; idx++ {
		c := &srcTable.cells[idx&sizeMask]
		if migrateCell(c, insertDest, &DefaultValueTraits) {
			return false
		}
	}
	return true
}

// Run implements Job. It is the direct translation of
// TableMigration::run: join as a worker unless the end flag is already
// set, claim migration units across every source until none remain or
// the end flag appears, then let the last worker out perform whichever
// post-migration step the outcome calls for.
func (m *linearMigration) Run() {
	m.core.run(migrationUnitSize, m.migrateRange, func(overflowed bool) {
		if !overflowed {
			m.shell.publishLinearMigration(m)
			m.tables[0].coord.End()
		} else {
			m.shell.recoverOverflowedLinearMigration(m)
		}
		m.shell.registry().Enqueue(m.retire)
	})
}

// retire is run once by the reclamation registry, after every thread
// has quiesced since this migration finished. It frees the tables this
// migration owned outright: any source still referenced here (i.e. not
// handed forward to a successor migration on the overflow path).
func (m *linearMigration) retire() {
	for _, t := range m.tables {
		if t != nil {
			t.cells = nil
		}
	}
}

// beginLinearMigrationToSize double-checks table's coordinator and, if
// no migration has been published yet, creates one under table.mu and
// publishes it. Sizing is pre-decided by the caller.
func beginLinearMigrationToSize(shell *LinearMap, table *linearTable, nextSize int) {
	if table.coord.Current() != nil {
		return
	}
	table.mu.Lock()
	defer table.mu.Unlock()
	if table.coord.Current() != nil {
		return
	}
	dest := newLinearTable(nextSize)
	migration := newLinearMigration(shell, []*linearTable{table}, dest)
	table.coord.Publish(migration)
}

// beginLinearMigration estimates live occupancy from a small sample (or
// doubles unconditionally when mustDouble, to guarantee forward
// progress after a prior migration still overflowed) and begins a
// migration to the resulting size.
func beginLinearMigration(shell *LinearMap, table *linearTable, mustDouble bool) {
	var nextSize int
	if mustDouble {
		nextSize = int(table.sizeMask+1) * 2
	} else {
		sampleSize := int(table.sizeMask + 1)
		if sampleSize > cellsInUseSampleSize {
			sampleSize = cellsInUseSampleSize
		}
		inUse := 0
		for idx := 0; idx < sampleSize; idx++ {
			v := table.cells[idx].value.Load()
			if v == Redirect {
				// Another thread already kicked off a migration; the
				// caller will participate once it re-reads the root.
				return
			}
			if v != NullValue {
				inUse++
			}
		}
		ratio := float64(inUse) / float64(sampleSize)
		estimated := float64(table.sizeMask+1) * ratio
		nextSize = nextPowerOf2(int(estimated*2) + 1)
		if nextSize < linearInitialSize {
			nextSize = linearInitialSize
		}
		if nextSize <= int(table.sizeMask+1) {
			nextSize = int(table.sizeMask+1) * 2
		}
	}
	beginLinearMigrationToSize(shell, table, nextSize)
}

func nextPowerOf2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}
