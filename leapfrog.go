package lfmap

import "sync"

const (
	leapfrogInitialSize       = 8
	leapfrogMigrationUnitSize = 32
	leapfrogCellsInUseSample  = bucketLinearSearchLimit
)

// leapfrogTable buckets the hash space into groups of four cells and
// resolves collisions by linking same-bucket cells together with short
// deltas instead of Linear's unbounded open-addressed probe. Overflow
// is declared once a bucket's chain runs past bucketLinearSearchLimit
// without finding a free cell, rather than by a precomputed load
// factor, since a delta chain can in principle outlive any fixed
// counter.
type leapfrogTable struct {
	bucketTable
	mu    sync.Mutex // guards double-checked creation of a migration
	coord *JobCoordinator
}

func newLeapfrogTable(size int) *leapfrogTable {
	return &leapfrogTable{bucketTable: newBucketTable(size), coord: NewJobCoordinator()}
}

// leapfrogMigration copies every live cell out of one or more source
// leapfrogTables into a single, larger destination, using the same
// worker protocol as linearMigration (factored into migrationCore).
type leapfrogMigration struct {
	shell  *LeapfrogMap
	tables []*leapfrogTable
	dest   *leapfrogTable
	core   *migrationCore
}

func newLeapfrogMigration(shell *LeapfrogMap, sources []*leapfrogTable, dest *leapfrogTable) *leapfrogMigration {
	sizes := make([]uint64, len(sources))
	for i, s := range sources {
		sizes[i] = s.sizeMask + 1
	}
	return &leapfrogMigration{
		shell:  shell,
		tables: sources,
		dest:   dest,
		core:   newMigrationCore(sizes, leapfrogMigrationUnitSize),
	}
}

func (m *leapfrogMigration) migrateRange(sourceIdx int, startIdx uint64) bool {
	srcTable := m.tables[sourceIdx]
	sizeMask := srcTable.sizeMask
	end := startIdx + leapfrogMigrationUnitSize
	if end > sizeMask+1 {
		end = sizeMask + 1
	}
	insertDest := func(hash uint64) (*cell, probeOutcome) {
		return m.dest.insertOrFind(hash)
	}
	for idx := startIdx; idx < end; idx++ {
		c := srcTable.cellAt(idx & sizeMask)
		if migrateCell(c, insertDest, &DefaultValueTraits) {
			return false
		}
	}
	return true
}

func (m *leapfrogMigration) Run() {
	m.core.run(leapfrogMigrationUnitSize, m.migrateRange, func(overflowed bool) {
		if !overflowed {
			m.shell.publishLeapfrogMigration(m)
			m.tables[0].coord.End()
		} else {
			m.shell.recoverOverflowedLeapfrogMigration(m)
		}
		m.shell.registry().Enqueue(m.retire)
	})
}

func (m *leapfrogMigration) retire() {
	for _, t := range m.tables {
		if t != nil {
			t.groups = nil
		}
	}
}

func beginLeapfrogMigrationToSize(shell *LeapfrogMap, table *leapfrogTable, nextSize int) {
	if table.coord.Current() != nil {
		return
	}
	table.mu.Lock()
	defer table.mu.Unlock()
	if table.coord.Current() != nil {
		return
	}
	dest := newLeapfrogTable(nextSize)
	migration := newLeapfrogMigration(shell, []*leapfrogTable{table}, dest)
	table.coord.Publish(migration)
}

// beginLeapfrogMigration estimates live occupancy from the sample of
// cells immediately preceding the overflow point, since Leapfrog has
// no running cellsRemaining counter the way Linear does: overflow is
// discovered only once an insertOrFind's linear probe runs out, at
// overflowIdx, so that's the only point with a meaningful local sample.
func beginLeapfrogMigration(shell *LeapfrogMap, table *leapfrogTable, overflowIdx uint64, mustDouble bool) {
	var nextSize int
	if mustDouble {
		nextSize = int(table.sizeMask+1) * 2
	} else {
		sizeMask := table.sizeMask
		idx := overflowIdx - leapfrogCellsInUseSample
		inUse := 0
		for i := 0; i < leapfrogCellsInUseSample; i++ {
			c := table.cellAt(idx & sizeMask)
			v := c.value.Load()
			if v == Redirect {
				return
			}
			if v != NullValue {
				inUse++
			}
			idx++
		}
		ratio := float64(inUse) / float64(leapfrogCellsInUseSample)
		estimated := float64(table.sizeMask+1) * ratio
		nextSize = nextPowerOf2(int(estimated*2) + 1)
		if nextSize < leapfrogInitialSize {
			nextSize = leapfrogInitialSize
		}
	}
	beginLeapfrogMigrationToSize(shell, table, nextSize)
}
