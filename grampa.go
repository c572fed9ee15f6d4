package lfmap

import (
	"sync"
	"sync/atomic"
)

const (
	grampaMinTableSize           = 8
	grampaLeafSizeBits           = 10
	grampaLeafSize               = 1 << grampaLeafSizeBits
	grampaTableMigrationUnitSize = 32
	grampaCellsInUseSample       = bucketLinearSearchLimit
	fullRangeShift               = 64 // stands in for "no shift applied yet"; a real safeShift is always < 64
)

// grampaTable is one leaf of a Grampa map: the same bucketed,
// delta-chained core as leapfrogTable, plus the bookkeeping needed to
// live as one of many leaves addressed through a FlatTree instead of
// being the map's only table. baseHash and unsafeRangeShift describe
// the slice of the hash space this leaf is responsible for; published
// is signaled once the leaf's own contents are visible, so a
// migration publishing this leaf's parent subtree never races with a
// reader following a stale FlatTree entry into a half-built leaf.
type grampaTable struct {
	bucketTable
	baseHash         uint64
	unsafeRangeShift uint
	published        *event
	mu               sync.Mutex
	coord            *JobCoordinator
}

func newGrampaTable(size int, baseHash uint64, unsafeRangeShift uint) *grampaTable {
	return &grampaTable{
		bucketTable:      newBucketTable(size),
		baseHash:         baseHash,
		unsafeRangeShift: unsafeRangeShift,
		published:        newEvent(),
		coord:            NewJobCoordinator(),
	}
}

// grampaMigration copies every live cell out of one or more source
// leaves into a set of destination leaves, possibly splitting the
// source's hash range across more than one destination (destinations
// may repeat the same *grampaTable pointer when a subtree is being
// widened without yet being split). overflowTableIndex records which
// destination overflowed, set by the migrateRange closure itself
// since migrationCore's protocol only reports pass/fail, not which
// destination failed.
type grampaMigration struct {
	shell              *GrampaMap
	tables             []*grampaTable
	baseHash           uint64
	safeShift          uint
	destinations       []*grampaTable
	overflowTableIndex atomic.Int64
	core               *migrationCore
}

func (m *grampaMigration) unsafeShift() uint {
	if m.safeShift != 0 {
		return m.safeShift
	}
	return fullRangeShift
}

func (m *grampaMigration) migrateRange(sourceIdx int, startIdx uint64) bool {
	srcTable := m.tables[sourceIdx]
	sizeMask := srcTable.sizeMask
	end := startIdx + grampaTableMigrationUnitSize
	if end > sizeMask+1 {
		end = sizeMask + 1
	}
	destMask := uint64(len(m.destinations) - 1)
	insertDest := func(hash uint64) (*cell, probeOutcome) {
		destIdx := (hash >> m.safeShift) & destMask
		dst := m.destinations[destIdx]
		cellPtr, outcome := dst.insertOrFind(hash)
		if outcome == outcomeOverflow {
			m.overflowTableIndex.Store(int64(destIdx))
		}
		return cellPtr, outcome
	}
	for idx := startIdx; idx < end; idx++ {
		c := srcTable.cellAt(idx & sizeMask)
		if migrateCell(c, insertDest, &DefaultValueTraits) {
			return false
		}
	}
	return true
}

func (m *grampaMigration) Run() {
	m.core.run(grampaTableMigrationUnitSize, m.migrateRange, func(overflowed bool) {
		if !overflowed {
			m.shell.publishTableMigration(m)
			m.tables[0].coord.End()
		} else {
			m.recoverOverflow()
		}
		m.shell.registry().Enqueue(m.retire)
	})
}

func (m *grampaMigration) retire() {
	for _, t := range m.tables {
		if t != nil {
			t.groups = nil
		}
	}
}

// recoverOverflow builds the successor migration after one of this
// migration's destinations overflowed. It mirrors the three cases
// Grampa.h's TableMigration::run distinguishes: the whole map still
// fits in a single undersized table (just double it); the overflowed
// leaf is already the size of a leaf and this subtree has one
// destination slot per leaf (split it in two, doubling the subtree's
// slot count to make room); or the leaf spans several destination
// slots of this subtree (split it in two within the existing slot
// layout, reusing the same destinations array shape).
func (m *grampaMigration) recoverOverflow() {
	origTable := m.tables[0]
	overflowIdx := int(m.overflowTableIndex.Load())
	overflowedTable := m.destinations[overflowIdx]

	origTable.mu.Lock()
	defer origTable.mu.Unlock()
	if origTable.coord.Current() != m {
		return
	}

	next := &grampaMigration{shell: m.shell}
	next.overflowTableIndex.Store(-1)

	if overflowedTable.sizeMask+1 < grampaLeafSize {
		next.baseHash = 0
		next.safeShift = 0
		next.destinations = []*grampaTable{
			newGrampaTable(int(overflowedTable.sizeMask+1)*2, overflowedTable.baseHash, overflowedTable.unsafeRangeShift),
		}
	} else {
		count := 1 << (origTable.unsafeRangeShift - m.unsafeShift())
		lo := overflowIdx &^ (count - 1)
		if count == 1 {
			next.destinations = make([]*grampaTable, len(m.destinations)*2)
			for i, d := range m.destinations {
				next.destinations[i*2] = d
				next.destinations[i*2+1] = d
			}
			next.safeShift = m.unsafeShift() - 1
			lo *= 2
			count = 2
		} else {
			next.destinations = append([]*grampaTable{}, m.destinations...)
			next.safeShift = m.safeShift
		}
		next.baseHash = m.baseHash

		splitShift := origTable.unsafeRangeShift - 1
		splitTable1 := newGrampaTable(grampaLeafSize, origTable.baseHash, splitShift)
		halfRange := uint64(1) << splitShift
		splitTable2 := newGrampaTable(grampaLeafSize, origTable.baseHash+halfRange, splitShift)
		for i := 0; i < count/2; i++ {
			next.destinations[lo+i] = splitTable1
		}
		for i := count / 2; i < count; i++ {
			next.destinations[lo+i] = splitTable2
		}
	}

	sources := append([]*grampaTable{}, m.tables...)
	for i := range m.tables {
		m.tables[i] = nil
	}
	sources = append(sources, overflowedTable)
	next.tables = sources

	sizes := make([]uint64, len(sources))
	for i, s := range sources {
		sizes[i] = s.sizeMask + 1
	}
	next.core = newMigrationCore(sizes, grampaTableMigrationUnitSize)

	origTable.coord.Publish(next)
}

// beginGrampaMigrationToSize double-checks table's coordinator and, if
// no migration has been published yet, creates one under table.mu:
// 1<<splitShift destinations of nextTableSize cells apiece, each owning
// an equal slice of table's hash range.
func beginGrampaMigrationToSize(shell *GrampaMap, table *grampaTable, nextTableSize int, splitShift uint) {
	if table.coord.Current() != nil {
		return
	}
	table.mu.Lock()
	defer table.mu.Unlock()
	if table.coord.Current() != nil {
		return
	}

	numDestinations := 1 << splitShift
	migrationShift := table.unsafeRangeShift - splitShift
	safeShift := migrationShift
	if migrationShift >= fullRangeShift {
		safeShift = 0
	}
	hashOffsetDelta := uint64(0)
	if migrationShift < fullRangeShift {
		hashOffsetDelta = uint64(1) << migrationShift
	}
	destinations := make([]*grampaTable, numDestinations)
	for i := 0; i < numDestinations; i++ {
		destinations[i] = newGrampaTable(nextTableSize, table.baseHash+hashOffsetDelta*uint64(i), migrationShift)
	}

	m := &grampaMigration{
		shell:        shell,
		tables:       []*grampaTable{table},
		baseHash:     table.baseHash,
		safeShift:    safeShift,
		destinations: destinations,
		core:         newMigrationCore([]uint64{table.sizeMask + 1}, grampaTableMigrationUnitSize),
	}
	m.overflowTableIndex.Store(-1)
	table.coord.Publish(m)
}

// beginGrampaMigration estimates live occupancy from the sample of
// cells immediately preceding overflowIdx, then grows to the smallest
// power-of-two table that would hold twice that estimate, splitting
// the range across multiple leaves once a single leaf would exceed
// grampaLeafSize.
func beginGrampaMigration(shell *GrampaMap, table *grampaTable, overflowIdx uint64) {
	sizeMask := table.sizeMask
	idx := overflowIdx - grampaCellsInUseSample
	inUse := 0
	for i := 0; i < grampaCellsInUseSample; i++ {
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
	ratio := float64(inUse) / float64(grampaCellsInUseSample)
	estimated := float64(sizeMask+1) * ratio
	nextTableSize := nextPowerOf2(int(estimated * 2))
	if nextTableSize < int(sizeMask+1) {
		nextTableSize = int(sizeMask + 1) // migrating to a smaller table isn't supported
	}
	splitShift := uint(0)
	for nextTableSize > grampaLeafSize {
		splitShift++
		nextTableSize >>= 1
	}
	beginGrampaMigrationToSize(shell, table, nextTableSize, splitShift)
}
