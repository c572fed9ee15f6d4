package lfmap

import (
	"sync"
	"sync/atomic"
)

const grampaFlatTreeMigrationUnitSize = 32

// flatTree is the second level of a Grampa map: once the map outgrows
// a single leaf, its hash space is sharded across 1<<(64-safeShift)
// leaves, indexed by the top safeShift-complement bits of the hash.
// Growing the flattree (doubling its leaf count so existing leaves can
// be split further) is itself a cooperative migration, tracked here by
// the single in-flight *flatTreeMigration any reader can help drive.
type flatTree struct {
	safeShift uint
	leaves    []atomic.Pointer[grampaTable]
	mu        sync.Mutex
	migration *flatTreeMigration // protected by mu
}

func newFlatTree(safeShift uint) *flatTree {
	size := flatTreeSize(safeShift)
	return &flatTree{safeShift: safeShift, leaves: make([]atomic.Pointer[grampaTable], size)}
}

func flatTreeSize(safeShift uint) uint64 {
	return (^uint64(0) >> safeShift) + 1
}

func (ft *flatTree) leafIndex(hash uint64) uint64 {
	return hash >> ft.safeShift
}

// redirectFlatTree is the sentinel a flattree migration swaps into a
// leaf slot while moving it, so a racing reader following that slot
// can tell to go help the migration instead of dereferencing a nil or
// stale leaf.
var redirectFlatTree = &grampaTable{}

// createFlatTreeMigration returns ft's in-flight migration to a
// flattree with the given safeShift, creating it if none exists yet.
func createFlatTreeMigration(shell *GrampaMap, ft *flatTree, safeShift uint) *flatTreeMigration {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if ft.migration == nil {
		ft.migration = newFlatTreeMigration(shell, ft, safeShift)
	}
	return ft.migration
}

func getExistingFlatTreeMigration(ft *flatTree) *flatTreeMigration {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return ft.migration
}

// flatTreeMigration doubles (or more) a flattree's leaf count,
// repeating each source leaf pointer across the corresponding run of
// destination slots. It never touches leaf contents, only the
// flattree's own pointer array, so unlike a grampaMigration it can
// never overflow.
type flatTreeMigration struct {
	shell     *GrampaMap
	source    *flatTree
	dest      *flatTree
	core      *migrationCore
	completed *event
}

func newFlatTreeMigration(shell *GrampaMap, source *flatTree, safeShift uint) *flatTreeMigration {
	dest := newFlatTree(safeShift)
	return &flatTreeMigration{
		shell:     shell,
		source:    source,
		dest:      dest,
		core:      newMigrationCore([]uint64{uint64(len(source.leaves))}, grampaFlatTreeMigrationUnitSize),
		completed: newEvent(),
	}
}

func (m *flatTreeMigration) migrateRange(_ int, startIdx uint64) bool {
	srcSize := uint64(len(m.source.leaves))
	end := startIdx + grampaFlatTreeMigrationUnitSize
	if end > srcSize {
		end = srcSize
	}
	repeat := uint64(1) << (m.source.safeShift - m.dest.safeShift)
	dst := startIdx * repeat
	for src := startIdx; src < end; src++ {
		t := m.source.leaves[src].Swap(redirectFlatTree)
		for r := uint64(0); r < repeat; r++ {
			m.dest.leaves[dst].Store(t)
			dst++
		}
	}
	return true
}

func (m *flatTreeMigration) Run() {
	m.core.run(grampaFlatTreeMigrationUnitSize, m.migrateRange, func(bool) {
		m.shell.publishFlatTreeMigration(m)
		m.completed.Signal()
	})
}
