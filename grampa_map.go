package lfmap

import "sync/atomic"

// grampaRoot is the whole-map state GrampaMap swaps atomically: either
// a single leaf (the common case for small maps) or a flattree of
// many leaves. Unlike Junction's tagged uptr, this package keeps the
// two modes as distinct fields of one immutable snapshot, replaced
// wholesale on every transition, matching how LinearMap and
// LeapfrogMap already publish their root.
type grampaRoot struct {
	table *grampaTable
	tree  *flatTree
}

// GrampaMap is a lock-free map that starts as a single bucketed leaf
// (identical in algorithm to LeapfrogMap) and, once that leaf would
// otherwise grow past grampaLeafSize, splits into a flattree of
// same-sized leaves addressed by the high bits of the hash. This
// bounds worst-case migration cost: growing the map never requires
// rehashing more than one leaf's worth of cells at a time, at the
// expense of an extra indirection through the flattree on every
// lookup once the map has grown that large.
type GrampaMap struct {
	root atomic.Pointer[grampaRoot]
	kt   KeyTraits
	vt   ValueTraits
	reg  *Registry
}

type GrampaMapConfig struct {
	keyTraits *KeyTraits
	registry  *Registry
}

func WithGrampaKeyTraits(kt KeyTraits) func(*GrampaMapConfig) {
	return func(c *GrampaMapConfig) { c.keyTraits = &kt }
}

func WithGrampaRegistry(reg *Registry) func(*GrampaMapConfig) {
	return func(c *GrampaMapConfig) { c.registry = reg }
}

// NewGrampaMap constructs a GrampaMap ready for use. Unlike the other
// two variants it has no capacity option: its initial leaf is always
// grampaMinTableSize, growing on demand the same way every later leaf
// does.
func NewGrampaMap(options ...func(*GrampaMapConfig)) *GrampaMap {
	cfg := GrampaMapConfig{}
	for _, opt := range options {
		opt(&cfg)
	}
	m := &GrampaMap{vt: DefaultValueTraits, reg: cfg.registry}
	if cfg.keyTraits != nil {
		m.kt = *cfg.keyTraits
	} else {
		m.kt = DefaultKeyTraits
	}
	if m.reg == nil {
		m.reg = DefaultRegistry
	}
	return m
}

func (m *GrampaMap) registry() *Registry { return m.reg }

// locateTable resolves hash to the leaf currently responsible for it,
// helping along (and waiting out) any flattree migration in progress.
// It reports false only when the map has never been written to.
func (m *GrampaMap) locateTable(hash uint64) (*grampaTable, bool) {
	for {
		root := m.root.Load()
		if root == nil {
			return nil, false
		}
		if root.tree == nil {
			return root.table, true
		}
		ft := root.tree
		leafIdx := ft.leafIndex(hash)
		table := ft.leaves[leafIdx].Load()
		if table != redirectFlatTree {
			return table, true
		}
		migration := getExistingFlatTreeMigration(ft)
		migration.Run()
		migration.completed.Wait()
	}
}

func (m *GrampaMap) createInitialTable() {
	if m.root.Load() == nil {
		table := newGrampaTable(grampaMinTableSize, 0, fullRangeShift)
		m.root.CompareAndSwap(nil, &grampaRoot{table: table})
	}
}

// publishTableMigration is called by exactly one thread, the last
// worker out of a successful grampaMigration. It covers the three
// cases ConcurrentMap_Grampa.h's equivalent distinguishes: replacing
// the whole map with a single table, replacing a single table with a
// brand new flattree, and publishing a subtree into an existing
// flattree (growing that flattree first if the subtree doesn't fit).
func (m *GrampaMap) publishTableMigration(migration *grampaMigration) {
	if migration.safeShift == 0 {
		newTable := migration.destinations[0]
		m.root.Store(&grampaRoot{table: newTable})
		newTable.published.Signal()
		return
	}

	oldRoot := m.root.Load()
	if oldRoot == nil || oldRoot.tree == nil {
		ft := newFlatTree(migration.safeShift)
		var prevTable *grampaTable
		for i, d := range migration.destinations {
			ft.leaves[i].Store(d)
			if d != prevTable {
				d.published.Signal()
				prevTable = d
			}
		}
		m.root.Store(&grampaRoot{tree: ft})
		return
	}

	tableToReplace := migration.tables[0]
	tableToReplace.published.Wait()

	ft := oldRoot.tree
publishLoop:
	for {
		if migration.safeShift < ft.safeShift {
			ftm := createFlatTreeMigration(m, ft, migration.safeShift)
			tableToReplace.coord.RunOne(ftm)
			ftm.completed.Wait()
			ft = ftm.dest
			continue publishLoop
		}

		repeat := uint64(1) << (migration.safeShift - ft.safeShift)
		dstIdx := migration.baseHash >> ft.safeShift
		var prevTable *grampaTable
		for _, srcTable := range migration.destinations {
			for r := uint64(0); r < repeat; r++ {
				for {
					old := ft.leaves[dstIdx].Load()
					if old == redirectFlatTree {
						ftm := getExistingFlatTreeMigration(ft)
						tableToReplace.coord.RunOne(ftm)
						ftm.completed.Wait()
						ft = ftm.dest
						continue publishLoop
					}
					if ft.leaves[dstIdx].CompareAndSwap(old, srcTable) {
						break
					}
				}
				dstIdx++
			}
			if srcTable != prevTable {
				srcTable.published.Signal()
				prevTable = srcTable
			}
		}
		return
	}
}

func (m *GrampaMap) publishFlatTreeMigration(migration *flatTreeMigration) {
	m.root.Store(&grampaRoot{tree: migration.dest})
}

// GrampaMutator bundles a located cell with the value last observed in
// it. The Context it was obtained under must not be Quiesced while the
// Mutator is alive; call Release first.
type GrampaMutator struct {
	ctx   *Context
	m     *GrampaMap
	table *grampaTable
	cell  *cell
	value uint64
}

func (mu *GrampaMutator) Release() {
	if mu.ctx != nil {
		mu.ctx.exitMutator()
		mu.ctx = nil
	}
}

func (mu *GrampaMutator) Value() uint64 { return mu.value }

func (m *GrampaMap) Find(ctx *Context, key uint64) *GrampaMutator {
	checkKey(key, &m.kt)
	ctx.enterMutator()
	hash := m.kt.Hash(key)
	mu := &GrampaMutator{ctx: ctx, m: m, value: NullValue}
	for {
		table, ok := m.locateTable(hash)
		if !ok {
			return mu
		}
		mu.table = table
		mu.cell = table.find(hash)
		if mu.cell == nil {
			return mu
		}
		mu.value = mu.cell.value.Load()
		if mu.value != Redirect {
			return mu
		}
		table.coord.Participate()
	}
}

func (m *GrampaMap) InsertOrFind(ctx *Context, key uint64) *GrampaMutator {
	checkKey(key, &m.kt)
	ctx.enterMutator()
	hash := m.kt.Hash(key)
	mu := &GrampaMutator{ctx: ctx, m: m, value: NullValue}
	for {
		table, ok := m.locateTable(hash)
		if !ok {
			m.createInitialTable()
			continue
		}
		mu.table = table
		cellPtr, outcome, overflowIdx := table.insertOrFindTracked(hash)
		switch outcome {
		case outcomeInserted:
			mu.cell = cellPtr
			return mu
		case outcomeAlreadyPresent:
			mu.cell = cellPtr
			mu.value = cellPtr.value.Load()
			if mu.value != Redirect {
				return mu
			}
		case outcomeOverflow:
			beginGrampaMigration(m, table, overflowIdx)
		}
		table.coord.Participate()
	}
}

func (mu *GrampaMutator) Exchange(desired uint64) uint64 {
	checkValue(desired, &mu.m.vt)
	if mu.cell == nil {
		misuse("Exchange called on a Mutator with no located cell")
	}
	for {
		old := mu.value
		if mu.cell.value.CompareAndSwap(mu.value, desired) {
			mu.value = desired
			return old
		}
		mu.value = mu.cell.value.Load()
		if mu.value != Redirect {
			mu.value = desired
			return desired
		}
		hash := mu.cell.hash.Load()
		for {
			mu.table.coord.Participate()
			table, ok := mu.m.locateTable(hash)
			if !ok {
				misuse("map root disappeared while a migration was in flight")
			}
			mu.table = table
			mu.value = NullValue
			cellPtr, outcome, overflowIdx := table.insertOrFindTracked(hash)
			mu.cell = cellPtr
			switch outcome {
			case outcomeAlreadyPresent:
				mu.value = cellPtr.value.Load()
				if mu.value == Redirect {
					continue
				}
			case outcomeOverflow:
				beginGrampaMigration(mu.m, table, overflowIdx)
				continue
			}
			break
		}
	}
}

func (mu *GrampaMutator) Assign(desired uint64) uint64 { return mu.Exchange(desired) }

func (mu *GrampaMutator) Erase() uint64 {
	for {
		if mu.value == NullValue {
			return mu.value
		}
		if mu.cell.value.CompareAndSwap(mu.value, NullValue) {
			old := mu.value
			mu.value = NullValue
			return old
		}
		mu.value = mu.cell.value.Load()
		if mu.value != Redirect {
			return NullValue
		}
		hash := mu.cell.hash.Load()
		for {
			mu.table.coord.Participate()
			table, ok := mu.m.locateTable(hash)
			if !ok {
				mu.cell = nil
				mu.value = NullValue
				return mu.value
			}
			mu.table = table
			mu.cell = table.find(hash)
			if mu.cell == nil {
				mu.value = NullValue
				return mu.value
			}
			mu.value = mu.cell.value.Load()
			if mu.value != Redirect {
				break
			}
		}
	}
}

func (m *GrampaMap) Get(ctx *Context, key uint64) uint64 {
	checkKey(key, &m.kt)
	ctx.enterMutator()
	defer ctx.exitMutator()
	hash := m.kt.Hash(key)
	for {
		table, ok := m.locateTable(hash)
		if !ok {
			return NullValue
		}
		c := table.find(hash)
		if c == nil {
			return NullValue
		}
		value := c.value.Load()
		if value != Redirect {
			return value
		}
		table.coord.Participate()
	}
}

func (m *GrampaMap) Assign(ctx *Context, key, value uint64) uint64 {
	mu := m.InsertOrFind(ctx, key)
	defer mu.Release()
	return mu.Exchange(value)
}

func (m *GrampaMap) Exchange(ctx *Context, key, value uint64) uint64 {
	return m.Assign(ctx, key, value)
}

func (m *GrampaMap) Erase(ctx *Context, key uint64) uint64 {
	mu := m.Find(ctx, key)
	defer mu.Release()
	if mu.cell == nil {
		return NullValue
	}
	return mu.Erase()
}

// GrampaIterator walks a snapshot of the root taken at construction.
// Like Junction's own Grampa iterator, it assumes no concurrent
// inserts are in flight: a migration that starts mid-iteration can
// cause cells to be skipped or (if a leaf is redirected out from under
// the iterator) yield nothing further for that leaf.
type GrampaIterator struct {
	ctx         *Context
	tree        *flatTree // nil if the map is a single leaf
	leafIdx     uint64
	table       *grampaTable
	groupIx     int
	cellIx      int
	hash, value uint64
	kt          *KeyTraits
}

func (m *GrampaMap) Iterate(ctx *Context) *GrampaIterator {
	ctx.enterMutator()
	it := &GrampaIterator{ctx: ctx, cellIx: -1, kt: &m.kt}
	root := m.root.Load()
	if root == nil {
		return it
	}
	if root.tree != nil {
		it.tree = root.tree
		it.table = it.tree.leaves[0].Load()
	} else {
		it.table = root.table
	}
	return it
}

func (it *GrampaIterator) Release() {
	if it.ctx != nil {
		it.ctx.exitMutator()
		it.ctx = nil
	}
}

func (it *GrampaIterator) Next() bool {
	if it.table == nil {
		return false
	}
	for {
		it.cellIx++
		if it.cellIx >= 4 {
			it.cellIx = 0
			it.groupIx++
		}
		if it.groupIx >= len(it.table.groups) {
			if it.tree == nil || !it.advanceLeaf() {
				it.hash, it.value = NullHash, NullValue
				return false
			}
			continue
		}
		c := &it.table.groups[it.groupIx].cells[it.cellIx]
		h := c.hash.Load()
		if h == NullHash {
			continue
		}
		v := c.value.Load()
		if v == NullValue || v == Redirect {
			continue
		}
		it.hash, it.value = h, v
		return true
	}
}

// advanceLeaf skips to the next leaf in the flattree whose pointer
// differs from the one just exhausted (consecutive flattree entries
// repeat the same leaf when that leaf is smaller than the flattree's
// addressable granularity).
func (it *GrampaIterator) advanceLeaf() bool {
	for {
		it.leafIdx++
		if it.leafIdx >= uint64(len(it.tree.leaves)) {
			return false
		}
		next := it.tree.leaves[it.leafIdx].Load()
		if next != it.table {
			it.table = next
			it.groupIx, it.cellIx = 0, -1
			return true
		}
	}
}

func (it *GrampaIterator) Key() uint64   { return it.kt.Dehash(it.hash) }
func (it *GrampaIterator) Value() uint64 { return it.value }
