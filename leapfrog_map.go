package lfmap

import "sync/atomic"

// LeapfrogMap is a lock-free map using one global table, bucketed into
// groups of four cells linked by short intra-bucket probe chains. It
// trades Linear's simplicity for bounded per-bucket chain length,
// which keeps probe cost roughly constant as the table fills instead
// of growing with overall occupancy.
type LeapfrogMap struct {
	root atomic.Pointer[leapfrogTable]
	kt   KeyTraits
	vt   ValueTraits
	reg  *Registry
}

// LeapfrogMapConfig collects NewLeapfrogMap's options.
type LeapfrogMapConfig struct {
	capacity  int
	keyTraits *KeyTraits
	registry  *Registry
}

func WithLeapfrogCapacity(capacity int) func(*LeapfrogMapConfig) {
	return func(c *LeapfrogMapConfig) { c.capacity = capacity }
}

func WithLeapfrogKeyTraits(kt KeyTraits) func(*LeapfrogMapConfig) {
	return func(c *LeapfrogMapConfig) { c.keyTraits = &kt }
}

func WithLeapfrogRegistry(reg *Registry) func(*LeapfrogMapConfig) {
	return func(c *LeapfrogMapConfig) { c.registry = reg }
}

// NewLeapfrogMap constructs a LeapfrogMap ready for use.
func NewLeapfrogMap(options ...func(*LeapfrogMapConfig)) *LeapfrogMap {
	cfg := LeapfrogMapConfig{capacity: leapfrogInitialSize}
	for _, opt := range options {
		opt(&cfg)
	}
	size := nextPowerOf2(cfg.capacity)
	if size < 4 {
		size = 4
	}
	m := &LeapfrogMap{vt: DefaultValueTraits, reg: cfg.registry}
	if cfg.keyTraits != nil {
		m.kt = *cfg.keyTraits
	} else {
		m.kt = DefaultKeyTraits
	}
	if m.reg == nil {
		m.reg = DefaultRegistry
	}
	m.root.Store(newLeapfrogTable(size))
	return m
}

func (m *LeapfrogMap) registry() *Registry { return m.reg }

func (m *LeapfrogMap) publishLeapfrogMigration(migration *leapfrogMigration) {
	m.root.Store(migration.dest)
}

func (m *LeapfrogMap) recoverOverflowedLeapfrogMigration(migration *leapfrogMigration) {
	origTable := migration.tables[0]
	origTable.mu.Lock()
	defer origTable.mu.Unlock()
	if origTable.coord.Current() != migration {
		return
	}
	newDest := newLeapfrogTable(int(migration.dest.sizeMask+1) * 2)
	sources := append([]*leapfrogTable{}, migration.tables...)
	for i := range migration.tables {
		migration.tables[i] = nil
	}
	sources = append(sources, migration.dest)
	successor := newLeapfrogMigration(m, sources, newDest)
	origTable.coord.Publish(successor)
}

// LeapfrogMutator bundles a located cell with the value last observed
// in it. The Context it was obtained under must not be Quiesced while
// the Mutator is alive; call Release first.
type LeapfrogMutator struct {
	ctx   *Context
	m     *LeapfrogMap
	table *leapfrogTable
	cell  *cell
	value uint64
}

func (mu *LeapfrogMutator) Release() {
	if mu.ctx != nil {
		mu.ctx.exitMutator()
		mu.ctx = nil
	}
}

func (mu *LeapfrogMutator) Value() uint64 { return mu.value }

func (m *LeapfrogMap) Find(ctx *Context, key uint64) *LeapfrogMutator {
	checkKey(key, &m.kt)
	ctx.enterMutator()
	hash := m.kt.Hash(key)
	mu := &LeapfrogMutator{ctx: ctx, m: m, value: NullValue}
	for {
		mu.table = m.root.Load()
		mu.cell = mu.table.find(hash)
		if mu.cell == nil {
			return mu
		}
		mu.value = mu.cell.value.Load()
		if mu.value != Redirect {
			return mu
		}
		mu.table.coord.Participate()
	}
}

func (m *LeapfrogMap) InsertOrFind(ctx *Context, key uint64) *LeapfrogMutator {
	checkKey(key, &m.kt)
	ctx.enterMutator()
	hash := m.kt.Hash(key)
	mu := &LeapfrogMutator{ctx: ctx, m: m, value: NullValue}
	mustDouble := false
	for {
		mu.table = m.root.Load()
		cellPtr, outcome, overflowIdx := mu.table.insertOrFindTracked(hash)
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
			beginLeapfrogMigration(m, mu.table, overflowIdx, mustDouble)
		}
		mu.table.coord.Participate()
		mustDouble = true
	}
}

func (mu *LeapfrogMutator) Exchange(desired uint64) uint64 {
	checkValue(desired, &mu.m.vt)
	if mu.cell == nil {
		misuse("Exchange called on a Mutator with no located cell")
	}
	mustDouble := false
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
			mu.table = mu.m.root.Load()
			mu.value = NullValue
			cellPtr, outcome, overflowIdx := mu.table.insertOrFindTracked(hash)
			mu.cell = cellPtr
			switch outcome {
			case outcomeAlreadyPresent:
				mu.value = cellPtr.value.Load()
				if mu.value == Redirect {
					continue
				}
			case outcomeOverflow:
				beginLeapfrogMigration(mu.m, mu.table, overflowIdx, mustDouble)
				mustDouble = true
				continue
			}
			break
		}
	}
}

func (mu *LeapfrogMutator) Assign(desired uint64) uint64 { return mu.Exchange(desired) }

func (mu *LeapfrogMutator) Erase() uint64 {
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
			mu.table = mu.m.root.Load()
			mu.cell = mu.table.find(hash)
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

func (m *LeapfrogMap) Get(ctx *Context, key uint64) uint64 {
	checkKey(key, &m.kt)
	ctx.enterMutator()
	defer ctx.exitMutator()
	hash := m.kt.Hash(key)
	for {
		table := m.root.Load()
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

func (m *LeapfrogMap) Assign(ctx *Context, key, value uint64) uint64 {
	mu := m.InsertOrFind(ctx, key)
	defer mu.Release()
	return mu.Exchange(value)
}

func (m *LeapfrogMap) Exchange(ctx *Context, key, value uint64) uint64 {
	return m.Assign(ctx, key, value)
}

func (m *LeapfrogMap) Erase(ctx *Context, key uint64) uint64 {
	mu := m.Find(ctx, key)
	defer mu.Release()
	if mu.cell == nil {
		return NullValue
	}
	return mu.Erase()
}

// LeapfrogIterator walks a snapshot of the root's groups taken at
// construction, in group-major order (four cells per group).
type LeapfrogIterator struct {
	ctx     *Context
	table   *leapfrogTable
	groupIx int
	cellIx  int
	hash    uint64
	value   uint64
	kt      *KeyTraits
}

func (m *LeapfrogMap) Iterate(ctx *Context) *LeapfrogIterator {
	ctx.enterMutator()
	return &LeapfrogIterator{ctx: ctx, table: m.root.Load(), groupIx: 0, cellIx: -1, kt: &m.kt}
}

func (it *LeapfrogIterator) Release() {
	if it.ctx != nil {
		it.ctx.exitMutator()
		it.ctx = nil
	}
}

func (it *LeapfrogIterator) Next() bool {
	for {
		it.cellIx++
		if it.cellIx >= 4 {
			it.cellIx = 0
			it.groupIx++
		}
		if it.groupIx >= len(it.table.groups) {
			it.hash, it.value = NullHash, NullValue
			return false
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

func (it *LeapfrogIterator) Key() uint64   { return it.kt.Dehash(it.hash) }
func (it *LeapfrogIterator) Value() uint64 { return it.value }
