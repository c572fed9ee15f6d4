package lfmap

import "sync/atomic"

// LinearMap is a lock-free map using one global table and linear
// probing. It is the simplest of the three variants: cheap per-probe
// cost, but probe length grows without bound as the table approaches
// its 75% load factor, which is why insertOrFind refuses to reserve a
// cell past that point and instead triggers a migration.
type LinearMap struct {
	root atomic.Pointer[linearTable]
	kt   KeyTraits
	vt   ValueTraits
	reg  *Registry
}

// LinearMapConfig collects NewLinearMap's options.
type LinearMapConfig struct {
	capacity  int
	keyTraits *KeyTraits
	registry  *Registry
}

// WithLinearCapacity rounds capacity up to a power of two no smaller
// than 4 and presizes the initial table to it.
func WithLinearCapacity(capacity int) func(*LinearMapConfig) {
	return func(c *LinearMapConfig) { c.capacity = capacity }
}

// WithLinearKeyTraits overrides the default avalanche hash/dehash pair.
func WithLinearKeyTraits(kt KeyTraits) func(*LinearMapConfig) {
	return func(c *LinearMapConfig) { c.keyTraits = &kt }
}

// WithLinearRegistry ties this map's retirement traffic to reg instead
// of the process-wide DefaultRegistry.
func WithLinearRegistry(reg *Registry) func(*LinearMapConfig) {
	return func(c *LinearMapConfig) { c.registry = reg }
}

// NewLinearMap constructs a LinearMap ready for use.
func NewLinearMap(options ...func(*LinearMapConfig)) *LinearMap {
	cfg := LinearMapConfig{capacity: linearInitialSize}
	for _, opt := range options {
		opt(&cfg)
	}
	size := nextPowerOf2(cfg.capacity)
	if size < 4 {
		size = 4
	}
	m := &LinearMap{vt: DefaultValueTraits, reg: cfg.registry}
	if cfg.keyTraits != nil {
		m.kt = *cfg.keyTraits
	} else {
		m.kt = DefaultKeyTraits
	}
	if m.reg == nil {
		m.reg = DefaultRegistry
	}
	m.root.Store(newLinearTable(size))
	return m
}

func (m *LinearMap) registry() *Registry { return m.reg }

// publishLinearMigration is called by exactly one thread, the last
// worker out of a successful migration. There are no racing calls.
func (m *LinearMap) publishLinearMigration(migration *linearMigration) {
	m.root.Store(migration.dest)
}

// recoverOverflowedLinearMigration builds a successor migration that
// re-includes the overflowed destination as an extra source and whose
// new destination doubles that destination's size, then publishes it
// in place of the failed one. Ownership of the original sources
// transfers to the successor so the failed migration's retire doesn't
// free tables the successor still needs.
func (m *LinearMap) recoverOverflowedLinearMigration(migration *linearMigration) {
	origTable := migration.tables[0]
	origTable.mu.Lock()
	defer origTable.mu.Unlock()
	if origTable.coord.Current() != migration {
		// A newer migration already replaced this one.
		return
	}
	newDest := newLinearTable(int(migration.dest.sizeMask+1) * 2)
	sources := append([]*linearTable{}, migration.tables...)
	for i := range migration.tables {
		migration.tables[i] = nil // transfer ownership; retire must not free these
	}
	sources = append(sources, migration.dest)
	successor := newLinearMigration(m, sources, newDest)
	origTable.coord.Publish(successor)
}

// LinearMutator bundles a located cell with the value last observed in
// it, so repeated inspect-then-update logic can share one table lookup.
// The Context it was obtained under must not be Quiesced while the
// Mutator is alive; call Release first.
type LinearMutator struct {
	ctx   *Context
	m     *LinearMap
	table *linearTable
	cell  *cell
	value uint64
}

// Release ends the Mutator's hold on ctx, permitting Quiesce again.
func (mu *LinearMutator) Release() {
	if mu.ctx != nil {
		mu.ctx.exitMutator()
		mu.ctx = nil
	}
}

// Value returns the value observed when the Mutator was constructed or
// last updated by Exchange/Erase; it never re-reads the cell.
func (mu *LinearMutator) Value() uint64 { return mu.value }

// Find locates key without inserting it. The returned Mutator's
// Value() is NullValue, and its cell field is unset, if key is absent.
func (m *LinearMap) Find(ctx *Context, key uint64) *LinearMutator {
	checkKey(key, &m.kt)
	ctx.enterMutator()
	hash := m.kt.Hash(key)
	mu := &LinearMutator{ctx: ctx, m: m, value: NullValue}
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

// InsertOrFind locates key, reserving a new cell for it if absent.
func (m *LinearMap) InsertOrFind(ctx *Context, key uint64) *LinearMutator {
	checkKey(key, &m.kt)
	ctx.enterMutator()
	hash := m.kt.Hash(key)
	mu := &LinearMutator{ctx: ctx, m: m, value: NullValue}
	mustDouble := false
	for {
		mu.table = m.root.Load()
		cellPtr, outcome := mu.table.insertOrFind(hash)
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
			beginLinearMigration(m, mu.table, mustDouble)
		}
		mu.table.coord.Participate()
		mustDouble = true
	}
}

// Exchange installs desired into the Mutator's cell, joining and
// retrying through any migrations that supersede it along the way, and
// returns the value that was there immediately before.
func (mu *LinearMutator) Exchange(desired uint64) uint64 {
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
			// A racing write (or erase) landed first; treat our write as
			// having happened first and been immediately overwritten.
			mu.value = desired
			return desired
		}
		hash := mu.cell.hash.Load()
		for {
			mu.table.coord.Participate()
			mu.table = mu.m.root.Load()
			mu.value = NullValue
			cellPtr, outcome := mu.table.insertOrFind(hash)
			mu.cell = cellPtr
			switch outcome {
			case outcomeAlreadyPresent:
				mu.value = cellPtr.value.Load()
				if mu.value == Redirect {
					continue
				}
			case outcomeOverflow:
				beginLinearMigration(mu.m, mu.table, mustDouble)
				mustDouble = true
				continue
			}
			break
		}
	}
}

// Assign is an alias for Exchange, matching the two equivalent names
// the public map API exposes.
func (mu *LinearMutator) Assign(desired uint64) uint64 { return mu.Exchange(desired) }

// Erase clears the Mutator's cell to NullValue, joining and retrying
// through any migrations that supersede it along the way.
func (mu *LinearMutator) Erase() uint64 {
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

// Get returns the value associated with key, or NullValue if absent.
func (m *LinearMap) Get(ctx *Context, key uint64) uint64 {
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

// Assign installs value for key and returns the previous value.
func (m *LinearMap) Assign(ctx *Context, key, value uint64) uint64 {
	mu := m.InsertOrFind(ctx, key)
	defer mu.Release()
	return mu.Exchange(value)
}

// Exchange is an alias for Assign.
func (m *LinearMap) Exchange(ctx *Context, key, value uint64) uint64 {
	return m.Assign(ctx, key, value)
}

// Erase removes key and returns the value it held, or NullValue.
func (m *LinearMap) Erase(ctx *Context, key uint64) uint64 {
	mu := m.Find(ctx, key)
	defer mu.Release()
	if mu.cell == nil {
		return NullValue
	}
	return mu.Erase()
}

// LinearIterator walks a snapshot of the root taken at construction.
// It is weakly consistent: a migration that begins after the snapshot
// may cause entries to be missed or (if the iterator is still on the
// old table when cells are redirected) yield none of the tombstoned
// cells, but never yields a cell mid-transition.
type LinearIterator struct {
	ctx   *Context
	table *linearTable
	idx   int64
	hash  uint64
	value uint64
	kt    *KeyTraits
}

// Iterate snapshots the current root and positions the iterator before
// its first entry; call Next to advance.
func (m *LinearMap) Iterate(ctx *Context) *LinearIterator {
	ctx.enterMutator()
	return &LinearIterator{ctx: ctx, table: m.root.Load(), idx: -1, kt: &m.kt}
}

// Release ends the iterator's hold on ctx.
func (it *LinearIterator) Release() {
	if it.ctx != nil {
		it.ctx.exitMutator()
		it.ctx = nil
	}
}

// Next advances to the next live cell and reports whether one exists.
func (it *LinearIterator) Next() bool {
	for {
		it.idx++
		if uint64(it.idx) > it.table.sizeMask {
			it.hash, it.value = NullHash, NullValue
			return false
		}
		c := &it.table.cells[it.idx]
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

// Key returns the current entry's key. Valid only after Next returns true.
func (it *LinearIterator) Key() uint64 { return it.kt.Dehash(it.hash) }

// Value returns the current entry's value. Valid only after Next returns true.
func (it *LinearIterator) Value() uint64 { return it.value }
