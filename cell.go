package lfmap

import "sync/atomic"

// cell is the atomic (hash, value) pair shared by every table variant:
// Linear's flat array, and the four-cell groups used by Leapfrog and
// Grampa leaves, are both built out of this type.
type cell struct {
	hash  atomic.Uint64
	value atomic.Uint64
}

// probeOutcome is the tagged result of insertOrFind on any table core.
type probeOutcome int

const (
	outcomeInserted probeOutcome = iota
	outcomeAlreadyPresent
	outcomeOverflow
)

// exchangeOutcome distinguishes how a cell-level value CAS resolved.
type exchangeOutcome int

const (
	exchangeOK exchangeOutcome = iota
	exchangeRedirect
)

// exchangeValue CASes newValue into the cell, returning the value that
// was there immediately before the call took effect. If a concurrent
// writer wins the race the call still reports exchangeOK, with prev set
// to newValue, and does not retry — per the map contract, the caller's
// write is treated as though it happened first and was immediately
// overwritten by the winner — unless the winner
// was Redirect, in which case the caller must join the in-progress
// migration and retry the whole operation against the new table.
func (c *cell) exchangeValue(newValue uint64, vt *ValueTraits) (prev uint64, outcome exchangeOutcome) {
	old := c.value.Load()
	if old == vt.Redirect {
		return 0, exchangeRedirect
	}
	if c.value.CompareAndSwap(old, newValue) {
		return old, exchangeOK
	}
	if c.value.Load() == vt.Redirect {
		return 0, exchangeRedirect
	}
	return newValue, exchangeOK
}

// eraseValue CASes the cell's value to NullValue from whatever
// non-null, non-Redirect value it currently holds. Race semantics
// mirror exchangeValue. The hash slot is left in place as a tombstone;
// tombstones are reclaimed by the next migration to touch this cell.
func (c *cell) eraseValue(vt *ValueTraits) (prev uint64, outcome exchangeOutcome) {
	old := c.value.Load()
	if old == vt.Redirect {
		return 0, exchangeRedirect
	}
	if old == vt.NullValue {
		return vt.NullValue, exchangeOK
	}
	if c.value.CompareAndSwap(old, vt.NullValue) {
		return old, exchangeOK
	}
	if c.value.Load() == vt.Redirect {
		return 0, exchangeRedirect
	}
	return vt.NullValue, exchangeOK
}

// destInserter locates the destination cell that a live source hash
// must be copied into. Linear and Leapfrog migrations have exactly one
// destination and ignore the hash when choosing it; Grampa migrations
// that split a leaf into siblings use it to pick among several.
type destInserter func(hash uint64) (*cell, probeOutcome)

// migrateCell drives one source cell through the migration state
// machine described for every variant's migrateRange: freeze empty and
// tombstoned cells against further local inserts, copy live cells
// forward to their destination, and keep republishing the source value
// to the destination if it changes again before the Redirect CAS lands.
//
// It returns true if copying the live value failed because the
// destination overflowed (only possible when the migration's live-
// count estimate undershot); the caller is responsible for reporting
// that failure up to the worker loop.
func migrateCell(c *cell, insertDest destInserter, vt *ValueTraits) (overflowed bool) {
	for {
		h := c.hash.Load()
		if h == NullHash {
			if c.value.CompareAndSwap(vt.NullValue, vt.Redirect) {
				return false
			}
			if c.value.Load() == vt.Redirect {
				return false
			}
			// Lost the freeze race because another thread is mid-reserve
			// (it CASed the hash field, independent of our value CAS).
			// Re-read the hash and fall through to the live-cell path.
			h = c.hash.Load()
			if h == NullHash {
				continue
			}
		}

		v := c.value.Load()
		if v == vt.NullValue {
			if c.value.CompareAndSwap(vt.NullValue, vt.Redirect) {
				return false
			}
			v = c.value.Load()
			if v == vt.Redirect {
				return false
			}
			// Someone published a real value between our two loads; v now
			// holds it and we fall through to the live-cell copy below.
		}
		if v == vt.Redirect {
			return false
		}

		destCell, outcome := insertDest(h)
		if outcome == outcomeOverflow {
			return true
		}
		// outcomeAlreadyPresent would violate the one-hash-per-source
		// invariant; outcomeInserted is the only other legal result.
		cur := v
		for {
			destCell.value.Store(cur)
			if c.value.CompareAndSwap(cur, vt.Redirect) {
				return false
			}
			newer := c.value.Load()
			if newer == vt.Redirect {
				return false
			}
			cur = newer
		}
	}
}
