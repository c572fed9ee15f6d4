package lfmap

import "sync/atomic"

const bucketLinearSearchLimit = 128

// cellGroup is four adjacent cells plus the delta links used to chain
// every cell that hashes into this group's bucket, whether or not it
// physically lives here. deltas[0:4] link the home cell (index idx&3)
// to the second cell in its bucket's probe chain; deltas[4:8] link
// each subsequent cell in the chain to the next one. A zero delta ends
// the chain. Deltas are stored as atomic.Uint32 rather than a single
// byte because the standard library has no atomic byte type; only the
// low 8 bits are ever written.
type cellGroup struct {
	deltas [8]atomic.Uint32
	cells  [4]cell
}

// bucketTable is the bucketed, delta-chained table core shared by the
// Leapfrog and Grampa variants: both link same-bucket cells together
// with short intra-bucket deltas and fall back to bounded linear
// probing once a chain ends, differing only in what sits around this
// core (Leapfrog has one global table; Grampa shards many of these
// leaves behind a FlatTree).
type bucketTable struct {
	groups   []cellGroup
	sizeMask uint64
}

func newBucketTable(size int) bucketTable {
	return bucketTable{groups: make([]cellGroup, size>>2), sizeMask: uint64(size - 1)}
}

func (t *bucketTable) numMigrationUnits(unitSize uint64) int {
	return int(t.sizeMask/unitSize) + 1
}

func (t *bucketTable) group(idx uint64) *cellGroup {
	return &t.groups[(idx&t.sizeMask)>>2]
}

func (t *bucketTable) cellAt(idx uint64) *cell {
	return &t.group(idx).cells[idx&3]
}

// find returns the cell holding hash, or nil if hash's bucket chain
// (starting from its optimistically-checked home cell) ends without
// finding it.
func (t *bucketTable) find(hash uint64) *cell {
	sizeMask := t.sizeMask
	idx := hash & sizeMask
	g := t.group(idx)
	c := &g.cells[idx&3]
	h := c.hash.Load()
	if h == hash {
		return c
	}
	if h == NullHash {
		return nil
	}
	delta := g.deltas[idx&3].Load()
	for delta != 0 {
		idx = (idx + uint64(delta)) & sizeMask
		g = t.group(idx)
		c = &g.cells[idx&3]
		h = c.hash.Load()
		if h == hash {
			return c
		}
		delta = g.deltas[(idx&3)+4].Load()
	}
	return nil
}

func (t *bucketTable) insertOrFind(hash uint64) (*cell, probeOutcome) {
	c, outcome, _ := t.insertOrFindTracked(hash)
	return c, outcome
}

// insertOrFindTracked locates hash's cell, extending its bucket's
// delta chain (via linear probing past the chain's current end) to
// reserve a new one if necessary, and additionally reports the index
// one past the last cell probed when the result is outcomeOverflow
// (used to seed an occupancy sample at the point of failure). If a
// linear probe lands on a cell that turns out to belong to the same
// bucket as hash but arrived after our chain walk started, we link it
// in on its own behalf and retry the chain walk from where we left
// off, rather than inserting a duplicate entry for that bucket.
func (t *bucketTable) insertOrFindTracked(hash uint64) (*cell, probeOutcome, uint64) {
	sizeMask := t.sizeMask
	idx := hash
	g := t.group(idx)
	c := &g.cells[idx&3]
	probeHash := c.hash.Load()
	if probeHash == NullHash {
		if c.hash.CompareAndSwap(NullHash, hash) {
			return c, outcomeInserted, 0
		}
		probeHash = c.hash.Load()
	}
	if probeHash == hash {
		return c, outcomeAlreadyPresent, 0
	}

	maxIdx := idx + sizeMask
	linkLevel := uint64(0)

followLink:
	for {
		prevGroup := g
		prevSlot := (idx & 3) + linkLevel
		linkLevel = 4
		probeDelta := prevGroup.deltas[prevSlot].Load()
		if probeDelta != 0 {
			idx += uint64(probeDelta)
			g = t.group(idx)
			c = &g.cells[idx&3]
			probeHash = c.hash.Load()
			for probeHash == NullHash {
				// Linked, but the hash write hasn't become visible yet; poll.
				probeHash = c.hash.Load()
			}
			if probeHash == hash {
				return c, outcomeAlreadyPresent, 0
			}
			continue followLink
		}

		// End of the chain: linearly probe for a free cell or a
		// late-arriving same-bucket cell, bounded so a single bucket can
		// never monopolize the whole table.
		prevLinkIdx := idx
		remaining := maxIdx - idx
		if remaining > bucketLinearSearchLimit {
			remaining = bucketLinearSearchLimit
		}
		for remaining > 0 {
			remaining--
			idx++
			g = t.group(idx)
			c = &g.cells[idx&3]
			probeHash = c.hash.Load()
			if probeHash == NullHash {
				if c.hash.CompareAndSwap(NullHash, hash) {
					prevGroup.deltas[prevSlot].Store(uint32(idx - prevLinkIdx))
					return c, outcomeInserted, 0
				}
				probeHash = c.hash.Load()
			}
			x := probeHash ^ hash
			if x == 0 {
				return c, outcomeAlreadyPresent, 0
			}
			if x&sizeMask == 0 {
				prevGroup.deltas[prevSlot].Store(uint32(idx - prevLinkIdx))
				continue followLink
			}
		}
		return nil, outcomeOverflow, idx + 1
	}
}
