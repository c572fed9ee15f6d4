// Package lfmap implements lock-free, resizable, open-addressed hash maps
// for many-reader/many-writer workloads on shared-memory multiprocessors.
//
// Three variants are provided, each built on the same reclamation and
// migration machinery but differing in how a single table probes for a
// hash:
//
//   - LinearMap: one global table, linear probing, 75% max load factor.
//   - LeapfrogMap: one global table, bucketed probing with short
//     per-bucket delta chains bounding probe length.
//   - GrampaMap: a flat array of Leapfrog-style leaf tables indexed by
//     the high-order bits of the hash; leaves and the index itself may
//     be migrated independently of one another.
//
// Keys and values are machine-word sized integers. Two values are
// reserved: NullValue (0) marks an empty or erased cell, and Redirect (1)
// marks a cell that has been superseded by an in-progress migration.
// Callers must not insert either sentinel as a value, and must not use
// NullKey as a key; doing so is a programming error and panics.
//
// Every goroutine that touches a map must hold a reclamation Context
// (see NewContext) for the lifetime of its use of the map, and must
// call Context.Quiesce at regular intervals (e.g. once per request, once
// per loop iteration) to let retired tables be freed. Holding a Mutator
// across a call to Quiesce is a policy violation and panics.
package lfmap
