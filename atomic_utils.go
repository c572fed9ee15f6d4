package lfmap

import (
	"sync/atomic"
	"unsafe"
)

// loadPointer and storePointerNoWB back JobCoordinator's single-slot job
// publication. They are thin wrappers over the standard atomic pointer
// ops rather than direct field access, matching how the rest of this
// package keeps every cross-goroutine read/write behind a named atomic
// helper instead of ad-hoc unsafe casts.
//
//go:nosplit
func loadPointer(addr *unsafe.Pointer) unsafe.Pointer {
	return atomic.LoadPointer(addr)
}

// storePointerNoWB stores a pointer value at the given address.
// Callers serialize concurrent publication themselves (JobCoordinator
// does so under its condition-pair mutex), so this need not itself CAS.
//
//go:nosplit
func storePointerNoWB(addr *unsafe.Pointer, val unsafe.Pointer) {
	atomic.StorePointer(addr, val)
}
