package lfmap

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLinearMapSequentialBasics(t *testing.T) {
	reg := NewRegistry()
	m := NewLinearMap(WithLinearCapacity(4), WithLinearRegistry(reg))
	ctx := reg.NewContext()
	defer ctx.Destroy()

	require.Equal(t, uint64(0), m.Assign(ctx, 5, 0x50))
	require.Equal(t, uint64(0), m.Assign(ctx, 9, 0x90))
	require.Equal(t, uint64(0), m.Assign(ctx, 13, 0xD0))

	require.Equal(t, uint64(0x50), m.Get(ctx, 5))
	require.Equal(t, uint64(0x90), m.Get(ctx, 9))
	require.Equal(t, uint64(0xD0), m.Get(ctx, 13))
	require.Equal(t, uint64(0), m.Get(ctx, 17))

	require.Equal(t, uint64(0x90), m.Erase(ctx, 9))
	require.Equal(t, uint64(0), m.Get(ctx, 9))

	got := map[uint64]uint64{}
	it := m.Iterate(ctx)
	for it.Next() {
		got[it.Key()] = it.Value()
	}
	it.Release()
	require.Equal(t, map[uint64]uint64{5: 0x50, 13: 0xD0}, got)
}

func TestLinearMapForcedResize(t *testing.T) {
	reg := NewRegistry()
	m := NewLinearMap(WithLinearCapacity(4), WithLinearRegistry(reg))
	ctx := reg.NewContext()
	defer ctx.Destroy()

	for k := uint64(1); k <= 100; k++ {
		m.Assign(ctx, k, k<<2)
	}
	for k := uint64(1); k <= 100; k++ {
		require.Equal(t, k<<2, m.Get(ctx, k), "key %d", k)
	}
	require.GreaterOrEqual(t, m.root.Load().sizeMask+1, uint64(128))
}

func TestLinearMapRedirectFollow(t *testing.T) {
	reg := NewRegistry()
	m := NewLinearMap(WithLinearCapacity(4), WithLinearRegistry(reg))

	const target = 4242
	var wg sync.WaitGroup
	var lastAssigned uint64

	wg.Add(2)
	go func() {
		defer wg.Done()
		ctx := reg.NewContext()
		defer ctx.Destroy()
		for v := uint64(1); v <= 500; v++ {
			if v == Redirect || v == NullValue {
				continue
			}
			m.Assign(ctx, target, v)
			lastAssigned = v
			ctx.Quiesce()
		}
	}()
	go func() {
		defer wg.Done()
		ctx := reg.NewContext()
		defer ctx.Destroy()
		for k := uint64(10000); k < 10500; k++ {
			m.Assign(ctx, k, 2)
			ctx.Quiesce()
		}
	}()
	wg.Wait()

	ctx := reg.NewContext()
	defer ctx.Destroy()
	got := m.Get(ctx, target)
	require.NotEqual(t, NullValue, got)
	require.NotEqual(t, Redirect, got)
	require.Equal(t, lastAssigned, got)
}

func TestLinearMapStoreBuffer(t *testing.T) {
	for trial := 0; trial < 200; trial++ {
		reg := NewRegistry()
		m := NewLinearMap(WithLinearCapacity(4), WithLinearRegistry(reg))
		ctxA := reg.NewContext()
		ctxB := reg.NewContext()

		var wg sync.WaitGroup
		var r1, r2 uint64
		wg.Add(2)
		go func() {
			defer wg.Done()
			m.Assign(ctxA, 1001, 2)
			r1 = m.Get(ctxA, 1002)
		}()
		go func() {
			defer wg.Done()
			m.Assign(ctxB, 1002, 2)
			r2 = m.Get(ctxB, 1001)
		}()
		wg.Wait()
		ctxA.Destroy()
		ctxB.Destroy()

		require.False(t, r1 == 0 && r2 == 0, "trial %d: store-buffer anomaly", trial)
	}
}

func TestLinearMapReclamationSafety(t *testing.T) {
	reg := NewRegistry()
	m := NewLinearMap(WithLinearCapacity(4), WithLinearRegistry(reg))
	ctx := reg.NewContext()
	defer ctx.Destroy()

	mu := m.InsertOrFind(ctx, 77)
	mu.Exchange(0x77)

	// Force a migration so the table mu's cell lives in gets retired.
	other := reg.NewContext()
	for k := uint64(1); k <= 100; k++ {
		m.Assign(other, k, 2)
	}
	other.Destroy()

	require.Panics(t, func() { ctx.Quiesce() }, "Quiesce with a live Mutator must be a policy violation")
	mu.Release()
	ctx.Quiesce()
}

func TestLinearMapAssignEraseRoundTrip(t *testing.T) {
	reg := NewRegistry()
	m := NewLinearMap(WithLinearRegistry(reg))
	ctx := reg.NewContext()
	defer ctx.Destroy()

	for i := uint64(1); i <= 50; i++ {
		m.Assign(ctx, i, i*3)
		require.Equal(t, i*3, m.Get(ctx, i))
		require.Equal(t, i*3, m.Erase(ctx, i))
		require.Equal(t, uint64(0), m.Get(ctx, i))
		require.Equal(t, uint64(0), m.Erase(ctx, i))
	}
}

func TestLinearMapMisuse(t *testing.T) {
	reg := NewRegistry()
	m := NewLinearMap(WithLinearRegistry(reg))
	ctx := reg.NewContext()
	defer ctx.Destroy()

	require.Panics(t, func() { m.Assign(ctx, NullKey, 1) })
	require.Panics(t, func() { m.Assign(ctx, 1, NullValue) })
	require.Panics(t, func() { m.Assign(ctx, 1, Redirect) })
}

func TestLinearMapConcurrentChurn(t *testing.T) {
	reg := NewRegistry()
	m := NewLinearMap(WithLinearCapacity(4), WithLinearRegistry(reg))

	const workers = 8
	const perWorker = 2000
	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func(w int) {
			defer wg.Done()
			ctx := reg.NewContext()
			defer ctx.Destroy()
			for i := 0; i < perWorker; i++ {
				key := uint64(w*perWorker+i) + 1
				m.Assign(ctx, key, key<<2)
				if i%7 == 0 {
					ctx.Quiesce()
				}
			}
		}(w)
	}
	wg.Wait()

	ctx := reg.NewContext()
	defer ctx.Destroy()
	for w := 0; w < workers; w++ {
		for i := 0; i < perWorker; i++ {
			key := uint64(w*perWorker+i) + 1
			require.Equal(t, key<<2, m.Get(ctx, key), fmt.Sprintf("worker %d index %d", w, i))
		}
	}
}
