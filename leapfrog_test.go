package lfmap

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLeapfrogMapSequentialBasics(t *testing.T) {
	reg := NewRegistry()
	m := NewLeapfrogMap(WithLeapfrogCapacity(4), WithLeapfrogRegistry(reg))
	ctx := reg.NewContext()
	defer ctx.Destroy()

	m.Assign(ctx, 5, 0x50)
	m.Assign(ctx, 9, 0x90)
	m.Assign(ctx, 13, 0xD0)

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

func TestLeapfrogMapForcedResize(t *testing.T) {
	reg := NewRegistry()
	m := NewLeapfrogMap(WithLeapfrogCapacity(4), WithLeapfrogRegistry(reg))
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

func TestLeapfrogMapRedirectFollow(t *testing.T) {
	reg := NewRegistry()
	m := NewLeapfrogMap(WithLeapfrogCapacity(4), WithLeapfrogRegistry(reg))

	const target = 9001
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
		for k := uint64(20000); k < 20500; k++ {
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

func TestLeapfrogMapAssignEraseRoundTrip(t *testing.T) {
	reg := NewRegistry()
	m := NewLeapfrogMap(WithLeapfrogRegistry(reg))
	ctx := reg.NewContext()
	defer ctx.Destroy()

	for i := uint64(1); i <= 50; i++ {
		m.Assign(ctx, i, i*5)
		require.Equal(t, i*5, m.Get(ctx, i))
		require.Equal(t, i*5, m.Erase(ctx, i))
		require.Equal(t, uint64(0), m.Get(ctx, i))
	}
}

func TestLeapfrogMapConcurrentChurn(t *testing.T) {
	reg := NewRegistry()
	m := NewLeapfrogMap(WithLeapfrogCapacity(4), WithLeapfrogRegistry(reg))

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
			require.Equal(t, key<<2, m.Get(ctx, key))
		}
	}
}
