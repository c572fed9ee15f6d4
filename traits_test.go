package lfmap

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAvalancheIsInvertible(t *testing.T) {
	require.Equal(t, NullHash, avalanche(NullKey))
	require.Equal(t, NullKey, dehash(NullHash))

	for _, k := range []uint64{1, 2, 3, 7, 255, 1 << 20, 1<<63 - 1, ^uint64(0), ^uint64(0) - 1} {
		h := avalanche(k)
		require.NotEqual(t, NullHash, h, "key %#x must not hash to the empty sentinel", k)
		require.Equal(t, k, dehash(h), "dehash(avalanche(%#x)) round-trip", k)
	}
}

func TestQSBRReclamationOrdering(t *testing.T) {
	reg := NewRegistry()
	ctxA := reg.NewContext()
	ctxB := reg.NewContext()

	ran := false
	reg.Enqueue(func() { ran = true })

	ctxA.Quiesce()
	require.False(t, ran, "action must not run before every context has quiesced")

	ctxB.Quiesce()
	require.False(t, ran, "action enqueued in epoch N must not run at epoch N's close, only N+1's")

	ctxA.Quiesce()
	ctxB.Quiesce()
	require.True(t, ran, "action must run once a full epoch has passed since every context quiesced")

	ctxA.Destroy()
	ctxB.Destroy()
}

func TestQSBRTwoPhaseDeferral(t *testing.T) {
	reg := NewRegistry()
	ctxA := reg.NewContext()
	ctxB := reg.NewContext()

	ctxA.Quiesce() // ctxA quiesces first, closing nothing yet this epoch

	ran := false
	reg.Enqueue(func() { ran = true }) // enqueued after ctxA, before ctxB, quiesced

	ctxB.Quiesce() // closes the epoch ctxA already passed; action deferred to next epoch
	require.False(t, ran, "an action enqueued mid-epoch must wait for the next full epoch")

	ctxA.Quiesce()
	ctxB.Quiesce()
	require.True(t, ran)

	ctxA.Destroy()
	ctxB.Destroy()
}

func TestQSBRQuiesceWithLiveMutatorPanics(t *testing.T) {
	reg := NewRegistry()
	ctx := reg.NewContext()
	defer ctx.Destroy()

	ctx.enterMutator()
	require.Panics(t, func() { ctx.Quiesce() })
	ctx.exitMutator()
	ctx.Quiesce()
}

func TestQSBRFlushRunsEverythingImmediately(t *testing.T) {
	reg := NewRegistry()
	ctx := reg.NewContext()
	n := 0
	reg.Enqueue(func() { n++ })
	reg.Enqueue(func() { n++ })
	reg.Flush()
	require.Equal(t, 2, n)
	ctx.Destroy()
}
