package lfmap

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

type countingJob struct {
	n *atomic.Int64
}

func (j countingJob) Run() { j.n.Add(1) }

func TestJobCoordinatorParticipateRunsPublishedJob(t *testing.T) {
	c := NewJobCoordinator()
	require.Nil(t, c.Current())

	var n atomic.Int64
	ran := make(chan struct{})
	job := jobFunc(func() {
		n.Add(1)
		close(ran)
	})

	// Publish before the participant starts: Participate's first read
	// then observes a non-nil, non-end slot directly and runs it without
	// ever entering the blocking wait path, so it is guaranteed to run
	// exactly once regardless of goroutine scheduling.
	c.Publish(job)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.Participate()
	}()

	<-ran
	c.End()
	wg.Wait()

	require.Equal(t, int64(1), n.Load())
	require.Nil(t, c.Current())
}

func TestJobCoordinatorRunOneIsSynchronous(t *testing.T) {
	c := NewJobCoordinator()
	var n atomic.Int64
	c.RunOne(countingJob{n: &n})
	require.Equal(t, int64(1), n.Load())
}

func TestJobCoordinatorChainedJobsRunInOrder(t *testing.T) {
	c := NewJobCoordinator()
	var order []int
	ran1, proceed1 := make(chan struct{}), make(chan struct{})
	ran2 := make(chan struct{})
	job1 := jobFunc(func() {
		order = append(order, 1)
		close(ran1)
		<-proceed1
	})
	job2 := jobFunc(func() {
		order = append(order, 2)
		close(ran2)
	})

	// Publishing job1 before the participant starts makes its first
	// observation deterministic: Participate's loadConsume sees a
	// non-nil slot immediately and runs it without blocking.
	c.Publish(job1)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.Participate()
	}()

	<-ran1
	c.Publish(job2)
	close(proceed1)
	<-ran2
	c.End()
	wg.Wait()

	require.Equal(t, []int{1, 2}, order)
}

type jobFunc func()

func (f jobFunc) Run() { f() }
