package lfmap

import (
	"sync"
	"unsafe"
)

// Job is a unit of work published through a JobCoordinator. Migrations
// are the only Jobs in this package, but the type is exported because a
// Job's Run method is allowed to call RunOne or Participate recursively —
// the Grampa map shell calls RunOne this way when a FlatTree migration
// must be driven to completion before a chained table migration can
// publish.
type Job interface {
	Run()
}

// condPair bundles a mutex and its condition variable. JobCoordinators
// share a small striped bank of these instead of each owning one, to
// bound memory when a map accumulates many short-lived tables.
type condPair struct {
	mu   sync.Mutex
	cond *sync.Cond
}

type conditionBank struct {
	pairs []*condPair
	mask  uintptr
}

func newConditionBank(stripes int) *conditionBank {
	n := 1
	for n < stripes {
		n <<= 1
	}
	b := &conditionBank{pairs: make([]*condPair, n), mask: uintptr(n - 1)}
	for i := range b.pairs {
		p := &condPair{}
		p.cond = sync.NewCond(&p.mu)
		b.pairs[i] = p
	}
	return b
}

func (b *conditionBank) get(key unsafe.Pointer) *condPair {
	h := uintptr(key) * 0x9E3779B185EBCA87
	return b.pairs[(h>>7)&b.mask]
}

var defaultConditionBank = newConditionBank(64)

// jobSlot is the value stored in a JobCoordinator's atomic job pointer.
// A nil *jobSlot means no job has ever been published. A slot with
// end set true is the sentinel written by End; a Participate loop that
// observes it returns rather than running anything.
type jobSlot struct {
	job Job
	end bool
}

// JobCoordinator is a single-slot job publisher: any number of threads
// may Participate concurrently, each running the currently-published
// job and blocking on a shared condition variable when none is
// published, until End is called.
//
// It is safe to call Participate and RunOne from within a Job's own
// Run method (recursive participation), which is exactly how a Grampa
// table migration drives a nested FlatTree migration to completion
// before proceeding.
type JobCoordinator struct {
	pair *condPair
	job  unsafePointerAtomic
}

// unsafePointerAtomic holds the coordinator's published *jobSlot; it is
// only read and written through loadPointer and storePointerNoWB. The
// zero value of JobCoordinator is not usable because its pair is nil;
// construct one with NewJobCoordinator.
type unsafePointerAtomic struct {
	ptr unsafe.Pointer
}

// NewJobCoordinator constructs a coordinator with no published job.
func NewJobCoordinator() *JobCoordinator {
	c := &JobCoordinator{}
	c.pair = defaultConditionBank.get(unsafe.Pointer(c))
	return c
}

func (c *JobCoordinator) loadConsume() *jobSlot {
	return (*jobSlot)(loadPointer(&c.job.ptr))
}

// storeRelease publishes job and wakes every blocked participant.
func (c *JobCoordinator) storeRelease(slot *jobSlot) {
	c.pair.mu.Lock()
	storePointerNoWB(&c.job.ptr, unsafe.Pointer(slot))
	c.pair.mu.Unlock()
	c.pair.cond.Broadcast()
}

// Publish stores job as the coordinator's current job, under the
// table's own mutex per the double-checked-lazy-init discipline
// described for migrations; it does not run the job.
func (c *JobCoordinator) Publish(job Job) {
	c.storeRelease(&jobSlot{job: job})
}

// Current returns the job most recently published, or nil if none has
// been published (or the coordinator has ended).
func (c *JobCoordinator) Current() Job {
	s := c.loadConsume()
	if s == nil || s.end {
		return nil
	}
	return s.job
}

// Participate runs the currently published job, then re-checks for a
// newer (chained) job and runs that too, repeating until End is called.
// It blocks on the coordinator's condition variable whenever the
// published job is unchanged since its last observation.
func (c *JobCoordinator) Participate() {
	var prev *jobSlot
	for {
		slot := c.loadConsume()
		if slot == prev {
			c.pair.mu.Lock()
			for {
				slot = c.loadConsume()
				if slot != prev {
					break
				}
				c.pair.cond.Wait()
			}
			c.pair.mu.Unlock()
		}
		if slot.end {
			return
		}
		slot.job.Run()
		prev = slot
	}
}

// RunOne publishes job then runs it directly on the calling goroutine,
// for callers that need synchronous completion before proceeding (e.g.
// GrampaMap.publishTableMigration, which must finish growing the
// flattree before it can publish a subtree into it).
func (c *JobCoordinator) RunOne(job Job) {
	c.storeRelease(&jobSlot{job: job})
	job.Run()
}

// End publishes the end sentinel and wakes every blocked participant,
// which then return from Participate.
func (c *JobCoordinator) End() {
	c.storeRelease(&jobSlot{end: true})
}
