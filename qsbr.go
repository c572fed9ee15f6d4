package lfmap

import "sync"

// Registry is a quiescent-state-based reclamation domain: a set of
// registered Contexts plus a queue of retirement actions that are run
// once every currently-registered context has declared itself
// quiescent since the action was enqueued.
//
// A two-phase pending/deferred buffer ensures an action enqueued during
// epoch N runs no earlier than epoch N+1: an action queued after some
// contexts have already quiesced this epoch must still wait for those
// contexts to quiesce again in the next epoch, since they may be
// holding a reference taken before the enqueue.
//
// The zero value is not usable; construct with NewRegistry. Most
// programs can share DefaultRegistry across every map instance. A
// program that wants per-map isolation (so that one map's retirement
// traffic never blocks on a thread that never touches it) can construct
// its own Registry and tie it to the threads that use that map.
type Registry struct {
	mu          sync.Mutex
	status      []ctxStatus
	freeIndex   int // -1 when empty
	numContexts int
	remaining   int
	deferred    []func()
	pending     []func()
}

type ctxStatus struct {
	inUse    bool
	wasIdle  bool
	nextFree int
}

// DefaultRegistry is the process-wide registry used by maps constructed
// without an explicit WithLinearRegistry, WithLeapfrogRegistry or
// WithGrampaRegistry option.
var DefaultRegistry = NewRegistry()

// NewRegistry constructs an empty reclamation domain.
func NewRegistry() *Registry {
	return &Registry{freeIndex: -1}
}

// Context is a per-thread (per-goroutine, in practice: per logical
// worker) handle into a Registry. A goroutine that reads or writes map
// internals must hold one for the duration of its use of the map, and
// must never call Quiesce while a Mutator obtained under this context
// is still alive.
type Context struct {
	reg          *Registry
	idx          int
	mutatorDepth int32
}

// NewContext registers a new context in r and returns it. The caller
// must call Destroy when the thread is done using the map.
func (r *Registry) NewContext() *Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.numContexts++
	r.remaining++
	idx := r.freeIndex
	if idx >= 0 {
		r.freeIndex = r.status[idx].nextFree
		r.status[idx] = ctxStatus{inUse: true}
	} else {
		idx = len(r.status)
		r.status = append(r.status, ctxStatus{inUse: true})
	}
	return &Context{reg: r, idx: idx}
}

// NewContext registers a new context in the default registry.
func NewContext() *Context { return DefaultRegistry.NewContext() }

// Destroy unregisters ctx. It must be called exactly once, and never
// while a Mutator taken under ctx is still alive.
func (ctx *Context) Destroy() {
	if ctx.mutatorDepth != 0 {
		misuse("Context.Destroy called with a live Mutator outstanding")
	}
	r := ctx.reg
	var ready []func()
	r.mu.Lock()
	st := &r.status[ctx.idx]
	if st.inUse && !st.wasIdle {
		r.remaining--
	}
	st.inUse = false
	st.nextFree = r.freeIndex
	r.freeIndex = ctx.idx
	r.numContexts--
	if r.remaining == 0 {
		ready = r.onAllQuiescentStatesPassed()
	}
	r.mu.Unlock()
	for _, action := range ready {
		action()
	}
}

// Quiesce declares that ctx currently holds no references into any
// table reachable from a map using this registry. Call it regularly,
// e.g. once per request or once per loop iteration, so that tables
// retired by concurrent migrations can eventually be freed.
//
// It is a policy violation to call Quiesce while a Mutator obtained
// under ctx has not yet been released; doing so could let a retired
// cell be freed out from under the live Mutator, and panics.
func (ctx *Context) Quiesce() {
	if ctx.mutatorDepth != 0 {
		misuse("Context.Quiesce called with a live Mutator outstanding")
	}
	r := ctx.reg
	var ready []func()
	r.mu.Lock()
	st := &r.status[ctx.idx]
	if !st.inUse {
		misuse("Context.Quiesce called on a destroyed context")
	}
	if st.wasIdle {
		r.mu.Unlock()
		return
	}
	st.wasIdle = true
	r.remaining--
	if r.remaining == 0 {
		ready = r.onAllQuiescentStatesPassed()
	}
	r.mu.Unlock()
	for _, action := range ready {
		action()
	}
}

// onAllQuiescentStatesPassed must be called with r.mu held. It returns
// the previously pending queue (to run now), promotes the deferred queue
// into pending (to run when the next epoch closes), empties deferred,
// and resets every context's idle flag for the next epoch.
func (r *Registry) onAllQuiescentStatesPassed() []func() {
	ready := r.pending
	r.pending = r.deferred
	r.deferred = nil
	r.remaining = r.numContexts
	for i := range r.status {
		r.status[i].wasIdle = false
	}
	return ready
}

// Enqueue defers action until every context currently registered in r
// has quiesced at least once since the call. Used to retire tables and
// migration objects without racing a reader that is still inside them.
func (r *Registry) Enqueue(action func()) {
	r.mu.Lock()
	r.deferred = append(r.deferred, action)
	r.mu.Unlock()
}

// Flush runs every outstanding action immediately, pending and
// deferred alike. Valid only when no concurrent map operation is in
// flight on this registry; intended for use at process shutdown.
func (r *Registry) Flush() {
	r.mu.Lock()
	pending := r.pending
	deferred := r.deferred
	r.pending = nil
	r.deferred = nil
	r.remaining = r.numContexts
	r.mu.Unlock()
	for _, action := range pending {
		action()
	}
	for _, action := range deferred {
		action()
	}
}

// enterMutator and exitMutator bracket the lifetime of a Mutator handle
// so Quiesce can detect the policy violation described above.
func (ctx *Context) enterMutator() { ctx.mutatorDepth++ }
func (ctx *Context) exitMutator()  { ctx.mutatorDepth-- }
