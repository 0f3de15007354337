package gc

import (
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"

	"regiongc/domain/heap"
	"regiongc/infra/memory"
	"regiongc/infra/sequence"
)

var (
	// ErrEvacuationFailed is reported through the fatal handler when an object
	// fits neither its primary nor its fallback space.
	ErrEvacuationFailed = errors.New("gc: evacuation failed")
	// ErrClosed is returned by a runtime after Close.
	ErrClosed = errors.New("gc: runtime closed")
)

// Options configures a Runtime. Zero fields take defaults.
type Options struct {
	// Workers is the number of marking goroutines; 1 collects on the caller.
	Workers      int
	NodeCapacity int
	TLABSize     uint64
	// RelocationLiveRatio flags swept regions whose live bytes fall below
	// this fraction of their size as relocation candidates.
	RelocationLiveRatio float64
	// MixedThreshold is the old-space occupancy, as a fraction of its
	// capacity, from which Select picks a mixed cycle.
	MixedThreshold float64
	// FullFragmentation is the fraction of old regions flagged for
	// relocation from which Select picks a full cycle.
	FullFragmentation float64
	// ConcurrentSweep runs the sweep phase of mixed collections in the
	// background.
	ConcurrentSweep bool
	// VerifyAfter runs the heap verifier after every cycle.
	VerifyAfter bool
	Logger      *log.Logger
	// Fatal receives unrecoverable invariant violations. The default panics.
	Fatal func(error)
}

// withDefaults fills zero fields. Evacuation buffers are capped at half a
// region so a fresh region can always serve one.
func (o Options) withDefaults(regionSize uint64) Options {
	if o.Workers <= 0 {
		o.Workers = 1
	}
	if o.NodeCapacity <= 0 {
		o.NodeCapacity = DefaultNodeCapacity
	}
	if o.TLABSize == 0 {
		o.TLABSize = 4 << 10
	}
	if o.TLABSize > regionSize/2 {
		o.TLABSize = regionSize / 2
	}
	if o.RelocationLiveRatio == 0 {
		o.RelocationLiveRatio = 0.25
	}
	if o.MixedThreshold == 0 {
		o.MixedThreshold = 0.75
	}
	if o.FullFragmentation == 0 {
		o.FullFragmentation = 0.5
	}
	if o.Logger == nil {
		o.Logger = log.New(io.Discard, "", 0)
	}
	if o.Fatal == nil {
		o.Fatal = func(err error) { panic(err) }
	}
	return o
}

// Runtime owns the collector state that outlives one cycle: the worker pool,
// the root providers, the background sweeper and the retired-region queue.
// Collections are serialised; the caller must stop the mutator around
// Collect.
type Runtime struct {
	heap *heap.Heap
	opts Options
	pool *TaskPool
	seq  *sequence.Sequencer

	roots []heap.RootProvider
	weak  []heap.WeakRootProvider

	epoch   memory.Epoch
	retired *memory.Ring[memory.Retired[*heap.Region]]
	sweeper Sweeper
	// sweepReader keeps regions the sweeper is still touching out of the
	// pool.
	sweepReader *memory.ReaderEpoch

	// collecting serialises cycles. mu guards the fields below it.
	collecting sync.Mutex
	mu         sync.Mutex
	closed     bool
	last       *CycleStats
}

// NewRuntime builds a runtime collecting h.
func NewRuntime(h *heap.Heap, opts Options) *Runtime {
	opts = opts.withDefaults(h.Pool().RegionSize())
	rt := &Runtime{
		heap:    h,
		opts:    opts,
		pool:    NewTaskPool(opts.Workers),
		seq:     sequence.New(0),
		retired: memory.NewRing[memory.Retired[*heap.Region]](memory.NextPowerOfTwo(uint64(h.Pool().Slots()))),
	}
	rt.sweepReader = rt.NewReader()
	return rt
}

func (rt *Runtime) Heap() *heap.Heap    { return rt.heap }
func (rt *Runtime) Options() Options    { return rt.opts }
func (rt *Runtime) Logger() *log.Logger { return rt.opts.Logger }

// AddRoots registers a strong root provider.
func (rt *Runtime) AddRoots(p heap.RootProvider) {
	rt.mu.Lock()
	rt.roots = append(rt.roots, p)
	rt.mu.Unlock()
}

// AddWeakRoots registers a weak root provider, updated after every marking.
func (rt *Runtime) AddWeakRoots(p heap.WeakRootProvider) {
	rt.mu.Lock()
	rt.weak = append(rt.weak, p)
	rt.mu.Unlock()
}

// NewReader returns an epoch reader. Regions released by the collector are
// not reused while a reader that could have seen them is inside Enter/Exit.
func (rt *Runtime) NewReader() *memory.ReaderEpoch { return rt.epoch.NewReader() }

// WaitSweeper blocks until a background sweep, if any, has finished.
func (rt *Runtime) WaitSweeper() { rt.sweeper.Wait() }

// Sweeping reports whether a background sweep is in flight.
func (rt *Runtime) Sweeping() bool { return rt.sweeper.Running() }

// LastCycle returns the statistics of the most recent collection.
func (rt *Runtime) LastCycle() *CycleStats {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.last
}

// ResumeCycleIDs makes the next cycle ID follow last, so IDs stay unique
// across restarts that share a journal.
func (rt *Runtime) ResumeCycleIDs(last uint64) { rt.seq.Advance(last) }

// Close waits for background work and stops the worker pool.
func (rt *Runtime) Close() {
	rt.mu.Lock()
	if rt.closed {
		rt.mu.Unlock()
		return
	}
	rt.closed = true
	rt.mu.Unlock()
	rt.sweeper.Wait()
	rt.reclaim()
	rt.pool.Close()
}

// retire queues r for release once no reader can observe it.
func (rt *Runtime) retire(r *heap.Region) {
	if !memory.Retire(&rt.epoch, rt.retired, r) {
		panic(errors.AssertionFailedf("gc: retired-region ring full at %d entries", rt.retired.Len()))
	}
}

// reclaim returns retired regions to the pool. Only the collector goroutine
// calls it; the sweeper may be retiring regions at the same time.
func (rt *Runtime) reclaim() int {
	return memory.AdvanceEpochAndReclaim(&rt.epoch, rt.retired, rt.heap.ReleaseRegion)
}

// ---------------- per-cycle context ----------------

// Context is the state of one collection cycle. Nothing in it survives the
// cycle.
type Context struct {
	rt     *Runtime
	heap   *heap.Heap
	mem    *heap.Memory
	kind   Kind
	logger *log.Logger

	worklist  *WorkList
	marker    *Marker
	weakRoots []heap.WeakRootProvider
	// ageMark is the young age mark frozen when the cycle started.
	ageMark heap.Addr
	// from is the evacuated semispace; oldFrom and compaction are the old
	// spaces a full cycle moves objects between.
	from       *heap.SemiSpace
	oldFrom    *heap.OldSpace
	compaction *heap.OldSpace

	stats       *CycleStats
	pruned      atomic.Uint64
	weakCleared atomic.Uint64

	fatalMu  sync.Mutex
	fatalErr error
}

func (rt *Runtime) newContext(kind Kind, cause string) *Context {
	ctx := &Context{
		rt:       rt,
		heap:     rt.heap,
		mem:      rt.heap.Memory(),
		kind:     kind,
		logger:   rt.opts.Logger,
		worklist: NewWorkList(rt.pool.Slots(), rt.opts.NodeCapacity),
		stats: &CycleStats{
			ID:      rt.seq.Next(),
			Kind:    kind,
			Cause:   cause,
			Workers: rt.pool.Workers(),
			Start:   time.Now(),
		},
	}
	ctx.worklist.SetPublishHook(func() {
		rt.pool.TryFanOut(ctx.drainTask)
	})
	return ctx
}

func (ctx *Context) err() error {
	ctx.fatalMu.Lock()
	defer ctx.fatalMu.Unlock()
	return ctx.fatalErr
}

// Fatal reports an unrecoverable error for this cycle.
func (ctx *Context) Fatal(err error) {
	ctx.fatalMu.Lock()
	if ctx.fatalErr == nil {
		ctx.fatalErr = err
	}
	ctx.fatalMu.Unlock()
	ctx.rt.opts.Fatal(err)
}

func (ctx *Context) Heap() *heap.Heap    { return ctx.heap }
func (ctx *Context) Kind() Kind          { return ctx.kind }
func (ctx *Context) AgeMark() heap.Addr  { return ctx.ageMark }
func (ctx *Context) Stats() *CycleStats  { return ctx.stats }
func (ctx *Context) WorkList() *WorkList { return ctx.worklist }

// finishSweep waits out a background sweep and returns every region retired
// so far to the pool.
func (ctx *Context) finishSweep() {
	if ctx.rt.sweeper.Running() {
		ctx.logger.Printf("[gc] cycle %d waits for the background sweep", ctx.stats.ID)
	}
	ctx.rt.sweeper.Wait()
	ctx.rt.reclaim()
}

// setupTLABs gives every worker buffers in the cycle's evacuation targets.
func (ctx *Context) setupTLABs(young, old heap.BufferSource) {
	for tid := 0; tid < ctx.worklist.Workers(); tid++ {
		ctx.worklist.SetTLAB(tid, heap.NewTLAB(young, old, ctx.rt.opts.TLABSize))
	}
}
