package gc

import (
	"sync"

	"github.com/cockroachdb/errors"

	"regiongc/domain/heap"
	"regiongc/infra/memory"
)

// DefaultNodeCapacity is the number of references one WorkList node holds.
const DefaultNodeCapacity = 256

// Handle addresses a node in the arena. A released node bumps its generation,
// which invalidates every handle still naming it. The zero Handle is empty.
type Handle struct {
	index uint32
	gen   uint32
}

func (h Handle) IsZero() bool { return h == Handle{} }

type nodeBuf struct {
	refs []heap.Addr
}

type nodeSlot struct {
	gen uint32
	buf *nodeBuf
}

// arena stores nodes by index. Slot 0 is never used so the zero Handle stays
// invalid.
type arena struct {
	slots []*nodeSlot
	free  []uint32
}

// extend returns an arena with one more slot and a handle to it. The input
// arena is not modified.
func extend(a arena, capacity int) (arena, Handle) {
	slots := make([]*nodeSlot, len(a.slots), len(a.slots)+1)
	copy(slots, a.slots)
	if len(slots) == 0 {
		slots = append(slots, nil)
	}
	slots = append(slots, &nodeSlot{gen: 1, buf: &nodeBuf{refs: make([]heap.Addr, 0, capacity)}})
	return arena{slots: slots, free: a.free}, Handle{index: uint32(len(slots) - 1), gen: 1}
}

// WorkerState tracks a worker through one marking cycle.
type WorkerState uint8

const (
	Uninitialized WorkerState = iota
	Active
	Draining
	Finished
)

func (s WorkerState) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Active:
		return "active"
	case Draining:
		return "draining"
	case Finished:
		return "finished"
	}
	return "unknown"
}

// WorkerStats are the per-worker evacuation counters folded by Finish.
type WorkerStats struct {
	ObjectsAlive    uint64
	BytesAlive      uint64
	ObjectsPromoted uint64
	BytesPromoted   uint64
	Published       uint64
	Stolen          uint64
	TLAB            heap.TLABStats
}

func (s *WorkerStats) add(o WorkerStats) {
	s.ObjectsAlive += o.ObjectsAlive
	s.BytesAlive += o.BytesAlive
	s.ObjectsPromoted += o.ObjectsPromoted
	s.BytesPromoted += o.BytesPromoted
	s.Published += o.Published
	s.Stolen += o.Stolen
	s.TLAB.Add(o.TLAB)
}

type worker struct {
	state WorkerState
	push  Handle
	pop   Handle
	stats WorkerStats
	weak  []heap.Addr
	tlab  *heap.TLAB
	_     [64]byte
}

// WorkList is the marking stack shared by the collector's workers. Each
// worker owns a push node and a pop node; full push nodes are published to a
// global list from which idle workers steal.
type WorkList struct {
	capacity int
	bufs     *memory.Pool[nodeBuf]

	mu     sync.Mutex
	arena  arena
	global []Handle

	workers   []worker
	onPublish func()
}

// NewWorkList returns a list for workers ids [0, workers) with nodes of
// capacity references.
func NewWorkList(workers, capacity int) *WorkList {
	if capacity <= 0 {
		capacity = DefaultNodeCapacity
	}
	return &WorkList{
		capacity: capacity,
		bufs: memory.NewPool(
			func() *nodeBuf { return &nodeBuf{refs: make([]heap.Addr, 0, capacity)} },
			func(b *nodeBuf) { b.refs = b.refs[:0] },
		),
		workers: make([]worker, workers),
	}
}

// SetPublishHook installs fn, called after a node is published to the global
// list.
func (w *WorkList) SetPublishHook(fn func()) { w.onPublish = fn }

func (w *WorkList) Workers() int { return len(w.workers) }

func (w *WorkList) State(tid int) WorkerState { return w.workers[tid].state }

// ---------------- arena ----------------

func (w *WorkList) allocNode() Handle {
	w.mu.Lock()
	defer w.mu.Unlock()
	if n := len(w.arena.free); n > 0 {
		idx := w.arena.free[n-1]
		w.arena.free = w.arena.free[:n-1]
		s := w.arena.slots[idx]
		s.buf = w.bufs.Get()
		return Handle{index: idx, gen: s.gen}
	}
	var h Handle
	w.arena, h = extend(w.arena, w.capacity)
	return h
}

func (w *WorkList) releaseNode(h Handle) {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.slot(h)
	w.bufs.Put(s.buf)
	s.buf = nil
	s.gen++
	w.arena.free = append(w.arena.free, h.index)
}

// slot resolves h. w.mu must be held.
func (w *WorkList) slot(h Handle) *nodeSlot {
	if h.IsZero() || int(h.index) >= len(w.arena.slots) {
		panic(errors.AssertionFailedf("gc: invalid worklist handle %+v", h))
	}
	s := w.arena.slots[h.index]
	if s.gen != h.gen {
		panic(errors.AssertionFailedf("gc: stale worklist handle %+v (generation %d)", h, s.gen))
	}
	return s
}

func (w *WorkList) node(h Handle) *nodeBuf {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.slot(h).buf
}

// ---------------- per-worker operations ----------------

// Initialize gives worker tid fresh push and pop nodes.
func (w *WorkList) Initialize(tid int) {
	wk := &w.workers[tid]
	if wk.state != Uninitialized {
		panic(errors.AssertionFailedf("gc: worker %d initialized twice (%s)", tid, wk.state))
	}
	wk.push = w.allocNode()
	wk.pop = w.allocNode()
	wk.state = Active
}

func (w *WorkList) active(tid int) *worker {
	wk := &w.workers[tid]
	if wk.state != Active && wk.state != Draining {
		panic(errors.AssertionFailedf("gc: worker %d used while %s", tid, wk.state))
	}
	return wk
}

// Push records ref for scanning. It reports whether a full node was
// published to the global list.
func (w *WorkList) Push(tid int, ref heap.Addr) bool {
	wk := w.active(tid)
	n := w.node(wk.push)
	if len(n.refs) < w.capacity {
		n.refs = append(n.refs, ref)
		return false
	}

	full := wk.push
	wk.push = w.allocNode()
	n = w.node(wk.push)
	n.refs = append(n.refs, ref)
	w.mu.Lock()
	w.global = append(w.global, full)
	w.mu.Unlock()
	wk.stats.Published++
	if w.onPublish != nil {
		w.onPublish()
	}
	return true
}

// Pop returns the next reference for worker tid: from its pop node, then its
// push node, then a node stolen from the global list.
func (w *WorkList) Pop(tid int) (heap.Addr, bool) {
	wk := w.active(tid)
	for {
		n := w.node(wk.pop)
		if k := len(n.refs); k > 0 {
			ref := n.refs[k-1]
			n.refs = n.refs[:k-1]
			return ref, true
		}
		if len(w.node(wk.push).refs) > 0 {
			wk.pop, wk.push = wk.push, wk.pop
			continue
		}
		stolen, ok := w.steal()
		if !ok {
			return 0, false
		}
		w.releaseNode(wk.pop)
		wk.pop = stolen
		wk.stats.Stolen++
	}
}

func (w *WorkList) steal() (Handle, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := len(w.global)
	if n == 0 {
		return Handle{}, false
	}
	h := w.global[n-1]
	w.global = w.global[:n-1]
	return h, true
}

// Flush publishes whatever worker tid holds so that other workers can take
// it over.
func (w *WorkList) Flush(tid int) {
	wk := w.active(tid)
	for _, hp := range []*Handle{&wk.push, &wk.pop} {
		if len(w.node(*hp).refs) == 0 {
			continue
		}
		full := *hp
		*hp = w.allocNode()
		w.mu.Lock()
		w.global = append(w.global, full)
		w.mu.Unlock()
		wk.stats.Published++
	}
}

// BeginDrain moves worker tid into the draining phase.
func (w *WorkList) BeginDrain(tid int) {
	w.active(tid).state = Draining
}

// GlobalLen is the number of published nodes waiting to be stolen.
func (w *WorkList) GlobalLen() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.global)
}

// ---------------- per-worker side state ----------------

func (w *WorkList) QueueWeak(tid int, slot heap.Addr) {
	wk := w.active(tid)
	wk.weak = append(wk.weak, slot)
}

// WeakSlots visits every weak slot queued by any worker.
func (w *WorkList) WeakSlots(visit func(slot heap.Addr)) {
	for i := range w.workers {
		for _, s := range w.workers[i].weak {
			visit(s)
		}
	}
}

func (w *WorkList) SetTLAB(tid int, t *heap.TLAB) { w.workers[tid].tlab = t }
func (w *WorkList) TLAB(tid int) *heap.TLAB       { return w.workers[tid].tlab }

func (w *WorkList) CountAlive(tid int, size uint64) {
	s := &w.workers[tid].stats
	s.ObjectsAlive++
	s.BytesAlive += size
}

func (w *WorkList) CountPromoted(tid int, size uint64) {
	s := &w.workers[tid].stats
	s.ObjectsPromoted++
	s.BytesPromoted += size
}

// Finish retires every worker: nodes go back to the arena, TLAB tails go
// back to their spaces and the counters are folded. Marking must have
// terminated, so the global list has to be empty.
func (w *WorkList) Finish() WorkerStats {
	if n := w.GlobalLen(); n != 0 {
		panic(errors.AssertionFailedf("gc: worklist finished with %d published nodes", n))
	}
	var total WorkerStats
	for tid := range w.workers {
		wk := &w.workers[tid]
		if wk.state == Active || wk.state == Draining {
			for _, h := range []Handle{wk.push, wk.pop} {
				if k := len(w.node(h).refs); k != 0 {
					panic(errors.AssertionFailedf("gc: worker %d finished with %d unscanned refs", tid, k))
				}
				w.releaseNode(h)
			}
		}
		if wk.tlab != nil {
			wk.tlab.Retire()
			wk.stats.TLAB = wk.tlab.Stats()
			wk.tlab = nil
		}
		total.add(wk.stats)
		wk.push, wk.pop = Handle{}, Handle{}
		wk.weak = nil
		wk.state = Finished
	}
	return total
}
