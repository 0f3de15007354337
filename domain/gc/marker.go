package gc

import (
	"github.com/cockroachdb/errors"

	"regiongc/domain/heap"
)

// MarkerKind selects how a marker treats the objects it reaches.
type MarkerKind uint8

const (
	// NonMoving sets mark bits and leaves objects in place.
	NonMoving MarkerKind = iota
	// EvacuatingYoung copies young objects, promoting those past the age mark.
	EvacuatingYoung
	// EvacuatingFull copies every movable object into a fresh old space.
	EvacuatingFull
)

func (k MarkerKind) String() string {
	switch k {
	case NonMoving:
		return "non-moving"
	case EvacuatingYoung:
		return "evacuating-young"
	case EvacuatingFull:
		return "evacuating-full"
	}
	return "unknown"
}

type action uint8

const (
	ignore action = iota
	markInPlace
	evacuate
)

// policy is what distinguishes the marker kinds.
type policy interface {
	action(r *heap.Region) action
	// destination returns the primary and fallback spaces for an object
	// evacuated out of r.
	destination(r *heap.Region, obj heap.Addr) (heap.SpaceKind, heap.SpaceKind)
	subjectToPromotion(r *heap.Region, obj heap.Addr) bool
}

type nonMovingPolicy struct{}

func (nonMovingPolicy) action(r *heap.Region) action {
	if r.Kind() == heap.KindSnapshot {
		return ignore
	}
	return markInPlace
}

func (nonMovingPolicy) destination(r *heap.Region, _ heap.Addr) (heap.SpaceKind, heap.SpaceKind) {
	return r.Kind(), r.Kind()
}

func (nonMovingPolicy) subjectToPromotion(*heap.Region, heap.Addr) bool { return false }

// youngPolicy evacuates the collection set and leaves everything else alone.
// ageMark is frozen when the cycle starts.
type youngPolicy struct {
	ageMark heap.Addr
}

func (youngPolicy) action(r *heap.Region) action {
	if r.InCollectionSet() {
		return evacuate
	}
	return ignore
}

func (p youngPolicy) subjectToPromotion(r *heap.Region, obj heap.Addr) bool {
	return r.Has(heap.FlagBelowAgeMark) || (r.Has(heap.FlagHasAgeMark) && obj < p.ageMark)
}

func (p youngPolicy) destination(r *heap.Region, obj heap.Addr) (heap.SpaceKind, heap.SpaceKind) {
	if p.subjectToPromotion(r, obj) {
		return heap.KindOld, heap.KindYoung
	}
	return heap.KindYoung, heap.KindOld
}

type fullPolicy struct{}

func (fullPolicy) action(r *heap.Region) action {
	switch {
	case r.InCollectionSet():
		return evacuate
	case r.Kind() == heap.KindSnapshot:
		return ignore
	}
	return markInPlace
}

func (fullPolicy) destination(*heap.Region, heap.Addr) (heap.SpaceKind, heap.SpaceKind) {
	return heap.KindOld, heap.KindYoung
}

func (fullPolicy) subjectToPromotion(r *heap.Region, _ heap.Addr) bool { return r.InYoung() }

// Marker marks, or evacuates, the objects reachable from the slots it is
// handed, and scans what it pushes.
type Marker struct {
	kind   MarkerKind
	ctx    *Context
	heap   *heap.Heap
	mem    *heap.Memory
	policy policy
}

// NewMarker returns a marker of kind for the cycle ctx.
func NewMarker(ctx *Context, kind MarkerKind) *Marker {
	m := &Marker{kind: kind, ctx: ctx, heap: ctx.heap, mem: ctx.mem}
	switch kind {
	case NonMoving:
		m.policy = nonMovingPolicy{}
	case EvacuatingYoung:
		m.policy = youngPolicy{ageMark: ctx.ageMark}
	case EvacuatingFull:
		m.policy = fullPolicy{}
	default:
		panic(errors.AssertionFailedf("gc: unknown marker kind %d", kind))
	}
	return m
}

func (m *Marker) Kind() MarkerKind { return m.kind }

// MarkObject marks obj on behalf of worker tid. It returns the address the
// referring slot must hold afterwards and whether that slot still needs
// old-to-new tracking because the object is young.
func (m *Marker) MarkObject(tid int, obj heap.Addr) (heap.Addr, bool) {
	r := m.heap.RegionOf(obj)
	switch m.policy.action(r) {
	case markInPlace:
		if r.AtomicMark(obj) {
			shape := m.mem.LoadMarkWord(obj).Shape()
			m.ctx.worklist.CountAlive(tid, m.heap.SizeOfShape(obj, shape))
			if m.heap.HasRefs(shape) {
				m.ctx.worklist.Push(tid, obj)
			}
		}
		return obj, r.InYoung()
	case evacuate:
		return m.evacuate(tid, r, obj)
	}
	return obj, r.InYoung()
}

func (m *Marker) forwarded(to heap.Addr) (heap.Addr, bool) {
	return to, m.heap.RegionOf(to).InYoung()
}

func (m *Marker) evacuate(tid int, r *heap.Region, obj heap.Addr) (heap.Addr, bool) {
	mw := m.mem.AtomicLoadMarkWord(obj)
	if mw.IsForwarded() {
		return m.forwarded(mw.ForwardingAddress())
	}

	shape := mw.Shape()
	size := m.heap.SizeOfShape(obj, shape)
	primary, fallback := m.policy.destination(r, obj)
	tlab := m.ctx.worklist.TLAB(tid)
	to := tlab.Allocate(size, primary)
	if to == 0 {
		to = tlab.Allocate(size, fallback)
	}
	if to == 0 {
		m.ctx.Fatal(errors.Wrapf(ErrEvacuationFailed, "%d-byte object %s in %s", size, obj, r))
		return obj, r.InYoung()
	}

	if !m.heap.TryForward(obj, mw, to) {
		// Another worker copied obj first.
		m.mem.FillFree(to, size)
		return m.forwarded(m.mem.AtomicLoadMarkWord(obj).ForwardingAddress())
	}

	m.mem.Copy(to+heap.WordSize, obj+heap.WordSize, size-heap.WordSize)
	m.mem.Store(to, uint64(mw))

	dest := m.heap.RegionOf(to)
	dest.AddLiveBytes(size)
	dest.AddObject()
	m.ctx.worklist.CountAlive(tid, size)
	if r.InYoung() && !dest.InYoung() {
		m.ctx.worklist.CountPromoted(tid, size)
	}
	if m.heap.HasRefs(shape) {
		m.ctx.worklist.Push(tid, to)
	}
	return to, dest.InYoung()
}

// visitSlot marks the referent of slot and rewrites the slot if the referent
// moved. holder is the region containing slot, or nil for roots.
func (m *Marker) visitSlot(tid int, holder *heap.Region, slot heap.Addr) {
	v := heap.Value(m.mem.AtomicLoad(slot))
	if !v.IsHeapRef() {
		return
	}
	if v.IsWeak() {
		if m.policy.action(m.heap.RegionOf(v.Addr())) != ignore {
			m.ctx.worklist.QueueWeak(tid, slot)
		}
		return
	}
	to, keep := m.MarkObject(tid, v.Addr())
	if to != v.Addr() {
		m.mem.AtomicStore(slot, uint64(v.Rewrap(to)))
	}
	if keep && holder != nil && holder.Kind().IsOldGeneration() {
		holder.AtomicInsertOldToNew(slot)
	}
}

// visitRememberedSlot handles one old-to-new entry of holder during a young
// collection. It reports whether the entry must stay in the set.
func (m *Marker) visitRememberedSlot(tid int, slot heap.Addr) bool {
	v := heap.Value(m.mem.AtomicLoad(slot))
	if !v.IsHeapRef() || !m.heap.InYoung(v) {
		m.ctx.pruned.Add(1)
		return false
	}
	if v.IsWeak() {
		m.ctx.worklist.QueueWeak(tid, slot)
		return true
	}
	to, keep := m.MarkObject(tid, v.Addr())
	if to != v.Addr() {
		m.mem.AtomicStore(slot, uint64(v.Rewrap(to)))
	}
	if !keep {
		m.ctx.pruned.Add(1)
	}
	return keep
}

// scan visits every reference slot of a pushed object.
func (m *Marker) scan(tid int, obj heap.Addr) {
	shape := m.mem.LoadMarkWord(obj).Shape()
	holder := m.heap.RegionOf(obj)
	m.heap.VisitSlots(obj, shape, func(slot heap.Addr) {
		m.visitSlot(tid, holder, slot)
	})
}

// scanRegion treats every slot of r as a root. It is used for the snapshot
// space, which is never collected.
func (m *Marker) scanRegion(tid int, r *heap.Region) {
	m.heap.IterateSlots(r, func(_, slot heap.Addr) {
		m.visitSlot(tid, r, slot)
	})
}

// rootVisitor adapts a marker to the root enumeration interfaces.
type rootVisitor struct {
	m   *Marker
	tid int
}

func (v rootVisitor) VisitRoot(slot *heap.Value) {
	val := *slot
	if !val.IsHeapRef() {
		return
	}
	if to, _ := v.m.MarkObject(v.tid, val.Addr()); to != val.Addr() {
		*slot = val.Rewrap(to)
	}
}

func (v rootVisitor) VisitRangeRoots(slots []heap.Value) {
	for i := range slots {
		v.VisitRoot(&slots[i])
	}
}
