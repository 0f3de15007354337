package gc

import "regiongc/domain/heap"

// resolveWeak returns what a weak reference to v becomes once marking is
// over: the referent's new address, v itself when the referent was not
// subject to this cycle, or Null when it died.
func (m *Marker) resolveWeak(v heap.Value) heap.Value {
	if !v.IsHeapRef() {
		return v
	}
	r := m.heap.LookupRegion(v.Addr())
	if r == nil {
		return heap.Null
	}
	switch m.policy.action(r) {
	case markInPlace:
		if r.IsMarked(v.Addr()) {
			return v
		}
		return heap.Null
	case evacuate:
		if mw := m.mem.AtomicLoadMarkWord(v.Addr()); mw.IsForwarded() {
			return v.Rewrap(mw.ForwardingAddress())
		}
		return heap.Null
	}
	return v
}

// processWeak resolves every weak slot queued during marking and hands the
// resolver to the registered weak-root providers. It runs on the collector
// goroutine after marking has terminated.
func (ctx *Context) processWeak() {
	m := ctx.marker
	ctx.worklist.WeakSlots(func(slot heap.Addr) {
		v := heap.Value(ctx.mem.AtomicLoad(slot))
		nv := m.resolveWeak(v)
		if nv == v {
			return
		}
		if nv == heap.Null {
			ctx.weakCleared.Add(1)
		}
		ctx.mem.AtomicStore(slot, uint64(nv))
		if holder := ctx.heap.RegionOf(slot); holder.Kind().IsOldGeneration() && ctx.heap.InYoung(nv) {
			holder.InsertOldToNew(slot)
		}
	})

	resolve := func(v heap.Value) heap.Value {
		nv := m.resolveWeak(v)
		if nv == heap.Null && v != heap.Null {
			ctx.weakCleared.Add(1)
		}
		return nv
	}
	for _, p := range ctx.weakRoots {
		p.UpdateWeakRoots(resolve)
	}
}
