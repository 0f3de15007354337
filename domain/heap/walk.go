package heap

import "github.com/cockroachdb/errors"

// IterateObjects walks r from its begin to its top and calls visit for every
// object, skipping dead ranges. It must only run while no allocation targets r.
func (h *Heap) IterateObjects(r *Region, visit func(obj Addr, shape ShapeRef, size uint64)) {
	for p, top := r.Begin(), r.Top(); p < top; {
		mw := h.mem.LoadMarkWord(p)
		if mw.IsForwarded() {
			panic(errors.AssertionFailedf("heap: forwarded object %s found while walking %s", p, r))
		}
		size := h.sizeOf(p, mw)
		if size == 0 {
			panic(errors.AssertionFailedf("heap: zero-sized object %s (%s) in %s", p, mw, r))
		}
		if !mw.IsFiller() {
			visit(p, mw.Shape(), size)
		}
		p += Addr(size)
	}
}

// IterateSlots visits every reference slot of every object in r.
func (h *Heap) IterateSlots(r *Region, visit func(obj, slot Addr)) {
	h.IterateObjects(r, func(obj Addr, shape ShapeRef, _ uint64) {
		if !h.model.HasRefs(shape) {
			return
		}
		h.VisitSlots(obj, shape, func(slot Addr) { visit(obj, slot) })
	})
}
