package heap

import "github.com/cockroachdb/errors"

// WriteBarrier stores v into slot of obj. When obj lives in the old
// generation and v points into the young generation, the slot is recorded in
// the holder region's old-to-new set before the store becomes visible.
// Collections run with the mutator stopped, so the barrier never marks.
func (h *Heap) WriteBarrier(obj, slot Addr, v Value) {
	if v.IsHeapRef() {
		if holder := h.RegionOf(obj); holder.Kind().IsOldGeneration() && h.RegionOf(v.Addr()).InYoung() {
			holder.AtomicInsertOldToNew(slot)
		}
	}
	h.mem.AtomicStore(slot, uint64(v))
}

// SetField stores v into word index of obj. Word 0 is the header.
func (h *Heap) SetField(obj Addr, index int, v Value) {
	if index < 1 {
		panic(errors.AssertionFailedf("heap: store to header word of %s", obj))
	}
	h.WriteBarrier(obj, obj+Addr(index*WordSize), v)
}

// Field loads word index of obj.
func (h *Heap) Field(obj Addr, index int) Value {
	return Value(h.mem.AtomicLoad(obj + Addr(index*WordSize)))
}
