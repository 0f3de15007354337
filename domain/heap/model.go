package heap

// ObjectModel is the runtime's view of object layout. The collector never
// interprets an object beyond what these methods report.
type ObjectModel interface {
	// SizeOf returns the aligned size in bytes of obj, whose header holds shape.
	SizeOf(mem *Memory, obj Addr, shape ShapeRef) uint64
	// HasRefs reports whether objects of shape can hold references.
	HasRefs(shape ShapeRef) bool
	// VisitRefRanges calls fn for every [begin, end) run of reference slots.
	VisitRefRanges(mem *Memory, obj Addr, shape ShapeRef, fn func(begin, end Addr))
}

// SizeOf returns the size of the object or dead range at obj. obj must not be
// forwarded.
func (h *Heap) SizeOf(obj Addr) uint64 {
	return h.sizeOf(obj, h.mem.LoadMarkWord(obj))
}

func (h *Heap) sizeOf(obj Addr, mw MarkWord) uint64 {
	switch mw.Shape() {
	case FillerWordShape:
		return WordSize
	case FreeObjectShape:
		return h.mem.Load(obj + WordSize)
	}
	return h.model.SizeOf(h.mem, obj, mw.Shape())
}

// SizeOfShape returns the size of obj as if its header held shape. Evacuating
// markers use it once the header has been replaced by a forwarding word.
func (h *Heap) SizeOfShape(obj Addr, shape ShapeRef) uint64 {
	return h.model.SizeOf(h.mem, obj, shape)
}

func (h *Heap) HasRefs(shape ShapeRef) bool { return h.model.HasRefs(shape) }

// VisitSlots calls fn for every reference slot of obj, given its shape.
func (h *Heap) VisitSlots(obj Addr, shape ShapeRef, fn func(slot Addr)) {
	h.model.VisitRefRanges(h.mem, obj, shape, func(begin, end Addr) {
		for s := begin; s < end; s += WordSize {
			fn(s)
		}
	})
}
