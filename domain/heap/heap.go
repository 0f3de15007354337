package heap

import (
	"sync/atomic"

	"github.com/cockroachdb/errors"
)

const (
	DefaultRegionSize    = 256 << 10
	DefaultYoungCapacity = 16 * DefaultRegionSize
	DefaultOldCapacity   = 64 * DefaultRegionSize
)

// Options sizes the heap. Zero fields take defaults.
type Options struct {
	RegionSize uint64
	// YoungCapacity bounds each semispace.
	YoungCapacity uint64
	// OldCapacity bounds mutator allocation in the old space. It can be raised
	// up to MaxOldCapacity with GrowOld.
	OldCapacity    uint64
	MaxOldCapacity uint64
	// Objects of HugeThreshold bytes or more get a region of their own.
	HugeThreshold uint64
}

func (o Options) withDefaults(reserved uint64) Options {
	if o.RegionSize == 0 {
		o.RegionSize = DefaultRegionSize
	}
	if o.YoungCapacity == 0 {
		o.YoungCapacity = DefaultYoungCapacity
	}
	if o.OldCapacity == 0 {
		o.OldCapacity = DefaultOldCapacity
	}
	if o.MaxOldCapacity == 0 || o.MaxOldCapacity > reserved {
		o.MaxOldCapacity = reserved
	}
	if o.OldCapacity > o.MaxOldCapacity {
		o.OldCapacity = o.MaxOldCapacity
	}
	if o.HugeThreshold == 0 || o.HugeThreshold > o.RegionSize {
		o.HugeThreshold = o.RegionSize / 2
	}
	return o
}

// Heap owns the reservation, the region pool and the spaces carved from it.
//
// Space pointers are swapped only by collectors while the mutator is stopped;
// they are atomic so that introspection can read them at any time.
type Heap struct {
	mem   *Memory
	model ObjectModel
	opts  Options
	pool  *RegionPool

	young       atomic.Pointer[SemiSpace]
	old         atomic.Pointer[OldSpace]
	nonMovable  *OldSpace
	machineCode *OldSpace
	huge        *HugeObjectSpace
	snapshot    *SnapshotSpace
}

// New builds a heap over mem.
func New(mem *Memory, model ObjectModel, opts Options) (*Heap, error) {
	if model == nil {
		return nil, errors.New("heap: object model is required")
	}
	opts = opts.withDefaults(mem.Size())
	pool, err := NewRegionPool(mem, opts.RegionSize)
	if err != nil {
		return nil, err
	}
	h := &Heap{
		mem:         mem,
		model:       model,
		opts:        opts,
		pool:        pool,
		nonMovable:  newOldSpace(pool, KindNonMovable, 0),
		machineCode: newOldSpace(pool, KindMachineCode, 0),
		huge:        newHugeObjectSpace(pool),
		snapshot:    newSnapshotSpace(pool),
	}
	h.young.Store(newSemiSpace(pool, opts.YoungCapacity))
	h.old.Store(newOldSpace(pool, KindOld, opts.OldCapacity))
	return h, nil
}

func (h *Heap) Memory() *Memory               { return h.mem }
func (h *Heap) Model() ObjectModel            { return h.model }
func (h *Heap) Options() Options              { return h.opts }
func (h *Heap) Pool() *RegionPool             { return h.pool }
func (h *Heap) Young() *SemiSpace             { return h.young.Load() }
func (h *Heap) Old() *OldSpace                { return h.old.Load() }
func (h *Heap) NonMovable() *OldSpace         { return h.nonMovable }
func (h *Heap) MachineCode() *OldSpace        { return h.machineCode }
func (h *Heap) HugeObjects() *HugeObjectSpace { return h.huge }
func (h *Heap) Snapshot() *SnapshotSpace      { return h.snapshot }

// OldGeneration returns the free-list spaces in sweep order.
func (h *Heap) OldGeneration() []*OldSpace {
	return []*OldSpace{h.Old(), h.nonMovable, h.machineCode}
}

// RegionOf returns the region owning a. An address outside every region is a
// broken heap invariant and panics.
func (h *Heap) RegionOf(a Addr) *Region {
	r := h.pool.Lookup(a)
	if r == nil {
		panic(errors.AssertionFailedf("heap: address %s belongs to no region", a))
	}
	return r
}

// LookupRegion is RegionOf for addresses that may be stale.
func (h *Heap) LookupRegion(a Addr) *Region { return h.pool.Lookup(a) }

// ObjectAddressToRange returns the bounds of the region owning a.
func (h *Heap) ObjectAddressToRange(a Addr) (Addr, Addr) {
	r := h.RegionOf(a)
	return r.Begin(), r.End()
}

// InYoung reports whether v references a young object.
func (h *Heap) InYoung(v Value) bool {
	if !v.IsHeapRef() {
		return false
	}
	r := h.pool.Lookup(v.Addr())
	return r != nil && r.InYoung()
}

// Allocate reserves size bytes in the space of kind without initialising
// them. It returns 0 when the space is full.
func (h *Heap) Allocate(kind SpaceKind, size uint64) Addr {
	size = AlignSize(size)
	if size >= h.opts.HugeThreshold && kind != KindSnapshot {
		kind = KindHuge
	}
	switch kind {
	case KindYoung:
		return h.Young().Allocate(size)
	case KindOld:
		return h.Old().Allocate(size)
	case KindNonMovable:
		return h.nonMovable.Allocate(size)
	case KindMachineCode:
		return h.machineCode.Allocate(size)
	case KindHuge:
		return h.huge.Allocate(size)
	case KindSnapshot:
		return h.snapshot.Allocate(size)
	}
	panic(errors.AssertionFailedf("heap: allocation in unknown space %d", kind))
}

// AllocateObject allocates and zeroes an object of shape and writes its
// header. It returns 0 when the space is full.
func (h *Heap) AllocateObject(kind SpaceKind, shape ShapeRef, size uint64) Addr {
	size = AlignSize(size)
	obj := h.Allocate(kind, size)
	if obj == 0 {
		return 0
	}
	h.mem.Zero(obj, size)
	h.mem.Store(obj, uint64(ShapeWord(shape)))
	h.RegionOf(obj).AddObject()
	return obj
}

// TryForward installs a forwarding word at obj if its header still equals
// observed. Exactly one of any number of racing callers succeeds.
func (h *Heap) TryForward(obj Addr, observed MarkWord, dest Addr) bool {
	return h.mem.CompareAndSwap(obj, uint64(observed), uint64(ForwardWord(dest)))
}

// ---------------- collector support ----------------

// SwapSemiSpaces installs an empty young space and returns the one that
// becomes the evacuation source.
func (h *Heap) SwapSemiSpaces() *SemiSpace {
	return h.young.Swap(newSemiSpace(h.pool, h.opts.YoungCapacity))
}

// ReleaseSemiSpace returns every region of s to the pool.
func (h *Heap) ReleaseSemiSpace(s *SemiSpace) {
	for _, r := range s.detach() {
		h.pool.Release(r)
	}
}

// NewCompactionSpace returns an empty old space for a compacting collection.
func (h *Heap) NewCompactionSpace() *OldSpace {
	return newOldSpace(h.pool, KindOld, h.Old().Capacity())
}

// SwapOldSpace installs s as the old space and returns the previous one.
func (h *Heap) SwapOldSpace(s *OldSpace) *OldSpace {
	return h.old.Swap(s)
}

func (h *Heap) ReleaseRegion(r *Region) { h.pool.Release(r) }

// GrowOld raises the old-space capacity by up to delta bytes and reports the
// new capacity and whether it changed.
func (h *Heap) GrowOld(delta uint64) (uint64, bool) {
	s := h.Old()
	cur := s.Capacity()
	next := min(cur+delta, h.opts.MaxOldCapacity)
	if next <= cur {
		return cur, false
	}
	s.SetCapacity(next)
	return next, true
}

// ---------------- introspection ----------------

// Stats summarises every space.
type Stats struct {
	ReservedBytes  uint64
	CommittedBytes uint64
	RegionSize     uint64
	FreeSlots      int
	Spaces         []SpaceStats
}

func (h *Heap) Stats() Stats {
	s := Stats{
		ReservedBytes: h.mem.Size(),
		RegionSize:    h.opts.RegionSize,
		FreeSlots:     h.pool.FreeSlots(),
		Spaces: []SpaceStats{
			h.Young().Stats(),
			h.Old().Stats(),
			h.nonMovable.Stats(),
			h.machineCode.Stats(),
			h.huge.Stats(),
			h.snapshot.Stats(),
		},
	}
	for _, sp := range s.Spaces {
		s.CommittedBytes += sp.CommittedBytes
	}
	return s
}
