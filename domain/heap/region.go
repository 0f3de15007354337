package heap

import (
	"fmt"
	"sync/atomic"
)

// SpaceKind tags the space a region belongs to.
type SpaceKind uint8

const (
	KindYoung SpaceKind = iota
	KindOld
	KindNonMovable
	KindHuge
	KindMachineCode
	KindSnapshot
)

func (k SpaceKind) String() string {
	switch k {
	case KindYoung:
		return "young"
	case KindOld:
		return "old"
	case KindNonMovable:
		return "non-movable"
	case KindHuge:
		return "huge-object"
	case KindMachineCode:
		return "machine-code"
	case KindSnapshot:
		return "snapshot"
	default:
		return "unknown"
	}
}

// IsOldGeneration reports whether regions of kind k carry old-to-new
// remembered sets.
func (k SpaceKind) IsOldGeneration() bool {
	switch k {
	case KindOld, KindNonMovable, KindHuge, KindMachineCode:
		return true
	}
	return false
}

// RegionFlag is a GC state bit of a region.
type RegionFlag uint32

const (
	FlagHasAgeMark RegionFlag = 1 << iota
	FlagBelowAgeMark
	FlagInCollectionSet
	FlagSwept
	FlagNeedsRelocation
)

var flagNames = [...]string{"has-age-mark", "below-age-mark", "in-collection-set", "swept", "needs-relocation"}

// Names lists the set flags of f.
func (f RegionFlag) Names() []string {
	var names []string
	for i, n := range flagNames {
		if f&(1<<i) != 0 {
			names = append(names, n)
		}
	}
	return names
}

// Region is a fixed-size heap partition, or for huge objects a run of
// consecutive partitions owned by one object.
type Region struct {
	id    int
	slots int
	kind  SpaceKind
	begin Addr
	end   Addr

	top   atomic.Uint64
	flags atomic.Uint32

	markBits *Bitset
	oldToNew atomic.Pointer[RememberedSet]
	// sweepingOldToNew holds the old-to-new entries recorded before a
	// concurrent sweep started; it is merged back once the region is swept.
	sweepingOldToNew atomic.Pointer[RememberedSet]

	liveBytes atomic.Uint64
	freeBytes atomic.Uint64
	objects   atomic.Uint64
}

func newRegion(id, slots int, kind SpaceKind, begin, end Addr) *Region {
	r := &Region{
		id:       id,
		slots:    slots,
		kind:     kind,
		begin:    begin,
		end:      end,
		markBits: NewBitset(uint64(end-begin) >> WordShift),
	}
	r.top.Store(uint64(begin))
	return r
}

// reset prepares a recycled region for a new owner.
func (r *Region) reset(kind SpaceKind) {
	r.kind = kind
	r.top.Store(uint64(r.begin))
	r.flags.Store(0)
	r.markBits.ClearAll()
	r.oldToNew.Store(nil)
	r.sweepingOldToNew.Store(nil)
	r.liveBytes.Store(0)
	r.freeBytes.Store(0)
	r.objects.Store(0)
}

func (r *Region) ID() int         { return r.id }
func (r *Region) Kind() SpaceKind { return r.kind }
func (r *Region) Begin() Addr     { return r.begin }
func (r *Region) End() Addr       { return r.end }
func (r *Region) Size() uint64    { return uint64(r.end - r.begin) }
func (r *Region) Top() Addr       { return Addr(r.top.Load()) }
func (r *Region) SetTop(a Addr)   { r.top.Store(uint64(a)) }
func (r *Region) IsHuge() bool    { return r.kind == KindHuge }
func (r *Region) InYoung() bool   { return r.kind == KindYoung }
func (r *Region) Contains(a Addr) bool {
	return a >= r.begin && a < r.end
}

func (r *Region) Has(f RegionFlag) bool { return RegionFlag(r.flags.Load())&f != 0 }
func (r *Region) Flags() RegionFlag     { return RegionFlag(r.flags.Load()) }

func (r *Region) SetFlag(f RegionFlag) {
	for {
		old := r.flags.Load()
		if r.flags.CompareAndSwap(old, old|uint32(f)) {
			return
		}
	}
}

func (r *Region) ClearFlag(f RegionFlag) {
	for {
		old := r.flags.Load()
		if r.flags.CompareAndSwap(old, old&^uint32(f)) {
			return
		}
	}
}

func (r *Region) InCollectionSet() bool { return r.Has(FlagInCollectionSet) }

// ----- marking -----

func (r *Region) markIndex(obj Addr) uint64 { return uint64(obj-r.begin) >> WordShift }

func (r *Region) MarkBits() *Bitset { return r.markBits }

// Mark sets obj's mark bit; for single-threaded phases.
func (r *Region) Mark(obj Addr) bool { return r.markBits.SetBit(r.markIndex(obj)) }

// AtomicMark sets obj's mark bit and reports whether this caller set it first.
func (r *Region) AtomicMark(obj Addr) bool {
	return r.markBits.AtomicSetBit(r.markIndex(obj))
}

func (r *Region) IsMarked(obj Addr) bool {
	return r.markBits.AtomicTestBit(r.markIndex(obj))
}

func (r *Region) ClearMarks() { r.markBits.ClearAll() }

// IterateMarkedObjects visits marked objects in ascending address order.
func (r *Region) IterateMarkedObjects(visit func(obj Addr)) {
	r.markBits.IterateMarkedBits(func(i uint64) bool {
		visit(r.begin + Addr(i<<WordShift))
		return true
	})
}

// ----- remembered sets -----

func (r *Region) OldToNewSet() *RememberedSet         { return r.oldToNew.Load() }
func (r *Region) SweepingOldToNewSet() *RememberedSet { return r.sweepingOldToNew.Load() }

func getOrCreate(p *atomic.Pointer[RememberedSet], size uint64) *RememberedSet {
	if s := p.Load(); s != nil {
		return s
	}
	s := NewRememberedSet(size)
	if p.CompareAndSwap(nil, s) {
		return s
	}
	return p.Load()
}

func (r *Region) InsertOldToNew(slot Addr) {
	getOrCreate(&r.oldToNew, r.Size()).Insert(r.begin, slot)
}

func (r *Region) AtomicInsertOldToNew(slot Addr) {
	getOrCreate(&r.oldToNew, r.Size()).AtomicInsert(r.begin, slot)
}

// IterateOldToNew visits the region's old-to-new slots; entries whose visitor
// returns false are pruned.
func (r *Region) IterateOldToNew(visit func(slot Addr) bool) {
	if s := r.oldToNew.Load(); s != nil {
		s.IterateAllMarkedBits(r.begin, visit)
	}
}

func (r *Region) ClearOldToNew() {
	r.oldToNew.Store(nil)
}

// ClearRememberedRange drops every remembered slot in [begin, end). During a
// concurrent sweep the pre-sweep snapshot is cleared instead of the live set,
// which only holds entries for objects allocated after the sweep began.
func (r *Region) ClearRememberedRange(begin, end Addr) {
	if s := r.sweepingOldToNew.Load(); s != nil {
		s.AtomicClearRange(r.begin, begin, end)
	} else if s := r.oldToNew.Load(); s != nil {
		s.AtomicClearRange(r.begin, begin, end)
	}
}

// SwapOldToNewForSweeping moves the current old-to-new set aside before the
// region is handed to a concurrent sweeper.
func (r *Region) SwapOldToNewForSweeping() {
	r.sweepingOldToNew.Store(r.oldToNew.Swap(nil))
}

// MergeSweepingOldToNew folds the pre-sweep entries back into the live set.
func (r *Region) MergeSweepingOldToNew() {
	s := r.sweepingOldToNew.Load()
	if s == nil {
		return
	}
	if !s.IsEmpty() {
		getOrCreate(&r.oldToNew, r.Size()).Merge(s)
	}
	r.sweepingOldToNew.Store(nil)
}

// ----- accounting -----

func (r *Region) LiveBytes() uint64      { return r.liveBytes.Load() }
func (r *Region) AddLiveBytes(n uint64)  { r.liveBytes.Add(n) }
func (r *Region) SetLiveBytes(n uint64)  { r.liveBytes.Store(n) }
func (r *Region) FreeBytes() uint64      { return r.freeBytes.Load() }
func (r *Region) AddFreeBytes(n uint64)  { r.freeBytes.Add(n) }
func (r *Region) SubFreeBytes(n uint64)  { r.freeBytes.Add(^(n - 1)) }
func (r *Region) ResetFreeBytes()        { r.freeBytes.Store(0) }
func (r *Region) AllocatedBytes() uint64 { return uint64(r.Top() - r.begin) }
func (r *Region) Objects() uint64        { return r.objects.Load() }
func (r *Region) AddObject()             { r.objects.Add(1) }
func (r *Region) RemainingBytes() uint64 { return uint64(r.end - r.Top()) }
func (r *Region) String() string {
	return fmt.Sprintf("region#%d{%s [%s, %s) top=%s}", r.id, r.kind, r.begin, r.end, r.Top())
}
