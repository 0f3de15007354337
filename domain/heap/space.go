package heap

import (
	"slices"
	"sync"
	"sync/atomic"
)

// SpaceStats is a point-in-time summary of one space.
type SpaceStats struct {
	Kind           SpaceKind
	Regions        int
	CommittedBytes uint64
	UsedBytes      uint64
	LiveBytes      uint64
	FreeBytes      uint64
	CapacityBytes  uint64
}

func summarize(kind SpaceKind, capacity uint64, regions []*Region) SpaceStats {
	s := SpaceStats{Kind: kind, Regions: len(regions), CapacityBytes: capacity}
	for _, r := range regions {
		s.CommittedBytes += r.Size()
		s.UsedBytes += r.AllocatedBytes()
		s.LiveBytes += r.LiveBytes()
		s.FreeBytes += r.FreeBytes()
	}
	return s
}

// ---------------- bump spaces ----------------

// bumpSpace is a chain of regions filled front to back.
type bumpSpace struct {
	mu       sync.Mutex
	mem      *Memory
	pool     *RegionPool
	kind     SpaceKind
	capacity uint64

	regions []*Region
	current *Region
	bump    BumpPointerAllocator
}

func (s *bumpSpace) init(pool *RegionPool, kind SpaceKind, capacity uint64) {
	s.mem = pool.mem
	s.pool = pool
	s.kind = kind
	s.capacity = capacity
}

func (s *bumpSpace) allocateLocked(size uint64) Addr {
	if s.current != nil {
		if p := s.bump.Allocate(size); p != 0 {
			s.current.SetTop(s.bump.Top())
			return p
		}
	}
	if size > s.pool.RegionSize() {
		return 0
	}
	if s.capacity != 0 && uint64(len(s.regions)+1)*s.pool.RegionSize() > s.capacity {
		return 0
	}
	r := s.pool.Allocate(s.kind)
	if r == nil {
		return 0
	}
	if s.current != nil {
		top := s.bump.Top()
		s.mem.FillFree(top, uint64(s.current.End()-top))
		s.current.SetTop(s.current.End())
	}
	s.regions = append(s.regions, r)
	s.current = r
	s.bump.Reset(r.Begin(), r.End())
	p := s.bump.Allocate(size)
	r.SetTop(s.bump.Top())
	return p
}

func (s *bumpSpace) Allocate(size uint64) Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.allocateLocked(size)
}

func (s *bumpSpace) AllocateBuffer(size uint64) (Addr, Addr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.allocateLocked(size)
	if p == 0 {
		return 0, 0
	}
	return p, p + Addr(size)
}

// ReturnTail leaves the tail in place as a dead range.
func (s *bumpSpace) ReturnTail(begin, end Addr) {
	s.mem.FillFree(begin, uint64(end-begin))
}

// Top is the current allocation point, or 0 for an empty space.
func (s *bumpSpace) Top() Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return 0
	}
	return s.bump.Top()
}

func (s *bumpSpace) Regions() []*Region {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.regions)
}

func (s *bumpSpace) Kind() SpaceKind  { return s.kind }
func (s *bumpSpace) Capacity() uint64 { return s.capacity }

func (s *bumpSpace) Stats() SpaceStats {
	return summarize(s.kind, s.capacity, s.Regions())
}

// SemiSpace is the young generation: bump allocation over a bounded chain of
// regions. A young collection evacuates the current SemiSpace into a fresh one.
type SemiSpace struct {
	bumpSpace
	ageMark Addr
}

func newSemiSpace(pool *RegionPool, capacity uint64) *SemiSpace {
	s := &SemiSpace{}
	s.init(pool, KindYoung, capacity)
	return s
}

// AgeMark is the allocation point at the end of the last young collection.
// Objects below it in the region flagged FlagHasAgeMark survived that cycle.
func (s *SemiSpace) AgeMark() Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ageMark
}

// SetAgeMark records the current top as the age mark and flags the regions
// behind it.
func (s *SemiSpace) SetAgeMark() Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		s.ageMark = 0
		return 0
	}
	s.ageMark = s.bump.Top()
	for _, r := range s.regions {
		r.ClearFlag(FlagHasAgeMark | FlagBelowAgeMark)
		if r == s.current {
			r.SetFlag(FlagHasAgeMark)
		} else {
			r.SetFlag(FlagBelowAgeMark)
		}
	}
	return s.ageMark
}

// detach empties the space and returns the regions it held.
func (s *bumpSpace) detach() []*Region {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.regions
	s.regions = nil
	s.current = nil
	s.bump.Reset(0, 0)
	return out
}

// SnapshotSpace holds pinned objects created ahead of time. It is never
// collected; its objects are scanned as roots.
type SnapshotSpace struct {
	bumpSpace
}

func newSnapshotSpace(pool *RegionPool) *SnapshotSpace {
	s := &SnapshotSpace{}
	s.init(pool, KindSnapshot, 0)
	return s
}

// ---------------- old spaces ----------------

// OldSpace is a free-list managed space. It backs the old, non-movable and
// machine-code kinds.
type OldSpace struct {
	kind  SpaceKind
	pool  *RegionPool
	alloc *FreeListAllocator

	capacity   atomic.Uint64
	collecting atomic.Bool
}

func newOldSpace(pool *RegionPool, kind SpaceKind, capacity uint64) *OldSpace {
	s := &OldSpace{kind: kind, pool: pool}
	s.capacity.Store(capacity)
	s.alloc = NewFreeListAllocator(pool, s.expand)
	return s
}

// expand is called with the allocator lock held. The capacity bounds mutator
// allocation only; a collection in progress may grow the space up to the
// reservation.
func (s *OldSpace) expand() *Region {
	if limit := s.capacity.Load(); limit != 0 && !s.collecting.Load() {
		if uint64(len(s.alloc.regions)+1)*s.pool.RegionSize() > limit {
			return nil
		}
	}
	return s.pool.Allocate(s.kind)
}

func (s *OldSpace) Kind() SpaceKind                { return s.kind }
func (s *OldSpace) Allocator() *FreeListAllocator  { return s.alloc }
func (s *OldSpace) Allocate(size uint64) Addr      { return s.alloc.Allocate(size) }
func (s *OldSpace) Regions() []*Region             { return s.alloc.Regions() }
func (s *OldSpace) RemoveRegion(r *Region)         { s.alloc.RemoveRegion(r) }
func (s *OldSpace) Capacity() uint64               { return s.capacity.Load() }
func (s *OldSpace) SetCapacity(n uint64)           { s.capacity.Store(n) }
func (s *OldSpace) BeginCollection()               { s.collecting.Store(true) }
func (s *OldSpace) EndCollection()                 { s.collecting.Store(false) }
func (s *OldSpace) ReturnTail(begin, end Addr)     { s.alloc.Free(begin, uint64(end-begin)) }
func (s *OldSpace) AllocatorStats() AllocatorStats { return s.alloc.Stats() }

func (s *OldSpace) AllocateBuffer(size uint64) (Addr, Addr) {
	p := s.alloc.Allocate(size)
	if p == 0 {
		return 0, 0
	}
	return p, p + Addr(size)
}

func (s *OldSpace) Stats() SpaceStats {
	return summarize(s.kind, s.Capacity(), s.Regions())
}

// ---------------- huge objects ----------------

// HugeObjectSpace gives every object its own multi-slot region. Huge objects
// are never moved.
type HugeObjectSpace struct {
	mu      sync.Mutex
	pool    *RegionPool
	regions []*Region
}

func newHugeObjectSpace(pool *RegionPool) *HugeObjectSpace {
	return &HugeObjectSpace{pool: pool}
}

func (s *HugeObjectSpace) Allocate(size uint64) Addr {
	r := s.pool.AllocateHuge(KindHuge, size)
	if r == nil {
		return 0
	}
	r.SetTop(r.Begin() + Addr(size))
	s.mu.Lock()
	s.regions = append(s.regions, r)
	s.mu.Unlock()
	return r.Begin()
}

func (s *HugeObjectSpace) RemoveRegion(r *Region) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.regions = slices.DeleteFunc(s.regions, func(x *Region) bool { return x == r })
}

func (s *HugeObjectSpace) Regions() []*Region {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.regions)
}

func (s *HugeObjectSpace) Stats() SpaceStats {
	return summarize(KindHuge, 0, s.Regions())
}
