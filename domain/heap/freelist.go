package heap

import (
	"math/bits"
	"slices"
	"sync"
)

const (
	// Sizes up to exactClassLimit get one class per word; larger sizes share a
	// class per power of two.
	exactClassLimit = 256
	numSizeClasses  = 24 + 64 + 1

	// MinFreeListChunk is the smallest chunk kept on a list. Smaller chunks are
	// filled and counted as wasted.
	MinFreeListChunk = MinObjectSize
)

func sizeClass(size uint64) int {
	if size <= exactClassLimit {
		return int(size >> WordShift)
	}
	return 24 + bits.Len64(size-1)
}

// AllocatorStats are cumulative counters of a FreeListAllocator.
type AllocatorStats struct {
	AllocatedBytes uint64
	LiveBytes      uint64
	WastedBytes    uint64
	FreeBytes      uint64
	Regions        int
}

// FreeListAllocator serves old-generation allocation from segregated free
// lists, falling back to bump allocation in its newest region and then to
// expansion. All methods are safe for concurrent use.
type FreeListAllocator struct {
	mu     sync.Mutex
	mem    *Memory
	pool   *RegionPool
	expand func() *Region

	regions    []*Region
	bump       BumpPointerAllocator
	bumpRegion *Region
	lists      [numSizeClasses][]Addr

	stats AllocatorStats
}

// NewFreeListAllocator returns an allocator that obtains new regions from
// expand. expand returns nil when the owning space may not grow.
func NewFreeListAllocator(pool *RegionPool, expand func() *Region) *FreeListAllocator {
	return &FreeListAllocator{mem: pool.mem, pool: pool, expand: expand}
}

// Allocate returns size bytes, or 0 when neither the free lists, the bump
// region nor a new region can serve them.
func (a *FreeListAllocator) Allocate(size uint64) Addr {
	a.mu.Lock()
	defer a.mu.Unlock()

	if p := a.lookupSuitableFreeObject(size); p != 0 {
		a.stats.AllocatedBytes += size
		return p
	}
	if p := a.bumpAllocate(size); p != 0 {
		return p
	}
	if size > a.pool.RegionSize() {
		return 0
	}
	r := a.expand()
	if r == nil {
		return 0
	}
	a.fillBumpPointer()
	a.regions = append(a.regions, r)
	a.bumpRegion = r
	a.bump.Reset(r.Begin(), r.End())
	return a.bumpAllocate(size)
}

func (a *FreeListAllocator) bumpAllocate(size uint64) Addr {
	if a.bumpRegion == nil {
		return 0
	}
	p := a.bump.Allocate(size)
	if p == 0 {
		return 0
	}
	a.bumpRegion.SetTop(a.bump.Top())
	a.stats.AllocatedBytes += size
	return p
}

// LookupSuitableFreeObject takes a chunk of at least size bytes off the free
// lists and splits it. It returns 0 when no listed chunk is large enough.
func (a *FreeListAllocator) LookupSuitableFreeObject(size uint64) Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lookupSuitableFreeObject(size)
}

func (a *FreeListAllocator) lookupSuitableFreeObject(size uint64) Addr {
	c := sizeClass(size)
	if c < numSizeClasses && size > exactClassLimit {
		// Chunks in a power-of-two class may be smaller than size.
		list := a.lists[c]
		for i := len(list) - 1; i >= 0; i-- {
			if a.chunkSize(list[i]) >= size {
				p := list[i]
				a.lists[c] = slices.Delete(list, i, i+1)
				return a.split(p, size)
			}
		}
		c++
	}
	for ; c < numSizeClasses; c++ {
		list := a.lists[c]
		if len(list) == 0 {
			continue
		}
		p := list[len(list)-1]
		a.lists[c] = list[:len(list)-1]
		return a.split(p, size)
	}
	return 0
}

func (a *FreeListAllocator) chunkSize(p Addr) uint64 {
	return a.mem.Load(p + WordSize)
}

func (a *FreeListAllocator) split(p Addr, size uint64) Addr {
	chunk := a.chunkSize(p)
	a.stats.FreeBytes -= chunk
	if r := a.pool.Lookup(p); r != nil {
		r.SubFreeBytes(chunk)
	}
	if rest := chunk - size; rest > 0 {
		a.freeLocked(p+Addr(size), rest)
	}
	return p
}

// Free turns [begin, begin+size) into a free chunk.
func (a *FreeListAllocator) Free(begin Addr, size uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.freeLocked(begin, size)
}

func (a *FreeListAllocator) freeLocked(begin Addr, size uint64) {
	if size == 0 {
		return
	}
	a.mem.FillFree(begin, size)
	if size < MinFreeListChunk {
		a.stats.WastedBytes += size
		return
	}
	c := sizeClass(size)
	a.lists[c] = append(a.lists[c], begin)
	a.stats.FreeBytes += size
	if r := a.pool.Lookup(begin); r != nil {
		r.AddFreeBytes(size)
	}
}

// FreeLiveRange releases a dead range found by the sweeper and drops the
// remembered-set entries that pointed into it.
func (a *FreeListAllocator) FreeLiveRange(r *Region, begin, end Addr) {
	if begin >= end {
		return
	}
	r.ClearRememberedRange(begin, end)
	a.Free(begin, uint64(end-begin))
}

// RebuildFreeList drops every listed chunk. The sweeper re-adds the dead
// ranges it finds.
func (a *FreeListAllocator) RebuildFreeList() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for c := range a.lists {
		a.lists[c] = a.lists[c][:0]
	}
	a.stats.FreeBytes = 0
	for _, r := range a.regions {
		r.ResetFreeBytes()
	}
}

// FillBumpPointer retires the unused tail of the bump region so that the
// region is walkable up to its end.
func (a *FreeListAllocator) FillBumpPointer() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fillBumpPointer()
}

func (a *FreeListAllocator) fillBumpPointer() {
	r := a.bumpRegion
	if r == nil {
		return
	}
	top := a.bump.Top()
	a.bumpRegion = nil
	a.bump.Reset(0, 0)
	r.SetTop(r.End())
	a.freeLocked(top, uint64(r.End()-top))
}

// RemoveRegion forgets r and every free chunk inside it.
func (a *FreeListAllocator) RemoveRegion(r *Region) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.bumpRegion == r {
		a.bumpRegion = nil
		a.bump.Reset(0, 0)
	}
	a.regions = slices.DeleteFunc(a.regions, func(x *Region) bool { return x == r })
	for c := range a.lists {
		a.lists[c] = slices.DeleteFunc(a.lists[c], func(p Addr) bool {
			if !r.Contains(p) {
				return false
			}
			a.stats.FreeBytes -= a.chunkSize(p)
			return true
		})
	}
}

func (a *FreeListAllocator) Regions() []*Region {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.regions)
}

func (a *FreeListAllocator) SetLiveBytes(n uint64) {
	a.mu.Lock()
	a.stats.LiveBytes = n
	a.mu.Unlock()
}

func (a *FreeListAllocator) Stats() AllocatorStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.stats
	s.Regions = len(a.regions)
	return s
}
