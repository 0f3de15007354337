package heap

import (
	"math/bits"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
)

// RegionPool carves fixed-size regions out of the heap reservation and keeps
// the address-to-region table. Lookups are lock-free; allocation and release
// are serialised.
type RegionPool struct {
	mem        *Memory
	regionSize uint64
	shift      uint

	// table[i] is the region owning slot i, nil while the slot is free.
	table []atomic.Pointer[Region]

	mu     sync.Mutex
	free   []bool
	dirty  []bool
	cache  []*Region
	nextID int
	inUse  atomic.Int64
}

// NewRegionPool splits mem into regions of regionSize bytes. regionSize must
// be a power of two and mem must be aligned to it.
func NewRegionPool(mem *Memory, regionSize uint64) (*RegionPool, error) {
	if regionSize < 4096 || regionSize&(regionSize-1) != 0 {
		return nil, errors.Newf("heap: region size %d is not a power of two >= 4096", regionSize)
	}
	if uint64(mem.Base())%regionSize != 0 {
		return nil, errors.Newf("heap: reservation base %s is not aligned to region size %d", mem.Base(), regionSize)
	}
	n := int(mem.Size() / regionSize)
	if n == 0 {
		return nil, errors.Newf("heap: reservation of %d bytes holds no region", mem.Size())
	}
	p := &RegionPool{
		mem:        mem,
		regionSize: regionSize,
		shift:      uint(bits.TrailingZeros64(regionSize)),
		table:      make([]atomic.Pointer[Region], n),
		free:       make([]bool, n),
		dirty:      make([]bool, n),
		cache:      make([]*Region, n),
	}
	for i := range p.free {
		p.free[i] = true
	}
	return p, nil
}

func (p *RegionPool) RegionSize() uint64 { return p.regionSize }
func (p *RegionPool) Slots() int         { return len(p.table) }
func (p *RegionPool) SlotsInUse() int    { return int(p.inUse.Load()) }
func (p *RegionPool) FreeSlots() int     { return len(p.table) - p.SlotsInUse() }

// Lookup returns the region owning a, or nil when a lies outside the
// reservation or in a free slot.
func (p *RegionPool) Lookup(a Addr) *Region {
	if !p.mem.Contains(a) {
		return nil
	}
	return p.table[uint64(a-p.mem.Base())>>p.shift].Load()
}

func (p *RegionPool) slotBegin(i int) Addr {
	return p.mem.Base() + Addr(uint64(i)<<p.shift)
}

// Allocate returns a fresh single-slot region of the given kind, or nil when
// the reservation is exhausted.
func (p *RegionPool) Allocate(kind SpaceKind) *Region {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, free := range p.free {
		if !free {
			continue
		}
		r := p.cache[i]
		if r == nil {
			begin := p.slotBegin(i)
			r = newRegion(p.nextID, 1, kind, begin, begin+Addr(p.regionSize))
			p.nextID++
			p.cache[i] = r
		} else {
			r.reset(kind)
		}
		p.claim(i, 1, r)
		return r
	}
	return nil
}

// AllocateHuge returns a region spanning enough consecutive slots to hold size
// bytes, or nil when no such run is free.
func (p *RegionPool) AllocateHuge(kind SpaceKind, size uint64) *Region {
	n := int((size + p.regionSize - 1) >> p.shift)
	if n == 0 {
		n = 1
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	run := 0
	for i, free := range p.free {
		if !free {
			run = 0
			continue
		}
		run++
		if run < n {
			continue
		}
		first := i - n + 1
		begin := p.slotBegin(first)
		r := newRegion(p.nextID, n, kind, begin, begin+Addr(uint64(n)<<p.shift))
		p.nextID++
		p.claim(first, n, r)
		return r
	}
	return nil
}

func (p *RegionPool) claim(first, n int, r *Region) {
	for i := first; i < first+n; i++ {
		if p.dirty[i] {
			p.mem.Zero(p.slotBegin(i), p.regionSize)
			p.dirty[i] = false
		}
		p.free[i] = false
		p.table[i].Store(r)
	}
	p.inUse.Add(int64(n))
}

// Release returns r's slots to the pool. The memory is zeroed when a slot is
// handed out again.
func (p *RegionPool) Release(r *Region) {
	p.mu.Lock()
	defer p.mu.Unlock()

	first := int(uint64(r.begin-p.mem.Base()) >> p.shift)
	for i := first; i < first+r.slots; i++ {
		if p.table[i].Load() != r {
			panic(errors.AssertionFailedf("heap: release of %s not owning slot %d", r, i))
		}
		p.table[i].Store(nil)
		p.free[i] = true
		p.dirty[i] = true
	}
	p.inUse.Add(-int64(r.slots))
}

// Regions returns every region currently handed out, in address order.
func (p *RegionPool) Regions() []*Region {
	var out []*Region
	var last *Region
	for i := range p.table {
		r := p.table[i].Load()
		if r != nil && r != last {
			out = append(out, r)
			last = r
		}
	}
	return out
}
