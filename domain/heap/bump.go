package heap

import "sync/atomic"

// BumpPointerAllocator hands out consecutive ranges of [top, end). It has a
// single owner; shared spaces serialise access to it.
type BumpPointerAllocator struct {
	top atomic.Uint64
	end Addr
}

func NewBumpPointerAllocator(begin, end Addr) *BumpPointerAllocator {
	b := &BumpPointerAllocator{}
	b.Reset(begin, end)
	return b
}

// Reset points the allocator at [begin, end). Not safe against concurrent
// allocation.
func (b *BumpPointerAllocator) Reset(begin, end Addr) {
	b.top.Store(uint64(begin))
	b.end = end
}

func (b *BumpPointerAllocator) Top() Addr { return Addr(b.top.Load()) }
func (b *BumpPointerAllocator) End() Addr { return b.end }

func (b *BumpPointerAllocator) Available() uint64 {
	top := b.Top()
	if top >= b.end {
		return 0
	}
	return uint64(b.end - top)
}

// Allocate returns the start of size bytes, or 0 when they do not fit.
func (b *BumpPointerAllocator) Allocate(size uint64) Addr {
	top := b.Top()
	if top == 0 || uint64(b.end-top) < size {
		return 0
	}
	b.top.Store(uint64(top) + size)
	return top
}
