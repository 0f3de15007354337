package heap

// BufferSource is a space that hands out thread-local allocation buffers.
type BufferSource interface {
	// Allocate serves one object directly from the space.
	Allocate(size uint64) Addr
	// AllocateBuffer returns a fresh buffer of size bytes, or (0, 0).
	AllocateBuffer(size uint64) (Addr, Addr)
	// ReturnTail takes back the unused part of a retired buffer.
	ReturnTail(begin, end Addr)
}

// TLABStats accounts for the buffers one TLAB has been issued. Once the TLAB
// is retired, IssuedBytes == AllocatedBytes + TailBytes.
type TLABStats struct {
	Buffers        int
	IssuedBytes    uint64
	AllocatedBytes uint64
	TailBytes      uint64
	DirectBytes    uint64
}

// Add folds o into s.
func (s *TLABStats) Add(o TLABStats) {
	s.Buffers += o.Buffers
	s.IssuedBytes += o.IssuedBytes
	s.AllocatedBytes += o.AllocatedBytes
	s.TailBytes += o.TailBytes
	s.DirectBytes += o.DirectBytes
}

type localBuffer struct {
	src   BufferSource
	bump  BumpPointerAllocator
	begin Addr
	stats TLABStats
}

func (b *localBuffer) allocate(size, bufSize uint64) Addr {
	if b.src == nil {
		return 0
	}
	if size > bufSize/2 {
		p := b.src.Allocate(size)
		if p != 0 {
			b.stats.DirectBytes += size
		}
		return p
	}
	if p := b.bump.Allocate(size); p != 0 {
		b.stats.AllocatedBytes += size
		return p
	}
	b.retire()
	begin, end := b.src.AllocateBuffer(bufSize)
	if begin == 0 {
		return 0
	}
	b.begin = begin
	b.bump.Reset(begin, end)
	b.stats.Buffers++
	b.stats.IssuedBytes += uint64(end - begin)
	p := b.bump.Allocate(size)
	if p != 0 {
		b.stats.AllocatedBytes += size
	}
	return p
}

func (b *localBuffer) retire() {
	if b.begin == 0 {
		return
	}
	top, end := b.bump.Top(), b.bump.End()
	if top < end {
		b.src.ReturnTail(top, end)
		b.stats.TailBytes += uint64(end - top)
	}
	b.begin = 0
	b.bump.Reset(0, 0)
}

// TLAB is one GC worker's pair of allocation buffers: one in the young
// survivor space and one in the old (promotion or compaction) space.
// A TLAB is owned by a single goroutine.
type TLAB struct {
	bufSize uint64
	young   localBuffer
	old     localBuffer
}

// NewTLAB returns buffers of bufSize bytes drawn from young and old. Either
// source may be nil when the cycle has no such target.
func NewTLAB(young, old BufferSource, bufSize uint64) *TLAB {
	t := &TLAB{bufSize: bufSize}
	t.young.src = young
	t.old.src = old
	return t
}

// Allocate returns size bytes in the young (KindYoung) or old (any other
// kind) target, or 0 when that target cannot serve them.
func (t *TLAB) Allocate(size uint64, target SpaceKind) Addr {
	if target == KindYoung {
		return t.young.allocate(size, t.bufSize)
	}
	return t.old.allocate(size, t.bufSize)
}

// Retire hands both unused tails back to their spaces.
func (t *TLAB) Retire() {
	t.young.retire()
	t.old.retire()
}

func (t *TLAB) Stats() TLABStats {
	var s TLABStats
	s.Add(t.young.stats)
	s.Add(t.old.stats)
	return s
}
