package heap

import (
	"math/bits"
	"sync/atomic"
)

// Bitset is a word-packed bit array with one bit per heap granule.
//
// The plain methods require exclusive access to the bitset. The Atomic methods
// may run concurrently with each other and are the only ones used while
// parallel workers mark.
type Bitset struct {
	words []uint64
	nbits uint64
}

// NewBitset returns a cleared bitset holding nbits bits.
func NewBitset(nbits uint64) *Bitset {
	return &Bitset{
		words: make([]uint64, (nbits+63)/64),
		nbits: nbits,
	}
}

func (b *Bitset) Len() uint64 { return b.nbits }

func split(i uint64) (int, uint64) {
	return int(i >> 6), 1 << (i & 63)
}

// SetBit sets bit i and reports whether it was previously unset.
func (b *Bitset) SetBit(i uint64) bool {
	w, mask := split(i)
	if b.words[w]&mask != 0 {
		return false
	}
	b.words[w] |= mask
	return true
}

func (b *Bitset) TestBit(i uint64) bool {
	w, mask := split(i)
	return b.words[w]&mask != 0
}

func (b *Bitset) ClearBit(i uint64) {
	w, mask := split(i)
	b.words[w] &^= mask
}

// AtomicSetBit sets bit i with a compare-and-swap loop. Exactly one of any
// number of concurrent callers for the same bit observes true.
func (b *Bitset) AtomicSetBit(i uint64) bool {
	w, mask := split(i)
	p := &b.words[w]
	for {
		old := atomic.LoadUint64(p)
		if old&mask != 0 {
			return false
		}
		if atomic.CompareAndSwapUint64(p, old, old|mask) {
			return true
		}
	}
}

func (b *Bitset) AtomicTestBit(i uint64) bool {
	w, mask := split(i)
	return atomic.LoadUint64(&b.words[w])&mask != 0
}

// AtomicClearBit clears bit i and reports whether it was set.
func (b *Bitset) AtomicClearBit(i uint64) bool {
	w, mask := split(i)
	return b.atomicAndNot(w, mask)&mask != 0
}

func (b *Bitset) atomicAndNot(w int, mask uint64) uint64 {
	p := &b.words[w]
	for {
		old := atomic.LoadUint64(p)
		if old&mask == 0 {
			return old
		}
		if atomic.CompareAndSwapUint64(p, old, old&^mask) {
			return old
		}
	}
}

func (b *Bitset) atomicOr(w int, mask uint64) {
	p := &b.words[w]
	for {
		old := atomic.LoadUint64(p)
		if old|mask == old {
			return
		}
		if atomic.CompareAndSwapUint64(p, old, old|mask) {
			return
		}
	}
}

// rangeMasks calls fn for every word touched by [begin, end) with the mask of
// bits inside the range.
func rangeMasks(begin, end uint64, fn func(w int, mask uint64)) {
	for begin < end {
		w := begin >> 6
		lo := begin & 63
		hi := uint64(64)
		if end < (w+1)<<6 {
			hi = end & 63
		}
		mask := ^uint64(0) << lo
		if hi < 64 {
			mask &= (1 << hi) - 1
		}
		fn(int(w), mask)
		begin = (w + 1) << 6
	}
}

// ClearRange clears bits [begin, end).
func (b *Bitset) ClearRange(begin, end uint64) {
	rangeMasks(begin, min(end, b.nbits), func(w int, mask uint64) {
		b.words[w] &^= mask
	})
}

func (b *Bitset) AtomicClearRange(begin, end uint64) {
	rangeMasks(begin, min(end, b.nbits), func(w int, mask uint64) {
		b.atomicAndNot(w, mask)
	})
}

func (b *Bitset) ClearAll() {
	clear(b.words)
}

// IterateMarkedBits visits every set bit in ascending order. A bit whose visitor
// returns false is cleared. Words are loaded and cleared atomically, so bits set
// concurrently by AtomicSetBit are never lost; they may or may not be visited.
func (b *Bitset) IterateMarkedBits(visit func(i uint64) bool) {
	for w := range b.words {
		word := atomic.LoadUint64(&b.words[w])
		if word == 0 {
			continue
		}
		var drop uint64
		for word != 0 {
			tz := bits.TrailingZeros64(word)
			mask := uint64(1) << tz
			word &^= mask
			if !visit(uint64(w)<<6 + uint64(tz)) {
				drop |= mask
			}
		}
		if drop != 0 {
			b.atomicAndNot(w, drop)
		}
	}
}

// AtomicMerge ORs other into b. Both bitsets must have the same length.
func (b *Bitset) AtomicMerge(other *Bitset) {
	for w := range other.words {
		if word := atomic.LoadUint64(&other.words[w]); word != 0 {
			b.atomicOr(w, word)
		}
	}
}

func (b *Bitset) Count() int {
	n := 0
	for w := range b.words {
		n += bits.OnesCount64(atomic.LoadUint64(&b.words[w]))
	}
	return n
}

func (b *Bitset) IsEmpty() bool {
	for w := range b.words {
		if atomic.LoadUint64(&b.words[w]) != 0 {
			return false
		}
	}
	return true
}
