package heap

import (
	"sync/atomic"

	"github.com/cockroachdb/errors"
)

// Memory is the word-addressed backing store of the heap reservation.
// Addresses are translated to word indexes relative to base.
type Memory struct {
	base  Addr
	limit Addr
	words []uint64
}

// NewMemory wraps words as the memory for [base, base+len(words)*8).
// base must be word aligned.
func NewMemory(base Addr, words []uint64) (*Memory, error) {
	if base%WordSize != 0 {
		return nil, errors.Newf("heap: memory base %s is not word aligned", base)
	}
	return &Memory{
		base:  base,
		limit: base + Addr(len(words))*WordSize,
		words: words,
	}, nil
}

func (m *Memory) Base() Addr  { return m.base }
func (m *Memory) Limit() Addr { return m.limit }
func (m *Memory) Size() uint64 {
	return uint64(m.limit - m.base)
}

func (m *Memory) Contains(a Addr) bool {
	return a >= m.base && a < m.limit
}

func (m *Memory) index(a Addr) int {
	if a < m.base || a >= m.limit || a%WordSize != 0 {
		panic(errors.AssertionFailedf("heap: access to %s outside reservation [%s, %s)", a, m.base, m.limit))
	}
	return int((a - m.base) >> WordShift)
}

func (m *Memory) Load(a Addr) uint64     { return m.words[m.index(a)] }
func (m *Memory) Store(a Addr, v uint64) { m.words[m.index(a)] = v }

func (m *Memory) AtomicLoad(a Addr) uint64 {
	return atomic.LoadUint64(&m.words[m.index(a)])
}

func (m *Memory) AtomicStore(a Addr, v uint64) {
	atomic.StoreUint64(&m.words[m.index(a)], v)
}

func (m *Memory) CompareAndSwap(a Addr, oldVal, newVal uint64) bool {
	return atomic.CompareAndSwapUint64(&m.words[m.index(a)], oldVal, newVal)
}

func (m *Memory) LoadValue(a Addr) Value     { return Value(m.Load(a)) }
func (m *Memory) StoreValue(a Addr, v Value) { m.Store(a, uint64(v)) }

func (m *Memory) LoadMarkWord(a Addr) MarkWord {
	return MarkWord(m.Load(a))
}

func (m *Memory) AtomicLoadMarkWord(a Addr) MarkWord {
	return MarkWord(m.AtomicLoad(a))
}

// Copy moves size bytes from src to dst. The ranges must not overlap.
func (m *Memory) Copy(dst, src Addr, size uint64) {
	if size == 0 {
		return
	}
	n := int(size >> WordShift)
	d, s := m.index(dst), m.index(src)
	copy(m.words[d:d+n], m.words[s:s+n])
}

// Zero clears size bytes starting at a.
func (m *Memory) Zero(a Addr, size uint64) {
	if size == 0 {
		return
	}
	i := m.index(a)
	clear(m.words[i : i+int(size>>WordShift)])
}

// FillFree turns [a, a+size) into a dead range that heap walkers skip.
func (m *Memory) FillFree(a Addr, size uint64) {
	switch {
	case size == 0:
	case size == WordSize:
		m.Store(a, uint64(ShapeWord(FillerWordShape)))
	default:
		m.Store(a, uint64(ShapeWord(FreeObjectShape)))
		m.Store(a+WordSize, size)
	}
}
