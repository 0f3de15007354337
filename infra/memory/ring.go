package memory

import "sync/atomic"

// Ring is a lock-free SPSC ring buffer. One goroutine enqueues, one dequeues.
type Ring[T any] struct {
	head  uint64
	_pad1 [56]byte
	tail  uint64
	_pad2 [56]byte
	buf   []T
	mask  uint64
}

func NewRing[T any](size uint64) *Ring[T] {
	if size == 0 || size&(size-1) != 0 {
		panic("memory.Ring size must be power of two")
	}
	return &Ring[T]{
		buf:  make([]T, size),
		mask: size - 1,
	}
}

// Enqueue appends v and reports false when the ring is full.
func (r *Ring[T]) Enqueue(v T) bool {
	h := r.head
	t := atomic.LoadUint64(&r.tail)
	if h-t == uint64(len(r.buf)) {
		return false
	}
	r.buf[h&r.mask] = v
	atomic.StoreUint64(&r.head, h+1)
	return true
}

// Peek returns the oldest entry without removing it.
func (r *Ring[T]) Peek() (T, bool) {
	t := r.tail
	if t == atomic.LoadUint64(&r.head) {
		var zero T
		return zero, false
	}
	return r.buf[t&r.mask], true
}

func (r *Ring[T]) Dequeue() (T, bool) {
	var zero T
	t := r.tail
	if t == atomic.LoadUint64(&r.head) {
		return zero, false
	}
	v := r.buf[t&r.mask]
	r.buf[t&r.mask] = zero
	atomic.StoreUint64(&r.tail, t+1)
	return v, true
}

func (r *Ring[T]) Len() int {
	return int(atomic.LoadUint64(&r.head) - atomic.LoadUint64(&r.tail))
}

// Cap is the ring's capacity.
func (r *Ring[T]) Cap() int { return len(r.buf) }

// NextPowerOfTwo rounds n up to a power of two, minimum 1.
func NextPowerOfTwo(n uint64) uint64 {
	p := uint64(1)
	for p < n {
		p <<= 1
	}
	return p
}
