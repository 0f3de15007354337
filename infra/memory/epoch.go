package memory

import (
	"sync"
	"sync/atomic"
)

const inactive = ^uint64(0)

// Epoch is a monotonically increasing clock shared by a set of readers.
// Objects retired at epoch e may be reused once every reader has either left
// its read section or entered it after e.
type Epoch struct {
	global atomic.Uint64

	mu      sync.Mutex
	readers []*ReaderEpoch
}

// ReaderEpoch marks when a reader entered a read section.
type ReaderEpoch struct {
	epoch atomic.Uint64
	owner *Epoch
}

// NewReader registers a reader, initially outside any read section.
func (e *Epoch) NewReader() *ReaderEpoch {
	r := &ReaderEpoch{owner: e}
	r.epoch.Store(inactive)
	e.mu.Lock()
	e.readers = append(e.readers, r)
	e.mu.Unlock()
	return r
}

func (r *ReaderEpoch) Enter() {
	r.epoch.Store(r.owner.global.Load())
}

func (r *ReaderEpoch) Exit() {
	r.epoch.Store(inactive)
}

func (r *ReaderEpoch) Value() uint64 {
	return r.epoch.Load()
}

func (e *Epoch) Current() uint64 { return e.global.Load() }

func (e *Epoch) minReaderEpoch() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	min := inactive
	for _, r := range e.readers {
		if v := r.Value(); v < min {
			min = v
		}
	}
	return min
}

// Retired is an object waiting for its readers to drain.
type Retired[T any] struct {
	Value T
	Epoch uint64
}

// Retire queues v as retired in the current epoch. It reports false when the
// ring is full.
func Retire[T any](e *Epoch, ring *Ring[Retired[T]], v T) bool {
	return ring.Enqueue(Retired[T]{Value: v, Epoch: e.global.Load()})
}

// AdvanceEpochAndReclaim advances the epoch and hands every retired object
// that no reader can still observe to reclaim. It must be called by the
// ring's consumer and returns the number of reclaimed objects.
func AdvanceEpochAndReclaim[T any](e *Epoch, ring *Ring[Retired[T]], reclaim func(T)) int {
	e.global.Add(1)
	min := e.minReaderEpoch()

	n := 0
	for {
		obj, ok := ring.Peek()
		if !ok {
			return n
		}
		if min != inactive && obj.Epoch >= min {
			// Not safe yet → FIFO guarantees newer ones aren't either
			return n
		}
		ring.Dequeue()
		reclaim(obj.Value)
		n++
	}
}
