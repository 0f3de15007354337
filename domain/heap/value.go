package heap

import "fmt"

// Addr is a virtual address inside the heap reservation.
type Addr uint64

const (
	WordSize      = 8
	WordShift     = 3
	MinObjectSize = 2 * WordSize
)

// AlignSize rounds size up to a whole number of words, never below MinObjectSize.
func AlignSize(size uint64) uint64 {
	s := (size + WordSize - 1) &^ (WordSize - 1)
	if s < MinObjectSize {
		s = MinObjectSize
	}
	return s
}

func (a Addr) String() string {
	return fmt.Sprintf("%#x", uint64(a))
}

// Value is the content of a reference-carrying slot.
//
// A value is a heap reference iff it is non-zero and bit 0 is clear. Bit 1 of a
// heap reference marks it weak. Immediates carry bit 0.
type Value uint64

const (
	tagImmediate Value = 1
	tagWeak      Value = 2
	tagMask      Value = 7
)

// Null is the empty reference.
const Null Value = 0

func Ref(a Addr) Value     { return Value(a) }
func WeakRef(a Addr) Value { return Value(a) | tagWeak }

// MakeInt encodes n as an immediate.
func MakeInt(n int64) Value { return Value(uint64(n)<<1) | tagImmediate }

func (v Value) IsHeapRef() bool { return v != 0 && v&tagImmediate == 0 }
func (v Value) IsWeak() bool    { return v.IsHeapRef() && v&tagWeak != 0 }
func (v Value) IsInt() bool     { return v&tagImmediate != 0 }
func (v Value) Int() int64      { return int64(v) >> 1 }
func (v Value) Addr() Addr      { return Addr(v &^ tagMask) }

// Rewrap returns a reference to a carrying the same weak tag as v.
func (v Value) Rewrap(a Addr) Value {
	if v.IsWeak() {
		return WeakRef(a)
	}
	return Ref(a)
}

func (v Value) String() string {
	switch {
	case v == Null:
		return "null"
	case v.IsInt():
		return fmt.Sprintf("int(%d)", v.Int())
	case v.IsWeak():
		return fmt.Sprintf("weak(%s)", v.Addr())
	default:
		return fmt.Sprintf("ref(%s)", v.Addr())
	}
}
