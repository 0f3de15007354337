package heap

import "fmt"

// ShapeRef identifies an object's shape descriptor. The low three bits are
// always clear so a ShapeRef can never be mistaken for a forwarding word.
type ShapeRef uint64

// ShapeOf returns the reference for shape id.
func ShapeOf(id uint32) ShapeRef { return ShapeRef(uint64(id) << 3) }

func (s ShapeRef) ID() uint32 { return uint32(s >> 3) }

// Built-in shapes. Runtime shapes must use ids >= FirstRuntimeShape.
var (
	// FreeObjectShape marks a dead range; word 1 holds its size in bytes.
	FreeObjectShape = ShapeOf(1)
	// FillerWordShape marks a single dead word.
	FillerWordShape = ShapeOf(2)
)

const FirstRuntimeShape = 16

// MarkWord is the first word of every object. It holds either the object's
// ShapeRef or, once the object has been evacuated, its forwarding address with
// the forwarded tag set.
type MarkWord uint64

const forwardedTag MarkWord = 1

func ShapeWord(s ShapeRef) MarkWord { return MarkWord(s) }
func ForwardWord(to Addr) MarkWord  { return MarkWord(to) | forwardedTag }

func (m MarkWord) IsForwarded() bool       { return m&forwardedTag != 0 }
func (m MarkWord) ForwardingAddress() Addr { return Addr(m &^ forwardedTag) }
func (m MarkWord) Shape() ShapeRef         { return ShapeRef(m) }
func (m MarkWord) IsFiller() bool {
	return !m.IsForwarded() && (m.Shape() == FreeObjectShape || m.Shape() == FillerWordShape)
}

func (m MarkWord) String() string {
	if m.IsForwarded() {
		return fmt.Sprintf("forwarded(%s)", m.ForwardingAddress())
	}
	return fmt.Sprintf("shape(%d)", m.Shape().ID())
}
