// Package shape is the object model used by the service and tests: a table
// of fixed-layout and array shapes keyed by heap.ShapeRef.
package shape

import (
	"slices"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"

	"regiongc/domain/heap"
)

// Layout distinguishes fixed-size shapes from arrays.
type Layout uint8

const (
	Fixed Layout = iota
	// RefArray objects hold a length in word 1 followed by that many reference
	// slots.
	RefArray
	// WordArray objects hold a length in word 1 followed by raw words.
	WordArray
)

// ArrayHeaderWords is the number of words before the first array element.
const ArrayHeaderWords = 2

// Descriptor describes one shape.
type Descriptor struct {
	Ref    heap.ShapeRef
	Name   string
	Layout Layout
	// Size is the byte size of Fixed objects.
	Size uint64
	// RefWords are the word indexes of reference fields of Fixed objects.
	RefWords []int

	ranges [][2]int
}

// Table is a copy-on-write registry of shapes. Lookups are lock-free.
type Table struct {
	mu    sync.Mutex
	descs atomic.Pointer[[]*Descriptor]
}

func NewTable() *Table {
	t := &Table{}
	descs := make([]*Descriptor, heap.FirstRuntimeShape)
	t.descs.Store(&descs)
	return t
}

// RegisterFixed adds a shape of words words (header included) whose reference
// fields sit at the given word indexes.
func (t *Table) RegisterFixed(name string, words int, refWords ...int) (heap.ShapeRef, error) {
	if words < 1 {
		return 0, errors.Newf("shape %q: needs at least a header word", name)
	}
	refs := slices.Clone(refWords)
	slices.Sort(refs)
	refs = slices.Compact(refs)
	for _, w := range refs {
		if w < 1 || w >= words {
			return 0, errors.Newf("shape %q: reference word %d outside [1, %d)", name, w, words)
		}
	}
	return t.register(&Descriptor{
		Name:     name,
		Layout:   Fixed,
		Size:     heap.AlignSize(uint64(words) * heap.WordSize),
		RefWords: refs,
		ranges:   coalesce(refs),
	}), nil
}

// RegisterArray adds an array shape whose elements are references when refs
// is set and raw words otherwise.
func (t *Table) RegisterArray(name string, refs bool) heap.ShapeRef {
	d := &Descriptor{Name: name, Layout: WordArray}
	if refs {
		d.Layout = RefArray
	}
	return t.register(d)
}

func (t *Table) register(d *Descriptor) heap.ShapeRef {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur := *t.descs.Load()
	next := make([]*Descriptor, len(cur)+1)
	copy(next, cur)
	d.Ref = heap.ShapeOf(uint32(len(cur)))
	next[len(cur)] = d
	t.descs.Store(&next)
	return d.Ref
}

// Lookup returns the descriptor of s.
func (t *Table) Lookup(s heap.ShapeRef) (*Descriptor, bool) {
	descs := *t.descs.Load()
	id := int(s.ID())
	if id >= len(descs) || descs[id] == nil {
		return nil, false
	}
	return descs[id], true
}

func (t *Table) mustLookup(s heap.ShapeRef) *Descriptor {
	d, ok := t.Lookup(s)
	if !ok {
		panic(errors.AssertionFailedf("shape: unknown shape %d", s.ID()))
	}
	return d
}

// Len is the number of registered shapes.
func (t *Table) Len() int {
	return len(*t.descs.Load()) - heap.FirstRuntimeShape
}

// ArraySize is the byte size of an array of length elements.
func ArraySize(length uint64) uint64 {
	return heap.AlignSize((ArrayHeaderWords + length) * heap.WordSize)
}

// ---------------- heap.ObjectModel ----------------

func (t *Table) SizeOf(mem *heap.Memory, obj heap.Addr, s heap.ShapeRef) uint64 {
	d := t.mustLookup(s)
	if d.Layout == Fixed {
		return d.Size
	}
	return ArraySize(mem.Load(obj + heap.WordSize))
}

func (t *Table) HasRefs(s heap.ShapeRef) bool {
	d := t.mustLookup(s)
	switch d.Layout {
	case Fixed:
		return len(d.RefWords) > 0
	case RefArray:
		return true
	}
	return false
}

func (t *Table) VisitRefRanges(mem *heap.Memory, obj heap.Addr, s heap.ShapeRef, fn func(begin, end heap.Addr)) {
	d := t.mustLookup(s)
	switch d.Layout {
	case Fixed:
		for _, r := range d.ranges {
			fn(obj+heap.Addr(r[0]*heap.WordSize), obj+heap.Addr(r[1]*heap.WordSize))
		}
	case RefArray:
		n := mem.Load(obj + heap.WordSize)
		if n == 0 {
			return
		}
		begin := obj + ArrayHeaderWords*heap.WordSize
		fn(begin, begin+heap.Addr(n*heap.WordSize))
	}
}

// coalesce turns sorted word indexes into [begin, end) runs.
func coalesce(words []int) [][2]int {
	var out [][2]int
	for _, w := range words {
		if n := len(out); n > 0 && out[n-1][1] == w {
			out[n-1][1] = w + 1
			continue
		}
		out = append(out, [2]int{w, w + 1})
	}
	return out
}

var _ heap.ObjectModel = (*Table)(nil)
