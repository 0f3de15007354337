package roots

import (
	"testing"

	"github.com/cockroachdb/errors"

	"regiongc/domain/heap"
)

type recorder struct {
	slots  []*heap.Value
	ranges [][]heap.Value
}

func (r *recorder) VisitRoot(slot *heap.Value)         { r.slots = append(r.slots, slot) }
func (r *recorder) VisitRangeRoots(slots []heap.Value) { r.ranges = append(r.ranges, slots) }

func TestStackReportsLiveRange(t *testing.T) {
	s := NewStack(8)
	s.Push(heap.Ref(0x1000))
	s.Push(heap.MakeInt(3))
	s.Push(heap.Ref(0x2000))
	if v := s.Pop(); v.Addr() != 0x2000 {
		t.Fatalf("pop = %s", v)
	}

	var rec recorder
	s.VisitRoots(&rec)
	if len(rec.ranges) != 1 || len(rec.ranges[0]) != 2 {
		t.Fatalf("ranges = %v", rec.ranges)
	}
	rec.ranges[0][0] = heap.Ref(0x3000)
	if s.Get(0).Addr() != 0x3000 {
		t.Fatalf("range root updates must reach the stack")
	}

	s.Truncate(0)
	rec = recorder{}
	s.VisitRoots(&rec)
	if len(rec.ranges) != 0 {
		t.Fatalf("empty stack reported a range")
	}
}

func TestHandlesGenerations(t *testing.T) {
	h := NewHandles()
	a := h.New(heap.Ref(0x1000))
	b := h.New(heap.Ref(0x2000))
	if err := h.Release(a); err != nil {
		t.Fatal(err)
	}
	if _, err := h.Get(a); !errors.Is(err, ErrStaleHandle) {
		t.Fatalf("get of released handle: %v", err)
	}

	c := h.New(heap.Ref(0x3000))
	if c.index != a.index {
		t.Fatalf("released slot not reused")
	}
	if err := h.Set(a, heap.Null); !errors.Is(err, ErrStaleHandle) {
		t.Fatalf("stale handle wrote to a reused slot")
	}

	var rec recorder
	h.VisitRoots(&rec)
	if len(rec.slots) != 2 || h.Len() != 2 {
		t.Fatalf("visited %d slots, len %d", len(rec.slots), h.Len())
	}
	*rec.slots[0] = heap.Ref(0x4000)
	if v, _ := h.Get(c); v.Addr() != 0x4000 {
		t.Fatalf("root update lost: %s", v)
	}
	if v, _ := h.Get(b); v.Addr() != 0x2000 {
		t.Fatalf("b = %s", v)
	}
}

func TestWeakTablesDropDeadReferents(t *testing.T) {
	w := NewWeakHandles()
	dead := w.New(heap.Ref(0x1000))
	moved := w.New(heap.Ref(0x2000))

	in := NewInternTable()
	in.Intern("dead", heap.Ref(0x1000))
	in.Intern("moved", heap.Ref(0x2000))
	if v := in.Intern("moved", heap.Ref(0x9000)); v.Addr() != 0x2000 {
		t.Fatalf("intern replaced the canonical value")
	}

	update := func(v heap.Value) heap.Value {
		if v.Addr() == 0x1000 {
			return heap.Null
		}
		return heap.Ref(v.Addr() + 0x100)
	}
	w.UpdateWeakRoots(update)
	in.UpdateWeakRoots(update)

	if v, _ := w.Get(dead); v != heap.Null {
		t.Fatalf("dead weak handle = %s", v)
	}
	if v, _ := w.Get(moved); v.Addr() != 0x2100 {
		t.Fatalf("moved weak handle = %s", v)
	}
	if _, ok := in.Lookup("dead"); ok || in.Len() != 1 {
		t.Fatalf("dead intern entry kept")
	}
	if v, _ := in.Lookup("moved"); v.Addr() != 0x2100 {
		t.Fatalf("moved intern entry = %s", v)
	}
}
