package shape

import (
	"testing"

	"regiongc/domain/heap"
)

func TestRegisterFixedCoalescesRefWords(t *testing.T) {
	tab := NewTable()
	s, err := tab.RegisterFixed("node", 6, 4, 1, 2, 4)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if s.ID() != heap.FirstRuntimeShape {
		t.Fatalf("first runtime shape id = %d, want %d", s.ID(), heap.FirstRuntimeShape)
	}

	mem, err := heap.NewMemory(0x10000, make([]uint64, 16))
	if err != nil {
		t.Fatal(err)
	}
	obj := heap.Addr(0x10000)
	if got := tab.SizeOf(mem, obj, s); got != 48 {
		t.Fatalf("size = %d, want 48", got)
	}
	if !tab.HasRefs(s) {
		t.Fatalf("node should carry references")
	}

	var ranges [][2]heap.Addr
	tab.VisitRefRanges(mem, obj, s, func(b, e heap.Addr) {
		ranges = append(ranges, [2]heap.Addr{b, e})
	})
	want := [][2]heap.Addr{{obj + 8, obj + 24}, {obj + 32, obj + 40}}
	if len(ranges) != len(want) {
		t.Fatalf("ranges = %v, want %v", ranges, want)
	}
	for i := range want {
		if ranges[i] != want[i] {
			t.Fatalf("range %d = %v, want %v", i, ranges[i], want[i])
		}
	}
}

func TestRegisterFixedRejectsHeaderRef(t *testing.T) {
	tab := NewTable()
	if _, err := tab.RegisterFixed("bad", 3, 0); err == nil {
		t.Fatalf("expected error for a reference in the header word")
	}
	if _, err := tab.RegisterFixed("bad", 3, 3); err == nil {
		t.Fatalf("expected error for a reference past the object")
	}
	if tab.Len() != 0 {
		t.Fatalf("failed registrations must not add shapes")
	}
}

func TestArrays(t *testing.T) {
	tab := NewTable()
	refs := tab.RegisterArray("array", true)
	raw := tab.RegisterArray("bytes", false)

	mem, err := heap.NewMemory(0x10000, make([]uint64, 16))
	if err != nil {
		t.Fatal(err)
	}
	obj := heap.Addr(0x10000)
	mem.Store(obj+heap.WordSize, 3)

	if got := tab.SizeOf(mem, obj, refs); got != 40 {
		t.Fatalf("size = %d, want 40", got)
	}
	if tab.HasRefs(raw) || !tab.HasRefs(refs) {
		t.Fatalf("HasRefs mismatch")
	}
	var n int
	tab.VisitRefRanges(mem, obj, refs, func(b, e heap.Addr) {
		if b != obj+16 || e != obj+40 {
			t.Fatalf("range = [%s, %s)", b, e)
		}
		n++
	})
	tab.VisitRefRanges(mem, obj, raw, func(b, e heap.Addr) { n++ })
	if n != 1 {
		t.Fatalf("visited %d ranges, want 1", n)
	}

	mem.Store(obj+heap.WordSize, 0)
	if got := tab.SizeOf(mem, obj, refs); got != heap.MinObjectSize {
		t.Fatalf("empty array size = %d, want %d", got, heap.MinObjectSize)
	}
}

func TestLookupUnknown(t *testing.T) {
	tab := NewTable()
	if _, ok := tab.Lookup(heap.FreeObjectShape); ok {
		t.Fatalf("built-in shapes are not table entries")
	}
	if _, ok := tab.Lookup(heap.ShapeOf(999)); ok {
		t.Fatalf("unexpected descriptor for unregistered id")
	}
}
