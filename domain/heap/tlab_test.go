package heap_test

import (
	"testing"

	"regiongc/domain/heap"
)

func TestTLABTailAccounting(t *testing.T) {
	f := newFixture(t, 32, heap.Options{})
	young, old := f.h.Young(), f.h.Old()
	tlab := heap.NewTLAB(young, old, 1024)

	sizes := []uint64{16, 48, 200, 24, 600, 64, 1000, 32}
	var want uint64
	for i := 0; i < 40; i++ {
		size := sizes[i%len(sizes)]
		target := heap.KindYoung
		if i%3 == 0 {
			target = heap.KindOld
		}
		p := tlab.Allocate(size, target)
		if p == 0 {
			t.Fatalf("allocation %d of %d bytes failed", i, size)
		}
		if got := f.h.RegionOf(p).Kind(); got != target {
			t.Fatalf("allocation landed in %s, want %s", got, target)
		}
		f.h.Memory().Store(p, uint64(heap.ShapeWord(f.array)))
		f.h.Memory().Store(p+heap.WordSize, size/heap.WordSize-2)
		if size <= 512 {
			want += size
		}
	}
	tlab.Retire()

	s := tlab.Stats()
	if s.IssuedBytes != s.AllocatedBytes+s.TailBytes {
		t.Fatalf("issued %d != allocated %d + tails %d", s.IssuedBytes, s.AllocatedBytes, s.TailBytes)
	}
	if s.AllocatedBytes != want {
		t.Fatalf("buffered bytes = %d, want %d", s.AllocatedBytes, want)
	}
	if s.DirectBytes == 0 || s.Buffers < 2 {
		t.Fatalf("stats = %+v", s)
	}

	// Young tails stay behind as dead ranges so the space remains walkable.
	for _, r := range young.Regions() {
		f.h.IterateObjects(r, func(heap.Addr, heap.ShapeRef, uint64) {})
	}
	// Old tails are handed back to the free list.
	if old.AllocatorStats().FreeBytes == 0 {
		t.Fatalf("old tail not returned to the free list")
	}
}

func TestTLABWithoutSource(t *testing.T) {
	f := newFixture(t, 4, heap.Options{})
	tlab := heap.NewTLAB(f.h.Young(), nil, 1024)
	if tlab.Allocate(32, heap.KindOld) != 0 {
		t.Fatalf("allocation without an old source must fail")
	}
	tlab.Retire()
}
