package heap

import (
	"math/rand"
	"slices"
	"sync"
	"testing"
)

func TestBitsetRoundTrip(t *testing.T) {
	b := NewBitset(1000)
	rng := rand.New(rand.NewSource(1))

	want := map[uint64]bool{}
	for i := 0; i < 200; i++ {
		n := uint64(rng.Intn(1000))
		first := b.SetBit(n)
		if first == want[n] {
			t.Fatalf("SetBit(%d) = %v with bit previously set=%v", n, first, want[n])
		}
		want[n] = true
	}

	var got []uint64
	b.IterateMarkedBits(func(i uint64) bool {
		got = append(got, i)
		return true
	})
	if !slices.IsSorted(got) {
		t.Fatalf("iteration not ascending: %v", got)
	}
	if len(got) != len(want) || b.Count() != len(want) {
		t.Fatalf("iterated %d bits, count %d, want %d", len(got), b.Count(), len(want))
	}
	for _, i := range got {
		if !want[i] || !b.TestBit(i) {
			t.Fatalf("bit %d visited but never set", i)
		}
	}
}

func TestBitsetIteratePrunes(t *testing.T) {
	b := NewBitset(256)
	for i := uint64(0); i < 256; i += 3 {
		b.SetBit(i)
	}
	b.IterateMarkedBits(func(i uint64) bool { return i%2 == 0 })
	for i := uint64(0); i < 256; i++ {
		want := i%3 == 0 && i%2 == 0
		if b.TestBit(i) != want {
			t.Fatalf("bit %d = %v after pruning, want %v", i, b.TestBit(i), want)
		}
	}
}

func TestBitsetClearRange(t *testing.T) {
	b := NewBitset(300)
	for i := uint64(0); i < 300; i++ {
		b.SetBit(i)
	}
	b.ClearRange(10, 200)
	b.AtomicClearRange(250, 1000)
	for i := uint64(0); i < 300; i++ {
		want := i < 10 || (i >= 200 && i < 250)
		if b.TestBit(i) != want {
			t.Fatalf("bit %d = %v, want %v", i, b.TestBit(i), want)
		}
	}
	b.ClearAll()
	if !b.IsEmpty() {
		t.Fatalf("bitset not empty after ClearAll")
	}
}

func TestBitsetAtomicSetBitExactlyOnce(t *testing.T) {
	const workers = 8
	b := NewBitset(4096)
	wins := make([]int, workers)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := uint64(0); i < 4096; i++ {
				if b.AtomicSetBit(i) {
					wins[w]++
				}
			}
		}(w)
	}
	wg.Wait()

	total := 0
	for _, n := range wins {
		total += n
	}
	if total != 4096 {
		t.Fatalf("%d winners for 4096 bits", total)
	}
}

func TestBitsetMerge(t *testing.T) {
	a, b := NewBitset(128), NewBitset(128)
	a.SetBit(1)
	b.SetBit(64)
	b.SetBit(127)
	a.AtomicMerge(b)
	if a.Count() != 3 || !a.AtomicTestBit(127) {
		t.Fatalf("merge lost bits: count %d", a.Count())
	}
	if !a.AtomicClearBit(64) || a.AtomicClearBit(64) {
		t.Fatalf("AtomicClearBit must report the previous state")
	}
}
