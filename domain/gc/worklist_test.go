package gc

import (
	"sync"
	"testing"

	"regiongc/domain/heap"
)

func TestWorkListStealing(t *testing.T) {
	const refs = 1000
	wl := NewWorkList(2, 64)
	wl.Initialize(0)
	wl.Initialize(1)

	published := 0
	for i := 1; i <= refs; i++ {
		if wl.Push(0, heap.Addr(i*heap.WordSize)) {
			published++
		}
	}
	if published == 0 || wl.GlobalLen() != published {
		t.Fatalf("published %d nodes, global list holds %d", published, wl.GlobalLen())
	}

	seen := make([]int, refs+1)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for tid := 0; tid < 2; tid++ {
		wg.Add(1)
		go func(tid int) {
			defer wg.Done()
			wl.BeginDrain(tid)
			for {
				ref, ok := wl.Pop(tid)
				if !ok {
					return
				}
				mu.Lock()
				seen[int(ref)/heap.WordSize]++
				mu.Unlock()
			}
		}(tid)
	}
	wg.Wait()

	for i := 1; i <= refs; i++ {
		if seen[i] != 1 {
			t.Fatalf("ref %d popped %d times", i, seen[i])
		}
	}
	stats := wl.Finish()
	if stats.Stolen == 0 {
		t.Fatalf("no node was stolen")
	}
	if wl.State(1) != Finished {
		t.Fatalf("worker 1 is %s", wl.State(1))
	}
}

func TestWorkListSecondWorkerStealsWhileFirstIsBusy(t *testing.T) {
	wl := NewWorkList(2, 64)
	wl.Initialize(0)
	wl.Initialize(1)
	for i := 1; i <= 1000; i++ {
		wl.Push(0, heap.Addr(i*heap.WordSize))
	}

	// Worker 0 never pops; worker 1 only sees published nodes.
	got := map[heap.Addr]bool{}
	for {
		ref, ok := wl.Pop(1)
		if !ok {
			break
		}
		if got[ref] {
			t.Fatalf("ref %s popped twice", ref)
		}
		got[ref] = true
	}
	if len(got) == 0 || len(got)%64 != 0 {
		t.Fatalf("worker 1 stole %d refs, want whole nodes", len(got))
	}

	for {
		ref, ok := wl.Pop(0)
		if !ok {
			break
		}
		if got[ref] {
			t.Fatalf("ref %s popped by both workers", ref)
		}
		got[ref] = true
	}
	if len(got) != 1000 {
		t.Fatalf("popped %d refs in total", len(got))
	}
	wl.Finish()
}

func TestWorkListRejectsStaleHandle(t *testing.T) {
	wl := NewWorkList(1, 4)
	h := wl.allocNode()
	wl.releaseNode(h)
	again := wl.allocNode()
	if again.index != h.index || again.gen == h.gen {
		t.Fatalf("recycled node %+v, original %+v", again, h)
	}

	defer func() {
		if recover() == nil {
			t.Fatalf("stale handle resolved")
		}
	}()
	wl.node(h)
}

func TestExtendLeavesInputUntouched(t *testing.T) {
	var a arena
	a1, h1 := extend(a, 8)
	a2, h2 := extend(a1, 8)

	if len(a.slots) != 0 || len(a1.slots) != 2 || len(a2.slots) != 3 {
		t.Fatalf("slot counts %d, %d, %d", len(a.slots), len(a1.slots), len(a2.slots))
	}
	if h1.IsZero() || h1.index != 1 || h2.index != 2 {
		t.Fatalf("handles %+v, %+v", h1, h2)
	}
	if cap(a2.slots[2].buf.refs) != 8 {
		t.Fatalf("node capacity %d", cap(a2.slots[2].buf.refs))
	}
}

func TestWorkListFinishRequiresTermination(t *testing.T) {
	wl := NewWorkList(1, 4)
	wl.Initialize(0)
	wl.Push(0, 8)
	defer func() {
		if recover() == nil {
			t.Fatalf("finish with unscanned refs did not panic")
		}
	}()
	wl.Finish()
}
