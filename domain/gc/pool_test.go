package gc

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestInlinePoolRunsOnCaller(t *testing.T) {
	p := NewTaskPool(1)
	defer p.Close()
	if !p.Inline() || p.Slots() != 1 {
		t.Fatalf("inline = %v, slots = %d", p.Inline(), p.Slots())
	}
	ran := -1
	p.PostTask(func(tid int) { ran = tid })
	if ran != 0 {
		t.Fatalf("task ran with tid %d before PostTask returned", ran)
	}
	if p.TryFanOut(func(int) {}) {
		t.Fatalf("inline pool fanned out")
	}
}

func TestPoolUsesStableWorkerIDs(t *testing.T) {
	p := NewTaskPool(4)
	if p.Slots() != 5 {
		t.Fatalf("slots = %d", p.Slots())
	}

	var mu sync.Mutex
	ids := map[int]int{}
	var done atomic.Int64
	for i := 0; i < 100; i++ {
		p.PostTask(func(tid int) {
			mu.Lock()
			ids[tid]++
			mu.Unlock()
			done.Add(1)
		})
	}
	p.Wait()
	if done.Load() != 100 {
		t.Fatalf("ran %d tasks", done.Load())
	}
	for tid := range ids {
		if tid < 1 || tid > 4 {
			t.Fatalf("worker id %d out of range", tid)
		}
	}

	p.Close()
	if p.PostTask(func(int) {}) {
		t.Fatalf("closed pool accepted a task")
	}
}
