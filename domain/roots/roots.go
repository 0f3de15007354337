// Package roots holds the mutator-side root sets: simulated thread stacks,
// strong global handles, weak handles and the intern table.
//
// None of the types here are safe for use while a collection runs; the
// service stops the mutator first.
package roots

import (
	"sync"

	"github.com/cockroachdb/errors"

	"regiongc/domain/heap"
)

// ErrStaleHandle is returned for a handle that was released.
var ErrStaleHandle = errors.New("roots: stale handle")

// ---------------- stack ----------------

// Stack is a thread's operand stack. The whole live part is reported as one
// range root.
type Stack struct {
	slots []heap.Value
}

func NewStack(capacity int) *Stack {
	return &Stack{slots: make([]heap.Value, 0, capacity)}
}

func (s *Stack) Push(v heap.Value) int {
	s.slots = append(s.slots, v)
	return len(s.slots) - 1
}

func (s *Stack) Pop() heap.Value {
	n := len(s.slots) - 1
	v := s.slots[n]
	s.slots[n] = heap.Null
	s.slots = s.slots[:n]
	return v
}

func (s *Stack) Get(i int) heap.Value    { return s.slots[i] }
func (s *Stack) Set(i int, v heap.Value) { s.slots[i] = v }
func (s *Stack) Len() int                { return len(s.slots) }

// Truncate drops every slot from n upwards.
func (s *Stack) Truncate(n int) {
	clear(s.slots[n:])
	s.slots = s.slots[:n]
}

func (s *Stack) VisitRoots(v heap.RootVisitor) {
	if len(s.slots) > 0 {
		v.VisitRangeRoots(s.slots)
	}
}

// ---------------- handles ----------------

// Handle names a slot in a handle table. The generation detects reuse of a
// released slot.
type Handle struct {
	index int
	gen   uint32
}

type handleTable struct {
	mu    sync.Mutex
	slots []heap.Value
	gens  []uint32
	live  []bool
	free  []int
}

func (t *handleTable) add(v heap.Value) Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	var i int
	if n := len(t.free); n > 0 {
		i = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		i = len(t.slots)
		t.slots = append(t.slots, heap.Null)
		t.gens = append(t.gens, 0)
		t.live = append(t.live, false)
	}
	t.slots[i] = v
	t.live[i] = true
	return Handle{index: i, gen: t.gens[i]}
}

func (t *handleTable) check(h Handle) error {
	if h.index < 0 || h.index >= len(t.slots) || !t.live[h.index] || t.gens[h.index] != h.gen {
		return ErrStaleHandle
	}
	return nil
}

func (t *handleTable) get(h Handle) (heap.Value, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.check(h); err != nil {
		return heap.Null, err
	}
	return t.slots[h.index], nil
}

func (t *handleTable) set(h Handle, v heap.Value) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.check(h); err != nil {
		return err
	}
	t.slots[h.index] = v
	return nil
}

func (t *handleTable) release(h Handle) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.check(h); err != nil {
		return err
	}
	t.slots[h.index] = heap.Null
	t.live[h.index] = false
	t.gens[h.index]++
	t.free = append(t.free, h.index)
	return nil
}

func (t *handleTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.slots) - len(t.free)
}

// Handles is a table of strong global references.
type Handles struct {
	t handleTable
}

func NewHandles() *Handles { return &Handles{} }

func (h *Handles) New(v heap.Value) Handle          { return h.t.add(v) }
func (h *Handles) Get(x Handle) (heap.Value, error) { return h.t.get(x) }
func (h *Handles) Set(x Handle, v heap.Value) error { return h.t.set(x, v) }
func (h *Handles) Release(x Handle) error           { return h.t.release(x) }
func (h *Handles) Len() int                         { return h.t.len() }

func (h *Handles) VisitRoots(v heap.RootVisitor) {
	for i := range h.t.slots {
		if h.t.live[i] && h.t.slots[i] != heap.Null {
			v.VisitRoot(&h.t.slots[i])
		}
	}
}

// WeakHandles is a table of references that do not keep their referents
// alive. A dead referent reads back as heap.Null.
type WeakHandles struct {
	t handleTable
}

func NewWeakHandles() *WeakHandles { return &WeakHandles{} }

func (h *WeakHandles) New(v heap.Value) Handle          { return h.t.add(v) }
func (h *WeakHandles) Get(x Handle) (heap.Value, error) { return h.t.get(x) }
func (h *WeakHandles) Release(x Handle) error           { return h.t.release(x) }
func (h *WeakHandles) Len() int                         { return h.t.len() }

func (h *WeakHandles) UpdateWeakRoots(update func(heap.Value) heap.Value) {
	for i, v := range h.t.slots {
		if h.t.live[i] && v.IsHeapRef() {
			h.t.slots[i] = update(v)
		}
	}
}

// ---------------- intern table ----------------

// InternTable maps strings to canonical heap objects without keeping them
// alive. Entries whose object died are dropped.
type InternTable struct {
	mu      sync.Mutex
	entries map[string]heap.Value
}

func NewInternTable() *InternTable {
	return &InternTable{entries: make(map[string]heap.Value)}
}

// Lookup returns the canonical object for key.
func (t *InternTable) Lookup(key string) (heap.Value, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.entries[key]
	return v, ok
}

// Intern records v as canonical for key unless an entry exists, and returns
// the canonical value.
func (t *InternTable) Intern(key string, v heap.Value) heap.Value {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.entries[key]; ok {
		return cur
	}
	t.entries[key] = v
	return v
}

func (t *InternTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *InternTable) UpdateWeakRoots(update func(heap.Value) heap.Value) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, v := range t.entries {
		nv := update(v)
		if nv == heap.Null {
			delete(t.entries, k)
			continue
		}
		t.entries[k] = nv
	}
}

var (
	_ heap.RootProvider     = (*Stack)(nil)
	_ heap.RootProvider     = (*Handles)(nil)
	_ heap.WeakRootProvider = (*WeakHandles)(nil)
	_ heap.WeakRootProvider = (*InternTable)(nil)
)
