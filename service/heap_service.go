package service

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/cockroachdb/errors"

	"regiongc/domain/gc"
	"regiongc/domain/heap"
	"regiongc/domain/roots"
	"regiongc/domain/shape"
	"regiongc/infra/journal"
	"regiongc/infra/metrics"
)

var (
	// ErrOutOfMemory is returned (and reported to the fatal handler) when
	// an allocation fails after a full collection and the old space cannot
	// grow any further.
	ErrOutOfMemory = errors.New("service: heap exhausted")

	ErrUnknownShape = errors.New("service: unknown shape")
)

type Config struct {
	// GrowStep is how much old-space capacity one exhausted full cycle
	// adds. Zero means one region.
	GrowStep uint64
	// RootCapacity presizes the mutator's root stack.
	RootCapacity int
}

/*
HeapService is the ONLY write entry point into the heap.

Mutator operations and collections take the same lock, so a collection
always runs at a safepoint.
*/
type HeapService struct {
	mu sync.Mutex

	h       *heap.Heap
	rt      *gc.Runtime
	shapes  *shape.Table
	stack    *roots.Stack
	handles  *roots.Handles
	weak     *roots.WeakHandles
	interned *roots.InternTable
	journal  *journal.Journal
	metrics  *metrics.Metrics

	growStep uint64
	cycles   map[gc.Kind]uint64
}

// New wires the service. j and m may be nil.
func New(
	rt *gc.Runtime,
	shapes *shape.Table,
	j *journal.Journal,
	m *metrics.Metrics,
	cfg Config,
) *HeapService {
	if cfg.GrowStep == 0 {
		cfg.GrowStep = rt.Heap().Pool().RegionSize()
	}
	if cfg.RootCapacity == 0 {
		cfg.RootCapacity = 256
	}
	s := &HeapService{
		h:        rt.Heap(),
		rt:       rt,
		shapes:   shapes,
		stack:    roots.NewStack(cfg.RootCapacity),
		handles:  roots.NewHandles(),
		weak:     roots.NewWeakHandles(),
		interned: roots.NewInternTable(),
		journal:  j,
		metrics:  m,
		growStep: cfg.GrowStep,
		cycles:   map[gc.Kind]uint64{},
	}
	rt.AddRoots(s.stack)
	rt.AddRoots(s.handles)
	rt.AddWeakRoots(s.weak)
	rt.AddWeakRoots(s.interned)
	return s
}

func (s *HeapService) Runtime() *gc.Runtime { return s.rt }

//
// ──────────────────────────────────────────────────────────
// Mutator commands
// ──────────────────────────────────────────────────────────
//

// Allocate creates a zeroed object of a fixed shape in the space of kind.
func (s *HeapService) Allocate(kind heap.SpaceKind, ref heap.ShapeRef) (heap.Addr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Mutator{s: s}.Allocate(kind, ref)
}

// AllocateArray creates an array of n elements of an array shape.
func (s *HeapService) AllocateArray(kind heap.SpaceKind, ref heap.ShapeRef, n uint64) (heap.Addr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Mutator{s: s}.AllocateArray(kind, ref, n)
}

func (s *HeapService) allocateLocked(kind heap.SpaceKind, ref heap.ShapeRef, size uint64, init func(heap.Addr)) (heap.Addr, error) {
	obj := s.h.AllocateObject(kind, ref, size)
	if obj == 0 {
		var err error
		if obj, err = s.allocateSlow(kind, ref, size); err != nil {
			return 0, err
		}
	}
	if init != nil {
		init(obj)
	}
	return obj, nil
}

// allocateSlow collects with increasing strength until the allocation
// fits, then grows the old space, then gives up.
func (s *HeapService) allocateSlow(kind heap.SpaceKind, ref heap.ShapeRef, size uint64) (heap.Addr, error) {
	k := s.rt.SelectFor(kind)
	for {
		if _, err := s.collectLocked(k, "allocation failure in "+kind.String()); err != nil {
			return 0, err
		}
		if obj := s.h.AllocateObject(kind, ref, size); obj != 0 {
			return obj, nil
		}
		next, ok := gc.Escalate(k)
		if !ok {
			break
		}
		k = next
	}

	for kind != heap.KindYoung {
		capacity, grown := s.h.GrowOld(s.growStep)
		if !grown {
			break
		}
		log.Printf("[heap] old space grown to %d bytes", capacity)
		if obj := s.h.AllocateObject(kind, ref, size); obj != 0 {
			return obj, nil
		}
	}

	err := errors.Wrapf(ErrOutOfMemory, "%d bytes in %s space", size, kind)
	s.rt.Options().Fatal(err)
	return 0, err
}

// SetField stores v into field index of obj through the write barrier.
func (s *HeapService) SetField(obj heap.Addr, index int, v heap.Value) {
	s.mu.Lock()
	s.h.SetField(obj, index, v)
	s.mu.Unlock()
}

func (s *HeapService) Field(obj heap.Addr, index int) heap.Value {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.h.Field(obj, index)
}

// ---------------- batched mutation ----------------

// Mutator is the view of the heap handed to Mutate. Its calls do not lock.
// Any allocation may run a collection, so addresses read before an
// allocation are stale after it; re-read roots instead.
type Mutator struct {
	s *HeapService
}

// Mutate runs fn at one safepoint, with no collection between its calls
// other than those its own allocations trigger.
func (s *HeapService) Mutate(fn func(m Mutator) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(Mutator{s: s})
}

func (m Mutator) Allocate(kind heap.SpaceKind, ref heap.ShapeRef) (heap.Addr, error) {
	d, ok := m.s.shapes.Lookup(ref)
	if !ok || d.Layout != shape.Fixed {
		return 0, errors.Wrapf(ErrUnknownShape, "fixed shape %d", ref)
	}
	return m.s.allocateLocked(kind, ref, d.Size, nil)
}

func (m Mutator) AllocateArray(kind heap.SpaceKind, ref heap.ShapeRef, n uint64) (heap.Addr, error) {
	d, ok := m.s.shapes.Lookup(ref)
	if !ok || d.Layout == shape.Fixed {
		return 0, errors.Wrapf(ErrUnknownShape, "array shape %d", ref)
	}
	mem := m.s.h.Memory()
	return m.s.allocateLocked(kind, ref, shape.ArraySize(n), func(obj heap.Addr) {
		mem.Store(obj+heap.WordSize, n)
	})
}

func (m Mutator) SetField(obj heap.Addr, index int, v heap.Value) { m.s.h.SetField(obj, index, v) }
func (m Mutator) Field(obj heap.Addr, index int) heap.Value       { return m.s.h.Field(obj, index) }
func (m Mutator) Root(i int) heap.Value                           { return m.s.stack.Get(i) }
func (m Mutator) SetRoot(i int, v heap.Value)                     { m.s.stack.Set(i, v) }

// Intern returns the canonical object for key, recording v if there is none.
func (m Mutator) Intern(key string, v heap.Value) heap.Value { return m.s.interned.Intern(key, v) }

// ---------------- roots ----------------

// PushRoot keeps v alive until it is popped and returns its stack index.
// Collections update the slot when v moves.
func (s *HeapService) PushRoot(v heap.Value) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stack.Push(v)
}

func (s *HeapService) Root(i int) heap.Value {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stack.Get(i)
}

func (s *HeapService) SetRoot(i int, v heap.Value) {
	s.mu.Lock()
	s.stack.Set(i, v)
	s.mu.Unlock()
}

// TruncateRoots drops every root above index n.
func (s *HeapService) TruncateRoots(n int) {
	s.mu.Lock()
	s.stack.Truncate(n)
	s.mu.Unlock()
}

func (s *HeapService) RootCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stack.Len()
}

// NewHandle registers a global strong handle.
func (s *HeapService) NewHandle(v heap.Value) roots.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handles.New(v)
}

func (s *HeapService) Handle(h roots.Handle) (heap.Value, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handles.Get(h)
}

func (s *HeapService) ReleaseHandle(h roots.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handles.Release(h)
}

// NewWeakHandle registers a handle that does not keep v alive. Once v dies
// the handle reads back as heap.Null.
func (s *HeapService) NewWeakHandle(v heap.Value) roots.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.weak.New(v)
}

func (s *HeapService) WeakHandle(h roots.Handle) (heap.Value, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.weak.Get(h)
}

func (s *HeapService) ReleaseWeakHandle(h roots.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.weak.Release(h)
}

// Intern returns the canonical object for key, recording v if there is none.
// Entries are dropped when their object dies.
func (s *HeapService) Intern(key string, v heap.Value) heap.Value {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interned.Intern(key, v)
}

func (s *HeapService) LookupIntern(key string) (heap.Value, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interned.Lookup(key)
}

//
// ──────────────────────────────────────────────────────────
// Collections
// ──────────────────────────────────────────────────────────
//

// Collect runs one collection of kind at a safepoint.
func (s *HeapService) Collect(kind gc.Kind, cause string) (*gc.CycleStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.collectLocked(kind, cause)
}

// CollectAuto runs the tier the selector picks.
func (s *HeapService) CollectAuto(cause string) (*gc.CycleStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.collectLocked(s.rt.Select(), cause)
}

func (s *HeapService) collectLocked(kind gc.Kind, cause string) (*gc.CycleStats, error) {
	stats, err := s.rt.Collect(kind, cause)
	if stats != nil {
		s.cycles[stats.Kind]++
		s.record(stats)
	}
	return stats, err
}

// record publishes a finished cycle. Journal failures are logged, never
// returned: the heap is already consistent.
func (s *HeapService) record(stats *gc.CycleStats) {
	if s.metrics != nil {
		s.metrics.ObserveCycle(metrics.Cycle{
			Kind:           stats.Kind.String(),
			Pause:          stats.Pause,
			BytesAlive:     stats.BytesAlive,
			BytesPromoted:  stats.BytesPromoted,
			BytesFreed:     stats.BytesFreed,
			RegionsFreed:   stats.RegionsFreed,
			CommittedAfter: stats.CommittedAfter,
		})
	}
	if s.journal == nil {
		return
	}
	payload, err := json.Marshal(stats)
	if err != nil {
		log.Printf("[heap] encode cycle %d: %v", stats.ID, err)
		return
	}
	if err := s.journal.Append(stats.ID, payload); err != nil {
		log.Printf("[heap] journal cycle %d: %v", stats.ID, err)
	}
}

//
// ──────────────────────────────────────────────────────────
// Queries
// ──────────────────────────────────────────────────────────
//

type Stats struct {
	Heap   heap.Stats
	Last   *gc.CycleStats
	Cycles map[gc.Kind]uint64

	Roots       int
	Handles     int
	WeakHandles int
	Interned    int
	// Sweeping is set while a background sweep is still running.
	Sweeping bool
}

func (s *HeapService) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	cycles := make(map[gc.Kind]uint64, len(s.cycles))
	for k, n := range s.cycles {
		cycles[k] = n
	}
	return Stats{
		Heap:        s.h.Stats(),
		Last:        s.rt.LastCycle(),
		Cycles:      cycles,
		Roots:       s.stack.Len(),
		Handles:     s.handles.Len(),
		WeakHandles: s.weak.Len(),
		Interned:    s.interned.Len(),
		Sweeping:    s.rt.Sweeping(),
	}
}

// RegionInfo is a snapshot of one region.
type RegionInfo struct {
	ID        int
	Kind      heap.SpaceKind
	Begin     heap.Addr
	Top       heap.Addr
	End       heap.Addr
	LiveBytes uint64
	FreeBytes uint64
	Objects   uint64
	Flags     []string
}

// Regions lists every region in use, in address order.
func (s *HeapService) Regions() []RegionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []RegionInfo
	for _, r := range s.h.Pool().Regions() {
		out = append(out, RegionInfo{
			ID:        r.ID(),
			Kind:      r.Kind(),
			Begin:     r.Begin(),
			Top:       r.Top(),
			End:       r.End(),
			LiveBytes: r.LiveBytes(),
			FreeBytes: r.FreeBytes(),
			Objects:   r.Objects(),
			Flags:     r.Flags().Names(),
		})
	}
	return out
}

// Verify checks the heap at a safepoint.
func (s *HeapService) Verify() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rt.Verify()
}
