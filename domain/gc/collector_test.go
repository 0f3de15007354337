package gc

import (
	"sync"
	"testing"

	"github.com/cockroachdb/errors"

	"regiongc/domain/heap"
	"regiongc/domain/roots"
	"regiongc/domain/shape"
)

const testRegionSize = 4096

type env struct {
	t     *testing.T
	h     *heap.Heap
	mem   *heap.Memory
	rt    *Runtime
	stack *roots.Stack

	node  heap.ShapeRef // header, two refs, one raw word
	leaf  heap.ShapeRef // header, one raw word
	big   heap.ShapeRef // 64 bytes, one ref
	array heap.ShapeRef
}

func newEnv(t *testing.T, regions int, hopts heap.Options, opts Options) *env {
	t.Helper()
	mem, err := heap.NewMemory(1<<32, make([]uint64, regions*testRegionSize/heap.WordSize))
	if err != nil {
		t.Fatal(err)
	}
	tab := shape.NewTable()
	node, err := tab.RegisterFixed("node", 4, 1, 2)
	if err != nil {
		t.Fatal(err)
	}
	leaf, err := tab.RegisterFixed("leaf", 2)
	if err != nil {
		t.Fatal(err)
	}
	big, err := tab.RegisterFixed("big", 8, 1)
	if err != nil {
		t.Fatal(err)
	}

	hopts.RegionSize = testRegionSize
	if hopts.YoungCapacity == 0 {
		hopts.YoungCapacity = 8 * testRegionSize
	}
	if hopts.OldCapacity == 0 {
		hopts.OldCapacity = 32 * testRegionSize
	}
	h, err := heap.New(mem, tab, hopts)
	if err != nil {
		t.Fatal(err)
	}
	if opts.TLABSize == 0 {
		opts.TLABSize = 1024
	}
	opts.VerifyAfter = true
	rt := NewRuntime(h, opts)
	t.Cleanup(rt.Close)

	stack := roots.NewStack(64)
	rt.AddRoots(stack)
	return &env{
		t: t, h: h, mem: mem, rt: rt, stack: stack,
		node: node, leaf: leaf, big: big, array: tab.RegisterArray("array", true),
	}
}

func (e *env) alloc(kind heap.SpaceKind, s heap.ShapeRef, size uint64) heap.Addr {
	e.t.Helper()
	obj := e.h.AllocateObject(kind, s, size)
	if obj == 0 {
		e.t.Fatalf("allocation of %d bytes in %s failed", size, kind)
	}
	return obj
}

func (e *env) newNode(kind heap.SpaceKind) heap.Addr { return e.alloc(kind, e.node, 32) }

func (e *env) newArray(kind heap.SpaceKind, n uint64) heap.Addr {
	obj := e.alloc(kind, e.array, shape.ArraySize(n))
	e.mem.Store(obj+heap.WordSize, n)
	return obj
}

func (e *env) root(obj heap.Addr) int { return e.stack.Push(heap.Ref(obj)) }

func (e *env) rootAddr(i int) heap.Addr { return e.stack.Get(i).Addr() }

func (e *env) collect(kind Kind) *CycleStats {
	e.t.Helper()
	stats, err := e.rt.Collect(kind, "test")
	if err != nil {
		e.t.Fatalf("%s collection: %v", kind, err)
	}
	return stats
}

func TestYoungCollectionCopiesReachableObjects(t *testing.T) {
	e := newEnv(t, 64, heap.Options{}, Options{})
	a, b, c := e.newNode(heap.KindYoung), e.newNode(heap.KindYoung), e.newNode(heap.KindYoung)
	e.newNode(heap.KindYoung) // garbage
	e.h.SetField(a, 1, heap.Ref(b))
	e.h.SetField(b, 2, heap.Ref(c))
	e.h.SetField(c, 3, heap.MakeInt(7))
	e.root(a)

	stats := e.collect(Young)
	if stats.ObjectsAlive != 3 || stats.BytesAlive != 96 {
		t.Fatalf("alive = %d objects, %d bytes", stats.ObjectsAlive, stats.BytesAlive)
	}

	na := e.rootAddr(0)
	if na == a || !e.h.RegionOf(na).InYoung() {
		t.Fatalf("root not moved into the new young space: %s", na)
	}
	nb := e.h.Field(na, 1).Addr()
	nc := e.h.Field(nb, 2).Addr()
	if nb == b || nc == c {
		t.Fatalf("children not moved")
	}
	if v := e.h.Field(nc, 3); !v.IsInt() || v.Int() != 7 {
		t.Fatalf("payload = %s", v)
	}
	if e.h.Young().AgeMark() == 0 {
		t.Fatalf("age mark not set after the cycle")
	}
}

func TestOversizedTLABIsCapped(t *testing.T) {
	e := newEnv(t, 64, heap.Options{}, Options{TLABSize: 2 * testRegionSize})
	if got := e.rt.Options().TLABSize; got != testRegionSize/2 {
		t.Fatalf("tlab size = %d, want %d", got, testRegionSize/2)
	}
	e.root(e.newNode(heap.KindYoung))

	stats := e.collect(Young)
	if stats.ObjectsAlive != 1 || !e.h.RegionOf(e.rootAddr(0)).InYoung() {
		t.Fatalf("survivor not copied: %d alive, now in %s", stats.ObjectsAlive, e.h.RegionOf(e.rootAddr(0)))
	}
}

func TestSimplePromotion(t *testing.T) {
	e := newEnv(t, 64, heap.Options{}, Options{})
	x := e.alloc(heap.KindYoung, e.big, 64)
	e.root(x)
	e.h.Young().SetAgeMark()

	stats := e.collect(Young)
	nx := e.rootAddr(0)
	mw := e.mem.LoadMarkWord(x)
	if !mw.IsForwarded() || mw.ForwardingAddress() != nx {
		t.Fatalf("original header = %s, new location %s", mw, nx)
	}
	r := e.h.RegionOf(nx)
	if r.Kind() != heap.KindOld {
		t.Fatalf("promoted object landed in %s", r)
	}
	if r.LiveBytes() != 64 {
		t.Fatalf("old region live bytes = %d, want 64", r.LiveBytes())
	}
	if stats.ObjectsPromoted != 1 || stats.BytesPromoted != 64 {
		t.Fatalf("promoted %d objects, %d bytes", stats.ObjectsPromoted, stats.BytesPromoted)
	}
}

func TestSurvivorIsPromotedOnSecondCycle(t *testing.T) {
	e := newEnv(t, 64, heap.Options{}, Options{})
	e.root(e.newNode(heap.KindYoung))

	e.collect(Young)
	if !e.h.RegionOf(e.rootAddr(0)).InYoung() {
		t.Fatalf("object promoted on its first cycle")
	}
	e.collect(Young)
	if r := e.h.RegionOf(e.rootAddr(0)); r.Kind() != heap.KindOld {
		t.Fatalf("survivor still in %s after its second cycle", r)
	}
}

func TestRememberedSetPruning(t *testing.T) {
	e := newEnv(t, 64, heap.Options{}, Options{})
	promoted, kept := e.newNode(heap.KindOld), e.newNode(heap.KindOld)
	y := e.newNode(heap.KindYoung)
	e.h.SetField(promoted, 1, heap.Ref(y))
	e.h.Young().SetAgeMark()
	y2 := e.newNode(heap.KindYoung)
	e.h.SetField(kept, 1, heap.Ref(y2))

	holder := e.h.RegionOf(promoted)
	set := holder.OldToNewSet()
	if set == nil || set.Count() != 2 {
		t.Fatalf("write barrier did not remember both slots")
	}

	stats := e.collect(Young)
	if stats.RememberedPruned != 1 {
		t.Fatalf("pruned %d entries, want 1", stats.RememberedPruned)
	}
	if r := e.h.RegionOf(e.h.Field(promoted, 1).Addr()); r.Kind() != heap.KindOld {
		t.Fatalf("referent was not promoted: %s", r)
	}
	if !e.h.InYoung(e.h.Field(kept, 1)) {
		t.Fatalf("young referent left the young space")
	}

	var visited []heap.Addr
	set.IterateAllMarkedBits(holder.Begin(), func(slot heap.Addr) bool {
		visited = append(visited, slot)
		return true
	})
	if len(visited) != 1 || visited[0] != kept+heap.WordSize {
		t.Fatalf("remembered slots after pruning = %v", visited)
	}
}

func TestEvacuationCopiesEachObjectOnce(t *testing.T) {
	e := newEnv(t, 64, heap.Options{YoungCapacity: 16 * testRegionSize}, Options{Workers: 4})
	const n = 300
	objs := make([]heap.Addr, n)
	for i := range objs {
		objs[i] = e.alloc(heap.KindYoung, e.leaf, 16)
		e.mem.Store(objs[i]+heap.WordSize, uint64(i))
	}

	rt := e.rt
	ctx := rt.newContext(Young, "race")
	c := youngCollector{}
	c.initialize(ctx)
	m := NewMarker(ctx, EvacuatingYoung)
	ctx.marker = m
	workers := ctx.worklist.Workers()
	for tid := 0; tid < workers; tid++ {
		ctx.worklist.Initialize(tid)
	}

	results := make([][]heap.Addr, workers)
	var wg sync.WaitGroup
	for tid := 0; tid < workers; tid++ {
		results[tid] = make([]heap.Addr, n)
		wg.Add(1)
		go func(tid int) {
			defer wg.Done()
			for k := range objs {
				i := (k + tid*37) % n
				results[tid][i], _ = m.MarkObject(tid, objs[i])
			}
		}(tid)
	}
	wg.Wait()

	for i, obj := range objs {
		to := e.mem.LoadMarkWord(obj).ForwardingAddress()
		for tid := range results {
			if results[tid][i] != to {
				t.Fatalf("object %d: worker %d saw %s, header forwards to %s", i, tid, results[tid][i], to)
			}
		}
		if got := e.mem.Load(to + heap.WordSize); got != uint64(i) {
			t.Fatalf("copy of object %d holds %d", i, got)
		}
	}

	stats := ctx.worklist.Finish()
	if stats.ObjectsAlive != n || stats.BytesAlive != n*16 {
		t.Fatalf("%d successful copies (%d bytes), want %d", stats.ObjectsAlive, stats.BytesAlive, n)
	}
	if s := stats.TLAB; s.IssuedBytes != s.AllocatedBytes+s.TailBytes {
		t.Fatalf("tlab accounting: %+v", s)
	}
	c.finish(ctx)
	rt.reclaim()
	if err := rt.Verify(); err != nil {
		t.Fatal(err)
	}
}

func TestParallelYoungCollection(t *testing.T) {
	e := newEnv(t, 128, heap.Options{YoungCapacity: 32 * testRegionSize}, Options{Workers: 4})
	const n = 600
	head := e.newNode(heap.KindYoung)
	e.root(head)
	prev := head
	for i := 1; i < n; i++ {
		obj := e.newNode(heap.KindYoung)
		e.h.SetField(obj, 3, heap.MakeInt(int64(i)))
		e.h.SetField(prev, 1, heap.Ref(obj))
		prev = obj
	}

	stats := e.collect(Young)
	if stats.ObjectsAlive != n {
		t.Fatalf("alive = %d, want %d", stats.ObjectsAlive, n)
	}
	count := 0
	for p := e.rootAddr(0); p != 0; p = e.h.Field(p, 1).Addr() {
		if count > 0 && e.h.Field(p, 3).Int() != int64(count) {
			t.Fatalf("list element %d holds %s", count, e.h.Field(p, 3))
		}
		count++
	}
	if count != n {
		t.Fatalf("list has %d elements after the cycle", count)
	}
}

func TestWeakReferencesFollowSurvivors(t *testing.T) {
	e := newEnv(t, 64, heap.Options{}, Options{})
	w, s, g := e.newNode(heap.KindYoung), e.newNode(heap.KindYoung), e.newNode(heap.KindYoung)
	e.root(w)
	e.root(s)
	e.h.SetField(w, 1, heap.WeakRef(g))
	e.h.SetField(w, 2, heap.WeakRef(s))

	weak := roots.NewWeakHandles()
	hg, hs := weak.New(heap.Ref(g)), weak.New(heap.Ref(s))
	interned := roots.NewInternTable()
	interned.Intern("g", heap.Ref(g))
	interned.Intern("s", heap.Ref(s))
	e.rt.AddWeakRoots(weak)
	e.rt.AddWeakRoots(interned)

	stats := e.collect(Young)
	nw, ns := e.rootAddr(0), e.rootAddr(1)
	if v := e.h.Field(nw, 1); v != heap.Null {
		t.Fatalf("weak slot to dead object = %s", v)
	}
	if v := e.h.Field(nw, 2); v != heap.WeakRef(ns) {
		t.Fatalf("weak slot to survivor = %s, want weak(%s)", v, ns)
	}
	if v, _ := weak.Get(hg); v != heap.Null {
		t.Fatalf("weak handle to dead object = %s", v)
	}
	if v, _ := weak.Get(hs); v.Addr() != ns {
		t.Fatalf("weak handle to survivor = %s", v)
	}
	if _, ok := interned.Lookup("g"); ok {
		t.Fatalf("intern entry for dead object kept")
	}
	if v, _ := interned.Lookup("s"); v.Addr() != ns {
		t.Fatalf("intern entry = %s", v)
	}
	if stats.WeakCleared != 3 {
		t.Fatalf("cleared %d weak references, want 3", stats.WeakCleared)
	}
}

// fillOld allocates n nodes in the old space and roots every other one of the
// first region, plus the first object of the third.
func fillOld(e *env, n int) []heap.Addr {
	objs := make([]heap.Addr, n)
	for i := range objs {
		objs[i] = e.newNode(heap.KindOld)
	}
	for i := 0; i < 128; i += 2 {
		e.root(objs[i])
	}
	e.root(objs[256])
	return objs
}

func TestMixedCollectionSweepsOldSpace(t *testing.T) {
	e := newEnv(t, 64, heap.Options{}, Options{})
	objs := fillOld(e, 300)
	if got := len(e.h.Old().Regions()); got != 3 {
		t.Fatalf("old space spans %d regions, want 3", got)
	}
	y := e.newNode(heap.KindYoung)
	e.h.SetField(objs[1], 1, heap.Ref(y)) // dead holder
	first := e.h.RegionOf(objs[0])

	stats := e.collect(Mixed)
	if stats.RegionsFreed != 1 {
		t.Fatalf("freed %d regions, want 1", stats.RegionsFreed)
	}
	if got := len(e.h.Old().Regions()); got != 2 {
		t.Fatalf("old space spans %d regions after sweep", got)
	}
	if first.LiveBytes() != 64*32 || first.FreeBytes() != 64*32 {
		t.Fatalf("first region live %d, free %d", first.LiveBytes(), first.FreeBytes())
	}
	if set := first.OldToNewSet(); set != nil && set.Test(first.Begin(), objs[1]+heap.WordSize) {
		t.Fatalf("remembered slot of a dead object survived the sweep")
	}
	third := e.h.RegionOf(objs[256])
	if !third.Has(heap.FlagNeedsRelocation) || first.Has(heap.FlagNeedsRelocation) {
		t.Fatalf("relocation flags: first %v, third %v",
			first.Has(heap.FlagNeedsRelocation), third.Has(heap.FlagNeedsRelocation))
	}
	if stats.RelocationCandidates != 1 {
		t.Fatalf("relocation candidates = %d", stats.RelocationCandidates)
	}

	reused := e.newNode(heap.KindOld)
	if r := e.h.RegionOf(reused); r != first && r != third {
		t.Fatalf("allocation after sweep took a fresh region %s", r)
	}
	if got := len(e.h.Old().Regions()); got != 2 {
		t.Fatalf("old space grew to %d regions", got)
	}
}

func TestConcurrentSweep(t *testing.T) {
	e := newEnv(t, 64, heap.Options{}, Options{ConcurrentSweep: true})
	fillOld(e, 300)

	stats := e.collect(Mixed)
	if !stats.ConcurrentSweep {
		t.Fatalf("sweep ran on the collector")
	}
	e.rt.WaitSweeper()
	if got := len(e.h.Old().Regions()); got != 2 {
		t.Fatalf("old space spans %d regions after background sweep", got)
	}
	if err := e.rt.Verify(); err != nil {
		t.Fatal(err)
	}
	// The next cycle waits for the sweeper and reclaims what it retired.
	e.collect(Young)
}

func TestOldToYoungStoresDuringBackgroundSweep(t *testing.T) {
	e := newEnv(t, 64, heap.Options{}, Options{ConcurrentSweep: true})
	objs := fillOld(e, 300)
	before := e.newNode(heap.KindYoung)
	e.h.SetField(before, 3, heap.MakeInt(-1))
	e.h.SetField(objs[126], 1, heap.Ref(before))

	if stats := e.collect(Mixed); !stats.ConcurrentSweep {
		t.Fatalf("sweep ran on the collector")
	}
	const n = 32
	young := make([]heap.Addr, n)
	for i := range young {
		young[i] = e.newNode(heap.KindYoung)
		e.h.SetField(young[i], 3, heap.MakeInt(int64(i)))
		e.h.SetField(objs[2*i], 1, heap.Ref(young[i]))
	}

	e.collect(Young)
	if e.rt.Sweeping() {
		t.Fatalf("young cycle returned with the sweep still running")
	}
	for i := range young {
		v := e.h.Field(objs[2*i], 1)
		if v.Addr() == young[i] || e.h.Field(v.Addr(), 3).Int() != int64(i) {
			t.Fatalf("holder %d references %s after the young cycle", i, v)
		}
	}
	if v := e.h.Field(objs[126], 1); v.Addr() == before || e.h.Field(v.Addr(), 3).Int() != -1 {
		t.Fatalf("slot remembered before the sweep references %s", v)
	}
}

func TestSweepReaderHoldsRetiredRegions(t *testing.T) {
	e := newEnv(t, 16, heap.Options{}, Options{})
	pool := e.h.Pool()
	r := pool.Allocate(heap.KindOld)
	if r == nil {
		t.Fatalf("no region")
	}
	free := pool.FreeSlots()

	e.rt.sweepReader.Enter()
	e.rt.retire(r)
	if n := e.rt.reclaim(); n != 0 {
		t.Fatalf("reclaimed %d regions while the sweeper could still see them", n)
	}
	e.rt.sweepReader.Exit()
	if n := e.rt.reclaim(); n != 1 {
		t.Fatalf("reclaimed %d regions after the sweeper left", n)
	}
	if pool.FreeSlots() != free+1 {
		t.Fatalf("free slots = %d, want %d", pool.FreeSlots(), free+1)
	}
}

func TestSnapshotSlotsAreRoots(t *testing.T) {
	for _, kind := range []Kind{Young, Mixed, Full} {
		t.Run(kind.String(), func(t *testing.T) {
			e := newEnv(t, 64, heap.Options{}, Options{})
			pinned := e.alloc(heap.KindSnapshot, e.node, 32)
			y, o := e.newNode(heap.KindYoung), e.newNode(heap.KindOld)
			e.h.SetField(y, 3, heap.MakeInt(1))
			e.h.SetField(o, 3, heap.MakeInt(2))
			e.h.SetField(pinned, 1, heap.Ref(y))
			e.h.SetField(pinned, 2, heap.Ref(o))
			e.newNode(heap.KindYoung) // garbage

			e.collect(kind)
			ny, no := e.h.Field(pinned, 1).Addr(), e.h.Field(pinned, 2).Addr()
			if e.h.Field(ny, 3).Int() != 1 || e.h.Field(no, 3).Int() != 2 {
				t.Fatalf("snapshot referents lost: %s, %s", ny, no)
			}
			if kind != Mixed && ny == y {
				t.Fatalf("young referent not evacuated")
			}
			if (kind == Full) == (no == o) {
				t.Fatalf("old referent at %s, was %s", no, o)
			}
		})
	}
}

func TestFullCollectionCompacts(t *testing.T) {
	e := newEnv(t, 64, heap.Options{}, Options{})
	objs := fillOld(e, 300)

	y1, y2 := e.newNode(heap.KindYoung), e.newNode(heap.KindYoung)
	e.h.SetField(y1, 1, heap.Ref(objs[0]))
	ry1 := e.root(y1)

	nm := e.newNode(heap.KindNonMovable)
	e.h.SetField(nm, 1, heap.Ref(objs[2]))
	e.h.SetField(nm, 2, heap.Ref(y2))
	rnm := e.root(nm)

	deadHuge := e.newArray(heap.KindOld, 300)
	e.h.SetField(deadHuge, 2, heap.Ref(e.newNode(heap.KindYoung)))
	liveHuge := e.newArray(heap.KindOld, 300)
	e.h.SetField(liveHuge, 2, heap.Ref(objs[4]))
	e.root(liveHuge)
	if !e.h.RegionOf(deadHuge).IsHuge() {
		t.Fatalf("array did not get a huge region")
	}

	stats := e.collect(Full)
	if got := len(e.h.Old().Regions()); got != 1 {
		t.Fatalf("old space spans %d regions after compaction", got)
	}
	if got := len(e.h.Young().Regions()); got != 0 {
		t.Fatalf("young space kept %d regions", got)
	}
	if got := len(e.h.HugeObjects().Regions()); got != 1 {
		t.Fatalf("huge space kept %d regions", got)
	}
	if stats.BytesPromoted != 64 {
		t.Fatalf("promoted %d bytes, want 64", stats.BytesPromoted)
	}

	newObj0 := e.rootAddr(0)
	if newObj0 == objs[0] || e.h.RegionOf(newObj0).Kind() != heap.KindOld {
		t.Fatalf("old object not relocated: %s", newObj0)
	}
	if e.h.Field(e.rootAddr(ry1), 1).Addr() != newObj0 {
		t.Fatalf("young survivor does not reference the relocated object")
	}
	if e.rootAddr(rnm) != nm {
		t.Fatalf("non-movable object moved")
	}
	if e.h.Field(nm, 1).Addr() != e.rootAddr(1) {
		t.Fatalf("non-movable slot not updated")
	}
	if r := e.h.RegionOf(e.h.Field(nm, 2).Addr()); r.Kind() != heap.KindOld {
		t.Fatalf("young referent of non-movable object left in %s", r)
	}
	if e.h.Field(liveHuge, 2).Addr() != e.rootAddr(2) {
		t.Fatalf("huge object slot not updated")
	}
}

func TestSelectEscalates(t *testing.T) {
	e := newEnv(t, 64, heap.Options{OldCapacity: 4 * testRegionSize}, Options{})
	if k := e.rt.Select(); k != Young {
		t.Fatalf("empty heap selects %s", k)
	}
	if k := e.rt.SelectFor(heap.KindOld); k != Mixed {
		t.Fatalf("old allocation failure selects %s", k)
	}

	for i := 0; i < 3*128; i++ {
		e.newNode(heap.KindOld)
	}
	if k := e.rt.Select(); k != Mixed {
		t.Fatalf("old space at 75%% selects %s", k)
	}
	regions := e.h.Old().Regions()
	regions[0].SetFlag(heap.FlagNeedsRelocation)
	regions[1].SetFlag(heap.FlagNeedsRelocation)
	if k := e.rt.Select(); k != Full {
		t.Fatalf("fragmented old space selects %s", k)
	}

	if k, ok := Escalate(Young); !ok || k != Mixed {
		t.Fatalf("escalate young = %s, %v", k, ok)
	}
	if _, ok := Escalate(Full); ok {
		t.Fatalf("full escalated further")
	}
}

func TestEvacuationFailureIsFatal(t *testing.T) {
	var mu sync.Mutex
	var reported []error
	e := newEnv(t, 3, heap.Options{YoungCapacity: 2 * testRegionSize}, Options{
		TLABSize: testRegionSize,
		Fatal: func(err error) {
			mu.Lock()
			reported = append(reported, err)
			mu.Unlock()
		},
	})
	for i := 0; i < 2*128; i++ {
		e.root(e.newNode(heap.KindYoung))
	}

	_, err := e.rt.Collect(Young, "test")
	if !errors.Is(err, ErrEvacuationFailed) {
		t.Fatalf("collect error = %v", err)
	}
	if len(reported) == 0 {
		t.Fatalf("fatal handler never called")
	}
}

func TestVerifyDetectsMissingRememberedEntry(t *testing.T) {
	e := newEnv(t, 64, heap.Options{}, Options{})
	o, y := e.newNode(heap.KindOld), e.newNode(heap.KindYoung)
	e.root(o)
	e.root(y)
	if err := e.rt.Verify(); err != nil {
		t.Fatalf("clean heap: %v", err)
	}

	e.mem.StoreValue(o+heap.WordSize, heap.Ref(y))
	if err := e.rt.Verify(); !errors.Is(err, ErrHeapCorrupt) {
		t.Fatalf("verify = %v", err)
	}
}

func TestCollectAfterClose(t *testing.T) {
	e := newEnv(t, 16, heap.Options{}, Options{})
	e.rt.Close()
	if _, err := e.rt.Collect(Young, "test"); !errors.Is(err, ErrClosed) {
		t.Fatalf("collect on closed runtime = %v", err)
	}
}
