package gc

import (
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/inhies/go-bytesize"

	"regiongc/domain/heap"
)

// Kind names a collection tier. Tiers are ordered by cost.
type Kind uint8

const (
	Young Kind = iota
	Mixed
	Full
)

func (k Kind) String() string {
	switch k {
	case Young:
		return "young"
	case Mixed:
		return "mixed"
	case Full:
		return "full"
	}
	return "unknown"
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(s) {
	case "young":
		return Young, nil
	case "mixed", "old":
		return Mixed, nil
	case "full":
		return Full, nil
	}
	return 0, errors.Newf("gc: unknown collection kind %q", s)
}

func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *Kind) UnmarshalText(b []byte) error {
	v, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// CycleStats describes one finished collection.
type CycleStats struct {
	ID      uint64        `json:"id"`
	Kind    Kind          `json:"kind"`
	Cause   string        `json:"cause"`
	Workers int           `json:"workers"`
	Start   time.Time     `json:"start"`
	Pause   time.Duration `json:"pause_ns"`

	ObjectsAlive     uint64 `json:"objects_alive"`
	BytesAlive       uint64 `json:"bytes_alive"`
	ObjectsPromoted  uint64 `json:"objects_promoted"`
	BytesPromoted    uint64 `json:"bytes_promoted"`
	RememberedPruned uint64 `json:"remembered_pruned"`
	WeakCleared      uint64 `json:"weak_cleared"`
	NodesPublished   uint64 `json:"nodes_published"`
	NodesStolen      uint64 `json:"nodes_stolen"`

	RegionsFreed         int    `json:"regions_freed"`
	BytesFreed           uint64 `json:"bytes_freed"`
	RelocationCandidates int    `json:"relocation_candidates"`
	ConcurrentSweep      bool   `json:"concurrent_sweep"`

	CommittedBefore uint64         `json:"committed_before"`
	CommittedAfter  uint64         `json:"committed_after"`
	TLAB            heap.TLABStats `json:"tlab"`
}

func (s *CycleStats) foldWorkers(w WorkerStats) {
	s.ObjectsAlive += w.ObjectsAlive
	s.BytesAlive += w.BytesAlive
	s.ObjectsPromoted += w.ObjectsPromoted
	s.BytesPromoted += w.BytesPromoted
	s.NodesPublished += w.Published
	s.NodesStolen += w.Stolen
	s.TLAB.Add(w.TLAB)
}

func (s *CycleStats) foldSweep(r *sweepResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s.RegionsFreed += r.regionsFreed
	s.BytesFreed += r.bytesFreed
	s.RelocationCandidates += r.needsRelocate
}

func (s *CycleStats) String() string {
	return fmt.Sprintf("cycle %d %s (%s): pause %s, %d objects / %s alive, %s promoted, %d regions freed, committed %s -> %s",
		s.ID, s.Kind, s.Cause, s.Pause.Round(time.Microsecond),
		s.ObjectsAlive, bytesize.New(float64(s.BytesAlive)), bytesize.New(float64(s.BytesPromoted)),
		s.RegionsFreed, bytesize.New(float64(s.CommittedBefore)), bytesize.New(float64(s.CommittedAfter)))
}

// collector is one tier's phase implementation. Phases run in order on the
// collecting goroutine, with the mutator stopped.
type collector interface {
	initialize(ctx *Context)
	mark(ctx *Context)
	sweep(ctx *Context)
	finish(ctx *Context)
}

func collectorFor(kind Kind) (collector, error) {
	switch kind {
	case Young:
		return youngCollector{}, nil
	case Mixed:
		return mixedCollector{}, nil
	case Full:
		return fullCollector{}, nil
	}
	return nil, errors.Newf("gc: unknown collection kind %d", kind)
}

// Collect runs one stop-the-world collection of kind. The caller must keep
// the mutator stopped until Collect returns. An error is returned for a
// closed runtime, an unknown kind, a fatal condition the handler did not
// abort on, or a failed post-cycle verification.
func (rt *Runtime) Collect(kind Kind, cause string) (*CycleStats, error) {
	rt.collecting.Lock()
	defer rt.collecting.Unlock()
	if rt.isClosed() {
		return nil, ErrClosed
	}
	c, err := collectorFor(kind)
	if err != nil {
		return nil, err
	}

	ctx := rt.newContext(kind, cause)
	ctx.stats.CommittedBefore = rt.heap.Stats().CommittedBytes
	c.initialize(ctx)
	c.mark(ctx)
	c.sweep(ctx)
	c.finish(ctx)
	rt.reclaim()

	stats := ctx.stats
	stats.Pause = time.Since(stats.Start)
	stats.RememberedPruned = ctx.pruned.Load()
	stats.WeakCleared = ctx.weakCleared.Load()
	stats.CommittedAfter = rt.heap.Stats().CommittedBytes

	rt.mu.Lock()
	rt.last = stats
	rt.mu.Unlock()
	ctx.logger.Printf("[gc] %s", stats)

	if err := ctx.err(); err != nil {
		return stats, err
	}
	if rt.opts.VerifyAfter && !stats.ConcurrentSweep {
		if err := rt.Verify(); err != nil {
			return stats, errors.Wrapf(err, "gc: heap broken after cycle %d", stats.ID)
		}
	}
	return stats, nil
}

func (rt *Runtime) isClosed() bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.closed
}

func (rt *Runtime) providers() ([]heap.RootProvider, []heap.WeakRootProvider) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return append([]heap.RootProvider(nil), rt.roots...), append([]heap.WeakRootProvider(nil), rt.weak...)
}

// ---------------- shared marking driver ----------------

// markHeap runs one complete marking pass with marker m: roots and snapshot
// objects are visited on the calling goroutine, then extra, then the pool
// drains the worklist. Weak slots are resolved before the worklist retires.
func (ctx *Context) markHeap(m *Marker, extra func(tid int)) {
	ctx.marker = m
	wl := ctx.worklist
	for tid := 0; tid < wl.Workers(); tid++ {
		wl.Initialize(tid)
	}

	strong, weak := ctx.rt.providers()
	ctx.weakRoots = weak
	rv := rootVisitor{m: m, tid: 0}
	for _, p := range strong {
		p.VisitRoots(rv)
	}
	for _, r := range ctx.heap.Snapshot().Regions() {
		m.scanRegion(0, r)
	}
	if extra != nil {
		extra(0)
	}

	ctx.drain()
	ctx.processWeak()
	ctx.stats.foldWorkers(wl.Finish())
}

// drain empties the worklist on every worker and returns once marking has
// terminated.
func (ctx *Context) drain() {
	ctx.worklist.Flush(0)
	pool := ctx.rt.pool
	for i := 0; i < pool.Workers(); i++ {
		pool.PostTask(ctx.drainTask)
	}
	ctx.drainTask(0)
	pool.Wait()
}

// drainTask scans objects until worker tid finds no local or global work.
func (ctx *Context) drainTask(tid int) {
	wl := ctx.worklist
	wl.BeginDrain(tid)
	for {
		obj, ok := wl.Pop(tid)
		if !ok {
			return
		}
		ctx.marker.scan(tid, obj)
	}
}

// clearMarks drops every mark bit in the heap.
func (ctx *Context) clearMarks() {
	for _, r := range ctx.heap.Pool().Regions() {
		r.ClearMarks()
	}
}
