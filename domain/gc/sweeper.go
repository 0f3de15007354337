package gc

import (
	"sync"

	"regiongc/domain/heap"
)

// Sweeper runs at most one background sweep at a time.
type Sweeper struct {
	mu      sync.Mutex
	running bool
	done    chan struct{}
}

// Start runs fn on a new goroutine. A sweep already in flight is waited for
// first.
func (s *Sweeper) Start(fn func()) {
	s.Wait()
	done := make(chan struct{})
	s.mu.Lock()
	s.running = true
	s.done = done
	s.mu.Unlock()
	go func() {
		defer func() {
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
			close(done)
		}()
		fn()
	}()
}

// Running reports whether a sweep is in flight.
func (s *Sweeper) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Wait blocks until the current sweep, if any, finishes.
func (s *Sweeper) Wait() {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done != nil {
		<-done
	}
}

// sweepResult accumulates what one sweep reclaimed.
type sweepResult struct {
	mu            sync.Mutex
	regionsFreed  int
	bytesFreed    uint64
	liveBytes     uint64
	needsRelocate int
}

func (s *sweepResult) add(freedRegion bool, freed, live uint64, relocate bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if freedRegion {
		s.regionsFreed++
	}
	s.bytesFreed += freed
	s.liveBytes += live
	if relocate {
		s.needsRelocate++
	}
}

// sweepJob is the mark-bit driven sweep of a fixed set of free-list and huge
// regions. The region lists are captured while the mutator is stopped.
type sweepJob struct {
	rt       *Runtime
	spaces   []*heap.OldSpace
	regions  [][]*heap.Region
	huge     []*heap.Region
	ratio    float64
	result   *sweepResult
	snapshot bool
}

func (rt *Runtime) newSweepJob(spaces []*heap.OldSpace, sweepHuge bool) *sweepJob {
	job := &sweepJob{
		rt:     rt,
		spaces: spaces,
		ratio:  rt.opts.RelocationLiveRatio,
		result: &sweepResult{},
	}
	for _, s := range spaces {
		s.Allocator().FillBumpPointer()
		job.regions = append(job.regions, s.Regions())
	}
	if sweepHuge {
		job.huge = rt.heap.HugeObjects().Regions()
	}
	return job
}

// prepareConcurrent readies the captured regions for a sweep that overlaps
// the mutator: free lists are emptied now so the mutator only allocates from
// ranges the sweeper has already released, and remembered-set entries made
// from here on go to a fresh set.
func (job *sweepJob) prepareConcurrent() {
	job.snapshot = true
	for i, s := range job.spaces {
		s.Allocator().RebuildFreeList()
		for _, r := range job.regions[i] {
			r.SwapOldToNewForSweeping()
		}
	}
	for _, r := range job.huge {
		r.SwapOldToNewForSweeping()
	}
}

func (job *sweepJob) run() {
	for i, s := range job.spaces {
		if !job.snapshot {
			s.Allocator().RebuildFreeList()
		}
		var live uint64
		for _, r := range job.regions[i] {
			live += job.sweepRegion(s, r)
		}
		s.Allocator().SetLiveBytes(live)
	}
	for _, r := range job.huge {
		job.sweepHuge(r)
	}
}

// sweepRegion frees the dead ranges of r, or the whole region when nothing
// in it is marked. The sweep reader is held until r's remembered sets are
// settled, so a retired r cannot be handed out again underneath it.
func (job *sweepJob) sweepRegion(s *heap.OldSpace, r *heap.Region) uint64 {
	h := job.rt.heap
	reader := job.rt.sweepReader
	reader.Enter()
	defer reader.Exit()
	if r.MarkBits().IsEmpty() {
		r.MergeSweepingOldToNew()
		s.RemoveRegion(r)
		job.rt.retire(r)
		job.result.add(true, r.AllocatedBytes(), 0, false)
		return 0
	}

	var live, freed uint64
	alloc := s.Allocator()
	prev := r.Begin()
	r.IterateMarkedObjects(func(obj heap.Addr) {
		if obj > prev {
			alloc.FreeLiveRange(r, prev, obj)
			freed += uint64(obj - prev)
		}
		size := h.SizeOf(obj)
		live += size
		prev = obj + heap.Addr(size)
	})
	if top := r.Top(); top > prev {
		alloc.FreeLiveRange(r, prev, top)
		freed += uint64(top - prev)
	}

	r.SetLiveBytes(live)
	r.SetFlag(heap.FlagSwept)
	relocate := float64(live) < job.ratio*float64(r.Size())
	if relocate {
		r.SetFlag(heap.FlagNeedsRelocation)
	} else {
		r.ClearFlag(heap.FlagNeedsRelocation)
	}
	r.MergeSweepingOldToNew()
	job.result.add(false, freed, live, relocate)
	return live
}

func (job *sweepJob) sweepHuge(r *heap.Region) {
	reader := job.rt.sweepReader
	reader.Enter()
	defer reader.Exit()
	r.MergeSweepingOldToNew()
	if r.IsMarked(r.Begin()) {
		r.SetLiveBytes(r.AllocatedBytes())
		r.SetFlag(heap.FlagSwept)
		job.result.add(false, 0, r.AllocatedBytes(), false)
		return
	}
	job.rt.heap.HugeObjects().RemoveRegion(r)
	job.rt.retire(r)
	job.result.add(true, r.AllocatedBytes(), 0, false)
}
