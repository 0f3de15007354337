package gc

import "regiongc/domain/heap"

// fullCollector evacuates every movable object into a fresh old space and
// sweeps the spaces whose objects never move.
type fullCollector struct{}

func (fullCollector) initialize(ctx *Context) {
	ctx.finishSweep()
	ctx.clearMarks()

	h := ctx.heap
	// Remembered sets of the regions that survive are rebuilt while their
	// live objects are scanned.
	for _, s := range []*heap.OldSpace{h.NonMovable(), h.MachineCode()} {
		for _, r := range s.Regions() {
			r.ClearOldToNew()
		}
	}
	for _, r := range h.HugeObjects().Regions() {
		r.ClearOldToNew()
	}

	ctx.from = h.SwapSemiSpaces()
	for _, r := range ctx.from.Regions() {
		r.SetFlag(heap.FlagInCollectionSet)
	}
	ctx.oldFrom = h.Old()
	for _, r := range ctx.oldFrom.Regions() {
		r.SetFlag(heap.FlagInCollectionSet)
	}
	ctx.compaction = h.NewCompactionSpace()
	ctx.compaction.BeginCollection()
	ctx.setupTLABs(h.Young(), ctx.compaction)
}

func (fullCollector) mark(ctx *Context) {
	ctx.markHeap(NewMarker(ctx, EvacuatingFull), nil)
}

func (fullCollector) sweep(ctx *Context) {
	h := ctx.heap
	h.SwapOldSpace(ctx.compaction)
	ctx.compaction.EndCollection()

	for _, r := range ctx.oldFrom.Regions() {
		ctx.rt.retire(r)
		ctx.stats.RegionsFreed++
		ctx.stats.BytesFreed += r.Size()
	}
	for _, r := range ctx.from.Regions() {
		ctx.rt.retire(r)
		ctx.stats.RegionsFreed++
		ctx.stats.BytesFreed += r.Size()
	}

	job := ctx.rt.newSweepJob([]*heap.OldSpace{h.NonMovable(), h.MachineCode()}, true)
	job.run()
	ctx.stats.foldSweep(job.result)
}

func (fullCollector) finish(ctx *Context) {
	ctx.heap.Young().SetAgeMark()
}
