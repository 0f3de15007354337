package gc

import "regiongc/domain/heap"

// youngCollector copies live young objects into a fresh semispace, promoting
// those that already survived a cycle into the old space.
type youngCollector struct{}

func (youngCollector) initialize(ctx *Context) {
	ctx.finishSweep()

	from := ctx.heap.SwapSemiSpaces()
	ctx.from = from
	ctx.ageMark = from.AgeMark()
	for _, r := range from.Regions() {
		r.SetFlag(heap.FlagInCollectionSet)
	}
	ctx.heap.Old().BeginCollection()
	ctx.setupTLABs(ctx.heap.Young(), ctx.heap.Old())
}

func (youngCollector) mark(ctx *Context) {
	m := NewMarker(ctx, EvacuatingYoung)
	ctx.markHeap(m, func(tid int) {
		visit := func(slot heap.Addr) bool { return m.visitRememberedSlot(tid, slot) }
		for _, s := range ctx.heap.OldGeneration() {
			for _, r := range s.Regions() {
				r.IterateOldToNew(visit)
			}
		}
		for _, r := range ctx.heap.HugeObjects().Regions() {
			r.IterateOldToNew(visit)
		}
	})
}

// sweep has nothing to do: the from-space is released whole in finish.
func (youngCollector) sweep(*Context) {}

func (youngCollector) finish(ctx *Context) {
	ctx.heap.Young().SetAgeMark()
	for _, r := range ctx.from.Regions() {
		ctx.rt.retire(r)
		ctx.stats.RegionsFreed++
		ctx.stats.BytesFreed += r.Size()
	}
	ctx.heap.Old().EndCollection()
}
