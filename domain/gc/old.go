package gc

// mixedCollector marks the whole heap in place and sweeps the old
// generation, leaving sparse regions flagged for the next full cycle.
type mixedCollector struct{}

func (mixedCollector) initialize(ctx *Context) {
	ctx.finishSweep()
	ctx.clearMarks()
}

func (mixedCollector) mark(ctx *Context) {
	ctx.markHeap(NewMarker(ctx, NonMoving), nil)
}

func (mixedCollector) sweep(ctx *Context) {
	rt := ctx.rt
	job := rt.newSweepJob(ctx.heap.OldGeneration(), true)
	if !rt.opts.ConcurrentSweep {
		job.run()
		ctx.stats.foldSweep(job.result)
		return
	}

	job.prepareConcurrent()
	ctx.stats.ConcurrentSweep = true
	id, logger := ctx.stats.ID, ctx.logger
	rt.sweeper.Start(func() {
		job.run()
		r := job.result
		r.mu.Lock()
		defer r.mu.Unlock()
		logger.Printf("[gc] cycle %d: background sweep freed %d regions, %d bytes", id, r.regionsFreed, r.bytesFreed)
	})
}

// finish has nothing to do: sweeping already returned the freed ranges and
// regions, possibly in the background.
func (mixedCollector) finish(*Context) {}
