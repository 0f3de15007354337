package gc

import "regiongc/domain/heap"

// Select picks the cheapest tier likely to help: full once enough old
// regions are too sparse to be worth sweeping, mixed once the old space is
// close to its capacity, young otherwise.
func (rt *Runtime) Select() Kind {
	old := rt.heap.Old()
	regions := old.Regions()
	if len(regions) > 0 {
		sparse := 0
		for _, r := range regions {
			if r.Has(heap.FlagNeedsRelocation) {
				sparse++
			}
		}
		if float64(sparse) >= rt.opts.FullFragmentation*float64(len(regions)) {
			return Full
		}
	}
	if limit := old.Capacity(); limit != 0 {
		committed := uint64(len(regions)) * rt.heap.Pool().RegionSize()
		if float64(committed) >= rt.opts.MixedThreshold*float64(limit) {
			return Mixed
		}
	}
	return Young
}

// SelectFor picks the first tier to run after an allocation in space kind
// failed. Only a young cycle can make room in the young space; everything
// else needs at least a mixed cycle.
func (rt *Runtime) SelectFor(kind heap.SpaceKind) Kind {
	k := rt.Select()
	if kind != heap.KindYoung && k < Mixed {
		k = Mixed
	}
	return k
}

// Escalate returns the tier to try after k failed to free enough space.
func Escalate(k Kind) (Kind, bool) {
	if k >= Full {
		return Full, false
	}
	return k + 1, true
}
