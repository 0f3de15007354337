package gc

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"

	"regiongc/domain/heap"
)

// ErrHeapCorrupt wraps every verifier failure.
var ErrHeapCorrupt = errors.New("gc: heap verification failed")

const maxReportedViolations = 16

type verifier struct {
	h          *heap.Heap
	mem        *heap.Memory
	violations []string
	total      int
}

func (v *verifier) fail(format string, args ...any) {
	v.total++
	if len(v.violations) < maxReportedViolations {
		v.violations = append(v.violations, fmt.Sprintf(format, args...))
	}
}

// Verify walks the heap and checks the invariants a finished cycle leaves
// behind: every region is owned by the slot table, no object is forwarded,
// every reference lands inside a live region below its top, every
// old-to-young slot is remembered and no mark bit lies above a region's top.
// The mutator must be stopped and no sweep may be running.
func (rt *Runtime) Verify() error {
	rt.sweeper.Wait()
	h := rt.heap
	v := &verifier{h: h, mem: h.Memory()}

	var regions []*heap.Region
	regions = append(regions, h.Young().Regions()...)
	for _, s := range h.OldGeneration() {
		regions = append(regions, s.Regions()...)
	}
	regions = append(regions, h.HugeObjects().Regions()...)
	regions = append(regions, h.Snapshot().Regions()...)

	for _, r := range regions {
		v.checkOwnership(r)
		v.checkMarks(r)
		v.walk(r)
	}

	strong, weak := rt.providers()
	rv := &rootChecker{v: v}
	for _, p := range strong {
		p.VisitRoots(rv)
	}
	for _, p := range weak {
		p.UpdateWeakRoots(func(val heap.Value) heap.Value {
			rv.check("weak root", val)
			return val
		})
	}

	if v.total == 0 {
		return nil
	}
	return errors.Wrapf(ErrHeapCorrupt, "%d violations: %s", v.total, strings.Join(v.violations, "; "))
}

func (v *verifier) checkOwnership(r *heap.Region) {
	pool := v.h.Pool()
	if got := pool.Lookup(r.Begin()); got != r {
		v.fail("%s: slot table maps its begin to %v", r, got)
	}
	if got := pool.Lookup(r.End() - 1); got != r {
		v.fail("%s: slot table maps its last byte to %v", r, got)
	}
	if r.InCollectionSet() {
		v.fail("%s: still flagged as collection set", r)
	}
	if r.Top() < r.Begin() || r.Top() > r.End() {
		v.fail("%s: top outside the region", r)
	}
}

func (v *verifier) checkMarks(r *heap.Region) {
	top := r.Top()
	r.IterateMarkedObjects(func(obj heap.Addr) {
		if obj >= top {
			v.fail("%s: mark bit for %s above top", r, obj)
		}
	})
}

// walk visits every object of r without trusting IterateObjects, which
// panics on the conditions reported here.
func (v *verifier) walk(r *heap.Region) {
	for p, top := r.Begin(), r.Top(); p < top; {
		mw := v.mem.LoadMarkWord(p)
		if mw.IsForwarded() {
			v.fail("%s: object %s still forwarded to %s", r, p, mw.ForwardingAddress())
			return
		}
		size := v.h.SizeOf(p)
		if size == 0 || p+heap.Addr(size) > top {
			v.fail("%s: object %s (%s) has bad size %d", r, p, mw, size)
			return
		}
		if !mw.IsFiller() && v.h.HasRefs(mw.Shape()) {
			v.h.VisitSlots(p, mw.Shape(), func(slot heap.Addr) {
				v.checkSlot(r, p, slot)
			})
		}
		p += heap.Addr(size)
	}
}

func (v *verifier) checkSlot(holder *heap.Region, obj, slot heap.Addr) {
	val := heap.Value(v.mem.AtomicLoad(slot))
	if !val.IsHeapRef() {
		return
	}
	target := v.checkTarget(val)
	if target == nil {
		v.fail("%s: slot %s of %s holds %s outside every live region", holder, slot, obj, val)
		return
	}
	if holder.Kind().IsOldGeneration() && target.InYoung() {
		s := holder.OldToNewSet()
		if s == nil || !s.Test(holder.Begin(), slot) {
			v.fail("%s: old-to-young slot %s of %s is not remembered", holder, slot, obj)
		}
	}
}

// checkTarget returns the region a reference lands in, or nil if the
// reference is dangling.
func (v *verifier) checkTarget(val heap.Value) *heap.Region {
	a := val.Addr()
	r := v.h.LookupRegion(a)
	if r == nil || r.InCollectionSet() || a >= r.Top() {
		return nil
	}
	if mw := v.mem.LoadMarkWord(a); mw.IsForwarded() || mw.IsFiller() {
		return nil
	}
	return r
}

type rootChecker struct {
	v *verifier
}

func (c *rootChecker) check(what string, val heap.Value) {
	if val.IsHeapRef() && c.v.checkTarget(val) == nil {
		c.v.fail("%s %s is dangling", what, val)
	}
}

func (c *rootChecker) VisitRoot(slot *heap.Value) { c.check("root", *slot) }

func (c *rootChecker) VisitRangeRoots(slots []heap.Value) {
	for _, val := range slots {
		c.check("root", val)
	}
}
