// Copyright 2024 The ActorVM Authors
// This file is part of ActorVM.

package heap

import (
	"github.com/probeum/actorvm/object"
	"github.com/probeum/actorvm/value"
)

// Collect runs a full stop-the-world mark-sweep cycle synchronously: mark
// every object reachable from the registered root sources (tri-color, via
// an explicit gray worklist rather than recursion, so deeply nested
// containers cannot blow the Go call stack), then sweep the entire object
// list, reclaiming anything left unmarked whose refcount can still be
// claimed for freeing.
func (h *Heap) Collect() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.collectFullLocked()
}

func (h *Heap) collectFullLocked() {
	h.drainReclaimsLocked()
	h.markLocked(nil)
	h.sweepLocked(false)
	h.needsFullGC = false
	h.stats.FullCycles++
	h.retuneNextGCLocked(h.cfg.GrowthFactor)
}

// retuneNextGCLocked recomputes the full-collection trigger from the
// post-sweep live size: live bytes scaled by factor, floored at the
// configured initial threshold, capped at the hard ceiling.
func (h *Heap) retuneNextGCLocked(factor float64) {
	next := uint64(float64(h.bytesAllocated) * factor)
	if next < h.cfg.InitialNextGC {
		next = h.cfg.InitialNextGC
	}
	if next > h.cfg.MaxSize {
		next = h.cfg.MaxSize
	}
	h.nextGC = next
}

// MinorCollect runs a young-only collection: the roots are the usual root
// sources plus every object in the remembered set (representing old
// objects that hold a reference into the young generation). Only young,
// unmarked objects are swept; marked survivors have their survival counter
// bumped and are promoted to the old generation once it reaches
// PromotionThreshold. The remembered set is cleared afterward, since every
// surviving young object it pointed at is now either promoted (no longer
// needing the entry) or still young and will be re-remembered by the next
// write barrier hit that targets it.
func (h *Heap) MinorCollect() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.minorCollectLocked()
}

func (h *Heap) minorCollectLocked() {
	h.drainReclaimsLocked()
	extraRoots := make([]*object.Object, 0, h.remembered.Len())
	for _, k := range h.remembered.Keys() {
		extraRoots = append(extraRoots, k.(*object.Object))
	}
	h.markLocked(extraRoots)
	h.sweepLocked(true)

	for _, k := range h.remembered.Keys() {
		k.(*object.Object).SetRemembered(false)
	}
	h.remembered.Purge()
	h.stats.MinorCycles++

	// Retune the minor trigger to the surviving young size, floored at the
	// configured threshold so a near-empty nursery doesn't thrash.
	h.youngGC = h.youngBytes * 2
	if h.youngGC < h.cfg.YoungGCThreshold {
		h.youngGC = h.cfg.YoungGCThreshold
	}
}

// markLocked performs the tracing mark phase. extraRoots supplements the
// registered RootSources (used by minorCollectLocked to seed the
// remembered set as additional roots); it is nil for a full collection.
func (h *Heap) markLocked(extraRoots []*object.Object) {
	h.phase = PhaseMarking
	h.gray = h.gray[:0]

	var rootBuf []value.Boxed64
	for _, rs := range h.roots {
		rootBuf = rs.Roots(rootBuf)
	}
	for _, b := range rootBuf {
		if value.IsObject(b) {
			h.greyPush(object.FromBoxed(b))
		}
	}
	for _, o := range extraRoots {
		h.greyPush(o)
	}

	var childBuf []value.Boxed64
	for len(h.gray) > 0 {
		n := len(h.gray) - 1
		o := h.gray[n]
		h.gray = h.gray[:n]

		childBuf = childBuf[:0]
		childBuf = o.Body().Children(childBuf)
		for _, c := range childBuf {
			if value.IsObject(c) {
				h.greyPush(object.FromBoxed(c))
			}
		}
	}
}

// greyPush marks o and pushes it onto the gray worklist, unless it is
// already marked (tri-color invariant: never re-visit a black object).
func (h *Heap) greyPush(o *object.Object) {
	if o.Marked() {
		return
	}
	o.SetMarked(true)
	h.gray = append(h.gray, o)
}

// sweepLocked walks the intrusive object list once. When youngOnly is true
// (a minor collection) it skips old-generation objects entirely, leaving
// them untouched until the next full collection. Every object visited has
// its mark bit cleared for the next cycle; unmarked objects are reclaimed
// through Object.ForceClaim, which treats unreachability as authoritative
// (it claims any non-negative refcount) but still CASes the count to
// freeing, so a sweep can never race a concurrent Release into a double
// free.
func (h *Heap) sweepLocked(youngOnly bool) {
	h.phase = PhaseSweeping

	var prev *object.Object
	cur := h.head
	for cur != nil {
		next := cur.Next()

		if youngOnly && cur.Old() {
			prev = cur
			cur = next
			continue
		}

		if cur.Marked() {
			cur.SetMarked(false)
			if !cur.Old() {
				cur.IncSurvival()
				if cur.Survival() >= h.cfg.PromotionThreshold {
					h.promoteLocked(cur, prev)
				}
			}
			prev = cur
			cur = next
			continue
		}

		// Unmarked: claim it for freeing. ForceClaim fails only when the
		// refcount is already negative, i.e. a concurrent Release has
		// claimed or freed it; leave it in the list for that path.
		if !cur.ForceClaim() {
			prev = cur
			cur = next
			continue
		}

		h.unlinkNextLocked(prev, cur, next)
		h.accountFreedLocked(cur)
		h.releaseChildrenLocked(cur)
		cur = next
	}

	// Releasing children above may have dropped further refcounts to zero;
	// those objects queued themselves through Reclaim and are unlinked now
	// so the post-sweep state is fully settled.
	h.drainReclaimsLocked()
	h.phase = PhaseIdle
}

func (h *Heap) unlinkNextLocked(prev, cur, next *object.Object) {
	if prev == nil {
		h.head = next
		return
	}
	prev.SetNext(next)
	_ = cur
}

// releaseChildrenLocked drops the references an object swept directly by
// the tracing collector held, mirroring what Object.teardown does for an
// object reclaimed via Release. The sweeper bypasses Release (the refcount
// is already claimed via ForceClaim, not a 1->freeing
// transition), so it must repeat the child-release step itself.
func (h *Heap) releaseChildrenLocked(o *object.Object) {
	for _, c := range o.Body().Children(nil) {
		if value.IsObject(c) {
			object.FromBoxed(c).Release()
		}
	}
}

func (h *Heap) promoteLocked(o *object.Object, prev *object.Object) {
	size := approxSize(o.Body())
	o.SetOld(true)
	h.youngCount--
	h.youngBytes -= size
	h.oldCount++
	h.oldBytes += size
	h.stats.Promotions++
	_ = prev
}
