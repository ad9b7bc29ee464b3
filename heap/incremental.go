// Copyright 2024 The ActorVM Authors
// This file is part of ActorVM.

package heap

import (
	"github.com/probeum/actorvm/object"
	"github.com/probeum/actorvm/value"
)

// StartIncremental begins an incremental full collection: it seeds the
// gray worklist from the roots and transitions to PhaseMarking, but does
// not run to completion. Callers drive the cycle forward with Step, which
// lets a VM interleave a bounded amount of GC work between bytecode
// instructions instead of pausing for an entire cycle.
func (h *Heap) StartIncremental() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.phase != PhaseIdle {
		return
	}
	h.phase = PhaseMarking
	h.gray = h.gray[:0]
	h.seedRootsLocked()
}

func (h *Heap) seedRootsLocked() {
	var rootBuf []value.Boxed64
	for _, rs := range h.roots {
		rootBuf = rs.Roots(rootBuf)
	}
	for _, b := range rootBuf {
		if value.IsObject(b) {
			h.greyPush(object.FromBoxed(b))
		}
	}
}

// Step performs one bounded quantum of incremental GC work and reports
// whether the collection has finished (transitioned back to PhaseIdle).
// The quantum size is Config.IncrementalStepWork gray objects during
// marking, or that many list entries during sweeping.
func (h *Heap) Step() (done bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch h.phase {
	case PhaseIdle:
		return true
	case PhaseMarking:
		h.stepMarkLocked()
		if len(h.gray) == 0 {
			h.phase = PhaseSweeping
			h.sweepCursor = h.head
			h.sweepPrev = nil
		}
		return false
	case PhaseSweeping:
		finished := h.stepSweepLocked()
		if finished {
			h.drainReclaimsLocked()
			h.phase = PhaseIdle
			h.needsFullGC = false
			h.stats.FullCycles++
			// Incremental cycles use a gentler growth factor than
			// stop-the-world ones: the next cycle starts sooner, keeping
			// individual step pauses small.
			h.retuneNextGCLocked(1.5)
			return true
		}
		return false
	default:
		return true
	}
}

func (h *Heap) stepMarkLocked() {
	budget := h.cfg.IncrementalStepWork
	var childBuf []value.Boxed64
	for budget > 0 && len(h.gray) > 0 {
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
		budget--
	}
}

// stepSweepLocked advances the sweep cursor by up to IncrementalStepWork
// objects and reports whether it reached the end of the list.
func (h *Heap) stepSweepLocked() bool {
	budget := h.cfg.IncrementalStepWork
	cur := h.sweepCursor
	prev := h.sweepPrev

	for budget > 0 && cur != nil {
		next := cur.Next()

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
			budget--
			continue
		}

		if !cur.ForceClaim() {
			prev = cur
			cur = next
			budget--
			continue
		}

		h.unlinkNextLocked(prev, cur, next)
		h.accountFreedLocked(cur)
		h.releaseChildrenLocked(cur)
		cur = next
		budget--
	}

	h.sweepCursor = cur
	h.sweepPrev = prev
	return cur == nil
}

// Complete runs any remaining Step quanta synchronously, finishing an
// incremental collection immediately.
func (h *Heap) Complete() {
	for {
		h.mu.Lock()
		phase := h.phase
		h.mu.Unlock()
		if phase == PhaseIdle {
			return
		}
		h.Step()
	}
}
