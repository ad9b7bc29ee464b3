// Copyright 2024 The ActorVM Authors
// This file is part of ActorVM.
//
// ActorVM is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// ActorVM is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with ActorVM. If not, see <http://www.gnu.org/licenses/>.

// Package heap implements the object heap and its generational incremental
// mark-sweep collector: allocation, the young/old generations, the
// remembered set and write barrier, and both minor (young-only) and full
// collection cycles. Individual objects are reference counted by package
// object; the tracing collector here exists to reclaim reference cycles a
// pure refcount scheme cannot, and to batch the bookkeeping of large object
// graphs.
//
// Allocation accounting follows the arena style: bounds checking against
// a hard ceiling, an OOM error sentinel, and a
// collect-then-grow-then-fail escalation.
package heap

import (
	"errors"
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"github.com/probeum/actorvm/object"
	"github.com/probeum/actorvm/value"
)

// ErrOutOfMemory is returned by Alloc when the heap cannot grow enough to
// satisfy a request even after a full collection.
var ErrOutOfMemory = errors.New("heap: out of memory")

// Phase is the state of an in-progress incremental collection.
type Phase uint8

const (
	PhaseIdle Phase = iota
	PhaseMarking
	PhaseSweeping
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseMarking:
		return "marking"
	case PhaseSweeping:
		return "sweeping"
	default:
		return "unknown"
	}
}

// Config tunes the collector. Zero-value fields are replaced by
// DefaultConfig's values when passed to New.
type Config struct {
	// MaxSize is the hard allocation ceiling in bytes; Alloc fails with
	// ErrOutOfMemory rather than exceed it.
	MaxSize uint64
	// InitialNextGC is the bytesAllocated threshold that triggers the
	// first full collection.
	InitialNextGC uint64
	// GrowthFactor scales bytesAllocated (post-collection) into the next
	// nextGC threshold.
	GrowthFactor float64
	// YoungGCThreshold is the young-generation byte budget that triggers
	// a minor (young-only) collection.
	YoungGCThreshold uint64
	// PromotionThreshold is the survival count (times an object is found
	// marked across minor collections) after which it is promoted to the
	// old generation.
	PromotionThreshold uint8
	// RememberedSetCap bounds the remembered set; once full, further
	// write-barrier insertions set NeedsFullGC instead of growing it
	// further, since a full collection subsumes the remembered set.
	RememberedSetCap int
	// IncrementalStepWork is the number of gray objects processed (while
	// marking) or object-list entries visited (while sweeping) per Step
	// call during an incremental collection.
	IncrementalStepWork int
}

// DefaultConfig returns reasonable defaults for an interactive/script VM
// workload: a small young generation collected often, promotion after two
// survived minor cycles, and a modest incremental work quantum.
func DefaultConfig() Config {
	return Config{
		MaxSize:             1 << 30, // 1 GiB
		InitialNextGC:       1 << 20, // 1 MiB
		GrowthFactor:        2.0,
		YoungGCThreshold:    256 << 10, // 256 KiB
		PromotionThreshold:  2,
		RememberedSetCap:    4096,
		IncrementalStepWork: 256,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxSize == 0 {
		c.MaxSize = d.MaxSize
	}
	if c.InitialNextGC == 0 {
		c.InitialNextGC = d.InitialNextGC
	}
	if c.GrowthFactor == 0 {
		c.GrowthFactor = d.GrowthFactor
	}
	if c.YoungGCThreshold == 0 {
		c.YoungGCThreshold = d.YoungGCThreshold
	}
	if c.PromotionThreshold == 0 {
		c.PromotionThreshold = d.PromotionThreshold
	}
	if c.RememberedSetCap == 0 {
		c.RememberedSetCap = d.RememberedSetCap
	}
	if c.IncrementalStepWork == 0 {
		c.IncrementalStepWork = d.IncrementalStepWork
	}
	return c
}

// Stats accumulates lifetime collector counters, surfaced for diagnostics.
type Stats struct {
	FullCycles       uint64
	MinorCycles      uint64
	ObjectsReclaimed uint64
	BytesReclaimed   uint64
	Promotions       uint64
}

// RootSource supplies GC roots: a VM's operand stack or registers,
// globals, upvalues, and the constant pools of every chunk in its loaded
// image. A Heap
// traces every registered RootSource on every collection.
type RootSource interface {
	Roots(dst []value.Boxed64) []value.Boxed64
}

// Heap owns one generational object arena. A Heap is normally used from a
// single worker goroutine at a time (one VM per heap), but its bookkeeping
// is protected by a mutex because Release (via package object) can invoke
// Reclaim from whichever goroutine happens to drop the last reference to an
// object, which need not be the owning worker.
type Heap struct {
	mu sync.Mutex

	cfg Config

	head *object.Object

	bytesAllocated uint64
	nextGC         uint64
	youngGC        uint64

	youngCount, oldCount uint64
	youngBytes, oldBytes uint64

	phase       Phase
	gray        []*object.Object
	sweepCursor *object.Object
	sweepPrev   *object.Object

	remembered  *lru.Cache
	needsFullGC bool

	roots []RootSource

	stats Stats

	// freeMu guards freed, the queue of objects whose refcount hit zero
	// outside a collection. Reclaim only appends here; the unlink and
	// accounting happen under mu at the next drain point. A separate
	// mutex is required because Release can fire while mu is already
	// held -- the sweep itself releases children -- and mu is not
	// reentrant.
	freeMu sync.Mutex
	freed  []*object.Object
}

// New constructs an empty heap.
func New(cfg Config) *Heap {
	cfg = cfg.withDefaults()
	rc, err := lru.New(cfg.RememberedSetCap)
	if err != nil {
		// Only returns an error for a non-positive size, and withDefaults
		// guarantees RememberedSetCap > 0.
		panic(err)
	}
	return &Heap{
		cfg:        cfg,
		nextGC:     cfg.InitialNextGC,
		youngGC:    cfg.YoungGCThreshold,
		remembered: rc,
	}
}

// AddRootSource registers rs to be traced on every collection.
func (h *Heap) AddRootSource(rs RootSource) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.roots = append(h.roots, rs)
}

func (h *Heap) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}

func (h *Heap) BytesAllocated() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.bytesAllocated
}

func (h *Heap) Phase() Phase {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.phase
}

// approxSize estimates the bytes an object body occupies, for accounting
// purposes only; it need not be exact.
func approxSize(body object.Body) uint64 {
	switch b := body.(type) {
	case *object.StringBody:
		return 32 + uint64(len(b.Data))
	case *object.BytesBody:
		return 32 + uint64(len(b.Data))
	case *object.ArrayBody:
		return 32 + uint64(len(b.Items))*8
	case *object.MapBody:
		return 64 + uint64(b.Len())*48
	default:
		return 48
	}
}

// Alloc constructs a new young-generation object, running whatever
// collections are needed to make room for it:
//
//  1. if a prior write barrier overflow set NeedsFullGC, run a full
//     collection first;
//  2. if the young generation is over its byte budget, run a minor
//     collection;
//  3. if the projected total would exceed nextGC, run a full collection
//     and recompute nextGC from the post-collection size; otherwise the
//     threshold is left alone;
//  4. if the object still doesn't fit under MaxSize, run one more full
//     collection as a last resort;
//  5. if it still doesn't fit, fail with ErrOutOfMemory.
//
// On success the object is linked at the head of the intrusive object list
// and the byte/generation counters are updated.
func (h *Heap) Alloc(kind object.Kind, body object.Body) (*object.Object, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.drainReclaimsLocked()

	size := approxSize(body)

	if h.needsFullGC {
		h.collectFullLocked()
	}
	if h.youngBytes+size > h.youngGC {
		h.minorCollectLocked()
	}
	if h.bytesAllocated+size > h.nextGC {
		h.collectFullLocked()
	}
	if h.bytesAllocated+size > h.cfg.MaxSize {
		h.collectFullLocked()
	}
	if h.bytesAllocated+size > h.cfg.MaxSize {
		return nil, ErrOutOfMemory
	}

	o := object.New(kind, body, h)
	o.SetNext(h.head)
	h.head = o
	h.bytesAllocated += size
	h.youngBytes += size
	h.youngCount++
	return o, nil
}

// Reclaim is called by package object (via the Owner interface) once an
// object's refcount has dropped to zero and its children have already been
// released. It only enqueues: the releasing goroutine may be anyone holding
// the last reference -- including the sweep itself, which already holds mu
// when it releases a dead object's children -- so the unlink and accounting
// are deferred to the next drainReclaimsLocked point (the top of Alloc and
// of every collection, the end of every sweep).
func (h *Heap) Reclaim(o *object.Object) {
	h.freeMu.Lock()
	h.freed = append(h.freed, o)
	h.freeMu.Unlock()
}

// drainReclaimsLocked unlinks and accounts every object Reclaim queued
// since the last drain. Caller holds mu.
//
// Unlinking from the intrusive list is O(n); a production implementation
// would keep the list doubly linked to make this O(1), but objects are far
// more commonly reclaimed by the sweeper (which unlinks in its own walk)
// than by a refcount dropping to zero between collections, so the simpler
// singly linked representation is kept and this path pays the linear scan.
func (h *Heap) drainReclaimsLocked() {
	h.freeMu.Lock()
	pending := h.freed
	h.freed = nil
	h.freeMu.Unlock()
	for _, o := range pending {
		h.unlinkLocked(o)
		h.accountFreedLocked(o)
	}
}

func (h *Heap) unlinkLocked(o *object.Object) {
	if h.head == o {
		h.head = o.Next()
		return
	}
	for cur := h.head; cur != nil; cur = cur.Next() {
		if cur.Next() == o {
			cur.SetNext(o.Next())
			return
		}
	}
}

func (h *Heap) accountFreedLocked(o *object.Object) {
	size := approxSize(o.Body())
	h.bytesAllocated -= size
	if o.Old() {
		h.oldCount--
		h.oldBytes -= size
	} else {
		h.youngCount--
		h.youngBytes -= size
	}
	h.stats.ObjectsReclaimed++
	h.stats.BytesReclaimed += size
}

// WriteBarrier must be called whenever container already lives on this
// heap and a reference to newValue is about to be stored into it. If
// container is in the old generation and newValue is a young object,
// container itself (if not already remembered) is added to the remembered
// set, so a subsequent minor collection scans container's children --
// newValue among them -- as extra roots. Storing a
// non-object value, or storing into a young container, is a no-op.
func (h *Heap) WriteBarrier(container *object.Object, newValue value.Boxed64) {
	if container == nil || !container.Old() || !value.IsObject(newValue) {
		return
	}
	target := object.FromBoxed(newValue)
	if target.Old() {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rememberLocked(container)
}

func (h *Heap) rememberLocked(o *object.Object) {
	if o.Remembered() {
		return
	}
	if h.remembered.Len() >= h.cfg.RememberedSetCap {
		h.needsFullGC = true
		return
	}
	h.remembered.Add(o, struct{}{})
	o.SetRemembered(true)
}
