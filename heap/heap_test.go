// Copyright 2024 The ActorVM Authors
// This file is part of ActorVM.

package heap

import (
	"testing"

	"github.com/probeum/actorvm/object"
	"github.com/probeum/actorvm/value"
)

// sliceRoots is a RootSource backed by a plain slice, standing in for a
// VM's operand stack in tests.
type sliceRoots []value.Boxed64

func (s sliceRoots) Roots(dst []value.Boxed64) []value.Boxed64 {
	return append(dst, s...)
}

func TestFullGCReclaimsUnrootedReferenceCycle(t *testing.T) {
	h := New(DefaultConfig())

	a, err := h.NewArray()
	if err != nil {
		t.Fatalf("NewArray: %v", err)
	}
	b, err := h.NewArray()
	if err != nil {
		t.Fatalf("NewArray: %v", err)
	}
	// a -> b -> a: a genuine reference cycle refcounting alone can never
	// collect, since each object's refcount is kept at 1 by the other.
	h.ArrayPush(a, object.ToBoxed(b))
	h.ArrayPush(b, object.ToBoxed(a))

	var roots sliceRoots
	h.AddRootSource(&roots) // nothing roots a or b

	before := h.Stats().ObjectsReclaimed
	h.Collect()
	after := h.Stats().ObjectsReclaimed
	if after-before < 2 {
		t.Fatalf("cycle not collected: reclaimed %d objects, want at least 2", after-before)
	}
}

func TestAllocTriggersFullGCUnderPressure(t *testing.T) {
	h := New(Config{InitialNextGC: 64, GrowthFactor: 2, YoungGCThreshold: 1 << 30, MaxSize: 1 << 20})

	var roots sliceRoots
	h.AddRootSource(&roots)

	// Churn through many short-lived, unrooted strings; none of them are
	// reachable, so repeated allocation must keep reclaiming them via full
	// collections rather than ever hitting ErrOutOfMemory.
	for i := 0; i < 500; i++ {
		if _, err := h.Alloc(object.KindString, object.NewString("x")); err != nil {
			t.Fatalf("Alloc #%d: %v", i, err)
		}
	}
	if h.Stats().FullCycles == 0 {
		t.Fatal("allocation pressure never triggered a full collection")
	}
}

func TestPromotionAfterSurvivalThreshold(t *testing.T) {
	h := New(Config{PromotionThreshold: 2, YoungGCThreshold: 1 << 30, InitialNextGC: 1 << 30, MaxSize: 1 << 20})

	o, err := h.Alloc(object.KindString, object.NewString("x"))
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	roots := sliceRoots{object.ToBoxed(o)}
	h.AddRootSource(&roots)

	if o.Old() {
		t.Fatal("freshly allocated object should start in the young generation")
	}

	h.MinorCollect()
	if o.Old() {
		t.Fatal("object promoted after only one survived minor collection")
	}
	h.MinorCollect()
	if !o.Old() {
		t.Fatal("object not promoted after reaching PromotionThreshold survivals")
	}
}

func TestWriteBarrierRemembersOldToYoungReference(t *testing.T) {
	h := New(Config{PromotionThreshold: 1, YoungGCThreshold: 1 << 30, InitialNextGC: 1 << 30, MaxSize: 1 << 20})

	containerObj, err := h.Alloc(object.KindArray, &object.ArrayBody{})
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	var roots sliceRoots = sliceRoots{object.ToBoxed(containerObj)}
	h.AddRootSource(&roots)

	// Promote the container to old by surviving one minor collection.
	h.MinorCollect()
	if !containerObj.Old() {
		t.Fatal("container did not promote")
	}

	young, err := h.Alloc(object.KindString, object.NewString("young"))
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	// Drop the container from roots so the only live reference to `young`
	// after this point is the one about to be stored into the (old, now
	// unrooted-except-via-remembered-set) container.
	updated := h.ArrayPush(containerObj, object.ToBoxed(young))
	roots = sliceRoots{} // container itself no longer directly rooted

	if !updated.Remembered() {
		t.Fatal("old container holding a young reference was not remembered")
	}

	// A minor collection must keep `young` alive via the remembered set
	// even though no RootSource points at the container anymore.
	h.MinorCollect()
	if young.Refcount() <= 0 {
		t.Fatal("young object reachable only through the remembered set was reclaimed")
	}
}

func TestArrayPushCopyOnWriteUnderSharing(t *testing.T) {
	h := New(DefaultConfig())

	arr, err := h.NewArray()
	if err != nil {
		t.Fatalf("NewArray: %v", err)
	}
	arr.Retain() // second holder, forces the next mutation to clone

	pushed := h.ArrayPush(arr, value.EncodeInt(1))
	if pushed == arr {
		t.Fatal("ArrayPush mutated a shared array in place instead of cloning")
	}
	ab := arr.Body().(*object.ArrayBody)
	if len(ab.Items) != 0 {
		t.Fatal("original array mutated despite being shared")
	}
	pushedBody := pushed.Body().(*object.ArrayBody)
	if len(pushedBody.Items) != 1 || value.DecodeInt(pushedBody.Items[0]) != 1 {
		t.Fatal("cloned array does not contain the pushed value")
	}
}

func TestArrayPushMutatesInPlaceWhenExclusive(t *testing.T) {
	h := New(DefaultConfig())

	arr, err := h.NewArray()
	if err != nil {
		t.Fatalf("NewArray: %v", err)
	}
	pushed := h.ArrayPush(arr, value.EncodeInt(7))
	if pushed != arr {
		t.Fatal("ArrayPush cloned an exclusively held array")
	}
}
