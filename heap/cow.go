// Copyright 2024 The ActorVM Authors
// This file is part of ActorVM.

package heap

import (
	"errors"

	"github.com/probeum/actorvm/object"
	"github.com/probeum/actorvm/value"
)

// ErrIndexOutOfBounds is returned by Array operations given an out-of-range
// index.
var ErrIndexOutOfBounds = errors.New("heap: array index out of bounds")

// Mutating operations take ownership of the value reference they store: a
// caller duplicating the value out of a slot it keeps must retain it
// first; a caller handing over its own slot's reference passes it through
// unchanged.

// cowArray returns an ArrayBody safe for the caller to mutate in place: the
// object itself if it is exclusively held, or a freshly allocated clone
// otherwise. When cloning, one reference's worth of ownership moves from
// container to the clone (container.Release, clone starts at refcount 1),
// matching copy-on-write's "transfer a reference to the new owner"
// contract. The returned *object.Object is always the one the caller should
// keep referring to the array as.
func (h *Heap) cowArray(container *object.Object) (*object.Object, *object.ArrayBody) {
	ab := container.Body().(*object.ArrayBody)
	if container.Exclusive() {
		return container, ab
	}
	clone := ab.Clone()
	newObj, err := h.Alloc(object.KindArray, clone)
	if err != nil {
		// Allocation failure during a COW clone is indistinguishable from
		// any other allocation failure; callers surface it as OOM.
		return container, ab
	}
	for _, item := range clone.Items {
		if value.IsObject(item) {
			object.FromBoxed(item).Retain()
		}
	}
	container.Release()
	return newObj, clone
}

func (h *Heap) cowMap(container *object.Object) (*object.Object, *object.MapBody) {
	mb := container.Body().(*object.MapBody)
	if container.Exclusive() {
		return container, mb
	}
	clone := mb.Clone()
	newObj, err := h.Alloc(object.KindMap, clone)
	if err != nil {
		return container, mb
	}
	for _, k := range clone.Keys() {
		v, _ := clone.Get(k)
		if value.IsObject(v) {
			object.FromBoxed(v).Retain()
		}
	}
	container.Release()
	return newObj, clone
}

// NewArray allocates an empty array object.
func (h *Heap) NewArray() (*object.Object, error) {
	return h.Alloc(object.KindArray, &object.ArrayBody{})
}

// NewMap allocates an empty map object.
func (h *Heap) NewMap() (*object.Object, error) {
	return h.Alloc(object.KindMap, object.NewMap())
}

// ArrayPush appends v to container, cloning on write if the array is
// shared, and returns the (possibly new) array object.
func (h *Heap) ArrayPush(container *object.Object, v value.Boxed64) *object.Object {
	result, ab := h.cowArray(container)
	h.WriteBarrier(result, v)
	ab.Items = append(ab.Items, v)
	return result
}

// ArrayPop removes and returns the last element. ok is false on an empty
// array (container is returned unchanged).
func (h *Heap) ArrayPop(container *object.Object) (*object.Object, value.Boxed64, bool) {
	ab := container.Body().(*object.ArrayBody)
	if len(ab.Items) == 0 {
		return container, 0, false
	}
	result, rab := h.cowArray(container)
	n := len(rab.Items) - 1
	v := rab.Items[n]
	rab.Items = rab.Items[:n]
	return result, v, true
}

// ArraySet overwrites index i, cloning on write if shared.
func (h *Heap) ArraySet(container *object.Object, i int, v value.Boxed64) (*object.Object, error) {
	ab := container.Body().(*object.ArrayBody)
	if i < 0 || i >= len(ab.Items) {
		return container, ErrIndexOutOfBounds
	}
	result, rab := h.cowArray(container)
	h.WriteBarrier(result, v)
	rab.Items[i] = v
	return result, nil
}

// ArrayInsert inserts v at index i, shifting subsequent elements right.
func (h *Heap) ArrayInsert(container *object.Object, i int, v value.Boxed64) (*object.Object, error) {
	ab := container.Body().(*object.ArrayBody)
	if i < 0 || i > len(ab.Items) {
		return container, ErrIndexOutOfBounds
	}
	result, rab := h.cowArray(container)
	h.WriteBarrier(result, v)
	rab.Items = append(rab.Items, 0)
	copy(rab.Items[i+1:], rab.Items[i:])
	rab.Items[i] = v
	return result, nil
}

// ArrayRemove deletes the element at index i, shifting subsequent elements
// left, and returns the removed value.
func (h *Heap) ArrayRemove(container *object.Object, i int) (*object.Object, value.Boxed64, error) {
	ab := container.Body().(*object.ArrayBody)
	if i < 0 || i >= len(ab.Items) {
		return container, 0, ErrIndexOutOfBounds
	}
	result, rab := h.cowArray(container)
	v := rab.Items[i]
	rab.Items = append(rab.Items[:i], rab.Items[i+1:]...)
	return result, v, nil
}

// ArrayClear empties the array.
func (h *Heap) ArrayClear(container *object.Object) *object.Object {
	ab := container.Body().(*object.ArrayBody)
	if len(ab.Items) == 0 {
		return container
	}
	result, rab := h.cowArray(container)
	rab.Items = rab.Items[:0]
	return result
}

// ArrayReverse reverses the array in place (after any necessary clone).
func (h *Heap) ArrayReverse(container *object.Object) *object.Object {
	result, ab := h.cowArray(container)
	for i, j := 0, len(ab.Items)-1; i < j; i, j = i+1, j-1 {
		ab.Items[i], ab.Items[j] = ab.Items[j], ab.Items[i]
	}
	return result
}

// ArraySort orders the array using cmp (object.DefaultComparator if nil).
func (h *Heap) ArraySort(container *object.Object, cmp object.Comparator) *object.Object {
	result, ab := h.cowArray(container)
	object.Sort(ab, cmp)
	return result
}

// ArraySortBy is an alias for ArraySort taking an explicit comparator; it
// exists as a distinct entry point so bytecode can distinguish "sort with
// default ordering" (SORT) from "sort with a supplied comparator function"
// (SORT_BY) at the opcode level while sharing this implementation.
func (h *Heap) ArraySortBy(container *object.Object, cmp object.Comparator) *object.Object {
	return h.ArraySort(container, cmp)
}

// MapSet stores key -> v, cloning on write if shared.
func (h *Heap) MapSet(container *object.Object, key string, v value.Boxed64) *object.Object {
	result, mb := h.cowMap(container)
	h.WriteBarrier(result, v)
	mb.Set(key, v)
	return result
}

// MapRemove deletes key, returning the removed value if present.
func (h *Heap) MapRemove(container *object.Object, key string) (*object.Object, value.Boxed64, bool) {
	mb := container.Body().(*object.MapBody)
	old, present := mb.Get(key)
	if !present {
		return container, 0, false
	}
	result, rmb := h.cowMap(container)
	rmb.Remove(key)
	return result, old, true
}
