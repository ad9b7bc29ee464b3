// Copyright 2024 The ActorVM Authors
// This file is part of ActorVM.

package object

import (
	"testing"

	"github.com/probeum/actorvm/value"
)

type noopOwner struct{ reclaimed int }

func (o *noopOwner) Reclaim(*Object) { o.reclaimed++ }

func TestRetainReleaseLifecycle(t *testing.T) {
	owner := &noopOwner{}
	o := New(KindString, NewString("hi"), owner)
	if o.Refcount() != 1 {
		t.Fatalf("new object refcount = %d, want 1", o.Refcount())
	}
	if _, ok := o.Retain(); !ok {
		t.Fatal("retain on live object failed")
	}
	if o.Refcount() != 2 {
		t.Fatalf("refcount after retain = %d, want 2", o.Refcount())
	}
	o.Release()
	if o.Refcount() != 1 {
		t.Fatalf("refcount after one release = %d, want 1", o.Refcount())
	}
	o.Release()
	if owner.reclaimed != 1 {
		t.Fatalf("owner.Reclaim called %d times, want 1", owner.reclaimed)
	}
	if _, ok := o.Retain(); ok {
		t.Fatal("retain succeeded on a freed object")
	}
}

func TestReleaseReleasesChildren(t *testing.T) {
	childOwner := &noopOwner{}
	child := New(KindString, NewString("child"), childOwner)

	arr := &ArrayBody{Items: []value.Boxed64{ToBoxed(child)}}
	parentOwner := &noopOwner{}
	parent := New(KindArray, arr, parentOwner)

	parent.Release()
	if childOwner.reclaimed != 1 {
		t.Fatalf("child not reclaimed when parent released: reclaimed=%d", childOwner.reclaimed)
	}
}

func TestMapSetGetRemove(t *testing.T) {
	m := NewMap()
	m.Set("a", value.EncodeInt(1))
	m.Set("b", value.EncodeInt(2))
	if v, ok := m.Get("a"); !ok || value.DecodeInt(v) != 1 {
		t.Fatalf("Get(a) = %v, %v", v, ok)
	}
	if m.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", m.Len())
	}
	if !m.Remove("a") {
		t.Fatal("Remove(a) reported false")
	}
	if _, ok := m.Get("a"); ok {
		t.Fatal("a still present after remove")
	}
}

func TestMapGrowPreservesEntries(t *testing.T) {
	m := NewMap()
	for i := 0; i < 100; i++ {
		m.Set(string(rune('a'+i%26))+string(rune(i)), value.EncodeInt(int64(i)))
	}
	if m.Len() != 100 {
		t.Fatalf("Len() = %d, want 100 after growth", m.Len())
	}
}

func TestDeepEqualArray(t *testing.T) {
	o1 := &noopOwner{}
	o2 := &noopOwner{}
	s1 := New(KindString, NewString("x"), o1)
	s2 := New(KindString, NewString("x"), o2)

	a := New(KindArray, &ArrayBody{Items: []value.Boxed64{value.EncodeInt(1), ToBoxed(s1)}}, &noopOwner{})
	b := New(KindArray, &ArrayBody{Items: []value.Boxed64{value.EncodeInt(1), ToBoxed(s2)}}, &noopOwner{})

	if !DeepEqual(ToBoxed(a), ToBoxed(b)) {
		t.Fatal("structurally identical arrays compared unequal")
	}
	if value.Equal(ToBoxed(a), ToBoxed(b)) {
		t.Fatal("distinct array objects compared equal by identity")
	}
}

func TestSortDefaultComparator(t *testing.T) {
	a := &ArrayBody{Items: []value.Boxed64{
		value.EncodeInt(3), value.EncodeInt(1), value.EncodeInt(2),
	}}
	Sort(a, nil)
	want := []int64{1, 2, 3}
	for i, w := range want {
		if got := value.DecodeInt(a.Items[i]); got != w {
			t.Fatalf("Items[%d] = %d, want %d", i, got, w)
		}
	}
}

func TestUpvalueOpenCloseRoundTrip(t *testing.T) {
	slot := value.EncodeInt(42)
	uv := &UpvalueBody{Location: &slot}
	if !uv.IsOpen() {
		t.Fatal("upvalue should start open")
	}
	if got := value.DecodeInt(uv.Get()); got != 42 {
		t.Fatalf("Get() = %d, want 42", got)
	}
	uv.Set(value.EncodeInt(99))
	if got := value.DecodeInt(slot); got != 99 {
		t.Fatalf("write through open upvalue did not reach stack slot: %d", got)
	}
	uv.Close()
	if uv.IsOpen() {
		t.Fatal("upvalue should be closed")
	}
	if got := value.DecodeInt(uv.Get()); got != 99 {
		t.Fatalf("closed Get() = %d, want 99", got)
	}
}
