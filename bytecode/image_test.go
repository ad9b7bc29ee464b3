// Copyright 2024 The ActorVM Authors
// This file is part of ActorVM.

package bytecode

import "testing"

func TestLineForOutOfRange(t *testing.T) {
	c := &Chunk{Lines: []int{3, 3, 4}}
	if got := c.LineFor(1); got != 3 {
		t.Fatalf("LineFor(1) = %d, want 3", got)
	}
	if got := c.LineFor(-1); got != 0 {
		t.Fatalf("LineFor(-1) = %d, want 0", got)
	}
	if got := c.LineFor(99); got != 0 {
		t.Fatalf("LineFor(99) = %d, want 0", got)
	}
}

func TestICSlotStateMachine(t *testing.T) {
	var s ICSlot
	if _, ok := s.Lookup(0x100); ok {
		t.Fatal("uninitialized slot reported a hit")
	}

	s.Update(0x100, 3)
	if s.State != ICMonomorphic {
		t.Fatalf("state after first shape = %v, want monomorphic", s.State)
	}
	if b, ok := s.Lookup(0x100); !ok || b != 3 {
		t.Fatalf("Lookup(0x100) = %d,%v, want 3,true", b, ok)
	}

	// Re-resolving the same shape to a new bucket must not add an entry.
	s.Update(0x100, 5)
	if s.Count != 1 || s.State != ICMonomorphic {
		t.Fatalf("same-shape update grew the slot: count=%d state=%v", s.Count, s.State)
	}
	if b, _ := s.Lookup(0x100); b != 5 {
		t.Fatalf("same-shape update did not refresh the bucket: got %d", b)
	}

	s.Update(0x200, 1)
	if s.State != ICPolymorphic {
		t.Fatalf("state after second shape = %v, want polymorphic", s.State)
	}
	s.Update(0x300, 1)
	s.Update(0x400, 1)
	if s.State != ICPolymorphic || s.Count != ICMaxPolymorphic {
		t.Fatalf("slot at capacity: count=%d state=%v", s.Count, s.State)
	}

	// The next distinct shape tips the slot megamorphic; entries are gone
	// and further lookups always miss so callers use the shared tier.
	s.Update(0x500, 1)
	if s.State != ICMegamorphic {
		t.Fatalf("state after overflow = %v, want megamorphic", s.State)
	}
	if _, ok := s.Lookup(0x100); ok {
		t.Fatal("megamorphic slot still reports hits")
	}
	s.Update(0x600, 2)
	if s.Count != 0 {
		t.Fatal("megamorphic slot accepted a new entry")
	}
}

func TestFunctionAndStringLookups(t *testing.T) {
	f := &Chunk{Name: "f"}
	img := &Image{Main: &Chunk{}, Functions: []*Chunk{f}, Strings: []string{"x"}}

	if img.Function(0) != f {
		t.Fatal("Function(0) did not return the registered chunk")
	}
	if img.Function(1) != nil || img.Function(-1) != nil {
		t.Fatal("out-of-range Function lookup did not return nil")
	}
	if img.String(0) != "x" || img.String(5) != "" {
		t.Fatal("String lookup misbehaved")
	}
}
