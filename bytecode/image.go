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

// Package bytecode defines the loadable-unit format both interpreters
// execute: a main chunk, an indexed table of function chunks, and a shared
// string table. It is produced by the compiler/parser, which is out of
// scope for this module; this package only defines the shape
// the VMs consume.
package bytecode

import "github.com/probeum/actorvm/value"

// ICState is the state of one inline-cache slot (ICSlot) on a chunk, which
// MAP_GET_IC consults before
// falling back to a normal hash lookup. State machine: Uninitialized ->
// Monomorphic -> Polymorphic(<=K) -> Megamorphic.
type ICState uint8

const (
	ICUninitialized ICState = iota
	ICMonomorphic
	ICPolymorphic
	ICMegamorphic
)

// ICMaxPolymorphic bounds how many distinct shapes a
// slot remembers before going megamorphic.
const ICMaxPolymorphic = 4

// ICEntry records one cached {shape, bucket} pair.
type ICEntry struct {
	ShapeID     uintptr
	BucketIndex int
}

// ICSlot is one element of a chunk's inline-cache vector.
type ICSlot struct {
	State   ICState
	Entries [ICMaxPolymorphic]ICEntry
	Count   int
}

// Lookup returns the bucket index this slot remembers for shapeID, if any.
// A megamorphic slot never hits: the caller is expected to fall through to
// its shared megamorphic tier (or plain hashing) instead.
func (s *ICSlot) Lookup(shapeID uintptr) (int, bool) {
	if s.State == ICMegamorphic {
		return 0, false
	}
	for i := 0; i < s.Count; i++ {
		if s.Entries[i].ShapeID == shapeID {
			return s.Entries[i].BucketIndex, true
		}
	}
	return 0, false
}

// Update records that shapeID last resolved to bucket, advancing the state
// machine: Uninitialized -> Monomorphic on the first shape, Polymorphic
// while distinct shapes still fit, Megamorphic (entries discarded) once a
// new distinct shape arrives with all ICMaxPolymorphic entries in use.
func (s *ICSlot) Update(shapeID uintptr, bucket int) {
	if s.State == ICMegamorphic {
		return
	}
	for i := 0; i < s.Count; i++ {
		if s.Entries[i].ShapeID == shapeID {
			s.Entries[i].BucketIndex = bucket
			return
		}
	}
	if s.Count == ICMaxPolymorphic {
		s.State = ICMegamorphic
		s.Count = 0
		return
	}
	s.Entries[s.Count] = ICEntry{ShapeID: shapeID, BucketIndex: bucket}
	s.Count++
	if s.Count == 1 {
		s.State = ICMonomorphic
	} else {
		s.State = ICPolymorphic
	}
}

// Chunk is a single compiled code body: either the main chunk or one
// function chunk, addressable by index from Image.Functions.
type Chunk struct {
	// Code is the instruction stream: a variable-width byte stream for the
	// stack VM, or a stream of 32-bit words (4 bytes each) for the register
	// VM. Which encoding applies is a property of which VM loads the Image.
	Code []byte
	// Constants is the chunk's constant pool; Objects here are retained for
	// the chunk's lifetime and are GC roots while the chunk is live.
	Constants []value.Boxed64
	// Lines maps a Code offset (byte offset for the stack VM's variable
	// width stream, word index for the register VM) to the source line the
	// instruction at that offset came from. Offsets with no entry report
	// line 0.
	Lines []int

	// NumRegs, NumParams, and NumUpvalues are register-VM metadata; unused
	// by the stack VM.
	NumRegs     int
	NumParams   int
	NumUpvalues int
	ICSlots     []ICSlot

	Name string
}

// LineFor returns the source line recorded for instruction index ip, or 0
// if ip is out of range.
func (c *Chunk) LineFor(ip int) int {
	if ip < 0 || ip >= len(c.Lines) {
		return 0
	}
	return c.Lines[ip]
}

// Image is one loadable compiled unit: a main chunk plus every function
// chunk and string it references, consumed by either VM.
type Image struct {
	Main      *Chunk
	Functions []*Chunk
	Strings   []string
}

// Function returns the function chunk at ix, or nil if out of range.
func (img *Image) Function(ix int) *Chunk {
	if ix < 0 || ix >= len(img.Functions) {
		return nil
	}
	return img.Functions[ix]
}

// String returns the string-table entry at ix, or "" if out of range.
func (img *Image) String(ix int) string {
	if ix < 0 || ix >= len(img.Strings) {
		return ""
	}
	return img.Strings[ix]
}
