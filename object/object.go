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

// Package object implements the heap object header and the type-specific
// bodies (String, Array, Map, Bytes, Function, Closure, Upvalue, Result,
// Option, Struct, Enum) that a tagged Boxed64 object pointer denotes.
//
// Every Object is shared by atomic refcount: Retain/Release implement the
// claim-to-free CAS protocol described by the heap and garbage collector
// design - a release that would drop the count to zero CASes a distinguished
// `freeing` sentinel into the field, and whichever caller wins that race is
// the sole deallocator. A losing Retain (observing 0 or the sentinel) fails
// rather than resurrecting a dying object.
package object

import (
	"sync/atomic"

	"github.com/probeum/actorvm/value"
)

// Kind is the closed set of heap object variants. Every Object has exactly
// one Kind for its lifetime; dispatch over Kind is a type switch, never open
// polymorphism.
type Kind uint8

const (
	KindString Kind = iota
	KindArray
	KindMap
	KindBytes
	KindFunction
	KindClosure
	KindUpvalue
	KindResult
	KindOption
	KindStruct
	KindEnum
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindArray:
		return "array"
	case KindMap:
		return "map"
	case KindBytes:
		return "bytes"
	case KindFunction:
		return "function"
	case KindClosure:
		return "closure"
	case KindUpvalue:
		return "upvalue"
	case KindResult:
		return "result"
	case KindOption:
		return "option"
	case KindStruct:
		return "struct"
	case KindEnum:
		return "enum"
	default:
		return "unknown"
	}
}

// GC state bits packed into Object.gcState. The nibble in bits 4-7 is the
// young-generation survival counter (0-15); bits 0-3 are flags.
const (
	FlagMark       uint8 = 1 << 0
	FlagRemembered uint8 = 1 << 1
	FlagOld        uint8 = 1 << 2
	survivalShift        = 4
)

// freeing is a refcount value no legitimate reference count can reach; it
// marks an object as claimed for deallocation.
const freeing int32 = -1

// Owner is implemented by the Heap that allocated an Object. Release calls
// it once the object's refcount reaches zero, so the heap can unlink the
// object from its intrusive list and adjust its byte/generation counters.
// The Objects the body references are released before Reclaim is called;
// Reclaim itself does not tear down the body.
type Owner interface {
	Reclaim(o *Object)
}

// Body is implemented by every type-specific object body. Children reports
// every Boxed64 the body directly references, for GC marking; bodies with
// no references (String, Bytes) return dst unchanged.
type Body interface {
	Children(dst []value.Boxed64) []value.Boxed64
}

// Object is a heap-allocated value: a header (kind, refcount, GC state, the
// intrusive next-pointer used by its owning heap's object list) plus a
// type-specific Body.
type Object struct {
	refcount atomic.Int32
	gcState  uint8
	kind     Kind
	next     *Object
	owner    Owner
	body     Body
}

// New constructs an Object with refcount 1 and gcState 0 (young, unmarked,
// survival 0), per the allocation lifecycle. It does not link the object
// into any heap; callers (normally Heap.Alloc) do that.
func New(kind Kind, body Body, owner Owner) *Object {
	o := &Object{kind: kind, body: body, owner: owner}
	o.refcount.Store(1)
	return o
}

func (o *Object) Kind() Kind         { return o.kind }
func (o *Object) Body() Body         { return o.body }
func (o *Object) Next() *Object      { return o.next }
func (o *Object) SetNext(n *Object)  { o.next = n }
func (o *Object) GCState() uint8     { return o.gcState }
func (o *Object) SetGCState(s uint8) { o.gcState = s }
func (o *Object) Refcount() int32    { return o.refcount.Load() }

func (o *Object) Marked() bool         { return o.gcState&FlagMark != 0 }
func (o *Object) SetMarked(v bool)     { o.setFlag(FlagMark, v) }
func (o *Object) Remembered() bool     { return o.gcState&FlagRemembered != 0 }
func (o *Object) SetRemembered(v bool) { o.setFlag(FlagRemembered, v) }
func (o *Object) Old() bool            { return o.gcState&FlagOld != 0 }
func (o *Object) SetOld(v bool)        { o.setFlag(FlagOld, v) }

func (o *Object) setFlag(f uint8, v bool) {
	if v {
		o.gcState |= f
	} else {
		o.gcState &^= f
	}
}

// Survival returns the young-generation survival counter (0-15).
func (o *Object) Survival() uint8 { return o.gcState >> survivalShift }

// IncSurvival bumps the survival counter by one, saturating at 15.
func (o *Object) IncSurvival() {
	s := o.Survival()
	if s == 15 {
		return
	}
	o.gcState = (o.gcState &^ (0xF << survivalShift)) | ((s + 1) << survivalShift)
}

// Exclusive reports whether this object has exactly one live reference,
// i.e. whether a mutating operation may update its body in place instead of
// cloning it (copy-on-write).
func (o *Object) Exclusive() bool { return o.refcount.Load() == 1 }

// Retain increments the refcount and returns the object, unless it is
// already zero or claimed for freeing, in which case it returns (nil,
// false) rather than resurrecting a dying object.
func (o *Object) Retain() (*Object, bool) {
	for {
		cur := o.refcount.Load()
		if cur <= 0 {
			return nil, false
		}
		if o.refcount.CompareAndSwap(cur, cur+1) {
			return o, true
		}
	}
}

// Release decrements the refcount. If this is the last reference, it claims
// the `freeing` sentinel, recursively releases every Object the body
// references, and hands the object to its owning heap for reclamation.
func (o *Object) Release() {
	for {
		cur := o.refcount.Load()
		if cur <= 0 {
			// Already freed or being freed by someone else; nothing to do.
			return
		}
		if cur == 1 {
			if !o.refcount.CompareAndSwap(1, freeing) {
				continue // someone retained concurrently; re-read and retry
			}
			o.teardown()
			return
		}
		if o.refcount.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

// ForceClaim atomically claims the object for reclamation regardless of its
// current refcount, succeeding unless it is already claimed (freeing) or
// already freed. It exists for the tracing collector's sweep phase: tracing
// unreachability is authoritative evidence of garbage even when the
// object's own refcount is nonzero, which is exactly the case for a
// reference cycle no holder outside the cycle points to - plain
// refcounting can never bring such a cycle's count to zero, since its
// members keep each other alive. A sweep that finds an object unmarked
// after a full trace may therefore reclaim it outright; the CAS still
// guards against racing a concurrent claim of the same object.
func (o *Object) ForceClaim() bool {
	for {
		cur := o.refcount.Load()
		if cur < 0 {
			return false
		}
		if o.refcount.CompareAndSwap(cur, freeing) {
			return true
		}
	}
}

// teardown releases every Object this body references and notifies the
// owning heap that the object may be unlinked and its memory reclaimed.
func (o *Object) teardown() {
	for _, child := range o.body.Children(nil) {
		if value.IsObject(child) {
			FromBoxed(child).Release()
		}
	}
	if o.owner != nil {
		o.owner.Reclaim(o)
	}
}

// ToBoxed tags o as a Boxed64 object pointer.
func ToBoxed(o *Object) value.Boxed64 {
	return value.EncodeObj(objectToPointer(o))
}

// FromBoxed recovers the Object pointer tagged into b. Precondition:
// value.IsObject(b).
func FromBoxed(b value.Boxed64) *Object {
	return pointerToObject(value.DecodeObj(b))
}
