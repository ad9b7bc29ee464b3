// Copyright 2024 The ActorVM Authors
// This file is part of ActorVM.

package object

import "unsafe"

// objectToPointer and pointerToObject are the single point of unsafe
// conversion between *Object and unsafe.Pointer, isolated here so the
// NaN-boxing trick in package value never needs to import package object
// (which would cycle, since object imports value for Boxed64).
func objectToPointer(o *Object) unsafe.Pointer { return unsafe.Pointer(o) }

func pointerToObject(p unsafe.Pointer) *Object { return (*Object)(p) }
