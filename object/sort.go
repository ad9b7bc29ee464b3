// Copyright 2024 The ActorVM Authors
// This file is part of ActorVM.

package object

import (
	"sort"

	"github.com/probeum/actorvm/value"
)

// Comparator orders two values, returning <0, 0, >0 like cmp.Compare. The
// default comparator (used by Sort) orders numbers by value and strings
// lexicographically, and treats values it cannot order as incomparable
// (always `a < b` is false and `b < a` is false, i.e. they sort stable
// amongst themselves).
type Comparator func(a, b value.Boxed64) int

// DefaultComparator orders numeric Boxed64 values by value and strings
// (object pointers to StringBody) lexicographically.
func DefaultComparator(a, b value.Boxed64) int {
	an, aIsNum := numericValue(a)
	bn, bIsNum := numericValue(b)
	if aIsNum && bIsNum {
		switch {
		case an < bn:
			return -1
		case an > bn:
			return 1
		default:
			return 0
		}
	}
	as, aIsStr := stringValue(a)
	bs, bIsStr := stringValue(b)
	if aIsStr && bIsStr {
		switch {
		case as < bs:
			return -1
		case as > bs:
			return 1
		default:
			return 0
		}
	}
	return 0
}

func numericValue(b value.Boxed64) (float64, bool) {
	switch {
	case value.IsDouble(b):
		return value.DecodeDouble(b), true
	case value.IsInt(b):
		return float64(value.DecodeInt(b)), true
	default:
		return 0, false
	}
}

func stringValue(b value.Boxed64) (string, bool) {
	if !value.IsObject(b) {
		return "", false
	}
	o := FromBoxed(b)
	if o.Kind() != KindString {
		return "", false
	}
	return o.Body().(*StringBody).String(), true
}

// Sort orders a.Items in place using cmp (DefaultComparator when nil). The
// caller (the heap's COW wrapper) is responsible for ensuring a is
// exclusively held before calling Sort; Sort itself never allocates or
// clones.
func Sort(a *ArrayBody, cmp Comparator) {
	if cmp == nil {
		cmp = DefaultComparator
	}
	sort.SliceStable(a.Items, func(i, j int) bool {
		return cmp(a.Items[i], a.Items[j]) < 0
	})
}
