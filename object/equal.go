// Copyright 2024 The ActorVM Authors
// This file is part of ActorVM.

package object

import "github.com/probeum/actorvm/value"

// DeepEqual implements structural equality between two Boxed64 values: for
// primitives it defers to value.Equal; for two object pointers it recurses
// into the bodies by kind rather than comparing identity. value.Equal
// itself only ever compares object pointers by identity, so DeepEqual is
// the structural counterpart used by the language's `==` on containers.
func DeepEqual(a, b value.Boxed64) bool {
	aObj, bObj := value.IsObject(a), value.IsObject(b)
	if !aObj && !bObj {
		return value.Equal(a, b)
	}
	if aObj != bObj {
		return false
	}
	oa, ob := FromBoxed(a), FromBoxed(b)
	if oa == ob {
		return true
	}
	if oa.Kind() != ob.Kind() {
		return false
	}
	switch oa.Kind() {
	case KindString:
		sa, sb := oa.Body().(*StringBody), ob.Body().(*StringBody)
		return string(sa.Data) == string(sb.Data)
	case KindBytes:
		ba, bb := oa.Body().(*BytesBody), ob.Body().(*BytesBody)
		return bytesEqual(ba.Data, bb.Data)
	case KindArray:
		aa, ab := oa.Body().(*ArrayBody), ob.Body().(*ArrayBody)
		if len(aa.Items) != len(ab.Items) {
			return false
		}
		for i := range aa.Items {
			if !DeepEqual(aa.Items[i], ab.Items[i]) {
				return false
			}
		}
		return true
	case KindMap:
		ma, mb := oa.Body().(*MapBody), ob.Body().(*MapBody)
		if ma.Len() != mb.Len() {
			return false
		}
		for _, k := range ma.Keys() {
			va, _ := ma.Get(k)
			vb, ok := mb.Get(k)
			if !ok || !DeepEqual(va, vb) {
				return false
			}
		}
		return true
	case KindStruct:
		sa, sb := oa.Body().(*StructBody), ob.Body().(*StructBody)
		if sa.TypeName != sb.TypeName || len(sa.Fields) != len(sb.Fields) {
			return false
		}
		for i := range sa.Fields {
			if !DeepEqual(sa.Fields[i], sb.Fields[i]) {
				return false
			}
		}
		return true
	case KindEnum:
		ea, eb := oa.Body().(*EnumBody), ob.Body().(*EnumBody)
		if ea.TypeName != eb.TypeName || ea.Variant != eb.Variant || ea.HasPayload != eb.HasPayload {
			return false
		}
		return !ea.HasPayload || DeepEqual(ea.Payload, eb.Payload)
	case KindOption:
		oa2, ob2 := oa.Body().(*OptionBody), ob.Body().(*OptionBody)
		if oa2.Some != ob2.Some {
			return false
		}
		return !oa2.Some || DeepEqual(oa2.Payload, ob2.Payload)
	case KindResult:
		ra, rb := oa.Body().(*ResultBody), ob.Body().(*ResultBody)
		if ra.Ok != rb.Ok {
			return false
		}
		return DeepEqual(ra.Payload, rb.Payload)
	default:
		// Function/Closure/Upvalue compare by identity only.
		return false
	}
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
