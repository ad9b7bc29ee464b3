// Copyright 2024 The ActorVM Authors
// This file is part of ActorVM.

package object

import "github.com/probeum/actorvm/value"

// StringBody holds an immutable UTF-8 string, never mutated in place. The
// heap's allocator does not intern strings: equal strings may be distinct
// objects.
type StringBody struct {
	Data []byte
}

func (s *StringBody) Children(dst []value.Boxed64) []value.Boxed64 { return dst }

func NewString(s string) *StringBody { return &StringBody{Data: []byte(s)} }

func (s *StringBody) String() string { return string(s.Data) }

// BytesBody holds a byte buffer (the payload of binary/bytes values).
// Unlike Array/Map it has no copy-on-write mutator: no heap operation or
// opcode changes its contents after allocation.
type BytesBody struct {
	Data []byte
}

func (b *BytesBody) Children(dst []value.Boxed64) []value.Boxed64 { return dst }

// ArrayBody holds a contiguous, copy-on-write, growable sequence of values.
type ArrayBody struct {
	Items []value.Boxed64
}

func (a *ArrayBody) Children(dst []value.Boxed64) []value.Boxed64 {
	return append(dst, a.Items...)
}

func (a *ArrayBody) Clone() *ArrayBody {
	items := make([]value.Boxed64, len(a.Items))
	copy(items, a.Items)
	return &ArrayBody{Items: items}
}

// mapEntry is one link of a MapBody bucket chain.
type mapEntry struct {
	key   string
	value value.Boxed64
	next  *mapEntry
}

// MapBody is a chained-bucket hash table keyed by string, sized and resized
// to keep the load factor (size/len(buckets)) under mapMaxLoadFactor. Bucket
// indices are exposed so inline caches can remember where a key last lived.
type MapBody struct {
	buckets []*mapEntry
	size    int
}

const (
	mapInitialBuckets = 8
	mapMaxLoadFactor  = 0.75
)

func NewMap() *MapBody {
	return &MapBody{buckets: make([]*mapEntry, mapInitialBuckets)}
}

func (m *MapBody) Children(dst []value.Boxed64) []value.Boxed64 {
	for _, head := range m.buckets {
		for e := head; e != nil; e = e.next {
			dst = append(dst, e.value)
		}
	}
	return dst
}

func (m *MapBody) Len() int { return m.size }

func hashKey(key string) uint64 {
	// FNV-1a, 64-bit.
	var h uint64 = 14695981039346656037
	for i := 0; i < len(key); i++ {
		h ^= uint64(key[i])
		h *= 1099511628211
	}
	return h
}

// BucketIndex returns the bucket a key currently hashes to, for inline
// cache bookkeeping (a cached index is valid only until the next resize).
func (m *MapBody) BucketIndex(key string) int {
	return int(hashKey(key) % uint64(len(m.buckets)))
}

// GetAtBucket looks up key starting directly at bucket idx, skipping the
// hash computation -- the fast path an inline cache (package ic) uses once
// it has remembered which bucket a (shape, key) pair resolved to last
// time. idx is only valid until the next resize; a miss here always falls
// back to Get, which recomputes the bucket from scratch.
func (m *MapBody) GetAtBucket(idx int, key string) (value.Boxed64, bool) {
	if idx < 0 || idx >= len(m.buckets) {
		return 0, false
	}
	for e := m.buckets[idx]; e != nil; e = e.next {
		if e.key == key {
			return e.value, true
		}
	}
	return 0, false
}

func (m *MapBody) Get(key string) (value.Boxed64, bool) {
	idx := m.BucketIndex(key)
	for e := m.buckets[idx]; e != nil; e = e.next {
		if e.key == key {
			return e.value, true
		}
	}
	return 0, false
}

func (m *MapBody) Set(key string, v value.Boxed64) {
	idx := m.BucketIndex(key)
	for e := m.buckets[idx]; e != nil; e = e.next {
		if e.key == key {
			e.value = v
			return
		}
	}
	m.buckets[idx] = &mapEntry{key: key, value: v, next: m.buckets[idx]}
	m.size++
	if float64(m.size)/float64(len(m.buckets)) > mapMaxLoadFactor {
		m.grow()
	}
}

func (m *MapBody) Remove(key string) bool {
	idx := m.BucketIndex(key)
	var prev *mapEntry
	for e := m.buckets[idx]; e != nil; e = e.next {
		if e.key == key {
			if prev == nil {
				m.buckets[idx] = e.next
			} else {
				prev.next = e.next
			}
			m.size--
			return true
		}
		prev = e
	}
	return false
}

func (m *MapBody) grow() {
	old := m.buckets
	m.buckets = make([]*mapEntry, len(old)*2)
	for _, head := range old {
		for e := head; e != nil; {
			next := e.next
			idx := m.BucketIndex(e.key)
			e.next = m.buckets[idx]
			m.buckets[idx] = e
			e = next
		}
	}
}

// Clone deep-copies the bucket structure (but not the Boxed64 values, which
// are copied by value as they already are scalars/pointers).
func (m *MapBody) Clone() *MapBody {
	clone := &MapBody{buckets: make([]*mapEntry, len(m.buckets)), size: m.size}
	for i, head := range m.buckets {
		var newHead, tail *mapEntry
		for e := head; e != nil; e = e.next {
			n := &mapEntry{key: e.key, value: e.value}
			if tail == nil {
				newHead = n
			} else {
				tail.next = n
			}
			tail = n
		}
		clone.buckets[i] = newHead
	}
	return clone
}

// Keys returns every key in unspecified order, for iteration/deep_equal.
func (m *MapBody) Keys() []string {
	keys := make([]string, 0, m.size)
	for _, head := range m.buckets {
		for e := head; e != nil; e = e.next {
			keys = append(keys, e.key)
		}
	}
	return keys
}

// FunctionBody is compiled-function metadata: nothing about a function
// changes after it is loaded, so it carries no copy-on-write semantics.
type FunctionBody struct {
	Name         string
	Arity        int
	ChunkIndex   int
	UpvalueCount int
	Parent       *Object // enclosing function, or nil for a top-level function
}

func (f *FunctionBody) Children(dst []value.Boxed64) []value.Boxed64 {
	if f.Parent != nil {
		dst = append(dst, ToBoxed(f.Parent))
	}
	return dst
}

// ClosureBody pairs a FunctionBody with the Upvalue objects it captured at
// creation time.
type ClosureBody struct {
	Func     *Object
	Upvalues []*Object
}

func (c *ClosureBody) Children(dst []value.Boxed64) []value.Boxed64 {
	dst = append(dst, ToBoxed(c.Func))
	for _, uv := range c.Upvalues {
		dst = append(dst, ToBoxed(uv))
	}
	return dst
}

// UpvalueBody is either open (Location points into a live VM stack slot) or
// closed (the stack frame that owned Location has returned, and Closed
// holds the final value). ListNext chains open upvalues in the VM's
// per-stack open-upvalue list, sorted by descending stack address; it is
// unrelated to the heap's own intrusive object list.
type UpvalueBody struct {
	Location *value.Boxed64
	Closed   value.Boxed64
	ListNext *Object
}

func (u *UpvalueBody) Children(dst []value.Boxed64) []value.Boxed64 {
	if u.Location == nil {
		dst = append(dst, u.Closed)
	}
	return dst
}

func (u *UpvalueBody) IsOpen() bool { return u.Location != nil }

func (u *UpvalueBody) Get() value.Boxed64 {
	if u.Location != nil {
		return *u.Location
	}
	return u.Closed
}

func (u *UpvalueBody) Set(v value.Boxed64) {
	if u.Location != nil {
		*u.Location = v
		return
	}
	u.Closed = v
}

// Close captures the current stack value and detaches from the stack slot.
// The copy is a new reference to whatever object the slot held, so the
// refcount is bumped here rather than at every close site.
func (u *UpvalueBody) Close() {
	if u.Location != nil {
		u.Closed = *u.Location
		if value.IsObject(u.Closed) {
			FromBoxed(u.Closed).Retain()
		}
		u.Location = nil
	}
}

// ResultBody is the payload of a Result<Ok, Err> value: Ok selects which of
// the two slots Payload holds.
type ResultBody struct {
	Ok      bool
	Payload value.Boxed64
}

func (r *ResultBody) Children(dst []value.Boxed64) []value.Boxed64 {
	return append(dst, r.Payload)
}

// OptionBody is the payload of an Option<T> value.
type OptionBody struct {
	Some    bool
	Payload value.Boxed64
}

func (o *OptionBody) Children(dst []value.Boxed64) []value.Boxed64 {
	if o.Some {
		dst = append(dst, o.Payload)
	}
	return dst
}

// StructBody is a fixed-shape record: field order is determined by the
// struct's compiled type definition, not stored per-instance.
type StructBody struct {
	TypeName string
	Fields   []value.Boxed64
}

func (s *StructBody) Children(dst []value.Boxed64) []value.Boxed64 {
	return append(dst, s.Fields...)
}

func (s *StructBody) Clone() *StructBody {
	fields := make([]value.Boxed64, len(s.Fields))
	copy(fields, s.Fields)
	return &StructBody{TypeName: s.TypeName, Fields: fields}
}

// EnumBody is a tagged-union value: a variant name plus an optional payload.
type EnumBody struct {
	TypeName   string
	Variant    string
	HasPayload bool
	Payload    value.Boxed64
}

func (e *EnumBody) Children(dst []value.Boxed64) []value.Boxed64 {
	if e.HasPayload {
		dst = append(dst, e.Payload)
	}
	return dst
}
