// Copyright 2024 The ActorVM Authors
// This file is part of ActorVM.

// Package ic backs the inline-cache megamorphic fallback path: once a
// MAP_GET_IC slot has cycled through enough distinct shapes to go
// megamorphic, per-slot monomorphic/polymorphic entries stop being worth
// tracking, but a process-wide shape->bucket memoization still pays for
// itself for hot megamorphic call sites shared across many chunks. That
// memoization is backed by fastcache, a fixed-capacity, concurrency-safe
// byte cache.
package ic

import (
	"encoding/binary"

	"github.com/VictoriaMetrics/fastcache"
)

// Cache memoizes (shapeID, key) -> bucket index for megamorphic call
// sites. It never needs explicit eviction policy of its own; fastcache's
// built-in fixed-capacity ring handles that, matching the "read-heavy,
// fixed-capacity" niche fastcache is built for.
type Cache struct {
	c *fastcache.Cache
}

// New creates a cache sized maxBytes (fastcache rounds up internally to
// its bucket granularity).
func New(maxBytes int) *Cache {
	return &Cache{c: fastcache.New(maxBytes)}
}

func cacheKey(shapeID uintptr, key string) []byte {
	buf := make([]byte, 8+len(key))
	binary.LittleEndian.PutUint64(buf, uint64(shapeID))
	copy(buf[8:], key)
	return buf
}

// Lookup returns the remembered bucket index for (shapeID, key), if any.
func (c *Cache) Lookup(shapeID uintptr, key string) (int, bool) {
	buf, ok := c.c.HasGet(nil, cacheKey(shapeID, key))
	if !ok || len(buf) != 8 {
		return 0, false
	}
	return int(binary.LittleEndian.Uint64(buf)), true
}

// Remember stores the bucket index a (shapeID, key) pair last resolved to.
func (c *Cache) Remember(shapeID uintptr, key string, bucket int) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(bucket))
	c.c.Set(cacheKey(shapeID, key), buf[:])
}
