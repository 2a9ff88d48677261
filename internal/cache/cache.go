// Copyright 2018 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package cache implements the block cache shared by every table reader of
// one or more DBs.
package cache

import (
	"encoding/binary"
	"runtime"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

// Metrics holds metrics for the cache.
type Metrics struct {
	// The number of bytes inuse by the cache.
	Size int64
	// The count of blocks in the cache.
	Count int64
	// The number of cache hits.
	Hits int64
	// The number of cache misses.
	Misses int64
}

// Handle provides a strong reference to a block in the cache. The reference
// does not pin the block in the cache, but it does prevent the underlying
// byte slice from being reused.
type Handle struct {
	value *value
}

// Get returns the value stored in handle, or nil for an empty handle.
func (h Handle) Get() []byte {
	if h.value != nil {
		return h.value.buf
	}
	return nil
}

// Release releases the reference to the cache entry.
func (h Handle) Release() {
	if h.value != nil {
		h.value.release()
	}
}

// Cache is a sharded LRU cache of blocks. Blocks are keyed by an (id,
// fileNum, offset) triple. The id is a namespace for file numbers and allows
// a single Cache to be shared between multiple DBs. The fileNum and offset
// refer to a table file number and the offset of the block within the file.
// Because tables are immutable and file numbers are never reused,
// (fileNum,offset) are unique for the lifetime of a DB.
//
// In addition to maintaining a map from (fileNum,offset) to data, each shard
// maintains the list of cached blocks for each file, allowing all of a
// file's blocks to be evicted when the table is deleted.
type Cache struct {
	refs    atomic.Int64
	maxSize int64
	idAlloc atomic.Uint64
	shards  []shard
}

// New creates a new cache of the specified size. Memory for the cache is
// allocated on demand. The cache is created with a reference count of 1. Each
// DB it is associated with adds a reference, so the creator of the cache
// should usually release their reference after the DB is created.
//
//	c := cache.New(...)
//	defer c.Unref()
//	d, err := tide.Open(dir, &tide.Options{Cache: c})
func New(size int64) *Cache {
	m := 4 * runtime.GOMAXPROCS(0)
	const minimumShardSize = 4 << 20 // 4 MiB
	if m > 4 && size/int64(m) < minimumShardSize {
		m = 4
	}
	return NewWithShards(size, m)
}

// NewWithShards creates a new cache with the specified size and number of
// shards.
func NewWithShards(size int64, shards int) *Cache {
	if shards < 1 {
		shards = 1
	}
	c := &Cache{
		maxSize: size,
		shards:  make([]shard, shards),
	}
	c.refs.Store(1)
	c.idAlloc.Store(1)
	for i := range c.shards {
		c.shards[i].init(size / int64(len(c.shards)))
	}
	return c
}

// Ref adds a reference to the cache.
func (c *Cache) Ref() {
	if v := c.refs.Add(1); v <= 1 {
		panic("tide/cache: inconsistent reference count")
	}
}

// Unref releases a reference on the cache. Once the count drops to zero the
// cache drops every resident block.
func (c *Cache) Unref() {
	switch v := c.refs.Add(-1); {
	case v < 0:
		panic("tide/cache: inconsistent reference count")
	case v == 0:
		for i := range c.shards {
			s := &c.shards[i]
			s.mu.Lock()
			for s.head != nil {
				s.remove(s.head)
			}
			s.mu.Unlock()
		}
	}
}

func (c *Cache) getShard(id, fileNum, offset uint64) *shard {
	if id == 0 {
		panic("tide/cache: 0 cache ID is invalid")
	}
	var b [24]byte
	binary.LittleEndian.PutUint64(b[0:8], id)
	binary.LittleEndian.PutUint64(b[8:16], fileNum)
	binary.LittleEndian.PutUint64(b[16:24], offset)
	return &c.shards[xxhash.Sum64(b[:])%uint64(len(c.shards))]
}

// Get retrieves the cache value for the specified file and offset, returning
// an empty handle if no value is present.
func (c *Cache) Get(id, fileNum, offset uint64) Handle {
	return c.getShard(id, fileNum, offset).Get(id, fileNum, offset)
}

// Set sets the cache value for the specified file and offset, overwriting an
// existing value if present. A Handle is returned which provides faster
// retrieval of the cached value than Get. The caller must call
// Handle.Release when the handle is no longer needed.
func (c *Cache) Set(id, fileNum, offset uint64, value []byte) Handle {
	return c.getShard(id, fileNum, offset).Set(id, fileNum, offset, value)
}

// Delete deletes the cached value for the specified file and offset.
func (c *Cache) Delete(id, fileNum, offset uint64) {
	c.getShard(id, fileNum, offset).Delete(id, fileNum, offset)
}

// EvictFile evicts all of the cache values for the specified file. A file's
// blocks are spread over every shard, so every shard is visited.
func (c *Cache) EvictFile(id, fileNum uint64) {
	if id == 0 {
		panic("tide/cache: 0 cache ID is invalid")
	}
	for i := range c.shards {
		c.shards[i].EvictFile(id, fileNum)
	}
}

// MaxSize returns the max size of the cache.
func (c *Cache) MaxSize() int64 {
	return c.maxSize
}

// Size returns the current space used by the cache.
func (c *Cache) Size() int64 {
	var size int64
	for i := range c.shards {
		size += c.shards[i].Size()
	}
	return size
}

// Metrics returns the metrics for the cache.
func (c *Cache) Metrics() Metrics {
	var m Metrics
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.Lock()
		m.Count += s.count
		m.Size += s.size
		s.mu.Unlock()
		m.Hits += s.hits.Load()
		m.Misses += s.misses.Load()
	}
	return m
}

// NewID returns a new ID to be used as a namespace for cached file blocks.
func (c *Cache) NewID() uint64 {
	return c.idAlloc.Add(1) - 1
}
