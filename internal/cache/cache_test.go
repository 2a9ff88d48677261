// Copyright 2018 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package cache

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"
)

func TestCacheBasic(t *testing.T) {
	c := NewWithShards(100, 1)
	defer c.Unref()
	id := c.NewID()

	h := c.Get(id, 1, 0)
	require.Nil(t, h.Get())
	h.Release()

	h = c.Set(id, 1, 0, []byte("hello"))
	require.Equal(t, "hello", string(h.Get()))
	h.Release()

	h = c.Get(id, 1, 0)
	require.Equal(t, "hello", string(h.Get()))
	h.Release()

	m := c.Metrics()
	require.Equal(t, int64(1), m.Count)
	require.Equal(t, int64(5), m.Size)
	require.Equal(t, int64(1), m.Hits)
	require.Equal(t, int64(1), m.Misses)

	// Overwrite.
	c.Set(id, 1, 0, []byte("hi")).Release()
	require.Equal(t, int64(2), c.Size())
	h = c.Get(id, 1, 0)
	require.Equal(t, "hi", string(h.Get()))
	h.Release()

	c.Delete(id, 1, 0)
	require.Equal(t, int64(0), c.Size())
	require.Nil(t, c.Get(id, 1, 0).Get())
}

func TestCacheLRU(t *testing.T) {
	c := NewWithShards(30, 1)
	defer c.Unref()
	id := c.NewID()

	block := make([]byte, 10)
	for i := uint64(0); i < 3; i++ {
		c.Set(id, 1, i, block).Release()
	}
	require.Equal(t, int64(30), c.Size())

	// Touch offset 0 so that offset 1 becomes the least recently used.
	c.Get(id, 1, 0).Release()
	c.Set(id, 1, 3, block).Release()
	require.Equal(t, int64(30), c.Size())

	for _, off := range []uint64{0, 2, 3} {
		h := c.Get(id, 1, off)
		require.NotNil(t, h.Get(), "offset %d", off)
		h.Release()
	}
	require.Nil(t, c.Get(id, 1, 1).Get())
}

func TestCacheEvictedHandleStaysReadable(t *testing.T) {
	c := NewWithShards(10, 1)
	defer c.Unref()
	id := c.NewID()

	h := c.Set(id, 1, 0, []byte("0123456789"))
	c.Set(id, 1, 1, []byte("abcdefghij")).Release()
	require.Nil(t, c.Get(id, 1, 0).Get())
	require.Equal(t, "0123456789", string(h.Get()))
	h.Release()
}

func TestCacheOversizedValue(t *testing.T) {
	c := NewWithShards(4, 1)
	defer c.Unref()
	id := c.NewID()

	h := c.Set(id, 1, 0, []byte("too large"))
	require.Equal(t, "too large", string(h.Get()))
	h.Release()
	require.Equal(t, int64(0), c.Size())
}

func TestCacheEvictFile(t *testing.T) {
	c := NewWithShards(1<<20, 4)
	defer c.Unref()
	id := c.NewID()

	for fileNum := uint64(1); fileNum <= 3; fileNum++ {
		for off := uint64(0); off < 20; off++ {
			c.Set(id, fileNum, off, []byte(fmt.Sprint(fileNum, off))).Release()
		}
	}
	require.Equal(t, int64(60), c.Metrics().Count)

	c.EvictFile(id, 2)
	require.Equal(t, int64(40), c.Metrics().Count)
	for off := uint64(0); off < 20; off++ {
		require.Nil(t, c.Get(id, 2, off).Get())
		h := c.Get(id, 1, off)
		require.NotNil(t, h.Get())
		h.Release()
	}

	// Evicting a file with no cached blocks is a no-op.
	c.EvictFile(id, 9)
	require.Equal(t, int64(40), c.Metrics().Count)
}

func TestCacheIDNamespaces(t *testing.T) {
	c := NewWithShards(100, 2)
	defer c.Unref()
	id1, id2 := c.NewID(), c.NewID()
	require.NotEqual(t, id1, id2)

	c.Set(id1, 1, 0, []byte("a")).Release()
	require.Nil(t, c.Get(id2, 1, 0).Get())
	c.EvictFile(id2, 1)
	h := c.Get(id1, 1, 0)
	require.Equal(t, "a", string(h.Get()))
	h.Release()
}

func TestCacheZeroID(t *testing.T) {
	c := NewWithShards(100, 1)
	defer c.Unref()
	require.Panics(t, func() { c.Get(0, 1, 0) })
}

func TestCacheRefs(t *testing.T) {
	c := NewWithShards(100, 1)
	c.Ref()
	id := c.NewID()
	c.Set(id, 1, 0, []byte("x")).Release()
	c.Unref()
	require.Equal(t, int64(1), c.Size())
	c.Unref()
	require.Equal(t, int64(0), c.Size())
	require.Panics(t, c.Unref)
}

func TestCacheConcurrent(t *testing.T) {
	c := New(1 << 10)
	defer c.Unref()
	id := c.NewID()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(seed uint64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for j := 0; j < 1000; j++ {
				fileNum, off := uint64(rng.Intn(4)+1), uint64(rng.Intn(64))
				if rng.Intn(2) == 0 {
					c.Set(id, fileNum, off, make([]byte, 16)).Release()
				} else {
					h := c.Get(id, fileNum, off)
					if b := h.Get(); b != nil && len(b) != 16 {
						t.Errorf("unexpected value length %d", len(b))
					}
					h.Release()
				}
				if j%100 == 0 {
					c.EvictFile(id, fileNum)
				}
			}
		}(uint64(i))
	}
	wg.Wait()
	require.LessOrEqual(t, c.Size(), c.MaxSize())
}
