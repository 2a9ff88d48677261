// Copyright 2018 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package cache

import (
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/swiss"
)

func fibonacciHash(k *key, seed uintptr) uintptr {
	const m = 11400714819323198485
	h := uint64(seed)
	h ^= uint64(k.id) * m
	h ^= uint64(k.fileNum) * m
	h ^= k.offset * m
	return uintptr(h)
}

func fileHash(k *fileKey, seed uintptr) uintptr {
	const m = 11400714819323198485
	h := uint64(seed)
	h ^= k.id * m
	h ^= k.fileNum * m
	return uintptr(h)
}

// shard is an independently locked LRU. The recency list is circular: head
// is the most recently used entry and head.lruLink.prev the least.
type shard struct {
	hits   atomic.Int64
	misses atomic.Int64

	mu      sync.Mutex
	maxSize int64
	size    int64
	count   int64
	head    *entry
	blocks  swiss.Map[key, *entry]
	files   swiss.Map[fileKey, *entry]
}

func (s *shard) init(maxSize int64) {
	s.maxSize = maxSize
	s.blocks.Init(16, swiss.WithHash[key, *entry](fibonacciHash))
	s.files.Init(16, swiss.WithHash[fileKey, *entry](fileHash))
}

func (s *shard) Get(id, fileNum, offset uint64) Handle {
	k := key{fileKey{id, fileNum}, offset}
	s.mu.Lock()
	e, ok := s.blocks.Get(k)
	if !ok {
		s.mu.Unlock()
		s.misses.Add(1)
		return Handle{}
	}
	s.moveToFront(e)
	e.val.acquire()
	v := e.val
	s.mu.Unlock()
	s.hits.Add(1)
	return Handle{value: v}
}

func (s *shard) Set(id, fileNum, offset uint64, b []byte) Handle {
	k := key{fileKey{id, fileNum}, offset}
	v := newValue(b)

	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.blocks.Get(k); ok {
		old := e.val
		s.size += int64(len(b)) - e.size
		e.val, e.size = v, int64(len(b))
		old.release()
		s.moveToFront(e)
	} else {
		e := newEntry(k, v)
		s.blocks.Put(k, e)
		if fh, ok := s.files.Get(k.fileKey); ok {
			fh.linkFile(e)
		} else {
			s.files.Put(k.fileKey, e)
		}
		s.pushFront(e)
		s.size += e.size
		s.count++
	}
	s.evict()
	return Handle{value: v}
}

func (s *shard) Delete(id, fileNum, offset uint64) {
	k := key{fileKey{id, fileNum}, offset}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.blocks.Get(k); ok {
		s.remove(e)
	}
}

// EvictFile removes every block of the file. Blocks pinned by outstanding
// handles remain readable until those handles are released.
func (s *shard) EvictFile(id, fileNum uint64) {
	fk := fileKey{id, fileNum}
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		e, ok := s.files.Get(fk)
		if !ok {
			return
		}
		s.remove(e)
	}
}

func (s *shard) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

func (s *shard) pushFront(e *entry) {
	if s.head != nil {
		s.head.linkLRU(e)
	}
	s.head = e
}

func (s *shard) moveToFront(e *entry) {
	if s.head == e {
		return
	}
	s.unlinkLRU(e)
	s.pushFront(e)
}

func (s *shard) unlinkLRU(e *entry) {
	if s.head == e {
		if e.lruLink.next == e {
			s.head = nil
		} else {
			s.head = e.lruLink.next
		}
	}
	e.unlinkLRU()
}

func (s *shard) remove(e *entry) {
	s.unlinkLRU(e)
	if fh, _ := s.files.Get(e.key.fileKey); fh == e {
		if e.fileLink.next == e {
			s.files.Delete(e.key.fileKey)
		} else {
			s.files.Put(e.key.fileKey, e.fileLink.next)
		}
	}
	e.unlinkFile()
	s.blocks.Delete(e.key)
	s.size -= e.size
	s.count--
	e.val.release()
}

func (s *shard) evict() {
	for s.size > s.maxSize && s.head != nil {
		s.remove(s.head.lruLink.prev)
	}
}
