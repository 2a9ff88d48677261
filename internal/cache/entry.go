// Copyright 2018 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package cache

import "sync/atomic"

type fileKey struct {
	// id is the namespace for fileNums.
	id      uint64
	fileNum uint64
}

type key struct {
	fileKey
	offset uint64
}

type value struct {
	buf []byte
	// The number of references on the value. The cache holds one reference
	// while the value is resident and every outstanding Handle holds another.
	refs atomic.Int32
}

func newValue(b []byte) *value {
	v := &value{buf: b}
	// One reference for the cache, and one for the handle that will be
	// returned.
	v.refs.Store(2)
	return v
}

func (v *value) acquire() {
	v.refs.Add(1)
}

func (v *value) release() bool {
	n := v.refs.Add(-1)
	if n < 0 {
		panic("tide/cache: inconsistent reference count")
	}
	return n == 0
}

// entry is a resident block. Entries are linked into two circular lists: the
// shard's recency list (most recently used at the head) and the list of
// entries belonging to the same file.
type entry struct {
	key      key
	val      *value
	size     int64
	lruLink  link
	fileLink link
}

type link struct {
	next *entry
	prev *entry
}

func newEntry(k key, v *value) *entry {
	e := &entry{key: k, val: v, size: int64(len(v.buf))}
	e.lruLink.next, e.lruLink.prev = e, e
	e.fileLink.next, e.fileLink.prev = e, e
	return e
}

// linkLRU inserts e after s in the recency list.
func (e *entry) linkLRU(s *entry) {
	s.lruLink.prev = e.lruLink.prev
	s.lruLink.prev.lruLink.next = s
	s.lruLink.next = e
	s.lruLink.next.lruLink.prev = s
}

func (e *entry) unlinkLRU() *entry {
	next := e.lruLink.next
	e.lruLink.prev.lruLink.next = e.lruLink.next
	e.lruLink.next.lruLink.prev = e.lruLink.prev
	e.lruLink.prev, e.lruLink.next = e, e
	return next
}

func (e *entry) linkFile(s *entry) {
	s.fileLink.prev = e.fileLink.prev
	s.fileLink.prev.fileLink.next = s
	s.fileLink.next = e
	s.fileLink.next.fileLink.prev = s
}

func (e *entry) unlinkFile() *entry {
	next := e.fileLink.next
	e.fileLink.prev.fileLink.next = e.fileLink.next
	e.fileLink.next.fileLink.prev = e.fileLink.prev
	e.fileLink.prev, e.fileLink.next = e, e
	return next
}
