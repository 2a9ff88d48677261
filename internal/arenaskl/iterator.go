/*
 * Copyright 2017 Dgraph Labs, Inc. and Contributors
 * Modifications copyright (C) 2017 Andy Kimball and Contributors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package arenaskl

import (
	"sync"

	"github.com/tidedb/tide/internal/base"
)

type splice struct {
	prev *node
	next *node
}

func (s *splice) init(prev, next *node) {
	s.prev = prev
	s.next = next
}

// Iterator is an iterator over the skiplist object. Use Skiplist.NewIter
// to construct an iterator. The current state of the iterator can be cloned by
// simply value copying the struct. All iterator methods are thread-safe.
type Iterator struct {
	list *Skiplist
	nd   *node
	key  base.InternalKey
}

// Iterator implements the base.InternalIterator interface.
var _ base.InternalIterator = (*Iterator)(nil)

var iterPool = sync.Pool{
	New: func() interface{} {
		return &Iterator{}
	},
}

// Close resets the iterator.
func (it *Iterator) Close() error {
	if it.list == nil {
		return nil
	}
	*it = Iterator{}
	iterPool.Put(it)
	return nil
}

func (it *Iterator) String() string {
	return "memtable"
}

// Error returns any accumulated error.
func (it *Iterator) Error() error {
	return nil
}

// SeekGE moves the iterator to the first entry whose user key is greater than
// or equal to the given key.
func (it *Iterator) SeekGE(key []byte) {
	_, it.nd = it.seekForBaseSplice(key)
	if it.nd == it.list.tail {
		return
	}
	it.decodeKey()
}

// SeekLT moves the iterator to the last entry whose user key is less than the
// given key.
func (it *Iterator) SeekLT(key []byte) {
	it.nd, _ = it.seekForBaseSplice(key)
	if it.nd == it.list.head {
		return
	}
	it.decodeKey()
}

// First seeks position at the first entry in list.
func (it *Iterator) First() {
	it.nd = it.list.getNext(it.list.head, 0)
	if it.nd == it.list.tail {
		return
	}
	it.decodeKey()
}

// Last seeks position at the last entry in list.
func (it *Iterator) Last() {
	it.nd = it.list.getPrev(it.list.tail, 0)
	if it.nd == it.list.head {
		return
	}
	it.decodeKey()
}

// Next advances to the next position. Returns whether the iterator is
// positioned at a valid entry.
func (it *Iterator) Next() bool {
	it.nd = it.list.getNext(it.nd, 0)
	if it.nd == it.list.tail {
		return false
	}
	it.decodeKey()
	return true
}

// Prev moves to the previous position. Returns whether the iterator is
// positioned at a valid entry.
func (it *Iterator) Prev() bool {
	it.nd = it.list.getPrev(it.nd, 0)
	if it.nd == it.list.head {
		return false
	}
	it.decodeKey()
	return true
}

// Key returns the key at the current position.
func (it *Iterator) Key() base.InternalKey {
	return it.key
}

// Value returns the value at the current position.
func (it *Iterator) Value() []byte {
	return it.nd.getValue(it.list.arena)
}

// Valid returns true iff the iterator is positioned at a valid node.
func (it *Iterator) Valid() bool {
	return it.list != nil && it.nd != nil && it.nd != it.list.head && it.nd != it.list.tail
}

func (it *Iterator) decodeKey() {
	it.key.UserKey = it.list.arena.getBytes(it.nd.keyOffset, it.nd.keySize)
	it.key.Trailer = it.nd.keyTrailer
}

func (it *Iterator) seekForBaseSplice(key []byte) (prev, next *node) {
	prev = it.list.head
	for level := int(it.list.Height() - 1); level >= 0; level-- {
		// Search this level for the key.
		prevLevelNext := next
		for {
			// Assume prev.key < key.
			next = it.list.getNext(prev, level)

			// Before performing a key comparison, check if the next pointer
			// equals prevLevelNext. If no node with a key >= key reaches this
			// level, the splice's next pointer is the same as the level
			// above's, and a pointer comparison is much cheaper than a key
			// comparison.
			if next == prevLevelNext {
				break
			}
			if next == it.list.tail {
				// Tail node, so done.
				break
			}

			offset, size := next.keyOffset, next.keySize
			nextKey := it.list.arena.buf[offset : offset+size]
			cmp := it.list.cmp(key, nextKey)
			if cmp <= 0 {
				// We are done for this level, since prev.key < key <= next.key.
				break
			}

			// Keep moving right on this level.
			prev = next
		}
	}

	return prev, next
}
