// Copyright 2018 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package tide

import (
	"bytes"
	"fmt"

	"github.com/tidedb/tide/internal/base"
)

// mergingIter provides a merged view of multiple iterators from different
// levels of the LSM.
//
// The input's key ranges may overlap, but there are assumed to be no duplicate
// keys: if iters[i] contains a key k then iters[j] will not contain that key k.
// This holds because every internal key carries a unique sequence number.
type mergingIter struct {
	dir   int
	iters []internalIterator
	heap  mergingIterHeap
	err   error
}

// mergingIter implements the internalIterator interface.
var _ internalIterator = (*mergingIter)(nil)

// newMergingIter returns an iterator that merges its input. Walking the
// resultant iterator will return all key/value pairs of all input iterators
// in strictly increasing key order, as defined by cmp.
//
// None of the iters may be nil.
func newMergingIter(cmp Compare, iters ...internalIterator) *mergingIter {
	m := &mergingIter{}
	m.init(cmp, iters...)
	return m
}

func (m *mergingIter) init(cmp Compare, iters ...internalIterator) {
	m.iters = iters
	m.heap.cmp = cmp
	m.heap.items = make([]mergingIterItem, 0, len(iters))
	m.dir = 1
}

func (m *mergingIter) initHeap() {
	m.heap.items = m.heap.items[:0]
	for i, t := range m.iters {
		if t.Valid() {
			m.heap.items = append(m.heap.items, mergingIterItem{
				index: i,
				key:   t.Key(),
			})
		} else if err := t.Error(); err != nil && m.err == nil {
			m.err = err
		}
	}
	m.heap.init()
}

func (m *mergingIter) initMinHeap() {
	m.dir = 1
	m.heap.reverse = false
	m.initHeap()
}

func (m *mergingIter) initMaxHeap() {
	m.dir = -1
	m.heap.reverse = true
	m.initHeap()
}

// switchToMinHeap repositions every child iterator at the first entry after
// the current key and switches to forward iteration. Consider the scenario
// where we have 2 iterators being merged (user-key:seq-num):
//
//	i1:     *a:2     b:2
//	i2: a:1      b:1
//
// The current key is a:2 and i2 is pointed at a:1. When we switch to forward
// iteration, we want to return a key that is greater than a:2.
func (m *mergingIter) switchToMinHeap() {
	if m.heap.len() == 0 {
		m.First()
		return
	}

	key := m.heap.items[0].key
	cur := m.iters[m.heap.items[0].index]
	cmp := m.heap.cmp

	for _, i := range m.iters {
		if i == cur {
			continue
		}
		// Entries of key.UserKey that are newer than key sort before it, so
		// seek to the user key and step over them.
		i.SeekGE(key.UserKey)
		for i.Valid() && base.InternalCompare(cmp, i.Key(), key) <= 0 {
			i.Next()
		}
	}

	// Special handling for the current iterator because we were using its key
	// above.
	cur.Next()
	m.initMinHeap()
}

// switchToMaxHeap repositions every child iterator at the last entry before
// the current key and switches to reverse iteration.
func (m *mergingIter) switchToMaxHeap() {
	if m.heap.len() == 0 {
		m.Last()
		return
	}

	key := m.heap.items[0].key
	cur := m.iters[m.heap.items[0].index]
	cmp := m.heap.cmp

	for _, i := range m.iters {
		if i == cur {
			continue
		}
		i.SeekGE(key.UserKey)
		if !i.Valid() {
			if i.Error() != nil {
				continue
			}
			i.Last()
		}
		for i.Valid() && base.InternalCompare(cmp, i.Key(), key) >= 0 {
			i.Prev()
		}
	}

	cur.Prev()
	m.initMaxHeap()
}

func (m *mergingIter) SeekGE(key []byte) {
	m.err = nil
	for _, t := range m.iters {
		t.SeekGE(key)
	}
	m.initMinHeap()
}

func (m *mergingIter) SeekLT(key []byte) {
	m.err = nil
	for _, t := range m.iters {
		t.SeekLT(key)
	}
	m.initMaxHeap()
}

func (m *mergingIter) First() {
	m.err = nil
	for _, t := range m.iters {
		t.First()
	}
	m.initMinHeap()
}

func (m *mergingIter) Last() {
	m.err = nil
	for _, t := range m.iters {
		t.Last()
	}
	m.initMaxHeap()
}

func (m *mergingIter) Next() bool {
	if m.err != nil {
		return false
	}

	if m.dir != 1 {
		m.switchToMinHeap()
		return m.Valid()
	}

	if m.heap.len() == 0 {
		return false
	}

	item := &m.heap.items[0]
	iter := m.iters[item.index]
	if iter.Next() {
		item.key = iter.Key()
		m.heap.fix(0)
		return true
	}

	m.err = iter.Error()
	if m.err != nil {
		return false
	}

	m.heap.pop()
	return m.heap.len() > 0
}

func (m *mergingIter) Prev() bool {
	if m.err != nil {
		return false
	}

	if m.dir != -1 {
		m.switchToMaxHeap()
		return m.Valid()
	}

	if m.heap.len() == 0 {
		return false
	}

	item := &m.heap.items[0]
	iter := m.iters[item.index]
	if iter.Prev() {
		item.key = iter.Key()
		m.heap.fix(0)
		return true
	}

	m.err = iter.Error()
	if m.err != nil {
		return false
	}

	m.heap.pop()
	return m.heap.len() > 0
}

func (m *mergingIter) Key() InternalKey {
	if m.heap.len() == 0 || m.err != nil {
		return base.InvalidInternalKey
	}
	return m.heap.items[0].key
}

func (m *mergingIter) Value() []byte {
	if m.heap.len() == 0 || m.err != nil {
		return nil
	}
	return m.iters[m.heap.items[0].index].Value()
}

func (m *mergingIter) Valid() bool {
	return m.heap.len() > 0 && m.err == nil
}

func (m *mergingIter) Error() error {
	if m.heap.len() == 0 || m.err != nil {
		return m.err
	}
	return m.iters[m.heap.items[0].index].Error()
}

func (m *mergingIter) Close() error {
	for _, iter := range m.iters {
		if err := iter.Close(); err != nil && m.err == nil {
			m.err = err
		}
	}
	m.iters = nil
	m.heap.items = nil
	return m.err
}

func (m *mergingIter) String() string {
	return "merging"
}

// DebugString returns the keys at the heads of the child iterators, in heap
// order.
func (m *mergingIter) DebugString() string {
	var buf bytes.Buffer
	sep := ""
	for m.heap.len() > 0 {
		item := m.heap.pop()
		fmt.Fprintf(&buf, "%s%s:%d", sep, item.key.UserKey, item.key.SeqNum())
		sep = " "
	}
	if m.dir == 1 {
		m.initMinHeap()
	} else {
		m.initMaxHeap()
	}
	return buf.String()
}
