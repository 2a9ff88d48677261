// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package tide

import (
	"github.com/cockroachdb/errors"
	"github.com/tidedb/tide/internal/base"
)

// Snapshot provides a read-only point-in-time view of the DB state.
type Snapshot struct {
	// The db the snapshot was created from.
	db     *DB
	seqNum base.SeqNum

	// The list the snapshot is linked into.
	list *snapshotList

	// The next/prev link for the snapshotList doubly-linked list of snapshots.
	prev, next *Snapshot
}

// Get gets the value for the given key. It returns ErrNotFound if the Snapshot
// does not contain the key.
//
// The caller may modify the contents of the returned slice.
func (s *Snapshot) Get(key []byte) ([]byte, error) {
	if s.db == nil {
		panic(ErrClosed)
	}
	return s.db.getInternal(key, s)
}

// NewIter returns an iterator that is unpositioned (Iterator.Valid() will
// return false). The iterator can be positioned via a call to SeekGE,
// SeekLT, First or Last.
func (s *Snapshot) NewIter(o *IterOptions) *Iterator {
	if s.db == nil {
		panic(ErrClosed)
	}
	return s.db.newIterInternal(s, o)
}

// SeqNum returns the sequence number at which the snapshot was taken. The
// snapshot sees every write with a sequence number at or below it.
func (s *Snapshot) SeqNum() SeqNum {
	return s.seqNum
}

// Close closes the snapshot, releasing its resources. Close must be called.
// Failure to do so will result in a tiny memory leak and a large leak of
// resources on disk due to the entries the snapshot is preventing from being
// deleted.
func (s *Snapshot) Close() error {
	if s.db == nil {
		return errors.New("tide: snapshot already closed")
	}
	d := s.db
	d.mu.Lock()
	d.mu.snapshots.remove(s)
	d.mu.Unlock()
	s.db = nil
	return nil
}

type snapshotList struct {
	root Snapshot
}

func (l *snapshotList) init() {
	l.root.next = &l.root
	l.root.prev = &l.root
}

func (l *snapshotList) empty() bool {
	return l.root.next == &l.root
}

func (l *snapshotList) count() int {
	var count int
	for i := l.root.next; i != &l.root; i = i.next {
		count++
	}
	return count
}

// earliest returns the sequence number of the oldest snapshot, or
// SeqNumMax if there are none.
func (l *snapshotList) earliest() base.SeqNum {
	v := base.SeqNumMax
	if !l.empty() {
		v = l.root.next.seqNum
	}
	return v
}

// toSlice returns the snapshot sequence numbers in ascending order.
func (l *snapshotList) toSlice() []base.SeqNum {
	if l.empty() {
		return nil
	}
	var results []base.SeqNum
	for i := l.root.next; i != &l.root; i = i.next {
		results = append(results, i.seqNum)
	}
	return results
}

// pushBack appends s. Snapshots are created with non-decreasing sequence
// numbers, so the list stays sorted.
func (l *snapshotList) pushBack(s *Snapshot) {
	if s.list != nil || s.prev != nil || s.next != nil {
		panic("tide: snapshot list is inconsistent")
	}
	s.prev = l.root.prev
	s.prev.next = s
	s.next = &l.root
	s.next.prev = s
	s.list = l
}

func (l *snapshotList) remove(s *Snapshot) {
	if s == &l.root {
		panic("tide: cannot remove snapshot list root node")
	}
	if s.list != l {
		panic("tide: snapshot list is inconsistent")
	}
	s.prev.next = s.next
	s.next.prev = s.prev
	s.next = nil // avoid memory leaks
	s.prev = nil // avoid memory leaks
	s.list = nil // avoid memory leaks
}
