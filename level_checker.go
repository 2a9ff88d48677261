// Copyright 2019 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package tide

import (
	"github.com/cockroachdb/errors"
	"github.com/tidedb/tide/internal/base"
)

// This file implements DB.CheckLevels() which checks that every entry in the
// DB is consistent with respect to the level invariant: an entry has a higher
// sequence number than every entry for the same user key at a lower level (an
// older memtable, or a deeper level). Level 0 tables count as a single level,
// since Repair may leave them in any sequence number order. This is an
// expensive check since it iterates over all the entries in the DB, hence
// only intended for tests or tools.

// simpleMergingIter is a mergingIter stripped down to First and Next. It
// remembers which level each entry came from so that inversions can be
// reported.
type simpleMergingIter struct {
	levels []internalIterator
	// depths[i] is the depth of levels[i] in the LSM. Iterators sharing a
	// depth may interleave sequence numbers freely.
	depths   []int
	snapshot base.SeqNum
	heap     mergingIterHeap
	// The last point's key and depth. For validation.
	lastKey   InternalKey
	lastDepth int
	// The first error will cause step() to return false.
	err       error
	numPoints int64
}

func (m *simpleMergingIter) init(
	cmp Compare, snapshot base.SeqNum, levels []internalIterator, depths []int,
) {
	m.levels = levels
	m.depths = depths
	m.snapshot = snapshot
	m.lastDepth = -1
	m.heap.cmp = cmp
	m.heap.items = make([]mergingIterItem, 0, len(levels))
	for i, iter := range m.levels {
		iter.First()
		if iter.Valid() {
			m.heap.items = append(m.heap.items, mergingIterItem{
				index: i,
				key:   iter.Key(),
			})
		} else if err := iter.Error(); err != nil {
			m.err = err
		}
	}
	m.heap.init()
}

// step checks the entry at the top of the heap and advances past it. It
// returns false once the levels are exhausted or an inversion is found.
func (m *simpleMergingIter) step() bool {
	if m.heap.len() == 0 || m.err != nil {
		return false
	}
	item := &m.heap.items[0]
	if item.key.Visible(m.snapshot) {
		m.numPoints++
		depth := m.depths[item.index]
		if m.lastDepth >= 0 && m.heap.cmp(item.key.UserKey, m.lastKey.UserKey) == 0 {
			// Entries for one user key arrive in decreasing sequence number
			// order, so the depth they come from must not move up.
			if m.lastDepth > depth {
				m.err = base.CorruptionErrorf("tide: found %s at depth %d and %s at depth %d",
					item.key, errors.Safe(depth), m.lastKey, errors.Safe(m.lastDepth))
				return false
			}
		} else {
			m.lastKey.UserKey = append(m.lastKey.UserKey[:0], item.key.UserKey...)
		}
		m.lastKey.Trailer = item.key.Trailer
		m.lastDepth = depth
	}

	iter := m.levels[item.index]
	if iter.Next() {
		item.key = iter.Key()
		if m.heap.len() > 1 {
			m.heap.fix(0)
		}
	} else {
		m.err = iter.Error()
		m.heap.pop()
	}
	return m.err == nil && m.heap.len() > 0
}

// CheckLevelsStats provides basic stats on points found by CheckLevels.
type CheckLevelsStats struct {
	NumPoints int64
}

// CheckLevels checks that every entry in the DB is consistent with the
// level invariant. See the comment at the top of the file.
func (d *DB) CheckLevels(stats *CheckLevelsStats) (err error) {
	readState := d.loadReadState()
	defer readState.unref()
	seqNum := d.mu.versions.visibleSeqNum.Load()

	var levels []internalIterator
	var depths []int
	defer func() {
		for _, iter := range levels {
			err = firstError(err, iter.Close())
		}
	}()

	// Add memtables from newest to oldest.
	memtables := readState.memtables
	depth := 0
	for i := len(memtables) - 1; i >= 0; i-- {
		levels = append(levels, memtables[i].newIter())
		depths = append(depths, depth)
		depth++
	}

	current := readState.current
	for _, f := range current.Files[0] {
		iter, err := d.newIters(f)
		if err != nil {
			return err
		}
		levels = append(levels, iter)
		depths = append(depths, depth)
	}
	depth++

	for level := 1; level < len(current.Files); level++ {
		if len(current.Files[level]) == 0 {
			continue
		}
		levels = append(levels, newLevelIter(d.cmp, d.newIters, current.Files[level]))
		depths = append(depths, depth)
		depth++
	}

	var m simpleMergingIter
	m.init(d.cmp, seqNum, levels, depths)
	for m.step() {
	}
	if m.err != nil {
		return m.err
	}
	if stats != nil {
		stats.NumPoints = m.numPoints
	}
	return nil
}
