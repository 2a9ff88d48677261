// Copyright 2011 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package sstable

import (
	"fmt"

	"github.com/tidedb/tide/internal/base"
)

// Iterator iterates over an entire table of data. It is a two-level iterator:
// to seek for a given key, it first looks in the index for the block that
// contains that key, and then looks inside that block.
type Iterator struct {
	reader    *Reader
	index     blockIter
	data      blockIter
	err       error
	closeHook func(i *Iterator) error
}

// Iterator implements the base.InternalIterator interface.
var _ base.InternalIterator = (*Iterator)(nil)

// SetCloseHook sets a function that will be called when the iterator is
// closed.
func (i *Iterator) SetCloseHook(fn func(i *Iterator) error) {
	i.closeHook = fn
}

// loadBlock loads the block at the current index position and leaves i.data
// unpositioned. Returns false if the index is exhausted or the block could
// not be loaded.
func (i *Iterator) loadBlock() bool {
	if !i.index.Valid() {
		return false
	}
	bh, n := decodeBlockHandle(i.index.Value())
	if n == 0 || n != len(i.index.Value()) {
		i.err = base.CorruptionErrorf("tide/table: invalid table %s (corrupt index entry)", i.reader.fileNum)
		return false
	}
	h, err := i.reader.readBlock(bh)
	if err != nil {
		i.err = err
		return false
	}
	if err := i.data.initHandle(i.reader.comparer.Compare, h, false); err != nil {
		i.err = err
		return false
	}
	return true
}

func (i *Iterator) invalidateData() {
	i.data.offset = -1
	i.data.restarts = 0
}

// skipForward advances past empty data blocks until a valid entry is found or
// the index is exhausted.
func (i *Iterator) skipForward() {
	for !i.data.Valid() {
		if err := i.data.Error(); err != nil {
			i.err = err
			return
		}
		if !i.index.Next() || !i.loadBlock() {
			i.invalidateData()
			return
		}
		i.data.First()
	}
}

// skipBackward moves back past empty data blocks until a valid entry is found
// or the index is exhausted.
func (i *Iterator) skipBackward() {
	for !i.data.Valid() {
		if err := i.data.Error(); err != nil {
			i.err = err
			return
		}
		if !i.index.Prev() || !i.loadBlock() {
			i.invalidateData()
			return
		}
		i.data.Last()
	}
}

// SeekGE implements InternalIterator.SeekGE, as documented in the
// internal/base package.
func (i *Iterator) SeekGE(key []byte) {
	if i.err != nil {
		return
	}
	i.index.SeekGE(key)
	if !i.loadBlock() {
		i.invalidateData()
		return
	}
	i.data.SeekGE(key)
	i.skipForward()
}

// SeekLT implements InternalIterator.SeekLT, as documented in the
// internal/base package.
func (i *Iterator) SeekLT(key []byte) {
	if i.err != nil {
		return
	}
	// The first block whose separator is >= key is the last block that may
	// hold entries < key.
	i.index.SeekGE(key)
	if !i.index.Valid() {
		i.index.Last()
	}
	if !i.loadBlock() {
		i.invalidateData()
		return
	}
	i.data.SeekLT(key)
	i.skipBackward()
}

// First implements InternalIterator.First, as documented in the internal/base
// package.
func (i *Iterator) First() {
	if i.err != nil {
		return
	}
	i.index.First()
	if !i.loadBlock() {
		i.invalidateData()
		return
	}
	i.data.First()
	i.skipForward()
}

// Last implements InternalIterator.Last, as documented in the internal/base
// package.
func (i *Iterator) Last() {
	if i.err != nil {
		return
	}
	i.index.Last()
	if !i.loadBlock() {
		i.invalidateData()
		return
	}
	i.data.Last()
	i.skipBackward()
}

// Next implements InternalIterator.Next, as documented in the internal/base
// package.
func (i *Iterator) Next() bool {
	if i.err != nil {
		return false
	}
	if !i.index.Valid() {
		// Positioned before the first block (or after the last, in which case
		// the index stays exhausted).
		if !i.index.Next() || !i.loadBlock() {
			i.invalidateData()
			return false
		}
		i.data.First()
		i.skipForward()
		return i.Valid()
	}
	if i.data.Next() {
		return true
	}
	i.skipForward()
	return i.Valid()
}

// Prev implements InternalIterator.Prev, as documented in the internal/base
// package.
func (i *Iterator) Prev() bool {
	if i.err != nil {
		return false
	}
	if !i.index.Valid() {
		if !i.index.Prev() || !i.loadBlock() {
			i.invalidateData()
			return false
		}
		i.data.Last()
		i.skipBackward()
		return i.Valid()
	}
	if i.data.Prev() {
		return true
	}
	i.skipBackward()
	return i.Valid()
}

// Key implements InternalIterator.Key, as documented in the internal/base
// package.
func (i *Iterator) Key() base.InternalKey {
	if !i.Valid() {
		return base.InvalidInternalKey
	}
	return i.data.Key()
}

// Value implements InternalIterator.Value, as documented in the internal/base
// package.
func (i *Iterator) Value() []byte {
	if !i.Valid() {
		return nil
	}
	return i.data.Value()
}

// Valid implements InternalIterator.Valid, as documented in the internal/base
// package.
func (i *Iterator) Valid() bool {
	return i.err == nil && i.data.Valid()
}

// Error implements InternalIterator.Error, as documented in the internal/base
// package.
func (i *Iterator) Error() error {
	return i.err
}

// Close implements InternalIterator.Close, as documented in the internal/base
// package.
func (i *Iterator) Close() error {
	if err := i.data.Close(); err != nil && i.err == nil {
		i.err = err
	}
	if i.closeHook != nil {
		if err := i.closeHook(i); err != nil && i.err == nil {
			i.err = err
		}
		i.closeHook = nil
	}
	return i.err
}

func (i *Iterator) String() string {
	if i.reader == nil {
		return "sstable"
	}
	return fmt.Sprintf("sstable(%s)", i.reader.fileNum)
}
