// Copyright 2018 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package tide

import (
	"github.com/tidedb/tide/internal/base"
)

type iterPos int8

const (
	iterPosCur  iterPos = 0
	iterPosNext iterPos = 1
	iterPosPrev iterPos = -1
)

// Iterator iterates over a DB's key/value pairs in key order.
//
// An iterator must be closed after use, but it is not necessary to read an
// iterator until exhaustion.
//
// An iterator is not goroutine-safe, but it is safe to use multiple iterators
// concurrently, with each in a dedicated goroutine.
//
// It is also safe to use an iterator concurrently with modifying its
// underlying DB, if that DB permits modification. However, the resultant
// key/value pairs are not guaranteed to be a consistent snapshot of that DB
// at a particular point in time.
//
// The iterator pins the memtables and tables it reads from until it is
// closed.
type Iterator struct {
	opts      IterOptions
	cmp       Compare
	iter      internalIterator
	seqNum    base.SeqNum
	readState *readState
	err       error
	key       []byte
	keyBuf    []byte
	value     []byte
	valueBuf  []byte
	valid     bool
	// pos records where the internal iterator is relative to the current
	// user key: at one of its entries, at the entries of the next user key,
	// or at the entries of the previous one.
	pos iterPos
}

func (i *Iterator) findNextEntry() bool {
	upperBound := i.opts.UpperBound
	i.valid = false
	i.pos = iterPosCur

	for i.iter.Valid() {
		key := i.iter.Key()
		if upperBound != nil && i.cmp(key.UserKey, upperBound) >= 0 {
			break
		}

		if !key.Visible(i.seqNum) {
			// Ignore entries that are newer than our snapshot sequence number.
			i.iter.Next()
			continue
		}

		switch key.Kind() {
		case InternalKeyKindDelete:
			i.keyBuf = append(i.keyBuf[:0], key.UserKey...)
			i.key = i.keyBuf
			i.nextUserKey()
			continue

		case InternalKeyKindSet:
			i.keyBuf = append(i.keyBuf[:0], key.UserKey...)
			i.key = i.keyBuf
			i.value = i.iter.Value()
			i.valid = true
			return true

		default:
			i.err = base.CorruptionErrorf("tide: invalid internal key kind: %d", key.Kind())
			return false
		}
	}
	i.err = i.iter.Error()
	return false
}

// nextUserKey advances the internal iterator past every entry of i.key.
func (i *Iterator) nextUserKey() {
	for i.iter.Next() && i.cmp(i.key, i.iter.Key().UserKey) == 0 {
	}
}

func (i *Iterator) findPrevEntry() bool {
	lowerBound := i.opts.LowerBound
	i.valid = false
	i.pos = iterPosCur

	for i.iter.Valid() {
		key := i.iter.Key()
		if lowerBound != nil && i.cmp(key.UserKey, lowerBound) < 0 {
			break
		}

		if i.valid && i.cmp(key.UserKey, i.key) < 0 {
			// We've iterated to the previous user key.
			i.pos = iterPosPrev
			return true
		}

		if !key.Visible(i.seqNum) {
			i.iter.Prev()
			continue
		}

		switch key.Kind() {
		case InternalKeyKindDelete:
			i.value = nil
			i.valid = false
			i.iter.Prev()
			continue

		case InternalKeyKindSet:
			// Entries are seen from oldest to newest, so each one replaces the
			// last. The value is copied as the internal iterator moves on.
			i.keyBuf = append(i.keyBuf[:0], key.UserKey...)
			i.key = i.keyBuf
			i.valueBuf = append(i.valueBuf[:0], i.iter.Value()...)
			i.value = i.valueBuf
			i.valid = true
			i.iter.Prev()
			continue

		default:
			i.err = base.CorruptionErrorf("tide: invalid internal key kind: %d", key.Kind())
			return false
		}
	}
	if err := i.iter.Error(); err != nil {
		i.err = err
		i.valid = false
		return false
	}

	if i.valid {
		i.pos = iterPosPrev
		return true
	}
	return false
}

// prevUserKey moves the internal iterator before every entry of i.key.
func (i *Iterator) prevUserKey() {
	for i.iter.Prev() && i.cmp(i.key, i.iter.Key().UserKey) == 0 {
	}
}

// SeekGE moves the iterator to the first key/value pair whose key is greater
// than or equal to the given key. Returns true if the iterator is pointing at
// a valid entry and false otherwise.
func (i *Iterator) SeekGE(key []byte) bool {
	if i.err != nil {
		return false
	}
	if lowerBound := i.opts.LowerBound; lowerBound != nil && i.cmp(key, lowerBound) < 0 {
		key = lowerBound
	}
	i.iter.SeekGE(key)
	return i.findNextEntry()
}

// SeekLT moves the iterator to the last key/value pair whose key is less than
// the given key. Returns true if the iterator is pointing at a valid entry and
// false otherwise.
func (i *Iterator) SeekLT(key []byte) bool {
	if i.err != nil {
		return false
	}
	if upperBound := i.opts.UpperBound; upperBound != nil && i.cmp(key, upperBound) > 0 {
		key = upperBound
	}
	i.iter.SeekLT(key)
	return i.findPrevEntry()
}

// First moves the iterator the the first key/value pair. Returns true if the
// iterator is pointing at a valid entry and false otherwise.
func (i *Iterator) First() bool {
	if i.err != nil {
		return false
	}
	if lowerBound := i.opts.LowerBound; lowerBound != nil {
		return i.SeekGE(lowerBound)
	}
	i.iter.First()
	return i.findNextEntry()
}

// Last moves the iterator the the last key/value pair. Returns true if the
// iterator is pointing at a valid entry and false otherwise.
func (i *Iterator) Last() bool {
	if i.err != nil {
		return false
	}
	if upperBound := i.opts.UpperBound; upperBound != nil {
		return i.SeekLT(upperBound)
	}
	i.iter.Last()
	return i.findPrevEntry()
}

// Next moves the iterator to the next key/value pair. Returns true if the
// iterator is pointing at a valid entry and false otherwise.
func (i *Iterator) Next() bool {
	if i.err != nil || !i.valid {
		return false
	}
	switch i.pos {
	case iterPosCur:
		i.nextUserKey()
	case iterPosPrev:
		// The internal iterator is at the last entry of the previous user key,
		// or exhausted if there is none.
		if i.iter.Valid() {
			i.iter.Next()
		} else {
			i.iter.First()
		}
		if i.iter.Valid() && i.cmp(i.key, i.iter.Key().UserKey) == 0 {
			i.nextUserKey()
		}
	case iterPosNext:
	}
	return i.findNextEntry()
}

// Prev moves the iterator to the previous key/value pair. Returns true if the
// iterator is pointing at a valid entry and false otherwise.
func (i *Iterator) Prev() bool {
	if i.err != nil || !i.valid {
		return false
	}
	switch i.pos {
	case iterPosCur:
		i.prevUserKey()
	case iterPosNext:
		if i.iter.Valid() {
			i.iter.Prev()
		} else {
			i.iter.Last()
		}
		if i.iter.Valid() && i.cmp(i.key, i.iter.Key().UserKey) == 0 {
			i.prevUserKey()
		}
	case iterPosPrev:
	}
	return i.findPrevEntry()
}

// Key returns the key of the current key/value pair, or nil if done. The
// caller should not modify the contents of the returned slice, and its
// contents may change on the next call to Next.
func (i *Iterator) Key() []byte {
	return i.key
}

// Value returns the value of the current key/value pair, or nil if done. The
// caller should not modify the contents of the returned slice, and its
// contents may change on the next call to Next.
func (i *Iterator) Value() []byte {
	return i.value
}

// Valid returns true if the iterator is positioned at a valid key/value pair
// and false otherwise.
func (i *Iterator) Valid() bool {
	return i.valid
}

// Error returns any accumulated error.
func (i *Iterator) Error() error {
	return i.err
}

// Close closes the iterator and returns any accumulated error. Exhausting
// all the key/value pairs in a table is not considered to be an error.
// It is valid to call Close multiple times. Other methods should not be
// called after the iterator has been closed.
func (i *Iterator) Close() error {
	if i.iter != nil {
		if err := i.iter.Close(); err != nil && i.err == nil {
			i.err = err
		}
		i.iter = nil
	}
	if i.readState != nil {
		i.readState.unref()
		i.readState = nil
	}
	i.valid = false
	return i.err
}
