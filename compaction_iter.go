// Copyright 2018 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package tide

import (
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/tidedb/tide/internal/base"
)

// compactionIter provides a forward-only iterator that encapsulates the logic
// for collapsing entries during compaction. It wraps an internal iterator and
// collapses entries that are no longer necessary because they are shadowed by
// newer entries. The simplest example of this is when the internal iterator
// contains two keys: a.SET.2 and a.SET.1. Instead of returning both entries,
// compactionIter collapses the second entry because it is no longer
// necessary. The high-level structure for compactionIter is to iterate over
// its internal iterator and output 1 entry for every user-key. There are two
// complications to this story.
//
// 1. Eliding Deletion Tombstones
//
// Consider the entries a.DEL.2 and a.SET.1. These entries collapse to
// a.DEL.2. Do we have to output the entry a.DEL.2? Only if a.DEL.2 possibly
// shadows an entry at a lower level. If no level below the compaction's output
// level has a table whose key range contains the user key, a.DEL.2 is
// definitely not shadowing anything and can be elided. This check is
// performed by elideTombstone.
//
// 2. Snapshots
//
// Snapshots are lightweight point-in-time views of the DB state. A read
// through a snapshot ignores every entry whose sequence number is larger than
// the snapshot's. The collapsing of entries that are shadowed by newer entries
// is at odds with the guarantee that the view at the snapshot sequence number
// is maintained. Rather than collapsing entries up to the next user key,
// compactionIter can only collapse entries up to the next snapshot boundary.
// Snapshots define stripes and entries are collapsed within stripes, but not
// across stripes. Consider the following scenario:
//
//	a.SET.9
//	a.DEL.8
//	a.SET.7
//	a.DEL.6
//	a.SET.5
//
// In the absence of snapshots these entries would be collapsed to
// a.SET.9. What if there is a snapshot at sequence number 7? The entries can
// be divided into two stripes and collapsed within the stripes:
//
//	a.SET.9        a.SET.9
//	a.DEL.8  --->
//	--             --
//	a.SET.7  --->  a.SET.7
//	a.DEL.6
//	a.SET.5
//
// A tombstone may only be elided when it lies in the oldest stripe, since only
// then is every entry it shadows invisible to all readers.
type compactionIter struct {
	cmp   Compare
	iter  internalIterator
	err   error
	key   InternalKey
	value []byte
	// Temporary buffer used for storing the current user key in order to
	// determine when iteration has advanced to a new user key and thus a new
	// snapshot stripe.
	keyBuf []byte
	// valueBuf holds a copy of the current value, which must outlive the
	// positioning of the wrapped iterator.
	valueBuf []byte
	// Is the current entry valid?
	valid bool
	// Skip indicates whether the remaining entries in the current snapshot
	// stripe should be skipped or processed.
	skip bool
	// The index of the snapshot for the current key within the snapshots slice.
	curSnapshotIdx int
	// The snapshot sequence numbers that need to be maintained. These sequence
	// numbers define the snapshot stripes (see the Snapshots description
	// above). The sequence numbers are in ascending order.
	snapshots      []SeqNum
	elideTombstone func(key []byte) bool
	// stats accumulates the entries read and dropped.
	stats struct {
		entries uint64
		dropped uint64
	}
}

func newCompactionIter(
	cmp Compare, iter internalIterator, snapshots []SeqNum, elideTombstone func(key []byte) bool,
) *compactionIter {
	return &compactionIter{
		cmp:            cmp,
		iter:           iter,
		snapshots:      snapshots,
		elideTombstone: elideTombstone,
	}
}

func (i *compactionIter) First() bool {
	if i.err != nil {
		return false
	}
	i.iter.First()
	if i.iter.Valid() {
		i.stats.entries++
		i.curSnapshotIdx = snapshotIndex(i.iter.Key().SeqNum(), i.snapshots)
	}
	return i.Next()
}

func (i *compactionIter) Next() bool {
	if i.err != nil {
		return false
	}

	if i.skip {
		i.skip = false
		i.skipStripe()
	}

	i.valid = false
	for i.iter.Valid() {
		i.key = i.iter.Key()

		switch i.key.Kind() {
		case InternalKeyKindDelete:
			// If we're at the last snapshot stripe and the tombstone can be elided
			// skip to the next stripe (which will be the next user key).
			if i.curSnapshotIdx == 0 && i.elideTombstone(i.key.UserKey) {
				i.saveKey()
				i.stats.dropped++
				i.skipStripe()
				continue
			}
			i.saveKey()
			i.saveValue()
			i.valid = true
			i.skip = true
			return true

		case InternalKeyKindSet:
			i.saveKey()
			i.saveValue()
			i.valid = true
			i.skip = true
			return true

		default:
			i.err = base.CorruptionErrorf("tide: invalid internal key kind %s in %s",
				i.key.Kind(), errors.Safe(i.iter.String()))
			return false
		}
	}
	if err := i.iter.Error(); err != nil && i.err == nil {
		i.err = err
	}
	return false
}

// snapshotIndex returns the index of the first sequence number in snapshots
// which is greater than or equal to seq. Entries that map to the same index
// belong to the same stripe.
func snapshotIndex(seq SeqNum, snapshots []SeqNum) int {
	return sort.Search(len(snapshots), func(i int) bool {
		return snapshots[i] >= seq
	})
}

func (i *compactionIter) skipStripe() {
	for i.nextInStripe() {
		i.stats.dropped++
	}
}

func (i *compactionIter) nextInStripe() bool {
	if !i.iter.Next() {
		return false
	}
	i.stats.entries++
	key := i.iter.Key()
	idx := snapshotIndex(key.SeqNum(), i.snapshots)
	if i.cmp(i.key.UserKey, key.UserKey) != 0 {
		i.curSnapshotIdx = idx
		return false
	}
	if i.curSnapshotIdx == idx {
		return true
	}
	i.curSnapshotIdx = idx
	return false
}

func (i *compactionIter) saveKey() {
	i.keyBuf = append(i.keyBuf[:0], i.key.UserKey...)
	i.key.UserKey = i.keyBuf
}

func (i *compactionIter) saveValue() {
	i.valueBuf = append(i.valueBuf[:0], i.iter.Value()...)
	i.value = i.valueBuf
}

func (i *compactionIter) Key() InternalKey {
	return i.key
}

func (i *compactionIter) Value() []byte {
	return i.value
}

func (i *compactionIter) Valid() bool {
	return i.valid
}

func (i *compactionIter) Error() error {
	return i.err
}

func (i *compactionIter) Close() error {
	err := i.iter.Close()
	if i.err == nil {
		i.err = err
	}
	return i.err
}
