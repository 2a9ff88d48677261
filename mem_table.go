// Copyright 2011 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package tide

import (
	"fmt"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/tidedb/tide/internal/arenaskl"
	"github.com/tidedb/tide/internal/base"
)

// maxMemTableSize is the largest arena an arenaskl.Skiplist can address.
const maxMemTableSize = 4 << 30 // 4 GB

func memTableEntrySize(keyBytes, valueBytes int) uint64 {
	return arenaskl.MaxNodeSize(uint32(keyBytes), uint32(valueBytes))
}

// A memTable implements an in-memory layer of the LSM. A memTable is mutable,
// but append-only. Records are added, but never removed. Deletion is supported
// via tombstones, but it is up to higher level code (see Iterator) to support
// processing those tombstones.
//
// A memTable is implemented on top of a lock-free arena-backed skiplist. An
// arena is a fixed size contiguous chunk of memory (see
// Options.MemTableSize). A memTable's memory consumption is thus fixed at
// the time of creation. The arena-backed skiplist provides both forward and
// reverse links which makes forward and reverse iteration the same speed.
//
// A batch is "applied" to a memTable in a two step process: prepare(batch) ->
// apply(batch). memTable.prepare() is not thread-safe and must be called with
// external synchronization. Preparation reserves space in the memTable for the
// batch. Note that we pessimistically compute how much space a batch will
// consume in the memTable (see memTableEntrySize and Batch.memTableSize).
// Preparation is an O(1) operation. Applying a batch to the memTable is an
// O(n logm) operation where N is the number of records in the batch and M is
// the number of records in the memtable. The commit queue serializes batch
// preparation and application.
//
// It is safe to call get, apply and newIter concurrently.
type memTable struct {
	cmp       base.Compare
	formatKey base.FormatKey
	equal     base.Equal
	arenaBuf  []byte
	skl       arenaskl.Skiplist
	reserved  uint32
	// emptySize is the amount of allocated space in the arena when the
	// memtable is empty.
	emptySize uint32
	// refs counts the DB's own reference plus one per readState that lists
	// the memtable. When it drops to zero the arena is handed to releaseFn.
	refs atomic.Int32
	// logNum is the WAL that holds the memtable's contents. Once the
	// memtable has been flushed, the log is obsolete.
	logNum base.FileNum
	// releaseFn, if set, receives the arena buffer once the last reference
	// is dropped.
	releaseFn func(buf []byte)
}

type memTableOptions struct {
	*Options
	arenaBuf  []byte
	size      int
	logNum    base.FileNum
	releaseFn func(buf []byte)
}

// newMemTable returns a new MemTable of the specified size. If the arena
// buffer is provided and large enough it is reused.
func newMemTable(opts memTableOptions) *memTable {
	if opts.Options == nil {
		opts.Options = (&Options{}).EnsureDefaults()
	}
	if opts.size == 0 {
		opts.size = opts.MemTableSize
	}
	m := &memTable{
		cmp:       opts.Comparer.Compare,
		formatKey: opts.Comparer.FormatKey,
		equal:     opts.Comparer.Equal,
		arenaBuf:  opts.arenaBuf,
		logNum:    opts.logNum,
		releaseFn: opts.releaseFn,
	}
	m.refs.Store(1)
	if cap(m.arenaBuf) < opts.size {
		m.arenaBuf = make([]byte, opts.size)
	} else {
		m.arenaBuf = m.arenaBuf[:opts.size]
		clear(m.arenaBuf)
	}
	arena := arenaskl.NewArena(m.arenaBuf)
	m.skl.Reset(arena, m.cmp)
	m.emptySize = arena.Size()
	m.reserved = m.emptySize
	return m
}

func (m *memTable) ref() {
	if v := m.refs.Add(1); v <= 1 {
		panic(errors.AssertionFailedf("tide: inconsistent memtable reference count: %d", v))
	}
}

func (m *memTable) unref() bool {
	switch v := m.refs.Add(-1); {
	case v < 0:
		panic(errors.AssertionFailedf("tide: inconsistent memtable reference count: %d", v))
	case v == 0:
		if m.releaseFn != nil {
			m.releaseFn(m.arenaBuf)
		}
		m.arenaBuf = nil
		return true
	default:
		return false
	}
}

// get returns the value and kind of the newest entry for key whose sequence
// number is <= seqNum. found is false if the memtable holds no such entry.
func (m *memTable) get(
	key []byte, seqNum base.SeqNum,
) (value []byte, kind base.InternalKeyKind, found bool) {
	it := m.skl.NewIter()
	defer it.Close()
	for it.SeekGE(key); it.Valid(); it.Next() {
		ikey := it.Key()
		if !m.equal(key, ikey.UserKey) {
			break
		}
		if ikey.Visible(seqNum) {
			return it.Value(), ikey.Kind(), true
		}
	}
	return nil, 0, false
}

// prepare reserves space for the batch in the memtable. Note that prepare is
// not thread-safe, while apply is.
func (m *memTable) prepare(batch *Batch) error {
	a := m.skl.Arena()
	// There are no concurrent applies, so the reservation can be trued up to
	// the space actually allocated rather than the over-estimation present in
	// memTableEntrySize.
	m.reserved = a.Size()

	avail := a.Capacity() - m.reserved
	if batch.memTableSize > uint64(avail) {
		return arenaskl.ErrArenaFull
	}
	m.reserved += uint32(batch.memTableSize)
	return nil
}

// apply inserts every record of the batch, giving them consecutive sequence
// numbers starting at seqNum.
func (m *memTable) apply(batch *Batch, seqNum base.SeqNum) error {
	var ins arenaskl.Inserter
	startSeqNum := seqNum
	for r := batch.Reader(); ; seqNum++ {
		kind, ukey, value, ok, err := r.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		if err := ins.Add(&m.skl, base.MakeInternalKey(ukey, seqNum, kind), value); err != nil {
			return errors.Wrapf(err, "applying %s", base.MakeInternalKey(ukey, seqNum, kind).Pretty(m.formatKey))
		}
	}
	if seqNum != startSeqNum+base.SeqNum(batch.Count()) {
		return base.CorruptionErrorf("tide: inconsistent batch count: %d vs %d",
			errors.Safe(seqNum-startSeqNum), errors.Safe(batch.Count()))
	}
	return nil
}

// newIter returns an iterator that is unpositioned (Iterator.Valid() will
// return false). The iterator can be positioned via a call to SeekGE,
// SeekLT, First or Last.
func (m *memTable) newIter() base.InternalIterator {
	return m.skl.NewIter()
}

// empty returns whether the memtable has no key/value pairs.
func (m *memTable) empty() bool {
	return m.skl.Size() == m.emptySize
}

// inuseBytes returns the number of bytes of the arena in use.
func (m *memTable) inuseBytes() uint64 {
	return uint64(m.skl.Size() - m.emptySize)
}

// totalBytes returns the size of the arena.
func (m *memTable) totalBytes() uint64 {
	return uint64(m.skl.Arena().Capacity())
}

func (m *memTable) String() string {
	return fmt.Sprintf("mem(%s)", m.logNum)
}
