// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package tide

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/tidedb/tide/batchrepr"
	"github.com/tidedb/tide/internal/base"
)

const (
	batchInitialSize     = 1 << 10 // 1 KB
	batchMaxRetainedSize = 1 << 20 // 1 MB
	invalidBatchCount    = 1<<32 - 1
)

// ErrInvalidBatch indicates that a batch is invalid or otherwise corrupted.
var ErrInvalidBatch = batchrepr.ErrInvalidBatch

// A Batch is a sequence of Sets and/or Deletes that are applied atomically.
// The batch is not indexed: reads go to the DB, not to the batch.
type Batch struct {
	// data is the wire format of a batch's log entry:
	//   - 8 bytes for a sequence number of the first batch element,
	//     or zeroes if the batch has not yet been applied,
	//   - 4 bytes for the count: the number of elements in the batch,
	//     or "\xff\xff\xff\xff" if the batch is invalid,
	//   - count elements, being:
	//     - one byte for the kind
	//     - the varint-string user key,
	//     - the varint-string value (if kind != delete).
	// The sequence number and count are stored in little-endian order.
	data []byte

	// An upper bound on the space the batch will occupy in a memtable.
	memTableSize uint64

	db *DB
}

var batchPool = sync.Pool{
	New: func() interface{} {
		return &Batch{}
	},
}

func newBatch(db *DB) *Batch {
	b := batchPool.Get().(*Batch)
	b.db = db
	return b
}

func (b *Batch) release() {
	b.reset()
	b.memTableSize = 0
	b.db = nil
	batchPool.Put(b)
}

// Set adds an action to the batch that sets the key to map to the value.
//
// It is safe to modify the contents of the arguments after Set returns.
func (b *Batch) Set(key, value []byte, _ *WriteOptions) error {
	return b.add(InternalKeyKindSet, key, value)
}

// Delete adds an action to the batch that deletes the entry for key.
//
// It is safe to modify the contents of the arguments after Delete returns.
func (b *Batch) Delete(key []byte, _ *WriteOptions) error {
	return b.add(InternalKeyKindDelete, key, nil)
}

func (b *Batch) add(kind InternalKeyKind, key, value []byte) error {
	if len(b.data) == 0 {
		b.init(batchrepr.EntrySize(kind, key, value) + batchrepr.HeaderLen)
	}
	if !b.increment() {
		return ErrInvalidBatch
	}
	b.data = batchrepr.AppendEntry(b.data, kind, key, value)
	b.memTableSize += memTableEntrySize(len(key), len(value))
	return nil
}

// Apply the operations contained in the batch to the receiver batch.
//
// It is safe to modify the contents of the arguments after Apply returns.
func (b *Batch) Apply(batch *Batch, _ *WriteOptions) error {
	if len(batch.data) == 0 {
		return nil
	}
	if len(batch.data) < batchrepr.HeaderLen {
		return ErrInvalidBatch
	}
	offset := len(b.data)
	if offset == 0 {
		b.init(len(batch.data))
		offset = batchrepr.HeaderLen
	}
	b.data = append(b.data, batch.data[batchrepr.HeaderLen:]...)
	b.setCount(b.Count() + batch.Count())

	for r := batchrepr.Reader(b.data[offset:]); ; {
		_, key, value, ok, err := r.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		b.memTableSize += memTableEntrySize(len(key), len(value))
	}
	return nil
}

// Repr returns the underlying batch representation. It is not safe to modify
// the contents. Reset() will not change the contents of the returned value,
// though any other mutation operation may do so.
func (b *Batch) Repr() []byte {
	if len(b.data) == 0 {
		b.init(batchrepr.HeaderLen)
	}
	return b.data
}

// SetRepr sets the underlying batch representation. The batch takes ownership
// of the supplied slice. It is not safe to modify it afterwards until the
// Batch is no longer in use.
func (b *Batch) SetRepr(data []byte) error {
	h, ok := batchrepr.ReadHeader(data)
	if !ok {
		return ErrInvalidBatch
	}
	b.data = data
	b.memTableSize = 0
	var n uint32
	for r := batchrepr.Read(data); ; n++ {
		_, key, value, ok, err := r.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		b.memTableSize += memTableEntrySize(len(key), len(value))
	}
	if n != h.Count {
		return errors.Wrapf(ErrInvalidBatch, "batch header count %d != %d entries", h.Count, n)
	}
	return nil
}

// Commit applies the batch to its parent writer.
func (b *Batch) Commit(o *WriteOptions) error {
	return b.db.Apply(b, o)
}

// Close closes the batch without committing it.
func (b *Batch) Close() error {
	b.release()
	return nil
}

// Reset resets the batch for reuse. The underlying byte slice (that is
// returned by Repr()) is not modified. It is only necessary to call this
// method if a batch is explicitly being reused. Close automatically takes
// are of releasing resources when appropriate for batches that are internally
// being reused.
func (b *Batch) Reset() {
	b.reset()
	b.memTableSize = 0
}

// Empty returns true if the batch is empty, and false otherwise.
func (b *Batch) Empty() bool {
	return batchrepr.IsEmpty(b.data)
}

// Len returns the current size of the batch in bytes.
func (b *Batch) Len() int {
	if len(b.data) == 0 {
		return batchrepr.HeaderLen
	}
	return len(b.data)
}

// Count returns the count of memtable-modifying operations in this batch.
func (b *Batch) Count() uint32 {
	h, _ := batchrepr.ReadHeader(b.data)
	return h.Count
}

// SeqNum returns the batch sequence number which is applied to the first
// record in the batch. The sequence number is incremented for each subsequent
// record. It returns zero if the batch is empty.
func (b *Batch) SeqNum() SeqNum {
	if len(b.data) == 0 {
		return 0
	}
	return batchrepr.ReadSeqNum(b.data)
}

// Reader returns a batchrepr.Reader for the current batch contents.
func (b *Batch) Reader() batchrepr.Reader {
	if len(b.data) == 0 {
		return nil
	}
	return batchrepr.Read(b.data)
}

func (b *Batch) init(size int) {
	n := batchInitialSize
	for n < size {
		n *= 2
	}
	if cap(b.data) < n {
		b.data = make([]byte, batchrepr.HeaderLen, n)
	}
	b.data = b.data[:batchrepr.HeaderLen]
	clear(b.data)
}

func (b *Batch) reset() {
	if b.data != nil {
		if cap(b.data) > batchMaxRetainedSize {
			// If the capacity of the buffer is larger than our maximum
			// retention size, don't re-use it. Let it be GC-ed instead.
			// This prevents the memory from an unusually large batch from
			// being held on to indefinitely.
			b.data = nil
		} else {
			// Otherwise, reset the buffer for re-use.
			b.data = b.data[:batchrepr.HeaderLen]
			clear(b.data)
		}
	}
}

func (b *Batch) increment() (ok bool) {
	n := b.Count()
	if n == invalidBatchCount-1 {
		b.setCount(invalidBatchCount)
		return false
	}
	if n == invalidBatchCount {
		return false
	}
	b.setCount(n + 1)
	return true
}

func (b *Batch) setSeqNum(seqNum base.SeqNum) {
	batchrepr.SetSeqNum(b.data, seqNum)
}

func (b *Batch) setCount(v uint32) {
	batchrepr.SetCount(b.data, v)
}
