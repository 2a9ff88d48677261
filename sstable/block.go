// Copyright 2018 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package sstable

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/tidedb/tide/internal/base"
)

type blockWriter struct {
	restartInterval int
	nEntries        int
	buf             []byte
	restarts        []uint32
	curKey          []byte
	prevKey         []byte
	tmp             [3 * binary.MaxVarintLen32]byte
}

func (w *blockWriter) store(value []byte) {
	shared := 0
	if w.nEntries%w.restartInterval == 0 {
		w.restarts = append(w.restarts, uint32(len(w.buf)))
	} else {
		shared = base.SharedPrefixLen(w.curKey, w.prevKey)
	}

	n := binary.PutUvarint(w.tmp[0:], uint64(shared))
	n += binary.PutUvarint(w.tmp[n:], uint64(len(w.curKey)-shared))
	n += binary.PutUvarint(w.tmp[n:], uint64(len(value)))
	w.buf = append(w.buf, w.tmp[:n]...)
	w.buf = append(w.buf, w.curKey[shared:]...)
	w.buf = append(w.buf, value...)

	w.nEntries++
}

// add appends an entry keyed by an encoded internal key.
func (w *blockWriter) add(key base.InternalKey, value []byte) {
	w.curKey, w.prevKey = w.prevKey, w.curKey
	w.curKey = key.AppendEncoded(w.curKey[:0])
	w.store(value)
}

// addRaw appends an entry whose key is stored as is, as in the metaindex
// block.
func (w *blockWriter) addRaw(key, value []byte) {
	w.curKey, w.prevKey = w.prevKey, w.curKey
	w.curKey = append(w.curKey[:0], key...)
	w.store(value)
}

func (w *blockWriter) finish() []byte {
	// Write the restart points to the buffer.
	if w.nEntries == 0 {
		// Every block must have at least one restart point.
		w.restarts = append(w.restarts[:0], 0)
	}
	for _, x := range w.restarts {
		w.buf = binary.LittleEndian.AppendUint32(w.buf, x)
	}
	w.buf = binary.LittleEndian.AppendUint32(w.buf, uint32(len(w.restarts)))
	return w.buf
}

func (w *blockWriter) reset() {
	w.nEntries = 0
	w.buf = w.buf[:0]
	w.restarts = w.restarts[:0]
	w.curKey = w.curKey[:0]
	w.prevKey = w.prevKey[:0]
}

func (w *blockWriter) estimatedSize() int {
	return len(w.buf) + 4*(len(w.restarts)+1)
}

type block []byte

type blockEntry struct {
	offset     int
	nextOffset int
	key        []byte
	val        []byte
}

// blockIter is an iterator over a single block of data. Keys are decoded as
// internal keys unless the iterator was initialized in raw mode, in which
// case Key().UserKey holds the stored key and the trailer is invalid.
//
// A blockIter positioned at offset -1 is before the first entry; one
// positioned at the restart array is after the last entry. Next and Prev
// step back into the block from either state.
type blockIter struct {
	cmp         base.Compare
	raw         bool
	offset      int
	nextOffset  int
	restarts    int
	numRestarts int
	data        []byte
	key, val    []byte
	ikey        base.InternalKey
	cached      []blockEntry
	cachedBuf   []byte
	err         error
	handle      bufferHandle
}

// blockIter implements the base.InternalIterator interface.
var _ base.InternalIterator = (*blockIter)(nil)

func newBlockIter(cmp base.Compare, b block) (*blockIter, error) {
	i := &blockIter{}
	return i, i.init(cmp, b, false)
}

func (i *blockIter) init(cmp base.Compare, b block, raw bool) error {
	if len(b) < 4 {
		return base.CorruptionErrorf("tide/table: invalid table (block too short)")
	}
	numRestarts := int(binary.LittleEndian.Uint32(b[len(b)-4:]))
	if numRestarts == 0 {
		return base.CorruptionErrorf("tide/table: invalid table (block has no restart points)")
	}
	restarts := len(b) - 4*(1+numRestarts)
	if restarts < 0 {
		return base.CorruptionErrorf("tide/table: invalid table (bad restart count %d)", numRestarts)
	}
	*i = blockIter{
		cmp:         cmp,
		raw:         raw,
		offset:      -1,
		restarts:    restarts,
		numRestarts: numRestarts,
		data:        b,
		key:         i.key[:0],
		cached:      i.cached[:0],
		cachedBuf:   i.cachedBuf[:0],
	}
	return nil
}

// initHandle initializes the iterator from a block buffer. The iterator takes
// ownership of the handle and releases it when reinitialized or closed.
func (i *blockIter) initHandle(cmp base.Compare, h bufferHandle, raw bool) error {
	i.handle.Release()
	i.handle = bufferHandle{}
	if err := i.init(cmp, h.Get(), raw); err != nil {
		h.Release()
		return err
	}
	i.handle = h
	return nil
}

func (i *blockIter) restartOffset(j int) int {
	return int(binary.LittleEndian.Uint32(i.data[i.restarts+4*j:]))
}

// restartKey returns the user key stored at the j'th restart point. For a
// restart point, there are 0 bytes shared with the previous key.
func (i *blockIter) restartKey(j int) []byte {
	p := i.data[i.restartOffset(j):i.restarts]
	_, n0 := binary.Uvarint(p)
	if n0 <= 0 {
		return nil
	}
	unshared, n1 := binary.Uvarint(p[n0:])
	if n1 <= 0 {
		return nil
	}
	_, n2 := binary.Uvarint(p[n0+n1:])
	if n2 <= 0 {
		return nil
	}
	m := n0 + n1 + n2
	if uint64(len(p)-m) < unshared {
		return nil
	}
	return i.userKey(p[m : m+int(unshared)])
}

func (i *blockIter) userKey(k []byte) []byte {
	if i.raw {
		return k
	}
	return base.DecodeInternalKey(k).UserKey
}

func (i *blockIter) corrupt() {
	i.err = base.CorruptionErrorf("tide/table: invalid table (corrupt block entry at offset %d)", i.offset)
	i.offset = i.restarts
	i.nextOffset = i.restarts
}

// readEntry decodes the entry at i.offset into i.key and i.val, using the
// previous contents of i.key for the shared prefix.
func (i *blockIter) readEntry() bool {
	p := i.data[i.offset:i.restarts]
	shared, n0 := binary.Uvarint(p)
	if n0 <= 0 {
		i.corrupt()
		return false
	}
	unshared, n1 := binary.Uvarint(p[n0:])
	if n1 <= 0 {
		i.corrupt()
		return false
	}
	valueLen, n2 := binary.Uvarint(p[n0+n1:])
	if n2 <= 0 {
		i.corrupt()
		return false
	}
	m := n0 + n1 + n2
	if shared > uint64(len(i.key)) || uint64(len(p)-m) < unshared || uint64(len(p)-m)-unshared < valueLen {
		i.corrupt()
		return false
	}
	i.key = append(i.key[:shared], p[m:m+int(unshared)]...)
	i.key = i.key[:len(i.key):len(i.key)]
	m += int(unshared)
	i.val = p[m : m+int(valueLen) : m+int(valueLen)]
	i.nextOffset = i.offset + m + int(valueLen)
	return true
}

func (i *blockIter) decodeKey() {
	if i.raw {
		i.ikey = base.InternalKey{UserKey: i.key, Trailer: base.InternalKeyTrailer(base.InternalKeyKindInvalid)}
		return
	}
	i.ikey = base.DecodeInternalKey(i.key)
}

func (i *blockIter) loadEntry() {
	if !i.Valid() {
		i.nextOffset = i.restarts
		return
	}
	if i.readEntry() {
		i.decodeKey()
	}
}

func (i *blockIter) clearCache() {
	i.cached = i.cached[:0]
	i.cachedBuf = i.cachedBuf[:0]
}

func (i *blockIter) cacheEntry() {
	i.cachedBuf = append(i.cachedBuf, i.key...)
	i.cached = append(i.cached, blockEntry{
		offset:     i.offset,
		nextOffset: i.nextOffset,
		key:        i.cachedBuf[len(i.cachedBuf)-len(i.key) : len(i.cachedBuf) : len(i.cachedBuf)],
		val:        i.val,
	})
}

// restoreCached positions the iterator at the n'th cached entry.
func (i *blockIter) restoreCached(n int) {
	e := &i.cached[n]
	i.offset = e.offset
	i.nextOffset = e.nextOffset
	i.key = append(i.key[:0], e.key...)
	i.val = e.val
	i.cached = i.cached[:n+1]
	i.decodeKey()
}

// searchRestarts returns the index of the first restart point whose user key
// is >= key, or numRestarts if there is none.
func (i *blockIter) searchRestarts(key []byte) int {
	return sort.Search(i.numRestarts, func(j int) bool {
		return i.cmp(key, i.restartKey(j)) <= 0
	})
}

// SeekGE implements InternalIterator.SeekGE, as documented in the
// internal/base package.
func (i *blockIter) SeekGE(key []byte) {
	i.clearCache()
	// Every restart point before index has a user key < key. Entries with a
	// user key >= key may still precede the restart point at index, so the
	// scan starts at the restart point before it.
	index := i.searchRestarts(key)
	i.offset = 0
	if index > 0 {
		i.offset = i.restartOffset(index - 1)
	}
	i.key = i.key[:0]
	i.loadEntry()

	for ; i.Valid(); i.Next() {
		if i.cmp(key, i.ikey.UserKey) <= 0 {
			break
		}
	}
}

// SeekLT implements InternalIterator.SeekLT, as documented in the
// internal/base package.
func (i *blockIter) SeekLT(key []byte) {
	i.clearCache()
	index := i.searchRestarts(key)
	if index == 0 || i.restarts == 0 {
		// All keys in the block are >= key.
		i.offset = -1
		i.nextOffset = 0
		return
	}
	targetOffset := i.restarts
	if index < i.numRestarts {
		targetOffset = i.restartOffset(index)
	}
	i.offset = i.restartOffset(index - 1)
	i.key = i.key[:0]
	if !i.readEntry() {
		return
	}
	i.cacheEntry()

	for i.nextOffset < targetOffset {
		i.offset = i.nextOffset
		if !i.readEntry() {
			return
		}
		if i.cmp(i.userKey(i.key), key) >= 0 {
			i.restoreCached(len(i.cached) - 1)
			return
		}
		i.cacheEntry()
	}
	i.decodeKey()
}

// First implements InternalIterator.First, as documented in the internal/base
// package.
func (i *blockIter) First() {
	i.clearCache()
	i.offset = 0
	i.key = i.key[:0]
	i.loadEntry()
}

// Last implements InternalIterator.Last, as documented in the internal/base
// package.
func (i *blockIter) Last() {
	i.clearCache()
	if i.restarts == 0 {
		i.offset = -1
		i.nextOffset = 0
		return
	}
	// Seek forward from the last restart point.
	i.offset = i.restartOffset(i.numRestarts - 1)
	i.key = i.key[:0]
	if !i.readEntry() {
		return
	}
	i.cacheEntry()

	for i.nextOffset < i.restarts {
		i.offset = i.nextOffset
		if !i.readEntry() {
			return
		}
		i.cacheEntry()
	}
	i.decodeKey()
}

// Next implements InternalIterator.Next, as documented in the internal/base
// package.
func (i *blockIter) Next() bool {
	if i.err != nil {
		return false
	}
	if i.offset < 0 {
		i.First()
		return i.Valid()
	}
	i.offset = i.nextOffset
	if !i.Valid() {
		return false
	}
	i.loadEntry()
	return i.Valid()
}

// Prev implements InternalIterator.Prev, as documented in the internal/base
// package.
func (i *blockIter) Prev() bool {
	if i.err != nil || i.offset < 0 {
		return false
	}
	if n := len(i.cached) - 1; n > 0 && i.cached[n].offset == i.offset {
		i.restoreCached(n - 1)
		return true
	}

	if i.offset == 0 {
		i.offset = -1
		i.nextOffset = 0
		return false
	}

	targetOffset := i.offset
	if targetOffset > i.restarts {
		targetOffset = i.restarts
	}
	index := sort.Search(i.numRestarts, func(j int) bool {
		return i.restartOffset(j) >= targetOffset
	})
	i.offset = 0
	if index > 0 {
		i.offset = i.restartOffset(index - 1)
	}

	i.clearCache()
	i.key = i.key[:0]
	if !i.readEntry() {
		return false
	}
	i.cacheEntry()

	for i.nextOffset < targetOffset {
		i.offset = i.nextOffset
		if !i.readEntry() {
			return false
		}
		i.cacheEntry()
	}

	i.decodeKey()
	return true
}

// Key implements InternalIterator.Key, as documented in the internal/base
// package.
func (i *blockIter) Key() base.InternalKey {
	if !i.Valid() {
		return base.InvalidInternalKey
	}
	return i.ikey
}

// Value implements InternalIterator.Value, as documented in the internal/base
// package.
func (i *blockIter) Value() []byte {
	if !i.Valid() {
		return nil
	}
	return i.val
}

// Valid implements InternalIterator.Valid, as documented in the internal/base
// package.
func (i *blockIter) Valid() bool {
	return i.offset >= 0 && i.offset < i.restarts
}

// Error implements InternalIterator.Error, as documented in the internal/base
// package.
func (i *blockIter) Error() error {
	return i.err
}

// Close implements InternalIterator.Close, as documented in the internal/base
// package.
func (i *blockIter) Close() error {
	i.handle.Release()
	i.handle = bufferHandle{}
	i.val = nil
	return i.err
}

func (i *blockIter) String() string {
	return fmt.Sprintf("block(%d)", len(i.data))
}
