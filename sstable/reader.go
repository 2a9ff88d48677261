// Copyright 2011 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package sstable

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/tidedb/tide/internal/base"
	"github.com/tidedb/tide/internal/cache"
	"github.com/tidedb/tide/internal/compression"
	"github.com/tidedb/tide/internal/crc"
	"github.com/tidedb/tide/vfs"
)

// bufferHandle is a block's contents, either pinned in the block cache or
// owned by the caller when the reader has no cache.
type bufferHandle struct {
	h cache.Handle
	b []byte
}

func (bh bufferHandle) Get() []byte {
	if bh.b != nil {
		return bh.b
	}
	return bh.h.Get()
}

func (bh bufferHandle) Release() {
	bh.h.Release()
}

// Reader is a table reader.
type Reader struct {
	file        vfs.File
	fileNum     base.FileNum
	cache       *cache.Cache
	cacheID     uint64
	size        int64
	err         error
	comparer    *base.Comparer
	footer      footer
	index       block
	filterBH    BlockHandle
	blockFilter *blockFilterReader
	tableFilter *tableFilterReader
}

// NewReader returns a new table reader for the file. Closing the reader will
// close the file. If the table cannot be opened the file is closed and an
// error is returned; malformed tables yield errors marked as corruption.
func NewReader(f vfs.File, o ReaderOptions) (*Reader, error) {
	if f == nil {
		return nil, errors.New("tide/table: nil file")
	}
	o = o.ensureDefaults()
	r := &Reader{
		file:     f,
		fileNum:  o.FileNum,
		cache:    o.Cache,
		cacheID:  o.CacheID,
		comparer: o.Comparer,
	}
	if err := r.init(o); err != nil {
		r.err = err
		_ = f.Close()
		return nil, err
	}
	return r, nil
}

func (r *Reader) init(o ReaderOptions) error {
	stat, err := r.file.Stat()
	if err != nil {
		return errors.Wrapf(err, "tide/table: invalid table (could not stat file)")
	}
	r.size = stat.Size()
	if r.size < footerLen {
		return base.CorruptionErrorf("tide/table: invalid table %s (file size is too small)", r.fileNum)
	}
	buf := make([]byte, footerLen)
	if err := r.readAt(buf, r.size-footerLen); err != nil {
		return errors.Wrapf(err, "tide/table: invalid table %s (could not read footer)", r.fileNum)
	}
	if r.footer, err = decodeFooter(buf); err != nil {
		return errors.Wrapf(err, "table %s", r.fileNum)
	}

	// Read the index block into memory; it is consulted by every lookup.
	indexBuf, err := r.readBlockUncached(r.footer.indexBH)
	if err != nil {
		return err
	}
	r.index = indexBuf
	var it blockIter
	if err := it.init(r.comparer.Compare, r.index, false); err != nil {
		return err
	}
	return r.readMetaindex(o.Filters)
}

func (r *Reader) readMetaindex(filters map[string]base.FilterPolicy) error {
	b, err := r.readBlockUncached(r.footer.metaindexBH)
	if err != nil {
		return err
	}
	var i blockIter
	if err := i.init(bytes.Compare, b, true /* raw */); err != nil {
		return err
	}
	for i.First(); i.Valid(); i.Next() {
		name := string(i.Key().UserKey)
		var prefix string
		switch {
		case len(name) > len(metaFullFilterPrefix) && name[:len(metaFullFilterPrefix)] == metaFullFilterPrefix:
			prefix = metaFullFilterPrefix
		case len(name) > len(metaFilterPrefix) && name[:len(metaFilterPrefix)] == metaFilterPrefix:
			prefix = metaFilterPrefix
		default:
			continue
		}
		policy, ok := filters[name[len(prefix):]]
		if !ok {
			continue
		}
		bh, n := decodeBlockHandle(i.Value())
		if n == 0 {
			return base.CorruptionErrorf("tide/table: invalid table %s (bad filter block handle)", r.fileNum)
		}
		data, err := r.readBlockUncached(bh)
		if err != nil {
			return err
		}
		r.filterBH = bh
		if prefix == metaFullFilterPrefix {
			r.tableFilter = &tableFilterReader{policy: policy, data: data}
		} else if fr, ok := newBlockFilterReader(data, policy); ok {
			r.blockFilter = fr
		}
		break
	}
	return i.Error()
}

func (r *Reader) readAt(buf []byte, off int64) error {
	n, err := r.file.ReadAt(buf, off)
	if n == len(buf) {
		return nil
	}
	if err == nil || err == io.EOF {
		err = base.CorruptionErrorf("tide/table: invalid table %s (truncated block at offset %d)", r.fileNum, off)
	}
	return err
}

// readBlockUncached reads, verifies and decompresses the block.
func (r *Reader) readBlockUncached(bh BlockHandle) ([]byte, error) {
	if bh.Offset+bh.Length+blockTrailerLen > uint64(r.size) {
		return nil, base.CorruptionErrorf("tide/table: invalid table %s (block handle [%d,%d) out of range)",
			r.fileNum, bh.Offset, bh.Offset+bh.Length)
	}
	b := make([]byte, bh.Length+blockTrailerLen)
	if err := r.readAt(b, int64(bh.Offset)); err != nil {
		return nil, err
	}
	typ := b[bh.Length]
	checksum := binary.LittleEndian.Uint32(b[bh.Length+1:])
	if computed := crc.New(b[:bh.Length+1]).Value(); computed != checksum {
		return nil, base.CorruptionErrorf("tide/table: invalid table %s (checksum mismatch at %d/%d)",
			r.fileNum, bh.Offset, bh.Length)
	}
	decoded, err := compression.Decompress(compression.Algorithm(typ), b[:bh.Length])
	if err != nil {
		return nil, errors.Wrapf(err, "tide/table: invalid table %s (block at %d)", r.fileNum, bh.Offset)
	}
	return decoded, nil
}

// readBlock reads a data block, consulting and populating the block cache.
func (r *Reader) readBlock(bh BlockHandle) (bufferHandle, error) {
	if r.cache != nil {
		if h := r.cache.Get(r.cacheID, uint64(r.fileNum), bh.Offset); h.Get() != nil {
			return bufferHandle{h: h}, nil
		}
	}
	b, err := r.readBlockUncached(bh)
	if err != nil {
		return bufferHandle{}, err
	}
	if r.cache != nil {
		return bufferHandle{h: r.cache.Set(r.cacheID, uint64(r.fileNum), bh.Offset, b)}, nil
	}
	return bufferHandle{b: b}, nil
}

// Close closes the reader and its file. Iterators must be closed first.
func (r *Reader) Close() error {
	if r.err != nil {
		if r.file != nil {
			r.file.Close()
			r.file = nil
		}
		return r.err
	}
	if r.file != nil {
		r.err = r.file.Close()
		r.file = nil
		if r.err != nil {
			return r.err
		}
	}
	// Make any future calls to Get, NewIter or Close return an error.
	r.err = errors.New("tide/table: reader is closed")
	return nil
}

// FileNum returns the file number of the table.
func (r *Reader) FileNum() base.FileNum {
	return r.fileNum
}

// Size returns the size of the table file in bytes.
func (r *Reader) Size() int64 {
	return r.size
}

// Get returns the value for the newest entry of the given user key. It
// returns base.ErrNotFound if the table does not contain the key or its
// newest entry is a deletion.
func (r *Reader) Get(key []byte) ([]byte, error) {
	value, trailer, err := r.InternalGet(key, base.SeqNumMax)
	if err != nil {
		return nil, err
	}
	if trailer.Kind() == base.InternalKeyKindDelete {
		return nil, base.ErrNotFound
	}
	return append([]byte(nil), value...), nil
}

// InternalGet returns the value and trailer of the newest entry for the user
// key whose sequence number is <= seqNum. It returns base.ErrNotFound if there is
// no such entry. The filter, if any, is consulted before data blocks are
// read. The returned value is only valid until the next call on the reader.
func (r *Reader) InternalGet(
	key []byte, seqNum base.SeqNum,
) (value []byte, trailer base.InternalKeyTrailer, err error) {
	if r.err != nil {
		return nil, 0, r.err
	}
	if r.tableFilter != nil && !r.tableFilter.mayContain(key) {
		return nil, 0, base.ErrNotFound
	}

	cmp := r.comparer.Compare
	var index, data blockIter
	if err := index.init(cmp, r.index, false); err != nil {
		return nil, 0, err
	}
	defer data.Close()

	for index.SeekGE(key); index.Valid(); index.Next() {
		bh, n := decodeBlockHandle(index.Value())
		if n == 0 {
			return nil, 0, base.CorruptionErrorf("tide/table: invalid table %s (bad data block handle)", r.fileNum)
		}
		if r.blockFilter == nil || r.blockFilter.mayContain(bh.Offset, key) {
			h, err := r.readBlock(bh)
			if err != nil {
				return nil, 0, err
			}
			if err := data.initHandle(cmp, h, false); err != nil {
				return nil, 0, err
			}
			for data.SeekGE(key); data.Valid(); data.Next() {
				ikey := data.Key()
				if cmp(ikey.UserKey, key) != 0 {
					return nil, 0, base.ErrNotFound
				}
				if ikey.Visible(seqNum) {
					return data.Value(), ikey.Trailer, nil
				}
			}
			if err := data.Error(); err != nil {
				return nil, 0, err
			}
		}
		// Entries for the key continue into the next block only if this
		// block's separator has the same user key.
		if cmp(index.Key().UserKey, key) > 0 {
			break
		}
	}
	if err := index.Error(); err != nil {
		return nil, 0, err
	}
	return nil, 0, base.ErrNotFound
}

// NewIter returns an iterator over the table's entries.
func (r *Reader) NewIter() *Iterator {
	i := &Iterator{reader: r}
	if r.err != nil {
		i.err = r.err
		return i
	}
	if err := i.index.init(r.comparer.Compare, r.index, false); err != nil {
		i.err = err
	}
	return i
}

// ApproximateOffsetOf returns the approximate offset into the file of the
// first entry with a user key >= key. Keys past the last entry map to the
// offset of the metaindex block, which is roughly the size of the data.
func (r *Reader) ApproximateOffsetOf(key []byte) uint64 {
	if r.err != nil {
		return 0
	}
	var index blockIter
	if err := index.init(r.comparer.Compare, r.index, false); err != nil {
		return 0
	}
	index.SeekGE(key)
	if index.Valid() {
		if bh, n := decodeBlockHandle(index.Value()); n > 0 {
			return bh.Offset
		}
	}
	return r.footer.metaindexBH.Offset
}

// Layout returns the layout (block organization) for a table.
func (r *Reader) Layout() (*Layout, error) {
	if r.err != nil {
		return nil, r.err
	}
	l := &Layout{
		Index:     r.footer.indexBH,
		Filter:    r.filterBH,
		MetaIndex: r.footer.metaindexBH,
		Footer:    BlockHandle{Offset: uint64(r.size) - footerLen, Length: footerLen},
	}
	var index blockIter
	if err := index.init(r.comparer.Compare, r.index, false); err != nil {
		return nil, err
	}
	for index.First(); index.Valid(); index.Next() {
		bh, n := decodeBlockHandle(index.Value())
		if n == 0 {
			return nil, base.CorruptionErrorf("tide/table: invalid table %s (bad data block handle)", r.fileNum)
		}
		l.Data = append(l.Data, bh)
	}
	return l, index.Error()
}

// ValidateBlockChecksums reads every block of the table, verifying its
// checksum and that it decompresses.
func (r *Reader) ValidateBlockChecksums() error {
	l, err := r.Layout()
	if err != nil {
		return err
	}
	for _, bh := range l.Data {
		if _, err := r.readBlockUncached(bh); err != nil {
			return err
		}
	}
	return nil
}
