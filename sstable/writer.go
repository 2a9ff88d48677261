// Copyright 2011 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package sstable

import (
	"bufio"
	"encoding/binary"

	"github.com/cockroachdb/errors"
	"github.com/tidedb/tide/internal/base"
	"github.com/tidedb/tide/internal/compression"
	"github.com/tidedb/tide/internal/crc"
	"github.com/tidedb/tide/vfs"
)

// WriterMetadata holds info about a finished table.
type WriterMetadata struct {
	Size           uint64
	NumEntries     uint64
	SmallestPoint  base.InternalKey
	LargestPoint   base.InternalKey
	SmallestSeqNum base.SeqNum
	LargestSeqNum  base.SeqNum
}

func (m *WriterMetadata) updateSeqNum(seqNum base.SeqNum) {
	if m.SmallestSeqNum > seqNum {
		m.SmallestSeqNum = seqNum
	}
	if m.LargestSeqNum < seqNum {
		m.LargestSeqNum = seqNum
	}
}

// Writer is a table writer.
type Writer struct {
	file      vfs.File
	bufWriter *bufio.Writer
	err       error
	closed    bool
	meta      WriterMetadata
	// The next fields are copied from the WriterOptions.
	blockSize          int
	blockSizeThreshold int
	compare            base.Compare
	separator          base.Separator
	successor          base.Successor
	formatKey          base.FormatKey
	compressor         compression.Compressor
	// A table is a series of blocks and a block's index entry contains a
	// separator key between one block and the next. Thus, a finished block
	// cannot be written until the first key in the next block is seen.
	// pendingBH is the blockHandle of a finished block that is waiting for
	// the next call to Add. If the writer is not in this state, pendingBH
	// is zero.
	pendingBH BlockHandle
	// offset is the offset (relative to the table start) of the next block
	// to be written.
	offset uint64
	// lastKey is a copy of the key most recently passed to Add.
	lastKey    base.InternalKey
	block      blockWriter
	indexBlock blockWriter
	// compressedBuf is the destination buffer for compression. It is re-used
	// over the lifetime of the writer, avoiding the allocation of a temporary
	// buffer for each block.
	compressedBuf []byte
	// filter accumulates the filter block. It is nil if no filter policy is
	// configured.
	filter filterWriter
	// tmp is a scratch buffer, large enough to hold either footerLen bytes,
	// blockTrailerLen bytes, or a block handle.
	tmp [footerLen]byte
}

// NewWriter returns a new table writer for the file. Closing the writer will
// close the file.
func NewWriter(f vfs.File, o WriterOptions) *Writer {
	o = o.ensureDefaults()
	w := &Writer{
		file:               f,
		bufWriter:          bufio.NewWriter(f),
		blockSize:          o.BlockSize,
		blockSizeThreshold: (o.BlockSize*o.BlockSizeThreshold + 99) / 100,
		compare:            o.Comparer.Compare,
		separator:          o.Comparer.Separator,
		successor:          o.Comparer.Successor,
		formatKey:          o.Comparer.FormatKey,
		compressor:         compression.GetCompressor(o.Compression.algorithm()),
		block: blockWriter{
			restartInterval: o.BlockRestartInterval,
		},
		indexBlock: blockWriter{
			restartInterval: 1,
		},
	}
	w.meta.SmallestSeqNum = base.SeqNumMax
	if o.FilterPolicy != nil {
		switch o.FilterType {
		case base.TableFilter:
			w.filter = newTableFilterWriter(o.FilterPolicy)
		default:
			w.filter = newBlockFilterWriter(o.FilterPolicy)
		}
	}
	return w
}

// Add adds a key/value pair to the table being written. For a given Writer,
// the keys passed to Add must be in strictly increasing order. The caller
// retains ownership of the key and value after Add returns.
func (w *Writer) Add(key base.InternalKey, value []byte) error {
	if w.err != nil {
		return w.err
	}
	if w.meta.NumEntries > 0 && base.InternalCompare(w.compare, w.lastKey, key) >= 0 {
		w.err = errors.Mark(
			errors.Errorf("tide/table: Add called in non-increasing key order: %s, %s",
				w.lastKey.Pretty(w.formatKey), key.Pretty(w.formatKey)),
			base.ErrInvalidOrder)
		return w.err
	}

	if w.shouldFlush(key, value) {
		if err := w.finishDataBlock(); err != nil {
			w.err = err
			return err
		}
	}
	w.flushPendingBH(key)

	if w.filter != nil {
		w.filter.addKey(key.UserKey)
	}
	w.block.add(key, value)

	if w.meta.NumEntries == 0 {
		w.meta.SmallestPoint = key.Clone()
	}
	w.lastKey.CopyFrom(key)
	w.meta.updateSeqNum(key.SeqNum())
	w.meta.NumEntries++
	return nil
}

// shouldFlush reports whether the current data block should be finished
// before the entry is added.
func (w *Writer) shouldFlush(key base.InternalKey, value []byte) bool {
	if w.block.nEntries == 0 {
		return false
	}
	size := w.block.estimatedSize()
	if size >= w.blockSize {
		return true
	}
	if size < w.blockSizeThreshold {
		return false
	}
	// The entry may share a prefix with the previous key, but a full encoding
	// is a good enough upper bound.
	newSize := size + key.Size() + len(value) + 3*binary.MaxVarintLen32
	if w.block.nEntries%w.block.restartInterval == 0 {
		newSize += 4
	}
	return newSize > w.blockSize
}

// flushPendingBH adds any pending block handle to the index entries.
func (w *Writer) flushPendingBH(key base.InternalKey) {
	if w.pendingBH.Length == 0 {
		// A valid blockHandle must be non-zero.
		// In particular, it must have a non-zero length.
		return
	}
	w.addIndexEntry(w.lastKey.Separator(w.compare, w.separator, nil, key))
}

func (w *Writer) addIndexEntry(sep base.InternalKey) {
	n := encodeBlockHandle(w.tmp[:], w.pendingBH)
	w.indexBlock.add(sep, w.tmp[:n])
	w.pendingBH = BlockHandle{}
}

func (w *Writer) finishDataBlock() error {
	bh, err := w.finishBlock(&w.block, true /* compress */)
	if err != nil {
		return err
	}
	w.pendingBH = bh
	// Calculate filters.
	if w.filter != nil {
		if err := w.filter.finishBlock(w.offset); err != nil {
			return err
		}
	}
	return nil
}

// finishBlock finishes the block and writes it to the file, returning its
// block handle, which is its offset and length in the table.
func (w *Writer) finishBlock(bw *blockWriter, compress bool) (BlockHandle, error) {
	b := bw.finish()

	// Compress the buffer, discarding the result if the improvement isn't at
	// least 12.5%.
	blockType := byte(compression.NoCompression)
	if compress && w.compressor.Algorithm() != compression.NoCompression {
		compressed := w.compressor.Compress(w.compressedBuf[:0], b)
		w.compressedBuf = compressed[:cap(compressed)]
		if compression.MinReduction(len(b), len(compressed)) {
			blockType = byte(w.compressor.Algorithm())
			b = compressed
		}
	}
	bh, err := w.writeRawBlock(b, blockType)

	// Reset the per-block state.
	bw.reset()
	return bh, err
}

func (w *Writer) writeRawBlock(b []byte, blockType byte) (BlockHandle, error) {
	w.tmp[0] = blockType

	// Calculate the checksum.
	checksum := crc.New(b).Update(w.tmp[:1]).Value()
	binary.LittleEndian.PutUint32(w.tmp[1:5], checksum)

	// Write the bytes to the file.
	if _, err := w.bufWriter.Write(b); err != nil {
		return BlockHandle{}, err
	}
	if _, err := w.bufWriter.Write(w.tmp[:blockTrailerLen]); err != nil {
		return BlockHandle{}, err
	}
	bh := BlockHandle{w.offset, uint64(len(b))}
	w.offset += uint64(len(b)) + blockTrailerLen
	return bh, nil
}

// EstimatedSize returns the estimated size of the table being written if a
// call to Close() was made without adding additional keys.
func (w *Writer) EstimatedSize() uint64 {
	return w.offset + uint64(w.block.estimatedSize()+w.indexBlock.estimatedSize())
}

// Metadata returns the metadata for the finished table. Only valid to call
// after the table has been finished.
func (w *Writer) Metadata() (*WriterMetadata, error) {
	if !w.closed {
		return nil, errors.New("tide/table: writer is not closed")
	}
	return &w.meta, nil
}

// Close finishes writing the table, syncs and closes the file.
func (w *Writer) Close() (err error) {
	defer func() {
		if w.file == nil {
			return
		}
		err1 := w.file.Close()
		if err == nil {
			err = err1
		}
		w.file = nil
	}()
	if w.err != nil {
		return w.err
	}
	w.closed = true
	defer w.compressor.Close()

	// Finish the last data block, or force an empty data block if there
	// aren't any data blocks at all.
	if w.block.nEntries > 0 || w.indexBlock.nEntries == 0 {
		if err := w.finishDataBlock(); err != nil {
			w.err = err
			return err
		}
	}
	if w.pendingBH.Length != 0 {
		w.addIndexEntry(w.lastKey.Successor(w.compare, w.successor, nil))
	}

	// Write the filter block.
	var metaindex blockWriter
	metaindex.restartInterval = 1
	if w.filter != nil {
		b, err := w.filter.finish()
		if err != nil {
			w.err = err
			return err
		}
		if b != nil {
			bh, err := w.writeRawBlock(b, byte(compression.NoCompression))
			if err != nil {
				w.err = err
				return err
			}
			n := encodeBlockHandle(w.tmp[:], bh)
			metaindex.addRaw([]byte(w.filter.metaName()), w.tmp[:n])
		}
	}

	// Write the metaindex block. It might be an empty block, if the filter
	// policy is nil.
	var f footer
	if f.metaindexBH, err = w.finishBlock(&metaindex, false /* compress */); err != nil {
		w.err = err
		return err
	}

	// Write the index block.
	if f.indexBH, err = w.finishBlock(&w.indexBlock, true /* compress */); err != nil {
		w.err = err
		return err
	}

	// Write the table footer.
	if _, err := w.bufWriter.Write(encodeFooter(w.tmp[:], f)); err != nil {
		w.err = err
		return err
	}
	w.offset += footerLen
	w.meta.Size = w.offset
	if w.meta.NumEntries > 0 {
		w.meta.LargestPoint = w.lastKey.Clone()
	}

	// Flush the buffer and make the table durable.
	if err := w.bufWriter.Flush(); err != nil {
		w.err = err
		return err
	}
	if err := w.file.Sync(); err != nil {
		w.err = err
		return err
	}

	// Make any future calls to Add or Close return an error.
	w.err = errors.New("tide/table: writer is closed")
	return nil
}
