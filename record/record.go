// Copyright 2011 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package record implements the framing shared by write-ahead logs and
// manifests: a file is a sequence of records, each an arbitrary byte string.
//
// The file is cut into 32KiB blocks. A block holds tightly packed chunks, and
// no chunk crosses a block boundary; a block tail too short for a chunk
// header is zero filled. Every chunk starts with a 7 byte header:
//
//	+----------+-----------+-----------+--- ... ---+
//	| CRC (4B) | Size (2B) | Type (1B) | Payload   |
//	+----------+-----------+-----------+--- ... ---+
//
// The CRC is the masked CRC-32C of the type byte and the payload. A record is
// either a single full chunk, or a first chunk, any number of middle chunks
// and a last chunk.
//
// Damage is confined to blocks: after a bad chunk, Reader.Recover resumes at
// the next block that starts a record.
//
// Readers and Writers are not safe for concurrent use.
package record

import (
	"encoding/binary"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/tidedb/tide/internal/crc"
)

type chunkType uint8

// Chunk types are part of the file format.
const (
	fullChunk   chunkType = 1
	firstChunk  chunkType = 2
	middleChunk chunkType = 3
	lastChunk   chunkType = 4
)

func (t chunkType) startsRecord() bool { return t == fullChunk || t == firstChunk }
func (t chunkType) endsRecord() bool   { return t == fullChunk || t == lastChunk }

const (
	blockSize  = 32 << 10
	headerSize = 7
)

var (
	// ErrZeroedChunk is returned when a chunk header is all zeroes, as left
	// behind by preallocation or a crash before the block was written.
	ErrZeroedChunk = errors.New("tide/record: zeroed chunk")

	// ErrInvalidChunk is returned for a chunk whose type, length or checksum
	// is wrong, typically the torn tail of a log.
	ErrInvalidChunk = errors.New("tide/record: invalid chunk")
)

// IsInvalidRecord reports whether err marks a damaged or truncated record,
// which recovery code treats like the end of the file.
func IsInvalidRecord(err error) bool {
	return err == ErrZeroedChunk || err == ErrInvalidChunk || err == io.ErrUnexpectedEOF
}

// Reader reads records from an io.Reader.
type Reader struct {
	src io.Reader
	// blockIdx is the index of the block held in block, or -1 before the
	// first read. Only the final block of a file has blockLen < blockSize.
	blockIdx int64
	blockLen int
	// block[chunkStart:chunkEnd] is the unread payload of the current chunk.
	chunkStart, chunkEnd int
	// lastChunk is set when the current chunk ends its record.
	lastChunk bool
	// resyncing is set by Recover until a record start is found.
	resyncing bool
	// gen identifies the record most recently returned by Next.
	gen int
	err error
	block [blockSize]byte
}

// NewReader returns a Reader reading from src.
func NewReader(src io.Reader) *Reader {
	return &Reader{src: src, blockIdx: -1}
}

// Next returns a reader for the next record, or io.EOF once the file is
// exhausted. The returned reader is invalidated by the next call to Next or
// Recover. The previous record need not have been read to its end.
func (r *Reader) Next() (io.Reader, error) {
	r.gen++
	if r.err != nil {
		return nil, r.err
	}
	r.chunkStart = r.chunkEnd
	if r.err = r.nextChunk(true); r.err != nil {
		return nil, r.err
	}
	return recordReader{r: r, gen: r.gen}, nil
}

// Recover clears the error returned by Next or a record read, skipping to
// the next block; the following Next returns the first record starting
// there or later. Recover is a no-op if there was no error.
func (r *Reader) Recover() {
	if r.err == nil {
		return
	}
	r.err = nil
	r.resyncing = true
	r.skipBlock()
	r.gen++
}

// Offset returns the file offset just past the current chunk. Called
// between records, it is the offset of the next record.
func (r *Reader) Offset() int64 {
	if r.blockIdx < 0 {
		return 0
	}
	return r.blockIdx*blockSize + int64(r.chunkEnd)
}

// nextChunk advances to the next valid chunk, reading blocks as needed. With
// wantFirst, chunks that continue an earlier record are skipped.
func (r *Reader) nextChunk(wantFirst bool) error {
	for {
		if r.chunkEnd+headerSize > r.blockLen {
			if r.blockIdx >= 0 && r.blockLen < blockSize {
				// The short final block is used up.
				if wantFirst && r.chunkEnd == r.blockLen {
					return io.EOF
				}
				return io.ErrUnexpectedEOF
			}
			if err := r.readBlock(wantFirst); err != nil {
				return err
			}
			continue
		}

		h := r.block[r.chunkEnd : r.chunkEnd+headerSize]
		sum := binary.LittleEndian.Uint32(h[0:4])
		length := int(binary.LittleEndian.Uint16(h[4:6]))
		typ := chunkType(h[6])
		start, end := r.chunkEnd+headerSize, r.chunkEnd+headerSize+length

		var err error
		switch {
		case sum == 0 && length == 0 && typ == 0:
			if !wantFirst && !r.resyncing {
				err = ErrZeroedChunk
			}
		case typ < fullChunk || typ > lastChunk,
			end > r.blockLen,
			crc.New(r.block[start-1:end]).Value() != sum:
			if !r.resyncing {
				err = ErrInvalidChunk
			}
		default:
			r.chunkStart, r.chunkEnd = start, end
			if wantFirst && !typ.startsRecord() {
				continue
			}
			r.lastChunk = typ.endsRecord()
			r.resyncing = false
			return nil
		}
		if err != nil {
			return err
		}
		// The rest of the block is padding or damage.
		r.skipBlock()
	}
}

func (r *Reader) readBlock(wantFirst bool) error {
	n, err := io.ReadFull(r.src, r.block[:])
	switch {
	case err == io.EOF && !wantFirst:
		return io.ErrUnexpectedEOF
	case err != nil && err != io.ErrUnexpectedEOF:
		return err
	}
	r.blockIdx++
	r.blockLen = n
	r.chunkStart, r.chunkEnd = 0, 0
	return nil
}

func (r *Reader) skipBlock() {
	r.chunkStart, r.chunkEnd = r.blockLen, r.blockLen
	r.lastChunk = false
}

type recordReader struct {
	r   *Reader
	gen int
}

func (x recordReader) Read(p []byte) (int, error) {
	r := x.r
	if r.gen != x.gen {
		return 0, errors.New("tide/record: stale reader")
	}
	if r.err != nil {
		return 0, r.err
	}
	for r.chunkStart == r.chunkEnd {
		if r.lastChunk {
			return 0, io.EOF
		}
		if r.err = r.nextChunk(false); r.err != nil {
			return 0, r.err
		}
	}
	n := copy(p, r.block[r.chunkStart:r.chunkEnd])
	r.chunkStart += n
	return n, nil
}

// Writer writes records to an io.Writer. A record's bytes reach the
// underlying writer when its block fills, or when the record is completed by
// WriteRecord or Close.
type Writer struct {
	dst io.Writer
	// blockIdx is the index of the block being filled.
	blockIdx int64
	// block[chunkStart:chunkEnd] is the chunk being built, header included.
	chunkStart, chunkEnd int
	// block[:written] has been handed to dst.
	written int
	// firstChunk is set while the current chunk is the record's first.
	firstChunk bool
	// pending is set while a record chunk is open.
	pending bool
	// gen identifies the record most recently started by Next.
	gen   int
	err   error
	block [blockSize]byte
}

// NewWriter returns a Writer writing to dst.
func NewWriter(dst io.Writer) *Writer {
	return &Writer{dst: dst}
}

// Next starts a new record, completing any open one, and returns a writer
// for its bytes. The returned writer is invalidated by the next call to
// Next, WriteRecord or Close.
func (w *Writer) Next() (io.Writer, error) {
	w.gen++
	if w.err != nil {
		return nil, w.err
	}
	if w.pending {
		w.sealChunk(true)
	}
	w.chunkStart = w.chunkEnd
	w.chunkEnd += headerSize
	if w.chunkEnd > blockSize {
		// No room for a header: pad out the block.
		clear(w.block[w.chunkStart:])
		w.emitBlock()
		if w.err != nil {
			return nil, w.err
		}
	}
	w.firstChunk = true
	w.pending = true
	return recordWriter{w: w, gen: w.gen}, nil
}

// WriteRecord writes p as a complete record and hands it to the underlying
// writer. It returns the file offset just past the record.
func (w *Writer) WriteRecord(p []byte) (int64, error) {
	if w.err != nil {
		return -1, w.err
	}
	rw, err := w.Next()
	if err != nil {
		return -1, err
	}
	if _, err := rw.Write(p); err != nil {
		return -1, err
	}
	w.gen++
	w.writePending()
	return w.Size(), w.err
}

// Close completes the open record, if any, and writes it out. The Writer
// cannot be used afterwards.
func (w *Writer) Close() error {
	w.gen++
	w.writePending()
	if w.err != nil {
		return w.err
	}
	w.err = errors.New("tide/record: closed Writer")
	return nil
}

// Size returns the number of bytes written so far, counting any still
// buffered.
func (w *Writer) Size() int64 {
	if w == nil {
		return 0
	}
	return w.blockIdx*blockSize + int64(w.chunkEnd)
}

// sealChunk fills in the header of the chunk being built.
func (w *Writer) sealChunk(last bool) {
	if w.chunkStart+headerSize > w.chunkEnd || w.chunkEnd > blockSize {
		panic("tide/record: bad writer state")
	}
	var typ chunkType
	switch {
	case w.firstChunk && last:
		typ = fullChunk
	case w.firstChunk:
		typ = firstChunk
	case last:
		typ = lastChunk
	default:
		typ = middleChunk
	}
	h := w.block[w.chunkStart : w.chunkStart+headerSize]
	h[6] = byte(typ)
	binary.LittleEndian.PutUint32(h[0:4], crc.New(w.block[w.chunkStart+6:w.chunkEnd]).Value())
	binary.LittleEndian.PutUint16(h[4:6], uint16(w.chunkEnd-w.chunkStart-headerSize))
}

// emitBlock writes out the rest of the full block and starts the next one
// with room for a chunk header.
func (w *Writer) emitBlock() {
	_, w.err = w.dst.Write(w.block[w.written:])
	w.blockIdx++
	w.chunkStart, w.chunkEnd = 0, headerSize
	w.written = 0
}

// writePending completes the open record and writes out the block prefix
// that has not been written yet.
func (w *Writer) writePending() {
	if w.err != nil {
		return
	}
	if w.pending {
		w.sealChunk(true)
		w.pending = false
	}
	_, w.err = w.dst.Write(w.block[w.written:w.chunkEnd])
	w.written = w.chunkEnd
}

type recordWriter struct {
	w   *Writer
	gen int
}

func (x recordWriter) Write(p []byte) (int, error) {
	w := x.w
	if w.gen != x.gen {
		return 0, errors.New("tide/record: stale writer")
	}
	if w.err != nil {
		return 0, w.err
	}
	n := len(p)
	for len(p) > 0 {
		if w.chunkEnd == blockSize {
			w.sealChunk(false)
			w.emitBlock()
			if w.err != nil {
				return 0, w.err
			}
			w.firstChunk = false
		}
		c := copy(w.block[w.chunkEnd:], p)
		w.chunkEnd += c
		p = p[c:]
	}
	return n, nil
}
