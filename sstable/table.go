// Copyright 2011 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

/*
Package sstable implements readers and writers of tide tables, which use the
LevelDB table format.

Tables are either opened for reading or created for writing but not both.

A reader can create iterators, which allow seeking and next/prev
iteration. There may be multiple key/value pairs that have the same user key
and different sequence numbers.

A reader can be used concurrently. Multiple goroutines can call NewIter
concurrently, and each iterator can run concurrently with other iterators.
However, any particular iterator should not be used concurrently, and iterators
should not be used once a reader is closed.

A writer writes key/value pairs in increasing internal key order, and cannot be
used concurrently. A table cannot be read until the writer has finished.

To return the value for a key:

	r, err := sstable.NewReader(file, sstable.ReaderOptions{})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return r.Get(key)

To count the number of entries in a table:

	i, n := r.NewIter(), 0
	for i.First(); i.Valid(); i.Next() {
		n++
	}
	if err := i.Close(); err != nil {
		return 0, err
	}
	return n, nil

To write a table with three entries:

	w := sstable.NewWriter(file, sstable.WriterOptions{})
	for i, k := range []string{"apple", "banana", "cherry"} {
		ikey := base.MakeInternalKey([]byte(k), base.SeqNum(i+1), base.InternalKeyKindSet)
		if err := w.Add(ikey, []byte("red")); err != nil {
			w.Close()
			return err
		}
	}
	return w.Close()
*/
package sstable

import (
	"encoding/binary"

	"github.com/tidedb/tide/internal/base"
)

/*
The table file format looks like:

<start_of_file>
[data block 0]
[data block 1]
...
[data block N-1]
[meta block 0]
[meta block 1]
...
[meta block K-1]
[metaindex block]
[index block]
[footer]
<end_of_file>

Each block consists of some data and a 5 byte trailer: a 1 byte block type and
a 4 byte checksum of the compressed data and the type byte. The block type
gives the per-block compression used; each block is compressed independently.
The checksum algorithm is described in the internal/crc package.

The decompressed block data consists of a sequence of key/value entries
followed by a trailer. Each key is encoded as a shared prefix length and a
remainder string. For example, if two adjacent keys are "tweedledee" and
"tweedledum", then the second key would be encoded as {8, "um"}. The shared
prefix length is varint encoded. The remainder string and the value are
encoded as a varint-encoded length followed by the literal contents. To
continue the example, suppose that the key "tweedledum" mapped to the value
"socks". The encoded key/value entry would be: "\x08\x02\x05umsocks".

Every block has a restart interval I. Every I'th key/value entry in that block
is called a restart point, and shares no key prefix with the previous entry.
If a block has P restart points, then the block trailer consists of (P+1)*4
bytes: (P+1) little-endian uint32 values. The first P of these uint32 values
are the block offsets of each restart point. The final uint32 value is P
itself. Thus, when seeking for a particular key, one can use binary search to
find the largest restart point whose key is <= the key sought.

Data block keys are encoded internal keys: the user key followed by the
8-byte little-endian trailer (seqNum<<8 | kind).

An index block is a block with N key/value entries. The i'th value is the
encoded block handle of the i'th data block. The i'th key is a separator for
i < N-1, and a successor for i == N-1. The separator between blocks i and i+1
is a key that is >= every key in block i and is < every key i block i+1. The
successor for the final block is a key that is >= every key in block N-1. The
index block restart interval is 1: every entry is a restart point.

The metaindex block maps "filter.<policy name>" (one filter per 2KiB of data
block offsets) or "fullfilter.<policy name>" (one filter for the table) to the
handle of the filter block.

The footer is a fixed length of 48 bytes: the metaindex and index block
handles, zero padding to 40 bytes, and the 8 byte magic number.
*/

const (
	blockTrailerLen = 5
	blockHandleLen  = 2 * binary.MaxVarintLen64
	footerLen       = 48

	magic = "\x57\xfb\x80\x8b\x24\x75\x47\xdb"

	metaFilterPrefix     = "filter."
	metaFullFilterPrefix = "fullfilter."
)

// BlockHandle is the file offset and length of a block, excluding the block
// trailer.
type BlockHandle struct {
	Offset, Length uint64
}

// decodeBlockHandle returns the block handle encoded at the start of src, as
// well as the number of bytes it occupies. It returns zero if given invalid
// input.
func decodeBlockHandle(src []byte) (BlockHandle, int) {
	offset, n := binary.Uvarint(src)
	if n <= 0 {
		return BlockHandle{}, 0
	}
	length, m := binary.Uvarint(src[n:])
	if m <= 0 {
		return BlockHandle{}, 0
	}
	return BlockHandle{offset, length}, n + m
}

func encodeBlockHandle(dst []byte, b BlockHandle) int {
	n := binary.PutUvarint(dst, b.Offset)
	m := binary.PutUvarint(dst[n:], b.Length)
	return n + m
}

type footer struct {
	metaindexBH BlockHandle
	indexBH     BlockHandle
}

func encodeFooter(buf []byte, f footer) []byte {
	buf = buf[:footerLen]
	clear(buf)
	n := encodeBlockHandle(buf, f.metaindexBH)
	encodeBlockHandle(buf[n:], f.indexBH)
	copy(buf[footerLen-len(magic):], magic)
	return buf
}

func decodeFooter(buf []byte) (footer, error) {
	if len(buf) != footerLen {
		return footer{}, base.CorruptionErrorf("tide/table: invalid table (footer too short)")
	}
	if string(buf[footerLen-len(magic):]) != magic {
		return footer{}, base.CorruptionErrorf("tide/table: invalid table (bad magic number)")
	}
	var f footer
	var n int
	f.metaindexBH, n = decodeBlockHandle(buf)
	if n == 0 {
		return footer{}, base.CorruptionErrorf("tide/table: invalid table (bad metaindex block handle)")
	}
	buf = buf[n:]
	f.indexBH, n = decodeBlockHandle(buf)
	if n == 0 {
		return footer{}, base.CorruptionErrorf("tide/table: invalid table (bad index block handle)")
	}
	return f, nil
}
