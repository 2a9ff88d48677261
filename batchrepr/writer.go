// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package batchrepr

import (
	"encoding/binary"

	"github.com/tidedb/tide/internal/base"
)

// SetSeqNum mutates the provided batch representation, storing the provided
// sequence number in its header. The provided byte slice must already be at
// least HeaderLen bytes long or else SetSeqNum will panic.
func SetSeqNum(repr []byte, seqNum base.SeqNum) {
	binary.LittleEndian.PutUint64(repr[:countOffset], uint64(seqNum))
}

// SetCount mutates the provided batch representation, storing the provided
// count in its header. The provided byte slice must already be at least
// HeaderLen bytes long or else SetCount will panic.
func SetCount(repr []byte, count uint32) {
	binary.LittleEndian.PutUint32(repr[countOffset:HeaderLen], count)
}

// AppendEntry appends an encoded entry to repr. The value is only encoded
// for InternalKeyKindSet. The header count is not updated.
func AppendEntry(repr []byte, kind base.InternalKeyKind, ukey, value []byte) []byte {
	repr = append(repr, byte(kind))
	repr = appendStr(repr, ukey)
	if kind == base.InternalKeyKindSet {
		repr = appendStr(repr, value)
	}
	return repr
}

// EntrySize returns the encoded size of an entry.
func EntrySize(kind base.InternalKeyKind, ukey, value []byte) int {
	n := 1 + uvarintLen(uint64(len(ukey))) + len(ukey)
	if kind == base.InternalKeyKindSet {
		n += uvarintLen(uint64(len(value))) + len(value)
	}
	return n
}

func appendStr(dst, s []byte) []byte {
	dst = binary.AppendUvarint(dst, uint64(len(s)))
	return append(dst, s...)
}

func uvarintLen(v uint64) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}
