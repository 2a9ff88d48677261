// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package compression

import (
	"encoding/binary"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/klauspost/compress/zstd"
	"github.com/tidedb/tide/internal/base"
)

// The encoder and decoder are safe for concurrent use via EncodeAll and
// DecodeAll, so a single instance of each is shared.
var zstdState struct {
	once    sync.Once
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func initZstd() {
	zstdState.once.Do(func() {
		var err error
		zstdState.encoder, err = zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.SpeedDefault), zstd.WithEncoderConcurrency(1))
		if err != nil {
			panic(err)
		}
		zstdState.decoder, err = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
		if err != nil {
			panic(err)
		}
	})
}

type zstdCompressor struct{}

var _ Compressor = zstdCompressor{}

func getZstdCompressor() Compressor {
	initZstd()
	return zstdCompressor{}
}

func (zstdCompressor) Algorithm() Algorithm { return Zstd }

// Compress prefixes the zstd frame with a varint encoding the length of the
// decompressed block.
func (zstdCompressor) Compress(dst, src []byte) []byte {
	dst = binary.AppendUvarint(dst[:0], uint64(len(src)))
	return zstdState.encoder.EncodeAll(src, dst)
}

func (zstdCompressor) Close() {}

type zstdDecompressor struct{}

var _ Decompressor = zstdDecompressor{}

func (zstdDecompressor) DecompressInto(dst, src []byte) error {
	initZstd()
	_, prefixLen := binary.Uvarint(src)
	if prefixLen <= 0 {
		return base.CorruptionErrorf("tide: compression block has invalid length")
	}
	result, err := zstdState.decoder.DecodeAll(src[prefixLen:], dst[:0])
	if err != nil {
		return err
	}
	if len(result) != len(dst) || (len(result) > 0 && &result[0] != &dst[0]) {
		return base.CorruptionErrorf("tide: decompressed into unexpected buffer: %p != %p",
			errors.Safe(result), errors.Safe(dst))
	}
	return nil
}

func (zstdDecompressor) DecompressedLen(b []byte) (decompressedLen int, err error) {
	decodedLenU64, varIntLen := binary.Uvarint(b)
	if varIntLen <= 0 {
		return 0, base.CorruptionErrorf("tide: compression block has invalid length")
	}
	return int(decodedLenU64), nil
}

func (zstdDecompressor) Close() {}
