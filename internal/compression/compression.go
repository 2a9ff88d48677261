// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package compression implements the block codecs used by sstables. Each
// Algorithm value is also the block type byte written to disk in the block
// trailer, so the constants must not change.
package compression

import (
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/redact"
	"github.com/tidedb/tide/internal/base"
)

// Algorithm identifies a compression algorithm.
type Algorithm uint8

// The available algorithms.
const (
	NoCompression Algorithm = 0
	Snappy        Algorithm = 1
	Zstd          Algorithm = 2
	MinLZ         Algorithm = 8
)

// String implements fmt.Stringer.
func (a Algorithm) String() string {
	switch a {
	case NoCompression:
		return "NoCompression"
	case Snappy:
		return "Snappy"
	case Zstd:
		return "ZSTD"
	case MinLZ:
		return "MinLZ"
	}
	return "Unknown"
}

// SafeFormat implements redact.SafeFormatter.
func (a Algorithm) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Print(redact.SafeString(a.String()))
}

// ParseAlgorithm parses the string form of an Algorithm.
func ParseAlgorithm(s string) (Algorithm, bool) {
	for _, a := range []Algorithm{NoCompression, Snappy, Zstd, MinLZ} {
		if a.String() == s {
			return a, true
		}
	}
	return 0, false
}

// Compressor compresses blocks.
type Compressor interface {
	// Algorithm returns the algorithm that the compressor writes.
	Algorithm() Algorithm

	// Compress a block, appending the compressed data to dst[:0].
	Compress(dst, src []byte) []byte

	// Close must be called when the Compressor is no longer needed.
	// After Close is called, the Compressor must not be used again.
	Close()
}

// Decompressor decompresses blocks.
type Decompressor interface {
	// DecompressInto decompresses compressed into buf. The buf slice must
	// have the exact size as the decompressed value. Callers may use
	// DecompressedLen to determine the correct size.
	DecompressInto(buf, compressed []byte) error

	// DecompressedLen returns the length of the provided block once
	// decompressed, allowing the caller to allocate a buffer exactly sized
	// to the decompressed payload.
	DecompressedLen(b []byte) (decompressedLen int, err error)

	// Close must be called when the Decompressor is no longer needed.
	// After Close is called, the Decompressor must not be used again.
	Close()
}

// GetCompressor returns a Compressor for the given algorithm. Unknown
// algorithms fall back to no compression.
func GetCompressor(a Algorithm) Compressor {
	switch a {
	case Snappy:
		return snappyCompressor{}
	case Zstd:
		return getZstdCompressor()
	case MinLZ:
		return getMinlzCompressor()
	default:
		return noopCompressor{}
	}
}

// GetDecompressor returns a Decompressor for the given algorithm. An unknown
// algorithm indicates a corrupt block.
func GetDecompressor(a Algorithm) (Decompressor, error) {
	switch a {
	case NoCompression:
		return noopDecompressor{}, nil
	case Snappy:
		return snappyDecompressor{}, nil
	case Zstd:
		return zstdDecompressor{}, nil
	case MinLZ:
		return minlzDecompressor{}, nil
	default:
		return nil, base.CorruptionErrorf("tide: unknown block compression: %d", errors.Safe(a))
	}
}

// MinReduction returns true if compressing a block of rawLen bytes into
// compressedLen bytes saves at least 12.5% of the raw size. Blocks that do
// not compress well are stored raw.
func MinReduction(rawLen, compressedLen int) bool {
	return compressedLen < rawLen-rawLen/8
}

// Decompress decompresses b, written with algorithm a, into a newly
// allocated buffer. Uncompressed blocks are returned as is.
func Decompress(a Algorithm, b []byte) ([]byte, error) {
	if a == NoCompression {
		return b, nil
	}
	d, err := GetDecompressor(a)
	if err != nil {
		return nil, err
	}
	defer d.Close()
	n, err := d.DecompressedLen(b)
	if err != nil {
		return nil, base.MarkCorruptionError(err)
	}
	buf := make([]byte, n)
	if err := d.DecompressInto(buf, b); err != nil {
		return nil, base.MarkCorruptionError(err)
	}
	return buf, nil
}
