// Copyright 2019 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package sstable

import (
	"github.com/tidedb/tide/internal/base"
	"github.com/tidedb/tide/internal/cache"
	"github.com/tidedb/tide/internal/compression"
)

// Compression is the per-block compression algorithm to use.
type Compression int

// The available compression types.
const (
	DefaultCompression Compression = iota
	NoCompression
	SnappyCompression
	ZstdCompression
	MinLZCompression
	NCompression
)

var compressionNames = [...]string{
	DefaultCompression: "Default",
	NoCompression:      "NoCompression",
	SnappyCompression:  "Snappy",
	ZstdCompression:    "ZSTD",
	MinLZCompression:   "MinLZ",
}

func (c Compression) String() string {
	if c < 0 || c >= NCompression {
		return "Unknown"
	}
	return compressionNames[c]
}

// ParseCompression parses the String form of a Compression.
func ParseCompression(s string) (Compression, bool) {
	for c := DefaultCompression; c < NCompression; c++ {
		if compressionNames[c] == s {
			return c, true
		}
	}
	return 0, false
}

func (c Compression) algorithm() compression.Algorithm {
	switch c {
	case NoCompression:
		return compression.NoCompression
	case ZstdCompression:
		return compression.Zstd
	case MinLZCompression:
		return compression.MinLZ
	default:
		return compression.Snappy
	}
}

// WriterOptions holds the parameters used to control building a table.
type WriterOptions struct {
	// BlockRestartInterval is the number of keys between restart points
	// for delta encoding of keys.
	//
	// The default value is 16.
	BlockRestartInterval int

	// BlockSize is the target uncompressed size in bytes of each table block.
	//
	// The default value is 4096.
	BlockSize int

	// BlockSizeThreshold finishes a block if the block size is larger than the
	// specified percentage of the target block size and adding the next entry
	// would cause the block to be larger than the target block size.
	//
	// The default value is 90.
	BlockSizeThreshold int

	// Comparer defines a total ordering over the space of []byte keys: a 'less
	// than' relationship. The same comparison algorithm must be used for reads
	// and writes over the lifetime of the DB.
	//
	// The default value uses the same ordering as bytes.Compare.
	Comparer *base.Comparer

	// Compression defines the per-block compression to use.
	//
	// The default value (DefaultCompression) uses snappy compression.
	Compression Compression

	// FilterPolicy defines a filter algorithm (such as a Bloom filter) that can
	// reduce disk reads for Get calls.
	//
	// One such implementation is bloom.FilterPolicy(10) from the tide/bloom
	// package.
	//
	// The default value means to use no filter.
	FilterPolicy base.FilterPolicy

	// FilterType defines whether an existing filter policy is applied at a
	// block-level or table-level. Block-level filters use less memory to create,
	// but are slower to access as a check for the key in the index must first be
	// performed to locate the filter block. A table-level filter will require
	// memory proportional to the number of keys in an sstable to create, but
	// avoids the index lookup when determining if a key is present. Table-level
	// filters should be preferred except under constrained memory situations.
	FilterType base.FilterType
}

func (o WriterOptions) ensureDefaults() WriterOptions {
	if o.BlockRestartInterval <= 0 {
		o.BlockRestartInterval = 16
	}
	if o.BlockSize <= 0 {
		o.BlockSize = 4096
	}
	if o.BlockSizeThreshold <= 0 {
		o.BlockSizeThreshold = 90
	}
	o.Comparer = o.Comparer.EnsureDefaults()
	return o
}

// ReaderOptions holds the parameters needed for reading a table.
type ReaderOptions struct {
	// Cache is used to cache uncompressed blocks from tables. If nil, blocks
	// are read from the file on every access.
	Cache *cache.Cache

	// CacheID namespaces the reader's blocks in Cache. It is allocated by
	// Cache.NewID and shared by every table of a DB.
	CacheID uint64

	// FileNum is the table's file number, used as part of the cache key.
	FileNum base.FileNum

	// Comparer defines the ordering the table was written with.
	Comparer *base.Comparer

	// Filters is a map from filter policy name to filter policy. Filters with
	// policies that are not in this map will be ignored.
	Filters map[string]base.FilterPolicy
}

func (o ReaderOptions) ensureDefaults() ReaderOptions {
	o.Comparer = o.Comparer.EnsureDefaults()
	if o.Cache != nil && o.CacheID == 0 {
		o.CacheID = o.Cache.NewID()
	}
	return o
}
