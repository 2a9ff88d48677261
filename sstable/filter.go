// Copyright 2011 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package sstable

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
	"github.com/tidedb/tide/internal/base"
)

// filterBaseLog being 11 means that we generate a new filter for every 2KiB of
// data.
//
// It's a little unfortunate that this is 11, whilst the default BlockSize is
// 1<<12 or 4KiB, so that in practice, every second filter is empty, but both
// values match the LevelDB format.
const filterBaseLog = 11

type filterWriter interface {
	addKey(key []byte)
	finishBlock(blockOffset uint64) error
	finish() ([]byte, error)
	metaName() string
	policyName() string
}

// blockFilterWriter builds a filter block holding one filter per 2KiB range
// of data block offsets.
type blockFilterWriter struct {
	policy base.FilterPolicy
	writer base.FilterWriter
	// count is the count of the number of keys added to the current filter.
	count int
	// data and offsets are the per-block filters for the overall table.
	data    []byte
	offsets []uint32
}

func newBlockFilterWriter(policy base.FilterPolicy) *blockFilterWriter {
	return &blockFilterWriter{
		policy: policy,
		writer: policy.NewWriter(base.BlockFilter),
	}
}

func (f *blockFilterWriter) addKey(key []byte) {
	f.writer.AddKey(key)
	f.count++
}

func (f *blockFilterWriter) appendOffset() error {
	o := len(f.data)
	if uint64(o) > 1<<32-1 {
		return errors.New("tide/table: filter data is too long")
	}
	f.offsets = append(f.offsets, uint32(o))
	return nil
}

func (f *blockFilterWriter) emit() error {
	if err := f.appendOffset(); err != nil {
		return err
	}
	if f.count == 0 {
		return nil
	}
	f.data = f.writer.Finish(f.data)
	f.count = 0
	return nil
}

func (f *blockFilterWriter) finishBlock(blockOffset uint64) error {
	for i := blockOffset >> filterBaseLog; i > uint64(len(f.offsets)); {
		if err := f.emit(); err != nil {
			return err
		}
	}
	return nil
}

func (f *blockFilterWriter) finish() ([]byte, error) {
	if f.count > 0 {
		if err := f.emit(); err != nil {
			return nil, err
		}
	}
	if err := f.appendOffset(); err != nil {
		return nil, err
	}

	// The final offset is the start of the offset array.
	for _, x := range f.offsets {
		f.data = binary.LittleEndian.AppendUint32(f.data, x)
	}
	f.data = append(f.data, filterBaseLog)
	return f.data, nil
}

func (f *blockFilterWriter) metaName() string {
	return metaFilterPrefix + f.policy.Name()
}

func (f *blockFilterWriter) policyName() string {
	return f.policy.Name()
}

// tableFilterWriter builds a single filter over every key in the table.
type tableFilterWriter struct {
	policy base.FilterPolicy
	writer base.FilterWriter
	count  int
}

func newTableFilterWriter(policy base.FilterPolicy) *tableFilterWriter {
	return &tableFilterWriter{
		policy: policy,
		writer: policy.NewWriter(base.TableFilter),
	}
}

func (f *tableFilterWriter) addKey(key []byte) {
	f.writer.AddKey(key)
	f.count++
}

func (f *tableFilterWriter) finishBlock(blockOffset uint64) error {
	return nil
}

func (f *tableFilterWriter) finish() ([]byte, error) {
	if f.count == 0 {
		return nil, nil
	}
	return f.writer.Finish(nil), nil
}

func (f *tableFilterWriter) metaName() string {
	return metaFullFilterPrefix + f.policy.Name()
}

func (f *tableFilterWriter) policyName() string {
	return f.policy.Name()
}

// blockFilterReader reads a filter block written by blockFilterWriter.
type blockFilterReader struct {
	policy base.FilterPolicy
	data   []byte
	// offsets holds the filter offsets followed by the offset of the offset
	// array itself, so that the limit of the last filter can be read like any
	// other.
	offsets []byte
	num     uint64
	shift   uint32
}

func newBlockFilterReader(data []byte, policy base.FilterPolicy) (*blockFilterReader, bool) {
	n := len(data)
	if n < 5 {
		return nil, false
	}
	lastOffset := binary.LittleEndian.Uint32(data[n-5:])
	if uint64(lastOffset) > uint64(n-5) {
		return nil, false
	}
	return &blockFilterReader{
		policy:  policy,
		data:    data[:lastOffset],
		offsets: data[lastOffset : n-1],
		num:     uint64(n-5-int(lastOffset)) / 4,
		shift:   uint32(data[n-1]),
	}, true
}

// mayContain returns whether the filter for the data block at blockOffset may
// contain key. Malformed filters are treated as potential matches.
func (f *blockFilterReader) mayContain(blockOffset uint64, key []byte) bool {
	index := blockOffset >> f.shift
	if index >= f.num {
		return true
	}
	start := binary.LittleEndian.Uint32(f.offsets[4*index:])
	limit := binary.LittleEndian.Uint32(f.offsets[4*index+4:])
	if start > limit || uint64(limit) > uint64(len(f.data)) {
		return true
	}
	if start == limit {
		// Empty filters do not match any keys.
		return false
	}
	return f.policy.MayContain(base.BlockFilter, f.data[start:limit], key)
}

type tableFilterReader struct {
	policy base.FilterPolicy
	data   []byte
}

func (f *tableFilterReader) mayContain(key []byte) bool {
	return f.policy.MayContain(base.TableFilter, f.data, key)
}
