// Copyright 2011 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package sstable

import (
	"cmp"
	"fmt"
	"io"
	"slices"

	"github.com/tidedb/tide/internal/base"
)

// Layout describes the block organization of a table.
type Layout struct {
	Data      []BlockHandle
	Index     BlockHandle
	Filter    BlockHandle
	MetaIndex BlockHandle
	Footer    BlockHandle
}

// Describe writes a description of the layout to w. If verbose is true, the
// entries of every data block are written as well, formatted by fmtKV.
func (l *Layout) Describe(
	w io.Writer, verbose bool, r *Reader, fmtKV func(key base.InternalKey, value []byte) string,
) {
	type namedBlockHandle struct {
		BlockHandle
		name string
	}
	var blocks []namedBlockHandle
	for i := range l.Data {
		blocks = append(blocks, namedBlockHandle{l.Data[i], "data"})
	}
	blocks = append(blocks, namedBlockHandle{l.Index, "index"})
	if l.Filter.Length != 0 {
		blocks = append(blocks, namedBlockHandle{l.Filter, "filter"})
	}
	blocks = append(blocks, namedBlockHandle{l.MetaIndex, "meta-index"})
	blocks = append(blocks, namedBlockHandle{l.Footer, "footer"})
	slices.SortFunc(blocks, func(a, b namedBlockHandle) int {
		return cmp.Compare(a.Offset, b.Offset)
	})

	for i := range blocks {
		b := &blocks[i]
		fmt.Fprintf(w, "%10d  %s (%d)\n", b.Offset, b.name, b.Length)
		if !verbose || b.name != "data" || r == nil {
			continue
		}
		h, err := r.readBlock(b.BlockHandle)
		if err != nil {
			fmt.Fprintf(w, "%10s  [err: %s]\n", "", err)
			continue
		}
		var iter blockIter
		if err := iter.initHandle(r.comparer.Compare, h, false); err != nil {
			fmt.Fprintf(w, "%10s  [err: %s]\n", "", err)
			continue
		}
		for iter.First(); iter.Valid(); iter.Next() {
			if fmtKV != nil {
				fmt.Fprintf(w, "%10d    %s\n", b.Offset+uint64(iter.offset), fmtKV(iter.Key(), iter.Value()))
			} else {
				fmt.Fprintf(w, "%10d    %s\n", b.Offset+uint64(iter.offset), iter.Key())
			}
		}
		if err := iter.Close(); err != nil {
			fmt.Fprintf(w, "%10s  [err: %s]\n", "", err)
		}
	}
}
