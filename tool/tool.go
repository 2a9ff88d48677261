// Copyright 2019 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package tool

import (
	"github.com/spf13/cobra"
	"github.com/tidedb/tide"
	"github.com/tidedb/tide/bloom"
	"github.com/tidedb/tide/internal/base"
)

// Comparer exports the base.Comparer type.
type Comparer = base.Comparer

// FilterPolicy exports the base.FilterPolicy type.
type FilterPolicy = base.FilterPolicy

// T is the container for all of the introspection tools.
type T struct {
	Commands  []*cobra.Command
	db        *dbT
	manifest  *manifestT
	sstable   *sstableT
	wal       *walT
	opts      tide.Options
	comparers map[string]*Comparer
}

// New creates a new introspection tool.
func New() *T {
	t := &T{
		opts: tide.Options{
			Filters: make(map[string]FilterPolicy),
		},
		comparers: make(map[string]*Comparer),
	}

	t.RegisterComparer(base.DefaultComparer)
	t.RegisterFilter(bloom.FilterPolicy(10))
	t.opts.EnsureDefaults()

	t.db = newDB(&t.opts, t.comparers)
	t.manifest = newManifest(&t.opts, t.comparers)
	t.sstable = newSSTable(&t.opts, t.comparers)
	t.wal = newWAL(&t.opts)
	t.Commands = []*cobra.Command{
		t.db.Root,
		t.manifest.Root,
		t.sstable.Root,
		t.wal.Root,
	}
	return t
}

// RegisterComparer registers a comparer for use by the introspection tools.
func (t *T) RegisterComparer(c *Comparer) {
	t.comparers[c.Name] = c
}

// RegisterFilter registers a filter policy for use by the introspection tools.
func (t *T) RegisterFilter(f FilterPolicy) {
	t.opts.Filters[f.Name()] = f
}
