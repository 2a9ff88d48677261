// Copyright 2018 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package tide

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tidedb/tide/bloom"
	"github.com/tidedb/tide/internal/base"
)

func TestLevelOptionsDefaults(t *testing.T) {
	l := (*LevelOptions)(nil).EnsureDefaults()
	require.Equal(t, 16, l.BlockRestartInterval)
	require.Equal(t, 4096, l.BlockSize)
	require.Equal(t, 90, l.BlockSizeThreshold)
	require.Equal(t, SnappyCompression, l.Compression)
	require.EqualValues(t, 2<<20, l.TargetFileSize)
}

func TestOptionsDefaults(t *testing.T) {
	o := (*Options)(nil).EnsureDefaults()
	require.Equal(t, base.DefaultComparer.Name, o.Comparer.Name)
	require.Equal(t, DefaultCompactionPolicy, o.CompactionPolicy)
	require.Equal(t, 4, o.L0CompactionThreshold)
	require.Equal(t, 12, o.L0StopWritesThreshold)
	require.EqualValues(t, 10<<20, o.LBaseMaxBytes)
	require.Equal(t, 1000, o.MaxOpenFiles)
	require.Equal(t, 4<<20, o.MemTableSize)
	require.Len(t, o.Levels, 1)
	require.NoError(t, o.Validate())

	// Levels past the configured ones reuse the last entry.
	require.Equal(t, o.Levels[0], o.Level(5))
	require.EqualValues(t, 10<<20, o.maxBytesForLevel(1))
	require.EqualValues(t, 100<<20, o.maxBytesForLevel(2))
	require.EqualValues(t, 20<<20, o.maxGrandparentOverlapBytes(0))
	require.EqualValues(t, 50<<20, o.expandedCompactionByteSizeLimit(0))
}

func TestOptionsEnsureDefaultsStable(t *testing.T) {
	o := (&Options{}).EnsureDefaults()
	c := o.Comparer
	require.Same(t, c, o.EnsureDefaults().Comparer)

	// A comparer missing optional functions is completed once, and the
	// completed copy is kept by later calls.
	partial := &Comparer{Name: "partial", Compare: base.DefaultComparer.Compare}
	o = (&Options{Comparer: partial}).EnsureDefaults()
	require.NotSame(t, partial, o.Comparer)
	require.NotNil(t, o.Comparer.Separator)
	c = o.Comparer
	require.Same(t, c, o.EnsureDefaults().Comparer)
}

func TestOptionsValidate(t *testing.T) {
	o := (&Options{
		L0CompactionThreshold:     10,
		L0SlowdownWritesThreshold: 12,
		L0StopWritesThreshold:     8,
	}).EnsureDefaults()
	err := o.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "L0StopWritesThreshold (8) must be >= L0CompactionThreshold (10)")
	require.Contains(t, err.Error(), "L0SlowdownWritesThreshold (12) must be <= L0StopWritesThreshold (8)")
}

func TestOptionsParseRoundTrip(t *testing.T) {
	o := (&Options{
		CompactionPolicy:            SizeOnlyCompactionPolicy,
		DisableAutomaticCompactions: true,
		L0CompactionThreshold:       2,
		MemTableSize:                1 << 20,
		ParanoidChecks:              true,
		Levels: []LevelOptions{
			{Compression: ZstdCompression},
			{FilterPolicy: bloom.FilterPolicy(10), FilterType: TableFilter, TargetFileSize: 8 << 20},
		},
	}).EnsureDefaults()
	s := o.String()
	require.Contains(t, s, "compaction_policy: size-only")
	require.Contains(t, s, "compression: ZSTD")
	require.Contains(t, s, "filter_type: table")

	var p Options
	require.NoError(t, p.Parse(s))
	require.Equal(t, SizeOnlyCompactionPolicy, p.CompactionPolicy)
	require.True(t, p.DisableAutomaticCompactions)
	require.True(t, p.ParanoidChecks)
	require.Equal(t, 2, p.L0CompactionThreshold)
	require.Equal(t, 1<<20, p.MemTableSize)
	require.Len(t, p.Levels, 2)
	require.Equal(t, ZstdCompression, p.Levels[0].Compression)
	require.Nil(t, p.Levels[0].FilterPolicy)
	require.Equal(t, BlockFilter, p.Levels[0].FilterType)
	require.Equal(t, bloom.FilterPolicy(10).Name(), p.Levels[1].FilterPolicy.Name())
	require.Equal(t, TableFilter, p.Levels[1].FilterType)
	require.EqualValues(t, 8<<20, p.Levels[1].TargetFileSize)

	// Serializing the parsed options yields the same document, once the
	// fields Parse cannot populate are defaulted.
	require.Equal(t, s, p.EnsureDefaults().String())
	require.NoError(t, p.Check(s))
}

func TestOptionsParseErrors(t *testing.T) {
	good := (&Options{}).EnsureDefaults().String()
	testCases := []struct {
		name string
		doc  string
		err  string
	}{
		{"version", strings.Replace(good, "version: 1", "version: 2", 1), "unsupported options file version 2"},
		{"policy", strings.Replace(good, "compaction_policy: default", "compaction_policy: tiered", 1), "unknown compaction policy"},
		{"compression", strings.Replace(good, "compression: Snappy", "compression: LZ4", 1), "unknown compression"},
		{"filter-type", strings.Replace(good, "filter_type: block", "filter_type: partitioned", 1), "unknown filter type"},
		{"level-order", strings.Replace(good, "level: 0", "level: 3", 1), "options for level 3 out of order"},
		{"unknown-field", good + "bogus: 1\n", "parsing options"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var o Options
			err := o.Parse(tc.doc)
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.err)
		})
	}

	// A custom filter policy must be registered before it can be parsed.
	var o Options
	err := o.Parse(strings.Replace(good, "filter_policy: none", "filter_policy: custom.v1", 1))
	require.ErrorContains(t, err, "unknown filter policy")
}

func TestOptionsCheck(t *testing.T) {
	o := (&Options{}).EnsureDefaults()
	require.NoError(t, o.Check(o.String()))

	other := (&Options{Comparer: &Comparer{Name: "reverse", Compare: base.DefaultComparer.Compare}}).EnsureDefaults()
	err := other.Check(o.String())
	require.ErrorContains(t, err, `comparer name from file "leveldb.BytewiseComparator" != comparer name from options "reverse"`)
}

func TestOptionsClone(t *testing.T) {
	o := (&Options{
		Levels: []LevelOptions{{FilterPolicy: bloom.FilterPolicy(10)}},
	}).EnsureDefaults()
	c := o.Clone()
	c.Levels[0].BlockSize = 1
	c.Filters["other"] = nil
	c.MemTableSize = 1
	require.Equal(t, 4096, o.Levels[0].BlockSize)
	require.NotContains(t, o.Filters, "other")
	require.Equal(t, 4<<20, o.MemTableSize)
	require.NotNil(t, (*Options)(nil).Clone())
}
