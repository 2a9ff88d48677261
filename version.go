// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package tide

import (
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/tidedb/tide/internal/base"
)

// getStats records the file whose seek was wasted by a Get: the first table
// consulted when the lookup had to go on to a second one.
type getStats struct {
	seekFile      *fileMetadata
	seekFileLevel int
}

// tableGetter looks up a key in a single table. It returns ErrNotFound when
// the table holds no entry for the key visible at seqNum.
type tableGetter func(
	meta *fileMetadata, key []byte, seqNum base.SeqNum,
) ([]byte, base.InternalKeyTrailer, error)

// versionGet looks up key in v's tables, returning the value of the newest
// entry whose sequence number is <= seqNum.
//
// If that entry is a deletion, or there is no such entry, ErrNotFound is
// returned.
func versionGet(
	v *version, cmp Compare, get tableGetter, key []byte, seqNum base.SeqNum,
) ([]byte, getStats, error) {
	var stats getStats
	var lastFile *fileMetadata
	var lastLevel int

	// search consults a single table. found is false if the table holds no
	// visible entry for the key.
	search := func(level int, f *fileMetadata) (value []byte, trailer base.InternalKeyTrailer, found bool, err error) {
		if lastFile != nil && stats.seekFile == nil {
			// We have had more than one seek for this read. Charge the first
			// file.
			stats.seekFile, stats.seekFileLevel = lastFile, lastLevel
		}
		lastFile, lastLevel = f, level

		value, trailer, err = get(f, key, seqNum)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, 0, false, nil
			}
			return nil, 0, false, errors.Wrapf(err, "tide: could not read table %s", f.FileNum)
		}
		return value, trailer, true, nil
	}

	result := func(value []byte, trailer base.InternalKeyTrailer, f *fileMetadata) ([]byte, getStats, error) {
		switch trailer.Kind() {
		case InternalKeyKindSet:
			return value, stats, nil
		case InternalKeyKindDelete:
			return nil, stats, ErrNotFound
		}
		return nil, stats, base.CorruptionErrorf("tide: invalid internal key kind %d in table %s",
			errors.Safe(trailer.Kind()), f.FileNum)
	}

	// Level 0 files may overlap, and file number order is not always
	// sequence number order: Repair places older compaction outputs in
	// level 0. Every overlapping file is consulted and the entry with the
	// largest sequence number wins.
	var (
		bestValue   []byte
		bestTrailer base.InternalKeyTrailer
		bestFile    *fileMetadata
	)
	l0 := v.Files[0]
	for i := len(l0) - 1; i >= 0; i-- {
		f := l0[i]
		if cmp(key, f.Smallest.UserKey) < 0 || cmp(key, f.Largest.UserKey) > 0 {
			continue
		}
		value, trailer, found, err := search(0, f)
		if err != nil {
			return nil, stats, err
		}
		if found && (bestFile == nil || trailer.SeqNum() > bestTrailer.SeqNum()) {
			bestValue, bestTrailer, bestFile = value, trailer, f
		}
	}
	if bestFile != nil {
		return result(bestValue, bestTrailer, bestFile)
	}

	// The other levels are sorted by key and do not overlap, so at most one
	// file per level can hold the key.
	for level := 1; level < numLevels; level++ {
		files := v.Files[level]
		i := sort.Search(len(files), func(i int) bool {
			return cmp(files[i].Largest.UserKey, key) >= 0
		})
		if i == len(files) || cmp(key, files[i].Smallest.UserKey) < 0 {
			continue
		}
		value, trailer, found, err := search(level, files[i])
		if err != nil {
			return nil, stats, err
		}
		if found {
			return result(value, trailer, files[i])
		}
	}
	return nil, stats, ErrNotFound
}

// updateReadStats charges a wasted seek to the file recorded in stats. A file
// that runs out of allowed seeks becomes the seek compaction candidate of v,
// if v is still the current version.
func (d *DB) updateReadStats(v *version, stats getStats) {
	f := stats.seekFile
	if f == nil || f.AllowedSeeks.Add(-1) > 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if v != d.mu.versions.currentVersion() || v.FileToCompact != nil {
		return
	}
	v.FileToCompact = f
	v.FileToCompactLevel = stats.seekFileLevel
	d.maybeScheduleCompactionLocked()
}
