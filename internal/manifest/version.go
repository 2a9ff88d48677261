// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package manifest

import (
	"bytes"
	"fmt"
	"slices"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/tidedb/tide/internal/base"
)

// NumLevels is the number of levels a Version contains.
const NumLevels = 7

// Compare exports the base.Compare type.
type Compare = base.Compare

// InternalKey exports the base.InternalKey type.
type InternalKey = base.InternalKey

// FileMetadata holds the metadata for an on-disk table. A FileMetadata is
// shared by every Version that lists the table, and is reference counted by
// those versions.
type FileMetadata struct {
	// refs is the number of Versions that list the file. When it drops to
	// zero the file is obsolete.
	refs atomic.Int32
	// AllowedSeeks is the number of unproductive seeks the file may absorb
	// before it is nominated for a seek-triggered compaction.
	AllowedSeeks atomic.Int64

	// FileNum is the file number.
	FileNum base.FileNum
	// Size is the size of the file, in bytes.
	Size uint64
	// Smallest and Largest are the inclusive bounds for the internal keys
	// stored in the table.
	Smallest InternalKey
	Largest  InternalKey

	// Compacting is set while the file is an input to an in-progress
	// compaction. Protected by DB.mu.
	Compacting bool
}

// Refs returns the current reference count of the file.
func (m *FileMetadata) Refs() int32 {
	return m.refs.Load()
}

// Ref increments the reference count.
func (m *FileMetadata) Ref() {
	m.refs.Add(1)
}

// Unref decrements the reference count, returning the new value.
func (m *FileMetadata) Unref() int32 {
	v := m.refs.Add(-1)
	if v < 0 {
		panic(errors.AssertionFailedf("tide: refs for file %s went negative", m.FileNum))
	}
	return v
}

// InitAllowedSeeks sets the seek budget of a newly added file. One seek is
// allowed per 16KB of data, which approximates the cost of compacting the
// file relative to the cost of the seeks it causes, with a floor of 100.
func (m *FileMetadata) InitAllowedSeeks() {
	n := int64(m.Size / 16384)
	if n < 100 {
		n = 100
	}
	m.AllowedSeeks.Store(n)
}

// String implements fmt.Stringer.
func (m *FileMetadata) String() string {
	return fmt.Sprintf("%s:[%s-%s]", m.FileNum, m.Smallest, m.Largest)
}

// DebugString returns a verbose representation including the file size.
func (m *FileMetadata) DebugString(format base.FormatKey) string {
	if format == nil {
		format = base.DefaultFormatter
	}
	return fmt.Sprintf("%s:[%s-%s] size=%d",
		m.FileNum, m.Smallest.Pretty(format), m.Largest.Pretty(format), m.Size)
}

// Validate checks that the bounds of the file are consistent.
func (m *FileMetadata) Validate(cmp Compare, format base.FormatKey) error {
	if base.InternalCompare(cmp, m.Smallest, m.Largest) > 0 {
		return base.CorruptionErrorf("file %s has inconsistent bounds: %s vs %s",
			errors.Safe(m.FileNum), m.Smallest.Pretty(format), m.Largest.Pretty(format))
	}
	return nil
}

// TotalSize returns the total size of all the files in f.
func TotalSize(f []*FileMetadata) (size uint64) {
	for _, x := range f {
		size += x.Size
	}
	return size
}

// KeyRange returns the minimum smallest and maximum largest internalKey for
// all the FileMetadata in the given slices.
func KeyRange(cmp Compare, files ...[]*FileMetadata) (smallest, largest InternalKey) {
	first := true
	for _, f := range files {
		for _, meta := range f {
			if first {
				first = false
				smallest, largest = meta.Smallest, meta.Largest
				continue
			}
			if base.InternalCompare(cmp, meta.Smallest, smallest) < 0 {
				smallest = meta.Smallest
			}
			if base.InternalCompare(cmp, meta.Largest, largest) > 0 {
				largest = meta.Largest
			}
		}
	}
	return smallest, largest
}

// SortByFileNum sorts the files by increasing file number, the order of level
// 0 files.
func SortByFileNum(files []*FileMetadata) {
	slices.SortFunc(files, func(a, b *FileMetadata) int {
		switch {
		case a.FileNum < b.FileNum:
			return -1
		case a.FileNum > b.FileNum:
			return +1
		}
		return 0
	})
}

// SortBySmallest sorts the files by increasing smallest key, the order of
// files at levels other than 0.
func SortBySmallest(files []*FileMetadata, cmp Compare) {
	slices.SortFunc(files, func(a, b *FileMetadata) int {
		return base.InternalCompare(cmp, a.Smallest, b.Smallest)
	})
}

// Version is a collection of file metadata for on-disk tables at various
// levels. In-memory DBs are written to level-0 tables, and compactions
// migrate data from level N to level N+1. The tables map internal keys (which
// are a user key, a delete or set bit, and a sequence number) to user values.
//
// The tables at level 0 are sorted by increasing fileNum. If two level 0
// tables have fileNums i and j and i < j, then the sequence numbers of every
// internal key in table i are all less than those for table j. The range of
// internal keys [fileMetadata.smallest, fileMetadata.largest] in each level 0
// table may overlap.
//
// The tables at any non-0 level are sorted by their internal key range and any
// two tables at the same non-0 level do not overlap.
//
// The internal key ranges of two tables at different levels X and Y may
// overlap, for any X != Y.
//
// Finally, for every internal key in a table at level X, there is no internal
// key in a higher level table that has both the same user key and a higher
// sequence number.
type Version struct {
	refs atomic.Int32

	Files [NumLevels][]*FileMetadata

	// The level that should be compacted next and its compaction score. A
	// score < 1 means that compaction is not strictly needed. Computed when
	// the version is installed.
	CompactionScore float64
	CompactionLevel int

	// The file nominated by seek statistics, and its level. Protected by
	// DB.mu.
	FileToCompact      *FileMetadata
	FileToCompactLevel int

	// Deleted is invoked when the last reference to the version is removed,
	// with the files that are no longer referenced by any version. Called
	// with the VersionList mutex held.
	Deleted func(obsolete []*FileMetadata)

	// The list the version is linked into.
	list *VersionList

	// The next/prev link for the VersionList doubly-linked list of versions.
	prev, next *Version
}

// String implements fmt.Stringer, printing the FileMetadata for each level in
// the Version.
func (v *Version) String() string {
	return v.DebugString(base.DefaultFormatter)
}

// DebugString returns an alternative format to String() which includes file
// sizes and uses the given formatter for user keys.
func (v *Version) DebugString(format base.FormatKey) string {
	var buf bytes.Buffer
	for level := 0; level < NumLevels; level++ {
		if len(v.Files[level]) == 0 {
			continue
		}
		fmt.Fprintf(&buf, "L%d:\n", level)
		for _, f := range v.Files[level] {
			fmt.Fprintf(&buf, "  %s\n", f.DebugString(format))
		}
	}
	return buf.String()
}

// Refs returns the number of references to the version.
func (v *Version) Refs() int32 {
	return v.refs.Load()
}

// Ref increments the version refcount.
func (v *Version) Ref() {
	v.refs.Add(1)
}

// Unref decrements the version refcount. If the last reference to the version
// was removed, the version is removed from the list of versions and the
// Deleted callback is invoked. Requires that the VersionList mutex is NOT
// locked.
func (v *Version) Unref() {
	if v.refs.Add(-1) == 0 {
		l := v.list
		l.mu.Lock()
		l.Remove(v)
		obsolete := v.unrefFiles()
		if v.Deleted != nil {
			v.Deleted(obsolete)
		}
		l.mu.Unlock()
	}
}

// UnrefLocked decrements the version refcount. If the last reference to the
// version was removed, the version is removed from the list of versions and
// the Deleted callback is invoked. Requires that the VersionList mutex is
// already locked.
func (v *Version) UnrefLocked() {
	if v.refs.Add(-1) == 0 {
		v.list.Remove(v)
		obsolete := v.unrefFiles()
		if v.Deleted != nil {
			v.Deleted(obsolete)
		}
	}
}

func (v *Version) unrefFiles() []*FileMetadata {
	var obsolete []*FileMetadata
	for _, files := range v.Files {
		for _, f := range files {
			if f.Unref() == 0 {
				obsolete = append(obsolete, f)
			}
		}
	}
	return obsolete
}

// Next returns the next version in the list of versions.
func (v *Version) Next() *Version {
	return v.next
}

// Overlaps returns all elements of v.Files[level] whose user key range
// intersects the inclusive range [start, end]. If level is non-zero then the
// user key ranges of v.Files[level] are assumed to not overlap (although they
// may touch). If level is zero then that assumption cannot be made, and the
// [start, end] range is expanded to the union of those matching ranges so far
// and the computation is repeated until [start, end] stabilizes. A nil start
// or end is treated as unbounded.
func (v *Version) Overlaps(level int, cmp Compare, start, end []byte) (ret []*FileMetadata) {
	if level != 0 {
		files := v.Files[level]
		// Binary search for the first file whose largest key is >= start.
		lo := 0
		if start != nil {
			lo = sort.Search(len(files), func(i int) bool {
				return cmp(files[i].Largest.UserKey, start) >= 0
			})
		}
		for _, f := range files[lo:] {
			if end != nil && cmp(f.Smallest.UserKey, end) > 0 {
				break
			}
			ret = append(ret, f)
		}
		return ret
	}

loop:
	for {
		for _, meta := range v.Files[level] {
			m0 := meta.Smallest.UserKey
			m1 := meta.Largest.UserKey
			if start != nil && cmp(m1, start) < 0 {
				// meta is completely before the specified range; skip it.
				continue
			}
			if end != nil && cmp(m0, end) > 0 {
				// meta is completely after the specified range; skip it.
				continue
			}
			ret = append(ret, meta)

			// Check if the newly added file has expanded the range. If so,
			// restart the search.
			restart := false
			if start != nil && cmp(m0, start) < 0 {
				start = m0
				restart = true
			}
			if end != nil && cmp(m1, end) > 0 {
				end = m1
				restart = true
			}
			if restart {
				ret = ret[:0]
				continue loop
			}
		}
		return ret
	}
}

// OverlapsAny reports whether any file at the level intersects the inclusive
// user key range [start, end]. A nil start or end is unbounded. Unlike
// Overlaps, the range is not expanded at level 0.
func (v *Version) OverlapsAny(level int, cmp Compare, start, end []byte) bool {
	for _, f := range v.Files[level] {
		if start != nil && cmp(f.Largest.UserKey, start) < 0 {
			continue
		}
		if end != nil && cmp(f.Smallest.UserKey, end) > 0 {
			if level != 0 {
				break
			}
			continue
		}
		return true
	}
	return false
}

// CheckOrdering checks that the files are consistent with respect to
// increasing file numbers (for level 0 files) and increasing and non-
// overlapping internal key ranges (for level non-0 files).
func (v *Version) CheckOrdering(cmp Compare, format base.FormatKey) error {
	for level, files := range v.Files {
		if err := CheckOrdering(cmp, format, level, files); err != nil {
			return errors.Wrapf(err, "L%d", errors.Safe(level))
		}
	}
	return nil
}

// CheckOrdering checks the ordering invariants of the files at a single
// level.
func CheckOrdering(cmp Compare, format base.FormatKey, level int, files []*FileMetadata) error {
	if format == nil {
		format = base.DefaultFormatter
	}
	if level == 0 {
		for i := 1; i < len(files); i++ {
			prev, f := files[i-1], files[i]
			if prev.FileNum >= f.FileNum {
				return base.CorruptionErrorf("L0 files %s and %s are not in increasing file number order",
					errors.Safe(prev.FileNum), errors.Safe(f.FileNum))
			}
		}
		return nil
	}
	for i, f := range files {
		if err := f.Validate(cmp, format); err != nil {
			return err
		}
		if i == 0 {
			continue
		}
		prev := files[i-1]
		if cmp(prev.Largest.UserKey, f.Smallest.UserKey) >= 0 {
			return base.CorruptionErrorf("L%d files %s and %s have overlapping ranges: [%s-%s] vs [%s-%s]",
				errors.Safe(level), errors.Safe(prev.FileNum), errors.Safe(f.FileNum),
				prev.Smallest.Pretty(format), prev.Largest.Pretty(format),
				f.Smallest.Pretty(format), f.Largest.Pretty(format))
		}
	}
	return nil
}

// VersionList holds a list of versions. The versions are ordered from oldest
// to newest.
type VersionList struct {
	mu   *sync.Mutex
	root Version
}

// Init initializes the version list.
func (l *VersionList) Init(mu *sync.Mutex) {
	l.mu = mu
	l.root.next = &l.root
	l.root.prev = &l.root
}

// Empty returns true if the list is empty, and false otherwise.
func (l *VersionList) Empty() bool {
	return l.root.next == &l.root
}

// Front returns the oldest version in the list. Note that this version is only
// valid if Empty() returns false.
func (l *VersionList) Front() *Version {
	return l.root.next
}

// Back returns the newest version in the list. Note that this version is only
// valid if Empty() returns false.
func (l *VersionList) Back() *Version {
	return l.root.prev
}

// End returns the sentinel that terminates iteration from Front via Next.
func (l *VersionList) End() *Version {
	return &l.root
}

// PushBack adds a new version to the back of the list. This new version
// becomes the "newest" version in the list.
func (l *VersionList) PushBack(v *Version) {
	if v.list != nil || v.prev != nil || v.next != nil {
		panic("tide: version list is inconsistent")
	}
	v.prev = l.root.prev
	v.prev.next = v
	v.next = &l.root
	v.next.prev = v
	v.list = l
}

// Remove removes the specified version from the list.
func (l *VersionList) Remove(v *Version) {
	if v == &l.root {
		panic("tide: cannot remove version list root node")
	}
	if v.list != l {
		panic("tide: version list is inconsistent")
	}
	v.prev.next = v.next
	v.next.prev = v.prev
	v.next = nil // avoid memory leaks
	v.prev = nil // avoid memory leaks
	v.list = nil // avoid memory leaks
}
