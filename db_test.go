// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package tide

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/tidedb/tide/vfs"
)

func openTestDB(t *testing.T, fs vfs.FS, opts *Options) *DB {
	t.Helper()
	if opts == nil {
		opts = &Options{}
	}
	opts.FS = fs
	d, err := Open("db", opts)
	require.NoError(t, err)
	return d
}

// scan returns the key/value pairs of the iterator as "k:v" strings.
func scan(t *testing.T, iter *Iterator) []string {
	t.Helper()
	var res []string
	for valid := iter.First(); valid; valid = iter.Next() {
		res = append(res, fmt.Sprintf("%s:%s", iter.Key(), iter.Value()))
	}
	require.NoError(t, iter.Close())
	return res
}

// scanReverse returns the key/value pairs of the iterator, last to first.
func scanReverse(t *testing.T, iter *Iterator) []string {
	t.Helper()
	var res []string
	for valid := iter.Last(); valid; valid = iter.Prev() {
		res = append(res, fmt.Sprintf("%s:%s", iter.Key(), iter.Value()))
	}
	require.NoError(t, iter.Close())
	return res
}

func TestBasicReadWrite(t *testing.T) {
	d := openTestDB(t, vfs.NewMem(), nil)

	_, err := d.Get([]byte("a"))
	require.True(t, errors.Is(err, ErrNotFound))

	require.NoError(t, d.Set([]byte("a"), []byte("1"), nil))
	require.NoError(t, d.Set([]byte("b"), []byte("2"), Sync))
	v, err := d.Get([]byte("a"))
	require.NoError(t, err)
	require.Equal(t, "1", string(v))

	// Overwrite and delete.
	require.NoError(t, d.Set([]byte("a"), []byte("3"), nil))
	require.NoError(t, d.Delete([]byte("b"), nil))
	v, err = d.Get([]byte("a"))
	require.NoError(t, err)
	require.Equal(t, "3", string(v))
	_, err = d.Get([]byte("b"))
	require.True(t, errors.Is(err, ErrNotFound))

	// Deleting a missing key is not an error.
	require.NoError(t, d.Delete([]byte("missing"), nil))

	// The returned value is a copy.
	v[0] = 'x'
	v, err = d.Get([]byte("a"))
	require.NoError(t, err)
	require.Equal(t, "3", string(v))

	require.NoError(t, d.Close())
}

func TestEmptyKeyAndValue(t *testing.T) {
	d := openTestDB(t, vfs.NewMem(), nil)
	require.NoError(t, d.Set([]byte(""), []byte("empty-key"), nil))
	require.NoError(t, d.Set([]byte("k"), []byte(""), nil))
	require.NoError(t, d.Flush())

	v, err := d.Get([]byte(""))
	require.NoError(t, err)
	require.Equal(t, "empty-key", string(v))
	v, err = d.Get([]byte("k"))
	require.NoError(t, err)
	require.Len(t, v, 0)
	require.NoError(t, d.Close())
}

// TestFlushOverwriteCompact writes a..z, flushes, overwrites m and deletes z,
// then checks the contents before and after a full compaction.
func TestFlushOverwriteCompact(t *testing.T) {
	d := openTestDB(t, vfs.NewMem(), &Options{DisableAutomaticCompactions: true})

	for c := 'a'; c <= 'z'; c++ {
		k := []byte{byte(c)}
		require.NoError(t, d.Set(k, k, nil))
	}
	require.NoError(t, d.Flush())
	require.NoError(t, d.Set([]byte("m"), []byte("M"), nil))
	require.NoError(t, d.Delete([]byte("z"), nil))

	var expected []string
	for c := 'a'; c < 'z'; c++ {
		if c == 'm' {
			expected = append(expected, "m:M")
			continue
		}
		expected = append(expected, fmt.Sprintf("%c:%c", c, c))
	}
	require.Equal(t, expected, scan(t, d.NewIter(nil)))

	require.NoError(t, d.Compact(nil, nil))
	require.Equal(t, expected, scan(t, d.NewIter(nil)))

	// After a full compaction the newest data is in a single level below 0.
	tables := d.SSTables()
	require.Len(t, tables[0], 0)
	var levelsWithData int
	for _, files := range tables {
		if len(files) > 0 {
			levelsWithData++
		}
	}
	require.Equal(t, 1, levelsWithData)

	_, err := d.Get([]byte("z"))
	require.True(t, errors.Is(err, ErrNotFound))
	require.NoError(t, d.CheckLevels(nil))
	require.NoError(t, d.Close())
}

func TestIterBounds(t *testing.T) {
	d := openTestDB(t, vfs.NewMem(), nil)
	for _, k := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, d.Set([]byte(k), []byte(strings.ToUpper(k)), nil))
	}
	// Spread the keys over a table and the memtable.
	require.NoError(t, d.Flush())
	require.NoError(t, d.Set([]byte("c"), []byte("C2"), nil))

	iterOpts := &IterOptions{LowerBound: []byte("b"), UpperBound: []byte("e")}
	require.Equal(t, []string{"b:B", "c:C2", "d:D"}, scan(t, d.NewIter(iterOpts)))
	require.Equal(t, []string{"d:D", "c:C2", "b:B"}, scanReverse(t, d.NewIter(iterOpts)))

	iter := d.NewIter(iterOpts)
	require.False(t, iter.SeekGE([]byte("e")))
	require.True(t, iter.SeekGE([]byte("a")))
	require.Equal(t, "b", string(iter.Key()))
	require.True(t, iter.SeekLT([]byte("z")))
	require.Equal(t, "d", string(iter.Key()))
	require.False(t, iter.SeekLT([]byte("b")))
	require.NoError(t, iter.Close())
	require.NoError(t, d.Close())
}

func TestIterDirectionChange(t *testing.T) {
	d := openTestDB(t, vfs.NewMem(), nil)
	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, d.Set([]byte(k), []byte(k), nil))
	}
	require.NoError(t, d.Flush())
	require.NoError(t, d.Set([]byte("b"), []byte("b2"), nil))
	require.NoError(t, d.Delete([]byte("c"), nil))
	require.NoError(t, d.Set([]byte("d"), []byte("d"), nil))

	iter := d.NewIter(nil)
	require.True(t, iter.SeekGE([]byte("b")))
	require.Equal(t, "b:b2", fmt.Sprintf("%s:%s", iter.Key(), iter.Value()))
	require.True(t, iter.Next())
	require.Equal(t, "d", string(iter.Key()))
	require.True(t, iter.Prev())
	require.Equal(t, "b:b2", fmt.Sprintf("%s:%s", iter.Key(), iter.Value()))
	require.True(t, iter.Prev())
	require.Equal(t, "a", string(iter.Key()))
	require.False(t, iter.Prev())
	require.NoError(t, iter.Close())
	require.NoError(t, d.Close())
}

func TestReopenReplaysLog(t *testing.T) {
	mem := vfs.NewMem()
	d := openTestDB(t, mem, nil)
	require.NoError(t, d.Set([]byte("a"), []byte("1"), nil))
	require.NoError(t, d.Set([]byte("b"), []byte("2"), nil))
	require.NoError(t, d.Flush())
	require.NoError(t, d.Set([]byte("b"), []byte("3"), nil))
	require.NoError(t, d.Delete([]byte("a"), nil))
	require.NoError(t, d.Close())

	for i := 0; i < 2; i++ {
		d = openTestDB(t, mem, nil)
		_, err := d.Get([]byte("a"))
		require.True(t, errors.Is(err, ErrNotFound))
		v, err := d.Get([]byte("b"))
		require.NoError(t, err)
		require.Equal(t, "3", string(v))
		require.NoError(t, d.Close())
	}
}

func TestReopenSequenceNumbers(t *testing.T) {
	mem := vfs.NewMem()
	d := openTestDB(t, mem, nil)
	for i := 0; i < 10; i++ {
		require.NoError(t, d.Set([]byte("k"), []byte(fmt.Sprint(i)), nil))
	}
	seqNum := d.mu.versions.visibleSeqNum.Load()
	require.NoError(t, d.Close())

	// Later writes must shadow the replayed ones.
	d = openTestDB(t, mem, nil)
	require.Equal(t, seqNum, d.mu.versions.visibleSeqNum.Load())
	require.NoError(t, d.Set([]byte("k"), []byte("new"), nil))
	require.NoError(t, d.Flush())
	v, err := d.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, "new", string(v))
	require.NoError(t, d.Close())
}

func TestCrashRecovery(t *testing.T) {
	mem := vfs.NewCrashableMem()
	d := openTestDB(t, mem, nil)
	require.NoError(t, d.Set([]byte("synced"), []byte("1"), Sync))
	require.NoError(t, d.Set([]byte("flushed"), []byte("2"), NoSync))
	require.NoError(t, d.Flush())
	require.NoError(t, d.Set([]byte("synced-2"), []byte("3"), Sync))

	crashFS := mem.CrashClone()
	require.NoError(t, d.Close())

	d = openTestDB(t, crashFS, nil)
	for k, want := range map[string]string{"synced": "1", "flushed": "2", "synced-2": "3"} {
		v, err := d.Get([]byte(k))
		require.NoError(t, err, k)
		require.Equal(t, want, string(v))
	}
	require.NoError(t, d.Close())
}

func TestOpenExistence(t *testing.T) {
	mem := vfs.NewMem()
	_, err := Open("db", &Options{FS: mem, ErrorIfNotExists: true})
	require.Error(t, err)

	d, err := Open("db", &Options{FS: mem, ErrorIfExists: true})
	require.NoError(t, err)
	require.NoError(t, d.Close())

	_, err = Open("db", &Options{FS: mem, ErrorIfExists: true})
	require.Error(t, err)

	d, err = Open("db", &Options{FS: mem, ErrorIfNotExists: true})
	require.NoError(t, err)
	require.NoError(t, d.Close())
}

func TestOpenAlreadyLocked(t *testing.T) {
	mem := vfs.NewMem()
	d := openTestDB(t, mem, nil)
	_, err := Open("db", &Options{FS: mem})
	require.True(t, errors.Is(err, ErrDBAlreadyLocked))
	require.NoError(t, d.Close())

	// The lock is released on close.
	d = openTestDB(t, mem, nil)
	require.NoError(t, d.Close())
}

func TestOpenComparerMismatch(t *testing.T) {
	mem := vfs.NewMem()
	d := openTestDB(t, mem, nil)
	require.NoError(t, d.Close())

	other := *DefaultComparer
	other.Name = "other-comparer"
	_, err := Open("db", &Options{FS: mem, Comparer: &other})
	require.Error(t, err)
}

func TestDestroy(t *testing.T) {
	mem := vfs.NewMem()
	d := openTestDB(t, mem, nil)
	require.NoError(t, d.Set([]byte("a"), []byte("1"), nil))
	require.NoError(t, d.Flush())

	// An open DB cannot be destroyed.
	require.True(t, errors.Is(Destroy("db", &Options{FS: mem}), ErrDBAlreadyLocked))
	require.NoError(t, d.Close())

	require.NoError(t, Destroy("db", &Options{FS: mem}))
	require.False(t, vfs.Exists(mem, "db"))
	// Destroying a missing DB is a no-op.
	require.NoError(t, Destroy("db", &Options{FS: mem}))

	d = openTestDB(t, mem, nil)
	_, err := d.Get([]byte("a"))
	require.True(t, errors.Is(err, ErrNotFound))
	require.NoError(t, d.Close())
}

func TestConcurrentWrites(t *testing.T) {
	d := openTestDB(t, vfs.NewMem(), &Options{MemTableSize: 64 << 10})

	const writers, perWriter = 8, 500
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				k := []byte(fmt.Sprintf("%02d-%04d", w, i))
				if err := d.Set(k, bytes.Repeat(k, 4), nil); err != nil {
					errs <- err
					return
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	for w := 0; w < writers; w++ {
		for i := 0; i < perWriter; i += 50 {
			k := []byte(fmt.Sprintf("%02d-%04d", w, i))
			v, err := d.Get(k)
			require.NoError(t, err)
			require.Equal(t, bytes.Repeat(k, 4), v)
		}
	}
	require.Len(t, scan(t, d.NewIter(nil)), writers*perWriter)
	require.NoError(t, d.CheckLevels(nil))
	require.NoError(t, d.Close())
}

func TestBatchTooLarge(t *testing.T) {
	d := openTestDB(t, vfs.NewMem(), &Options{MemTableSize: 32 << 10})

	b := d.NewBatch()
	for i := 0; i < 1000; i++ {
		require.NoError(t, b.Set([]byte(fmt.Sprintf("%04d", i)), bytes.Repeat([]byte("v"), 100), nil))
	}
	require.Error(t, b.Commit(nil))
	require.NoError(t, b.Close())

	// Batches that fit are spread over several memtables.
	for i := 0; i < 100; i++ {
		b := d.NewBatch()
		for j := 0; j < 10; j++ {
			require.NoError(t, b.Set([]byte(fmt.Sprintf("%04d", i*10+j)), bytes.Repeat([]byte("v"), 100), nil))
		}
		require.NoError(t, b.Commit(nil))
		require.NoError(t, b.Close())
	}
	require.Len(t, scan(t, d.NewIter(nil)), 1000)
	require.NoError(t, d.Close())
}

func TestGetProperty(t *testing.T) {
	d := openTestDB(t, vfs.NewMem(), &Options{DisableAutomaticCompactions: true})
	require.NoError(t, d.Set([]byte("a"), []byte("1"), nil))
	require.NoError(t, d.Flush())

	var total int
	for level := 0; level < numLevels; level++ {
		v, ok := d.GetProperty(fmt.Sprintf("tide.num-files-at-level%d", level))
		require.True(t, ok)
		var n int
		_, err := fmt.Sscan(v, &n)
		require.NoError(t, err)
		total += n
	}
	require.Equal(t, 1, total)

	_, ok := d.GetProperty(fmt.Sprintf("tide.num-files-at-level%d", numLevels))
	require.False(t, ok)
	_, ok = d.GetProperty("tide.unknown")
	require.False(t, ok)
	_, ok = d.GetProperty("stats")
	require.False(t, ok)

	stats, ok := d.GetProperty("tide.stats")
	require.True(t, ok)
	require.Contains(t, stats, "level")

	sstables, ok := d.GetProperty("tide.sstables")
	require.True(t, ok)
	require.Contains(t, sstables, "--- level 0 ---")

	usage, ok := d.GetProperty("tide.approximate-memory-usage")
	require.True(t, ok)
	require.NotEmpty(t, usage)

	bgErr, ok := d.GetProperty("tide.background-error")
	require.True(t, ok)
	require.Equal(t, "", bgErr)
	require.NoError(t, d.Close())
}

func TestEstimateDiskUsage(t *testing.T) {
	d := openTestDB(t, vfs.NewMem(), &Options{DisableAutomaticCompactions: true})

	_, err := d.EstimateDiskUsage([]byte("b"), []byte("a"))
	require.Error(t, err)

	size, err := d.EstimateDiskUsage([]byte("a"), []byte("z"))
	require.NoError(t, err)
	require.Equal(t, uint64(0), size)

	value := bytes.Repeat([]byte("x"), 1024)
	for i := 0; i < 100; i++ {
		require.NoError(t, d.Set([]byte(fmt.Sprintf("k%03d", i)), value, nil))
	}
	require.NoError(t, d.Flush())

	all, err := d.EstimateDiskUsage([]byte("a"), []byte("z"))
	require.NoError(t, err)
	require.Greater(t, all, uint64(0))
	half, err := d.EstimateDiskUsage([]byte("k000"), []byte("k050"))
	require.NoError(t, err)
	require.Less(t, half, all)
	none, err := d.EstimateDiskUsage([]byte("x"), []byte("z"))
	require.NoError(t, err)
	require.Equal(t, uint64(0), none)
	require.NoError(t, d.Close())
}

func TestSSTablesAndMetrics(t *testing.T) {
	d := openTestDB(t, vfs.NewMem(), &Options{DisableAutomaticCompactions: true})
	require.NoError(t, d.Set([]byte("a"), []byte("1"), nil))
	require.NoError(t, d.Flush())
	require.NoError(t, d.Set([]byte("b"), []byte("2"), nil))

	m := d.Metrics()
	require.Equal(t, int64(1), m.Flush.Count)
	require.Equal(t, int64(1), m.Total().NumFiles)
	require.Equal(t, int64(1), m.MemTable.Count)
	require.Greater(t, m.MemTable.Size, uint64(0))
	require.NotEmpty(t, m.String())

	var n int
	for _, files := range d.SSTables() {
		for _, f := range files {
			require.Equal(t, "a", string(f.Smallest.UserKey))
			n++
		}
	}
	require.Equal(t, 1, n)
	require.NoError(t, d.Close())
}

func TestCloseLeakedIterator(t *testing.T) {
	d := openTestDB(t, vfs.NewMem(), nil)
	require.NoError(t, d.Set([]byte("a"), []byte("1"), nil))
	iter := d.NewIter(nil)
	require.True(t, iter.First())
	require.Error(t, d.Close())
}

func TestCompactInvalidRange(t *testing.T) {
	d := openTestDB(t, vfs.NewMem(), nil)
	require.Error(t, d.Compact([]byte("z"), []byte("a")))
	require.NoError(t, d.Close())
}

func TestCompactLevel0Only(t *testing.T) {
	mem := vfs.NewMem()
	d := openTestDB(t, mem, nil)
	require.NoError(t, d.Set([]byte("a"), []byte("1"), nil))
	require.NoError(t, d.Set([]byte("b"), []byte("2"), nil))
	require.NoError(t, d.Delete([]byte("b"), nil))
	require.NoError(t, d.Close())

	// Replaying the log leaves a single table in level 0 and nothing deeper.
	d = openTestDB(t, mem, nil)
	levels := d.SSTables()
	require.Len(t, levels[0], 1)
	for _, l := range levels[1:] {
		require.Empty(t, l)
	}

	require.NoError(t, d.Compact(nil, nil))
	levels = d.SSTables()
	require.Empty(t, levels[0])
	require.Len(t, levels[1], 1)
	require.Equal(t, []string{"a:1"}, scan(t, d.NewIter(nil)))
	require.NoError(t, d.Close())
}

func TestCrashRecoveryAfterCompaction(t *testing.T) {
	mem := vfs.NewCrashableMem()
	d := openTestDB(t, mem, &Options{DisableAutomaticCompactions: true})
	for i := 0; i < 3; i++ {
		for _, k := range []string{"a", "b", "c"} {
			require.NoError(t, d.Set([]byte(k), []byte(fmt.Sprint(i)), NoSync))
		}
		require.NoError(t, d.Flush())
	}
	require.NoError(t, d.Compact(nil, nil))
	require.NoError(t, d.Set([]byte("d"), []byte("3"), Sync))

	crashFS := mem.CrashClone()
	require.NoError(t, d.Close())

	d = openTestDB(t, crashFS, nil)
	require.Equal(t, []string{"a:2", "b:2", "c:2", "d:3"}, scan(t, d.NewIter(nil)))
	require.NoError(t, d.CheckLevels(nil))
	require.NoError(t, d.Close())
}

func TestCrashRecoveryNewDirectory(t *testing.T) {
	mem := vfs.NewCrashableMem()
	d, err := Open("data/db", &Options{FS: mem})
	require.NoError(t, err)
	require.NoError(t, d.Set([]byte("a"), []byte("1"), Sync))

	crashFS := mem.CrashClone()
	require.NoError(t, d.Close())

	d, err = Open("data/db", &Options{FS: crashFS, ErrorIfNotExists: true})
	require.NoError(t, err)
	v, err := d.Get([]byte("a"))
	require.NoError(t, err)
	require.Equal(t, "1", string(v))
	require.NoError(t, d.Close())
}

// TestWritesDuringCompaction rotates memtables while manual compactions run,
// so that memtable allocation and compaction output share the DB's options
// concurrently.
func TestWritesDuringCompaction(t *testing.T) {
	d := openTestDB(t, vfs.NewMem(), &Options{
		MemTableSize: 32 << 10,
		Levels:       []LevelOptions{{TargetFileSize: 8 << 10}},
	})

	const n = 4000
	done := make(chan error, 1)
	go func() {
		for i := 0; i < n; i++ {
			k := []byte(fmt.Sprintf("%05d", i%1000))
			if err := d.Set(k, bytes.Repeat(k, 8), nil); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()
	for i := 0; i < 5; i++ {
		require.NoError(t, d.Compact(nil, nil))
	}
	require.NoError(t, <-done)

	require.Len(t, scan(t, d.NewIter(nil)), 1000)
	require.NoError(t, d.CheckLevels(nil))
	require.NoError(t, d.Close())
}
