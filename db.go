// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package tide provides an ordered key/value store.
package tide // import "github.com/tidedb/tide"

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/cockroachdb/errors"
	"github.com/tidedb/tide/internal/base"
	"github.com/tidedb/tide/internal/cache"
	"github.com/tidedb/tide/record"
	"github.com/tidedb/tide/vfs"
)

var (
	// ErrClosed is returned when an operation is performed on a closed
	// snapshot or DB.
	ErrClosed = errors.New("tide: closed")
)

// Reader is a readable key/value store.
//
// It is safe to call Get and NewIter from concurrent goroutines.
type Reader interface {
	// Get gets the value for the given key. It returns ErrNotFound if the DB
	// does not contain the key.
	//
	// The caller may modify the contents of the returned slice, and it is
	// safe to modify the contents of the argument after Get returns.
	Get(key []byte) (value []byte, err error)

	// NewIter returns an iterator that is unpositioned (Iterator.Valid() will
	// return false). The iterator can be positioned via a call to SeekGE,
	// SeekLT, First or Last.
	NewIter(o *IterOptions) *Iterator
}

// Writer is a writable key/value store.
//
// Goroutine safety is dependent on the specific implementation.
type Writer interface {
	// Apply the operations contained in the batch to the DB.
	//
	// It is safe to modify the contents of the arguments after Apply returns.
	Apply(batch *Batch, o *WriteOptions) error

	// Delete deletes the value for the given key. Deletes are blind and will
	// succeed even if the given key does not exist.
	//
	// It is safe to modify the contents of the arguments after Delete returns.
	Delete(key []byte, o *WriteOptions) error

	// Set sets the value for the given key. It overwrites any previous value
	// for that key; a DB is not a multi-map.
	//
	// It is safe to modify the contents of the arguments after Set returns.
	Set(key, value []byte, o *WriteOptions) error
}

// DB provides a concurrent, persistent ordered key/value store.
//
// A DB's basic operations (Get, Set, Delete) should be self-explanatory. Get
// returns ErrNotFound if the requested key is not in the store. Callers are
// free to ignore this error.
//
// A DB also allows for iterating over the key/value pairs in key order. If d
// is a DB, the code below prints all key/value pairs whose keys are 'greater
// than or equal to' k:
//
//	iter := d.NewIter(readOptions)
//	for iter.SeekGE(k); iter.Valid(); iter.Next() {
//		fmt.Printf("key=%q value=%q\n", iter.Key(), iter.Value())
//	}
//	return iter.Close()
//
// The Options struct holds the optional parameters for the DB, including a
// Comparer to define a 'less than' relationship over keys. It is always valid
// to pass a nil *Options, which means to use the default parameter values. Any
// zero field of a non-nil *Options also means to use the default value for
// that parameter. Thus, the code below uses a custom Comparer, but the default
// values for every other parameter:
//
//	db := tide.Open(&Options{
//		Comparer: myComparer,
//	})
type DB struct {
	cacheID uint64
	dirname string
	opts    *Options
	cmp     Compare

	dataDir  vfs.File
	fileLock io.Closer
	// optionsFileNum is the OPTIONS file written by Open. Older ones are
	// obsolete.
	optionsFileNum base.FileNum

	deletionLimiter *deletionLimiter

	tableCache tableCache
	newIters   tableNewIters

	compactionScheduler compactionScheduler

	// hasImm mirrors d.mu.mem.imm != nil so that a running compaction can
	// check for a pending flush without acquiring DB.mu.
	hasImm atomic.Bool

	// memTableArena holds the arena of the last released memtable for reuse.
	memTableArena atomic.Pointer[[]byte]

	// readState provides access to the state needed for reading without needing
	// to acquire DB.mu.
	readState struct {
		sync.RWMutex
		val *readState
	}

	walSync struct {
		sync.Mutex
		hist *hdrhistogram.Histogram
	}

	mu struct {
		sync.Mutex

		nextJobID int

		versions versionSet

		log struct {
			fileNum base.FileNum
			file    vfs.File
			*record.Writer
		}

		mem struct {
			// The current mutable memTable.
			mutable *memTable
			// The memtable being flushed, if any.
			imm *memTable
		}

		commit struct {
			// queue holds the writers waiting to commit. The first one is the
			// leader.
			queue []*commitWriter
			// group is the scratch batch a leader merges its group into.
			group Batch
		}

		compact struct {
			// cond is signaled when background work completes or the commit
			// queue drains.
			cond      sync.Cond
			flushing  bool
			scheduled bool
			manual    []*manualCompaction
			// pendingOutputs holds the file numbers of tables being written
			// that are not yet part of a version.
			pendingOutputs map[base.FileNum]struct{}
		}

		errorHandler errorHandler

		// The list of active snapshots.
		snapshots snapshotList

		closed bool
	}
}

var _ Reader = (*DB)(nil)
var _ Writer = (*DB)(nil)

// Get gets the value for the given key. It returns ErrNotFound if the DB does
// not contain the key.
//
// The caller may modify the contents of the returned slice, and it is safe to
// modify the contents of the argument after Get returns.
func (d *DB) Get(key []byte) ([]byte, error) {
	return d.getInternal(key, nil /* snapshot */)
}

func (d *DB) getInternal(key []byte, s *Snapshot) ([]byte, error) {
	// Grab and reference the current readState. This prevents the underlying
	// files in the associated version from being deleted if there is a
	// concurrent compaction.
	readState := d.loadReadState()
	defer readState.unref()

	// Determine the seqnum to read at after grabbing the read state (current and
	// memtables) above.
	var seqNum base.SeqNum
	if s != nil {
		seqNum = s.seqNum
	} else {
		seqNum = d.mu.versions.visibleSeqNum.Load()
	}

	// Search the memtables from newest to oldest.
	for i := len(readState.memtables) - 1; i >= 0; i-- {
		value, kind, found := readState.memtables[i].get(key, seqNum)
		if !found {
			continue
		}
		if kind == InternalKeyKindDelete {
			return nil, ErrNotFound
		}
		return append([]byte(nil), value...), nil
	}

	value, stats, err := versionGet(readState.current, d.cmp, d.tableCache.get, key, seqNum)
	d.updateReadStats(readState.current, stats)
	return value, err
}

// Set sets the value for the given key. It overwrites any previous value
// for that key; a DB is not a multi-map.
//
// It is safe to modify the contents of the arguments after Set returns.
func (d *DB) Set(key, value []byte, opts *WriteOptions) error {
	b := newBatch(d)
	defer b.release()
	_ = b.Set(key, value, opts)
	return d.Apply(b, opts)
}

// Delete deletes the value for the given key. Deletes are blind and will
// succeed even if the given key does not exist.
//
// It is safe to modify the contents of the arguments after Delete returns.
func (d *DB) Delete(key []byte, opts *WriteOptions) error {
	b := newBatch(d)
	defer b.release()
	_ = b.Delete(key, opts)
	return d.Apply(b, opts)
}

// Apply the operations contained in the batch to the DB. If the batch is
// large the contents of the batch may be retained by the database. If that
// occurs the batch contents will be cleared preventing the caller from
// attempting to reuse them.
//
// It is safe to modify the contents of the arguments after Apply returns.
func (d *DB) Apply(batch *Batch, opts *WriteOptions) error {
	if batch.Empty() {
		return nil
	}
	return d.commit(batch, opts.GetSync())
}

// NewBatch returns a new empty write-only batch. If the batch is committed it
// will be applied to the DB.
func (d *DB) NewBatch() *Batch {
	return newBatch(d)
}

// NewIter returns an iterator that is unpositioned (Iterator.Valid() will
// return false). The iterator can be positioned via a call to SeekGE, SeekLT,
// First or Last. The iterator provides a point-in-time view of the current DB
// state. This view is maintained by preventing file deletions and preventing
// memtables referenced by the iterator from being deleted. Using an iterator
// to maintain a long-lived point-in-time view of the DB state can lead to an
// apparent memory and disk usage leak. Use snapshots (see NewSnapshot) for
// point-in-time snapshots which avoids these problems.
func (d *DB) NewIter(o *IterOptions) *Iterator {
	return d.newIterInternal(nil /* snapshot */, o)
}

func (d *DB) newIterInternal(s *Snapshot, o *IterOptions) *Iterator {
	// Grab and reference the current readState. This prevents the underlying
	// files in the associated version from being deleted if there is a current
	// compaction. The readState is unref'd by Iterator.Close().
	readState := d.loadReadState()

	// Determine the seqnum to read at after grabbing the read state (current and
	// memtables) above.
	var seqNum base.SeqNum
	if s != nil {
		seqNum = s.seqNum
	} else {
		seqNum = d.mu.versions.visibleSeqNum.Load()
	}

	dbi := &Iterator{
		cmp:       d.cmp,
		seqNum:    seqNum,
		readState: readState,
	}
	if o != nil {
		dbi.opts = *o
	}

	var iters []internalIterator
	closeAll := func() {
		for _, iter := range iters {
			iter.Close()
		}
	}

	memtables := readState.memtables
	for i := len(memtables) - 1; i >= 0; i-- {
		iters = append(iters, memtables[i].newIter())
	}

	// The level 0 files need to be added from newest to oldest.
	current := readState.current
	for i := len(current.Files[0]) - 1; i >= 0; i-- {
		iter, err := d.newIters(current.Files[0][i])
		if err != nil {
			closeAll()
			dbi.iter = newMergingIter(d.cmp)
			dbi.err = err
			return dbi
		}
		iters = append(iters, iter)
	}

	// Add level iterators for the remaining levels.
	for level := 1; level < len(current.Files); level++ {
		if len(current.Files[level]) == 0 {
			continue
		}
		iters = append(iters, newLevelIter(d.cmp, d.newIters, current.Files[level]))
	}

	dbi.iter = newMergingIter(d.cmp, iters...)
	return dbi
}

// NewSnapshot returns a point-in-time view of the current DB state. Iterators
// created with this handle will all observe a stable snapshot of the current
// DB state. The caller must call Snapshot.Close() when the snapshot is no
// longer needed. Snapshots are not persisted across DB restarts (close ->
// open). Unlike the implicit snapshot maintained by an iterator, a snapshot
// will not prevent memtables from being released or sstables from being
// deleted. Instead, a snapshot prevents deletion of sequence numbers
// referenced by the snapshot.
func (d *DB) NewSnapshot() *Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.mu.closed {
		panic(ErrClosed)
	}
	s := &Snapshot{
		db:     d,
		seqNum: d.mu.versions.visibleSeqNum.Load(),
	}
	d.mu.snapshots.pushBack(s)
	return s
}

// Close closes the DB.
//
// It is not safe to close a DB until all outstanding iterators are closed.
// Other methods should not be called after the DB has been closed.
func (d *DB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.mu.closed {
		panic(ErrClosed)
	}
	// Let in-flight commits finish before the log is closed.
	for len(d.mu.commit.queue) > 0 {
		d.mu.compact.cond.Wait()
	}
	d.mu.closed = true
	for d.mu.compact.scheduled {
		d.mu.compact.cond.Wait()
	}
	// No further task can be scheduled now that closed is set. The drainer
	// may still need DB.mu to finish the last result.
	d.mu.Unlock()
	d.compactionScheduler.stop()
	d.mu.Lock()
	for _, m := range d.mu.compact.manual {
		m.done <- ErrClosed
	}
	d.mu.compact.manual = nil

	err := d.tableCache.Close()
	if d.mu.log.Writer != nil {
		err = firstError(err, d.mu.log.Close())
		err = firstError(err, d.mu.log.file.Sync())
		err = firstError(err, d.mu.log.file.Close())
		d.mu.log.Writer = nil
	}
	// Note that versionSet.close() only closes the MANIFEST. The versions list
	// is still valid for the checks below.
	err = firstError(err, d.mu.versions.close())
	err = firstError(err, d.dataDir.Close())
	err = firstError(err, d.fileLock.Close())

	if err == nil {
		d.readState.val.unrefLocked()

		current := d.mu.versions.currentVersion()
		for v := d.mu.versions.versions.Front(); true; v = v.Next() {
			refs := v.Refs()
			if v == current {
				if refs != 1 {
					err = errors.Errorf("leaked iterators: current\n%s", v)
				}
				break
			}
			if refs != 0 {
				err = errors.Errorf("leaked iterators:\n%s", v)
				break
			}
		}

		d.mu.mem.mutable.unref()
		if d.mu.mem.imm != nil {
			d.mu.mem.imm.unref()
		}
	}
	d.opts.Cache.Unref()
	return err
}

// Compact the specified range of keys in the database: every level that
// holds keys in [start, end] is compacted into the next one, down to the
// deepest such level. A nil start or end is unbounded. The memtable is
// flushed first.
func (d *DB) Compact(start, end []byte) error {
	if start != nil && end != nil && d.cmp(start, end) > 0 {
		return errors.New("tide: invalid key range: start > end")
	}
	if err := d.Flush(); err != nil {
		return err
	}

	d.mu.Lock()
	cur := d.mu.versions.currentVersion()
	maxLevelWithFiles := 1
	for level := 1; level < numLevels; level++ {
		if cur.OverlapsAny(level, d.cmp, start, end) {
			maxLevelWithFiles = level
		}
	}
	d.mu.Unlock()

	for level := 0; level < maxLevelWithFiles; level++ {
		manual := &manualCompaction{
			done:  make(chan error, 1),
			level: level,
			start: start,
			end:   end,
		}
		if err := d.manualCompact(manual); err != nil {
			return err
		}
	}
	return nil
}

func (d *DB) manualCompact(manual *manualCompaction) error {
	d.mu.Lock()
	if d.mu.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	d.mu.compact.manual = append(d.mu.compact.manual, manual)
	d.maybeScheduleCompactionLocked()
	d.mu.Unlock()
	return <-manual.done
}

// Flush the memtable to stable storage, waiting for the flush to complete.
func (d *DB) Flush() error {
	if err := d.commit(nil /* batch */, false /* sync */); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for d.mu.mem.imm != nil {
		if err := d.mu.errorHandler.getBGError(); err != nil {
			return err
		}
		if d.mu.closed {
			return ErrClosed
		}
		d.mu.compact.cond.Wait()
	}
	return nil
}

// BackgroundError returns the error that stopped background work and
// writes, or nil. The returned error is a *BackgroundError.
func (d *DB) BackgroundError() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mu.errorHandler.getBGError()
}

// Resume clears the background error recorded after a failed flush or
// compaction and restarts background work. A failed WAL write cannot be
// resumed from, since the log and memtable may hold a partial batch; the DB
// must be reopened instead.
func (d *DB) Resume() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	bgErr := d.mu.errorHandler.err
	if bgErr == nil {
		return nil
	}
	if bgErr.Reason() == BgWrite {
		return errors.Wrap(bgErr, "tide: cannot resume after a WAL write error")
	}
	d.mu.errorHandler.clear()
	d.opts.Logger.Infof("resuming background work after: %s", bgErr)
	d.maybeScheduleCompactionLocked()
	return nil
}

// Metrics returns metrics about the database.
func (d *DB) Metrics() *Metrics {
	metrics := &Metrics{}
	d.mu.Lock()
	*metrics = d.mu.versions.metrics
	metrics.MemTable.Size = d.mu.mem.mutable.totalBytes()
	metrics.MemTable.Count = 1
	metrics.WAL.Files = 1
	if d.mu.mem.imm != nil {
		metrics.MemTable.Size += d.mu.mem.imm.totalBytes()
		metrics.MemTable.Count++
		metrics.WAL.Files++
	}
	if d.mu.log.Writer != nil {
		metrics.WAL.Size = uint64(d.mu.log.Size())
	}
	metrics.Snapshots.Count = d.mu.snapshots.count()
	d.mu.Unlock()

	if d.opts.Cache != nil {
		metrics.BlockCache = d.opts.Cache.Metrics()
	}
	metrics.TableCache.Count = int64(d.tableCache.openCount())
	metrics.TableCache.Hits = d.tableCache.hits.Load()
	metrics.TableCache.Misses = d.tableCache.misses.Load()

	d.walSync.Lock()
	if d.walSync.hist.TotalCount() > 0 {
		metrics.WAL.SyncLatency = hdrhistogram.Import(d.walSync.hist.Export())
	}
	d.walSync.Unlock()
	return metrics
}

// SSTables retrieves the current sstables. The returned slice is indexed by
// level and each level is indexed by the position of the sstable within the
// level.
func (d *DB) SSTables() [][]TableInfo {
	readState := d.loadReadState()
	defer readState.unref()

	srcLevels := readState.current.Files
	destLevels := make([][]TableInfo, len(srcLevels))
	for i := range destLevels {
		srcLevel := srcLevels[i]
		destLevel := make([]TableInfo, len(srcLevel))
		for j := range destLevel {
			destLevel[j] = tableInfo(srcLevel[j])
		}
		destLevels[i] = destLevel
	}
	return destLevels
}

// EstimateDiskUsage returns the estimated filesystem space used in bytes for
// storing the range [start, end]. The estimation is computed as follows:
//
//   - For tables that lie entirely within the range, their full size counts.
//   - For tables that straddle a bound, the index of the table is consulted
//     for the offset of the bound within it.
//   - Memtables and WALs are not counted.
func (d *DB) EstimateDiskUsage(start, end []byte) (uint64, error) {
	if d.cmp(start, end) > 0 {
		return 0, errors.New("invalid key-range specified (start > end)")
	}

	// Grab and reference the current readState. This prevents the underlying
	// files in the associated version from being deleted if there is a
	// concurrent compaction.
	readState := d.loadReadState()
	defer readState.unref()

	startOffset, err := d.approximateOffsetOf(readState.current, start)
	if err != nil {
		return 0, err
	}
	endOffset, err := d.approximateOffsetOf(readState.current, end)
	if err != nil {
		return 0, err
	}
	if endOffset < startOffset {
		return 0, nil
	}
	return endOffset - startOffset, nil
}

// approximateOffsetOf returns the approximate number of bytes of the tables
// of v that hold keys less than key.
func (d *DB) approximateOffsetOf(v *version, key []byte) (uint64, error) {
	var result uint64
	for level, files := range v.Files {
		for _, f := range files {
			if d.cmp(f.Largest.UserKey, key) < 0 {
				// The entire file is before key.
				result += f.Size
				continue
			}
			if d.cmp(f.Smallest.UserKey, key) > 0 {
				// The entire file is after key. The files of a level other than
				// level 0 are sorted by key, so the rest are after it as well.
				if level > 0 {
					break
				}
				continue
			}
			offset, err := d.tableCache.approximateOffsetOf(f, key)
			if err != nil {
				return 0, err
			}
			result += offset
		}
	}
	return result, nil
}

const propertyPrefix = "tide."

// GetProperty returns the value of the named DB property, and whether the
// property exists. The supported properties are:
//
//	tide.num-files-at-level<N>     the number of tables at level N
//	tide.stats                     the output of Metrics().String()
//	tide.sstables                  the tables of every level
//	tide.approximate-memory-usage  the bytes used by memtables and the block cache
//	tide.background-error          the background error, or the empty string
func (d *DB) GetProperty(name string) (string, bool) {
	if !strings.HasPrefix(name, propertyPrefix) {
		return "", false
	}
	name = strings.TrimPrefix(name, propertyPrefix)

	switch {
	case strings.HasPrefix(name, "num-files-at-level"):
		level, err := strconv.Atoi(strings.TrimPrefix(name, "num-files-at-level"))
		if err != nil || level < 0 || level >= numLevels {
			return "", false
		}
		readState := d.loadReadState()
		defer readState.unref()
		return strconv.Itoa(len(readState.current.Files[level])), true

	case name == "stats":
		return d.Metrics().String(), true

	case name == "sstables":
		readState := d.loadReadState()
		defer readState.unref()
		var buf strings.Builder
		for level, files := range readState.current.Files {
			fmt.Fprintf(&buf, "--- level %d ---\n", level)
			for _, f := range files {
				fmt.Fprintf(&buf, " %s\n", f.DebugString(d.opts.Comparer.FormatKey))
			}
		}
		return buf.String(), true

	case name == "approximate-memory-usage":
		m := d.Metrics()
		return strconv.FormatUint(m.MemTable.Size+uint64(m.BlockCache.Size), 10), true

	case name == "background-error":
		if err := d.BackgroundError(); err != nil {
			return err.Error(), true
		}
		return "", true
	}
	return "", false
}

// newDBCache returns a reference to the block cache for opts, creating one
// if necessary. The caller must Unref it.
func newDBCache(opts *Options) *cache.Cache {
	if opts.Cache != nil {
		opts.Cache.Ref()
		return opts.Cache
	}
	return cache.New(opts.CacheSize)
}
