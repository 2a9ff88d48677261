// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package tide

import (
	"bytes"
	"cmp"
	"io"
	"slices"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/errors/oserror"
	"github.com/tidedb/tide/batchrepr"
	"github.com/tidedb/tide/internal/arenaskl"
	"github.com/tidedb/tide/internal/base"
	"github.com/tidedb/tide/record"
	"github.com/tidedb/tide/vfs"
)

// Open opens a DB whose files live in the given directory.
func Open(dirname string, opts *Options) (db *DB, err error) {
	// Make a copy of the options so that we don't mutate the passed in options.
	opts = opts.Clone()
	opts = opts.EnsureDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	c := newDBCache(opts)
	opts.Cache = c

	d := &DB{
		cacheID:         c.NewID(),
		dirname:         dirname,
		opts:            opts,
		cmp:             opts.Comparer.Compare,
		deletionLimiter: newDeletionLimiter(opts.TargetByteDeletionRate),
	}
	d.tableCache.init(d.cacheID, dirname, opts, tableCacheSize(opts.MaxOpenFiles))
	d.newIters = d.tableCache.newIters
	d.walSync.hist = newWALSyncHistogram()
	d.mu.nextJobID = 1
	d.mu.compact.cond.L = &d.mu.Mutex
	d.mu.compact.pendingOutputs = make(map[base.FileNum]struct{})
	d.mu.snapshots.init()
	d.mu.errorHandler.init(opts, &d.mu.Mutex)

	var fileLock io.Closer
	defer func() {
		if err == nil {
			return
		}
		// The DB was never returned to the caller; release what it holds.
		if d.mu.log.Writer != nil {
			_ = d.mu.log.Close()
			_ = d.mu.log.file.Close()
		}
		_ = d.mu.versions.close()
		_ = d.tableCache.Close()
		if d.dataDir != nil {
			_ = d.dataDir.Close()
		}
		if fileLock != nil {
			_ = fileLock.Close()
		}
		c.Unref()
	}()

	d.mu.Lock()
	defer d.mu.Unlock()

	d.dataDir, err = mkdirAllAndSyncParents(opts.FS, dirname)
	if err != nil {
		return nil, err
	}

	// Lock the database directory.
	fileLock, err = opts.FS.Lock(base.MakeFilepath(opts.FS, dirname, fileTypeLock, 0))
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "tide: database %q", dirname), ErrDBAlreadyLocked)
	}

	jobID := d.mu.nextJobID
	d.mu.nextJobID++

	currentName := base.MakeFilepath(opts.FS, dirname, fileTypeCurrent, 0)
	if _, err := opts.FS.Stat(currentName); oserror.IsNotExist(err) {
		if opts.ErrorIfNotExists {
			return nil, errors.Errorf("tide: database %q does not exist", dirname)
		}
		// Create the DB if it did not already exist.
		if err := d.mu.versions.create(jobID, dirname, d.dataDir, opts, &d.mu.Mutex); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, errors.Wrapf(err, "tide: database %q", dirname)
	} else if opts.ErrorIfExists {
		return nil, errors.Errorf("tide: database %q already exists", dirname)
	} else {
		// Load the version set.
		if err := d.mu.versions.load(dirname, opts, &d.mu.Mutex); err != nil {
			return nil, err
		}
	}

	ls, err := opts.FS.List(dirname)
	if err != nil {
		return nil, err
	}

	// Replay any newer log files than the ones named in the manifest.
	type fileNumAndName struct {
		num  base.FileNum
		name string
	}
	var logFiles []fileNumAndName
	for _, filename := range ls {
		ft, fn, ok := base.ParseFilename(opts.FS, filename)
		if !ok {
			continue
		}
		// Any file number found on disk, even one of a file about to be
		// deleted, must not be handed out again.
		d.mu.versions.markFileNumUsed(fn)
		switch ft {
		case fileTypeLog:
			if fn >= d.mu.versions.logNum || fn == d.mu.versions.prevLogNum {
				logFiles = append(logFiles, fileNumAndName{fn, filename})
			}
		case fileTypeOptions:
			if err := checkOptions(opts, opts.FS.PathJoin(dirname, filename)); err != nil {
				return nil, err
			}
		}
	}
	slices.SortFunc(logFiles, func(a, b fileNumAndName) int {
		return cmp.Compare(a.num, b.num)
	})

	var ve versionEdit
	for _, lf := range logFiles {
		maxSeqNum, err := d.replayWAL(jobID, &ve, opts.FS.PathJoin(dirname, lf.name), lf.num)
		if err != nil {
			return nil, err
		}
		if d.mu.versions.lastSeqNum < maxSeqNum {
			d.mu.versions.lastSeqNum = maxSeqNum
		}
	}
	d.mu.versions.visibleSeqNum.Store(d.mu.versions.lastSeqNum)

	// Create an empty .log file.
	newLogNum := d.mu.versions.getNextFileNum()
	newLogName := base.MakeFilepath(opts.FS, dirname, fileTypeLog, newLogNum)
	logFile, err := opts.FS.Create(newLogName)
	if err != nil {
		return nil, err
	}
	if err := d.dataDir.Sync(); err != nil {
		logFile.Close()
		return nil, err
	}
	d.opts.EventListener.WALCreated(WALCreateInfo{
		JobID:   jobID,
		Path:    newLogName,
		FileNum: newLogNum,
	})
	d.mu.log.fileNum = newLogNum
	d.mu.log.file = vfs.NewSyncingFile(logFile, vfs.SyncingFileOptions{
		BytesPerSync: d.opts.BytesPerSync,
	})
	d.mu.log.Writer = record.NewWriter(d.mu.log.file)

	// Every replayed log is now covered by the tables in ve.
	ve.LogNum = newLogNum
	ve.PrevLogNum = 0
	var metrics map[int]*LevelMetrics
	if len(ve.NewFiles) > 0 {
		l0 := &LevelMetrics{}
		for _, nf := range ve.NewFiles {
			l0.BytesFlushed += nf.Meta.Size
			l0.TablesFlushed++
		}
		metrics = map[int]*LevelMetrics{0: l0}
	}
	d.mu.versions.logLock()
	err = d.mu.versions.logAndApply(jobID, &ve, metrics, d.dataDir)
	for _, nf := range ve.NewFiles {
		delete(d.mu.compact.pendingOutputs, nf.Meta.FileNum)
	}
	if err != nil {
		return nil, err
	}

	d.mu.mem.mutable = d.newMemTable(newLogNum)
	d.updateReadStateLocked()

	// Write the current options to disk.
	d.optionsFileNum = d.mu.versions.getNextFileNum()
	if err := d.writeOptionsFile(); err != nil {
		return nil, err
	}

	d.compactionScheduler.start(d)
	d.deleteObsoleteFiles(jobID)
	d.maybeScheduleCompactionLocked()

	d.fileLock, fileLock = fileLock, nil
	return d, nil
}

// replayWAL replays the edits in the specified log file into memtables,
// writing each memtable that fills up, and the last one, to a level 0 table
// whose metadata is appended to ve. It returns the largest sequence number
// found in the log.
//
// A damaged tail, which a crash during a write leaves behind, ends the
// replay. With Options.ParanoidChecks, any damage fails Open instead.
//
// d.mu must be held when calling this, but the mutex may be dropped and
// re-acquired during the course of this method.
func (d *DB) replayWAL(
	jobID int, ve *versionEdit, filename string, logNum base.FileNum,
) (maxSeqNum base.SeqNum, err error) {
	file, err := d.opts.FS.Open(filename, vfs.SequentialReadsOption)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	var (
		b   Batch
		buf bytes.Buffer
		mem *memTable
		rr  = record.NewReader(file)
	)
	defer func() {
		if mem != nil {
			mem.unref()
		}
	}()

	flushMem := func() error {
		if mem == nil {
			return nil
		}
		meta, _, err := d.writeLevel0Table(jobID, mem, true /* forceL0 */)
		mem.unref()
		mem = nil
		if err != nil {
			return err
		}
		if meta != nil {
			ve.NewFiles = append(ve.NewFiles, newFileEntry{Level: 0, Meta: meta})
		}
		return nil
	}

	for {
		r, err := rr.Next()
		if err == nil {
			_, err = io.Copy(&buf, r)
		}
		if err == nil && buf.Len() < batchrepr.HeaderLen {
			err = base.CorruptionErrorf("tide: log record of %d bytes is too short", errors.Safe(buf.Len()))
		}
		if err == nil {
			b = Batch{}
			err = b.SetRepr(buf.Bytes())
		}
		if err != nil {
			if err == io.EOF {
				break
			}
			if record.IsInvalidRecord(err) || errors.Is(err, ErrInvalidBatch) || base.IsCorruptionError(err) {
				if d.opts.ParanoidChecks {
					return 0, errors.Wrapf(base.MarkCorruptionError(err),
						"tide: corrupt log file %q at offset %d", filename, errors.Safe(rr.Offset()))
				}
				// A torn write at the tail of the log. Everything before it
				// was acknowledged and has been replayed.
				d.opts.Logger.Infof("[JOB %d] WAL %s: ignoring damaged tail at offset %d: %s",
					jobID, logNum, rr.Offset(), err)
				break
			}
			return 0, err
		}

		seqNum := b.SeqNum()
		if n := b.Count(); n > 0 && seqNum+base.SeqNum(n)-1 > maxSeqNum {
			maxSeqNum = seqNum + base.SeqNum(n) - 1
		}

		if mem == nil {
			mem = d.newMemTable(logNum)
		}
		if err := mem.prepare(&b); err != nil {
			if !errors.Is(err, arenaskl.ErrArenaFull) {
				return 0, err
			}
			if err := flushMem(); err != nil {
				return 0, err
			}
			mem = d.newMemTable(logNum)
			if err := mem.prepare(&b); err != nil {
				// The batch does not fit in an empty memtable. Give it a memtable
				// of its own.
				mem.unref()
				mem = newMemTable(memTableOptions{
					Options: d.opts,
					size:    d.opts.MemTableSize + int(b.memTableSize),
					logNum:  logNum,
				})
				if err := mem.prepare(&b); err != nil {
					return 0, err
				}
			}
		}
		if err := mem.apply(&b, seqNum); err != nil {
			return 0, err
		}
		buf.Reset()
	}

	if err := flushMem(); err != nil {
		return 0, err
	}
	return maxSeqNum, nil
}

// writeOptionsFile writes the options to the OPTIONS file numbered
// d.optionsFileNum.
//
// d.mu must be held.
func (d *DB) writeOptionsFile() error {
	path := base.MakeFilepath(d.opts.FS, d.dirname, fileTypeOptions, d.optionsFileNum)
	f, err := d.opts.FS.Create(path)
	if err != nil {
		return err
	}
	if _, err := f.Write([]byte(d.opts.String())); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return d.dataDir.Sync()
}

func checkOptions(opts *Options, path string) error {
	f, err := opts.FS.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return err
	}
	return opts.Check(string(data))
}

// Destroy removes every file of the DB in dirname, and the directory itself
// if nothing else is left in it. The DB must not be open.
func Destroy(dirname string, opts *Options) error {
	opts = opts.Clone().EnsureDefaults()
	fs := opts.FS

	lockName := base.MakeFilepath(fs, dirname, fileTypeLock, 0)
	fileLock, err := fs.Lock(lockName)
	if err != nil {
		if oserror.IsNotExist(err) {
			// Nothing to destroy.
			return nil
		}
		return errors.Mark(errors.Wrapf(err, "tide: database %q", dirname), ErrDBAlreadyLocked)
	}

	ls, err := fs.List(dirname)
	if err != nil {
		fileLock.Close()
		return err
	}
	for _, filename := range ls {
		ft, _, ok := base.ParseFilename(fs, filename)
		if !ok || ft == fileTypeLock {
			continue
		}
		if rmErr := fs.Remove(fs.PathJoin(dirname, filename)); rmErr != nil && !oserror.IsNotExist(rmErr) {
			err = firstError(err, rmErr)
		}
	}
	err = firstError(err, fileLock.Close())
	if rmErr := fs.Remove(lockName); rmErr != nil && !oserror.IsNotExist(rmErr) {
		err = firstError(err, rmErr)
	}
	if err != nil {
		return err
	}
	// The directory is only removed if it is empty.
	_ = fs.Remove(dirname)
	return nil
}

// mkdirAllAndSyncParents creates dirname and any missing parents, syncing
// every directory whose entries changed so that the new directories survive
// a crash. It returns a handle to dirname.
func mkdirAllAndSyncParents(fs vfs.FS, dirname string) (vfs.File, error) {
	// Collect every directory between dirname (excluded) and its closest
	// existing ancestor (included).
	var parents []string
	for parent := fs.PathDir(dirname); ; parent = fs.PathDir(parent) {
		parents = append(parents, parent)
		if fs.PathDir(parent) == parent {
			break
		}
		if _, err := fs.Stat(parent); err == nil {
			break
		} else if !oserror.IsNotExist(err) {
			return nil, err
		}
	}
	if err := fs.MkdirAll(dirname, 0755); err != nil {
		return nil, err
	}
	for _, parent := range parents {
		dir, err := fs.OpenDir(parent)
		if err != nil {
			return nil, err
		}
		if err := dir.Sync(); err != nil {
			_ = dir.Close()
			return nil, err
		}
		if err := dir.Close(); err != nil {
			return nil, err
		}
	}
	return fs.OpenDir(dirname)
}
