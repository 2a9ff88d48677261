// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package tide

import (
	"bytes"
	"cmp"
	"io"
	"runtime"
	"slices"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/errors/oserror"
	"github.com/tidedb/tide/batchrepr"
	"github.com/tidedb/tide/internal/arenaskl"
	"github.com/tidedb/tide/internal/base"
	"github.com/tidedb/tide/record"
	"github.com/tidedb/tide/sstable"
	"github.com/tidedb/tide/vfs"
	"golang.org/x/sync/errgroup"
)

// lostDir is the subdirectory of the DB directory that Repair moves files it
// could not use, and the logs it converted, into.
const lostDir = "lost"

// repairedTable is a table found by Repair.
type repairedTable struct {
	fileNum   base.FileNum
	name      string
	size      uint64
	smallest  InternalKey
	largest   InternalKey
	maxSeqNum base.SeqNum
	empty     bool
	err       error
}

type repairer struct {
	dirname     string
	opts        *Options
	fs          vfs.FS
	nextFileNum base.FileNum
	logs        []base.FileNum
	manifests   []string
	tables      []*repairedTable
}

// Repair recovers as much data as possible from a DB whose manifest is
// missing or damaged. It converts every log to a table, skipping the
// records that fail their checksum, validates every table, and writes a
// fresh manifest that places every readable table in level 0. The log files,
// old manifests and unreadable tables are moved into the "lost"
// subdirectory. The DB must not be open.
func Repair(dirname string, opts *Options) error {
	opts = opts.Clone().EnsureDefaults()
	r := &repairer{
		dirname:     dirname,
		opts:        opts,
		fs:          opts.FS,
		nextFileNum: 1,
	}

	fileLock, err := r.fs.Lock(base.MakeFilepath(r.fs, dirname, fileTypeLock, 0))
	if err != nil {
		return errors.Mark(errors.Wrapf(err, "tide: database %q", dirname), ErrDBAlreadyLocked)
	}
	defer fileLock.Close()

	if err := r.findFiles(); err != nil {
		return err
	}
	for _, logNum := range r.logs {
		if err := r.convertLog(logNum); err != nil {
			return err
		}
	}
	if err := r.scanTables(); err != nil {
		return err
	}
	return r.writeManifest()
}

func (r *repairer) findFiles() error {
	ls, err := r.fs.List(r.dirname)
	if err != nil {
		return err
	}
	for _, filename := range ls {
		ft, fn, ok := base.ParseFilename(r.fs, filename)
		if !ok {
			continue
		}
		if fn >= r.nextFileNum {
			r.nextFileNum = fn + 1
		}
		switch ft {
		case fileTypeLog:
			r.logs = append(r.logs, fn)
		case fileTypeManifest:
			r.manifests = append(r.manifests, filename)
		case fileTypeTable:
			r.tables = append(r.tables, &repairedTable{fileNum: fn, name: filename})
		}
	}
	slices.Sort(r.logs)
	return nil
}

func (r *repairer) newFileNum() base.FileNum {
	fn := r.nextFileNum
	r.nextFileNum++
	return fn
}

// convertLog writes the contents of a log to tables. Damaged records are
// skipped. The log is then moved to the lost directory.
func (r *repairer) convertLog(logNum base.FileNum) error {
	logPath := base.MakeFilepath(r.fs, r.dirname, fileTypeLog, logNum)
	f, err := r.fs.Open(logPath, vfs.SequentialReadsOption)
	if err != nil {
		return err
	}

	var (
		b   Batch
		buf bytes.Buffer
		mem *memTable
		rr  = record.NewReader(f)
	)
	flushMem := func() error {
		if mem == nil {
			return nil
		}
		defer func() { mem = nil }()
		if mem.empty() {
			return nil
		}
		fileNum := r.newFileNum()
		name := base.MakeFilename(fileTypeTable, fileNum)
		if err := r.writeTable(name, mem.newIter()); err != nil {
			return err
		}
		r.tables = append(r.tables, &repairedTable{fileNum: fileNum, name: name})
		return nil
	}

	var skipped int
	for {
		rec, err := rr.Next()
		if err == nil {
			buf.Reset()
			_, err = io.Copy(&buf, rec)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			if !record.IsInvalidRecord(err) {
				f.Close()
				return err
			}
			skipped++
			rr.Recover()
			continue
		}
		if buf.Len() < batchrepr.HeaderLen {
			skipped++
			continue
		}
		b = Batch{}
		if err := b.SetRepr(slices.Clone(buf.Bytes())); err != nil {
			skipped++
			continue
		}
		if mem == nil {
			mem = newMemTable(memTableOptions{Options: r.opts, logNum: logNum})
		}
		if err := mem.prepare(&b); err != nil {
			if !errors.Is(err, arenaskl.ErrArenaFull) {
				f.Close()
				return err
			}
			if err := flushMem(); err != nil {
				f.Close()
				return err
			}
			mem = newMemTable(memTableOptions{
				Options: r.opts,
				size:    r.opts.MemTableSize + int(b.memTableSize),
				logNum:  logNum,
			})
			if err := mem.prepare(&b); err != nil {
				f.Close()
				return err
			}
		}
		if err := mem.apply(&b, b.SeqNum()); err != nil {
			skipped++
			continue
		}
	}
	f.Close()
	if err := flushMem(); err != nil {
		return err
	}
	if skipped > 0 {
		r.opts.Logger.Infof("repair: log %s: skipped %d damaged records", logNum, skipped)
	}
	return r.moveToLost(base.MakeFilename(fileTypeLog, logNum))
}

// writeTable writes the entries of iter to a new table named name.
func (r *repairer) writeTable(name string, iter internalIterator) (err error) {
	path := r.fs.PathJoin(r.dirname, name)
	f, err := r.fs.Create(path)
	if err != nil {
		iter.Close()
		return err
	}
	tw := sstable.NewWriter(f, r.opts.MakeWriterOptions(0))
	defer func() {
		err = firstError(err, iter.Close())
		if tw != nil {
			err = firstError(err, tw.Close())
		}
		if err != nil {
			r.fs.Remove(path)
		}
	}()
	for iter.First(); iter.Valid(); iter.Next() {
		if err := tw.Add(iter.Key(), iter.Value()); err != nil {
			return err
		}
	}
	err = tw.Close()
	tw = nil
	return err
}

// scanTables reads every table in parallel, validating its blocks and
// computing its bounds. Tables that cannot be read are moved to the lost
// directory.
func (r *repairer) scanTables() error {
	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for _, t := range r.tables {
		g.Go(func() error {
			t.err = r.scanTable(t)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	live := r.tables[:0]
	for _, t := range r.tables {
		if t.err != nil {
			r.opts.Logger.Infof("repair: table %s: %s", t.fileNum, t.err)
		}
		if t.err != nil || t.empty {
			if err := r.moveToLost(t.name); err != nil {
				return err
			}
			continue
		}
		live = append(live, t)
	}
	r.tables = live
	return nil
}

func (r *repairer) scanTable(t *repairedTable) error {
	f, err := r.fs.Open(r.fs.PathJoin(r.dirname, t.name))
	if err != nil {
		return err
	}
	ropts := r.opts.MakeReaderOptions()
	ropts.FileNum = t.fileNum
	reader, err := sstable.NewReader(f, ropts)
	if err != nil {
		return err
	}
	defer reader.Close()
	if err := reader.ValidateBlockChecksums(); err != nil {
		return err
	}
	t.size = uint64(reader.Size())

	iter := reader.NewIter()
	t.empty = true
	for iter.First(); iter.Valid(); iter.Next() {
		key := iter.Key()
		if t.empty {
			t.smallest = key.Clone()
			t.empty = false
		}
		t.largest = key.Clone()
		if s := key.SeqNum(); s > t.maxSeqNum {
			t.maxSeqNum = s
		}
	}
	return firstError(iter.Error(), iter.Close())
}

// writeManifest writes a manifest holding every live table at level 0 and
// points CURRENT at it. The old manifests are then moved to the lost
// directory.
func (r *repairer) writeManifest() error {
	slices.SortFunc(r.tables, func(a, b *repairedTable) int {
		return cmp.Compare(a.fileNum, b.fileNum)
	})
	ve := versionEdit{
		ComparerName: r.opts.Comparer.Name,
	}
	for _, t := range r.tables {
		ve.NewFiles = append(ve.NewFiles, newFileEntry{
			Level: 0,
			Meta: &fileMetadata{
				FileNum:  t.fileNum,
				Size:     t.size,
				Smallest: t.smallest,
				Largest:  t.largest,
			},
		})
		if t.maxSeqNum > ve.LastSeqNum {
			ve.LastSeqNum = t.maxSeqNum
		}
	}
	manifestNum := r.newFileNum()
	ve.NextFileNum = r.nextFileNum

	path := base.MakeFilepath(r.fs, r.dirname, fileTypeManifest, manifestNum)
	f, err := r.fs.Create(path)
	if err != nil {
		return err
	}
	if err := func() error {
		w := record.NewWriter(f)
		rw, err := w.Next()
		if err != nil {
			return err
		}
		if err := ve.Encode(rw); err != nil {
			return err
		}
		if err := w.Close(); err != nil {
			return err
		}
		return f.Sync()
	}(); err != nil {
		f.Close()
		r.fs.Remove(path)
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	if err := setCurrentFile(r.dirname, r.fs, manifestNum); err != nil {
		return err
	}
	for _, name := range r.manifests {
		if err := r.moveToLost(name); err != nil {
			return err
		}
	}
	return nil
}

func (r *repairer) moveToLost(name string) error {
	dir := r.fs.PathJoin(r.dirname, lostDir)
	if err := r.fs.MkdirAll(dir, 0755); err != nil {
		return err
	}
	err := r.fs.Rename(r.fs.PathJoin(r.dirname, name), r.fs.PathJoin(dir, name))
	if oserror.IsNotExist(err) {
		return nil
	}
	return err
}
