// Copyright 2013 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package tide

import (
	"github.com/cockroachdb/crlib/crtime"
	"github.com/cockroachdb/errors"
	"github.com/tidedb/tide/internal/base"
	"github.com/tidedb/tide/internal/manifest"
	"github.com/tidedb/tide/sstable"
	"github.com/tidedb/tide/vfs"
)

type compactionReason string

const (
	compactionReasonSize   compactionReason = "size"
	compactionReasonSeek   compactionReason = "seek"
	compactionReasonManual compactionReason = "manual"
)

// compaction is a table compaction from one level to the next, starting from a
// given version.
type compaction struct {
	cmp       Compare
	formatKey base.FormatKey
	opts      *Options
	version   *version
	reason    compactionReason

	// startLevel is the level that is being compacted. Inputs from startLevel
	// and outputLevel will be merged to produce a set of outputLevel files.
	startLevel  int
	outputLevel int

	// inputs are the tables to be compacted: inputs[0] from startLevel and
	// inputs[1] from outputLevel.
	inputs [2][]*fileMetadata

	// grandparents are the tables in outputLevel+1 that overlap with the files
	// being compacted. Used to determine output table boundaries.
	grandparents []*fileMetadata

	// maxOutputFileSize is the target size of an output table. Tables are only
	// split where the user key changes, so an output can exceed it.
	maxOutputFileSize uint64
	// maxOverlapBytes is the maximum number of bytes of overlap allowed for a
	// single output table with the tables in the grandparent level.
	maxOverlapBytes uint64
	// maxExpandedBytes is the maximum size of an expanded compaction. If
	// growing a compaction results in a larger size, the original compaction
	// is used instead.
	maxExpandedBytes uint64

	// manualTruncated is set when a manual compaction picked only a prefix of
	// the tables overlapping its range.
	manualTruncated bool

	// smallest and largest bound every input.
	smallest InternalKey
	largest  InternalKey

	// State used by shouldStopBefore.
	grandparentIndex int
	seenKey          bool
	overlappedBytes  uint64

	// levelPtrs holds, per level, the index of the first table that may
	// contain the user keys passed to isBaseLevelForUkey, which are
	// increasing.
	levelPtrs [numLevels]int

	bytesRead    uint64
	bytesWritten uint64
}

func newCompaction(opts *Options, v *version, level int, reason compactionReason) *compaction {
	return &compaction{
		cmp:               opts.Comparer.Compare,
		formatKey:         opts.Comparer.FormatKey,
		opts:              opts,
		version:           v,
		reason:            reason,
		startLevel:        level,
		outputLevel:       level + 1,
		maxOutputFileSize: opts.maxFileSizeForLevel(level + 1),
		maxOverlapBytes:   opts.maxGrandparentOverlapBytes(level + 1),
		maxExpandedBytes:  opts.expandedCompactionByteSizeLimit(level),
	}
}

// setupOtherInputs fills in the rest of the compaction inputs, regardless of
// whether the compaction was automatically scheduled or user initiated.
func (c *compaction) setupOtherInputs() {
	smallest0, largest0 := manifest.KeyRange(c.cmp, c.inputs[0])
	c.inputs[1] = c.version.Overlaps(c.outputLevel, c.cmp, smallest0.UserKey, largest0.UserKey)
	c.smallest, c.largest = manifest.KeyRange(c.cmp, c.inputs[0], c.inputs[1])

	// Grow the inputs if it doesn't affect the number of level+1 files.
	if c.grow(c.smallest, c.largest) {
		c.smallest, c.largest = manifest.KeyRange(c.cmp, c.inputs[0], c.inputs[1])
	}

	// Compute the set of outputLevel+1 (i.e. grandparent) files that overlap
	// this compaction.
	if c.outputLevel+1 < numLevels {
		c.grandparents = c.version.Overlaps(c.outputLevel+1, c.cmp, c.smallest.UserKey, c.largest.UserKey)
	}
}

// grow grows the number of inputs at c.startLevel without changing the number
// of c.outputLevel files in the compaction, and returns whether the inputs
// grew. sm and la are the smallest and largest InternalKeys in all of the
// inputs.
func (c *compaction) grow(sm, la InternalKey) bool {
	if len(c.inputs[1]) == 0 {
		return false
	}
	grow0 := c.version.Overlaps(c.startLevel, c.cmp, sm.UserKey, la.UserKey)
	if len(grow0) <= len(c.inputs[0]) {
		return false
	}
	if manifest.TotalSize(grow0)+manifest.TotalSize(c.inputs[1]) >= c.maxExpandedBytes {
		return false
	}
	sm1, la1 := manifest.KeyRange(c.cmp, grow0)
	grow1 := c.version.Overlaps(c.outputLevel, c.cmp, sm1.UserKey, la1.UserKey)
	if len(grow1) != len(c.inputs[1]) {
		return false
	}
	c.inputs[0] = grow0
	c.inputs[1] = grow1
	return true
}

// isTrivialMove reports whether the compaction can be carried out by moving
// its single input table to the output level. A move is avoided if there is
// lots of overlapping grandparent data. Otherwise, the move could create a
// parent file that will require a very expensive merge later on.
func (c *compaction) isTrivialMove() bool {
	return c.reason != compactionReasonManual &&
		len(c.inputs[0]) == 1 && len(c.inputs[1]) == 0 &&
		manifest.TotalSize(c.grandparents) <= c.maxOverlapBytes
}

// shouldStopBefore returns true if the output to the current table should be
// finished and a new one started before adding key, because the current
// table overlaps too much of the grandparent level.
func (c *compaction) shouldStopBefore(key InternalKey) bool {
	for c.grandparentIndex < len(c.grandparents) &&
		base.InternalCompare(c.cmp, key, c.grandparents[c.grandparentIndex].Largest) > 0 {
		if c.seenKey {
			c.overlappedBytes += c.grandparents[c.grandparentIndex].Size
		}
		c.grandparentIndex++
	}
	c.seenKey = true

	if c.overlappedBytes > c.maxOverlapBytes {
		// Too much overlap for current output; start new output.
		c.overlappedBytes = 0
		return true
	}
	return false
}

// isBaseLevelForUkey reports whether it is guaranteed that there are no
// key/value pairs at c.outputLevel+1 or higher that have the user key
// ukey. Successive calls must pass increasing user keys.
func (c *compaction) isBaseLevelForUkey(ukey []byte) bool {
	for level := c.outputLevel + 1; level < numLevels; level++ {
		files := c.version.Files[level]
		for ; c.levelPtrs[level] < len(files); c.levelPtrs[level]++ {
			f := files[c.levelPtrs[level]]
			if c.cmp(ukey, f.Largest.UserKey) <= 0 {
				if c.cmp(ukey, f.Smallest.UserKey) >= 0 {
					return false
				}
				// For levels above level 0, the files within a level are in
				// increasing ikey order, so we can break early.
				break
			}
		}
	}
	return true
}

// newInputIter returns an iterator over all the tables in the compaction.
func (c *compaction) newInputIter(newIters tableNewIters) (_ internalIterator, retErr error) {
	iters := make([]internalIterator, 0, len(c.inputs[0])+1)
	defer func() {
		if retErr != nil {
			for _, iter := range iters {
				iter.Close()
			}
		}
	}()

	if c.startLevel != 0 && !c.inputsOverlap() {
		iters = append(iters, newLevelIter(c.cmp, newIters, c.inputs[0]))
	} else {
		for _, f := range c.inputs[0] {
			iter, err := newIters(f)
			if err != nil {
				return nil, errors.Wrapf(err, "tide: could not open table %s", f.FileNum)
			}
			iters = append(iters, iter)
		}
	}
	if len(c.inputs[1]) > 0 {
		iters = append(iters, newLevelIter(c.cmp, newIters, c.inputs[1]))
	}
	return newMergingIter(c.cmp, iters...), nil
}

// inputsOverlap reports whether any two adjacent start level inputs overlap,
// in which case they must be merged like level 0 tables.
func (c *compaction) inputsOverlap() bool {
	files := c.inputs[0]
	for i := 1; i < len(files); i++ {
		if c.cmp(files[i-1].Largest.UserKey, files[i].Smallest.UserKey) >= 0 {
			return true
		}
	}
	return false
}

// newVersionEdit returns an edit deleting the compaction's inputs and
// advancing the compaction pointer of the start level.
func (c *compaction) newVersionEdit() *versionEdit {
	ve := &versionEdit{
		DeletedFiles: map[deletedFileEntry]bool{},
	}
	for i := range c.inputs {
		for _, f := range c.inputs[i] {
			ve.DeletedFiles[deletedFileEntry{
				Level:   c.startLevel + i,
				FileNum: f.FileNum,
			}] = true
		}
	}
	// The next compaction of the level starts just after the key range of this
	// one.
	_, largest0 := manifest.KeyRange(c.cmp, c.inputs[0])
	ve.CompactPointers = append(ve.CompactPointers, manifest.CompactPointerEntry{
		Level: c.startLevel,
		Key:   largest0.Clone(),
	})
	return ve
}

func (c *compaction) setCompacting(compacting bool) {
	for i := range c.inputs {
		for _, f := range c.inputs[i] {
			f.Compacting = compacting
		}
	}
}

func (c *compaction) info(jobID int) CompactionInfo {
	info := CompactionInfo{
		JobID:  jobID,
		Reason: string(c.reason),
		Input:  make([]LevelInfo, 0, len(c.inputs)),
	}
	for i := range c.inputs {
		if i > 0 && len(c.inputs[i]) == 0 {
			continue
		}
		li := LevelInfo{Level: c.startLevel + i}
		for _, f := range c.inputs[i] {
			li.Tables = append(li.Tables, tableInfo(f))
		}
		info.Input = append(info.Input, li)
	}
	info.Output.Level = c.outputLevel
	return info
}

func tableInfo(f *fileMetadata) TableInfo {
	return TableInfo{
		FileNum:  f.FileNum,
		Size:     f.Size,
		Smallest: f.Smallest,
		Largest:  f.Largest,
	}
}

// compact1 runs one compaction.
//
// d.mu must be held when calling this, but the mutex may be dropped and
// re-acquired during the course of this method.
func (d *DB) compact1(jobID int, c *compaction) error {
	info := c.info(jobID)
	d.opts.EventListener.CompactionBegin(info)
	startTime := crtime.NowMono()

	// Check for a trivial move of one table from one level to the next.
	if c.isTrivialMove() {
		meta := c.inputs[0][0]
		ve := c.newVersionEdit()
		ve.NewFiles = append(ve.NewFiles, newFileEntry{Level: c.outputLevel, Meta: meta})
		info.Output.Tables = []TableInfo{tableInfo(meta)}
		d.mu.versions.logLock()
		err := d.mu.versions.logAndApply(jobID, ve, map[int]*LevelMetrics{
			c.outputLevel: {
				BytesMoved:  meta.Size,
				TablesMoved: 1,
			},
		}, d.dataDir)
		if err == nil {
			d.mu.versions.incrementCompactions()
			d.updateReadStateLocked()
		}
		info.Done = true
		info.Duration = startTime.Elapsed()
		info.Err = err
		d.opts.EventListener.CompactionEnd(info)
		return err
	}

	ve, pendingOutputs, err := d.runCompaction(jobID, c)
	if err == nil {
		for _, nf := range ve.NewFiles {
			info.Output.Tables = append(info.Output.Tables, tableInfo(nf.Meta))
		}
		d.mu.versions.logLock()
		err = d.mu.versions.logAndApply(jobID, ve, c.metrics(ve), d.dataDir)
		if err == nil {
			d.mu.versions.incrementCompactions()
			d.updateReadStateLocked()
		}
	}
	for _, fileNum := range pendingOutputs {
		delete(d.mu.compact.pendingOutputs, fileNum)
	}
	info.Done = true
	info.Duration = startTime.Elapsed()
	info.Err = err
	d.opts.EventListener.CompactionEnd(info)
	return err
}

func (c *compaction) metrics(ve *versionEdit) map[int]*LevelMetrics {
	m := &LevelMetrics{
		BytesIn:         manifest.TotalSize(c.inputs[0]),
		BytesRead:       manifest.TotalSize(c.inputs[1]),
		BytesCompacted:  c.bytesWritten,
		TablesCompacted: uint64(len(ve.NewFiles)),
	}
	return map[int]*LevelMetrics{c.outputLevel: m}
}

// runCompaction runs a compaction that produces new on-disk tables from old
// on-disk tables. It returns the version edit to install along with the file
// numbers of the new tables, which the caller removes from the pending
// outputs once the edit has been applied.
//
// d.mu must be held when calling this, but the mutex may be dropped and
// re-acquired during the course of this method.
func (d *DB) runCompaction(
	jobID int, c *compaction,
) (ve *versionEdit, pendingOutputs []base.FileNum, retErr error) {
	snapshots := d.mu.snapshots.toSlice()
	c.bytesRead = manifest.TotalSize(c.inputs[0]) + manifest.TotalSize(c.inputs[1])

	// Release the d.mu lock while doing I/O.
	// Note the unusual order: Unlock and then Lock.
	d.mu.Unlock()
	defer d.mu.Lock()

	iiter, err := c.newInputIter(d.newIters)
	if err != nil {
		return nil, pendingOutputs, err
	}
	iter := newCompactionIter(c.cmp, iiter, snapshots, c.isBaseLevelForUkey)

	var (
		filenames []string
		tw        *sstable.Writer
	)
	defer func() {
		if iter != nil {
			if err := iter.Close(); retErr == nil {
				retErr = err
			}
		}
		if tw != nil {
			tw.Close()
		}
		if retErr != nil {
			for _, filename := range filenames {
				d.opts.FS.Remove(filename)
			}
		}
	}()

	ve = c.newVersionEdit()

	newOutput := func() error {
		d.mu.Lock()
		fileNum := d.mu.versions.getNextFileNum()
		d.mu.compact.pendingOutputs[fileNum] = struct{}{}
		pendingOutputs = append(pendingOutputs, fileNum)
		d.mu.Unlock()

		filename := base.MakeFilepath(d.opts.FS, d.dirname, fileTypeTable, fileNum)
		file, err := d.opts.FS.Create(filename)
		if err != nil {
			return err
		}
		filenames = append(filenames, filename)
		d.opts.EventListener.TableCreated(TableCreateInfo{
			JobID:   jobID,
			Reason:  "compacting",
			Path:    filename,
			FileNum: fileNum,
		})
		file = vfs.NewSyncingFile(file, vfs.SyncingFileOptions{
			BytesPerSync: d.opts.BytesPerSync,
		})
		tw = sstable.NewWriter(file, d.opts.MakeWriterOptions(c.outputLevel))
		ve.NewFiles = append(ve.NewFiles, newFileEntry{
			Level: c.outputLevel,
			Meta:  &fileMetadata{FileNum: fileNum},
		})
		return nil
	}

	finishOutput := func() error {
		if tw == nil {
			return nil
		}
		err := tw.Close()
		w := tw
		tw = nil
		if err != nil {
			return err
		}
		writerMeta, err := w.Metadata()
		if err != nil {
			return err
		}
		meta := ve.NewFiles[len(ve.NewFiles)-1].Meta
		meta.Size = writerMeta.Size
		meta.Smallest = writerMeta.SmallestPoint
		meta.Largest = writerMeta.LargestPoint
		c.bytesWritten += meta.Size
		return nil
	}

	var prevUserKey []byte
	splitPending := false
	for valid := iter.First(); valid; valid = iter.Next() {
		// Prioritize flushing the immutable memtable: writers may be stalled
		// waiting for it.
		if d.hasImm.Load() {
			d.mu.Lock()
			err := d.flushLocked(jobID, true /* inline */)
			d.mu.Unlock()
			if err != nil {
				return nil, pendingOutputs, err
			}
		}

		key := iter.Key()
		if c.shouldStopBefore(key) {
			splitPending = true
		}
		// Outputs are only split between user keys, so that no user key spans
		// two tables of the output level.
		if tw != nil && c.cmp(key.UserKey, prevUserKey) != 0 &&
			(splitPending || tw.EstimatedSize() >= c.maxOutputFileSize) {
			if err := finishOutput(); err != nil {
				return nil, pendingOutputs, err
			}
			splitPending = false
		}
		if tw == nil {
			if err := newOutput(); err != nil {
				return nil, pendingOutputs, err
			}
		}
		if err := tw.Add(key, iter.Value()); err != nil {
			return nil, pendingOutputs, err
		}
		prevUserKey = append(prevUserKey[:0], key.UserKey...)
	}
	if err := iter.Error(); err != nil {
		return nil, pendingOutputs, err
	}
	if err := finishOutput(); err != nil {
		return nil, pendingOutputs, err
	}
	if len(ve.NewFiles) > 0 {
		if err := d.dataDir.Sync(); err != nil {
			return nil, pendingOutputs, err
		}
	}
	err = iter.Close()
	iter = nil
	if err != nil {
		return nil, pendingOutputs, err
	}
	return ve, pendingOutputs, nil
}

// flushLocked writes the immutable memtable to a table and installs it. An
// inline flush, run from within a compaction, always places the table in
// level 0 so that it cannot collide with the compaction's output.
//
// d.mu must be held when calling this, but the mutex may be dropped and
// re-acquired during the course of this method.
func (d *DB) flushLocked(jobID int, inline bool) error {
	imm := d.mu.mem.imm
	if imm == nil {
		return nil
	}
	if d.mu.compact.flushing {
		return nil
	}
	d.mu.compact.flushing = true
	defer func() { d.mu.compact.flushing = false }()

	info := FlushInfo{
		JobID:  jobID,
		Reason: "memtable full",
		Input:  1,
	}
	if inline {
		info.Reason = "memtable full, during compaction"
	}
	d.opts.EventListener.FlushBegin(info)
	startTime := crtime.NowMono()

	ve := &versionEdit{
		// The mutable memtable logs to the newest WAL. Every older WAL is
		// covered by the table being written.
		LogNum: d.mu.mem.mutable.logNum,
	}
	meta, level, err := d.writeLevel0Table(jobID, imm, inline)
	var metrics map[int]*LevelMetrics
	if err == nil && meta != nil {
		ve.NewFiles = []newFileEntry{{Level: level, Meta: meta}}
		info.Output = []TableInfo{tableInfo(meta)}
		info.Level = level
		metrics = map[int]*LevelMetrics{
			level: {
				BytesIn:       imm.inuseBytes(),
				BytesFlushed:  meta.Size,
				TablesFlushed: 1,
			},
		}
	}
	if err == nil {
		d.mu.versions.logLock()
		err = d.mu.versions.logAndApply(jobID, ve, metrics, d.dataDir)
	}
	if meta != nil {
		delete(d.mu.compact.pendingOutputs, meta.FileNum)
	}
	info.Done = true
	info.Duration = startTime.Elapsed()
	info.Err = err
	if err != nil {
		d.opts.EventListener.FlushEnd(info)
		return err
	}

	d.mu.versions.incrementFlushes()
	d.mu.mem.imm = nil
	d.hasImm.Store(false)
	d.updateReadStateLocked()
	imm.unref()
	d.opts.EventListener.FlushEnd(info)
	// Writers stalled on the immutable memtable may proceed.
	d.mu.compact.cond.Broadcast()
	return nil
}

// writeLevel0Table writes a memtable to a table, returning the table's
// metadata and the level it should be placed at. It returns a nil
// fileMetadata if the memtable is empty.
//
// d.mu must be held when calling this, but the mutex may be dropped and
// re-acquired during the course of this method.
func (d *DB) writeLevel0Table(
	jobID int, mem *memTable, forceL0 bool,
) (meta *fileMetadata, level int, err error) {
	if mem.empty() {
		return nil, 0, nil
	}
	fileNum := d.mu.versions.getNextFileNum()
	d.mu.compact.pendingOutputs[fileNum] = struct{}{}
	defer func() {
		if err != nil {
			delete(d.mu.compact.pendingOutputs, fileNum)
		}
	}()
	filename := base.MakeFilepath(d.opts.FS, d.dirname, fileTypeTable, fileNum)

	// Release the d.mu lock while doing I/O.
	// Note the unusual order: Unlock and then Lock.
	d.mu.Unlock()
	defer d.mu.Lock()

	var (
		file vfs.File
		tw   *sstable.Writer
		iter internalIterator
	)
	defer func() {
		if iter != nil {
			err = firstError(err, iter.Close())
		}
		if tw != nil {
			err = firstError(err, tw.Close())
		}
		if err != nil {
			d.opts.FS.Remove(filename)
			meta = nil
		}
	}()

	file, err = d.opts.FS.Create(filename)
	if err != nil {
		return nil, 0, err
	}
	d.opts.EventListener.TableCreated(TableCreateInfo{
		JobID:   jobID,
		Reason:  "flushing",
		Path:    filename,
		FileNum: fileNum,
	})
	file = vfs.NewSyncingFile(file, vfs.SyncingFileOptions{
		BytesPerSync: d.opts.BytesPerSync,
	})
	tw = sstable.NewWriter(file, d.opts.MakeWriterOptions(0))

	iter = mem.newIter()
	for iter.First(); iter.Valid(); iter.Next() {
		if err1 := tw.Add(iter.Key(), iter.Value()); err1 != nil {
			return nil, 0, err1
		}
	}
	if err1 := iter.Close(); err1 != nil {
		iter = nil
		return nil, 0, err1
	}
	iter = nil

	err1 := tw.Close()
	w := tw
	tw = nil
	if err1 != nil {
		return nil, 0, err1
	}
	writerMeta, err1 := w.Metadata()
	if err1 != nil {
		return nil, 0, err1
	}
	// The table must be durable in the directory before an edit naming it
	// is logged to the manifest.
	if err1 := d.dataDir.Sync(); err1 != nil {
		return nil, 0, err1
	}
	meta = &fileMetadata{
		FileNum:  fileNum,
		Size:     writerMeta.Size,
		Smallest: writerMeta.SmallestPoint,
		Largest:  writerMeta.LargestPoint,
	}

	if !forceL0 {
		d.mu.Lock()
		level = d.mu.versions.pickLevelForMemTableOutput(
			d.mu.versions.currentVersion(), meta.Smallest.UserKey, meta.Largest.UserKey)
		d.mu.Unlock()
	}
	return meta, level, nil
}

// firstError returns the first non-nil error of err0 and err1, or nil if both
// are nil.
func firstError(err0, err1 error) error {
	if err0 != nil {
		return err0
	}
	return err1
}
