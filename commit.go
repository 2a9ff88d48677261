// Copyright 2018 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package tide

import (
	"sync"
	"time"

	"github.com/cockroachdb/crlib/crtime"
	"github.com/cockroachdb/errors"
	"github.com/tidedb/tide/internal/arenaskl"
	"github.com/tidedb/tide/internal/base"
	"github.com/tidedb/tide/record"
	"github.com/tidedb/tide/vfs"
)

const (
	// maxBatchGroupSize bounds the bytes a commit leader writes to the WAL on
	// behalf of itself and its followers.
	maxBatchGroupSize = 1 << 20 // 1 MB
	// smallBatchSize is the size under which a leader limits its group to its
	// own size plus smallBatchSize, so that a small write is not slowed down
	// by a large group.
	smallBatchSize = 128 << 10 // 128 KB
	// slowdownDelay is how long a write is delayed, once, when level 0 has
	// L0SlowdownWritesThreshold files.
	slowdownDelay = time.Millisecond
)

// commitWriter is a writer waiting in the commit queue. A nil batch is a
// request to rotate the memtable and WAL.
type commitWriter struct {
	batch *Batch
	sync  bool
	done  bool
	err   error
	cond  sync.Cond
}

// commit writes b to the WAL, syncing it if requested, and applies it to the
// memtable. Upon successful return the batch's mutations are visible to
// readers.
//
// Writers queue up under DB.mu. The writer at the head of the queue is the
// leader: it gathers the batches queued behind it into a group, writes the
// group to the WAL as a single record and applies it to the memtable with
// DB.mu released, then marks every member of the group done and hands the
// leadership to the next writer in the queue.
func (d *DB) commit(b *Batch, sync bool) error {
	w := &commitWriter{batch: b, sync: sync}
	w.cond.L = &d.mu.Mutex

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.mu.closed {
		panic(ErrClosed)
	}

	d.mu.commit.queue = append(d.mu.commit.queue, w)
	for !w.done && w != d.mu.commit.queue[0] {
		w.cond.Wait()
	}
	if w.done {
		return w.err
	}

	// w is the leader.
	var n int
	var err error
	if b == nil {
		n = 1
		err = d.makeRoomForWrite(nil)
	} else {
		var group *Batch
		group, n = d.buildBatchGroupLocked()
		err = d.makeRoomForWrite(group)
		if err == nil {
			err = d.writeGroupLocked(group, w.sync)
		}
	}

	queue := d.mu.commit.queue
	for _, f := range queue[1:n] {
		f.err = err
		f.done = true
		f.cond.Signal()
	}
	d.mu.commit.queue = queue[n:]
	if len(d.mu.commit.queue) > 0 {
		d.mu.commit.queue[0].cond.Signal()
	} else {
		// Close waits for the queue to drain.
		d.mu.compact.cond.Broadcast()
	}
	return err
}

// buildBatchGroupLocked merges the leader's batch with the batches queued
// behind it, returning the merged batch and the number of writers it covers.
// A sync batch never joins a group led by a non-sync batch, and the group
// stays small enough to fit in an empty memtable.
//
// d.mu must be held.
func (d *DB) buildBatchGroupLocked() (*Batch, int) {
	queue := d.mu.commit.queue
	leader := queue[0]
	size := len(leader.batch.data)
	maxSize := maxBatchGroupSize
	if size <= smallBatchSize {
		maxSize = size + smallBatchSize
	}
	memSize := leader.batch.memTableSize
	maxMemSize := uint64(d.opts.MemTableSize) / 4

	n := 1
	for ; n < len(queue); n++ {
		f := queue[n]
		if f.batch == nil || (f.sync && !leader.sync) {
			break
		}
		if size+len(f.batch.data) > maxSize || memSize+f.batch.memTableSize > maxMemSize {
			break
		}
		if n == 1 {
			d.mu.commit.group.Reset()
			if err := d.mu.commit.group.Apply(leader.batch, nil); err != nil {
				break
			}
		}
		if err := d.mu.commit.group.Apply(f.batch, nil); err != nil {
			break
		}
		size += len(f.batch.data)
		memSize += f.batch.memTableSize
	}
	if n == 1 {
		return leader.batch, 1
	}
	return &d.mu.commit.group, n
}

// writeGroupLocked assigns sequence numbers to the group, writes it to the
// WAL and applies it to the mutable memtable, whose space has already been
// reserved by makeRoomForWrite.
//
// d.mu must be held. It is released while writing and applying.
func (d *DB) writeGroupLocked(group *Batch, sync bool) error {
	seqNum := d.mu.versions.lastSeqNum + 1
	group.setSeqNum(seqNum)
	d.mu.versions.lastSeqNum += base.SeqNum(group.Count())
	mem := d.mu.mem.mutable
	logWriter := d.mu.log.Writer
	logFile := d.mu.log.file

	d.mu.Unlock()
	prevSize := logWriter.Size()
	_, err := logWriter.WriteRecord(group.data)
	bytesWritten := logWriter.Size() - prevSize
	if err == nil && sync {
		start := crtime.NowMono()
		err = logFile.Sync()
		d.recordWALSync(start.Elapsed())
	}
	if err == nil {
		err = mem.apply(group, seqNum)
	}
	d.mu.Lock()

	if err != nil {
		// The WAL may hold a partial record, and the memtable a partial batch.
		// Stop writes until Resume rotates both.
		d.mu.errorHandler.setBGError(err, BgWrite)
		return err
	}
	d.mu.versions.metrics.WAL.BytesIn += uint64(len(group.data))
	d.mu.versions.metrics.WAL.BytesWritten += uint64(bytesWritten)
	d.mu.versions.visibleSeqNum.Store(d.mu.versions.lastSeqNum)
	return nil
}

func (d *DB) recordWALSync(elapsed time.Duration) {
	d.walSync.Lock()
	_ = d.walSync.hist.RecordValue(max(elapsed.Nanoseconds(), walSyncMinLatency.Nanoseconds()))
	d.walSync.Unlock()
	if h := d.opts.WALSyncLatency; h != nil {
		h.Observe(elapsed.Seconds())
	}
}

// makeRoomForWrite ensures that the memtable has room to hold the contents of
// b, reserving the space. If the memtable is full, or a nil Batch is
// provided, the current memtable is rotated (marked as immutable) and a new
// mutable memtable is allocated. This memtable rotation also causes a log
// rotation.
//
// d.mu must be held by the caller, who must be the commit leader. Note that
// d.mu may be released and reacquired.
func (d *DB) makeRoomForWrite(b *Batch) error {
	force := b == nil
	allowDelay := !force
	stalled := false
	defer func() {
		if stalled {
			d.opts.EventListener.WriteStallEnd()
		}
	}()
	for {
		if err := d.mu.errorHandler.getBGError(); err != nil {
			return err
		}
		if d.mu.closed {
			return ErrClosed
		}
		l0 := len(d.mu.versions.currentVersion().Files[0])
		if allowDelay && l0 >= d.opts.L0SlowdownWritesThreshold {
			// We are getting close to hitting a hard limit on the number of L0
			// files. Rather than delaying a single write by several seconds when
			// we hit the hard limit, start delaying each individual write by 1ms
			// to reduce latency variance. Also, this delay hands over some CPU to
			// the compaction thread in case it is sharing the same core as the
			// writer.
			d.mu.Unlock()
			time.Sleep(slowdownDelay)
			d.mu.Lock()
			allowDelay = false
			continue
		}
		if !force {
			err := d.mu.mem.mutable.prepare(b)
			if err == nil {
				return nil
			}
			if !errors.Is(err, arenaskl.ErrArenaFull) {
				return err
			}
			if d.mu.mem.mutable.empty() {
				return errors.Errorf("tide: batch of %d bytes is too large for a memtable of %d bytes",
					errors.Safe(b.memTableSize), errors.Safe(d.opts.MemTableSize))
			}
		} else if d.mu.mem.mutable.empty() {
			// Nothing to rotate.
			return nil
		}
		if d.mu.mem.imm != nil {
			// We have filled up the current memtable, but the previous one is
			// still being flushed, so we wait.
			if !stalled {
				stalled = true
				d.opts.EventListener.WriteStallBegin(WriteStallBeginInfo{
					Reason: "memtable count limit reached",
				})
			}
			d.mu.compact.cond.Wait()
			continue
		}
		if l0 >= d.opts.L0StopWritesThreshold {
			// There are too many level-0 files, so we wait.
			if !stalled {
				stalled = true
				d.opts.EventListener.WriteStallBegin(WriteStallBeginInfo{
					Reason: "L0 file count limit exceeded",
				})
			}
			d.mu.compact.cond.Wait()
			continue
		}

		if err := d.rotateMemTableLocked(); err != nil {
			return err
		}
		if force {
			return nil
		}
	}
}

// rotateMemTableLocked switches to a new WAL and memtable, making the
// current memtable immutable and scheduling its flush.
//
// d.mu must be held. It is released while the new WAL is created.
func (d *DB) rotateMemTableLocked() error {
	jobID := d.mu.nextJobID
	d.mu.nextJobID++
	newLogNum := d.mu.versions.getNextFileNum()
	oldLogFile, oldLogWriter := d.mu.log.file, d.mu.log.Writer

	d.mu.Unlock()
	newLogName := base.MakeFilepath(d.opts.FS, d.dirname, fileTypeLog, newLogNum)
	newLogFile, err := d.opts.FS.Create(newLogName)
	if err == nil {
		err = d.dataDir.Sync()
	}
	if err == nil {
		// Everything written to the old log must be durable before its
		// memtable can be flushed and the log deleted.
		err = oldLogWriter.Close()
		if err == nil {
			err = oldLogFile.Sync()
		}
		err = firstError(err, oldLogFile.Close())
		if err != nil && newLogFile != nil {
			newLogFile.Close()
			newLogFile = nil
		}
	}
	d.opts.EventListener.WALCreated(WALCreateInfo{
		JobID:   jobID,
		Path:    newLogName,
		FileNum: newLogNum,
		Err:     err,
	})
	d.mu.Lock()

	if err != nil {
		// The old log may have lost writes, so no further writes can be
		// accepted.
		d.mu.errorHandler.setBGError(err, BgWrite)
		return err
	}

	d.mu.log.fileNum = newLogNum
	d.mu.log.file = vfs.NewSyncingFile(newLogFile, vfs.SyncingFileOptions{
		BytesPerSync: d.opts.BytesPerSync,
	})
	d.mu.log.Writer = record.NewWriter(d.mu.log.file)

	imm := d.mu.mem.mutable
	d.mu.mem.imm = imm
	d.mu.mem.mutable = d.newMemTable(newLogNum)
	d.hasImm.Store(true)
	d.updateReadStateLocked()
	d.maybeScheduleCompactionLocked()
	return nil
}

// newMemTable allocates a memtable logging to logNum, reusing the arena of
// the last released memtable if there is one.
func (d *DB) newMemTable(logNum base.FileNum) *memTable {
	var buf []byte
	if p := d.memTableArena.Swap(nil); p != nil {
		buf = *p
	}
	return newMemTable(memTableOptions{
		Options:  d.opts,
		arenaBuf: buf,
		logNum:   logNum,
		releaseFn: func(buf []byte) {
			d.memTableArena.Store(&buf)
		},
	})
}
