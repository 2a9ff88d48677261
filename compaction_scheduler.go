// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package tide

import "sync"

// manualCompaction is a request to compact the tables of a level that
// overlap [start, end] into the next level. A nil start or end is
// unbounded. A single request may take several compactions when the range
// is large; start advances after each one.
type manualCompaction struct {
	level int
	start []byte
	end   []byte
	// done receives the outcome once the range has been compacted.
	done chan error
}

// compactionTask is a unit of background work: either a flush of the
// immutable memtable or a compaction.
type compactionTask struct {
	jobID  int
	flush  bool
	c      *compaction
	manual *manualCompaction
}

type compactionResult struct {
	task compactionTask
	err  error
}

// compactionScheduler runs background work on a single worker goroutine. The
// DB picks the work under DB.mu and hands it to the worker through tasks;
// the worker reports on results, which a second goroutine drains back into
// the DB. At most one task is outstanding at a time, which the DB tracks
// with d.mu.compact.scheduled.
type compactionScheduler struct {
	tasks   chan compactionTask
	results chan compactionResult
	wg      sync.WaitGroup
}

func (s *compactionScheduler) start(d *DB) {
	s.tasks = make(chan compactionTask, 1)
	s.results = make(chan compactionResult, 1)
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		defer close(s.results)
		for task := range s.tasks {
			s.results <- compactionResult{task: task, err: d.runTask(task)}
		}
	}()
	go func() {
		defer s.wg.Done()
		for res := range s.results {
			d.compactionDone(res)
		}
	}()
}

// stop closes the task channel and waits for the worker and the drainer to
// exit. No task may be scheduled afterwards.
func (s *compactionScheduler) stop() {
	if s.tasks == nil {
		return
	}
	close(s.tasks)
	s.wg.Wait()
}

// runTask runs a flush or compaction on the worker goroutine.
func (d *DB) runTask(task compactionTask) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if task.flush {
		return d.flushLocked(task.jobID, false /* inline */)
	}
	return d.compact1(task.jobID, task.c)
}

// maybeScheduleCompactionLocked hands the next piece of background work, if
// any, to the compaction scheduler. A flush is preferred over a manual
// compaction, which is preferred over an automatic one.
//
// d.mu must be held when calling this.
func (d *DB) maybeScheduleCompactionLocked() {
	if d.mu.compact.scheduled || d.mu.closed {
		return
	}
	if err := d.mu.errorHandler.getBGError(); err != nil {
		// Background work is stopped until Resume. Manual compactions would
		// wait forever, so fail them now.
		for _, m := range d.mu.compact.manual {
			m.done <- err
		}
		d.mu.compact.manual = nil
		return
	}

	var task compactionTask
	switch {
	case d.mu.mem.imm != nil:
		task.flush = true

	case len(d.mu.compact.manual) > 0:
		m := d.mu.compact.manual[0]
		c := d.mu.versions.pickManualCompaction(m.level, m.start, m.end)
		if c == nil {
			// Nothing in the level overlaps the range.
			m.done <- nil
			d.mu.compact.manual = d.mu.compact.manual[1:]
			d.maybeScheduleCompactionLocked()
			return
		}
		task.c = c
		task.manual = m

	case !d.opts.DisableAutomaticCompactions:
		task.c = d.mu.versions.pickAutoCompaction()
		if task.c == nil {
			return
		}

	default:
		return
	}

	task.jobID = d.mu.nextJobID
	d.mu.nextJobID++
	if task.c != nil {
		task.c.version.Ref()
		task.c.setCompacting(true)
	}
	d.mu.compact.scheduled = true
	d.compactionScheduler.tasks <- task
}

// compactionDone records the outcome of a background task and schedules the
// next one.
func (d *DB) compactionDone(res compactionResult) {
	d.mu.Lock()
	defer d.mu.Unlock()

	task := res.task
	if c := task.c; c != nil {
		c.setCompacting(false)
		c.version.UnrefLocked()
	}
	if res.err != nil {
		reason := BgCompaction
		if task.flush {
			reason = BgFlush
		}
		d.mu.errorHandler.setBGError(res.err, reason)
	}
	if m := task.manual; m != nil {
		if res.err != nil || !task.c.manualTruncated {
			m.done <- res.err
			d.mu.compact.manual = d.mu.compact.manual[1:]
		} else {
			// Only a prefix of the range was compacted. Continue after it.
			inputs := task.c.inputs[0]
			m.start = append([]byte(nil), inputs[len(inputs)-1].Largest.UserKey...)
		}
	}

	d.mu.compact.scheduled = false
	d.deleteObsoleteFiles(task.jobID)
	// Waiters on the scheduler (Close, Flush, stalled writers) re-check their
	// conditions.
	d.mu.compact.cond.Broadcast()
	// The previous compaction may have produced too many files in a level, so
	// reschedule another compaction if needed.
	d.maybeScheduleCompactionLocked()
}
