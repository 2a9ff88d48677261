// Copyright 2019 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package vfs

import "sync/atomic"

// SyncingFileOptions holds the options for a syncingFile.
type SyncingFileOptions struct {
	BytesPerSync int
}

type syncingFile struct {
	File
	bytesPerSync int64
	offset       atomic.Int64
	syncOffset   atomic.Int64
	syncTo       func(offset int64) error
}

// NewSyncingFile wraps a writable file and ensures that data is synced
// periodically as it is written. The syncing does not provide persistency
// guarantees, but is used to avoid latency spikes if the OS automatically
// decides to write out a large chunk of dirty filesystem buffers. If
// bytesPerSync is zero, the original file is returned as no syncing is
// requested.
func NewSyncingFile(f File, opts SyncingFileOptions) File {
	if opts.BytesPerSync <= 0 {
		return f
	}
	s := &syncingFile{
		File:         f,
		bytesPerSync: int64(opts.BytesPerSync),
	}
	s.syncTo = func(offset int64) error {
		if err := s.File.Sync(); err != nil {
			return err
		}
		s.ratchetSyncOffset(offset)
		return nil
	}
	return s
}

// NB: syncingFile.Write is unsafe for concurrent use!
func (f *syncingFile) Write(p []byte) (n int, err error) {
	n, err = f.File.Write(p)
	if err != nil {
		return n, err
	}
	// The offset is updated atomically so that it can be accessed safely from
	// Sync.
	f.offset.Add(int64(n))
	if err := f.maybeSync(); err != nil {
		return 0, err
	}
	return n, nil
}

func (f *syncingFile) ratchetSyncOffset(offset int64) {
	for {
		syncOffset := f.syncOffset.Load()
		if syncOffset >= offset {
			return
		}
		if f.syncOffset.CompareAndSwap(syncOffset, offset) {
			return
		}
	}
}

func (f *syncingFile) Sync() error {
	// Even if syncOffset is at the current file offset, the underlying file's
	// Sync must still be called for persistence guarantees.
	f.ratchetSyncOffset(f.offset.Load())
	return f.File.Sync()
}

func (f *syncingFile) maybeSync() error {
	offset := f.offset.Load()
	if offset-f.syncOffset.Load() < f.bytesPerSync {
		return nil
	}
	return f.syncTo(offset)
}
