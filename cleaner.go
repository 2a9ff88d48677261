// Copyright 2019 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package tide

import (
	"time"

	"github.com/cockroachdb/errors/oserror"
	"github.com/cockroachdb/tokenbucket"
	"github.com/tidedb/tide/internal/base"
	"github.com/tidedb/tide/vfs"
)

// Cleaner cleans obsolete files.
type Cleaner interface {
	Clean(fs vfs.FS, fileType base.FileType, path string) error
}

// DeleteCleaner deletes file.
type DeleteCleaner struct{}

// Clean removes file.
func (DeleteCleaner) Clean(fs vfs.FS, fileType base.FileType, path string) error {
	return fs.Remove(path)
}

func (DeleteCleaner) String() string {
	return "delete"
}

// ArchiveCleaner archives file instead delete.
type ArchiveCleaner struct{}

// Clean archives logs, manifests and tables into the archive subdirectory
// and removes every other file.
func (ArchiveCleaner) Clean(fs vfs.FS, fileType base.FileType, path string) error {
	switch fileType {
	case fileTypeLog, fileTypeManifest, fileTypeTable:
		destDir := fs.PathJoin(fs.PathDir(path), "archive")

		if err := fs.MkdirAll(destDir, 0755); err != nil {
			return err
		}

		destPath := fs.PathJoin(destDir, fs.PathBase(path))
		return fs.Rename(path, destPath)

	default:
		return fs.Remove(path)
	}
}

func (ArchiveCleaner) String() string {
	return "archive"
}

// deletionLimiter paces table deletions to Options.TargetByteDeletionRate.
// A nil limiter does not pace.
type deletionLimiter struct {
	tb tokenbucket.TokenBucket
}

func newDeletionLimiter(bytesPerSec int) *deletionLimiter {
	if bytesPerSec <= 0 {
		return nil
	}
	l := &deletionLimiter{}
	l.tb.Init(tokenbucket.TokensPerSecond(bytesPerSec), tokenbucket.Tokens(bytesPerSec))
	return l
}

// wait blocks until size bytes may be deleted.
func (l *deletionLimiter) wait(size uint64) {
	if l == nil {
		return
	}
	for {
		ok, d := l.tb.TryToFulfill(tokenbucket.Tokens(size))
		if ok {
			return
		}
		time.Sleep(d)
	}
}

// cleanFile removes an obsolete file with the configured Cleaner and reports
// the deletion of logs and tables to the event listener. A file that no
// longer exists is not an error.
func (d *DB) cleanFile(jobID int, fileType base.FileType, fileNum base.FileNum) {
	path := base.MakeFilepath(d.opts.FS, d.dirname, fileType, fileNum)
	err := d.opts.Cleaner.Clean(d.opts.FS, fileType, path)
	if oserror.IsNotExist(err) {
		return
	}

	switch fileType {
	case fileTypeLog:
		d.opts.EventListener.WALDeleted(WALDeleteInfo{
			JobID:   jobID,
			Path:    path,
			FileNum: fileNum,
			Err:     err,
		})
	case fileTypeTable:
		d.opts.EventListener.TableDeleted(TableDeleteInfo{
			JobID:   jobID,
			Path:    path,
			FileNum: fileNum,
			Err:     err,
		})
	default:
		if err != nil {
			d.opts.Logger.Errorf("[JOB %d] %s delete error %s: %s", jobID, fileType, fileNum, err)
		}
	}
}
