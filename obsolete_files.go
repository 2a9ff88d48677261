// Copyright 2019 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package tide

import (
	"cmp"
	"slices"

	"github.com/tidedb/tide/internal/base"
)

// obsoleteFile is a file in the DB directory that is no longer needed.
type obsoleteFile struct {
	fileType base.FileType
	fileNum  base.FileNum
}

// deleteObsoleteFiles deletes the files in the DB directory that are no
// longer needed:
//
//   - logs older than the log number of the current version, other than the
//     previous log number;
//   - manifests older than the current manifest;
//   - tables that no live version references and that are not being written;
//   - OPTIONS files older than the one written by Open;
//   - temporary files older than the current manifest.
//
// d.mu must be held when calling this, but the mutex may be dropped and
// re-acquired during the course of this method.
func (d *DB) deleteObsoleteFiles(jobID int) {
	vs := &d.mu.versions
	// Tables are found by listing the directory, so the references kept for
	// them by the version set are no longer needed.
	vs.obsoleteTables = nil
	vs.obsoleteManifests = nil

	list, err := d.opts.FS.List(d.dirname)
	if err != nil {
		// Ignore any filesystem errors.
		return
	}

	liveFileNums := make(map[base.FileNum]struct{}, len(d.mu.compact.pendingOutputs))
	for fileNum := range d.mu.compact.pendingOutputs {
		liveFileNums[fileNum] = struct{}{}
	}
	vs.addLiveFileNums(liveFileNums)
	logNum := vs.logNum
	prevLogNum := vs.prevLogNum
	manifestFileNum := vs.manifestFileNum

	var obsolete []obsoleteFile
	for _, filename := range list {
		fileType, fileNum, ok := base.ParseFilename(d.opts.FS, filename)
		if !ok {
			continue
		}
		keep := true
		switch fileType {
		case fileTypeLog:
			keep = fileNum >= logNum || fileNum == prevLogNum
		case fileTypeManifest:
			keep = fileNum >= manifestFileNum
		case fileTypeOptions:
			keep = fileNum >= d.optionsFileNum
		case fileTypeTemp:
			keep = fileNum >= manifestFileNum
		case fileTypeTable:
			_, keep = liveFileNums[fileNum]
		}
		if !keep {
			obsolete = append(obsolete, obsoleteFile{fileType: fileType, fileNum: fileNum})
		}
	}
	if len(obsolete) == 0 {
		return
	}
	slices.SortFunc(obsolete, func(a, b obsoleteFile) int {
		if a.fileType != b.fileType {
			return cmp.Compare(a.fileType, b.fileType)
		}
		return cmp.Compare(a.fileNum, b.fileNum)
	})

	// Release d.mu while doing I/O.
	// Note the unusual order: Unlock and then Lock.
	d.mu.Unlock()
	defer d.mu.Lock()

	for _, f := range obsolete {
		if f.fileType == fileTypeTable {
			d.tableCache.evict(f.fileNum)
			if d.deletionLimiter != nil {
				path := base.MakeFilepath(d.opts.FS, d.dirname, f.fileType, f.fileNum)
				if info, err := d.opts.FS.Stat(path); err == nil {
					d.deletionLimiter.wait(uint64(info.Size()))
				}
			}
		}
		d.cleanFile(jobID, f.fileType, f.fileNum)
	}
}
