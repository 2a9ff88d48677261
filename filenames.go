// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package tide

import (
	"bytes"
	"fmt"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/tidedb/tide/internal/base"
	"github.com/tidedb/tide/vfs"
)

const (
	fileTypeLog      = base.FileTypeLog
	fileTypeLock     = base.FileTypeLock
	fileTypeTable    = base.FileTypeTable
	fileTypeManifest = base.FileTypeManifest
	fileTypeCurrent  = base.FileTypeCurrent
	fileTypeOptions  = base.FileTypeOptions
	fileTypeTemp     = base.FileTypeTemp
)

// setCurrentFile points CURRENT at the manifest with the given file number.
// The contents are written to a temporary file which is synced and renamed
// over CURRENT. The caller is responsible for syncing the directory.
func setCurrentFile(dirname string, fs vfs.FS, fileNum base.FileNum) error {
	newFilename := base.MakeFilepath(fs, dirname, fileTypeCurrent, fileNum)
	oldFilename := base.MakeFilepath(fs, dirname, fileTypeTemp, fileNum)
	fs.Remove(oldFilename)
	f, err := fs.Create(oldFilename)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(f, "%s\n", base.MakeFilename(fileTypeManifest, fileNum)); err != nil {
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
	return fs.Rename(oldFilename, newFilename)
}

// readCurrentFile returns the file number of the manifest named by the
// CURRENT file.
func readCurrentFile(dirname string, fs vfs.FS) (base.FileNum, error) {
	current, err := fs.Open(base.MakeFilepath(fs, dirname, fileTypeCurrent, 0))
	if err != nil {
		return 0, errors.Wrapf(err, "tide: could not open CURRENT file for DB %q", dirname)
	}
	defer current.Close()
	stat, err := current.Stat()
	if err != nil {
		return 0, err
	}
	n := stat.Size()
	if n == 0 {
		return 0, base.CorruptionErrorf("tide: CURRENT file for DB %q is empty", dirname)
	}
	if n > 4096 {
		return 0, base.CorruptionErrorf("tide: CURRENT file for DB %q is too large", dirname)
	}
	b := make([]byte, n)
	if _, err := current.ReadAt(b, 0); err != nil && err != io.EOF {
		return 0, err
	}
	if b[n-1] != '\n' {
		return 0, base.CorruptionErrorf("tide: CURRENT file for DB %q is malformed", dirname)
	}
	b = bytes.TrimSpace(b)
	fileType, fileNum, ok := base.ParseFilename(fs, string(b))
	if !ok || fileType != fileTypeManifest {
		return 0, base.CorruptionErrorf("tide: MANIFEST name %q is malformed", b)
	}
	return fileNum, nil
}
