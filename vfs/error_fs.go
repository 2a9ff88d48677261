// Copyright 2020 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package vfs

import (
	"io"
	"math/rand/v2"
	"os"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/errors/oserror"
)

// ErrorFSMode is a bit field specifying the operation types for which error
// injection is enabled.
type ErrorFSMode int

const (
	// ErrorFSRead enables errors for filesystem read operations.
	ErrorFSRead ErrorFSMode = 0x1
	// ErrorFSWrite enables errors for filesystem write operations.
	ErrorFSWrite ErrorFSMode = 0x2
	// ErrorFSAll enables errors for every filesystem operation.
	ErrorFSAll = ErrorFSRead | ErrorFSWrite
)

// ErrInjected is the error returned by an ErrorFS when it injects a failure.
var ErrInjected = errors.New("injected error")

// ErrorFS is an FS that wraps another FS and injects an error for the
// operation at a specified index, or for operations with a specified
// probability.
type ErrorFS struct {
	FS
	index atomic.Int32
	prob  float64
	mode  ErrorFSMode
}

// NewErrorFS returns a new FS implementation that wraps fs and injects an
// error for the operation at the specified index (counting from zero over the
// operations enabled by mode). An index of -1 disables index-based injection.
// A non-zero prob injects errors randomly with that probability.
func NewErrorFS(index int32, prob float64, mode ErrorFSMode, fs FS) *ErrorFS {
	efs := &ErrorFS{
		FS:   fs,
		prob: prob,
		mode: mode,
	}
	efs.index.Store(index)
	return efs
}

// SetIndex resets the injection index.
func (fs *ErrorFS) SetIndex(index int32) {
	fs.index.Store(index)
}

// Index returns the current injection index. After an error has been
// injected it is negative; a non-negative value is the number of remaining
// operations before the next injection.
func (fs *ErrorFS) Index() int32 {
	return fs.index.Load()
}

func (fs *ErrorFS) maybeError(mode ErrorFSMode, op string) error {
	if fs.mode&mode == 0 {
		return nil
	}
	if fs.index.Add(-1) == -1 {
		return errors.Wrapf(ErrInjected, "%s", errors.Safe(op))
	}
	if fs.prob > 0.0 && rand.Float64() < fs.prob {
		return errors.Wrapf(ErrInjected, "%s", errors.Safe(op))
	}
	return nil
}

// Create implements FS.Create.
func (fs *ErrorFS) Create(name string) (File, error) {
	if err := fs.maybeError(ErrorFSWrite, "create"); err != nil {
		return nil, err
	}
	f, err := fs.FS.Create(name)
	if err != nil {
		return nil, err
	}
	return errorFile{f, fs}, nil
}

// Open implements FS.Open.
func (fs *ErrorFS) Open(name string, opts ...OpenOption) (File, error) {
	if err := fs.maybeError(ErrorFSRead, "open"); err != nil {
		return nil, err
	}
	f, err := fs.FS.Open(name)
	if err != nil {
		return nil, err
	}
	ef := errorFile{f, fs}
	for _, opt := range opts {
		opt.Apply(ef)
	}
	return ef, nil
}

// OpenDir implements FS.OpenDir.
func (fs *ErrorFS) OpenDir(name string) (File, error) {
	if err := fs.maybeError(ErrorFSRead, "open-dir"); err != nil {
		return nil, err
	}
	f, err := fs.FS.OpenDir(name)
	if err != nil {
		return nil, err
	}
	return errorFile{f, fs}, nil
}

// Remove implements FS.Remove.
func (fs *ErrorFS) Remove(name string) error {
	if _, err := fs.FS.Stat(name); oserror.IsNotExist(err) {
		return nil
	}
	if err := fs.maybeError(ErrorFSWrite, "remove"); err != nil {
		return err
	}
	return fs.FS.Remove(name)
}

// RemoveAll implements FS.RemoveAll.
func (fs *ErrorFS) RemoveAll(name string) error {
	if err := fs.maybeError(ErrorFSWrite, "remove-all"); err != nil {
		return err
	}
	return fs.FS.RemoveAll(name)
}

// Rename implements FS.Rename.
func (fs *ErrorFS) Rename(oldname, newname string) error {
	if err := fs.maybeError(ErrorFSWrite, "rename"); err != nil {
		return err
	}
	return fs.FS.Rename(oldname, newname)
}

// MkdirAll implements FS.MkdirAll.
func (fs *ErrorFS) MkdirAll(dir string, perm os.FileMode) error {
	if err := fs.maybeError(ErrorFSWrite, "mkdir"); err != nil {
		return err
	}
	return fs.FS.MkdirAll(dir, perm)
}

// Lock implements FS.Lock.
func (fs *ErrorFS) Lock(name string) (io.Closer, error) {
	if err := fs.maybeError(ErrorFSWrite, "lock"); err != nil {
		return nil, err
	}
	return fs.FS.Lock(name)
}

// List implements FS.List.
func (fs *ErrorFS) List(dir string) ([]string, error) {
	if err := fs.maybeError(ErrorFSRead, "list"); err != nil {
		return nil, err
	}
	return fs.FS.List(dir)
}

// Stat implements FS.Stat.
func (fs *ErrorFS) Stat(name string) (os.FileInfo, error) {
	if err := fs.maybeError(ErrorFSRead, "stat"); err != nil {
		return nil, err
	}
	return fs.FS.Stat(name)
}

type errorFile struct {
	file File
	fs   *ErrorFS
}

func (f errorFile) Close() error {
	// We don't inject errors during close as those calls should never fail in
	// practice.
	return f.file.Close()
}

func (f errorFile) Read(p []byte) (int, error) {
	if err := f.fs.maybeError(ErrorFSRead, "read"); err != nil {
		return 0, err
	}
	return f.file.Read(p)
}

func (f errorFile) ReadAt(p []byte, off int64) (int, error) {
	if err := f.fs.maybeError(ErrorFSRead, "read-at"); err != nil {
		return 0, err
	}
	return f.file.ReadAt(p, off)
}

func (f errorFile) Write(p []byte) (int, error) {
	if err := f.fs.maybeError(ErrorFSWrite, "write"); err != nil {
		return 0, err
	}
	return f.file.Write(p)
}

func (f errorFile) Stat() (os.FileInfo, error) {
	if err := f.fs.maybeError(ErrorFSRead, "stat"); err != nil {
		return nil, err
	}
	return f.file.Stat()
}

func (f errorFile) Sync() error {
	if err := f.fs.maybeError(ErrorFSWrite, "sync"); err != nil {
		return err
	}
	return f.file.Sync()
}
