// Copyright 2014 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

//go:build darwin || dragonfly || freebsd || linux || netbsd || openbsd || solaris

package vfs

import (
	"io"
	"os"
	"sync"
	"syscall"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

func (defaultFS) OpenDir(name string) (File, error) {
	f, err := os.OpenFile(name, syscall.O_CLOEXEC, 0)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return f, nil
}

// lockedFiles tracks the files locked by this process. fcntl(2) locks are
// per-process, so a second Lock of the same file from within the process
// would succeed without this bookkeeping.
var lockedFiles struct {
	mu    sync.Mutex
	files map[string]bool
}

type lockCloser struct {
	name string
	f    *os.File
}

func (l lockCloser) Close() error {
	lockedFiles.mu.Lock()
	delete(lockedFiles.files, l.name)
	lockedFiles.mu.Unlock()
	return l.f.Close()
}

func (defaultFS) Lock(name string) (io.Closer, error) {
	lockedFiles.mu.Lock()
	defer lockedFiles.mu.Unlock()
	if lockedFiles.files == nil {
		lockedFiles.files = map[string]bool{}
	}
	if lockedFiles.files[name] {
		return nil, errors.Wrapf(unix.EAGAIN, "lock %s: already held by this process", name)
	}

	f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE|syscall.O_CLOEXEC, 0644)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	spec := unix.Flock_t{
		Type:   unix.F_WRLCK,
		Whence: io.SeekStart,
		Start:  0,
		Len:    0, // 0 means to lock the entire file.
	}
	if err := unix.FcntlFlock(f.Fd(), unix.F_SETLK, &spec); err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "lock %s", name)
	}
	lockedFiles.files[name] = true
	return lockCloser{name, f}, nil
}
