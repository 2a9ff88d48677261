// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

//go:build !darwin && !dragonfly && !freebsd && !linux && !netbsd && !openbsd && !solaris

package vfs

import (
	"io"
	"os"
	"runtime"
	"syscall"

	"github.com/cockroachdb/errors"
)

func (defaultFS) OpenDir(name string) (File, error) {
	f, err := os.OpenFile(name, syscall.O_CLOEXEC, 0)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return f, nil
}

func (defaultFS) Lock(name string) (io.Closer, error) {
	return nil, errors.Errorf("tide: file locking is not implemented on %s/%s",
		errors.Safe(runtime.GOOS), errors.Safe(runtime.GOARCH))
}
