// Copyright 2020 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package tide

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/tidedb/tide/internal/base"
	"github.com/tidedb/tide/vfs"
)

// tableFailFS fails the creation of tables while fail is set.
type tableFailFS struct {
	vfs.FS
	fail atomic.Bool
}

func (fs *tableFailFS) Create(name string) (vfs.File, error) {
	if fs.fail.Load() {
		if fileType, _, ok := base.ParseFilename(fs.FS, name); ok && fileType == fileTypeTable {
			return nil, errors.Wrapf(vfs.ErrInjected, "create %s", name)
		}
	}
	return fs.FS.Create(name)
}

func TestBackgroundErrorResume(t *testing.T) {
	fs := &tableFailFS{FS: vfs.NewMem()}
	var mu sync.Mutex
	var bgErrs []error
	d := openTestDB(t, fs, &Options{
		EventListener: &EventListener{
			BackgroundError: func(err error) {
				mu.Lock()
				defer mu.Unlock()
				bgErrs = append(bgErrs, err)
			},
		},
	})
	require.NoError(t, d.BackgroundError())

	require.NoError(t, d.Set([]byte("a"), []byte("1"), nil))
	fs.fail.Store(true)
	err := d.Flush()
	require.True(t, errors.Is(err, vfs.ErrInjected), "%v", err)

	var bgErr *BackgroundError
	require.True(t, errors.As(d.BackgroundError(), &bgErr))
	require.Equal(t, BgFlush, bgErr.Reason())
	require.False(t, bgErr.NoSpace())
	require.Contains(t, bgErr.Error(), "flush")
	prop, ok := d.GetProperty("tide.background-error")
	require.True(t, ok)
	require.Contains(t, prop, "injected error")

	// Writes are refused until the error is cleared. Reads still work.
	require.True(t, errors.Is(d.Set([]byte("b"), []byte("2"), nil), vfs.ErrInjected))
	v, err := d.Get([]byte("a"))
	require.NoError(t, err)
	require.Equal(t, "1", string(v))

	fs.fail.Store(false)
	require.NoError(t, d.Resume())
	require.NoError(t, d.BackgroundError())
	require.NoError(t, d.Flush())
	prop, _ = d.GetProperty("tide.num-files-at-level2")
	require.Equal(t, "1", prop)
	require.NoError(t, d.Set([]byte("b"), []byte("2"), nil))
	require.Equal(t, []string{"a:1", "b:2"}, scan(t, d.NewIter(nil)))

	mu.Lock()
	require.Len(t, bgErrs, 1)
	mu.Unlock()
	require.NoError(t, d.Close())
}

func TestResumeAfterWriteError(t *testing.T) {
	d := openTestDB(t, vfs.NewMem(), nil)
	require.NoError(t, d.Resume())

	d.mu.Lock()
	d.mu.errorHandler.setBGError(errors.New("log sync failed"), BgWrite)
	// Only the first error is kept.
	d.mu.errorHandler.setBGError(errors.New("later failure"), BgCompaction)
	d.mu.Unlock()

	err := d.Resume()
	require.Error(t, err)
	require.Contains(t, err.Error(), "cannot resume")

	var bgErr *BackgroundError
	require.True(t, errors.As(d.BackgroundError(), &bgErr))
	require.Equal(t, BgWrite, bgErr.Reason())
	require.EqualError(t, bgErr, "write: log sync failed")
	require.Error(t, d.Flush())
	require.NoError(t, d.Close())
}

func TestBackgroundErrorReason(t *testing.T) {
	require.Equal(t, "flush", BgFlush.String())
	require.Equal(t, "compaction", BgCompaction.String())
	require.Equal(t, "write", BgWrite.String())
	require.Equal(t, "unknown(9)", BackgroundErrorReason(9).String())
}
