// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package tide

import (
	"io"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/tidedb/tide/internal/base"
	"github.com/tidedb/tide/vfs"
)

// writeDamagedLog leaves a DB whose only log holds a good record for "a"
// followed by a record for "b" with a damaged payload.
func writeDamagedLog(t *testing.T) vfs.FS {
	t.Helper()
	mem := vfs.NewMem()
	d := openTestDB(t, mem, nil)
	require.NoError(t, d.Set([]byte("a"), []byte("1"), nil))
	require.NoError(t, d.Set([]byte("b"), []byte("2"), nil))
	require.NoError(t, d.Close())

	logs := filesOfType(t, mem, "db", fileTypeLog)
	require.Len(t, logs, 1)
	path := base.MakeFilepath(mem, "db", fileTypeLog, logs[0])
	f, err := mem.Open(path)
	require.NoError(t, err)
	data, err := io.ReadAll(f)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	data[len(data)-1] ^= 0xff
	f, err = mem.Create(path)
	require.NoError(t, err)
	_, err = f.Write(data)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	return mem
}

func TestReplayDamagedLogTail(t *testing.T) {
	mem := writeDamagedLog(t)
	d := openTestDB(t, mem, nil)
	v, err := d.Get([]byte("a"))
	require.NoError(t, err)
	require.Equal(t, "1", string(v))
	_, err = d.Get([]byte("b"))
	require.True(t, errors.Is(err, ErrNotFound))

	// Later writes do not reuse the sequence number of the replayed record.
	require.NoError(t, d.Set([]byte("b"), []byte("3"), nil))
	require.Equal(t, []string{"a:1", "b:3"}, scan(t, d.NewIter(nil)))
	require.NoError(t, d.Close())
}

func TestReplayDamagedLogParanoid(t *testing.T) {
	mem := writeDamagedLog(t)
	_, err := Open("db", &Options{FS: mem, ParanoidChecks: true})
	require.Error(t, err)
	require.True(t, base.IsCorruptionError(err), "%v", err)
	require.Contains(t, err.Error(), "corrupt log file")

	// The failed open released the lock, and a lenient open still works.
	d := openTestDB(t, mem, nil)
	v, err := d.Get([]byte("a"))
	require.NoError(t, err)
	require.Equal(t, "1", string(v))
	require.NoError(t, d.Close())
}
