// Copyright 2019 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package vfs

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSyncingFile(t *testing.T) {
	fs := NewMem()
	f, err := fs.Create("foo")
	require.NoError(t, err)
	require.Same(t, f, NewSyncingFile(f, SyncingFileOptions{}))

	s := NewSyncingFile(f, SyncingFileOptions{BytesPerSync: 8 << 10 /* 8 KB */})
	var syncs []int64
	s.(*syncingFile).syncTo = func(offset int64) error {
		syncs = append(syncs, offset)
		s.(*syncingFile).ratchetSyncOffset(offset)
		return nil
	}

	testCases := []struct {
		n              int
		expectedSyncTo int64
	}{
		{4 << 10, 0},
		{4 << 10, 8 << 10},
		{1 << 10, 8 << 10},
		{16 << 10, 25 << 10},
		{7 << 10, 25 << 10},
		{1 << 10, 33 << 10},
	}
	for i, c := range testCases {
		_, err := s.Write(make([]byte, c.n))
		require.NoError(t, err)
		require.Equal(t, c.expectedSyncTo, s.(*syncingFile).syncOffset.Load(), "case %d", i)
	}
	require.Equal(t, []int64{8 << 10, 25 << 10, 33 << 10}, syncs)

	require.NoError(t, s.Sync())
	require.Equal(t, int64(33<<10), s.(*syncingFile).syncOffset.Load())
	require.NoError(t, s.Close())
}
