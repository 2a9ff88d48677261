// Copyright 2018 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package tide

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/tidedb/tide/internal/base"
)

// newFakeLevel returns the metadata and an iterator constructor for a level
// whose tables hold the given entries. The bounds of each table are taken from
// its first and last entry.
func newFakeLevel(tables ...[]string) ([]*fileMetadata, tableNewIters, *int) {
	var files []*fileMetadata
	contents := map[base.FileNum][]string{}
	for i, entries := range tables {
		f := &fileMetadata{FileNum: base.FileNum(i + 1)}
		it := newFakeIterator(nil, entries...)
		f.Smallest, f.Largest = it.keys[0], it.keys[len(it.keys)-1]
		files = append(files, f)
		contents[f.FileNum] = entries
	}
	var opened int
	newIters := func(f *fileMetadata) (internalIterator, error) {
		opened++
		return newFakeIterator(nil, contents[f.FileNum]...), nil
	}
	return files, newIters, &opened
}

func TestLevelIter(t *testing.T) {
	files, newIters, opened := newFakeLevel(
		[]string{"a#1,SET", "b#1,SET"},
		[]string{"c#1,SET"},
		[]string{"d#1,SET", "e#1,SET"},
	)
	l := newLevelIter(base.DefaultComparer.Compare, newIters, files)
	require.Zero(t, *opened)

	l.First()
	require.Equal(t, []string{"a#1,SET", "b#1,SET", "c#1,SET", "d#1,SET", "e#1,SET"}, collect(l, true))
	l.Last()
	require.Equal(t, []string{"e#1,SET", "d#1,SET", "c#1,SET", "b#1,SET", "a#1,SET"}, collect(l, false))

	l.SeekGE([]byte("b"))
	require.Equal(t, []string{"b#1,SET", "c#1,SET", "d#1,SET", "e#1,SET"}, collect(l, true))
	l.SeekGE([]byte("bb"))
	require.Equal(t, "c#1,SET", l.Key().String())
	require.Equal(t, "level: file 000002", l.String())
	l.SeekGE([]byte("f"))
	require.False(t, l.Valid())

	l.SeekLT([]byte("d"))
	require.Equal(t, []string{"c#1,SET", "b#1,SET", "a#1,SET"}, collect(l, false))
	l.SeekLT([]byte("a"))
	require.False(t, l.Valid())
	require.NoError(t, l.Error())
	require.NoError(t, l.Close())
}

func TestLevelIterSkipsExhaustedTables(t *testing.T) {
	files, newIters, _ := newFakeLevel(
		[]string{"a#1,SET"},
		[]string{"c#1,SET", "d#1,SET"},
		[]string{"f#1,SET"},
	)
	// Widen the bounds of the middle table past its contents.
	files[1].Smallest = base.ParseInternalKey("b#1,SET")
	files[1].Largest = base.ParseInternalKey("e#1,SET")

	l := newLevelIter(base.DefaultComparer.Compare, newIters, files)
	l.SeekGE([]byte("dd"))
	require.Equal(t, []string{"f#1,SET"}, collect(l, true))
	l.SeekLT([]byte("bb"))
	require.Equal(t, []string{"a#1,SET"}, collect(l, false))
	require.NoError(t, l.Close())
}

func TestLevelIterError(t *testing.T) {
	files, _, _ := newFakeLevel(
		[]string{"a#1,SET"},
		[]string{"b#1,SET"},
	)
	newIters := func(f *fileMetadata) (internalIterator, error) {
		if f.FileNum == 2 {
			return nil, errors.New("injected")
		}
		return newFakeIterator(nil, "a#1,SET"), nil
	}
	l := newLevelIter(base.DefaultComparer.Compare, newIters, files)
	l.First()
	require.True(t, l.Valid())
	require.False(t, l.Next())
	require.False(t, l.Valid())
	require.EqualError(t, l.Error(), "injected")
	require.EqualError(t, l.Close(), "injected")

	// Repositioning clears the error.
	l.First()
	require.True(t, l.Valid())
	require.NoError(t, l.Close())
}

func TestLevelIterEmpty(t *testing.T) {
	l := newLevelIter(base.DefaultComparer.Compare, nil, nil)
	l.First()
	require.False(t, l.Valid())
	l.Last()
	require.False(t, l.Valid())
	l.SeekGE([]byte("a"))
	require.False(t, l.Valid())
	require.False(t, l.Next())
	require.Equal(t, "level", l.String())
	require.NoError(t, l.Close())
}
