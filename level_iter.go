// Copyright 2018 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package tide

import (
	"fmt"
	"sort"

	"github.com/tidedb/tide/internal/base"
)

// levelIter provides a merged view of the tables in a level. A level is a
// sorted list of tables whose key ranges do not overlap, so the iterator
// only ever has one table open. Tables are opened lazily through newIters
// as iteration reaches them.
type levelIter struct {
	cmp Compare
	// The current file. It is -1 when positioned before the first file and
	// len(files) when positioned after the last one.
	index    int
	files    []*fileMetadata
	newIters tableNewIters
	iter     internalIterator
	err      error
}

// levelIter implements the internalIterator interface.
var _ internalIterator = (*levelIter)(nil)

func newLevelIter(cmp Compare, newIters tableNewIters, files []*fileMetadata) *levelIter {
	l := &levelIter{}
	l.init(cmp, newIters, files)
	return l
}

func (l *levelIter) init(cmp Compare, newIters tableNewIters, files []*fileMetadata) {
	l.cmp = cmp
	l.index = -1
	l.files = files
	l.newIters = newIters
}

// findFileGE returns the index of the first file whose largest key is >= key.
func (l *levelIter) findFileGE(key []byte) int {
	return sort.Search(len(l.files), func(i int) bool {
		return l.cmp(l.files[i].Largest.UserKey, key) >= 0
	})
}

// findFileLT returns the index of the last file whose smallest key is < key.
func (l *levelIter) findFileLT(key []byte) int {
	index := sort.Search(len(l.files), func(i int) bool {
		return l.cmp(l.files[i].Smallest.UserKey, key) >= 0
	})
	return index - 1
}

// loadFile closes the current table iterator and opens the one for the file
// at index. It returns false if index is out of range or the table could not
// be opened.
func (l *levelIter) loadFile(index int) bool {
	if l.index == index && l.iter != nil {
		return true
	}
	if l.iter != nil {
		if err := l.iter.Close(); err != nil && l.err == nil {
			l.err = err
		}
		l.iter = nil
	}
	l.index = index
	if l.err != nil || index < 0 || index >= len(l.files) {
		return false
	}
	iter, err := l.newIters(l.files[index])
	if err != nil {
		l.err = err
		return false
	}
	l.iter = iter
	return true
}

// skipEmptyFileForward moves to the first entry of the next non-empty file
// when the current table iterator is exhausted.
func (l *levelIter) skipEmptyFileForward() bool {
	for l.iter == nil || !l.iter.Valid() {
		if l.iter != nil {
			if err := l.iter.Error(); err != nil {
				l.err = err
				return false
			}
		}
		if !l.loadFile(l.index + 1) {
			return false
		}
		l.iter.First()
	}
	return true
}

// skipEmptyFileBackward moves to the last entry of the previous non-empty
// file when the current table iterator is exhausted.
func (l *levelIter) skipEmptyFileBackward() bool {
	for l.iter == nil || !l.iter.Valid() {
		if l.iter != nil {
			if err := l.iter.Error(); err != nil {
				l.err = err
				return false
			}
		}
		if !l.loadFile(l.index - 1) {
			return false
		}
		l.iter.Last()
	}
	return true
}

func (l *levelIter) SeekGE(key []byte) {
	l.err = nil
	if !l.loadFile(l.findFileGE(key)) {
		return
	}
	l.iter.SeekGE(key)
	l.skipEmptyFileForward()
}

func (l *levelIter) SeekLT(key []byte) {
	l.err = nil
	if !l.loadFile(l.findFileLT(key)) {
		return
	}
	l.iter.SeekLT(key)
	l.skipEmptyFileBackward()
}

func (l *levelIter) First() {
	l.err = nil
	if !l.loadFile(0) {
		return
	}
	l.iter.First()
	l.skipEmptyFileForward()
}

func (l *levelIter) Last() {
	l.err = nil
	if !l.loadFile(len(l.files) - 1) {
		return
	}
	l.iter.Last()
	l.skipEmptyFileBackward()
}

func (l *levelIter) Next() bool {
	if l.err != nil || l.iter == nil {
		return false
	}
	if l.iter.Next() {
		return true
	}
	return l.skipEmptyFileForward()
}

func (l *levelIter) Prev() bool {
	if l.err != nil || l.iter == nil {
		return false
	}
	if l.iter.Prev() {
		return true
	}
	return l.skipEmptyFileBackward()
}

func (l *levelIter) Key() InternalKey {
	if l.iter == nil {
		return base.InvalidInternalKey
	}
	return l.iter.Key()
}

func (l *levelIter) Value() []byte {
	if l.iter == nil {
		return nil
	}
	return l.iter.Value()
}

func (l *levelIter) Valid() bool {
	return l.err == nil && l.iter != nil && l.iter.Valid()
}

func (l *levelIter) Error() error {
	if l.err != nil || l.iter == nil {
		return l.err
	}
	return l.iter.Error()
}

func (l *levelIter) Close() error {
	if l.iter != nil {
		if err := l.iter.Close(); err != nil && l.err == nil {
			l.err = err
		}
		l.iter = nil
	}
	return l.err
}

func (l *levelIter) String() string {
	if l.index >= 0 && l.index < len(l.files) {
		return fmt.Sprintf("level: file %s", l.files[l.index].FileNum)
	}
	return "level"
}
