// Copyright 2011 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package base

import "github.com/cockroachdb/errors"

// ErrNotFound means that a get or delete call did not find the requested key.
var ErrNotFound = errors.New("tide: not found")

// ErrCorruption is a marker to indicate that data in a file (WAL, MANIFEST,
// sstable) isn't in the expected format.
var ErrCorruption = errors.New("tide: corruption")

// ErrInvalidOrder is a marker for keys added to an ordered writer (an sstable
// writer or a block writer) out of order.
var ErrInvalidOrder = errors.New("tide: keys must be added in strictly increasing order")

// ErrDBAlreadyLocked is a marker for the error returned when the database
// directory lock is held by another process or another DB instance.
var ErrDBAlreadyLocked = errors.New("tide: database directory is locked")

// MarkCorruptionError marks given error as a corruption error.
func MarkCorruptionError(err error) error {
	if errors.Is(err, ErrCorruption) {
		return err
	}
	return errors.Mark(err, ErrCorruption)
}

// IsCorruptionError returns true if the given error indicates corruption.
func IsCorruptionError(err error) bool {
	return errors.Is(err, ErrCorruption)
}

// CorruptionErrorf formats according to a format specifier and returns
// the string as an error value that is marked as a corruption error.
func CorruptionErrorf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrCorruption)
}
