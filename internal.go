// Copyright 2018 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package tide

import "github.com/tidedb/tide/internal/base"

// SeqNum exports the base.SeqNum type.
type SeqNum = base.SeqNum

// InternalKeyKind exports the base.InternalKeyKind type.
type InternalKeyKind = base.InternalKeyKind

// These constants are part of the file format, and should not be changed.
const (
	InternalKeyKindDelete  = base.InternalKeyKindDelete
	InternalKeyKindSet     = base.InternalKeyKindSet
	InternalKeyKindMax     = base.InternalKeyKindMax
	InternalKeyKindInvalid = base.InternalKeyKindInvalid
)

// InternalKey exports the base.InternalKey type.
type InternalKey = base.InternalKey

// FileNum exports the base.FileNum type.
type FileNum = base.FileNum

// Compare exports the base.Compare type.
type Compare = base.Compare

// Equal exports the base.Equal type.
type Equal = base.Equal

// FormatKey exports the base.FormatKey type.
type FormatKey = base.FormatKey

// Comparer exports the base.Comparer type.
type Comparer = base.Comparer

// DefaultComparer exports the base.DefaultComparer variable.
var DefaultComparer = base.DefaultComparer

// Logger defines an interface for writing log messages.
type Logger = base.Logger

// DefaultLogger logs to the Go stdlib logs.
var DefaultLogger = base.DefaultLogger

type internalIterator = base.InternalIterator

// ErrNotFound is returned when a get operation does not find the requested
// key.
var ErrNotFound = base.ErrNotFound

// ErrCorruption is a marker to indicate that data in a file (WAL, MANIFEST,
// sstable) isn't in the expected format.
var ErrCorruption = base.ErrCorruption

// ErrDBAlreadyLocked is returned by Open when the database directory is
// locked by another process or DB.
var ErrDBAlreadyLocked = base.ErrDBAlreadyLocked

// IsCorruptionError returns true if the given error indicates database
// corruption.
func IsCorruptionError(err error) bool {
	return base.IsCorruptionError(err)
}
