// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package base defines fundamental types used across tide, including keys,
// comparers, file names, errors, loggers and iterators.
//
// # Iterators
//
// The [InternalIterator] interface defines the iterator interface implemented
// by all iterators over internal keys. Internal iterators are composed to form
// an "iterator stack," resulting in a single internal iterator (see mergingIter
// in the tide package) that yields a merged view of the LSM. The top of the
// stack, tide.Iterator, collapses the internal keys into user keys, hiding
// entries newer than its sequence number and keys whose newest visible entry
// is a deletion.
package base
