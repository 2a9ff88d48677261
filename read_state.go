// Copyright 2019 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package tide

import "sync/atomic"

// readState encapsulates the state needed for reading (the current version and
// list of memtables). Loading the readState is done without grabbing
// DB.mu. Instead, a separate DB.readState.RWMutex is used for
// synchronization. This mutex solely covers the current readState object which
// means it is rarely or ever contended.
type readState struct {
	refcnt  atomic.Int32
	current *version
	// memtables is ordered from oldest to newest: the immutable memtable, if
	// any, followed by the mutable one.
	memtables []*memTable
}

// ref adds a reference to the readState.
func (s *readState) ref() {
	s.refcnt.Add(1)
}

// unref removes a reference to the readState. If this was the last reference,
// the reference the readState holds on the version is released. Requires DB.mu
// is NOT held as version.Unref() will acquire it. See unrefLocked() if DB.mu
// is held by the caller.
func (s *readState) unref() {
	if s.refcnt.Add(-1) == 0 {
		s.current.Unref()
		for _, mem := range s.memtables {
			mem.unref()
		}
	}
}

// unrefLocked removes a reference to the readState. If this was the last
// reference, the reference the readState holds on the version is
// released. Requires DB.mu is held as version.UnrefLocked() requires it. See
// unref() if DB.mu is NOT held by the caller.
func (s *readState) unrefLocked() {
	if s.refcnt.Add(-1) == 0 {
		s.current.UnrefLocked()
		for _, mem := range s.memtables {
			mem.unref()
		}
	}
}

// loadReadState returns the current readState. The returned readState must be
// unreferenced when the caller is finished with it.
func (d *DB) loadReadState() *readState {
	d.readState.RLock()
	state := d.readState.val
	state.ref()
	d.readState.RUnlock()
	return state
}

// updateReadStateLocked creates a new readState from the current version and
// list of memtables. Requires DB.mu is held.
func (d *DB) updateReadStateLocked() {
	s := &readState{
		current: d.mu.versions.currentVersion(),
	}
	s.refcnt.Store(1)
	if d.mu.mem.imm != nil {
		s.memtables = append(s.memtables, d.mu.mem.imm)
	}
	s.memtables = append(s.memtables, d.mu.mem.mutable)
	s.current.Ref()
	for _, mem := range s.memtables {
		mem.ref()
	}

	d.readState.Lock()
	old := d.readState.val
	d.readState.val = s
	d.readState.Unlock()

	if old != nil {
		old.unrefLocked()
	}
}
