// Copyright 2020 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package tide

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/redact"
	"github.com/tidedb/tide/vfs"
)

// BackgroundErrorReason is an enum of the operations whose failure stops
// background work and further writes.
type BackgroundErrorReason uint8

const (
	// BgFlush is for errors during background flushes.
	BgFlush BackgroundErrorReason = iota
	// BgCompaction is for errors during background compactions.
	BgCompaction
	// BgWrite is for errors in writing to or syncing the WAL.
	BgWrite
)

func (r BackgroundErrorReason) String() string {
	return redact.StringWithoutMarkers(r)
}

// SafeFormat implements redact.SafeFormatter.
func (r BackgroundErrorReason) SafeFormat(w redact.SafePrinter, _ rune) {
	switch r {
	case BgFlush:
		w.SafeString("flush")
	case BgCompaction:
		w.SafeString("compaction")
	case BgWrite:
		w.SafeString("write")
	default:
		w.Printf("unknown(%d)", redact.Safe(uint8(r)))
	}
}

// BackgroundError captures an error that occurred during a background
// operation along with the operation. An instance of this is passed in
// EventListener.BackgroundError and returned by DB.BackgroundError.
type BackgroundError struct {
	err    error
	reason BackgroundErrorReason
}

// Reason returns the operation during which the error occurred.
func (b *BackgroundError) Reason() BackgroundErrorReason {
	return b.reason
}

// NoSpace returns true if the error was caused by a full disk.
func (b *BackgroundError) NoSpace() bool {
	return vfs.IsNoSpaceError(b.err)
}

// Unwrap returns the error that occurred during the background operation.
func (b *BackgroundError) Unwrap() error {
	return b.err
}

func (b *BackgroundError) Error() string {
	return errors.Wrapf(b.err, "%s", b.reason).Error()
}

// errorHandler holds the background error status of a DB. Once set, writes
// that need room in the memtable and all background work fail with the error
// until it is cleared.
type errorHandler struct {
	// Set to db.mu.
	mu   *sync.Mutex
	opts *Options
	err  *BackgroundError
}

func (h *errorHandler) init(opts *Options, mu *sync.Mutex) {
	h.opts = opts
	h.mu = mu
}

// Requires db.mu is held.
func (h *errorHandler) isStopped() bool {
	return h.err != nil
}

// setBGError records err, unless an error is already recorded, and notifies
// the event listener. The first error wins since later ones are usually a
// consequence of it.
//
// Requires db.mu is held. The mutex is released while the listener runs.
func (h *errorHandler) setBGError(err error, op BackgroundErrorReason) {
	if err == nil {
		return
	}
	bgErr := &BackgroundError{err: err, reason: op}
	if h.err == nil {
		h.err = bgErr
	}
	if bgErr.NoSpace() {
		h.opts.Logger.Errorf("%s failed: out of disk space: %s", op, err)
	}

	h.mu.Unlock()
	h.opts.EventListener.BackgroundError(bgErr)
	h.mu.Lock()
}

// getBGError returns the recorded error or nil.
//
// Requires db.mu is held.
func (h *errorHandler) getBGError() error {
	if h.err == nil {
		return nil
	}
	return h.err
}

// clear drops the recorded error.
//
// Requires db.mu is held.
func (h *errorHandler) clear() {
	h.err = nil
}
