// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package manifest

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/tidedb/tide/internal/base"
)

// The MANIFEST file is a record log (see package record) in which every
// record is an encoded VersionEdit. Replaying the edits in order from an
// empty version yields the current version. Each edit is a sequence of
// fields, each introduced by a uvarint tag:
//
//	comparator      string
//	logNumber       uvarint
//	nextFileNumber  uvarint
//	lastSequence    uvarint
//	compactPointer  level:uvarint key:bytes
//	deletedFile     level:uvarint fileNum:uvarint
//	newFile         level:uvarint fileNum:uvarint size:uvarint smallest:bytes largest:bytes
//	prevLogNumber   uvarint
//
// Strings and bytes are length-prefixed with a uvarint. Keys are encoded
// internal keys.

var errCorruptManifest = base.CorruptionErrorf("tide: corrupt manifest")

type byteReader interface {
	io.ByteReader
	io.Reader
}

// Tags for the versionEdit disk format.
// Tag 8 is no longer used.
const (
	tagComparator     = 1
	tagLogNumber      = 2
	tagNextFileNumber = 3
	tagLastSequence   = 4
	tagCompactPointer = 5
	tagDeletedFile    = 6
	tagNewFile        = 7
	tagPrevLogNumber  = 9
)

// CompactPointerEntry records the key at which the next size-triggered
// compaction of a level should start.
type CompactPointerEntry struct {
	Level int
	Key   InternalKey
}

// DeletedFileEntry holds the state for a file deletion from a level. The file
// itself might still be referenced by another level.
type DeletedFileEntry struct {
	Level   int
	FileNum base.FileNum
}

// NewFileEntry holds the state for a new file or one moved from a different
// level.
type NewFileEntry struct {
	Level int
	Meta  *FileMetadata
}

// VersionEdit holds the state for an edit to a Version along with other
// on-disk state (log numbers, next file number, and the last sequence number).
type VersionEdit struct {
	// ComparerName is the value of Options.Comparer.Name. This is only set in
	// the first VersionEdit in a manifest (either when the DB is created, or
	// when a new manifest is created) and is used to verify that the comparer
	// specified at Open matches the comparer that was previously used.
	ComparerName string

	// LogNum is the smallest WAL file number whose mutations have not been
	// flushed to a table. 0 means unset.
	LogNum base.FileNum

	// PrevLogNum is the log being compacted when LogNum was set, if any. Logs
	// at or after it must also be replayed. 0 means unset.
	PrevLogNum base.FileNum

	// NextFileNum is the next file number. A single counter is used to assign
	// file numbers for the WAL, MANIFEST, table and OPTIONS files.
	NextFileNum base.FileNum

	// LastSeqNum is an upper bound on the sequence numbers that have been
	// assigned in flushed WALs. Unflushed WALs (that will be replayed during
	// recovery) may contain sequence numbers greater than this value.
	LastSeqNum base.SeqNum

	CompactPointers []CompactPointerEntry

	// A file num may be present in both deleted files and new files when it
	// is moved from a lower level to a higher level (when the compaction
	// found that there was no overlapping file at the higher level).
	DeletedFiles map[DeletedFileEntry]bool
	NewFiles     []NewFileEntry
}

// Decode decodes an edit from the specified reader.
func (v *VersionEdit) Decode(r io.Reader) error {
	br, ok := r.(byteReader)
	if !ok {
		br = bufio.NewReader(r)
	}
	d := versionEditDecoder{br}
	for {
		tag, err := binary.ReadUvarint(br)
		if err == io.EOF {
			break
		}
		if err == io.ErrUnexpectedEOF {
			return errCorruptManifest
		}
		if err != nil {
			return err
		}
		switch tag {
		case tagComparator:
			s, err := d.readBytes()
			if err != nil {
				return err
			}
			v.ComparerName = string(s)

		case tagLogNumber:
			n, err := d.readUvarint()
			if err != nil {
				return err
			}
			v.LogNum = base.FileNum(n)

		case tagNextFileNumber:
			n, err := d.readUvarint()
			if err != nil {
				return err
			}
			v.NextFileNum = base.FileNum(n)

		case tagLastSequence:
			n, err := d.readUvarint()
			if err != nil {
				return err
			}
			v.LastSeqNum = base.SeqNum(n)

		case tagCompactPointer:
			level, err := d.readLevel()
			if err != nil {
				return err
			}
			key, err := d.readKey()
			if err != nil {
				return err
			}
			v.CompactPointers = append(v.CompactPointers, CompactPointerEntry{level, key})

		case tagDeletedFile:
			level, err := d.readLevel()
			if err != nil {
				return err
			}
			fileNum, err := d.readUvarint()
			if err != nil {
				return err
			}
			if v.DeletedFiles == nil {
				v.DeletedFiles = make(map[DeletedFileEntry]bool)
			}
			v.DeletedFiles[DeletedFileEntry{level, base.FileNum(fileNum)}] = true

		case tagNewFile:
			level, err := d.readLevel()
			if err != nil {
				return err
			}
			fileNum, err := d.readUvarint()
			if err != nil {
				return err
			}
			size, err := d.readUvarint()
			if err != nil {
				return err
			}
			smallest, err := d.readKey()
			if err != nil {
				return err
			}
			largest, err := d.readKey()
			if err != nil {
				return err
			}
			v.NewFiles = append(v.NewFiles, NewFileEntry{
				Level: level,
				Meta: &FileMetadata{
					FileNum:  base.FileNum(fileNum),
					Size:     size,
					Smallest: smallest,
					Largest:  largest,
				},
			})

		case tagPrevLogNumber:
			n, err := d.readUvarint()
			if err != nil {
				return err
			}
			v.PrevLogNum = base.FileNum(n)

		default:
			return errors.Wrapf(errCorruptManifest, "unknown tag %d", errors.Safe(tag))
		}
	}
	return nil
}

// Encode encodes an edit to the specified writer. Deleted files are written
// in (level, file number) order so that the encoding is deterministic.
func (v *VersionEdit) Encode(w io.Writer) error {
	e := versionEditEncoder{new(bytes.Buffer)}
	if v.ComparerName != "" {
		e.writeUvarint(tagComparator)
		e.writeString(v.ComparerName)
	}
	if v.LogNum != 0 {
		e.writeUvarint(tagLogNumber)
		e.writeUvarint(uint64(v.LogNum))
	}
	if v.PrevLogNum != 0 {
		e.writeUvarint(tagPrevLogNumber)
		e.writeUvarint(uint64(v.PrevLogNum))
	}
	if v.NextFileNum != 0 {
		e.writeUvarint(tagNextFileNumber)
		e.writeUvarint(uint64(v.NextFileNum))
	}
	if v.LastSeqNum != 0 {
		e.writeUvarint(tagLastSequence)
		e.writeUvarint(uint64(v.LastSeqNum))
	}
	for _, x := range v.CompactPointers {
		e.writeUvarint(tagCompactPointer)
		e.writeUvarint(uint64(x.Level))
		e.writeKey(x.Key)
	}
	for _, x := range v.sortedDeletedFiles() {
		e.writeUvarint(tagDeletedFile)
		e.writeUvarint(uint64(x.Level))
		e.writeUvarint(uint64(x.FileNum))
	}
	for _, x := range v.NewFiles {
		e.writeUvarint(tagNewFile)
		e.writeUvarint(uint64(x.Level))
		e.writeUvarint(uint64(x.Meta.FileNum))
		e.writeUvarint(x.Meta.Size)
		e.writeKey(x.Meta.Smallest)
		e.writeKey(x.Meta.Largest)
	}
	_, err := w.Write(e.Bytes())
	return err
}

func (v *VersionEdit) sortedDeletedFiles() []DeletedFileEntry {
	entries := make([]DeletedFileEntry, 0, len(v.DeletedFiles))
	for x := range v.DeletedFiles {
		entries = append(entries, x)
	}
	slices.SortFunc(entries, func(a, b DeletedFileEntry) int {
		if a.Level != b.Level {
			return a.Level - b.Level
		}
		switch {
		case a.FileNum < b.FileNum:
			return -1
		case a.FileNum > b.FileNum:
			return +1
		}
		return 0
	})
	return entries
}

// DebugString returns a multi-line, human readable rendering of the edit.
func (v *VersionEdit) DebugString(format base.FormatKey) string {
	if format == nil {
		format = base.DefaultFormatter
	}
	var buf strings.Builder
	if v.ComparerName != "" {
		fmt.Fprintf(&buf, "  comparer:     %s\n", v.ComparerName)
	}
	if v.LogNum != 0 {
		fmt.Fprintf(&buf, "  log-num:       %d\n", v.LogNum)
	}
	if v.PrevLogNum != 0 {
		fmt.Fprintf(&buf, "  prev-log-num:  %d\n", v.PrevLogNum)
	}
	if v.NextFileNum != 0 {
		fmt.Fprintf(&buf, "  next-file-num: %d\n", v.NextFileNum)
	}
	if v.LastSeqNum != 0 {
		fmt.Fprintf(&buf, "  last-seq-num:  %d\n", v.LastSeqNum)
	}
	for _, x := range v.CompactPointers {
		fmt.Fprintf(&buf, "  compact-ptr:   L%d %s\n", x.Level, x.Key.Pretty(format))
	}
	for _, x := range v.sortedDeletedFiles() {
		fmt.Fprintf(&buf, "  del-table:     L%d %s\n", x.Level, x.FileNum)
	}
	for _, x := range v.NewFiles {
		fmt.Fprintf(&buf, "  add-table:     L%d %s\n", x.Level, x.Meta.DebugString(format))
	}
	return buf.String()
}

type versionEditDecoder struct {
	byteReader
}

func (d versionEditDecoder) readBytes() ([]byte, error) {
	n, err := d.readUvarint()
	if err != nil {
		return nil, err
	}
	s := make([]byte, n)
	_, err = io.ReadFull(d, s)
	if err != nil {
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			return nil, errCorruptManifest
		}
		return nil, err
	}
	return s, nil
}

func (d versionEditDecoder) readKey() (InternalKey, error) {
	b, err := d.readBytes()
	if err != nil {
		return InternalKey{}, err
	}
	k := base.DecodeInternalKey(b)
	if !k.Valid() {
		return InternalKey{}, errors.Wrapf(errCorruptManifest, "invalid internal key")
	}
	return k, nil
}

func (d versionEditDecoder) readLevel() (int, error) {
	u, err := d.readUvarint()
	if err != nil {
		return 0, err
	}
	if u >= NumLevels {
		return 0, errCorruptManifest
	}
	return int(u), nil
}

func (d versionEditDecoder) readUvarint() (uint64, error) {
	u, err := binary.ReadUvarint(d)
	if err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return 0, errCorruptManifest
		}
		return 0, err
	}
	return u, nil
}

type versionEditEncoder struct {
	*bytes.Buffer
}

func (e versionEditEncoder) writeBytes(p []byte) {
	e.writeUvarint(uint64(len(p)))
	e.Write(p)
}

func (e versionEditEncoder) writeKey(k InternalKey) {
	e.writeUvarint(uint64(k.Size()))
	e.Write(k.UserKey)
	buf := k.EncodeTrailer()
	e.Write(buf[:])
}

func (e versionEditEncoder) writeString(s string) {
	e.writeUvarint(uint64(len(s)))
	e.WriteString(s)
}

func (e versionEditEncoder) writeUvarint(u uint64) {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], u)
	e.Write(buf[:n])
}

// BulkVersionEdit summarizes the files added and deleted from a set of version
// edits.
type BulkVersionEdit struct {
	Added   [NumLevels][]*FileMetadata
	Deleted [NumLevels]map[base.FileNum]bool
}

// Accumulate adds the file additions and deletions in the specified version
// edit to the bulk edit's internal state. A file added after being deleted at
// the same level is live again.
func (b *BulkVersionEdit) Accumulate(ve *VersionEdit) {
	for df := range ve.DeletedFiles {
		dmap := b.Deleted[df.Level]
		if dmap == nil {
			dmap = make(map[base.FileNum]bool)
			b.Deleted[df.Level] = dmap
		}
		dmap[df.FileNum] = true
	}

	for _, nf := range ve.NewFiles {
		delete(b.Deleted[nf.Level], nf.Meta.FileNum)
		nf.Meta.InitAllowedSeeks()
		b.Added[nf.Level] = append(b.Added[nf.Level], nf.Meta)
	}
}

// Apply applies the delta b to the current version to produce a new version.
// Every file in the new version has its reference count incremented. The new
// version is checked for consistency with respect to the comparer: level 0
// is ordered by file number, other levels by key with no overlap.
//
// curr may be nil, which is equivalent to a pointer to a zero version.
func (b *BulkVersionEdit) Apply(curr *Version, cmp Compare, format base.FormatKey) (*Version, error) {
	v := new(Version)
	for level := range v.Files {
		var currFiles []*FileMetadata
		if curr != nil {
			currFiles = curr.Files[level]
		}
		addedFiles := b.Added[level]
		deletedMap := b.Deleted[level]
		if len(addedFiles) == 0 && len(deletedMap) == 0 {
			// There are no edits on this level.
			v.Files[level] = currFiles
			continue
		}

		files := make([]*FileMetadata, 0, len(currFiles)+len(addedFiles))
		seen := make(map[base.FileNum]bool, len(addedFiles))
		for _, ff := range [2][]*FileMetadata{currFiles, addedFiles} {
			for _, f := range ff {
				if deletedMap[f.FileNum] || seen[f.FileNum] {
					continue
				}
				seen[f.FileNum] = true
				files = append(files, f)
			}
		}
		if level == 0 {
			SortByFileNum(files)
		} else {
			SortBySmallest(files, cmp)
		}
		if err := CheckOrdering(cmp, format, level, files); err != nil {
			return nil, errors.Wrap(err, "tide: internal error")
		}
		v.Files[level] = files
	}
	for _, files := range v.Files {
		for _, f := range files {
			f.Ref()
		}
	}
	return v, nil
}
