// Copyright 2023 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package manifest

import (
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/tidedb/tide/internal/base"
)

func errFromPanic(r any) error {
	if e, ok := r.(error); ok {
		return e
	}
	return errors.Errorf("%v", r)
}

// ParseFileMetadataDebug parses a FileMetadata from its DebugString
// representation, e.g. "000005:[a#3,SET-c#1,SET] size=100". The size is
// optional.
func ParseFileMetadataDebug(s string) (_ *FileMetadata, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Wrapf(errFromPanic(r), "parsing %q", s)
		}
	}()
	s = strings.TrimSpace(s)
	colon := strings.Index(s, ":[")
	closeBracket := strings.LastIndex(s, "]")
	if colon < 0 || closeBracket < colon {
		return nil, errors.Errorf("malformed file %q", s)
	}
	fileNum, err := strconv.ParseUint(s[:colon], 10, 64)
	if err != nil {
		return nil, errors.Wrapf(err, "file number in %q", s)
	}
	bounds := s[colon+2 : closeBracket]
	dash := strings.Index(bounds, "-")
	if dash < 0 {
		return nil, errors.Errorf("malformed bounds in %q", s)
	}
	m := &FileMetadata{
		FileNum:  base.FileNum(fileNum),
		Smallest: base.ParseInternalKey(bounds[:dash]),
		Largest:  base.ParseInternalKey(bounds[dash+1:]),
	}
	for _, field := range strings.Fields(s[closeBracket+1:]) {
		key, value, ok := strings.Cut(field, "=")
		if !ok || key != "size" {
			return nil, errors.Errorf("unknown field %q", field)
		}
		if m.Size, err = strconv.ParseUint(value, 10, 64); err != nil {
			return nil, errors.Wrapf(err, "size in %q", s)
		}
	}
	return m, nil
}

func parseLevel(s string) (int, error) {
	s = strings.TrimSuffix(strings.TrimSpace(s), ":")
	if !strings.HasPrefix(s, "L") {
		return 0, errors.Errorf("malformed level %q", s)
	}
	level, err := strconv.Atoi(s[1:])
	if err != nil || level < 0 || level >= NumLevels {
		return 0, errors.Errorf("malformed level %q", s)
	}
	return level, nil
}

// ParseVersionDebug parses a Version from its DebugString representation.
// Every file of the returned version is referenced once.
func ParseVersionDebug(cmp Compare, s string) (*Version, error) {
	var ve VersionEdit
	level := -1
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "L") && strings.HasSuffix(line, ":") {
			var err error
			if level, err = parseLevel(line); err != nil {
				return nil, err
			}
			continue
		}
		if level < 0 {
			return nil, errors.Errorf("file %q precedes any level", line)
		}
		m, err := ParseFileMetadataDebug(line)
		if err != nil {
			return nil, err
		}
		ve.NewFiles = append(ve.NewFiles, NewFileEntry{Level: level, Meta: m})
	}
	var bve BulkVersionEdit
	bve.Accumulate(&ve)
	return bve.Apply(nil, cmp, base.DefaultFormatter)
}

// ParseVersionEditDebug parses a VersionEdit from its DebugString
// representation.
func ParseVersionEditDebug(s string) (_ *VersionEdit, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errFromPanic(r)
		}
	}()
	ve := &VersionEdit{}
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		field, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, errors.Errorf("malformed line %q", line)
		}
		value = strings.TrimSpace(value)
		switch field {
		case "comparer":
			ve.ComparerName = value
		case "log-num", "prev-log-num", "next-file-num", "last-seq-num":
			n, err := strconv.ParseUint(value, 10, 64)
			if err != nil {
				return nil, errors.Wrapf(err, "%s", field)
			}
			switch field {
			case "log-num":
				ve.LogNum = base.FileNum(n)
			case "prev-log-num":
				ve.PrevLogNum = base.FileNum(n)
			case "next-file-num":
				ve.NextFileNum = base.FileNum(n)
			case "last-seq-num":
				ve.LastSeqNum = base.SeqNum(n)
			}
		case "compact-ptr", "del-table", "add-table":
			levelStr, rest, _ := strings.Cut(value, " ")
			level, err := parseLevel(levelStr)
			if err != nil {
				return nil, err
			}
			switch field {
			case "compact-ptr":
				ve.CompactPointers = append(ve.CompactPointers, CompactPointerEntry{
					Level: level,
					Key:   base.ParseInternalKey(strings.TrimSpace(rest)),
				})
			case "del-table":
				n, err := strconv.ParseUint(strings.TrimSpace(rest), 10, 64)
				if err != nil {
					return nil, errors.Wrapf(err, "%s", field)
				}
				if ve.DeletedFiles == nil {
					ve.DeletedFiles = make(map[DeletedFileEntry]bool)
				}
				ve.DeletedFiles[DeletedFileEntry{Level: level, FileNum: base.FileNum(n)}] = true
			case "add-table":
				m, err := ParseFileMetadataDebug(rest)
				if err != nil {
					return nil, err
				}
				ve.NewFiles = append(ve.NewFiles, NewFileEntry{Level: level, Meta: m})
			}
		default:
			return nil, errors.Errorf("unknown field %q", field)
		}
	}
	return ve, nil
}
