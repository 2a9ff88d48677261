// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package batchrepr

import (
	"fmt"
	"strconv"
	"strings"
	"testing"

	"github.com/cockroachdb/datadriven"
	"github.com/stretchr/testify/require"
	"github.com/tidedb/tide/internal/base"
)

func TestWriter(t *testing.T) {
	var repr []byte
	datadriven.RunTest(t, "testdata/writer", func(t *testing.T, td *datadriven.TestData) string {
		switch td.Cmd {
		case "init":
			repr = readRepr(t, td.Input)
			return ""

		case "read-header":
			h, ok := ReadHeader(repr)
			if !ok {
				return "header too small"
			}
			return h.String()

		case "set-count":
			count, err := strconv.ParseUint(td.CmdArgs[0].Key, 10, 32)
			if err != nil {
				return err.Error()
			}
			SetCount(repr, uint32(count))
			return prettyBinaryRepr(repr)

		case "set-seqnum":
			seqNum := base.ParseSeqNum(td.CmdArgs[0].Key)
			SetSeqNum(repr, seqNum)
			return prettyBinaryRepr(repr)

		case "append":
			for _, l := range strings.Split(td.Input, "\n") {
				fields := strings.Fields(l)
				kind := base.ParseKind(fields[0])
				var value []byte
				if len(fields) > 2 {
					value = []byte(fields[2])
				}
				repr = AppendEntry(repr, kind, []byte(fields[1]), value)
			}
			return prettyBinaryRepr(repr)

		default:
			return fmt.Sprintf("unrecognized command %q", td.Cmd)
		}
	})
}

func TestEntrySize(t *testing.T) {
	long := make([]byte, 300)
	for _, tc := range []struct {
		kind       base.InternalKeyKind
		key, value []byte
	}{
		{base.InternalKeyKindSet, []byte("a"), []byte("b")},
		{base.InternalKeyKindSet, long, nil},
		{base.InternalKeyKindSet, nil, long},
		{base.InternalKeyKindDelete, long, long},
	} {
		enc := AppendEntry(nil, tc.kind, tc.key, tc.value)
		require.Equal(t, len(enc), EntrySize(tc.kind, tc.key, tc.value))
	}
}

// prettyBinaryRepr renders the header and each entry of repr on its own
// line as hex, annotated with the decoded contents.
func prettyBinaryRepr(repr []byte) string {
	if len(repr) < HeaderLen {
		return fmt.Sprintf("%x", repr)
	}
	var buf strings.Builder
	h, _ := ReadHeader(repr)
	fmt.Fprintf(&buf, "%x # seqnum=%d\n", repr[:countOffset], h.SeqNum)
	fmt.Fprintf(&buf, "%x # count=%d\n", repr[countOffset:HeaderLen], h.Count)
	for r := Read(repr); len(r) > 0; {
		prev := r
		kind, ukey, _, ok, err := r.Next()
		switch {
		case err != nil:
			fmt.Fprintf(&buf, "%x # invalid: %v\n", []byte(prev), err)
			return buf.String()
		case !ok:
			return buf.String()
		default:
			n := len(prev) - len(r)
			fmt.Fprintf(&buf, "%x %x # %s %q\n", prev[:1], prev[1:n], kind, ukey)
		}
	}
	return buf.String()
}
