// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package tide

import (
	"encoding/binary"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tidedb/tide/batchrepr"
)

func TestBatch(t *testing.T) {
	testCases := []struct {
		kind       InternalKeyKind
		key, value string
	}{
		{InternalKeyKindSet, "roses", "red"},
		{InternalKeyKindSet, "violets", "blue"},
		{InternalKeyKindDelete, "roses", ""},
		{InternalKeyKindSet, "", ""},
		{InternalKeyKindSet, "", "non-empty"},
		{InternalKeyKindDelete, "", ""},
		{InternalKeyKindSet, "grass", "green"},
		{InternalKeyKindSet, "grass", "greener"},
		{InternalKeyKindSet, "eleventy", strings.Repeat("!!11!", 100)},
		{InternalKeyKindDelete, "nosuchkey", ""},
		{InternalKeyKindSet, "binarydata", "\x00"},
		{InternalKeyKindSet, "binarydata", "\xff"},
	}
	var b Batch
	for _, tc := range testCases {
		if tc.kind == InternalKeyKindDelete {
			require.NoError(t, b.Delete([]byte(tc.key), nil))
		} else {
			require.NoError(t, b.Set([]byte(tc.key), []byte(tc.value), nil))
		}
	}
	require.Equal(t, uint32(len(testCases)), b.Count())
	require.False(t, b.Empty())

	r := b.Reader()
	for _, tc := range testCases {
		kind, k, v, ok, err := r.Next()
		require.NoError(t, err)
		require.True(t, ok, "test case = %q", tc)
		require.Equal(t, tc.kind, kind)
		require.Equal(t, tc.key, string(k))
		require.Equal(t, tc.value, string(v))
	}
	require.Empty(t, r)

	// A round trip through Repr and SetRepr preserves the contents.
	var b2 Batch
	require.NoError(t, b2.SetRepr(append([]byte(nil), b.Repr()...)))
	require.Equal(t, b.Repr(), b2.Repr())
	require.Equal(t, b.memTableSize, b2.memTableSize)
}

func TestBatchIncrement(t *testing.T) {
	testCases := []uint32{
		0x00000000,
		0x00000001,
		0x00000002,
		0x0000007f,
		0x00000080,
		0x000000fe,
		0x000000ff,
		0x00000100,
		0x00000101,
		0x000001ff,
		0x00000200,
		0x00000fff,
		0x00001234,
		0x0000fffe,
		0x0000ffff,
		0x00010000,
		0x00010001,
		0x000100fe,
		0x000100ff,
		0x00020100,
		0x03fffffe,
		0x03ffffff,
		0x04000000,
		0x04000001,
		0x7fffffff,
		0xfffffffe,
		0xffffffff,
	}
	for _, tc := range testCases {
		var buf [batchrepr.HeaderLen]byte
		binary.LittleEndian.PutUint32(buf[8:12], tc)
		b := Batch{data: buf[:]}
		b.increment()
		got := binary.LittleEndian.Uint32(buf[8:12])
		want := tc + 1
		if tc == 0xffffffff {
			want = tc
		}
		require.Equal(t, want, got, "input=%d", tc)
	}

	// A batch whose count has saturated rejects further writes.
	var buf [batchrepr.HeaderLen]byte
	binary.LittleEndian.PutUint32(buf[8:12], 0xffffffff)
	b := Batch{data: buf[:]}
	require.ErrorIs(t, b.Set([]byte("a"), nil, nil), ErrInvalidBatch)
}

func TestBatchApply(t *testing.T) {
	var a, b Batch
	require.NoError(t, a.Set([]byte("a"), []byte("1"), nil))
	require.NoError(t, b.Delete([]byte("b"), nil))
	require.NoError(t, b.Set([]byte("c"), []byte("3"), nil))
	require.NoError(t, a.Apply(&b, nil))
	require.Equal(t, uint32(3), a.Count())

	var keys []string
	r := a.Reader()
	for {
		kind, k, _, ok, err := r.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		keys = append(keys, string(k)+":"+kind.String())
	}
	require.Equal(t, []string{"a:SET", "b:DEL", "c:SET"}, keys)

	// Applying into an empty batch initializes its header.
	var c Batch
	require.NoError(t, c.Apply(&b, nil))
	require.Equal(t, uint32(2), c.Count())
	require.Equal(t, b.memTableSize, c.memTableSize)
}

func TestBatchSetReprCorrupt(t *testing.T) {
	var b Batch
	require.ErrorIs(t, b.SetRepr([]byte("short")), ErrInvalidBatch)

	var good Batch
	require.NoError(t, good.Set([]byte("key"), []byte("value"), nil))
	repr := append([]byte(nil), good.Repr()...)

	// A count that disagrees with the entries is rejected.
	bad := append([]byte(nil), repr...)
	binary.LittleEndian.PutUint32(bad[8:12], 2)
	require.ErrorIs(t, b.SetRepr(bad), ErrInvalidBatch)

	// So is a truncated entry.
	require.True(t, IsCorruptionError(b.SetRepr(repr[:len(repr)-2])))
}

func TestBatchReset(t *testing.T) {
	var b Batch
	require.NoError(t, b.Set([]byte("a"), []byte("b"), nil))
	require.NotZero(t, b.memTableSize)
	b.Reset()
	require.True(t, b.Empty())
	require.Equal(t, uint32(0), b.Count())
	require.Zero(t, b.memTableSize)
	require.Equal(t, batchrepr.HeaderLen, b.Len())
}
