// Copyright 2018 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package sstable

import (
	"bytes"
	"fmt"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tidedb/tide/internal/base"
	"golang.org/x/exp/rand"
)

func ikey(s string) base.InternalKey {
	return base.MakeInternalKey([]byte(s), 0, base.InternalKeyKindSet)
}

func TestBlockWriter(t *testing.T) {
	w := &blockWriter{restartInterval: 16}
	w.add(ikey("apple"), nil)
	w.add(ikey("apricot"), nil)
	w.add(ikey("banana"), nil)
	block := w.finish()

	expected := []byte(
		"\x00\x0d\x00apple\x01\x00\x00\x00\x00\x00\x00\x00" +
			"\x02\x0d\x00ricot\x01\x00\x00\x00\x00\x00\x00\x00" +
			"\x00\x0e\x00banana\x01\x00\x00\x00\x00\x00\x00\x00" +
			"\x00\x00\x00\x00\x01\x00\x00\x00")
	require.Equal(t, expected, []byte(block))
}

func TestBlockWriterRestarts(t *testing.T) {
	w := &blockWriter{restartInterval: 2}
	w.addRaw([]byte("a"), []byte("1"))
	w.addRaw([]byte("ab"), []byte("2"))
	w.addRaw([]byte("abc"), []byte("3"))
	b := w.finish()

	// Restart points at entries 0 and 2.
	n := len(b)
	require.Equal(t, uint32(2), leUint32(b[n-4:]))
	require.Equal(t, uint32(0), leUint32(b[n-12:]))
	require.Equal(t, uint32(len("\x00\x01\x01a1\x01\x01\x01b2")), leUint32(b[n-8:]))

	w.reset()
	require.Equal(t, 0, w.nEntries)
	require.Equal(t, []byte{0, 0, 0, 0, 1, 0, 0, 0}, w.finish())
}

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func TestBlockIter(t *testing.T) {
	w := &blockWriter{restartInterval: 1}
	expected := []string{"apple", "apricot", "banana"}
	for _, k := range expected {
		w.add(ikey(k), []byte("v"+k))
	}
	block := w.finish()

	iter, err := newBlockIter(bytes.Compare, block)
	require.NoError(t, err)

	var keys []string
	for iter.First(); iter.Valid(); iter.Next() {
		keys = append(keys, string(iter.Key().UserKey))
		require.Equal(t, "v"+string(iter.Key().UserKey), string(iter.Value()))
	}
	require.Equal(t, expected, keys)

	keys = keys[:0]
	for iter.Last(); iter.Valid(); iter.Prev() {
		keys = append(keys, string(iter.Key().UserKey))
	}
	require.Equal(t, []string{"banana", "apricot", "apple"}, keys)
	require.NoError(t, iter.Close())
}

func TestBlockIterSeek(t *testing.T) {
	w := &blockWriter{restartInterval: 2}
	for _, k := range []string{"b", "d", "f", "h", "j"} {
		w.add(ikey(k), nil)
	}
	iter, err := newBlockIter(bytes.Compare, w.finish())
	require.NoError(t, err)

	testCases := []struct {
		key    string
		seekGE string
		seekLT string
		nextGE string
		prevLT string
	}{
		{"a", "b", "", "d", ""},
		{"b", "b", "", "d", ""},
		{"c", "d", "b", "f", ""},
		{"d", "d", "b", "f", ""},
		{"e", "f", "d", "h", "b"},
		{"i", "j", "h", "", "f"},
		{"j", "j", "h", "", "f"},
		{"k", "", "j", "", "h"},
	}
	str := func() string {
		if !iter.Valid() {
			return ""
		}
		return string(iter.Key().UserKey)
	}
	for _, tc := range testCases {
		t.Run(tc.key, func(t *testing.T) {
			iter.SeekGE([]byte(tc.key))
			require.Equal(t, tc.seekGE, str())
			if iter.Valid() {
				iter.Next()
				require.Equal(t, tc.nextGE, str())
			}

			iter.SeekLT([]byte(tc.key))
			require.Equal(t, tc.seekLT, str())
			if iter.Valid() {
				iter.Prev()
				require.Equal(t, tc.prevLT, str())
			}
		})
	}
}

func TestBlockIterExhaustedDirectionChange(t *testing.T) {
	w := &blockWriter{restartInterval: 16}
	for _, k := range []string{"a", "b", "c"} {
		w.add(ikey(k), nil)
	}
	iter, err := newBlockIter(bytes.Compare, w.finish())
	require.NoError(t, err)

	iter.Last()
	require.False(t, iter.Next())
	require.True(t, iter.Prev())
	require.Equal(t, "c", string(iter.Key().UserKey))

	iter.First()
	require.False(t, iter.Prev())
	require.True(t, iter.Next())
	require.Equal(t, "a", string(iter.Key().UserKey))
}

func TestBlockIterEmpty(t *testing.T) {
	w := &blockWriter{restartInterval: 16}
	iter, err := newBlockIter(bytes.Compare, w.finish())
	require.NoError(t, err)
	iter.First()
	require.False(t, iter.Valid())
	iter.Last()
	require.False(t, iter.Valid())
	iter.SeekGE([]byte("a"))
	require.False(t, iter.Valid())
	iter.SeekLT([]byte("a"))
	require.False(t, iter.Valid())
	require.Equal(t, base.InvalidInternalKey, iter.Key())
}

func TestBlockIterCorrupt(t *testing.T) {
	_, err := newBlockIter(bytes.Compare, block{1, 2})
	require.True(t, base.IsCorruptionError(err))

	// Zero restart points.
	_, err = newBlockIter(bytes.Compare, block{0, 0, 0, 0})
	require.True(t, base.IsCorruptionError(err))

	// An entry whose value length runs past the restart array.
	b := block("\x00\x01\x7fa\x00\x00\x00\x00\x01\x00\x00\x00")
	iter, err := newBlockIter(bytes.Compare, b)
	require.NoError(t, err)
	iter.First()
	require.False(t, iter.Valid())
	require.True(t, base.IsCorruptionError(iter.Error()))
}

// TestBlockIterRandom compares every positioning operation against a sorted
// slice of keys, with multiple versions of some user keys.
func TestBlockIterRandom(t *testing.T) {
	seed := uint64(1)
	rng := rand.New(rand.NewSource(seed))

	for _, restartInterval := range []int{1, 2, 3, 16} {
		t.Run(fmt.Sprint(restartInterval), func(t *testing.T) {
			var keys []base.InternalKey
			for i := 0; i < 200; i++ {
				uk := []byte(fmt.Sprintf("%04d", rng.Intn(100)))
				keys = append(keys, base.MakeInternalKey(uk, base.SeqNum(rng.Intn(1000)), base.InternalKeyKindSet))
			}
			sort.Slice(keys, func(i, j int) bool {
				return base.InternalCompare(bytes.Compare, keys[i], keys[j]) < 0
			})
			// Drop exact duplicates.
			dedup := keys[:1]
			for _, k := range keys[1:] {
				if base.InternalCompare(bytes.Compare, dedup[len(dedup)-1], k) != 0 {
					dedup = append(dedup, k)
				}
			}
			keys = dedup

			w := &blockWriter{restartInterval: restartInterval}
			for i, k := range keys {
				w.add(k, []byte(fmt.Sprint(i)))
			}
			iter, err := newBlockIter(bytes.Compare, w.finish())
			require.NoError(t, err)

			check := func(idx int) {
				if idx < 0 || idx >= len(keys) {
					require.False(t, iter.Valid())
					return
				}
				require.True(t, iter.Valid())
				require.Equal(t, keys[idx], iter.Key())
				require.Equal(t, fmt.Sprint(idx), string(iter.Value()))
			}

			for i := 0; i < 500; i++ {
				target := []byte(fmt.Sprintf("%04d", rng.Intn(105)))
				var idx int
				if rng.Intn(2) == 0 {
					iter.SeekGE(target)
					idx = sort.Search(len(keys), func(j int) bool {
						return bytes.Compare(keys[j].UserKey, target) >= 0
					})
				} else {
					iter.SeekLT(target)
					idx = sort.Search(len(keys), func(j int) bool {
						return bytes.Compare(keys[j].UserKey, target) >= 0
					}) - 1
				}
				check(idx)
				if idx < 0 || idx >= len(keys) {
					continue
				}
				for j := 0; j < 10; j++ {
					if rng.Intn(2) == 0 {
						iter.Next()
						idx++
					} else {
						iter.Prev()
						idx--
					}
					check(idx)
					if idx < 0 || idx >= len(keys) {
						break
					}
				}
			}
		})
	}
}
