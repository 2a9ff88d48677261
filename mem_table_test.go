// Copyright 2011 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package tide

import (
	"fmt"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tidedb/tide/internal/arenaskl"
	"github.com/tidedb/tide/internal/base"
	"golang.org/x/exp/rand"
)

// memTableTestWriter applies single-entry batches at increasing sequence
// numbers.
type memTableTestWriter struct {
	m      *memTable
	seqNum base.SeqNum
}

func (w *memTableTestWriter) write(t *testing.T, kind InternalKeyKind, key, value string) {
	t.Helper()
	var b Batch
	if kind == InternalKeyKindDelete {
		require.NoError(t, b.Delete([]byte(key), nil))
	} else {
		require.NoError(t, b.Set([]byte(key), []byte(value), nil))
	}
	require.NoError(t, w.m.prepare(&b))
	w.seqNum++
	require.NoError(t, w.m.apply(&b, w.seqNum))
}

// count returns the number of entries in a memtable.
func count(m *memTable) (n int) {
	it := m.newIter()
	defer it.Close()
	for it.First(); it.Valid(); it.Next() {
		n++
	}
	return n
}

func memTableGet(m *memTable, key string, seqNum base.SeqNum) (string, error) {
	value, kind, found := m.get([]byte(key), seqNum)
	if !found || kind == InternalKeyKindDelete {
		return "", ErrNotFound
	}
	return string(value), nil
}

func TestMemTableBasic(t *testing.T) {
	// Check the empty memtable.
	m := newMemTable(memTableOptions{})
	w := &memTableTestWriter{m: m}
	require.Equal(t, 0, count(m))
	require.True(t, m.empty())
	_, err := memTableGet(m, "cherry", base.SeqNumMax)
	require.ErrorIs(t, err, ErrNotFound)

	// Add some key/value pairs.
	w.write(t, InternalKeyKindSet, "cherry", "red")
	w.write(t, InternalKeyKindSet, "peach", "yellow")
	w.write(t, InternalKeyKindSet, "grape", "red")
	w.write(t, InternalKeyKindSet, "grape", "green")
	w.write(t, InternalKeyKindSet, "plum", "purple")
	require.Equal(t, 5, count(m))
	require.False(t, m.empty())
	require.NotZero(t, m.inuseBytes())

	// Get keys that are and aren't in the memtable.
	v, err := memTableGet(m, "plum", base.SeqNumMax)
	require.NoError(t, err)
	require.Equal(t, "purple", v)
	v, err = memTableGet(m, "grape", base.SeqNumMax)
	require.NoError(t, err)
	require.Equal(t, "green", v)
	_, err = memTableGet(m, "lychee", base.SeqNumMax)
	require.ErrorIs(t, err, ErrNotFound)

	// Check an iterator.
	var s strings.Builder
	it := m.newIter()
	for it.SeekGE([]byte("mango")); it.Valid(); it.Next() {
		fmt.Fprintf(&s, "%s/%s.", it.Key().UserKey, it.Value())
	}
	require.NoError(t, it.Close())
	require.Equal(t, "peach/yellow.plum/purple.", s.String())

	// Deletions shadow older values.
	w.write(t, InternalKeyKindDelete, "peach", "")
	_, err = memTableGet(m, "peach", base.SeqNumMax)
	require.ErrorIs(t, err, ErrNotFound)
	v, err = memTableGet(m, "peach", w.seqNum-1)
	require.NoError(t, err)
	require.Equal(t, "yellow", v)
}

func TestMemTableSnapshotVisibility(t *testing.T) {
	m := newMemTable(memTableOptions{})
	w := &memTableTestWriter{m: m}
	w.write(t, InternalKeyKindSet, "k", "v1") // seq 1
	w.write(t, InternalKeyKindSet, "k", "v2") // seq 2
	w.write(t, InternalKeyKindDelete, "k", "") // seq 3
	w.write(t, InternalKeyKindSet, "k", "v4") // seq 4

	for seq, want := range map[base.SeqNum]string{0: "", 1: "v1", 2: "v2", 3: "", 4: "v4", 100: "v4"} {
		v, err := memTableGet(m, "k", seq)
		if want == "" {
			require.ErrorIs(t, err, ErrNotFound, "seq=%d", seq)
			continue
		}
		require.NoError(t, err, "seq=%d", seq)
		require.Equal(t, want, v, "seq=%d", seq)
	}
}

func TestMemTableEmpty(t *testing.T) {
	m := newMemTable(memTableOptions{})
	require.True(t, m.empty())
	// Add one key/value pair with an empty key and empty value.
	w := &memTableTestWriter{m: m}
	w.write(t, InternalKeyKindSet, "", "")
	require.False(t, m.empty())
}

func TestMemTable1000Entries(t *testing.T) {
	const N = 1000
	m := newMemTable(memTableOptions{})
	w := &memTableTestWriter{m: m}
	for i := 0; i < N; i++ {
		w.write(t, InternalKeyKindSet, strconv.Itoa(i), strings.Repeat("x", i))
	}
	require.Equal(t, N, count(m))

	// Check random-access lookup.
	rng := rand.New(rand.NewSource(0))
	for i := 0; i < 3*N; i++ {
		j := rng.Intn(N)
		v, err := memTableGet(m, strconv.Itoa(j), base.SeqNumMax)
		require.NoError(t, err)
		require.Equal(t, j, len(v))
	}

	// Check lookup of non-existent keys.
	for _, key := range []string{"1001", "-1", "x", "", "999a"} {
		_, err := memTableGet(m, key, base.SeqNumMax)
		require.ErrorIs(t, err, ErrNotFound, "key=%q", key)
	}

	// Check an iterator positioned at a key in the middle.
	it := m.newIter()
	it.SeekGE([]byte("499"))
	for _, want := range []string{"499", "5", "50", "500", "501"} {
		require.True(t, it.Valid())
		require.Equal(t, want, string(it.Key().UserKey))
		it.Next()
	}
	require.NoError(t, it.Close())
}

func TestMemTablePrepareFull(t *testing.T) {
	m := newMemTable(memTableOptions{size: 16 << 10})
	var b Batch
	require.NoError(t, b.Set([]byte("k"), make([]byte, 32<<10), nil))
	require.ErrorIs(t, m.prepare(&b), arenaskl.ErrArenaFull)

	// Batches are admitted until the arena's reservation runs out.
	w := &memTableTestWriter{m: m}
	var small Batch
	require.NoError(t, small.Set([]byte("k"), make([]byte, 100), nil))
	n := 0
	for ; m.prepare(&small) == nil; n++ {
		w.seqNum++
		require.NoError(t, m.apply(&small, w.seqNum))
	}
	require.Greater(t, n, 10)
	require.Equal(t, n, count(m))
}

func TestMemTableRefs(t *testing.T) {
	var released []byte
	m := newMemTable(memTableOptions{
		size:      64 << 10,
		releaseFn: func(buf []byte) { released = buf },
	})
	m.ref()
	require.False(t, m.unref())
	require.Nil(t, released)
	require.True(t, m.unref())
	require.Len(t, released, 64<<10)
	require.Panics(t, func() { m.unref() })

	// A recycled arena is reused when it is large enough.
	m2 := newMemTable(memTableOptions{size: 32 << 10, arenaBuf: released})
	require.Equal(t, &released[0], &m2.arenaBuf[0])
	require.True(t, m2.empty())
}
