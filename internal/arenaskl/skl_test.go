/*
 * Copyright 2017 Dgraph Labs, Inc. and Contributors
 * Modifications copyright (C) 2017 Andy Kimball and Contributors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package arenaskl

import (
	"bytes"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tidedb/tide/internal/base"
	"golang.org/x/exp/rand"
)

const arenaSize = 1 << 20

func makeIntKey(i int) base.InternalKey {
	return base.InternalKey{UserKey: []byte(fmt.Sprintf("%05d", i))}
}

func makeKey(s string) []byte {
	return []byte(s)
}

func makeIkey(s string) base.InternalKey {
	return base.InternalKey{UserKey: []byte(s)}
}

func makeValue(i int) []byte {
	return []byte(fmt.Sprintf("v%05d", i))
}

func makeInserterAdd(s *Skiplist) func(key base.InternalKey, value []byte) error {
	ins := &Inserter{}
	return func(key base.InternalKey, value []byte) error {
		return ins.Add(s, key, value)
	}
}

// length iterates over skiplist to give exact size.
func length(s *Skiplist) int {
	count := 0

	it := s.NewIter()
	defer it.Close()
	for it.First(); it.Valid(); it.Next() {
		count++
	}

	return count
}

// lengthRev iterates over skiplist in reverse order to give exact size.
func lengthRev(s *Skiplist) int {
	count := 0

	it := s.NewIter()
	defer it.Close()
	for it.Last(); it.Valid(); it.Prev() {
		count++
	}

	return count
}

func TestEmpty(t *testing.T) {
	key := makeKey("aaa")
	l := NewSkiplist(newArena(arenaSize), bytes.Compare)
	it := l.NewIter()

	require.False(t, it.Valid())

	it.First()
	require.False(t, it.Valid())

	it.Last()
	require.False(t, it.Valid())

	it.SeekGE(key)
	require.False(t, it.Valid())

	it.SeekLT(key)
	require.False(t, it.Valid())
}

func TestFull(t *testing.T) {
	l := NewSkiplist(newArena(1000), bytes.Compare)

	foundArenaFull := false
	for i := 0; i < 100; i++ {
		err := l.Add(makeIntKey(i), makeValue(i))
		if err == ErrArenaFull {
			foundArenaFull = true
			break
		}
	}

	require.True(t, foundArenaFull)

	err := l.Add(makeIkey("someval"), nil)
	require.Equal(t, ErrArenaFull, err)
}

// TestBasic tests single-threaded seeks and adds.
func TestBasic(t *testing.T) {
	for _, inserter := range []bool{false, true} {
		t.Run(fmt.Sprintf("inserter=%t", inserter), func(t *testing.T) {
			l := NewSkiplist(newArena(arenaSize), bytes.Compare)
			it := l.NewIter()

			add := l.Add
			if inserter {
				add = makeInserterAdd(l)
			}

			// Try adding values.
			require.NoError(t, add(makeIkey("key1"), makeValue(1)))
			require.NoError(t, add(makeIkey("key3"), makeValue(3)))
			require.NoError(t, add(makeIkey("key2"), makeValue(2)))

			it.SeekGE(makeKey("key"))
			require.True(t, it.Valid())
			require.NotEqual(t, "key", string(it.Key().UserKey))

			it.SeekGE(makeKey("key1"))
			require.EqualValues(t, "key1", it.Key().UserKey)
			require.EqualValues(t, makeValue(1), it.Value())

			it.SeekGE(makeKey("key2"))
			require.EqualValues(t, "key2", it.Key().UserKey)
			require.EqualValues(t, makeValue(2), it.Value())

			it.SeekGE(makeKey("key3"))
			require.EqualValues(t, "key3", it.Key().UserKey)
			require.EqualValues(t, makeValue(3), it.Value())

			key := makeIkey("a")
			key.SetSeqNum(1)
			require.NoError(t, add(key, nil))
			key.SetSeqNum(2)
			require.NoError(t, add(key, nil))

			it.SeekGE(makeKey("a"))
			require.True(t, it.Valid())
			require.EqualValues(t, "a", it.Key().UserKey)
			require.EqualValues(t, 2, it.Key().SeqNum())

			require.True(t, it.Next())
			require.EqualValues(t, "a", it.Key().UserKey)
			require.EqualValues(t, 1, it.Key().SeqNum())

			key = makeIkey("b")
			key.SetSeqNum(2)
			require.NoError(t, add(key, nil))
			key.SetSeqNum(1)
			require.NoError(t, add(key, nil))

			it.SeekGE(makeKey("b"))
			require.True(t, it.Valid())
			require.EqualValues(t, "b", it.Key().UserKey)
			require.EqualValues(t, 2, it.Key().SeqNum())

			require.True(t, it.Next())
			require.EqualValues(t, "b", it.Key().UserKey)
			require.EqualValues(t, 1, it.Key().SeqNum())
			require.NoError(t, it.Close())
		})
	}
}

// TestConcurrentBasic tests concurrent writes followed by concurrent reads.
func TestConcurrentBasic(t *testing.T) {
	const n = 1000

	for _, inserter := range []bool{false, true} {
		t.Run(fmt.Sprintf("inserter=%t", inserter), func(t *testing.T) {
			// Set testing flag to make it easier to trigger unusual race conditions.
			l := NewSkiplist(newArena(arenaSize), bytes.Compare)
			l.testing = true

			var wg sync.WaitGroup
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()

					if inserter {
						var ins Inserter
						_ = ins.Add(l, makeIntKey(i), makeValue(i))
					} else {
						_ = l.Add(makeIntKey(i), makeValue(i))
					}
				}(i)
			}
			wg.Wait()

			// Check values. Concurrent reads.
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()

					it := l.NewIter()
					defer it.Close()
					it.SeekGE(makeKey(fmt.Sprintf("%05d", i)))
					require.True(t, it.Valid())
					require.EqualValues(t, fmt.Sprintf("%05d", i), it.Key().UserKey)
				}(i)
			}
			wg.Wait()
			require.Equal(t, n, length(l))
			require.Equal(t, n, lengthRev(l))
		})
	}
}

// TestConcurrentOneKey will read while writing to one single key.
func TestConcurrentOneKey(t *testing.T) {
	const n = 100
	key := makeKey("thekey")

	for _, inserter := range []bool{false, true} {
		t.Run(fmt.Sprintf("inserter=%t", inserter), func(t *testing.T) {
			// Set testing flag to make it easier to trigger unusual race conditions.
			l := NewSkiplist(newArena(arenaSize), bytes.Compare)
			l.testing = true

			var wg sync.WaitGroup
			writeDone := make(chan struct{}, 1)
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func(i int) {
					defer func() {
						wg.Done()
						select {
						case writeDone <- struct{}{}:
						default:
						}
					}()

					ikey := base.MakeInternalKey(key, base.SeqNum(i), base.InternalKeyKindSet)
					if inserter {
						var ins Inserter
						_ = ins.Add(l, ikey, makeValue(i))
					} else {
						_ = l.Add(ikey, makeValue(i))
					}
				}(i)
			}
			// Wait until at least some write made it such that reads return a value.
			<-writeDone
			var sawValue atomic.Int32
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()

					it := l.NewIter()
					defer it.Close()
					it.SeekGE(key)
					require.True(t, it.Valid())
					require.True(t, bytes.Equal(key, it.Key().UserKey))

					sawValue.Add(1)
					v, err := strconv.Atoi(string(it.Value()[1:]))
					require.NoError(t, err)
					require.True(t, 0 <= v && v < n)
				}()
			}
			wg.Wait()
			require.Equal(t, int32(n), sawValue.Load())
			require.Equal(t, n, length(l))
			require.Equal(t, n, lengthRev(l))
		})
	}
}

func TestSkiplistAdd(t *testing.T) {
	for _, inserter := range []bool{false, true} {
		t.Run(fmt.Sprintf("inserter=%t", inserter), func(t *testing.T) {
			l := NewSkiplist(newArena(arenaSize), bytes.Compare)
			it := l.NewIter()

			add := l.Add
			if inserter {
				add = makeInserterAdd(l)
			}

			// Add nil key and value (treated same as empty).
			err := add(base.InternalKey{}, nil)
			require.Nil(t, err)
			it.SeekGE([]byte{})
			require.True(t, it.Valid())
			require.EqualValues(t, []byte{}, it.Key().UserKey)
			require.EqualValues(t, []byte{}, it.Value())

			l = NewSkiplist(newArena(arenaSize), bytes.Compare)
			it = l.NewIter()

			add = l.Add
			if inserter {
				add = makeInserterAdd(l)
			}

			// Add empty key and value (treated same as nil).
			err = add(makeIkey(""), []byte{})
			require.Nil(t, err)
			it.SeekGE([]byte{})
			require.True(t, it.Valid())
			require.EqualValues(t, []byte{}, it.Key().UserKey)
			require.EqualValues(t, []byte{}, it.Value())

			// Add to empty list.
			err = add(makeIntKey(2), makeValue(2))
			require.Nil(t, err)
			it.SeekGE(makeKey("00002"))
			require.EqualValues(t, "00002", it.Key().UserKey)
			require.EqualValues(t, makeValue(2), it.Value())

			// Add first element in non-empty list.
			err = add(makeIntKey(1), makeValue(1))
			require.Nil(t, err)
			it.SeekGE(makeKey("00001"))
			require.EqualValues(t, "00001", it.Key().UserKey)
			require.EqualValues(t, makeValue(1), it.Value())

			// Add last element in non-empty list.
			err = add(makeIntKey(4), makeValue(4))
			require.Nil(t, err)
			it.SeekGE(makeKey("00004"))
			require.EqualValues(t, "00004", it.Key().UserKey)
			require.EqualValues(t, makeValue(4), it.Value())

			// Add element in middle of list.
			err = add(makeIntKey(3), makeValue(3))
			require.Nil(t, err)
			it.SeekGE(makeKey("00003"))
			require.EqualValues(t, "00003", it.Key().UserKey)
			require.EqualValues(t, makeValue(3), it.Value())

			// Try to add element that already exists.
			err = add(makeIntKey(2), nil)
			require.Equal(t, ErrRecordExists, err)
			require.EqualValues(t, "00003", it.Key().UserKey)
			require.EqualValues(t, makeValue(3), it.Value())

			require.Equal(t, 5, length(l))
			require.Equal(t, 5, lengthRev(l))
		})
	}
}

// TestConcurrentAdd races between adding same nodes.
func TestConcurrentAdd(t *testing.T) {
	for _, inserter := range []bool{false, true} {
		t.Run(fmt.Sprintf("inserter=%t", inserter), func(t *testing.T) {
			const n = 100

			// Set testing flag to make it easier to trigger unusual race conditions.
			l := NewSkiplist(newArena(arenaSize), bytes.Compare)
			l.testing = true

			start := make([]sync.WaitGroup, n)
			end := make([]sync.WaitGroup, n)

			for i := 0; i < n; i++ {
				start[i].Add(1)
				end[i].Add(2)
			}

			for f := 0; f < 2; f++ {
				go func(f int) {
					it := l.NewIter()
					add := l.Add
					if inserter {
						add = makeInserterAdd(l)
					}

					for i := 0; i < n; i++ {
						start[i].Wait()

						key := makeIntKey(i)
						if add(key, nil) == nil {
							it.SeekGE(key.UserKey)
							require.True(t, it.Valid())
							require.EqualValues(t, key, it.Key())
						}

						end[i].Done()
					}
				}(f)
			}

			for i := 0; i < n; i++ {
				start[i].Done()
				end[i].Wait()
			}

			require.Equal(t, n, length(l))
			require.Equal(t, n, lengthRev(l))
		})
	}
}

// TestIteratorNext tests a basic iteration over all nodes from the beginning.
func TestIteratorNext(t *testing.T) {
	const n = 100
	l := NewSkiplist(newArena(arenaSize), bytes.Compare)
	it := l.NewIter()

	require.False(t, it.Valid())

	it.First()
	require.False(t, it.Valid())

	for i := n - 1; i >= 0; i-- {
		require.NoError(t, l.Add(makeIntKey(i), makeValue(i)))
	}

	it.First()
	for i := 0; i < n; i++ {
		require.True(t, it.Valid())
		require.EqualValues(t, makeIntKey(i), it.Key())
		require.EqualValues(t, makeValue(i), it.Value())
		it.Next()
	}
	require.False(t, it.Valid())
}

// TestIteratorPrev tests a basic iteration over all nodes from the end.
func TestIteratorPrev(t *testing.T) {
	const n = 100
	l := NewSkiplist(newArena(arenaSize), bytes.Compare)
	it := l.NewIter()

	require.False(t, it.Valid())

	it.Last()
	require.False(t, it.Valid())

	var ins Inserter
	for i := 0; i < n; i++ {
		require.NoError(t, ins.Add(l, makeIntKey(i), makeValue(i)))
	}

	it.Last()
	for i := n - 1; i >= 0; i-- {
		require.True(t, it.Valid())
		require.EqualValues(t, makeIntKey(i), it.Key())
		require.EqualValues(t, makeValue(i), it.Value())
		it.Prev()
	}
	require.False(t, it.Valid())
}

func TestIteratorSeekGE(t *testing.T) {
	const n = 100
	l := NewSkiplist(newArena(arenaSize), bytes.Compare)
	it := l.NewIter()

	// 1000, 1010, 1020, ..., 1990.
	var ins Inserter
	for i := n - 1; i >= 0; i-- {
		v := i*10 + 1000
		require.NoError(t, ins.Add(l, makeIntKey(v), makeValue(v)))
	}

	it.SeekGE(makeKey(""))
	require.True(t, it.Valid())
	require.EqualValues(t, "01000", it.Key().UserKey)
	require.EqualValues(t, "v01000", it.Value())

	it.SeekGE(makeKey("01000"))
	require.EqualValues(t, "01000", it.Key().UserKey)

	it.SeekGE(makeKey("01005"))
	require.EqualValues(t, "01010", it.Key().UserKey)
	require.EqualValues(t, "v01010", it.Value())

	it.SeekGE(makeKey("01010"))
	require.EqualValues(t, "01010", it.Key().UserKey)

	it.SeekGE(makeKey("99999"))
	require.False(t, it.Valid())

	// Test seek for empty key.
	require.NoError(t, ins.Add(l, base.InternalKey{}, nil))
	it.SeekGE([]byte{})
	require.True(t, it.Valid())
	require.EqualValues(t, "", it.Key().UserKey)

	it.SeekGE(makeKey(""))
	require.True(t, it.Valid())
	require.EqualValues(t, "", it.Key().UserKey)
}

func TestIteratorSeekLT(t *testing.T) {
	const n = 100
	l := NewSkiplist(newArena(arenaSize), bytes.Compare)
	it := l.NewIter()

	// 1000, 1010, 1020, ..., 1990.
	var ins Inserter
	for i := n - 1; i >= 0; i-- {
		v := i*10 + 1000
		require.NoError(t, ins.Add(l, makeIntKey(v), makeValue(v)))
	}

	it.SeekLT(makeKey(""))
	require.False(t, it.Valid())

	it.SeekLT(makeKey("01000"))
	require.False(t, it.Valid())

	it.SeekLT(makeKey("01001"))
	require.True(t, it.Valid())
	require.EqualValues(t, "01000", it.Key().UserKey)
	require.EqualValues(t, "v01000", it.Value())

	it.SeekLT(makeKey("01005"))
	require.EqualValues(t, "01000", it.Key().UserKey)

	it.SeekLT(makeKey("01991"))
	require.EqualValues(t, "01990", it.Key().UserKey)
	require.EqualValues(t, "v01990", it.Value())

	it.SeekLT(makeKey("99999"))
	require.EqualValues(t, "01990", it.Key().UserKey)

	// Test seek for empty key.
	require.NoError(t, ins.Add(l, base.InternalKey{}, nil))
	it.SeekLT([]byte{})
	require.False(t, it.Valid())

	it.SeekLT(makeKey("\x01"))
	require.True(t, it.Valid())
	require.EqualValues(t, "", it.Key().UserKey)
}

// TestInternalKeyOrdering checks that entries sharing a user key are ordered
// by descending trailer, and that an identical internal key is rejected.
func TestInternalKeyOrdering(t *testing.T) {
	l := NewSkiplist(newArena(arenaSize), bytes.Compare)
	rng := rand.New(rand.NewSource(0))
	perm := rng.Perm(50)
	for _, i := range perm {
		k := base.MakeInternalKey([]byte("k"), base.SeqNum(i/2), base.InternalKeyKind(i%2))
		require.NoError(t, l.Add(k, nil))
	}
	require.Equal(t, ErrRecordExists,
		l.Add(base.MakeInternalKey([]byte("k"), 3, base.InternalKeyKindSet), nil))

	it := l.NewIter()
	defer it.Close()
	var prev base.InternalKey
	n := 0
	for it.First(); it.Valid(); it.Next() {
		if n > 0 {
			require.Equal(t, -1, base.InternalCompare(bytes.Compare, prev, it.Key()))
		}
		prev = it.Key().Clone()
		n++
	}
	require.Equal(t, 50, n)
}

func TestMaxNodeSize(t *testing.T) {
	// A node with the maximum node size always fits in an arena of that size
	// plus the reserved nil offset.
	const keySize, valueSize = 10, 100
	size := MaxNodeSize(keySize, valueSize)
	a := NewArena(make([]byte, size+1))
	_, err := newNode(a, maxHeight, base.InternalKey{UserKey: make([]byte, keySize)}, make([]byte, valueSize))
	require.NoError(t, err)
}

func randomKey(rng *rand.Rand, b []byte) base.InternalKey {
	key := rng.Uint32()
	key2 := rng.Uint32()
	b[0] = byte(key)
	b[1] = byte(key >> 8)
	b[2] = byte(key2)
	b[3] = byte(key2 >> 8)
	return base.InternalKey{UserKey: b}
}

// Standard test. Some fraction is read. Some fraction is write. Writes have
// to go through mutex lock.
func BenchmarkReadWrite(b *testing.B) {
	for i := 0; i <= 10; i++ {
		readFrac := float32(i) / 10.0
		b.Run(fmt.Sprintf("frac_%d", i*10), func(b *testing.B) {
			l := NewSkiplist(newArena(uint32((b.N+2)*maxNodeSize)), bytes.Compare)
			b.ResetTimer()
			var count int
			b.RunParallel(func(pb *testing.PB) {
				it := l.NewIter()
				rng := rand.New(rand.NewSource(uint64(0)))
				buf := make([]byte, 4)
				for pb.Next() {
					if rng.Float32() < readFrac {
						key := randomKey(rng, buf)
						it.SeekGE(key.UserKey)
						if it.Valid() {
							_ = it.Key()
							count++
						}
					} else {
						_ = l.Add(randomKey(rng, buf), nil)
					}
				}
			})
		})
	}
}
