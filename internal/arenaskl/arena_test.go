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
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func newArena(n uint32) *Arena {
	return NewArena(make([]byte, n))
}

// TestArenaSizeOverflow tests that large allocations do not cause Arena's
// internal size accounting to overflow and produce incorrect results.
func TestArenaSizeOverflow(t *testing.T) {
	a := newArena(1 << 20)

	// Allocating under the limit throws no error.
	offset, _, err := a.alloc(math.MaxUint16, 1, 0)
	require.Nil(t, err)
	require.Equal(t, uint32(1), offset)
	require.Equal(t, uint32(math.MaxUint16)+1, a.Size())

	// Allocating over the limit could cause an accounting
	// overflow if 32-bit arithmetic was used. It shouldn't.
	_, _, err = a.alloc(math.MaxUint32, 1, 0)
	require.Equal(t, ErrArenaFull, err)
	require.Equal(t, uint32(math.MaxUint32), a.Size())

	// Continuing to allocate continues to throw an error.
	_, _, err = a.alloc(math.MaxUint16, 1, 0)
	require.Equal(t, ErrArenaFull, err)
	require.Equal(t, uint32(math.MaxUint32), a.Size())
}

func TestArenaAlignment(t *testing.T) {
	a := newArena(1024)
	for i := 0; i < 10; i++ {
		offset, padded, err := a.alloc(uint32(i+1), nodeAlignment, 0)
		require.NoError(t, err)
		require.Zero(t, offset%nodeAlignment)
		require.Equal(t, uint32(i+1+nodeAlignment-1), padded)
	}
	require.Equal(t, uint32(1024), a.Capacity())
}

// TestNodeArenaEnd tests allocating a node at the boundary of an arena. The
// full node struct must lie inside the arena even though the unused part of
// its tower is never accessed.
func TestNodeArenaEnd(t *testing.T) {
	ikey := makeIkey("a")
	val := []byte("b")

	// Try allocating using successively larger arena sizes until we allocate
	// successfully.
	for i := uint32(1); i < 512; i++ {
		a := newArena(i)
		_, err := newNode(a, 1, ikey, val)
		if err == nil {
			require.LessOrEqual(t, uint64(a.n.Load())+uint64((maxHeight-1)*linksSize), uint64(i))
			return
		}
		require.Equal(t, ErrArenaFull, err)
	}
	t.Fatal("unable to allocate a node")
}
