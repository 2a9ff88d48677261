// Copyright 2023 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package tide

import (
	"fmt"
	"math/rand"
	"slices"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/metamorphic"
	"github.com/stretchr/testify/require"
	"github.com/tidedb/tide/vfs"
)

// modelView returns the "k:v" pairs of a model in key order.
func modelView(model map[string]string) []string {
	keys := make([]string, 0, len(model))
	for k := range model {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	res := make([]string, len(keys))
	for i, k := range keys {
		res[i] = k + ":" + model[k]
	}
	return res
}

// TestRandomOperations runs a random mix of writes, reads, flushes,
// compactions, snapshots and reopens against a DB and checks every read
// against a map holding the expected contents.
func TestRandomOperations(t *testing.T) {
	seed := time.Now().UnixNano()
	t.Logf("seed %d", seed)
	rng := rand.New(rand.NewSource(seed))

	mem := vfs.NewMem()
	opts := func() *Options {
		return &Options{
			FS:                    mem,
			L0CompactionThreshold: 2,
			MemTableSize:          64 << 10,
			Levels:                []LevelOptions{{TargetFileSize: 4 << 10}},
		}
	}
	d, err := Open("db", opts())
	require.NoError(t, err)

	model := map[string]string{}
	randKey := func() string { return fmt.Sprintf("k%03d", rng.Intn(200)) }
	var n int

	ops := metamorphic.Weighted[func()]{
		{Weight: 20, Item: func() {
			k := randKey()
			n++
			v := fmt.Sprintf("v%d", n)
			require.NoError(t, d.Set([]byte(k), []byte(v), nil))
			model[k] = v
		}},
		{Weight: 5, Item: func() {
			k := randKey()
			require.NoError(t, d.Delete([]byte(k), nil))
			delete(model, k)
		}},
		{Weight: 3, Item: func() {
			b := d.NewBatch()
			updates := map[string]string{}
			for i := rng.Intn(10); i >= 0; i-- {
				k := randKey()
				if rng.Intn(4) == 0 {
					require.NoError(t, b.Delete([]byte(k), nil))
					updates[k] = ""
					continue
				}
				n++
				v := fmt.Sprintf("v%d", n)
				require.NoError(t, b.Set([]byte(k), []byte(v), nil))
				updates[k] = v
			}
			require.NoError(t, b.Commit(nil))
			for k, v := range updates {
				if v == "" {
					delete(model, k)
				} else {
					model[k] = v
				}
			}
		}},
		{Weight: 10, Item: func() {
			k := randKey()
			v, err := d.Get([]byte(k))
			want, ok := model[k]
			if !ok {
				require.True(t, errors.Is(err, ErrNotFound), "%s: %v", k, err)
				return
			}
			require.NoError(t, err, k)
			require.Equal(t, want, string(v), k)
		}},
		{Weight: 1, Item: func() {
			require.Equal(t, modelView(model), scan(t, d.NewIter(nil)))
		}},
		{Weight: 1, Item: func() {
			want := modelView(model)
			slices.Reverse(want)
			require.Equal(t, want, scanReverse(t, d.NewIter(nil)))
		}},
		{Weight: 2, Item: func() {
			require.NoError(t, d.Flush())
		}},
		{Weight: 1, Item: func() {
			a, b := randKey(), randKey()
			if a > b {
				a, b = b, a
			}
			require.NoError(t, d.Compact([]byte(a), []byte(b)))
		}},
		{Weight: 1, Item: func() {
			snap := d.NewSnapshot()
			frozen := modelView(model)
			for i := 0; i < 5; i++ {
				k := randKey()
				n++
				v := fmt.Sprintf("v%d", n)
				require.NoError(t, d.Set([]byte(k), []byte(v), nil))
				model[k] = v
			}
			require.NoError(t, d.Flush())
			require.Equal(t, frozen, scan(t, snap.NewIter(nil)))
			require.NoError(t, snap.Close())
		}},
		{Weight: 1, Item: func() {
			require.NoError(t, d.Close())
			d, err = Open("db", opts())
			require.NoError(t, err)
		}},
	}
	nextOp := ops.RandomDeck(rng)
	for i := 0; i < 2000; i++ {
		nextOp()()
	}

	require.Equal(t, modelView(model), scan(t, d.NewIter(nil)))
	require.NoError(t, d.CheckLevels(nil))
	require.NoError(t, d.Close())
}
