// Copyright 2019 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package tide

import "github.com/tidedb/tide/internal/cache"

// Cache exports the cache.Cache type.
type Cache = cache.Cache

// CacheMetrics exports the cache.Metrics type.
type CacheMetrics = cache.Metrics

// NewCache creates a new cache of the specified size. Memory for the cache is
// allocated on demand, not during initialization. The returned cache carries
// one reference that the caller releases with Unref once every DB using it
// has been opened.
func NewCache(size int64) *cache.Cache {
	return cache.New(size)
}
