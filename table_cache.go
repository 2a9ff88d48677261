// Copyright 2013 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package tide

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/errors/oserror"
	"github.com/cockroachdb/swiss"
	"github.com/tidedb/tide/internal/base"
	"github.com/tidedb/tide/sstable"
	"github.com/tidedb/tide/vfs"
)

const (
	// minTableCacheSize is the minimum size of the table cache.
	minTableCacheSize = 64

	// numNonTableCacheFiles is an approximation for the number of MaxOpenFiles
	// that are not used by the table cache.
	numNonTableCacheFiles = 10
)

// tableNewIters creates an iterator over the table described by meta.
type tableNewIters func(meta *fileMetadata) (internalIterator, error)

// tableCacheSize returns the number of tables to keep open for the given
// MaxOpenFiles.
func tableCacheSize(maxOpenFiles int) int {
	size := maxOpenFiles - numNonTableCacheFiles
	if size < minTableCacheSize {
		size = minTableCacheSize
	}
	return size
}

// tableCache keeps a bounded number of table readers open, evicting the
// least recently used one when the bound is exceeded. A reader stays open
// while any iterator over it is open, even after eviction.
type tableCache struct {
	dirname string
	fs      vfs.FS
	opts    sstable.ReaderOptions
	size    int
	// verifyChecksums validates every block of a table when it is opened.
	verifyChecksums bool

	mu struct {
		sync.Mutex
		nodes swiss.Map[base.FileNum, *tableCacheNode]
		lru   tableCacheNode
	}

	hits      atomic.Int64
	misses    atomic.Int64
	iterCount atomic.Int32
	releasing sync.WaitGroup
}

func (c *tableCache) init(cacheID uint64, dirname string, opts *Options, size int) {
	c.dirname = dirname
	c.fs = opts.FS
	c.opts = opts.MakeReaderOptions()
	c.opts.Cache = opts.Cache
	c.opts.CacheID = cacheID
	c.size = size
	c.verifyChecksums = opts.ParanoidChecks
	c.mu.nodes.Init(16)
	c.mu.lru.next = &c.mu.lru
	c.mu.lru.prev = &c.mu.lru
}

func (c *tableCache) newIters(meta *fileMetadata) (internalIterator, error) {
	// Calling findNode gives us the responsibility of decrementing n's
	// refCount. If opening the underlying table resulted in error, then we
	// decrement this straight away. Otherwise, we pass that responsibility to
	// the sstable iterator, which decrements when it is closed.
	n := c.findNode(meta.FileNum)
	<-n.loaded
	if n.err != nil {
		c.unrefNode(n)
		return nil, n.err
	}

	iter := n.reader.NewIter()
	c.iterCount.Add(1)
	iter.SetCloseHook(n.closeHook)
	return iter, nil
}

// get returns a copy of the value and the trailer of the newest entry for key in
// the table whose sequence number is <= seqNum.
func (c *tableCache) get(
	meta *fileMetadata, key []byte, seqNum base.SeqNum,
) ([]byte, base.InternalKeyTrailer, error) {
	n := c.findNode(meta.FileNum)
	<-n.loaded
	defer c.unrefNode(n)
	if n.err != nil {
		return nil, 0, n.err
	}
	value, trailer, err := n.reader.InternalGet(key, seqNum)
	if err != nil {
		return nil, 0, err
	}
	return append([]byte(nil), value...), trailer, nil
}

// approximateOffsetOf returns the approximate offset of key within the
// table.
func (c *tableCache) approximateOffsetOf(meta *fileMetadata, key []byte) (uint64, error) {
	n := c.findNode(meta.FileNum)
	<-n.loaded
	defer c.unrefNode(n)
	if n.err != nil {
		return 0, n.err
	}
	return n.reader.ApproximateOffsetOf(key), nil
}

// releaseNode releases a node from the tableCache.
//
// c.mu must be held when calling this.
func (c *tableCache) releaseNode(n *tableCacheNode) {
	c.mu.nodes.Delete(n.fileNum)
	n.next.prev = n.prev
	n.prev.next = n.next
	n.prev = nil
	n.next = nil
	c.unrefNode(n)
}

// unrefNode decrements the reference count for the specified node, releasing
// it if the reference count fell to 0. Note that the node has a reference if
// it is present in tableCache.mu.nodes, so a reference count of 0 means the
// node has already been removed from that map.
func (c *tableCache) unrefNode(n *tableCacheNode) {
	if n.refCount.Add(-1) == 0 {
		c.releasing.Add(1)
		go n.release(c)
	}
}

// findNode returns the node for the table with the given file number, creating
// that node if it didn't already exist. The caller is responsible for
// decrementing the returned node's refCount. Concurrent lookups of a table
// that is not open share a single load.
func (c *tableCache) findNode(fileNum base.FileNum) *tableCacheNode {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.mu.nodes.Get(fileNum)
	if !ok {
		c.misses.Add(1)
		n = &tableCacheNode{
			fileNum: fileNum,
			loaded:  make(chan struct{}),
		}
		// Cache the closure invoked when an iterator is closed. This avoids an
		// allocation on every call to newIters.
		n.closeHook = func(*sstable.Iterator) error {
			c.unrefNode(n)
			c.iterCount.Add(-1)
			return nil
		}
		n.refCount.Store(1)
		c.mu.nodes.Put(fileNum, n)
		if c.mu.nodes.Len() > c.size {
			// Release the tail node.
			c.releaseNode(c.mu.lru.prev)
		}
		go n.load(c)
	} else {
		c.hits.Add(1)
		// Remove n from the doubly-linked list.
		n.next.prev = n.prev
		n.prev.next = n.next
	}
	// Insert n at the front of the doubly-linked list.
	n.next = c.mu.lru.next
	n.prev = &c.mu.lru
	n.next.prev = n
	n.prev.next = n
	// The caller is responsible for decrementing the refCount.
	n.refCount.Add(1)
	return n
}

// evict drops the table from the cache, along with its cached blocks. The
// reader is closed once every open iterator over it is closed.
func (c *tableCache) evict(fileNum base.FileNum) {
	c.mu.Lock()
	if n, ok := c.mu.nodes.Get(fileNum); ok {
		c.releaseNode(n)
	}
	c.mu.Unlock()

	if c.opts.Cache != nil {
		c.opts.Cache.EvictFile(c.opts.CacheID, uint64(fileNum))
	}
}

// openCount returns the number of tables in the cache.
func (c *tableCache) openCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mu.nodes.Len()
}

func (c *tableCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v := c.iterCount.Load(); v > 0 {
		return errors.Errorf("leaked iterators: %d", errors.Safe(v))
	}

	for n := c.mu.lru.next; n != &c.mu.lru; n = n.next {
		if n.refCount.Add(-1) == 0 {
			c.releasing.Add(1)
			go n.release(c)
		}
	}
	c.mu.nodes.Clear()
	c.mu.lru.next = &c.mu.lru
	c.mu.lru.prev = &c.mu.lru

	c.releasing.Wait()
	return nil
}

type tableCacheNode struct {
	closeHook func(i *sstable.Iterator) error

	fileNum base.FileNum
	reader  *sstable.Reader
	err     error
	loaded  chan struct{}

	// The remaining fields are protected by the tableCache mutex.

	next, prev *tableCacheNode
	refCount   atomic.Int32
}

func (n *tableCacheNode) load(c *tableCache) {
	defer close(n.loaded)
	f, err := c.fs.Open(base.MakeFilepath(c.fs, c.dirname, fileTypeTable, n.fileNum))
	if oserror.IsNotExist(err) {
		// Tables written by LevelDB before 1.14 use the .ldb extension.
		f, err = c.fs.Open(c.fs.PathJoin(c.dirname, fmt.Sprintf("%s.ldb", n.fileNum)))
	}
	if err != nil {
		n.err = errors.Wrapf(err, "tide: opening table %s", n.fileNum)
		return
	}
	opts := c.opts
	opts.FileNum = n.fileNum
	n.reader, n.err = sstable.NewReader(f, opts)
	if n.err == nil && c.verifyChecksums {
		n.err = n.reader.ValidateBlockChecksums()
	}
}

func (n *tableCacheNode) release(c *tableCache) {
	<-n.loaded
	// Nothing to be done about an error at this point. Close the reader if it is
	// open.
	if n.reader != nil {
		_ = n.reader.Close()
	}
	c.releasing.Done()
}
