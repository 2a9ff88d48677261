// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package vfs

import (
	"fmt"
	"io"
	"maps"
	"os"
	"path"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/errors/oserror"
)

const sep = "/"

var (
	errEmptyName = errors.New("tide/vfs: empty file name")
	errNotDir    = errors.New("tide/vfs: not a directory")
	errIsDir     = errors.New("tide/vfs: is a directory")
	errNotEmpty  = errors.New("tide/vfs: directory not empty")
	errReadOnly  = errors.New("tide/vfs: file was not created for writing")
)

// MemFS is an FS held entirely in memory. Its root is also its working
// directory, so "/db", "db" and "./db" name the same directory.
//
// A MemFS created by NewCrashableMem also tracks what has been synced, and
// CrashClone returns the filesystem a crash would leave behind: files hold
// the data of their last Sync, and a directory holds the entries it had at
// its last Sync. Everything else is lost.
type MemFS struct {
	// mu guards the directory tree and locks.
	mu    sync.Mutex
	root  *memNode
	locks map[string]bool

	// freeze is held exclusively by CrashClone and shared by every mutation.
	freeze    sync.RWMutex
	crashable bool
}

var _ FS = (*MemFS)(nil)

// NewMem returns an empty in-memory FS.
func NewMem() *MemFS {
	return &MemFS{root: newDirNode()}
}

// NewCrashableMem returns an empty in-memory FS that supports CrashClone.
func NewCrashableMem() *MemFS {
	return &MemFS{root: newDirNode(), crashable: true}
}

// NewMemFile returns a read-only File holding data, which it takes
// ownership of.
func NewMemFile(data []byte) File {
	n := &memNode{}
	n.mu.data = data
	n.mu.modTime = time.Now()
	return n.open(nil, "", false)
}

// CrashClone returns a copy of the filesystem holding only its synced state.
// The clone is itself crashable. It panics unless y was created by
// NewCrashableMem.
func (y *MemFS) CrashClone() *MemFS {
	if !y.crashable {
		panic("tide/vfs: CrashClone of a MemFS that does not track syncs")
	}
	y.freeze.Lock()
	defer y.freeze.Unlock()
	y.mu.Lock()
	defer y.mu.Unlock()
	return &MemFS{root: y.root.synced(), crashable: true}
}

// splitPath returns the components of name. Empty and "." components are
// dropped.
func splitPath(name string) []string {
	var parts []string
	for _, p := range strings.Split(name, sep) {
		if p != "" && p != "." {
			parts = append(parts, p)
		}
	}
	return parts
}

// lookupDir follows parts from the root; each must name a directory. y.mu
// must be held.
func (y *MemFS) lookupDir(op, name string, parts []string) (*memNode, error) {
	dir := y.root
	for _, p := range parts {
		child, ok := dir.children[p]
		if !ok {
			return nil, &os.PathError{Op: op, Path: name, Err: oserror.ErrNotExist}
		}
		if !child.isDir {
			return nil, &os.PathError{Op: op, Path: name, Err: errNotDir}
		}
		dir = child
	}
	return dir, nil
}

// parent returns the directory holding name and name's last component. y.mu
// must be held.
func (y *MemFS) parent(op, name string) (*memNode, string, error) {
	parts := splitPath(name)
	if len(parts) == 0 {
		return nil, "", &os.PathError{Op: op, Path: name, Err: errEmptyName}
	}
	dir, err := y.lookupDir(op, name, parts[:len(parts)-1])
	if err != nil {
		return nil, "", err
	}
	return dir, parts[len(parts)-1], nil
}

// find returns the node named by name and its base name. An empty name is
// the root. y.mu must be held.
func (y *MemFS) find(op, name string) (*memNode, string, error) {
	parts := splitPath(name)
	if len(parts) == 0 {
		return y.root, sep, nil
	}
	dir, base, err := y.parent(op, name)
	if err != nil {
		return nil, "", err
	}
	n, ok := dir.children[base]
	if !ok {
		return nil, "", &os.PathError{Op: op, Path: name, Err: oserror.ErrNotExist}
	}
	return n, base, nil
}

// mutate runs fn with the tree locked and CrashClone held off.
func (y *MemFS) mutate(fn func() error) error {
	y.freeze.RLock()
	defer y.freeze.RUnlock()
	y.mu.Lock()
	defer y.mu.Unlock()
	return fn()
}

// Create implements FS.Create.
func (y *MemFS) Create(name string) (File, error) {
	var f *memFile
	err := y.mutate(func() error {
		dir, base, err := y.parent("create", name)
		if err != nil {
			return err
		}
		if old, ok := dir.children[base]; ok && old.isDir {
			return &os.PathError{Op: "create", Path: name, Err: errIsDir}
		}
		n := &memNode{}
		dir.children[base] = n
		f = n.open(y, base, true)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return f, nil
}

// Open implements FS.Open.
func (y *MemFS) Open(name string, opts ...OpenOption) (File, error) {
	f, err := y.openNode(name)
	if err != nil {
		return nil, err
	}
	for _, opt := range opts {
		opt.Apply(f)
	}
	return f, nil
}

// OpenDir implements FS.OpenDir.
func (y *MemFS) OpenDir(name string) (File, error) {
	return y.openNode(name)
}

func (y *MemFS) openNode(name string) (File, error) {
	y.mu.Lock()
	defer y.mu.Unlock()
	n, base, err := y.find("open", name)
	if err != nil {
		return nil, err
	}
	return n.open(y, base, false), nil
}

// Remove implements FS.Remove.
func (y *MemFS) Remove(name string) error {
	return y.mutate(func() error {
		dir, base, err := y.parent("remove", name)
		if err != nil {
			return err
		}
		n, ok := dir.children[base]
		if !ok {
			return &os.PathError{Op: "remove", Path: name, Err: oserror.ErrNotExist}
		}
		if len(n.children) > 0 {
			return &os.PathError{Op: "remove", Path: name, Err: errNotEmpty}
		}
		delete(dir.children, base)
		return nil
	})
}

// RemoveAll implements FS.RemoveAll. A missing name, or a missing parent,
// is not an error.
func (y *MemFS) RemoveAll(name string) error {
	err := y.mutate(func() error {
		dir, base, err := y.parent("remove", name)
		if err != nil {
			return err
		}
		delete(dir.children, base)
		return nil
	})
	if oserror.IsNotExist(err) {
		return nil
	}
	return err
}

// Rename implements FS.Rename. Both parent directories must exist.
func (y *MemFS) Rename(oldname, newname string) error {
	return y.mutate(func() error {
		from, oldBase, err := y.parent("rename", oldname)
		if err != nil {
			return err
		}
		n, ok := from.children[oldBase]
		if !ok {
			return &os.PathError{Op: "rename", Path: oldname, Err: oserror.ErrNotExist}
		}
		to, newBase, err := y.parent("rename", newname)
		if err != nil {
			return err
		}
		delete(from.children, oldBase)
		to.children[newBase] = n
		return nil
	})
}

// MkdirAll implements FS.MkdirAll.
func (y *MemFS) MkdirAll(dirname string, perm os.FileMode) error {
	return y.mutate(func() error {
		dir := y.root
		for _, p := range splitPath(dirname) {
			child, ok := dir.children[p]
			if !ok {
				child = newDirNode()
				dir.children[p] = child
			} else if !child.isDir {
				return &os.PathError{Op: "mkdir", Path: dirname, Err: errNotDir}
			}
			dir = child
		}
		return nil
	})
}

// Lock implements FS.Lock. Locks exclude other lockers of the same MemFS,
// so a database reopened on one MemFS sees the same exclusion as one
// reopened by another process.
func (y *MemFS) Lock(name string) (io.Closer, error) {
	y.mu.Lock()
	if y.locks[name] {
		y.mu.Unlock()
		return nil, syscall.EAGAIN
	}
	if y.locks == nil {
		y.locks = make(map[string]bool)
	}
	y.locks[name] = true
	y.mu.Unlock()

	// The lock file shows up in listings, and its directory must exist.
	f, err := y.Create(name)
	if err != nil {
		y.unlock(name)
		return nil, err
	}
	return &memFileLock{fs: y, f: f, name: name}, nil
}

func (y *MemFS) unlock(name string) {
	y.mu.Lock()
	delete(y.locks, name)
	y.mu.Unlock()
}

// List implements FS.List.
func (y *MemFS) List(dirname string) ([]string, error) {
	y.mu.Lock()
	defer y.mu.Unlock()
	dir, err := y.lookupDir("open", dirname, splitPath(dirname))
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(dir.children))
	for name := range dir.children {
		names = append(names, name)
	}
	return names, nil
}

// Stat implements FS.Stat.
func (y *MemFS) Stat(name string) (os.FileInfo, error) {
	y.mu.Lock()
	n, base, err := y.find("stat", name)
	y.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return n.stat(base), nil
}

// PathBase implements FS.PathBase. MemFS always separates with "/".
func (*MemFS) PathBase(p string) string {
	return path.Base(p)
}

// PathJoin implements FS.PathJoin.
func (*MemFS) PathJoin(elem ...string) string {
	return path.Join(elem...)
}

// PathDir implements FS.PathDir.
func (*MemFS) PathDir(p string) string {
	return path.Dir(p)
}

// memNode is a file or a directory.
type memNode struct {
	isDir bool
	// refs counts open memFiles.
	refs atomic.Int32

	// children and syncedChildren are guarded by MemFS.mu. syncedChildren is
	// nil until the directory is first synced.
	children       map[string]*memNode
	syncedChildren map[string]*memNode

	mu struct {
		sync.Mutex
		data       []byte
		syncedData []byte
		modTime    time.Time
	}
}

func newDirNode() *memNode {
	return &memNode{isDir: true, children: make(map[string]*memNode)}
}

func (n *memNode) open(fs *MemFS, name string, write bool) *memFile {
	n.refs.Add(1)
	return &memFile{name: name, n: n, fs: fs, write: write}
}

func (n *memNode) stat(name string) os.FileInfo {
	n.mu.Lock()
	defer n.mu.Unlock()
	return &memFileInfo{
		name:    name,
		size:    int64(len(n.mu.data)),
		modTime: n.mu.modTime,
		isDir:   n.isDir,
	}
}

// synced returns a copy of the subtree rooted at n as of its last syncs. The
// caller holds MemFS.freeze exclusively.
func (n *memNode) synced() *memNode {
	if n.isDir {
		c := newDirNode()
		for name, child := range n.syncedChildren {
			c.children[name] = child.synced()
		}
		c.syncedChildren = maps.Clone(c.children)
		return c
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	c := &memNode{}
	c.mu.data = slices.Clone(n.mu.syncedData)
	c.mu.syncedData = slices.Clone(n.mu.syncedData)
	c.mu.modTime = n.mu.modTime
	return c
}

// memFile is an open handle on a memNode.
type memFile struct {
	name  string
	n     *memNode
	fs    *MemFS // nil for NewMemFile
	pos   int64
	write bool
}

var _ File = (*memFile)(nil)

func (f *memFile) Close() error {
	if refs := f.n.refs.Add(-1); refs < 0 {
		panic(fmt.Sprintf("tide/vfs: close of unopened file: %d", refs))
	}
	// Any later use of f panics.
	f.n = nil
	return nil
}

func (f *memFile) Read(p []byte) (int, error) {
	n, err := f.ReadAt(p, f.pos)
	f.pos += int64(n)
	if err == io.EOF && n > 0 {
		err = nil
	}
	return n, err
}

func (f *memFile) ReadAt(p []byte, off int64) (int, error) {
	if f.n.isDir {
		return 0, errIsDir
	}
	f.n.mu.Lock()
	defer f.n.mu.Unlock()
	if off >= int64(len(f.n.mu.data)) {
		return 0, io.EOF
	}
	n := copy(p, f.n.mu.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (f *memFile) Write(p []byte) (int, error) {
	if !f.write {
		return 0, errReadOnly
	}
	if f.fs != nil {
		f.fs.freeze.RLock()
		defer f.fs.freeze.RUnlock()
	}
	f.n.mu.Lock()
	defer f.n.mu.Unlock()
	end := f.pos + int64(len(p))
	if grow := end - int64(len(f.n.mu.data)); grow > 0 {
		f.n.mu.data = append(f.n.mu.data, make([]byte, grow)...)
	}
	copy(f.n.mu.data[f.pos:end], p)
	f.n.mu.modTime = time.Now()
	f.pos = end
	return len(p), nil
}

func (f *memFile) Stat() (os.FileInfo, error) {
	return f.n.stat(f.name), nil
}

// Sync records the current state of a file's data, or of a directory's
// entries, as what survives a crash.
func (f *memFile) Sync() error {
	if f.fs == nil || !f.fs.crashable {
		return nil
	}
	f.fs.freeze.RLock()
	defer f.fs.freeze.RUnlock()
	if f.n.isDir {
		f.fs.mu.Lock()
		f.n.syncedChildren = maps.Clone(f.n.children)
		f.fs.mu.Unlock()
		return nil
	}
	f.n.mu.Lock()
	f.n.mu.syncedData = append(f.n.mu.syncedData[:0], f.n.mu.data...)
	f.n.mu.Unlock()
	return nil
}

type memFileInfo struct {
	name    string
	size    int64
	modTime time.Time
	isDir   bool
}

var _ os.FileInfo = (*memFileInfo)(nil)

func (fi *memFileInfo) Name() string       { return fi.name }
func (fi *memFileInfo) Size() int64        { return fi.size }
func (fi *memFileInfo) ModTime() time.Time { return fi.modTime }
func (fi *memFileInfo) IsDir() bool        { return fi.isDir }
func (fi *memFileInfo) Sys() any           { return nil }

func (fi *memFileInfo) Mode() os.FileMode {
	if fi.isDir {
		return os.ModeDir | 0755
	}
	return 0644
}

type memFileLock struct {
	fs   *MemFS
	f    File
	name string
}

func (l *memFileLock) Close() error {
	if l.fs == nil {
		return nil
	}
	l.fs.unlock(l.name)
	l.fs = nil
	return l.f.Close()
}
