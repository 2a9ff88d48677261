// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package tide

import (
	"bytes"
	"io"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/tidedb/tide/internal/base"
	"github.com/tidedb/tide/internal/manifest"
	"github.com/tidedb/tide/record"
	"github.com/tidedb/tide/vfs"
)

// Provide type aliases for the various manifest structs.
type bulkVersionEdit = manifest.BulkVersionEdit
type deletedFileEntry = manifest.DeletedFileEntry
type fileMetadata = manifest.FileMetadata
type newFileEntry = manifest.NewFileEntry
type version = manifest.Version
type versionEdit = manifest.VersionEdit
type versionList = manifest.VersionList

// versionSet manages a collection of immutable versions, and manages the
// creation of a new version from the most recent version. A new version is
// created from an existing version by applying a version edit which is just
// like it sounds: a delta from the previous version. Version edits are logged
// to the manifest file, which is replayed at startup.
type versionSet struct {
	// Immutable fields.
	dirname string
	mu      *sync.Mutex
	opts    *Options
	fs      vfs.FS
	cmp     Compare
	cmpName string

	// Mutable fields.
	versions versionList

	metrics Metrics

	// A pointer to versionSet.addObsoleteLocked. Avoids allocating a new closure
	// on the creation of every version.
	obsoleteFn        func(obsolete []*fileMetadata)
	obsoleteTables    []*fileMetadata
	obsoleteManifests []base.FileNum

	// logNum is the smallest WAL file number whose mutations have not been
	// flushed to a table. prevLogNum is only ever set by manifests written by
	// older LevelDB versions.
	logNum     base.FileNum
	prevLogNum base.FileNum

	// The next file number. A single counter is used to assign file numbers
	// for the WAL, MANIFEST, table, and OPTIONS files.
	nextFileNum base.FileNum

	// lastSeqNum is the largest sequence number assigned to a batch. It is
	// protected by DB.mu. visibleSeqNum is the largest sequence number that
	// has been applied to the memtable, and is read without DB.mu by readers.
	lastSeqNum    base.SeqNum
	visibleSeqNum base.AtomicSeqNum

	// compactPointers holds, per level, the largest key of the last
	// size-triggered compaction. The next one starts just after it.
	compactPointers [numLevels]InternalKey

	// The current manifest file number.
	manifestFileNum base.FileNum

	manifestFile vfs.File
	manifest     *record.Writer

	writing    bool
	writerCond sync.Cond
}

func (vs *versionSet) init(dirname string, opts *Options, mu *sync.Mutex) {
	vs.dirname = dirname
	vs.mu = mu
	vs.writerCond.L = mu
	vs.opts = opts
	vs.fs = opts.FS
	vs.cmp = opts.Comparer.Compare
	vs.cmpName = opts.Comparer.Name
	vs.versions.Init(mu)
	vs.obsoleteFn = vs.addObsoleteLocked
	vs.nextFileNum = 1
}

// create creates a version set for a fresh DB.
func (vs *versionSet) create(
	jobID int, dirname string, dir vfs.File, opts *Options, mu *sync.Mutex,
) error {
	vs.init(dirname, opts, mu)
	newVersion := &version{}
	vs.append(newVersion)

	// Note that a "snapshot" version edit is written to the manifest when it is
	// created.
	vs.manifestFileNum = vs.getNextFileNum()
	err := vs.createManifest(vs.dirname, vs.manifestFileNum)
	if err == nil {
		err = vs.manifestFile.Sync()
	}
	if err == nil {
		err = setCurrentFile(vs.dirname, vs.fs, vs.manifestFileNum)
	}
	if err == nil {
		err = dir.Sync()
	}

	vs.opts.EventListener.ManifestCreated(ManifestCreateInfo{
		JobID:   jobID,
		Path:    base.MakeFilepath(vs.fs, vs.dirname, fileTypeManifest, vs.manifestFileNum),
		FileNum: vs.manifestFileNum,
		Err:     err,
	})
	return err
}

// load loads the version set from the manifest file.
func (vs *versionSet) load(dirname string, opts *Options, mu *sync.Mutex) error {
	vs.init(dirname, opts, mu)

	// Read the CURRENT file to find the current manifest file.
	manifestFileNum, err := readCurrentFile(dirname, vs.fs)
	if err != nil {
		return err
	}
	vs.manifestFileNum = manifestFileNum
	manifestPath := base.MakeFilepath(vs.fs, dirname, fileTypeManifest, manifestFileNum)

	// Read the versionEdits in the manifest file.
	var bve bulkVersionEdit
	manifestFile, err := vs.fs.Open(manifestPath, vfs.SequentialReadsOption)
	if err != nil {
		return errors.Wrapf(err, "tide: could not open manifest file %q for DB %q",
			errors.Safe(vs.fs.PathBase(manifestPath)), dirname)
	}
	defer manifestFile.Close()
	var haveNextFileNum bool
	rr := record.NewReader(manifestFile)
	for {
		r, err := rr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.Wrapf(base.MarkCorruptionError(err), "tide: error when loading manifest file %q",
				errors.Safe(vs.fs.PathBase(manifestPath)))
		}
		var ve versionEdit
		if err := ve.Decode(r); err != nil {
			return errors.Wrapf(err, "tide: error when loading manifest file %q",
				errors.Safe(vs.fs.PathBase(manifestPath)))
		}
		if ve.ComparerName != "" && ve.ComparerName != vs.cmpName {
			return errors.Errorf("tide: manifest file %q for DB %q: "+
				"comparer name from file %q != comparer name from Options %q",
				errors.Safe(vs.fs.PathBase(manifestPath)), dirname,
				errors.Safe(ve.ComparerName), errors.Safe(vs.cmpName))
		}
		bve.Accumulate(&ve)
		if ve.LogNum != 0 {
			vs.logNum = ve.LogNum
		}
		if ve.PrevLogNum != 0 {
			vs.prevLogNum = ve.PrevLogNum
		}
		if ve.NextFileNum != 0 {
			vs.nextFileNum = ve.NextFileNum
			haveNextFileNum = true
		}
		if ve.LastSeqNum != 0 {
			vs.lastSeqNum = ve.LastSeqNum
		}
		for _, cp := range ve.CompactPointers {
			vs.compactPointers[cp.Level] = cp.Key.Clone()
		}
	}
	if !haveNextFileNum {
		return base.CorruptionErrorf("tide: manifest file %q for DB %q has no next file number",
			errors.Safe(vs.fs.PathBase(manifestPath)), dirname)
	}
	vs.markFileNumUsed(vs.logNum)
	vs.markFileNumUsed(vs.prevLogNum)
	vs.markFileNumUsed(manifestFileNum)
	vs.visibleSeqNum.Store(vs.lastSeqNum)

	newVersion, err := bve.Apply(nil, vs.cmp, opts.Comparer.FormatKey)
	if err != nil {
		return err
	}
	for _, files := range newVersion.Files {
		for _, f := range files {
			vs.markFileNumUsed(f.FileNum)
		}
	}
	// Apply referenced every file once on behalf of the new version, and
	// append takes the version's own reference.
	vs.computeCompactionScore(newVersion)
	vs.append(newVersion)
	vs.updateLevelMetrics(newVersion)
	return nil
}

func (vs *versionSet) close() error {
	if vs.manifest != nil {
		if err := vs.manifest.Close(); err != nil {
			return err
		}
		vs.manifest = nil
	}
	if vs.manifestFile != nil {
		if err := vs.manifestFile.Close(); err != nil {
			return err
		}
		vs.manifestFile = nil
	}
	return nil
}

// logLock locks the manifest for writing. The lock must be released by either
// a call to logUnlock or logAndApply.
//
// DB.mu must be held when calling this method.
func (vs *versionSet) logLock() {
	// Wait for any existing writing to the manifest to complete, then mark the
	// manifest as busy.
	for vs.writing {
		vs.writerCond.Wait()
	}
	vs.writing = true
}

// logUnlock releases the lock for manifest writing.
//
// DB.mu must be held when calling this method.
func (vs *versionSet) logUnlock() {
	if !vs.writing {
		vs.opts.Logger.Fatalf("MANIFEST not locked for writing")
	}
	vs.writing = false
	vs.writerCond.Signal()
}

// logAndApply logs the version edit to the manifest, applies the version edit
// to the current version, and installs the new version.
//
// DB.mu must be held when calling this method and will be released temporarily
// while performing file I/O. Requires that the manifest is locked for writing
// (see logLock). Will unconditionally release the manifest lock (via
// logUnlock) even if an error occurs.
func (vs *versionSet) logAndApply(
	jobID int, ve *versionEdit, metrics map[int]*LevelMetrics, dir vfs.File,
) error {
	if !vs.writing {
		vs.opts.Logger.Fatalf("MANIFEST not locked for writing")
	}
	defer vs.logUnlock()

	if ve.LogNum != 0 {
		if ve.LogNum < vs.logNum || vs.nextFileNum <= ve.LogNum {
			panic(errors.AssertionFailedf("tide: inconsistent versionEdit logNum %d", ve.LogNum))
		}
	} else {
		ve.LogNum = vs.logNum
	}
	ve.NextFileNum = vs.nextFileNum
	ve.LastSeqNum = vs.lastSeqNum
	for _, cp := range ve.CompactPointers {
		vs.compactPointers[cp.Level] = cp.Key.Clone()
	}

	currentVersion := vs.currentVersion()
	var newVersion *version

	// Generate a new manifest if we don't currently have one, or the current one
	// is too large.
	var newManifestFileNum base.FileNum
	if vs.manifest == nil || vs.manifest.Size() >= vs.opts.MaxManifestFileSize {
		newManifestFileNum = vs.getNextFileNum()
		// The new manifest's file number must be recorded as used.
		ve.NextFileNum = vs.nextFileNum
	}

	if err := func() error {
		vs.mu.Unlock()
		defer vs.mu.Lock()

		var bve bulkVersionEdit
		bve.Accumulate(ve)

		var err error
		newVersion, err = bve.Apply(currentVersion, vs.cmp, vs.opts.Comparer.FormatKey)
		if err != nil {
			return err
		}

		if newManifestFileNum != 0 {
			if err := vs.createManifest(vs.dirname, newManifestFileNum); err != nil {
				vs.opts.EventListener.ManifestCreated(ManifestCreateInfo{
					JobID:   jobID,
					Path:    base.MakeFilepath(vs.fs, vs.dirname, fileTypeManifest, newManifestFileNum),
					FileNum: newManifestFileNum,
					Err:     err,
				})
				return err
			}
		}

		var buf bytes.Buffer
		if err := ve.Encode(&buf); err != nil {
			return err
		}
		// NB: Any error from this point on leaves the manifest in an unknown
		// state. The DB records it as a background error, and the recovery run
		// by the next Open writes a fresh manifest.
		if _, err := vs.manifest.WriteRecord(buf.Bytes()); err != nil {
			return errors.Wrap(err, "MANIFEST write failed")
		}
		if err := vs.manifestFile.Sync(); err != nil {
			return errors.Wrap(err, "MANIFEST sync failed")
		}
		if newManifestFileNum != 0 {
			if err := setCurrentFile(vs.dirname, vs.fs, newManifestFileNum); err != nil {
				return errors.Wrap(err, "MANIFEST set current failed")
			}
			if err := dir.Sync(); err != nil {
				return errors.Wrap(err, "MANIFEST dirsync failed")
			}
			vs.opts.EventListener.ManifestCreated(ManifestCreateInfo{
				JobID:   jobID,
				Path:    base.MakeFilepath(vs.fs, vs.dirname, fileTypeManifest, newManifestFileNum),
				FileNum: newManifestFileNum,
			})
		}
		return nil
	}(); err != nil {
		if newVersion != nil {
			// The version was never installed. Drop the file references Apply
			// took on its behalf without treating any file as obsolete.
			for _, files := range newVersion.Files {
				for _, f := range files {
					f.Unref()
				}
			}
		}
		return err
	}

	// Install the new version.
	vs.computeCompactionScore(newVersion)
	vs.append(newVersion)
	vs.logNum = ve.LogNum
	if ve.PrevLogNum == 0 {
		vs.prevLogNum = 0
	}
	if newManifestFileNum != 0 {
		if vs.manifestFileNum != 0 {
			vs.obsoleteManifests = append(vs.obsoleteManifests, vs.manifestFileNum)
		}
		vs.manifestFileNum = newManifestFileNum
	}

	for level, update := range metrics {
		vs.metrics.Levels[level].Add(update)
	}
	vs.updateLevelMetrics(newVersion)
	return nil
}

func (vs *versionSet) updateLevelMetrics(v *version) {
	for i := range vs.metrics.Levels {
		l := &vs.metrics.Levels[i]
		l.NumFiles = int64(len(v.Files[i]))
		l.Size = manifest.TotalSize(v.Files[i])
		l.Score = vs.levelScore(v, i)
	}
}

func (vs *versionSet) incrementCompactions() {
	vs.metrics.Compact.Count++
}

func (vs *versionSet) incrementFlushes() {
	vs.metrics.Flush.Count++
}

// createManifest creates a manifest file that contains a snapshot of vs.
func (vs *versionSet) createManifest(dirname string, fileNum base.FileNum) (err error) {
	var (
		filename     = base.MakeFilepath(vs.fs, dirname, fileTypeManifest, fileNum)
		manifestFile vfs.File
		mw           *record.Writer
	)
	defer func() {
		if mw != nil {
			mw.Close()
		}
		if manifestFile != nil {
			manifestFile.Close()
		}
		if err != nil {
			vs.fs.Remove(filename)
		}
	}()
	manifestFile, err = vs.fs.Create(filename)
	if err != nil {
		return err
	}
	mw = record.NewWriter(manifestFile)

	snapshot := versionEdit{
		ComparerName: vs.cmpName,
	}
	for level, key := range vs.compactPointers {
		if key.UserKey != nil {
			snapshot.CompactPointers = append(snapshot.CompactPointers,
				manifest.CompactPointerEntry{Level: level, Key: key})
		}
	}
	for level, fileMetadata := range vs.currentVersion().Files {
		for _, meta := range fileMetadata {
			snapshot.NewFiles = append(snapshot.NewFiles, newFileEntry{
				Level: level,
				Meta:  meta,
			})
		}
	}

	var buf bytes.Buffer
	if err := snapshot.Encode(&buf); err != nil {
		return err
	}
	if _, err := mw.WriteRecord(buf.Bytes()); err != nil {
		return err
	}

	if vs.manifest != nil {
		vs.manifest.Close()
		vs.manifest = nil
	}
	if vs.manifestFile != nil {
		if err := vs.manifestFile.Close(); err != nil {
			return err
		}
		vs.manifestFile = nil
	}

	vs.manifest, mw = mw, nil
	vs.manifestFile, manifestFile = manifestFile, nil
	return nil
}

func (vs *versionSet) markFileNumUsed(fileNum base.FileNum) {
	if vs.nextFileNum <= fileNum {
		vs.nextFileNum = fileNum + 1
	}
}

func (vs *versionSet) getNextFileNum() base.FileNum {
	x := vs.nextFileNum
	vs.nextFileNum++
	return x
}

func (vs *versionSet) append(v *version) {
	if v.Refs() != 0 {
		panic("tide: version should be unreferenced")
	}
	if !vs.versions.Empty() {
		vs.versions.Back().UnrefLocked()
	}
	v.Deleted = vs.obsoleteFn
	v.Ref()
	vs.versions.PushBack(v)
}

func (vs *versionSet) currentVersion() *version {
	return vs.versions.Back()
}

func (vs *versionSet) addLiveFileNums(m map[base.FileNum]struct{}) {
	for v := vs.versions.Front(); v != vs.versions.End(); v = v.Next() {
		for _, ff := range v.Files {
			for _, f := range ff {
				m[f.FileNum] = struct{}{}
			}
		}
	}
}

func (vs *versionSet) addObsoleteLocked(obsolete []*fileMetadata) {
	vs.obsoleteTables = append(vs.obsoleteTables, obsolete...)
}
