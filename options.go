// Copyright 2011 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package tide

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/goccy/go-yaml"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/tidedb/tide/bloom"
	"github.com/tidedb/tide/internal/base"
	"github.com/tidedb/tide/internal/cache"
	"github.com/tidedb/tide/internal/manifest"
	"github.com/tidedb/tide/sstable"
	"github.com/tidedb/tide/vfs"
)

const (
	cacheDefaultSize = 8 << 20 // 8 MB
	// The number of levels in the LSM.
	numLevels = manifest.NumLevels
)

// Compression exports the sstable.Compression type.
type Compression = sstable.Compression

// Exported Compression constants.
const (
	DefaultCompression = sstable.DefaultCompression
	NoCompression      = sstable.NoCompression
	SnappyCompression  = sstable.SnappyCompression
	ZstdCompression    = sstable.ZstdCompression
	MinLZCompression   = sstable.MinLZCompression
)

// FilterType exports the base.FilterType type.
type FilterType = base.FilterType

// Exported TableFilter constants.
const (
	BlockFilter = base.BlockFilter
	TableFilter = base.TableFilter
)

// FilterWriter exports the base.FilterWriter type.
type FilterWriter = base.FilterWriter

// FilterPolicy exports the base.FilterPolicy type.
type FilterPolicy = base.FilterPolicy

// IterOptions hold the optional per-query parameters for NewIter.
//
// Like Options, a nil *IterOptions is valid and means to use the default
// values.
type IterOptions struct {
	// LowerBound specifies the smallest key (inclusive) that the iterator will
	// return during iteration. If the iterator is seeked or iterated past this
	// boundary the iterator will return Valid()==false. Setting LowerBound
	// effectively truncates the key space visible to the iterator.
	LowerBound []byte
	// UpperBound specifies the largest key (exclusive) that the iterator will
	// return during iteration. If the iterator is seeked or iterated past this
	// boundary the iterator will return Valid()==false. Setting UpperBound
	// effectively truncates the key space visible to the iterator.
	UpperBound []byte
}

// GetLowerBound returns the LowerBound or nil if the receiver is nil.
func (o *IterOptions) GetLowerBound() []byte {
	if o == nil {
		return nil
	}
	return o.LowerBound
}

// GetUpperBound returns the UpperBound or nil if the receiver is nil.
func (o *IterOptions) GetUpperBound() []byte {
	if o == nil {
		return nil
	}
	return o.UpperBound
}

// WriteOptions hold the optional per-query parameters for Set and Delete
// operations.
//
// Like Options, a nil *WriteOptions is valid and means to use the default
// values.
type WriteOptions struct {
	// Sync is whether to sync writes through the OS buffer cache and down onto
	// the actual disk, if applicable. Setting Sync is required for durability of
	// individual write operations but can result in slower writes.
	//
	// If false, and the process or machine crashes, then a recent write may be
	// lost. This is due to the recently written data being buffered inside the
	// process running tide. This differs from the semantics of a write system
	// call in which the data is buffered in the OS buffer cache and would thus
	// survive a process crash.
	//
	// The default value is true.
	Sync bool
}

// Sync specifies the default write options for writes which synchronize to
// disk.
var Sync = &WriteOptions{Sync: true}

// NoSync specifies the default write options for writes which do not
// synchronize to disk.
var NoSync = &WriteOptions{Sync: false}

// GetSync returns the Sync value or true if the receiver is nil.
func (o *WriteOptions) GetSync() bool {
	return o == nil || o.Sync
}

// LevelOptions holds the optional per-level parameters.
type LevelOptions struct {
	// BlockRestartInterval is the number of keys between restart points
	// for delta encoding of keys.
	//
	// The default value is 16.
	BlockRestartInterval int

	// BlockSize is the target uncompressed size in bytes of each table block.
	//
	// The default value is 4096.
	BlockSize int

	// BlockSizeThreshold finishes a block if the block size is larger than the
	// specified percentage of the target block size and adding the next entry
	// would cause the block to be larger than the target block size.
	//
	// The default value is 90.
	BlockSizeThreshold int

	// Compression defines the per-block compression to use.
	//
	// The default value (DefaultCompression) uses snappy compression.
	Compression Compression

	// FilterPolicy defines a filter algorithm (such as a Bloom filter) that can
	// reduce disk reads for Get calls.
	//
	// One such implementation is bloom.FilterPolicy(10) from the tide/bloom
	// package.
	//
	// The default value means to use no filter.
	FilterPolicy FilterPolicy

	// FilterType defines whether an existing filter policy is applied at a
	// block-level or table-level. The default is BlockFilter, the LevelDB
	// layout.
	FilterType FilterType

	// TargetFileSize is the target file size for the level. Unlike some LSM
	// designs the size does not grow with the level.
	//
	// The default value is 2MB.
	TargetFileSize int64
}

// EnsureDefaults ensures that the default values for all of the options have
// been initialized. It is valid to call EnsureDefaults on a nil receiver. A
// non-nil result will always be returned.
func (o *LevelOptions) EnsureDefaults() *LevelOptions {
	if o == nil {
		o = &LevelOptions{}
	}
	if o.BlockRestartInterval <= 0 {
		o.BlockRestartInterval = 16
	}
	if o.BlockSize <= 0 {
		o.BlockSize = 4096
	}
	if o.BlockSizeThreshold <= 0 {
		o.BlockSizeThreshold = 90
	}
	if o.Compression <= DefaultCompression || o.Compression >= sstable.NCompression {
		o.Compression = SnappyCompression
	}
	if o.TargetFileSize <= 0 {
		o.TargetFileSize = 2 << 20 // 2 MB
	}
	return o
}

// Options holds the optional parameters for configuring tide. These options
// apply to the DB at large; per-query options are defined by the IterOptions
// and WriteOptions types.
type Options struct {
	// BytesPerSync syncs table files periodically while they are being
	// written, to smooth out writeback. A value of 0 disables the periodic
	// syncs.
	//
	// The default value is 512KB.
	BytesPerSync int

	// Cache is used to cache uncompressed blocks from tables. If nil, a cache
	// of CacheSize bytes is created and owned by the DB.
	Cache *cache.Cache

	// CacheSize is the size of the block cache created when Cache is nil.
	//
	// The default value is 8MB.
	CacheSize int64

	// Cleaner cleans obsolete files.
	//
	// The default cleaner uses the DeleteCleaner.
	Cleaner Cleaner

	// Comparer defines a total ordering over the space of []byte keys: a 'less
	// than' relationship. The same comparison algorithm must be used for reads
	// and writes over the lifetime of the DB.
	//
	// The default value uses the same ordering as bytes.Compare.
	Comparer *Comparer

	// CompactionPolicy makes the final choice among the compactions that the
	// LSM shape allows.
	//
	// The default value is DefaultCompactionPolicy.
	CompactionPolicy CompactionPolicy

	// DisableAutomaticCompactions dictates whether automatic compactions are
	// scheduled or not. The default is false (enabled). Flushes and manual
	// compactions are unaffected.
	DisableAutomaticCompactions bool

	// ErrorIfExists is whether it is an error if the database already exists.
	//
	// The default value is false.
	ErrorIfExists bool

	// ErrorIfNotExists is whether it is an error if the database does not
	// already exist.
	//
	// The default value is false which will cause a database to be created if
	// it does not already exist.
	ErrorIfNotExists bool

	// EventListener provides hooks to listening to significant DB events such
	// as flushes, compactions, and table deletion.
	EventListener *EventListener

	// ExpandedCompactionFactor bounds, as a multiple of the target file size,
	// the total size of a compaction after its inputs are grown at the source
	// level.
	//
	// The default value is 25.
	ExpandedCompactionFactor int

	// Filters is a map from filter policy name to filter policy. It is used for
	// debugging tools which may be used on multiple databases configured with
	// different filter policies. It is not necessary to populate this filters
	// map during normal usage of a DB.
	Filters map[string]FilterPolicy

	// FS provides the interface for persistent file storage.
	//
	// The default value uses the underlying operating system's file system.
	FS vfs.FS

	// The number of files necessary to trigger an L0 compaction.
	//
	// The default value is 4.
	L0CompactionThreshold int

	// Soft limit on the number of L0 files. Writes are delayed by 1ms each
	// when this threshold is reached.
	//
	// The default value is 8.
	L0SlowdownWritesThreshold int

	// Hard limit on the number of L0 files. Writes are stopped when this
	// threshold is reached.
	//
	// The default value is 12.
	L0StopWritesThreshold int

	// The maximum number of bytes for L1. The maximum number of bytes for
	// level N is LBaseMaxBytes*10^(N-1).
	//
	// The default value is 10MB.
	LBaseMaxBytes int64

	// Per-level options. Options for at least one level must be specified. The
	// options for the last level are used for all subsequent levels.
	Levels []LevelOptions

	// Logger used to write log messages.
	//
	// The default logger uses the Go standard library log package.
	Logger Logger

	// MaxGrandparentOverlapFactor bounds, as a multiple of the target file
	// size, how many bytes of level+2 a single compaction output may overlap.
	//
	// The default value is 10.
	MaxGrandparentOverlapFactor int

	// MaxManifestFileSize is the maximum size the MANIFEST file is allowed to
	// become. When the MANIFEST exceeds this size it is rolled over and a new
	// MANIFEST is created.
	//
	// The default value is 128MB.
	MaxManifestFileSize int64

	// MaxOpenFiles is a soft limit on the number of open files that can be
	// used by the DB.
	//
	// The default value is 1000.
	MaxOpenFiles int

	// The size of a MemTable. Note that more than one MemTable can be in
	// existence since flushing a MemTable involves creating a new one and
	// writing the contents of the old one in the background.
	//
	// The default value is 4MB.
	MemTableSize int

	// ParanoidChecks turns a corrupt record in a write-ahead log into an Open
	// failure instead of the end of the log, and verifies each table's block
	// checksums when it is first opened.
	//
	// The default value is false.
	ParanoidChecks bool

	// TargetByteDeletionRate is the rate (in bytes per second) at which table
	// file deletions are limited to. Deleting a large number of files at once
	// can cause IO stalls on some filesystems. A value of 0 disables deletion
	// pacing.
	TargetByteDeletionRate int

	// WALSyncLatency, if set, observes the duration in seconds of every WAL
	// sync. The DB also keeps its own latency histogram, reported by Metrics.
	WALSyncLatency prometheus.Histogram
}

// EnsureDefaults ensures that the default values for all options are set if a
// valid value was not already specified. Returns the new options.
func (o *Options) EnsureDefaults() *Options {
	if o == nil {
		o = &Options{}
	}
	if o.BytesPerSync <= 0 {
		o.BytesPerSync = 512 << 10 // 512 KB
	}
	if o.Cache == nil && o.CacheSize <= 0 {
		o.CacheSize = cacheDefaultSize
	}
	if o.Cleaner == nil {
		o.Cleaner = DeleteCleaner{}
	}
	if c := o.Comparer.EnsureDefaults(); c != o.Comparer {
		o.Comparer = c
	}
	if o.CompactionPolicy == nil {
		o.CompactionPolicy = DefaultCompactionPolicy
	}
	if o.EventListener == nil {
		o.EventListener = &EventListener{}
	}
	if o.ExpandedCompactionFactor <= 0 {
		o.ExpandedCompactionFactor = 25
	}
	if o.FS == nil {
		o.FS = vfs.Default
	}
	if o.L0CompactionThreshold <= 0 {
		o.L0CompactionThreshold = 4
	}
	if o.L0SlowdownWritesThreshold <= 0 {
		o.L0SlowdownWritesThreshold = 8
	}
	if o.L0StopWritesThreshold <= 0 {
		o.L0StopWritesThreshold = 12
	}
	if o.LBaseMaxBytes <= 0 {
		o.LBaseMaxBytes = 10 << 20 // 10 MB
	}
	if o.Levels == nil {
		o.Levels = make([]LevelOptions, 1)
	}
	for i := range o.Levels {
		o.Levels[i].EnsureDefaults()
	}
	if o.Logger == nil {
		o.Logger = DefaultLogger
	}
	if o.MaxGrandparentOverlapFactor <= 0 {
		o.MaxGrandparentOverlapFactor = 10
	}
	if o.MaxManifestFileSize == 0 {
		o.MaxManifestFileSize = 128 << 20 // 128 MB
	}
	if o.MaxOpenFiles <= 0 {
		o.MaxOpenFiles = 1000
	}
	if o.MemTableSize <= 0 {
		o.MemTableSize = 4 << 20 // 4 MB
	}
	o.EventListener.EnsureDefaults(o.Logger)
	o.initMaps()
	return o
}

func (o *Options) initMaps() {
	for i := range o.Levels {
		l := &o.Levels[i]
		if l.FilterPolicy != nil {
			if o.Filters == nil {
				o.Filters = make(map[string]FilterPolicy)
			}
			name := l.FilterPolicy.Name()
			if _, ok := o.Filters[name]; !ok {
				o.Filters[name] = l.FilterPolicy
			}
		}
	}
}

// Level returns the LevelOptions for the specified level.
func (o *Options) Level(level int) LevelOptions {
	if level < len(o.Levels) {
		return o.Levels[level]
	}
	return o.Levels[len(o.Levels)-1]
}

// Clone creates a shallow copy of the supplied options.
func (o *Options) Clone() *Options {
	n := &Options{}
	if o != nil {
		*n = *o
		n.Levels = append([]LevelOptions(nil), o.Levels...)
		if o.Filters != nil {
			n.Filters = make(map[string]FilterPolicy, len(o.Filters))
			for k, v := range o.Filters {
				n.Filters[k] = v
			}
		}
	}
	return n
}

// maxBytesForLevel returns the maximum total size of the tables in a level.
// Level 0 is bounded by file count rather than bytes.
func (o *Options) maxBytesForLevel(level int) float64 {
	result := float64(o.LBaseMaxBytes)
	for ; level > 1; level-- {
		result *= 10
	}
	return result
}

func (o *Options) maxFileSizeForLevel(level int) uint64 {
	return uint64(o.Level(level).TargetFileSize)
}

// maxGrandparentOverlapBytes is the maximum number of bytes of overlap with
// level+2 before a compaction output file is finished.
func (o *Options) maxGrandparentOverlapBytes(level int) uint64 {
	return uint64(o.MaxGrandparentOverlapFactor) * o.maxFileSizeForLevel(level)
}

// expandedCompactionByteSizeLimit is the maximum number of bytes in all
// compacted files. Expanding the inputs at the source level is avoided if it
// would push the total past this limit.
func (o *Options) expandedCompactionByteSizeLimit(level int) uint64 {
	return uint64(o.ExpandedCompactionFactor) * o.maxFileSizeForLevel(level)
}

// MakeWriterOptions constructs sstable.WriterOptions for the specified level
// from the corresponding options in the receiver.
func (o *Options) MakeWriterOptions(level int) sstable.WriterOptions {
	l := o.Level(level)
	return sstable.WriterOptions{
		BlockRestartInterval: l.BlockRestartInterval,
		BlockSize:            l.BlockSize,
		BlockSizeThreshold:   l.BlockSizeThreshold,
		Comparer:             o.Comparer,
		Compression:          l.Compression,
		FilterPolicy:         l.FilterPolicy,
		FilterType:           l.FilterType,
	}
}

// MakeReaderOptions constructs sstable.ReaderOptions from the corresponding
// options in the receiver. The cache fields are filled in by the table cache.
func (o *Options) MakeReaderOptions() sstable.ReaderOptions {
	return sstable.ReaderOptions{
		Comparer: o.Comparer,
		Filters:  o.Filters,
	}
}

// optionsFileVersion is bumped whenever the layout of the OPTIONS file
// changes incompatibly.
const optionsFileVersion = 1

type levelOptionsFile struct {
	Level                int    `yaml:"level"`
	BlockRestartInterval int    `yaml:"block_restart_interval"`
	BlockSize            int    `yaml:"block_size"`
	BlockSizeThreshold   int    `yaml:"block_size_threshold"`
	Compression          string `yaml:"compression"`
	FilterPolicy         string `yaml:"filter_policy"`
	FilterType           string `yaml:"filter_type"`
	TargetFileSize       int64  `yaml:"target_file_size"`
}

type dbOptionsFile struct {
	BytesPerSync                int    `yaml:"bytes_per_sync"`
	CacheSize                   int64  `yaml:"cache_size"`
	Comparer                    string `yaml:"comparer"`
	CompactionPolicy            string `yaml:"compaction_policy"`
	DisableAutomaticCompactions bool   `yaml:"disable_automatic_compactions"`
	ExpandedCompactionFactor    int    `yaml:"expanded_compaction_factor"`
	L0CompactionThreshold       int    `yaml:"l0_compaction_threshold"`
	L0SlowdownWritesThreshold   int    `yaml:"l0_slowdown_writes_threshold"`
	L0StopWritesThreshold       int    `yaml:"l0_stop_writes_threshold"`
	LBaseMaxBytes               int64  `yaml:"lbase_max_bytes"`
	MaxGrandparentOverlapFactor int    `yaml:"max_grandparent_overlap_factor"`
	MaxManifestFileSize         int64  `yaml:"max_manifest_file_size"`
	MaxOpenFiles                int    `yaml:"max_open_files"`
	MemTableSize                int    `yaml:"mem_table_size"`
	ParanoidChecks              bool   `yaml:"paranoid_checks"`
	TargetByteDeletionRate      int    `yaml:"target_byte_deletion_rate"`
}

// optionsFile is the YAML document written to OPTIONS-%06d files.
type optionsFile struct {
	Version int                `yaml:"version"`
	Options dbOptionsFile      `yaml:"options"`
	Levels  []levelOptionsFile `yaml:"levels"`
}

func (o *Options) toFile() optionsFile {
	f := optionsFile{
		Version: optionsFileVersion,
		Options: dbOptionsFile{
			BytesPerSync:                o.BytesPerSync,
			CacheSize:                   o.CacheSize,
			Comparer:                    o.Comparer.Name,
			CompactionPolicy:            o.CompactionPolicy.Name(),
			DisableAutomaticCompactions: o.DisableAutomaticCompactions,
			ExpandedCompactionFactor:    o.ExpandedCompactionFactor,
			L0CompactionThreshold:       o.L0CompactionThreshold,
			L0SlowdownWritesThreshold:   o.L0SlowdownWritesThreshold,
			L0StopWritesThreshold:       o.L0StopWritesThreshold,
			LBaseMaxBytes:               o.LBaseMaxBytes,
			MaxGrandparentOverlapFactor: o.MaxGrandparentOverlapFactor,
			MaxManifestFileSize:         o.MaxManifestFileSize,
			MaxOpenFiles:                o.MaxOpenFiles,
			MemTableSize:                o.MemTableSize,
			ParanoidChecks:              o.ParanoidChecks,
			TargetByteDeletionRate:      o.TargetByteDeletionRate,
		},
	}
	if o.Cache != nil {
		f.Options.CacheSize = o.Cache.MaxSize()
	}
	for i := range o.Levels {
		l := &o.Levels[i]
		policy := "none"
		if l.FilterPolicy != nil {
			policy = l.FilterPolicy.Name()
		}
		f.Levels = append(f.Levels, levelOptionsFile{
			Level:                i,
			BlockRestartInterval: l.BlockRestartInterval,
			BlockSize:            l.BlockSize,
			BlockSizeThreshold:   l.BlockSizeThreshold,
			Compression:          l.Compression.String(),
			FilterPolicy:         policy,
			FilterType:           l.FilterType.String(),
			TargetFileSize:       l.TargetFileSize,
		})
	}
	return f
}

// String returns the options serialized as the YAML document that Open
// writes to the OPTIONS file. The receiver should have defaults applied.
func (o *Options) String() string {
	data, err := yaml.Marshal(o.toFile())
	if err != nil {
		// The document only holds strings and integers.
		panic(errors.Wrap(err, "tide: marshaling options"))
	}
	return string(data)
}

func parseFilterType(s string) (FilterType, error) {
	switch s {
	case "", "block":
		return BlockFilter, nil
	case "table":
		return TableFilter, nil
	}
	return 0, errors.Errorf("tide: unknown filter type: %q", errors.Safe(s))
}

// Parse parses the options from the specified string, as produced by
// String. Filter policies are resolved through o.Filters, and the builtin
// bloom filter is always known. Note that certain options cannot be parsed
// into populated fields. For example, the comparer and event listener are
// left untouched.
func (o *Options) Parse(s string) error {
	var f optionsFile
	if err := yaml.UnmarshalWithOptions([]byte(s), &f, yaml.Strict()); err != nil {
		return errors.Wrap(err, "tide: parsing options")
	}
	if f.Version != optionsFileVersion {
		return errors.Errorf("tide: unsupported options file version %d", errors.Safe(f.Version))
	}
	opts := &f.Options
	if opts.CompactionPolicy != "" {
		p, ok := compactionPolicies[opts.CompactionPolicy]
		if !ok {
			return errors.Errorf("tide: unknown compaction policy: %q", errors.Safe(opts.CompactionPolicy))
		}
		o.CompactionPolicy = p
	}
	o.BytesPerSync = opts.BytesPerSync
	o.CacheSize = opts.CacheSize
	o.DisableAutomaticCompactions = opts.DisableAutomaticCompactions
	o.ExpandedCompactionFactor = opts.ExpandedCompactionFactor
	o.L0CompactionThreshold = opts.L0CompactionThreshold
	o.L0SlowdownWritesThreshold = opts.L0SlowdownWritesThreshold
	o.L0StopWritesThreshold = opts.L0StopWritesThreshold
	o.LBaseMaxBytes = opts.LBaseMaxBytes
	o.MaxGrandparentOverlapFactor = opts.MaxGrandparentOverlapFactor
	o.MaxManifestFileSize = opts.MaxManifestFileSize
	o.MaxOpenFiles = opts.MaxOpenFiles
	o.MemTableSize = opts.MemTableSize
	o.ParanoidChecks = opts.ParanoidChecks
	o.TargetByteDeletionRate = opts.TargetByteDeletionRate

	o.Levels = o.Levels[:0]
	for i, l := range f.Levels {
		if l.Level != i {
			return errors.Errorf("tide: options for level %d out of order", errors.Safe(l.Level))
		}
		lo := LevelOptions{
			BlockRestartInterval: l.BlockRestartInterval,
			BlockSize:            l.BlockSize,
			BlockSizeThreshold:   l.BlockSizeThreshold,
			TargetFileSize:       l.TargetFileSize,
		}
		var ok bool
		if lo.Compression, ok = sstable.ParseCompression(l.Compression); !ok {
			return errors.Errorf("tide: unknown compression: %q", errors.Safe(l.Compression))
		}
		switch l.FilterPolicy {
		case "", "none":
		case bloom.FilterPolicy(10).Name():
			if p, ok := o.Filters[l.FilterPolicy]; ok {
				lo.FilterPolicy = p
			} else {
				lo.FilterPolicy = bloom.FilterPolicy(10)
			}
		default:
			p, ok := o.Filters[l.FilterPolicy]
			if !ok {
				return errors.Errorf("tide: unknown filter policy: %q", errors.Safe(l.FilterPolicy))
			}
			lo.FilterPolicy = p
		}
		ft, err := parseFilterType(l.FilterType)
		if err != nil {
			return err
		}
		lo.FilterType = ft
		o.Levels = append(o.Levels, lo)
	}
	return nil
}

// Check verifies the options are compatible with the previous options
// serialized by Options.String(). For example, the Comparer must be the same
// between runs.
func (o *Options) Check(s string) error {
	var f optionsFile
	if err := yaml.Unmarshal([]byte(s), &f); err != nil {
		return errors.Wrap(err, "tide: parsing options")
	}
	if f.Version != optionsFileVersion {
		return errors.Errorf("tide: unsupported options file version %d", errors.Safe(f.Version))
	}
	if f.Options.Comparer != o.Comparer.Name {
		return errors.Errorf("tide: comparer name from file %q != comparer name from options %q",
			errors.Safe(f.Options.Comparer), errors.Safe(o.Comparer.Name))
	}
	return nil
}

// Validate verifies that the options are mutually consistent. For example,
// L0StopWritesThreshold must be >= L0CompactionThreshold, otherwise a write
// stall would persist indefinitely.
func (o *Options) Validate() error {
	// Note that we can presume Options.EnsureDefaults has been called, so there
	// is no need to check for zero values.
	var buf strings.Builder
	if o.L0StopWritesThreshold < o.L0CompactionThreshold {
		fmt.Fprintf(&buf, "L0StopWritesThreshold (%d) must be >= L0CompactionThreshold (%d)\n",
			o.L0StopWritesThreshold, o.L0CompactionThreshold)
	}
	if o.L0SlowdownWritesThreshold > o.L0StopWritesThreshold {
		fmt.Fprintf(&buf, "L0SlowdownWritesThreshold (%d) must be <= L0StopWritesThreshold (%d)\n",
			o.L0SlowdownWritesThreshold, o.L0StopWritesThreshold)
	}
	if uint64(o.MemTableSize) >= maxMemTableSize {
		fmt.Fprintf(&buf, "MemTableSize (%d) must be < %d\n", o.MemTableSize, uint64(maxMemTableSize))
	}
	if buf.Len() == 0 {
		return nil
	}
	return errors.New(buf.String())
}
