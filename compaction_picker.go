// Copyright 2018 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package tide

import (
	"fmt"

	"github.com/tidedb/tide/internal/base"
	"github.com/tidedb/tide/internal/manifest"
)

// LevelState describes the shape of a single level when a compaction is
// being chosen.
type LevelState struct {
	// NumFiles is the number of tables in the level.
	NumFiles int
	// Size is the total size of the tables in the level.
	Size uint64
	// MaxBytes is the size the level is allowed to reach before it becomes a
	// compaction candidate. It is zero for L0, which is bounded by file count.
	MaxBytes uint64
	// Score is Size/MaxBytes for levels above L0, and the ratio of the file
	// count to Options.L0CompactionThreshold for L0. A score >= 1 means the
	// level needs compacting.
	Score float64
}

// SeekCandidate names a table whose allowed seeks have run out.
type SeekCandidate struct {
	Level   int
	FileNum base.FileNum
}

// CompactionState is the input to a CompactionPolicy. The final level is
// omitted from scoring as it has nowhere to compact into.
type CompactionState struct {
	Levels        [numLevels]LevelState
	SeekCandidate *SeekCandidate
}

// CompactionChoice is the output of a CompactionPolicy.
type CompactionChoice struct {
	// Level is the level whose tables are compacted into Level+1.
	Level int
	// Seek is true when the compaction compacts the seek candidate rather
	// than a size-triggered range of Level.
	Seek bool
}

// CompactionPolicy makes the final choice among the compactions the current
// LSM shape allows. Pick is called with DB.mu held and must not block.
type CompactionPolicy interface {
	Name() string
	Pick(state CompactionState) (CompactionChoice, bool)
}

// DefaultCompactionPolicy compacts the level with the highest score once any
// score reaches 1, preferring the lower level on a tie. Otherwise it
// compacts the seek candidate, if any.
var DefaultCompactionPolicy CompactionPolicy = defaultCompactionPolicy{}

// SizeOnlyCompactionPolicy behaves like DefaultCompactionPolicy but never
// schedules seek-triggered compactions.
var SizeOnlyCompactionPolicy CompactionPolicy = sizeOnlyCompactionPolicy{}

// compactionPolicies is used to resolve the policy name stored in the
// OPTIONS file.
var compactionPolicies = map[string]CompactionPolicy{
	DefaultCompactionPolicy.Name():  DefaultCompactionPolicy,
	SizeOnlyCompactionPolicy.Name(): SizeOnlyCompactionPolicy,
}

type defaultCompactionPolicy struct{}

func (defaultCompactionPolicy) Name() string { return "default" }

func (defaultCompactionPolicy) Pick(state CompactionState) (CompactionChoice, bool) {
	if level, ok := pickBySize(&state); ok {
		return CompactionChoice{Level: level}, true
	}
	if c := state.SeekCandidate; c != nil {
		return CompactionChoice{Level: c.Level, Seek: true}, true
	}
	return CompactionChoice{}, false
}

type sizeOnlyCompactionPolicy struct{}

func (sizeOnlyCompactionPolicy) Name() string { return "size-only" }

func (sizeOnlyCompactionPolicy) Pick(state CompactionState) (CompactionChoice, bool) {
	if level, ok := pickBySize(&state); ok {
		return CompactionChoice{Level: level}, true
	}
	return CompactionChoice{}, false
}

// pickBySize returns the level with the highest score >= 1. Ties go to the
// lowest level.
func pickBySize(state *CompactionState) (int, bool) {
	best, bestScore := -1, 1.0
	for level := 0; level < numLevels-1; level++ {
		if s := state.Levels[level].Score; s >= bestScore && (best == -1 || s > bestScore) {
			best, bestScore = level, s
		}
	}
	return best, best >= 0
}

// levelScore returns the compaction score of a level of v.
func (vs *versionSet) levelScore(v *version, level int) float64 {
	if level == 0 {
		// Level 0 is bounded by file count rather than bytes. With larger write
		// buffers it is nice not to do too many level-0 compactions, and the
		// files in level 0 are merged on every read so their count matters more
		// than their size.
		return float64(len(v.Files[0])) / float64(vs.opts.L0CompactionThreshold)
	}
	return float64(manifest.TotalSize(v.Files[level])) / vs.opts.maxBytesForLevel(level)
}

// computeCompactionScore records on v the level most in need of compaction.
// The final level is never scored.
func (vs *versionSet) computeCompactionScore(v *version) {
	v.CompactionLevel, v.CompactionScore = -1, -1
	for level := 0; level < numLevels-1; level++ {
		if score := vs.levelScore(v, level); score > v.CompactionScore {
			v.CompactionLevel, v.CompactionScore = level, score
		}
	}
}

// compactionState summarizes v for a CompactionPolicy.
func (vs *versionSet) compactionState(v *version) CompactionState {
	var s CompactionState
	for level := 0; level < numLevels; level++ {
		l := &s.Levels[level]
		l.NumFiles = len(v.Files[level])
		l.Size = manifest.TotalSize(v.Files[level])
		if level > 0 {
			l.MaxBytes = uint64(vs.opts.maxBytesForLevel(level))
		}
		if level < numLevels-1 {
			l.Score = vs.levelScore(v, level)
		}
	}
	if f := v.FileToCompact; f != nil && v.FileToCompactLevel < numLevels-1 {
		s.SeekCandidate = &SeekCandidate{Level: v.FileToCompactLevel, FileNum: f.FileNum}
	}
	return s
}

// pickAutoCompaction picks the best compaction, if any, for the current
// version. DB.mu must be held.
func (vs *versionSet) pickAutoCompaction() *compaction {
	v := vs.currentVersion()
	choice, ok := vs.opts.CompactionPolicy.Pick(vs.compactionState(v))
	if !ok {
		return nil
	}
	if choice.Level < 0 || choice.Level >= numLevels-1 {
		panic(fmt.Sprintf("tide: compaction policy %q picked invalid level %d",
			vs.opts.CompactionPolicy.Name(), choice.Level))
	}

	var c *compaction
	if !choice.Seek {
		files := v.Files[choice.Level]
		if len(files) == 0 {
			return nil
		}
		c = newCompaction(vs.opts, v, choice.Level, compactionReasonSize)
		// Pick the first file that comes after the compaction pointer for the
		// level, wrapping around to the beginning of the key space.
		ptr := vs.compactPointers[choice.Level]
		for _, f := range files {
			if ptr.UserKey == nil || base.InternalCompare(vs.cmp, f.Largest, ptr) > 0 {
				c.inputs[0] = []*fileMetadata{f}
				break
			}
		}
		if len(c.inputs[0]) == 0 {
			c.inputs[0] = []*fileMetadata{files[0]}
		}
	} else {
		if v.FileToCompact == nil || v.FileToCompactLevel != choice.Level {
			return nil
		}
		c = newCompaction(vs.opts, v, choice.Level, compactionReasonSeek)
		c.inputs[0] = []*fileMetadata{v.FileToCompact}
	}

	// Files in level 0 may overlap each other, so pick up all overlapping ones.
	if c.startLevel == 0 {
		smallest, largest := manifest.KeyRange(vs.cmp, c.inputs[0])
		c.inputs[0] = v.Overlaps(0, vs.cmp, smallest.UserKey, largest.UserKey)
		if len(c.inputs[0]) == 0 {
			panic("tide: empty compaction")
		}
	}

	c.setupOtherInputs()
	return c
}

// pickManualCompaction picks the compaction of the tables of level that
// overlap [start, end]. A nil start or end is unbounded. It returns nil if
// no table of the level overlaps the range. DB.mu must be held.
func (vs *versionSet) pickManualCompaction(level int, start, end []byte) *compaction {
	v := vs.currentVersion()
	inputs := v.Overlaps(level, vs.cmp, start, end)
	if len(inputs) == 0 {
		return nil
	}

	c := newCompaction(vs.opts, v, level, compactionReasonManual)
	// Avoid compacting too much in one shot in case the range is large. This
	// cannot be done for level 0 since level 0 files can overlap and we must
	// not pick one file and drop another older file if the two files overlap.
	if level > 0 {
		limit := vs.opts.maxFileSizeForLevel(level)
		var total uint64
		for i, f := range inputs {
			total += f.Size
			if total >= limit && i+1 < len(inputs) {
				inputs = inputs[:i+1]
				c.manualTruncated = true
				break
			}
		}
	}
	c.inputs[0] = inputs
	c.setupOtherInputs()
	return c
}

// pickLevelForMemTableOutput returns the level a flushed table spanning
// [smallest, largest] can be placed at. A table that overlaps nothing in
// levels 0 and 1 is pushed to level 1 or 2, which avoids some expensive
// level 0 => 1 compactions and some expensive manifest file operations. It
// is not pushed to the deepest level since that would leave the key space
// at the bottom fragmented.
func (vs *versionSet) pickLevelForMemTableOutput(v *version, smallest, largest []byte) int {
	const maxMemCompactLevel = 2

	level := 0
	if v.OverlapsAny(0, vs.cmp, smallest, largest) {
		return level
	}
	for level < maxMemCompactLevel {
		if v.OverlapsAny(level+1, vs.cmp, smallest, largest) {
			break
		}
		if level+2 < numLevels {
			// Check that the file does not overlap too many grandparent bytes.
			overlaps := v.Overlaps(level+2, vs.cmp, smallest, largest)
			if manifest.TotalSize(overlaps) > vs.opts.maxGrandparentOverlapBytes(level) {
				break
			}
		}
		level++
	}
	return level
}
