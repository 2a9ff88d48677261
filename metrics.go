// Copyright 2019 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package tide

import (
	"bytes"
	"fmt"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/cockroachdb/crlib/crhumanize"
	"github.com/prometheus/client_golang/prometheus"
)

// walSyncMinLatency and walSyncMaxLatency bound the WAL sync latency
// histogram. Samples outside the range are clamped.
const (
	walSyncMinLatency = 10 * time.Microsecond
	walSyncMaxLatency = 10 * time.Second
)

func newWALSyncHistogram() *hdrhistogram.Histogram {
	return hdrhistogram.New(walSyncMinLatency.Nanoseconds(), walSyncMaxLatency.Nanoseconds(), 2)
}

func humanizeBytes(n uint64) string {
	return string(crhumanize.Bytes(int64(n), crhumanize.Compact, crhumanize.OmitI))
}

// LevelMetrics holds per-level metrics such as the number of files and total
// size of the files, and compaction related metrics.
type LevelMetrics struct {
	// The total number of files in the level.
	NumFiles int64
	// The total size in bytes of the files in the level.
	Size uint64
	// The level's compaction score.
	Score float64
	// The number of incoming bytes from other levels read during compactions,
	// or the memtable bytes written by flushes. This excludes bytes moved.
	BytesIn uint64
	// The number of bytes read from the level itself during compactions.
	BytesRead uint64
	// The number of bytes written to the level by compactions.
	BytesCompacted uint64
	// The number of bytes written to the level by flushes.
	BytesFlushed uint64
	// The number of bytes moved into the level by a "move" compaction.
	BytesMoved uint64
	// The number of tables written by compactions, flushes and moves.
	TablesCompacted uint64
	TablesFlushed   uint64
	TablesMoved     uint64
}

// Add updates the counter metrics for the level.
func (m *LevelMetrics) Add(u *LevelMetrics) {
	m.BytesIn += u.BytesIn
	m.BytesRead += u.BytesRead
	m.BytesCompacted += u.BytesCompacted
	m.BytesFlushed += u.BytesFlushed
	m.BytesMoved += u.BytesMoved
	m.TablesCompacted += u.TablesCompacted
	m.TablesFlushed += u.TablesFlushed
	m.TablesMoved += u.TablesMoved
}

// BytesWritten returns the bytes written to the level by flushes and
// compactions.
func (m *LevelMetrics) BytesWritten() uint64 {
	return m.BytesFlushed + m.BytesCompacted
}

// WriteAmp computes the write amplification for compactions at this
// level. Computed as BytesWritten / BytesIn.
func (m *LevelMetrics) WriteAmp() float64 {
	if m.BytesIn == 0 {
		return 0
	}
	return float64(m.BytesWritten()) / float64(m.BytesIn)
}

// format generates a string of the receiver's metrics, formatting it into the
// supplied buffer.
func (m *LevelMetrics) format(buf *bytes.Buffer, score string) {
	fmt.Fprintf(buf, "%6d %7s %7s %7s %7s %7s %7s %7.1f\n",
		m.NumFiles,
		humanizeBytes(m.Size),
		score,
		humanizeBytes(m.BytesIn),
		humanizeBytes(m.BytesMoved),
		humanizeBytes(m.BytesRead),
		humanizeBytes(m.BytesWritten()),
		m.WriteAmp(),
	)
}

// Metrics holds metrics for various subsystems of the DB such as the cache,
// compactions, WAL, and per-level metrics.
type Metrics struct {
	BlockCache CacheMetrics

	Compact struct {
		// The total number of compactions, including moves.
		Count int64
	}

	Flush struct {
		// The total number of flushes.
		Count int64
	}

	MemTable struct {
		// The number of bytes allocated by memtables.
		Size uint64
		// The count of memtables.
		Count int64
	}

	Snapshots struct {
		// The number of open snapshots.
		Count int
	}

	TableCache struct {
		// The number of open tables.
		Count int64
		Hits  int64
		// Misses counts the table opens.
		Misses int64
	}

	WAL struct {
		// Number of live WAL files.
		Files int64
		// Size of the live data in the WAL files.
		Size uint64
		// Number of logical bytes written to the WAL.
		BytesIn uint64
		// Number of bytes written to the WAL, including record framing.
		BytesWritten uint64
		// SyncLatency is a copy of the latency histogram of WAL syncs, in
		// nanoseconds. Nil if no sync has happened.
		SyncLatency *hdrhistogram.Histogram
	}

	Levels [numLevels]LevelMetrics
}

func (m *Metrics) formatWAL(buf *bytes.Buffer) {
	var writeAmp float64
	if m.WAL.BytesIn > 0 {
		writeAmp = float64(m.WAL.BytesWritten) / float64(m.WAL.BytesIn)
	}
	fmt.Fprintf(buf, "  WAL %6d %7s       - %7s       -       - %7s %7.1f\n",
		m.WAL.Files,
		humanizeBytes(m.WAL.Size),
		humanizeBytes(m.WAL.BytesIn),
		humanizeBytes(m.WAL.BytesWritten),
		writeAmp)
}

// Total returns the sum of the per-level metrics.
func (m *Metrics) Total() LevelMetrics {
	var total LevelMetrics
	for level := 0; level < numLevels; level++ {
		l := &m.Levels[level]
		total.Add(l)
		total.NumFiles += l.NumFiles
		total.Size += l.Size
	}
	return total
}

// String pretty-prints the metrics, showing a line for the WAL, a line
// per-level, and a total:
//
//	level__files____size___score______in____move____read___write___w-amp
//	  WAL      1    27 M       -    48 M       -       -    48 M     1.0
//	    0      2    44 M    0.50    35 M     0 B     0 B    44 M     1.3
//	    1      5    10 M    1.00    12 M   2.1 M    10 M    10 M     0.8
//	    2      0     0 B    0.00     0 B     0 B     0 B     0 B     0.0
//	    3      0     0 B    0.00     0 B     0 B     0 B     0 B     0.0
//	    4      0     0 B    0.00     0 B     0 B     0 B     0 B     0.0
//	    5      0     0 B    0.00     0 B     0 B     0 B     0 B     0.0
//	    6      0     0 B       -     0 B     0 B     0 B     0 B     0.0
//	total      7    54 M       -    48 M   2.1 M    10 M   102 M     2.1
//
// The WAL "in" metric is the size of the batches written to the WAL. The WAL
// "write" metric is the size of the physical data written to the WAL which
// includes record fragment overhead. Write amplification is computed as
// bytes-written / bytes-in, except for the total row where bytes-in is
// replaced with WAL-bytes-written.
func (m *Metrics) String() string {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "level__files____size___score______in____move____read___write___w-amp\n")
	m.formatWAL(&buf)
	for level := 0; level < numLevels; level++ {
		l := &m.Levels[level]
		score := "-"
		if level < numLevels-1 {
			score = fmt.Sprintf("%.2f", l.Score)
		}
		fmt.Fprintf(&buf, "%5d ", level)
		l.format(&buf, score)
	}
	total := m.Total()
	// The bytes written to the WAL are the bytes that entered the LSM, and
	// are counted as written as well.
	total.BytesIn = m.WAL.BytesWritten
	total.BytesFlushed += total.BytesIn
	fmt.Fprintf(&buf, "total ")
	total.format(&buf, "-")
	fmt.Fprintf(&buf, "flush %9d\ncompact %7d\nmemtbl %8d %7s\n",
		m.Flush.Count, m.Compact.Count, m.MemTable.Count, humanizeBytes(m.MemTable.Size))
	fmt.Fprintf(&buf, "bcache %8d %7s %6.1f%%\n",
		m.BlockCache.Count, humanizeBytes(uint64(m.BlockCache.Size)),
		hitRate(m.BlockCache.Hits, m.BlockCache.Misses))
	fmt.Fprintf(&buf, "tcache %8d %7s %6.1f%%\n",
		m.TableCache.Count, "-", hitRate(m.TableCache.Hits, m.TableCache.Misses))
	fmt.Fprintf(&buf, "snaps %9d\n", m.Snapshots.Count)
	if h := m.WAL.SyncLatency; h != nil && h.TotalCount() > 0 {
		fmt.Fprintf(&buf, "wal-sync p50=%s p99=%s max=%s\n",
			time.Duration(h.ValueAtQuantile(50)),
			time.Duration(h.ValueAtQuantile(99)),
			time.Duration(h.Max()))
	}
	return buf.String()
}

func hitRate(hits, misses int64) float64 {
	sum := hits + misses
	if sum == 0 {
		return 0
	}
	return 100 * float64(hits) / float64(sum)
}

var (
	levelFilesDesc = prometheus.NewDesc(
		"tide_level_files", "Number of tables in the level.", []string{"level"}, nil)
	levelBytesDesc = prometheus.NewDesc(
		"tide_level_bytes", "Total size of the tables in the level.", []string{"level"}, nil)
	levelScoreDesc = prometheus.NewDesc(
		"tide_level_score", "Compaction score of the level.", []string{"level"}, nil)
	levelBytesWrittenDesc = prometheus.NewDesc(
		"tide_level_written_bytes_total", "Bytes written to the level by flushes and compactions.",
		[]string{"level"}, nil)
	compactionsDesc = prometheus.NewDesc(
		"tide_compactions_total", "Number of compactions, including moves.", nil, nil)
	flushesDesc = prometheus.NewDesc(
		"tide_flushes_total", "Number of memtable flushes.", nil, nil)
	memTableBytesDesc = prometheus.NewDesc(
		"tide_memtable_bytes", "Bytes allocated by memtables.", nil, nil)
	walBytesDesc = prometheus.NewDesc(
		"tide_wal_written_bytes_total", "Bytes written to the WAL.", nil, nil)
	blockCacheHitsDesc = prometheus.NewDesc(
		"tide_block_cache_hits_total", "Block cache hits.", nil, nil)
	blockCacheMissesDesc = prometheus.NewDesc(
		"tide_block_cache_misses_total", "Block cache misses.", nil, nil)
)

// metricsCollector exports the metrics of a DB to prometheus.
type metricsCollector struct {
	db *DB
}

// NewMetricsCollector returns a prometheus.Collector that reports the
// metrics of d each time it is scraped.
func NewMetricsCollector(d *DB) prometheus.Collector {
	return metricsCollector{db: d}
}

func (c metricsCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		levelFilesDesc, levelBytesDesc, levelScoreDesc, levelBytesWrittenDesc,
		compactionsDesc, flushesDesc, memTableBytesDesc, walBytesDesc,
		blockCacheHitsDesc, blockCacheMissesDesc,
	} {
		ch <- d
	}
}

func (c metricsCollector) Collect(ch chan<- prometheus.Metric) {
	m := c.db.Metrics()
	for level := range m.Levels {
		l := &m.Levels[level]
		label := fmt.Sprint(level)
		ch <- prometheus.MustNewConstMetric(levelFilesDesc, prometheus.GaugeValue, float64(l.NumFiles), label)
		ch <- prometheus.MustNewConstMetric(levelBytesDesc, prometheus.GaugeValue, float64(l.Size), label)
		ch <- prometheus.MustNewConstMetric(levelScoreDesc, prometheus.GaugeValue, l.Score, label)
		ch <- prometheus.MustNewConstMetric(levelBytesWrittenDesc, prometheus.CounterValue,
			float64(l.BytesWritten()), label)
	}
	ch <- prometheus.MustNewConstMetric(compactionsDesc, prometheus.CounterValue, float64(m.Compact.Count))
	ch <- prometheus.MustNewConstMetric(flushesDesc, prometheus.CounterValue, float64(m.Flush.Count))
	ch <- prometheus.MustNewConstMetric(memTableBytesDesc, prometheus.GaugeValue, float64(m.MemTable.Size))
	ch <- prometheus.MustNewConstMetric(walBytesDesc, prometheus.CounterValue, float64(m.WAL.BytesWritten))
	ch <- prometheus.MustNewConstMetric(blockCacheHitsDesc, prometheus.CounterValue, float64(m.BlockCache.Hits))
	ch <- prometheus.MustNewConstMetric(blockCacheMissesDesc, prometheus.CounterValue, float64(m.BlockCache.Misses))
}
