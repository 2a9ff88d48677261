// Copyright 2019 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package tide

import (
	"fmt"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"github.com/tidedb/tide/vfs"
)

// gather scrapes reg into a map from "name{label=value}" to value.
func gather(t *testing.T, reg *prometheus.Registry) map[string]float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	values := map[string]float64{}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			var name strings.Builder
			name.WriteString(mf.GetName())
			for _, lp := range m.GetLabel() {
				fmt.Fprintf(&name, "{%s=%s}", lp.GetName(), lp.GetValue())
			}
			switch {
			case m.GetGauge() != nil:
				values[name.String()] = m.GetGauge().GetValue()
			case m.GetCounter() != nil:
				values[name.String()] = m.GetCounter().GetValue()
			case m.GetHistogram() != nil:
				values[name.String()] = float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	return values
}

func TestMetricsCollector(t *testing.T) {
	syncLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: "tide_wal_sync_seconds",
		Help: "WAL sync latency.",
	})
	d := openTestDB(t, vfs.NewMem(), &Options{WALSyncLatency: syncLatency})

	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(NewMetricsCollector(d)))
	require.NoError(t, reg.Register(syncLatency))

	values := gather(t, reg)
	require.Zero(t, values["tide_flushes_total"])
	require.Zero(t, values["tide_wal_sync_seconds"])

	require.NoError(t, d.Set([]byte("a"), []byte("1"), Sync))
	require.NoError(t, d.Set([]byte("b"), []byte("2"), NoSync))
	require.NoError(t, d.Flush())

	values = gather(t, reg)
	require.Equal(t, 1.0, values["tide_flushes_total"])
	require.Equal(t, 0.0, values["tide_compactions_total"])
	require.Equal(t, 1.0, values["tide_level_files{level=2}"])
	require.Equal(t, 0.0, values["tide_level_files{level=0}"])
	require.Greater(t, values["tide_level_bytes{level=2}"], 0.0)
	require.Greater(t, values["tide_level_written_bytes_total{level=2}"], 0.0)
	require.Greater(t, values["tide_wal_written_bytes_total"], 0.0)
	require.Equal(t, 1.0, values["tide_wal_sync_seconds"])

	m := d.Metrics()
	require.NotNil(t, m.WAL.SyncLatency)
	require.EqualValues(t, 1, m.WAL.SyncLatency.TotalCount())
	require.Contains(t, m.String(), "wal-sync p50=")
	require.NoError(t, d.Close())
}

func TestMetricsString(t *testing.T) {
	d := openTestDB(t, vfs.NewMem(), nil)
	m := d.Metrics()
	require.Nil(t, m.WAL.SyncLatency)
	s := m.String()
	require.True(t, strings.HasPrefix(s, "level__files____size___score______in____move____read___write___w-amp\n"))
	require.Contains(t, s, "total ")
	require.Contains(t, s, "snaps         0\n")
	require.NotContains(t, s, "wal-sync")

	snap := d.NewSnapshot()
	require.Contains(t, d.Metrics().String(), "snaps         1\n")
	require.NoError(t, snap.Close())
	require.NoError(t, d.Close())
}

func TestLevelMetrics(t *testing.T) {
	var m LevelMetrics
	require.Zero(t, m.WriteAmp())
	m.Add(&LevelMetrics{BytesIn: 10, BytesFlushed: 10, BytesCompacted: 15, TablesFlushed: 1})
	m.Add(&LevelMetrics{BytesIn: 10, BytesMoved: 7, TablesMoved: 1})
	require.EqualValues(t, 20, m.BytesIn)
	require.EqualValues(t, 25, m.BytesWritten())
	require.EqualValues(t, 7, m.BytesMoved)
	require.EqualValues(t, 1, m.TablesMoved)
	require.Equal(t, 1.25, m.WriteAmp())
	require.Equal(t, 50.0, hitRate(1, 1))
	require.Zero(t, hitRate(0, 0))
}
