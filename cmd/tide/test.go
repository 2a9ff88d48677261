// Copyright 2018 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package main

import (
	"encoding/binary"
	"fmt"
	"log"
	"os"
	"os/signal"
	"slices"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/guptarohit/asciigraph"
	"github.com/tidedb/tide"
	"github.com/tidedb/tide/internal/cache"
)

const (
	minLatency = 10 * time.Microsecond
	maxLatency = 10 * time.Second
)

func newHistogram() *hdrhistogram.Histogram {
	return hdrhistogram.New(minLatency.Nanoseconds(), maxLatency.Nanoseconds(), 1)
}

type namedHistogram struct {
	name string
	mu   struct {
		sync.Mutex
		current *hdrhistogram.Histogram
	}
}

func newNamedHistogram(name string) *namedHistogram {
	w := &namedHistogram{name: name}
	w.mu.current = newHistogram()
	return w
}

func (w *namedHistogram) Record(elapsed time.Duration) {
	elapsed = min(max(elapsed, minLatency), maxLatency)

	w.mu.Lock()
	err := w.mu.current.RecordValue(elapsed.Nanoseconds())
	w.mu.Unlock()

	if err != nil {
		// The latency is clamped to the histogram's range, so this cannot
		// happen.
		panic(fmt.Sprintf(`%s: recording value: %s`, w.name, err))
	}
}

func (w *namedHistogram) tick(fn func(h *hdrhistogram.Histogram)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	h := w.mu.current
	w.mu.current = newHistogram()
	fn(h)
}

type histogramTick struct {
	// Name is the name given to the histograms represented by this tick.
	Name string
	// Hist is the merged result of the represented histograms for this tick.
	// Hist.TotalCount() is the number of operations that occurred for this tick.
	Hist *hdrhistogram.Histogram
	// Cumulative is the merged result of the represented histograms for all
	// time. Cumulative.TotalCount() is the total number of operations that have
	// occurred over all time.
	Cumulative *hdrhistogram.Histogram
	// Elapsed is the amount of time since the last tick.
	Elapsed time.Duration
	// Now is the time at which the tick was gathered. It covers the period
	// [Now-Elapsed,Now).
	Now time.Time
}

type histogramRegistry struct {
	mu struct {
		sync.Mutex
		registered []*namedHistogram
	}

	start      time.Time
	cumulative map[string]*hdrhistogram.Histogram
	prevTick   map[string]time.Time
	// rates holds the ops/sec of every tick, per histogram name.
	rates map[string][]float64
}

func newHistogramRegistry() *histogramRegistry {
	return &histogramRegistry{
		start:      time.Now(),
		cumulative: make(map[string]*hdrhistogram.Histogram),
		prevTick:   make(map[string]time.Time),
		rates:      make(map[string][]float64),
	}
}

func (w *histogramRegistry) Register(name string) *namedHistogram {
	hist := newNamedHistogram(name)

	w.mu.Lock()
	w.mu.registered = append(w.mu.registered, hist)
	w.mu.Unlock()

	return hist
}

func (w *histogramRegistry) Tick(fn func(histogramTick)) {
	w.mu.Lock()
	registered := slices.Clone(w.mu.registered)
	w.mu.Unlock()

	merged := make(map[string]*hdrhistogram.Histogram)
	var names []string
	for _, hist := range registered {
		hist.tick(func(h *hdrhistogram.Histogram) {
			if m, ok := merged[hist.name]; ok {
				m.Merge(h)
			} else {
				merged[hist.name] = h
				names = append(names, hist.name)
			}
		})
	}

	now := time.Now()
	slices.Sort(names)
	for _, name := range names {
		mergedHist := merged[name]
		if _, ok := w.cumulative[name]; !ok {
			w.cumulative[name] = newHistogram()
		}
		w.cumulative[name].Merge(mergedHist)

		prevTick, ok := w.prevTick[name]
		if !ok {
			prevTick = w.start
		}
		w.prevTick[name] = now
		tick := histogramTick{
			Name:       name,
			Hist:       merged[name],
			Cumulative: w.cumulative[name],
			Elapsed:    now.Sub(prevTick),
			Now:        now,
		}
		if secs := tick.Elapsed.Seconds(); secs > 0 {
			w.rates[name] = append(w.rates[name], float64(tick.Hist.TotalCount())/secs)
		}
		fn(tick)
	}
}

// Plot renders the per-tick ops/sec of the named histogram as an ASCII
// graph.
func (w *histogramRegistry) Plot(name string) string {
	rates := w.rates[name]
	if len(rates) == 0 {
		return ""
	}
	return asciigraph.Plot(rates,
		asciigraph.Height(10),
		asciigraph.Caption(name+" ops/sec"))
}

type test struct {
	init func(db *tide.DB, stop *atomic.Bool, wg *sync.WaitGroup)
	tick func(elapsed time.Duration, i int)
	done func(elapsed time.Duration)
}

func runTest(dir string, t test) {
	if wipe {
		fmt.Printf("wiping %s\n", dir)
		if err := os.RemoveAll(dir); err != nil {
			log.Fatal(err)
		}
	}

	fmt.Printf("dir %s\nconcurrency %d\n", dir, concurrency)

	c := cache.New(1 << 30)
	defer c.Unref()
	opts := &tide.Options{
		Cache:                     c,
		MemTableSize:              64 << 20,
		L0CompactionThreshold:     2,
		L0SlowdownWritesThreshold: 20,
		L0StopWritesThreshold:     32,
		Levels: []tide.LevelOptions{{
			BlockSize: 32 << 10,
		}},
	}
	opts.EnsureDefaults()
	if verbose {
		el := tide.MakeLoggingEventListener(opts.Logger)
		opts.EventListener = &el
	}
	d, err := tide.Open(dir, opts)
	if err != nil {
		log.Fatal(err)
	}

	var stop atomic.Bool
	var wg sync.WaitGroup
	t.init(d, &stop, &wg)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	done := make(chan os.Signal, 3)
	signal.Notify(done, os.Interrupt)

	go func() {
		wg.Wait()
		done <- syscall.Signal(0)
	}()

	if duration > 0 {
		go func() {
			time.Sleep(duration)
			done <- syscall.Signal(0)
		}()
	}

	start := time.Now()
	for i := 0; ; i++ {
		select {
		case <-ticker.C:
			t.tick(time.Since(start), i)

		case <-done:
			t.done(time.Since(start))
			stop.Store(true)
			wg.Wait()
			if err := d.Close(); err != nil {
				log.Fatal(err)
			}
			return
		}
	}
}

func encodeUint32Ascending(b []byte, v uint32) []byte {
	return binary.BigEndian.AppendUint32(b, v)
}
