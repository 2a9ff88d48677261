// Copyright 2018 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package main

import (
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/tidedb/tide/tool"
)

var (
	concurrency int
	duration    time.Duration
	verbose     bool
	wipe        bool
)

var rootCmd = &cobra.Command{
	Use:   "tide [command] (flags)",
	Short: "tide benchmarking/introspection tool",
	Long:  ``,
}

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "benchmarks",
}

func main() {
	log.SetFlags(0)

	cobra.EnableCommandSorting = false

	benchCmd.AddCommand(scanCmd, syncCmd)
	for _, cmd := range []*cobra.Command{scanCmd, syncCmd} {
		cmd.Flags().IntVarP(
			&concurrency, "concurrency", "c", 1, "number of concurrent workers")
		cmd.Flags().DurationVarP(
			&duration, "duration", "d", 10*time.Second, "the duration to run (0, run forever)")
		cmd.Flags().BoolVarP(
			&verbose, "verbose", "v", false, "enable verbose event logging")
		cmd.Flags().BoolVarP(
			&wipe, "wipe", "w", false, "wipe the database before starting")
	}

	scanCmd.Flags().BoolVarP(
		&scanReverse, "reverse", "r", false, "reverse scan")
	scanCmd.Flags().IntVar(
		&scanRows, "rows", scanRows, "number of rows to scan in each operation")
	scanCmd.Flags().IntVar(
		&scanValueSize, "value", scanValueSize, "size of values to scan")

	syncCmd.Flags().IntVar(
		&syncBatch, "batch", syncBatch, "number of keys written by each batch")
	syncCmd.Flags().BoolVar(
		&syncNoSync, "no-sync", false, "do not sync the WAL on commit")

	rootCmd.AddCommand(benchCmd)
	rootCmd.AddCommand(tool.New().Commands...)

	if err := rootCmd.Execute(); err != nil {
		// Cobra has already printed the error message.
		os.Exit(1)
	}
}
