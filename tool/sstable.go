// Copyright 2019 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package tool

import (
	"bytes"
	"fmt"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"github.com/tidedb/tide"
	"github.com/tidedb/tide/internal/base"
	"github.com/tidedb/tide/sstable"
)

// sstableT implements sstable-level tools, including both configuration state
// and the commands themselves.
type sstableT struct {
	Root   *cobra.Command
	Check  *cobra.Command
	Layout *cobra.Command
	Scan   *cobra.Command

	// Configuration and state.
	opts      *tide.Options
	comparers map[string]*Comparer

	// Flags.
	comparerName string
	fmtKey       formatter
	fmtValue     formatter
	start        key
	end          key
	verbose      bool
}

func newSSTable(opts *tide.Options, comparers map[string]*Comparer) *sstableT {
	s := &sstableT{
		opts:      opts,
		comparers: comparers,
	}
	s.fmtKey.mustSet("quoted")
	s.fmtValue.mustSet("[%x]")

	s.Root = &cobra.Command{
		Use:   "sstable",
		Short: "sstable introspection tools",
	}
	s.Check = &cobra.Command{
		Use:   "check <sstables>",
		Short: "verify checksums and metadata",
		Long: `
Verify the checksum of every block of the sstables and that their keys are in
increasing order.
`,
		Args: cobra.MinimumNArgs(1),
		Run:  s.runCheck,
	}
	s.Layout = &cobra.Command{
		Use:   "layout <sstables>",
		Short: "print sstable block and record layout",
		Long: `
Print the layout for the sstables. The -v flag controls whether record layout
is displayed or omitted.
`,
		Args: cobra.MinimumNArgs(1),
		Run:  s.runLayout,
	}
	s.Scan = &cobra.Command{
		Use:   "scan <sstables>",
		Short: "print sstable records",
		Long: `
Print the records in the sstables. The sstables are scanned in command line
order which means the records will be printed in that order.
`,
		Args: cobra.MinimumNArgs(1),
		Run:  s.runScan,
	}

	s.Root.AddCommand(s.Check, s.Layout, s.Scan)
	s.Root.PersistentFlags().StringVar(
		&s.comparerName, "comparer", "", "comparer name (use default if empty)")
	s.Layout.Flags().BoolVarP(
		&s.verbose, "verbose", "v", false, "verbose output")

	s.Check.Flags().Var(
		&s.fmtKey, "key", "key formatter")
	s.Layout.Flags().Var(
		&s.fmtKey, "key", "key formatter")
	s.Layout.Flags().Var(
		&s.fmtValue, "value", "value formatter")
	s.Scan.Flags().Var(
		&s.fmtKey, "key", "key formatter")
	s.Scan.Flags().Var(
		&s.fmtValue, "value", "value formatter")
	s.Scan.Flags().Var(
		&s.start, "start", "start key for the scan")
	s.Scan.Flags().Var(
		&s.end, "end", "end key for the scan")
	return s
}

func (s *sstableT) comparer() (*Comparer, error) {
	if s.comparerName == "" {
		return s.opts.Comparer.EnsureDefaults(), nil
	}
	c, ok := s.comparers[s.comparerName]
	if !ok {
		return nil, errors.Errorf("unknown comparer %q", s.comparerName)
	}
	return c.EnsureDefaults(), nil
}

// withReader opens the sstable at path and calls fn with a reader over it,
// reporting errors to w.
func (s *sstableT) withReader(w io.Writer, path string, fn func(r *sstable.Reader, c *Comparer)) {
	c, err := s.comparer()
	if err != nil {
		fmt.Fprintf(w, "%s\n", err)
		return
	}
	f, err := s.opts.FS.Open(path)
	if err != nil {
		fmt.Fprintf(w, "%s\n", err)
		return
	}
	fmt.Fprintf(w, "%s\n", path)

	ropts := s.opts.MakeReaderOptions()
	ropts.Comparer = c
	if _, fileNum, ok := base.ParseFilename(s.opts.FS, s.opts.FS.PathBase(path)); ok {
		ropts.FileNum = fileNum
	}
	r, err := sstable.NewReader(f, ropts)
	if err != nil {
		fmt.Fprintf(w, "%s\n", err)
		return
	}
	defer r.Close()
	fn(r, c)
}

func (s *sstableT) runCheck(cmd *cobra.Command, args []string) {
	stdout := cmd.OutOrStdout()
	for _, arg := range args {
		s.withReader(stdout, arg, func(r *sstable.Reader, c *Comparer) {
			if err := r.ValidateBlockChecksums(); err != nil {
				fmt.Fprintf(stdout, "%s\n", err)
				return
			}
			iter := r.NewIter()
			var lastKey base.InternalKey
			first := true
			for iter.First(); iter.Valid(); iter.Next() {
				k := iter.Key()
				if !first && base.InternalCompare(c.Compare, lastKey, k) >= 0 {
					fmt.Fprintf(stdout, "WARNING: OUT OF ORDER KEYS!\n")
					if s.fmtKey.spec != "null" {
						fmt.Fprintf(stdout, "    %s >= %s\n",
							lastKey.Pretty(c.FormatKey), k.Pretty(c.FormatKey))
					}
				}
				lastKey = k.Clone()
				first = false
			}
			if err := iter.Close(); err != nil {
				fmt.Fprintf(stdout, "%s\n", err)
			}
		})
	}
}

func (s *sstableT) runLayout(cmd *cobra.Command, args []string) {
	stdout := cmd.OutOrStdout()
	for _, arg := range args {
		s.withReader(stdout, arg, func(r *sstable.Reader, c *Comparer) {
			l, err := r.Layout()
			if err != nil {
				fmt.Fprintf(stdout, "%s\n", err)
				return
			}
			fmtKV := func(key base.InternalKey, value []byte) string {
				var buf bytes.Buffer
				formatKeyValue(&buf, s.fmtKey, s.fmtValue, &key, value)
				return string(bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}))
			}
			if s.fmtKey.spec == "null" && s.fmtValue.spec == "null" {
				fmtKV = nil
			}
			l.Describe(stdout, s.verbose, r, fmtKV)
		})
	}
}

func (s *sstableT) runScan(cmd *cobra.Command, args []string) {
	stdout := cmd.OutOrStdout()
	for _, arg := range args {
		s.withReader(stdout, arg, func(r *sstable.Reader, c *Comparer) {
			iter := r.NewIter()
			if len(s.start) > 0 {
				iter.SeekGE(s.start)
			} else {
				iter.First()
			}
			var lastKey base.InternalKey
			first := true
			for ; iter.Valid(); iter.Next() {
				k := iter.Key()
				if len(s.end) > 0 && c.Compare(k.UserKey, s.end) >= 0 {
					break
				}
				formatKeyValue(stdout, s.fmtKey, s.fmtValue, &k, iter.Value())
				if !first && base.InternalCompare(c.Compare, lastKey, k) >= 0 {
					fmt.Fprintf(stdout, "    WARNING: OUT OF ORDER KEYS!\n")
				}
				lastKey = k.Clone()
				first = false
			}
			if err := iter.Close(); err != nil {
				fmt.Fprintf(stdout, "%s\n", err)
			}
		})
	}
}
