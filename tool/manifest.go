// Copyright 2019 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package tool

import (
	"fmt"
	"io"

	"github.com/kr/pretty"
	"github.com/spf13/cobra"
	"github.com/tidedb/tide"
	"github.com/tidedb/tide/internal/base"
	"github.com/tidedb/tide/internal/manifest"
	"github.com/tidedb/tide/record"
)

// manifestT implements manifest-level tools, including both configuration
// state and the commands themselves.
type manifestT struct {
	Root  *cobra.Command
	Dump  *cobra.Command
	Check *cobra.Command

	opts      *tide.Options
	comparers map[string]*Comparer
	verbose   bool
}

func newManifest(opts *tide.Options, comparers map[string]*Comparer) *manifestT {
	m := &manifestT{
		opts:      opts,
		comparers: comparers,
	}

	m.Root = &cobra.Command{
		Use:   "manifest",
		Short: "manifest introspection tools",
	}
	m.Dump = &cobra.Command{
		Use:   "dump <manifest-files>",
		Short: "print manifest contents",
		Long: `
Print the contents of the MANIFEST files. With -v every version edit is
printed in full.
`,
		Args: cobra.MinimumNArgs(1),
		Run:  m.runDump,
	}
	m.Check = &cobra.Command{
		Use:   "check <manifest-files>",
		Short: "check manifest contents",
		Long: `
Replay the edits of the MANIFEST files and verify that every resulting
version is consistent.
`,
		Args: cobra.MinimumNArgs(1),
		Run:  m.runCheck,
	}
	m.Root.AddCommand(m.Dump, m.Check)
	m.Root.PersistentFlags().BoolVarP(&m.verbose, "verbose", "v", false, "verbose output")
	return m
}

// comparer returns the comparer named by an edit, or the default comparer
// when the name is empty or unknown.
func (m *manifestT) comparer(name string) *Comparer {
	if c, ok := m.comparers[name]; ok {
		return c
	}
	return base.DefaultComparer
}

func (m *manifestT) runDump(cmd *cobra.Command, args []string) {
	stdout, stderr := cmd.OutOrStdout(), cmd.ErrOrStderr()
	for _, arg := range args {
		func() {
			f, err := m.opts.FS.Open(arg)
			if err != nil {
				fmt.Fprintf(stderr, "%s\n", err)
				return
			}
			defer f.Close()

			fmt.Fprintf(stdout, "%s\n", arg)

			cmp := base.DefaultComparer
			rr := record.NewReader(f)
			for editIdx := 0; ; editIdx++ {
				offset := rr.Offset()
				r, err := rr.Next()
				if err != nil {
					if err != io.EOF {
						fmt.Fprintf(stdout, "%s\n", err)
					}
					break
				}
				var ve manifest.VersionEdit
				if err := ve.Decode(r); err != nil {
					fmt.Fprintf(stdout, "%d/%d: %s\n", offset, editIdx, err)
					break
				}
				if ve.ComparerName != "" {
					cmp = m.comparer(ve.ComparerName)
				}
				fmt.Fprintf(stdout, "%d/%d\n", offset, editIdx)
				if m.verbose {
					fmt.Fprintf(stdout, "%# v\n", pretty.Formatter(ve))
					continue
				}
				fmt.Fprint(stdout, ve.DebugString(cmp.FormatKey))
			}
		}()
	}
}

func (m *manifestT) runCheck(cmd *cobra.Command, args []string) {
	stdout, stderr := cmd.OutOrStdout(), cmd.ErrOrStderr()
	ok := true
	for _, arg := range args {
		func() {
			f, err := m.opts.FS.Open(arg)
			if err != nil {
				fmt.Fprintf(stderr, "%s\n", err)
				ok = false
				return
			}
			defer f.Close()

			cmp := base.DefaultComparer
			var v *manifest.Version
			rr := record.NewReader(f)
			for editIdx := 0; ; editIdx++ {
				offset := rr.Offset()
				r, err := rr.Next()
				if err != nil {
					if err != io.EOF {
						fmt.Fprintf(stdout, "%s: %d/%d: %s\n", arg, offset, editIdx, err)
						ok = false
					}
					break
				}
				var ve manifest.VersionEdit
				if err := ve.Decode(r); err != nil {
					fmt.Fprintf(stdout, "%s: %d/%d: %s\n", arg, offset, editIdx, err)
					ok = false
					break
				}
				if ve.ComparerName != "" {
					cmp = m.comparer(ve.ComparerName)
				}
				var bve manifest.BulkVersionEdit
				bve.Accumulate(&ve)
				next, err := bve.Apply(v, cmp.Compare, cmp.FormatKey)
				if err != nil {
					fmt.Fprintf(stdout, "%s: %d/%d: %s\n", arg, offset, editIdx, err)
					if m.verbose {
						fmt.Fprint(stdout, ve.DebugString(cmp.FormatKey))
					}
					ok = false
					break
				}
				v = next
			}
		}()
	}
	if ok {
		fmt.Fprintf(stdout, "OK\n")
	}
}
