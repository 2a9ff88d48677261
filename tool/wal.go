// Copyright 2019 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package tool

import (
	"bytes"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/tidedb/tide"
	"github.com/tidedb/tide/batchrepr"
	"github.com/tidedb/tide/internal/base"
	"github.com/tidedb/tide/record"
)

// walT implements WAL-level tools, including both configuration state and the
// commands themselves.
type walT struct {
	Root *cobra.Command
	Dump *cobra.Command

	opts     *tide.Options
	fmtKey   formatter
	fmtValue formatter
	verbose  bool
}

func newWAL(opts *tide.Options) *walT {
	w := &walT{
		opts: opts,
	}
	w.fmtKey.mustSet("quoted")
	w.fmtValue.mustSet("[%x]")

	w.Root = &cobra.Command{
		Use:   "wal",
		Short: "WAL introspection tools",
	}
	w.Dump = &cobra.Command{
		Use:   "dump <wal-files>",
		Short: "print WAL contents",
		Long: `
Print the contents of the WAL files. Every batch is printed with its offset,
sequence number and entry count, followed by its entries when -v is given.
`,
		Args: cobra.MinimumNArgs(1),
		Run:  w.runDump,
	}

	w.Root.AddCommand(w.Dump)
	w.Root.PersistentFlags().BoolVarP(&w.verbose, "verbose", "v", false, "verbose output")

	w.Dump.Flags().Var(
		&w.fmtKey, "key", "key formatter")
	w.Dump.Flags().Var(
		&w.fmtValue, "value", "value formatter")
	return w
}

func (w *walT) runDump(cmd *cobra.Command, args []string) {
	stdout, stderr := cmd.OutOrStdout(), cmd.ErrOrStderr()
	var buf bytes.Buffer

	for _, arg := range args {
		func() {
			f, err := w.opts.FS.Open(arg)
			if err != nil {
				fmt.Fprintf(stderr, "%s\n", err)
				return
			}
			defer f.Close()

			fmt.Fprintf(stdout, "%s\n", arg)

			rr := record.NewReader(f)
			for {
				offset := rr.Offset()
				r, err := rr.Next()
				if err == nil {
					buf.Reset()
					_, err = io.Copy(&buf, r)
				}
				if err != nil {
					// It is common to encounter a zeroed or invalid chunk at the
					// tail of a log that was not cleanly closed.
					if err != io.EOF {
						fmt.Fprintf(stdout, "%d: %s\n", offset, err)
					}
					return
				}

				repr := buf.Bytes()
				h, ok := batchrepr.ReadHeader(repr)
				if !ok {
					fmt.Fprintf(stdout, "%d: corrupt log record: %x\n", offset, repr)
					continue
				}
				fmt.Fprintf(stdout, "%d(%d) seq=%d count=%d\n",
					offset, len(repr), h.SeqNum, h.Count)
				if !w.verbose {
					continue
				}
				seq := h.SeqNum
				for br := batchrepr.Read(repr); ; seq++ {
					kind, ukey, value, ok, err := br.Next()
					if err != nil {
						fmt.Fprintf(stdout, "    %s\n", err)
						break
					}
					if !ok {
						break
					}
					ikey := base.MakeInternalKey(ukey, seq, kind)
					fmt.Fprintf(stdout, "    ")
					valueFmt := w.fmtValue
					if kind == base.InternalKeyKindDelete {
						valueFmt.mustSet("null")
					}
					formatKeyValue(stdout, w.fmtKey, valueFmt, &ikey, value)
				}
			}
		}()
	}
}
