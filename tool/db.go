// Copyright 2019 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package tool

import (
	"fmt"
	"strconv"

	"github.com/cockroachdb/crlib/crhumanize"
	"github.com/cockroachdb/errors"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/tidedb/tide"
	"github.com/tidedb/tide/internal/base"
)

// dbT implements db-level tools, including both configuration state and the
// commands themselves.
type dbT struct {
	Root       *cobra.Command
	Check      *cobra.Command
	LSM        *cobra.Command
	Scan       *cobra.Command
	Get        *cobra.Command
	Properties *cobra.Command
	Compact    *cobra.Command
	Repair     *cobra.Command

	// Configuration.
	opts      *tide.Options
	comparers map[string]*Comparer

	// Flags.
	comparerName string
	start        key
	end          key
	fmtKey       formatter
	fmtValue     formatter
	count        int64
}

func newDB(opts *tide.Options, comparers map[string]*Comparer) *dbT {
	d := &dbT{
		opts:      opts,
		comparers: comparers,
	}
	d.fmtKey.mustSet("quoted")
	d.fmtValue.mustSet("null")

	d.Root = &cobra.Command{
		Use:   "db",
		Short: "DB introspection tools",
	}
	d.Check = &cobra.Command{
		Use:   "check <dir>",
		Short: "verify checksums and metadata",
		Long: `
Verify that every key is readable and that the levels are consistent. Requires
that the specified database not be in use by another process.
`,
		Args: cobra.ExactArgs(1),
		Run:  d.runCheck,
	}
	d.LSM = &cobra.Command{
		Use:   "lsm <dir>",
		Short: "print LSM structure",
		Long: `
Print the structure of the LSM tree. Requires that the specified database not
be in use by another process.
`,
		Args: cobra.ExactArgs(1),
		Run:  d.runLSM,
	}
	d.Scan = &cobra.Command{
		Use:   "scan <dir>",
		Short: "print db records",
		Long: `
Print the records in the DB. Requires that the specified database not be in use
by another process.
`,
		Args: cobra.ExactArgs(1),
		Run:  d.runScan,
	}
	d.Get = &cobra.Command{
		Use:   "get <dir> <key>",
		Short: "print the value of a key",
		Args:  cobra.ExactArgs(2),
		Run:   d.runGet,
	}
	d.Properties = &cobra.Command{
		Use:   "properties <dir> [<property>]",
		Short: "print DB properties",
		Long: `
Print the value of a DB property, or the DB stats if no property is given.
`,
		Args: cobra.RangeArgs(1, 2),
		Run:  d.runProperties,
	}
	d.Compact = &cobra.Command{
		Use:   "compact <dir>",
		Short: "compact the DB",
		Long: `
Compact the range [start, end] of the DB, the whole DB by default. Requires
that the specified database not be in use by another process.
`,
		Args: cobra.ExactArgs(1),
		Run:  d.runCompact,
	}
	d.Repair = &cobra.Command{
		Use:   "repair <dir>",
		Short: "rebuild the manifest of a damaged DB",
		Long: `
Convert the logs of the DB to sstables and write a new manifest listing every
readable sstable. Files that cannot be used are moved to the "lost"
subdirectory. Requires that the specified database not be in use by another
process.
`,
		Args: cobra.ExactArgs(1),
		Run:  d.runRepair,
	}

	d.Root.AddCommand(d.Check, d.LSM, d.Scan, d.Get, d.Properties, d.Compact, d.Repair)
	for _, cmd := range d.Root.Commands() {
		cmd.Flags().StringVar(
			&d.comparerName, "comparer", "", "comparer name (use default if empty)")
	}
	for _, cmd := range []*cobra.Command{d.Scan, d.Compact} {
		cmd.Flags().Var(
			&d.start, "start", "start key for the range")
		cmd.Flags().Var(
			&d.end, "end", "end key for the range")
	}
	d.Scan.Flags().Var(
		&d.fmtKey, "key", "key formatter")
	d.Scan.Flags().Var(
		&d.fmtValue, "value", "value formatter")
	d.Scan.Flags().Int64Var(
		&d.count, "count", 0, "key count for scan (0 is unlimited)")
	d.Get.Flags().Var(
		&d.fmtValue, "value", "value formatter")
	return d
}

func (d *dbT) options() (*tide.Options, error) {
	opts := d.opts.Clone()
	opts.ErrorIfNotExists = true
	if d.comparerName != "" {
		c, ok := d.comparers[d.comparerName]
		if !ok {
			return nil, errors.Errorf("unknown comparer %q", d.comparerName)
		}
		opts.Comparer = c
	}
	return opts, nil
}

func (d *dbT) openDB(dir string) (*tide.DB, error) {
	opts, err := d.options()
	if err != nil {
		return nil, err
	}
	db, err := tide.Open(dir, opts)
	if err != nil {
		return nil, errors.Wrapf(err, "error opening database at %q", dir)
	}
	return db, nil
}

func (d *dbT) closeDB(db *tide.DB) {
	if err := db.Close(); err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
	}
}

func (d *dbT) runCheck(cmd *cobra.Command, args []string) {
	stdout, stderr := cmd.OutOrStdout(), cmd.ErrOrStderr()
	db, err := d.openDB(args[0])
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return
	}
	defer d.closeDB(db)

	var count, bytes int64
	iter := db.NewIter(nil)
	for valid := iter.First(); valid; valid = iter.Next() {
		count++
		bytes += int64(len(iter.Key()) + len(iter.Value()))
	}
	if err := iter.Close(); err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return
	}
	if err := db.CheckLevels(nil); err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return
	}
	fmt.Fprintf(stdout, "checked %d %s %s\n",
		count, makePlural("key", count), crhumanize.Bytes(bytes, crhumanize.Compact, crhumanize.OmitI))
}

func (d *dbT) runLSM(cmd *cobra.Command, args []string) {
	stdout, stderr := cmd.OutOrStdout(), cmd.ErrOrStderr()
	db, err := d.openDB(args[0])
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return
	}
	defer d.closeDB(db)

	m := db.Metrics()
	tbl := tablewriter.NewWriter(stdout)
	tbl.SetHeader([]string{"Level", "Files", "Size", "Score", "Smallest", "Largest"})
	for level, files := range db.SSTables() {
		lm := &m.Levels[level]
		if len(files) == 0 {
			continue
		}
		tbl.Append([]string{
			strconv.Itoa(level),
			strconv.FormatInt(lm.NumFiles, 10),
			string(crhumanize.Bytes(int64(lm.Size), crhumanize.Compact, crhumanize.OmitI)),
			fmt.Sprintf("%.2f", lm.Score),
			fmt.Sprint(files[0].Smallest.Pretty(d.formatKey())),
			fmt.Sprint(files[len(files)-1].Largest.Pretty(d.formatKey())),
		})
	}
	tbl.Render()

	for level, files := range db.SSTables() {
		if len(files) == 0 {
			continue
		}
		fmt.Fprintf(stdout, "--- L%d ---\n", level)
		for _, f := range files {
			fmt.Fprintf(stdout, "  %s:%d [%s-%s]\n", f.FileNum, f.Size,
				f.Smallest.Pretty(d.formatKey()), f.Largest.Pretty(d.formatKey()))
		}
	}
}

func (d *dbT) formatKey() base.FormatKey {
	if c, ok := d.comparers[d.comparerName]; ok && c.FormatKey != nil {
		return c.FormatKey
	}
	return base.DefaultFormatter
}

func (d *dbT) runScan(cmd *cobra.Command, args []string) {
	stdout, stderr := cmd.OutOrStdout(), cmd.ErrOrStderr()
	db, err := d.openDB(args[0])
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return
	}
	defer d.closeDB(db)

	var count int64
	iter := db.NewIter(&tide.IterOptions{
		LowerBound: d.start,
		UpperBound: d.end,
	})
	for valid := iter.First(); valid; valid = iter.Next() {
		if d.fmtKey.spec != "null" {
			d.fmtKey.fn(stdout, iter.Key())
			if d.fmtValue.spec != "null" {
				stdout.Write([]byte{' '})
			}
		}
		if d.fmtValue.spec != "null" {
			d.fmtValue.fn(stdout, iter.Value())
		}
		stdout.Write([]byte{'\n'})
		count++
		if d.count > 0 && count >= d.count {
			break
		}
	}
	if err := iter.Close(); err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
	}
	fmt.Fprintf(stdout, "scanned %d %s\n", count, makePlural("record", count))
}

func (d *dbT) runGet(cmd *cobra.Command, args []string) {
	stdout, stderr := cmd.OutOrStdout(), cmd.ErrOrStderr()
	var k key
	if err := k.Set(args[1]); err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return
	}
	db, err := d.openDB(args[0])
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return
	}
	defer d.closeDB(db)

	value, err := db.Get(k)
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return
	}
	fmtValue := d.fmtValue
	if fmtValue.spec == "null" {
		fmtValue.mustSet("quoted")
	}
	fmtValue.fn(stdout, value)
	stdout.Write([]byte{'\n'})
}

func (d *dbT) runProperties(cmd *cobra.Command, args []string) {
	stdout, stderr := cmd.OutOrStdout(), cmd.ErrOrStderr()
	db, err := d.openDB(args[0])
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return
	}
	defer d.closeDB(db)

	name := "tide.stats"
	if len(args) > 1 {
		name = args[1]
	}
	value, ok := db.GetProperty(name)
	if !ok {
		fmt.Fprintf(stderr, "unknown property %q\n", name)
		return
	}
	fmt.Fprint(stdout, value)
	if len(value) > 0 && value[len(value)-1] != '\n' {
		fmt.Fprintln(stdout)
	}
}

func (d *dbT) runCompact(cmd *cobra.Command, args []string) {
	stderr := cmd.ErrOrStderr()
	db, err := d.openDB(args[0])
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return
	}
	defer d.closeDB(db)

	if err := db.Compact(d.start, d.end); err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
	}
}

func (d *dbT) runRepair(cmd *cobra.Command, args []string) {
	stdout, stderr := cmd.OutOrStdout(), cmd.ErrOrStderr()
	opts, err := d.options()
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return
	}
	if err := tide.Repair(args[0], opts); err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return
	}
	fmt.Fprintf(stdout, "repaired %s\n", args[0])
}

func makePlural(singular string, count int64) string {
	if count > 1 || count == 0 {
		return singular + "s"
	}
	return singular
}
