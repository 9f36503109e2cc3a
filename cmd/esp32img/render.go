package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/espfw/esp32img/internal/parttable"
)

// tableText renders t the way a reader of the original tool's printed
// partition table would expect: one row per record, offset/size in hex,
// human subtype names. Ground: mongoose-os-mos/mos/flash/esp32/partitions.go's
// tabwriter-based ESPPartitionInfo printing.
func tableText(t *parttable.Table) string {
	var buf []byte
	w := tabwriter.NewWriter(sliceWriter{&buf}, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Name\tType\tSubType\tOffset\tSize\n")
	for _, r := range t.Records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%#x\t%#x\n", r.Name, r.TypeName(), r.SubtypeName(), r.Offset, r.Size)
	}
	w.Flush()
	return string(buf)
}

type sliceWriter struct{ buf *[]byte }

func (s sliceWriter) Write(p []byte) (int, error) {
	*s.buf = append(*s.buf, p...)
	return len(p), nil
}

// printTable writes t's table to w, in color when color.NoColor is false
// (fatih/color's own terminal auto-detection, same as cli/flagutils.go's
// usage).
func printTable(w io.Writer, t *parttable.Table) {
	bold := color.New(color.Bold)
	bold.Fprintf(w, "flash_size=%#x table_offset=%#x\n", t.FlashSize, t.TableOffset)
	io.WriteString(w, tableText(t))
}

// printTableDiff renders a line-level diff between old and new table text,
// the same way fw_bundle_test.go uses diffmatchpatch to render a
// human-readable comparison, so a user sees exactly what a planner run
// changed before it's committed to flash.
func printTableDiff(w io.Writer, old, new *parttable.Table) {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(tableText(old), tableText(new), false)
	if len(diffs) == 1 && diffs[0].Type == diffmatchpatch.DiffEqual {
		fmt.Fprintln(w, "(partition table unchanged)")
		return
	}
	fmt.Fprintln(w, dmp.DiffPrettyText(diffs))
}
