// Command esp32img inspects and rewrites ESP32 firmware images and live
// device flash: the bootloader header, the partition table, partition
// contents, OTA slots, and a LittleFS filesystem inside a data partition.
//
// This is the thin external front-end spec.md §1 calls out of scope for
// the core (argument parsing, table rendering, progress display); it
// exists here only so the core packages (internal/...) have one real,
// exercised caller end to end, the way mos/main.go drives mos's own
// core packages.
package main

import (
	"context"
	goflag "flag"
	"fmt"
	"os"
	"strings"

	"github.com/golang/glog"
	"github.com/juju/errors"
	flag "github.com/spf13/pflag"

	"github.com/cesanta/go-serial/serial"

	"github.com/espfw/esp32img/internal/directive"
	"github.com/espfw/esp32img/internal/esperr"
	"github.com/espfw/esp32img/internal/espstub"
	"github.com/espfw/esp32img/internal/firmware"
	"github.com/espfw/esp32img/internal/flashio"
	"github.com/espfw/esp32img/internal/littlefs"
	"github.com/espfw/esp32img/internal/partio"
	"github.com/espfw/esp32img/internal/planner"
)

var (
	flagFlashSize  = flag.String("flash-size", "", "resize the flash (e.g. 8M)")
	flagAppSize    = flag.String("app-size", "", "resize every app partition (e.g. 2M)")
	flagTable      = flag.String("table", "", "replace the table with a canonical layout: default, original, or ota")
	flagDelete     = flag.String("delete", "", "comma-separated partition names to delete")
	flagAdd        = flag.String("add", "", "comma-separated NAME:SUBTYPE:OFFSET:SIZE specs to add")
	flagResize     = flag.String("resize", "", "comma-separated NAME=SIZE entries (SIZE=0 grows to fill)")
	flagRename     = flag.String("rename", "", "comma-separated OLD=NEW entries")
	flagFromCSV    = flag.String("from-csv", "", "replace the table with one loaded from a gen_esp32part.py-format CSV")
	flagErase      = flag.String("erase", "", "comma-separated partition names to erase")
	flagEraseFs    = flag.String("erase-fs", "", "comma-separated partition names to erase and reformat with LittleFS")
	flagRead       = flag.String("read", "", "comma-separated NAME=FILE entries to read a partition to a local file")
	flagWrite      = flag.String("write", "", "comma-separated NAME=FILE entries to write a local file into a partition")
	flagExtractApp = flag.String("extract-app", "", "NAME=FILE: extract an app partition's image, trimmed to its declared size")
	flagOTAUpdate  = flag.String("ota-update", "", "path to an app image to install via the OTA engine")
	flagFlash      = flag.String("flash", "", "NAME=FILE: write a local file into a partition, maintaining its image header/hash")
	flagTrim       = flag.Bool("trim", false, "trim trailing 0xFF bytes to a 16-byte boundary on reads/extracts")
	flagTrimBlocks = flag.Bool("trimblocks", false, "trim trailing 0xFF bytes to a 4KiB boundary on reads/extracts")
	flagFs         = flag.String("fs", "", "a LittleFS sub-command to run against a data partition, e.g. \"put boot.py /boot.py\"")
	flagCheckApp   = flag.Bool("check-app", false, "treat an app image hash mismatch as fatal instead of a warning")
	flagNoRollback = flag.Bool("no-rollback", false, "don't set the bootloader rollback flag after an OTA update")
	flagNoReset    = flag.Bool("no-reset", false, "leave the device in the bootloader stub instead of hard-resetting on close")
	flagBaud       = flag.Int("baud", 0, "serial baud rate (0 = the stub client's default)")
	flagMethod     = flag.String("method", "stub", "device transport method: stub (the only one this build wires up)")
	flagOutput     = flag.String("output", "", "destination file for a bare (no '=FILE') --read/--extract-app name")
	flagQuiet      = flag.BoolP("quiet", "q", false, "suppress informational output")
	flagDebug      = flag.BoolP("debug", "d", false, "verbose (-v=1 equivalent) logging")
	flagLog        = flag.String("log", "", "write glog output to this file instead of stderr")
)

func main() {
	flag.CommandLine.AddGoFlagSet(goflag.CommandLine)
	flag.Parse()
	applyLogFlags()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: esp32img [flags] <filename>")
		os.Exit(9)
	}
	err := run(flag.Arg(0))
	code := esperr.ExitCode(err)
	if err != nil {
		fmt.Fprintf(os.Stderr, "esp32img: %v\n", err)
		if glog.V(2) {
			glog.Errorf("%s", errors.ErrorStack(err))
		}
	}
	glog.Flush()
	os.Exit(code)
}

// applyLogFlags maps -q/-d/--log onto glog's own flags, the way
// cli/flagutils.go layers pflag on top of goflag's glog flag set.
func applyLogFlags() {
	if *flagQuiet {
		goflag.Set("stderrthreshold", "WARNING")
	}
	if *flagDebug {
		goflag.Set("v", "1")
	}
	if *flagLog != "" {
		goflag.Set("log_dir", *flagLog)
		goflag.Set("logtostderr", "false")
		goflag.Set("alsologtostderr", "false")
	}
}

func run(filename string) error {
	if *flagMethod != "stub" {
		return esperr.User("unsupported --method %q: only \"stub\" is wired up", *flagMethod)
	}
	ctx := context.Background()
	fw, err := openTarget(ctx, filename)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := fw.Close(); cerr != nil {
			glog.Errorf("closing %s: %v", filename, cerr)
		}
	}()

	oldTable := fw.Table
	directives, err := collectPlannerDirectives()
	if err != nil {
		return err
	}
	if *flagFromCSV != "" {
		if err := fw.FromCSV(ctx, *flagFromCSV); err != nil {
			return err
		}
	} else if len(directives) > 0 {
		if err := fw.Apply(ctx, directives); err != nil {
			return err
		}
	}
	if fw.Table != oldTable {
		printTableDiff(os.Stdout, oldTable, fw.Table)
	}

	if err := runPartitionIO(ctx, fw); err != nil {
		return err
	}
	if err := runFsDirectives(ctx, fw); err != nil {
		return err
	}
	if err := runOTA(ctx, fw); err != nil {
		return err
	}

	if len(directives) == 0 && *flagFromCSV == "" {
		printTable(os.Stdout, fw.Table)
	}
	return fw.CheckAppPartitions(ctx, *flagCheckApp)
}

// openTarget opens filename as a device (after short-name expansion) or a
// local image file, per spec.md §6's positional-argument rules.
func openTarget(ctx context.Context, filename string) (*firmware.Firmware, error) {
	if looksLikeDevice(filename) {
		port := expandShortDeviceName(filename)
		opts := flashio.DeviceOptions{
			Port:       port,
			Baud:       *flagBaud,
			NoReset:    *flagNoReset,
			OpenSerial: serial.Open,
			NewStub: func(serial.Serial) flashio.StubClient {
				return espstub.NewWithPort(port, *flagBaud, *flagNoReset)
			},
		}
		return firmware.OpenDevice(ctx, opts, 0)
	}
	var reportedSize uint64
	if *flagFlashSize != "" {
		sz, err := directive.ParseSize(*flagFlashSize)
		if err != nil {
			return nil, err
		}
		reportedSize = sz
	}
	return firmware.OpenFile(ctx, filename, reportedSize, 0)
}

// collectPlannerDirectives maps the layout-affecting flags onto planner
// directives in spec.md §4.4's order: flash resize, template, from-csv
// (handled separately), add, delete, resize, rename, app-size.
func collectPlannerDirectives() ([]planner.Directive, error) {
	var out []planner.Directive
	if *flagFlashSize != "" {
		sz, err := directive.ParseSize(*flagFlashSize)
		if err != nil {
			return nil, err
		}
		out = append(out, planner.ResizeFlash(sz))
	}
	if *flagTable != "" {
		out = append(out, planner.Template(*flagTable, 0))
	}
	if *flagAdd != "" {
		specs, err := directive.ParseAddSpecList(*flagAdd)
		if err != nil {
			return nil, err
		}
		for _, s := range specs {
			out = append(out, planner.AddPart(s.Name, s.Subtype, s.Offset, s.Size))
		}
	}
	if *flagDelete != "" {
		out = append(out, planner.DeletePart(strings.Split(*flagDelete, ",")...))
	}
	if *flagResize != "" {
		entries, err := directive.ParseSizeList(*flagResize)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			sz, err := directive.ParseSize(e.Value)
			if err != nil {
				return nil, err
			}
			out = append(out, planner.ResizePart(e.Name, sz))
		}
	}
	if *flagRename != "" {
		pairs, err := directive.ParseRenameList(*flagRename)
		if err != nil {
			return nil, err
		}
		for _, p := range pairs {
			out = append(out, planner.RenamePart(p.Old, p.New))
		}
	}
	if *flagAppSize != "" {
		sz, err := directive.ParseSize(*flagAppSize)
		if err != nil {
			return nil, err
		}
		out = append(out, planner.AppSize(sz))
	}
	return out, nil
}

// runPartitionIO performs every directive that reads, writes, or erases
// partition bytes directly (spec.md §3's I/O directives).
func runPartitionIO(ctx context.Context, fw *firmware.Firmware) error {
	if *flagErase != "" {
		for _, name := range strings.Split(*flagErase, ",") {
			if err := fw.ErasePartition(ctx, name); err != nil {
				return err
			}
			glog.Infof("erased %q", name)
		}
	}
	if *flagRead != "" {
		entries, err := directive.ParsePartList(*flagRead)
		if err != nil {
			return err
		}
		for _, e := range entries {
			dest := e.Value
			if dest == "" {
				dest = *flagOutput
			}
			data, err := fw.ReadPartition(ctx, e.Name)
			if err != nil {
				return err
			}
			data = maybeTrim(data)
			if err := os.WriteFile(dest, data, 0644); err != nil {
				return esperr.Fs("writing %s: %v", dest, err)
			}
			glog.Infof("read %q (%d bytes) -> %s", e.Name, len(data), dest)
		}
	}
	if *flagWrite != "" {
		entries, err := directive.ParsePartList(*flagWrite)
		if err != nil {
			return err
		}
		for _, e := range entries {
			data, err := os.ReadFile(e.Value)
			if err != nil {
				return esperr.Fs("reading %s: %v", e.Value, err)
			}
			if err := fw.WritePartition(ctx, e.Name, data); err != nil {
				return err
			}
			glog.Infof("wrote %s (%d bytes) -> %q", e.Value, len(data), e.Name)
		}
	}
	if *flagFlash != "" {
		name, path, ok := strings.Cut(*flagFlash, "=")
		if !ok {
			return esperr.User("--flash requires NAME=FILE, got %q", *flagFlash)
		}
		if err := fw.FlashImage(ctx, name, path); err != nil {
			return err
		}
		glog.Infof("flashed %s -> %q", path, name)
	}
	if *flagExtractApp != "" {
		name, path, ok := strings.Cut(*flagExtractApp, "=")
		if !ok {
			name, path = *flagExtractApp, *flagOutput
		}
		if err := fw.ExtractApp(ctx, name, path); err != nil {
			return err
		}
		glog.Infof("extracted %q -> %s", name, path)
	}
	return nil
}

func maybeTrim(data []byte) []byte {
	switch {
	case *flagTrimBlocks:
		return partio.TrimBlocks(data)
	case *flagTrim:
		return partio.Trim(data)
	default:
		return data
	}
}

func runOTA(ctx context.Context, fw *firmware.Firmware) error {
	if *flagOTAUpdate == "" {
		return nil
	}
	slot, err := fw.OTAUpdate(ctx, *flagOTAUpdate, !*flagNoRollback, func(done, total int64) {
		glog.V(1).Infof("ota: %d/%d bytes", done, total)
	})
	if err != nil {
		return err
	}
	glog.Infof("ota: now booting from ota_%d", slot)
	return nil
}

// runFsDirectives dispatches --erase-fs and --fs against the LittleFS
// adapter (spec C8).
func runFsDirectives(ctx context.Context, fw *firmware.Firmware) error {
	if *flagEraseFs == "" && *flagFs == "" {
		return nil
	}
	lf := littlefs.New(ctx, fw)
	defer func() {
		if cerr := lf.Close(); cerr != nil {
			glog.Errorf("unmounting littlefs: %v", cerr)
		}
	}()

	if *flagEraseFs != "" {
		for _, name := range strings.Split(*flagEraseFs, ",") {
			if err := lf.Mkfs(name); err != nil {
				return err
			}
			glog.Infof("erased and reformatted %q", name)
		}
	}
	if *flagFs != "" {
		cmd, args, err := directive.ParseFsCommand(*flagFs)
		if err != nil {
			return err
		}
		return runFsCommand(lf, cmd, args)
	}
	return nil
}

func runFsCommand(lf *littlefs.Adapter, cmd string, args []string) error {
	switch cmd {
	case "ls":
		spec := "vfs:/"
		if len(args) > 0 {
			spec = args[0]
		}
		entries, err := lf.Ls(spec)
		if err != nil {
			return err
		}
		for _, e := range entries {
			fmt.Println(e)
		}
		return nil
	case "cat":
		if len(args) != 1 {
			return esperr.User("fs cat takes exactly one path")
		}
		data, err := lf.Cat(args[0])
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(data)
		return err
	case "get":
		if len(args) != 2 {
			return esperr.User("fs get takes SRC DST")
		}
		return lf.Get(args[0], args[1])
	case "put":
		if len(args) != 2 {
			return esperr.User("fs put takes SRC DST")
		}
		return lf.Put(args[0], args[1])
	case "mkdir":
		if len(args) < 1 {
			return esperr.User("fs mkdir takes a path")
		}
		return lf.Mkdir(args[0], len(args) > 1 && args[1] == "-p")
	case "rm":
		if len(args) < 1 {
			return esperr.User("fs rm takes one or more paths")
		}
		recursive := false
		paths := args
		if args[0] == "-r" {
			recursive, paths = true, args[1:]
		}
		return lf.Rm(paths, recursive)
	case "rename":
		if len(args) != 2 {
			return esperr.User("fs rename takes OLD NEW")
		}
		return lf.Rename(args[0], args[1])
	case "mkfs":
		name := ""
		if len(args) > 0 {
			name = args[0]
		}
		return lf.Mkfs(name)
	case "grow":
		name := ""
		if len(args) > 0 {
			name = args[0]
		}
		return lf.Grow(name, 0)
	case "df":
		name := ""
		if len(args) > 0 {
			name = args[0]
		}
		du, err := lf.Df(name)
		if err != nil {
			return err
		}
		fmt.Printf("%d/%d blocks used (%d bytes/block)\n", du.UsedBlocks, du.BlockCount, du.BlockSize)
		return nil
	default:
		return esperr.User("unknown --fs command %q", cmd)
	}
}

