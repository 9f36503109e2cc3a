// Package firmware implements the facade that orchestrates the image
// header, partition table, planner, and partition I/O packages over either
// a local image file or a live serial-attached device (spec C6).
//
// Ground: original_source's firmware.py (Firmware, open/save, the
// directive-as-method surface) and mongoose-os-mos/mos/flash/esp32's
// combination of a descriptor, a partition table and a flasher session
// into one object a CLI command can drive end to end.
package firmware

import (
	"bytes"
	"context"
	"os"

	"github.com/golang/glog"

	"github.com/espfw/esp32img/internal/esperr"
	"github.com/espfw/esp32img/internal/espimage"
	"github.com/espfw/esp32img/internal/flashio"
	"github.com/espfw/esp32img/internal/ota"
	"github.com/espfw/esp32img/internal/partio"
	"github.com/espfw/esp32img/internal/planner"
	"github.com/espfw/esp32img/internal/parttable"
)

// Synthetic partition names the facade resolves outside the table itself.
const (
	NameBootloader     = "bootloader"
	NamePartitionTable = "partition_table"
)

// Firmware owns a backing flashio.Device and the two parsed structures
// (bootloader ImageHeader, PartitionTable) that make it meaningful to
// operate on by partition name rather than raw offset.
//
// Ownership: Firmware exclusively owns dev; a PartitionIO handed out by
// Partition is a weak, borrowed window that is only valid while this
// Firmware stays open.
type Firmware struct {
	dev         flashio.Device
	isDevice    bool
	Header      *espimage.Header
	Table       *parttable.Table
	TableOffset uint32
}

// Open reads the bootloader header and partition table off dev and
// returns a ready Firmware. tableOffset of 0 uses the conventional 0x8000.
func Open(ctx context.Context, dev flashio.Device, isDevice bool, tableOffset uint32) (*Firmware, error) {
	if tableOffset == 0 {
		tableOffset = parttable.DefaultTableOffset
	}
	head, err := dev.Read(ctx, parttable.BootloaderOffset, espimage.HeaderSize)
	if err != nil {
		return nil, esperr.Device("reading bootloader header: %v", err)
	}
	hdr, err := espimage.Parse(head)
	if err != nil {
		return nil, err
	}
	flashSize := hdr.FlashSize()
	if isDevice && dev.Size() != 0 && dev.Size() != flashSize {
		glog.Warningf("firmware: device reports flash size %#x, bootloader header says %#x; using the header value", dev.Size(), flashSize)
	}
	tableData, err := dev.Read(ctx, uint64(tableOffset), parttable.TableRegionSize)
	if err != nil {
		return nil, esperr.Device("reading partition table: %v", err)
	}
	table, err := parttable.Parse(tableData, flashSize, tableOffset)
	if err != nil {
		return nil, err
	}
	return &Firmware{dev: dev, isDevice: isDevice, Header: hdr, Table: table, TableOffset: tableOffset}, nil
}

// OpenFile opens path as a file-backed Firmware. reportedSize overrides the
// file's length for bounds checks (0 = use the file's actual length).
func OpenFile(ctx context.Context, path string, reportedSize uint64, tableOffset uint32) (*Firmware, error) {
	fb, err := flashio.OpenFile(path, reportedSize)
	if err != nil {
		return nil, err
	}
	fw, err := Open(ctx, fb, false, tableOffset)
	if err != nil {
		fb.Close()
		return nil, err
	}
	return fw, nil
}

// OpenDevice opens a live serial-attached chip as a device-backed Firmware.
func OpenDevice(ctx context.Context, opts flashio.DeviceOptions, tableOffset uint32) (*Firmware, error) {
	db, err := flashio.OpenDevice(ctx, opts)
	if err != nil {
		return nil, err
	}
	fw, err := Open(ctx, db, true, tableOffset)
	if err != nil {
		db.Close()
		return nil, err
	}
	return fw, nil
}

// Device returns the underlying flashio.Device, for callers (the OTA
// engine, the littlefs adapter) that need to build their own PartitionIOs.
func (fw *Firmware) Device() flashio.Device { return fw.dev }

// Close flushes and, for device backends, hard-resets (unless suppressed
// by DeviceOptions.NoReset), per spec.md §5.
func (fw *Firmware) Close() error {
	if err := fw.dev.Flush(); err != nil {
		return err
	}
	return fw.dev.Close()
}

func (fw *Firmware) resolve(name string) (*parttable.Record, error) {
	switch name {
	case NameBootloader:
		return &parttable.Record{
			Type: parttable.TypeApp, Name: NameBootloader,
			Offset: parttable.BootloaderOffset, Size: fw.TableOffset - parttable.BootloaderOffset,
		}, nil
	case NamePartitionTable:
		return &parttable.Record{
			Type: parttable.TypeData, Name: NamePartitionTable,
			Offset: fw.TableOffset, Size: parttable.TableRegionSize,
		}, nil
	default:
		return fw.Table.ByName(name)
	}
}

// Partition returns a bounded I/O window onto the named partition, or the
// synthetic "bootloader"/"partition_table" regions.
func (fw *Firmware) Partition(name string) (*partio.PartitionIO, error) {
	rec, err := fw.resolve(name)
	if err != nil {
		return nil, err
	}
	return partio.Open(fw.dev, rec), nil
}

// Apply runs directives through the planner and commits the resulting
// table: writes the 0xC00 table region, carries over or erases touched
// data partitions per backend, per spec.md §4.6.
func (fw *Firmware) Apply(ctx context.Context, directives []planner.Directive) error {
	newTable, touched, err := planner.Apply(fw.Table, directives)
	if err != nil {
		return err
	}
	if newTable.FlashSize != fw.dev.Size() {
		if fb, ok := fw.dev.(*flashio.FileBackend); ok {
			if err := fb.SetReportedSize(ctx, newTable.FlashSize); err != nil {
				return err
			}
		}
	}
	if newTable.FlashSize != fw.Header.FlashSize() {
		if err := fw.updateBootloaderFlashSize(ctx, newTable.FlashSize); err != nil {
			return err
		}
	}
	if !fw.isDevice {
		if err := fw.carryOverFile(ctx, touched); err != nil {
			return err
		}
	}
	if err := fw.dev.Write(ctx, uint64(fw.TableOffset), newTable.Emit()); err != nil {
		return esperr.Device("writing partition table: %v", err)
	}
	if fw.isDevice {
		if err := fw.eraseTouchedDevice(ctx, touched); err != nil {
			return err
		}
	}
	fw.Table = newTable
	return nil
}

// updateBootloaderFlashSize rewrites the bootloader header's flash-size
// nibble to match a new table's FlashSize and recomputes its trailing
// SHA-256, then writes the updated header back. Ground: image_header.py:
// update_image / update_bootloader_header and firmware.py:
// update_bootloader, both invoked whenever a resize changes the flash
// size the bootloader itself reports.
func (fw *Firmware) updateBootloaderFlashSize(ctx context.Context, size uint64) error {
	pio, err := fw.Partition(NameBootloader)
	if err != nil {
		return err
	}
	data, err := pio.Read(ctx, 0, int(pio.Size()))
	if err != nil {
		return err
	}
	if err := fw.Header.SetFlashSize(size); err != nil {
		return err
	}
	updated, _, err := fw.Header.UpdateImage(data)
	if err != nil {
		return err
	}
	if err := pio.Write(ctx, 0, updated); err != nil {
		return err
	}
	glog.Infof("firmware: rewrote bootloader header for flash size %#x and rehashed", size)
	return nil
}

// carryOverFile moves each touched partition's byte range from its old
// offset to its new one before the table is overwritten, so file-backed
// resizes retain data where the ranges overlap; bytes beyond the new
// (possibly smaller) end are dropped per spec.md §9's shrink resolution,
// and newly-grown tail bytes are left as whatever the file already has
// there (erased 0xFF, unless ResizeFlash already extended the file).
//
// Ground: spec.md §4.6 "File backends instead copy carried-over partition
// contents from the old byte range to the new byte range".
func (fw *Firmware) carryOverFile(ctx context.Context, touched []planner.Touched) error {
	for _, t := range touched {
		if t.OldSize == 0 || t.AppOffsetOnly {
			continue
		}
		if t.OldOffset == t.NewOffset && t.OldSize == t.NewSize {
			continue
		}
		n := t.OldSize
		if t.NewSize < n {
			n = t.NewSize
		}
		if n == 0 {
			continue
		}
		data, err := fw.dev.Read(ctx, uint64(t.OldOffset), int(n))
		if err != nil {
			return esperr.Device("reading %q for carry-over: %v", t.Name, err)
		}
		if err := fw.dev.Write(ctx, uint64(t.NewOffset), data); err != nil {
			return esperr.Device("carrying over %q to its new offset: %v", t.Name, err)
		}
		glog.V(1).Infof("firmware: carried over %#x bytes of %q from %#x to %#x", n, t.Name, t.OldOffset, t.NewOffset)
	}
	return nil
}

// eraseTouchedDevice erases the first 4 KiB of every touched data
// partition on a live device, per spec.md §4.6, except a fat/littlefs
// partition whose offset is unchanged and which only grew: that case is
// warned about instead (SPEC_FULL.md §4.6), since the existing filesystem
// is still valid and just needs `--fs grow`.
func (fw *Firmware) eraseTouchedDevice(ctx context.Context, touched []planner.Touched) error {
	for _, t := range touched {
		if !t.IsData || t.AppOffsetOnly {
			continue
		}
		rec, err := fw.Table.ByName(t.Name)
		if err == nil && t.OldOffset == t.NewOffset && t.NewSize > t.OldSize {
			if sub := rec.SubtypeName(); sub == "fat" || sub == "littlefs" {
				glog.Warningf("firmware: %q grew in place; its filesystem still thinks it's the old size. Run --fs grow %s to pick up the new space.", t.Name, t.Name)
				continue
			}
		}
		length := uint64(flashio.BlockSize)
		if uint64(t.NewSize) < length {
			length = uint64(t.NewSize)
		}
		if err := fw.dev.Erase(ctx, uint64(t.NewOffset), length); err != nil {
			return esperr.Device("erasing touched partition %q: %v", t.Name, err)
		}
		glog.Infof("firmware: erased %#x bytes at start of %q (layout changed)", length, t.Name)
	}
	return nil
}

// CheckAppPartitions validates that every app partition, plus the
// bootloader, starts with a valid image header and, where one is
// appended, a matching SHA-256 digest. Erased partitions are skipped.
// Mismatches are warnings unless checkHash is set, in which case they are
// returned as errors.
// Ground: firmware.py: check_app_partitions.
func (fw *Firmware) CheckAppPartitions(ctx context.Context, checkHash bool) error {
	names := []string{NameBootloader}
	for _, r := range fw.Table.Records {
		if r.Type == parttable.TypeApp {
			names = append(names, r.Name)
		}
	}
	for _, name := range names {
		pio, err := fw.Partition(name)
		if err != nil {
			return err
		}
		head, err := pio.Read(ctx, 0, espimage.HeaderSize)
		if err != nil {
			return err
		}
		hdr, err := espimage.Parse(head)
		if err != nil {
			if hdr == nil && isErasedHeader(head) {
				glog.V(1).Infof("firmware: %q has no image (erased)", name)
				continue
			}
			glog.Warningf("firmware: %q has an invalid image header: %v", name, err)
			if checkHash {
				return err
			}
			continue
		}
		full, err := pio.Read(ctx, 0, int(pio.Size()))
		if err != nil {
			return err
		}
		if err := hdr.ValidateHash(full); err != nil {
			glog.Warningf("firmware: %q failed hash validation: %v", name, err)
			if checkHash {
				return err
			}
		}
	}
	return nil
}

func isErasedHeader(b []byte) bool {
	for _, v := range b {
		if v != 0xFF {
			return false
		}
	}
	return true
}

// ReadPartition returns the full contents of the named partition (or
// synthetic region).
func (fw *Firmware) ReadPartition(ctx context.Context, name string) ([]byte, error) {
	pio, err := fw.Partition(name)
	if err != nil {
		return nil, err
	}
	return pio.Read(ctx, 0, int(pio.Size()))
}

// WritePartition writes data to the named partition starting at offset 0.
func (fw *Firmware) WritePartition(ctx context.Context, name string, data []byte) error {
	pio, err := fw.Partition(name)
	if err != nil {
		return err
	}
	return pio.Write(ctx, 0, data)
}

// ErasePartition erases a named partition in full.
func (fw *Firmware) ErasePartition(ctx context.Context, name string) error {
	pio, err := fw.Partition(name)
	if err != nil {
		return err
	}
	return pio.Erase(ctx, 0, pio.Size())
}

// FlashImage writes the app image at localPath into the named app
// partition, maintaining its header and appended hash.
func (fw *Firmware) FlashImage(ctx context.Context, name, localPath string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return esperr.Fs("reading %s: %v", localPath, err)
	}
	pio, err := fw.Partition(name)
	if err != nil {
		return err
	}
	if err := pio.Erase(ctx, 0, pio.Size()); err != nil {
		return err
	}
	return pio.WriteAppImage(ctx, data)
}

// ExtractApp reads the named app partition's image, trimmed to its
// declared size, and writes it to localPath.
func (fw *Firmware) ExtractApp(ctx context.Context, name, localPath string) error {
	pio, err := fw.Partition(name)
	if err != nil {
		return err
	}
	data, err := pio.ReadAppImage(ctx)
	if err != nil {
		return err
	}
	return os.WriteFile(localPath, data, 0644)
}

// FromCSV replaces the partition table with one loaded from a CSV file at
// path, applying it through the planner like any other directive (so
// normalize/Check still run).
func (fw *Firmware) FromCSV(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return esperr.Fs("reading %s: %v", path, err)
	}
	table, err := parttable.ParseCSV(bytes.NewReader(data), fw.Table.FlashSize, fw.TableOffset)
	if err != nil {
		return err
	}
	return fw.Apply(ctx, []planner.Directive{planner.ReplaceTable(table)})
}

// ToCSV renders the current table to path in gen_esp32part.py format.
func (fw *Firmware) ToCSV(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return esperr.Fs("creating %s: %v", path, err)
	}
	defer f.Close()
	return fw.Table.WriteCSV(f)
}

// OTAUpdate performs the OTA engine's six-step update sequence (spec.md
// §4.7) against this firmware's otadata and ota_N app partitions, using
// the image at localPath.
func (fw *Firmware) OTAUpdate(ctx context.Context, localPath string, rollback bool, progress flashio.ProgressFunc) (int, error) {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return 0, esperr.Fs("reading %s: %v", localPath, err)
	}
	otaRec, err := fw.Table.BySubtypeName("ota")
	if err != nil {
		return 0, esperr.Layout("no otadata partition present: %v", err)
	}
	appRecs, err := ota.AppPartsFromTable(fw.Table)
	if err != nil {
		return 0, err
	}
	appParts := make([]*partio.PartitionIO, len(appRecs))
	for i, r := range appRecs {
		appParts[i] = partio.Open(fw.dev, r)
	}
	u := &ota.Updater{Otadata: partio.Open(fw.dev, otaRec), AppParts: appParts}
	// hard_reset (step 6) happens in Close, which every caller must invoke
	// to release the device regardless of the outcome here.
	return u.Update(ctx, data, rollback, progress)
}
