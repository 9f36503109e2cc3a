// Package partio implements the bounded partition view (spec C5): a
// read/write/erase window onto a byte-range of a flashio.Device, clamped
// to a single partition's bounds, with app-image hash maintenance and
// trailing-0xFF trimming.
//
// Ground: original_source's firmware.py (PartitionIO / trim / trimblocks)
// and mongoose-os-mos/mos/flash/esp32/partitions.go for the partition
// "bounded window onto flash" idea.
package partio

import (
	"context"

	"github.com/golang/glog"

	"github.com/espfw/esp32img/internal/esperr"
	"github.com/espfw/esp32img/internal/espimage"
	"github.com/espfw/esp32img/internal/flashio"
	"github.com/espfw/esp32img/internal/parttable"
)

// PartitionIO is a borrowed, bounds-checked window onto one partition's
// byte range on a flashio.Device. It is weak-by-construction: valid only
// for as long as the underlying Firmware (and its Device) stays open.
type PartitionIO struct {
	dev    flashio.Device
	record *parttable.Record
}

// Open returns a PartitionIO bounded to rec's [offset, offset+size) range
// on dev. rec is not copied; callers must not mutate it while the
// PartitionIO is in use.
func Open(dev flashio.Device, rec *parttable.Record) *PartitionIO {
	return &PartitionIO{dev: dev, record: rec}
}

// Name returns the bound partition's name, for logging and error messages.
func (p *PartitionIO) Name() string { return p.record.Name }

// Size returns the partition's size in bytes.
func (p *PartitionIO) Size() uint64 { return uint64(p.record.Size) }

func (p *PartitionIO) clamp(rel uint64, length int) error {
	if length < 0 {
		return esperr.Range("negative length %d", length)
	}
	if rel+uint64(length) > uint64(p.record.Size) {
		return esperr.Range("partition %q access [%#x,%#x) exceeds its size %#x", p.record.Name, rel, rel+uint64(length), p.record.Size)
	}
	return nil
}

// Read returns length bytes starting at rel, relative to the partition's
// own start.
func (p *PartitionIO) Read(ctx context.Context, rel uint64, length int) ([]byte, error) {
	if err := p.clamp(rel, length); err != nil {
		return nil, err
	}
	return p.dev.Read(ctx, uint64(p.record.Offset)+rel, length)
}

// Write writes data at rel, relative to the partition's own start, exactly
// as given. It does not validate an image header or recompute an appended
// SHA-256 digest, for app partitions or any other; WriteAppImage does both
// for a whole app image.
func (p *PartitionIO) Write(ctx context.Context, rel uint64, data []byte) error {
	if err := p.clamp(rel, len(data)); err != nil {
		return err
	}
	glog.V(2).Infof("partio: write %d bytes to %q @ rel %#x", len(data), p.record.Name, rel)
	return p.dev.Write(ctx, uint64(p.record.Offset)+rel, data)
}

// Erase erases length bytes starting at rel.
func (p *PartitionIO) Erase(ctx context.Context, rel uint64, length uint64) error {
	if err := p.clamp(rel, int(length)); err != nil {
		return err
	}
	glog.Infof("partio: erase %#x bytes in %q @ rel %#x", length, p.record.Name, rel)
	return p.dev.Erase(ctx, uint64(p.record.Offset)+rel, length)
}

// BlockCount returns how many flashio.BlockSize-sized blocks the
// partition spans.
func (p *PartitionIO) BlockCount() int {
	return int((uint64(p.record.Size) + flashio.BlockSize - 1) / flashio.BlockSize)
}

// Block reads block index i (0-based) in full.
func (p *PartitionIO) Block(ctx context.Context, i int) ([]byte, error) {
	rel := uint64(i) * flashio.BlockSize
	length := flashio.BlockSize
	if rel+uint64(length) > uint64(p.record.Size) {
		length = int(uint64(p.record.Size) - rel)
	}
	return p.Read(ctx, rel, length)
}

// WriteAppImage writes a full app image to the partition starting at
// rel=0, validating the header and, if the header declares hash_appended,
// recomputing and appending the SHA-256 digest over the image body before
// writing. Ground: firmware.py: update_part, espimage.UpdateImage.
func (p *PartitionIO) WriteAppImage(ctx context.Context, data []byte) error {
	hdr, err := espimage.Parse(data)
	if err != nil {
		return err
	}
	updated, _, err := hdr.UpdateImage(data)
	if err != nil {
		return err
	}
	size, err := hdr.SizeOfImage(updated)
	if err != nil {
		return err
	}
	if uint64(size) > uint64(p.record.Size) {
		return esperr.Range("image (%#x bytes) does not fit in partition %q (%#x bytes)", size, p.record.Name, p.record.Size)
	}
	return p.Write(ctx, 0, updated[:size])
}

// ReadAppImage reads the whole image currently in the partition, trimmed
// to its declared size via espimage.SizeOfImage (ground: firmware.py:
// extract_app, which never copies trailing erased flash).
func (p *PartitionIO) ReadAppImage(ctx context.Context) ([]byte, error) {
	head, err := p.Read(ctx, 0, 24)
	if err != nil {
		return nil, err
	}
	hdr, err := espimage.Parse(head)
	if err != nil {
		return nil, err
	}
	if hdr.IsErased() {
		return nil, esperr.NotFound(p.record.Name + " (no image present)")
	}
	full, err := p.Read(ctx, 0, int(p.record.Size))
	if err != nil {
		return nil, err
	}
	size, err := hdr.SizeOfImage(full)
	if err != nil {
		return nil, err
	}
	return full[:size], nil
}

// Trim returns data with trailing 0xFF bytes removed, then rounded back up
// to a 16-byte boundary (ground: firmware.py: trim).
func Trim(data []byte) []byte {
	return trimTo(data, 16)
}

// TrimBlocks is Trim but rounds up to the 4 KiB flash block boundary
// instead (ground: firmware.py: trimblocks).
func TrimBlocks(data []byte) []byte {
	return trimTo(data, flashio.BlockSize)
}

func trimTo(data []byte, align int) []byte {
	end := len(data)
	for end > 0 && data[end-1] == 0xFF {
		end--
	}
	end = ((end + align - 1) / align) * align
	if end > len(data) {
		end = len(data)
	}
	return data[:end]
}
