// Package flashio implements the uniform byte-range device abstraction
// (spec C1): a seekable image file or a live, serial-attached chip behind
// a bootloader stub, exposed through the same Device interface.
//
// Ground: mongoose-os-mos/mos/flash/esp/flasher/flash.go (the shape of a
// flashing session) and original_source/src/mp_image_tool_esp32's
// firmware_file.py / firmware_device.py.
package flashio

import (
	"context"

	"github.com/juju/errors"

	"github.com/espfw/esp32img/internal/esperr"
)

// BlockSize is the device backend's erase and write granularity.
const BlockSize = 0x1000

// ProgressFunc reports (done, total) bytes during a long read/write/erase.
// Implementations must return without blocking; spec.md §5 requires
// ≥100ms granularity, which callers (not this package) are responsible for
// throttling before rendering.
type ProgressFunc func(done, total int64)

// Device is the uniform random-access byte device both backends satisfy.
// read(offset,len) after write(offset,b) must observe the written bytes on
// both backends (spec.md §4.1 contract).
type Device interface {
	Size() uint64
	Read(ctx context.Context, offset uint64, length int) ([]byte, error)
	Write(ctx context.Context, offset uint64, data []byte) error
	Erase(ctx context.Context, offset uint64, length uint64) error
	Flush() error
	Close() error
}

func noProgress(int64, int64) {}

func progressOf(p ProgressFunc) ProgressFunc {
	if p == nil {
		return noProgress
	}
	return p
}

func checkBounds(size uint64, offset uint64, length uint64) error {
	if length == 0 {
		return nil
	}
	if offset > size || offset+length > size {
		return esperr.Range("access [%#x, %#x) exceeds device size %#x", offset, offset+length, size)
	}
	return nil
}

func checkBlockAligned(offset, length uint64) error {
	if offset%BlockSize != 0 || length%BlockSize != 0 {
		return errors.Trace(esperr.Device("offset %#x / length %#x is not a multiple of the %#x-byte flash block", offset, length, BlockSize))
	}
	return nil
}
