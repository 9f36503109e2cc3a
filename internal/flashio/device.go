package flashio

import (
	"context"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/cesanta/go-serial/serial"

	"github.com/espfw/esp32img/internal/esperr"
)

// StubClient stands in for the serial-bootloader protocol library named
// "assumed provided" in spec.md §1: connect, run the RAM stub, and drive
// block-granular flash operations. Ground: the glossary's "stub client"
// entry and esptool's ESPLoader API shape.
type StubClient interface {
	Connect(ctx context.Context) error
	RunStub(ctx context.Context) error
	FlashSize(ctx context.Context) (uint64, error)
	ReadFlash(ctx context.Context, offset, size uint64, progress ProgressFunc) ([]byte, error)
	WriteFlash(ctx context.Context, offset uint64, data []byte, progress ProgressFunc) error
	EraseRegion(ctx context.Context, offset, size uint64) error
	HardReset(ctx context.Context) error
	Close() error
}

// DeviceBackend wraps a StubClient with the bootloader-entry reset
// sequencing and the read-modify-erase-write emulation needed to honor
// sub-block writes, per spec.md §4.1's "Device backend".
//
// Ground: original_source's firmware_device.py / espdeviceio.py and
// esptool's reset strap sequence (toggle DTR, pulse RTS).
type DeviceBackend struct {
	port  serial.Serial
	stub  StubClient
	size  uint64
	reset bool // whether Close() should hard_reset; suppressed by --no-reset
}

// DeviceOptions configures OpenDevice.
type DeviceOptions struct {
	Port       string
	Baud       int
	NoReset    bool
	OpenSerial func(opts serial.OpenOptions) (serial.Serial, error)
	NewStub    func(port serial.Serial) StubClient
}

// OpenDevice opens the serial port, drives the reset-into-bootloader strap
// sequence, and hands control to the stub client.
func OpenDevice(ctx context.Context, opts DeviceOptions) (*DeviceBackend, error) {
	openFn := opts.OpenSerial
	if openFn == nil {
		openFn = serial.Open
	}
	baud := opts.Baud
	if baud == 0 {
		baud = 115200
	}
	port, err := openFn(serial.OpenOptions{
		PortName:        opts.Port,
		BaudRate:        uint(baud),
		DataBits:        8,
		ParityMode:      serial.PARITY_NONE,
		StopBits:        1,
		MinimumReadSize: 1,
	})
	if err != nil {
		return nil, errors.Annotatef(err, "opening serial port %s", opts.Port)
	}
	if err := resetIntoBootloader(port); err != nil {
		port.Close()
		return nil, errors.Annotatef(err, "resetting %s into bootloader mode", opts.Port)
	}
	stub := opts.NewStub(port)
	if err := stub.Connect(ctx); err != nil {
		port.Close()
		return nil, esperr.Device("connecting to bootloader stub on %s: %v", opts.Port, err)
	}
	if err := stub.RunStub(ctx); err != nil {
		port.Close()
		return nil, esperr.Device("uploading flasher stub: %v", err)
	}
	size, err := stub.FlashSize(ctx)
	if err != nil {
		port.Close()
		return nil, esperr.Device("querying flash size: %v", err)
	}
	glog.Infof("flashio/device: connected on %s, flash size %#x", opts.Port, size)
	return &DeviceBackend{port: port, stub: stub, size: size, reset: !opts.NoReset}, nil
}

func (db *DeviceBackend) Size() uint64 { return db.size }

func (db *DeviceBackend) Read(ctx context.Context, offset uint64, length int) ([]byte, error) {
	if err := checkBounds(db.size, offset, uint64(length)); err != nil {
		return nil, err
	}
	data, err := db.stub.ReadFlash(ctx, offset, uint64(length), nil)
	if err != nil {
		return nil, esperr.Device("reading %#x bytes at %#x: %v", length, offset, err)
	}
	return data, nil
}

// ReadProgress is like Read but reports progress at the stub client's own
// granularity (spec.md §5 requires ≥100ms; the stub client is expected to
// throttle calls to fn accordingly).
func (db *DeviceBackend) ReadProgress(ctx context.Context, offset uint64, length int, fn ProgressFunc) ([]byte, error) {
	if err := checkBounds(db.size, offset, uint64(length)); err != nil {
		return nil, err
	}
	data, err := db.stub.ReadFlash(ctx, offset, uint64(length), progressOf(fn))
	if err != nil {
		return nil, esperr.Device("reading %#x bytes at %#x: %v", length, offset, err)
	}
	return data, nil
}

// Write accepts any offset/length within the device; a write that is not
// block-aligned is emulated by WriteProgress with a read-modify-erase-write
// of the containing blocks (see writeUnalignedEmulated).
func (db *DeviceBackend) Write(ctx context.Context, offset uint64, data []byte) error {
	return db.WriteProgress(ctx, offset, data, nil)
}

func (db *DeviceBackend) WriteProgress(ctx context.Context, offset uint64, data []byte, fn ProgressFunc) error {
	if err := checkBounds(db.size, offset, uint64(len(data))); err != nil {
		return err
	}
	if offset%BlockSize != 0 || uint64(len(data))%BlockSize != 0 {
		return db.writeUnalignedEmulated(ctx, offset, data, fn)
	}
	if err := db.stub.WriteFlash(ctx, offset, data, progressOf(fn)); err != nil {
		return esperr.Device("writing %d bytes at %#x: %v", len(data), offset, err)
	}
	return nil
}

// writeUnalignedEmulated performs the read-modify-erase-write emulation
// spec.md §4.1 requires for sub-block writes: read the containing blocks,
// splice in the new bytes, erase, then write the merged blocks back.
func (db *DeviceBackend) writeUnalignedEmulated(ctx context.Context, offset uint64, data []byte, fn ProgressFunc) error {
	start := offset - offset%BlockSize
	end := offset + uint64(len(data))
	end = ((end + BlockSize - 1) / BlockSize) * BlockSize
	merged, err := db.stub.ReadFlash(ctx, start, end-start, nil)
	if err != nil {
		return esperr.Device("read-modify-write: reading %#x bytes at %#x: %v", end-start, start, err)
	}
	copy(merged[offset-start:], data)
	if err := db.stub.EraseRegion(ctx, start, end-start); err != nil {
		return esperr.Device("read-modify-write: erasing %#x bytes at %#x: %v", end-start, start, err)
	}
	if err := db.stub.WriteFlash(ctx, start, merged, progressOf(fn)); err != nil {
		return esperr.Device("read-modify-write: writing %#x bytes at %#x: %v", end-start, start, err)
	}
	glog.V(1).Infof("flashio/device: emulated unaligned write of %d bytes at %#x via blocks [%#x,%#x)", len(data), offset, start, end)
	return nil
}

func (db *DeviceBackend) Erase(ctx context.Context, offset uint64, length uint64) error {
	if err := checkBounds(db.size, offset, length); err != nil {
		return err
	}
	if err := checkBlockAligned(offset, length); err != nil {
		return err
	}
	if err := db.stub.EraseRegion(ctx, offset, length); err != nil {
		return esperr.Device("erasing %#x bytes at %#x: %v", length, offset, err)
	}
	glog.Infof("flashio/device: erased %#x bytes at %#x", length, offset)
	return nil
}

func (db *DeviceBackend) Flush() error { return nil }

func (db *DeviceBackend) Close() error {
	var resetErr error
	if db.reset {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		resetErr = db.stub.HardReset(ctx)
	}
	stubErr := db.stub.Close()
	portErr := db.port.Close()
	if resetErr != nil {
		return esperr.Device("hard reset: %v", resetErr)
	}
	if stubErr != nil {
		return errors.Trace(stubErr)
	}
	if portErr != nil {
		return errors.Trace(portErr)
	}
	return nil
}

// resetIntoBootloader drives the esptool-style strap sequence: assert RTS
// (holds EN low via the usual auto-reset wiring) for 100ms, then assert DTR
// (holds GPIO0 low to select UART download mode) while releasing RTS, and
// finally release DTR after 50ms. Ground:
// common/mgrpc/codec/serial.go's SetDTR/SetRTS usage; go-serial's own
// termios/ioctl handling underneath covers every platform this needs.
func resetIntoBootloader(port serial.Serial) error {
	if err := port.SetDTR(false); err != nil {
		return errors.Trace(err)
	}
	if err := port.SetRTS(true); err != nil {
		return errors.Trace(err)
	}
	time.Sleep(100 * time.Millisecond)
	if err := port.SetDTR(true); err != nil {
		return errors.Trace(err)
	}
	if err := port.SetRTS(false); err != nil {
		return errors.Trace(err)
	}
	time.Sleep(50 * time.Millisecond)
	if err := port.SetDTR(false); err != nil {
		return errors.Trace(err)
	}
	return nil
}
