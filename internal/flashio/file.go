package flashio

import (
	"context"
	"io"
	"os"

	"github.com/gofrs/flock"
	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/espfw/esp32img/internal/esperr"
)

// FileBackend treats a local file as flash: reads/writes are plain seeks,
// erase writes 0xFF, and Size() reports an operator-overridable "reported
// flash size" independent of the file's actual byte length.
//
// Ground: original_source's firmware_file.py and spec.md §4.1 "File
// backend".
type FileBackend struct {
	f        *os.File
	lock     *flock.Flock
	reported uint64
}

// OpenFile opens path for read+write, taking an exclusive advisory lock so
// two invocations of the tool never race on the same image (spec.md §5).
// reportedSize, if non-zero, overrides the file's actual length for Size()
// and for bounds checks; pass 0 to use the file's length.
func OpenFile(path string, reportedSize uint64) (*FileBackend, error) {
	lk := flock.New(path + ".lock")
	locked, err := lk.TryLock()
	if err != nil {
		return nil, errors.Annotatef(err, "locking %s", path)
	}
	if !locked {
		return nil, esperr.Device("%s is locked by another instance of this tool", path)
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		lk.Unlock()
		return nil, errors.Annotatef(err, "opening %s", path)
	}
	fb := &FileBackend{f: f, lock: lk, reported: reportedSize}
	if reportedSize == 0 {
		info, err := f.Stat()
		if err != nil {
			f.Close()
			lk.Unlock()
			return nil, errors.Trace(err)
		}
		fb.reported = uint64(info.Size())
	}
	return fb, nil
}

func (fb *FileBackend) Size() uint64 { return fb.reported }

// SetReportedSize overrides the size used for bounds checks (e.g. after a
// ResizeFlash directive), growing the backing file with 0xFF padding if it
// is smaller than the new size, matching an erased flash chip's contents.
func (fb *FileBackend) SetReportedSize(ctx context.Context, size uint64) error {
	info, err := fb.f.Stat()
	if err != nil {
		return errors.Trace(err)
	}
	if cur := uint64(info.Size()); cur < size {
		pad := make([]byte, size-cur)
		for i := range pad {
			pad[i] = 0xFF
		}
		if _, err := fb.f.WriteAt(pad, int64(cur)); err != nil {
			return errors.Annotatef(err, "extending image file to %#x bytes", size)
		}
	}
	fb.reported = size
	glog.V(1).Infof("flashio/file: reported size set to %#x", size)
	return nil
}

func (fb *FileBackend) Read(ctx context.Context, offset uint64, length int) ([]byte, error) {
	if err := checkBounds(fb.reported, offset, uint64(length)); err != nil {
		return nil, err
	}
	buf := make([]byte, length)
	n, err := fb.f.ReadAt(buf, int64(offset))
	if err != nil && err != io.EOF {
		return nil, errors.Annotatef(err, "reading %#x bytes at %#x", length, offset)
	}
	glog.V(2).Infof("flashio/file: read %d @ %#x", n, offset)
	for ; n < length; n++ {
		buf[n] = 0xFF // reads past EOF but within the reported size see erased flash
	}
	return buf, nil
}

func (fb *FileBackend) Write(ctx context.Context, offset uint64, data []byte) error {
	if err := checkBounds(fb.reported, offset, uint64(len(data))); err != nil {
		return err
	}
	if _, err := fb.f.WriteAt(data, int64(offset)); err != nil {
		return errors.Annotatef(err, "writing %d bytes at %#x", len(data), offset)
	}
	glog.V(2).Infof("flashio/file: wrote %d @ %#x", len(data), offset)
	return nil
}

func (fb *FileBackend) Erase(ctx context.Context, offset uint64, length uint64) error {
	if err := checkBounds(fb.reported, offset, length); err != nil {
		return err
	}
	buf := make([]byte, length)
	for i := range buf {
		buf[i] = 0xFF
	}
	if _, err := fb.f.WriteAt(buf, int64(offset)); err != nil {
		return errors.Annotatef(err, "erasing %#x bytes at %#x", length, offset)
	}
	glog.Infof("flashio/file: erased %#x bytes at %#x", length, offset)
	return nil
}

func (fb *FileBackend) Flush() error {
	if err := fb.f.Sync(); err != nil {
		return errors.Trace(err)
	}
	return nil
}

func (fb *FileBackend) Close() error {
	err := fb.f.Close()
	fb.lock.Unlock()
	os.Remove(fb.lock.Path())
	if err != nil {
		return errors.Trace(err)
	}
	return nil
}
