// Package esperr defines the typed error kinds shared across the image,
// partition-table, planner, flash I/O and OTA packages.
package esperr

import "github.com/juju/errors"

// Sentinel causes. Wrap with errors.Annotatef/errors.Errorf and compare with
// errors.Cause(err) == esperr.ErrXxx (or use the Is helper below, which also
// matches Cause chains produced by errors.Trace).
var (
	ErrInvalidImage = errors.New("invalid image")
	ErrBadTable     = errors.New("bad partition table")
	ErrLayout       = errors.New("invalid partition layout")
	ErrNotFound     = errors.New("partition not found")
	ErrRange        = errors.New("out of range")
	ErrDevice       = errors.New("device error")
	ErrFs           = errors.New("filesystem error")
	ErrUser         = errors.New("invalid argument")
	ErrCancelled    = errors.New("cancelled")
)

// kindErr annotates a sentinel with a message so errors.Cause still resolves
// to the sentinel while the message carries the specific detail.
type kindErr struct {
	cause error
	msg   string
}

func (e *kindErr) Error() string { return e.msg }
func (e *kindErr) Cause() error  { return e.cause }

func wrap(kind error, format string, args ...interface{}) error {
	msg := format
	if len(args) > 0 {
		msg = errors.Errorf(format, args...).Error()
	}
	return errors.Trace(&kindErr{cause: kind, msg: msg})
}

// InvalidImage reports a malformed app/bootloader image: bad magic,
// truncated data, or (with --check-app) a hash mismatch.
func InvalidImage(format string, args ...interface{}) error { return wrap(ErrInvalidImage, format, args...) }

// BadTable reports a malformed partition table: bad magic sequence or an
// MD5 mismatch.
func BadTable(format string, args ...interface{}) error { return wrap(ErrBadTable, format, args...) }

// Layout reports a planner rule violation, with a specific reason string
// (overflow, overlap, duplicate name, missing otadata, zero-grow
// ambiguity, app-size exceeds available, ...).
func Layout(format string, args ...interface{}) error { return wrap(ErrLayout, format, args...) }

// NotFound reports an unknown partition name.
func NotFound(name string) error { return wrap(ErrNotFound, "partition %q not found", name) }

// Range reports an access outside a partition's or the flash's bounds.
func Range(format string, args ...interface{}) error { return wrap(ErrRange, format, args...) }

// Device reports a serial I/O, reset, or stub failure.
func Device(format string, args ...interface{}) error { return wrap(ErrDevice, format, args...) }

// Fs reports a LittleFS operation failure.
func Fs(format string, args ...interface{}) error { return wrap(ErrFs, format, args...) }

// User reports a malformed directive string.
func User(format string, args ...interface{}) error { return wrap(ErrUser, format, args...) }

// Cancelled reports a cooperative cancellation.
func Cancelled() error { return wrap(ErrCancelled, "operation cancelled") }

// Is reports whether err's cause chain bottoms out at kind.
func Is(err, kind error) bool {
	return errors.Cause(err) == kind
}

// ExitCode maps an error to the process exit code per spec.md §6: 0 on
// success (not reachable from here), non-zero on LayoutError, InvalidImage,
// device I/O failure, or filesystem error.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	switch errors.Cause(err) {
	case ErrInvalidImage:
		return 2
	case ErrBadTable:
		return 3
	case ErrLayout:
		return 4
	case ErrNotFound:
		return 5
	case ErrRange:
		return 6
	case ErrDevice:
		return 7
	case ErrFs:
		return 8
	case ErrUser:
		return 9
	case ErrCancelled:
		return 130
	default:
		return 1
	}
}
