// Package espstub implements flashio.StubClient by shelling out to the
// esptool.py command-line tool, one subprocess invocation per operation,
// exactly the way the original tool drives real hardware.
//
// Ground: original_source/src/mp_image_tool_esp32/image_device.py
// (shell, esptool, erase_flash, read_flash, write_flash,
// image_device_detect).
package espstub

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/cesanta/go-serial/serial"

	"github.com/espfw/esp32img/internal/esperr"
	"github.com/espfw/esp32img/internal/flashio"
)

// Binary is the esptool executable name looked up on PATH. Overridable
// in tests.
var Binary = "esptool.py"

var flashSizeRE = regexp.MustCompile(`(?m)^Detected flash size: *([0-9]+)MB$`)

// Client drives esptool.py against a single serial port. It implements
// flashio.StubClient; Port must be set (NewWithPort does so) before any
// method is called, since esptool.py takes no persistent connection, only
// a --port argument per invocation.
type Client struct {
	Port    string
	Baud    int
	NoReset bool

	extraArgs []string // accumulates "--after no_reset" the way image_device.py's esptool() does on first failure
}

// New builds a Client for a serial port opened by flashio's device
// backend. The serial.Serial handle itself is unused: esptool.py manages
// its own port access per invocation, so it is closed immediately so
// esptool.py is not locked out of the device. The returned Client's Port
// is left empty.
func New(port serial.Serial) flashio.StubClient {
	if port != nil {
		port.Close()
	}
	return &Client{}
}

// NewWithPort builds a Client bound directly to a port name, bypassing
// flashio.DeviceOptions.NewStub's serial.Serial handle (used when the
// caller never opened the port itself, letting esptool.py own it).
func NewWithPort(portName string, baud int, noReset bool) *Client {
	return &Client{Port: portName, Baud: baud, NoReset: noReset}
}

func (c *Client) run(ctx context.Context, args ...string) ([]byte, error) {
	full := append([]string{"--port", c.Port}, c.baudArgs()...)
	full = append(full, c.extraArgs...)
	full = append(full, args...)
	glog.V(2).Infof("espstub: %s %s", Binary, strings.Join(full, " "))
	cmd := exec.CommandContext(ctx, Binary, full...)
	out, err := cmd.Output()
	if err != nil {
		if ee, ok := err.(*exec.ExitError); ok {
			stderr := string(ee.Stderr)
			if strings.Contains(stderr, "set --after option to 'no_reset'") {
				c.extraArgs = append(c.extraArgs, "--after", "no_reset")
				return c.run(ctx, args...)
			}
			return nil, esperr.Device("esptool.py %s: %v: %s", strings.Join(args, " "), err, stderr)
		}
		return nil, esperr.Device("esptool.py %s: %v", strings.Join(args, " "), err)
	}
	return out, nil
}

func (c *Client) baudArgs() []string {
	if c.Baud == 0 {
		return nil
	}
	return []string{"--baud", strconv.Itoa(c.Baud)}
}

// Connect verifies esptool.py can talk to the chip.
func (c *Client) Connect(ctx context.Context) error {
	_, err := c.run(ctx, "chip_id")
	return err
}

// RunStub is a no-op: esptool.py attaches and detaches its RAM stub
// internally on every invocation, so there is no persistent session to
// start here.
func (c *Client) RunStub(ctx context.Context) error { return nil }

// FlashSize runs flash_id and parses the detected flash size, the same
// regex image_device.image_device_detect applies to esptool's output.
func (c *Client) FlashSize(ctx context.Context) (uint64, error) {
	out, err := c.run(ctx, "flash_id")
	if err != nil {
		return 0, err
	}
	m := flashSizeRE.FindStringSubmatch(string(out))
	if m == nil {
		return 0, esperr.Device("could not parse flash size from flash_id output")
	}
	mb, err := strconv.ParseUint(m[1], 10, 64)
	if err != nil {
		return 0, esperr.Device("invalid flash size in flash_id output: %v", err)
	}
	return mb * 1024 * 1024, nil
}

// ReadFlash reads size bytes at offset via esptool.py read_flash, routed
// through a temp file since esptool.py has no stdout binary mode.
func (c *Client) ReadFlash(ctx context.Context, offset, size uint64, progress flashio.ProgressFunc) ([]byte, error) {
	f, err := os.CreateTemp("", "esp32img-read-*")
	if err != nil {
		return nil, errors.Annotate(err, "creating temp file")
	}
	tmp := f.Name()
	f.Close()
	defer os.Remove(tmp)
	if _, err := c.run(ctx, "read_flash",
		fmt.Sprintf("%#x", offset), fmt.Sprintf("%#x", size), tmp); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(tmp)
	if err != nil {
		return nil, errors.Annotate(err, "reading esptool.py output")
	}
	if progress != nil {
		progress(int64(len(data)), int64(len(data)))
	}
	return data, nil
}

// WriteFlash writes data at offset via esptool.py write_flash -z.
func (c *Client) WriteFlash(ctx context.Context, offset uint64, data []byte, progress flashio.ProgressFunc) error {
	f, err := os.CreateTemp("", "esp32img-write-*")
	if err != nil {
		return errors.Annotate(err, "creating temp file")
	}
	tmp := f.Name()
	defer os.Remove(tmp)
	if _, err := f.Write(data); err != nil {
		f.Close()
		return errors.Annotate(err, "buffering write")
	}
	f.Close()
	if _, err := c.run(ctx, "write_flash", "-z",
		fmt.Sprintf("%#x", offset), tmp); err != nil {
		return err
	}
	if progress != nil {
		progress(int64(len(data)), int64(len(data)))
	}
	return nil
}

// EraseRegion erases size bytes at offset via esptool.py erase_region.
func (c *Client) EraseRegion(ctx context.Context, offset, size uint64) error {
	_, err := c.run(ctx, "erase_region", fmt.Sprintf("%#x", offset), fmt.Sprintf("%#x", size))
	return err
}

// HardReset forces esptool.py's --after hard_reset action on exit,
// undoing any earlier no_reset fallback unless NoReset is set.
func (c *Client) HardReset(ctx context.Context) error {
	if c.NoReset {
		return nil
	}
	_, err := c.run(ctx, "--after", "hard_reset", "chip_id")
	return err
}

// Close is a no-op: esptool.py owns the port only for the duration of
// each invocation.
func (c *Client) Close() error { return nil }
