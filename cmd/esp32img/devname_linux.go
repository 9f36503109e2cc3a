//go:build linux

package main

import "fmt"

// expandShortDeviceName expands the POSIX short forms from spec.md §6:
// uN -> /dev/ttyUSBN, aN -> /dev/ttyACMN. Anything else (including a
// plain path) passes through unchanged.
//
// Ground: mongoose-os-mos/mos/devutil/serial_linux.go's /dev/ttyUSB* /
// /dev/ttyACM* device naming.
func expandShortDeviceName(s string) string {
	if n, ok := shortDeviceSuffix(s, 'u'); ok {
		return fmt.Sprintf("/dev/ttyUSB%d", n)
	}
	if n, ok := shortDeviceSuffix(s, 'a'); ok {
		return fmt.Sprintf("/dev/ttyACM%d", n)
	}
	return s
}
