//go:build windows

package main

import "fmt"

// expandShortDeviceName expands the Windows short form from spec.md §6:
// cN -> COMN. Ground: mongoose-os-mos/mos/devutil/serial_windows.go's
// COM-number handling.
func expandShortDeviceName(s string) string {
	if n, ok := shortDeviceSuffix(s, 'c'); ok {
		return fmt.Sprintf("COM%d", n)
	}
	return s
}
