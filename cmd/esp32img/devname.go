package main

import "strconv"

// shortDeviceSuffix reports whether s is exactly prefix followed by one or
// more decimal digits (e.g. "u0", "a12", "c3"), per spec.md §6's
// short-device-name grammar.
func shortDeviceSuffix(s string, prefix byte) (int, bool) {
	if len(s) < 2 || s[0] != prefix {
		return 0, false
	}
	n, err := strconv.Atoi(s[1:])
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// looksLikeDevice reports whether s, after short-name expansion, names a
// serial device rather than an image file: /dev/tty* on POSIX, COMn on
// Windows.
func looksLikeDevice(s string) bool {
	expanded := expandShortDeviceName(s)
	if len(expanded) >= 8 && expanded[:8] == "/dev/tty" {
		return true
	}
	if len(expanded) >= 3 && (expanded[:3] == "COM" || expanded[:3] == "com") {
		return true
	}
	return expanded != s
}
