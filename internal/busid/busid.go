// SPDX-License-Identifier: GPL-2.0-only

// Package busid validates and matches USB/IP bus identifiers.
package busid

import (
	"regexp"
	"strings"
)

// Pattern matches bus IDs of the form N-N(.N)*, e.g. "1-1", "3-2.4".
var Pattern = regexp.MustCompile(`^\d+-\d+(\.\d+)*$`)

// Valid reports whether id is a well-formed bus ID.
func Valid(id string) bool {
	return Pattern.MatchString(id)
}

// IsInterface reports whether a sysfs entry name denotes a USB interface
// rather than a device, i.e. contains the ':' separator.
func IsInterface(name string) bool {
	return strings.Contains(name, ":")
}

// HasWatchedPrefix reports whether id starts with one of the configured
// root-hub port prefixes.
func HasWatchedPrefix(id string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(id, p) {
			return true
		}
	}
	return false
}
