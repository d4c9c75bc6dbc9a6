// SPDX-License-Identifier: GPL-2.0-only

// Package agent implements the Client Agent component: it maintains a
// control-socket connection to the daemon, reacts to bound/unbound/removed
// frames, and drives the local usbip(8) CLI to attach or detach devices.
package agent

import (
	"regexp"
	"strings"
)

var (
	remoteBusIDLinux   = regexp.MustCompile(`busid\s+([\d-]+(\.[\d-]+)*)`)
	remoteBusIDWindows = regexp.MustCompile(`^\s*([\d-]+(\.[\d-]+)*)\s*:`)

	portBlockHeader = regexp.MustCompile(`^Port\s+(\d+):`)
	portBlockTarget = regexp.MustCompile(`->\s+usbip://[^/]+/([\d-]+(\.[\d-]+)*)`)
	portOneLine     = regexp.MustCompile(`port\s+(\d+):\s+<->\s+busid\s+([\d-]+(\.[\d-]+)*)`)
)

// ParseRemoteBusIDs extracts bus IDs from "usbip list -r" output, handling
// both the Linux ("busid 1-1   : ...") and Windows ("  1-1 : ...") forms.
func ParseRemoteBusIDs(output string) []string {
	var ids []string
	for _, line := range strings.Split(output, "\n") {
		if m := remoteBusIDLinux.FindStringSubmatch(line); m != nil {
			ids = append(ids, m[1])
			continue
		}
		if m := remoteBusIDWindows.FindStringSubmatch(line); m != nil {
			ids = append(ids, m[1])
		}
	}
	return ids
}

// ParseAttachedPorts extracts a bus-id -> local-port mapping from
// "usbip port" output, handling both the legacy multi-line "Port N:" block
// format and the modern one-line "port N: <-> busid ID" format.
func ParseAttachedPorts(output string) map[string]string {
	ports := make(map[string]string)
	if strings.Contains(output, "Imported USB devices") {
		var currentPort string
		for _, line := range strings.Split(output, "\n") {
			if m := portBlockHeader.FindStringSubmatch(line); m != nil {
				currentPort = m[1]
				continue
			}
			if m := portBlockTarget.FindStringSubmatch(line); m != nil && currentPort != "" {
				ports[m[1]] = currentPort
				currentPort = ""
			}
		}
		return ports
	}

	for _, line := range strings.Split(output, "\n") {
		if m := portOneLine.FindStringSubmatch(line); m != nil {
			ports[m[2]] = m[1]
		}
	}
	return ports
}

// frameVerb returns the verb from a "Device <bus_id> <verb>" frame, along
// with the bus ID, parsed by splitting on whitespace and taking the exact
// last field. It never matches by substring, which is what the original
// client got wrong: checking `'bound' in message` also matches "unbound".
func frameVerb(line string) (busID, verb string, ok bool) {
	fields := strings.Fields(line)
	if len(fields) != 3 || fields[0] != "Device" {
		return "", "", false
	}
	return fields[1], fields[2], true
}
