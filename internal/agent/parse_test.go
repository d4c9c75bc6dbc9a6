package agent

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseRemoteBusIDsLinuxForm(t *testing.T) {
	output := `
 - busid 1-1 (1d6b:0002)
   Linux Foundation : 2.0 root hub (1d6b:0002)

 - busid 2-3.4 (0781:5567)
   SanDisk Corp. : Cruzer Blade (0781:5567)
`
	ids := ParseRemoteBusIDs(output)
	require.ElementsMatch(t, []string{"1-1", "2-3.4"}, ids)
}

func TestParseRemoteBusIDsWindowsForm(t *testing.T) {
	output := `
Exportable USB devices
======================
 - 192.0.2.1
        1-1: Generic USB Hub
        2-2: SanDisk Cruzer Blade
`
	ids := ParseRemoteBusIDs(output)
	require.ElementsMatch(t, []string{"1-1", "2-2"}, ids)
}

func TestParseAttachedPortsLegacyBlockForm(t *testing.T) {
	output := `Imported USB devices
====================
Port 00: <Port in Use> at Full Speed(12Mbps)
       unknown vendor : unknown product (0000:0000)
       4-1 -> usbip://192.0.2.1/1-1
           -> remote bus/dev 001/007
`
	ports := ParseAttachedPorts(output)
	require.Equal(t, map[string]string{"1-1": "00"}, ports)
}

func TestParseAttachedPortsOneLineForm(t *testing.T) {
	output := `Imported Devices
port 00: <-> busid 1-1 (1d6b:0002)
port 01: <-> busid 2-3.4 (0781:5567)
`
	ports := ParseAttachedPorts(output)
	require.Equal(t, map[string]string{"1-1": "00", "2-3.4": "01"}, ports)
}

func TestFrameVerbExactMatchAvoidsSubstringBug(t *testing.T) {
	busID, verb, ok := frameVerb("Device 1-1 bound")
	require.True(t, ok)
	require.Equal(t, "1-1", busID)
	require.Equal(t, "bound", verb)

	busID, verb, ok = frameVerb("Device 1-1 unbound")
	require.True(t, ok)
	require.Equal(t, "1-1", busID)
	require.Equal(t, "unbound", verb)
}

func TestFrameVerbRejectsMalformedLines(t *testing.T) {
	_, _, ok := frameVerb("not a frame at all")
	require.False(t, ok)

	_, _, ok = frameVerb("Device 1-1")
	require.False(t, ok)
}
