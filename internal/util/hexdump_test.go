package util

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHexDump(t *testing.T) {
	out := HexDump([]byte("sysmon: ver:1.1.1\x00\x01"))

	require.True(t, strings.HasPrefix(out, "0000  "))
	require.Contains(t, out, "73 79 73 6d")
	require.Contains(t, out, "|sysmon: ver:1.1.|")
	require.Contains(t, out, "|1..|")
}

func TestHexDumpEmpty(t *testing.T) {
	require.Empty(t, HexDump(nil))
}

func TestHexDumpMultipleRows(t *testing.T) {
	out := HexDump(make([]byte, 40))
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	require.Len(t, lines, 3)
	require.True(t, strings.HasPrefix(lines[1], "0010"))
	require.True(t, strings.HasPrefix(lines[2], "0020"))
}
