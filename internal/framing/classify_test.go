package framing

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassifyShortFramesAreBinary(t *testing.T) {
	require.Equal(t, Binary, Classify([]byte{0x01, 0x02, 0x03}).Kind)
	require.Equal(t, Binary, Classify(nil).Kind)
	require.Equal(t, Binary, Classify([]byte("ok")).Kind)
}

func TestClassifyEEPROMSignature(t *testing.T) {
	// A frame starting with the SFP identifier at EEPROM length is a dump
	// even when the rest happens to be printable.
	dump := append([]byte{0x03}, bytes.Repeat([]byte("A"), 255)...)
	require.Equal(t, Binary, Classify(dump).Kind)

	// Below the signature length the identifier byte alone does not force
	// a binary decision.
	short := append([]byte{0x03}, bytes.Repeat([]byte("A"), 100)...)
	require.Equal(t, Text, Classify(short).Kind)
}

func TestClassifyPrintableText(t *testing.T) {
	f := Classify([]byte("sysmon: ver:1.2.3, bat:[x]|^|85%, sfp:[x]\r\n"))
	require.Equal(t, Text, f.Kind)

	long := bytes.Repeat([]byte("status line with padding. "), 10)
	require.Equal(t, Text, Classify(long).Kind)
}

func TestClassifyInvalidUTF8IsBinary(t *testing.T) {
	require.Equal(t, Binary, Classify([]byte{0xff, 0xfe, 0x41, 0x42, 0x43}).Kind)
}

func TestClassifyMultibyteCountsAsText(t *testing.T) {
	require.Equal(t, Text, Classify([]byte("módulo SFP listo")).Kind)
}

func TestClassifyThresholdBoundary(t *testing.T) {
	// 9 printable out of 10 runes: 0.9, above the threshold.
	mostlyText := append(bytes.Repeat([]byte("a"), 9), 0x01)
	require.Equal(t, Text, Classify(mostlyText).Kind)

	// 8 printable out of 10 runes: exactly 0.8, which does not pass.
	borderline := append(bytes.Repeat([]byte("a"), 8), 0x01, 0x02)
	require.Equal(t, Binary, Classify(borderline).Kind)

	// 81% printable passes, 79% does not.
	mostly := append(bytes.Repeat([]byte("x"), 81), bytes.Repeat([]byte{0x01}, 19)...)
	require.Equal(t, Text, Classify(mostly).Kind)

	barely := append(bytes.Repeat([]byte("x"), 79), bytes.Repeat([]byte{0x01}, 21)...)
	require.Equal(t, Binary, Classify(barely).Kind)
}

func TestClassifyPreservesPayload(t *testing.T) {
	data := []byte{0x03, 0x04, 0x00}
	f := Classify(data)
	require.Equal(t, data, f.Payload)
}
