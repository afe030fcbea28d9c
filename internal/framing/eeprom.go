package framing

import (
	"fmt"
	"strings"

	"sfplink/internal/fault"
)

// FieldOffsets describes where the identity fields live in the A0h page.
// The offsets below match the device's SFF-8472 subset; they are a table
// rather than literals so a revised memory map only touches one value.
type FieldOffsets struct {
	VendorStart, VendorEnd int
	ModelStart, ModelEnd   int
	SerialStart, SerialEnd int
}

// SFF8472 is the standard A0h layout: vendor name at 20-35, part number
// at 40-55, serial number at 68-83, each 16 bytes of space-padded ASCII.
var SFF8472 = FieldOffsets{
	VendorStart: 20, VendorEnd: 36,
	ModelStart: 40, ModelEnd: 56,
	SerialStart: 68, SerialEnd: 84,
}

// MinImageLen is the minimum viable EEPROM length: enough to cover the
// serial field and the diagnostic monitoring type byte.
const MinImageLen = 96

// Wavelength lives at bytes 60-61 as nanometers, big endian.
const (
	wavelengthHi = 60
	wavelengthLo = 61
)

// Image is a parsed EEPROM dump. Raw always holds the full unmodified
// buffer so callers can persist or diagnose it even when fields are odd.
type Image struct {
	Vendor       string
	Model        string
	Serial       string
	Type         string
	WavelengthNm int
	Raw          []byte
}

// identifierName maps the SFF-8024 identifier byte to a display name.
func identifierName(id byte) string {
	switch id {
	case 0x02:
		return "module soldered to motherboard"
	case 0x03:
		return "SFP/SFP+"
	case 0x0B:
		return "DWDM-SFP"
	case 0x0C, 0x0D, 0x11:
		return "QSFP"
	default:
		return fmt.Sprintf("unknown (0x%02X)", id)
	}
}

// Parse extracts the identity fields using the standard SFF-8472 offsets.
func Parse(data []byte) (*Image, error) {
	return ParseWith(data, SFF8472)
}

// ParseWith extracts the identity fields using a caller-supplied offsets
// table. Truncated buffers fail with a parse fault rather than returning
// garbage substrings.
func ParseWith(data []byte, off FieldOffsets) (*Image, error) {
	if len(data) < MinImageLen {
		return nil, fault.Newf(fault.Parse, "EEPROM too short: %d bytes (need %d)", len(data), MinImageLen)
	}
	if off.VendorEnd > len(data) || off.ModelEnd > len(data) || off.SerialEnd > len(data) {
		return nil, fault.Newf(fault.Parse, "field offsets exceed EEPROM length %d", len(data))
	}

	img := &Image{
		Vendor:       asciiField(data[off.VendorStart:off.VendorEnd]),
		Model:        asciiField(data[off.ModelStart:off.ModelEnd]),
		Serial:       asciiField(data[off.SerialStart:off.SerialEnd]),
		Type:         identifierName(data[0]),
		WavelengthNm: int(data[wavelengthHi])<<8 | int(data[wavelengthLo]),
		Raw:          data,
	}
	return img, nil
}

// asciiField trims the space padding SFF-8472 uses for fixed-width
// fields and drops anything non-printable.
func asciiField(b []byte) string {
	var sb strings.Builder
	for _, c := range b {
		if c >= 0x20 && c < 0x7f {
			sb.WriteByte(c)
		}
	}
	return strings.TrimSpace(sb.String())
}
