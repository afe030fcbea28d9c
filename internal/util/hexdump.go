package util

import (
	"fmt"
	"strings"
)

// HexDump renders data in the classic hex+ASCII dump layout for debug
// logging.
func HexDump(data []byte) string {
	var sb strings.Builder
	for i := 0; i < len(data); i += 16 {
		fmt.Fprintf(&sb, "%04x  ", i)

		for j := 0; j < 16; j++ {
			if i+j < len(data) {
				fmt.Fprintf(&sb, "%02x ", data[i+j])
			} else {
				sb.WriteString("   ")
			}
			if j == 7 {
				sb.WriteByte(' ')
			}
		}

		sb.WriteString(" |")
		for j := 0; j < 16 && i+j < len(data); j++ {
			b := data[i+j]
			if b >= 32 && b < 127 {
				sb.WriteByte(b)
			} else {
				sb.WriteByte('.')
			}
		}
		sb.WriteString("|\n")
	}
	return sb.String()
}
