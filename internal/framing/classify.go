// Package framing converts raw notification payloads into either textual
// protocol lines or binary EEPROM data, and extracts SFF-8472 fields from
// the latter.
package framing

import "unicode/utf8"

// Kind classifies an inbound frame.
type Kind int

const (
	Binary Kind = iota
	Text
)

func (k Kind) String() string {
	if k == Text {
		return "text"
	}
	return "binary"
}

// Frame is the classification result for one inbound notification.
type Frame struct {
	Kind    Kind
	Payload []byte
}

const (
	// sffIdentifierSFP is the SFF-8472 identifier byte for SFP/SFP+
	// modules. A frame starting with it at EEPROM length is a dump.
	sffIdentifierSFP = 0x03

	// minTextLen is the shortest frame worth attempting a text decode.
	minTextLen = 4

	// eepromSigLen is the shortest frame treated as an EEPROM dump when
	// it starts with the SFF-8472 identifier. SFP devices commonly
	// deliver 256 bytes; 128 is the A0h lower half.
	eepromSigLen = 128

	// textThreshold is the minimum fraction of text-like characters for
	// a frame to classify as text. Pure ASCII-range checks misclassify
	// UTF-8 device names and short binary payloads, so multibyte runes
	// count as text and the decision is by fraction, not all-or-nothing.
	textThreshold = 0.8
)

// Classify decides whether a notification payload is a textual protocol
// line or binary data. The decision is ordered: a length floor, the
// EEPROM signature short-circuit, then a lossless decode with a
// printable-fraction heuristic.
func Classify(data []byte) Frame {
	if len(data) < minTextLen {
		return Frame{Kind: Binary, Payload: data}
	}
	if data[0] == sffIdentifierSFP && len(data) >= eepromSigLen {
		return Frame{Kind: Binary, Payload: data}
	}
	if !utf8.Valid(data) {
		return Frame{Kind: Binary, Payload: data}
	}

	total := 0
	textLike := 0
	for _, r := range string(data) {
		total++
		switch {
		case r == '\t' || r == '\n' || r == '\r':
			textLike++
		case r >= 0x20 && r < 0x7f:
			textLike++
		case r > 0x7f:
			// Any multibyte character counts as text.
			textLike++
		}
	}
	if total > 0 && float64(textLike)/float64(total) > textThreshold {
		return Frame{Kind: Text, Payload: data}
	}
	return Frame{Kind: Binary, Payload: data}
}
