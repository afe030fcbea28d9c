package link

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// StatusSnapshot is the device state reported by one sysmon line. Each
// poll supersedes the previous snapshot; nothing here is persisted.
type StatusSnapshot struct {
	FirmwareVersion string
	BatteryPercent  int
	SFPPresent      bool
	Raw             string
}

// sysmonPrefix opens every status line, e.g.
// "sysmon: ver:1.2.3, bat:[x]|^|85%, sfp:[x]".
const sysmonPrefix = "sysmon:"

var percentRe = regexp.MustCompile(`(\d+)%`)

// ParseSysmon parses a sysmon status line. Unknown fields are ignored so
// firmware additions do not break older clients.
func ParseSysmon(line string) (*StatusSnapshot, error) {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, sysmonPrefix) {
		return nil, fmt.Errorf("not a sysmon line: %q", line)
	}

	snap := &StatusSnapshot{Raw: trimmed}
	rest := strings.TrimSpace(strings.TrimPrefix(trimmed, sysmonPrefix))

	for _, field := range strings.Split(rest, ",") {
		field = strings.TrimSpace(field)
		key, value, ok := strings.Cut(field, ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.TrimSpace(key) {
		case "ver":
			snap.FirmwareVersion = value
		case "bat":
			if m := percentRe.FindStringSubmatch(value); m != nil {
				if pct, err := strconv.Atoi(m[1]); err == nil {
					snap.BatteryPercent = pct
				}
			}
		case "sfp":
			snap.SFPPresent = strings.Contains(value, "[x]")
		}
	}
	return snap, nil
}

// CompatLevel grades a firmware version against the tested baseline.
type CompatLevel int

const (
	// CompatOK means the reported version matches the baseline.
	CompatOK CompatLevel = iota
	// CompatInfo means only the minor or patch version differs.
	CompatInfo
	// CompatWarn means the major version differs: the device is either
	// older or newer than anything this client was tested against.
	CompatWarn
)

// CompareFirmware compares a reported firmware version against the
// known-tested baseline by semantic major/minor rules, not string
// equality. A major mismatch warns; a minor or patch mismatch is
// informational only.
func CompareFirmware(reported, baseline string) (CompatLevel, string) {
	rMaj, rMin, rOK := splitVersion(reported)
	bMaj, bMin, bOK := splitVersion(baseline)
	if !rOK || !bOK {
		return CompatWarn, fmt.Sprintf("unparseable firmware version %q (baseline %s)", reported, baseline)
	}

	switch {
	case rMaj < bMaj:
		return CompatWarn, fmt.Sprintf("device firmware %s is a major version older than tested baseline %s", reported, baseline)
	case rMaj > bMaj:
		return CompatWarn, fmt.Sprintf("device firmware %s is a major version newer than tested baseline %s", reported, baseline)
	case rMin != bMin:
		return CompatInfo, fmt.Sprintf("device firmware %s differs from tested baseline %s", reported, baseline)
	}
	if reported != baseline {
		return CompatInfo, fmt.Sprintf("device firmware %s patch level differs from baseline %s", reported, baseline)
	}
	return CompatOK, ""
}

// splitVersion extracts major and minor from "X.Y.Z" style strings,
// tolerating a leading "v".
func splitVersion(v string) (major, minor int, ok bool) {
	v = strings.TrimPrefix(strings.TrimSpace(v), "v")
	parts := strings.Split(v, ".")
	if len(parts) < 2 {
		return 0, 0, false
	}
	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, false
	}
	minor, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, false
	}
	return major, minor, true
}
