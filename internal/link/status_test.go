package link

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseSysmon(t *testing.T) {
	snap, err := ParseSysmon("sysmon: ver:1.1.1, bat:[x]|^|85%, sfp:[x]")
	require.NoError(t, err)
	require.Equal(t, "1.1.1", snap.FirmwareVersion)
	require.Equal(t, 85, snap.BatteryPercent)
	require.True(t, snap.SFPPresent)
}

func TestParseSysmonNoModule(t *testing.T) {
	snap, err := ParseSysmon("sysmon: ver:1.0.2, bat:[x]|^|12%, sfp:[ ]")
	require.NoError(t, err)
	require.Equal(t, 12, snap.BatteryPercent)
	require.False(t, snap.SFPPresent)
}

func TestParseSysmonIgnoresUnknownFields(t *testing.T) {
	snap, err := ParseSysmon("sysmon: ver:2.0.0, tmp:41C, bat:|^|100%, sfp:[x]")
	require.NoError(t, err)
	require.Equal(t, "2.0.0", snap.FirmwareVersion)
	require.Equal(t, 100, snap.BatteryPercent)
}

func TestParseSysmonRejectsOtherLines(t *testing.T) {
	_, err := ParseSysmon("sif: ready")
	require.Error(t, err)
}

func TestCompareFirmware(t *testing.T) {
	level, msg := CompareFirmware("1.1.1", "1.1.1")
	require.Equal(t, CompatOK, level)
	require.Empty(t, msg)

	level, msg = CompareFirmware("1.1.2", "1.1.1")
	require.Equal(t, CompatInfo, level)
	require.NotEmpty(t, msg)

	level, _ = CompareFirmware("1.2.0", "1.1.1")
	require.Equal(t, CompatInfo, level)

	level, _ = CompareFirmware("2.0.0", "1.1.1")
	require.Equal(t, CompatWarn, level)

	level, _ = CompareFirmware("0.9.0", "1.1.1")
	require.Equal(t, CompatWarn, level)

	level, _ = CompareFirmware("garbage", "1.1.1")
	require.Equal(t, CompatWarn, level)
}

func TestCompareFirmwareToleratesVPrefix(t *testing.T) {
	level, _ := CompareFirmware("v1.1.1", "1.1.1")
	require.Equal(t, CompatInfo, level)
}
