package store

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"sfplink/internal/framing"
)

func testImage(vendor, model, serial string) []byte {
	data := make([]byte, 256)
	data[0] = 0x03
	pad := func(start, end int, s string) {
		for i := start; i < end; i++ {
			data[i] = ' '
		}
		copy(data[start:end], s)
	}
	pad(20, 36, vendor)
	pad(40, 56, model)
	pad(68, 84, serial)
	return data
}

func TestContentHash(t *testing.T) {
	a := testImage("ACME", "SFP-10G", "S1")
	b := testImage("ACME", "SFP-10G", "S1")
	hashA, err := ContentHash(a)
	require.NoError(t, err)
	hashB, err := ContentHash(b)
	require.NoError(t, err)
	require.Equal(t, hashA, hashB)
	require.True(t, strings.HasPrefix(hashA, "sha256:"))

	// Identity is the leading bytes only; trailing diagnostic data does
	// not change the key.
	c := testImage("ACME", "SFP-10G", "S1")
	c[200] = 0xFF
	hashC, err := ContentHash(c)
	require.NoError(t, err)
	require.Equal(t, hashA, hashC)

	_, err = ContentHash(make([]byte, 10))
	require.Error(t, err)
}

func TestImportDeduplicates(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	data := testImage("ACME", "SFP-10G", "S1")
	hash, isNew, err := s.Import(data, "import")
	require.NoError(t, err)
	require.True(t, isNew)

	again, isNew, err := s.Import(data, "import")
	require.NoError(t, err)
	require.False(t, isNew)
	require.Equal(t, hash, again)

	entries, err := s.List()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "ACME", entries[0].Vendor)
	require.Equal(t, "SFP-10G", entries[0].Model)
	require.Equal(t, "S1", entries[0].Serial)
	require.Equal(t, 256, entries[0].Size)
}

func TestResolveShortHash(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	hash, _, err := s.Import(testImage("ACME", "SFP-10G", "S1"), "import")
	require.NoError(t, err)

	full, err := s.Resolve(hash)
	require.NoError(t, err)
	require.Equal(t, hash, full)

	full, err = s.Resolve(ShortHash(hash))
	require.NoError(t, err)
	require.Equal(t, hash, full)

	// Bare hex prefix works too.
	prefix := strings.TrimPrefix(hash, "sha256:")[:8]
	full, err = s.Resolve(prefix)
	require.NoError(t, err)
	require.Equal(t, hash, full)

	_, err = s.Resolve("nonexistent")
	require.Error(t, err)
}

func TestFetchAndExport(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	data := testImage("ACME", "SFP-10G", "S1")
	hash, _, err := s.Import(data, "import")
	require.NoError(t, err)

	got, err := s.FetchModuleEEPROM(ShortHash(hash))
	require.NoError(t, err)
	require.Equal(t, data, got)

	dest := filepath.Join(t.TempDir(), "out.bin")
	require.NoError(t, s.Export(hash, dest))
	exported, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, data, exported)
}

func TestSaveModuleRecordsDeviceRead(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	img, err := framing.Parse(testImage("ACME", "SFP-10G", "S1"))
	require.NoError(t, err)

	hash, err := s.SaveModule(img)
	require.NoError(t, err)

	entry, err := s.Get(hash)
	require.NoError(t, err)
	require.Equal(t, "device-read", entry.Source)
}

func TestImportRejectsTruncatedImage(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	_, _, err = s.Import(make([]byte, 32), "import")
	require.Error(t, err)
}

func TestListNewestFirst(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	_, _, err = s.Import(testImage("ACME", "SFP-10G", "S1"), "import")
	require.NoError(t, err)
	_, _, err = s.Import(testImage("OTHER", "QSFP-40G", "S2"), "import")
	require.NoError(t, err)

	entries, err := s.List()
	require.NoError(t, err)
	require.Len(t, entries, 2)
}
