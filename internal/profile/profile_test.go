package profile

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultProfileIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestValidateRejectsMissingUUIDs(t *testing.T) {
	p := Default()
	p.ServiceUUID = ""
	require.Error(t, p.Validate())

	p = Default()
	p.WriteCharUUID = ""
	require.Error(t, p.Validate())

	p = Default()
	p.NotifyCharUUID = ""
	require.Error(t, p.Validate())
}

func TestStoreRoundTrip(t *testing.T) {
	s := OpenStore(filepath.Join(t.TempDir(), "profile.json"))

	// Nothing saved yet.
	p, err := s.LoadActive()
	require.NoError(t, err)
	require.Nil(t, p)

	want := Default()
	want.DeviceName = "bench programmer"
	require.NoError(t, s.SaveActive(want))

	got, err := s.LoadActive()
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, want, *got)
}

func TestSaveActiveRejectsInvalidProfile(t *testing.T) {
	s := OpenStore(filepath.Join(t.TempDir(), "profile.json"))
	bad := Default()
	bad.NotifyCharUUID = ""
	require.Error(t, s.SaveActive(bad))

	p, err := s.LoadActive()
	require.NoError(t, err)
	require.Nil(t, p)
}
