// Package profile defines the connection profile that identifies which
// GATT service and characteristics to target, and its single-slot
// persistence on disk.
package profile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Default UUIDs for the SFP programmer's GATT surface.
const (
	// DefaultServiceUUID is the primary SFP service.
	DefaultServiceUUID = "8E60F02E-F699-4865-B83F-F40501752184"

	// DefaultWriteCharUUID is the characteristic accepting commands and
	// chunked EEPROM writes.
	DefaultWriteCharUUID = "9280F26C-A56F-43EA-B769-D5D732E1AC67"

	// DefaultNotifyCharUUID is the characteristic pushing responses and
	// EEPROM dumps.
	DefaultNotifyCharUUID = "D587C47F-AC6E-4388-A31C-E6CD380BA043"
)

// Profile identifies a target device: which service and characteristics
// in direct mode, or which logical device for the proxy relay.
type Profile struct {
	ServiceUUID    string `json:"service_uuid" yaml:"service_uuid"`
	WriteCharUUID  string `json:"write_char_uuid" yaml:"write_char_uuid"`
	NotifyCharUUID string `json:"notify_char_uuid" yaml:"notify_char_uuid"`
	DeviceAddress  string `json:"device_address,omitempty" yaml:"device_address,omitempty"`
	DeviceName     string `json:"device_name,omitempty" yaml:"device_name,omitempty"`
}

// Default returns a profile targeting the stock programmer firmware.
func Default() Profile {
	return Profile{
		ServiceUUID:    DefaultServiceUUID,
		WriteCharUUID:  DefaultWriteCharUUID,
		NotifyCharUUID: DefaultNotifyCharUUID,
	}
}

// Validate checks that the profile is usable: all three UUID fields must
// be non-empty.
func (p Profile) Validate() error {
	if p.ServiceUUID == "" {
		return fmt.Errorf("profile missing service UUID")
	}
	if p.WriteCharUUID == "" {
		return fmt.Errorf("profile missing write characteristic UUID")
	}
	if p.NotifyCharUUID == "" {
		return fmt.Errorf("profile missing notify characteristic UUID")
	}
	return nil
}

// Store persists the single active profile slot as JSON on disk.
type Store struct {
	path string
}

// DefaultPath returns the default active-profile location
// (~/.sfplink/profile.json).
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".sfplink", "profile.json"), nil
}

// OpenStore opens a profile store backed by the given file path.
func OpenStore(path string) *Store {
	return &Store{path: path}
}

// OpenDefaultStore opens the store at the default path.
func OpenDefaultStore() (*Store, error) {
	path, err := DefaultPath()
	if err != nil {
		return nil, err
	}
	return OpenStore(path), nil
}

// LoadActive reads the active profile. Returns (nil, nil) when no profile
// has been saved yet.
func (s *Store) LoadActive() (*Profile, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var p Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse profile: %w", err)
	}
	return &p, nil
}

// SaveActive writes the active profile, creating the directory if needed.
func (s *Store) SaveActive(p Profile) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create profile dir: %w", err)
	}
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0644)
}
