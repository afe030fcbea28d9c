// Package store is the module-storage collaborator: a content-addressed
// collection of SFP EEPROM images on disk, keyed by a hash of the
// identity bytes so re-reads of the same module land on one entry.
package store

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"sfplink/internal/framing"
)

// Store manages EEPROM images and their metadata under a base directory.
type Store struct {
	baseDir    string
	imagesDir  string
	indexPath  string
}

// Entry is the index record for one stored module.
type Entry struct {
	Hash         string    `json:"hash"`
	Vendor       string    `json:"vendor"`
	Model        string    `json:"model"`
	Serial       string    `json:"serial"`
	Type         string    `json:"type"`
	WavelengthNm int       `json:"wavelength_nm,omitempty"`
	Size         int       `json:"size"`
	Source       string    `json:"source"` // "device-read" or "import"
	CreatedAt    time.Time `json:"created_at"`
}

type index struct {
	Modules   map[string]Entry `json:"modules"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// identityLen is how many leading bytes feed the content hash: the A0h
// identity fields, excluding volatile diagnostic data, so the same
// module read twice hashes identically.
const identityLen = 96

// ContentHash derives the storage key for an EEPROM image.
func ContentHash(data []byte) (string, error) {
	if len(data) < identityLen {
		return "", fmt.Errorf("data too short: need at least %d bytes, got %d", identityLen, len(data))
	}
	sum := sha256.Sum256(data[:identityLen])
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// ShortHash returns the display form of a hash.
func ShortHash(hash string) string {
	if len(hash) > 19 {
		return hash[7:19]
	}
	return hash
}

// DefaultPath returns the default store location (~/.sfplink/store).
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".sfplink", "store"), nil
}

// Open opens or creates a store at the given path.
func Open(path string) (*Store, error) {
	s := &Store{
		baseDir:   path,
		imagesDir: filepath.Join(path, "images"),
		indexPath: filepath.Join(path, "index.json"),
	}
	if err := os.MkdirAll(s.imagesDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store dir: %w", err)
	}
	return s, nil
}

// OpenDefault opens the store at the default path.
func OpenDefault() (*Store, error) {
	path, err := DefaultPath()
	if err != nil {
		return nil, err
	}
	return Open(path)
}

// Import adds an EEPROM image to the store. Re-importing the same
// identity is a no-op that returns the existing hash.
func (s *Store) Import(data []byte, source string) (string, bool, error) {
	hash, err := ContentHash(data)
	if err != nil {
		return "", false, err
	}

	idx, err := s.loadIndex()
	if err != nil {
		return "", false, err
	}
	if _, ok := idx.Modules[hash]; ok {
		return hash, false, nil
	}

	img, err := framing.Parse(data)
	if err != nil {
		return "", false, err
	}

	if err := os.WriteFile(s.imagePath(hash), data, 0644); err != nil {
		return "", false, fmt.Errorf("failed to write image: %w", err)
	}

	idx.Modules[hash] = Entry{
		Hash:         hash,
		Vendor:       img.Vendor,
		Model:        img.Model,
		Serial:       img.Serial,
		Type:         img.Type,
		WavelengthNm: img.WavelengthNm,
		Size:         len(data),
		Source:       source,
		CreatedAt:    time.Now(),
	}
	if err := s.saveIndex(idx); err != nil {
		return "", false, err
	}
	return hash, true, nil
}

// FetchModuleEEPROM returns the stored image for a full or short hash.
// This is the fetch side of the manager's module-storage contract.
func (s *Store) FetchModuleEEPROM(id string) ([]byte, error) {
	hash, err := s.Resolve(id)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(s.imagePath(hash))
}

// SaveModule persists a freshly read EEPROM image and returns its id.
func (s *Store) SaveModule(img *framing.Image) (string, error) {
	hash, _, err := s.Import(img.Raw, "device-read")
	return hash, err
}

// Resolve expands a full or short hash to the stored full hash.
func (s *Store) Resolve(id string) (string, error) {
	idx, err := s.loadIndex()
	if err != nil {
		return "", err
	}
	if _, ok := idx.Modules[id]; ok {
		return id, nil
	}
	for hash := range idx.Modules {
		if ShortHash(hash) == id || strings.HasPrefix(strings.TrimPrefix(hash, "sha256:"), id) {
			return hash, nil
		}
	}
	return "", fmt.Errorf("module not found: %s", id)
}

// List returns all stored modules, newest first.
func (s *Store) List() ([]Entry, error) {
	idx, err := s.loadIndex()
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(idx.Modules))
	for _, e := range idx.Modules {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CreatedAt.After(entries[j].CreatedAt)
	})
	return entries, nil
}

// Get returns the index entry for a full or short hash.
func (s *Store) Get(id string) (*Entry, error) {
	hash, err := s.Resolve(id)
	if err != nil {
		return nil, err
	}
	idx, err := s.loadIndex()
	if err != nil {
		return nil, err
	}
	e := idx.Modules[hash]
	return &e, nil
}

// Export writes a stored image to a file.
func (s *Store) Export(id, destPath string) error {
	data, err := s.FetchModuleEEPROM(id)
	if err != nil {
		return err
	}
	return os.WriteFile(destPath, data, 0644)
}

func (s *Store) imagePath(hash string) string {
	return filepath.Join(s.imagesDir, strings.TrimPrefix(hash, "sha256:")+".bin")
}

func (s *Store) loadIndex() (*index, error) {
	data, err := os.ReadFile(s.indexPath)
	if os.IsNotExist(err) {
		return &index{Modules: make(map[string]Entry)}, nil
	}
	if err != nil {
		return nil, err
	}
	var idx index
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("failed to parse store index: %w", err)
	}
	if idx.Modules == nil {
		idx.Modules = make(map[string]Entry)
	}
	return &idx, nil
}

func (s *Store) saveIndex(idx *index) error {
	idx.UpdatedAt = time.Now()
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.indexPath, data, 0644)
}
