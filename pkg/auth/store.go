package auth

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/containerd/errdefs"
)

const (
	// settingsDir is the per-user configuration directory
	settingsDir = ".chef"

	// settingsFile holds persisted credentials and preferences
	settingsFile = "settings.json"

	// KeyOAuth is the settings key of the device-code token set
	KeyOAuth = "oauth"

	// KeyPubkey is the settings key of the public-key login cache
	KeyPubkey = "pubkey"
)

// Store reads and writes the user settings document. Values live as
// object children under their top-level key, so unrelated settings in
// the same file survive updates.
type Store struct {
	path string
}

// NewStore opens the settings store at path; empty selects
// $HOME/.chef/settings.json.
func NewStore(path string) (*Store, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home dir: %v: %w", err, errdefs.ErrUnavailable)
		}
		path = filepath.Join(home, settingsDir, settingsFile)
	}
	return &Store{path: path}, nil
}

// Path returns the settings file location.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) readAll() (map[string]json.RawMessage, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]json.RawMessage{}, nil
		}
		return nil, fmt.Errorf("read settings: %v: %w", err, errdefs.ErrUnavailable)
	}
	doc := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("settings file malformed: %w", errdefs.ErrInvalidArgument)
	}
	return doc, nil
}

// Load decodes the value stored under key into v. A missing key is
// not-found.
func (s *Store) Load(key string, v interface{}) error {
	doc, err := s.readAll()
	if err != nil {
		return err
	}
	raw, ok := doc[key]
	if !ok {
		return fmt.Errorf("settings key %q: %w", key, errdefs.ErrNotFound)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("settings key %q malformed: %w", key, errdefs.ErrInvalidArgument)
	}
	return nil
}

// Save stores v under key, preserving every other key. The write is
// atomic: a temp file replaced over the original, user-only
// permissions.
func (s *Store) Save(key string, v interface{}) error {
	doc, err := s.readAll()
	if err != nil {
		return err
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode settings key %q: %v: %w", key, err, errdefs.ErrInvalidArgument)
	}
	doc[key] = raw

	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode settings: %v: %w", err, errdefs.ErrInvalidArgument)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("create settings dir: %v: %w", err, errdefs.ErrUnavailable)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, out, 0600); err != nil {
		return fmt.Errorf("write settings: %v: %w", err, errdefs.ErrUnavailable)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace settings: %v: %w", err, errdefs.ErrUnavailable)
	}
	return nil
}

// Delete removes key from the settings document.
func (s *Store) Delete(key string) error {
	doc, err := s.readAll()
	if err != nil {
		return err
	}
	if _, ok := doc[key]; !ok {
		return nil
	}
	delete(doc, key)

	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode settings: %v: %w", err, errdefs.ErrInvalidArgument)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, out, 0600); err != nil {
		return fmt.Errorf("write settings: %v: %w", err, errdefs.ErrUnavailable)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace settings: %v: %w", err, errdefs.ErrUnavailable)
	}
	return nil
}
