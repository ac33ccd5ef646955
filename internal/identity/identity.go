// Package identity persists the player's session membership across client
// restarts. Rehydration is an explicit serialize/deserialize boundary rather
// than ambient storage.
package identity

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Identity is the persisted membership: which session the player belongs to
// and the server-assigned player id.
type Identity struct {
	SessionID   string `yaml:"session_id"`
	PlayerID    string `yaml:"player_id"`
	DisplayName string `yaml:"display_name"`
}

// Store reads and writes the identity file.
type Store struct {
	path string
}

// NewStore returns a store backed by the given file path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Load reads the persisted identity. A missing file is not an error; it
// returns (nil, nil) so callers treat it as "no prior membership".
func (s *Store) Load() (*Identity, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read identity file: %w", err)
	}
	var id Identity
	if err := yaml.Unmarshal(data, &id); err != nil {
		return nil, fmt.Errorf("parse identity file: %w", err)
	}
	if id.SessionID == "" || id.PlayerID == "" {
		return nil, nil
	}
	return &id, nil
}

// Save writes the identity, creating parent directories as needed.
func (s *Store) Save(id *Identity) error {
	data, err := yaml.Marshal(id)
	if err != nil {
		return fmt.Errorf("marshal identity: %w", err)
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create identity dir: %w", err)
		}
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("write identity file: %w", err)
	}
	return nil
}

// Clear removes the persisted identity. Called on leave and on terminal
// removal from a session.
func (s *Store) Clear() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove identity file: %w", err)
	}
	return nil
}
