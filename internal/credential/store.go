package credential

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// State is the persisted credential record.
type State struct {
	Token    string    `json:"token"`
	ClientID string    `json:"client_id"`
	Account  string    `json:"account,omitempty"`
	SavedAt  time.Time `json:"saved_at"`
}

// Store abstracts persistence for credential state.
type Store interface {
	Load() (State, error)
	Save(State) error
}

// FileStore writes credential state to a JSON file on disk. A sibling lock
// file serialises access between concurrent avatarctl processes.
type FileStore struct {
	path string
	lock *flock.Flock
}

// NewFileStore builds a FileStore rooted at the provided path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path, lock: flock.New(path + ".lock")}
}

// Path returns the state file location.
func (s *FileStore) Path() string {
	return s.path
}

// Load reads state from disk. A missing file resolves to an empty state.
func (s *FileStore) Load() (State, error) {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return State{}, fmt.Errorf("ensure credential directory: %w", err)
	}
	if err := s.lock.RLock(); err != nil {
		return State{}, fmt.Errorf("lock credential state: %w", err)
	}
	defer func() { _ = s.lock.Unlock() }()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return State{}, nil
		}
		return State{}, fmt.Errorf("read credential state: %w", err)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return State{}, fmt.Errorf("decode credential state: %w", err)
	}
	return state, nil
}

// Save persists state to disk with restricted permissions.
func (s *FileStore) Save(state State) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("ensure credential directory: %w", err)
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encode credential state: %w", err)
	}

	if err := s.lock.Lock(); err != nil {
		return fmt.Errorf("lock credential state: %w", err)
	}
	defer func() { _ = s.lock.Unlock() }()

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write credential state: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace credential state: %w", err)
	}
	return nil
}
