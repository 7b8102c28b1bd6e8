// Package localcache keeps the participant record between runs of a client.
package localcache

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

type Record struct {
	ID       string    `json:"id"`
	Ink      int       `json:"ink"`
	JoinedAt time.Time `json:"joinedAt"`
}

// File stores a single Record as JSON.
type File struct {
	path string
}

func NewFile(path string) *File {
	return &File{path: path}
}

// DefaultPath places the record in the user's config directory.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to find config dir: %w", err)
	}
	return filepath.Join(dir, "inkwall", "participant.json"), nil
}

func (f *File) Path() string {
	return f.path
}

// Load returns the cached record. A missing file is not an error and reports false.
func (f *File) Load() (Record, bool, error) {
	raw, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("failed to read cache: %w", err)
	}
	var r Record
	if err := json.Unmarshal(raw, &r); err != nil {
		return Record{}, false, fmt.Errorf("failed to decode cache: %w", err)
	}
	return r, r.ID != "", nil
}

// Save replaces the cached record. The write goes through a temp file so a crash never leaves a torn record.
func (f *File) Save(r Record) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("failed to create cache dir: %w", err)
	}
	raw, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode cache: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".participant-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write cache: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write cache: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("failed to replace cache: %w", err)
	}
	return nil
}
