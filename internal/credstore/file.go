package credstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

const credsFile = "creds.json"

// FileStore keeps each location in its own directory under Dir as
// <Dir>/<loc>/creds.json.
type FileStore struct {
	Dir string
	now func() time.Time
}

// NewFileStore creates a FileStore rooted at dir. The directory is created on
// first save.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("credstore: dir is required")
	}
	return &FileStore{Dir: dir, now: time.Now}, nil
}

func (s *FileStore) path(loc string) string {
	return filepath.Join(s.Dir, loc, credsFile)
}

// Load reads the credentials for loc.
func (s *FileStore) Load(ctx context.Context, loc string) (Credentials, error) {
	if err := ValidateLocation(loc); err != nil {
		return Credentials{}, err
	}
	data, err := os.ReadFile(s.path(loc))
	if errors.Is(err, fs.ErrNotExist) {
		return Credentials{}, nil
	}
	if err != nil {
		return Credentials{}, fmt.Errorf("credstore: read %s: %w", loc, err)
	}
	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return Credentials{}, fmt.Errorf("credstore: decode %s: %w", loc, err)
	}
	return creds, nil
}

// Save writes the credentials for loc atomically.
func (s *FileStore) Save(ctx context.Context, loc string, creds Credentials) error {
	if err := ValidateLocation(loc); err != nil {
		return err
	}
	dir := filepath.Join(s.Dir, loc)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("credstore: mkdir %s: %w", loc, err)
	}
	creds.UpdatedAt = s.now().UTC()
	data, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("credstore: encode %s: %w", loc, err)
	}
	tmp, err := os.CreateTemp(dir, credsFile+".*")
	if err != nil {
		return fmt.Errorf("credstore: write %s: %w", loc, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("credstore: write %s: %w", loc, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("credstore: write %s: %w", loc, err)
	}
	if err := os.Rename(tmp.Name(), s.path(loc)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("credstore: write %s: %w", loc, err)
	}
	return nil
}

// Delete removes the directory for loc. Deleting an unknown location is not
// an error.
func (s *FileStore) Delete(ctx context.Context, loc string) error {
	if err := ValidateLocation(loc); err != nil {
		return err
	}
	if err := os.RemoveAll(filepath.Join(s.Dir, loc)); err != nil {
		return fmt.Errorf("credstore: delete %s: %w", loc, err)
	}
	return nil
}
