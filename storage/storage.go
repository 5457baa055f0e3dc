// Package storage wraps the filesystem operations the crawler needs behind an
// afero.Fs so they can run against memory in tests.
package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

const (
	dirPerm  = 0o755
	filePerm = 0o644
)

// Store is the storage capability used by the session layer, the crawler and
// the manifest writers.
type Store struct {
	fs afero.Fs
}

// New returns a Store backed by fsys.
func New(fsys afero.Fs) *Store {
	return &Store{fs: fsys}
}

// NewOS returns a Store backed by the real filesystem.
func NewOS() *Store {
	return New(afero.NewOsFs())
}

// Fs exposes the underlying filesystem.
func (s *Store) Fs() afero.Fs {
	return s.fs
}

// Exists reports whether anything is present at path.
func (s *Store) Exists(path string) bool {
	_, err := s.fs.Stat(path)
	return err == nil
}

// Stat returns file info for path.
func (s *Store) Stat(path string) (os.FileInfo, error) {
	return s.fs.Stat(path)
}

// MkdirAll creates dir and any missing parents. An existing directory is not
// an error; any other failure is returned.
func (s *Store) MkdirAll(dir string) error {
	err := s.fs.Mkdir(dir, dirPerm)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, fs.ErrExist):
		return nil
	case errors.Is(err, fs.ErrNotExist):
		parent := filepath.Dir(dir)
		if parent == dir {
			return err
		}
		if err := s.MkdirAll(parent); err != nil {
			return err
		}
		if err := s.fs.Mkdir(dir, dirPerm); err != nil && !errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
		return nil
	default:
		return fmt.Errorf("create directory %q: %w", dir, err)
	}
}

// ReadFile returns the content of path.
func (s *Store) ReadFile(path string) ([]byte, error) {
	return afero.ReadFile(s.fs, path)
}

// WriteFile replaces the content of path.
func (s *Store) WriteFile(path string, data []byte) error {
	return afero.WriteFile(s.fs, path, data, filePerm)
}

// Remove deletes path.
func (s *Store) Remove(path string) error {
	return s.fs.Remove(path)
}

// Create opens path for writing, truncating it.
func (s *Store) Create(path string) (afero.File, error) {
	return s.fs.Create(path)
}

// OpenAppend opens path for appending, creating it and its directory when
// missing. created reports whether the file did not exist before.
func (s *Store) OpenAppend(path string) (f afero.File, created bool, err error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := s.MkdirAll(dir); err != nil {
			return nil, false, err
		}
	}
	info, statErr := s.fs.Stat(path)
	created = statErr != nil || info.Size() == 0

	f, err = s.fs.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, filePerm)
	if err != nil {
		return nil, false, fmt.Errorf("open %q for append: %w", path, err)
	}
	return f, created, nil
}
