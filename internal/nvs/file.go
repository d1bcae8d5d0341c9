package nvs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// FileStore keeps all namespaces in a single YAML document. Writes go to a
// temp file first and are renamed into place.
type FileStore struct {
	path string

	mu sync.Mutex
}

// OpenFile opens (or prepares to create) a YAML store at path.
func OpenFile(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("nvs: creating store dir: %w", err)
	}
	s := &FileStore{path: path}
	// Surface a corrupt file at open time rather than on first read.
	if _, err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) ReadNamespace(ns string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.load()
	if err != nil {
		return nil, err
	}
	values, ok := all[ns]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneValues(values), nil
}

func (s *FileStore) WriteNamespace(ns string, values map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.load()
	if err != nil {
		return err
	}
	all[ns] = cloneValues(values)
	return s.save(all)
}

func (s *FileStore) EraseNamespace(ns string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := all[ns]; !ok {
		return nil
	}
	delete(all, ns)
	return s.save(all)
}

func (s *FileStore) Close() error { return nil }

func (s *FileStore) load() (map[string]map[string]string, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return make(map[string]map[string]string), nil
	}
	if err != nil {
		return nil, fmt.Errorf("nvs: reading %s: %w", s.path, err)
	}

	all := make(map[string]map[string]string)
	if err := yaml.Unmarshal(data, &all); err != nil {
		return nil, fmt.Errorf("nvs: parsing %s: %w", s.path, err)
	}
	return all, nil
}

func (s *FileStore) save(all map[string]map[string]string) error {
	data, err := yaml.Marshal(all)
	if err != nil {
		return fmt.Errorf("nvs: encoding store: %w", err)
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("nvs: writing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("nvs: replacing store file: %w", err)
	}
	return nil
}

// Compile-time check that FileStore implements Store.
var _ Store = (*FileStore)(nil)
