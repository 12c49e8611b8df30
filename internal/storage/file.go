package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileBackend stores each namespace as a JSON object in its own file.
type FileBackend struct {
	mu  sync.Mutex
	dir string
}

// NewFileBackend creates dir if needed.
func NewFileBackend(dir string) (*FileBackend, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("storage: file directory must not be empty")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("storage: create directory: %w", err)
	}
	return &FileBackend{dir: dir}, nil
}

func (f *FileBackend) path(namespace string) string {
	return filepath.Join(f.dir, url.PathEscape(namespace)+".json")
}

// Get reads key from the namespace file. A missing file reads as absent.
func (f *FileBackend) Get(_ context.Context, namespace, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	values, err := f.load(namespace)
	if err != nil {
		return "", false, err
	}
	v, ok := values[key]
	return v, ok, nil
}

// Set rewrites the namespace file with key set to value.
func (f *FileBackend) Set(_ context.Context, namespace, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	values, err := f.load(namespace)
	if err != nil {
		return err
	}
	values[key] = value
	return f.save(namespace, values)
}

// Remove deletes key. Removing an absent key is not an error.
func (f *FileBackend) Remove(_ context.Context, namespace, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	values, err := f.load(namespace)
	if err != nil {
		return err
	}
	if _, ok := values[key]; !ok {
		return nil
	}
	delete(values, key)
	return f.save(namespace, values)
}

func (f *FileBackend) load(namespace string) (map[string]string, error) {
	buf, err := os.ReadFile(f.path(namespace))
	if errors.Is(err, os.ErrNotExist) {
		return make(map[string]string), nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: read %s: %w", namespace, err)
	}
	values := make(map[string]string)
	if err := json.Unmarshal(buf, &values); err != nil {
		return nil, fmt.Errorf("storage: decode %s: %w", namespace, err)
	}
	return values, nil
}

// save writes to a temp file and renames it over the target so a failed
// write never leaves a truncated file behind.
func (f *FileBackend) save(namespace string, values map[string]string) error {
	buf, err := json.MarshalIndent(values, "", "  ")
	if err != nil {
		return fmt.Errorf("storage: encode %s: %w", namespace, err)
	}
	target := f.path(namespace)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, buf, 0o600); err != nil {
		return fmt.Errorf("storage: write %s: %w", namespace, err)
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("storage: replace %s: %w", namespace, err)
	}
	return nil
}
