package cache

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Backend persists the serialized cache as a single blob.
// Read returns an error wrapping fs.ErrNotExist when nothing was stored yet.
type Backend interface {
	Read() ([]byte, error)
	Write(data []byte) error
	Remove() error
}

// DefaultPath returns the cache file for a project:
// <user cache dir>/cilens/<provider>/<project with "/" replaced by "-">.json
func DefaultPath(provider, project string) (string, error) {
	dir, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("resolving cache directory: %w", err)
	}
	name := strings.ReplaceAll(strings.Trim(project, "/"), "/", "-") + ".json"
	return filepath.Join(dir, "cilens", provider, name), nil
}

// FileBackend stores the cache in one file. Writes go to a temporary file in
// the same directory which is then renamed over the target, so readers never
// observe a truncated file.
type FileBackend struct {
	Path string
}

func (b FileBackend) Read() ([]byte, error) {
	return os.ReadFile(b.Path)
}

func (b FileBackend) Write(data []byte) error {
	dir := filepath.Dir(b.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating cache directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(b.Path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp cache file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing cache file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing cache file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing cache file: %w", err)
	}
	if err := os.Rename(tmpName, b.Path); err != nil {
		return fmt.Errorf("replacing cache file: %w", err)
	}
	return nil
}

func (b FileBackend) Remove() error {
	if err := os.Remove(b.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing cache file: %w", err)
	}
	return nil
}

// MemoryBackend keeps the blob in memory. Used by tests and by runs that
// must not touch the disk.
type MemoryBackend struct {
	mu     sync.Mutex
	data   []byte
	writes int
}

func (b *MemoryBackend) Read() ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.data == nil {
		return nil, fs.ErrNotExist
	}
	out := make([]byte, len(b.data))
	copy(out, b.data)
	return out, nil
}

func (b *MemoryBackend) Write(data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = make([]byte, len(data))
	copy(b.data, data)
	b.writes++
	return nil
}

func (b *MemoryBackend) Remove() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = nil
	return nil
}

// Writes returns how many times the blob was written.
func (b *MemoryBackend) Writes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.writes
}
