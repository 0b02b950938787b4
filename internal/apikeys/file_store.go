package apikeys

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

type record struct {
	Name        string `json:"name"`
	CreditsUsed int64  `json:"credits_used"`
}

// FileStore keeps keys in memory and rewrites a JSON file on every change.
// The file maps key to {name, credits_used}. An empty path keeps keys in
// memory only.
type FileStore struct {
	mu   sync.RWMutex
	path string
	keys map[string]record
}

// OpenFileStore loads path if it exists.
func OpenFileStore(path string) (*FileStore, error) {
	s := &FileStore{path: path, keys: make(map[string]record)}
	if path == "" {
		return s, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &s.keys); err != nil {
			return nil, fmt.Errorf("failed to parse key file %s: %w", path, err)
		}
	}
	return s, nil
}

// NewMemoryStore creates a store that is never written to disk.
func NewMemoryStore() *FileStore {
	s, _ := OpenFileStore("")
	return s
}

func (s *FileStore) Create(_ context.Context, key *Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.keys[key.Key]; exists {
		return fmt.Errorf("key already exists")
	}
	s.keys[key.Key] = record{Name: key.Name, CreditsUsed: key.CreditsUsed}
	if err := s.save(); err != nil {
		delete(s.keys, key.Key)
		return err
	}
	return nil
}

func (s *FileStore) Get(_ context.Context, raw string) (*Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.keys[raw]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return &Key{Key: raw, Name: r.Name, CreditsUsed: r.CreditsUsed}, nil
}

func (s *FileStore) IncrementUsage(_ context.Context, raw string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.keys[raw]
	if !ok {
		return ErrKeyNotFound
	}
	s.keys[raw] = record{Name: r.Name, CreditsUsed: r.CreditsUsed + 1}
	if err := s.save(); err != nil {
		s.keys[raw] = r
		return err
	}
	return nil
}

// save writes the file via rename so readers never see a partial file.
// Caller holds s.mu.
func (s *FileStore) save() error {
	if s.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(s.keys, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	return os.Rename(tmp, s.path)
}
