// Package kv is a small JSON-file backed key-value store for state that must
// survive restarts: retry counters and feature flags. Every Set rewrites the
// whole file, so it is not meant for frequent writes.
package kv

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

type Store struct {
	path string
	mu   sync.RWMutex
	data map[string]interface{}
}

// New loads the store at path. A missing file yields an empty store.
func New(path string) (*Store, error) {
	s := &Store{
		path: path,
		data: map[string]interface{}{},
	}

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "unable to read state file %s", path)
	}
	if len(raw) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(raw, &s.data); err != nil {
		return nil, errors.Wrapf(err, "unable to parse state file %s", path)
	}
	return s, nil
}

// Path of the backing file.
func (s *Store) Path() string { return s.path }

// Get returns the value stored under key or def.
func (s *Store) Get(key string, def interface{}) interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.data[key]; ok {
		return v
	}
	return def
}

// GetInt returns the numeric value stored under key or def. Values that are
// not numbers are treated as absent.
func (s *Store) GetInt(key string, def int) int {
	switch v := s.Get(key, nil).(type) {
	case float64:
		return int(v)
	case int:
		return v
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return def
		}
		return int(n)
	default:
		return def
	}
}

// Set stores value under key and rewrites the backing file.
func (s *Store) Set(key string, value interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	return s.flush()
}

// Increment adds one to the counter under key and returns the new value.
func (s *Store) Increment(key string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	if v, ok := s.data[key].(float64); ok {
		n = int(v)
	} else if v, ok := s.data[key].(int); ok {
		n = v
	}
	n++
	// stored as float64 so in-memory and reloaded values have the same type
	s.data[key] = float64(n)
	return n, s.flush()
}

// Delete removes key. Removing a missing key is not an error.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[key]; !ok {
		return nil
	}
	delete(s.data, key)
	return s.flush()
}

// Keys returns the stored keys in sorted order.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// All returns a shallow copy of the stored map.
func (s *Store) All() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]interface{}, len(s.data))
	for k, v := range s.data {
		out[k] = v
	}
	return out
}

// flush writes the map to a temporary sibling, syncs it and renames it over
// the backing file. Callers hold s.mu.
func (s *Store) flush() error {
	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return errors.Wrap(err, "unable to encode state")
	}
	raw = append(raw, '\n')

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return errors.Wrap(err, "unable to create state dir")
	}

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return errors.Wrap(err, "unable to create temporary state file")
	}
	if _, err := f.Write(raw); err != nil {
		f.Close()
		os.Remove(tmp)
		return errors.Wrap(err, "unable to write temporary state file")
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return errors.Wrap(err, "unable to sync temporary state file")
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, "unable to close temporary state file")
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, "unable to move state file into place")
	}
	return nil
}
