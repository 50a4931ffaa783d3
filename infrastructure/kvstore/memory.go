// Package kvstore provides key-value persistence backends for the permission
// manager.
package kvstore

import (
	"sync"

	"github.com/gridlet-dev/gridlet-host/domain/ports"
)

// MemoryStore is an in-process PermissionStore. Useful in tests and for
// hosts that do not persist consent across sessions.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]string)}
}

// Seed pre-populates a key, e.g. with a legacy-format record in tests.
func (s *MemoryStore) Seed(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
}

// Get implements ports.PermissionStore.
func (s *MemoryStore) Get(key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok, nil
}

// Set implements ports.PermissionStore.
func (s *MemoryStore) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

// Remove implements ports.PermissionStore.
func (s *MemoryStore) Remove(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	return nil
}

var _ ports.PermissionStore = (*MemoryStore)(nil)
