// Package storage provides per-extension private key/value stores.
package storage

import (
	"sync"

	"github.com/gridlet-dev/gridlet-host/domain/ports"
)

// Memory is an in-process per-extension store. It optionally exposes the
// bulk-clear operation; construct with NewMemoryWithoutClear to exercise the
// host's delete-own-keys fallback.
type Memory struct {
	mu   sync.RWMutex
	data map[string]map[string]any
}

// NewMemory creates an empty store supporting bulk clear.
func NewMemory() *Memory {
	return &Memory{data: make(map[string]map[string]any)}
}

// Get implements ports.Storage.
func (s *Memory) Get(extensionID, key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[extensionID][key]
	return v, ok
}

// Set implements ports.Storage.
func (s *Memory) Set(extensionID, key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.data[extensionID]
	if !ok {
		m = make(map[string]any)
		s.data[extensionID] = m
	}
	m[key] = value
}

// Delete implements ports.Storage.
func (s *Memory) Delete(extensionID, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data[extensionID], key)
}

// Keys implements ports.Storage.
func (s *Memory) Keys(extensionID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m := s.data[extensionID]
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}

// Clear implements ports.StorageClearer. Replacing the per-extension map's
// identity is acceptable for bulk clear.
func (s *Memory) Clear(extensionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, extensionID)
}

// WithoutClear hides the bulk-clear operation behind a Storage-only view, so
// the host falls back to deleting each own key in place. Methods forward
// explicitly; embedding would leak Clear through the interface assertion.
type WithoutClear struct {
	inner *Memory
}

// NewMemoryWithoutClear creates a store without the bulk-clear operation.
func NewMemoryWithoutClear() *WithoutClear {
	return &WithoutClear{inner: NewMemory()}
}

// Get implements ports.Storage.
func (s *WithoutClear) Get(extensionID, key string) (any, bool) {
	return s.inner.Get(extensionID, key)
}

// Set implements ports.Storage.
func (s *WithoutClear) Set(extensionID, key string, value any) {
	s.inner.Set(extensionID, key, value)
}

// Delete implements ports.Storage.
func (s *WithoutClear) Delete(extensionID, key string) {
	s.inner.Delete(extensionID, key)
}

// Keys implements ports.Storage.
func (s *WithoutClear) Keys(extensionID string) []string {
	return s.inner.Keys(extensionID)
}

var (
	_ ports.Storage        = (*Memory)(nil)
	_ ports.StorageClearer = (*Memory)(nil)
	_ ports.Storage        = (*WithoutClear)(nil)
)
