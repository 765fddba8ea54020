package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"study-sync-service/internal/domain"
)

// KVStore is an in-memory app.KeyValueStore. A positive quota caps the
// bytes held (keys plus values), the way browser storage does.
type KVStore struct {
	quota int

	mu   sync.RWMutex
	data map[string]string
	used int
}

func NewKVStore(quota int) *KVStore {
	return &KVStore{quota: quota, data: make(map[string]string)}
}

func (s *KVStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	return v, ok, nil
}

func (s *KVStore) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	used := s.used + len(key) + len(value)
	if old, ok := s.data[key]; ok {
		used -= len(key) + len(old)
	}
	if s.quota > 0 && used > s.quota {
		return domain.ErrQuotaExceeded
	}
	s.data[key] = value
	s.used = used
	return nil
}

func (s *KVStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.data[key]; ok {
		s.used -= len(key) + len(old)
		delete(s.data, key)
	}
	return nil
}

func (s *KVStore) Keys(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// KVSpace hands out one KVStore per device.
type KVSpace struct {
	quota int

	mu     sync.Mutex
	stores map[string]*KVStore
}

func NewKVSpace(quota int) *KVSpace {
	return &KVSpace{quota: quota, stores: make(map[string]*KVStore)}
}

// Device returns the store of deviceID, creating it on first use.
func (s *KVSpace) Device(deviceID string) *KVStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if store, ok := s.stores[deviceID]; ok {
		return store
	}
	store := NewKVStore(s.quota)
	s.stores[deviceID] = store
	return store
}
