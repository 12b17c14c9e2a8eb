package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// MemStore is an in-memory Store used in tests. Entries are held as
// marshaled JSON so Get exercises the same decode path as the durable
// backends.
type MemStore struct {
	mu    sync.Mutex
	items map[string][]byte
	blobs map[string][]byte
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{items: map[string][]byte{}, blobs: map[string][]byte{}}
}

// Corrupt overwrites a slot with bytes that won't decode, for testing the
// corruption recovery path.
func (s *MemStore) Corrupt(platformID int64, ns Namespace, key int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[memKey(platformID, ns, key)] = []byte("{not json")
}

// Put stores value as JSON.
func (s *MemStore) Put(platformID int64, ns Namespace, key int64, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[memKey(platformID, ns, key)] = data
	return nil
}

// Get decodes a stored entry into out.
func (s *MemStore) Get(platformID int64, ns Namespace, key int64, out any) error {
	s.mu.Lock()
	data, ok := s.items[memKey(platformID, ns, key)]
	s.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %s/%d/%d: %v", ErrCorrupt, ns, platformID, key, err)
	}
	return nil
}

// Keys lists populated keys in numeric ascending order.
func (s *MemStore) Keys(platformID int64, ns Namespace) ([]int64, error) {
	prefix := memKey(platformID, ns, 0)
	prefix = prefix[:strings.LastIndex(prefix, "/")+1]
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []int64
	for k := range s.items {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		var key int64
		if _, err := fmt.Sscanf(k[len(prefix):], "%d", &key); err == nil {
			keys = append(keys, key)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys, nil
}

// Delete removes a single entry.
func (s *MemStore) Delete(platformID int64, ns Namespace, key int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, memKey(platformID, ns, key))
	return nil
}

// DeleteAll removes a platform's entries and status. Global removes the
// updates namespace and status.
func (s *MemStore) DeleteAll(platformID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if platformID == Global {
		prefix := fmt.Sprintf("%d/%s/", Global, Updates)
		for k := range s.items {
			if strings.HasPrefix(k, prefix) {
				delete(s.items, k)
			}
		}
		delete(s.blobs, "updates")
		return nil
	}
	prefix := fmt.Sprintf("%d/", platformID)
	for k := range s.items {
		if strings.HasPrefix(k, prefix) {
			delete(s.items, k)
		}
	}
	delete(s.blobs, fmt.Sprintf("%d/status", platformID))
	return nil
}

// PutBlob stores a named singleton as JSON.
func (s *MemStore) PutBlob(name string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[name] = data
	return nil
}

// GetBlob decodes a named singleton into out.
func (s *MemStore) GetBlob(name string, out any) error {
	s.mu.Lock()
	data, ok := s.blobs[name]
	s.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: blob %s: %v", ErrCorrupt, name, err)
	}
	return nil
}

func memKey(platformID int64, ns Namespace, key int64) string {
	return fmt.Sprintf("%d/%s/%d", platformID, ns, key)
}
