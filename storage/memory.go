package storage

import "sync"

// MemoryStore is an in-memory Store used by tests and short-lived tools.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string]map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string]map[string][]byte)}
}

func (s *MemoryStore) Get(partition, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.blobs[partition][key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

func (s *MemoryStore) Put(partition, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.blobs[partition][key]; ok {
		return ErrExists
	}
	if s.blobs[partition] == nil {
		s.blobs[partition] = make(map[string][]byte)
	}
	s.blobs[partition][key] = clone(value)
	return nil
}

func (s *MemoryStore) Update(partition, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.blobs[partition][key]; !ok {
		return ErrNotFound
	}
	s.blobs[partition][key] = clone(value)
	return nil
}

func (s *MemoryStore) Delete(partition, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.blobs[partition], key)
	return nil
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
