package storage

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// memStore is a map-backed Store, used for tests and for builds small
// enough to stay in memory.
type memStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemStore returns an empty in-memory Store.
func NewMemStore() Store {
	return &memStore{blobs: map[string][]byte{}}
}

func (s *memStore) Put(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.blobs[key]; ok {
		return checkConflict(key, existing, data)
	}
	stored := make([]byte, len(data))
	copy(stored, data)
	s.blobs[key] = stored
	return nil
}

func (s *memStore) Replace(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := make([]byte, len(data))
	copy(stored, data)
	s.blobs[key] = stored
	return nil
}

func (s *memStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blobs[key]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "key %q", key)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (s *memStore) Has(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.blobs[key]
	return ok, nil
}

func (s *memStore) Close() error {
	return nil
}
