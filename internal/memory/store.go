package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/strataops/strata/internal/backend"
	"github.com/strataops/strata/internal/types"
	"go.uber.org/zap"
)

// Store implements backend.Backend as an in-process map. It backs the
// core tier in tests and development setups.
type Store struct {
	mu         sync.RWMutex
	blobs      map[string][]byte
	totalBytes int64
	capacity   int64
	logger     *zap.Logger
}

func NewStore(capacity int64, logger *zap.Logger) *Store {
	return &Store{
		blobs:    make(map[string][]byte),
		capacity: capacity,
		logger:   logger,
	}
}

func (s *Store) Get(_ context.Context, id string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	blob, ok := s.blobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s in memory store", types.ErrNotFound, id)
	}
	out := make([]byte, len(blob))
	copy(out, blob)
	return out, nil
}

func (s *Store) Put(_ context.Context, id string, blob []byte, _ uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.blobs[id]; ok {
		s.totalBytes -= int64(len(old))
	}
	stored := make([]byte, len(blob))
	copy(stored, blob)
	s.blobs[id] = stored
	s.totalBytes += int64(len(blob))

	s.logger.Debug("blob stored in memory",
		zap.String("id", id),
		zap.Int("size", len(blob)),
		zap.Int64("total_bytes", s.totalBytes),
	)
	return nil
}

func (s *Store) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	blob, ok := s.blobs[id]
	if !ok {
		return nil
	}
	s.totalBytes -= int64(len(blob))
	delete(s.blobs, id)
	return nil
}

func (s *Store) Exists(_ context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.blobs[id]
	return ok, nil
}

func (s *Store) Usage(_ context.Context) (backend.Usage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return backend.Usage{UsedBytes: s.totalBytes, Capacity: s.capacity}, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs = nil
	s.totalBytes = 0
	return nil
}
