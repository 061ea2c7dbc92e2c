package migrate

import (
	"context"
	"errors"
	"sync"

	"github.com/strataops/strata/internal/backend"
	"github.com/strataops/strata/internal/types"
)

// mockBackend is a thread-safe in-memory Backend with per-record error
// injection for testing.
type mockBackend struct {
	mu    sync.Mutex
	blobs map[string][]byte

	getErr map[string]error
	putErr map[string]error
	delErr map[string]error

	// transientGets/transientPuts make the next N calls for a record
	// fail with a retryable error before succeeding.
	transientGets map[string]int
	transientPuts map[string]int

	// putHook mutates the blob before it is stored, simulating silent
	// corruption on the write path.
	putHook func(id string, blob []byte)
}

func newMockBackend() *mockBackend {
	return &mockBackend{
		blobs:         make(map[string][]byte),
		getErr:        make(map[string]error),
		putErr:        make(map[string]error),
		delErr:        make(map[string]error),
		transientGets: make(map[string]int),
		transientPuts: make(map[string]int),
	}
}

func (m *mockBackend) Get(_ context.Context, id string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.getErr[id]; err != nil {
		return nil, err
	}
	if m.transientGets[id] > 0 {
		m.transientGets[id]--
		return nil, &types.TransientError{Op: "get", Err: errors.New("connection reset by peer")}
	}
	blob, ok := m.blobs[id]
	if !ok {
		return nil, types.ErrNotFound
	}
	out := make([]byte, len(blob))
	copy(out, blob)
	return out, nil
}

func (m *mockBackend) Put(_ context.Context, id string, blob []byte, _ uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.putErr[id]; err != nil {
		return err
	}
	if m.transientPuts[id] > 0 {
		m.transientPuts[id]--
		return &types.TransientError{Op: "put", Err: errors.New("connection reset by peer")}
	}
	stored := make([]byte, len(blob))
	copy(stored, blob)
	if m.putHook != nil {
		m.putHook(id, stored)
	}
	m.blobs[id] = stored
	return nil
}

func (m *mockBackend) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.delErr[id]; err != nil {
		return err
	}
	delete(m.blobs, id)
	return nil
}

func (m *mockBackend) Exists(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.blobs[id]
	return ok, nil
}

func (m *mockBackend) Usage(_ context.Context) (backend.Usage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var used int64
	for _, b := range m.blobs {
		used += int64(len(b))
	}
	return backend.Usage{UsedBytes: used, Capacity: -1}, nil
}

func (m *mockBackend) Close() error { return nil }

func (m *mockBackend) has(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.blobs[id]
	return ok
}

func (m *mockBackend) store(id string, blob []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[id] = blob
}
