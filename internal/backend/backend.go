// Package backend defines the narrow interface every tier store must
// implement. The core depends only on this interface, never on the
// concrete store behind a tier.
package backend

import "context"

// Usage reports how full a backend is. Capacity is -1 for unlimited.
type Usage struct {
	UsedBytes int64
	Capacity  int64
}

// Backend is the storage contract for a single tier.
type Backend interface {
	// Get returns the stored blob for id.
	Get(ctx context.Context, id string) ([]byte, error)
	// Put stores blob under id. checksum is the plaintext digest and is
	// carried as backend metadata where the store supports it.
	Put(ctx context.Context, id string, blob []byte, checksum uint64) error
	// Delete removes id. Deleting a missing id is not an error.
	Delete(ctx context.Context, id string) error
	// Exists reports whether id is present.
	Exists(ctx context.Context, id string) (bool, error)
	// Usage reports current occupancy.
	Usage(ctx context.Context) (Usage, error)
	Close() error
}
