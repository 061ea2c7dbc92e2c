package local

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/strataops/strata/internal/backend"
	"github.com/strataops/strata/internal/config"
	"github.com/strataops/strata/internal/types"
	"go.uber.org/zap"
)

// Store implements backend.Backend on the local filesystem. Records are
// sharded into subdirectories by the first two characters of their ID
// to keep directory sizes bounded.
type Store struct {
	dataDir  string
	capacity int64
	logger   *zap.Logger
}

func NewStore(cfg config.LocalBackendConfig, capacity int64, logger *zap.Logger) (*Store, error) {
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("local store requires data_dir")
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("creating data dir %s: %w", cfg.DataDir, err)
	}
	return &Store{
		dataDir:  cfg.DataDir,
		capacity: capacity,
		logger:   logger,
	}, nil
}

func (s *Store) recordPath(id string) string {
	shard := "00"
	if len(id) >= 2 {
		shard = id[:2]
	}
	return filepath.Join(s.dataDir, shard, id+".rec")
}

func (s *Store) Get(_ context.Context, id string) ([]byte, error) {
	blob, err := os.ReadFile(s.recordPath(id))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s in local store", types.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("reading record file: %w", err)
	}
	return blob, nil
}

func (s *Store) Put(_ context.Context, id string, blob []byte, _ uint64) error {
	path := s.recordPath(id)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	// Write to a temp file and rename so a crash never leaves a
	// half-written record visible under its final name.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0644); err != nil {
		return fmt.Errorf("writing record file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("renaming record file: %w", err)
	}

	s.logger.Debug("record stored on disk",
		zap.String("id", id),
		zap.String("path", path),
		zap.Int("size", len(blob)),
	)
	return nil
}

func (s *Store) Delete(_ context.Context, id string) error {
	err := os.Remove(s.recordPath(id))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing record file: %w", err)
	}
	return nil
}

func (s *Store) Exists(_ context.Context, id string) (bool, error) {
	_, err := os.Stat(s.recordPath(id))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) Usage(_ context.Context) (backend.Usage, error) {
	var used int64
	err := filepath.WalkDir(s.dataDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || filepath.Ext(path) != ".rec" {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		used += info.Size()
		return nil
	})
	if err != nil {
		return backend.Usage{}, fmt.Errorf("walking data dir: %w", err)
	}
	return backend.Usage{UsedBytes: used, Capacity: s.capacity}, nil
}

func (s *Store) Close() error {
	return nil
}
