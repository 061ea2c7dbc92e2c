package meta

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"time"

	"github.com/strataops/strata/internal/types"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

// Store provides durable metadata tracking for all records across all
// tiers, per-tier usage counters, and the migration job journal used
// for crash recovery.
type Store interface {
	PutRecord(ctx context.Context, rec types.Record) error
	GetRecord(ctx context.Context, id string) (*types.Record, error)
	DeleteRecord(ctx context.Context, id string) error
	ListByTier(ctx context.Context, tier types.Tier) ([]types.Record, error)
	SetRecordTier(ctx context.Context, id string, tier types.Tier, storedSize int64) error
	Touch(ctx context.Context, id string, at time.Time) error

	AddUsage(ctx context.Context, tier types.Tier, delta int64) error
	Usage(ctx context.Context, tier types.Tier) (int64, error)

	SaveJob(ctx context.Context, job types.MigrationJob) error
	GetJob(ctx context.Context, id string) (*types.MigrationJob, error)
	ListJobs(ctx context.Context) ([]types.MigrationJob, error)
	ActiveJobs(ctx context.Context) ([]types.MigrationJob, error)

	Ping() error
	Close() error
}

// BoltStore implements Store using bbolt.
type BoltStore struct {
	db     *bbolt.DB
	logger *zap.Logger
}

// NewBoltStore opens or creates a bbolt metadata store.
func NewBoltStore(path string, logger *zap.Logger) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening bolt db: %w", err)
	}

	s := &BoltStore{db: db, logger: logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *BoltStore) initSchema() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketSystem, bucketRecords, bucketUsage, bucketJobs} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		sys := tx.Bucket(bucketSystem)
		if sys.Get(keySchemaVersion) == nil {
			return sys.Put(keySchemaVersion, uint64ToBytes(currentSchemaVersion))
		}
		return nil
	})
}

func encodeRecord(rec *types.Record) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(rec); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeRecord(data []byte) (*types.Record, error) {
	var rec types.Record
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func encodeJob(job *types.MigrationJob) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(job); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeJob(data []byte) (*types.MigrationJob, error) {
	var job types.MigrationJob
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *BoltStore) PutRecord(_ context.Context, rec types.Record) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		data, err := encodeRecord(&rec)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketRecords).Put([]byte(rec.ID), data)
	})
}

func (s *BoltStore) GetRecord(_ context.Context, id string) (*types.Record, error) {
	var rec *types.Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketRecords).Get([]byte(id))
		if raw == nil {
			return fmt.Errorf("%w: %s", types.ErrNotFound, id)
		}
		var err error
		rec, err = decodeRecord(raw)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *BoltStore) DeleteRecord(_ context.Context, id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRecords).Delete([]byte(id))
	})
}

func (s *BoltStore) ListByTier(_ context.Context, tier types.Tier) ([]types.Record, error) {
	var out []types.Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRecords).ForEach(func(_, v []byte) error {
			rec, err := decodeRecord(v)
			if err != nil {
				return err
			}
			if rec.Tier == tier {
				out = append(out, *rec)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BoltStore) SetRecordTier(_ context.Context, id string, tier types.Tier, storedSize int64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		records := tx.Bucket(bucketRecords)
		raw := records.Get([]byte(id))
		if raw == nil {
			return fmt.Errorf("%w: %s", types.ErrNotFound, id)
		}
		rec, err := decodeRecord(raw)
		if err != nil {
			return err
		}
		rec.Tier = tier
		rec.StoredSize = storedSize
		data, err := encodeRecord(rec)
		if err != nil {
			return err
		}
		return records.Put([]byte(id), data)
	})
}

func (s *BoltStore) Touch(_ context.Context, id string, at time.Time) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		records := tx.Bucket(bucketRecords)
		raw := records.Get([]byte(id))
		if raw == nil {
			return fmt.Errorf("%w: %s", types.ErrNotFound, id)
		}
		rec, err := decodeRecord(raw)
		if err != nil {
			return err
		}
		rec.LastAccessed = at
		data, err := encodeRecord(rec)
		if err != nil {
			return err
		}
		return records.Put([]byte(id), data)
	})
}

func (s *BoltStore) AddUsage(_ context.Context, tier types.Tier, delta int64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		usage := tx.Bucket(bucketUsage)
		key := []byte(tier.String())
		cur := bytesToInt64(usage.Get(key))
		next := cur + delta
		if next < 0 {
			s.logger.Warn("usage counter underflow, clamping to zero",
				zap.String("tier", tier.String()),
				zap.Int64("current", cur),
				zap.Int64("delta", delta),
			)
			next = 0
		}
		return usage.Put(key, int64ToBytes(next))
	})
}

func (s *BoltStore) Usage(_ context.Context, tier types.Tier) (int64, error) {
	var used int64
	err := s.db.View(func(tx *bbolt.Tx) error {
		used = bytesToInt64(tx.Bucket(bucketUsage).Get([]byte(tier.String())))
		return nil
	})
	return used, err
}

func (s *BoltStore) SaveJob(_ context.Context, job types.MigrationJob) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		data, err := encodeJob(&job)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketJobs).Put([]byte(job.ID), data)
	})
}

func (s *BoltStore) GetJob(_ context.Context, id string) (*types.MigrationJob, error) {
	var job *types.MigrationJob
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketJobs).Get([]byte(id))
		if raw == nil {
			return fmt.Errorf("job %s: %w", id, types.ErrNotFound)
		}
		var err error
		job, err = decodeJob(raw)
		return err
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (s *BoltStore) ListJobs(_ context.Context) ([]types.MigrationJob, error) {
	var out []types.MigrationJob
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(_, v []byte) error {
			job, err := decodeJob(v)
			if err != nil {
				return err
			}
			out = append(out, *job)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BoltStore) ActiveJobs(ctx context.Context) ([]types.MigrationJob, error) {
	jobs, err := s.ListJobs(ctx)
	if err != nil {
		return nil, err
	}
	var active []types.MigrationJob
	for _, j := range jobs {
		if !j.Status.Terminal() {
			active = append(active, j)
		}
	}
	return active, nil
}

func (s *BoltStore) Ping() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		if tx.Bucket(bucketSystem) == nil {
			return fmt.Errorf("system bucket missing")
		}
		return nil
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
