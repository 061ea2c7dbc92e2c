// Package object implements the main-tier backend against a
// self-hosted S3-compatible object store (MinIO, RustFS) through the
// minio client.
package object

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/strataops/strata/internal/backend"
	"github.com/strataops/strata/internal/config"
	"github.com/strataops/strata/internal/types"
	"go.uber.org/zap"
)

// Store implements backend.Backend on a MinIO-compatible bucket.
type Store struct {
	client   *minio.Client
	bucket   string
	prefix   string
	capacity int64
	logger   *zap.Logger
}

func NewStore(cfg config.ObjectBackendConfig, capacity int64, logger *zap.Logger) (*Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("creating minio client: %w", err)
	}
	return &Store{
		client:   client,
		bucket:   cfg.Bucket,
		prefix:   cfg.Prefix,
		capacity: capacity,
		logger:   logger,
	}, nil
}

func (s *Store) objectKey(id string) string {
	if s.prefix != "" {
		return s.prefix + "/records/" + id
	}
	return "records/" + id
}

func (s *Store) Get(ctx context.Context, id string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, s.objectKey(id), minio.GetObjectOptions{})
	if err != nil {
		return nil, &types.TransientError{Op: "object get", Err: err}
	}
	defer obj.Close()

	blob, err := io.ReadAll(obj)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, fmt.Errorf("%w: %s in object store", types.ErrNotFound, id)
		}
		return nil, &types.TransientError{Op: "object read", Err: err}
	}
	return blob, nil
}

func (s *Store) Put(ctx context.Context, id string, blob []byte, checksum uint64) error {
	_, err := s.client.PutObject(ctx, s.bucket, s.objectKey(id),
		bytes.NewReader(blob), int64(len(blob)),
		minio.PutObjectOptions{
			ContentType: "application/octet-stream",
			UserMetadata: map[string]string{
				"strata-checksum": strconv.FormatUint(checksum, 16),
			},
		})
	if err != nil {
		return &types.TransientError{Op: "object put", Err: err}
	}

	s.logger.Debug("record stored in object store",
		zap.String("id", id),
		zap.Int("size", len(blob)),
	)
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	err := s.client.RemoveObject(ctx, s.bucket, s.objectKey(id), minio.RemoveObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil
		}
		return &types.TransientError{Op: "object delete", Err: err}
	}
	return nil
}

func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, s.objectKey(id), minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return false, nil
		}
		return false, &types.TransientError{Op: "object stat", Err: err}
	}
	return true, nil
}

func (s *Store) Usage(ctx context.Context) (backend.Usage, error) {
	var used int64
	prefix := s.objectKey("")
	for info := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if info.Err != nil {
			return backend.Usage{}, &types.TransientError{Op: "object list", Err: info.Err}
		}
		used += info.Size
	}
	return backend.Usage{UsedBytes: used, Capacity: s.capacity}, nil
}

// Ping verifies the bucket is reachable.
func (s *Store) Ping(ctx context.Context) error {
	ok, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("bucket %q does not exist", s.bucket)
	}
	return nil
}

func (s *Store) Close() error {
	return nil
}
