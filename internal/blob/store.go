// Package blob implements the archive-tier backend on S3-compatible
// object storage through the AWS SDK.
package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/strataops/strata/internal/backend"
	"github.com/strataops/strata/internal/config"
	"github.com/strataops/strata/internal/types"
	"go.uber.org/zap"
)

// S3API is the subset of the S3 client used by the store. It exists so
// tests can substitute an in-memory implementation.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Store implements backend.Backend on an S3 bucket.
type Store struct {
	s3       S3API
	bucket   string
	cfg      config.BlobBackendConfig
	capacity int64
	logger   *zap.Logger
}

func NewStore(s3api S3API, cfg config.BlobBackendConfig, capacity int64, logger *zap.Logger) *Store {
	return &Store{
		s3:       s3api,
		bucket:   cfg.Bucket,
		cfg:      cfg,
		capacity: capacity,
		logger:   logger,
	}
}

func (s *Store) objectKey(id string) string {
	if s.cfg.Prefix != "" {
		return s.cfg.Prefix + "/records/" + id
	}
	return "records/" + id
}

func (s *Store) Get(ctx context.Context, id string) ([]byte, error) {
	key := s.objectKey(id)
	resp, err := s.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	})
	if err != nil {
		var noSuchKey *s3types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, fmt.Errorf("%w: %s in blob store", types.ErrNotFound, id)
		}
		return nil, &types.TransientError{Op: "s3 get", Err: err}
	}
	defer resp.Body.Close()

	blob, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &types.TransientError{Op: "s3 read", Err: err}
	}
	return blob, nil
}

func (s *Store) Put(ctx context.Context, id string, blob []byte, checksum uint64) error {
	key := s.objectKey(id)

	input := &s3.PutObjectInput{
		Bucket:      &s.bucket,
		Key:         &key,
		Body:        bytes.NewReader(blob),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"strata-checksum": strconv.FormatUint(checksum, 16),
		},
	}
	if s.cfg.StorageClass != "" {
		input.StorageClass = s3types.StorageClass(s.cfg.StorageClass)
	}

	if _, err := s.s3.PutObject(ctx, input); err != nil {
		return &types.TransientError{Op: "s3 put", Err: err}
	}

	s.logger.Debug("record stored in blob store",
		zap.String("id", id),
		zap.String("key", key),
		zap.Int("size", len(blob)),
	)
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	key := s.objectKey(id)
	if _, err := s.s3.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	}); err != nil {
		return &types.TransientError{Op: "s3 delete", Err: err}
	}
	return nil
}

func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	key := s.objectKey(id)
	_, err := s.s3.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	})
	if err != nil {
		var notFound *s3types.NotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, &types.TransientError{Op: "s3 head", Err: err}
	}
	return true, nil
}

func (s *Store) Usage(ctx context.Context) (backend.Usage, error) {
	var used int64
	prefix := s.objectKey("")

	var token *string
	for {
		out, err := s.s3.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            &s.bucket,
			Prefix:            &prefix,
			ContinuationToken: token,
		})
		if err != nil {
			return backend.Usage{}, &types.TransientError{Op: "s3 list", Err: err}
		}
		for _, obj := range out.Contents {
			if obj.Size != nil {
				used += *obj.Size
			}
		}
		if out.IsTruncated == nil || !*out.IsTruncated {
			break
		}
		token = out.NextContinuationToken
	}

	return backend.Usage{UsedBytes: used, Capacity: s.capacity}, nil
}

func (s *Store) Close() error {
	return nil
}
