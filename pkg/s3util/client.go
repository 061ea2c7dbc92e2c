// Package s3util builds S3-compatible clients for the archive tier.
// Works against AWS S3 and anything speaking its API (MinIO, R2).
package s3util

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/strataops/strata/internal/config"
)

// Client bundles an S3 client with its target bucket and key prefix.
type Client struct {
	S3     *s3.Client
	Bucket string
	Prefix string
}

// NewClient builds a client from blob backend config. Static credentials
// from the config win; otherwise the SDK's ambient chain (env, profile,
// instance role) applies.
func NewClient(ctx context.Context, cfg config.BlobBackendConfig) (*Client, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		provider := credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(provider))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		// MinIO and R2 generally want path-style addressing.
		o.UsePathStyle = cfg.ForcePathStyle
	})

	return &Client{S3: client, Bucket: cfg.Bucket, Prefix: cfg.Prefix}, nil
}

// Ping verifies the bucket is reachable.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.S3.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: &c.Bucket})
	if err != nil {
		return fmt.Errorf("head bucket %s: %w", c.Bucket, err)
	}
	return nil
}
