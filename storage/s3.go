package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/justapithecus/lode/lode"
	lodes3 "github.com/justapithecus/lode/lode/s3"
)

// S3Config selects an S3 (or S3-compatible) bucket as the backing store.
type S3Config struct {
	// Bucket is the bucket name (required).
	Bucket string
	// Prefix is the key prefix within the bucket, typically one per device.
	Prefix string
	// Region is the AWS region. Empty uses the default chain.
	Region string
	// Endpoint overrides the S3 endpoint for compatible providers (MinIO, R2).
	Endpoint string
	// UsePathStyle forces path-style addressing.
	UsePathStyle bool
}

// Validate checks that required S3 configuration is present.
func (c S3Config) Validate() error {
	if c.Bucket == "" {
		return errors.New("storage: s3 bucket is required")
	}
	return nil
}

// ParseS3Path splits "bucket/prefix" into its parts.
func ParseS3Path(p string) (bucket, prefix string) {
	bucket, prefix, _ = strings.Cut(p, "/")
	return bucket, prefix
}

// NewS3Factory returns a factory for a store in the configured bucket.
// Credentials come from the AWS default chain.
func NewS3Factory(ctx context.Context, cfg S3Config) (lode.StoreFactory, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	awsConfig, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, wrap(fmt.Errorf("load aws config: %w", err), "init", cfg.Bucket)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = &endpoint
		})
	}
	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}
	client := s3.NewFromConfig(awsConfig, s3Opts...)

	return func() (lode.Store, error) {
		return lodes3.New(client, lodes3.Config{
			Bucket: cfg.Bucket,
			Prefix: cfg.Prefix,
		})
	}, nil
}

// Backend names accepted by NewFactory.
const (
	BackendFS     = "fs"
	BackendMemory = "memory"
	BackendS3     = "s3"
)

// Config selects and configures a backend.
type Config struct {
	// Backend is one of "fs", "memory" or "s3". Empty means "fs".
	Backend string
	// Path is the root directory for "fs", or "bucket/prefix" for "s3".
	Path string

	Region       string
	Endpoint     string
	UsePathStyle bool
}

// NewFactory builds the store factory for cfg.
func NewFactory(ctx context.Context, cfg Config) (lode.StoreFactory, error) {
	switch cfg.Backend {
	case "", BackendFS:
		if cfg.Path == "" {
			return nil, errors.New("storage: fs backend requires a path")
		}
		return NewFSFactory(cfg.Path), nil
	case BackendMemory:
		return NewMemoryFactory(), nil
	case BackendS3:
		bucket, prefix := ParseS3Path(cfg.Path)
		return NewS3Factory(ctx, S3Config{
			Bucket:       bucket,
			Prefix:       prefix,
			Region:       cfg.Region,
			Endpoint:     cfg.Endpoint,
			UsePathStyle: cfg.UsePathStyle,
		})
	default:
		return nil, fmt.Errorf("storage: unknown backend %q", cfg.Backend)
	}
}
