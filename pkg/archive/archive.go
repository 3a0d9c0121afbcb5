// Package archive uploads packed package tarballs to S3-compatible object
// storage.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/fixentropy-io/daggerverse/pkg/engine"
	"github.com/fixentropy-io/daggerverse/pkg/failure"
)

const (
	DefaultRegion = "us-east-1"

	tarballContentType = "application/gzip"
)

var ErrInvalidConfig = fmt.Errorf("%w: invalid archive config", failure.ErrConfiguration)

// Config locates the bucket tarballs are written to.
type Config struct {
	// Endpoint is host[:port] without a scheme.
	Endpoint  string
	Bucket    string
	Prefix    string
	Region    string
	AccessKey *engine.Secret
	SecretKey *engine.Secret
	UseSSL    bool
}

// Validate reports missing or malformed fields.
func (c Config) Validate() error {
	var merr error

	if c.Endpoint == "" {
		merr = multierror.Append(merr, errors.New("endpoint is required"))
	}
	if strings.Contains(c.Endpoint, "://") {
		merr = multierror.Append(merr, fmt.Errorf("endpoint %q must not include a scheme", c.Endpoint))
	}
	if c.Bucket == "" {
		merr = multierror.Append(merr, errors.New("bucket is required"))
	}
	if c.AccessKey.Empty() || c.SecretKey.Empty() {
		merr = multierror.Append(merr, errors.New("access and secret keys are required"))
	}

	if merr != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, merr)
	}

	return nil
}

// Store writes tarballs to one bucket.
type Store struct {
	client *minio.Client
	bucket string
	prefix string
	logger *slog.Logger
}

// New creates a [Store] for cfg.
func New(cfg Config, logger *slog.Logger) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	region := cfg.Region
	if region == "" {
		region = DefaultRegion
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:        credentials.NewStaticV4(cfg.AccessKey.Plaintext(), cfg.SecretKey.Plaintext(), ""),
		Secure:       cfg.UseSSL,
		Region:       region,
		BucketLookup: minio.BucketLookupPath,
	})
	if err != nil {
		return nil, fmt.Errorf("create object store client: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Store{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		logger: logger,
	}, nil
}

// Key returns the object key name is stored under.
func (s *Store) Key(name string) string {
	return path.Join(s.prefix, path.Base(name))
}

// Put uploads the tarball data as name and returns the object key.
func (s *Store) Put(ctx context.Context, name string, data []byte) (string, error) {
	key := s.Key(name)

	info, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: tarballContentType})
	if err != nil {
		return "", fmt.Errorf("put %s/%s: %w", s.bucket, key, err)
	}

	s.logger.Info("archived tarball",
		slog.String("bucket", s.bucket),
		slog.String("key", key),
		slog.Int64("size", info.Size),
	)

	return key, nil
}
