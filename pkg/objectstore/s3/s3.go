// Package s3 implements objectstore.Store over an S3-compatible endpoint
// via minio-go, with bounded exponential-backoff retries for transient
// failures (spec §4.2).
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/zhaofengli/attic/pkg/circuitbreaker"
	"github.com/zhaofengli/attic/pkg/objectstore"
)

// Errors returned during configuration validation.
var (
	ErrBucketRequired          = errors.New("bucket name is required")
	ErrEndpointRequired        = errors.New("endpoint is required")
	ErrAccessKeyIDRequired     = errors.New("access key ID is required")
	ErrSecretAccessKeyRequired = errors.New("secret access key is required")
	ErrInvalidEndpointScheme   = errors.New("S3 endpoint must include scheme (http:// or https://)")
	ErrBucketNotFound          = errors.New("bucket not found")
)

const s3NoSuchKey = "NoSuchKey"

// Config holds the configuration for an S3-compatible object store.
type Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	// ForcePathStyle addresses buckets as endpoint/bucket/key rather than
	// bucket.endpoint/key; required for MinIO and most non-AWS backends.
	ForcePathStyle bool
	// Prefix namespaces every key written by this store within the bucket.
	Prefix string
	// Transport overrides the HTTP transport, for tests.
	Transport http.RoundTripper
}

// ValidateConfig validates cfg, returning the first missing/invalid field.
func ValidateConfig(cfg Config) error {
	if cfg.Bucket == "" {
		return ErrBucketRequired
	}

	if cfg.Endpoint == "" {
		return ErrEndpointRequired
	}

	u, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return fmt.Errorf("invalid endpoint URL: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: %s", ErrInvalidEndpointScheme, cfg.Endpoint)
	}

	if cfg.AccessKeyID == "" {
		return ErrAccessKeyIDRequired
	}

	if cfg.SecretAccessKey == "" {
		return ErrSecretAccessKeyRequired
	}

	return nil
}

// Store implements objectstore.Store over S3.
type Store struct {
	client *minio.Client
	bucket string
	prefix string

	retry   objectstore.RetryConfig
	breaker *circuitbreaker.CircuitBreaker
}

// New returns a new S3-backed object store.
func New(ctx context.Context, cfg Config, retry objectstore.RetryConfig) (*Store, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}

	u, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid S3 endpoint: %w", err)
	}

	bucketLookup := minio.BucketLookupAuto
	if cfg.ForcePathStyle {
		bucketLookup = minio.BucketLookupPath
	}

	client, err := minio.New(u.Host, &minio.Options{
		Creds:        credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure:       u.Scheme == "https",
		Region:       cfg.Region,
		BucketLookup: bucketLookup,
		Transport:    cfg.Transport,
	})
	if err != nil {
		return nil, fmt.Errorf("error creating MinIO client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("error checking bucket existence: %w", err)
	}

	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrBucketNotFound, cfg.Bucket)
	}

	if retry.MaxAttempts <= 0 {
		retry = objectstore.DefaultRetryConfig
	}

	return &Store{
		client:  client,
		bucket:  cfg.Bucket,
		prefix:  cfg.Prefix,
		retry:   retry,
		breaker: circuitbreaker.New(circuitbreaker.DefaultThreshold, circuitbreaker.DefaultTimeout),
	}, nil
}

func (s *Store) objectKey(key string) string {
	if s.prefix == "" {
		return key
	}

	return path.Join(s.prefix, key)
}

// Put uploads size bytes from r to key.
func (s *Store) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	return s.withRetry(ctx, func() error {
		_, err := s.client.PutObject(
			ctx,
			s.bucket,
			s.objectKey(key),
			r,
			size,
			minio.PutObjectOptions{ContentType: "application/octet-stream"},
		)
		if err != nil {
			return fmt.Errorf("error putting object to S3: %w", err)
		}

		return nil
	})
}

// Get returns a reader for the object at key.
func (s *Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	var obj *minio.Object

	err := s.withRetry(ctx, func() error {
		o, err := s.client.GetObject(ctx, s.bucket, s.objectKey(key), minio.GetObjectOptions{})
		if err != nil {
			return err
		}

		if _, err := o.Stat(); err != nil {
			o.Close()

			return err
		}

		obj = o

		return nil
	})
	if isNoSuchKey(err) {
		return nil, objectstore.ErrNotFound
	}

	if err != nil {
		return nil, err
	}

	return obj, nil
}

// Delete removes the object at key, tolerating a missing key.
func (s *Store) Delete(ctx context.Context, key string) error {
	err := s.withRetry(ctx, func() error {
		return s.client.RemoveObject(ctx, s.bucket, s.objectKey(key), minio.RemoveObjectOptions{})
	})
	if isNoSuchKey(err) {
		return nil
	}

	return err
}

// Head reports whether an object exists at key.
func (s *Store) Head(ctx context.Context, key string) (bool, error) {
	var found bool

	err := s.withRetry(ctx, func() error {
		_, err := s.client.StatObject(ctx, s.bucket, s.objectKey(key), minio.StatObjectOptions{})
		if isNoSuchKey(err) {
			found = false

			return nil
		}

		if err != nil {
			return err
		}

		found = true

		return nil
	})

	return found, err
}

func (s *Store) withRetry(ctx context.Context, fn func() error) error {
	if !s.breaker.AllowRequest() {
		return fmt.Errorf("s3 object store circuit breaker open: %w", context.DeadlineExceeded)
	}

	err := objectstore.WithRetry(ctx, s.retry, isTransient, fn)

	if err != nil && isTransient(err) {
		s.breaker.RecordFailure()
	} else {
		s.breaker.RecordSuccess()
	}

	return err
}

func isNoSuchKey(err error) bool {
	return err != nil && minio.ToErrorResponse(err).Code == s3NoSuchKey
}

func isTransient(err error) bool {
	if err == nil || isNoSuchKey(err) {
		return false
	}

	resp := minio.ToErrorResponse(err)

	switch resp.Code {
	case "InternalError", "SlowDown", "ServiceUnavailable", "RequestTimeout":
		return true
	default:
		// minio wraps raw network errors (connection refused, timeouts)
		// without a structured error code; treat those as transient too.
		return resp.Code == ""
	}
}

var _ objectstore.Store = (*Store)(nil)
