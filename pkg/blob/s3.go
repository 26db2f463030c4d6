package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/permacap/permacap/internal/logger"
)

// S3Store stores blobs in an S3-compatible bucket.
type S3Store struct {
	client *s3.Client
	bucket string
	retry  retryConfig
}

type retryConfig struct {
	maxRetries     int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewS3 creates an S3Store and verifies bucket access. The bucket must
// already exist.
func NewS3(ctx context.Context, cfg *S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(cfg.Bucket)}); err != nil {
		return nil, fmt.Errorf("failed to access bucket %q: %w", cfg.Bucket, err)
	}

	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}
	initialBackoff := cfg.InitialBackoff
	if initialBackoff == 0 {
		initialBackoff = 100 * time.Millisecond
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff == 0 {
		maxBackoff = 2 * time.Second
	}

	return &S3Store{
		client: client,
		bucket: cfg.Bucket,
		retry: retryConfig{
			maxRetries:     maxRetries,
			initialBackoff: initialBackoff,
			maxBackoff:     maxBackoff,
		},
	}, nil
}

// Open returns a reader streaming the object at path.
func (s *S3Store) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	var body io.ReadCloser
	err := s.withRetry(ctx, "GetObject", path, func() error {
		out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(path),
		})
		if err != nil {
			return err
		}
		body = out.Body
		return nil
	})
	if err != nil {
		if isNotFoundError(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read blob %s: %w", path, err)
	}
	return body, nil
}

// Write uploads the blob at path. The content is buffered so transient
// failures can be retried with a rewound body; archive sizes are bounded by
// the capture size limit, which keeps this affordable.
func (s *S3Store) Write(ctx context.Context, path string, r io.Reader) (int64, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, fmt.Errorf("failed to buffer blob %s: %w", path, err)
	}

	err = s.withRetry(ctx, "PutObject", path, func() error {
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(path),
			Body:   bytes.NewReader(data),
		})
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to write blob %s: %w", path, err)
	}

	return int64(len(data)), nil
}

// Size returns the stored size of the object at path.
func (s *S3Store) Size(ctx context.Context, path string) (int64, error) {
	var size int64
	err := s.withRetry(ctx, "HeadObject", path, func() error {
		out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(path),
		})
		if err != nil {
			return err
		}
		if out.ContentLength != nil {
			size = *out.ContentLength
		}
		return nil
	})
	if err != nil {
		if isNotFoundError(err) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("failed to stat blob %s: %w", path, err)
	}
	return size, nil
}

// withRetry runs op, retrying transient errors with exponential backoff.
func (s *S3Store) withRetry(ctx context.Context, opName, key string, op func() error) error {
	var lastErr error

	for attempt := 0; attempt <= s.retry.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := s.calculateBackoff(attempt - 1)
			logger.Debug("retrying blob operation",
				"op", opName, "key", key, "attempt", attempt, "backoff", backoff)

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isRetryableError(lastErr) {
			return lastErr
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", opName, s.retry.maxRetries+1, lastErr)
}

// calculateBackoff returns the backoff for a given retry attempt.
func (s *S3Store) calculateBackoff(attempt int) time.Duration {
	backoff := float64(s.retry.initialBackoff)
	for i := 0; i < attempt; i++ {
		backoff *= 2.0
	}
	if backoff > float64(s.retry.maxBackoff) {
		backoff = float64(s.retry.maxBackoff)
	}
	return time.Duration(backoff)
}

// isRetryableError reports whether the error is transient.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "Throttling", "ThrottlingException", "RequestThrottled", "SlowDown":
			return true
		case "InternalError", "ServiceUnavailable":
			return true
		case "NoSuchKey", "NotFound", "AccessDenied", "Forbidden", "InvalidRequest":
			return false
		}
	}

	errStr := err.Error()
	return strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "i/o timeout") ||
		strings.Contains(errStr, "503") ||
		strings.Contains(errStr, "500")
}

// isNotFoundError reports whether the error means the object doesn't exist.
func isNotFoundError(err error) bool {
	if err == nil {
		return false
	}

	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return true
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		if code == "NoSuchKey" || code == "NotFound" || code == "404" {
			return true
		}
	}

	return strings.Contains(err.Error(), "StatusCode: 404")
}
