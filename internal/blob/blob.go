// Package blob fetches attachment bytes for extraction. Two URL forms are
// supported: the internal s3://bucket/key scheme and arbitrary HTTPS URLs
// handed over by the email provider.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ErrTooLarge is returned when an object exceeds the caller's byte cap.
var ErrTooLarge = errors.New("blob: object exceeds size limit")

const downloadTimeout = 30 * time.Second

// Fetcher resolves attachment URLs to bytes.
type Fetcher interface {
	// Size returns the object size in bytes without downloading it.
	Size(ctx context.Context, rawURL string) (int64, error)
	// Download returns the object bytes, failing with ErrTooLarge when the
	// object exceeds maxBytes. The returned slice is the caller's to drop;
	// nothing is kept on disk.
	Download(ctx context.Context, rawURL string, maxBytes int64) ([]byte, error)
}

// Store implements Fetcher over S3 and HTTPS.
type Store struct {
	s3     *s3.Client
	http   *http.Client
	bucket string
}

// New builds a Store. The default bucket is used when an s3 URL omits one.
func New(ctx context.Context, region, bucket string) (*Store, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("blob: load aws config: %w", err)
	}
	return &Store{
		s3:     s3.NewFromConfig(cfg),
		http:   &http.Client{Timeout: downloadTimeout},
		bucket: bucket,
	}, nil
}

func (s *Store) Size(ctx context.Context, rawURL string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()

	bucket, key, ok := s.parseS3(rawURL)
	if ok {
		head, err := s.s3.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return 0, fmt.Errorf("blob: head %s: %w", rawURL, err)
		}
		return aws.ToInt64(head.ContentLength), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return 0, fmt.Errorf("blob: head %s: %w", rawURL, err)
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("blob: head %s: %w", rawURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("blob: head %s: status %d", rawURL, resp.StatusCode)
	}
	return resp.ContentLength, nil
}

func (s *Store) Download(ctx context.Context, rawURL string, maxBytes int64) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()

	var body io.ReadCloser
	if bucket, key, ok := s.parseS3(rawURL); ok {
		out, err := s.s3.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return nil, fmt.Errorf("blob: get %s: %w", rawURL, err)
		}
		if size := aws.ToInt64(out.ContentLength); size > maxBytes {
			_ = out.Body.Close()
			return nil, fmt.Errorf("%w: %d > %d", ErrTooLarge, size, maxBytes)
		}
		body = out.Body
	} else {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, fmt.Errorf("blob: get %s: %w", rawURL, err)
		}
		resp, err := s.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("blob: get %s: %w", rawURL, err)
		}
		if resp.StatusCode != http.StatusOK {
			_ = resp.Body.Close()
			return nil, fmt.Errorf("blob: get %s: status %d", rawURL, resp.StatusCode)
		}
		if resp.ContentLength > maxBytes {
			_ = resp.Body.Close()
			return nil, fmt.Errorf("%w: %d > %d", ErrTooLarge, resp.ContentLength, maxBytes)
		}
		body = resp.Body
	}
	defer body.Close()

	// Cap the read regardless of what Content-Length claimed.
	data, err := io.ReadAll(io.LimitReader(body, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("blob: read %s: %w", rawURL, err)
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("%w: body larger than %d", ErrTooLarge, maxBytes)
	}
	return data, nil
}

// parseS3 splits s3://bucket/key URLs. A missing bucket falls back to the
// configured default.
func (s *Store) parseS3(rawURL string) (bucket, key string, ok bool) {
	if !strings.HasPrefix(rawURL, "s3://") {
		return "", "", false
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", false
	}
	bucket = u.Host
	if bucket == "" {
		bucket = s.bucket
	}
	return bucket, strings.TrimPrefix(u.Path, "/"), true
}
