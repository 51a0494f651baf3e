// Package storage keeps exported project archives in S3-compatible object
// storage.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/opensandbox/runbox/pkg/types"
)

// S3Config holds the configuration for the S3 storage backend.
type S3Config struct {
	Endpoint        string
	Bucket          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	ForcePathStyle  bool
}

// ArchiveStore manages project archives in S3-compatible object storage.
type ArchiveStore struct {
	client *s3.Client
	bucket string
}

// NewArchiveStore creates an S3 archive store. Without static keys the
// default AWS credential chain is used.
func NewArchiveStore(ctx context.Context, cfg S3Config) (*ArchiveStore, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}

	var base aws.Config
	if cfg.AccessKeyID == "" {
		loaded, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		base = loaded
	}

	client := s3.NewFromConfig(base, func(o *s3.Options) {
		if cfg.Region != "" {
			o.Region = cfg.Region
		}
		if cfg.AccessKeyID != "" {
			o.Credentials = credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID, cfg.SecretAccessKey, "",
			)
		}
		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	return &ArchiveStore{client: client, bucket: cfg.Bucket}, nil
}

// Upload stores body under key.
func (s *ArchiveStore) Upload(ctx context.Context, key string, body io.Reader, size int64) error {
	// the SDK needs a seekable body to sign and checksum over plain HTTP
	rs, ok := body.(io.ReadSeeker)
	if !ok {
		data, err := io.ReadAll(body)
		if err != nil {
			return fmt.Errorf("failed to read archive: %w", err)
		}
		rs = bytes.NewReader(data)
		size = int64(len(data))
	}

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          rs,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String("application/zstd"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload archive to S3: %w", err)
	}
	return nil
}

// Download returns an io.ReadCloser streaming the archive from S3. The
// caller must close the reader when done.
func (s *ArchiveStore) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("archive %s: %w", key, types.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to download archive from S3: %w", err)
	}
	return resp.Body, nil
}

// Delete removes an archive.
func (s *ArchiveStore) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete archive from S3: %w", err)
	}
	return nil
}

func isNotFound(err error) bool {
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var status interface{ HTTPStatusCode() int }
	return errors.As(err, &status) && status.HTTPStatusCode() == 404
}
