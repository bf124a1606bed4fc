// Package s3 implements the object store on AWS S3 (or any S3-compatible
// endpoint such as MinIO).
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/fairyhunter13/storyvoice/internal/config"
	"github.com/fairyhunter13/storyvoice/internal/domain"
)

// Store holds rendered audio and voice samples in one bucket.
type Store struct {
	client  *awss3.Client
	presign *awss3.PresignClient
	bucket  string
	sse     bool
}

// New builds a Store from config. A custom endpoint switches the client to
// path-style addressing for S3-compatible servers.
func New(cfg config.Config) *Store {
	awsCfg := aws.Config{Region: cfg.S3Region}
	if cfg.S3AccessKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentialsProvider(cfg.S3AccessKey, cfg.S3SecretKey, "")
	}
	client := awss3.NewFromConfig(awsCfg, func(o *awss3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		}
		o.UsePathStyle = cfg.S3UsePathStyle || cfg.S3Endpoint != ""
	})
	return &Store{
		client:  client,
		presign: awss3.NewPresignClient(client),
		bucket:  cfg.S3Bucket,
		sse:     cfg.S3SSE,
	}
}

// Upload writes one object with long-lived cache headers.
func (s *Store) Upload(ctx context.Context, key string, data []byte, contentType string, metadata map[string]string) error {
	in := &awss3.PutObjectInput{
		Bucket:       aws.String(s.bucket),
		Key:          aws.String(key),
		Body:         bytes.NewReader(data),
		ContentType:  aws.String(contentType),
		CacheControl: aws.String("public, max-age=31536000"),
		Metadata:     metadata,
	}
	if s.sse {
		in.ServerSideEncryption = types.ServerSideEncryptionAes256
	}
	if _, err := s.client.PutObject(ctx, in); err != nil {
		return fmt.Errorf("op=s3.upload key=%s: %w: %w", key, domain.ErrStorageFailed, err)
	}
	return nil
}

// Download reads one object fully into memory. Voice samples and rendered
// stories are small enough for this.
func (s *Store) Download(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("op=s3.download key=%s: %w", key, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("op=s3.download key=%s: %w: %w", key, domain.ErrStorageFailed, err)
	}
	defer func() { _ = out.Body.Close() }()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("op=s3.download key=%s: %w: %w", key, domain.ErrStorageFailed, err)
	}
	return data, nil
}

// Head returns the object size, or domain.ErrNotFound.
func (s *Store) Head(ctx context.Context, key string) (int64, error) {
	out, err := s.client.HeadObject(ctx, &awss3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nf *types.NotFound
		if errors.As(err, &nf) {
			return 0, fmt.Errorf("op=s3.head key=%s: %w", key, domain.ErrNotFound)
		}
		return 0, fmt.Errorf("op=s3.head key=%s: %w: %w", key, domain.ErrStorageFailed, err)
	}
	return aws.ToInt64(out.ContentLength), nil
}

// Delete removes the given keys, ignoring ones that do not exist.
func (s *Store) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	objs := make([]types.ObjectIdentifier, 0, len(keys))
	for _, k := range keys {
		objs = append(objs, types.ObjectIdentifier{Key: aws.String(k)})
	}
	_, err := s.client.DeleteObjects(ctx, &awss3.DeleteObjectsInput{
		Bucket: aws.String(s.bucket),
		Delete: &types.Delete{Objects: objs, Quiet: aws.Bool(true)},
	})
	if err != nil {
		return fmt.Errorf("op=s3.delete: %w: %w", domain.ErrStorageFailed, err)
	}
	return nil
}

// PresignedURL returns a temporary GET URL, optionally forcing a download
// filename via the response content disposition.
func (s *Store) PresignedURL(ctx context.Context, key string, ttl time.Duration, responseDisposition string) (string, error) {
	in := &awss3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}
	if responseDisposition != "" {
		in.ResponseContentDisposition = aws.String(responseDisposition)
	}
	req, err := s.presign.PresignGetObject(ctx, in, awss3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("op=s3.presign key=%s: %w: %w", key, domain.ErrStorageFailed, err)
	}
	return req.URL, nil
}
