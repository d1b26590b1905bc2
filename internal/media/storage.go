package media

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/durellwilson/sop-maker-sub002/internal/util"
)

// Storage issues presigned URLs against an S3-compatible bucket.
type Storage struct {
	client *minio.Client
	bucket string
	ttl    time.Duration
}

// StorageConfig carries the object storage connection settings.
type StorageConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	URLTTL    time.Duration
}

// NewStorage connects to the object storage endpoint and ensures the
// bucket exists.
func NewStorage(ctx context.Context, cfg StorageConfig) (*Storage, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("connect object storage: %w", err)
	}
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket: %w", err)
		}
	}
	ttl := cfg.URLTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Storage{client: client, bucket: cfg.Bucket, ttl: ttl}, nil
}

// ObjectKey builds the canonical storage key for a step attachment.
// Keys are namespaced by owner and document so bucket policies can
// scope access, and the filename is made unique to avoid clobbering.
func ObjectKey(accountID, sopID, stepID, filename string) string {
	return fmt.Sprintf("users/%s/sops/%s/steps/%s/%s", accountID, sopID, stepID, util.UniqueFilename(filename))
}

// PresignUpload returns a URL the client can PUT the file to.
func (s *Storage) PresignUpload(ctx context.Context, key string) (string, error) {
	u, err := s.client.PresignedPutObject(ctx, s.bucket, key, s.ttl)
	if err != nil {
		return "", fmt.Errorf("presign upload: %w", err)
	}
	return u.String(), nil
}

// PresignDownload returns a URL the client can GET the file from.
func (s *Storage) PresignDownload(ctx context.Context, key string) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, s.ttl, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign download: %w", err)
	}
	return u.String(), nil
}

// Remove deletes the stored object. Callers treat failures as
// best-effort; the database row is the source of truth.
func (s *Storage) Remove(ctx context.Context, key string) error {
	return s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{})
}
