package objectstore

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog/log"
	"github.com/user/shortvid-backend/internal/config"
)

// MinioStore implements ObjectStore backed by a MinIO (or any S3-compatible)
// deployment with one private and one public bucket.
type MinioStore struct {
	client        *minio.Client
	rawBucket     string
	publicBucket  string
	publicBaseURL string
}

// NewMinioStore creates a MinIO-backed object store.
func NewMinioStore(cfg *config.StorageConfig) (*MinioStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object store client: %w", err)
	}

	baseURL := cfg.PublicBaseURL
	if baseURL == "" {
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}
		baseURL = fmt.Sprintf("%s://%s/%s", scheme, cfg.Endpoint, cfg.PublicBucket)
	}

	return &MinioStore{
		client:        client,
		rawBucket:     cfg.RawBucket,
		publicBucket:  cfg.PublicBucket,
		publicBaseURL: baseURL,
	}, nil
}

// EnsureBuckets creates the raw and public buckets if they do not exist and
// opens the public bucket for anonymous reads.
func (m *MinioStore) EnsureBuckets(ctx context.Context) error {
	for _, bucket := range []string{m.rawBucket, m.publicBucket} {
		exists, err := m.client.BucketExists(ctx, bucket)
		if err != nil {
			return fmt.Errorf("failed to check bucket %s: %w", bucket, err)
		}
		if exists {
			continue
		}
		if err := m.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
		}
		log.Info().Str("bucket", bucket).Msg("Bucket created")
	}

	policy := fmt.Sprintf(`{
		"Version": "2012-10-17",
		"Statement": [{
			"Effect": "Allow",
			"Principal": {"AWS": ["*"]},
			"Action": ["s3:GetObject"],
			"Resource": ["arn:aws:s3:::%s/*"]
		}]
	}`, m.publicBucket)
	if err := m.client.SetBucketPolicy(ctx, m.publicBucket, policy); err != nil {
		return fmt.Errorf("failed to set public bucket policy: %w", err)
	}
	return nil
}

// PutRaw stores an uploaded file in the private bucket.
func (m *MinioStore) PutRaw(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	_, err := m.client.PutObject(ctx, m.rawBucket, key, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("failed to put raw object %s: %w", key, err)
	}
	return nil
}

// DownloadRaw fetches a raw object to a local file.
func (m *MinioStore) DownloadRaw(ctx context.Context, key, destPath string) error {
	if err := m.client.FGetObject(ctx, m.rawBucket, key, destPath, minio.GetObjectOptions{}); err != nil {
		return fmt.Errorf("failed to download raw object %s: %w", key, err)
	}
	return nil
}

// RemoveRaw deletes a raw object. Removing an absent object is a no-op.
func (m *MinioStore) RemoveRaw(ctx context.Context, key string) error {
	if err := m.client.RemoveObject(ctx, m.rawBucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to remove raw object %s: %w", key, err)
	}
	return nil
}

// PresignRaw returns a time-limited signed URL for a raw object.
func (m *MinioStore) PresignRaw(ctx context.Context, key string, expiry time.Duration) (string, error) {
	u, err := m.client.PresignedGetObject(ctx, m.rawBucket, key, expiry, url.Values{})
	if err != nil {
		return "", fmt.Errorf("failed to presign raw object %s: %w", key, err)
	}
	return u.String(), nil
}

// PublishFile uploads a local file into the public bucket under key,
// overwriting any output left behind by an abandoned attempt, and returns
// its public URL.
func (m *MinioStore) PublishFile(ctx context.Context, key, localPath, contentType string) (string, error) {
	_, err := m.client.FPutObject(ctx, m.publicBucket, key, localPath, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("failed to publish object %s: %w", key, err)
	}
	return m.PublicURL(key), nil
}

// RemovePublic deletes a public object.
func (m *MinioStore) RemovePublic(ctx context.Context, key string) error {
	if err := m.client.RemoveObject(ctx, m.publicBucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to remove public object %s: %w", key, err)
	}
	return nil
}

// PublicURL returns the externally reachable URL of a public object.
func (m *MinioStore) PublicURL(key string) string {
	return m.publicBaseURL + "/" + key
}

// Close releases client resources. The MinIO client holds no persistent
// connections, so this exists to satisfy the lifecycle contract.
func (m *MinioStore) Close() error {
	return nil
}
