// Package artifact uploads finalized document PDFs to object storage.
// Uploads are idempotent per (document, version): re-finalizing the
// same version finds the existing object and returns its reference
// without writing again.
package artifact

import (
	"bytes"
	"context"
	"fmt"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const contentType = "application/pdf"

// Metadata identifies where an artifact belongs in the bucket layout.
type Metadata struct {
	UserID       string
	DealID       string
	DocumentID   string
	LocalVersion int64
}

// ObjectKey is the canonical bucket path for one finalized version.
func ObjectKey(m Metadata) string {
	return fmt.Sprintf("standalone/%s/deals/%s/documents/%s/v%d.pdf",
		m.UserID, m.DealID, m.DocumentID, m.LocalVersion)
}

// Store writes artifacts to a MinIO/S3 bucket.
type Store struct {
	client *minio.Client
	bucket string
}

// Config holds the object storage connection settings.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// NewStore connects to the object store and ensures the bucket exists.
func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("connect object store: %w", err)
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
	return &Store{client: client, bucket: cfg.Bucket}, nil
}

// Upload stores the PDF under the canonical key and returns the key as
// the artifact reference. An object already present for this version is
// reused as-is.
func (s *Store) Upload(ctx context.Context, data []byte, m Metadata) (string, error) {
	key := ObjectKey(m)

	if _, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{}); err == nil {
		return key, nil
	} else if resp := minio.ToErrorResponse(err); resp.Code != "NoSuchKey" {
		return "", fmt.Errorf("stat artifact: %w", err)
	}

	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", fmt.Errorf("upload artifact: %w", err)
	}
	return key, nil
}
