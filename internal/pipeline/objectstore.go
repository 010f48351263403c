package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/videosentinel/videosentinel/internal/config"
)

// ObjectStore is a RemoteStore over S3-compatible object storage.
// Remote paths are object keys inside a single bucket.
type ObjectStore struct {
	client *minio.Client
	bucket string
}

// NewObjectStore creates an object store client and ensures the bucket
// exists.
func NewObjectStore(ctx context.Context, cfg config.RemoteConfig) (*ObjectStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.BucketName)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if !exists {
		err = client.MakeBucket(ctx, cfg.BucketName, minio.MakeBucketOptions{Region: cfg.Region})
		if err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return &ObjectStore{client: client, bucket: cfg.BucketName}, nil
}

func (s *ObjectStore) Fetch(ctx context.Context, remotePath, localPath string) error {
	err := s.client.FGetObject(ctx, s.bucket, objectKey(remotePath), localPath, minio.GetObjectOptions{})
	if err != nil {
		return fmt.Errorf("failed to download object: %w", err)
	}
	return nil
}

func (s *ObjectStore) Store(ctx context.Context, localPath, remotePath string) error {
	_, err := s.client.FPutObject(ctx, s.bucket, objectKey(remotePath), localPath, minio.PutObjectOptions{
		ContentType: contentType(localPath),
	})
	if err != nil {
		return fmt.Errorf("failed to upload object: %w", err)
	}
	return nil
}

func (s *ObjectStore) Remove(ctx context.Context, remotePath string) error {
	err := s.client.RemoveObject(ctx, s.bucket, objectKey(remotePath), minio.RemoveObjectOptions{})
	if err != nil {
		return fmt.Errorf("failed to delete object: %w", err)
	}
	return nil
}

func (s *ObjectStore) Size(ctx context.Context, remotePath string) (int64, error) {
	st, err := s.client.StatObject(ctx, s.bucket, objectKey(remotePath), minio.StatObjectOptions{})
	if err != nil {
		return 0, fmt.Errorf("failed to stat object: %w", err)
	}
	return st.Size, nil
}

// objectKey normalizes a remote path into a bucket key.
func objectKey(remotePath string) string {
	return strings.TrimPrefix(filepath.ToSlash(remotePath), "/")
}

// contentType returns the content type based on file extension.
func contentType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp4", ".m4v":
		return "video/mp4"
	case ".mov":
		return "video/quicktime"
	case ".avi":
		return "video/x-msvideo"
	case ".mkv":
		return "video/x-matroska"
	case ".webm":
		return "video/webm"
	case ".wmv":
		return "video/x-ms-wmv"
	default:
		return "application/octet-stream"
	}
}
