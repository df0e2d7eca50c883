package s3

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ObjectStorageClient reads firmware artifacts from, and publishes them to, object storage.
type ObjectStorageClient interface {
	Connect(endpoint, accessKeyID, secretAccessKey string, useSSL bool) error
	OpenObject(ctx context.Context, bucket, object string) (io.ReadCloser, int64, error)
	Upload(ctx context.Context, bucket, object string, r io.Reader, size int64, contentType string) (UploadResult, error)
}

// UploadResult describes a published object.
type UploadResult struct {
	Object       string
	Size         int64
	PresignedURL string
}

// ObjectStorage holds the minio client.
type ObjectStorage struct {
	Conn          *minio.Client
	PresignExpiry time.Duration
}

// NewObjectStorage returns an unconnected client.
func NewObjectStorage() *ObjectStorage {
	return &ObjectStorage{PresignExpiry: 7 * 24 * time.Hour}
}

// Connect establishes the object storage connection.
func (o *ObjectStorage) Connect(endpoint string, accessKeyID string, secretAccessKey string, useSSL bool) error {
	var err error
	o.Conn, err = minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKeyID, secretAccessKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return fmt.Errorf("failed to create minio client: %w", err)
	}
	return nil
}

// OpenObject streams an object. The size is -1 when storage does not report it.
func (o *ObjectStorage) OpenObject(ctx context.Context, bucket, object string) (io.ReadCloser, int64, error) {
	if o.Conn == nil {
		return nil, 0, fmt.Errorf("object storage not connected")
	}
	obj, err := o.Conn.GetObject(ctx, bucket, object, minio.GetObjectOptions{})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to get %s/%s: %w", bucket, object, err)
	}
	info, err := obj.Stat()
	if err != nil {
		obj.Close()
		return nil, 0, fmt.Errorf("failed to stat %s/%s: %w", bucket, object, err)
	}
	size := info.Size
	if size < 0 {
		size = -1
	}
	return obj, size, nil
}

// Upload stores an object, creating the bucket when needed, and returns a
// presigned download URL for it.
func (o *ObjectStorage) Upload(ctx context.Context, bucket, object string, r io.Reader, size int64, contentType string) (UploadResult, error) {
	if o.Conn == nil {
		return UploadResult{}, fmt.Errorf("object storage not connected")
	}

	if err := o.Conn.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: "us-east-1"}); err != nil {
		exists, errExists := o.Conn.BucketExists(ctx, bucket)
		if errExists != nil || !exists {
			return UploadResult{}, fmt.Errorf("failed to create bucket %s: %w", bucket, err)
		}
	}

	info, err := o.Conn.PutObject(ctx, bucket, object, r, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return UploadResult{}, fmt.Errorf("failed to upload %s/%s: %w", bucket, object, err)
	}

	presigned, err := o.Conn.PresignedGetObject(ctx, bucket, object, o.PresignExpiry, url.Values{})
	if err != nil {
		return UploadResult{}, fmt.Errorf("failed to presign %s/%s: %w", bucket, object, err)
	}

	return UploadResult{Object: object, Size: info.Size, PresignedURL: presigned.String()}, nil
}

// ParseURL splits s3://bucket/key into its parts.
func ParseURL(raw string) (bucket, object string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("invalid object URL %q: %w", raw, err)
	}
	if u.Scheme != "s3" {
		return "", "", fmt.Errorf("not an s3 URL: %q", raw)
	}
	object = strings.TrimPrefix(u.Path, "/")
	if u.Host == "" || object == "" {
		return "", "", fmt.Errorf("object URL %q needs a bucket and a key", raw)
	}
	return u.Host, object, nil
}
