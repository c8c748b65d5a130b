package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"ragdesk_back/config"
)

const minioScheme = "minio://"

// MinioStorage keeps files in a MinIO or S3 compatible bucket.
type MinioStorage struct {
	client     *minio.Client
	bucket     string
	scratchDir string
}

var _ FileStorage = (*MinioStorage)(nil)

// NewMinioStorage connects and creates the bucket when it is missing.
func NewMinioStorage(ctx context.Context, cfg config.MinioConfig, scratchDir string) (*MinioStorage, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	bucket := strings.TrimSpace(cfg.Bucket)
	if endpoint == "" || bucket == "" || strings.TrimSpace(cfg.AccessKey) == "" || strings.TrimSpace(cfg.SecretKey) == "" {
		return nil, ErrNotConfigured
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(strings.TrimSpace(cfg.AccessKey), strings.TrimSpace(cfg.SecretKey), ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("storage: init minio client: %w", err)
	}

	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	exists, err := client.BucketExists(checkCtx, bucket)
	if err != nil {
		return nil, fmt.Errorf("storage: check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(checkCtx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("storage: create bucket: %w", err)
		}
	}

	return &MinioStorage{client: client, bucket: bucket, scratchDir: scratchDir}, nil
}

func (s *MinioStorage) Upload(ctx context.Context, r io.Reader, size int64, ownerID, documentID, filename, contentType string) (string, int64, error) {
	if s == nil || s.client == nil {
		return "", 0, ErrNotConfigured
	}
	if size > maxUploadBytes {
		return "", 0, fmt.Errorf("storage: file exceeds %d bytes", maxUploadBytes)
	}
	key, err := objectKey(ownerID, documentID, filename)
	if err != nil {
		return "", 0, err
	}
	if strings.TrimSpace(contentType) == "" {
		contentType = mime.TypeByExtension(path.Ext(key))
	}
	if size <= 0 {
		size = -1
	}

	uploadCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	info, err := s.client.PutObject(uploadCtx, s.bucket, key, io.LimitReader(r, maxUploadBytes), size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", 0, fmt.Errorf("storage: upload %s: %w", key, err)
	}
	return minioScheme + s.bucket + "/" + key, info.Size, nil
}

func (s *MinioStorage) Download(ctx context.Context, uri string) (string, error) {
	if s == nil || s.client == nil {
		return "", ErrNotConfigured
	}
	key, err := s.objectName(uri)
	if err != nil {
		return "", err
	}

	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return "", fmt.Errorf("storage: get %s: %w", key, err)
	}
	defer obj.Close()

	dst, err := scratchFile(s.scratchDir, key)
	if err != nil {
		return "", err
	}
	_, err = io.Copy(dst, obj)
	closeErr := dst.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(dst.Name())
		return "", fmt.Errorf("storage: download %s: %w", key, err)
	}
	return dst.Name(), nil
}

func (s *MinioStorage) Delete(ctx context.Context, uri string) error {
	if s == nil || s.client == nil {
		return ErrNotConfigured
	}
	key, err := s.objectName(uri)
	if err != nil {
		return err
	}

	removeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	return s.client.RemoveObject(removeCtx, s.bucket, key, minio.RemoveObjectOptions{})
}

// objectName accepts minio://bucket/key, bucket/key or a bare key.
func (s *MinioStorage) objectName(uri string) (string, error) {
	trimmed := strings.TrimSpace(uri)
	trimmed = strings.TrimPrefix(trimmed, minioScheme)
	trimmed = strings.TrimPrefix(trimmed, "/")
	if strings.Contains(trimmed, "://") {
		return "", fmt.Errorf("storage: uri %q does not belong to minio", uri)
	}
	trimmed = strings.TrimPrefix(trimmed, s.bucket+"/")
	if trimmed == "" {
		return "", errors.New("storage: empty object key")
	}
	return trimmed, nil
}
