package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

var errInvalidObjectKey = errors.New("invalid object key")

// ObjectStore holds uploaded report images.
type ObjectStore interface {
	// Put stores the object and returns its public URL.
	Put(ctx context.Context, key string, body []byte, contentType string) (string, error)
	// Delete removes the object. Deleting a missing object is not an error.
	Delete(ctx context.Context, key string) error
}

func newObjectStore(ctx context.Context, cfg *Config) (ObjectStore, error) {
	switch cfg.StorageBackend {
	case storageBackendS3:
		return NewS3ObjectStore(ctx, cfg)
	default:
		return &LocalObjectStore{
			Root:    filepath.Join(cfg.DataRoot, "uploads"),
			BaseURL: cfg.MediaBaseURL,
		}, nil
	}
}

func validateObjectKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "..") || strings.Contains(key, "\\") {
		return fmt.Errorf("%w: %q", errInvalidObjectKey, key)
	}
	return nil
}

// LocalObjectStore writes objects below Root and serves them from BaseURL.
type LocalObjectStore struct {
	Root    string
	BaseURL string
}

func (s *LocalObjectStore) Put(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	if err := validateObjectKey(key); err != nil {
		return "", err
	}
	path := filepath.Join(s.Root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", err
	}
	return buildPublicURL(s.BaseURL, key), nil
}

func (s *LocalObjectStore) Delete(ctx context.Context, key string) error {
	if err := validateObjectKey(key); err != nil {
		return err
	}
	err := os.Remove(filepath.Join(s.Root, filepath.FromSlash(key)))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// S3ObjectStore keeps images in an S3 or S3-compatible bucket.
type S3ObjectStore struct {
	client  *s3.Client
	bucket  string
	baseURL string
}

func NewS3ObjectStore(ctx context.Context, cfg *Config) (*S3ObjectStore, error) {
	var loadOpts []func(*config.LoadOptions) error
	if cfg.S3Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(cfg.S3Region))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, err
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.S3UsePathStyle
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		}
	})
	return &S3ObjectStore{client: client, bucket: cfg.S3Bucket, baseURL: cfg.S3PublicBaseURL}, nil
}

func (s *S3ObjectStore) Put(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	if err := validateObjectKey(key); err != nil {
		return "", err
	}
	in := &s3.PutObjectInput{
		Bucket:       aws.String(s.bucket),
		Key:          aws.String(key),
		Body:         bytes.NewReader(body),
		CacheControl: aws.String("public, max-age=31536000, immutable"),
	}
	if contentType != "" {
		in.ContentType = aws.String(contentType)
	}
	if _, err := s.client.PutObject(ctx, in); err != nil {
		return "", err
	}
	return buildPublicURL(s.baseURL, key), nil
}

func (s *S3ObjectStore) Delete(ctx context.Context, key string) error {
	if err := validateObjectKey(key); err != nil {
		return err
	}
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	return err
}

// releaseImage deletes an uploaded image that no report will reference.
// Failures are logged; the caller's outcome does not change.
func (a *App) releaseImage(ctx context.Context, key, reason string) {
	if key == "" || a.objects == nil {
		return
	}
	if err := a.objects.Delete(ctx, key); err != nil {
		a.log.Error("failed to release uploaded image", "key", key, "reason", reason, "err", err)
		return
	}
	releasedImagesTotal.WithLabelValues(reason).Inc()
	a.log.Info("released uploaded image", "key", key, "reason", reason)
}
