// Package artifacts archives finished terminal transcripts to S3 or MinIO.
package artifacts

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/kandev/agentexec/internal/common/config"
	"github.com/kandev/agentexec/internal/common/logger"
)

// Store writes objects into one bucket under a fixed prefix.
type Store struct {
	client *minio.Client
	bucket string
	prefix string
	logger *logger.Logger
}

// Enabled reports whether cfg names an endpoint and a bucket.
func Enabled(cfg config.ArtifactsConfig) bool {
	return cfg.Endpoint != "" && cfg.Bucket != ""
}

// NewStore creates the client. It does not contact the server.
func NewStore(cfg config.ArtifactsConfig, log *logger.Logger) (*Store, error) {
	if !Enabled(cfg) {
		return nil, fmt.Errorf("artifacts endpoint and bucket are required")
	}
	endpoint := strings.TrimPrefix(strings.TrimPrefix(cfg.Endpoint, "http://"), "https://")
	endpoint = strings.TrimRight(endpoint, "/")
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("create object storage client: %w", err)
	}
	return &Store{
		client: client,
		bucket: cfg.Bucket,
		prefix: "agentexec",
		logger: log.WithFields(zap.String("component", "artifact-store")),
	}, nil
}

// EnsureBucket creates the bucket when it does not exist.
func (s *Store) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket: %w", err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket: %w", err)
	}
	s.logger.Info("created bucket", zap.String("bucket", s.bucket))
	return nil
}

func (s *Store) objectName(key string) string {
	return path.Join(s.prefix, strings.TrimLeft(key, "/"))
}

// Archive uploads data under key and returns its s3:// location.
func (s *Store) Archive(ctx context.Context, key string, data []byte) (string, error) {
	name := s.objectName(key)
	info, err := s.client.PutObject(ctx, s.bucket, name, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "text/plain; charset=utf-8",
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", name, err)
	}
	s.logger.Info("archived object",
		zap.String("bucket", s.bucket),
		zap.String("object", name),
		zap.Int64("size", info.Size))
	return "s3://" + s.bucket + "/" + name, nil
}

// PresignedURL returns a temporary download URL for key.
func (s *Store) PresignedURL(ctx context.Context, key string, expires time.Duration) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, s.bucket, s.objectName(key), expires, nil)
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	return u.String(), nil
}
