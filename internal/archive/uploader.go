package archive

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"fieldflow/internal/config"
)

// Uploader stores one archive object and returns where it went.
type Uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// NewUploader picks S3 when a bucket is configured and the local directory otherwise.
func NewUploader(ctx context.Context, cfg config.Config) (Uploader, error) {
	if cfg.ArchiveS3Bucket == "" {
		dir := cfg.ArchiveDir
		if dir == "" {
			dir = "./archive"
		}
		return &LocalUploader{BaseDir: dir}, nil
	}
	client, err := newS3Client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &S3Uploader{client: client, bucket: cfg.ArchiveS3Bucket}, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.ArchiveS3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ArchiveS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.ArchiveS3Endpoint)
		}
		o.UsePathStyle = cfg.ArchiveS3PathStyle
	}), nil
}

// LocalUploader writes objects below BaseDir.
type LocalUploader struct {
	BaseDir string
}

func (l *LocalUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.BaseDir, sanitizeKey(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

// S3Uploader puts objects into one bucket.
type S3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *S3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	key = sanitizeKey(key)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

func sanitizeKey(key string) string {
	key = filepath.ToSlash(filepath.Clean(key))
	key = strings.TrimPrefix(key, "/")
	key = strings.TrimPrefix(key, "./")
	for strings.HasPrefix(key, "../") {
		key = strings.TrimPrefix(key, "../")
	}
	return key
}
