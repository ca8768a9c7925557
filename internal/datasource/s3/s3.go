// Package s3 streams metadata objects from S3-compatible object storage
// (AWS S3, MinIO) using minio-go.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"geometa/internal/config"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ErrNotFound is returned when the bucket or object does not exist.
var ErrNotFound = errors.New("s3: object not found")

// Config addresses one object.
type Config struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
	Key       string
	UseSSL    bool
}

// ConfigFromSource merges a pipeline source with the S3_* environment.
// Explicit source fields win over the environment.
func ConfigFromSource(src *config.S3Source) Config {
	cfg := Config{
		Endpoint:  strings.TrimSpace(os.Getenv("S3_ENDPOINT")),
		Region:    strings.TrimSpace(os.Getenv("S3_REGION")),
		AccessKey: strings.TrimSpace(os.Getenv("S3_ACCESS_KEY")),
		SecretKey: strings.TrimSpace(os.Getenv("S3_SECRET_KEY")),
		UseSSL:    envBool("S3_USE_SSL", true),
	}
	if src == nil {
		return cfg
	}
	if v := strings.TrimSpace(src.Endpoint); v != "" {
		cfg.Endpoint = v
	}
	if v := strings.TrimSpace(src.Region); v != "" {
		cfg.Region = v
	}
	if src.UseSSL != nil {
		cfg.UseSSL = *src.UseSSL
	}
	cfg.Bucket = strings.TrimSpace(src.Bucket)
	cfg.Key = strings.TrimLeft(strings.TrimSpace(src.Key), "/")
	return cfg
}

func envBool(name string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return b
}

func newClient(cfg Config) (*minio.Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("s3 endpoint is required")
	}
	if cfg.Bucket == "" || cfg.Key == "" {
		return nil, fmt.Errorf("s3 bucket and key are required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	// Empty keys sign anonymously, which public sequence buckets allow.
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("init s3 client: %w", err)
	}
	return client, nil
}

// Open streams the object. The object is stat'ed first so a missing key
// fails here rather than on the first Read.
func Open(ctx context.Context, cfg Config) (io.ReadCloser, error) {
	client, err := newClient(cfg)
	if err != nil {
		return nil, err
	}

	obj, err := client.GetObject(ctx, cfg.Bucket, cfg.Key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("s3 get %s/%s: %w", cfg.Bucket, cfg.Key, err)
	}
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		code := minio.ToErrorResponse(err).Code
		if code == "NoSuchKey" || code == "NoSuchBucket" {
			return nil, fmt.Errorf("s3 get %s/%s: %w", cfg.Bucket, cfg.Key, ErrNotFound)
		}
		return nil, fmt.Errorf("s3 stat %s/%s: %w", cfg.Bucket, cfg.Key, err)
	}
	return obj, nil
}
