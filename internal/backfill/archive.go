package backfill

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ArchiveConfig points at an S3-compatible object store used to mirror
// finished artifacts.
type ArchiveConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// Archiver mirrors written parquet files into object storage. Uploads are
// best effort; a failed upload never fails the task that produced the file.
type Archiver struct {
	client *minio.Client
	bucket string
	root   string
	log    *slog.Logger
}

// NewArchiver connects to the object store and ensures the bucket exists.
func NewArchiver(ctx context.Context, cfg ArchiveConfig, root string, log *slog.Logger) (*Archiver, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to archive %s: %w", cfg.Endpoint, err)
	}
	ok, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("checking archive bucket %s: %w", cfg.Bucket, err)
	}
	if !ok {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("creating archive bucket %s: %w", cfg.Bucket, err)
		}
	}
	return &Archiver{
		client: client,
		bucket: cfg.Bucket,
		root:   root,
		log:    log.With("component", "archive"),
	}, nil
}

// Upload mirrors one local file. The object key is the file's path relative
// to the data root, so the bucket layout matches the local tree.
func (a *Archiver) Upload(ctx context.Context, path string) {
	key, err := filepath.Rel(a.root, path)
	if err != nil {
		key = filepath.Base(path)
	}
	key = filepath.ToSlash(key)
	if _, err := a.client.FPutObject(ctx, a.bucket, key, path, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	}); err != nil {
		a.log.Warn("archive upload failed", "object", key, "error", err)
		return
	}
	a.log.Debug("archived", "object", key)
}
