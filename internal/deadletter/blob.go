package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // local filesystem driver
	_ "gocloud.dev/blob/gcsblob"  // GCS driver
	_ "gocloud.dev/blob/s3blob"   // S3 driver
)

// BlobSink writes one JSON object per record to a blob bucket. Works with
// AWS S3, GCS, MinIO, and the local filesystem through gocloud.dev drivers.
type BlobSink struct {
	bucket *blob.Bucket
	prefix string
}

// NewBlobSink opens the bucket at the given gocloud.dev URL.
func NewBlobSink(ctx context.Context, bucketURL, prefix string) (*BlobSink, error) {
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open dead-letter bucket %s: %w", bucketURL, err)
	}
	return &BlobSink{bucket: bucket, prefix: prefix}, nil
}

// NewLocalSink opens a filesystem-backed sink rooted at dir.
func NewLocalSink(ctx context.Context, dir, prefix string) (*BlobSink, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create dead-letter directory %s: %w", dir, err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve dead-letter directory %s: %w", dir, err)
	}
	return NewBlobSink(ctx, "file://"+abs+"?create_dir=true", prefix)
}

// Write persists the record under <prefix><reason>/<date>/<uuid>.json.
// Keys are unique so concurrent writers never clobber each other.
func (s *BlobSink) Write(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal dead-letter record: %w", err)
	}

	key := fmt.Sprintf("%s%s/%s/%s.json",
		s.prefix, rec.Reason, rec.ReceivedAt.UTC().Format("2006-01-02"), uuid.NewString())

	w, err := s.bucket.NewWriter(ctx, key, &blob.WriterOptions{ContentType: "application/json"})
	if err != nil {
		return fmt.Errorf("create writer for %s: %w", key, err)
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("write record to %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close writer for %s: %w", key, err)
	}
	return nil
}

// Close releases the bucket connection.
func (s *BlobSink) Close() error {
	if s.bucket != nil {
		return s.bucket.Close()
	}
	return nil
}
