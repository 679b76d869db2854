// Package deadletter persists rejected ingest payloads so they can be
// inspected and replayed out of band. Records are never dropped silently:
// every payload the ingest router refuses ends up here with the reason
// attached.
package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Rejection reasons recorded with every dead-letter record.
const (
	ReasonUnknownType    = "unknown_type"
	ReasonInvalidPayload = "invalid_payload"
	ReasonUpsertFailed   = "upsert_failed"
)

// Record is one rejected payload together with why it was rejected.
type Record struct {
	Tag        string          `json:"tag"`
	Reason     string          `json:"reason"`
	Detail     string          `json:"detail,omitempty"`
	Payload    json.RawMessage `json:"payload"`
	ReceivedAt time.Time       `json:"receivedAt"`
}

// Sink accepts dead-letter records.
type Sink interface {
	// Write persists one record. Implementations must not block on
	// downstream consumers.
	Write(ctx context.Context, rec Record) error

	// Close releases any resources.
	Close() error
}

// Config configures the dead-letter backend.
type Config struct {
	Backend string // "blob" | "local" | "none"

	// Blob: full gocloud.dev bucket URL, e.g. "s3://bucket?region=us-east-1"
	// or "gs://bucket".
	BucketURL string

	// Local filesystem directory, opened through the file driver.
	LocalDir string

	// Key prefix within the bucket, e.g. "dead-letter/".
	Prefix string
}

// New creates a dead-letter sink based on configuration.
func New(ctx context.Context, cfg Config) (Sink, error) {
	switch cfg.Backend {
	case "blob":
		if cfg.BucketURL == "" {
			return nil, fmt.Errorf("BucketURL required for blob backend")
		}
		return NewBlobSink(ctx, cfg.BucketURL, cfg.Prefix)
	case "local":
		if cfg.LocalDir == "" {
			return nil, fmt.Errorf("LocalDir required for local backend")
		}
		return NewLocalSink(ctx, cfg.LocalDir, cfg.Prefix)
	case "none", "":
		return NoopSink{}, nil
	default:
		return nil, fmt.Errorf("unknown dead-letter backend: %s", cfg.Backend)
	}
}

// NoopSink discards all records. Used when no backend is configured.
type NoopSink struct{}

func (NoopSink) Write(context.Context, Record) error { return nil }
func (NoopSink) Close() error                        { return nil }
