// Package store persists report dataset metadata: one row per composite
// window key, with the refreshing flag acting as the sole mutual-exclusion
// primitive between concurrent orchestration cycles.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/admetrica/report-orchestrator/internal/report"
)

// Filter bounds a FindDue or FindFetching query. WindowFrom/WindowTo are an
// explicit caller-supplied bound on window_start; Limit caps the result set.
type Filter struct {
	AccountID   string
	Aggregation report.Aggregation
	EntityType  report.EntityType
	WindowFrom  time.Time
	WindowTo    time.Time
	Limit       int
}

// ReleaseFields carries the terminal/interim fields written together with
// refreshing=false in a single atomic write. Nil pointers leave the column
// untouched; a pointer to the empty string clears Error and ReportID.
type ReleaseFields struct {
	Status              *report.Status
	ReportID            *string
	LastReportCreatedAt *time.Time // naive local wall time
	Error               *string
}

// MetadataStore is the durable keyed state for dataset windows.
//
// TryAcquire and Release implement the optimistic concurrency protocol: a
// cycle may only start by atomically flipping refreshing false->true, and
// every exit path must go through Release.
type MetadataStore interface {
	// Upsert inserts the row if its key is absent. When the key already
	// exists the stored row wins and is returned unchanged, so a backfill
	// seed can never clobber live lifecycle state.
	Upsert(ctx context.Context, md report.Metadata) (report.Metadata, error)

	// Get returns the row for key, or report.ErrNotFound.
	Get(ctx context.Context, key report.Key) (report.Metadata, error)

	// FindDue returns rows whose next-check time has passed, that are not
	// refreshing, and whose window start falls inside the filter bound.
	FindDue(ctx context.Context, now time.Time, f Filter) ([]report.Metadata, error)

	// FindFetching returns non-refreshing rows with status=fetching and a
	// report id, i.e. the poll sweep's work list.
	FindFetching(ctx context.Context, f Filter) ([]report.Metadata, error)

	// TryAcquire atomically sets refreshing false->true for key. It returns
	// false when the row is absent or another cycle already owns it.
	TryAcquire(ctx context.Context, key report.Key, now time.Time) (bool, error)

	// Release sets refreshing=false together with fields in one write and
	// returns the post-write row. next_check_at advances to now plus the
	// aggregation's check interval.
	Release(ctx context.Context, key report.Key, now time.Time, fields ReleaseFields) (report.Metadata, error)

	Close() error
}

// Config selects and configures a store backend.
type Config struct {
	Backend     string // "postgres" | "memory"
	PostgresDSN string
}

// New creates a metadata store based on configuration.
func New(ctx context.Context, cfg Config) (MetadataStore, error) {
	switch cfg.Backend {
	case "postgres":
		return NewPostgresStore(ctx, cfg.PostgresDSN)
	case "memory", "":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}
