// Package perfdata answers one question for the backfill enumerator: does
// performance data exist for an account window? The underlying fact table is
// written by the stream ingest path (internal/ingest).
package perfdata

import (
	"context"
	"fmt"
	"time"

	"github.com/admetrica/report-orchestrator/internal/report"
)

// Source queries the performance fact table.
type Source interface {
	// HasData reports whether any performance rows exist for the account in
	// the given window.
	HasData(ctx context.Context, accountID string, windowStart time.Time, agg report.Aggregation) (bool, error)
}

// Config selects a performance data backend.
type Config struct {
	Backend     string // "postgres" | "memory"
	PostgresDSN string
}

// New creates a performance data source based on configuration.
func New(ctx context.Context, cfg Config) (Source, error) {
	switch cfg.Backend {
	case "postgres":
		return NewPostgresSource(ctx, cfg.PostgresDSN)
	case "memory", "":
		return NewMemorySource(), nil
	default:
		return nil, fmt.Errorf("unknown perfdata backend %q", cfg.Backend)
	}
}
