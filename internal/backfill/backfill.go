// Package backfill reconstructs missing metadata rows across an
// aggregation's retention horizon, so the scheduler always has a complete
// set of window rows to select from.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/admetrica/report-orchestrator/internal/accounts"
	"github.com/admetrica/report-orchestrator/internal/metrics"
	"github.com/admetrica/report-orchestrator/internal/perfdata"
	"github.com/admetrica/report-orchestrator/internal/report"
	"github.com/admetrica/report-orchestrator/internal/store"
)

// Enumerator walks retention windows and materializes absent rows.
type Enumerator struct {
	store    store.MetadataStore
	perfdata perfdata.Source
	metrics  *metrics.Metrics
	log      *slog.Logger
}

// New creates a backfill enumerator. metrics may be nil.
func New(st store.MetadataStore, pd perfdata.Source, m *metrics.Metrics) *Enumerator {
	return &Enumerator{
		store:    st,
		perfdata: pd,
		metrics:  m,
		log:      slog.With("component", "backfill"),
	}
}

// Run enumerates every boundary from the retention horizon (inclusive) up to
// the current period (exclusive) and creates a metadata row for each
// boundary that lacks one. A row is seeded completed when performance data
// already exists for the window, missing otherwise.
//
// Re-running is a no-op for boundaries that already have rows, and a failure
// on one boundary never aborts the rest.
func (e *Enumerator) Run(ctx context.Context, acct accounts.Account, now time.Time, agg report.Aggregation, entity report.EntityType) (int, error) {
	currentPeriodStart := agg.Align(now)
	earliestPeriodStart := currentPeriodStart.Add(-agg.Retention())

	created := 0
	for boundary := earliestPeriodStart; boundary.Before(currentPeriodStart); boundary = boundary.Add(agg.Step()) {
		if err := ctx.Err(); err != nil {
			return created, err
		}

		ok, err := e.seedBoundary(ctx, acct, boundary, now, agg, entity)
		if err != nil {
			// Per-boundary isolation: log and continue.
			e.log.Warn("backfill boundary failed",
				"account", acct.AdsAccountID,
				"window", boundary.Format(time.RFC3339),
				"aggregation", string(agg),
				"error", err)
			if e.metrics != nil {
				e.metrics.IncBackfillError()
			}
			continue
		}
		if ok {
			created++
		}
	}

	if created > 0 {
		e.log.Info("backfill materialized rows",
			"account", acct.AdsAccountID, "aggregation", string(agg),
			"entity_type", string(entity), "created", created)
	}
	return created, nil
}

// seedBoundary creates the row for one boundary if it is absent. Returns
// whether a new row was written.
func (e *Enumerator) seedBoundary(ctx context.Context, acct accounts.Account, boundary, now time.Time, agg report.Aggregation, entity report.EntityType) (bool, error) {
	key, err := report.NewKey(acct.AdsAccountID, acct.CountryCode, boundary, agg, entity)
	if err != nil {
		return false, err
	}

	if _, err := e.store.Get(ctx, key); err == nil {
		return false, nil
	} else if !errors.Is(err, report.ErrNotFound) {
		return false, err
	}

	hasData, err := e.perfdata.HasData(ctx, acct.AdsAccountID, boundary, agg)
	if err != nil {
		return false, fmt.Errorf("query performance data: %w", err)
	}

	status := report.StatusMissing
	if hasData {
		status = report.StatusCompleted
	}

	// The store's upsert tolerates a concurrent seed of the same boundary:
	// whichever insert lands first wins, the other is a no-op.
	_, err = e.store.Upsert(ctx, report.Metadata{
		Key:           key,
		Status:        status,
		ReportID:      placeholderReportID(key),
		LastRefreshed: now.UTC(),
		NextCheckAt:   now.UTC(),
	})
	if err != nil {
		return false, err
	}

	if e.metrics != nil {
		e.metrics.IncBackfillRow(string(agg), string(status))
	}
	return true, nil
}

// placeholderReportID is the deterministic marker for rows seeded by
// backfill rather than by a provider creation call.
func placeholderReportID(key report.Key) string {
	return fmt.Sprintf("backfill:%s:%s:%s:%d",
		key.AccountID, key.Aggregation, key.EntityType, key.WindowStart.Unix())
}
