// Package orchestrator drives the report dataset state machine: missing ->
// fetching -> {completed, failed}, with terminal states re-entered only
// through a new explicit cycle.
//
// Every cycle starts by atomically flipping the row's refreshing flag and
// ends by releasing it together with the outcome in a single write. That
// flag is the only mutual-exclusion mechanism: duplicate deliveries from the
// work queue, overlapping scheduler ticks, and concurrent worker instances
// are all absorbed here. There is no in-process retry loop anywhere in this
// package; temporal retry is the next scheduled cycle.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/admetrica/report-orchestrator/internal/accounts"
	"github.com/admetrica/report-orchestrator/internal/eligibility"
	"github.com/admetrica/report-orchestrator/internal/logging"
	"github.com/admetrica/report-orchestrator/internal/metrics"
	"github.com/admetrica/report-orchestrator/internal/provider"
	"github.com/admetrica/report-orchestrator/internal/report"
	"github.com/admetrica/report-orchestrator/internal/store"
)

// Build metadata, injected at build time via -ldflags.
var (
	Version = "v0.1.0"
	GitSHA  = "unknown"
)

// Publisher broadcasts lifecycle events. Publishing must never block.
type Publisher interface {
	Publish(report.Event)
}

// Config tunes the orchestrator.
type Config struct {
	// ProviderTimeout bounds every provider call. A timeout is a provider
	// failure; the row is released with status=failed, never left dangling.
	ProviderTimeout time.Duration
}

// Orchestrator runs creation and polling cycles for dataset windows.
type Orchestrator struct {
	cfg      Config
	store    store.MetadataStore
	provider provider.Client
	accounts accounts.Source
	engine   *eligibility.Engine
	events   Publisher
	metrics  *metrics.Metrics
	log      *slog.Logger
	now      func() time.Time
}

// New creates an orchestrator. metrics may be nil.
func New(cfg Config, st store.MetadataStore, pc provider.Client, accts accounts.Source,
	engine *eligibility.Engine, events Publisher, m *metrics.Metrics) *Orchestrator {
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = 30 * time.Second
	}
	return &Orchestrator{
		cfg:      cfg,
		store:    st,
		provider: pc,
		accounts: accts,
		engine:   engine,
		events:   events,
		metrics:  m,
		log:      slog.With("component", "orchestrator"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// RunCreateCycle runs one creation cycle for key: acquire, gate on
// eligibility, call the provider, release with the outcome, emit one event.
// A key owned by another cycle returns report.ErrConflict, which callers
// treat as a skip.
func (o *Orchestrator) RunCreateCycle(ctx context.Context, key report.Key) error {
	return o.createCycle(ctx, key, false)
}

// Reprocess runs a creation cycle that bypasses the eligibility gate. This
// is the explicit {completed,failed} -> fetching edge of the state machine.
func (o *Orchestrator) Reprocess(ctx context.Context, key report.Key) error {
	return o.createCycle(ctx, key, true)
}

func (o *Orchestrator) createCycle(ctx context.Context, key report.Key, force bool) error {
	now := o.now()
	clog := o.cycleLogger(key)

	// Resolve the account before touching the row: a missing mapping is a
	// NotFound surfaced to the caller, not a row mutation.
	acct, err := o.accounts.Get(ctx, key.AccountID)
	if err != nil {
		return fmt.Errorf("resolve account %s: %w", key.AccountID, err)
	}

	// First creation cycle for a window materializes its row.
	if _, err := o.store.Upsert(ctx, report.Metadata{
		Key:           key,
		Status:        report.StatusMissing,
		LastRefreshed: now,
		NextCheckAt:   now,
	}); err != nil {
		return err
	}

	acquired, err := o.store.TryAcquire(ctx, key, now)
	if err != nil {
		return err
	}
	if !acquired {
		clog.Debug("create cycle skipped, key is owned by another cycle")
		o.skip("create", "conflict")
		return report.ErrConflict
	}
	o.started("create")

	row, err := o.store.Get(ctx, key)
	if err != nil {
		o.releaseUnchanged(ctx, key)
		return err
	}

	if !force && !o.engine.IsEligible(key, row.LastReportCreatedAt, now) {
		released, err := o.store.Release(ctx, key, o.now(), store.ReleaseFields{})
		if err != nil {
			return err
		}
		o.skip("create", "not_eligible")
		o.emit(report.EventSkipped, released)
		return nil
	}

	result, provErr := o.createReport(ctx, acct, key)
	if provErr != nil {
		clog.Warn("report creation failed", "error", provErr)
		released, err := o.store.Release(ctx, key, o.now(), o.failureFields(row, provErr))
		if err != nil {
			return err
		}
		o.emit(report.EventFailed, released)
		return nil
	}

	fetching := report.StatusFetching
	clearErr := ""
	createdLocal := o.engine.LocalWallTime(o.now(), key.CountryCode)
	released, err := o.store.Release(ctx, key, o.now(), store.ReleaseFields{
		Status:              &fetching,
		ReportID:            &result.ReportID,
		LastReportCreatedAt: &createdLocal,
		Error:               &clearErr,
	})
	if err != nil {
		return err
	}

	clog.Info("report created", "report_id", result.ReportID)
	o.emit(report.EventCreated, released)
	return nil
}

// RunPollCycle polls the provider for a row in fetching state. Rows that are
// not pollable (wrong status or no report id) are skipped without error.
func (o *Orchestrator) RunPollCycle(ctx context.Context, key report.Key) error {
	now := o.now()
	clog := o.cycleLogger(key)

	row, err := o.store.Get(ctx, key)
	if err != nil {
		return err
	}
	if row.Status != report.StatusFetching || row.ReportID == "" {
		clog.Debug("poll cycle skipped, row is not pollable", "status", string(row.Status))
		o.skip("poll", "not_pollable")
		return nil
	}

	acct, err := o.accounts.Get(ctx, key.AccountID)
	if err != nil {
		return fmt.Errorf("resolve account %s: %w", key.AccountID, err)
	}

	acquired, err := o.store.TryAcquire(ctx, key, now)
	if err != nil {
		return err
	}
	if !acquired {
		clog.Debug("poll cycle skipped, key is owned by another cycle")
		o.skip("poll", "conflict")
		return report.ErrConflict
	}
	o.started("poll")

	// Re-read under ownership: the row may have moved between the guard
	// check and the acquisition.
	row, err = o.store.Get(ctx, key)
	if err != nil {
		o.releaseUnchanged(ctx, key)
		return err
	}
	if row.Status != report.StatusFetching || row.ReportID == "" {
		o.releaseUnchanged(ctx, key)
		o.skip("poll", "not_pollable")
		return nil
	}

	result, provErr := o.retrieveReport(ctx, acct.ProfileID, row.ReportID)
	if provErr != nil {
		clog.Warn("report poll failed", "report_id", row.ReportID, "error", provErr)
		released, err := o.store.Release(ctx, key, o.now(), o.failureFields(row, provErr))
		if err != nil {
			return err
		}
		o.emit(report.EventFailed, released)
		return nil
	}

	var (
		fields store.ReleaseFields
		typ    report.EventType
	)
	clearErr := ""
	switch result.Status {
	case provider.StatusPending:
		fetching := report.StatusFetching
		fields = store.ReleaseFields{Status: &fetching}
		typ = report.EventPending
	case provider.StatusCompleted:
		completed := report.StatusCompleted
		fields = store.ReleaseFields{Status: &completed, Error: &clearErr}
		typ = report.EventCompleted
	case provider.StatusFailed:
		failed := report.StatusFailed
		reason := result.FailureReason
		if reason == "" {
			reason = "report failed upstream"
		}
		fields = store.ReleaseFields{Status: &failed, Error: &reason}
		typ = report.EventFailed
	}

	released, err := o.store.Release(ctx, key, o.now(), fields)
	if err != nil {
		return err
	}

	clog.Info("report polled", "report_id", row.ReportID, "status", string(released.Status))
	o.emit(typ, released)
	return nil
}

// cycleLogger tags every log line of one cycle with a fresh correlation id.
func (o *Orchestrator) cycleLogger(key report.Key) *slog.Logger {
	return logging.CycleLogger(logging.GenerateCorrelationID(),
		key.AccountID, key.CountryCode, key.WindowStart,
		string(key.Aggregation), string(key.EntityType))
}

// createReport calls the provider under the configured hard timeout.
func (o *Orchestrator) createReport(ctx context.Context, acct accounts.Account, key report.Key) (provider.CreateResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, o.cfg.ProviderTimeout)
	defer cancel()

	start := time.Now()
	result, err := o.provider.CreateReport(callCtx, provider.CreateRequest{
		ProfileID:    acct.ProfileID,
		AdsAccountID: acct.AdsAccountID,
		WindowStart:  key.WindowStart,
		Aggregation:  key.Aggregation,
		EntityType:   key.EntityType,
	})
	o.observeProvider("create", start, err)
	return result, err
}

// retrieveReport polls the provider under the configured hard timeout.
func (o *Orchestrator) retrieveReport(ctx context.Context, profileID, reportID string) (provider.RetrieveResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, o.cfg.ProviderTimeout)
	defer cancel()

	start := time.Now()
	result, err := o.provider.RetrieveReport(callCtx, profileID, reportID)
	o.observeProvider("retrieve", start, err)
	return result, err
}

// failureFields builds the release for a provider failure. A row that had
// already completed keeps its completed status: the data it points at is
// still valid, only this refresh attempt failed. Everything else becomes
// failed.
func (o *Orchestrator) failureFields(prior report.Metadata, provErr error) store.ReleaseFields {
	msg := provErr.Error()
	fields := store.ReleaseFields{Error: &msg}
	if prior.Status != report.StatusCompleted {
		failed := report.StatusFailed
		fields.Status = &failed
	}
	return fields
}

// releaseUnchanged is the error-path release: drop the flag, touch nothing
// else.
func (o *Orchestrator) releaseUnchanged(ctx context.Context, key report.Key) {
	if _, err := o.store.Release(ctx, key, o.now(), store.ReleaseFields{}); err != nil {
		o.log.Error("release after failed cycle", "key", key.String(), "error", err)
	}
}

func (o *Orchestrator) emit(typ report.EventType, row report.Metadata) {
	if o.metrics != nil {
		o.metrics.IncTransition(string(typ))
	}
	if o.events != nil {
		o.events.Publish(report.NewEvent(typ, row, o.now()))
	}
}

func (o *Orchestrator) started(cycle string) {
	if o.metrics != nil {
		o.metrics.IncCycleStarted(cycle)
	}
}

func (o *Orchestrator) skip(cycle, reason string) {
	if o.metrics != nil {
		o.metrics.IncCycleSkipped(cycle, reason)
	}
}

// observeProvider records call latency and classifies failures.
func (o *Orchestrator) observeProvider(op string, start time.Time, err error) {
	if o.metrics == nil {
		return
	}
	o.metrics.ObserveProviderCall(op, time.Since(start).Seconds())
	if err != nil {
		code := "unknown"
		var provErr *report.ProviderError
		if errors.As(err, &provErr) && provErr.Code != "" {
			code = provErr.Code
		}
		o.metrics.IncProviderError(op, code)
	}
}
