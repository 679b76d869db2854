// Package scheduler owns the periodic triggers that drive the report
// lifecycle: an hourly backfill sweep, a create sweep, and a poll sweep. All
// entry points are invoked through the work queue and are idempotent; ticks
// delivered twice concurrently are absorbed by the store's TryAcquire, not
// deduplicated here.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/admetrica/report-orchestrator/internal/accounts"
	"github.com/admetrica/report-orchestrator/internal/backfill"
	"github.com/admetrica/report-orchestrator/internal/logging"
	"github.com/admetrica/report-orchestrator/internal/metrics"
	"github.com/admetrica/report-orchestrator/internal/orchestrator"
	"github.com/admetrica/report-orchestrator/internal/report"
	"github.com/admetrica/report-orchestrator/internal/store"
	"github.com/admetrica/report-orchestrator/internal/workqueue"
)

// Job names as registered on the work queue.
const (
	JobBackfillSweep = "report.backfill.sweep"
	JobCreateSweep   = "report.create.sweep"
	JobPollSweep     = "report.poll.sweep"
	JobReprocess     = "report.reprocess"
)

var aggregations = []report.Aggregation{report.AggregationHourly, report.AggregationDaily}
var entityTypes = []report.EntityType{report.EntityTarget, report.EntityProduct}

// Config tunes the scheduler.
type Config struct {
	BackfillCron string // default "@hourly"
	CreateCron   string // default "@every 15m"
	PollCron     string // default "@every 5m"
	FanOut       int    // max accounts processed concurrently per sweep
	DueLimit     int    // max rows per account per create sweep
}

func (c *Config) applyDefaults() {
	if c.BackfillCron == "" {
		c.BackfillCron = "@hourly"
	}
	if c.CreateCron == "" {
		c.CreateCron = "@every 15m"
	}
	if c.PollCron == "" {
		c.PollCron = "@every 5m"
	}
	if c.FanOut <= 0 {
		c.FanOut = 4
	}
	if c.DueLimit <= 0 {
		c.DueLimit = 500
	}
}

// Scheduler registers sweep handlers on the work queue and runs them.
type Scheduler struct {
	cfg      Config
	queue    workqueue.Queue
	accounts accounts.Source
	store    store.MetadataStore
	backfill *backfill.Enumerator
	orch     *orchestrator.Orchestrator
	metrics  *metrics.Metrics
	log      *slog.Logger
	now      func() time.Time
}

// New creates a scheduler. metrics may be nil.
func New(cfg Config, q workqueue.Queue, accts accounts.Source, st store.MetadataStore,
	bf *backfill.Enumerator, orch *orchestrator.Orchestrator, m *metrics.Metrics) *Scheduler {
	cfg.applyDefaults()
	return &Scheduler{
		cfg:      cfg,
		queue:    q,
		accounts: accts,
		store:    st,
		backfill: bf,
		orch:     orch,
		metrics:  m,
		log:      slog.With("component", "scheduler"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Start registers handlers and schedule definitions on the queue and starts
// it. The scheduler owns no goroutines of its own beyond the queue's.
func (s *Scheduler) Start(ctx context.Context) error {
	s.queue.Register(JobBackfillSweep, s.handleBackfillSweep)
	s.queue.Register(JobCreateSweep, s.handleCreateSweep)
	s.queue.Register(JobPollSweep, s.handlePollSweep)
	s.queue.Register(JobReprocess, s.handleReprocess)

	if err := s.queue.Schedule(JobBackfillSweep, s.cfg.BackfillCron, nil); err != nil {
		return fmt.Errorf("schedule backfill sweep: %w", err)
	}
	if err := s.queue.Schedule(JobCreateSweep, s.cfg.CreateCron, nil); err != nil {
		return fmt.Errorf("schedule create sweep: %w", err)
	}
	if err := s.queue.Schedule(JobPollSweep, s.cfg.PollCron, nil); err != nil {
		return fmt.Errorf("schedule poll sweep: %w", err)
	}

	if err := s.queue.Start(ctx); err != nil {
		return fmt.Errorf("start queue: %w", err)
	}
	s.log.Info("scheduler started",
		"backfill", s.cfg.BackfillCron, "create", s.cfg.CreateCron, "poll", s.cfg.PollCron)
	return nil
}

// Stop drains the queue. In-flight cycles finish; they are never aborted.
func (s *Scheduler) Stop() {
	s.queue.Stop()
	s.log.Info("scheduler stopped")
}

// handleBackfillSweep materializes missing metadata rows for every enabled
// account across both aggregations and entity types.
func (s *Scheduler) handleBackfillSweep(ctx context.Context, _ []byte) error {
	return s.sweep(ctx, "backfill", func(ctx context.Context, acct accounts.Account, now time.Time) error {
		for _, agg := range aggregations {
			for _, entity := range entityTypes {
				if _, err := s.backfill.Run(ctx, acct, now, agg, entity); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// handleCreateSweep runs creation cycles for every due row of every enabled
// account.
func (s *Scheduler) handleCreateSweep(ctx context.Context, _ []byte) error {
	return s.sweep(ctx, "create", func(ctx context.Context, acct accounts.Account, now time.Time) error {
		for _, agg := range aggregations {
			rows, err := s.store.FindDue(ctx, now, store.Filter{
				AccountID:   acct.AdsAccountID,
				Aggregation: agg,
				WindowFrom:  agg.Align(now).Add(-agg.Retention()),
				WindowTo:    agg.Align(now),
				Limit:       s.cfg.DueLimit,
			})
			if err != nil {
				return err
			}
			for _, row := range rows {
				if err := s.orch.RunCreateCycle(ctx, row.Key); err != nil && !errors.Is(err, report.ErrConflict) {
					s.log.Warn("create cycle failed", "key", row.Key.String(), "error", err)
				}
			}
		}
		return nil
	})
}

// handlePollSweep polls every fetching row of every enabled account.
func (s *Scheduler) handlePollSweep(ctx context.Context, _ []byte) error {
	return s.sweep(ctx, "poll", func(ctx context.Context, acct accounts.Account, now time.Time) error {
		for _, agg := range aggregations {
			rows, err := s.store.FindFetching(ctx, store.Filter{
				AccountID:   acct.AdsAccountID,
				Aggregation: agg,
				WindowFrom:  agg.Align(now).Add(-agg.Retention()),
				WindowTo:    agg.Align(now).Add(agg.Step()),
				Limit:       s.cfg.DueLimit,
			})
			if err != nil {
				return err
			}
			for _, row := range rows {
				if err := s.orch.RunPollCycle(ctx, row.Key); err != nil && !errors.Is(err, report.ErrConflict) {
					s.log.Warn("poll cycle failed", "key", row.Key.String(), "error", err)
				}
			}
		}
		return nil
	})
}

// ReprocessRequest is the payload of an explicit manual reprocess job.
type ReprocessRequest struct {
	AccountID   string    `json:"accountId"`
	CountryCode string    `json:"countryCode"`
	WindowStart time.Time `json:"windowStart"`
	Aggregation string    `json:"aggregation"`
	EntityType  string    `json:"entityType"`
}

// handleReprocess validates the request and runs a forced creation cycle.
// Malformed input is rejected before any state mutation.
func (s *Scheduler) handleReprocess(ctx context.Context, payload []byte) error {
	var req ReprocessRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return report.NewValidationError("bad reprocess payload: " + err.Error())
	}

	agg, err := report.ParseAggregation(req.Aggregation)
	if err != nil {
		return err
	}
	entity, err := report.ParseEntityType(req.EntityType)
	if err != nil {
		return err
	}
	key, err := report.NewKey(req.AccountID, req.CountryCode, req.WindowStart, agg, entity)
	if err != nil {
		return err
	}

	if err := s.orch.Reprocess(ctx, key); err != nil && !errors.Is(err, report.ErrConflict) {
		return err
	}
	return nil
}

// sweep fans an account-level task out over all enabled accounts with
// bounded concurrency. Accounts disabled after the listing still finish
// their in-flight work.
func (s *Scheduler) sweep(ctx context.Context, name string, task func(context.Context, accounts.Account, time.Time) error) error {
	start := time.Now()
	now := s.now()
	swlog := logging.SweepLogger(logging.GenerateCorrelationID(), name)

	accts, err := s.accounts.ListEnabled(ctx)
	if err != nil {
		s.sweepError(name)
		return fmt.Errorf("list enabled accounts: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.FanOut)
	for _, acct := range accts {
		acct := acct
		g.Go(func() error {
			if err := task(gctx, acct, now); err != nil {
				// One account's failure must not starve the rest.
				swlog.Warn("sweep task failed", "account", acct.AdsAccountID, "error", err)
				s.sweepError(name)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if s.metrics != nil {
		s.metrics.ObserveSweep(name, time.Since(start).Seconds())
	}
	swlog.Debug("sweep finished", "accounts", len(accts),
		"elapsed", time.Since(start).String())
	return nil
}

func (s *Scheduler) sweepError(name string) {
	if s.metrics != nil {
		s.metrics.IncSweepError(name)
	}
}
