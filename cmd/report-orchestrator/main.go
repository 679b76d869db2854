package main

import (
	"context"
	"encoding/json"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/admetrica/report-orchestrator/internal/accounts"
	"github.com/admetrica/report-orchestrator/internal/backfill"
	"github.com/admetrica/report-orchestrator/internal/config"
	"github.com/admetrica/report-orchestrator/internal/deadletter"
	"github.com/admetrica/report-orchestrator/internal/eligibility"
	"github.com/admetrica/report-orchestrator/internal/events"
	"github.com/admetrica/report-orchestrator/internal/ingest"
	"github.com/admetrica/report-orchestrator/internal/logging"
	"github.com/admetrica/report-orchestrator/internal/metrics"
	"github.com/admetrica/report-orchestrator/internal/orchestrator"
	"github.com/admetrica/report-orchestrator/internal/perfdata"
	"github.com/admetrica/report-orchestrator/internal/provider"
	"github.com/admetrica/report-orchestrator/internal/scheduler"
	"github.com/admetrica/report-orchestrator/internal/store"
	"github.com/admetrica/report-orchestrator/internal/workqueue"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.Printf("[main] Report Orchestrator %s (%s)", orchestrator.Version, orchestrator.GitSHA)

	cfg := config.MustLoad()
	logging.Setup(logging.Config{Format: cfg.Logging.Format, Level: cfg.Logging.Level})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown handler
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		sig := <-ch
		slog.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	// Metadata store
	st, err := store.New(ctx, store.Config{
		Backend:     cfg.Store.Backend,
		PostgresDSN: cfg.Store.PostgresDSN,
	})
	if err != nil {
		log.Fatalf("[main] failed to create metadata store: %v", err)
	}
	defer st.Close()

	// Account mapping
	accts, err := accounts.New(ctx, accounts.Config{
		Backend:     cfg.Accounts.Backend,
		PostgresDSN: cfg.Accounts.PostgresDSN,
	})
	if err != nil {
		log.Fatalf("[main] failed to create account source: %v", err)
	}

	// Performance fact probes
	perf, err := perfdata.New(ctx, perfdata.Config{
		Backend:     cfg.Perfdata.Backend,
		PostgresDSN: cfg.Perfdata.PostgresDSN,
	})
	if err != nil {
		log.Fatalf("[main] failed to create perfdata source: %v", err)
	}

	// External report provider
	prov, err := provider.New(provider.Config{
		Backend:  cfg.Provider.Backend,
		Endpoint: cfg.Provider.Endpoint,
		APIKey:   cfg.Provider.APIKey,
		Timeout:  cfg.Provider.Timeout,
	})
	if err != nil {
		log.Fatalf("[main] failed to create provider client: %v", err)
	}

	// Eligibility engine with optional YAML overrides
	eligCfg, err := config.LoadEligibility(cfg.EligibilityFile)
	if err != nil {
		log.Fatalf("[main] failed to load eligibility overrides: %v", err)
	}
	engine := eligibility.New(eligCfg)

	// Dead-letter sink for rejected stream records
	dl, err := deadletter.New(ctx, deadletter.Config{
		Backend:   cfg.DeadLetter.Backend,
		BucketURL: cfg.DeadLetter.BucketURL,
		LocalDir:  cfg.DeadLetter.LocalDir,
		Prefix:    cfg.DeadLetter.Prefix,
	})
	if err != nil {
		log.Fatalf("[main] failed to create dead-letter sink: %v", err)
	}
	defer dl.Close()

	// Lifecycle event broker
	broker := events.NewBroker()
	defer broker.Close()

	m := metrics.New()
	go func() {
		if err := metrics.Serve(ctx, metrics.Config{
			Enabled:    cfg.Metrics.Enabled,
			ListenAddr: cfg.Metrics.ListenAddr,
		}); err != nil {
			slog.Error("metrics server failed", "error", err)
		}
	}()
	go watchSubscribers(ctx, broker, m)

	orch := orchestrator.New(orchestrator.Config{
		ProviderTimeout: cfg.Provider.Timeout,
	}, st, prov, accts, engine, broker, m)

	bf := backfill.New(st, perf, m)

	// Stream ingest writes into the same fact table the perfdata probes read.
	var writer ingest.Writer
	switch cfg.Perfdata.Backend {
	case "postgres":
		pw, err := ingest.NewPostgresWriter(ctx, cfg.Perfdata.PostgresDSN)
		if err != nil {
			log.Fatalf("[main] failed to create ingest writer: %v", err)
		}
		defer pw.Close()
		writer = pw
	default:
		mem, _ := perf.(*perfdata.MemorySource)
		writer = ingest.NewMemoryWriter(mem)
	}
	router := ingest.NewRouter(writer, dl, m)

	queue := workqueue.NewInProcQueue(cfg.Queue.MaxInFlight)
	queue.Register("ingest.batch", func(ctx context.Context, payload []byte) error {
		var records []ingest.Record
		if err := json.Unmarshal(payload, &records); err != nil {
			return err
		}
		_, err := router.Process(ctx, records)
		return err
	})
	sched := scheduler.New(scheduler.Config{
		BackfillCron: cfg.Scheduler.BackfillCron,
		CreateCron:   cfg.Scheduler.CreateCron,
		PollCron:     cfg.Scheduler.PollCron,
		FanOut:       cfg.Scheduler.FanOut,
		DueLimit:     cfg.Scheduler.DueLimit,
	}, queue, accts, st, bf, orch, m)

	if err := sched.Start(ctx); err != nil {
		log.Fatalf("[main] failed to start scheduler: %v", err)
	}

	<-ctx.Done()
	sched.Stop()

	slog.Info("report orchestrator stopped cleanly")
	time.Sleep(100 * time.Millisecond)
}

// watchSubscribers mirrors the broker's subscriber count into the gauge.
func watchSubscribers(ctx context.Context, broker *events.Broker, m *metrics.Metrics) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SetEventSubscribers(float64(broker.SubscriberCount()))
		}
	}
}
