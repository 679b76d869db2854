package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/admetrica/report-orchestrator/internal/accounts"
	"github.com/admetrica/report-orchestrator/internal/backfill"
	"github.com/admetrica/report-orchestrator/internal/eligibility"
	"github.com/admetrica/report-orchestrator/internal/orchestrator"
	"github.com/admetrica/report-orchestrator/internal/perfdata"
	"github.com/admetrica/report-orchestrator/internal/provider"
	"github.com/admetrica/report-orchestrator/internal/report"
	"github.com/admetrica/report-orchestrator/internal/store"
	"github.com/admetrica/report-orchestrator/internal/workqueue"
)

type mockProvider struct {
	mu          sync.Mutex
	createCalls int
	retrieveRes provider.RetrieveResult
}

func (m *mockProvider) CreateReport(_ context.Context, _ provider.CreateRequest) (provider.CreateResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createCalls++
	return provider.CreateResult{ReportID: "rep-sched"}, nil
}

func (m *mockProvider) RetrieveReport(_ context.Context, _, _ string) (provider.RetrieveResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.retrieveRes, nil
}

func (m *mockProvider) CreateCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createCalls
}

type nopPublisher struct{}

func (nopPublisher) Publish(report.Event) {}

type fixture struct {
	sched    *Scheduler
	store    *store.MemoryStore
	provider *mockProvider
	accounts *accounts.StaticSource
}

func newFixture(t *testing.T, prov *mockProvider, accts []accounts.Account) *fixture {
	t.Helper()

	st := store.NewMemoryStore()
	src := accounts.NewStaticSource(accts)
	engine := eligibility.New(eligibility.Config{})
	orch := orchestrator.New(orchestrator.Config{}, st, prov, src, engine, nopPublisher{}, nil)
	bf := backfill.New(st, perfdata.NewMemorySource(), nil)
	q := workqueue.NewInProcQueue(4)

	sched := New(Config{FanOut: 2, DueLimit: 100}, q, src, st, bf, orch, nil)
	return &fixture{sched: sched, store: st, provider: prov, accounts: src}
}

func testAccounts() []accounts.Account {
	return []accounts.Account{
		{AdsAccountID: "acct-1", ProfileID: "prof-1", CountryCode: "US", Enabled: true},
		{AdsAccountID: "acct-2", ProfileID: "prof-2", CountryCode: "JP", Enabled: true},
	}
}

// dueKey returns a key whose window sits exactly at the 72h hourly
// checkpoint relative to the real clock, so a create sweep against it is
// always eligible.
func dueKey(t *testing.T, accountID, country string) report.Key {
	t.Helper()
	window := report.AggregationHourly.Align(time.Now().UTC().Add(-72 * time.Hour))
	key, err := report.NewKey(accountID, country, window, report.AggregationHourly, report.EntityTarget)
	if err != nil {
		t.Fatalf("NewKey failed: %v", err)
	}
	return key
}

func seedRow(t *testing.T, st *store.MemoryStore, key report.Key) {
	t.Helper()
	now := time.Now().UTC()
	if _, err := st.Upsert(context.Background(), report.Metadata{
		Key: key, Status: report.StatusMissing, LastRefreshed: now,
	}); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
}

func TestBackfillSweepMaterializesAllAccounts(t *testing.T) {
	f := newFixture(t, &mockProvider{}, testAccounts())

	if err := f.sched.handleBackfillSweep(context.Background(), nil); err != nil {
		t.Fatalf("backfill sweep failed: %v", err)
	}

	// Every account must have hourly rows across the retention horizon.
	for _, id := range []string{"acct-1", "acct-2"} {
		rows, err := f.store.FindDue(context.Background(), time.Now().UTC(), store.Filter{
			AccountID: id, Aggregation: report.AggregationHourly,
		})
		if err != nil {
			t.Fatalf("FindDue failed: %v", err)
		}
		want := int(report.AggregationHourly.Retention() / report.AggregationHourly.Step())
		// Rows are split across entity types.
		if len(rows) != 2*want {
			t.Errorf("account %s hourly rows = %d, want %d", id, len(rows), 2*want)
		}
	}
}

func TestCreateSweepRunsDueRows(t *testing.T) {
	prov := &mockProvider{}
	f := newFixture(t, prov, testAccounts())

	key := dueKey(t, "acct-1", "US")
	seedRow(t, f.store, key)

	if err := f.sched.handleCreateSweep(context.Background(), nil); err != nil {
		t.Fatalf("create sweep failed: %v", err)
	}

	if prov.CreateCalls() != 1 {
		t.Fatalf("create calls = %d, want 1", prov.CreateCalls())
	}
	row, err := f.store.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if row.Status != report.StatusFetching {
		t.Errorf("status = %s, want fetching", row.Status)
	}
}

// Two overlapping sweep deliveries must still produce exactly one provider
// call per due row. The store's acquire flag is the only mutex.
func TestCreateSweepDoubleDeliveryAbsorbed(t *testing.T) {
	prov := &mockProvider{}
	f := newFixture(t, prov, testAccounts())

	seedRow(t, f.store, dueKey(t, "acct-1", "US"))

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := f.sched.handleCreateSweep(context.Background(), nil); err != nil {
				t.Errorf("create sweep failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if prov.CreateCalls() != 1 {
		t.Errorf("create calls = %d, want exactly 1 across both deliveries", prov.CreateCalls())
	}
}

func TestPollSweepCompletesFetchingRows(t *testing.T) {
	prov := &mockProvider{retrieveRes: provider.RetrieveResult{Status: provider.StatusCompleted}}
	f := newFixture(t, prov, testAccounts())

	key := dueKey(t, "acct-1", "US")
	seedRow(t, f.store, key)

	// Move the row into fetching with a report id.
	now := time.Now().UTC()
	if ok, _ := f.store.TryAcquire(context.Background(), key, now); !ok {
		t.Fatal("TryAcquire failed")
	}
	fetching := report.StatusFetching
	repID := "rep-42"
	if _, err := f.store.Release(context.Background(), key, now, store.ReleaseFields{
		Status: &fetching, ReportID: &repID,
	}); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	if err := f.sched.handlePollSweep(context.Background(), nil); err != nil {
		t.Fatalf("poll sweep failed: %v", err)
	}

	row, _ := f.store.Get(context.Background(), key)
	if row.Status != report.StatusCompleted {
		t.Errorf("status = %s, want completed", row.Status)
	}
}

func TestReprocessHandlerForcesCycle(t *testing.T) {
	prov := &mockProvider{}
	f := newFixture(t, prov, testAccounts())

	// An ineligible window: reprocess must run it anyway.
	window := report.AggregationHourly.Align(time.Now().UTC().Add(-48 * time.Hour))
	payload, _ := json.Marshal(ReprocessRequest{
		AccountID:   "acct-1",
		CountryCode: "US",
		WindowStart: window,
		Aggregation: string(report.AggregationHourly),
		EntityType:  string(report.EntityTarget),
	})

	if err := f.sched.handleReprocess(context.Background(), payload); err != nil {
		t.Fatalf("reprocess failed: %v", err)
	}
	if prov.CreateCalls() != 1 {
		t.Errorf("create calls = %d, want 1", prov.CreateCalls())
	}
}

func TestReprocessHandlerRejectsBadInput(t *testing.T) {
	f := newFixture(t, &mockProvider{}, testAccounts())

	cases := []struct {
		name    string
		payload string
	}{
		{"malformed json", `{"accountId": `},
		{"bad aggregation", `{"accountId":"acct-1","countryCode":"US","windowStart":"2024-01-01T00:00:00Z","aggregation":"weekly","entityType":"target"}`},
		{"bad entity type", `{"accountId":"acct-1","countryCode":"US","windowStart":"2024-01-01T00:00:00Z","aggregation":"hourly","entityType":"campaign"}`},
		{"unaligned window", `{"accountId":"acct-1","countryCode":"US","windowStart":"2024-01-01T00:30:00Z","aggregation":"hourly","entityType":"target"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := f.sched.handleReprocess(context.Background(), []byte(tc.payload))
			var verr *report.ValidationError
			if !errors.As(err, &verr) {
				t.Errorf("err = %v, want ValidationError", err)
			}
		})
	}
}

// A failing account must not prevent the sweep from covering the others.
func TestSweepIsolatesAccountFailures(t *testing.T) {
	f := newFixture(t, &mockProvider{}, testAccounts())

	var mu sync.Mutex
	calls := 0
	err := f.sched.sweep(context.Background(), "test", func(ctx context.Context, acct accounts.Account, now time.Time) error {
		mu.Lock()
		calls++
		mu.Unlock()
		if acct.AdsAccountID == "acct-1" {
			return errors.New("synthetic failure")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 2 {
		t.Errorf("task calls = %d, want 2 (failure must not abort the sweep)", calls)
	}
}

func TestStartRegistersSchedules(t *testing.T) {
	f := newFixture(t, &mockProvider{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := f.sched.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	f.sched.Stop()
}

func TestStartRejectsBadCron(t *testing.T) {
	prov := &mockProvider{}
	st := store.NewMemoryStore()
	src := accounts.NewStaticSource(nil)
	engine := eligibility.New(eligibility.Config{})
	orch := orchestrator.New(orchestrator.Config{}, st, prov, src, engine, nopPublisher{}, nil)
	bf := backfill.New(st, perfdata.NewMemorySource(), nil)
	q := workqueue.NewInProcQueue(1)

	sched := New(Config{CreateCron: "* * * * *"}, q, src, st, bf, orch, nil)
	err := sched.Start(context.Background())
	var verr *report.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v, want ValidationError for an unsupported expression", err)
	}
}
