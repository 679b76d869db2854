package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/admetrica/report-orchestrator/internal/deadletter"
)

type mockWriter struct {
	mu    sync.Mutex
	facts []Fact
	fail  map[string]error // dataset -> error
}

func (w *mockWriter) Upsert(_ context.Context, fact Fact) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.fail[fact.Dataset]; err != nil {
		return err
	}
	w.facts = append(w.facts, fact)
	return nil
}

type captureSink struct {
	mu      sync.Mutex
	records []deadletter.Record
}

func (s *captureSink) Write(_ context.Context, rec deadletter.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

func (s *captureSink) Close() error { return nil }

func trafficRecord(t *testing.T, account string) Record {
	t.Helper()
	payload, err := json.Marshal(trafficPayload{
		AdsAccountID: account,
		EntityID:     "kw-9",
		Hour:         time.Date(2024, 3, 1, 14, 0, 0, 0, time.UTC),
		Clicks:       12,
		Impressions:  340,
		CostMicros:   560000,
	})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return Record{Tag: DatasetTraffic, Payload: payload}
}

func TestProcessUpsertsKnownDatasets(t *testing.T) {
	w := &mockWriter{}
	dl := &captureSink{}
	r := NewRouter(w, dl, nil)

	records := []Record{
		trafficRecord(t, "acct-1"),
		{Tag: DatasetConversion, Payload: []byte(`{"adsAccountId":"acct-1","entityId":"asin-1","hour":"2024-03-01T14:00:00Z","conversions":2,"attributedSalesMicros":19990000}`)},
		{Tag: DatasetBudgetUsage, Payload: []byte(`{"adsAccountId":"acct-1","entityId":"camp-1","hour":"2024-03-01T14:00:00Z","usagePercent":87.5}`)},
	}

	sum, err := r.Process(context.Background(), records)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if sum.Upserted != 3 || sum.DeadLetter != 0 {
		t.Fatalf("summary = %+v, want 3 upserted, 0 dead-lettered", sum)
	}
	if len(w.facts) != 3 {
		t.Fatalf("facts = %d, want 3", len(w.facts))
	}

	traffic := w.facts[0]
	if traffic.Dataset != DatasetTraffic || traffic.Clicks != 12 || traffic.CostMicros != 560000 {
		t.Errorf("traffic fact = %+v", traffic)
	}
	if traffic.WindowStart != time.Date(2024, 3, 1, 14, 0, 0, 0, time.UTC) {
		t.Errorf("window start = %v, want hour boundary", traffic.WindowStart)
	}
	if w.facts[1].Conversions != 2 || w.facts[2].BudgetUsagePercent != 87.5 {
		t.Errorf("facts = %+v", w.facts[1:])
	}
}

func TestProcessDeadLettersUnknownTag(t *testing.T) {
	w := &mockWriter{}
	dl := &captureSink{}
	r := NewRouter(w, dl, nil)

	sum, err := r.Process(context.Background(), []Record{
		{Tag: "sb-traffic", Payload: []byte(`{}`)},
	})
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if sum.DeadLetter != 1 || sum.Upserted != 0 {
		t.Fatalf("summary = %+v, want 1 dead-lettered", sum)
	}
	if len(dl.records) != 1 || dl.records[0].Reason != deadletter.ReasonUnknownType {
		t.Fatalf("dead-letter records = %+v, want one unknown_type", dl.records)
	}
}

func TestProcessDeadLettersInvalidPayloads(t *testing.T) {
	cases := []struct {
		name    string
		tag     string
		payload string
	}{
		{"malformed json", DatasetTraffic, `{"clicks": `},
		{"empty payload", DatasetTraffic, ``},
		{"missing account", DatasetTraffic, `{"entityId":"kw-1","hour":"2024-03-01T14:00:00Z"}`},
		{"missing entity", DatasetConversion, `{"adsAccountId":"a","hour":"2024-03-01T14:00:00Z"}`},
		{"missing hour", DatasetBudgetUsage, `{"adsAccountId":"a","entityId":"c","usagePercent":10}`},
		{"negative clicks", DatasetTraffic, `{"adsAccountId":"a","entityId":"kw-1","hour":"2024-03-01T14:00:00Z","clicks":-1}`},
		{"usage out of range", DatasetBudgetUsage, `{"adsAccountId":"a","entityId":"c","hour":"2024-03-01T14:00:00Z","usagePercent":120}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := &mockWriter{}
			dl := &captureSink{}
			r := NewRouter(w, dl, nil)

			sum, err := r.Process(context.Background(), []Record{{Tag: tc.tag, Payload: []byte(tc.payload)}})
			if err != nil {
				t.Fatalf("Process failed: %v", err)
			}
			if sum.DeadLetter != 1 {
				t.Fatalf("summary = %+v, want 1 dead-lettered", sum)
			}
			if len(w.facts) != 0 {
				t.Errorf("no fact may be written for an invalid payload")
			}
			if dl.records[0].Reason != deadletter.ReasonInvalidPayload {
				t.Errorf("reason = %s, want invalid_payload", dl.records[0].Reason)
			}
		})
	}
}

func TestProcessIsolatesUpsertFailures(t *testing.T) {
	w := &mockWriter{fail: map[string]error{DatasetConversion: errors.New("connection reset")}}
	dl := &captureSink{}
	r := NewRouter(w, dl, nil)

	sum, err := r.Process(context.Background(), []Record{
		trafficRecord(t, "acct-1"),
		{Tag: DatasetConversion, Payload: []byte(`{"adsAccountId":"a","entityId":"asin-1","hour":"2024-03-01T14:00:00Z"}`)},
		trafficRecord(t, "acct-2"),
	})
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if sum.Upserted != 2 || sum.DeadLetter != 1 {
		t.Fatalf("summary = %+v, want 2 upserted, 1 dead-lettered", sum)
	}
	if dl.records[0].Reason != deadletter.ReasonUpsertFailed {
		t.Errorf("reason = %s, want upsert_failed", dl.records[0].Reason)
	}
	// The record after the failure must still be processed.
	if w.facts[1].AccountID != "acct-2" {
		t.Errorf("facts = %+v, want acct-2 traffic after the failure", w.facts)
	}
}

func TestProcessStopsOnCanceledContext(t *testing.T) {
	w := &mockWriter{}
	r := NewRouter(w, deadletter.NoopSink{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Process(ctx, []Record{trafficRecord(t, "acct-1")})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if len(w.facts) != 0 {
		t.Error("no fact may be written after cancellation")
	}
}

func TestParseTrafficTruncatesToHour(t *testing.T) {
	payload := []byte(`{"adsAccountId":"a","entityId":"kw-1","hour":"2024-03-01T14:45:12Z","clicks":1}`)
	fact, err := parseTraffic(payload)
	if err != nil {
		t.Fatalf("parseTraffic failed: %v", err)
	}
	if fact.WindowStart != time.Date(2024, 3, 1, 14, 0, 0, 0, time.UTC) {
		t.Errorf("window start = %v, want 14:00", fact.WindowStart)
	}
}
