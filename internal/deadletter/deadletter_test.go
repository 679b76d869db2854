package deadletter

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLocalSinkWritesRecord(t *testing.T) {
	dir := t.TempDir()

	sink, err := NewLocalSink(context.Background(), dir, "dl/")
	if err != nil {
		t.Fatalf("NewLocalSink failed: %v", err)
	}
	defer sink.Close()

	rec := Record{
		Tag:        "sp-traffic",
		Reason:     ReasonInvalidPayload,
		Detail:     "missing adsAccountId",
		Payload:    json.RawMessage(`{"clicks": 3}`),
		ReceivedAt: time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC),
	}
	if err := sink.Write(context.Background(), rec); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	// One JSON file keyed by prefix, reason, and date.
	wantDir := filepath.Join(dir, "dl", ReasonInvalidPayload, "2024-03-15")
	entries, err := os.ReadDir(wantDir)
	if err != nil {
		t.Fatalf("read dead-letter directory: %v", err)
	}
	var files []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".json") {
			files = append(files, e.Name())
		}
	}
	if len(files) != 1 {
		t.Fatalf("files = %v, want exactly one json record", files)
	}

	data, err := os.ReadFile(filepath.Join(wantDir, files[0]))
	if err != nil {
		t.Fatalf("read record: %v", err)
	}
	var got Record
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal record: %v", err)
	}
	if got.Tag != rec.Tag || got.Reason != rec.Reason || got.Detail != rec.Detail {
		t.Errorf("record = %+v, want %+v", got, rec)
	}
	if string(got.Payload) != string(rec.Payload) {
		t.Errorf("payload = %s, want %s", got.Payload, rec.Payload)
	}
}

func TestLocalSinkConcurrentWritesKeepAllRecords(t *testing.T) {
	dir := t.TempDir()

	sink, err := NewLocalSink(context.Background(), dir, "")
	if err != nil {
		t.Fatalf("NewLocalSink failed: %v", err)
	}
	defer sink.Close()

	now := time.Now().UTC()
	done := make(chan error, 8)
	for i := 0; i < 8; i++ {
		go func() {
			done <- sink.Write(context.Background(), Record{
				Tag: "budget-usage", Reason: ReasonUnknownType,
				Payload: json.RawMessage(`{}`), ReceivedAt: now,
			})
		}()
	}
	for i := 0; i < 8; i++ {
		if err := <-done; err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}

	wantDir := filepath.Join(dir, ReasonUnknownType, now.Format("2006-01-02"))
	entries, err := os.ReadDir(wantDir)
	if err != nil {
		t.Fatalf("read dead-letter directory: %v", err)
	}
	count := 0
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".json") {
			count++
		}
	}
	if count != 8 {
		t.Errorf("records = %d, want 8 (unique keys must never clobber)", count)
	}
}

func TestNewUnknownBackend(t *testing.T) {
	if _, err := New(context.Background(), Config{Backend: "kafka"}); err == nil {
		t.Fatal("unknown backend must be rejected")
	}
}

func TestNewDefaultsToNoop(t *testing.T) {
	sink, err := New(context.Background(), Config{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, ok := sink.(NoopSink); !ok {
		t.Fatalf("sink = %T, want NoopSink", sink)
	}
	if err := sink.Write(context.Background(), Record{}); err != nil {
		t.Errorf("noop write failed: %v", err)
	}
}
