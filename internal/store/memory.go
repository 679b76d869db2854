package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/admetrica/report-orchestrator/internal/report"
)

// MemoryStore is an in-memory MetadataStore for dev mode and tests. It
// mirrors the postgres backend's semantics, including the conditional-update
// behavior of TryAcquire.
type MemoryStore struct {
	mu   sync.Mutex
	rows map[string]*report.Metadata
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]*report.Metadata)}
}

func mapKey(k report.Key) string {
	return k.AccountID + "|" + k.CountryCode + "|" +
		k.WindowStart.UTC().Format(time.RFC3339) + "|" +
		string(k.Aggregation) + "|" + string(k.EntityType)
}

func (s *MemoryStore) Upsert(_ context.Context, md report.Metadata) (report.Metadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := mapKey(md.Key)
	if existing, ok := s.rows[k]; ok {
		return existing.Clone(), nil
	}
	row := md.Clone()
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	s.rows[k] = &row
	return row.Clone(), nil
}

func (s *MemoryStore) Get(_ context.Context, key report.Key) (report.Metadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[mapKey(key)]
	if !ok {
		return report.Metadata{}, report.ErrNotFound
	}
	return row.Clone(), nil
}

func (s *MemoryStore) FindDue(_ context.Context, now time.Time, f Filter) ([]report.Metadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []report.Metadata
	for _, row := range s.rows {
		if row.Refreshing || row.NextCheckAt.After(now) {
			continue
		}
		if !matchesFilter(row, f) {
			continue
		}
		out = append(out, row.Clone())
	}
	sortByWindow(out)
	return limitRows(out, f.Limit), nil
}

func (s *MemoryStore) FindFetching(_ context.Context, f Filter) ([]report.Metadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []report.Metadata
	for _, row := range s.rows {
		if row.Refreshing || row.Status != report.StatusFetching || row.ReportID == "" {
			continue
		}
		if !matchesFilter(row, f) {
			continue
		}
		out = append(out, row.Clone())
	}
	sortByWindow(out)
	return limitRows(out, f.Limit), nil
}

func (s *MemoryStore) TryAcquire(_ context.Context, key report.Key, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[mapKey(key)]
	if !ok || row.Refreshing {
		return false, nil
	}
	row.Refreshing = true
	row.LastRefreshed = now.UTC()
	return true, nil
}

func (s *MemoryStore) Release(_ context.Context, key report.Key, now time.Time, fields ReleaseFields) (report.Metadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[mapKey(key)]
	if !ok {
		return report.Metadata{}, report.ErrNotFound
	}

	row.Refreshing = false
	row.LastRefreshed = now.UTC()
	row.NextCheckAt = now.UTC().Add(key.Aggregation.CheckInterval())
	if fields.Status != nil {
		row.Status = *fields.Status
	}
	if fields.ReportID != nil {
		row.ReportID = *fields.ReportID
	}
	if fields.LastReportCreatedAt != nil {
		t := *fields.LastReportCreatedAt
		row.LastReportCreatedAt = &t
	}
	if fields.Error != nil {
		row.Error = *fields.Error
	}
	return row.Clone(), nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func matchesFilter(row *report.Metadata, f Filter) bool {
	if !f.WindowFrom.IsZero() && row.Key.WindowStart.Before(f.WindowFrom) {
		return false
	}
	if !f.WindowTo.IsZero() && !row.Key.WindowStart.Before(f.WindowTo) {
		return false
	}
	if f.AccountID != "" && row.Key.AccountID != f.AccountID {
		return false
	}
	if f.Aggregation != "" && row.Key.Aggregation != f.Aggregation {
		return false
	}
	if f.EntityType != "" && row.Key.EntityType != f.EntityType {
		return false
	}
	return true
}

func sortByWindow(rows []report.Metadata) {
	sort.Slice(rows, func(i, j int) bool {
		return rows[i].Key.WindowStart.Before(rows[j].Key.WindowStart)
	})
}

func limitRows(rows []report.Metadata, limit int) []report.Metadata {
	if limit > 0 && len(rows) > limit {
		return rows[:limit]
	}
	return rows
}
