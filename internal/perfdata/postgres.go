package perfdata

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/admetrica/report-orchestrator/internal/report"
)

// PostgresSource queries the ad_performance fact table.
type PostgresSource struct {
	pool *pgxpool.Pool
}

// NewPostgresSource connects to the performance database.
func NewPostgresSource(ctx context.Context, dsn string) (*PostgresSource, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &PostgresSource{pool: pool}, nil
}

func (s *PostgresSource) HasData(ctx context.Context, accountID string, windowStart time.Time, agg report.Aggregation) (bool, error) {
	query := `
		SELECT EXISTS(
			SELECT 1 FROM ad_performance
			WHERE account_id = $1
			  AND window_start >= $2 AND window_start < $3
		)
	`

	var exists bool
	err := s.pool.QueryRow(ctx, query, accountID, windowStart, windowStart.Add(agg.Step())).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("has data: %w", err)
	}
	return exists, nil
}

// Close releases database connections.
func (s *PostgresSource) Close() error {
	s.pool.Close()
	return nil
}

// MemorySource is an in-memory performance source for dev mode and tests.
type MemorySource struct {
	mu      sync.Mutex
	windows map[string]bool
}

// NewMemorySource creates an empty in-memory source.
func NewMemorySource() *MemorySource {
	return &MemorySource{windows: make(map[string]bool)}
}

// MarkData records that performance data exists for an account window.
func (s *MemorySource) MarkData(accountID string, windowStart time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.windows[accountID+"|"+windowStart.UTC().Format(time.RFC3339)] = true
}

func (s *MemorySource) HasData(_ context.Context, accountID string, windowStart time.Time, agg report.Aggregation) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Scan hour marks inside the window so daily lookups see hourly facts.
	for t := windowStart.UTC(); t.Before(windowStart.Add(agg.Step())); t = t.Add(time.Hour) {
		if s.windows[accountID+"|"+t.Format(time.RFC3339)] {
			return true, nil
		}
	}
	return false, nil
}
