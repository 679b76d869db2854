package ingest

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// PostgresWriter persists facts into the ad_performance table.
type PostgresWriter struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

// NewPostgresWriter connects, verifies the connection, and ensures the fact
// table exists.
func NewPostgresWriter(ctx context.Context, dsn string) (*PostgresWriter, error) {
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
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	log := slog.With("component", "ingest")
	log.Info("connected to postgres fact table")
	return &PostgresWriter{pool: pool, log: log}, nil
}

// Upsert writes one fact. Replayed stream records for the same key simply
// overwrite the metric columns.
func (w *PostgresWriter) Upsert(ctx context.Context, fact Fact) error {
	query := `
		INSERT INTO ad_performance (
			account_id, entity_id, window_start, dataset,
			clicks, impressions, cost_micros,
			conversions, attributed_sales_micros, budget_usage_percent,
			updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())
		ON CONFLICT (account_id, entity_id, window_start, dataset)
		DO UPDATE SET
			clicks                  = EXCLUDED.clicks,
			impressions             = EXCLUDED.impressions,
			cost_micros             = EXCLUDED.cost_micros,
			conversions             = EXCLUDED.conversions,
			attributed_sales_micros = EXCLUDED.attributed_sales_micros,
			budget_usage_percent    = EXCLUDED.budget_usage_percent,
			updated_at              = now()
	`

	_, err := w.pool.Exec(ctx, query,
		fact.AccountID,
		fact.EntityID,
		fact.WindowStart,
		fact.Dataset,
		fact.Clicks,
		fact.Impressions,
		fact.CostMicros,
		fact.Conversions,
		fact.AttributedSalesMicros,
		fact.BudgetUsagePercent,
	)
	if err != nil {
		return fmt.Errorf("upsert fact %s/%s@%s: %w", fact.AccountID, fact.Dataset, fact.WindowStart.Format(time.RFC3339), err)
	}
	return nil
}

// Close releases database connections.
func (w *PostgresWriter) Close() error {
	w.pool.Close()
	return nil
}
