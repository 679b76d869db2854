package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/admetrica/report-orchestrator/internal/report"
)

//go:embed schema.sql
var schemaSQL string

const metadataColumns = `account_id, country_code, window_start, aggregation, entity_type,
	status, refreshing, report_id, last_refreshed, last_report_created_at,
	next_check_at, created_at, COALESCE(error, '')`

// PostgresStore implements MetadataStore on PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

// NewPostgresStore connects, verifies the connection, and ensures the schema
// exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}
	poolCfg.MaxConns = 10
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
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

	log := slog.With("component", "store")
	log.Info("connected to postgres metadata store")
	return &PostgresStore{pool: pool, log: log}, nil
}

// Upsert inserts the row if absent; an existing row wins and is returned
// unchanged.
func (s *PostgresStore) Upsert(ctx context.Context, md report.Metadata) (report.Metadata, error) {
	query := `
		INSERT INTO report_dataset_metadata (
			account_id, country_code, window_start, aggregation, entity_type,
			status, refreshing, report_id, last_refreshed, last_report_created_at,
			next_check_at, error
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (account_id, country_code, window_start, aggregation, entity_type)
		DO NOTHING
	`

	_, err := s.pool.Exec(ctx, query,
		md.Key.AccountID,
		md.Key.CountryCode,
		md.Key.WindowStart,
		string(md.Key.Aggregation),
		string(md.Key.EntityType),
		string(md.Status),
		md.Refreshing,
		md.ReportID,
		md.LastRefreshed,
		md.LastReportCreatedAt,
		md.NextCheckAt,
		nullableError(md.Error),
	)
	if err != nil {
		return report.Metadata{}, &report.PersistenceError{Op: "upsert", Err: err}
	}

	return s.Get(ctx, md.Key)
}

// Get returns the row for key.
func (s *PostgresStore) Get(ctx context.Context, key report.Key) (report.Metadata, error) {
	query := `
		SELECT ` + metadataColumns + `
		FROM report_dataset_metadata
		WHERE account_id = $1 AND country_code = $2 AND window_start = $3
		  AND aggregation = $4 AND entity_type = $5
	`

	row := s.pool.QueryRow(ctx, query,
		key.AccountID, key.CountryCode, key.WindowStart,
		string(key.Aggregation), string(key.EntityType))

	md, err := scanMetadata(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return report.Metadata{}, report.ErrNotFound
		}
		return report.Metadata{}, &report.PersistenceError{Op: "get", Err: err}
	}
	return md, nil
}

// FindDue returns non-refreshing rows past their next-check time inside the
// filter's window bound.
func (s *PostgresStore) FindDue(ctx context.Context, now time.Time, f Filter) ([]report.Metadata, error) {
	query := `
		SELECT ` + metadataColumns + `
		FROM report_dataset_metadata
		WHERE refreshing = FALSE
		  AND next_check_at <= $1
		  AND window_start >= $2 AND window_start < $3
	`
	args := []any{now, f.WindowFrom, f.WindowTo}
	query, args = appendFilter(query, args, f)
	query += ` ORDER BY window_start`
	if f.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, f.Limit)
	}

	return s.queryRows(ctx, "find_due", query, args)
}

// FindFetching returns the poll sweep's work list.
func (s *PostgresStore) FindFetching(ctx context.Context, f Filter) ([]report.Metadata, error) {
	query := `
		SELECT ` + metadataColumns + `
		FROM report_dataset_metadata
		WHERE refreshing = FALSE
		  AND status = 'fetching'
		  AND report_id <> ''
		  AND window_start >= $1 AND window_start < $2
	`
	args := []any{f.WindowFrom, f.WindowTo}
	query, args = appendFilter(query, args, f)
	query += ` ORDER BY window_start`
	if f.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, f.Limit)
	}

	return s.queryRows(ctx, "find_fetching", query, args)
}

// TryAcquire flips refreshing false->true using a conditional update;
// affected-row count decides ownership.
func (s *PostgresStore) TryAcquire(ctx context.Context, key report.Key, now time.Time) (bool, error) {
	query := `
		UPDATE report_dataset_metadata
		SET refreshing = TRUE, last_refreshed = $6
		WHERE account_id = $1 AND country_code = $2 AND window_start = $3
		  AND aggregation = $4 AND entity_type = $5
		  AND refreshing = FALSE
	`

	tag, err := s.pool.Exec(ctx, query,
		key.AccountID, key.CountryCode, key.WindowStart,
		string(key.Aggregation), string(key.EntityType), now)
	if err != nil {
		return false, &report.PersistenceError{Op: "tryacquire", Err: err}
	}
	return tag.RowsAffected() == 1, nil
}

// Release writes refreshing=false plus fields in one statement and returns
// the post-write row.
func (s *PostgresStore) Release(ctx context.Context, key report.Key, now time.Time, fields ReleaseFields) (report.Metadata, error) {
	query := `
		UPDATE report_dataset_metadata
		SET refreshing = FALSE,
		    last_refreshed = $6,
		    next_check_at = $7,
		    status = COALESCE($8, status),
		    report_id = COALESCE($9, report_id),
		    last_report_created_at = COALESCE($10, last_report_created_at),
		    error = CASE WHEN $11::BOOLEAN THEN NULLIF($12, '') ELSE error END
		WHERE account_id = $1 AND country_code = $2 AND window_start = $3
		  AND aggregation = $4 AND entity_type = $5
		RETURNING ` + metadataColumns + `
	`

	var statusArg *string
	if fields.Status != nil {
		v := string(*fields.Status)
		statusArg = &v
	}
	setError := fields.Error != nil
	var errorArg string
	if setError {
		errorArg = *fields.Error
	}

	row := s.pool.QueryRow(ctx, query,
		key.AccountID, key.CountryCode, key.WindowStart,
		string(key.Aggregation), string(key.EntityType),
		now, now.Add(key.Aggregation.CheckInterval()),
		statusArg, fields.ReportID, fields.LastReportCreatedAt,
		setError, errorArg)

	md, err := scanMetadata(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return report.Metadata{}, report.ErrNotFound
		}
		return report.Metadata{}, &report.PersistenceError{Op: "release", Err: err}
	}
	return md, nil
}

// Close releases database connections.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) queryRows(ctx context.Context, op, query string, args []any) ([]report.Metadata, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, &report.PersistenceError{Op: op, Err: err}
	}
	defer rows.Close()

	var out []report.Metadata
	for rows.Next() {
		md, err := scanMetadata(rows)
		if err != nil {
			return nil, &report.PersistenceError{Op: op, Err: err}
		}
		out = append(out, md)
	}
	if err := rows.Err(); err != nil {
		return nil, &report.PersistenceError{Op: op, Err: err}
	}
	return out, nil
}

// appendFilter adds the optional filter predicates to a query.
func appendFilter(query string, args []any, f Filter) (string, []any) {
	if f.AccountID != "" {
		args = append(args, f.AccountID)
		query += fmt.Sprintf(" AND account_id = $%d", len(args))
	}
	if f.Aggregation != "" {
		args = append(args, string(f.Aggregation))
		query += fmt.Sprintf(" AND aggregation = $%d", len(args))
	}
	if f.EntityType != "" {
		args = append(args, string(f.EntityType))
		query += fmt.Sprintf(" AND entity_type = $%d", len(args))
	}
	return query, args
}

func scanMetadata(row pgx.Row) (report.Metadata, error) {
	var (
		md          report.Metadata
		agg, entity string
		status      string
		lastCreated *time.Time
	)

	err := row.Scan(
		&md.Key.AccountID, &md.Key.CountryCode, &md.Key.WindowStart, &agg, &entity,
		&status, &md.Refreshing, &md.ReportID, &md.LastRefreshed, &lastCreated,
		&md.NextCheckAt, &md.CreatedAt, &md.Error,
	)
	if err != nil {
		return report.Metadata{}, err
	}

	md.Key.WindowStart = md.Key.WindowStart.UTC()
	md.Key.Aggregation = report.Aggregation(agg)
	md.Key.EntityType = report.EntityType(entity)
	md.Status = report.Status(status)
	if lastCreated != nil {
		// timestamp without time zone scans with a UTC location; keep the
		// naive wall-clock reading as-is.
		t := lastCreated.UTC()
		md.LastReportCreatedAt = &t
	}
	return md, nil
}

func nullableError(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
