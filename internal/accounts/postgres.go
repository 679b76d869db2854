package accounts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/admetrica/report-orchestrator/internal/report"
)

// PostgresSource reads advertiser accounts from the shared accounts table.
// The table is owned by the account service; no DDL is issued here.
type PostgresSource struct {
	pool *pgxpool.Pool
}

// NewPostgresSource connects to the accounts database.
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

func (s *PostgresSource) ListEnabled(ctx context.Context) ([]Account, error) {
	query := `
		SELECT ads_account_id, profile_id, country_code, enabled
		FROM advertiser_accounts
		WHERE enabled = TRUE
		ORDER BY ads_account_id
	`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list enabled accounts: %w", err)
	}
	defer rows.Close()

	var out []Account
	for rows.Next() {
		var a Account
		if err := rows.Scan(&a.AdsAccountID, &a.ProfileID, &a.CountryCode, &a.Enabled); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresSource) Get(ctx context.Context, adsAccountID string) (Account, error) {
	query := `
		SELECT ads_account_id, profile_id, country_code, enabled
		FROM advertiser_accounts
		WHERE ads_account_id = $1
	`

	var a Account
	err := s.pool.QueryRow(ctx, query, adsAccountID).
		Scan(&a.AdsAccountID, &a.ProfileID, &a.CountryCode, &a.Enabled)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, report.ErrNotFound
		}
		return Account{}, fmt.Errorf("get account %s: %w", adsAccountID, err)
	}
	return a, nil
}

// Close releases database connections.
func (s *PostgresSource) Close() error {
	s.pool.Close()
	return nil
}
