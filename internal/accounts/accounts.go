// Package accounts reads advertiser account records. The orchestrator only
// consumes them: enabled decides what gets scheduled, profile/ads account IDs
// address report provider calls. Nothing here mutates the entity.
package accounts

import (
	"context"
	"fmt"
)

// Account is an advertiser account as owned by the account service.
type Account struct {
	AdsAccountID string
	ProfileID    string
	CountryCode  string
	Enabled      bool
}

// Source lists and resolves advertiser accounts.
type Source interface {
	// ListEnabled returns all accounts that should be scheduled.
	ListEnabled(ctx context.Context) ([]Account, error)

	// Get resolves one account by its ads account id. Returns
	// report.ErrNotFound if no mapping exists.
	Get(ctx context.Context, adsAccountID string) (Account, error)
}

// Config selects an account source backend.
type Config struct {
	Backend     string // "postgres" | "static"
	PostgresDSN string
	Static      []Account
}

// New creates an account source based on configuration.
func New(ctx context.Context, cfg Config) (Source, error) {
	switch cfg.Backend {
	case "postgres":
		return NewPostgresSource(ctx, cfg.PostgresDSN)
	case "static", "":
		return NewStaticSource(cfg.Static), nil
	default:
		return nil, fmt.Errorf("unknown accounts backend %q", cfg.Backend)
	}
}
