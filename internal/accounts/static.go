package accounts

import (
	"context"

	"github.com/admetrica/report-orchestrator/internal/report"
)

// StaticSource serves a fixed account list. Used in dev mode and tests.
type StaticSource struct {
	accounts []Account
}

// NewStaticSource creates a source over a fixed slice.
func NewStaticSource(accts []Account) *StaticSource {
	return &StaticSource{accounts: accts}
}

func (s *StaticSource) ListEnabled(_ context.Context) ([]Account, error) {
	var out []Account
	for _, a := range s.accounts {
		if a.Enabled {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *StaticSource) Get(_ context.Context, adsAccountID string) (Account, error) {
	for _, a := range s.accounts {
		if a.AdsAccountID == adsAccountID {
			return a, nil
		}
	}
	return Account{}, report.ErrNotFound
}
