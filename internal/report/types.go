// Package report defines the domain model for advertising report datasets:
// window keys, metadata rows, lifecycle statuses, and the events the
// orchestrator emits as rows move through the state machine.
package report

import (
	"fmt"
	"time"
)

// Aggregation is the window granularity of a report dataset.
type Aggregation string

const (
	AggregationHourly Aggregation = "hourly"
	AggregationDaily  Aggregation = "daily"
)

// ParseAggregation validates a string against the closed aggregation set.
func ParseAggregation(s string) (Aggregation, error) {
	switch Aggregation(s) {
	case AggregationHourly:
		return AggregationHourly, nil
	case AggregationDaily:
		return AggregationDaily, nil
	}
	return "", NewValidationError(fmt.Sprintf("unknown aggregation %q", s))
}

// Valid reports whether the aggregation is a member of the closed set.
func (a Aggregation) Valid() bool {
	return a == AggregationHourly || a == AggregationDaily
}

// Step returns the window size. Windows are UTC-aligned, so a fixed 24h step
// is exact for daily aggregation (UTC has no DST transitions).
func (a Aggregation) Step() time.Duration {
	if a == AggregationDaily {
		return 24 * time.Hour
	}
	return time.Hour
}

// Align truncates t down to the aggregation boundary in UTC.
func (a Aggregation) Align(t time.Time) time.Time {
	u := t.UTC()
	if a == AggregationDaily {
		return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
	}
	return u.Truncate(time.Hour)
}

// Retention returns how far back the backfill enumerator materializes
// metadata rows for this aggregation.
func (a Aggregation) Retention() time.Duration {
	if a == AggregationDaily {
		return 450 * 24 * time.Hour
	}
	return 14 * 24 * time.Hour
}

// CheckInterval returns how long a row rests after a state-machine write
// before FindDue offers it again.
func (a Aggregation) CheckInterval() time.Duration {
	if a == AggregationDaily {
		return time.Hour
	}
	return 15 * time.Minute
}

// EntityType is the report content dimension.
type EntityType string

const (
	EntityTarget  EntityType = "target"
	EntityProduct EntityType = "product"
)

// ParseEntityType validates a string against the closed entity-type set.
func ParseEntityType(s string) (EntityType, error) {
	switch EntityType(s) {
	case EntityTarget:
		return EntityTarget, nil
	case EntityProduct:
		return EntityProduct, nil
	}
	return "", NewValidationError(fmt.Sprintf("unknown entity type %q", s))
}

// Valid reports whether the entity type is a member of the closed set.
func (e EntityType) Valid() bool {
	return e == EntityTarget || e == EntityProduct
}

// Status is the lifecycle state of a dataset window.
type Status string

const (
	StatusMissing   Status = "missing"
	StatusFetching  Status = "fetching"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Valid reports whether the status is a member of the closed set.
func (s Status) Valid() bool {
	switch s {
	case StatusMissing, StatusFetching, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether the status ends a cycle (only a new explicit
// cycle may leave it).
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Key is the composite identity of a dataset window. One metadata row exists
// per key. WindowStart is always UTC and aligned to the aggregation boundary.
type Key struct {
	AccountID   string
	CountryCode string
	WindowStart time.Time
	Aggregation Aggregation
	EntityType  EntityType
}

// NewKey builds a validated key. The window start is normalized to UTC and
// must sit exactly on the aggregation boundary.
func NewKey(accountID, countryCode string, windowStart time.Time, agg Aggregation, entity EntityType) (Key, error) {
	if accountID == "" {
		return Key{}, NewValidationError("account id is required")
	}
	if countryCode == "" {
		return Key{}, NewValidationError("country code is required")
	}
	if !agg.Valid() {
		return Key{}, NewValidationError(fmt.Sprintf("unknown aggregation %q", agg))
	}
	if !entity.Valid() {
		return Key{}, NewValidationError(fmt.Sprintf("unknown entity type %q", entity))
	}
	ws := windowStart.UTC()
	if !agg.Align(ws).Equal(ws) {
		return Key{}, NewValidationError(fmt.Sprintf("window start %s is not aligned to %s boundary", ws.Format(time.RFC3339), agg))
	}
	return Key{
		AccountID:   accountID,
		CountryCode: countryCode,
		WindowStart: ws,
		Aggregation: agg,
		EntityType:  entity,
	}, nil
}

// String renders the key in its canonical log form.
func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s/%s/%s",
		k.AccountID, k.CountryCode, k.WindowStart.Format("2006-01-02T15"), k.Aggregation, k.EntityType)
}

// Metadata is one durable state row per dataset window.
//
// All timestamps are UTC except LastReportCreatedAt, which is deliberately a
// naive local timestamp in the window's country timezone: it is compared
// against checkpoint offsets by the eligibility engine, which reinterprets it
// in the country zone. The asymmetry is load-bearing; do not normalize it.
type Metadata struct {
	Key Key

	Status     Status
	Refreshing bool
	ReportID   string

	LastRefreshed       time.Time
	LastReportCreatedAt *time.Time // naive local wall time, nil until first creation
	NextCheckAt         time.Time
	CreatedAt           time.Time

	Error string
}

// Clone returns a deep copy of the row. Event payloads and store reads hand
// out clones so callers cannot mutate shared state.
func (m Metadata) Clone() Metadata {
	c := m
	if m.LastReportCreatedAt != nil {
		t := *m.LastReportCreatedAt
		c.LastReportCreatedAt = &t
	}
	return c
}
