package eligibility

import (
	"testing"
	"time"

	"github.com/admetrica/report-orchestrator/internal/report"
)

func mustKey(t *testing.T, country string, window time.Time, agg report.Aggregation) report.Key {
	t.Helper()
	key, err := report.NewKey("acct-1", country, window, agg, report.EntityTarget)
	if err != nil {
		t.Fatalf("NewKey failed: %v", err)
	}
	return key
}

func TestIsEligibleOffsetMatch(t *testing.T) {
	e := New(Config{})
	window := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	key := mustKey(t, "GB", window, report.AggregationHourly)

	tests := []struct {
		name string
		age  time.Duration
		want bool
	}{
		{"before first checkpoint", 10 * time.Hour, false},
		{"first checkpoint exact", 24 * time.Hour, true},
		{"within tolerance below", 23 * time.Hour, true},
		{"within tolerance above", 25 * time.Hour, true},
		{"between checkpoints", 48 * time.Hour, false},
		{"second checkpoint", 72 * time.Hour, true},
		{"outside tolerance", 75 * time.Hour, false},
		{"last checkpoint", 312 * time.Hour, true},
		{"past all checkpoints", 400 * time.Hour, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			now := window.Add(tt.age)
			if got := e.IsEligible(key, nil, now); got != tt.want {
				t.Errorf("IsEligible(age=%v) = %v, want %v", tt.age, got, tt.want)
			}
		})
	}
}

func TestIsEligibleFutureWindow(t *testing.T) {
	e := New(Config{})
	window := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	key := mustKey(t, "US", window, report.AggregationDaily)

	now := window.Add(-2 * time.Hour)
	if e.IsEligible(key, nil, now) {
		t.Error("future window must never be eligible")
	}
}

// Scenario: daily window 2024-01-01T00:00Z, country America/Los_Angeles,
// now 2024-01-04T09:00Z. Age is 81h, which is not within ±1h of any daily
// checkpoint.
func TestIsEligibleDailyLosAngelesNoMatch(t *testing.T) {
	e := New(Config{})
	window := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	key := mustKey(t, "US", window, report.AggregationDaily)

	now := time.Date(2024, 1, 4, 9, 0, 0, 0, time.UTC)
	if e.IsEligible(key, nil, now) {
		t.Error("age 81h should not match any daily checkpoint")
	}
}

func TestIsEligibleMonotonicGuard(t *testing.T) {
	e := New(Config{})
	window := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	key := mustKey(t, "US", window, report.AggregationHourly)

	// A report was created at the 72h checkpoint; the recorded timestamp is
	// the country-local wall clock at that instant.
	createdAt := window.Add(72 * time.Hour)
	createdLocal := e.LocalWallTime(createdAt, "US")

	// Still inside the 72h tolerance window: not eligible again.
	now := window.Add(73 * time.Hour)
	if e.IsEligible(key, &createdLocal, now) {
		t.Error("checkpoint 72h already covered, must not be eligible")
	}

	// Next checkpoint (312h): eligible again.
	now = window.Add(312 * time.Hour)
	if !e.IsEligible(key, &createdLocal, now) {
		t.Error("next checkpoint after last creation must be eligible")
	}

	// Creation at the last checkpoint ends the schedule.
	createdAt = window.Add(312 * time.Hour)
	createdLocal = e.LocalWallTime(createdAt, "US")
	if e.IsEligible(key, &createdLocal, now) {
		t.Error("no checkpoint left after the last one")
	}
}

func TestIsEligibleNullLastCreation(t *testing.T) {
	e := New(Config{})
	window := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	key := mustKey(t, "JP", window, report.AggregationHourly)

	now := window.Add(72 * time.Hour)
	if !e.IsEligible(key, nil, now) {
		t.Error("window at a checkpoint with no prior creation must be eligible")
	}
}

func TestLocalWallTimeRoundTrip(t *testing.T) {
	e := New(Config{})
	instant := time.Date(2024, 1, 4, 9, 30, 0, 0, time.UTC)

	wall := e.LocalWallTime(instant, "US")
	// 09:30 UTC is 01:30 in Los Angeles (UTC-8 in January).
	if wall.Hour() != 1 || wall.Minute() != 30 {
		t.Errorf("LocalWallTime = %v, want 01:30 wall clock", wall)
	}

	back := e.instantFromLocal(wall, "US")
	if !back.Equal(instant) {
		t.Errorf("round trip = %v, want %v", back, instant)
	}
}

func TestLocationFallbacks(t *testing.T) {
	e := New(Config{Zones: map[string]string{"XX": "Europe/Berlin"}})

	if got := e.Location("ZZ").String(); got != "UTC" {
		t.Errorf("unknown country = %s, want UTC", got)
	}
	if got := e.Location("XX").String(); got != "Europe/Berlin" {
		t.Errorf("override = %s, want Europe/Berlin", got)
	}
	if got := e.Location("JP").String(); got != "Asia/Tokyo" {
		t.Errorf("builtin = %s, want Asia/Tokyo", got)
	}
}

func TestConfigOverridesOffsets(t *testing.T) {
	e := New(Config{HourlyOffsets: []int{6}})
	window := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	key := mustKey(t, "GB", window, report.AggregationHourly)

	if !e.IsEligible(key, nil, window.Add(6*time.Hour)) {
		t.Error("override checkpoint 6h should be eligible")
	}
	if e.IsEligible(key, nil, window.Add(24*time.Hour)) {
		t.Error("default checkpoint should be replaced by override")
	}
}
