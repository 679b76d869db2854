// Package eligibility decides whether a report dataset window is worth
// (re)fetching at a given instant. The decision is a pure function of the
// window, the country timezone, and the row's last creation timestamp:
// no I/O, no clock reads.
//
// Each aggregation has a fixed ascending list of checkpoint offsets (hours
// since window start) at which upstream attribution data is expected to have
// materially changed. A window is eligible when its age lands within ±1h of
// a checkpoint that no report creation has reached yet.
package eligibility

import (
	"sync"
	"time"

	"github.com/admetrica/report-orchestrator/internal/report"
)

// Default checkpoint offsets in hours since window start.
var (
	defaultDailyOffsets  = []int{24, 72, 120, 168, 336, 720} // 1, 3, 5, 7, 14, 30 days
	defaultHourlyOffsets = []int{24, 72, 312}                // 1, 3, 13 days
)

// offsetTolerance absorbs clock skew between the scheduler tick and the
// window boundary. Applied uniformly to both aggregations.
const offsetTolerance = 1

// Config overrides the built-in offset lists and timezone table. Zero values
// keep the defaults.
type Config struct {
	DailyOffsets  []int             `yaml:"daily_offsets"`
	HourlyOffsets []int             `yaml:"hourly_offsets"`
	Zones         map[string]string `yaml:"zones"` // country code -> IANA zone
}

// Engine evaluates eligibility. Safe for concurrent use.
type Engine struct {
	dailyOffsets  []int
	hourlyOffsets []int
	zoneOverrides map[string]string

	mu        sync.RWMutex
	zoneCache map[string]*time.Location
}

// New builds an engine from config, falling back to defaults for anything
// unset.
func New(cfg Config) *Engine {
	e := &Engine{
		dailyOffsets:  defaultDailyOffsets,
		hourlyOffsets: defaultHourlyOffsets,
		zoneOverrides: cfg.Zones,
		zoneCache:     make(map[string]*time.Location),
	}
	if len(cfg.DailyOffsets) > 0 {
		e.dailyOffsets = cfg.DailyOffsets
	}
	if len(cfg.HourlyOffsets) > 0 {
		e.hourlyOffsets = cfg.HourlyOffsets
	}
	return e
}

// Offsets returns the checkpoint list for an aggregation.
func (e *Engine) Offsets(agg report.Aggregation) []int {
	if agg == report.AggregationDaily {
		return e.dailyOffsets
	}
	return e.hourlyOffsets
}

// IsEligible reports whether the window should be (re)fetched at instant now.
//
// lastCreatedLocal is the row's lastReportCreatedAt: a naive wall-clock
// timestamp in the country's reporting timezone, nil if no report has ever
// been created. It is reinterpreted in the country zone to recover the
// creation instant before comparing ages.
func (e *Engine) IsEligible(key report.Key, lastCreatedLocal *time.Time, now time.Time) bool {
	age := hoursSince(key.WindowStart, now)
	if age < 0 {
		// Window is in the future.
		return false
	}

	offset, ok := matchOffset(e.Offsets(key.Aggregation), age)
	if !ok {
		return false
	}

	if lastCreatedLocal == nil {
		return true
	}

	createdAt := e.instantFromLocal(*lastCreatedLocal, key.CountryCode)
	ageAtLastCreation := hoursSince(key.WindowStart, createdAt)

	// Eligible only if no report was created at this checkpoint or later.
	return ageAtLastCreation < offset
}

// LocalWallTime converts an instant to the naive wall-clock time recorded in
// lastReportCreatedAt: the country-local reading with the location stripped.
func (e *Engine) LocalWallTime(now time.Time, countryCode string) time.Time {
	local := now.In(e.Location(countryCode))
	return time.Date(local.Year(), local.Month(), local.Day(),
		local.Hour(), local.Minute(), local.Second(), local.Nanosecond(), time.UTC)
}

// instantFromLocal reverses LocalWallTime: a naive wall-clock value is
// reinterpreted in the country zone to recover the instant it was recorded.
func (e *Engine) instantFromLocal(wall time.Time, countryCode string) time.Time {
	loc := e.Location(countryCode)
	return time.Date(wall.Year(), wall.Month(), wall.Day(),
		wall.Hour(), wall.Minute(), wall.Second(), wall.Nanosecond(), loc)
}

// hoursSince is the whole-hour age of the window at instant t.
func hoursSince(windowStart, t time.Time) int {
	d := t.Sub(windowStart)
	if d < 0 {
		return -1
	}
	return int(d / time.Hour)
}

// matchOffset scans the ascending offset list and returns the first
// checkpoint within tolerance of age.
func matchOffset(offsets []int, age int) (int, bool) {
	for _, o := range offsets {
		diff := age - o
		if diff < 0 {
			diff = -diff
		}
		if diff <= offsetTolerance {
			return o, true
		}
	}
	return 0, false
}
