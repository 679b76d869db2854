package eligibility

import "time"

// countryZones maps marketplace country codes to the IANA zone the
// marketplace reports in. Unknown countries fall back to UTC.
var countryZones = map[string]string{
	"US": "America/Los_Angeles",
	"CA": "America/Los_Angeles",
	"MX": "America/Los_Angeles",
	"BR": "America/Sao_Paulo",
	"GB": "Europe/London",
	"UK": "Europe/London",
	"DE": "Europe/Paris",
	"FR": "Europe/Paris",
	"IT": "Europe/Paris",
	"ES": "Europe/Paris",
	"NL": "Europe/Paris",
	"SE": "Europe/Paris",
	"PL": "Europe/Paris",
	"TR": "Europe/Istanbul",
	"AE": "Asia/Dubai",
	"SA": "Asia/Riyadh",
	"IN": "Asia/Kolkata",
	"SG": "Asia/Singapore",
	"JP": "Asia/Tokyo",
	"AU": "Australia/Sydney",
}

// Location resolves a country code to its reporting timezone, applying any
// configured overrides first. Unknown countries and unloadable zones resolve
// to UTC.
func (e *Engine) Location(countryCode string) *time.Location {
	name, ok := e.zoneOverrides[countryCode]
	if !ok {
		name, ok = countryZones[countryCode]
	}
	if !ok {
		return time.UTC
	}

	e.mu.RLock()
	loc, cached := e.zoneCache[name]
	e.mu.RUnlock()
	if cached {
		return loc
	}

	loc, err := time.LoadLocation(name)
	if err != nil {
		loc = time.UTC
	}
	e.mu.Lock()
	e.zoneCache[name] = loc
	e.mu.Unlock()
	return loc
}
