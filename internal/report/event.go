package report

import "time"

// EventType tags a lifecycle transition.
type EventType string

const (
	EventCreated   EventType = "report.created"   // creation call succeeded, row entered fetching
	EventPending   EventType = "report.pending"   // poll returned PENDING, row stays fetching
	EventCompleted EventType = "report.completed" // poll returned COMPLETED
	EventFailed    EventType = "report.failed"    // creation or poll failed
	EventSkipped   EventType = "report.skipped"   // cycle ran but the window was not eligible
)

// Event is the JSON-shaped lifecycle notification broadcast to subscribers.
// It carries the full post-write row snapshot.
type Event struct {
	Type        EventType   `json:"type"`
	AccountID   string      `json:"accountId"`
	CountryCode string      `json:"countryCode"`
	WindowStart time.Time   `json:"windowStart"`
	Aggregation Aggregation `json:"aggregation"`
	EntityType  EntityType  `json:"entityType"`
	Status      Status      `json:"status"`
	ReportID    string      `json:"reportId,omitempty"`
	Error       string      `json:"error,omitempty"`
	Timestamp   time.Time   `json:"timestamp"`
}

// NewEvent builds an event from a post-write row snapshot. The timestamp is
// the server time of emission, not the row's lastRefreshed.
func NewEvent(typ EventType, row Metadata, now time.Time) Event {
	return Event{
		Type:        typ,
		AccountID:   row.Key.AccountID,
		CountryCode: row.Key.CountryCode,
		WindowStart: row.Key.WindowStart,
		Aggregation: row.Key.Aggregation,
		EntityType:  row.Key.EntityType,
		Status:      row.Status,
		ReportID:    row.ReportID,
		Error:       row.Error,
		Timestamp:   now.UTC(),
	}
}
