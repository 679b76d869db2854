// Package provider is the thin adapter the orchestrator programs against to
// create and poll asynchronous report jobs upstream. Transport-level
// throttling and credential refresh live in the external client stack, not
// here.
package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/admetrica/report-orchestrator/internal/report"
)

// ReportStatus is the provider-side job status.
type ReportStatus string

const (
	StatusPending   ReportStatus = "PENDING"
	StatusCompleted ReportStatus = "COMPLETED"
	StatusFailed    ReportStatus = "FAILED"
)

// CreateRequest addresses a report creation call.
type CreateRequest struct {
	ProfileID    string
	AdsAccountID string
	WindowStart  time.Time
	Aggregation  report.Aggregation
	EntityType   report.EntityType
}

// CreateResult carries the provider identifier of a newly created report.
type CreateResult struct {
	ReportID string
}

// RetrieveResult is the outcome of polling a report job.
type RetrieveResult struct {
	Status        ReportStatus
	ResultRef     string // download location once COMPLETED
	FailureReason string // provider reason once FAILED
}

// Client creates and polls report jobs upstream. Every call carries an
// explicit timeout through its context; a timeout is a provider failure,
// never left open-ended.
type Client interface {
	CreateReport(ctx context.Context, req CreateRequest) (CreateResult, error)
	RetrieveReport(ctx context.Context, profileID, reportID string) (RetrieveResult, error)
}

// Config selects and configures a provider client.
type Config struct {
	Backend  string // "http" | "stub"
	Endpoint string
	APIKey   string
	Timeout  time.Duration
}

// New creates a provider client based on configuration.
func New(cfg Config) (Client, error) {
	switch cfg.Backend {
	case "http":
		return NewHTTPClient(cfg)
	case "stub", "":
		return NewStubClient(), nil
	default:
		return nil, fmt.Errorf("unknown provider backend %q", cfg.Backend)
	}
}
