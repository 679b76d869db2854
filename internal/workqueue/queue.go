// Package workqueue defines the contract the orchestrator's entry points
// are invoked through. The durable queue is an external collaborator that
// guarantees at-least-once delivery; every registered handler must therefore
// be idempotent (the metadata store's TryAcquire provides that for all
// lifecycle handlers).
//
// The in-process queue below serves dev mode and single-instance
// deployments: fixed-interval schedules, bounded concurrent dispatch, no
// durability.
package workqueue

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/admetrica/report-orchestrator/internal/report"
)

// Handler processes one delivered job payload.
type Handler func(ctx context.Context, payload []byte) error

// Queue is the work queue contract.
type Queue interface {
	// Register binds a handler to a job name. Must be called before Start.
	Register(jobName string, h Handler)

	// Emit enqueues one job execution and returns its job id.
	Emit(ctx context.Context, jobName string, payload []byte) (string, error)

	// Schedule registers a recurring job. cronExpr supports the "@hourly"
	// and "@every <duration>" forms.
	Schedule(jobName, cronExpr string, payload []byte) error

	// Start begins delivering scheduled jobs until ctx is canceled.
	Start(ctx context.Context) error

	// Stop drains schedules and waits for in-flight handlers.
	Stop()
}

// parseCron resolves the supported schedule expressions to an interval.
func parseCron(expr string) (time.Duration, error) {
	switch {
	case expr == "@hourly":
		return time.Hour, nil
	case strings.HasPrefix(expr, "@every "):
		d, err := time.ParseDuration(strings.TrimPrefix(expr, "@every "))
		if err != nil {
			return 0, report.NewValidationError(fmt.Sprintf("bad schedule %q: %v", expr, err))
		}
		if d <= 0 {
			return 0, report.NewValidationError(fmt.Sprintf("bad schedule %q: interval must be positive", expr))
		}
		return d, nil
	default:
		return 0, report.NewValidationError(fmt.Sprintf("unsupported schedule expression %q", expr))
	}
}
