package workqueue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InProcQueue is a non-durable, in-process Queue. Dispatch concurrency is
// bounded by a semaphore channel; each schedule runs on its own ticker.
type InProcQueue struct {
	mu        sync.Mutex
	handlers  map[string]Handler
	schedules []scheduleDef
	started   bool

	sem    chan struct{}
	wg     sync.WaitGroup
	cancel context.CancelFunc
	log    *slog.Logger
}

type scheduleDef struct {
	jobName  string
	interval time.Duration
	payload  []byte
}

// NewInProcQueue creates a queue with the given dispatch concurrency bound.
func NewInProcQueue(maxInFlight int) *InProcQueue {
	if maxInFlight < 1 {
		maxInFlight = 1
	}
	return &InProcQueue{
		handlers: make(map[string]Handler),
		sem:      make(chan struct{}, maxInFlight),
		log:      slog.With("component", "workqueue"),
	}
}

// Register binds a handler to a job name.
func (q *InProcQueue) Register(jobName string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[jobName] = h
}

// Emit dispatches one job execution asynchronously and returns its id.
func (q *InProcQueue) Emit(ctx context.Context, jobName string, payload []byte) (string, error) {
	q.mu.Lock()
	h, ok := q.handlers[jobName]
	q.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("no handler registered for job %q", jobName)
	}

	jobID := uuid.NewString()

	select {
	case q.sem <- struct{}{}:
	case <-ctx.Done():
		return "", ctx.Err()
	}

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		defer func() { <-q.sem }()
		q.invoke(ctx, jobName, jobID, h, payload)
	}()

	return jobID, nil
}

// Schedule registers a recurring job. Must be called before Start.
func (q *InProcQueue) Schedule(jobName, cronExpr string, payload []byte) error {
	interval, err := parseCron(cronExpr)
	if err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return fmt.Errorf("schedule %q registered after start", jobName)
	}
	if _, ok := q.handlers[jobName]; !ok {
		return fmt.Errorf("no handler registered for job %q", jobName)
	}
	q.schedules = append(q.schedules, scheduleDef{jobName: jobName, interval: interval, payload: payload})
	return nil
}

// Start launches one ticker per schedule. It returns immediately; delivery
// stops when ctx is canceled or Stop is called.
func (q *InProcQueue) Start(ctx context.Context) error {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return fmt.Errorf("queue already started")
	}
	q.started = true
	schedules := make([]scheduleDef, len(q.schedules))
	copy(schedules, q.schedules)
	q.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	q.cancel = cancel

	for _, def := range schedules {
		def := def
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			ticker := time.NewTicker(def.interval)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if _, err := q.Emit(ctx, def.jobName, def.payload); err != nil && ctx.Err() == nil {
						q.log.Warn("scheduled emit failed", "job", def.jobName, "error", err)
					}
				}
			}
		}()
	}

	q.log.Info("in-process queue started", "schedules", len(schedules))
	return nil
}

// Stop cancels schedules and waits for in-flight handlers.
func (q *InProcQueue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()
}

// invoke runs one handler with panic isolation. Handler errors are logged:
// the next scheduled delivery is the retry.
func (q *InProcQueue) invoke(ctx context.Context, jobName, jobID string, h Handler, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Error("job handler panicked", "job", jobName, "job_id", jobID, "panic", r)
		}
	}()

	if err := h(ctx, payload); err != nil {
		q.log.Warn("job handler failed", "job", jobName, "job_id", jobID, "error", err)
	}
}
