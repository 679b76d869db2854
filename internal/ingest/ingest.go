// Package ingest routes raw performance stream records to the fact table.
// The set of dataset tags is closed: records carrying an unknown tag are
// dead-lettered, never guessed at. One bad record never aborts a batch.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/admetrica/report-orchestrator/internal/deadletter"
	"github.com/admetrica/report-orchestrator/internal/metrics"
)

// Dataset tags accepted by the router.
const (
	DatasetTraffic     = "sp-traffic"
	DatasetConversion  = "sp-conversion"
	DatasetBudgetUsage = "budget-usage"
)

// Record is one raw stream record: a dataset tag plus an opaque payload.
type Record struct {
	Tag     string          `json:"tag"`
	Payload json.RawMessage `json:"payload"`
}

// Fact is a normalized performance row ready for the fact table. Metric
// fields are populated per dataset; the rest stay zero.
type Fact struct {
	Dataset     string
	AccountID   string
	EntityID    string
	WindowStart time.Time

	Clicks                int64
	Impressions           int64
	CostMicros            int64
	Conversions           int64
	AttributedSalesMicros int64
	BudgetUsagePercent    float64
}

// Writer persists normalized facts.
type Writer interface {
	Upsert(ctx context.Context, fact Fact) error
}

// parser validates a raw payload and normalizes it into a fact.
type parser func(payload []byte) (Fact, error)

// datasets is the closed dispatch table: one parser per known tag.
var datasets = map[string]parser{
	DatasetTraffic:     parseTraffic,
	DatasetConversion:  parseConversion,
	DatasetBudgetUsage: parseBudgetUsage,
}

// Summary counts the outcome of one batch.
type Summary struct {
	Upserted   int
	DeadLetter int
}

// Router validates and persists stream records, dead-lettering rejects.
type Router struct {
	writer     Writer
	deadletter deadletter.Sink
	metrics    *metrics.Metrics
	log        *slog.Logger
	now        func() time.Time
}

// NewRouter creates an ingest router. metrics may be nil.
func NewRouter(w Writer, dl deadletter.Sink, m *metrics.Metrics) *Router {
	return &Router{
		writer:     w,
		deadletter: dl,
		metrics:    m,
		log:        slog.With("component", "ingest"),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Process routes every record of the batch. Rejects are dead-lettered and
// counted; they never abort the remaining records. The returned error is
// non-nil only when the context is canceled mid-batch.
func (r *Router) Process(ctx context.Context, records []Record) (Summary, error) {
	var sum Summary
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return sum, err
		}

		parse, ok := datasets[rec.Tag]
		if !ok {
			r.reject(ctx, rec, deadletter.ReasonUnknownType, fmt.Sprintf("unknown dataset tag %q", rec.Tag))
			sum.DeadLetter++
			continue
		}

		fact, err := parse(rec.Payload)
		if err != nil {
			r.reject(ctx, rec, deadletter.ReasonInvalidPayload, err.Error())
			sum.DeadLetter++
			continue
		}

		if err := r.writer.Upsert(ctx, fact); err != nil {
			r.reject(ctx, rec, deadletter.ReasonUpsertFailed, err.Error())
			sum.DeadLetter++
			continue
		}

		sum.Upserted++
		if r.metrics != nil {
			r.metrics.IncIngestRecord(rec.Tag)
		}
	}
	return sum, nil
}

// reject records the payload in the dead-letter sink. A sink failure is
// logged and swallowed: ingest must keep draining the batch.
func (r *Router) reject(ctx context.Context, rec Record, reason, detail string) {
	r.log.Warn("record rejected", "tag", rec.Tag, "reason", reason, "detail", detail)
	if r.metrics != nil {
		r.metrics.IncDeadLetter(reason)
	}
	err := r.deadletter.Write(ctx, deadletter.Record{
		Tag:        rec.Tag,
		Reason:     reason,
		Detail:     detail,
		Payload:    rec.Payload,
		ReceivedAt: r.now(),
	})
	if err != nil {
		r.log.Error("dead-letter write failed", "tag", rec.Tag, "error", err)
	}
}

// trafficPayload is the wire shape of an sp-traffic record.
type trafficPayload struct {
	AdsAccountID string    `json:"adsAccountId"`
	EntityID     string    `json:"entityId"`
	Hour         time.Time `json:"hour"`
	Clicks       int64     `json:"clicks"`
	Impressions  int64     `json:"impressions"`
	CostMicros   int64     `json:"costMicros"`
}

func parseTraffic(payload []byte) (Fact, error) {
	var p trafficPayload
	if err := strictUnmarshal(payload, &p); err != nil {
		return Fact{}, err
	}
	if err := requireIdentity(p.AdsAccountID, p.EntityID, p.Hour); err != nil {
		return Fact{}, err
	}
	if p.Clicks < 0 || p.Impressions < 0 || p.CostMicros < 0 {
		return Fact{}, fmt.Errorf("negative traffic metrics")
	}
	return Fact{
		Dataset:     DatasetTraffic,
		AccountID:   p.AdsAccountID,
		EntityID:    p.EntityID,
		WindowStart: p.Hour.UTC().Truncate(time.Hour),
		Clicks:      p.Clicks,
		Impressions: p.Impressions,
		CostMicros:  p.CostMicros,
	}, nil
}

// conversionPayload is the wire shape of an sp-conversion record.
type conversionPayload struct {
	AdsAccountID          string    `json:"adsAccountId"`
	EntityID              string    `json:"entityId"`
	Hour                  time.Time `json:"hour"`
	Conversions           int64     `json:"conversions"`
	AttributedSalesMicros int64     `json:"attributedSalesMicros"`
}

func parseConversion(payload []byte) (Fact, error) {
	var p conversionPayload
	if err := strictUnmarshal(payload, &p); err != nil {
		return Fact{}, err
	}
	if err := requireIdentity(p.AdsAccountID, p.EntityID, p.Hour); err != nil {
		return Fact{}, err
	}
	if p.Conversions < 0 || p.AttributedSalesMicros < 0 {
		return Fact{}, fmt.Errorf("negative conversion metrics")
	}
	return Fact{
		Dataset:               DatasetConversion,
		AccountID:             p.AdsAccountID,
		EntityID:              p.EntityID,
		WindowStart:           p.Hour.UTC().Truncate(time.Hour),
		Conversions:           p.Conversions,
		AttributedSalesMicros: p.AttributedSalesMicros,
	}, nil
}

// budgetUsagePayload is the wire shape of a budget-usage record.
type budgetUsagePayload struct {
	AdsAccountID string    `json:"adsAccountId"`
	EntityID     string    `json:"entityId"`
	Hour         time.Time `json:"hour"`
	UsagePercent float64   `json:"usagePercent"`
}

func parseBudgetUsage(payload []byte) (Fact, error) {
	var p budgetUsagePayload
	if err := strictUnmarshal(payload, &p); err != nil {
		return Fact{}, err
	}
	if err := requireIdentity(p.AdsAccountID, p.EntityID, p.Hour); err != nil {
		return Fact{}, err
	}
	if p.UsagePercent < 0 || p.UsagePercent > 100 {
		return Fact{}, fmt.Errorf("usage percent %v out of range", p.UsagePercent)
	}
	return Fact{
		Dataset:            DatasetBudgetUsage,
		AccountID:          p.AdsAccountID,
		EntityID:           p.EntityID,
		WindowStart:        p.Hour.UTC().Truncate(time.Hour),
		BudgetUsagePercent: p.UsagePercent,
	}, nil
}

func strictUnmarshal(payload []byte, v any) error {
	if len(payload) == 0 {
		return fmt.Errorf("empty payload")
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("malformed payload: %w", err)
	}
	return nil
}

func requireIdentity(accountID, entityID string, hour time.Time) error {
	if accountID == "" {
		return fmt.Errorf("missing adsAccountId")
	}
	if entityID == "" {
		return fmt.Errorf("missing entityId")
	}
	if hour.IsZero() {
		return fmt.Errorf("missing hour")
	}
	return nil
}
