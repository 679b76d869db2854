package ingest

import (
	"context"
	"sync"

	"github.com/admetrica/report-orchestrator/internal/perfdata"
)

// MemoryWriter keeps facts in memory for dev mode and tests. When given a
// perfdata memory source it marks ingested windows there, so backfill probes
// see the same data the router accepted.
type MemoryWriter struct {
	mu    sync.Mutex
	facts []Fact
	perf  *perfdata.MemorySource
}

// NewMemoryWriter creates a writer; perf may be nil.
func NewMemoryWriter(perf *perfdata.MemorySource) *MemoryWriter {
	return &MemoryWriter{perf: perf}
}

func (w *MemoryWriter) Upsert(_ context.Context, fact Fact) error {
	w.mu.Lock()
	w.facts = append(w.facts, fact)
	w.mu.Unlock()

	if w.perf != nil {
		w.perf.MarkData(fact.AccountID, fact.WindowStart)
	}
	return nil
}

// Facts returns a copy of everything written so far.
func (w *MemoryWriter) Facts() []Fact {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Fact, len(w.facts))
	copy(out, w.facts)
	return out
}
