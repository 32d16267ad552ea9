package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	otelmetrics "github.com/engramhq/engram/internal/adapter/otel"
	"github.com/engramhq/engram/internal/domain/memory"
	"github.com/engramhq/engram/internal/port/messagequeue"
)

// TagIngestion marks every record produced by an ingestion run.
const TagIngestion = "ingestion"

// Category tags applied to ingested records.
const (
	TagSummary    = "summary"
	TagFact       = "fact"
	TagDecision   = "decision"
	TagActionItem = "action-item"
)

// TagToolInteraction marks records ingested from agent tool calls.
const TagToolInteraction = "tool-interaction"

// Ingestion turns raw content into categorized memory records: one
// compaction pass, then one record per extracted item, tagged with the
// ingestion marker, the category, the source and any caller-supplied tags.
type Ingestion struct {
	compactor *Compactor
	orch      *Orchestrator
	queue     messagequeue.Queue // nil disables event publication
	metrics   *otelmetrics.Metrics
	log       *slog.Logger
}

// NewIngestion creates an ingestion manager. queue and metrics may be nil.
func NewIngestion(compactor *Compactor, orch *Orchestrator, queue messagequeue.Queue, metrics *otelmetrics.Metrics, log *slog.Logger) *Ingestion {
	return &Ingestion{
		compactor: compactor,
		orch:      orch,
		queue:     queue,
		metrics:   metrics,
		log:       log.With("component", "ingestion"),
	}
}

// Ingest compacts content and stores the extracted knowledge. extraTags are
// attached to every stored record on top of the standard ones. It never
// returns an error: failures are reported in the result so background
// callers can log and move on.
func (s *Ingestion) Ingest(ctx context.Context, source, content string, extraTags []string) memory.IngestionResult {
	start := time.Now()
	cc, err := s.compactor.Compact(ctx, content, source)
	if s.metrics != nil {
		s.metrics.CompactDuration.Record(ctx, time.Since(start).Seconds())
	}
	if err != nil {
		return memory.IngestionResult{
			Success:   false,
			Error:     err.Error(),
			MemoryIDs: []string{},
		}
	}
	if cc.IsEmpty() {
		return memory.IngestionResult{
			Success:   false,
			Error:     "compaction produced no content",
			MemoryIDs: []string{},
		}
	}

	result := memory.IngestionResult{
		Success:     true,
		Summary:     cc.Summary,
		Facts:       cc.Facts,
		Decisions:   cc.Decisions,
		ActionItems: cc.ActionItems,
		MemoryIDs:   []string{},
	}

	store := func(text, category string) {
		rec, err := s.orch.Remember(ctx, text, s.tags(category, source, extraTags), "")
		if err != nil {
			s.log.Warn("ingestion store failed", "category", category, "error", err)
			return
		}
		result.MemoryIDs = append(result.MemoryIDs, rec.ID)
	}

	if cc.Summary != "" {
		store(cc.Summary, TagSummary)
	}
	for _, fact := range cc.Facts {
		store(fact, TagFact)
	}
	for _, d := range cc.Decisions {
		store(d, TagDecision)
	}
	for _, a := range cc.ActionItems {
		store(a, TagActionItem)
	}

	if s.metrics != nil {
		s.metrics.Ingestions.Add(ctx, 1)
	}
	s.publishResult(ctx, source, result)

	return result
}

// IngestInteraction ingests one completed tool call from the agent loop.
func (s *Ingestion) IngestInteraction(ctx context.Context, tool, args, result string) memory.IngestionResult {
	content := fmt.Sprintf("Tool %s was called with %s and returned: %s", tool, args, result)
	return s.Ingest(ctx, "agent-loop", content, []string{TagToolInteraction})
}

func (s *Ingestion) tags(category, source string, extra []string) []string {
	tags := []string{TagIngestion, category}
	if source != "" {
		tags = append(tags, source)
	}
	return append(tags, extra...)
}

func (s *Ingestion) publishResult(ctx context.Context, source string, result memory.IngestionResult) {
	if s.queue == nil {
		return
	}
	payload, err := json.Marshal(map[string]any{
		"source":     source,
		"memory_ids": result.MemoryIDs,
	})
	if err != nil {
		return
	}
	if err := s.queue.Publish(ctx, messagequeue.SubjectMemoryIngested, payload); err != nil {
		s.log.Warn("ingestion event publish failed", "error", err)
	}
}
