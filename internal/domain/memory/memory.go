// Package memory provides the domain model for tagged, timestamped memory
// records and the structured results of context compaction.
package memory

import (
	"fmt"
	"time"

	"github.com/engramhq/engram/internal/domain"
)

// Record is a single unit of stored knowledge. Records are immutable except
// through upsert-by-ID: storing a record whose ID already exists in a
// provider replaces the previous version.
type Record struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Tags      []string  `json:"tags,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Embedding []float32 `json:"embedding,omitempty"`
}

// Result is a Record annotated with its origin and an optional relevance
// score. Similarity is in [0,1], higher is more relevant; providers that
// cannot score leave it nil and the orchestrator falls back to recency.
type Result struct {
	Record
	SourceProviderID string   `json:"source_provider_id"`
	Similarity       *float64 `json:"similarity,omitempty"`
}

// HasTag reports whether the record carries the given tag.
func (r *Record) HasTag(tag string) bool {
	for _, t := range r.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Validate checks that a record is storable.
func (r *Record) Validate() error {
	if r.Content == "" {
		return fmt.Errorf("%w: content is required", domain.ErrValidation)
	}
	return nil
}

// CompactedContext is the structured knowledge extracted from raw text by a
// single language-model call. All four fields are always present; the slices
// may be empty but are never nil.
type CompactedContext struct {
	Summary     string   `json:"summary"`
	Facts       []string `json:"facts"`
	Decisions   []string `json:"decisions"`
	ActionItems []string `json:"actionItems"`
}

// NewCompactedContext returns an empty CompactedContext with non-nil slices.
func NewCompactedContext(summary string) CompactedContext {
	return CompactedContext{
		Summary:     summary,
		Facts:       []string{},
		Decisions:   []string{},
		ActionItems: []string{},
	}
}

// Normalize replaces nil slices with empty ones so the all-fields-present
// invariant holds regardless of how the value was produced.
func (c *CompactedContext) Normalize() {
	if c.Facts == nil {
		c.Facts = []string{}
	}
	if c.Decisions == nil {
		c.Decisions = []string{}
	}
	if c.ActionItems == nil {
		c.ActionItems = []string{}
	}
}

// IsEmpty reports whether compaction produced no usable content.
func (c *CompactedContext) IsEmpty() bool {
	return c.Summary == "" && len(c.Facts) == 0 && len(c.Decisions) == 0 && len(c.ActionItems) == 0
}

// IngestionResult reports the outcome of ingesting one piece of content.
type IngestionResult struct {
	Success     bool     `json:"success"`
	Summary     string   `json:"summary,omitempty"`
	Facts       []string `json:"facts,omitempty"`
	Decisions   []string `json:"decisions,omitempty"`
	ActionItems []string `json:"actionItems,omitempty"`
	MemoryIDs   []string `json:"memory_ids"`
	Error       string   `json:"error,omitempty"`
}

// ExportVersion is the current export envelope version.
const ExportVersion = 1

// ExportItem is one record in an export envelope, annotated with the provider
// it came from.
type ExportItem struct {
	Record
	SourceProviderID string `json:"source_provider_id"`
}

// ExportEnvelope is the versioned dump/restore format for all enumerable
// providers.
type ExportEnvelope struct {
	Version    int          `json:"version"`
	ExportedAt time.Time    `json:"exportedAt"`
	Items      []ExportItem `json:"items"`
}
