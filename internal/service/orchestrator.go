package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	otelmetrics "github.com/engramhq/engram/internal/adapter/otel"
	"github.com/engramhq/engram/internal/domain"
	"github.com/engramhq/engram/internal/domain/memory"
	"github.com/engramhq/engram/internal/port/embedding"
	"github.com/engramhq/engram/internal/port/messagequeue"
	"github.com/engramhq/engram/internal/port/provider"
)

// Orchestrator coordinates all registered memory providers: routing writes,
// fanning out searches, and running maintenance operations. Providers are
// independent; one failing never hides results from the others.
type Orchestrator struct {
	log     *slog.Logger
	metrics *otelmetrics.Metrics

	mu        sync.RWMutex
	providers map[string]provider.Provider
	order     []string

	defaultID     string
	searchLimit   int
	backfillBatch int

	embedder embedding.Embedder // nil disables semantic scoring
	queue    messagequeue.Queue // nil disables event publication
}

// OrchestratorOption configures optional orchestrator collaborators.
type OrchestratorOption func(*Orchestrator)

// WithEmbedder attaches an embedding service.
func WithEmbedder(e embedding.Embedder) OrchestratorOption {
	return func(o *Orchestrator) { o.embedder = e }
}

// WithQueue attaches a message queue for lifecycle events.
func WithQueue(q messagequeue.Queue) OrchestratorOption {
	return func(o *Orchestrator) { o.queue = q }
}

// WithMetrics attaches metric instruments.
func WithMetrics(m *otelmetrics.Metrics) OrchestratorOption {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithBackfillBatch sets the embedding backfill batch size.
func WithBackfillBatch(n int) OrchestratorOption {
	return func(o *Orchestrator) {
		if n > 0 {
			o.backfillBatch = n
		}
	}
}

// NewOrchestrator creates an orchestrator. defaultID names the provider that
// receives writes without an explicit target; it must be registered before
// the first write.
func NewOrchestrator(defaultID string, searchLimit int, log *slog.Logger, opts ...OrchestratorOption) *Orchestrator {
	if searchLimit <= 0 {
		searchLimit = 10
	}
	o := &Orchestrator{
		log:           log.With("component", "orchestrator"),
		providers:     make(map[string]provider.Provider),
		defaultID:     defaultID,
		searchLimit:   searchLimit,
		backfillBatch: 32,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// RegisterProvider initializes a provider and adds it to the registry.
// Initialization failure is logged and the provider is skipped; one broken
// backend never takes the service down. Registering an existing ID replaces
// it.
func (o *Orchestrator) RegisterProvider(ctx context.Context, p provider.Provider) {
	if err := p.Init(ctx); err != nil {
		o.log.Error("provider init failed, skipping registration", "id", p.ID(), "type", p.Type(), "error", err)
		if o.metrics != nil {
			o.metrics.ProviderFailures.Add(ctx, 1)
		}
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.providers[p.ID()]; !exists {
		o.order = append(o.order, p.ID())
	}
	o.providers[p.ID()] = p
	o.log.Info("provider registered", "id", p.ID(), "type", p.Type(), "capabilities", p.Capabilities())
}

// Provider returns a registered provider by ID.
func (o *Orchestrator) Provider(id string) (provider.Provider, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	p, ok := o.providers[id]
	return p, ok
}

// ProviderInfo describes one registered provider.
type ProviderInfo struct {
	ID           string                `json:"id"`
	Name         string                `json:"name"`
	Type         string                `json:"type"`
	Capabilities []provider.Capability `json:"capabilities"`
}

// Providers lists registered providers in registration order.
func (o *Orchestrator) Providers() []ProviderInfo {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]ProviderInfo, 0, len(o.order))
	for _, id := range o.order {
		p := o.providers[id]
		out = append(out, ProviderInfo{
			ID:           p.ID(),
			Name:         p.Name(),
			Type:         p.Type(),
			Capabilities: p.Capabilities(),
		})
	}
	return out
}

// snapshot returns providers in registration order.
func (o *Orchestrator) snapshot() []provider.Provider {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]provider.Provider, 0, len(o.order))
	for _, id := range o.order {
		out = append(out, o.providers[id])
	}
	return out
}

// Remember stores content in the target provider (the default when
// providerID is empty). An embedding is attached when an embedder is
// configured; embedding failure degrades to storing without one.
func (o *Orchestrator) Remember(ctx context.Context, content string, tags []string, providerID string) (memory.Record, error) {
	rec := memory.Record{
		Content:   content,
		Tags:      tags,
		CreatedAt: time.Now().UTC(),
	}
	return o.RememberRecord(ctx, rec, providerID)
}

// RememberRecord stores a prepared record, preserving its ID and timestamp.
func (o *Orchestrator) RememberRecord(ctx context.Context, rec memory.Record, providerID string) (memory.Record, error) {
	if providerID == "" {
		providerID = o.defaultID
	}
	p, ok := o.Provider(providerID)
	if !ok {
		return memory.Record{}, fmt.Errorf("orchestrator: unknown provider %q", providerID)
	}
	if !provider.Has(p, provider.CapabilityWrite) {
		return memory.Record{}, fmt.Errorf("orchestrator: provider %q is not writable", providerID)
	}
	if err := rec.Validate(); err != nil {
		return memory.Record{}, err
	}

	if len(rec.Embedding) == 0 && o.embedder != nil {
		vec, err := o.embedder.Embed(ctx, rec.Content)
		if err != nil {
			o.log.Warn("embedding failed, storing without vector", "provider", providerID, "error", err)
		} else {
			rec.Embedding = vec
		}
	}

	id, err := p.Store(ctx, rec)
	if err != nil {
		return memory.Record{}, fmt.Errorf("orchestrator: store via %q: %w", providerID, err)
	}
	rec.ID = id

	if o.metrics != nil {
		o.metrics.MemoriesStored.Add(ctx, 1)
	}
	o.publish(ctx, messagequeue.SubjectMemoryStored, rec.ID)

	return rec, nil
}

// Search fans the query out to every search-capable provider concurrently
// and merges the results: scored results first by similarity descending,
// unscored results after them by recency. Provider failures are isolated;
// only all providers failing is an error. A non-empty providerID targets
// that single provider instead of fanning out.
func (o *Orchestrator) Search(ctx context.Context, query string, limit int, providerID string) ([]memory.Result, error) {
	if limit <= 0 {
		limit = o.searchLimit
	}
	ctx, span := otelmetrics.StartSearchSpan(ctx, query, limit)
	defer span.End()

	var targets []provider.Provider
	semantic := false
	if providerID != "" {
		p, ok := o.Provider(providerID)
		if !ok {
			return nil, fmt.Errorf("orchestrator: %w: provider %q", domain.ErrNotFound, providerID)
		}
		if !provider.Has(p, provider.CapabilitySearch) {
			return nil, fmt.Errorf("orchestrator: provider %q is not searchable", providerID)
		}
		targets = []provider.Provider{p}
		semantic = provider.Has(p, provider.CapabilitySemantic)
	} else {
		for _, p := range o.snapshot() {
			if provider.Has(p, provider.CapabilitySearch) {
				targets = append(targets, p)
				if provider.Has(p, provider.CapabilitySemantic) {
					semantic = true
				}
			}
		}
	}
	if len(targets) == 0 {
		return nil, errors.New("orchestrator: no searchable providers")
	}

	var queryEmbedding []float32
	if semantic && o.embedder != nil {
		vec, err := o.embedder.Embed(ctx, query)
		if err != nil {
			o.log.Warn("query embedding failed, semantic providers will return nothing", "error", err)
		} else {
			queryEmbedding = vec
		}
	}

	var (
		resMu  sync.Mutex
		merged []memory.Result
		failed int
	)
	var g errgroup.Group
	for _, p := range targets {
		g.Go(func() error {
			results, err := p.Search(ctx, query, limit, queryEmbedding)
			resMu.Lock()
			defer resMu.Unlock()
			if err != nil {
				failed++
				o.log.Warn("provider search failed", "provider", p.ID(), "error", err)
				if o.metrics != nil {
					o.metrics.ProviderFailures.Add(ctx, 1)
				}
				return nil
			}
			merged = append(merged, results...)
			return nil
		})
	}
	_ = g.Wait()

	if failed == len(targets) {
		return nil, errors.New("orchestrator: all providers failed")
	}

	sortResults(merged)
	if len(merged) > limit {
		merged = merged[:limit]
	}

	if o.metrics != nil {
		o.metrics.Searches.Add(ctx, 1)
	}
	return merged, nil
}

// sortResults orders scored results by similarity descending, then unscored
// results by recency descending.
func sortResults(results []memory.Result) {
	sort.SliceStable(results, func(i, j int) bool {
		si, sj := results[i].Similarity, results[j].Similarity
		switch {
		case si != nil && sj != nil:
			if *si != *sj {
				return *si > *sj
			}
			return results[i].CreatedAt.After(results[j].CreatedAt)
		case si != nil:
			return true
		case sj != nil:
			return false
		default:
			return results[i].CreatedAt.After(results[j].CreatedAt)
		}
	})
}

// Retrieve checks providers in registration order and returns the first
// record found, or (nil, nil) when no provider holds the ID.
func (o *Orchestrator) Retrieve(ctx context.Context, id string) (*memory.Record, error) {
	var lastErr error
	for _, p := range o.snapshot() {
		if !provider.Has(p, provider.CapabilityRead) {
			continue
		}
		rec, err := p.Retrieve(ctx, id)
		if err != nil {
			lastErr = err
			continue
		}
		if rec != nil {
			return rec, nil
		}
	}
	return nil, lastErr
}

// Forget deletes the record from every delete-capable provider. Unknown IDs
// are no-ops; only actual provider failures surface.
func (o *Orchestrator) Forget(ctx context.Context, id string) error {
	var errs []error
	for _, p := range o.snapshot() {
		if !provider.Has(p, provider.CapabilityDelete) {
			continue
		}
		if err := p.Delete(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.ID(), err))
		}
	}
	return errors.Join(errs...)
}

// RecallRecent merges the most recent records across enumerable providers,
// newest first, deduplicated by ID.
func (o *Orchestrator) RecallRecent(ctx context.Context, limit int) ([]memory.Result, error) {
	if limit <= 0 {
		limit = o.searchLimit
	}

	seen := make(map[string]bool)
	var merged []memory.Result
	for _, p := range o.snapshot() {
		enum, ok := provider.AsEnumerator(p)
		if !ok {
			continue
		}
		records, err := enum.All(ctx)
		if err != nil {
			o.log.Warn("provider enumeration failed", "provider", p.ID(), "error", err)
			continue
		}
		for _, rec := range records {
			if seen[rec.ID] {
				continue
			}
			seen[rec.ID] = true
			merged = append(merged, memory.Result{Record: rec, SourceProviderID: p.ID()})
		}
	}

	sort.Slice(merged, func(i, j int) bool {
		return merged[i].CreatedAt.After(merged[j].CreatedAt)
	})
	if len(merged) > limit {
		merged = merged[:limit]
	}
	return merged, nil
}

// BackfillEmbeddings embeds every enumerable record that lacks a vector and
// stores it back. Safe to re-run: embedded records are skipped.
func (o *Orchestrator) BackfillEmbeddings(ctx context.Context) (int, error) {
	if o.embedder == nil {
		return 0, errors.New("orchestrator: no embedder configured")
	}

	updated := 0
	for _, p := range o.snapshot() {
		enum, ok := provider.AsEnumerator(p)
		if !ok || !provider.Has(p, provider.CapabilityWrite) {
			continue
		}

		records, err := enum.All(ctx)
		if err != nil {
			return updated, fmt.Errorf("orchestrator: enumerate %q: %w", p.ID(), err)
		}

		var pending []memory.Record
		for _, rec := range records {
			if len(rec.Embedding) == 0 {
				pending = append(pending, rec)
			}
		}

		for start := 0; start < len(pending); start += o.backfillBatch {
			end := min(start+o.backfillBatch, len(pending))
			batch := pending[start:end]

			texts := make([]string, len(batch))
			for i, rec := range batch {
				texts[i] = rec.Content
			}
			vecs, err := o.embedder.EmbedBatch(ctx, texts)
			if err != nil {
				return updated, fmt.Errorf("orchestrator: backfill embed: %w", err)
			}

			for i, rec := range batch {
				rec.Embedding = vecs[i]
				if _, err := p.Store(ctx, rec); err != nil {
					return updated, fmt.Errorf("orchestrator: backfill store %q: %w", rec.ID, err)
				}
				updated++
			}
		}
	}

	o.log.Info("embedding backfill complete", "updated", updated)
	return updated, nil
}

// ExportAll dumps every enumerable provider into a versioned envelope.
func (o *Orchestrator) ExportAll(ctx context.Context) (memory.ExportEnvelope, error) {
	env := memory.ExportEnvelope{
		Version:    memory.ExportVersion,
		ExportedAt: time.Now().UTC(),
		Items:      []memory.ExportItem{},
	}

	for _, p := range o.snapshot() {
		enum, ok := provider.AsEnumerator(p)
		if !ok {
			continue
		}
		records, err := enum.All(ctx)
		if err != nil {
			return env, fmt.Errorf("orchestrator: export %q: %w", p.ID(), err)
		}
		for _, rec := range records {
			env.Items = append(env.Items, memory.ExportItem{
				Record:           rec,
				SourceProviderID: p.ID(),
			})
		}
	}
	return env, nil
}

// ImportAll restores an export envelope. Items return to their source
// provider when it is registered and writable, and fall back to the default
// provider otherwise. Returns the number of imported records.
func (o *Orchestrator) ImportAll(ctx context.Context, env memory.ExportEnvelope) (int, error) {
	if env.Version != memory.ExportVersion {
		return 0, fmt.Errorf("orchestrator: unsupported export version %d", env.Version)
	}

	imported := 0
	for _, item := range env.Items {
		target := item.SourceProviderID
		if p, ok := o.Provider(target); !ok || !provider.Has(p, provider.CapabilityWrite) {
			target = o.defaultID
		}
		if _, err := o.RememberRecord(ctx, item.Record, target); err != nil {
			return imported, fmt.Errorf("orchestrator: import %q: %w", item.ID, err)
		}
		imported++
	}
	return imported, nil
}

// Close shuts down every provider, joining errors.
func (o *Orchestrator) Close() error {
	var errs []error
	for _, p := range o.snapshot() {
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.ID(), err))
		}
	}
	return errors.Join(errs...)
}

func (o *Orchestrator) publish(ctx context.Context, subject, id string) {
	if o.queue == nil {
		return
	}
	if err := o.queue.Publish(ctx, subject, []byte(`{"id":"`+id+`"}`)); err != nil {
		o.log.Warn("event publish failed", "subject", subject, "error", err)
	}
}
