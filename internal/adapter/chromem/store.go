// Package chromem implements the embedded vector memory provider on top of
// chromem-go. Embeddings are supplied by the caller; the collection never
// computes its own.
package chromem

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	chromemgo "github.com/philippgille/chromem-go"

	"github.com/engramhq/engram/internal/domain/memory"
	"github.com/engramhq/engram/internal/port/provider"
)

const (
	collectionName = "memories"
	tagSeparator   = "\x1f"
)

// Store is a vector memory provider backed by an embedded chromem-go DB.
type Store struct {
	id  string
	log *slog.Logger

	db  *chromemgo.DB
	col *chromemgo.Collection
	dir string
}

var _ provider.Provider = (*Store)(nil)

// New returns a vector store persisted under dir. An empty dir keeps the
// database in memory only.
func New(id, dir string, log *slog.Logger) *Store {
	return &Store{
		id:  id,
		dir: dir,
		log: log.With("provider", id),
	}
}

func (s *Store) ID() string   { return s.id }
func (s *Store) Name() string { return "Vector Store" }
func (s *Store) Type() string { return "vector" }

func (s *Store) Capabilities() []provider.Capability {
	return []provider.Capability{
		provider.CapabilityRead,
		provider.CapabilityWrite,
		provider.CapabilitySearch,
		provider.CapabilityDelete,
		provider.CapabilitySemantic,
	}
}

// Init opens or creates the database and its single collection.
func (s *Store) Init(ctx context.Context) error {
	var err error
	if s.dir == "" {
		s.db = chromemgo.NewDB()
	} else {
		s.db, err = chromemgo.NewPersistentDB(filepath.Join(s.dir, "vectors"), false)
		if err != nil {
			return fmt.Errorf("chromem: open db: %w", err)
		}
	}

	// nil embedding func: documents always arrive with embeddings attached.
	s.col, err = s.db.GetOrCreateCollection(collectionName, nil, nil)
	if err != nil {
		return fmt.Errorf("chromem: collection: %w", err)
	}

	s.log.Debug("vector store ready", "documents", s.col.Count())
	return nil
}

// Store upserts a record. The record must carry an embedding; this provider
// has no embedding function of its own.
func (s *Store) Store(ctx context.Context, rec memory.Record) (string, error) {
	if err := rec.Validate(); err != nil {
		return "", err
	}
	if len(rec.Embedding) == 0 {
		return "", errors.New("chromem: record has no embedding")
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	doc := chromemgo.Document{
		ID:        rec.ID,
		Content:   rec.Content,
		Embedding: rec.Embedding,
		Metadata: map[string]string{
			"tags":       strings.Join(rec.Tags, tagSeparator),
			"created_at": rec.CreatedAt.Format(time.RFC3339Nano),
		},
	}

	if err := s.col.AddDocument(ctx, doc); err != nil {
		return "", fmt.Errorf("chromem: add document: %w", err)
	}
	return rec.ID, nil
}

// Retrieve returns the record with the given ID, or (nil, nil) when absent.
func (s *Store) Retrieve(ctx context.Context, id string) (*memory.Record, error) {
	doc, err := s.col.GetByID(ctx, id)
	if err != nil {
		// chromem reports a missing ID as an error, not a zero value.
		return nil, nil
	}
	rec := docToRecord(doc.ID, doc.Content, doc.Embedding, doc.Metadata)
	return &rec, nil
}

// Search runs a nearest-neighbour query with the provided embedding. A nil
// embedding yields no results; this provider has no lexical fallback.
func (s *Store) Search(ctx context.Context, query string, limit int, embedding []float32) ([]memory.Result, error) {
	if len(embedding) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}

	// chromem rejects nResults larger than the collection, so shrink until
	// the query fits.
	var results []chromemgo.Result
	for n := limit; n >= 1; n-- {
		var err error
		results, err = s.col.QueryEmbedding(ctx, embedding, n, nil, nil)
		if err == nil {
			break
		}
		if isTooFewDocs(err) {
			if n == 1 {
				return nil, nil
			}
			continue
		}
		return nil, fmt.Errorf("chromem: query: %w", err)
	}

	out := make([]memory.Result, 0, len(results))
	for _, r := range results {
		sim := clamp01(float64(r.Similarity))
		rec := docToRecord(r.ID, r.Content, r.Embedding, r.Metadata)
		out = append(out, memory.Result{
			Record:           rec,
			SourceProviderID: s.id,
			Similarity:       &sim,
		})
	}
	return out, nil
}

// Delete removes a record. Deleting an absent ID is a no-op.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.col.Delete(ctx, nil, nil, id); err != nil {
		return fmt.Errorf("chromem: delete: %w", err)
	}
	return nil
}

func (s *Store) Close() error { return nil }

func docToRecord(id, content string, embedding []float32, meta map[string]string) memory.Record {
	rec := memory.Record{
		ID:        id,
		Content:   content,
		Embedding: embedding,
	}
	if raw := meta["tags"]; raw != "" {
		rec.Tags = strings.Split(raw, tagSeparator)
	}
	if ts, err := time.Parse(time.RFC3339Nano, meta["created_at"]); err == nil {
		rec.CreatedAt = ts
	}
	return rec
}

func isTooFewDocs(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "nResults") || strings.Contains(msg, "number of documents")
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
