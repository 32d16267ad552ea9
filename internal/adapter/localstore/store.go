// Package localstore implements the file-backed memory provider. Records
// live in a single JSON file under the configured data directory and are
// matched with a lexical fuzzy index, so the provider works with zero
// external services.
package localstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lithammer/fuzzysearch/fuzzy"

	"github.com/engramhq/engram/internal/domain/memory"
	"github.com/engramhq/engram/internal/port/provider"
)

const storeFile = "memories.json"

// Store is a file-backed memory provider with in-memory indexing.
type Store struct {
	id        string
	dir       string
	threshold float64
	log       *slog.Logger

	mu      sync.RWMutex
	records map[string]memory.Record
}

var (
	_ provider.Provider   = (*Store)(nil)
	_ provider.Enumerator = (*Store)(nil)
)

// New returns a local store rooted at dir. Threshold is the minimum
// similarity a fuzzy match must reach to be returned.
func New(id, dir string, threshold float64, log *slog.Logger) *Store {
	return &Store{
		id:        id,
		dir:       dir,
		threshold: threshold,
		log:       log.With("provider", id),
		records:   make(map[string]memory.Record),
	}
}

func (s *Store) ID() string   { return s.id }
func (s *Store) Name() string { return "Local Store" }
func (s *Store) Type() string { return "local" }

func (s *Store) Capabilities() []provider.Capability {
	return []provider.Capability{
		provider.CapabilityRead,
		provider.CapabilityWrite,
		provider.CapabilitySearch,
		provider.CapabilityDelete,
		provider.CapabilityEnumerate,
	}
}

// Init creates the data directory and loads any existing records.
func (s *Store) Init(ctx context.Context) error {
	if err := os.MkdirAll(s.dir, 0o750); err != nil {
		return fmt.Errorf("localstore: create dir %s: %w", s.dir, err)
	}

	data, err := os.ReadFile(filepath.Join(s.dir, storeFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("localstore: read store: %w", err)
	}

	var records []memory.Record
	if err := json.Unmarshal(data, &records); err != nil {
		return fmt.Errorf("localstore: parse store: %w", err)
	}

	s.mu.Lock()
	for _, r := range records {
		s.records[r.ID] = r
	}
	s.mu.Unlock()

	s.log.Debug("local store loaded", "records", len(records))
	return nil
}

// Store inserts or replaces a record by ID. A missing ID gets a new UUID;
// a missing timestamp gets the current time.
func (s *Store) Store(ctx context.Context, rec memory.Record) (string, error) {
	if err := rec.Validate(); err != nil {
		return "", err
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	s.records[rec.ID] = rec
	err := s.persistLocked()
	s.mu.Unlock()

	if err != nil {
		return "", err
	}
	return rec.ID, nil
}

// Retrieve returns the record with the given ID, or (nil, nil) when absent.
func (s *Store) Retrieve(ctx context.Context, id string) (*memory.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

// Search runs the fuzzy index over record content and tags. The embedding
// argument is ignored; this provider is lexical only.
func (s *Store) Search(ctx context.Context, query string, limit int, _ []float32) ([]memory.Result, error) {
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		return nil, nil
	}

	s.mu.RLock()
	results := make([]memory.Result, 0, limit)
	for _, rec := range s.records {
		score, ok := s.score(terms, rec)
		if !ok {
			continue
		}
		sim := score
		results = append(results, memory.Result{
			Record:           rec,
			SourceProviderID: s.id,
			Similarity:       &sim,
		})
	}
	s.mu.RUnlock()

	sort.Slice(results, func(i, j int) bool {
		if *results[i].Similarity != *results[j].Similarity {
			return *results[i].Similarity > *results[j].Similarity
		}
		return results[i].CreatedAt.After(results[j].CreatedAt)
	})

	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// Delete removes a record. Deleting an absent ID is a no-op.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[id]; !ok {
		return nil
	}
	delete(s.records, id)
	return s.persistLocked()
}

// All returns every stored record, newest first.
func (s *Store) All(ctx context.Context) ([]memory.Record, error) {
	s.mu.RLock()
	out := make([]memory.Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) Close() error { return nil }

// score computes the mean best-token similarity across query terms.
// A term that matches no token drags the mean down through the match ratio.
func (s *Store) score(terms []string, rec memory.Record) (float64, bool) {
	tokens := strings.Fields(strings.ToLower(rec.Content))
	for _, t := range rec.Tags {
		tokens = append(tokens, strings.ToLower(t))
	}
	if len(tokens) == 0 {
		return 0, false
	}

	var total float64
	matched := 0
	for _, term := range terms {
		best := 0.0
		for _, tok := range tokens {
			if sim := tokenSimilarity(term, tok); sim > best {
				best = sim
			}
		}
		if best > 0 {
			matched++
			total += best
		}
	}
	if matched == 0 {
		return 0, false
	}

	// Average over matched terms, scaled by the fraction of terms matched.
	score := (total / float64(matched)) * (float64(matched) / float64(len(terms)))
	if score < s.threshold {
		return 0, false
	}
	return score, true
}

// tokenSimilarity maps Levenshtein distance to [0,1], where 1 is an exact
// match. Substring containment counts as a strong match so tags like
// "blue-omega-99" still hit the term "omega".
func tokenSimilarity(term, token string) float64 {
	if term == token {
		return 1
	}
	if strings.Contains(token, term) || strings.Contains(term, token) {
		longer := max(len(term), len(token))
		shorter := min(len(term), len(token))
		return float64(shorter) / float64(longer)
	}
	dist := fuzzy.LevenshteinDistance(term, token)
	longer := max(len(term), len(token))
	if longer == 0 {
		return 0
	}
	sim := 1 - float64(dist)/float64(longer)
	if sim < 0 {
		return 0
	}
	return sim
}

// persistLocked writes the full record set atomically. Callers hold mu.
func (s *Store) persistLocked() error {
	records := make([]memory.Record, 0, len(s.records))
	for _, rec := range s.records {
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("localstore: marshal: %w", err)
	}

	path := filepath.Join(s.dir, storeFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("localstore: write tmp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("localstore: rename: %w", err)
	}
	return nil
}
