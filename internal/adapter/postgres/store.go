package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/engramhq/engram/internal/domain/memory"
	"github.com/engramhq/engram/internal/port/provider"
)

// Store implements provider.Provider on a PostgreSQL pool. Search is
// lexical (ILIKE over content and tags) ordered by recency; results carry
// no similarity score.
type Store struct {
	id   string
	pool *pgxpool.Pool
}

var (
	_ provider.Provider   = (*Store)(nil)
	_ provider.Enumerator = (*Store)(nil)
)

// NewStore creates a Store backed by the given connection pool.
func NewStore(id string, pool *pgxpool.Pool) *Store {
	return &Store{id: id, pool: pool}
}

func (s *Store) ID() string   { return s.id }
func (s *Store) Name() string { return "PostgreSQL Store" }
func (s *Store) Type() string { return "postgres" }

func (s *Store) Capabilities() []provider.Capability {
	return []provider.Capability{
		provider.CapabilityRead,
		provider.CapabilityWrite,
		provider.CapabilitySearch,
		provider.CapabilityDelete,
		provider.CapabilityEnumerate,
	}
}

// Init verifies connectivity. Migrations run separately at startup.
func (s *Store) Init(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres: ping: %w", err)
	}
	return nil
}

// Store upserts a record by ID.
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

	const q = `
		INSERT INTO memories (id, content, tags, embedding, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE
		SET content = EXCLUDED.content,
		    tags = EXCLUDED.tags,
		    embedding = EXCLUDED.embedding`

	if _, err := s.pool.Exec(ctx, q, rec.ID, rec.Content, textArray(rec.Tags), rec.Embedding, rec.CreatedAt); err != nil {
		return "", fmt.Errorf("postgres: upsert memory: %w", err)
	}
	return rec.ID, nil
}

// Retrieve returns the record with the given ID, or (nil, nil) when absent.
func (s *Store) Retrieve(ctx context.Context, id string) (*memory.Record, error) {
	const q = `SELECT id, content, tags, embedding, created_at FROM memories WHERE id = $1`

	var rec memory.Record
	err := s.pool.QueryRow(ctx, q, id).Scan(&rec.ID, &rec.Content, &rec.Tags, &rec.Embedding, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get memory: %w", err)
	}
	return &rec, nil
}

// Search matches content and tags with ILIKE, newest first. Similarity is
// nil so merged rankings fall back to recency for these results.
func (s *Store) Search(ctx context.Context, query string, limit int, _ []float32) ([]memory.Result, error) {
	if limit <= 0 {
		limit = 10
	}

	const q = `
		SELECT id, content, tags, embedding, created_at
		FROM memories
		WHERE content ILIKE '%' || $1 || '%'
		   OR EXISTS (SELECT 1 FROM unnest(tags) tag WHERE tag ILIKE '%' || $1 || '%')
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := s.pool.Query(ctx, q, query, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: search memories: %w", err)
	}
	defer rows.Close()

	var results []memory.Result
	for rows.Next() {
		var rec memory.Record
		if err := rows.Scan(&rec.ID, &rec.Content, &rec.Tags, &rec.Embedding, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan memory: %w", err)
		}
		results = append(results, memory.Result{
			Record:           rec,
			SourceProviderID: s.id,
		})
	}
	return results, rows.Err()
}

// Delete removes a record. Deleting an absent ID is a no-op.
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM memories WHERE id = $1`, id); err != nil {
		return fmt.Errorf("postgres: delete memory: %w", err)
	}
	return nil
}

// All returns every stored record, newest first.
func (s *Store) All(ctx context.Context) ([]memory.Record, error) {
	const q = `SELECT id, content, tags, embedding, created_at FROM memories ORDER BY created_at DESC`

	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("postgres: list memories: %w", err)
	}
	defer rows.Close()

	var records []memory.Record
	for rows.Next() {
		var rec memory.Record
		if err := rows.Scan(&rec.ID, &rec.Content, &rec.Tags, &rec.Embedding, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan memory: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// textArray keeps nil slices out of the tags column so it is never NULL.
func textArray(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
