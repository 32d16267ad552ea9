package chromem_test

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/engramhq/engram/internal/adapter/chromem"
	"github.com/engramhq/engram/internal/domain/memory"
)

func newStore(t *testing.T) *chromem.Store {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := chromem.New("vector", "", log)
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return s
}

func TestStoreRequiresEmbedding(t *testing.T) {
	s := newStore(t)
	if _, err := s.Store(context.Background(), memory.Record{Content: "no vector"}); err == nil {
		t.Fatal("expected error for record without embedding")
	}
}

func TestStoreAndRetrieveRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	id, err := s.Store(ctx, memory.Record{
		Content:   "postgres runs on port 5432",
		Tags:      []string{"infra", "postgres"},
		Embedding: []float32{1, 0, 0},
	})
	if err != nil {
		t.Fatalf("Store: %v", err)
	}

	rec, err := s.Retrieve(ctx, id)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if rec == nil {
		t.Fatal("record not found")
	}
	if rec.Content != "postgres runs on port 5432" {
		t.Errorf("content = %q", rec.Content)
	}
	if !rec.HasTag("infra") || !rec.HasTag("postgres") {
		t.Errorf("tags not preserved: %v", rec.Tags)
	}
}

func TestRetrieveMissingReturnsNilNil(t *testing.T) {
	s := newStore(t)
	rec, err := s.Retrieve(context.Background(), "absent")
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if rec != nil {
		t.Errorf("expected nil record, got %+v", rec)
	}
}

func TestSearchWithoutEmbeddingReturnsNothing(t *testing.T) {
	s := newStore(t)
	results, err := s.Search(context.Background(), "anything", 5, nil)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if results != nil {
		t.Errorf("expected nil results, got %v", results)
	}
}

func TestSearchRanksByCosineSimilarity(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	if _, err := s.Store(ctx, memory.Record{ID: "close", Content: "a", Embedding: []float32{1, 0, 0}}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Store(ctx, memory.Record{ID: "far", Content: "b", Embedding: []float32{0, 1, 0}}); err != nil {
		t.Fatal(err)
	}

	results, err := s.Search(ctx, "", 10, []float32{1, 0, 0})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("expected results")
	}
	top := results[0]
	if top.ID != "close" {
		t.Errorf("top result = %q, want close", top.ID)
	}
	if top.Similarity == nil {
		t.Fatal("vector results must carry similarity")
	}
	if *top.Similarity < 0 || *top.Similarity > 1 {
		t.Errorf("similarity = %v, want within [0,1]", *top.Similarity)
	}
	if top.SourceProviderID != "vector" {
		t.Errorf("source = %q, want vector", top.SourceProviderID)
	}
}

func TestSearchLimitLargerThanCollection(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	if _, err := s.Store(ctx, memory.Record{Content: "only one", Embedding: []float32{0.5, 0.5, 0}}); err != nil {
		t.Fatal(err)
	}

	results, err := s.Search(ctx, "", 25, []float32{0.5, 0.5, 0})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 {
		t.Errorf("got %d results, want 1", len(results))
	}
}

func TestDeleteRemovesRecord(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	id, err := s.Store(ctx, memory.Record{Content: "temp", Embedding: []float32{1, 1, 1}})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	rec, err := s.Retrieve(ctx, id)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if rec != nil {
		t.Error("record still present after delete")
	}
}
