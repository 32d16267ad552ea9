// Package embedding defines the embedding service port.
package embedding

import "context"

// Embedder converts text to fixed-length float vectors. Absence of an
// embedder disables semantic search and dedup; callers treat it as optional.
type Embedder interface {
	// Embed converts a single text to an embedding vector.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch converts several texts in one round trip.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the embedding vector size.
	Dimensions() int
}
