package openai

import (
	"context"
	"fmt"

	openaisdk "github.com/openai/openai-go"

	"github.com/engramhq/engram/internal/adapter/ristretto"
	"github.com/engramhq/engram/internal/port/embedding"
)

// modelDims maps embedding models to their vector sizes.
var modelDims = map[string]int{
	"text-embedding-3-small": 1536,
	"text-embedding-3-large": 3072,
	"text-embedding-ada-002": 1536,
}

// Embedder implements the embedding port on the OpenAI Embeddings API,
// with an optional in-process cache in front.
type Embedder struct {
	client *openaisdk.Client
	model  string
	cache  *ristretto.Cache
}

var _ embedding.Embedder = (*Embedder)(nil)

// NewEmbedder creates an OpenAI embedder. cache may be nil.
func NewEmbedder(apiKey, baseURL, model string, cache *ristretto.Cache) *Embedder {
	return &Embedder{
		client: newSDKClient(apiKey, baseURL),
		model:  model,
		cache:  cache,
	}
}

// Embed converts a single text to an embedding vector.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch converts texts in one round trip, skipping cached entries.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))

	var misses []string
	var missIdx []int
	for i, text := range texts {
		if e.cache != nil {
			if vec, ok := e.cache.Get(text); ok {
				out[i] = vec
				continue
			}
		}
		misses = append(misses, text)
		missIdx = append(missIdx, i)
	}
	if len(misses) == 0 {
		return out, nil
	}

	resp, err := e.client.Embeddings.New(ctx, openaisdk.EmbeddingNewParams{
		Model: openaisdk.EmbeddingModel(e.model),
		Input: openaisdk.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: misses,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: embed: %w", err)
	}
	if len(resp.Data) != len(misses) {
		return nil, fmt.Errorf("openai: embed: got %d vectors for %d inputs", len(resp.Data), len(misses))
	}

	for i, d := range resp.Data {
		vec := make([]float32, len(d.Embedding))
		for j, v := range d.Embedding {
			vec[j] = float32(v)
		}
		out[missIdx[i]] = vec
		if e.cache != nil {
			e.cache.Set(misses[i], vec)
		}
	}
	return out, nil
}

// Dimensions returns the vector size for the configured model.
func (e *Embedder) Dimensions() int {
	if d, ok := modelDims[e.model]; ok {
		return d
	}
	return 1536
}
