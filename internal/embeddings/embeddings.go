// Package embeddings provides the embedding provider interface and the
// on-disk tool vector index used by tool selection.
package embeddings

import (
	"context"
	"math"
)

// Provider generates fixed-dimension embedding vectors.
type Provider interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts in one request.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Name returns the provider name, used to tag the cache.
	Name() string

	// Model returns the model identifier, used to tag the cache.
	Model() string

	// MaxBatchSize returns the maximum number of texts per batch.
	MaxBatchSize() int
}

// Cosine returns the cosine similarity of two vectors, or 0 when either is
// empty or the dimensions differ.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
