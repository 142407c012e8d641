package embeddings

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
)

// MockClient produces deterministic embeddings derived from the text
// content. Texts sharing many tokens produce similar vectors, which is
// enough for clustering behavior in tests and local development.
type MockClient struct {
	dimensions int
}

// NewMock creates a mock embedding client.
func NewMock(dimensions int) *MockClient {
	if dimensions <= 0 {
		dimensions = DefaultDimensions
	}

	return &MockClient{dimensions: dimensions}
}

// EmbedBatch returns one deterministic unit vector per text.
func (c *MockClient) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = c.embed(text)
	}

	return out, nil
}

// embed sums one pseudo-random unit direction per token, so texts sharing
// tokens land near each other while unrelated texts stay roughly orthogonal.
func (c *MockClient) embed(text string) []float32 {
	vec := make([]float32, c.dimensions)

	for _, token := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New64a()
		_, _ = h.Write([]byte(token))

		seed := h.Sum64()
		for i := range vec {
			seed = seed*6364136223846793005 + 1442695040888963407
			vec[i] += float32(int64(seed>>32)) / float32(math.MaxInt32)
		}
	}

	return normalize(vec)
}

func normalize(vec []float32) []float32 {
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}

	if norm == 0 {
		return vec
	}

	norm = math.Sqrt(norm)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}

	return vec
}
