package embeddings

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cosine(a, b []float32) float64 {
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}

	return dot
}

func TestMockEmbeddingsAreDeterministicUnitVectors(t *testing.T) {
	client := NewMock(64)

	out, err := client.EmbedBatch(context.Background(), []string{"sync keeps failing", "sync keeps failing"})
	require.NoError(t, err)
	require.Len(t, out, 2)

	assert.Equal(t, out[0], out[1])
	assert.Len(t, out[0], 64)
	assert.InDelta(t, 1.0, cosine(out[0], out[0]), 1e-5)
}

func TestMockSharedTokensIncreaseSimilarity(t *testing.T) {
	client := NewMock(64)

	out, err := client.EmbedBatch(context.Background(), []string{
		"the export keeps failing on large files",
		"export keeps failing with large files",
		"billing page shows wrong currency",
	})
	require.NoError(t, err)
	require.Len(t, out, 3)

	overlapping := cosine(out[0], out[1])
	unrelated := cosine(out[0], out[2])

	assert.Greater(t, overlapping, unrelated)
	assert.Greater(t, overlapping, 0.5)
}
