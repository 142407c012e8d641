package embedding

import (
	"context"
	"errors"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opportunityradar/internal/core/domain"
)

type fakeRepo struct {
	pending    []domain.Complaint
	embeddings map[string][]float32
	flags      map[string]bool
	settings   map[string]int
}

func newFakeRepo(pending ...domain.Complaint) *fakeRepo {
	return &fakeRepo{
		pending:    pending,
		embeddings: map[string][]float32{},
		flags:      map[string]bool{},
	}
}

func (f *fakeRepo) GetUnembeddedComplaints(_ context.Context, limit int) ([]domain.Complaint, error) {
	if limit < len(f.pending) {
		return f.pending[:limit], nil
	}

	return f.pending, nil
}

func (f *fakeRepo) SaveComplaintEmbedding(_ context.Context, id string, embedding []float32) error {
	f.embeddings[id] = embedding

	return nil
}

func (f *fakeRepo) SetIsComplaint(_ context.Context, id string, isComplaint bool) error {
	f.flags[id] = isComplaint

	return nil
}

func (f *fakeRepo) GetSetting(_ context.Context, key string, target interface{}) error {
	if v, ok := f.settings[key]; ok {
		if p, ok := target.(*int); ok {
			*p = v
		}
	}

	return nil
}

type fakeClient struct {
	calls     int
	failFirst int
	alwaysErr error
}

func (f *fakeClient) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	f.calls++

	if f.alwaysErr != nil {
		return nil, f.alwaysErr
	}

	if f.calls <= f.failFirst {
		return nil, errors.New("transient provider error")
	}

	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{float32(len(texts[i])), 1}
	}

	return out, nil
}

func testConfig() Config {
	return Config{BatchSize: 2, MaxAttempts: 3, BackoffBase: time.Millisecond, MaxChars: 50}
}

func TestRunEmbedsInBatches(t *testing.T) {
	repo := newFakeRepo(
		domain.Complaint{ID: "1", Body: "a"},
		domain.Complaint{ID: "2", Body: "b"},
		domain.Complaint{ID: "3", Body: "c"},
	)
	client := &fakeClient{}
	logger := zerolog.Nop()

	stats, results, err := NewAdapter(repo, client, testConfig(), &logger).Run(context.Background(), 100)
	require.NoError(t, err)

	assert.Equal(t, Stats{Processed: 3, Succeeded: 3, Batches: 2}, stats)
	assert.Len(t, results, 3)
	assert.Len(t, repo.embeddings, 3)
	assert.Equal(t, 2, client.calls)
}

func TestRunHonorsBatchSizeSetting(t *testing.T) {
	repo := newFakeRepo(
		domain.Complaint{ID: "1", Body: "a"},
		domain.Complaint{ID: "2", Body: "b"},
		domain.Complaint{ID: "3", Body: "c"},
	)
	repo.settings = map[string]int{"embedding_batch_size": 1}

	client := &fakeClient{}
	logger := zerolog.Nop()

	stats, _, err := NewAdapter(repo, client, testConfig(), &logger).Run(context.Background(), 100)
	require.NoError(t, err)

	// One provider call per item instead of the env-configured pairs.
	assert.Equal(t, 3, stats.Batches)
	assert.Equal(t, 3, client.calls)
}

func TestRunSkipsCachedItems(t *testing.T) {
	repo := newFakeRepo(
		domain.Complaint{ID: "1", Body: "a", Embedding: []float32{1, 2}},
		domain.Complaint{ID: "2", Body: "b"},
	)
	client := &fakeClient{}
	logger := zerolog.Nop()

	stats, results, err := NewAdapter(repo, client, testConfig(), &logger).Run(context.Background(), 100)
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Cached)
	assert.Equal(t, 1, stats.Succeeded)
	require.Len(t, results, 2)
	assert.True(t, results[0].Cached)

	// The cached item is never re-embedded.
	_, resaved := repo.embeddings["1"]
	assert.False(t, resaved)
}

func TestRunRetriesTransientFailures(t *testing.T) {
	repo := newFakeRepo(domain.Complaint{ID: "1", Body: "a"})
	client := &fakeClient{failFirst: 2}
	logger := zerolog.Nop()

	stats, _, err := NewAdapter(repo, client, testConfig(), &logger).Run(context.Background(), 100)
	require.NoError(t, err)

	assert.Equal(t, 3, client.calls)
	assert.Equal(t, 1, stats.Succeeded)
}

func TestRunFailedBatchMarksItemsNotComplaints(t *testing.T) {
	repo := newFakeRepo(
		domain.Complaint{ID: "1", Body: "a"},
		domain.Complaint{ID: "2", Body: "b"},
	)
	client := &fakeClient{alwaysErr: errors.New("quota exceeded")}
	logger := zerolog.Nop()

	stats, results, err := NewAdapter(repo, client, testConfig(), &logger).Run(context.Background(), 100)
	require.NoError(t, err)

	assert.Equal(t, 3, client.calls)
	assert.Equal(t, Stats{Processed: 2, Failed: 2, Batches: 1}, stats)

	require.Len(t, results, 2)

	for _, r := range results {
		assert.False(t, r.Succeeded)
		assert.Contains(t, r.Error, "quota exceeded")
	}

	// Fail closed: both items are flagged as non-complaints.
	isComplaint, ok := repo.flags["1"]
	require.True(t, ok)
	assert.False(t, isComplaint)

	isComplaint, ok = repo.flags["2"]
	require.True(t, ok)
	assert.False(t, isComplaint)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 10))
	assert.Equal(t, "ab", truncate("abcdef", 2))

	// Never split a multi-byte rune.
	assert.Equal(t, "héllo"[:3], truncate("héllo", 3))
	assert.Equal(t, "a", truncate("aéé", 2))
	assert.True(t, utf8.ValidString(truncate("习ви日ая", 5)))
}
