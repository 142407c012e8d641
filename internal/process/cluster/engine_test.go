package cluster

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opportunityradar/internal/core/domain"
	db "opportunityradar/internal/storage"
)

// memRepo is an in-memory Repository that mirrors the store's clustering
// semantics: nearest-centroid lookup by cosine similarity and full re-read
// centroid recomputation.
type memRepo struct {
	complaints map[string]*domain.Complaint
	clusters   map[string]*domain.Cluster
	order      []string
	settings   map[string]interface{}
	nextID     int
}

func newMemRepo() *memRepo {
	return &memRepo{
		complaints: map[string]*domain.Complaint{},
		clusters:   map[string]*domain.Cluster{},
		settings:   map[string]interface{}{},
	}
}

func (m *memRepo) add(c domain.Complaint) {
	m.complaints[c.ID] = &c
	m.order = append(m.order, c.ID)
}

func (m *memRepo) GetUnclusteredComplaints(_ context.Context, limit int) ([]domain.Complaint, error) {
	var out []domain.Complaint

	for _, id := range m.order {
		c := m.complaints[id]
		if c.ClusterID == "" && len(out) < limit {
			out = append(out, *c)
		}
	}

	return out, nil
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64

	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}

	if na == 0 || nb == 0 {
		return 0
	}

	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func (m *memRepo) FindNearestCluster(_ context.Context, embedding []float32, threshold float32) (*db.NearestCluster, error) {
	var best *db.NearestCluster

	for id, cl := range m.clusters {
		sim := cosine(embedding, cl.Centroid)
		if sim < float64(threshold) {
			continue
		}

		if best == nil || sim > best.Similarity {
			best = &db.NearestCluster{ID: id, Similarity: sim}
		}
	}

	return best, nil
}

func (m *memRepo) CreateCluster(_ context.Context, c *domain.Cluster) error {
	m.nextID++
	c.ID = fmt.Sprintf("cluster-%d", m.nextID)
	clone := *c
	m.clusters[c.ID] = &clone

	return nil
}

func (m *memRepo) AssignComplaintToCluster(_ context.Context, complaintID, clusterID string) error {
	c, ok := m.complaints[complaintID]
	if !ok {
		return errors.New("complaint not found")
	}

	c.ClusterID = clusterID

	return nil
}

func (m *memRepo) RecomputeClusterAggregates(_ context.Context, clusterID string) error {
	cl, ok := m.clusters[clusterID]
	if !ok {
		return errors.New("cluster not found")
	}

	var members []*domain.Complaint

	for _, id := range m.order {
		if m.complaints[id].ClusterID == clusterID {
			members = append(members, m.complaints[id])
		}
	}

	if len(members) == 0 {
		return nil
	}

	dims := len(members[0].Embedding)
	sum := make([]float64, dims)
	dist := map[string]int{}

	for _, c := range members {
		for i, v := range c.Embedding {
			sum[i] += float64(v)
		}

		key := c.Category
		if key == "" {
			key = c.Platform
		}

		dist[key]++
	}

	centroid := make([]float32, dims)
	for i := range sum {
		centroid[i] = float32(sum[i] / float64(len(members)))
	}

	cl.Centroid = centroid
	cl.ComplaintCount = len(members)
	cl.PlatformDistribution = dist

	return nil
}

func (m *memRepo) GetClusterMemberTexts(_ context.Context, clusterID string, limit int) ([]string, error) {
	var out []string

	for _, id := range m.order {
		c := m.complaints[id]
		if c.ClusterID == clusterID && len(out) < limit {
			out = append(out, c.Body)
		}
	}

	return out, nil
}

func (m *memRepo) UpdateClusterSummary(_ context.Context, clusterID, summary string) error {
	cl, ok := m.clusters[clusterID]
	if !ok {
		return errors.New("cluster not found")
	}

	cl.Summary = summary

	return nil
}

func (m *memRepo) GetSetting(_ context.Context, key string, target interface{}) error {
	v, ok := m.settings[key]
	if !ok {
		return nil
	}

	if f, ok := target.(*float32); ok {
		f32, _ := v.(float64)
		*f = float32(f32)
	}

	return nil
}

type fixedLLM struct {
	summary string
	err     error
}

func (f *fixedLLM) SummarizeComplaints(context.Context, []string) (string, error) {
	return f.summary, f.err
}

func newTestEngine(repo Repository) *Engine {
	logger := zerolog.Nop()

	return NewEngine(repo, &fixedLLM{summary: "Users cannot export their data."}, Config{}, &logger)
}

func TestRunCreatesClusterForNovelComplaint(t *testing.T) {
	repo := newMemRepo()
	repo.add(domain.Complaint{ID: "1", Body: "export fails", Category: "bugs", Embedding: []float32{1, 0, 0}})

	stats, err := newTestEngine(repo).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Created)
	assert.Equal(t, 0, stats.Assigned)
	require.Len(t, repo.clusters, 1)

	for _, cl := range repo.clusters {
		assert.Equal(t, 1, cl.ComplaintCount)
		assert.Equal(t, []float32{1, 0, 0}, cl.Centroid)
		assert.Equal(t, map[string]int{"bugs": 1}, cl.PlatformDistribution)
		assert.Equal(t, "Users cannot export their data.", cl.Summary)
	}
}

func TestRunDistributionKeyStableAcrossRecompute(t *testing.T) {
	repo := newMemRepo()
	// Uncategorized items bucket under their platform; the keying must not
	// change when the second assignment triggers an aggregate recompute.
	repo.add(domain.Complaint{ID: "1", Platform: "reddit", Embedding: []float32{1, 0, 0}})
	repo.add(domain.Complaint{ID: "2", Platform: "reddit", Embedding: []float32{0.99, 0.1, 0}})

	_, err := newTestEngine(repo).Run(context.Background())
	require.NoError(t, err)

	require.Len(t, repo.clusters, 1)

	for _, cl := range repo.clusters {
		assert.Equal(t, map[string]int{"reddit": 2}, cl.PlatformDistribution)
	}
}

func TestRunAssignsToNearestCluster(t *testing.T) {
	repo := newMemRepo()
	// Two seed complaints far apart, then one near the first.
	repo.add(domain.Complaint{ID: "1", Platform: "a", Embedding: []float32{1, 0, 0}})
	repo.add(domain.Complaint{ID: "2", Platform: "b", Embedding: []float32{0, 1, 0}})
	repo.add(domain.Complaint{ID: "3", Platform: "a", Embedding: []float32{0.99, 0.1, 0}})

	stats, err := newTestEngine(repo).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, stats.Created)
	assert.Equal(t, 1, stats.Assigned)
	assert.Equal(t, repo.complaints["1"].ClusterID, repo.complaints["3"].ClusterID)
	assert.NotEqual(t, repo.complaints["1"].ClusterID, repo.complaints["2"].ClusterID)
}

func TestRunCentroidStaysMeanOfMembers(t *testing.T) {
	repo := newMemRepo()
	embeddings := [][]float32{
		{1, 0, 0},
		{0.9, 0.1, 0},
		{0.8, 0.2, 0},
		{0.95, 0.05, 0},
	}

	for i, emb := range embeddings {
		repo.add(domain.Complaint{ID: fmt.Sprintf("%d", i+1), Embedding: emb})
	}

	_, err := newTestEngine(repo).Run(context.Background())
	require.NoError(t, err)

	require.Len(t, repo.clusters, 1)

	for _, cl := range repo.clusters {
		require.Equal(t, 4, cl.ComplaintCount)

		for dim := 0; dim < 3; dim++ {
			var want float64
			for _, emb := range embeddings {
				want += float64(emb[dim])
			}

			want /= float64(len(embeddings))
			assert.InDelta(t, want, float64(cl.Centroid[dim]), 1e-6, "dimension %d", dim)
		}
	}
}

func TestRunTwelveSimilarComplaintsFormOneCluster(t *testing.T) {
	repo := newMemRepo()

	for i := 0; i < 12; i++ {
		// Small perturbations keep pairwise similarity well above 0.8.
		repo.add(domain.Complaint{
			ID:        fmt.Sprintf("%d", i+1),
			Embedding: []float32{1, float32(i) * 0.01, 0},
		})
	}

	stats, err := newTestEngine(repo).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Created)
	assert.Equal(t, 11, stats.Assigned)
	require.Len(t, repo.clusters, 1)

	for _, cl := range repo.clusters {
		assert.Equal(t, 12, cl.ComplaintCount)
	}
}

func TestRunSkipsComplaintWithoutEmbedding(t *testing.T) {
	repo := newMemRepo()
	repo.add(domain.Complaint{ID: "1", Body: "no vector"})
	repo.add(domain.Complaint{ID: "2", Embedding: []float32{1, 0, 0}})

	stats, err := newTestEngine(repo).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 1, stats.Processed)
	require.Len(t, stats.Errors, 1)
	assert.Contains(t, stats.Errors[0].Message, "complaint 1")
	assert.Empty(t, repo.complaints["1"].ClusterID)
	assert.NotEmpty(t, repo.complaints["2"].ClusterID)
}

func TestRunThresholdFromSettings(t *testing.T) {
	repo := newMemRepo()
	repo.settings["cluster_similarity_threshold"] = 0.999

	repo.add(domain.Complaint{ID: "1", Embedding: []float32{1, 0, 0}})
	repo.add(domain.Complaint{ID: "2", Embedding: []float32{0.99, 0.1, 0}})

	stats, err := newTestEngine(repo).Run(context.Background())
	require.NoError(t, err)

	// With the raised threshold the second complaint no longer qualifies.
	assert.Equal(t, 2, stats.Created)
	assert.Len(t, repo.clusters, 2)
}

func TestRunIdempotent(t *testing.T) {
	repo := newMemRepo()
	repo.add(domain.Complaint{ID: "1", Embedding: []float32{1, 0, 0}})

	engine := newTestEngine(repo)

	_, err := engine.Run(context.Background())
	require.NoError(t, err)

	stats, err := engine.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, stats.Processed)
	assert.Len(t, repo.clusters, 1)
}

func TestResummarize(t *testing.T) {
	repo := newMemRepo()
	repo.add(domain.Complaint{ID: "1", Body: "sync keeps failing", Embedding: []float32{1, 0, 0}})

	engine := newTestEngine(repo)

	_, err := engine.Run(context.Background())
	require.NoError(t, err)

	var clusterID string
	for id := range repo.clusters {
		clusterID = id
	}

	summary, err := engine.Resummarize(context.Background(), clusterID)
	require.NoError(t, err)
	assert.Equal(t, "Users cannot export their data.", summary)

	_, err = engine.Resummarize(context.Background(), "missing")
	assert.Error(t, err)
}
