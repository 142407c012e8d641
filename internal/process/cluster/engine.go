// Package cluster implements greedy nearest-centroid assignment of embedded
// complaints and cluster summary generation.
package cluster

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"opportunityradar/internal/core/domain"
	apperrors "opportunityradar/internal/core/errors"
	"opportunityradar/internal/core/llm"
	"opportunityradar/internal/platform/observability"
	"opportunityradar/internal/platform/settings"
	db "opportunityradar/internal/storage"
)

const (
	defaultThreshold         = 0.75
	defaultBatchLimit        = 500
	defaultSummarySampleSize = 10
	defaultSummaryMaxChars   = 300
)

// Repository is the storage surface the clustering stage needs.
type Repository interface {
	GetUnclusteredComplaints(ctx context.Context, limit int) ([]domain.Complaint, error)
	FindNearestCluster(ctx context.Context, embedding []float32, threshold float32) (*db.NearestCluster, error)
	CreateCluster(ctx context.Context, c *domain.Cluster) error
	AssignComplaintToCluster(ctx context.Context, complaintID, clusterID string) error
	RecomputeClusterAggregates(ctx context.Context, clusterID string) error
	GetClusterMemberTexts(ctx context.Context, clusterID string, limit int) ([]string, error)
	UpdateClusterSummary(ctx context.Context, clusterID, summary string) error
	GetSetting(ctx context.Context, key string, target interface{}) error
}

var _ Repository = (*db.DB)(nil)

// Config controls batch size, the default similarity threshold, and summary
// sampling. The threshold can be overridden at runtime through settings.
type Config struct {
	SimilarityThreshold float32
	BatchLimit          int
	SummarySampleSize   int
	SummaryMaxChars     int
}

// Stats aggregates one clustering run.
type Stats struct {
	Processed int
	Assigned  int
	Created   int
	Failed    int
	Errors    []domain.JobError
}

// Engine assigns complaints to clusters.
type Engine struct {
	repo   Repository
	llm    llm.Client
	cfg    Config
	logger *zerolog.Logger
}

func NewEngine(repo Repository, llmClient llm.Client, cfg Config, logger *zerolog.Logger) *Engine {
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = defaultThreshold
	}

	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = defaultBatchLimit
	}

	if cfg.SummarySampleSize <= 0 {
		cfg.SummarySampleSize = defaultSummarySampleSize
	}

	if cfg.SummaryMaxChars <= 0 {
		cfg.SummaryMaxChars = defaultSummaryMaxChars
	}

	return &Engine{repo: repo, llm: llmClient, cfg: cfg, logger: logger}
}

// Run processes every embedded, not-yet-clustered complaint up to the batch
// limit, in insertion order. Per-item failures are recorded and the batch
// continues.
func (e *Engine) Run(ctx context.Context) (Stats, error) {
	threshold := e.cfg.SimilarityThreshold
	if err := e.repo.GetSetting(ctx, settings.KeyClusterSimilarityThreshold, &threshold); err != nil {
		e.logger.Warn().Err(err).Msg("read similarity threshold setting failed, using default")
	}

	pending, err := e.repo.GetUnclusteredComplaints(ctx, e.cfg.BatchLimit)
	if err != nil {
		return Stats{}, fmt.Errorf("load unclustered complaints: %w", err)
	}

	var stats Stats

	for i := range pending {
		if err := ctx.Err(); err != nil {
			return stats, fmt.Errorf("clustering interrupted: %w", err)
		}

		c := &pending[i]

		created, err := e.clusterOne(ctx, c, threshold)
		if err != nil {
			stats.Failed++
			stats.Errors = append(stats.Errors, domain.JobError{
				Stage:      "clustering",
				Message:    fmt.Sprintf("complaint %s: %v", c.ID, err),
				OccurredAt: time.Now(),
			})

			e.logger.Warn().Err(err).Str("complaint_id", c.ID).Msg("clustering complaint failed")

			continue
		}

		stats.Processed++

		if created {
			stats.Created++
		} else {
			stats.Assigned++
		}
	}

	e.logger.Info().
		Int("processed", stats.Processed).
		Int("assigned", stats.Assigned).
		Int("created", stats.Created).
		Int("failed", stats.Failed).
		Msg("clustering stage finished")

	return stats, nil
}

// clusterOne assigns a single complaint to its nearest qualifying cluster or
// creates a new one. Returns true when a new cluster was created.
func (e *Engine) clusterOne(ctx context.Context, c *domain.Complaint, threshold float32) (bool, error) {
	if len(c.Embedding) == 0 {
		return false, apperrors.ErrMissingEmbedding
	}

	nearest, err := e.repo.FindNearestCluster(ctx, c.Embedding, threshold)
	if err != nil {
		return false, err
	}

	if nearest == nil {
		return true, e.createCluster(ctx, c)
	}

	if err := e.repo.AssignComplaintToCluster(ctx, c.ID, nearest.ID); err != nil {
		return false, err
	}

	// Full re-read mean under a row lock keeps the centroid exact even when
	// two assignments race on the same cluster.
	if err := e.repo.RecomputeClusterAggregates(ctx, nearest.ID); err != nil {
		return false, err
	}

	observability.ClusterAssignments.WithLabelValues("existing").Inc()
	observability.ClusterSimilarity.Observe(nearest.Similarity)

	return false, nil
}

func (e *Engine) createCluster(ctx context.Context, c *domain.Complaint) error {
	postedAt := c.PostedAt
	if postedAt.IsZero() {
		postedAt = c.CreatedAt
	}

	cluster := &domain.Cluster{
		FirstSeen:            postedAt,
		LastSeen:             postedAt,
		ComplaintCount:       1,
		PlatformDistribution: map[string]int{distributionKey(c): 1},
		Centroid:             c.Embedding,
	}

	if err := e.repo.CreateCluster(ctx, cluster); err != nil {
		return err
	}

	if err := e.repo.AssignComplaintToCluster(ctx, c.ID, cluster.ID); err != nil {
		return err
	}

	summary := e.summarize(ctx, []string{c.Body})
	if err := e.repo.UpdateClusterSummary(ctx, cluster.ID, summary); err != nil {
		return err
	}

	observability.ClustersCreated.Inc()
	observability.ClusterAssignments.WithLabelValues("new").Inc()

	return nil
}

// distributionKey picks the platform distribution bucket for a complaint.
// Category is preferred; platform is the fallback for uncategorized items.
func distributionKey(c *domain.Complaint) string {
	if c.Category != "" {
		return c.Category
	}

	return c.Platform
}

// Resummarize regenerates a cluster's summary from its current member set.
func (e *Engine) Resummarize(ctx context.Context, clusterID string) (string, error) {
	texts, err := e.repo.GetClusterMemberTexts(ctx, clusterID, e.cfg.SummarySampleSize)
	if err != nil {
		return "", fmt.Errorf("load member texts: %w", err)
	}

	if len(texts) == 0 {
		return "", apperrors.ErrNotFound
	}

	summary := e.summarize(ctx, texts)
	if err := e.repo.UpdateClusterSummary(ctx, clusterID, summary); err != nil {
		return "", err
	}

	return summary, nil
}
