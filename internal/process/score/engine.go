// Package score computes multi-factor opportunity scores over clusters and
// maintains the opportunity records for clusters that clear the threshold.
package score

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"time"

	"github.com/rs/zerolog"

	"opportunityradar/internal/core/domain"
	"opportunityradar/internal/platform/observability"
	"opportunityradar/internal/platform/settings"
	db "opportunityradar/internal/storage"
)

// Factor weights of the linear score.
const (
	weightComplaintCount = 2.0
	weightDaysActive     = 1.0
	weightGrowth         = 0.5
	weightWorkarounds    = 5.0
	weightPlatforms      = 3.0

	maxScore = 100
	minScore = 0

	growthWindow = 14 * 24 * time.Hour

	defaultMinScore       = 70
	defaultMinClusterSize = 2
)

// workaroundPatterns is the lexical evidence a user built an ad hoc solution
// in absence of a product feature. A complaint counts at most once no matter
// how many patterns match.
var workaroundPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bwork[- ]?around\b`),
	regexp.MustCompile(`(?i)\bwrote (?:a|my own) script\b`),
	regexp.MustCompile(`(?i)\btemporary (?:fix|solution|hack)\b`),
	regexp.MustCompile(`(?i)\bbuilt my own\b`),
	regexp.MustCompile(`(?i)\bhack(?:ed|y)? (?:together|solution|fix)\b`),
	regexp.MustCompile(`(?i)\bmanual(?:ly)? (?:copy|export|import|sync|fix)`),
	regexp.MustCompile(`(?i)\bended up (?:using|writing|building)\b`),
	regexp.MustCompile(`(?i)\bhad to (?:write|build|script|automate)\b`),
	regexp.MustCompile(`(?i)\bduct[- ]tape\b`),
	regexp.MustCompile(`(?i)\bspreadsheet (?:instead|to track)\b`),
}

// Repository is the storage surface the scoring stage needs.
type Repository interface {
	GetClustersWithMinSize(ctx context.Context, minSize int) ([]domain.Cluster, error)
	GetClusterMemberTexts(ctx context.Context, clusterID string, limit int) ([]string, error)
	CountClusterMembersBetween(ctx context.Context, clusterID string, from, to time.Time) (int, error)
	FindNearestComplaintToCentroid(ctx context.Context, clusterID string, centroid []float32) (string, error)
	UpsertOpportunity(ctx context.Context, o *domain.Opportunity) error
	GetSetting(ctx context.Context, key string, target interface{}) error
}

var _ Repository = (*db.DB)(nil)

// Result is the scoring outcome for one cluster.
type Result struct {
	ClusterID             string
	Score                 int
	Factors               domain.ScoringFactors
	MeetsThreshold        bool
	RepresentativeQuoteID string
}

// Stats aggregates one scoring run.
type Stats struct {
	ClustersScored int
	Opportunities  int
	BelowThreshold int
	Failed         int
	AverageScore   float64
	TopScore       int
	Errors         []domain.JobError
}

// Config carries the environment-level scoring thresholds. The settings
// table overrides both at the start of every run.
type Config struct {
	MinScore       int
	MinClusterSize int
}

// Engine scores clusters and upserts opportunities.
type Engine struct {
	repo   Repository
	cfg    Config
	logger *zerolog.Logger
	now    func() time.Time // stubbed in tests
}

func NewEngine(repo Repository, cfg Config, logger *zerolog.Logger) *Engine {
	if cfg.MinScore <= 0 {
		cfg.MinScore = defaultMinScore
	}

	if cfg.MinClusterSize <= 0 {
		cfg.MinClusterSize = defaultMinClusterSize
	}

	return &Engine{repo: repo, cfg: cfg, logger: logger, now: time.Now}
}

// Compute derives the score from a factor snapshot. The raw weighted sum is
// rounded, then clamped to [0, 100]: growth can be negative, so without the
// floor a small cluster in steep decline could score below zero.
func Compute(f domain.ScoringFactors) int {
	raw := float64(f.ComplaintCount)*weightComplaintCount +
		float64(f.DaysActive)*weightDaysActive +
		f.GrowthPercentage*weightGrowth +
		float64(f.WorkaroundCount)*weightWorkarounds +
		float64(f.PlatformCount)*weightPlatforms

	score := int(math.Round(raw))

	if score > maxScore {
		return maxScore
	}

	if score < minScore {
		return minScore
	}

	return score
}

// CountWorkarounds reports how many texts contain at least one workaround
// pattern. Each text counts at most once.
func CountWorkarounds(texts []string) int {
	count := 0

	for _, text := range texts {
		for _, p := range workaroundPatterns {
			if p.MatchString(text) {
				count++

				break
			}
		}
	}

	return count
}

// Growth compares member counts in the most recent 14-day window against the
// preceding 14-day window. A previously empty window with new activity is
// 100% growth; two empty windows are 0.
func Growth(recent, previous int) float64 {
	if previous == 0 {
		if recent > 0 {
			return 100
		}

		return 0
	}

	return (float64(recent) - float64(previous)) / float64(previous) * 100
}

// ScoreCluster computes all five factors fresh and the resulting score for a
// single cluster. The threshold check is done by the caller.
func (e *Engine) ScoreCluster(ctx context.Context, cluster *domain.Cluster) (*Result, error) {
	now := e.now()

	recent, err := e.repo.CountClusterMembersBetween(ctx, cluster.ID, now.Add(-growthWindow), now)
	if err != nil {
		return nil, fmt.Errorf("count recent members: %w", err)
	}

	previous, err := e.repo.CountClusterMembersBetween(ctx, cluster.ID, now.Add(-2*growthWindow), now.Add(-growthWindow))
	if err != nil {
		return nil, fmt.Errorf("count previous members: %w", err)
	}

	texts, err := e.repo.GetClusterMemberTexts(ctx, cluster.ID, cluster.ComplaintCount)
	if err != nil {
		return nil, fmt.Errorf("load member texts: %w", err)
	}

	daysActive := int(cluster.LastSeen.Sub(cluster.FirstSeen).Hours() / 24)
	if daysActive < 0 {
		daysActive = 0
	}

	factors := domain.ScoringFactors{
		ComplaintCount:   cluster.ComplaintCount,
		DaysActive:       daysActive,
		GrowthPercentage: Growth(recent, previous),
		WorkaroundCount:  CountWorkarounds(texts),
		PlatformCount:    len(cluster.PlatformDistribution),
	}

	quoteID, err := e.repo.FindNearestComplaintToCentroid(ctx, cluster.ID, cluster.Centroid)
	if err != nil {
		return nil, fmt.Errorf("find representative quote: %w", err)
	}

	return &Result{
		ClusterID:             cluster.ID,
		Score:                 Compute(factors),
		Factors:               factors,
		RepresentativeQuoteID: quoteID,
	}, nil
}

// Run scores every cluster at or above the minimum member count and upserts
// an opportunity for each that meets the threshold. Both limits are read
// fresh from settings at the start of the run.
func (e *Engine) Run(ctx context.Context) (Stats, error) {
	minScore := e.cfg.MinScore
	if err := e.repo.GetSetting(ctx, settings.KeyOpportunityMinScore, &minScore); err != nil {
		e.logger.Warn().Err(err).Msg("read min score setting failed, using default")
	}

	minSize := e.cfg.MinClusterSize
	if err := e.repo.GetSetting(ctx, settings.KeyScoringMinClusterSize, &minSize); err != nil {
		e.logger.Warn().Err(err).Msg("read min cluster size setting failed, using default")
	}

	clusters, err := e.repo.GetClustersWithMinSize(ctx, minSize)
	if err != nil {
		return Stats{}, fmt.Errorf("load clusters: %w", err)
	}

	var (
		stats    Stats
		scoreSum int
	)

	for i := range clusters {
		if err := ctx.Err(); err != nil {
			return stats, fmt.Errorf("scoring interrupted: %w", err)
		}

		cluster := &clusters[i]

		result, err := e.ScoreCluster(ctx, cluster)
		if err != nil {
			stats.Failed++
			stats.Errors = append(stats.Errors, domain.JobError{
				Stage:      "scoring",
				Message:    fmt.Sprintf("cluster %s: %v", cluster.ID, err),
				OccurredAt: time.Now(),
			})

			e.logger.Warn().Err(err).Str("cluster_id", cluster.ID).Msg("scoring cluster failed")

			continue
		}

		stats.ClustersScored++
		scoreSum += result.Score

		if result.Score > stats.TopScore {
			stats.TopScore = result.Score
		}

		observability.OpportunitiesScored.Inc()
		observability.OpportunityScore.Observe(float64(result.Score))

		if result.Score < minScore {
			stats.BelowThreshold++

			continue
		}

		result.MeetsThreshold = true

		opportunity := &domain.Opportunity{
			ClusterID:             result.ClusterID,
			Score:                 result.Score,
			Factors:               result.Factors,
			RepresentativeQuoteID: result.RepresentativeQuoteID,
		}

		if err := e.repo.UpsertOpportunity(ctx, opportunity); err != nil {
			stats.Failed++
			stats.Errors = append(stats.Errors, domain.JobError{
				Stage:      "scoring",
				Message:    fmt.Sprintf("upsert opportunity for cluster %s: %v", cluster.ID, err),
				OccurredAt: time.Now(),
			})

			continue
		}

		stats.Opportunities++
	}

	if stats.ClustersScored > 0 {
		stats.AverageScore = float64(scoreSum) / float64(stats.ClustersScored)
	}

	e.logger.Info().
		Int("scored", stats.ClustersScored).
		Int("opportunities", stats.Opportunities).
		Int("below_threshold", stats.BelowThreshold).
		Float64("average_score", stats.AverageScore).
		Int("top_score", stats.TopScore).
		Msg("scoring stage finished")

	return stats, nil
}
