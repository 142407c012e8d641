// Package app provides the application bootstrap and runtime orchestration.
//
// The App type wires together all dependencies and exposes methods to run
// different operational modes:
//
//   - Worker mode: runs the pipeline on a fixed interval until stopped
//   - Once mode: runs a single pipeline pass and exits
//   - Resummarize mode: regenerates one cluster's summary on demand
//
// The health and metrics server runs alongside any mode.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"opportunityradar/internal/core/embeddings"
	apperrors "opportunityradar/internal/core/errors"
	"opportunityradar/internal/core/llm"
	"opportunityradar/internal/detect"
	"opportunityradar/internal/ingest"
	"opportunityradar/internal/platform/config"
	"opportunityradar/internal/platform/observability"
	"opportunityradar/internal/platform/worker"
	"opportunityradar/internal/process/cluster"
	"opportunityradar/internal/process/embedding"
	"opportunityradar/internal/process/pipeline"
	"opportunityradar/internal/process/score"
	db "opportunityradar/internal/storage"
)

// App holds the application dependencies and provides methods to run modes.
type App struct {
	cfg      *config.Config
	database *db.DB
	logger   *zerolog.Logger
}

// New creates a new App instance with the given dependencies.
func New(cfg *config.Config, database *db.DB, logger *zerolog.Logger) *App {
	return &App{
		cfg:      cfg,
		database: database,
		logger:   logger,
	}
}

// StartHealthServer starts the health check and metrics server.
func (a *App) StartHealthServer(ctx context.Context) error {
	return observability.NewServer(a.database, a.cfg.HealthPort, a.logger).Start(ctx)
}

// newOrchestrator builds the full pipeline from configuration.
func (a *App) newOrchestrator() *pipeline.Orchestrator {
	embeddingClient := embeddings.NewClient(embeddings.Config{
		APIKey:     a.cfg.OpenAIAPIKey,
		Model:      a.cfg.EmbeddingModel,
		Dimensions: a.cfg.EmbeddingDimensions,
		RateLimit:  a.providerRPS(),
	}, a.logger)

	collector := ingest.NewCollector(a.database, ingest.Config{
		Feeds:      a.cfg.CollectionFeeds,
		RPS:        a.cfg.CollectionFeedRPS,
		RetryLimit: a.cfg.CollectionRetryLimit,
	}, a.logger)

	detector := detect.NewDetector(a.database, a.logger)

	embedder := embedding.NewAdapter(a.database, embeddingClient, embedding.Config{
		BatchSize:   a.cfg.EmbeddingBatchSize,
		MaxAttempts: a.cfg.EmbeddingMaxAttempts,
		BackoffBase: a.cfg.EmbeddingBackoffBase,
		MaxChars:    a.cfg.EmbeddingMaxChars,
	}, a.logger)

	clusterer := a.newClusterEngine()

	scorer := score.NewEngine(a.database, score.Config{
		MinScore:       a.cfg.OpportunityMinScore,
		MinClusterSize: a.cfg.ScoringMinClusterSize,
	}, a.logger)

	return pipeline.NewOrchestrator(a.database, collector, detector, embedder, clusterer, scorer, pipeline.Config{
		BatchSize:       a.cfg.PipelineBatchSize,
		Timeout:         a.cfg.PipelineTimeout,
		JobRunRetention: a.cfg.JobRunRetention,
	}, a.logger)
}

// providerRPS caps the configured provider rate so consecutive calls stay at
// least ProviderMinDelay apart, whichever limit is stricter.
func (a *App) providerRPS() float64 {
	rps := a.cfg.ProviderRateLimit

	if d := a.cfg.ProviderMinDelay; d > 0 {
		if limit := 1 / d.Seconds(); limit < rps {
			rps = limit
		}
	}

	return rps
}

func (a *App) newClusterEngine() *cluster.Engine {
	llmClient := llm.New(llm.Config{
		APIKey:    a.cfg.OpenAIAPIKey,
		Model:     a.cfg.SummaryModel,
		RateLimit: a.providerRPS(),
	}, a.logger)

	return cluster.NewEngine(a.database, llmClient, cluster.Config{
		SimilarityThreshold: a.cfg.ClusterSimilarityThreshold,
		BatchLimit:          a.cfg.ClusterBatchLimit,
		SummarySampleSize:   a.cfg.ClusterSummarySampleSize,
		SummaryMaxChars:     a.cfg.ClusterSummaryMaxChars,
	}, a.logger)
}

// pipelineLockID guards the pipeline trigger across instances. The job-run
// overlap check inside the orchestrator stays as a second, best-effort net.
const pipelineLockID = int64(58201)

// RunWorker runs the pipeline on a fixed interval until the context is
// canceled. An overlapping trigger is skipped, not queued.
func (a *App) RunWorker(ctx context.Context) error {
	orchestrator := a.newOrchestrator()

	return worker.Loop(ctx, worker.Config{
		Name:         "pipeline",
		PollInterval: a.cfg.PipelineInterval,
		Logger:       a.logger,
		Process: func(ctx context.Context) error {
			defer worker.RecoverPanic(a.logger, "pipeline run")

			release, acquired, err := a.database.TryAcquireAdvisoryLock(ctx, pipelineLockID)
			if err != nil {
				return err
			}

			if !acquired {
				a.logger.Info().Msg("another instance holds the pipeline lock, skipping")

				return nil
			}

			defer release()

			_, err = orchestrator.Run(ctx)
			if errors.Is(err, apperrors.ErrRunInProgress) {
				return nil
			}

			return err
		},
	})
}

// RunOnce executes a single pipeline pass.
func (a *App) RunOnce(ctx context.Context) error {
	run, err := a.newOrchestrator().Run(ctx)
	if err != nil {
		return err
	}

	a.logger.Info().
		Str("status", run.Status).
		Int("items", run.ItemsProcessed).
		Msg("single pipeline run finished")

	return nil
}

// Resummarize regenerates the summary of one cluster from its current
// member set and prints the result.
func (a *App) Resummarize(ctx context.Context, clusterID string) error {
	if clusterID == "" {
		return fmt.Errorf("%w: cluster id is required", apperrors.ErrInvalidInput)
	}

	summary, err := a.newClusterEngine().Resummarize(ctx, clusterID)
	if err != nil {
		return fmt.Errorf("resummarize cluster %s: %w", clusterID, err)
	}

	a.logger.Info().Str("cluster_id", clusterID).Str("summary", summary).Msg("cluster resummarized")

	return nil
}
