// Package pipeline sequences the six stages of a radar run and records the
// outcome as a job run. Stages execute strictly sequentially; a failing
// stage is recorded and the run continues, except when the store itself is
// unreachable.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"opportunityradar/internal/core/domain"
	apperrors "opportunityradar/internal/core/errors"
	"opportunityradar/internal/detect"
	"opportunityradar/internal/platform/observability"
	"opportunityradar/internal/platform/settings"
	"opportunityradar/internal/process/cluster"
	"opportunityradar/internal/process/embedding"
	"opportunityradar/internal/process/score"
	db "opportunityradar/internal/storage"
)

// Stage names, in execution order.
const (
	StageCollection = "collection"
	StageDetection  = "detection"
	StageEmbedding  = "embedding"
	StageClustering = "clustering"
	StageScoring    = "scoring"
	StageCleanup    = "cleanup"
)

const (
	jobName = "pipeline"

	defaultTimeout   = 2 * time.Hour
	defaultBatchSize = 500
	defaultRetention = 30 * 24 * time.Hour

	// finishWriteTimeout bounds the terminal job-run update, which runs on a
	// context detached from the (possibly cancelled) run context.
	finishWriteTimeout = 30 * time.Second
)

// Repository is the storage surface the orchestrator itself needs. The
// stages carry their own narrower interfaces.
type Repository interface {
	Ping(ctx context.Context) error
	CreateJobRun(ctx context.Context, jobName string) (string, error)
	FinishJobRun(ctx context.Context, id, status string, itemsProcessed int, errs []domain.JobError, stages []domain.StageResult) error
	HasRunningJob(ctx context.Context, jobName string, startedAfter time.Time) (bool, error)
	GetSetting(ctx context.Context, key string, target interface{}) error
	CountPendingComplaints(ctx context.Context) (int, error)
	DeleteEmptyClusters(ctx context.Context) (int64, error)
	PruneJobRuns(ctx context.Context, olderThan time.Time) (int64, error)
}

var _ Repository = (*db.DB)(nil)

// Collector supplies raw items; the orchestrator only triggers it.
type Collector interface {
	CollectAll(ctx context.Context) (int, error)
}

// Detector runs the detection stage over a batch.
type Detector interface {
	Run(ctx context.Context, limit int) (detect.Stats, error)
}

// Embedder runs the embedding stage over a batch.
type Embedder interface {
	Run(ctx context.Context, limit int) (embedding.Stats, []embedding.ItemResult, error)
}

// Clusterer runs the clustering stage.
type Clusterer interface {
	Run(ctx context.Context) (cluster.Stats, error)
}

// Scorer runs the scoring stage.
type Scorer interface {
	Run(ctx context.Context) (score.Stats, error)
}

// Config bounds one run.
type Config struct {
	BatchSize       int
	Timeout         time.Duration
	JobRunRetention time.Duration
}

// Orchestrator wires the stages together.
type Orchestrator struct {
	repo      Repository
	collector Collector
	detector  Detector
	embedder  Embedder
	clusterer Clusterer
	scorer    Scorer
	cfg       Config
	logger    *zerolog.Logger
}

func NewOrchestrator(
	repo Repository,
	collector Collector,
	detector Detector,
	embedder Embedder,
	clusterer Clusterer,
	scorer Scorer,
	cfg Config,
	logger *zerolog.Logger,
) *Orchestrator {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	if cfg.JobRunRetention <= 0 {
		cfg.JobRunRetention = defaultRetention
	}

	return &Orchestrator{
		repo:      repo,
		collector: collector,
		detector:  detector,
		embedder:  embedder,
		clusterer: clusterer,
		scorer:    scorer,
		cfg:       cfg,
		logger:    logger,
	}
}

// stageFunc executes one stage and reports items processed plus any
// item-level errors it recorded internally.
type stageFunc func(ctx context.Context) (int, []domain.JobError, error)

// Run executes one full pipeline run. An already-running job makes it return
// ErrRunInProgress without starting; this overlap check is best-effort
// de-duplication, duplicate runs are harmless because every stage operates
// on not-yet-processed subsets.
func (o *Orchestrator) Run(ctx context.Context) (*domain.JobRun, error) {
	// A running row older than the run timeout cannot still be live.
	running, err := o.repo.HasRunningJob(ctx, jobName, time.Now().Add(-o.cfg.Timeout))
	if err != nil {
		return nil, fmt.Errorf("check running job: %w", err)
	}

	if running {
		o.logger.Info().Msg("pipeline run already in progress, skipping")

		return nil, apperrors.ErrRunInProgress
	}

	runID, err := o.repo.CreateJobRun(ctx, jobName)
	if err != nil {
		return nil, fmt.Errorf("create job run: %w", err)
	}

	run := &domain.JobRun{
		ID:        runID,
		JobName:   jobName,
		Status:    domain.JobStatusRunning,
		StartedAt: time.Now(),
		Stages:    pendingStages(),
	}

	o.logger.Info().Str("run_id", runID).Msg("pipeline run starting")

	runCtx, cancel := context.WithTimeout(ctx, o.cfg.Timeout)
	defer cancel()

	o.execute(runCtx, run)

	run.FinishedAt = time.Now()

	observability.PipelineRuns.WithLabelValues(run.Status).Inc()

	// The terminal record must land even when the run context timed out or
	// the parent was cancelled; a row stuck in running blocks future runs.
	finishCtx, finishCancel := context.WithTimeout(context.WithoutCancel(ctx), finishWriteTimeout)
	defer finishCancel()

	if err := o.repo.FinishJobRun(finishCtx, runID, run.Status, run.ItemsProcessed, run.Errors, run.Stages); err != nil {
		return run, fmt.Errorf("finish job run: %w", err)
	}

	o.logger.Info().
		Str("run_id", runID).
		Str("status", run.Status).
		Int("items", run.ItemsProcessed).
		Int("errors", len(run.Errors)).
		Dur("duration", run.FinishedAt.Sub(run.StartedAt)).
		Msg("pipeline run finished")

	return run, nil
}

func pendingStages() []domain.StageResult {
	names := []string{StageCollection, StageDetection, StageEmbedding, StageClustering, StageScoring, StageCleanup}
	stages := make([]domain.StageResult, len(names))

	for i, name := range names {
		stages[i] = domain.StageResult{Name: name, State: domain.StagePending}
	}

	return stages
}

// execute runs the stages against run, mutating its stages, errors, counters
// and final status in place.
func (o *Orchestrator) execute(ctx context.Context, run *domain.JobRun) {
	// Critical precondition: nothing can proceed without the store.
	if err := o.repo.Ping(ctx); err != nil {
		o.logger.Error().Err(err).Msg("store unreachable, aborting run")

		run.Errors = append(run.Errors, domain.JobError{
			Message:    fmt.Sprintf("%v: %v", apperrors.ErrStoreUnavailable, err),
			OccurredAt: time.Now(),
		})
		skipPending(run)

		run.Status = domain.JobStatusFailed

		return
	}

	if backlog, err := o.repo.CountPendingComplaints(ctx); err == nil {
		o.logger.Info().Int("backlog", backlog).Msg("pipeline backlog")
		observability.PipelineBacklog.Set(float64(backlog))
	}

	batchSize := o.cfg.BatchSize
	if err := o.repo.GetSetting(ctx, settings.KeyPipelineBatchSize, &batchSize); err != nil {
		o.logger.Warn().Err(err).Msg("read batch size setting failed, using default")
	}

	stages := []stageFunc{
		o.runCollection,
		o.runDetection(batchSize),
		o.runEmbedding(batchSize),
		o.runClustering,
		o.runScoring,
		o.runCleanup,
	}

	for i, fn := range stages {
		if err := ctx.Err(); err != nil {
			skipPending(run)

			if errors.Is(err, context.DeadlineExceeded) {
				run.Status = domain.JobStatusTimeout
			} else {
				run.Status = domain.JobStatusFailed
			}

			run.Errors = append(run.Errors, domain.JobError{
				Message:    fmt.Sprintf("run aborted: %v", err),
				OccurredAt: time.Now(),
			})

			return
		}

		o.runStage(ctx, run, &run.Stages[i], fn)
	}

	run.Status = domain.JobStatusCompleted
}

func (o *Orchestrator) runStage(ctx context.Context, run *domain.JobRun, stage *domain.StageResult, fn stageFunc) {
	stage.State = domain.StageRunning

	o.logger.Info().Str("stage", stage.Name).Msg("stage starting")

	start := time.Now()
	items, itemErrs, err := fn(ctx)
	stage.Duration = time.Since(start)
	stage.ItemsProcessed = items

	observability.PipelineStageDuration.WithLabelValues(stage.Name).Observe(stage.Duration.Seconds())

	run.ItemsProcessed += items
	run.Errors = append(run.Errors, itemErrs...)

	if err != nil {
		stage.State = domain.StageFailed
		stage.Error = err.Error()

		run.Errors = append(run.Errors, domain.JobError{
			Stage:      stage.Name,
			Message:    err.Error(),
			OccurredAt: time.Now(),
		})

		o.logger.Error().Err(err).Str("stage", stage.Name).Msg("stage failed, continuing")

		return
	}

	stage.State = domain.StageCompleted

	o.logger.Info().
		Str("stage", stage.Name).
		Int("items", items).
		Dur("duration", stage.Duration).
		Msg("stage completed")
}

func skipPending(run *domain.JobRun) {
	for i := range run.Stages {
		if run.Stages[i].State == domain.StagePending {
			run.Stages[i].State = domain.StageSkipped
		}
	}
}

func (o *Orchestrator) runCollection(ctx context.Context) (int, []domain.JobError, error) {
	if o.collector == nil {
		return 0, nil, nil
	}

	n, err := o.collector.CollectAll(ctx)

	return n, nil, err
}

func (o *Orchestrator) runDetection(batchSize int) stageFunc {
	return func(ctx context.Context) (int, []domain.JobError, error) {
		stats, err := o.detector.Run(ctx, batchSize)

		return stats.Processed, stats.Errors, err
	}
}

func (o *Orchestrator) runEmbedding(batchSize int) stageFunc {
	return func(ctx context.Context) (int, []domain.JobError, error) {
		stats, results, err := o.embedder.Run(ctx, batchSize)

		// Failed items were permanently flagged as non-complaints; the run
		// record is the operator's only trace of them.
		var itemErrs []domain.JobError

		for _, r := range results {
			if r.Succeeded || r.Error == "" {
				continue
			}

			itemErrs = append(itemErrs, domain.JobError{
				Stage:      StageEmbedding,
				Message:    fmt.Sprintf("complaint %s: %s", r.ComplaintID, r.Error),
				OccurredAt: time.Now(),
			})
		}

		return stats.Processed, itemErrs, err
	}
}

func (o *Orchestrator) runClustering(ctx context.Context) (int, []domain.JobError, error) {
	stats, err := o.clusterer.Run(ctx)

	return stats.Processed, stats.Errors, err
}

func (o *Orchestrator) runScoring(ctx context.Context) (int, []domain.JobError, error) {
	stats, err := o.scorer.Run(ctx)

	return stats.ClustersScored, stats.Errors, err
}

func (o *Orchestrator) runCleanup(ctx context.Context) (int, []domain.JobError, error) {
	deleted, err := o.repo.DeleteEmptyClusters(ctx)
	if err != nil {
		return 0, nil, fmt.Errorf("delete empty clusters: %w", err)
	}

	pruned, err := o.repo.PruneJobRuns(ctx, time.Now().Add(-o.cfg.JobRunRetention))
	if err != nil {
		return int(deleted), nil, fmt.Errorf("prune job runs: %w", err)
	}

	o.logger.Info().Int64("clusters_deleted", deleted).Int64("runs_pruned", pruned).Msg("cleanup finished")

	return int(deleted + pruned), nil, nil
}
