package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opportunityradar/internal/core/domain"
	apperrors "opportunityradar/internal/core/errors"
	"opportunityradar/internal/detect"
	"opportunityradar/internal/process/cluster"
	"opportunityradar/internal/process/embedding"
	"opportunityradar/internal/process/score"
)

type fakeRepo struct {
	pingErr    error
	hasRunning bool

	finishedStatus string
	finishedItems  int
	finishedErrors []domain.JobError
	finishedStages []domain.StageResult
	finishCtxErr   error
}

func (f *fakeRepo) Ping(context.Context) error { return f.pingErr }

func (f *fakeRepo) CreateJobRun(context.Context, string) (string, error) { return "run-1", nil }

func (f *fakeRepo) FinishJobRun(ctx context.Context, _, status string, items int, errs []domain.JobError, stages []domain.StageResult) error {
	f.finishCtxErr = ctx.Err()
	f.finishedStatus = status
	f.finishedItems = items
	f.finishedErrors = errs
	f.finishedStages = stages

	return nil
}

func (f *fakeRepo) HasRunningJob(context.Context, string, time.Time) (bool, error) {
	return f.hasRunning, nil
}

func (f *fakeRepo) GetSetting(context.Context, string, interface{}) error { return nil }

func (f *fakeRepo) CountPendingComplaints(context.Context) (int, error) { return 0, nil }

func (f *fakeRepo) DeleteEmptyClusters(context.Context) (int64, error) { return 0, nil }

func (f *fakeRepo) PruneJobRuns(context.Context, time.Time) (int64, error) { return 0, nil }

type fakeCollector struct {
	n   int
	err error
}

func (f *fakeCollector) CollectAll(context.Context) (int, error) { return f.n, f.err }

type fakeDetector struct {
	stats detect.Stats
	err   error
	calls int
}

func (f *fakeDetector) Run(context.Context, int) (detect.Stats, error) {
	f.calls++

	return f.stats, f.err
}

type fakeEmbedder struct {
	stats   embedding.Stats
	results []embedding.ItemResult
	err     error
	calls   int
}

func (f *fakeEmbedder) Run(context.Context, int) (embedding.Stats, []embedding.ItemResult, error) {
	f.calls++

	return f.stats, f.results, f.err
}

type fakeClusterer struct {
	stats cluster.Stats
	err   error
	calls int
	block time.Duration
}

func (f *fakeClusterer) Run(ctx context.Context) (cluster.Stats, error) {
	f.calls++

	if f.block > 0 {
		select {
		case <-ctx.Done():
			return f.stats, ctx.Err()
		case <-time.After(f.block):
		}
	}

	return f.stats, f.err
}

type fakeScorer struct {
	stats score.Stats
	err   error
	calls int
}

func (f *fakeScorer) Run(context.Context) (score.Stats, error) {
	f.calls++

	return f.stats, f.err
}

type fixture struct {
	repo      *fakeRepo
	collector *fakeCollector
	detector  *fakeDetector
	embedder  *fakeEmbedder
	clusterer *fakeClusterer
	scorer    *fakeScorer
}

func newFixture() *fixture {
	return &fixture{
		repo:      &fakeRepo{},
		collector: &fakeCollector{n: 5},
		detector:  &fakeDetector{stats: detect.Stats{Processed: 5}},
		embedder:  &fakeEmbedder{stats: embedding.Stats{Processed: 4}},
		clusterer: &fakeClusterer{stats: cluster.Stats{Processed: 4}},
		scorer:    &fakeScorer{stats: score.Stats{ClustersScored: 2}},
	}
}

func (f *fixture) orchestrator(cfg Config) *Orchestrator {
	logger := zerolog.Nop()

	return NewOrchestrator(f.repo, f.collector, f.detector, f.embedder, f.clusterer, f.scorer, cfg, &logger)
}

func stageByName(t *testing.T, stages []domain.StageResult, name string) domain.StageResult {
	t.Helper()

	for _, s := range stages {
		if s.Name == name {
			return s
		}
	}

	t.Fatalf("stage %s not found", name)

	return domain.StageResult{}
}

func TestRunAllStagesComplete(t *testing.T) {
	f := newFixture()

	run, err := f.orchestrator(Config{}).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, domain.JobStatusCompleted, run.Status)
	require.Len(t, run.Stages, 6)

	for _, s := range run.Stages {
		assert.Equal(t, domain.StageCompleted, s.State, "stage %s", s.Name)
	}

	// 5 collected + 5 detected + 4 embedded + 4 clustered + 2 scored.
	assert.Equal(t, 20, run.ItemsProcessed)
	assert.Equal(t, domain.JobStatusCompleted, f.repo.finishedStatus)
}

func TestRunContinuesPastStageFailure(t *testing.T) {
	f := newFixture()
	f.detector.err = errors.New("detector blew up")

	run, err := f.orchestrator(Config{}).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, domain.JobStatusCompleted, run.Status)
	assert.Equal(t, domain.StageFailed, stageByName(t, run.Stages, StageDetection).State)

	// Downstream stages still ran and are not skipped.
	assert.Equal(t, 1, f.embedder.calls)
	assert.Equal(t, 1, f.clusterer.calls)
	assert.Equal(t, 1, f.scorer.calls)
	assert.Equal(t, domain.StageCompleted, stageByName(t, run.Stages, StageScoring).State)

	require.NotEmpty(t, run.Errors)
	assert.Equal(t, StageDetection, run.Errors[0].Stage)
}

func TestRunRecordsItemFailuresFromStages(t *testing.T) {
	f := newFixture()
	f.detector.stats.Errors = []domain.JobError{
		{Stage: StageDetection, Message: "complaint c0: write refused"},
	}
	f.embedder.results = []embedding.ItemResult{
		{ComplaintID: "c1", Error: "quota exceeded"},
		{ComplaintID: "c2", Error: "quota exceeded"},
		{ComplaintID: "c3", Succeeded: true},
	}

	run, err := f.orchestrator(Config{}).Run(context.Background())
	require.NoError(t, err)

	// Item failures do not fail the stage, but every one of them lands in
	// the persisted run record.
	assert.Equal(t, domain.JobStatusCompleted, run.Status)
	require.Len(t, run.Errors, 3)
	assert.Equal(t, StageDetection, run.Errors[0].Stage)
	assert.Contains(t, run.Errors[0].Message, "c0")
	assert.Equal(t, StageEmbedding, run.Errors[1].Stage)
	assert.Contains(t, run.Errors[1].Message, "quota exceeded")
	assert.Contains(t, run.Errors[2].Message, "c2")
	assert.Len(t, f.repo.finishedErrors, 3)
}

func TestRunStoreUnreachableSkipsEverything(t *testing.T) {
	f := newFixture()
	f.repo.pingErr = errors.New("connection refused")

	run, err := f.orchestrator(Config{}).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, domain.JobStatusFailed, run.Status)

	for _, s := range run.Stages {
		assert.Equal(t, domain.StageSkipped, s.State, "stage %s", s.Name)
	}

	assert.Zero(t, f.detector.calls)
	assert.Zero(t, f.scorer.calls)
	require.NotEmpty(t, run.Errors)
	assert.Contains(t, run.Errors[0].Message, "store unavailable")
}

func TestRunTimeoutSkipsRemainingStages(t *testing.T) {
	f := newFixture()
	f.clusterer.block = 200 * time.Millisecond

	run, err := f.orchestrator(Config{Timeout: 50 * time.Millisecond}).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, domain.JobStatusTimeout, run.Status)
	assert.Equal(t, domain.StageFailed, stageByName(t, run.Stages, StageClustering).State)
	assert.Equal(t, domain.StageSkipped, stageByName(t, run.Stages, StageScoring).State)
	assert.Equal(t, domain.StageSkipped, stageByName(t, run.Stages, StageCleanup).State)
	assert.Zero(t, f.scorer.calls)

	// The terminal record is still written.
	assert.Equal(t, domain.JobStatusTimeout, f.repo.finishedStatus)
}

func TestRunExternalCancellation(t *testing.T) {
	f := newFixture()
	f.clusterer.block = time.Second

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	run, err := f.orchestrator(Config{}).Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, domain.JobStatusFailed, run.Status)
	assert.Equal(t, domain.StageSkipped, stageByName(t, run.Stages, StageScoring).State)

	// The terminal write runs on a detached context so the row does not
	// stay in running forever.
	assert.Equal(t, domain.JobStatusFailed, f.repo.finishedStatus)
	assert.NoError(t, f.repo.finishCtxErr)
}

func TestRunSkipsWhenAlreadyRunning(t *testing.T) {
	f := newFixture()
	f.repo.hasRunning = true

	run, err := f.orchestrator(Config{}).Run(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrRunInProgress)
	assert.Nil(t, run)
	assert.Zero(t, f.detector.calls)
}
