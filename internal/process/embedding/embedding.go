// Package embedding runs the embedding stage: it converts detected
// complaints into fixed-length vectors in provider batches, with bounded
// retries and a fail-closed policy for batches that exhaust them.
package embedding

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"opportunityradar/internal/core/domain"
	"opportunityradar/internal/core/embeddings"
	"opportunityradar/internal/platform/observability"
	"opportunityradar/internal/platform/settings"
	"opportunityradar/internal/platform/worker"
	db "opportunityradar/internal/storage"
)

const (
	defaultBatchSize   = 100
	defaultMaxAttempts = 3
	defaultBackoffBase = time.Second
	defaultMaxChars    = 8000
)

// Repository is the storage surface the embedding stage needs.
type Repository interface {
	GetUnembeddedComplaints(ctx context.Context, limit int) ([]domain.Complaint, error)
	SaveComplaintEmbedding(ctx context.Context, id string, embedding []float32) error
	SetIsComplaint(ctx context.Context, id string, isComplaint bool) error
	GetSetting(ctx context.Context, key string, target interface{}) error
}

var _ Repository = (*db.DB)(nil)

// Config controls batching and retry behavior.
type Config struct {
	BatchSize   int
	MaxAttempts int
	BackoffBase time.Duration
	// MaxChars truncates each text before submission; the provider has a
	// token ceiling.
	MaxChars int
}

// ItemResult is the per-item outcome of a batch run.
type ItemResult struct {
	ComplaintID string
	Succeeded   bool
	Cached      bool
	Error       string
}

// Stats aggregates one embedding stage run.
type Stats struct {
	Processed int
	Succeeded int
	Failed    int
	Cached    int
	Batches   int
}

// Adapter embeds complaint texts through a provider client.
type Adapter struct {
	repo   Repository
	client embeddings.Client
	cfg    Config
	logger *zerolog.Logger
}

func NewAdapter(repo Repository, client embeddings.Client, cfg Config, logger *zerolog.Logger) *Adapter {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}

	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}

	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = defaultBackoffBase
	}

	if cfg.MaxChars <= 0 {
		cfg.MaxChars = defaultMaxChars
	}

	return &Adapter{repo: repo, client: client, cfg: cfg, logger: logger}
}

// Run embeds every detected complaint without an embedding, up to limit.
// Items that already carry an embedding count as cache hits and are skipped.
// When a batch exhausts its retries, every item in it is marked as not a
// complaint so later runs do not retry it forever.
func (a *Adapter) Run(ctx context.Context, limit int) (Stats, []ItemResult, error) {
	pending, err := a.repo.GetUnembeddedComplaints(ctx, limit)
	if err != nil {
		return Stats{}, nil, fmt.Errorf("load unembedded complaints: %w", err)
	}

	// Operator override from the settings table wins over the env value.
	batchSize := a.cfg.BatchSize
	if err := a.repo.GetSetting(ctx, settings.KeyEmbeddingBatchSize, &batchSize); err != nil {
		a.logger.Warn().Err(err).Msg("read embedding batch size setting failed, using default")
	}

	if batchSize <= 0 {
		batchSize = a.cfg.BatchSize
	}

	var (
		stats   Stats
		results []ItemResult
	)

	batch := make([]domain.Complaint, 0, batchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}

		stats.Batches++

		batchResults := a.processBatch(ctx, batch, &stats)
		results = append(results, batchResults...)
		batch = batch[:0]

		return ctx.Err()
	}

	for i := range pending {
		c := pending[i]

		if len(c.Embedding) > 0 {
			stats.Cached++
			stats.Processed++

			results = append(results, ItemResult{ComplaintID: c.ID, Succeeded: true, Cached: true})

			observability.EmbeddingCacheHits.Inc()

			continue
		}

		batch = append(batch, c)

		if len(batch) >= batchSize {
			if err := flush(); err != nil {
				return stats, results, fmt.Errorf("embedding interrupted: %w", err)
			}
		}
	}

	if err := flush(); err != nil {
		return stats, results, fmt.Errorf("embedding interrupted: %w", err)
	}

	a.logger.Info().
		Int("processed", stats.Processed).
		Int("succeeded", stats.Succeeded).
		Int("failed", stats.Failed).
		Int("cached", stats.Cached).
		Int("batches", stats.Batches).
		Msg("embedding stage finished")

	return stats, results, nil
}

// processBatch embeds one batch with retries and persists per-item results.
func (a *Adapter) processBatch(ctx context.Context, batch []domain.Complaint, stats *Stats) []ItemResult {
	texts := make([]string, len(batch))
	for i, c := range batch {
		texts[i] = truncate(c.Body, a.cfg.MaxChars)
	}

	start := time.Now()

	vectors, err := a.embedWithRetries(ctx, texts)

	observability.EmbeddingLatency.Observe(time.Since(start).Seconds())

	if err != nil {
		observability.EmbeddingRequests.WithLabelValues("error").Inc()

		return a.failBatch(ctx, batch, stats, err)
	}

	observability.EmbeddingRequests.WithLabelValues("ok").Inc()

	results := make([]ItemResult, 0, len(batch))

	for i, c := range batch {
		stats.Processed++

		if err := a.repo.SaveComplaintEmbedding(ctx, c.ID, vectors[i]); err != nil {
			stats.Failed++

			results = append(results, ItemResult{ComplaintID: c.ID, Error: err.Error()})

			a.logger.Warn().Err(err).Str("complaint_id", c.ID).Msg("persist embedding failed")

			continue
		}

		stats.Succeeded++

		results = append(results, ItemResult{ComplaintID: c.ID, Succeeded: true})
	}

	return results
}

// failBatch marks every item in a failed batch as not a complaint. This
// trades recall for liveness: the items are permanently excluded instead of
// being retried by every subsequent run.
func (a *Adapter) failBatch(ctx context.Context, batch []domain.Complaint, stats *Stats, cause error) []ItemResult {
	a.logger.Error().Err(cause).Int("batch_size", len(batch)).Msg("embedding batch failed, marking items as non-complaints")

	results := make([]ItemResult, 0, len(batch))

	for _, c := range batch {
		stats.Processed++
		stats.Failed++

		if err := a.repo.SetIsComplaint(ctx, c.ID, false); err != nil {
			a.logger.Warn().Err(err).Str("complaint_id", c.ID).Msg("mark non-complaint failed")
		}

		results = append(results, ItemResult{ComplaintID: c.ID, Error: cause.Error()})
	}

	return results
}

func (a *Adapter) embedWithRetries(ctx context.Context, texts []string) ([][]float32, error) {
	var lastErr error

	for attempt := 0; attempt < a.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := a.cfg.BackoffBase * (1 << (attempt - 1))
			if err := worker.Wait(ctx, delay); err != nil {
				return nil, err
			}
		}

		vectors, err := a.client.EmbedBatch(ctx, texts)
		if err == nil {
			if len(vectors) != len(texts) {
				return nil, fmt.Errorf("provider returned %d vectors for %d texts", len(vectors), len(texts))
			}

			return vectors, nil
		}

		lastErr = err

		a.logger.Warn().Err(err).Int("attempt", attempt+1).Msg("embedding request failed")

		if ctx.Err() != nil {
			break
		}
	}

	return nil, lastErr
}

// truncate cuts s to at most maxChars bytes on a rune boundary.
func truncate(s string, maxChars int) string {
	if len(s) <= maxChars {
		return s
	}

	cut := maxChars
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}

	return s[:cut]
}
