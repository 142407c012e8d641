package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgtype"

	"opportunityradar/internal/core/domain"
)

// JobRun is an alias for the domain type.
type JobRun = domain.JobRun

// CreateJobRun records the start of a pipeline or sub-stage invocation.
func (db *DB) CreateJobRun(ctx context.Context, jobName string) (string, error) {
	row := db.Pool.QueryRow(ctx, `
		INSERT INTO job_runs (job_name, status, started_at)
		VALUES ($1, $2, now())
		RETURNING id
	`, jobName, domain.JobStatusRunning)

	var id pgtype.UUID
	if err := row.Scan(&id); err != nil {
		return "", fmt.Errorf("create job run: %w", err)
	}

	return fromUUID(id), nil
}

// FinishJobRun marks a run terminal, attaching its stats, error list and
// per-stage breakdown. Every caught error must be attached before the run
// goes terminal; there are no silent failures.
func (db *DB) FinishJobRun(ctx context.Context, id, status string, itemsProcessed int, errs []domain.JobError, stages []domain.StageResult) error {
	errsJSON, err := json.Marshal(errs)
	if err != nil {
		return fmt.Errorf("marshal job errors: %w", err)
	}

	stagesJSON, err := json.Marshal(stages)
	if err != nil {
		return fmt.Errorf("marshal job stages: %w", err)
	}

	if _, err := db.Pool.Exec(ctx, `
		UPDATE job_runs
		SET status = $2, finished_at = now(), items_processed = $3, errors = $4, stages = $5
		WHERE id = $1
	`, toUUID(id), status, toInt4(itemsProcessed), errsJSON, stagesJSON); err != nil {
		return fmt.Errorf("finish job run: %w", err)
	}

	return nil
}

// HasRunningJob reports whether a run for jobName is currently marked
// running and started after the cutoff. Rows older than the cutoff are
// leftovers of a crashed process and must not block new runs. Best-effort
// overlap check, not a mutex.
func (db *DB) HasRunningJob(ctx context.Context, jobName string, startedAfter time.Time) (bool, error) {
	var running bool

	if err := db.Pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM job_runs
			WHERE job_name = $1 AND status = $2 AND started_at > $3
		)
	`, jobName, domain.JobStatusRunning, toTimestamptz(startedAfter)).Scan(&running); err != nil {
		return false, fmt.Errorf("check running job: %w", err)
	}

	return running, nil
}

// HasCompletedJobSince reports whether a run for jobName completed at or
// after the given time, for idempotent "did today's run already succeed"
// checks.
func (db *DB) HasCompletedJobSince(ctx context.Context, jobName string, since time.Time) (bool, error) {
	var done bool

	if err := db.Pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM job_runs
			WHERE job_name = $1 AND status = $2 AND started_at >= $3
		)
	`, jobName, domain.JobStatusCompleted, toTimestamptz(since)).Scan(&done); err != nil {
		return false, fmt.Errorf("check completed job: %w", err)
	}

	return done, nil
}

// PruneJobRuns deletes terminal job runs older than the retention window.
func (db *DB) PruneJobRuns(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := db.Pool.Exec(ctx, `
		DELETE FROM job_runs WHERE status != $1 AND started_at < $2
	`, domain.JobStatusRunning, toTimestamptz(olderThan))
	if err != nil {
		return 0, fmt.Errorf("prune job runs: %w", err)
	}

	return tag.RowsAffected(), nil
}
