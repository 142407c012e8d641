package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/pgvector/pgvector-go"

	"opportunityradar/internal/core/domain"
)

// Complaint is an alias for the domain type.
type Complaint = domain.Complaint

const complaintColumns = `id, platform, source_id, url, category, author, body,
	posted_at, created_at, is_complaint, cluster_id`

// InsertComplaint inserts a raw item, deduplicating on (platform, source_id).
// Returns false when an item with the same identity already exists.
func (db *DB) InsertComplaint(ctx context.Context, c *Complaint) (bool, error) {
	row := db.Pool.QueryRow(ctx, `
		INSERT INTO complaints (platform, source_id, url, category, author, body, posted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (platform, source_id) DO NOTHING
		RETURNING id
	`, c.Platform, c.SourceID, toText(c.URL), toText(c.Category), toText(c.Author),
		SanitizeUTF8(c.Body), toTimestamptz(c.PostedAt))

	var id pgtype.UUID

	if err := row.Scan(&id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}

		return false, fmt.Errorf("insert complaint: %w", err)
	}

	c.ID = fromUUID(id)

	return true, nil
}

// GetUndetectedComplaints returns complaints with no embedding yet, the
// detector's "unprocessed" set. Items that already carry an embedding are
// never re-evaluated.
func (db *DB) GetUndetectedComplaints(ctx context.Context, limit int) ([]Complaint, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT `+complaintColumns+`
		FROM complaints
		WHERE embedding IS NULL AND is_complaint IS NULL
		ORDER BY created_at
		LIMIT $1
	`, safeIntToInt32(limit))
	if err != nil {
		return nil, fmt.Errorf("get undetected complaints: %w", err)
	}

	return scanComplaints(rows)
}

// SetIsComplaint persists the detector's one-time verdict for an item.
func (db *DB) SetIsComplaint(ctx context.Context, id string, isComplaint bool) error {
	if _, err := db.Pool.Exec(ctx, `
		UPDATE complaints SET is_complaint = $2 WHERE id = $1
	`, toUUID(id), isComplaint); err != nil {
		return fmt.Errorf("set is_complaint: %w", err)
	}

	return nil
}

// GetUnembeddedComplaints returns detected complaints that have no embedding.
func (db *DB) GetUnembeddedComplaints(ctx context.Context, limit int) ([]Complaint, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT `+complaintColumns+`
		FROM complaints
		WHERE is_complaint = TRUE AND embedding IS NULL
		ORDER BY created_at
		LIMIT $1
	`, safeIntToInt32(limit))
	if err != nil {
		return nil, fmt.Errorf("get unembedded complaints: %w", err)
	}

	return scanComplaints(rows)
}

// SaveComplaintEmbedding stores an embedding. Embeddings are immutable once
// set; the guard keeps a concurrent run from overwriting one.
func (db *DB) SaveComplaintEmbedding(ctx context.Context, id string, embedding []float32) error {
	if _, err := db.Pool.Exec(ctx, `
		UPDATE complaints SET embedding = $2 WHERE id = $1 AND embedding IS NULL
	`, toUUID(id), pgvector.NewVector(embedding)); err != nil {
		return fmt.Errorf("save complaint embedding: %w", err)
	}

	return nil
}

// GetUnclusteredComplaints returns embedded complaints awaiting cluster assignment.
func (db *DB) GetUnclusteredComplaints(ctx context.Context, limit int) ([]Complaint, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT `+complaintColumns+`, embedding
		FROM complaints
		WHERE is_complaint = TRUE AND embedding IS NOT NULL AND cluster_id IS NULL
		ORDER BY created_at
		LIMIT $1
	`, safeIntToInt32(limit))
	if err != nil {
		return nil, fmt.Errorf("get unclustered complaints: %w", err)
	}
	defer rows.Close()

	var out []Complaint

	for rows.Next() {
		var (
			c   Complaint
			emb pgvector.Vector
		)

		if err := scanComplaintRow(rows, &c, &emb); err != nil {
			return nil, err
		}

		c.Embedding = emb.Slice()
		out = append(out, c)
	}

	if rows.Err() != nil {
		return nil, fmt.Errorf("iterate unclustered complaints: %w", rows.Err())
	}

	return out, nil
}

// AssignComplaintToCluster sets the cluster reference for a complaint.
// The assignment is set once; an already-clustered complaint is untouched.
func (db *DB) AssignComplaintToCluster(ctx context.Context, complaintID, clusterID string) error {
	if _, err := db.Pool.Exec(ctx, `
		UPDATE complaints SET cluster_id = $2 WHERE id = $1 AND cluster_id IS NULL
	`, toUUID(complaintID), toUUID(clusterID)); err != nil {
		return fmt.Errorf("assign complaint to cluster: %w", err)
	}

	return nil
}

// GetClusterMemberTexts returns the bodies of all complaints in a cluster,
// newest first, optionally limited.
func (db *DB) GetClusterMemberTexts(ctx context.Context, clusterID string, limit int) ([]string, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT body FROM complaints
		WHERE cluster_id = $1
		ORDER BY posted_at DESC
		LIMIT $2
	`, toUUID(clusterID), safeIntToInt32(limit))
	if err != nil {
		return nil, fmt.Errorf("get cluster member texts: %w", err)
	}
	defer rows.Close()

	var texts []string

	for rows.Next() {
		var body string

		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan cluster member text: %w", err)
		}

		texts = append(texts, body)
	}

	if rows.Err() != nil {
		return nil, fmt.Errorf("iterate cluster member texts: %w", rows.Err())
	}

	return texts, nil
}

// CountPendingComplaints counts items with work left in the pipeline:
// not yet detected, or detected as complaints but not yet clustered.
func (db *DB) CountPendingComplaints(ctx context.Context) (int, error) {
	var count int
	if err := db.Pool.QueryRow(ctx, `
		SELECT count(*) FROM complaints
		WHERE is_complaint IS NULL OR (is_complaint AND cluster_id IS NULL)
	`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count pending complaints: %w", err)
	}

	return count, nil
}

// CountClusterMembersBetween counts members posted within [from, to).
func (db *DB) CountClusterMembersBetween(ctx context.Context, clusterID string, from, to time.Time) (int, error) {
	var count int

	if err := db.Pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM complaints
		WHERE cluster_id = $1 AND posted_at >= $2 AND posted_at < $3
	`, toUUID(clusterID), toTimestamptz(from), toTimestamptz(to)).Scan(&count); err != nil {
		return 0, fmt.Errorf("count cluster members between: %w", err)
	}

	return count, nil
}

// FindNearestComplaintToCentroid returns the member complaint whose embedding
// is closest to the cluster centroid. Falls back to the first member when no
// member has an embedding.
func (db *DB) FindNearestComplaintToCentroid(ctx context.Context, clusterID string, centroid []float32) (string, error) {
	var id pgtype.UUID

	err := db.Pool.QueryRow(ctx, `
		SELECT id FROM complaints
		WHERE cluster_id = $1 AND embedding IS NOT NULL
		ORDER BY embedding <=> $2::vector
		LIMIT 1
	`, toUUID(clusterID), pgvector.NewVector(centroid)).Scan(&id)
	if err == nil {
		return fromUUID(id), nil
	}

	if !errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("find nearest complaint to centroid: %w", err)
	}

	err = db.Pool.QueryRow(ctx, `
		SELECT id FROM complaints WHERE cluster_id = $1 ORDER BY posted_at LIMIT 1
	`, toUUID(clusterID)).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}

		return "", fmt.Errorf("find first cluster member: %w", err)
	}

	return fromUUID(id), nil
}

func scanComplaints(rows pgx.Rows) ([]Complaint, error) {
	defer rows.Close()

	var out []Complaint

	for rows.Next() {
		var c Complaint

		if err := scanComplaintRow(rows, &c, nil); err != nil {
			return nil, err
		}

		out = append(out, c)
	}

	if rows.Err() != nil {
		return nil, fmt.Errorf("iterate complaints: %w", rows.Err())
	}

	return out, nil
}

func scanComplaintRow(rows pgx.Rows, c *Complaint, emb *pgvector.Vector) error {
	var (
		id, clusterID         pgtype.UUID
		url, category, author pgtype.Text
		postedAt, createdAt   pgtype.Timestamptz
		isComplaint           pgtype.Bool
	)

	dest := []interface{}{
		&id, &c.Platform, &c.SourceID, &url, &category, &author, &c.Body,
		&postedAt, &createdAt, &isComplaint, &clusterID,
	}
	if emb != nil {
		dest = append(dest, emb)
	}

	if err := rows.Scan(dest...); err != nil {
		return fmt.Errorf("scan complaint: %w", err)
	}

	c.ID = fromUUID(id)
	c.URL = fromText(url)
	c.Category = fromText(category)
	c.Author = fromText(author)
	c.PostedAt = fromTimestamptz(postedAt)
	c.CreatedAt = fromTimestamptz(createdAt)
	c.IsComplaint = fromBool(isComplaint)
	c.ClusterID = fromUUID(clusterID)

	return nil
}
