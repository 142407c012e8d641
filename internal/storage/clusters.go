package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/pgvector/pgvector-go"

	"opportunityradar/internal/core/domain"
)

// Cluster is an alias for the domain type.
type Cluster = domain.Cluster

// NearestCluster is a cluster candidate returned by the centroid
// nearest-neighbor query.
type NearestCluster struct {
	ID         string
	Similarity float64
}

// FindNearestCluster returns the single most similar cluster whose centroid
// has cosine similarity >= threshold to the given embedding, or nil when no
// cluster qualifies.
func (db *DB) FindNearestCluster(ctx context.Context, embedding []float32, threshold float32) (*NearestCluster, error) {
	var (
		id         pgtype.UUID
		similarity float64
	)

	err := db.Pool.QueryRow(ctx, `
		SELECT id, 1 - (centroid <=> $1::vector) AS similarity
		FROM clusters
		WHERE 1 - (centroid <=> $1::vector) >= $2
		ORDER BY centroid <=> $1::vector
		LIMIT 1
	`, pgvector.NewVector(embedding), float64(threshold)).Scan(&id, &similarity)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil //nolint:nilnil // intentional: no qualifying cluster is not an error
		}

		return nil, fmt.Errorf("find nearest cluster: %w", err)
	}

	return &NearestCluster{ID: fromUUID(id), Similarity: similarity}, nil
}

// CreateCluster inserts a new single-member cluster seeded from one complaint.
func (db *DB) CreateCluster(ctx context.Context, c *Cluster) error {
	dist, err := json.Marshal(c.PlatformDistribution)
	if err != nil {
		return fmt.Errorf("marshal platform distribution: %w", err)
	}

	row := db.Pool.QueryRow(ctx, `
		INSERT INTO clusters (summary, first_seen, last_seen, complaint_count, platform_distribution, centroid)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, toText(c.Summary), toTimestamptz(c.FirstSeen), toTimestamptz(c.LastSeen),
		toInt4(c.ComplaintCount), dist, pgvector.NewVector(c.Centroid))

	var id pgtype.UUID
	if err := row.Scan(&id); err != nil {
		return fmt.Errorf("create cluster: %w", err)
	}

	c.ID = fromUUID(id)

	return nil
}

// GetClusterByID loads a single cluster.
func (db *DB) GetClusterByID(ctx context.Context, id string) (*Cluster, error) {
	row := db.Pool.QueryRow(ctx, `
		SELECT id, summary, first_seen, last_seen, complaint_count, platform_distribution, centroid, created_at, updated_at
		FROM clusters WHERE id = $1
	`, toUUID(id))

	c, err := scanCluster(row)
	if err != nil {
		return nil, err
	}

	return c, nil
}

// GetClustersWithMinSize returns all clusters with at least minSize members.
func (db *DB) GetClustersWithMinSize(ctx context.Context, minSize int) ([]Cluster, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, summary, first_seen, last_seen, complaint_count, platform_distribution, centroid, created_at, updated_at
		FROM clusters
		WHERE complaint_count >= $1
		ORDER BY complaint_count DESC
	`, safeIntToInt32(minSize))
	if err != nil {
		return nil, fmt.Errorf("get clusters with min size: %w", err)
	}
	defer rows.Close()

	var out []Cluster

	for rows.Next() {
		c, err := scanCluster(rows)
		if err != nil {
			return nil, err
		}

		out = append(out, *c)
	}

	if rows.Err() != nil {
		return nil, fmt.Errorf("iterate clusters: %w", rows.Err())
	}

	return out, nil
}

// RecomputeClusterAggregates re-reads every member of the cluster inside a
// transaction that locks the cluster row, then rewrites the centroid as the
// per-dimension mean of all member embeddings, the platform distribution as
// a full recount, and first/last seen from member timestamps. The row lock
// serializes concurrent assignments to the same cluster.
func (db *DB) RecomputeClusterAggregates(ctx context.Context, clusterID string) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin recompute tx: %w", err)
	}

	defer func() {
		_ = tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op
	}()

	if _, err := tx.Exec(ctx, `SELECT 1 FROM clusters WHERE id = $1 FOR UPDATE`, toUUID(clusterID)); err != nil {
		return fmt.Errorf("lock cluster row: %w", err)
	}

	centroid, dist, firstSeen, lastSeen, count, err := readClusterMembers(ctx, tx, clusterID)
	if err != nil {
		return err
	}

	distJSON, err := json.Marshal(dist)
	if err != nil {
		return fmt.Errorf("marshal platform distribution: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE clusters
		SET centroid = $2, platform_distribution = $3, first_seen = $4, last_seen = $5,
		    complaint_count = $6, updated_at = now()
		WHERE id = $1
	`, toUUID(clusterID), pgvector.NewVector(centroid), distJSON,
		toTimestamptz(firstSeen), toTimestamptz(lastSeen), toInt4(count)); err != nil {
		return fmt.Errorf("update cluster aggregates: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit recompute tx: %w", err)
	}

	return nil
}

func readClusterMembers(ctx context.Context, tx pgx.Tx, clusterID string) ([]float32, map[string]int, time.Time, time.Time, int, error) {
	rows, err := tx.Query(ctx, `
		SELECT category, platform, posted_at, embedding
		FROM complaints
		WHERE cluster_id = $1
	`, toUUID(clusterID))
	if err != nil {
		return nil, nil, time.Time{}, time.Time{}, 0, fmt.Errorf("read cluster members: %w", err)
	}
	defer rows.Close()

	var (
		sum       []float64
		embedded  int
		count     int
		firstSeen time.Time
		lastSeen  time.Time
	)

	dist := make(map[string]int)

	for rows.Next() {
		var (
			category pgtype.Text
			platform pgtype.Text
			postedAt pgtype.Timestamptz
			emb      *pgvector.Vector
		)

		if err := rows.Scan(&category, &platform, &postedAt, &emb); err != nil {
			return nil, nil, time.Time{}, time.Time{}, 0, fmt.Errorf("scan cluster member: %w", err)
		}

		count++

		// Same bucket keying as cluster creation: category, falling back to
		// platform for uncategorized items.
		key := fromText(category)
		if key == "" {
			key = fromText(platform)
		}

		dist[key]++

		posted := fromTimestamptz(postedAt)
		if firstSeen.IsZero() || posted.Before(firstSeen) {
			firstSeen = posted
		}

		if posted.After(lastSeen) {
			lastSeen = posted
		}

		if emb == nil {
			continue
		}

		vec := emb.Slice()
		if sum == nil {
			sum = make([]float64, len(vec))
		}

		for i, v := range vec {
			sum[i] += float64(v)
		}

		embedded++
	}

	if rows.Err() != nil {
		return nil, nil, time.Time{}, time.Time{}, 0, fmt.Errorf("iterate cluster members: %w", rows.Err())
	}

	centroid := make([]float32, len(sum))
	for i, v := range sum {
		centroid[i] = float32(v / float64(embedded))
	}

	return centroid, dist, firstSeen, lastSeen, count, nil
}

// UpdateClusterSummary replaces the cluster's summary text.
func (db *DB) UpdateClusterSummary(ctx context.Context, clusterID, summary string) error {
	if _, err := db.Pool.Exec(ctx, `
		UPDATE clusters SET summary = $2, updated_at = now() WHERE id = $1
	`, toUUID(clusterID), toText(summary)); err != nil {
		return fmt.Errorf("update cluster summary: %w", err)
	}

	return nil
}

// DeleteEmptyClusters removes clusters with no assigned complaints. Deleting
// a cluster cascades to its opportunity.
func (db *DB) DeleteEmptyClusters(ctx context.Context) (int64, error) {
	tag, err := db.Pool.Exec(ctx, `
		DELETE FROM clusters c
		WHERE NOT EXISTS (SELECT 1 FROM complaints WHERE cluster_id = c.id)
	`)
	if err != nil {
		return 0, fmt.Errorf("delete empty clusters: %w", err)
	}

	return tag.RowsAffected(), nil
}

func scanCluster(row pgx.Row) (*Cluster, error) {
	var (
		id                   pgtype.UUID
		summary              pgtype.Text
		firstSeen, lastSeen  pgtype.Timestamptz
		count                pgtype.Int4
		distJSON             []byte
		centroid             pgvector.Vector
		createdAt, updatedAt pgtype.Timestamptz
	)

	if err := row.Scan(&id, &summary, &firstSeen, &lastSeen, &count, &distJSON, &centroid, &createdAt, &updatedAt); err != nil {
		return nil, fmt.Errorf("scan cluster: %w", err)
	}

	dist := make(map[string]int)
	if len(distJSON) > 0 {
		if err := json.Unmarshal(distJSON, &dist); err != nil {
			return nil, fmt.Errorf("unmarshal platform distribution: %w", err)
		}
	}

	return &Cluster{
		ID:                   fromUUID(id),
		Summary:              fromText(summary),
		FirstSeen:            fromTimestamptz(firstSeen),
		LastSeen:             fromTimestamptz(lastSeen),
		ComplaintCount:       int(count.Int32),
		PlatformDistribution: dist,
		Centroid:             centroid.Slice(),
		CreatedAt:            fromTimestamptz(createdAt),
		UpdatedAt:            fromTimestamptz(updatedAt),
	}, nil
}
