package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"opportunityradar/internal/core/domain"
)

// Opportunity is an alias for the domain type.
type Opportunity = domain.Opportunity

// UpsertOpportunity creates or refreshes the opportunity for a cluster,
// keyed on the cluster reference. The score, factors snapshot and
// representative quote are refreshed; is_bookmarked is never touched.
func (db *DB) UpsertOpportunity(ctx context.Context, o *Opportunity) error {
	factors, err := json.Marshal(o.Factors)
	if err != nil {
		return fmt.Errorf("marshal scoring factors: %w", err)
	}

	row := db.Pool.QueryRow(ctx, `
		INSERT INTO opportunities (cluster_id, score, factors, representative_quote_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (cluster_id) DO UPDATE
		SET score = EXCLUDED.score,
		    factors = EXCLUDED.factors,
		    representative_quote_id = EXCLUDED.representative_quote_id,
		    updated_at = now()
		RETURNING id
	`, toUUID(o.ClusterID), toInt4(o.Score), factors, toUUID(o.RepresentativeQuoteID))

	var id pgtype.UUID
	if err := row.Scan(&id); err != nil {
		return fmt.Errorf("upsert opportunity: %w", err)
	}

	o.ID = fromUUID(id)

	return nil
}

// GetOpportunityByCluster loads the opportunity for a cluster, or nil when
// none exists.
func (db *DB) GetOpportunityByCluster(ctx context.Context, clusterID string) (*Opportunity, error) {
	var (
		id, quoteID          pgtype.UUID
		score                pgtype.Int4
		factorsJSON          []byte
		bookmarked           bool
		createdAt, updatedAt pgtype.Timestamptz
	)

	err := db.Pool.QueryRow(ctx, `
		SELECT id, score, factors, representative_quote_id, is_bookmarked, created_at, updated_at
		FROM opportunities WHERE cluster_id = $1
	`, toUUID(clusterID)).Scan(&id, &score, &factorsJSON, &quoteID, &bookmarked, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil //nolint:nilnil // intentional: not found is not an error
		}

		return nil, fmt.Errorf("get opportunity by cluster: %w", err)
	}

	var factors domain.ScoringFactors
	if len(factorsJSON) > 0 {
		if err := json.Unmarshal(factorsJSON, &factors); err != nil {
			return nil, fmt.Errorf("unmarshal scoring factors: %w", err)
		}
	}

	return &Opportunity{
		ID:                    fromUUID(id),
		ClusterID:             clusterID,
		Score:                 int(score.Int32),
		Factors:               factors,
		RepresentativeQuoteID: fromUUID(quoteID),
		IsBookmarked:          bookmarked,
		CreatedAt:             fromTimestamptz(createdAt),
		UpdatedAt:             fromTimestamptz(updatedAt),
	}, nil
}

// SetOpportunityBookmark flips the operator-controlled bookmark flag.
func (db *DB) SetOpportunityBookmark(ctx context.Context, id string, bookmarked bool) error {
	if _, err := db.Pool.Exec(ctx, `
		UPDATE opportunities SET is_bookmarked = $2, updated_at = now() WHERE id = $1
	`, toUUID(id), bookmarked); err != nil {
		return fmt.Errorf("set opportunity bookmark: %w", err)
	}

	return nil
}
