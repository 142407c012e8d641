// Package settings names the runtime-tunable setting keys and their seeded
// defaults. Values live in the settings table as JSON and are read fresh at
// the start of every pipeline run.
package settings

const (
	KeyClusterSimilarityThreshold = "cluster_similarity_threshold"
	KeyOpportunityMinScore        = "opportunity_min_score"
	KeyScoringMinClusterSize      = "scoring_min_cluster_size"
	KeyPipelineBatchSize          = "pipeline_batch_size"
	KeyEmbeddingBatchSize         = "embedding_batch_size"
)

// Defaults returns the values seeded at install time. Existing operator
// overrides are never overwritten.
func Defaults() map[string]interface{} {
	return map[string]interface{}{
		KeyClusterSimilarityThreshold: 0.75,
		KeyOpportunityMinScore:        70,
		KeyScoringMinClusterSize:      2,
		KeyPipelineBatchSize:          500,
		KeyEmbeddingBatchSize:         100,
	}
}
