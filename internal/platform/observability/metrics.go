package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ItemsCollected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "radar_items_collected_total",
		Help: "The total number of collected raw items",
	}, []string{"platform"})

	ComplaintsDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "radar_complaints_detected_total",
		Help: "The total number of items evaluated by the complaint detector",
	}, []string{"result"})

	EmbeddingRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "radar_embedding_requests_total",
		Help: "Total number of embedding batch requests",
	}, []string{"status"})

	EmbeddingCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "radar_embedding_cache_hits_total",
		Help: "Total number of items skipped because an embedding already existed",
	})

	EmbeddingLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "radar_embedding_latency_seconds",
		Help:    "Latency of embedding batch requests",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
	})

	ClustersCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "radar_clusters_created_total",
		Help: "Total number of clusters created",
	})

	ClusterAssignments = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "radar_cluster_assignments_total",
		Help: "Total number of complaint-to-cluster assignments",
	}, []string{"kind"})

	ClusterSimilarity = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "radar_cluster_similarity",
		Help:    "Cosine similarity of assigned complaints to their nearest centroid",
		Buckets: []float64{0.5, 0.6, 0.7, 0.75, 0.8, 0.85, 0.9, 0.95, 1.0},
	})

	SummaryRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "radar_summary_requests_total",
		Help: "Total number of cluster summary requests",
	}, []string{"status"})

	OpportunitiesScored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "radar_opportunities_scored_total",
		Help: "Total number of clusters scored",
	})

	OpportunityScore = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "radar_opportunity_score",
		Help:    "Distribution of computed opportunity scores",
		Buckets: []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
	})

	PipelineRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "radar_pipeline_runs_total",
		Help: "Total number of pipeline runs by final status",
	}, []string{"status"})

	PipelineStageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "radar_pipeline_stage_duration_seconds",
		Help:    "Duration in seconds of each pipeline stage",
		Buckets: []float64{1, 2, 5, 10, 20, 30, 60, 120, 300, 600},
	}, []string{"stage"})

	PipelineBacklog = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "radar_pipeline_backlog_size",
		Help: "Number of unprocessed complaint candidates in the database",
	})

	CircuitBreakerOpens = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "radar_circuit_breaker_opens_total",
		Help: "Total number of times a provider circuit breaker opened",
	}, []string{"provider"})
)
