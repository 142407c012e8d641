package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds process-level configuration loaded from the environment.
// Values that operators tune at runtime (similarity threshold, score
// threshold, batch sizes) also live in the settings table and override
// these defaults at the start of every pipeline run.
type Config struct {
	AppEnv      string `env:"APP_ENV" envDefault:"local"`
	PostgresDSN string `env:"POSTGRES_DSN,required"`
	HealthPort  int    `env:"HEALTH_PORT" envDefault:"8080"`

	DBMaxConnections    int32         `env:"DB_MAX_CONNECTIONS" envDefault:"10"`
	DBMinConnections    int32         `env:"DB_MIN_CONNECTIONS" envDefault:"2"`
	DBMaxConnIdleTime   time.Duration `env:"DB_MAX_CONN_IDLE_TIME" envDefault:"5m"`
	DBMaxConnLifetime   time.Duration `env:"DB_MAX_CONN_LIFETIME" envDefault:"1h"`
	DBHealthCheckPeriod time.Duration `env:"DB_HEALTH_CHECK_PERIOD" envDefault:"30s"`

	// Providers. An API key of "mock" selects the in-memory mock client.
	OpenAIAPIKey        string        `env:"OPENAI_API_KEY" envDefault:"mock"`
	EmbeddingModel      string        `env:"EMBEDDING_MODEL" envDefault:"text-embedding-3-small"`
	EmbeddingDimensions int           `env:"EMBEDDING_DIMENSIONS" envDefault:"1536"`
	SummaryModel        string        `env:"SUMMARY_MODEL" envDefault:"gpt-4o-mini"`
	ProviderRateLimit   float64       `env:"PROVIDER_RATE_LIMIT_RPS" envDefault:"2"`
	ProviderMinDelay    time.Duration `env:"PROVIDER_MIN_DELAY" envDefault:"500ms"`

	// Embedding batch policy.
	EmbeddingBatchSize   int           `env:"EMBEDDING_BATCH_SIZE" envDefault:"100"`
	EmbeddingMaxAttempts int           `env:"EMBEDDING_MAX_ATTEMPTS" envDefault:"3"`
	EmbeddingBackoffBase time.Duration `env:"EMBEDDING_BACKOFF_BASE" envDefault:"1s"`
	EmbeddingMaxChars    int           `env:"EMBEDDING_MAX_CHARS" envDefault:"8000"`

	// Clustering.
	ClusterSimilarityThreshold float32 `env:"CLUSTER_SIMILARITY_THRESHOLD" envDefault:"0.75"`
	ClusterBatchLimit          int     `env:"CLUSTER_BATCH_LIMIT" envDefault:"500"`
	ClusterSummarySampleSize   int     `env:"CLUSTER_SUMMARY_SAMPLE_SIZE" envDefault:"10"`
	ClusterSummaryMaxChars     int     `env:"CLUSTER_SUMMARY_MAX_CHARS" envDefault:"300"`

	// Scoring.
	OpportunityMinScore   int `env:"OPPORTUNITY_MIN_SCORE" envDefault:"70"`
	ScoringMinClusterSize int `env:"SCORING_MIN_CLUSTER_SIZE" envDefault:"2"`

	// Pipeline.
	PipelineBatchSize    int           `env:"PIPELINE_BATCH_SIZE" envDefault:"500"`
	PipelineTimeout      time.Duration `env:"PIPELINE_TIMEOUT" envDefault:"2h"`
	PipelineInterval     time.Duration `env:"PIPELINE_INTERVAL" envDefault:"6h"`
	JobRunRetention      time.Duration `env:"JOB_RUN_RETENTION" envDefault:"720h"`
	CollectionFeeds      []string      `env:"COLLECTION_FEEDS" envSeparator:","`
	CollectionFeedRPS    float64       `env:"COLLECTION_FEED_RPS" envDefault:"1"`
	CollectionRetryLimit int           `env:"COLLECTION_RETRY_LIMIT" envDefault:"2"`
}

// Load reads configuration from the environment, honoring an optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load() //nolint:errcheck // .env file is optional, error is expected when not present

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing environment config: %w", err)
	}

	return cfg, nil
}
