// Package embeddings provides text embedding generation.
//
// A Client converts a batch of texts into fixed-length vectors. The OpenAI
// implementation is rate limited client-side; the mock implementation is
// selected when no real API key is configured and produces deterministic
// vectors for tests and local development.
package embeddings

import (
	"context"

	"github.com/rs/zerolog"
)

// DefaultDimensions is the embedding width used throughout the schema.
const DefaultDimensions = 1536

// MockAPIKey selects the mock provider.
const MockAPIKey = "mock"

// Client defines the interface for embedding operations.
type Client interface {
	// EmbedBatch generates one embedding per input text, in input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Config holds configuration for creating an embedding client.
type Config struct {
	APIKey     string
	Model      string
	Dimensions int
	// RateLimit is provider requests per second, applied across retries.
	RateLimit float64
}

// NewClient creates an embedding client. A missing or "mock" API key yields
// the deterministic mock provider.
func NewClient(cfg Config, logger *zerolog.Logger) Client {
	if cfg.Dimensions == 0 {
		cfg.Dimensions = DefaultDimensions
	}

	if cfg.APIKey == "" || cfg.APIKey == MockAPIKey {
		logger.Warn().Msg("no embedding provider configured, using mock provider")

		return NewMock(cfg.Dimensions)
	}

	return NewOpenAI(cfg)
}
