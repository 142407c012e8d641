// Package llm provides the text-generation client used for cluster
// summaries. The OpenAI implementation carries a rate limiter and a simple
// circuit breaker; a mock client is selected when no API key is configured.
package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// Client is the text-generation capability consumed by the clustering engine.
type Client interface {
	// SummarizeComplaints produces a 1-2 sentence problem description from
	// representative complaint texts. Fails on provider error or an empty
	// response; the caller owns the deterministic fallback.
	SummarizeComplaints(ctx context.Context, texts []string) (string, error)
}

// Config holds configuration for creating a summary client.
type Config struct {
	APIKey    string
	Model     string
	RateLimit float64
}

const mockAPIKey = "mock"

// New creates a summary client. A missing or "mock" API key yields the mock.
func New(cfg Config, logger *zerolog.Logger) Client {
	if cfg.APIKey == "" || cfg.APIKey == mockAPIKey {
		logger.Warn().Msg("no summary provider configured, using mock provider")

		return &mockClient{}
	}

	return newOpenAI(cfg, logger)
}

type mockClient struct{}

func (c *mockClient) SummarizeComplaints(_ context.Context, texts []string) (string, error) {
	if len(texts) == 0 {
		return "", fmt.Errorf("summarize: no input texts")
	}

	first := texts[0]
	if len(first) > 80 {
		first = first[:80]
	}

	return fmt.Sprintf("Users report a recurring problem: %s", strings.TrimSpace(first)), nil
}
