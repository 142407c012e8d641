package cluster

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/cases"

	"opportunityradar/internal/platform/observability"
)

const (
	fallbackKeywordCount = 5
	minKeywordLength     = 3
	genericSummary       = "Multiple users report a recurring product issue."
)

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "that": true, "this": true,
	"with": true, "you": true, "not": true, "are": true, "have": true,
	"but": true, "was": true, "can": true, "all": true, "get": true,
	"has": true, "had": true, "its": true, "it's": true, "out": true,
	"use": true, "our": true, "your": true, "they": true, "them": true,
	"been": true, "from": true, "when": true, "what": true, "will": true,
	"would": true, "there": true, "their": true, "which": true, "just": true,
	"like": true, "also": true, "into": true, "only": true, "some": true,
	"than": true, "then": true, "very": true, "really": true,
	"does": true, "doesn": true, "don": true, "can't": true, "cant": true,
	"even": true, "still": true, "every": true, "time": true, "after": true,
	"because": true, "about": true, "how": true, "why": true, "any": true,
	"more": true, "much": true, "too": true, "now": true, "one": true,
	"way": true, "work": true, "works": true, "working": true, "issue": true,
	"issues": true, "problem": true, "problems": true,
}

var (
	tokenPattern = regexp.MustCompile(`[a-zA-Z][a-zA-Z0-9'_-]*`)
	tokenCaser   = cases.Fold()
)

// summarize requests a summary from the text-generation provider and falls
// back to a deterministic keyword summary on any failure. Each sampled text
// is truncated before submission.
func (e *Engine) summarize(ctx context.Context, texts []string) string {
	sample := texts
	if len(sample) > e.cfg.SummarySampleSize {
		sample = sample[:e.cfg.SummarySampleSize]
	}

	truncated := make([]string, len(sample))
	for i, t := range sample {
		truncated[i] = truncateText(t, e.cfg.SummaryMaxChars)
	}

	summary, err := e.llm.SummarizeComplaints(ctx, truncated)
	if err != nil || strings.TrimSpace(summary) == "" {
		observability.SummaryRequests.WithLabelValues("fallback").Inc()

		if err != nil {
			e.logger.Warn().Err(err).Msg("summary provider failed, using keyword fallback")
		}

		return KeywordSummary(truncated)
	}

	observability.SummaryRequests.WithLabelValues("ok").Inc()

	return strings.TrimSpace(summary)
}

// KeywordSummary builds a deterministic summary from the most frequent
// non-stopword tokens across the sampled texts. Ties break alphabetically so
// the output is stable. Returns a fixed generic sentence when no token
// qualifies.
func KeywordSummary(texts []string) string {
	counts := map[string]int{}

	for _, text := range texts {
		for _, token := range tokenPattern.FindAllString(tokenCaser.String(text), -1) {
			if len(token) < minKeywordLength || stopwords[token] {
				continue
			}

			counts[token]++
		}
	}

	if len(counts) == 0 {
		return genericSummary
	}

	keywords := make([]string, 0, len(counts))
	for token := range counts {
		keywords = append(keywords, token)
	}

	sort.Slice(keywords, func(i, j int) bool {
		if counts[keywords[i]] != counts[keywords[j]] {
			return counts[keywords[i]] > counts[keywords[j]]
		}

		return keywords[i] < keywords[j]
	})

	if len(keywords) > fallbackKeywordCount {
		keywords = keywords[:fallbackKeywordCount]
	}

	return "Multiple users report issues with " + strings.Join(keywords, ", ")
}

// truncateText cuts s to at most maxChars bytes on a rune boundary.
func truncateText(s string, maxChars int) string {
	if len(s) <= maxChars {
		return s
	}

	cut := maxChars
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}

	return s[:cut]
}
