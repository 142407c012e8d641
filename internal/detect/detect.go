// Package detect classifies raw text as complaint or non-complaint through
// lexical pattern matching. Detection is pure and offline; no provider calls.
package detect

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/rs/zerolog"

	"opportunityradar/internal/core/domain"
	"opportunityradar/internal/platform/observability"
	db "opportunityradar/internal/storage"
)

const (
	// Confidence weights. Each match adds matchWeight, each distinct
	// category hit adds categoryWeight; the sum saturates at maxConfidence.
	matchWeight    = 15
	categoryWeight = 20
	maxConfidence  = 100
)

// Pattern categories.
const (
	CategoryFrustration = "frustration"
	CategoryFailure     = "failure"
	CategoryProblem     = "problem"
)

var patternCategories = map[string][]*regexp.Regexp{
	CategoryFrustration: compilePatterns(
		`so (?:frustrating|annoying)`,
		`drives? me (?:crazy|nuts|insane)`,
		`sick (?:and tired )?of`,
		`fed up with`,
		`(?:i |really )?hate (?:that|how|when|this|it)`,
		`why (?:is it so hard|can'?t (?:i|you|we))`,
		`wasted? (?:hours?|days?|so much time)`,
		`infuriating`,
		`ridiculous that`,
	),
	CategoryFailure: compilePatterns(
		`(?:doesn'?t|does not|didn'?t|won'?t|will not|can'?t|cannot) (?:work|load|save|sync|open|connect|start|export|import)`,
		`(?:keeps?|kept) (?:crashing|failing|freezing|breaking|timing out|disconnecting)`,
		`stopped working`,
		`(?:is|are) (?:broken|down|unusable|unreliable)`,
		`error (?:message|code)`,
		`fail(?:s|ed|ing) (?:to|every|each|again)`,
		`crash(?:es|ed|ing)`,
		`(?:data|work|progress|files?) (?:is |are |was |were |gets? )?(?:lost|gone|corrupted|deleted)`,
	),
	CategoryProblem: compilePatterns(
		`(?:the|my|a) (?:problem|issue) (?:is|with)`,
		`having (?:trouble|issues?|problems?|difficulty) with`,
		`struggl(?:e|es|ed|ing) (?:to|with)`,
		`no way to`,
		`(?:there (?:is|'s) )?no (?:option|support|setting|feature) (?:for|to)`,
		`missing (?:feature|functionality|option)`,
		`wish (?:it|there|i) (?:could|was|were|had)`,
		`(?:would be|it'?s) (?:great|nice|helpful) if`,
		`impossible to`,
		`(?:can|could) you (?:please )?(?:add|fix|support)`,
	),
}

func compilePatterns(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(exprs))
	for _, expr := range exprs {
		out = append(out, regexp.MustCompile(`(?i)\b(?:`+expr+`)`))
	}

	return out
}

// Result is the outcome of evaluating a single text.
type Result struct {
	IsComplaint bool
	// MatchedPatterns maps category name to the matched substrings, in
	// pattern order. Categories with no match are absent.
	MatchedPatterns map[string][]string
	// Confidence is a saturating 0-100 combination of match volume and
	// breadth across categories.
	Confidence int
}

// Detect evaluates one text. Deterministic and side-effect free.
func Detect(text string) Result {
	matched := make(map[string][]string)
	totalMatches := 0

	for category, patterns := range patternCategories {
		for _, p := range patterns {
			if m := p.FindString(text); m != "" {
				matched[category] = append(matched[category], m)
				totalMatches++
			}
		}
	}

	if totalMatches == 0 {
		return Result{MatchedPatterns: matched}
	}

	confidence := totalMatches*matchWeight + len(matched)*categoryWeight
	if confidence > maxConfidence {
		confidence = maxConfidence
	}

	return Result{
		IsComplaint:     true,
		MatchedPatterns: matched,
		Confidence:      confidence,
	}
}

// Repository is the storage surface the detection stage needs.
type Repository interface {
	GetUndetectedComplaints(ctx context.Context, limit int) ([]domain.Complaint, error)
	SetIsComplaint(ctx context.Context, id string, isComplaint bool) error
}

var _ Repository = (*db.DB)(nil)

// Stats summarizes one detection batch. Errors carries one entry per failed
// item so the run record keeps them.
type Stats struct {
	Processed  int
	Complaints int
	Rejected   int
	Failed     int
	Errors     []domain.JobError
}

// Detector runs the detection stage over stored complaint candidates.
type Detector struct {
	repo   Repository
	logger *zerolog.Logger
}

func NewDetector(repo Repository, logger *zerolog.Logger) *Detector {
	return &Detector{repo: repo, logger: logger}
}

// Run evaluates every unevaluated candidate up to limit and persists the
// flag. Items that already carry an embedding are never pulled back in, so
// detection acts as a one-time gate. Per-item persistence failures are
// logged and counted without aborting the batch.
func (d *Detector) Run(ctx context.Context, limit int) (Stats, error) {
	candidates, err := d.repo.GetUndetectedComplaints(ctx, limit)
	if err != nil {
		return Stats{}, fmt.Errorf("load undetected complaints: %w", err)
	}

	var stats Stats

	for i := range candidates {
		if err := ctx.Err(); err != nil {
			return stats, fmt.Errorf("detection interrupted: %w", err)
		}

		c := &candidates[i]
		result := Detect(c.Body)

		if err := d.repo.SetIsComplaint(ctx, c.ID, result.IsComplaint); err != nil {
			stats.Failed++
			stats.Errors = append(stats.Errors, domain.JobError{
				Stage:      "detection",
				Message:    fmt.Sprintf("complaint %s: %v", c.ID, err),
				OccurredAt: time.Now(),
			})

			d.logger.Warn().Err(err).Str("complaint_id", c.ID).Msg("persist detection flag failed")

			continue
		}

		stats.Processed++

		if result.IsComplaint {
			stats.Complaints++

			observability.ComplaintsDetected.WithLabelValues("complaint").Inc()
		} else {
			stats.Rejected++

			observability.ComplaintsDetected.WithLabelValues("rejected").Inc()
		}
	}

	d.logger.Info().
		Int("processed", stats.Processed).
		Int("complaints", stats.Complaints).
		Int("rejected", stats.Rejected).
		Int("failed", stats.Failed).
		Msg("detection batch finished")

	return stats, nil
}
