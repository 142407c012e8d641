package domain

import "time"

// Complaint represents a single scraped forum item. The identity fields
// (Platform, SourceID, URL, Category, Author, Body, PostedAt) are immutable
// after insertion; IsComplaint, Embedding and ClusterID are derived by the
// pipeline and set at most once each.
type Complaint struct {
	ID        string
	Platform  string
	SourceID  string
	URL       string
	Category  string
	Author    string
	Body      string
	PostedAt  time.Time
	CreatedAt time.Time

	// IsComplaint is nil until the detector has evaluated the item.
	IsComplaint *bool
	// Embedding is empty until the embedding stage has processed the item.
	Embedding []float32
	// ClusterID is empty until the clustering stage has assigned the item.
	ClusterID string
}

// Cluster groups semantically similar complaints around a centroid vector.
// Centroid is always the per-dimension arithmetic mean of the embeddings of
// all currently assigned complaints.
type Cluster struct {
	ID                   string
	Summary              string
	FirstSeen            time.Time
	LastSeen             time.Time
	ComplaintCount       int
	PlatformDistribution map[string]int
	Centroid             []float32
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// ScoringFactors is the snapshot of inputs that produced an opportunity score.
type ScoringFactors struct {
	ComplaintCount   int     `json:"complaint_count"`
	DaysActive       int     `json:"days_active"`
	GrowthPercentage float64 `json:"growth_percentage"`
	WorkaroundCount  int     `json:"workaround_count"`
	PlatformCount    int     `json:"platform_count"`
}

// Opportunity is a scored cluster that cleared the minimum-score policy.
// At most one opportunity exists per cluster. IsBookmarked is operator
// controlled and never cleared by the pipeline.
type Opportunity struct {
	ID                    string
	ClusterID             string
	Score                 int
	Factors               ScoringFactors
	RepresentativeQuoteID string
	IsBookmarked          bool
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// Job run statuses.
const (
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
	JobStatusTimeout   = "timeout"
)

// JobError is a single recorded failure during a run.
type JobError struct {
	Stage      string    `json:"stage,omitempty"`
	Message    string    `json:"message"`
	OccurredAt time.Time `json:"occurred_at"`
}

// JobRun records one pipeline or sub-stage invocation.
type JobRun struct {
	ID             string
	JobName        string
	Status         string
	StartedAt      time.Time
	FinishedAt     time.Time
	ItemsProcessed int
	Errors         []JobError
	Stages         []StageResult
}

// Stage states.
const (
	StagePending   = "pending"
	StageRunning   = "running"
	StageCompleted = "completed"
	StageFailed    = "failed"
	StageSkipped   = "skipped"
)

// StageResult is the per-stage breakdown attached to a job run.
type StageResult struct {
	Name           string        `json:"name"`
	State          string        `json:"state"`
	ItemsProcessed int           `json:"items_processed"`
	Duration       time.Duration `json:"duration_ns"`
	Error          string        `json:"error,omitempty"`
}
