package domain

import "time"

// ProgressDelta is a partial update applied to a progress record. Nil fields
// are absent. FromProvider marks a provider-reported sample; simulated ticks
// leave it false so the non-regression rule governs them equally.
type ProgressDelta struct {
	Progress     *int
	Status       *JobStatus
	Message      string
	ResultURL    string
	ErrorMessage string
	FromProvider bool
	Source       string
}

// ProgressRecord is the ephemeral per-job tracking state owned by the
// progress tracker. It is not the source of truth for job status; the
// durable store is.
type ProgressRecord struct {
	JobID              string
	Progress           int
	Status             JobStatus
	Message            string
	ResultURL          string
	ErrorMessage       string
	Quality            Quality
	IsRealProgress     bool
	IsStagnant         bool
	LastRealValue      int
	LastRealChangeAt   time.Time
	StartedAt          time.Time
	UpdatedAt          time.Time
	EstimatedRemaining time.Duration
}
