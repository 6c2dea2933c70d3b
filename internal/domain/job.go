package domain

import "time"

// JobStatus enumerates job lifecycle states.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether the status is final. Terminal jobs are immutable.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Quality selects the rendering preset and drives the simulated progress curve.
type Quality string

const (
	QualityFast Quality = "fast"
	QualityPro  Quality = "pro"
)

// Job encapsulates the lifecycle of one requested video generation.
type Job struct {
	ID              string
	OwnerID         string
	Tier            Tier
	Status          JobStatus
	Priority        int
	CreditsReserved int
	Prompt          string
	Quality         Quality
	Provider        string
	ProviderJobID   string
	Progress        int
	ResultURL       string
	ErrorMessage    string
	QueuePosition   *int
	QueuedAt        *time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// JobSpec carries the caller-supplied parameters of a submission.
type JobSpec struct {
	Prompt   string
	Quality  Quality
	Provider string
	Credits  int
}

// JobPatch is a partial update applied to a durable job record. Nil fields
// are left untouched. ClearQueuePos nulls the stored queue position.
type JobPatch struct {
	Status        *JobStatus
	Progress      *int
	ProviderJobID *string
	ResultURL     *string
	ErrorMessage  *string
	QueuePosition *int
	ClearQueuePos bool
	StartedAt     *time.Time
	CompletedAt   *time.Time
}

// JobFilter narrows List queries.
type JobFilter struct {
	OwnerID  string
	Statuses []JobStatus
}

// QueueEntry wraps a job awaiting admission. Entries are ordered by
// (priority desc, enqueuedAt asc).
type QueueEntry struct {
	Job        *Job
	Priority   int
	EnqueuedAt time.Time
}

// SubmitResult is returned to the submission caller.
type SubmitResult struct {
	JobID                string
	Status               JobStatus
	QueuePosition        int
	EstimatedWaitMinutes int
}

// QueuedJobStatus describes one queued job in a user-facing queue summary.
type QueuedJobStatus struct {
	JobID                string
	Position             int
	EstimatedWaitMinutes int
}

// UserQueueStatus summarises an owner's admission state.
type UserQueueStatus struct {
	ActiveCount int
	MaxAllowed  int
	QueuedJobs  []QueuedJobStatus
}
