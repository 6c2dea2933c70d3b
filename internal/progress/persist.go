package progress

import (
	"context"

	"renderflow/internal/domain"
)

// JobWriter is the slice of the job repository persistence needs.
type JobWriter interface {
	Update(ctx context.Context, jobID string, patch domain.JobPatch) (*domain.Job, error)
}

// RepoPersister mirrors progress snapshots into the durable job record.
type RepoPersister struct {
	jobs JobWriter
}

// NewRepoPersister wraps a job repository as a Persister.
func NewRepoPersister(jobs JobWriter) *RepoPersister {
	return &RepoPersister{jobs: jobs}
}

// PersistProgress writes the snapshot fields the durable record mirrors.
func (p *RepoPersister) PersistProgress(ctx context.Context, rec domain.ProgressRecord) error {
	patch := domain.JobPatch{Progress: &rec.Progress}
	if rec.Status != "" {
		status := rec.Status
		patch.Status = &status
	}
	if rec.ResultURL != "" {
		url := rec.ResultURL
		patch.ResultURL = &url
	}
	if rec.ErrorMessage != "" {
		msg := rec.ErrorMessage
		patch.ErrorMessage = &msg
	}
	if rec.Status.Terminal() {
		completedAt := rec.UpdatedAt
		patch.CompletedAt = &completedAt
	}
	_, err := p.jobs.Update(ctx, rec.JobID, patch)
	return err
}

var _ Persister = (*RepoPersister)(nil)
