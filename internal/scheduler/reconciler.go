package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"renderflow/internal/domain"
	"renderflow/internal/progress"
	"renderflow/internal/provider/render"
)

// ReconcilerConfig holds the poll-loop tunables.
type ReconcilerConfig struct {
	IdleInterval   time.Duration // no active jobs
	FastInterval   time.Duration // <=2 active
	MediumInterval time.Duration // <=5 active
	SlowInterval   time.Duration // more
	MaxInterval    time.Duration // long-tail cap
	// LongTailAge stretches the interval by 1.5x once the oldest active job
	// has been running this long.
	LongTailAge time.Duration
	// HighProgressTimeout triggers a direct provider re-fetch when progress
	// has sat at or above HighProgressFloor this long.
	HighProgressTimeout time.Duration
	HighProgressFloor   int
	// LostConnThreshold is how long a job may run before an unrecoverable
	// subscription is surfaced as a lost-connection warning.
	LostConnThreshold time.Duration
}

// DefaultReconcilerConfig returns the production tunables.
func DefaultReconcilerConfig() ReconcilerConfig {
	return ReconcilerConfig{
		IdleInterval:        30 * time.Second,
		FastInterval:        3 * time.Second,
		MediumInterval:      5 * time.Second,
		SlowInterval:        8 * time.Second,
		MaxInterval:         15 * time.Second,
		LongTailAge:         2 * time.Minute,
		HighProgressTimeout: 3 * time.Minute,
		HighProgressFloor:   95,
		LostConnThreshold:   10 * time.Minute,
	}
}

// Reconciler keeps the durable job records and the progress tracker in sync
// with the external rendering API. It polls every job the admission
// controller considers active at an adaptive cadence, detects completion the
// provider failed to report cleanly, and repairs lost subscriptions.
type Reconciler struct {
	cfg        ReconcilerConfig
	controller *Controller
	jobs       domain.JobRepository
	render     render.Client
	tracker    *progress.Tracker
	log        zerolog.Logger
	now        func() time.Time

	mu         sync.Mutex
	lastStatus map[string]domain.JobStatus
	handled    map[string]struct{}
	highSince  map[string]time.Time
}

// NewReconciler wires a status reconciler.
func NewReconciler(cfg ReconcilerConfig, controller *Controller, jobs domain.JobRepository, client render.Client, tracker *progress.Tracker, log zerolog.Logger) *Reconciler {
	return &Reconciler{
		cfg:        cfg,
		controller: controller,
		jobs:       jobs,
		render:     client,
		tracker:    tracker,
		log:        log,
		now:        time.Now,
		lastStatus: make(map[string]domain.JobStatus),
		handled:    make(map[string]struct{}),
		highSince:  make(map[string]time.Time),
	}
}

// WithClock overrides the reconciler's clock. Test hook.
func (r *Reconciler) WithClock(now func() time.Time) *Reconciler {
	r.now = now
	return r
}

// Start runs the poll loop until the context is cancelled. The first pass
// runs immediately.
func (r *Reconciler) Start(ctx context.Context) {
	for {
		r.PollOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(r.Interval()):
		}
	}
}

// PollOnce reconciles every active job. A failure on one job is logged and
// never aborts the rest of the batch.
func (r *Reconciler) PollOnce(ctx context.Context) {
	active := r.controller.ActiveJobs()
	for jobID := range active {
		if err := r.reconcileJob(ctx, jobID); err != nil {
			r.log.Warn().Err(err).Str("job_id", jobID).Msg("reconcile: job poll failed")
		}
	}
	r.prune(active)
}

// Interval computes the adaptive polling cadence from the current load.
func (r *Reconciler) Interval() time.Duration {
	activeCount := len(r.controller.ActiveJobs())
	var interval time.Duration
	switch {
	case activeCount == 0:
		return r.cfg.IdleInterval
	case activeCount <= 2:
		interval = r.cfg.FastInterval
	case activeCount <= 5:
		interval = r.cfg.MediumInterval
	default:
		interval = r.cfg.SlowInterval
	}
	if r.controller.OldestActiveAge() > r.cfg.LongTailAge {
		interval = interval * 3 / 2
		if interval > r.cfg.MaxInterval {
			interval = r.cfg.MaxInterval
		}
	}
	return interval
}

func (r *Reconciler) reconcileJob(ctx context.Context, jobID string) error {
	job, err := r.jobs.GetByID(ctx, jobID)
	if errors.Is(err, domain.ErrNotFound) {
		// Deleted out-of-band: stop tracking, no failure callback.
		r.controller.Drop(ctx, jobID)
		r.forget(jobID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("fetch job: %w", err)
	}

	// A stored result URL with a non-terminal status means the provider (or
	// a webhook) raced the status write. Force-complete exactly once.
	if job.ResultURL != "" && !job.Status.Terminal() {
		r.completeOnce(ctx, job, job.ResultURL)
		return nil
	}

	last := r.lastStatusOf(jobID)
	if job.Status != last {
		r.propagateTransition(ctx, job)
		return nil
	}

	if job.Status == domain.JobStatusProcessing {
		if done, err := r.checkHighProgress(ctx, job); done || err != nil {
			return err
		}
	}

	if !job.Status.Terminal() && job.ProviderJobID != "" {
		r.checkSubscription(ctx, job)
	}
	return nil
}

// propagateTransition forwards a durable-store status change into the
// tracker and the admission controller.
func (r *Reconciler) propagateTransition(ctx context.Context, job *domain.Job) {
	r.setLastStatus(job.ID, job.Status)
	switch job.Status {
	case domain.JobStatusCompleted:
		if r.markHandled(job.ID) {
			r.tracker.MarkCompleted(ctx, job.ID, job.ResultURL)
			r.controller.OnJobCompleted(ctx, job.ID)
		}
		r.forget(job.ID)
	case domain.JobStatusFailed:
		if r.markHandled(job.ID) {
			r.tracker.MarkFailed(ctx, job.ID, job.ErrorMessage)
			r.controller.OnJobFailed(ctx, job.ID, job.ErrorMessage)
		}
		r.forget(job.ID)
	default:
		status := job.Status
		p := job.Progress
		r.tracker.Update(ctx, job.ID, domain.ProgressDelta{
			Progress: &p,
			Status:   &status,
			Source:   "reconciler",
		})
	}
}

// checkHighProgress re-fetches directly from the provider when progress has
// been parked near completion for too long. Returns done=true when the job
// reached a terminal state here.
func (r *Reconciler) checkHighProgress(ctx context.Context, job *domain.Job) (bool, error) {
	p := job.Progress
	if rec, ok := r.tracker.Get(job.ID); ok && rec.Progress > p {
		p = rec.Progress
	}
	now := r.now()
	if p < r.cfg.HighProgressFloor {
		r.mu.Lock()
		delete(r.highSince, job.ID)
		r.mu.Unlock()
		return false, nil
	}

	r.mu.Lock()
	since, ok := r.highSince[job.ID]
	if !ok {
		since = now
		r.highSince[job.ID] = now
	}
	r.mu.Unlock()
	if now.Sub(since) <= r.cfg.HighProgressTimeout || job.ProviderJobID == "" {
		return false, nil
	}

	status, err := r.render.GetJobStatus(ctx, job.ProviderJobID)
	if err != nil {
		return false, fmt.Errorf("provider re-fetch: %w", err)
	}
	// Push the window forward so an inconclusive answer does not hammer the
	// provider every poll.
	r.mu.Lock()
	r.highSince[job.ID] = now
	r.mu.Unlock()
	if status == nil {
		return false, nil
	}
	switch status.State {
	case render.StateSucceeded:
		r.completeOnce(ctx, job, status.ResultURL)
		return true, nil
	case render.StateFailed:
		if r.markHandled(job.ID) {
			reason := status.ErrorMessage
			if reason == "" {
				reason = "provider reported failure"
			}
			r.tracker.MarkFailed(ctx, job.ID, reason)
			r.controller.OnJobFailed(ctx, job.ID, reason)
		}
		r.forget(job.ID)
		return true, nil
	}
	return false, nil
}

// checkSubscription verifies the provider-side subscription is alive and
// attempts restoration when it is not. Restoration failure is only surfaced
// as a lost-connection warning past the elapsed threshold; the reconciler
// never fails a job from a poll error alone.
func (r *Reconciler) checkSubscription(ctx context.Context, job *domain.Job) {
	if r.render.HasSubscription(job.ProviderJobID) {
		return
	}
	restored, err := r.render.RestoreJob(ctx, job.ProviderJobID, job.ID, render.ClassifyProvider(job.Provider))
	if err == nil && restored {
		r.controller.AttachProvider(job)
		r.log.Info().Str("job_id", job.ID).Msg("reconcile: provider subscription restored")
		return
	}
	if err != nil {
		r.log.Warn().Err(err).Str("job_id", job.ID).Msg("reconcile: restore attempt failed")
	}

	startedAt := job.CreatedAt
	if job.StartedAt != nil {
		startedAt = *job.StartedAt
	}
	if r.now().Sub(startedAt) > r.cfg.LostConnThreshold {
		r.log.Warn().
			Str("job_id", job.ID).
			Str("provider_job_id", job.ProviderJobID).
			Msg("reconcile: provider connection lost")
		r.tracker.Update(ctx, job.ID, domain.ProgressDelta{
			Message: "processing, possibly delayed",
			Source:  "reconciler",
		})
	}
}

// completeOnce force-completes a job exactly once, guarding repeated polls
// with the handled set.
func (r *Reconciler) completeOnce(ctx context.Context, job *domain.Job, resultURL string) {
	if !r.markHandled(job.ID) {
		return
	}
	r.tracker.MarkCompleted(ctx, job.ID, resultURL)
	status := domain.JobStatusCompleted
	now := r.now()
	if _, err := r.jobs.Update(ctx, job.ID, domain.JobPatch{
		Status:      &status,
		ResultURL:   &resultURL,
		CompletedAt: &now,
	}); err != nil {
		r.log.Error().Err(err).Str("job_id", job.ID).Msg("reconcile: completion not persisted")
	}
	r.setLastStatus(job.ID, status)
	r.controller.OnJobCompleted(ctx, job.ID)
	r.forget(job.ID)
}

func (r *Reconciler) lastStatusOf(jobID string) domain.JobStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	if status, ok := r.lastStatus[jobID]; ok {
		return status
	}
	// First observation: active jobs were admitted, so the baseline is
	// pending and any stored progress past it propagates.
	r.lastStatus[jobID] = domain.JobStatusPending
	return domain.JobStatusPending
}

func (r *Reconciler) setLastStatus(jobID string, status domain.JobStatus) {
	r.mu.Lock()
	r.lastStatus[jobID] = status
	r.mu.Unlock()
}

// markHandled returns true the first time it is called for a job.
func (r *Reconciler) markHandled(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handled[jobID]; ok {
		return false
	}
	r.handled[jobID] = struct{}{}
	return true
}

func (r *Reconciler) forget(jobID string) {
	r.mu.Lock()
	delete(r.highSince, jobID)
	delete(r.lastStatus, jobID)
	r.mu.Unlock()
}

// prune drops bookkeeping, the handled guard included, for jobs that have
// left the active set so the maps stay bounded by the number of active jobs.
// The snapshot was taken before the poll loop, so a job that went terminal
// during this pass keeps its guard until the next one.
func (r *Reconciler) prune(active map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id := range r.handled {
		if _, ok := active[id]; !ok {
			delete(r.handled, id)
		}
	}
	for id := range r.lastStatus {
		if _, ok := active[id]; !ok {
			delete(r.lastStatus, id)
		}
	}
	for id := range r.highSince {
		if _, ok := active[id]; !ok {
			delete(r.highSince, id)
		}
	}
}
