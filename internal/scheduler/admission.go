package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"renderflow/internal/domain"
	"renderflow/internal/progress"
	"renderflow/internal/provider/render"
)

const (
	defaultCreditsFast = 10
	defaultCreditsPro  = 25

	debitReason    = "video_generation"
	rollbackReason = "submission_rollback"
	refundReason   = "job_failure_refund"
)

// Config holds the admission tunables.
type Config struct {
	SystemMaxConcurrent int
	AvgJobMinutes       int
}

type activeJob struct {
	ownerID   string
	startedAt time.Time
}

// Controller is the gatekeeper for concurrency: the single authority on
// which jobs may occupy an execution slot. One mutex serializes every
// admit, promote, and free-slot decision so concurrent sweeps can never
// promote past capacity.
type Controller struct {
	cfg     Config
	jobs    domain.JobRepository
	ledger  domain.CreditLedger
	tiers   *TierResolver
	render  render.Client
	tracker *progress.Tracker
	log     zerolog.Logger
	now     func() time.Time

	mu     sync.Mutex
	active map[string]activeJob
	queue  []*domain.QueueEntry
	unsubs map[string]func()
}

// NewController wires an admission controller with its collaborators.
func NewController(cfg Config, jobs domain.JobRepository, ledger domain.CreditLedger, tiers *TierResolver, client render.Client, tracker *progress.Tracker, log zerolog.Logger) *Controller {
	if cfg.SystemMaxConcurrent < 1 {
		cfg.SystemMaxConcurrent = 1
	}
	if cfg.AvgJobMinutes < 1 {
		cfg.AvgJobMinutes = 3
	}
	return &Controller{
		cfg:     cfg,
		jobs:    jobs,
		ledger:  ledger,
		tiers:   tiers,
		render:  client,
		tracker: tracker,
		log:     log,
		now:     time.Now,
		active:  make(map[string]activeJob),
		unsubs:  make(map[string]func()),
	}
}

// WithClock overrides the controller's clock. Test hook.
func (c *Controller) WithClock(now func() time.Time) *Controller {
	c.now = now
	return c
}

// Initialize restores active and queued jobs from the durable store after a
// process restart. A store that cannot serve the queries degrades to an
// empty cold start rather than blocking startup.
func (c *Controller) Initialize(ctx context.Context) {
	processing, err := c.jobs.List(ctx, domain.JobFilter{Statuses: []domain.JobStatus{domain.JobStatusProcessing}})
	if err != nil {
		c.log.Warn().Err(err).Msg("admission: cold start degraded, no active jobs restored")
		return
	}
	pending, err := c.jobs.List(ctx, domain.JobFilter{Statuses: []domain.JobStatus{domain.JobStatusPending}})
	if err != nil {
		if errors.Is(err, domain.ErrQueueUnsupported) {
			c.log.Warn().Msg("admission: store lacks queue positions, starting with empty queue")
		} else {
			c.log.Warn().Err(err).Msg("admission: cold start degraded, queue not restored")
		}
		pending = nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range processing {
		job := processing[i]
		startedAt := c.now()
		if job.StartedAt != nil {
			startedAt = *job.StartedAt
		}
		c.active[job.ID] = activeJob{ownerID: job.OwnerID, startedAt: startedAt}
		c.tracker.Begin(job.ID, job.Quality)
	}
	for i := range pending {
		job := pending[i]
		if job.QueuePosition == nil {
			// Mid-submission crash leftovers have no position; they were
			// never admitted to the queue.
			continue
		}
		enqueuedAt := job.CreatedAt
		if job.QueuedAt != nil {
			enqueuedAt = *job.QueuedAt
		}
		jobCopy := job
		c.queue = append(c.queue, &domain.QueueEntry{
			Job:        &jobCopy,
			Priority:   job.Priority,
			EnqueuedAt: enqueuedAt,
		})
	}
	// List returns pending jobs in stored position order already; sorting
	// re-establishes the canonical (priority desc, enqueuedAt asc) order in
	// case positions drifted.
	c.sortQueueLocked()
	c.log.Info().
		Int("active", len(c.active)).
		Int("queued", len(c.queue)).
		Msg("admission: state restored")
}

// CanSubmit reports whether the owner has spare quota on their tier.
func (c *Controller) CanSubmit(ctx context.Context, ownerID string) (bool, string) {
	tier := c.tiers.Resolve(ctx, ownerID)
	limit := tier.MaxConcurrent()
	c.mu.Lock()
	count := c.ownerActiveLocked(ownerID)
	c.mu.Unlock()
	if count >= limit {
		return false, (&domain.AdmissionDeniedError{
			OwnerID: ownerID, Tier: tier, ActiveCount: count, MaxAllowed: limit,
		}).Error()
	}
	return true, ""
}

// Submit reserves credits, persists the job, and either dispatches it
// immediately or queues it behind the system concurrency ceiling. A failed
// persist rolls the debit back so submission can never leak credits.
func (c *Controller) Submit(ctx context.Context, ownerID string, spec domain.JobSpec, priority int) (*domain.SubmitResult, error) {
	tier := c.tiers.Resolve(ctx, ownerID)
	limit := tier.MaxConcurrent()

	c.mu.Lock()
	count := c.ownerActiveLocked(ownerID)
	c.mu.Unlock()
	if count >= limit {
		return nil, &domain.AdmissionDeniedError{OwnerID: ownerID, Tier: tier, ActiveCount: count, MaxAllowed: limit}
	}

	credits := spec.Credits
	if credits <= 0 {
		credits = defaultCreditsFast
		if spec.Quality == domain.QualityPro {
			credits = defaultCreditsPro
		}
	}
	ok, err := c.ledger.HasSufficientBalance(ctx, ownerID, credits)
	if err != nil {
		return nil, fmt.Errorf("balance check: %w", err)
	}
	if !ok {
		return nil, &domain.InsufficientCreditsError{OwnerID: ownerID, Required: credits}
	}

	debitRef := uuid.NewString()
	if _, err := c.ledger.Debit(ctx, ownerID, credits, debitReason, debitRef); err != nil {
		return nil, fmt.Errorf("debit credits: %w", err)
	}

	now := c.now()
	job := &domain.Job{
		OwnerID:         ownerID,
		Tier:            tier,
		Status:          domain.JobStatusPending,
		Priority:        priority,
		CreditsReserved: credits,
		Prompt:          spec.Prompt,
		Quality:         spec.Quality,
		Provider:        spec.Provider,
		QueuedAt:        &now,
		CreatedAt:       now,
	}
	if err := c.jobs.Create(ctx, job); err != nil {
		if cerr := c.ledger.Credit(ctx, ownerID, credits, rollbackReason, debitRef+":rollback"); cerr != nil {
			c.log.Error().Err(cerr).Str("owner_id", ownerID).Msg("admission: debit rollback failed")
		}
		return nil, fmt.Errorf("create job: %w", err)
	}

	c.mu.Lock()
	// The mutex was released across the ledger and store calls, so a
	// concurrent Submit by the same owner may have taken the quota in the
	// meantime. Re-check under the lock; an owner at quota queues instead.
	if len(c.active) < c.cfg.SystemMaxConcurrent && c.ownerActiveLocked(ownerID) < limit {
		dispatchErr := c.dispatchLocked(ctx, job)
		c.mu.Unlock()
		if dispatchErr != nil {
			// The slot was never occupied; the failure surfaces through the
			// subscriber API, not to the submission caller.
			c.finalizeDispatchFailure(ctx, job, dispatchErr)
		}
		return &domain.SubmitResult{JobID: job.ID, Status: domain.JobStatusProcessing}, nil
	}

	entry := &domain.QueueEntry{Job: job, Priority: priority, EnqueuedAt: now}
	c.queue = append(c.queue, entry)
	c.sortQueueLocked()
	position := c.positionLocked(job.ID)
	positions := c.queuePositionsLocked()
	c.mu.Unlock()

	c.persistQueuePositions(ctx, positions)
	return &domain.SubmitResult{
		JobID:                job.ID,
		Status:               domain.JobStatusPending,
		QueuePosition:        position,
		EstimatedWaitMinutes: c.EstimateWaitMinutes(position),
	}, nil
}

// OnJobCompleted frees the slot and promotes queued work.
func (c *Controller) OnJobCompleted(ctx context.Context, jobID string) {
	c.mu.Lock()
	released := c.releaseLocked(jobID)
	c.mu.Unlock()
	if released {
		c.PromoteQueue(ctx)
	}
}

// OnJobFailed frees the slot, refunds reserved credits once, and promotes
// queued work.
func (c *Controller) OnJobFailed(ctx context.Context, jobID, reason string) {
	c.mu.Lock()
	released := c.releaseLocked(jobID)
	c.mu.Unlock()
	if !released {
		return
	}
	c.refund(ctx, jobID)
	c.PromoteQueue(ctx)
}

// Drop stops tracking a job whose durable record disappeared. No refund, no
// failure callback.
func (c *Controller) Drop(ctx context.Context, jobID string) {
	c.mu.Lock()
	released := c.releaseLocked(jobID)
	c.mu.Unlock()
	if released {
		c.PromoteQueue(ctx)
	}
}

// PromoteQueue dispatches the highest-priority eligible queued entries while
// capacity remains, then rewrites stored queue positions in one batch. It
// runs on a fixed interval and immediately after any slot frees.
func (c *Controller) PromoteQueue(ctx context.Context) {
	c.mu.Lock()
	var failed []*domain.Job
	var failures []error
	for len(c.active) < c.cfg.SystemMaxConcurrent {
		idx := c.nextEligibleLocked()
		if idx < 0 {
			break
		}
		entry := c.queue[idx]
		c.queue = append(c.queue[:idx], c.queue[idx+1:]...)
		if err := c.dispatchLocked(ctx, entry.Job); err != nil {
			failed = append(failed, entry.Job)
			failures = append(failures, err)
		}
	}
	positions := c.queuePositionsLocked()
	c.mu.Unlock()

	c.persistQueuePositions(ctx, positions)
	for i, job := range failed {
		c.finalizeDispatchFailure(ctx, job, failures[i])
	}
}

// AttachProvider re-registers the status subscription for an active job,
// used after the reconciler restores a lost provider connection.
func (c *Controller) AttachProvider(job *domain.Job) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.active[job.ID]; !ok {
		return
	}
	// Tear down any handle from the dead subscription before re-registering,
	// both are keyed by the provider job id.
	if unsub, ok := c.unsubs[job.ID]; ok {
		delete(c.unsubs, job.ID)
		unsub()
	}
	c.subscribeLocked(job.ID, job.ProviderJobID)
}

// ActiveJobs returns a snapshot of active job ids mapped to their owners.
func (c *Controller) ActiveJobs() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.active))
	for id, a := range c.active {
		out[id] = a.ownerID
	}
	return out
}

// OldestActiveAge reports how long the longest-running active job has been
// processing. Zero when nothing is active.
func (c *Controller) OldestActiveAge() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	var oldest time.Duration
	for _, a := range c.active {
		if age := now.Sub(a.startedAt); age > oldest {
			oldest = age
		}
	}
	return oldest
}

// EstimateWaitMinutes is a display heuristic, not a scheduling guarantee.
func (c *Controller) EstimateWaitMinutes(position int) int {
	if position < 1 {
		return 0
	}
	parallel := c.cfg.SystemMaxConcurrent
	if position < parallel {
		parallel = position
	}
	minutes := position * c.cfg.AvgJobMinutes
	return (minutes + parallel - 1) / parallel
}

// GetUserQueueStatus summarises the owner's active and queued jobs.
func (c *Controller) GetUserQueueStatus(ctx context.Context, ownerID string) domain.UserQueueStatus {
	tier := c.tiers.Resolve(ctx, ownerID)
	c.mu.Lock()
	status := domain.UserQueueStatus{
		ActiveCount: c.ownerActiveLocked(ownerID),
		MaxAllowed:  tier.MaxConcurrent(),
	}
	for i, entry := range c.queue {
		if entry.Job.OwnerID != ownerID {
			continue
		}
		position := i + 1
		status.QueuedJobs = append(status.QueuedJobs, domain.QueuedJobStatus{
			JobID:                entry.Job.ID,
			Position:             position,
			EstimatedWaitMinutes: c.EstimateWaitMinutes(position),
		})
	}
	c.mu.Unlock()
	return status
}

// dispatchLocked marks the job active, persists the processing transition,
// starts provider-side generation, and registers the status subscription.
// The caller holds c.mu; a returned error means the slot was released again.
func (c *Controller) dispatchLocked(ctx context.Context, job *domain.Job) error {
	now := c.now()
	c.active[job.ID] = activeJob{ownerID: job.OwnerID, startedAt: now}

	status := domain.JobStatusProcessing
	if _, err := c.jobs.Update(ctx, job.ID, domain.JobPatch{
		Status:        &status,
		StartedAt:     &now,
		ClearQueuePos: true,
	}); err != nil {
		c.log.Error().Err(err).Str("job_id", job.ID).Msg("admission: processing transition not persisted")
	}
	job.Status = status
	job.StartedAt = &now
	c.tracker.Begin(job.ID, job.Quality)

	providerID, err := c.render.StartJob(ctx, render.StartRequest{
		LocalJobID: job.ID,
		Prompt:     job.Prompt,
		Quality:    string(job.Quality),
		Provider:   job.Provider,
	})
	if err != nil {
		delete(c.active, job.ID)
		return fmt.Errorf("%w: %v", domain.ErrDispatchFailed, err)
	}
	job.ProviderJobID = providerID
	if _, err := c.jobs.Update(ctx, job.ID, domain.JobPatch{ProviderJobID: &providerID}); err != nil {
		c.log.Error().Err(err).Str("job_id", job.ID).Msg("admission: provider job id not persisted")
	}
	c.subscribeLocked(job.ID, providerID)
	return nil
}

func (c *Controller) subscribeLocked(jobID, providerJobID string) {
	unsub, err := c.render.SubscribeToStatus(providerJobID, func(st render.JobStatus) {
		c.handleProviderStatus(jobID, st)
	})
	if err != nil {
		c.log.Warn().Err(err).Str("job_id", jobID).Msg("admission: status subscription failed")
		return
	}
	c.unsubs[jobID] = unsub
}

// handleProviderStatus forwards provider callbacks into the tracker and
// frees slots on terminal transitions. Runs on the provider's goroutine.
func (c *Controller) handleProviderStatus(jobID string, st render.JobStatus) {
	ctx := context.Background()
	switch st.State {
	case render.StateSucceeded:
		c.tracker.MarkCompleted(ctx, jobID, st.ResultURL)
		c.OnJobCompleted(ctx, jobID)
	case render.StateFailed:
		reason := st.ErrorMessage
		if reason == "" {
			reason = "provider reported failure"
		}
		c.tracker.MarkFailed(ctx, jobID, reason)
		c.OnJobFailed(ctx, jobID, reason)
	default:
		status := domain.JobStatusProcessing
		p := st.Progress
		c.tracker.Update(ctx, jobID, domain.ProgressDelta{
			Progress:     &p,
			Status:       &status,
			FromProvider: true,
			Source:       "provider",
		})
	}
}

// finalizeDispatchFailure converts a failed dispatch into a job failure with
// refund. Called without c.mu held.
func (c *Controller) finalizeDispatchFailure(ctx context.Context, job *domain.Job, err error) {
	c.log.Error().Err(err).Str("job_id", job.ID).Msg("admission: dispatch failed")
	c.tracker.MarkFailed(ctx, job.ID, "provider rejected job start")
	c.refund(ctx, job.ID)
}

// refund issues the failure refund once per job, detected via reference-id
// lookup in the ledger.
func (c *Controller) refund(ctx context.Context, jobID string) {
	job, err := c.jobs.GetByID(ctx, jobID)
	if err != nil {
		c.log.Error().Err(err).Str("job_id", jobID).Msg("admission: refund lookup failed")
		return
	}
	if job.CreditsReserved <= 0 {
		return
	}
	refID := "refund:" + jobID
	exists, err := c.ledger.HasEntry(ctx, refID)
	if err != nil {
		c.log.Error().Err(err).Str("job_id", jobID).Msg("admission: refund ledger lookup failed")
		return
	}
	if exists {
		return
	}
	if err := c.ledger.Credit(ctx, job.OwnerID, job.CreditsReserved, refundReason, refID); err != nil {
		c.log.Error().Err(err).Str("job_id", jobID).Msg("admission: refund failed")
	}
}

func (c *Controller) releaseLocked(jobID string) bool {
	if unsub, ok := c.unsubs[jobID]; ok {
		delete(c.unsubs, jobID)
		go unsub()
	}
	if _, ok := c.active[jobID]; !ok {
		return false
	}
	delete(c.active, jobID)
	return true
}

func (c *Controller) ownerActiveLocked(ownerID string) int {
	count := 0
	for _, a := range c.active {
		if a.ownerID == ownerID {
			count++
		}
	}
	return count
}

// nextEligibleLocked returns the index of the first queue entry whose owner
// still has tier quota, or -1. The queue is kept in canonical order so the
// first eligible entry is the correct promotion candidate.
func (c *Controller) nextEligibleLocked() int {
	for i, entry := range c.queue {
		limit := entry.Job.Tier.MaxConcurrent()
		if c.ownerActiveLocked(entry.Job.OwnerID) < limit {
			return i
		}
	}
	return -1
}

func (c *Controller) sortQueueLocked() {
	sort.SliceStable(c.queue, func(i, j int) bool {
		if c.queue[i].Priority != c.queue[j].Priority {
			return c.queue[i].Priority > c.queue[j].Priority
		}
		return c.queue[i].EnqueuedAt.Before(c.queue[j].EnqueuedAt)
	})
}

func (c *Controller) positionLocked(jobID string) int {
	for i, entry := range c.queue {
		if entry.Job.ID == jobID {
			return i + 1
		}
	}
	return 0
}

func (c *Controller) queuePositionsLocked() map[string]int {
	positions := make(map[string]int, len(c.queue))
	for i, entry := range c.queue {
		positions[entry.Job.ID] = i + 1
	}
	return positions
}

func (c *Controller) persistQueuePositions(ctx context.Context, positions map[string]int) {
	if len(positions) == 0 {
		return
	}
	if err := c.jobs.UpdateQueuePositions(ctx, positions); err != nil {
		if errors.Is(err, domain.ErrQueueUnsupported) {
			c.log.Warn().Msg("admission: queue positions not persisted, store lacks support")
			return
		}
		c.log.Error().Err(err).Msg("admission: queue position rewrite failed")
	}
}
