package progress

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"renderflow/internal/domain"
)

// Persister mirrors accepted progress snapshots to the durable store.
type Persister interface {
	PersistProgress(ctx context.Context, rec domain.ProgressRecord) error
}

// JobReader is the slice of the job repository the reconcile sweep needs.
type JobReader interface {
	GetByID(ctx context.Context, jobID string) (*domain.Job, error)
}

// SubscriberFunc receives every accepted update for a subscribed job.
type SubscriberFunc func(domain.ProgressRecord)

// Config holds the tracker tunables.
type Config struct {
	// BootstrapThreshold is the progress value below which regressions are
	// still tolerated, so early noisy samples can settle.
	BootstrapThreshold int
	// StagnationWindow is how long a provider-reported value may sit
	// unchanged before the provider is considered stalled.
	StagnationWindow time.Duration
	// DebounceWindow delays durable sync after a significant change so
	// bursts coalesce into one write.
	DebounceWindow time.Duration
	// SignificantDelta is the minimum progress movement that warrants a
	// durable write on its own.
	SignificantDelta int
	// MaxSyncInterval forces a durable write even without significant
	// movement.
	MaxSyncInterval time.Duration
	// CompletedRetention and FailedRetention keep terminal records around
	// long enough for late subscribers to observe the final state.
	CompletedRetention time.Duration
	FailedRetention    time.Duration
	// StaleAfter garbage-collects records nothing has touched.
	StaleAfter time.Duration
}

// DefaultConfig returns the production tunables.
func DefaultConfig() Config {
	return Config{
		BootstrapThreshold: 5,
		StagnationWindow:   30 * time.Second,
		DebounceWindow:     5 * time.Second,
		SignificantDelta:   5,
		MaxSyncInterval:    30 * time.Second,
		CompletedRetention: 5 * time.Second,
		FailedRetention:    60 * time.Second,
		StaleAfter:         30 * time.Minute,
	}
}

// syncState tracks what the durable store last saw for a job, so the
// significant-change predicate and the debounce window can be evaluated.
type syncState struct {
	dirty        bool
	dirtySince   time.Time
	lastSyncAt   time.Time
	lastProgress int
	lastStatus   domain.JobStatus
	// seq counts accepted updates; syncJob clears dirty only when no update
	// landed while the durable write was in flight.
	seq uint64
}

// Tracker produces a single monotonic user-facing progress value per job by
// merging provider-reported samples with a time-based simulation. Progress
// never regresses once past the bootstrap threshold; offending updates are
// rejected and logged, not applied.
type Tracker struct {
	cfg     Config
	store   *Store
	persist Persister
	jobs    JobReader
	log     zerolog.Logger
	now     func() time.Time
	jitter  func() int

	mu      sync.Mutex
	subs    map[string]map[int]SubscriberFunc
	nextSub int
	sync    map[string]*syncState
	evictAt map[string]time.Time
}

// NewTracker wires a tracker with its collaborators. jobs may be nil when
// the reconcile sweep is not used (tests).
func NewTracker(cfg Config, store *Store, persist Persister, jobs JobReader, log zerolog.Logger) *Tracker {
	return &Tracker{
		cfg:     cfg,
		store:   store,
		persist: persist,
		jobs:    jobs,
		log:     log,
		now:     time.Now,
		jitter:  func() int { return rand.Intn(3) - 1 },
		subs:    make(map[string]map[int]SubscriberFunc),
		sync:    make(map[string]*syncState),
		evictAt: make(map[string]time.Time),
	}
}

// WithClock overrides the tracker's clock. Test hook.
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.now = now
	return t
}

// WithJitter overrides the simulation jitter. Test hook.
func (t *Tracker) WithJitter(fn func() int) *Tracker {
	t.jitter = fn
	return t
}

// Begin seeds the record at dispatch time so the simulation picks the right
// curve from the first tick.
func (t *Tracker) Begin(jobID string, quality domain.Quality) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.store.Get(jobID); ok {
		return
	}
	now := t.now()
	t.store.Set(domain.ProgressRecord{
		JobID:     jobID,
		Status:    domain.JobStatusProcessing,
		Quality:   quality,
		StartedAt: now,
		UpdatedAt: now,
	})
}

// Update applies a partial delta to the job's record, enforcing the
// non-regression rule, and notifies subscribers synchronously. The returned
// record is the post-update state.
func (t *Tracker) Update(ctx context.Context, jobID string, delta domain.ProgressDelta) domain.ProgressRecord {
	t.mu.Lock()
	now := t.now()

	rec, ok := t.store.Get(jobID)
	if !ok {
		rec = domain.ProgressRecord{
			JobID:     jobID,
			Status:    domain.JobStatusPending,
			Quality:   domain.QualityFast,
			StartedAt: now,
		}
	}
	if rec.Status.Terminal() {
		// Terminal states are final; late deltas are dropped.
		t.mu.Unlock()
		return rec
	}

	terminal := delta.Status != nil && delta.Status.Terminal()
	if delta.Progress != nil {
		p := clampProgress(*delta.Progress)
		accepted := true
		switch {
		case terminal:
			rec.Progress = p
		case p < rec.Progress && rec.Progress > t.cfg.BootstrapThreshold:
			accepted = false
			t.log.Warn().
				Str("job_id", jobID).
				Str("source", delta.Source).
				Int("current", rec.Progress).
				Int("attempted", p).
				Dur("since_last_update", now.Sub(rec.UpdatedAt)).
				Msg("progress regression rejected")
		default:
			rec.Progress = p
		}
		// Stagnation bookkeeping follows accepted samples only. A rejected
		// stale sample must not reset the stall window.
		if accepted && delta.FromProvider {
			rec.IsRealProgress = true
			if p != rec.LastRealValue || rec.LastRealChangeAt.IsZero() {
				rec.LastRealValue = p
				rec.LastRealChangeAt = now
				rec.IsStagnant = false
			} else if now.Sub(rec.LastRealChangeAt) > t.cfg.StagnationWindow {
				rec.IsStagnant = true
			}
		}
	}
	if delta.Status != nil {
		rec.Status = *delta.Status
	}
	if delta.Message != "" {
		rec.Message = delta.Message
	}
	if delta.ResultURL != "" {
		rec.ResultURL = delta.ResultURL
	}
	if delta.ErrorMessage != "" {
		rec.ErrorMessage = delta.ErrorMessage
	}
	rec.UpdatedAt = now
	rec.EstimatedRemaining = estimateRemaining(rec, now)
	t.store.Set(rec)

	st := t.syncStateFor(jobID)
	st.seq++
	if t.isSignificant(rec, st, now) && !st.dirty {
		st.dirty = true
		st.dirtySince = now
	}
	if rec.Status.Terminal() {
		t.scheduleEviction(jobID, rec.Status, now)
	}
	syncNow := rec.Status.Terminal() && st.dirty
	subs := t.subscribersFor(jobID)
	t.mu.Unlock()

	for _, fn := range subs {
		fn(rec)
	}
	if syncNow {
		t.syncJob(ctx, jobID)
	}
	return rec
}

// Tick advances time-based simulation for jobs without fresh provider
// samples, drains debounced syncs whose window elapsed, and garbage-collects
// evicted or stale records. Runs every two seconds in production.
func (t *Tracker) Tick(ctx context.Context) {
	t.mu.Lock()
	now := t.now()

	var simulate []domain.ProgressRecord
	var flush []string
	var evict []string

	for _, rec := range t.store.Snapshot() {
		if rec.Status.Terminal() {
			if at, ok := t.evictAt[rec.JobID]; ok && !now.Before(at) {
				evict = append(evict, rec.JobID)
			}
			continue
		}
		if now.Sub(rec.UpdatedAt) > t.cfg.StaleAfter {
			evict = append(evict, rec.JobID)
			continue
		}
		if rec.IsRealProgress && !rec.IsStagnant && now.Sub(rec.LastRealChangeAt) > t.cfg.StagnationWindow {
			// Provider went quiet without ever repeating a value.
			rec.IsStagnant = true
			t.store.Set(rec)
		}
		if rec.IsRealProgress && !rec.IsStagnant {
			continue
		}
		simulate = append(simulate, rec)
	}
	for jobID, st := range t.sync {
		if st.dirty && now.Sub(st.dirtySince) >= t.cfg.DebounceWindow {
			flush = append(flush, jobID)
		}
	}
	t.mu.Unlock()

	for _, rec := range simulate {
		sim := simulatedProgress(curveFor(rec.Quality), now.Sub(rec.StartedAt)) + t.jitter()
		if rec.IsRealProgress && rec.IsStagnant && sim <= rec.Progress {
			// Keep perceived progress creeping forward through provider stalls.
			sim = rec.Progress + 1
		}
		if sim > 99 {
			sim = 99
		}
		if sim <= rec.Progress {
			continue
		}
		t.Update(ctx, rec.JobID, domain.ProgressDelta{Progress: &sim, Source: "simulation"})
	}
	for _, jobID := range flush {
		t.syncJob(ctx, jobID)
	}
	for _, jobID := range evict {
		t.evict(jobID)
	}
}

// Subscribe registers a listener for the job. The current record is
// delivered immediately when present and not stale. The returned func
// removes the subscription.
func (t *Tracker) Subscribe(jobID string, fn SubscriberFunc) func() {
	t.mu.Lock()
	id := t.nextSub
	t.nextSub++
	if t.subs[jobID] == nil {
		t.subs[jobID] = make(map[int]SubscriberFunc)
	}
	t.subs[jobID][id] = fn
	rec, ok := t.store.Get(jobID)
	replay := ok && t.now().Sub(rec.UpdatedAt) < t.cfg.StaleAfter
	t.mu.Unlock()

	if replay {
		fn(rec)
	}
	return func() {
		t.mu.Lock()
		if subs, ok := t.subs[jobID]; ok {
			delete(subs, id)
			if len(subs) == 0 {
				delete(t.subs, jobID)
			}
		}
		t.mu.Unlock()
	}
}

// MarkCompleted forces the terminal completed state with full progress.
func (t *Tracker) MarkCompleted(ctx context.Context, jobID, resultURL string) {
	status := domain.JobStatusCompleted
	full := 100
	t.Update(ctx, jobID, domain.ProgressDelta{
		Progress:  &full,
		Status:    &status,
		ResultURL: resultURL,
		Source:    "terminal",
	})
}

// MarkFailed forces the terminal failed state.
func (t *Tracker) MarkFailed(ctx context.Context, jobID, errMsg string) {
	status := domain.JobStatusFailed
	zero := 0
	t.Update(ctx, jobID, domain.ProgressDelta{
		Progress:     &zero,
		Status:       &status,
		ErrorMessage: errMsg,
		Source:       "terminal",
	})
}

// FlushAll synchronously drains every pending debounced sync. Invoked on
// process teardown.
func (t *Tracker) FlushAll(ctx context.Context) {
	t.mu.Lock()
	var dirty []string
	for jobID, st := range t.sync {
		if st.dirty {
			dirty = append(dirty, jobID)
		}
	}
	t.mu.Unlock()
	for _, jobID := range dirty {
		t.syncJob(ctx, jobID)
	}
}

// Reconcile compares in-memory state against the durable store for the
// owner's jobs (all jobs when ownerID is empty). The durable store is
// authoritative: if it shows a terminal status while memory still tracks the
// job as active, the terminal transition is forced locally.
func (t *Tracker) Reconcile(ctx context.Context, ownerID string) {
	if t.jobs == nil {
		return
	}
	for _, rec := range t.store.Snapshot() {
		if rec.Status.Terminal() {
			continue
		}
		job, err := t.jobs.GetByID(ctx, rec.JobID)
		if err != nil {
			if err != domain.ErrNotFound {
				t.log.Warn().Err(err).Str("job_id", rec.JobID).Msg("progress reconcile: durable lookup failed")
			}
			continue
		}
		if ownerID != "" && job.OwnerID != ownerID {
			continue
		}
		if !job.Status.Terminal() {
			continue
		}
		if rec.Progress == 100 && job.Status == domain.JobStatusFailed {
			t.log.Warn().
				Str("job_id", rec.JobID).
				Msg("progress reconcile: memory shows full progress but store shows failure, needs inspection")
		}
		switch job.Status {
		case domain.JobStatusCompleted:
			t.MarkCompleted(ctx, rec.JobID, job.ResultURL)
		case domain.JobStatusFailed:
			t.MarkFailed(ctx, rec.JobID, job.ErrorMessage)
		}
	}
}

// Get returns the tracked record for a job, if any.
func (t *Tracker) Get(jobID string) (domain.ProgressRecord, bool) {
	return t.store.Get(jobID)
}

func (t *Tracker) syncJob(ctx context.Context, jobID string) {
	t.mu.Lock()
	rec, ok := t.store.Get(jobID)
	st := t.syncStateFor(jobID)
	seq := st.seq
	if !ok || !st.dirty {
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	if t.persist == nil {
		return
	}
	if err := t.persist.PersistProgress(ctx, rec); err != nil {
		// Leave the record dirty; the next debounce window retries.
		t.log.Error().Err(err).Str("job_id", jobID).Msg("progress sync failed")
		return
	}
	t.mu.Lock()
	st = t.syncStateFor(jobID)
	st.lastSyncAt = t.now()
	st.lastProgress = rec.Progress
	st.lastStatus = rec.Status
	if st.seq == seq {
		st.dirty = false
		st.dirtySince = time.Time{}
	}
	t.mu.Unlock()
}

func (t *Tracker) isSignificant(rec domain.ProgressRecord, st *syncState, now time.Time) bool {
	switch {
	case rec.Status.Terminal():
		return true
	case rec.Status != st.lastStatus:
		return true
	case rec.Progress-st.lastProgress >= t.cfg.SignificantDelta:
		return true
	case !st.lastSyncAt.IsZero() && now.Sub(st.lastSyncAt) > t.cfg.MaxSyncInterval:
		return true
	case st.lastSyncAt.IsZero():
		return true
	}
	return false
}

func (t *Tracker) scheduleEviction(jobID string, status domain.JobStatus, now time.Time) {
	retention := t.cfg.CompletedRetention
	if status == domain.JobStatusFailed {
		retention = t.cfg.FailedRetention
	}
	t.evictAt[jobID] = now.Add(retention)
}

func (t *Tracker) evict(jobID string) {
	t.mu.Lock()
	t.store.Delete(jobID)
	delete(t.sync, jobID)
	delete(t.evictAt, jobID)
	delete(t.subs, jobID)
	t.mu.Unlock()
}

func (t *Tracker) syncStateFor(jobID string) *syncState {
	st, ok := t.sync[jobID]
	if !ok {
		st = &syncState{lastStatus: domain.JobStatusPending}
		t.sync[jobID] = st
	}
	return st
}

func (t *Tracker) subscribersFor(jobID string) []SubscriberFunc {
	subs := t.subs[jobID]
	if len(subs) == 0 {
		return nil
	}
	out := make([]SubscriberFunc, 0, len(subs))
	for _, fn := range subs {
		out = append(out, fn)
	}
	return out
}

func clampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

func estimateRemaining(rec domain.ProgressRecord, now time.Time) time.Duration {
	if rec.Progress <= 0 || rec.Progress >= 100 {
		return 0
	}
	elapsed := now.Sub(rec.StartedAt)
	total := elapsed * 100 / time.Duration(rec.Progress)
	remaining := total - elapsed
	if remaining < 0 {
		return 0
	}
	return remaining
}
