package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"renderflow/internal/domain"
	"renderflow/internal/provider/render"
)

// memJobs is an in-memory domain.JobRepository.
type memJobs struct {
	mu             sync.Mutex
	jobs           map[string]*domain.Job
	createErr      error
	listErr        error
	pendingListErr error
	positionsErr   error
	positionWrites int
	// createHook runs once at the start of the next Create, before any
	// repository state is touched, to interleave work mid-submission.
	createHook func()
}

func newMemJobs() *memJobs {
	return &memJobs{jobs: make(map[string]*domain.Job)}
}

func (m *memJobs) Create(ctx context.Context, job *domain.Job) error {
	m.mu.Lock()
	hook := m.createHook
	m.createHook = nil
	m.mu.Unlock()
	if hook != nil {
		hook()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	cp := *job
	m.jobs[job.ID] = &cp
	return nil
}

func (m *memJobs) GetByID(ctx context.Context, jobID string) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *job
	return &cp, nil
}

func (m *memJobs) Update(ctx context.Context, jobID string, patch domain.JobPatch) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if patch.Status != nil {
		job.Status = *patch.Status
	}
	if patch.Progress != nil {
		job.Progress = *patch.Progress
	}
	if patch.ProviderJobID != nil {
		job.ProviderJobID = *patch.ProviderJobID
	}
	if patch.ResultURL != nil {
		job.ResultURL = *patch.ResultURL
	}
	if patch.ErrorMessage != nil {
		job.ErrorMessage = *patch.ErrorMessage
	}
	if patch.ClearQueuePos {
		job.QueuePosition = nil
	} else if patch.QueuePosition != nil {
		job.QueuePosition = patch.QueuePosition
	}
	if patch.StartedAt != nil {
		job.StartedAt = patch.StartedAt
	}
	if patch.CompletedAt != nil {
		job.CompletedAt = patch.CompletedAt
	}
	cp := *job
	return &cp, nil
}

func (m *memJobs) List(ctx context.Context, filter domain.JobFilter) ([]domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	if m.pendingListErr != nil {
		for _, s := range filter.Statuses {
			if s == domain.JobStatusPending {
				return nil, m.pendingListErr
			}
		}
	}
	var out []domain.Job
	for _, job := range m.jobs {
		if filter.OwnerID != "" && job.OwnerID != filter.OwnerID {
			continue
		}
		if len(filter.Statuses) > 0 {
			match := false
			for _, s := range filter.Statuses {
				if job.Status == s {
					match = true
					break
				}
			}
			if !match {
				continue
			}
		}
		out = append(out, *job)
	}
	// stored position order, positionless entries last
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			pi, pj := posOf(out[i]), posOf(out[j])
			if pj < pi {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out, nil
}

func posOf(job domain.Job) int {
	if job.QueuePosition == nil {
		return 1 << 30
	}
	return *job.QueuePosition
}

func (m *memJobs) UpdateQueuePositions(ctx context.Context, positions map[string]int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.positionsErr != nil {
		return m.positionsErr
	}
	m.positionWrites++
	for id, pos := range positions {
		if job, ok := m.jobs[id]; ok {
			p := pos
			job.QueuePosition = &p
		}
	}
	return nil
}

func (m *memJobs) put(job *domain.Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *job
	m.jobs[job.ID] = &cp
}

// memLedger is an in-memory domain.CreditLedger recording every entry.
type memLedger struct {
	mu       sync.Mutex
	balances map[string]int
	entries  map[string]int // refID -> amount
	debits   int
	credits  int
}

func newMemLedger(balances map[string]int) *memLedger {
	if balances == nil {
		balances = make(map[string]int)
	}
	return &memLedger{balances: balances, entries: make(map[string]int)}
}

func (m *memLedger) HasSufficientBalance(ctx context.Context, ownerID string, amount int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[ownerID] >= amount, nil
}

func (m *memLedger) Debit(ctx context.Context, ownerID string, amount int, reason, refID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[refID]; ok {
		return m.balances[ownerID], nil
	}
	m.entries[refID] = -amount
	m.balances[ownerID] -= amount
	m.debits++
	return m.balances[ownerID], nil
}

func (m *memLedger) Credit(ctx context.Context, ownerID string, amount int, reason, refID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[refID]; ok {
		return nil
	}
	m.entries[refID] = amount
	m.balances[ownerID] += amount
	m.credits++
	return nil
}

func (m *memLedger) HasEntry(ctx context.Context, refID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[refID]
	return ok, nil
}

// staticTiers is a fixed domain.SubscriptionStore.
type staticTiers struct {
	tiers map[string]domain.Tier
	err   error
	calls int
}

func (s *staticTiers) GetTier(ctx context.Context, ownerID string) (domain.Tier, error) {
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	if tier, ok := s.tiers[ownerID]; ok {
		return tier, nil
	}
	return domain.TierFree, nil
}

// fakeRender is a controllable render.Client.
type fakeRender struct {
	mu         sync.Mutex
	startErr   error
	started    []string // local job ids in dispatch order
	statuses   map[string]render.JobStatus
	restoreOK  bool
	restoreErr error
	restores   int
	subs       map[string]render.StatusFunc
	nextID     int
}

func newFakeRender() *fakeRender {
	return &fakeRender{
		statuses: make(map[string]render.JobStatus),
		subs:     make(map[string]render.StatusFunc),
	}
}

func (f *fakeRender) StartJob(ctx context.Context, req render.StartRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return "", f.startErr
	}
	f.nextID++
	id := fmt.Sprintf("prov-%d", f.nextID)
	f.started = append(f.started, req.LocalJobID)
	return id, nil
}

func (f *fakeRender) GetJobStatus(ctx context.Context, providerJobID string) (*render.JobStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.statuses[providerJobID]
	if !ok {
		return nil, nil
	}
	return &st, nil
}

func (f *fakeRender) RestoreJob(ctx context.Context, providerJobID, localJobID string, providerType render.ProviderType) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restores++
	if f.restoreErr != nil {
		return false, f.restoreErr
	}
	return f.restoreOK, nil
}

func (f *fakeRender) SubscribeToStatus(providerJobID string, fn render.StatusFunc) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[providerJobID] = fn
	return func() {
		f.mu.Lock()
		delete(f.subs, providerJobID)
		f.mu.Unlock()
	}, nil
}

func (f *fakeRender) HasSubscription(providerJobID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.subs[providerJobID]
	return ok
}

// push delivers a status callback the way the real client does: outside any
// client lock, on the caller's goroutine.
func (f *fakeRender) push(providerJobID string, st render.JobStatus) {
	f.mu.Lock()
	fn := f.subs[providerJobID]
	f.mu.Unlock()
	if fn != nil {
		fn(st)
	}
}

func (f *fakeRender) dropSubscriptions() {
	f.mu.Lock()
	f.subs = make(map[string]render.StatusFunc)
	f.mu.Unlock()
}

// fakeClock is a manually-advanced clock shared between collaborators.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

var errBoom = errors.New("boom")
