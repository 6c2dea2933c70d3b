package render

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Synthetic is an in-process provider that renders nothing and reports
// time-based progress instead. It keeps the scheduler fully operational in
// local and CI environments where no rendering API key is configured.
type Synthetic struct {
	now      func() time.Time
	interval time.Duration

	mu   sync.Mutex
	jobs map[string]*syntheticJob
	subs map[string]chan struct{}
}

type syntheticJob struct {
	localJobID string
	provider   string
	startedAt  time.Time
	duration   time.Duration
}

// NewSynthetic builds a synthetic provider. Fast jobs finish in ~30s, pro
// jobs in ~90s.
func NewSynthetic() *Synthetic {
	return &Synthetic{
		now:      time.Now,
		interval: time.Second,
		jobs:     make(map[string]*syntheticJob),
		subs:     make(map[string]chan struct{}),
	}
}

func (s *Synthetic) StartJob(ctx context.Context, req StartRequest) (string, error) {
	duration := 30 * time.Second
	if req.Quality == "pro" {
		duration = 90 * time.Second
	}
	id := "synthetic-" + uuid.NewString()
	s.mu.Lock()
	s.jobs[id] = &syntheticJob{
		localJobID: req.LocalJobID,
		provider:   req.Provider,
		startedAt:  s.now(),
		duration:   duration,
	}
	s.mu.Unlock()
	return id, nil
}

func (s *Synthetic) GetJobStatus(ctx context.Context, providerJobID string) (*JobStatus, error) {
	s.mu.Lock()
	job, ok := s.jobs[providerJobID]
	s.mu.Unlock()
	if !ok {
		return nil, nil
	}
	return s.statusOf(job), nil
}

func (s *Synthetic) statusOf(job *syntheticJob) *JobStatus {
	elapsed := s.now().Sub(job.startedAt)
	if elapsed >= job.duration {
		return &JobStatus{
			State:     StateSucceeded,
			Progress:  100,
			ResultURL: fmt.Sprintf("https://cdn.example.com/%s/%s.mp4", job.provider, job.localJobID),
		}
	}
	progress := int(elapsed * 100 / job.duration)
	state := StateRendering
	if progress == 0 {
		state = StateQueued
	}
	return &JobStatus{State: state, Progress: progress}
}

func (s *Synthetic) RestoreJob(ctx context.Context, providerJobID, localJobID string, providerType ProviderType) (bool, error) {
	s.mu.Lock()
	_, ok := s.jobs[providerJobID]
	s.mu.Unlock()
	return ok, nil
}

func (s *Synthetic) SubscribeToStatus(providerJobID string, fn StatusFunc) (func(), error) {
	s.mu.Lock()
	job, ok := s.jobs[providerJobID]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("render: unknown synthetic job %s", providerJobID)
	}
	if _, exists := s.subs[providerJobID]; exists {
		s.mu.Unlock()
		return func() {}, fmt.Errorf("render: already subscribed to %s", providerJobID)
	}
	stop := make(chan struct{})
	s.subs[providerJobID] = stop
	s.mu.Unlock()

	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
			}
			status := s.statusOf(job)
			fn(*status)
			if status.Done() {
				s.mu.Lock()
				delete(s.subs, providerJobID)
				s.mu.Unlock()
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, providerJobID)
			s.mu.Unlock()
			close(stop)
		})
	}, nil
}

func (s *Synthetic) HasSubscription(providerJobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.subs[providerJobID]
	return ok
}

var _ Client = (*Synthetic)(nil)
