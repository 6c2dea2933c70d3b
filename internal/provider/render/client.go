package render

import (
	"context"
	"strings"
)

// State enumerates provider-side job states.
type State string

const (
	StateQueued    State = "queued"
	StateRendering State = "rendering"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// JobStatus is one provider-reported sample for a rendering job.
type JobStatus struct {
	State        State
	Progress     int
	ResultURL    string
	ErrorMessage string
}

// Done reports whether the provider considers the job finished.
func (s JobStatus) Done() bool {
	return s.State == StateSucceeded || s.State == StateFailed
}

// ProviderType classifies which polling primitive a provider exposes.
type ProviderType string

const (
	ProviderVEO       ProviderType = "veo"
	ProviderRunway    ProviderType = "runway"
	ProviderSynthetic ProviderType = "synthetic"
)

// ClassifyProvider maps a configured provider/model name to its type.
func ClassifyProvider(name string) ProviderType {
	switch {
	case strings.HasPrefix(strings.ToLower(name), "veo"):
		return ProviderVEO
	case strings.HasPrefix(strings.ToLower(name), "runway"):
		return ProviderRunway
	default:
		return ProviderSynthetic
	}
}

// StartRequest carries what the provider needs to begin generation.
type StartRequest struct {
	LocalJobID string
	Prompt     string
	Quality    string
	Provider   string
}

// StatusFunc receives provider status samples for a subscribed job.
type StatusFunc func(JobStatus)

// Client is the narrow contract the scheduler consumes for the external
// rendering API.
type Client interface {
	StartJob(ctx context.Context, req StartRequest) (providerJobID string, err error)
	GetJobStatus(ctx context.Context, providerJobID string) (*JobStatus, error)
	RestoreJob(ctx context.Context, providerJobID, localJobID string, providerType ProviderType) (bool, error)
	SubscribeToStatus(providerJobID string, fn StatusFunc) (unsubscribe func(), err error)
	HasSubscription(providerJobID string) bool
}
