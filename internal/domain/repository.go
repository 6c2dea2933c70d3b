package domain

import "context"

// JobRepository defines persistence for job records. Create fills Job.ID when
// it is empty; the store owns identifiers.
type JobRepository interface {
	Create(ctx context.Context, job *Job) error
	GetByID(ctx context.Context, jobID string) (*Job, error)
	Update(ctx context.Context, jobID string, patch JobPatch) (*Job, error)
	List(ctx context.Context, filter JobFilter) ([]Job, error)
	// UpdateQueuePositions rewrites stored queue positions in one batch.
	// Returns ErrQueueUnsupported when the schema lacks the position column.
	UpdateQueuePositions(ctx context.Context, positions map[string]int) error
}

// CreditLedger debits and refunds credits. Debit and Credit are idempotent
// per reference id.
type CreditLedger interface {
	HasSufficientBalance(ctx context.Context, ownerID string, amount int) (bool, error)
	Debit(ctx context.Context, ownerID string, amount int, reason, refID string) (newBalance int, err error)
	Credit(ctx context.Context, ownerID string, amount int, reason, refID string) error
	HasEntry(ctx context.Context, refID string) (bool, error)
}

// SubscriptionStore looks up the stored subscription plan for an owner.
type SubscriptionStore interface {
	GetTier(ctx context.Context, ownerID string) (Tier, error)
}
