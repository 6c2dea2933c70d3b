package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"renderflow/internal/domain"
)

// SubscriptionRepoPG implements domain.SubscriptionStore.
type SubscriptionRepoPG struct {
	pool *pgxpool.Pool
}

// NewSubscriptionRepo creates a subscription lookup backed by PostgreSQL.
func NewSubscriptionRepo(pool *pgxpool.Pool) *SubscriptionRepoPG {
	return &SubscriptionRepoPG{pool: pool}
}

// GetTier returns the stored subscription plan for an owner, normalized to a
// base tier. Owners without a subscription row are free tier.
func (r *SubscriptionRepoPG) GetTier(ctx context.Context, ownerID string) (domain.Tier, error) {
	var plan string
	err := r.pool.QueryRow(ctx,
		`SELECT plan FROM subscriptions WHERE owner_id = $1;`, ownerID,
	).Scan(&plan)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.TierFree, nil
		}
		return "", fmt.Errorf("subscription lookup: %w", err)
	}
	return domain.ParseTier(plan), nil
}
