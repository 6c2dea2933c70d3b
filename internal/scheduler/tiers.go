package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"renderflow/internal/domain"
)

// TierResolver resolves an owner's subscription tier cache-first with a
// database fallback. Any lookup failure degrades to the free tier so
// admission decisions never block on the subscription store.
type TierResolver struct {
	store domain.SubscriptionStore
	ttl   time.Duration
	log   zerolog.Logger
	now   func() time.Time

	mu    sync.Mutex
	cache map[string]cachedTier
}

type cachedTier struct {
	tier      domain.Tier
	expiresAt time.Time
}

// NewTierResolver builds a resolver with the given cache TTL.
func NewTierResolver(store domain.SubscriptionStore, ttl time.Duration, log zerolog.Logger) *TierResolver {
	return &TierResolver{
		store: store,
		ttl:   ttl,
		log:   log,
		now:   time.Now,
		cache: make(map[string]cachedTier),
	}
}

// Resolve returns the owner's tier.
func (r *TierResolver) Resolve(ctx context.Context, ownerID string) domain.Tier {
	now := r.now()
	r.mu.Lock()
	if cached, ok := r.cache[ownerID]; ok && now.Before(cached.expiresAt) {
		r.mu.Unlock()
		return cached.tier
	}
	r.mu.Unlock()

	tier, err := r.store.GetTier(ctx, ownerID)
	if err != nil {
		r.log.Warn().Err(err).Str("owner_id", ownerID).Msg("tier lookup failed, defaulting to free")
		return domain.TierFree
	}

	r.mu.Lock()
	r.cache[ownerID] = cachedTier{tier: tier, expiresAt: now.Add(r.ttl)}
	r.mu.Unlock()
	return tier
}

// Invalidate drops the cached tier for an owner.
func (r *TierResolver) Invalidate(ownerID string) {
	r.mu.Lock()
	delete(r.cache, ownerID)
	r.mu.Unlock()
}
