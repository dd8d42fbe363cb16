package storage

import (
	"context"
	"errors"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"thrilha/domain"
)

type subscriptionSource interface {
	GetSubscription(ctx context.Context, userID string) (domain.Subscription, error)
}

// PlanCache wraps subscription reads with a Redis cache. Users without a
// subscription are cached too so free users do not hit the database on every
// plan check.
type PlanCache struct {
	base  subscriptionSource
	redis *redis.Client
	ttl   time.Duration
}

type cachedSubscription struct {
	Found        bool                 `json:"found"`
	Subscription *domain.Subscription `json:"subscription,omitempty"`
}

// NewPlanCache creates a cache over base. A nil client disables caching.
func NewPlanCache(base subscriptionSource, client *redis.Client, ttl time.Duration) *PlanCache {
	if base == nil {
		panic("storage.NewPlanCache: base storage is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &PlanCache{base: base, redis: client, ttl: ttl}
}

// Subscription returns the stored subscription or nil when the user has none.
func (c *PlanCache) Subscription(ctx context.Context, userID string) (*domain.Subscription, error) {
	if cached, ok := c.load(ctx, userID); ok {
		return cached.Subscription, nil
	}
	sub, err := c.base.GetSubscription(ctx, userID)
	var entry cachedSubscription
	switch {
	case errors.Is(err, domain.ErrNotFound):
	case err != nil:
		return nil, err
	default:
		entry = cachedSubscription{Found: true, Subscription: &sub}
	}
	c.store(ctx, userID, entry)
	return entry.Subscription, nil
}

// Plan resolves the user's effective plan at now.
func (c *PlanCache) Plan(ctx context.Context, userID string, now time.Time) (domain.Plan, error) {
	sub, err := c.Subscription(ctx, userID)
	if err != nil {
		return domain.PlanFree, err
	}
	return domain.ResolvePlan(sub, now), nil
}

func (c *PlanCache) Evict(ctx context.Context, userID string) {
	if c.redis == nil {
		return
	}
	_ = c.redis.Del(ctx, planCacheKey(userID)).Err()
}

func (c *PlanCache) load(ctx context.Context, userID string) (cachedSubscription, bool) {
	if c.redis == nil {
		return cachedSubscription{}, false
	}
	data, err := c.redis.Get(ctx, planCacheKey(userID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the backing storage without failing.
			_ = c.redis.Del(ctx, planCacheKey(userID)).Err()
		}
		return cachedSubscription{}, false
	}
	var entry cachedSubscription
	if err := sonic.Unmarshal(data, &entry); err != nil {
		_ = c.redis.Del(ctx, planCacheKey(userID)).Err()
		return cachedSubscription{}, false
	}
	return entry, true
}

func (c *PlanCache) store(ctx context.Context, userID string, entry cachedSubscription) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := sonic.Marshal(entry)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, planCacheKey(userID), data, c.ttl).Err()
}

func planCacheKey(userID string) string {
	return "plan:" + userID
}
