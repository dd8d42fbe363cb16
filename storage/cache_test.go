package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"thrilha/domain"
)

type stubSubscriptions struct {
	calls int
	sub   *domain.Subscription
	err   error
}

func (s *stubSubscriptions) GetSubscription(ctx context.Context, userID string) (domain.Subscription, error) {
	s.calls++
	if s.err != nil {
		return domain.Subscription{}, s.err
	}
	if s.sub == nil {
		return domain.Subscription{}, domain.ErrNotFound
	}
	return *s.sub, nil
}

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestPlanCacheMissThenHit(t *testing.T) {
	mr, client := newRedis(t)
	ctx := context.Background()
	base := &stubSubscriptions{sub: &domain.Subscription{UserID: "u1", Plan: domain.PlanPro, Status: "active"}}
	cache := NewPlanCache(base, client, time.Minute)

	for i := 0; i < 2; i++ {
		plan, err := cache.Plan(ctx, "u1", time.Now())
		if err != nil {
			t.Fatalf("plan: %v", err)
		}
		if plan != domain.PlanPro {
			t.Fatalf("expected pro, got %s", plan)
		}
	}
	if base.calls != 1 {
		t.Fatalf("expected 1 backend call, got %d", base.calls)
	}
	if ttl := mr.TTL(planCacheKey("u1")); ttl <= 0 || ttl > time.Minute {
		t.Fatalf("unexpected TTL: %v", ttl)
	}

	cache.Evict(ctx, "u1")
	if mr.Exists(planCacheKey("u1")) {
		t.Fatal("expected key evicted")
	}
}

func TestPlanCacheCachesAbsence(t *testing.T) {
	_, client := newRedis(t)
	base := &stubSubscriptions{}
	cache := NewPlanCache(base, client, time.Minute)

	for i := 0; i < 2; i++ {
		sub, err := cache.Subscription(context.Background(), "u1")
		if err != nil || sub != nil {
			t.Fatalf("expected nil subscription, got %v %v", sub, err)
		}
	}
	if base.calls != 1 {
		t.Fatalf("expected 1 backend call, got %d", base.calls)
	}
}

func TestPlanCacheCorruptEntryFallsBack(t *testing.T) {
	mr, client := newRedis(t)
	base := &stubSubscriptions{}
	cache := NewPlanCache(base, client, time.Minute)
	if err := mr.Set(planCacheKey("u1"), "{not json"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := cache.Subscription(context.Background(), "u1"); err != nil {
		t.Fatalf("subscription: %v", err)
	}
	if base.calls != 1 {
		t.Fatalf("expected backend call after corrupt entry, got %d", base.calls)
	}
}

func TestPlanCachePropagatesErrors(t *testing.T) {
	base := &stubSubscriptions{err: errors.New("db down")}
	cache := NewPlanCache(base, nil, time.Minute)
	if _, err := cache.Plan(context.Background(), "u1", time.Now()); err == nil {
		t.Fatal("expected error")
	}
}
