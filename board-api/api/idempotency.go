package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

const idempotencyHeader = "Idempotency-Key"

// Deduper records idempotency keys.
type Deduper interface {
	Add(ctx context.Context, scope, key string) (bool, error)
	Remove(ctx context.Context, scope, key string) error
}

// RedisDeduper stores processed idempotency keys in Redis so all instances
// can reject the same request.
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisDeduper creates a deduper using the provided Redis client and TTL.
func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, ttl: ttl}
}

func (r *RedisDeduper) key(scope, key string) string {
	return fmt.Sprintf("idem:%s:%s", scope, key)
}

// Add records the key if it does not already exist. It returns true when the
// key was newly added.
func (r *RedisDeduper) Add(ctx context.Context, scope, key string) (bool, error) {
	return r.client.SetNX(ctx, r.key(scope, key), 1, r.ttl).Result()
}

// Remove deletes a previously recorded key so a failed request may be retried.
func (r *RedisDeduper) Remove(ctx context.Context, scope, key string) error {
	return r.client.Del(ctx, r.key(scope, key)).Err()
}

// Idempotent rejects a repeated Idempotency-Key from the same user with 409.
// Keys of requests that fail are released again.
func Idempotent(d Deduper, logger *log.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := strings.TrimSpace(c.Request().Header.Get(idempotencyHeader))
			if d == nil || key == "" {
				return next(c)
			}
			if len(key) > 200 {
				return c.String(http.StatusBadRequest, "idempotency key too long")
			}
			ctx := c.Request().Context()
			scope := identity(c).UserID + ":" + c.Request().Method + ":" + c.Path()
			added, err := d.Add(ctx, scope, key)
			if err != nil {
				logger.WithError(err).Warn("idempotency check failed")
				return next(c)
			}
			if !added {
				return c.JSON(http.StatusConflict, errorResponse{Error: "duplicate request"})
			}
			err = next(c)
			if err != nil || c.Response().Status >= http.StatusBadRequest {
				if rerr := d.Remove(context.WithoutCancel(ctx), scope, key); rerr != nil {
					logger.WithError(rerr).Errorf("dedupe rollback failed, key: %s", key)
				}
			}
			return err
		}
	}
}
