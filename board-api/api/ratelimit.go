package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-redis/redis_rate/v10"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"thrilha/config"
)

// RateLimiter throttles requests per caller with a Redis backed GCRA limiter
// shared by all instances.
type RateLimiter struct {
	limiter *redis_rate.Limiter
	limit   redis_rate.Limit
	logger  *log.Logger
}

func NewRateLimiter(rc *redis.Client, cfg config.RateLimit, logger *log.Logger) *RateLimiter {
	burst := cfg.Burst
	if burst < cfg.RPS {
		burst = cfg.RPS
	}
	return &RateLimiter{
		limiter: redis_rate.NewLimiter(rc),
		limit:   redis_rate.Limit{Rate: cfg.RPS, Burst: burst, Period: time.Second},
		logger:  logger,
	}
}

// Middleware keys on the authenticated user, falling back to the client IP.
// Limiter failures let the request through.
func (rl *RateLimiter) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if rl == nil || rl.limit.Rate <= 0 {
				return next(c)
			}
			key := "rate_limit:ip:" + c.RealIP()
			if id := identity(c); id.UserID != "" {
				key = "rate_limit:user:" + id.UserID
			}

			res, err := rl.limiter.Allow(c.Request().Context(), key, rl.limit)
			if err != nil {
				rl.logger.WithError(err).Error("redis rate limiter error")
				return next(c)
			}

			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(rl.limit.Rate))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
			h.Set("X-RateLimit-Reset", strconv.Itoa(int(res.ResetAfter.Seconds())))

			if res.Allowed == 0 {
				rl.logger.WithField("key", key).Warn("rate limit exceeded")
				h.Set("Retry-After", strconv.Itoa(int(res.RetryAfter.Seconds())+1))
				return c.String(http.StatusTooManyRequests, "too many requests")
			}
			return next(c)
		}
	}
}
