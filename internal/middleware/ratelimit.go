package middleware

import (
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"chess_lore/internal/httpresponse"
)

// RateLimiter is a fixed-window request counter shared through Redis, so
// every replica sees the same budget.
type RateLimiter struct {
	client *redis.Client
	name   string
	limit  int
	window time.Duration
	log    *zap.SugaredLogger
}

func NewRateLimiter(client *redis.Client, name string, limit int, window time.Duration, log *zap.SugaredLogger) *RateLimiter {
	return &RateLimiter{
		client: client,
		name:   name,
		limit:  limit,
		window: window,
		log:    log,
	}
}

func (rl *RateLimiter) key(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	bucket := time.Now().UnixNano() / int64(rl.window)
	return fmt.Sprintf("ratelimit:%s:%s:%d", rl.name, host, bucket)
}

// Handler rejects requests over the limit with 429. When Redis is down
// requests are let through.
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		key := rl.key(r)

		count, err := rl.client.Incr(ctx, key).Result()
		if err != nil {
			rl.log.Warnw("rate limiter unavailable", "limiter", rl.name, "error", err)
			next.ServeHTTP(w, r)
			return
		}
		if count == 1 {
			if err := rl.client.Expire(ctx, key, rl.window).Err(); err != nil {
				rl.log.Warnw("rate limiter expire failed", "limiter", rl.name, "error", err)
			}
		}

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.limit))
		remaining := rl.limit - int(count)
		if remaining < 0 {
			remaining = 0
		}
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))

		if int(count) > rl.limit {
			w.Header().Set("Retry-After", strconv.Itoa(int(rl.window.Seconds())))
			rl.log.Infow("rate limit exceeded", "limiter", rl.name, "key", key)
			httpresponse.WriteErrorResponse(w, http.StatusTooManyRequests, httpresponse.RATELIMITED_errorDesc)
			return
		}
		next.ServeHTTP(w, r)
	})
}
