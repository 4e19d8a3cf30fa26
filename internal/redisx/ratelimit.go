package redisx

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter is a fixed-window counter per (scope, client).
type Limiter struct {
	rdb    *redis.Client
	limit  int
	window time.Duration
	now    func() time.Time
}

func NewLimiter(rdb *redis.Client, limit int, window time.Duration) *Limiter {
	return &Limiter{rdb: rdb, limit: limit, window: window, now: time.Now}
}

// Allow counts one hit and reports whether it is within the limit. A zero or
// negative limit disables limiting.
func (l *Limiter) Allow(ctx context.Context, scope, client string) (bool, error) {
	if l.limit <= 0 {
		return true, nil
	}
	start := l.now().Truncate(l.window).Unix()
	key := fmt.Sprintf(KeyRateLimit, scope, client, start)

	pipe := l.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	return incr.Val() <= int64(l.limit), nil
}
