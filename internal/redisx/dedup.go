package redisx

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Dedup remembers processed event ids for a TTL.
type Dedup struct {
	rdb   *redis.Client
	scope string
	ttl   time.Duration
}

func NewDedup(rdb *redis.Client, scope string, ttl time.Duration) *Dedup {
	return &Dedup{rdb: rdb, scope: scope, ttl: ttl}
}

func (d *Dedup) key(id string) string { return fmt.Sprintf(KeyDedup, d.scope, id) }

// Claim marks id as seen. It returns false when another delivery already
// claimed it.
func (d *Dedup) Claim(ctx context.Context, id string) (bool, error) {
	return d.rdb.SetNX(ctx, d.key(id), "1", d.ttl).Result()
}

// Release forgets id so a redelivery is processed again.
func (d *Dedup) Release(ctx context.Context, id string) error {
	return d.rdb.Del(ctx, d.key(id)).Err()
}
