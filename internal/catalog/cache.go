package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ariefcatur/go-storefront-orders/internal/redisx"
)

// Cache holds the last product listing of src in Redis for ttl.
type Cache struct {
	log *slog.Logger
	rdb *redis.Client
	src Source
	ttl time.Duration
}

func NewCache(log *slog.Logger, rdb *redis.Client, src Source, ttl time.Duration) *Cache {
	return &Cache{log: log, rdb: rdb, src: src, ttl: ttl}
}

func (c *Cache) key() string { return fmt.Sprintf(redisx.KeyCatalog, c.src.Name()) }

// GetOrRefresh serves the cached listing, reloading from the source on a
// miss. Redis failures degrade to reading the source directly.
func (c *Cache) GetOrRefresh(ctx context.Context) ([]Product, error) {
	b, err := c.rdb.Get(ctx, c.key()).Bytes()
	switch {
	case err == nil:
		var ps []Product
		if jerr := json.Unmarshal(b, &ps); jerr == nil {
			return ps, nil
		}
		c.log.WarnContext(ctx, "catalog cache entry unreadable, refreshing")
	case !errors.Is(err, redis.Nil):
		c.log.WarnContext(ctx, "catalog cache unavailable", "err", err)
	}

	ps, err := c.src.Products(ctx)
	if err != nil {
		return nil, fmt.Errorf("load catalog from %s: %w", c.src.Name(), err)
	}
	if ps == nil {
		ps = []Product{}
	}
	if b, err := json.Marshal(ps); err == nil {
		if err := c.rdb.Set(ctx, c.key(), b, c.ttl).Err(); err != nil {
			c.log.WarnContext(ctx, "catalog cache write failed", "err", err)
		}
	}
	return ps, nil
}

func (c *Cache) Invalidate(ctx context.Context) error {
	return c.rdb.Del(ctx, c.key()).Err()
}
