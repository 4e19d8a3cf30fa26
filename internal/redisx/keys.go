package redisx

import "time"

const (
	// Cache status order: order_status:{order_id} -> {"status": "...", "total_cents": ..., ...}
	KeyOrderStatus = "order_status:%s"

	// Dedup event processing: dedup:{scope}:{id} (id = gateway event id or lifecycle event id)
	KeyDedup = "dedup:%s:%s"

	// Fixed window counter: ratelimit:{scope}:{client}:{window_start_unix}
	KeyRateLimit = "ratelimit:%s:%s:%d"

	// Catalog snapshot: catalog:{source}
	KeyCatalog = "catalog:%s"
)

var (
	TTLStatusCache = 5 * time.Minute
	TTLDedup       = 48 * time.Hour
)
