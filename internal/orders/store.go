package orders

import (
	"context"
	"time"
)

// Store is the Order Record Store contract. Repo implements it on Postgres and
// memstore.Store in memory.
//
// The transition methods return ok=false, err=nil when the order was not in
// the expected status. Callers treat that as a no-op, never as a failure.
type Store interface {
	LookupVariants(ctx context.Context, ids []string) (map[string]Variant, error)
	PlaceOrder(ctx context.Context, o *Order) error

	Get(ctx context.Context, orderID string) (Order, error)
	List(ctx context.Context, f ListFilter) ([]Order, error)
	ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]PendingOrder, error)

	MarkPaid(ctx context.Context, ref Ref) (orderID string, ok bool, err error)
	Cancel(ctx context.Context, ref Ref) (orderID string, ok bool, err error)
	Refund(ctx context.Context, orderID string) (bool, error)
	Advance(ctx context.Context, orderID string, from, to Status) (bool, error)

	SetStock(ctx context.Context, variantID string, stock int) error
}

var _ Store = (*Repo)(nil)
