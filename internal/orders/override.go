package orders

import (
	"context"
	"fmt"

	"github.com/ariefcatur/go-storefront-orders/internal/apperr"
)

// ApplyOverride performs an admin status change. Only edges of the state
// machine are accepted, and each goes through the same guarded write the
// automated paths use so stock is restored exactly once.
func ApplyOverride(ctx context.Context, s Store, ev Events, orderID string, to Status) (Order, error) {
	cur, err := s.Get(ctx, orderID)
	if err != nil {
		return Order{}, err
	}
	if cur.Status == to {
		return cur, nil
	}
	if !CanTransition(cur.Status, to) {
		return Order{}, apperr.Conflict(fmt.Sprintf("Cannot change status from %s to %s", cur.Status, to))
	}

	var ok bool
	switch {
	case cur.Status == StatusPending && to == StatusCancelled:
		_, ok, err = s.Cancel(ctx, ByID(orderID))
	case cur.Status == StatusPending && to == StatusPaid:
		_, ok, err = s.MarkPaid(ctx, ByID(orderID))
	case cur.Status == StatusPaid && to == StatusRefunded:
		ok, err = s.Refund(ctx, orderID)
	default:
		ok, err = s.Advance(ctx, orderID, cur.Status, to)
	}
	if err != nil {
		return Order{}, err
	}
	if !ok {
		return Order{}, apperr.Conflict("Order status changed concurrently, reload and retry")
	}

	if ev == nil {
		ev = NopEvents{}
	}
	ev.StatusChanged(ctx, orderID, cur.Status, to, "admin")
	return s.Get(ctx, orderID)
}
