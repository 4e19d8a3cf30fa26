// Package memstore is an in-memory Order Record Store for local runs and
// tests. It has no multi-statement transactions: stock is reserved with a
// compare-and-swap loop per variant, and variants already decremented are
// re-incremented when a later line fails.
package memstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ariefcatur/go-storefront-orders/internal/apperr"
	"github.com/ariefcatur/go-storefront-orders/internal/inventory"
	"github.com/ariefcatur/go-storefront-orders/internal/orders"
)

type variant struct {
	orders.Variant
	stock atomic.Int64
}

type user struct {
	email string
	name  string
}

type Store struct {
	mu       sync.RWMutex
	variants map[string]*variant
	orders   map[string]*orders.Order
	byIntent map[string]string
	users    map[string]user
	nextItem int64

	now func() time.Time
}

var _ orders.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		variants: map[string]*variant{},
		orders:   map[string]*orders.Order{},
		byIntent: map[string]string{},
		users:    map[string]user{},
		now:      time.Now,
	}
}

// SetClock replaces the time source used to stamp new orders.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// AddVariant registers v with v.Stock units on hand.
func (s *Store) AddVariant(v orders.Variant) {
	nv := &variant{Variant: v}
	nv.stock.Store(int64(v.Stock))
	s.mu.Lock()
	s.variants[v.ID] = nv
	s.mu.Unlock()
}

func (s *Store) AddUser(id, email, name string) {
	s.mu.Lock()
	s.users[id] = user{email: email, name: name}
	s.mu.Unlock()
}

// Stock returns the current counter for variantID, or -1 if unknown.
func (s *Store) Stock(variantID string) int {
	s.mu.RLock()
	v, ok := s.variants[variantID]
	s.mu.RUnlock()
	if !ok {
		return -1
	}
	return int(v.stock.Load())
}

// Variants lists every registered variant with its current stock, ordered by
// product then variant id.
func (s *Store) Variants(ctx context.Context) ([]orders.Variant, error) {
	s.mu.RLock()
	out := make([]orders.Variant, 0, len(s.variants))
	for _, v := range s.variants {
		c := v.Variant
		c.Stock = int(v.stock.Load())
		out = append(out, c)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].ProductID != out[j].ProductID {
			return out[i].ProductID < out[j].ProductID
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) LookupVariants(ctx context.Context, ids []string) (map[string]orders.Variant, error) {
	out := make(map[string]orders.Variant, len(ids))
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range ids {
		v, ok := s.variants[id]
		if !ok {
			continue
		}
		c := v.Variant
		c.Stock = int(v.stock.Load())
		out[id] = c
	}
	return out, nil
}

// reserve decrements each line with a CAS loop guarded by stock >= qty. On a
// shortage every line already taken is put back before returning.
func (s *Store) reserve(lines []inventory.Line) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var taken []inventory.Line
	undo := func() {
		for _, l := range taken {
			s.variants[l.VariantID].stock.Add(int64(l.Qty))
		}
	}
	for _, l := range lines {
		v, ok := s.variants[l.VariantID]
		if !ok {
			undo()
			return l.VariantID, apperr.NotFound("Product variant not found")
		}
		for {
			cur := v.stock.Load()
			if cur < int64(l.Qty) {
				undo()
				return l.VariantID, apperr.Conflict("Insufficient stock for " + v.Label())
			}
			if v.stock.CompareAndSwap(cur, cur-int64(l.Qty)) {
				break
			}
		}
		taken = append(taken, l)
	}
	return "", nil
}

func (s *Store) restore(lines []inventory.Line) {
	for _, l := range lines {
		if v, ok := s.variants[l.VariantID]; ok && l.Qty > 0 {
			v.stock.Add(int64(l.Qty))
		}
	}
}

func (s *Store) PlaceOrder(ctx context.Context, o *orders.Order) error {
	if _, err := s.reserve(o.Lines()); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.orders[o.ID]; dup {
		s.restore(o.Lines())
		return fmt.Errorf("order %s already exists", o.ID)
	}
	if o.PaymentIntentID != "" {
		if _, dup := s.byIntent[o.PaymentIntentID]; dup {
			s.restore(o.Lines())
			return fmt.Errorf("payment intent %s already linked", o.PaymentIntentID)
		}
	}

	now := s.now()
	o.CreatedAt, o.UpdatedAt = now, now
	stored := clone(*o)
	for i := range stored.Items {
		s.nextItem++
		stored.Items[i].ID = s.nextItem
		stored.Items[i].OrderID = o.ID
	}
	s.orders[o.ID] = &stored
	if o.PaymentIntentID != "" {
		s.byIntent[o.PaymentIntentID] = o.ID
	}
	return nil
}

// resolve finds the order for ref. Caller holds s.mu.
func (s *Store) resolve(ref orders.Ref) *orders.Order {
	id := ref.OrderID
	if id == "" && ref.PaymentIntentID != "" {
		id = s.byIntent[ref.PaymentIntentID]
	}
	return s.orders[id]
}

func (s *Store) transition(ref orders.Ref, from, to orders.Status) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o := s.resolve(ref)
	if o == nil || o.Status != from {
		return "", false
	}
	o.Status = to
	o.UpdatedAt = s.now()
	if to.RestoresStock() {
		s.restore(o.Lines())
	}
	return o.ID, true
}

func (s *Store) MarkPaid(ctx context.Context, ref orders.Ref) (string, bool, error) {
	id, ok := s.transition(ref, orders.StatusPending, orders.StatusPaid)
	return id, ok, nil
}

func (s *Store) Cancel(ctx context.Context, ref orders.Ref) (string, bool, error) {
	id, ok := s.transition(ref, orders.StatusPending, orders.StatusCancelled)
	return id, ok, nil
}

func (s *Store) Refund(ctx context.Context, orderID string) (bool, error) {
	_, ok := s.transition(orders.ByID(orderID), orders.StatusPaid, orders.StatusRefunded)
	return ok, nil
}

func (s *Store) Advance(ctx context.Context, orderID string, from, to orders.Status) (bool, error) {
	if to.RestoresStock() {
		return false, errors.New("memstore: use Cancel or Refund for stock-restoring transitions")
	}
	_, ok := s.transition(orders.ByID(orderID), from, to)
	return ok, nil
}

func (s *Store) Get(ctx context.Context, orderID string) (orders.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[orderID]
	if !ok {
		return orders.Order{}, apperr.NotFound("Order not found")
	}
	return s.view(o), nil
}

func (s *Store) List(ctx context.Context, f orders.ListFilter) ([]orders.Order, error) {
	s.mu.RLock()
	var out []orders.Order
	for _, o := range s.orders {
		if f.Status != "" && o.Status != f.Status {
			continue
		}
		if f.UserID != "" && o.UserID != f.UserID {
			continue
		}
		v := s.view(o)
		if f.Email != "" && !strings.EqualFold(v.GuestEmail, orders.NormalizeEmail(f.Email)) && !v.OwnedByEmail(f.Email) {
			continue
		}
		out = append(out, v)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *Store) ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]orders.PendingOrder, error) {
	s.mu.RLock()
	var out []orders.PendingOrder
	for _, o := range s.orders {
		if o.Status == orders.StatusPending && o.CreatedAt.Before(cutoff) {
			out = append(out, orders.PendingOrder{ID: o.ID, PaymentIntentID: o.PaymentIntentID, CreatedAt: o.CreatedAt})
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) SetStock(ctx context.Context, variantID string, stock int) error {
	if stock < 0 {
		return apperr.Validation("Stock must be a non-negative integer")
	}
	s.mu.RLock()
	v, ok := s.variants[variantID]
	s.mu.RUnlock()
	if !ok {
		return apperr.NotFound("Variant not found")
	}
	v.stock.Store(int64(stock))
	return nil
}

// view copies o and fills the owner fields. Caller holds s.mu.
func (s *Store) view(o *orders.Order) orders.Order {
	c := clone(*o)
	if u, ok := s.users[o.UserID]; ok && o.UserID != "" {
		c.OwnerEmail, c.OwnerName = u.email, u.name
	}
	return c
}

func clone(o orders.Order) orders.Order {
	o.Items = append([]orders.OrderItem(nil), o.Items...)
	return o
}
