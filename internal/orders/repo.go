package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ariefcatur/go-storefront-orders/internal/apperr"
	"github.com/ariefcatur/go-storefront-orders/internal/inventory"
)

// Repo is the Postgres-backed Order Record Store. Status writes are
// conditional UPDATEs on the current status; a zero row count means another
// writer already resolved the order.
type Repo struct{ DB *pgxpool.Pool }

func (r *Repo) LookupVariants(ctx context.Context, ids []string) (map[string]Variant, error) {
	out := make(map[string]Variant, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := r.DB.Query(ctx, `
		SELECT v.id, v.product_id, p.name, p.active, p.base_price_cents,
		       COALESCE(v.size, ''), COALESCE(v.color, ''), COALESCE(v.sku, ''),
		       v.stock, v.price_cents
		FROM product_variants v
		JOIN products p ON p.id = v.product_id
		WHERE v.id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			v     Variant
			base  int64
			price *int64
		)
		if err := rows.Scan(&v.ID, &v.ProductID, &v.ProductName, &v.ProductActive, &base,
			&v.Size, &v.Color, &v.SKU, &v.Stock, &price); err != nil {
			return nil, err
		}
		v.BasePriceCents = Cents(base)
		if price != nil {
			c := Cents(*price)
			v.PriceCents = &c
		}
		out[v.ID] = v
	}
	return out, rows.Err()
}

// PlaceOrder reserves stock for every item and inserts the order with its
// items in one transaction. A failed stock guard rolls everything back and
// returns an apperr Conflict naming the product.
func (r *Repo) PlaceOrder(ctx context.Context, o *Order) error {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := inventory.Reserve(ctx, tx, o.Lines()); err != nil {
		var short *inventory.ShortageError
		if errors.As(err, &short) {
			return apperr.Conflict("Insufficient stock for " + itemName(o.Items, short.VariantID))
		}
		return fmt.Errorf("reserve stock: %w", err)
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO orders(id, status, user_id, guest_email, guest_name, guest_phone,
		                   shipping_name, shipping_street, shipping_street2, shipping_city,
		                   shipping_state, shipping_zip, shipping_country,
		                   subtotal_cents, shipping_cents, tax_cents, total_cents, payment_intent_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
		RETURNING created_at, updated_at`,
		o.ID, string(o.Status), nullIfEmpty(o.UserID), nullIfEmpty(o.GuestEmail), nullIfEmpty(o.GuestName), nullIfEmpty(o.GuestPhone),
		o.Shipping.Name, o.Shipping.Street, nullIfEmpty(o.Shipping.Street2), o.Shipping.City,
		o.Shipping.State, o.Shipping.Zip, o.Shipping.Country,
		int64(o.SubtotalCents), int64(o.ShippingCents), int64(o.TaxCents), int64(o.TotalCents), nullIfEmpty(o.PaymentIntentID),
	).Scan(&o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}

	batch := &pgx.Batch{}
	for _, it := range o.Items {
		batch.Queue(`
			INSERT INTO order_items(order_id, variant_id, quantity, unit_price_cents, product_name, size, color)
			VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			o.ID, it.VariantID, it.Quantity, int64(it.UnitPriceCents), it.ProductName, nullIfEmpty(it.Size), nullIfEmpty(it.Color))
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert order items: %w", err)
	}

	return tx.Commit(ctx)
}

// MarkPaid moves a PENDING order to PAID. The returned bool is false when no
// PENDING order matched.
func (r *Repo) MarkPaid(ctx context.Context, ref Ref) (string, bool, error) {
	cond, arg, ok := refWhere(ref)
	if !ok {
		return "", false, nil
	}
	var id string
	err := r.DB.QueryRow(ctx, `
		UPDATE orders SET status = $2, updated_at = now()
		WHERE `+cond+` AND status = $3
		RETURNING id`, arg, string(StatusPaid), string(StatusPending)).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

// Cancel moves a PENDING order to CANCELLED and restores its stock in the
// same transaction. Stock is restored only by the call that flipped status.
func (r *Repo) Cancel(ctx context.Context, ref Ref) (string, bool, error) {
	cond, arg, ok := refWhere(ref)
	if !ok {
		return "", false, nil
	}
	return r.release(ctx, cond, arg, StatusPending, StatusCancelled)
}

// Refund moves a PAID order to REFUNDED and restores its stock.
func (r *Repo) Refund(ctx context.Context, orderID string) (bool, error) {
	_, ok, err := r.release(ctx, "id = $1", orderID, StatusPaid, StatusRefunded)
	return ok, err
}

func (r *Repo) release(ctx context.Context, cond string, arg any, from, to Status) (string, bool, error) {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return "", false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var id string
	err = tx.QueryRow(ctx, `
		UPDATE orders SET status = $2, updated_at = now()
		WHERE `+cond+` AND status = $3
		RETURNING id`, arg, string(to), string(from)).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}

	rows, err := tx.Query(ctx, `SELECT variant_id, quantity FROM order_items WHERE order_id = $1`, id)
	if err != nil {
		return "", false, err
	}
	var lines []inventory.Line
	for rows.Next() {
		var (
			vid *string
			qty int
		)
		if err := rows.Scan(&vid, &qty); err != nil {
			rows.Close()
			return "", false, err
		}
		if vid != nil {
			lines = append(lines, inventory.Line{VariantID: *vid, Qty: qty})
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return "", false, err
	}

	if err := inventory.Restore(ctx, tx, lines); err != nil {
		return "", false, fmt.Errorf("restore stock: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return "", false, err
	}
	return id, true, nil
}

// Advance is a plain compare-and-set on status with no stock effect.
func (r *Repo) Advance(ctx context.Context, orderID string, from, to Status) (bool, error) {
	ct, err := r.DB.Exec(ctx, `
		UPDATE orders SET status = $3, updated_at = now()
		WHERE id = $1 AND status = $2`, orderID, string(from), string(to))
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

func (r *Repo) ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]PendingOrder, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT id, COALESCE(payment_intent_id, ''), created_at
		FROM orders
		WHERE status = $1 AND created_at < $2
		ORDER BY created_at ASC
		LIMIT $3`, string(StatusPending), cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PendingOrder
	for rows.Next() {
		var p PendingOrder
		if err := rows.Scan(&p.ID, &p.PaymentIntentID, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

const orderColumns = `
	o.id, o.status, COALESCE(o.user_id, ''), COALESCE(o.guest_email, ''), COALESCE(o.guest_name, ''),
	COALESCE(o.guest_phone, ''), COALESCE(u.email, ''), COALESCE(u.name, ''),
	o.shipping_name, o.shipping_street, COALESCE(o.shipping_street2, ''), o.shipping_city,
	o.shipping_state, o.shipping_zip, o.shipping_country,
	o.subtotal_cents, o.shipping_cents, o.tax_cents, o.total_cents,
	COALESCE(o.payment_intent_id, ''), o.created_at, o.updated_at`

func scanOrder(row pgx.Row) (Order, error) {
	var (
		o                              Order
		status                         string
		subtotal, shipping, tax, total int64
	)
	err := row.Scan(&o.ID, &status, &o.UserID, &o.GuestEmail, &o.GuestName,
		&o.GuestPhone, &o.OwnerEmail, &o.OwnerName,
		&o.Shipping.Name, &o.Shipping.Street, &o.Shipping.Street2, &o.Shipping.City,
		&o.Shipping.State, &o.Shipping.Zip, &o.Shipping.Country,
		&subtotal, &shipping, &tax, &total,
		&o.PaymentIntentID, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return Order{}, err
	}
	o.Status = Status(status)
	o.SubtotalCents, o.ShippingCents, o.TaxCents, o.TotalCents = Cents(subtotal), Cents(shipping), Cents(tax), Cents(total)
	return o, nil
}

func (r *Repo) Get(ctx context.Context, orderID string) (Order, error) {
	o, err := scanOrder(r.DB.QueryRow(ctx, `
		SELECT `+orderColumns+`
		FROM orders o LEFT JOIN users u ON u.id = o.user_id
		WHERE o.id = $1`, orderID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Order{}, apperr.NotFound("Order not found")
	}
	if err != nil {
		return Order{}, err
	}
	items, err := r.itemsFor(ctx, []string{o.ID})
	if err != nil {
		return Order{}, err
	}
	o.Items = items[o.ID]
	return o, nil
}

func (r *Repo) List(ctx context.Context, f ListFilter) ([]Order, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, strings.ReplaceAll(cond, "?", fmt.Sprintf("$%d", len(args))))
	}
	if f.Status != "" {
		add("o.status = ?", string(f.Status))
	}
	if f.UserID != "" {
		add("o.user_id = ?", f.UserID)
	}
	if f.Email != "" {
		add("(lower(o.guest_email) = ? OR lower(u.email) = ?)", NormalizeEmail(f.Email))
	}

	q := `SELECT ` + orderColumns + ` FROM orders o LEFT JOIN users u ON u.id = o.user_id`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY o.created_at DESC`
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := r.DB.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	var out []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, o)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(out))
	for _, o := range out {
		ids = append(ids, o.ID)
	}
	items, err := r.itemsFor(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Items = items[out[i].ID]
	}
	return out, nil
}

func (r *Repo) itemsFor(ctx context.Context, orderIDs []string) (map[string][]OrderItem, error) {
	out := map[string][]OrderItem{}
	if len(orderIDs) == 0 {
		return out, nil
	}
	rows, err := r.DB.Query(ctx, `
		SELECT id, order_id, COALESCE(variant_id, ''), quantity, unit_price_cents,
		       product_name, COALESCE(size, ''), COALESCE(color, '')
		FROM order_items
		WHERE order_id = ANY($1)
		ORDER BY id`, orderIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			it    OrderItem
			price int64
		)
		if err := rows.Scan(&it.ID, &it.OrderID, &it.VariantID, &it.Quantity, &price,
			&it.ProductName, &it.Size, &it.Color); err != nil {
			return nil, err
		}
		it.UnitPriceCents = Cents(price)
		out[it.OrderID] = append(out[it.OrderID], it)
	}
	return out, rows.Err()
}

func (r *Repo) SetStock(ctx context.Context, variantID string, stock int) error {
	l := inventory.Ledger{DB: r.DB}
	err := l.SetStock(ctx, variantID, stock)
	switch {
	case errors.Is(err, inventory.ErrNegativeStock):
		return apperr.Validation("Stock must be a non-negative integer")
	case errors.Is(err, inventory.ErrUnknownVariant):
		return apperr.NotFound("Variant not found")
	}
	return err
}

func refWhere(ref Ref) (string, any, bool) {
	switch {
	case ref.OrderID != "":
		return "id = $1", ref.OrderID, true
	case ref.PaymentIntentID != "":
		return "payment_intent_id = $1", ref.PaymentIntentID, true
	}
	return "", nil, false
}

func itemName(items []OrderItem, variantID string) string {
	for _, it := range items {
		if it.VariantID != variantID {
			continue
		}
		opts := strings.TrimSpace(it.Size + " " + it.Color)
		if opts == "" {
			return it.ProductName
		}
		return it.ProductName + " (" + opts + ")"
	}
	return variantID
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
