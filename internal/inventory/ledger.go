// Package inventory holds the per-variant stock counter. Every write is a
// single conditional UPDATE evaluated by Postgres; nothing here reads stock
// into memory and writes it back.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Execer is satisfied by pgx.Tx, *pgxpool.Pool and *pgx.Conn.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type Line struct {
	VariantID string
	Qty       int
}

var ErrNegativeStock = errors.New("stock must not be negative")
var ErrUnknownVariant = errors.New("variant not found")

// ShortageError reports the first line whose guarded decrement matched no row.
type ShortageError struct {
	VariantID string
	Requested int
}

func (e *ShortageError) Error() string {
	return fmt.Sprintf("insufficient stock for variant %s (requested %d)", e.VariantID, e.Requested)
}

// Sorted returns a copy of lines ordered by variant id so that concurrent
// transactions lock rows in the same order.
func Sorted(lines []Line) []Line {
	out := make([]Line, len(lines))
	copy(out, lines)
	sort.SliceStable(out, func(i, j int) bool { return out[i].VariantID < out[j].VariantID })
	return out
}

// Reserve decrements stock for every line, guarded by stock >= qty. It must
// run inside a transaction: on a *ShortageError the caller rolls back so no
// earlier decrement survives.
func Reserve(ctx context.Context, q Execer, lines []Line) error {
	for _, it := range Sorted(lines) {
		ct, err := q.Exec(ctx, `
			UPDATE product_variants
			SET stock = stock - $2, updated_at = now()
			WHERE id = $1 AND stock >= $2`, it.VariantID, it.Qty)
		if err != nil {
			return err
		}
		if ct.RowsAffected() == 0 {
			return &ShortageError{VariantID: it.VariantID, Requested: it.Qty}
		}
	}
	return nil
}

// Restore increments stock for every line. Variants deleted since the order
// was placed match no row and are skipped.
func Restore(ctx context.Context, q Execer, lines []Line) error {
	for _, it := range Sorted(lines) {
		if it.VariantID == "" || it.Qty <= 0 {
			continue
		}
		if _, err := q.Exec(ctx, `
			UPDATE product_variants
			SET stock = stock + $2, updated_at = now()
			WHERE id = $1`, it.VariantID, it.Qty); err != nil {
			return err
		}
	}
	return nil
}

// Ledger exposes the admin-facing absolute operations.
type Ledger struct{ DB *pgxpool.Pool }

func (l *Ledger) SetStock(ctx context.Context, variantID string, stock int) error {
	if stock < 0 {
		return ErrNegativeStock
	}
	ct, err := l.DB.Exec(ctx, `UPDATE product_variants SET stock = $2, updated_at = now() WHERE id = $1`, variantID, stock)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrUnknownVariant
	}
	return nil
}

func (l *Ledger) Stock(ctx context.Context, variantID string) (int, error) {
	var n int
	err := l.DB.QueryRow(ctx, `SELECT stock FROM product_variants WHERE id = $1`, variantID).Scan(&n)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrUnknownVariant
	}
	return n, err
}
