package catalog

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ariefcatur/go-storefront-orders/internal/orders"
)

type DatabaseSource struct{ DB *pgxpool.Pool }

func (DatabaseSource) Name() string { return "database" }

func (s DatabaseSource) Products(ctx context.Context) ([]Product, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT p.id, p.name, COALESCE(p.description, ''), COALESCE(p.image_url, ''), p.base_price_cents,
		       v.id, COALESCE(v.size, ''), COALESCE(v.color, ''), COALESCE(v.sku, ''), v.stock, v.price_cents
		FROM products p
		JOIN product_variants v ON v.product_id = p.id
		WHERE p.active
		ORDER BY p.name, p.id, v.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Product
	idx := map[string]int{}
	for rows.Next() {
		var (
			p     Product
			v     Variant
			base  int64
			price *int64
		)
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.ImageURL, &base,
			&v.ID, &v.Size, &v.Color, &v.SKU, &v.Stock, &price); err != nil {
			return nil, err
		}
		v.Price = orders.Cents(base).String()
		if price != nil {
			v.Price = orders.Cents(*price).String()
		}
		i, ok := idx[p.ID]
		if !ok {
			p.Price = orders.Cents(base).String()
			i = len(out)
			idx[p.ID] = i
			out = append(out, p)
		}
		out[i].Variants = append(out[i].Variants, v)
	}
	return out, rows.Err()
}
