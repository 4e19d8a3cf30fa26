// Package catalog serves the product listing from a source chosen at
// startup, behind a Redis TTL cache.
package catalog

import (
	"context"
	"sort"

	"github.com/ariefcatur/go-storefront-orders/internal/orders"
)

type Product struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Price       string    `json:"price"`
	ImageURL    string    `json:"imageUrl,omitempty"`
	Variants    []Variant `json:"variants,omitempty"`
}

type Variant struct {
	ID    string `json:"id"`
	Size  string `json:"size,omitempty"`
	Color string `json:"color,omitempty"`
	SKU   string `json:"sku,omitempty"`
	Price string `json:"price"`
	Stock int    `json:"stock"`
}

type Source interface {
	Name() string
	Products(ctx context.Context) ([]Product, error)
}

// VariantLister is implemented by memstore.Store.
type VariantLister interface {
	Variants(ctx context.Context) ([]orders.Variant, error)
}

// StoreSource lists active products from an in-process order store.
type StoreSource struct{ Store VariantLister }

func (StoreSource) Name() string { return "store" }

func (s StoreSource) Products(ctx context.Context) ([]Product, error) {
	vs, err := s.Store.Variants(ctx)
	if err != nil {
		return nil, err
	}
	return groupVariants(vs), nil
}

// groupVariants folds variants of active products into products, keeping the
// order of first appearance.
func groupVariants(vs []orders.Variant) []Product {
	var out []Product
	idx := map[string]int{}
	for _, v := range vs {
		if !v.ProductActive {
			continue
		}
		i, ok := idx[v.ProductID]
		if !ok {
			i = len(out)
			idx[v.ProductID] = i
			out = append(out, Product{ID: v.ProductID, Name: v.ProductName, Price: v.BasePriceCents.String()})
		}
		out[i].Variants = append(out[i].Variants, Variant{
			ID:    v.ID,
			Size:  v.Size,
			Color: v.Color,
			SKU:   v.SKU,
			Price: v.UnitPrice().String(),
			Stock: v.Stock,
		})
	}
	for i := range out {
		sort.SliceStable(out[i].Variants, func(a, b int) bool { return out[i].Variants[a].ID < out[i].Variants[b].ID })
	}
	return out
}
