package httpx

import (
	"time"

	"github.com/ariefcatur/go-storefront-orders/internal/orders"
)

type itemView struct {
	ID          int64   `json:"id"`
	VariantID   string  `json:"variantId,omitempty"`
	ProductName string  `json:"productName"`
	Size        string  `json:"size,omitempty"`
	Color       string  `json:"color,omitempty"`
	Quantity    int     `json:"quantity"`
	UnitPrice   float64 `json:"unitPrice"`
	Total       float64 `json:"total"`
}

type orderView struct {
	ID              string         `json:"id"`
	OrderNumber     string         `json:"orderNumber"`
	Status          orders.Status  `json:"status"`
	CustomerName    string         `json:"customerName"`
	CustomerEmail   string         `json:"customerEmail,omitempty"`
	CustomerPhone   string         `json:"customerPhone,omitempty"`
	PaymentIntentID string         `json:"paymentIntentId,omitempty"`
	Subtotal        float64        `json:"subtotal"`
	Shipping        float64        `json:"shipping"`
	Tax             float64        `json:"tax"`
	Total           float64        `json:"total"`
	ItemCount       int            `json:"itemCount"`
	ShippingAddress orders.Address `json:"shippingAddress"`
	Items           []itemView     `json:"items"`
	CreatedAt       time.Time      `json:"createdAt"`
	UpdatedAt       time.Time      `json:"updatedAt"`
}

// toView renders o. admin adds the contact and payment fields.
func toView(o orders.Order, admin bool) orderView {
	v := orderView{
		ID:              o.ID,
		OrderNumber:     o.OrderNumber(),
		Status:          o.Status,
		CustomerName:    o.CustomerName(),
		Subtotal:        o.SubtotalCents.Float(),
		Shipping:        o.ShippingCents.Float(),
		Tax:             o.TaxCents.Float(),
		Total:           o.TotalCents.Float(),
		ItemCount:       o.ItemCount(),
		ShippingAddress: o.Shipping,
		Items:           make([]itemView, 0, len(o.Items)),
		CreatedAt:       o.CreatedAt,
		UpdatedAt:       o.UpdatedAt,
	}
	if admin {
		v.CustomerEmail = o.ContactEmail()
		v.CustomerPhone = o.GuestPhone
		v.PaymentIntentID = o.PaymentIntentID
	}
	for _, it := range o.Items {
		v.Items = append(v.Items, itemView{
			ID:          it.ID,
			VariantID:   it.VariantID,
			ProductName: it.ProductName,
			Size:        it.Size,
			Color:       it.Color,
			Quantity:    it.Quantity,
			UnitPrice:   it.UnitPriceCents.Float(),
			Total:       it.LineTotal().Float(),
		})
	}
	return v
}

func toViews(os []orders.Order, admin bool) []orderView {
	out := make([]orderView, 0, len(os))
	for _, o := range os {
		out = append(out, toView(o, admin))
	}
	return out
}
