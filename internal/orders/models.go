package orders

import (
	"strings"
	"time"

	"github.com/ariefcatur/go-storefront-orders/internal/inventory"
)

// Variant is a purchasable SKU joined with the fields of its parent product
// that checkout needs.
type Variant struct {
	ID             string
	ProductID      string
	ProductName    string
	ProductActive  bool
	BasePriceCents Cents
	Size           string
	Color          string
	SKU            string
	Stock          int
	PriceCents     *Cents // override; nil means use the product base price
}

// UnitPrice is the authoritative server-side price for one unit.
func (v Variant) UnitPrice() Cents {
	if v.PriceCents != nil {
		return *v.PriceCents
	}
	return v.BasePriceCents
}

// Label names the variant for user-facing messages, e.g. "Tee (M Black)".
func (v Variant) Label() string {
	opts := strings.TrimSpace(strings.TrimSpace(v.Size) + " " + strings.TrimSpace(v.Color))
	if opts == "" {
		return v.ProductName
	}
	return v.ProductName + " (" + opts + ")"
}

type Address struct {
	Name    string `json:"name"`
	Street  string `json:"street"`
	Street2 string `json:"street2,omitempty"`
	City    string `json:"city"`
	State   string `json:"state"`
	Zip     string `json:"zip"`
	Country string `json:"country"`
}

type Order struct {
	ID              string
	Status          Status
	UserID          string // empty for guest checkout
	GuestName       string
	GuestEmail      string
	GuestPhone      string
	OwnerEmail      string // filled on read from the owning user
	OwnerName       string
	Shipping        Address
	SubtotalCents   Cents
	ShippingCents   Cents
	TaxCents        Cents
	TotalCents      Cents
	PaymentIntentID string
	Items           []OrderItem
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// OrderItem is an immutable snapshot taken at purchase time.
type OrderItem struct {
	ID             int64
	OrderID        string
	VariantID      string
	Quantity       int
	UnitPriceCents Cents
	ProductName    string
	Size           string
	Color          string
}

func (it OrderItem) LineTotal() Cents { return it.UnitPriceCents * Cents(it.Quantity) }

// OrderNumber is the short public reference printed on receipts.
func (o Order) OrderNumber() string {
	id := strings.ReplaceAll(o.ID, "-", "")
	if len(id) > 8 {
		id = id[len(id)-8:]
	}
	return strings.ToUpper(id)
}

func (o Order) ItemCount() int {
	n := 0
	for _, it := range o.Items {
		n += it.Quantity
	}
	return n
}

func (o Order) CustomerName() string {
	switch {
	case o.OwnerName != "":
		return o.OwnerName
	case o.GuestName != "":
		return o.GuestName
	default:
		return "Guest"
	}
}

// ContactEmail is the address that owns the order.
func (o Order) ContactEmail() string {
	if o.OwnerEmail != "" {
		return o.OwnerEmail
	}
	return o.GuestEmail
}

// OwnedByEmail compares case-insensitively.
func (o Order) OwnedByEmail(email string) bool {
	want := NormalizeEmail(email)
	return want != "" && NormalizeEmail(o.ContactEmail()) == want
}

// TotalsConsistent checks total == subtotal + shipping + tax to the cent.
func (o Order) TotalsConsistent() bool {
	return o.TotalCents == o.SubtotalCents+o.ShippingCents+o.TaxCents
}

// Lines is the stock movement the order's items represent.
func (o Order) Lines() []inventory.Line {
	out := make([]inventory.Line, 0, len(o.Items))
	for _, it := range o.Items {
		out = append(out, inventory.Line{VariantID: it.VariantID, Qty: it.Quantity})
	}
	return out
}

// PendingOrder is the projection the sweeper works from.
type PendingOrder struct {
	ID              string
	PaymentIntentID string
	CreatedAt       time.Time
}

// Ref selects an order either by id or by its payment intent.
type Ref struct {
	OrderID         string
	PaymentIntentID string
}

func ByID(id string) Ref           { return Ref{OrderID: id} }
func ByIntent(intentID string) Ref { return Ref{PaymentIntentID: intentID} }

func (r Ref) String() string {
	if r.OrderID != "" {
		return "order:" + r.OrderID
	}
	return "intent:" + r.PaymentIntentID
}

type ListFilter struct {
	Status Status // empty means all
	UserID string
	Email  string // matches guest email or owning user's email
	Limit  int
}
