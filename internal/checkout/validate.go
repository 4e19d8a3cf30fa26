package checkout

import (
	"strings"

	"github.com/ariefcatur/go-storefront-orders/internal/apperr"
	"github.com/ariefcatur/go-storefront-orders/internal/orders"
)

// Validate checks the cart, contact and address before anything is read or
// written, and returns the normalized shipping address.
func Validate(req *Request) (orders.Address, error) {
	if len(req.Items) == 0 {
		return orders.Address{}, apperr.Validation("Cart is empty")
	}
	for _, it := range req.Items {
		if strings.TrimSpace(it.VariantID) == "" {
			return orders.Address{}, apperr.Validation("Invalid cart item: missing variant")
		}
		if it.Quantity <= 0 {
			return orders.Address{}, apperr.Validation("Invalid cart item: quantity must be at least 1")
		}
	}

	if !orders.ValidEmail(req.Customer.Email) {
		return orders.Address{}, apperr.Validation("Valid email is required")
	}

	a := req.Shipping
	a.Name = strings.TrimSpace(a.Name)
	a.Street = strings.TrimSpace(a.Street)
	a.Street2 = strings.TrimSpace(a.Street2)
	a.City = strings.TrimSpace(a.City)
	a.Zip = strings.TrimSpace(a.Zip)
	if a.Name == "" || a.Street == "" || a.City == "" || strings.TrimSpace(a.State) == "" || a.Zip == "" {
		return orders.Address{}, apperr.Validation("Complete shipping address is required")
	}

	st, ok := orders.NormalizeState(a.State)
	if !ok {
		return orders.Address{}, apperr.Validation("Invalid US state. We only ship within the US.")
	}
	a.State = st

	if !orders.ValidZip(a.Zip) {
		return orders.Address{}, apperr.Validation("Invalid ZIP code format")
	}
	a.Country = "US"
	return a, nil
}
