package orders

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Cents is an amount in minor currency units. All arithmetic on prices
// happens in Cents; decimal is only used at the edges.
type Cents int64

func (c Cents) Decimal() decimal.Decimal { return decimal.New(int64(c), -2) }

// Float is for JSON responses, which carry dollar amounts as numbers.
func (c Cents) Float() float64 { return c.Decimal().InexactFloat64() }

func (c Cents) String() string { return c.Decimal().StringFixed(2) }

// FromDecimal rounds d (in major units) half away from zero to whole cents.
func FromDecimal(d decimal.Decimal) Cents {
	return Cents(d.Shift(2).Round(0).IntPart())
}

func ParseCents(s string) (Cents, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return FromDecimal(d), nil
}
