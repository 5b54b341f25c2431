package prescription

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// maxQuantityDigits bounds both the integer and the fractional digits of a quantity. The
// decimal form of an exponent such as 1e50000000 would otherwise be tens of megabytes.
const maxQuantityDigits = 18

// Quantity is an exact decimal amount (dosage, units dispensed). It is encoded as a bare
// JSON number so stored records keep a numeric schema.
type Quantity struct {
	decimal.Decimal
}

// NewQuantity parses an exact decimal such as "500" or "2.5".
func NewQuantity(s string) (Quantity, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Quantity{}, fmt.Errorf("parse quantity %q: %w", s, err)
	}
	if err := checkRange(d); err != nil {
		return Quantity{}, err
	}
	return Quantity{Decimal: d}, nil
}

func checkRange(d decimal.Decimal) error {
	exp := int64(d.Exponent())
	intDigits := int64(d.NumDigits()) + exp
	if intDigits > maxQuantityDigits {
		return fmt.Errorf("quantity has %d integer digits, at most %d allowed", intDigits, maxQuantityDigits)
	}
	if -exp > maxQuantityDigits {
		return fmt.Errorf("quantity has %d fractional digits, at most %d allowed", -exp, maxQuantityDigits)
	}
	return nil
}

// MustQuantity is NewQuantity for literals.
func MustQuantity(s string) Quantity {
	q, err := NewQuantity(s)
	if err != nil {
		panic(err)
	}
	return q
}

// QuantityFromInt returns the whole-number quantity n.
func QuantityFromInt(n int64) Quantity {
	return Quantity{Decimal: decimal.NewFromInt(n)}
}

// MarshalJSON encodes the quantity as a JSON number.
func (q Quantity) MarshalJSON() ([]byte, error) {
	return []byte(q.Decimal.String()), nil
}

// UnmarshalJSON accepts a JSON number or a quoted decimal string.
func (q *Quantity) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return fmt.Errorf("quantity must not be null")
	}
	var d decimal.Decimal
	if err := d.UnmarshalJSON(b); err != nil {
		return err
	}
	if err := checkRange(d); err != nil {
		return err
	}
	q.Decimal = d
	return nil
}

// Equal reports exact numeric equality (2.50 equals 2.5).
func (q Quantity) Equal(other Quantity) bool {
	return q.Decimal.Equal(other.Decimal)
}
