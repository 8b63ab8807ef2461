// Package money converts between the decimal amounts used in application code
// and the Decimal128 values stored in MongoDB.
//
// Balances are only ever changed with $inc on Decimal128 fields, so the
// server does the arithmetic. Application code never adds two balances.
package money

import (
	"fmt"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Zero is the stored representation of 0.
var Zero = mustDecimal128(decimal.Zero)

// ToDecimal128 converts d for storage.
func ToDecimal128(d decimal.Decimal) (primitive.Decimal128, error) {
	v, err := primitive.ParseDecimal128(d.String())
	if err != nil {
		return primitive.Decimal128{}, fmt.Errorf("money: %s does not fit Decimal128: %w", d.String(), err)
	}
	return v, nil
}

// FromDecimal128 converts a stored value. The zero Decimal128 (field absent)
// decodes as 0.
func FromDecimal128(v primitive.Decimal128) (decimal.Decimal, error) {
	if v.IsZero() {
		return decimal.Zero, nil
	}
	if v.IsNaN() || v.IsInf() != 0 {
		return decimal.Zero, fmt.Errorf("money: stored value %s is not finite", v.String())
	}
	d, err := decimal.NewFromString(v.String())
	if err != nil {
		return decimal.Zero, fmt.Errorf("money: parse %s: %w", v.String(), err)
	}
	return d, nil
}

// MustFromDecimal128 is FromDecimal128 for values already validated at the
// store boundary.
func MustFromDecimal128(v primitive.Decimal128) decimal.Decimal {
	d, err := FromDecimal128(v)
	if err != nil {
		panic(err)
	}
	return d
}

func mustDecimal128(d decimal.Decimal) primitive.Decimal128 {
	v, err := ToDecimal128(d)
	if err != nil {
		panic(err)
	}
	return v
}
